package ocvnn

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/cyclopcam/classpie/pkg/nn"
	"github.com/stretchr/testify/require"
)

func TestMissingModel(t *testing.T) {
	cfg := &nn.ModelConfig{Architecture: "yolov8", Width: 640, Height: 640, Classes: []string{"a"}}
	_, err := NewDetector(cfg, filepath.Join(t.TempDir(), "nope.onnx"))
	require.ErrorIs(t, err, nn.ErrModelUnavailable)

	cfg.Width = 0
	_, err = NewDetector(cfg, "whatever.onnx")
	require.ErrorIs(t, err, nn.ErrModelUnavailable)
}

func TestNonSquareModel(t *testing.T) {
	cfg := &nn.ModelConfig{Architecture: "yolov8", Width: 640, Height: 480, Classes: []string{"a"}}
	d, err := NewDetector(cfg, "whatever.onnx")
	require.ErrorIs(t, err, nn.ErrModelUnavailable)
	require.Nil(t, d)
}

func TestClosedDetector(t *testing.T) {
	d := &Detector{
		config: &nn.ModelConfig{Width: 640, Height: 640, Classes: []string{"a"}},
		closed: true,
	}
	// A second Close is a no-op
	d.Close()
	err := d.Predict(context.Background(), "clip.mp4", nil, func(frame *nn.FrameResult) error {
		t.Fatal("no frames expected")
		return nil
	})
	require.ErrorIs(t, err, nn.ErrModelUnavailable)
}

// fakeStream yields nFrames frames, with the given indices empty
func fakeStream(nFrames int, empty ...int) func() (bool, bool) {
	isEmpty := map[int]bool{}
	for _, e := range empty {
		isEmpty[e] = true
	}
	next := 0
	return func() (bool, bool) {
		if next >= nFrames {
			return false, false
		}
		next++
		return true, isEmpty[next-1]
	}
}

func runSelect(t *testing.T, params *nn.DetectionParams, read func() (bool, bool)) ([]int, error) {
	t.Helper()
	frames := []int{}
	err := selectFrames(context.Background(), params.WithDefaults(), read, func(frameIdx int) error {
		frames = append(frames, frameIdx)
		return nil
	})
	return frames, err
}

func TestSelectFrames(t *testing.T) {
	frames, err := runSelect(t, nil, fakeStream(4))
	require.NoError(t, err)
	require.Equal(t, []int{0, 1, 2, 3}, frames)

	// Empty frames are skipped, but still count towards the frame index
	frames, err = runSelect(t, nil, fakeStream(4, 1))
	require.NoError(t, err)
	require.Equal(t, []int{0, 2, 3}, frames)
}

func TestSelectFramesStride(t *testing.T) {
	frames, err := runSelect(t, &nn.DetectionParams{FrameStride: 3}, fakeStream(10))
	require.NoError(t, err)
	require.Equal(t, []int{0, 3, 6, 9}, frames)

	// The stride is fixed to the frame index, so an empty frame is not replaced by its neighbour
	frames, err = runSelect(t, &nn.DetectionParams{FrameStride: 3}, fakeStream(10, 3))
	require.NoError(t, err)
	require.Equal(t, []int{0, 6, 9}, frames)
}

func TestSelectFramesMaxFrames(t *testing.T) {
	nRead := 0
	stream := fakeStream(100)
	counted := func() (bool, bool) {
		nRead++
		return stream()
	}
	frames, err := runSelect(t, &nn.DetectionParams{FrameStride: 2, MaxFrames: 3}, counted)
	require.NoError(t, err)
	require.Equal(t, []int{0, 2, 4}, frames)
	require.Equal(t, 5, nRead)
}

func TestSelectFramesNoFrames(t *testing.T) {
	frames, err := runSelect(t, nil, fakeStream(0))
	require.ErrorIs(t, err, nn.ErrUnreadableVideo)
	require.Empty(t, frames)

	// A video of only empty frames is readable, but has nothing to process
	frames, err = runSelect(t, nil, fakeStream(2, 0, 1))
	require.NoError(t, err)
	require.Empty(t, frames)
}

func TestSelectFramesErrors(t *testing.T) {
	boom := errors.New("boom")
	n := 0
	err := selectFrames(context.Background(), nn.DetectionParams{FrameStride: 1}, fakeStream(5), func(frameIdx int) error {
		n++
		if frameIdx == 1 {
			return boom
		}
		return nil
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 2, n)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = runSelectCtx(ctx, fakeStream(5))
	require.ErrorIs(t, err, context.Canceled)
}

func runSelectCtx(ctx context.Context, read func() (bool, bool)) (int, error) {
	n := 0
	err := selectFrames(ctx, nn.DetectionParams{FrameStride: 1}, read, func(frameIdx int) error {
		n++
		return nil
	})
	return n, err
}
