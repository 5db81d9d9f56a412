package ocvnn

// Package ocvnn runs YOLO ONNX models on video files using the OpenCV DNN module (via gocv).

import (
	"context"
	"fmt"
	"image"
	"os"
	"sync"

	"github.com/cyclopcam/classpie/pkg/nn"
	"gocv.io/x/gocv"
)

type Detector struct {
	config *nn.ModelConfig

	// An OpenCV Net is not safe for concurrent use, so we serialize Predict calls
	lock   sync.Mutex
	net    gocv.Net
	closed bool
}

// NewDetector loads the ONNX weights in onnxFile.
// Returns an error wrapping nn.ErrModelUnavailable if the weights can't be loaded.
func NewDetector(config *nn.ModelConfig, onnxFile string) (*Detector, error) {
	if config.Width <= 0 || config.Height <= 0 {
		return nil, fmt.Errorf("%w: invalid model size %v x %v", nn.ErrModelUnavailable, config.Width, config.Height)
	}
	if config.Width != config.Height {
		// detect() letterboxes into a square, and maps boxes back with a single scale factor
		return nil, fmt.Errorf("%w: model input must be square, but is %v x %v", nn.ErrModelUnavailable, config.Width, config.Height)
	}
	if _, err := os.Stat(onnxFile); err != nil {
		return nil, fmt.Errorf("%w: %v", nn.ErrModelUnavailable, err)
	}
	net := gocv.ReadNetFromONNX(onnxFile)
	if net.Empty() {
		return nil, fmt.Errorf("%w: failed to load network %v", nn.ErrModelUnavailable, onnxFile)
	}
	if err := net.SetPreferableBackend(gocv.NetBackendDefault); err != nil {
		net.Close()
		return nil, fmt.Errorf("%w: %v", nn.ErrModelUnavailable, err)
	}
	if err := net.SetPreferableTarget(gocv.NetTargetCPU); err != nil {
		net.Close()
		return nil, fmt.Errorf("%w: %v", nn.ErrModelUnavailable, err)
	}
	return &Detector{
		config: config,
		net:    net,
	}, nil
}

func (d *Detector) Close() {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.closed {
		return
	}
	d.net.Close()
	d.closed = true
}

func (d *Detector) Config() *nn.ModelConfig {
	return d.config
}

func (d *Detector) Predict(ctx context.Context, videoPath string, params *nn.DetectionParams, onFrame func(frame *nn.FrameResult) error) error {
	p := params.WithDefaults()

	d.lock.Lock()
	defer d.lock.Unlock()
	if d.closed {
		return fmt.Errorf("%w: detector is closed", nn.ErrModelUnavailable)
	}

	if _, err := os.Stat(videoPath); err != nil {
		return fmt.Errorf("%w: %v", nn.ErrUnreadableVideo, err)
	}
	video, err := gocv.VideoCaptureFile(videoPath)
	if err != nil {
		return fmt.Errorf("%w: %v", nn.ErrUnreadableVideo, err)
	}
	defer video.Close()
	if !video.IsOpened() {
		return fmt.Errorf("%w: unable to open %v", nn.ErrUnreadableVideo, videoPath)
	}

	frame := gocv.NewMat()
	defer frame.Close()

	readFrame := func() (bool, bool) {
		if !video.Read(&frame) {
			return false, false
		}
		return true, frame.Empty()
	}
	processFrame := func(frameIdx int) error {
		objects, err := d.detect(frame, p)
		if err != nil {
			return fmt.Errorf("Frame %v: %w", frameIdx, err)
		}
		return onFrame(&nn.FrameResult{
			Frame:       frameIdx,
			ImageWidth:  frame.Cols(),
			ImageHeight: frame.Rows(),
			Objects:     objects,
		})
	}
	return selectFrames(ctx, p, readFrame, processFrame)
}

// selectFrames pulls frames from readFrame until it returns ok=false, and calls processFrame
// on every non-empty frame whose index is a multiple of FrameStride, stopping after MaxFrames
// processed frames if MaxFrames > 0. Frame indices count empty frames too.
// A stream that yields no frames at all is nn.ErrUnreadableVideo.
func selectFrames(ctx context.Context, params nn.DetectionParams, readFrame func() (ok, empty bool), processFrame func(frameIdx int) error) error {
	stride := max(params.FrameStride, 1)
	frameIdx := -1
	nProcessed := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, empty := readFrame()
		if !ok {
			break
		}
		frameIdx++
		if empty || frameIdx%stride != 0 {
			continue
		}
		if err := processFrame(frameIdx); err != nil {
			return err
		}
		nProcessed++
		if params.MaxFrames > 0 && nProcessed >= params.MaxFrames {
			break
		}
	}
	if frameIdx < 0 {
		// OpenCV happily opens some garbage files, but then yields no frames
		return fmt.Errorf("%w: no frames in video", nn.ErrUnreadableVideo)
	}
	return nil
}

// Run the model on a single BGR frame
func (d *Detector) detect(img gocv.Mat, params nn.DetectionParams) ([]nn.ObjectDetection, error) {
	width, height := img.Cols(), img.Rows()

	// Letterbox into a square at the top-left, so that a single scale factor maps back to the image
	maxDim := max(width, height)
	square := gocv.NewMatWithSize(maxDim, maxDim, gocv.MatTypeCV8UC3)
	defer square.Close()
	roi := square.Region(image.Rect(0, 0, width, height))
	err := img.CopyTo(&roi)
	roi.Close()
	if err != nil {
		return nil, err
	}

	inputSize := image.Pt(d.config.Width, d.config.Height)
	scale := float32(maxDim) / float32(d.config.Width)

	blob := gocv.BlobFromImage(square, 1.0/255.0, inputSize, gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	if err := d.net.SetInput(blob, ""); err != nil {
		return nil, err
	}
	output := d.net.Forward("")
	defer output.Close()

	data, err := output.DataPtrFloat32()
	if err != nil {
		return nil, err
	}
	return nn.DecodeYOLOv8(data, len(d.config.Classes), params, scale, width, height)
}
