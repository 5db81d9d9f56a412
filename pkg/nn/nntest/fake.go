package nntest

// Package nntest has a scripted nn.VideoPredictor for tests that don't want to run a real model.

import (
	"context"
	"sync/atomic"

	"github.com/cyclopcam/classpie/pkg/nn"
)

type FakePredictor struct {
	Model    nn.ModelConfig
	Frames   []*nn.FrameResult
	Err      error // Returned from Predict, after FailAt frames have been emitted
	FailAt   int   // Number of frames to emit before returning Err
	Calls    atomic.Int32
	IsClosed atomic.Bool
}

// NewFakePredictor creates a predictor that emits one frame per label.
// An empty label produces a frame with no detections. Labels that aren't in classes
// produce a detection of class -1, as a real model would for a class we don't know.
func NewFakePredictor(classes []string, labels ...string) *FakePredictor {
	f := &FakePredictor{
		Model: nn.ModelConfig{Architecture: "fake", Width: 64, Height: 64, Classes: classes},
	}
	for i, label := range labels {
		frame := &nn.FrameResult{Frame: i, ImageWidth: 64, ImageHeight: 64}
		if label != "" {
			cls := -1
			for c, name := range classes {
				if name == label {
					cls = c
				}
			}
			frame.Objects = []nn.ObjectDetection{{Class: cls, Confidence: 0.9, Box: nn.Rect{X: 1, Y: 1, Width: 10, Height: 10}}}
		}
		f.Frames = append(f.Frames, frame)
	}
	return f
}

func (f *FakePredictor) Close() {
	f.IsClosed.Store(true)
}

func (f *FakePredictor) Config() *nn.ModelConfig {
	return &f.Model
}

func (f *FakePredictor) Predict(ctx context.Context, videoPath string, params *nn.DetectionParams, onFrame func(frame *nn.FrameResult) error) error {
	f.Calls.Add(1)
	for i, frame := range f.Frames {
		if f.Err != nil && i >= f.FailAt {
			return f.Err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := onFrame(frame); err != nil {
			return err
		}
	}
	return f.Err
}
