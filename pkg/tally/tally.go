package tally

// Package tally reduces the per-frame output of a detection model into counts over
// the fixed set of categories.

import (
	"context"
	"fmt"

	"github.com/cyclopcam/classpie/pkg/nn"
)

// Result of aggregating one video
type Result struct {
	Counts     ClassCounts `json:"counts"`
	Units      int         `json:"units"`      // Number of processed units (frames) that the model emitted
	Detections int         `json:"detections"` // Number of units that had a detection
	Ignored    int         `json:"ignored"`    // Number of detections whose label is not one of our categories
}

// Options for Aggregate. A nil *Options is valid.
type Options struct {
	Params *nn.DetectionParams

	// If not nil, called with the top record of every unit, or nil for "no detection"
	OnRecord func(frame int, record *nn.Record)
}

// Aggregate runs the predictor once over the video, and counts the top label of every processed unit.
// Units with no detection are skipped, and labels outside of our categories are ignored.
// Any predictor failure is returned as an *InferenceError, and no partial counts are returned.
func Aggregate(ctx context.Context, predictor nn.VideoPredictor, videoPath string, options *Options) (*Result, error) {
	if predictor == nil {
		return nil, &InferenceError{Reason: ReasonModelUnavailable, Err: nn.ErrModelUnavailable}
	}
	if options == nil {
		options = &Options{}
	}
	classes := predictor.Config().Classes
	result := &Result{}

	err := predictor.Predict(ctx, videoPath, options.Params, func(frame *nn.FrameResult) error {
		result.Units++
		record := frame.Top(classes)
		if options.OnRecord != nil {
			options.OnRecord(frame.Frame, record)
		}
		if record == nil {
			return nil
		}
		result.Detections++
		if cat, ok := ParseCategory(record.Name); ok {
			result.Counts.increment(cat)
		} else {
			result.Ignored++
		}
		return nil
	})
	if err != nil {
		return nil, newInferenceError(fmt.Errorf("%v: %w", videoPath, err))
	}
	return result, nil
}

// CountLabels tallies a sequence of labels.
// Empty labels and NoDetection are skipped, and unknown labels are ignored.
func CountLabels(labels []string) ClassCounts {
	c := ClassCounts{}
	for _, label := range labels {
		if label == "" || label == NoDetection {
			continue
		}
		if cat, ok := ParseCategory(label); ok {
			c.increment(cat)
		}
	}
	return c
}
