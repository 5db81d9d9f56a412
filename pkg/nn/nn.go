package nn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// Package nn is the interface layer between classpie and whatever runs the detection model.
// To load a model, use the nnload package.

// Defaults match the ultralytics predict() defaults, which is what our models were tuned with.
const DefaultProbabilityThreshold = 0.25
const DefaultNmsIouThreshold = 0.7

var ErrUnreadableVideo = errors.New("Video is unreadable")
var ErrModelUnavailable = errors.New("Detection model is unavailable")

// NN object detection parameters
type DetectionParams struct {
	ProbabilityThreshold float32 // Value between 0 and 1. Lower values will find more objects. Zero value will use the default.
	NmsIouThreshold      float32 // Value between 0 and 1. Lower values will merge more objects together into one. Zero value will use the default.
	FrameStride          int     // Run the model on every Nth frame (0 or 1 = every frame)
	MaxFrames            int     // Stop after this many processed frames (0 = whole video)
}

// Create a default DetectionParams object
func NewDetectionParams() *DetectionParams {
	return &DetectionParams{
		ProbabilityThreshold: DefaultProbabilityThreshold,
		NmsIouThreshold:      DefaultNmsIouThreshold,
		FrameStride:          1,
	}
}

// WithDefaults returns a copy of p with zero values replaced by defaults.
// A nil p is valid.
func (p *DetectionParams) WithDefaults() DetectionParams {
	r := *NewDetectionParams()
	if p == nil {
		return r
	}
	if p.ProbabilityThreshold > 0 {
		r.ProbabilityThreshold = p.ProbabilityThreshold
	}
	if p.NmsIouThreshold > 0 {
		r.NmsIouThreshold = p.NmsIouThreshold
	}
	if p.FrameStride > 1 {
		r.FrameStride = p.FrameStride
	}
	if p.MaxFrames > 0 {
		r.MaxFrames = p.MaxFrames
	}
	return r
}

// VideoPredictor runs a detection model over every processed unit (frame) of a video file.
// It is the only view of the model that the rest of the system has.
type VideoPredictor interface {
	// Close releases the model (you MUST call this when finished, the gocv backend holds C++ objects)
	Close()

	// Predict runs the model over the video, and calls onFrame once per processed frame, in frame order.
	// If onFrame returns an error, prediction stops and that error is returned.
	// Returns an error wrapping ErrUnreadableVideo if the video cannot be opened or decoded.
	Predict(ctx context.Context, videoPath string, params *DetectionParams, onFrame func(frame *FrameResult) error) error

	// Model Config.
	// Callers assume that ModelConfig will remain constant, so don't change it
	// once the predictor has been created.
	Config() *ModelConfig
}

// ModelConfig is saved in a JSON file along with the weights of the NN model
type ModelConfig struct {
	Architecture string   `json:"architecture"` // eg "yolov8"
	Width        int      `json:"width"`        // eg 640
	Height       int      `json:"height"`       // eg 640
	Classes      []string `json:"classes"`      // eg ["ulnua_krank", "ulnoa_krank", ...]
}

// ClassName returns the name of class idx, or "" if idx is out of range
func (c *ModelConfig) ClassName(idx int) string {
	if idx < 0 || idx >= len(c.Classes) {
		return ""
	}
	return c.Classes[idx]
}

// Load model config from a JSON file
func LoadModelConfig(filename string) (*ModelConfig, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	config := &ModelConfig{}
	if err := json.Unmarshal(b, config); err != nil {
		return nil, fmt.Errorf("Invalid model config %v: %w", filename, err)
	}
	if len(config.Classes) == 0 {
		return nil, fmt.Errorf("Model config %v has no classes", filename)
	}
	return config, nil
}
