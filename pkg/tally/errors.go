package tally

import (
	"errors"
	"fmt"

	"github.com/cyclopcam/classpie/pkg/nn"
)

type Reason string

const (
	ReasonUnreadableInput  Reason = "unreadable input"
	ReasonModelUnavailable Reason = "model unavailable"
	ReasonInferenceFailed  Reason = "inference failed"
)

// InferenceError is returned by Aggregate when the model could not produce results for a video
type InferenceError struct {
	Reason Reason
	Err    error
}

func (e *InferenceError) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return fmt.Sprintf("%v: %v", e.Reason, e.Err)
}

func (e *InferenceError) Unwrap() error {
	return e.Err
}

// ContractViolation is returned when counts that are handed across a boundary are malformed
// (missing or unknown categories, negative values).
type ContractViolation struct {
	Reason string
}

func (e *ContractViolation) Error() string {
	return "invalid class counts: " + e.Reason
}

// Classify a predictor error
func newInferenceError(err error) *InferenceError {
	reason := ReasonInferenceFailed
	if errors.Is(err, nn.ErrUnreadableVideo) {
		reason = ReasonUnreadableInput
	} else if errors.Is(err, nn.ErrModelUnavailable) {
		reason = ReasonModelUnavailable
	}
	return &InferenceError{Reason: reason, Err: err}
}
