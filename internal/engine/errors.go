package engine

import (
	"errors"
	"fmt"
	"strings"
)

// Result reason strings surfaced in VerificationResult.Error. These are
// expected outcomes the UI layer renders, not faults.
const (
	ReasonNotInitialized = "not initialized"
	ReasonInvalidFrame   = "invalid frame"
	ReasonTimeout        = "timeout"
	ReasonNoFace         = "no face detected"
	ReasonMultipleFaces  = "multiple faces detected"
	ReasonNoStoredData   = "no stored face data"
)

// Initialization errors returned by EnsureReady.
var (
	// ErrInitTimeout means the whole load attempt exceeded its deadline.
	ErrInitTimeout = errors.New("model initialization timed out")

	// ErrInitExhausted means every load attempt failed. A later call may
	// retry from scratch.
	ErrInitExhausted = errors.New("model initialization retries exhausted")
)

// ComponentLoadError identifies which model component failed to load.
type ComponentLoadError struct {
	Component string
	Err       error
}

func (e *ComponentLoadError) Error() string {
	return fmt.Sprintf("load component %s: %v", e.Component, e.Err)
}

func (e *ComponentLoadError) Unwrap() error {
	return e.Err
}

// Detection and enrollment errors.
var (
	ErrNotInitialized = errors.New(ReasonNotInitialized)
	ErrInvalidFrame   = errors.New(ReasonInvalidFrame)
	ErrDetectTimeout  = errors.New(ReasonTimeout)
	ErrNoFaceDetected = errors.New(ReasonNoFace)
	ErrMultipleFaces  = errors.New(ReasonMultipleFaces)
	ErrNoStoredData   = errors.New(ReasonNoStoredData)
)

// isModelFault reports whether an error looks like a model or initialization
// problem, in which case the detection layer reinitializes before retrying.
func isModelFault(err error) bool {
	if err == nil {
		return false
	}
	text := strings.ToLower(err.Error())
	return strings.Contains(text, "model") ||
		strings.Contains(text, "not loaded") ||
		strings.Contains(text, "initializ")
}
