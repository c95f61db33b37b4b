// Package errdefs holds the sentinel errors shared by the inference core.
// Callers match them with errors.Is; packages wrap them with context.
package errdefs

import "errors"

var (
	// ErrSelectionExhausted means no catalog entry could be chosen. The
	// guaranteed-fallback rule makes this a programming defect (an empty or
	// invalid catalog), never a user-facing condition.
	ErrSelectionExhausted = errors.New("model selection exhausted")

	// ErrLoadFailed wraps any failure reported while loading a model. Retry is permitted.
	ErrLoadFailed = errors.New("model load failed")

	// ErrBusy rejects an operation while another of the same kind is in flight.
	ErrBusy = errors.New("busy")

	// ErrNotReady rejects generation when no model is loaded and idle.
	ErrNotReady = errors.New("model not ready")

	// ErrGenerationFailed marks a mid-stream execution fault.
	ErrGenerationFailed = errors.New("generation failed")

	// ErrPrivacyAnomaly is returned when a transmission off the device is recorded.
	ErrPrivacyAnomaly = errors.New("privacy anomaly: data sent off device")
)
