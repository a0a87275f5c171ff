// Package ingest drives messages from the event bus through
// classification, normalization, windowing and buffering, and hands
// accepted metrics to the insight workers and broadcast sink.
package ingest

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownKind marks an event whose kind cannot be classified.
	ErrUnknownKind = errors.New("unknown event kind")
	// ErrMalformed marks a payload that is not a usable event.
	ErrMalformed = errors.New("malformed event")
)

// Pipeline stages a message passes through.
const (
	StageClassified = "classified"
	StageNormalized = "normalized"
	StageWindowed   = "windowed"
	StageBuffered   = "buffered"
)

// StageError records the stage at which a message failed.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func stageErr(stage string, err error) error {
	return &StageError{Stage: stage, Err: err}
}
