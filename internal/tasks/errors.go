package tasks

import (
	"errors"
	"fmt"
)

// Kind classifies a stage failure for the caller (the HTTP layer maps it to a status code).
type Kind int

const (
	KindProcessing Kind = iota // unexpected failure while computing an artifact
	KindValidation             // caller supplied unusable input
	KindMissing                // a predecessor artifact does not exist yet
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindMissing:
		return "missing"
	default:
		return "processing"
	}
}

var (
	ErrNotEnoughImages = errors.New("not enough images")
	ErrArtifactMissing = errors.New("artifact missing")
	ErrInvalidROI      = errors.New("invalid roi")
	ErrInvalidZoom     = errors.New("invalid zoom factor")
)

// StageError carries a user-facing message next to the underlying cause.
type StageError struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	return fmt.Sprintf("%s: %v", e.Msg, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func validation(msg string, err error) error {
	return &StageError{Kind: KindValidation, Msg: msg, Err: err}
}

func missing(msg string, err error) error {
	return &StageError{Kind: KindMissing, Msg: msg, Err: err}
}

func processing(msg string, err error) error {
	return &StageError{Kind: KindProcessing, Msg: msg, Err: err}
}

// KindOf reports the Kind of err, KindProcessing when it is not a StageError.
func KindOf(err error) Kind {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindProcessing
}

// Message returns the user-facing message of err.
func Message(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return se.Msg
	}
	return err.Error()
}
