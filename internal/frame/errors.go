package frame

import "errors"

// Failure kinds surfaced in run summaries.
var (
	ErrMissingMandatoryCalibration = errors.New("missing mandatory calibration")
	ErrInsufficientFrames          = errors.New("insufficient frames")
	ErrIO                          = errors.New("frame i/o")
	ErrCombinationTimeout          = errors.New("combination timeout")
)

// FrameError attaches the affected file to a failure.
type FrameError struct {
	Path string
	Err  error
}

func (e *FrameError) Error() string { return e.Path + ": " + e.Err.Error() }

func (e *FrameError) Unwrap() error { return e.Err }
