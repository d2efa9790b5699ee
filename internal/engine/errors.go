package engine

import (
	"errors"
	"fmt"
)

// Submission errors.
var (
	// ErrJobInFlight means a run for the job id is queued or executing.
	ErrJobInFlight = errors.New("job already in flight")

	// ErrJobTerminal means the case is already completed or failed.
	ErrJobTerminal = errors.New("job already terminal")

	// ErrClosed means the orchestrator no longer accepts jobs.
	ErrClosed = errors.New("orchestrator closed")
)

// StageCode identifies the stage that failed a run. It is the prefix of the
// recorded failure reason.
type StageCode string

const (
	// CodeWriteSource: the source could not be written to working storage.
	CodeWriteSource StageCode = "write_source_error"

	// CodeDetector: the static analyzer failed.
	CodeDetector StageCode = "detector_error"

	// CodeSynthesisUnavailable: the synthesizer ran degraded.
	CodeSynthesisUnavailable StageCode = "synthesis_unavailable"

	// CodeSynthesisError: the synthesizer call failed.
	CodeSynthesisError StageCode = "synthesis_error"

	// CodeAssemble: the report could not be assembled.
	CodeAssemble StageCode = "assemble_error"

	// CodeSaveReport: the report could not be stored.
	CodeSaveReport StageCode = "save_report_error"
)

// StageError is a pipeline fault.
type StageError struct {
	Code StageCode
	Err  error
}

// Error implements the error interface.
func (e *StageError) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

// Unwrap returns the underlying error.
func (e *StageError) Unwrap() error {
	return e.Err
}

func stageErr(code StageCode, err error) *StageError {
	return &StageError{Code: code, Err: err}
}

// IsStageError reports whether err is a StageError with code.
// Uses errors.As to handle wrapped errors.
func IsStageError(err error, code StageCode) bool {
	var se *StageError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}
