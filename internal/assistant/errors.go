package assistant

import "fmt"

// Pipeline stages, in execution order. A StageError tags a failure with the
// stage it came from so callers can tell a PHI-safety-relevant failure
// (deidentify) apart from a generation or restoration failure.
const (
	StageDeidentify = "deidentify"
	StageGenerate   = "generate"
	StageReidentify = "reidentify"
	StageCleanup    = "cleanup"
)

// StageError wraps a failure from one pipeline stage.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("assistant: %s stage: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func stageErr(stage string, err error) *StageError {
	return &StageError{Stage: stage, Err: err}
}
