package tieredlib

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidPlan         = errors.New("invalid plan")
	ErrSourceBeforeInstall = errors.New("source copied before dependencies are installed")
	ErrOverlappingCopy     = errors.New("copy destinations overlap")
	ErrPortMismatch        = errors.New("exposed port and port env default disagree")
	ErrBaseUnavailable     = errors.New("base image unavailable")
	ErrMissingInput        = errors.New("missing build input")
	ErrInstallFailed       = errors.New("dependency installation failed")
	ErrNoDockerfileForm    = errors.New("step has no dockerfile equivalent")
)

// StepError locates a failure in the plan. Index is zero based.
type StepError struct {
	Index int
	Kind  StepKind
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s): %s", e.Index+1, e.Kind, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

func stepErr(i int, s Step, err error) error {
	return &StepError{Index: i, Kind: s.Kind, Err: err}
}
