package orchestrator

import (
	"errors"
	"fmt"

	"github.com/dgallion1/docdraft/internal/state"
)

var (
	ErrMissingHandler     = errors.New("orchestrator: stage has no handler")
	ErrMissingKey         = errors.New("orchestrator: response is missing a required key")
	ErrInvalidValue       = errors.New("orchestrator: response value has the wrong type")
	ErrMaxRedraftExceeded = errors.New("orchestrator: maximum redraft attempts exceeded")
)

// StageError is a fatal run failure attributed to one stage.
type StageError struct {
	Stage state.Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func stageErr(stage state.Stage, err error) error {
	var se *StageError
	if errors.As(err, &se) {
		return err
	}
	return &StageError{Stage: stage, Err: err}
}
