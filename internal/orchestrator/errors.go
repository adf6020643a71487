package orchestrator

import (
	"errors"
	"fmt"
)

var (
	// ErrPreconditionFailed is returned when an operation is not valid for
	// the conversation's current stage. Nothing is written.
	ErrPreconditionFailed = errors.New("precondition failed")
	// ErrInvalidInput is returned for malformed requests.
	ErrInvalidInput = errors.New("invalid input")
)

// StepError reports which pipeline step of which conversation failed.
type StepError struct {
	ConversationID string
	Step           string
	Seq            int64
	Err            error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("conversation %s: step %s#%d: %v", e.ConversationID, e.Step, e.Seq, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

func precondition(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPreconditionFailed, fmt.Sprintf(format, args...))
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// errAlreadyArchived short-circuits Archive without writing.
var errAlreadyArchived = errors.New("already archived")
