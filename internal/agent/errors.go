package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/ShayCichocki/scribe/internal/llm"
)

var (
	// ErrUnavailable marks transient failures: transport errors, throttling,
	// server errors and timeouts. The dispatcher retries these.
	ErrUnavailable = errors.New("agent unavailable")
	// ErrRejected marks failures caused by the input. Retrying cannot help.
	ErrRejected = errors.New("agent rejected input")
)

// Error is an agent failure tagged with its kind.
type Error struct {
	// Kind is ErrUnavailable or ErrRejected.
	Kind  error
	Agent string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Agent, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// Retryable reports whether err is worth another attempt.
func Retryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

func rejected(agentName string, err error) error {
	return &Error{Kind: ErrRejected, Agent: agentName, Err: err}
}

func unavailable(agentName string, err error) error {
	return &Error{Kind: ErrUnavailable, Agent: agentName, Err: err}
}

// classify tags a backend error. Statuses 408, 409, 429 and 5xx are
// transient; other 4xx are rejections. Errors without a status are
// transport failures and count as transient, except caller cancellation.
func classify(agentName string, err error) error {
	if err == nil {
		return nil
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return unavailable(agentName, err)
	}

	code, ok := llm.StatusCode(err)
	if !ok {
		return unavailable(agentName, err)
	}
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusConflict, code == http.StatusTooManyRequests, code >= 500:
		return unavailable(agentName, err)
	case code >= 400:
		return rejected(agentName, err)
	default:
		return unavailable(agentName, err)
	}
}
