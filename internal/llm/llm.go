// Package llm provides the language model backends scribe agents run on.
// Each backend implements Completer over one provider SDK and records token
// usage in a TokenTracker.
package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
)

// ErrMissingAPIKey is returned by a constructor when neither the config nor
// the provider's environment variable supplies a key.
var ErrMissingAPIKey = errors.New("api key not set")

// Request is a single-turn completion request.
type Request struct {
	// System is the system prompt.
	System string
	// Prompt is the user turn.
	Prompt string
	// MaxTokens bounds the response length. Zero uses the backend default.
	MaxTokens int64
	// Temperature is passed through when non-nil.
	Temperature *float64
}

// Completion is the text a backend produced.
type Completion struct {
	Text         string
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// Completer turns a request into text.
type Completer interface {
	Complete(ctx context.Context, req Request) (*Completion, error)
	// Model returns the model identifier requests are sent to.
	Model() string
}

// CompleterFunc adapts a function into a Completer.
type CompleterFunc func(ctx context.Context, req Request) (*Completion, error)

// Complete calls f.
func (f CompleterFunc) Complete(ctx context.Context, req Request) (*Completion, error) {
	return f(ctx, req)
}

// Model returns "func".
func (f CompleterFunc) Model() string { return "func" }

// StatusError is an HTTP failure reported by a backend without an SDK error type.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Code, e.Body)
}

// StatusCode extracts the HTTP status of a provider API error.
func StatusCode(err error) (int, bool) {
	var serr *StatusError
	if errors.As(err, &serr) {
		return serr.Code, true
	}
	var aerr *anthropic.Error
	if errors.As(err, &aerr) {
		return aerr.StatusCode, true
	}
	var oerr *openai.Error
	if errors.As(err, &oerr) {
		return oerr.StatusCode, true
	}
	return 0, false
}

// TokenTracker tracks token usage across API calls.
type TokenTracker struct {
	mu        sync.Mutex
	inputTok  int64
	outputTok int64
	calls     int
}

// NewTokenTracker creates a new token tracker.
func NewTokenTracker() *TokenTracker {
	return &TokenTracker{}
}

// Add records token usage from an API call.
func (t *TokenTracker) Add(input, output int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inputTok += input
	t.outputTok += output
	t.calls++
}

// Total returns the total input and output tokens tracked.
func (t *TokenTracker) Total() (input, output int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inputTok, t.outputTok
}

// Calls returns the number of API calls made.
func (t *TokenTracker) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

// Reset clears all tracked token usage.
func (t *TokenTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inputTok = 0
	t.outputTok = 0
	t.calls = 0
}
