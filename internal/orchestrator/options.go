package orchestrator

import (
	"context"
	"log/slog"

	"github.com/ShayCichocki/scribe/internal/source"
)

// FeedbackFormatPolicy chooses the format a feedback re-run uses when the
// caller names none.
type FeedbackFormatPolicy string

const (
	// FeedbackLastUsed reuses the conversation's current format, falling
	// back to the default format.
	FeedbackLastUsed FeedbackFormatPolicy = "last_used"
	// FeedbackDefault always uses the default format.
	FeedbackDefault FeedbackFormatPolicy = "default"
)

// Valid reports whether p is a known policy.
func (p FeedbackFormatPolicy) Valid() bool {
	return p == FeedbackLastUsed || p == FeedbackDefault
}

// Fetcher retrieves source material for a link.
type Fetcher interface {
	Configured() bool
	Retrieve(ctx context.Context, rawURL string) (*source.Article, error)
}

// Option configures a Coordinator. Use With* functions to create Options.
type Option func(*coordinatorOptions)

type coordinatorOptions struct {
	logger          *slog.Logger
	events          *EventBus
	fetcher         Fetcher
	conflictRetries int
	feedbackPolicy  FeedbackFormatPolicy
	defaultFormat   string
	defaultCategory string
	historyLimit    int
	autoSummarize   bool
}

func defaultOptions() coordinatorOptions {
	return coordinatorOptions{
		conflictRetries: 5,
		feedbackPolicy:  FeedbackLastUsed,
		defaultFormat:   "framework",
		historyLimit:    10,
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *coordinatorOptions) { o.logger = l }
}

// WithEventBus publishes transitions to bus.
func WithEventBus(bus *EventBus) Option {
	return func(o *coordinatorOptions) { o.events = bus }
}

// WithFetcher sets the source retriever used for links in requests.
func WithFetcher(f Fetcher) Option {
	return func(o *coordinatorOptions) { o.fetcher = f }
}

// WithConflictRetries bounds re-reads after a concurrent write.
func WithConflictRetries(n int) Option {
	return func(o *coordinatorOptions) {
		if n >= 0 {
			o.conflictRetries = n
		}
	}
}

// WithFeedbackFormat sets the feedback format policy and default format.
func WithFeedbackFormat(policy FeedbackFormatPolicy, defaultFormat string) Option {
	return func(o *coordinatorOptions) {
		if policy.Valid() {
			o.feedbackPolicy = policy
		}
		if defaultFormat != "" {
			o.defaultFormat = defaultFormat
		}
	}
}

// WithDefaultCategory seeds conversations started without a category.
func WithDefaultCategory(category string) Option {
	return func(o *coordinatorOptions) { o.defaultCategory = category }
}

// WithHistoryLimit bounds the messages handed to the Writer.
func WithHistoryLimit(n int) Option {
	return func(o *coordinatorOptions) {
		if n >= 0 {
			o.historyLimit = n
		}
	}
}

// WithAutoSummarize refreshes the summary after each formatting step.
func WithAutoSummarize(enabled bool) Option {
	return func(o *coordinatorOptions) { o.autoSummarize = enabled }
}
