package orchestrator

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ShayCichocki/scribe/pkg/models"
)

// EventType names a conversation transition.
type EventType string

const (
	// EventStarted indicates a conversation was created.
	EventStarted EventType = "conversation_started"
	// EventDraftQueued indicates a Writer step was enqueued.
	EventDraftQueued EventType = "draft_queued"
	// EventDraftReady indicates the Writer's draft was stored.
	EventDraftReady EventType = "draft_ready"
	// EventFormatting indicates a Format Agent step started.
	EventFormatting EventType = "formatting"
	// EventFormatted indicates formatted content was stored.
	EventFormatted EventType = "formatted"
	// EventFeedback indicates user feedback was recorded.
	EventFeedback EventType = "feedback_received"
	// EventPolished indicates the Final Editor's output was stored.
	EventPolished EventType = "polished"
	// EventIdeasReady indicates Strategist ideas were stored.
	EventIdeasReady EventType = "ideas_ready"
	// EventSummaryUpdated indicates the running summary changed.
	EventSummaryUpdated EventType = "summary_updated"
	// EventSaved indicates the user saved content.
	EventSaved EventType = "saved"
	// EventArchived indicates the conversation was archived.
	EventArchived EventType = "archived"
	// EventStepFailed indicates a pipeline step gave up.
	EventStepFailed EventType = "step_failed"
)

// Event is published on every conversation transition.
type Event struct {
	Type           EventType    `json:"type"`
	ConversationID string       `json:"conversation_id"`
	Stage          models.Stage `json:"stage,omitempty"`
	MessageID      string       `json:"message_id,omitempty"`
	Step           string       `json:"step,omitempty"`
	Error          string       `json:"error,omitempty"`
	Timestamp      time.Time    `json:"timestamp"`
}

type subscriber struct {
	conversationID string
	ch             chan Event
}

// EventBus fans events out to subscribers. Publishing never blocks: an
// event is dropped for a subscriber whose buffer is full.
type EventBus struct {
	mu           sync.RWMutex
	subs         map[int]*subscriber
	next         int
	droppedCount atomic.Uint64
	logger       *slog.Logger
}

// NewEventBus creates an empty bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{subs: make(map[int]*subscriber), logger: logger}
}

// Subscribe registers for events of one conversation, or of all
// conversations when conversationID is empty. The returned function
// unsubscribes and closes the channel.
func (b *EventBus) Subscribe(conversationID string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	s := &subscriber{conversationID: conversationID, ch: make(chan Event, buffer)}

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}

// Publish delivers e to matching subscribers.
func (b *EventBus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.conversationID != "" && s.conversationID != e.ConversationID {
			continue
		}
		select {
		case s.ch <- e:
		default:
			count := b.droppedCount.Add(1)
			if count%10 == 1 && b.logger != nil {
				b.logger.Warn("event subscriber full, dropped event",
					"type", e.Type,
					"conversation_id", e.ConversationID,
					"total_dropped", count)
			}
		}
	}
}

// DroppedCount returns the number of events dropped so far.
func (b *EventBus) DroppedCount() uint64 {
	return b.droppedCount.Load()
}

// Subscribers returns the number of active subscriptions.
func (b *EventBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
