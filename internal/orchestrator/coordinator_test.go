package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ShayCichocki/scribe/internal/agent"
	"github.com/ShayCichocki/scribe/internal/dispatch"
	"github.com/ShayCichocki/scribe/internal/state"
	"github.com/ShayCichocki/scribe/pkg/models"
)

type invocation struct {
	agent string
	draft string
	p     agent.Params
}

// fakeAgents answers every agent deterministically. hook, when set, runs
// first and may override the result.
type fakeAgents struct {
	mu    sync.Mutex
	calls []invocation
	hook  func(agentName string, draft string, p agent.Params) (*agent.Result, error)
}

func (f *fakeAgents) Invoke(ctx context.Context, agentName string, conv *models.Conversation, draft string, p agent.Params) (*agent.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, invocation{agent: agentName, draft: draft, p: p})
	hook := f.hook
	f.mu.Unlock()

	if hook != nil {
		if res, err := hook(agentName, draft, p); res != nil || err != nil {
			return res, err
		}
	}

	meta := map[string]any{models.MetaModel: "fake", models.MetaSystemPromptVersion: "v1"}
	switch agentName {
	case models.AgentWriter:
		text := "draft: " + p.Request
		if p.Idea != nil {
			text = "draft from idea: " + p.Idea.ContentIdea
		}
		return &agent.Result{Content: text, Metadata: meta}, nil
	case models.AgentFormat:
		meta[agent.MetaFormat] = p.Format
		meta[agent.MetaCategory] = p.Category
		return &agent.Result{Content: fmt.Sprintf("formatted[%s]: %s", p.Format, draft), Metadata: meta}, nil
	case models.AgentFinalEditor:
		return &agent.Result{Content: "polished: " + draft, Metadata: meta}, nil
	case models.AgentStrategist:
		return &agent.Result{Content: `{"ideas":[` +
			`{"pillar_type":"Belief Shift","pillar_category":"Attract","content_idea":"first idea"},` +
			`{"pillar_type":"Framework","pillar_category":"Nurture","content_idea":"second idea"}]}`, Metadata: meta}, nil
	case models.AgentSummarizer:
		return &agent.Result{Content: fmt.Sprintf("summary of %d messages", len(p.History)), Metadata: meta}, nil
	}
	return nil, fmt.Errorf("unknown agent %s", agentName)
}

func (f *fakeAgents) callsFor(agentName string) []invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []invocation
	for _, c := range f.calls {
		if c.agent == agentName {
			out = append(out, c)
		}
	}
	return out
}

func newTestCoordinator(t *testing.T, agents agent.Invoker, opts ...Option) (*Coordinator, *state.DB, *dispatch.Dispatcher) {
	t.Helper()
	db, err := state.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	d := dispatch.New(dispatch.Config{
		Workers:    4,
		QueueDepth: 16,
		Retry: dispatch.RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
			Retryable:   agent.Retryable,
		},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Shutdown(ctx)
	})

	return New(db, agents, d, opts...), db, d
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func startAndWait(t *testing.T, c *Coordinator, request string) string {
	t.Helper()
	ctx := testCtx(t)
	res, err := c.Start(ctx, StartRequest{UserRequest: request, Category: "attract"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := res.Wait(ctx); err != nil {
		t.Fatalf("draft failed: %v", err)
	}
	return res.ConversationID
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestStart_DraftLands(t *testing.T) {
	agents := &fakeAgents{}
	c, db, _ := newTestCoordinator(t, agents)
	ctx := testCtx(t)

	res, err := c.Start(ctx, StartRequest{UserRequest: "Write about remote onboarding", Category: "Attract", Channel: "http"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if res.Status != StatusStarted {
		t.Errorf("Status = %q, want started", res.Status)
	}
	draft, err := res.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if draft.AgentName != models.AgentWriter {
		t.Errorf("AgentName = %q", draft.AgentName)
	}

	conv, _ := db.GetConversation(ctx, res.ConversationID)
	if conv.Stage != models.StageAwaitingReview {
		t.Errorf("Stage = %s, want awaiting_review", conv.Stage)
	}
	if conv.LastDraftMessageID != draft.ID {
		t.Errorf("draft pointer = %q, want %q", conv.LastDraftMessageID, draft.ID)
	}
	if !conv.State.WaitingForUser || conv.State.Category != "attract" {
		t.Errorf("state = %+v", conv.State)
	}
	if conv.Title != "Write about remote onboarding" {
		t.Errorf("Title = %q", conv.Title)
	}
	if draft.IdempotencyKey != stepKey(conv.ID, 1) {
		t.Errorf("IdempotencyKey = %q", draft.IdempotencyKey)
	}

	msgs, _ := db.ListMessages(ctx, conv.ID, state.Chronological)
	if len(msgs) != 2 || msgs[0].Role != models.RoleUser || msgs[1].ID != draft.ID {
		t.Fatalf("messages = %+v", msgs)
	}
	if msgs[0].Metadata[models.MetaSource] != "http" {
		t.Errorf("request source = %v", msgs[0].Metadata[models.MetaSource])
	}
}

func TestStart_EmptyRequest(t *testing.T) {
	c, _, _ := newTestCoordinator(t, &fakeAgents{})
	if _, err := c.Start(testCtx(t), StartRequest{UserRequest: "  "}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("err = %v, want ErrInvalidInput", err)
	}
}

func TestStart_ParsesInstruction(t *testing.T) {
	agents := &fakeAgents{}
	c, db, _ := newTestCoordinator(t, agents)
	ctx := testCtx(t)

	res, err := c.Start(ctx, StartRequest{UserRequest: "- icp: founders\n- category: Nurture\n- format: Belief Shift"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	res.Wait(ctx)

	conv, _ := db.GetConversation(ctx, res.ConversationID)
	if conv.State.Category != "nurture" || conv.State.Format != "belief_shift" {
		t.Errorf("state = %+v", conv.State)
	}
	calls := agents.callsFor(models.AgentWriter)
	if len(calls) != 1 || calls[0].p.Instruction == nil || calls[0].p.Instruction.ICP != "founders" {
		t.Errorf("writer params = %+v", calls)
	}
}

func TestStart_RetriesUnavailableAgent(t *testing.T) {
	var failures atomic.Int32
	agents := &fakeAgents{hook: func(agentName, _ string, _ agent.Params) (*agent.Result, error) {
		if agentName == models.AgentWriter && failures.Add(1) <= 2 {
			return nil, fmt.Errorf("backend: %w", agent.ErrUnavailable)
		}
		return nil, nil
	}}
	c, db, _ := newTestCoordinator(t, agents)
	id := startAndWait(t, c, "retry me")

	if n := len(agents.callsFor(models.AgentWriter)); n != 3 {
		t.Errorf("writer calls = %d, want 3", n)
	}
	if n, _ := db.CountMessages(context.Background(), id); n != 2 {
		t.Errorf("messages = %d, want 2", n)
	}
}

func TestStart_RejectedAgentSurfacesStepError(t *testing.T) {
	agents := &fakeAgents{hook: func(agentName, _ string, _ agent.Params) (*agent.Result, error) {
		if agentName == models.AgentWriter {
			return nil, fmt.Errorf("bad input: %w", agent.ErrRejected)
		}
		return nil, nil
	}}
	c, _, _ := newTestCoordinator(t, agents)
	ctx := testCtx(t)

	res, err := c.Start(ctx, StartRequest{UserRequest: "x"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	_, err = res.Wait(ctx)
	var serr *StepError
	if !errors.As(err, &serr) {
		t.Fatalf("err = %v, want StepError", err)
	}
	if serr.ConversationID != res.ConversationID || serr.Step != "draft" {
		t.Errorf("StepError = %+v", serr)
	}
	if !errors.Is(err, agent.ErrRejected) {
		t.Errorf("err = %v, want ErrRejected", err)
	}
	if n := len(agents.callsFor(models.AgentWriter)); n != 1 {
		t.Errorf("writer calls = %d, want 1", n)
	}
}

func TestStart_RejectedDraftReturnsToStarted(t *testing.T) {
	agents := &fakeAgents{hook: func(agentName, _ string, _ agent.Params) (*agent.Result, error) {
		if agentName == models.AgentWriter {
			return nil, fmt.Errorf("bad input: %w", agent.ErrRejected)
		}
		return nil, nil
	}}
	c, db, _ := newTestCoordinator(t, agents)
	ctx := testCtx(t)

	res, err := c.Start(ctx, StartRequest{UserRequest: "write about pricing"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := res.Wait(ctx); err == nil {
		t.Fatal("expected draft failure")
	}

	conv, _ := db.GetConversation(ctx, res.ConversationID)
	if conv.Stage != models.StageStarted {
		t.Errorf("Stage = %s, want started", conv.Stage)
	}

	// Nothing is left for a restart to resume.
	n, err := c.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if n != 0 {
		t.Errorf("recovered = %d, want 0", n)
	}
	if calls := len(agents.callsFor(models.AgentWriter)); calls != 1 {
		t.Errorf("writer calls = %d, want 1", calls)
	}
}

func TestTransform_RejectedFormatRestoresReview(t *testing.T) {
	agents := &fakeAgents{hook: func(agentName, _ string, _ agent.Params) (*agent.Result, error) {
		if agentName == models.AgentFormat {
			return nil, fmt.Errorf("bad: %w", agent.ErrRejected)
		}
		return nil, nil
	}}
	c, db, _ := newTestCoordinator(t, agents)
	id := startAndWait(t, c, "topic")
	ctx := testCtx(t)

	_, err := c.Transform(ctx, TransformRequest{ConversationID: id, Format: "framework"})
	if !errors.Is(err, agent.ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}

	conv, _ := db.GetConversation(ctx, id)
	if conv.Stage != models.StageAwaitingReview {
		t.Errorf("Stage = %s, want awaiting_review", conv.Stage)
	}
	if conv.LastFormattedMessageID != "" {
		t.Errorf("formatted pointer = %q, want empty", conv.LastFormattedMessageID)
	}
}

func TestSettledStage(t *testing.T) {
	tests := []struct {
		name string
		conv models.Conversation
		want models.Stage
	}{
		{"formatting", models.Conversation{Stage: models.StageFormatting}, models.StageAwaitingReview},
		{"first draft", models.Conversation{Stage: models.StageDrafting}, models.StageStarted},
		{"redraft", models.Conversation{Stage: models.StageDrafting, LastDraftMessageID: "m1"}, models.StageAwaitingReview},
		{"review", models.Conversation{Stage: models.StageAwaitingReview}, models.StageAwaitingReview},
		{"archived", models.Conversation{Stage: models.StageArchived}, models.StageArchived},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := settledStage(&tt.conv); got != tt.want {
				t.Errorf("settledStage() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestTransform_WithoutDraftFailsPrecondition(t *testing.T) {
	c, db, _ := newTestCoordinator(t, &fakeAgents{})
	ctx := testCtx(t)

	conv, err := db.CreateConversation(ctx, "empty", models.ConversationState{})
	if err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	_, err = c.Transform(ctx, TransformRequest{ConversationID: conv.ID, Draft: "text", Format: "framework"})
	if !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("err = %v, want ErrPreconditionFailed", err)
	}
	if n, _ := db.CountMessages(ctx, conv.ID); n != 0 {
		t.Errorf("messages = %d, want 0", n)
	}
	after, _ := db.GetConversation(ctx, conv.ID)
	if after.Version != conv.Version {
		t.Errorf("version changed: %d -> %d", conv.Version, after.Version)
	}
}

func TestTransform_NotFound(t *testing.T) {
	c, _, _ := newTestCoordinator(t, &fakeAgents{})
	_, err := c.Transform(testCtx(t), TransformRequest{ConversationID: "missing"})
	if !errors.Is(err, state.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestTransform_DefaultsToLatestDraft(t *testing.T) {
	agents := &fakeAgents{}
	c, db, _ := newTestCoordinator(t, agents)
	id := startAndWait(t, c, "topic")
	ctx := testCtx(t)

	res, err := c.Transform(ctx, TransformRequest{ConversationID: id, Format: "Belief Shift", TemplateID: "tpl"})
	if err != nil {
		t.Fatalf("Transform failed: %v", err)
	}
	if res.Content != "formatted[belief_shift]: draft: topic" {
		t.Errorf("Content = %q", res.Content)
	}
	if res.Status != string(models.StageAwaitingReview) {
		t.Errorf("Status = %q", res.Status)
	}

	calls := agents.callsFor(models.AgentFormat)
	if len(calls) != 1 || calls[0].p.TemplateID != "tpl" || calls[0].p.Category != "attract" {
		t.Errorf("format params = %+v", calls)
	}

	conv, _ := db.GetConversation(ctx, id)
	if conv.LastFormattedMessageID != res.MessageID {
		t.Errorf("formatted pointer = %q, want %q", conv.LastFormattedMessageID, res.MessageID)
	}
	if conv.State.Format != "belief_shift" {
		t.Errorf("format = %q", conv.State.Format)
	}
}

func TestTransform_ConcurrentRequestsSerialize(t *testing.T) {
	var running, maxRunning atomic.Int32
	agents := &fakeAgents{hook: func(agentName, _ string, _ agent.Params) (*agent.Result, error) {
		if agentName != models.AgentFormat {
			return nil, nil
		}
		n := running.Add(1)
		defer running.Add(-1)
		for {
			m := maxRunning.Load()
			if n <= m || maxRunning.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return nil, nil
	}}
	c, db, _ := newTestCoordinator(t, agents)
	id := startAndWait(t, c, "topic")
	ctx := testCtx(t)

	formats := []string{"framework", "belief_shift", "how_to", "case_study", "quick_win"}
	var wg sync.WaitGroup
	errs := make(chan error, len(formats))
	for _, f := range formats {
		wg.Add(1)
		go func(format string) {
			defer wg.Done()
			_, err := c.Transform(ctx, TransformRequest{ConversationID: id, Format: format})
			errs <- err
		}(f)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Transform failed: %v", err)
		}
	}

	if maxRunning.Load() != 1 {
		t.Errorf("concurrent format calls = %d, want 1", maxRunning.Load())
	}

	msgs, _ := db.ListMessages(ctx, id, state.Chronological)
	if len(msgs) != 2+len(formats) {
		t.Fatalf("messages = %d, want %d", len(msgs), 2+len(formats))
	}
	last := msgs[len(msgs)-1]
	conv, _ := db.GetConversation(ctx, id)
	if conv.LastFormattedMessageID != last.ID {
		t.Errorf("formatted pointer = %q, want last message %q", conv.LastFormattedMessageID, last.ID)
	}
	if want := last.Metadata[agent.MetaFormat]; conv.State.Format != want {
		t.Errorf("state format = %q, want %v from the last step", conv.State.Format, want)
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].Before(&msgs[i-1]) {
			t.Errorf("message %d ordered before %d", i, i-1)
		}
	}
}

func TestSave_RoundTrip(t *testing.T) {
	c, db, _ := newTestCoordinator(t, &fakeAgents{})
	id := startAndWait(t, c, "topic")
	ctx := testCtx(t)

	res, err := c.Save(ctx, SaveRequest{ConversationID: id, Content: "final post", Status: SaveCompleted})
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if res.Status != "completed" {
		t.Errorf("Status = %q", res.Status)
	}

	conv, _ := db.GetConversation(ctx, id)
	if conv.State.FinalContent != "final post" {
		t.Errorf("final_content = %q", conv.State.FinalContent)
	}
	if conv.Stage != models.StageCompleted || !conv.State.UserSatisfied || conv.State.WaitingForUser {
		t.Errorf("conv = stage %s state %+v", conv.Stage, conv.State)
	}

	msg, _ := db.GetMessage(ctx, res.MessageID)
	if msg.AgentName != models.AgentFinalEditor || msg.Role != models.RoleAssistant || msg.Metadata[models.MetaSource] != "user" {
		t.Errorf("message = %+v", msg)
	}
}

func TestSave_Statuses(t *testing.T) {
	tests := []struct {
		status     SaveStatus
		wantStatus models.ConversationStatus
		wantStage  models.Stage
	}{
		{SaveActive, models.ConversationActive, models.StageAwaitingReview},
		{SaveCompleted, models.ConversationActive, models.StageCompleted},
		{SaveArchived, models.ConversationArchived, models.StageArchived},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			c, db, _ := newTestCoordinator(t, &fakeAgents{})
			id := startAndWait(t, c, "topic")
			ctx := testCtx(t)

			if _, err := c.Save(ctx, SaveRequest{ConversationID: id, Content: "post", Status: tt.status}); err != nil {
				t.Fatalf("Save failed: %v", err)
			}
			conv, _ := db.GetConversation(ctx, id)
			if conv.Status != tt.wantStatus || conv.Stage != tt.wantStage {
				t.Errorf("got %s/%s, want %s/%s", conv.Status, conv.Stage, tt.wantStatus, tt.wantStage)
			}
		})
	}
}

func TestSave_ArchivedFailsPrecondition(t *testing.T) {
	c, db, _ := newTestCoordinator(t, &fakeAgents{})
	id := startAndWait(t, c, "topic")
	ctx := testCtx(t)

	if _, err := c.Archive(ctx, id); err != nil {
		t.Fatalf("Archive failed: %v", err)
	}
	before, _ := db.CountMessages(ctx, id)
	if _, err := c.Save(ctx, SaveRequest{ConversationID: id, Content: "post", Status: SaveActive}); !errors.Is(err, ErrPreconditionFailed) {
		t.Errorf("err = %v, want ErrPreconditionFailed", err)
	}
	if after, _ := db.CountMessages(ctx, id); after != before {
		t.Errorf("messages %d -> %d", before, after)
	}

	// Archiving again is a no-op.
	if _, err := c.Archive(ctx, id); err != nil {
		t.Errorf("second Archive failed: %v", err)
	}
}

func TestSave_Validation(t *testing.T) {
	c, _, _ := newTestCoordinator(t, &fakeAgents{})
	ctx := testCtx(t)
	if _, err := c.Save(ctx, SaveRequest{ConversationID: "x", Content: ""}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("empty content: err = %v", err)
	}
	if _, err := c.Save(ctx, SaveRequest{ConversationID: "x", Content: "c", Status: "bogus"}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("bad status: err = %v", err)
	}
}

func TestScenario_StartTransformSave(t *testing.T) {
	c, db, _ := newTestCoordinator(t, &fakeAgents{})
	ctx := testCtx(t)

	id := startAndWait(t, c, "Five lessons from shipping weekly")
	tr, err := c.Transform(ctx, TransformRequest{ConversationID: id, Category: "nurture", Format: "framework"})
	if err != nil {
		t.Fatalf("Transform failed: %v", err)
	}
	if _, err := c.Save(ctx, SaveRequest{ConversationID: id, Content: tr.Content, Status: SaveCompleted}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	msgs, _ := db.ListMessages(ctx, id, state.Chronological)
	wantAgents := []string{"", models.AgentWriter, models.AgentFormat, models.AgentFinalEditor}
	if len(msgs) != len(wantAgents) {
		t.Fatalf("messages = %d, want %d", len(msgs), len(wantAgents))
	}
	for i, want := range wantAgents {
		if msgs[i].AgentName != want {
			t.Errorf("msgs[%d].AgentName = %q, want %q", i, msgs[i].AgentName, want)
		}
	}

	conv, _ := db.GetConversation(ctx, id)
	if conv.Stage != models.StageCompleted || conv.State.FinalContent != tr.Content {
		t.Errorf("conv = %s %+v", conv.Stage, conv.State)
	}
	if conv.State.Category != "nurture" || conv.State.Format != "framework" {
		t.Errorf("labels = %s/%s", conv.State.Category, conv.State.Format)
	}

	// Completed is terminal for the pipeline.
	if _, err := c.Transform(ctx, TransformRequest{ConversationID: id}); !errors.Is(err, ErrPreconditionFailed) {
		t.Errorf("Transform after completion: err = %v", err)
	}
}

func TestFeedback_FormatPolicies(t *testing.T) {
	tests := []struct {
		name   string
		policy FeedbackFormatPolicy
		want   string
	}{
		{"last used", FeedbackLastUsed, "belief_shift"},
		{"default", FeedbackDefault, "carousel"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agents := &fakeAgents{}
			c, db, _ := newTestCoordinator(t, agents, WithFeedbackFormat(tt.policy, "carousel"))
			id := startAndWait(t, c, "topic")
			ctx := testCtx(t)

			if _, err := c.Transform(ctx, TransformRequest{ConversationID: id, Format: "belief_shift"}); err != nil {
				t.Fatalf("Transform failed: %v", err)
			}
			res, err := c.Feedback(ctx, FeedbackRequest{ConversationID: id, Feedback: "Make the hook punchier"})
			if err != nil {
				t.Fatalf("Feedback failed: %v", err)
			}

			calls := agents.callsFor(models.AgentFormat)
			last := calls[len(calls)-1]
			if last.p.Format != tt.want {
				t.Errorf("format = %q, want %q", last.p.Format, tt.want)
			}
			if last.p.Feedback != "Make the hook punchier" {
				t.Errorf("feedback = %q", last.p.Feedback)
			}

			msgs, _ := db.ListMessages(ctx, id, state.Chronological)
			fb := msgs[len(msgs)-2]
			if fb.Role != models.RoleUser || fb.Metadata[models.MetaType] != "feedback" {
				t.Errorf("feedback message = %+v", fb)
			}
			out := msgs[len(msgs)-1]
			if out.ID != res.MessageID || out.Feedback() != "Make the hook punchier" {
				t.Errorf("formatted message = %+v", out)
			}

			conv, _ := db.GetConversation(ctx, id)
			if conv.State.LastFeedback != "Make the hook punchier" {
				t.Errorf("last_feedback = %q", conv.State.LastFeedback)
			}
		})
	}
}

func TestFeedback_StoredBeforeDispatch(t *testing.T) {
	agents := &fakeAgents{}
	c, db, _ := newTestCoordinator(t, agents)
	id := startAndWait(t, c, "topic")
	ctx := testCtx(t)

	var sawFeedback atomic.Bool
	agents.mu.Lock()
	agents.hook = func(agentName, _ string, p agent.Params) (*agent.Result, error) {
		if agentName == models.AgentFormat {
			conv, err := db.GetConversation(context.Background(), id)
			if err == nil && conv.State.LastFeedback == p.Feedback {
				sawFeedback.Store(true)
			}
		}
		return nil, nil
	}
	agents.mu.Unlock()

	if _, err := c.Feedback(ctx, FeedbackRequest{ConversationID: id, Feedback: "shorter"}); err != nil {
		t.Fatalf("Feedback failed: %v", err)
	}
	if !sawFeedback.Load() {
		t.Error("last_feedback not stored before the format step ran")
	}
}

func TestFeedback_Validation(t *testing.T) {
	c, db, _ := newTestCoordinator(t, &fakeAgents{})
	ctx := testCtx(t)

	if _, err := c.Feedback(ctx, FeedbackRequest{ConversationID: "x"}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("empty feedback: err = %v", err)
	}

	conv, _ := db.CreateConversation(ctx, "no draft", models.ConversationState{})
	if _, err := c.Feedback(ctx, FeedbackRequest{ConversationID: conv.ID, Feedback: "x"}); !errors.Is(err, ErrPreconditionFailed) {
		t.Errorf("no draft: err = %v", err)
	}
	if n, _ := db.CountMessages(ctx, conv.ID); n != 0 {
		t.Errorf("messages = %d, want 0", n)
	}
}

func TestContinue(t *testing.T) {
	agents := &fakeAgents{}
	c, db, _ := newTestCoordinator(t, agents)
	id := startAndWait(t, c, "topic")
	ctx := testCtx(t)

	tr, err := c.Transform(ctx, TransformRequest{ConversationID: id, Format: "framework"})
	if err != nil {
		t.Fatalf("Transform failed: %v", err)
	}

	res, err := c.Continue(ctx, id, "Add a question at the end")
	if err != nil {
		t.Fatalf("Continue failed: %v", err)
	}
	if res.Satisfied || res.Transform == nil {
		t.Fatalf("result = %+v, want feedback path", res)
	}

	res, err = c.Continue(ctx, id, "Looks good, thanks!")
	if err != nil {
		t.Fatalf("Continue failed: %v", err)
	}
	if !res.Satisfied || res.Save == nil {
		t.Fatalf("result = %+v, want save path", res)
	}

	conv, _ := db.GetConversation(ctx, id)
	if conv.Stage != models.StageCompleted {
		t.Errorf("Stage = %s, want completed", conv.Stage)
	}
	latest, _ := db.GetMessage(ctx, conv.LastFormattedMessageID)
	if conv.State.FinalContent != latest.Content || latest.ID == tr.MessageID {
		t.Errorf("final_content = %q, want latest formatted %q", conv.State.FinalContent, latest.Content)
	}
}

func TestSatisfied(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"Perfect!", true},
		{"that works for me", true},
		{"I approve", true},
		{"make it shorter", false},
		{"add an example", false},
	}
	for _, tt := range tests {
		if got := Satisfied(tt.in); got != tt.want {
			t.Errorf("Satisfied(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestArchive_InFlightStepKeepsStage(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	agents := &fakeAgents{hook: func(agentName, _ string, _ agent.Params) (*agent.Result, error) {
		if agentName == models.AgentWriter {
			close(entered)
			<-release
		}
		return nil, nil
	}}
	c, db, _ := newTestCoordinator(t, agents)
	ctx := testCtx(t)

	res, err := c.Start(ctx, StartRequest{UserRequest: "topic"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	<-entered
	if _, err := c.Archive(ctx, res.ConversationID); err != nil {
		t.Fatalf("Archive failed: %v", err)
	}
	close(release)

	draft, err := res.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	conv, _ := db.GetConversation(ctx, res.ConversationID)
	if conv.Stage != models.StageArchived || conv.Status != models.ConversationArchived {
		t.Errorf("conv = %s/%s, want archived", conv.Status, conv.Stage)
	}
	if conv.LastDraftMessageID != draft.ID {
		t.Errorf("draft pointer = %q, want %q", conv.LastDraftMessageID, draft.ID)
	}
	if conv.State.WaitingForUser {
		t.Error("waiting_for_user set on archived conversation")
	}
}

func TestSubmitStep_DuplicateKeyRunsOnce(t *testing.T) {
	agents := &fakeAgents{}
	c, db, _ := newTestCoordinator(t, agents)
	id := startAndWait(t, c, "topic")
	ctx := testCtx(t)

	conv, _ := db.GetConversation(ctx, id)
	spec := stepSpec{
		name:   "polish",
		agent:  models.AgentFinalEditor,
		convID: id,
		seq:    conv.StepSeq,
		invoke: func(ctx context.Context, conv *models.Conversation) (*agent.Result, error) {
			return c.agents.Invoke(ctx, models.AgentFinalEditor, conv, "x", agent.Params{})
		},
		commit: func(*models.Conversation, *agent.Result) state.StepCommit { return state.StepCommit{} },
	}

	// The draft step already used this sequence number.
	p, err := c.submitStep(spec)
	if err != nil {
		t.Fatalf("submitStep failed: %v", err)
	}
	msg, err := p.wait(ctx)
	if err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if msg.AgentName != models.AgentWriter {
		t.Errorf("got %q message, want the stored Writer message", msg.AgentName)
	}
	if n := len(agents.callsFor(models.AgentFinalEditor)); n != 0 {
		t.Errorf("final editor calls = %d, want 0", n)
	}
	if n, _ := db.CountMessages(ctx, id); n != 2 {
		t.Errorf("messages = %d, want 2", n)
	}
}

func TestPolish(t *testing.T) {
	c, db, _ := newTestCoordinator(t, &fakeAgents{})
	id := startAndWait(t, c, "topic")
	ctx := testCtx(t)

	tr, _ := c.Transform(ctx, TransformRequest{ConversationID: id, Format: "framework"})
	msg, err := c.Polish(ctx, id)
	if err != nil {
		t.Fatalf("Polish failed: %v", err)
	}
	if msg.Content != "polished: "+tr.Content || msg.AgentName != models.AgentFinalEditor {
		t.Errorf("message = %+v", msg)
	}
	conv, _ := db.GetConversation(ctx, id)
	if conv.Stage != models.StageAwaitingReview {
		t.Errorf("Stage = %s", conv.Stage)
	}
}

func TestGenerateIdeasAndSelect(t *testing.T) {
	agents := &fakeAgents{}
	c, db, _ := newTestCoordinator(t, agents)
	ctx := testCtx(t)

	res, err := c.GenerateIdeas(ctx, IdeasRequest{Source: "A long article about pricing experiments.", Title: "Pricing"})
	if err != nil {
		t.Fatalf("GenerateIdeas failed: %v", err)
	}
	if len(res.Ideas) != 2 || res.Ideas[1].ContentIdea != "second idea" {
		t.Fatalf("ideas = %+v", res.Ideas)
	}

	conv, _ := db.GetConversation(ctx, res.ConversationID)
	stored, err := IdeasFromState(conv.State)
	if err != nil || len(stored) != 2 {
		t.Fatalf("stored ideas = %+v, %v", stored, err)
	}

	if _, err := c.SelectIdea(ctx, res.ConversationID, 3); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("out of range: err = %v", err)
	}

	sel, err := c.SelectIdea(ctx, res.ConversationID, 2)
	if err != nil {
		t.Fatalf("SelectIdea failed: %v", err)
	}
	draft, err := sel.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if draft.Content != "draft from idea: second idea" {
		t.Errorf("draft = %q", draft.Content)
	}
	conv, _ = db.GetConversation(ctx, res.ConversationID)
	if conv.State.Category != "nurture" || conv.Stage != models.StageAwaitingReview {
		t.Errorf("conv = %s %+v", conv.Stage, conv.State)
	}
}

func TestGenerateIdeas_ReadwiseWithoutToken(t *testing.T) {
	c, _, _ := newTestCoordinator(t, &fakeAgents{})
	_, err := c.GenerateIdeas(testCtx(t), IdeasRequest{Source: "https://read.readwise.io/read/01abc"})
	if !errors.Is(err, ErrPreconditionFailed) {
		t.Errorf("err = %v, want ErrPreconditionFailed", err)
	}
}

func TestRecover(t *testing.T) {
	agents := &fakeAgents{}
	c, db, _ := newTestCoordinator(t, agents)
	ctx := testCtx(t)

	drafting, _ := db.CreateConversation(ctx, "drafting", models.ConversationState{UserRequest: "resume me"})
	if _, err := db.CommitStep(ctx, drafting.ID, state.StepCommit{Stage: models.StageDrafting}); err != nil {
		t.Fatalf("CommitStep failed: %v", err)
	}

	formattingID := startAndWait(t, c, "topic")
	if _, err := db.CommitStep(ctx, formattingID, state.StepCommit{Stage: models.StageFormatting}); err != nil {
		t.Fatalf("CommitStep failed: %v", err)
	}

	n, err := c.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if n != 2 {
		t.Errorf("recovered = %d, want 2", n)
	}

	eventually(t, func() bool {
		conv, _ := db.GetConversation(ctx, drafting.ID)
		return conv.LastDraftMessageID != "" && conv.Stage == models.StageAwaitingReview
	})
	conv, _ := db.GetConversation(ctx, formattingID)
	if conv.Stage != models.StageAwaitingReview {
		t.Errorf("Stage = %s, want awaiting_review", conv.Stage)
	}
}

func TestAutoSummarize(t *testing.T) {
	c, db, _ := newTestCoordinator(t, &fakeAgents{}, WithAutoSummarize(true))
	id := startAndWait(t, c, "topic")
	ctx := testCtx(t)

	if _, err := c.Transform(ctx, TransformRequest{ConversationID: id, Format: "framework"}); err != nil {
		t.Fatalf("Transform failed: %v", err)
	}
	eventually(t, func() bool {
		conv, _ := db.GetConversation(ctx, id)
		return strings.HasPrefix(conv.Summary, "summary of")
	})
}

func TestSummarize_Busy(t *testing.T) {
	release := make(chan struct{})
	agents := &fakeAgents{hook: func(agentName, _ string, _ agent.Params) (*agent.Result, error) {
		if agentName == models.AgentSummarizer {
			<-release
		}
		return nil, nil
	}}
	c, _, _ := newTestCoordinator(t, agents)
	id := startAndWait(t, c, "topic")
	ctx := testCtx(t)

	first, err := c.Summarize(ctx, id)
	if err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}
	if _, err := c.Summarize(ctx, id); !errors.Is(err, dispatch.ErrBusy) {
		t.Errorf("err = %v, want ErrBusy", err)
	}
	close(release)
	if err := first.Wait(ctx); err != nil {
		t.Errorf("summary failed: %v", err)
	}
}

func TestEvents(t *testing.T) {
	c, _, _ := newTestCoordinator(t, &fakeAgents{})
	events, cancel := c.Events().Subscribe("", 64)
	defer cancel()

	id := startAndWait(t, c, "topic")

	want := map[EventType]bool{EventStarted: false, EventDraftQueued: false, EventDraftReady: false}
	timeout := time.After(5 * time.Second)
	for {
		done := true
		for _, seen := range want {
			done = done && seen
		}
		if done {
			return
		}
		select {
		case e := <-events:
			if e.ConversationID != id {
				t.Errorf("event for %q, want %q", e.ConversationID, id)
			}
			if _, ok := want[e.Type]; ok {
				want[e.Type] = true
			}
		case <-timeout:
			t.Fatalf("missing events: %v", want)
		}
	}
}

func TestStatus(t *testing.T) {
	c, _, _ := newTestCoordinator(t, &fakeAgents{})
	id := startAndWait(t, c, "topic")

	st, err := c.Status(testCtx(t), id)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if st.Stage != models.StageAwaitingReview || st.LastDraftMessageID == "" || !st.WaitingForUser {
		t.Errorf("status = %+v", st)
	}
}
