package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ShayCichocki/scribe/internal/agent"
	"github.com/ShayCichocki/scribe/internal/dispatch"
	"github.com/ShayCichocki/scribe/internal/orchestrator"
	"github.com/ShayCichocki/scribe/internal/state"
	"github.com/ShayCichocki/scribe/pkg/models"
)

type stubAgents struct {
	mu   sync.Mutex
	fail map[string]error
}

func (s *stubAgents) failWith(agentName string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail == nil {
		s.fail = map[string]error{}
	}
	s.fail[agentName] = err
}

func (s *stubAgents) Invoke(ctx context.Context, agentName string, conv *models.Conversation, draft string, p agent.Params) (*agent.Result, error) {
	s.mu.Lock()
	err := s.fail[agentName]
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	switch agentName {
	case models.AgentWriter:
		return &agent.Result{Content: "draft: " + p.Request}, nil
	case models.AgentFormat:
		return &agent.Result{Content: fmt.Sprintf("formatted[%s]: %s", p.Format, draft)}, nil
	case models.AgentFinalEditor:
		return &agent.Result{Content: "polished: " + draft}, nil
	case models.AgentStrategist:
		return &agent.Result{Content: `[{"pillar_type":"Framework","pillar_category":"Nurture","content_idea":"only idea"}]`}, nil
	case models.AgentSummarizer:
		return &agent.Result{Content: "summary"}, nil
	}
	return nil, fmt.Errorf("unknown agent %s", agentName)
}

type testEnv struct {
	ts     *httptest.Server
	db     *state.DB
	agents *stubAgents
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
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
		Workers: 2,
		Retry: dispatch.RetryPolicy{
			MaxAttempts: 2,
			BaseDelay:   time.Millisecond,
			MaxDelay:    time.Millisecond,
			Retryable:   agent.Retryable,
		},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Shutdown(ctx)
	})

	agents := &stubAgents{}
	coord := orchestrator.New(db, agents, d)
	opts.RequestTimeout = 5 * time.Second
	srv := New(coord, db, opts)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, db: db, agents: agents}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, reader)
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s response: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func (e *testEnv) startAndWaitForDraft(t *testing.T, request string) string {
	t.Helper()
	var started map[string]string
	if code := e.do(t, http.MethodPost, "/coordinator/start", map[string]string{
		"user_request":       request,
		"conversation_title": "Test",
		"category":           "attract",
	}, &started); code != http.StatusAccepted {
		t.Fatalf("start status = %d, want 202", code)
	}
	id := started["conversation_id"]
	if id == "" || started["status"] != orchestrator.StatusStarted {
		t.Fatalf("unexpected start response %v", started)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var st orchestrator.StatusResult
		e.do(t, http.MethodGet, "/conversation/"+id+"/status", nil, &st)
		if st.LastDraftMessageID != "" && st.Stage == models.StageAwaitingReview {
			return id
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("draft for %s never landed", id)
	return ""
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, Options{Version: "1.2.3"})
	var body map[string]string
	if code := env.do(t, http.MethodGet, "/healthz", nil, &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body["version"] != "1.2.3" {
		t.Errorf("version = %q", body["version"])
	}
}

func TestScenario_StartTransformSave(t *testing.T) {
	env := newTestEnv(t, Options{})
	id := env.startAndWaitForDraft(t, "post about focus")

	var tr orchestrator.TransformResult
	code := env.do(t, http.MethodPost, "/format-agent/transform", map[string]string{
		"conversation_id": id,
		"category":        "attract",
		"format":          "framework",
	}, &tr)
	if code != http.StatusOK {
		t.Fatalf("transform status = %d", code)
	}
	if tr.Content != "formatted[framework]: draft: post about focus" {
		t.Errorf("content = %q", tr.Content)
	}
	if tr.MessageID == "" || tr.Status != string(models.StageAwaitingReview) {
		t.Errorf("unexpected transform result %+v", tr)
	}

	var saved orchestrator.SaveResult
	code = env.do(t, http.MethodPost, "/coordinator/save", map[string]string{
		"conversation_id": id,
		"content":         tr.Content,
		"status":          "completed",
	}, &saved)
	if code != http.StatusOK {
		t.Fatalf("save status = %d", code)
	}

	var conv models.Conversation
	if code := env.do(t, http.MethodGet, "/conversation/"+id, nil, &conv); code != http.StatusOK {
		t.Fatalf("get status = %d", code)
	}
	if conv.Stage != models.StageCompleted || conv.State.FinalContent != tr.Content {
		t.Errorf("conversation after save: stage=%s final=%q", conv.Stage, conv.State.FinalContent)
	}

	var msgs []models.Message
	env.do(t, http.MethodGet, "/conversation/"+id+"/messages", nil, &msgs)
	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want 4", len(msgs))
	}
	if msgs[0].Role != models.RoleUser || msgs[3].AgentName != models.AgentFinalEditor {
		t.Errorf("unexpected message order: first=%s last=%s", msgs[0].Role, msgs[3].AgentName)
	}

	var reversed []models.Message
	env.do(t, http.MethodGet, "/conversation/"+id+"/messages?order=desc", nil, &reversed)
	if len(reversed) != 4 || reversed[0].ID != msgs[3].ID {
		t.Errorf("desc order not newest first")
	}
}

func TestErrorResponses(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()
	bare, err := env.db.CreateConversation(ctx, "bare", models.ConversationState{})
	if err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"missing conversation", http.MethodGet, "/conversation/nope", nil, http.StatusNotFound, "not_found"},
		{"transform without draft", http.MethodPost, "/format-agent/transform",
			map[string]string{"conversation_id": bare.ID}, http.StatusPreconditionFailed, "precondition_failed"},
		{"bad json", http.MethodPost, "/coordinator/start", "{", http.StatusBadRequest, "invalid_request"},
		{"empty body", http.MethodPost, "/coordinator/start", nil, http.StatusBadRequest, "invalid_request"},
		{"empty request", http.MethodPost, "/coordinator/start",
			map[string]string{"user_request": "  "}, http.StatusBadRequest, "invalid_request"},
		{"missing conversation id", http.MethodPost, "/coordinator/save",
			map[string]string{"content": "x"}, http.StatusBadRequest, "invalid_request"},
		{"unknown save status", http.MethodPost, "/coordinator/save",
			map[string]string{"conversation_id": bare.ID, "content": "x", "status": "deleted"}, http.StatusBadRequest, "invalid_request"},
		{"bad message order", http.MethodGet, "/conversation/" + bare.ID + "/messages?order=sideways", nil, http.StatusBadRequest, "invalid_request"},
		{"bad limit", http.MethodGet, "/conversations?limit=-1", nil, http.StatusBadRequest, "invalid_request"},
		{"bad status filter", http.MethodGet, "/conversations?status=gone", nil, http.StatusBadRequest, "invalid_request"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body errorResponse
			code := env.do(t, tt.method, tt.path, tt.body, &body)
			if code != tt.status {
				t.Errorf("status = %d, want %d (%+v)", code, tt.status, body)
			}
			if body.Code != tt.code {
				t.Errorf("code = %q, want %q", body.Code, tt.code)
			}
			if body.Error == "" {
				t.Error("expected error message")
			}
		})
	}
}

func TestAgentFailuresCarryStep(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"rejected", &agent.Error{Kind: agent.ErrRejected, Agent: models.AgentFormat, Err: errors.New("bad input")},
			http.StatusUnprocessableEntity, "agent_rejected"},
		{"unavailable", &agent.Error{Kind: agent.ErrUnavailable, Agent: models.AgentFormat, Err: errors.New("overloaded")},
			http.StatusServiceUnavailable, "service_unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, Options{})
			id := env.startAndWaitForDraft(t, "post")
			env.agents.failWith(models.AgentFormat, tt.err)

			var body errorResponse
			code := env.do(t, http.MethodPost, "/format-agent/transform",
				map[string]string{"conversation_id": id, "format": "story"}, &body)
			if code != tt.status {
				t.Fatalf("status = %d, want %d", code, tt.status)
			}
			if body.Code != tt.code {
				t.Errorf("code = %q, want %q", body.Code, tt.code)
			}
			if body.ConversationID != id || body.Step != "format" {
				t.Errorf("error context = %+v", body)
			}
		})
	}
}

func TestAuthToken(t *testing.T) {
	env := newTestEnv(t, Options{AuthToken: "secret"})

	resp, err := http.Get(env.ts.URL + "/conversations")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("without token status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, env.ts.URL+"/conversations", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("with token status = %d, want 200", resp.StatusCode)
	}

	resp, err = http.Get(env.ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", resp.StatusCode)
	}
}

func TestSecurityHeaders(t *testing.T) {
	env := newTestEnv(t, Options{})
	resp, err := http.Get(env.ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
	if got := resp.Header.Get("Content-Type"); !strings.HasPrefix(got, "application/json") {
		t.Errorf("Content-Type = %q", got)
	}
}

func TestListConversations(t *testing.T) {
	env := newTestEnv(t, Options{})
	id := env.startAndWaitForDraft(t, "one")
	env.startAndWaitForDraft(t, "two")

	if code := env.do(t, http.MethodPost, "/coordinator/archive",
		map[string]string{"conversation_id": id}, nil); code != http.StatusOK {
		t.Fatalf("archive status = %d", code)
	}

	var all, archived []models.Conversation
	env.do(t, http.MethodGet, "/conversations", nil, &all)
	env.do(t, http.MethodGet, "/conversations?status=archived", nil, &archived)
	if len(all) != 2 {
		t.Errorf("all = %d, want 2", len(all))
	}
	if len(archived) != 1 || archived[0].ID != id {
		t.Errorf("archived = %+v", archived)
	}
}

func TestTemplates(t *testing.T) {
	env := newTestEnv(t, Options{})

	var created models.Template
	code := env.do(t, http.MethodPost, "/templates", map[string]any{
		"title":    "Reference",
		"content":  "Hook. Body. CTA.",
		"category": "Attract",
		"format":   "Story",
		"tags":     []string{"hooks"},
	}, &created)
	if code != http.StatusCreated {
		t.Fatalf("create status = %d", code)
	}
	if created.ID == "" || created.Category != "attract" || created.Format != "story" {
		t.Errorf("created = %+v", created)
	}

	var list []models.Template
	env.do(t, http.MethodGet, "/templates?category=attract&format=story", nil, &list)
	if len(list) != 1 {
		t.Fatalf("list = %d, want 1", len(list))
	}

	var got models.Template
	if code := env.do(t, http.MethodGet, "/templates/"+created.ID, nil, &got); code != http.StatusOK {
		t.Fatalf("get status = %d", code)
	}
	if got.Content != "Hook. Body. CTA." {
		t.Errorf("content = %q", got.Content)
	}

	if code := env.do(t, http.MethodDelete, "/templates/"+created.ID, nil, nil); code != http.StatusNoContent {
		t.Fatalf("delete status = %d", code)
	}
	var body errorResponse
	if code := env.do(t, http.MethodDelete, "/templates/"+created.ID, nil, &body); code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", code)
	}

	if code := env.do(t, http.MethodPost, "/templates", map[string]string{"content": "x"}, &body); code != http.StatusBadRequest {
		t.Errorf("missing labels status = %d, want 400", code)
	}
}

func TestIdeasAndSelect(t *testing.T) {
	env := newTestEnv(t, Options{})

	var ideas orchestrator.IdeasResult
	code := env.do(t, http.MethodPost, "/coordinator/ideas", map[string]string{
		"source": "An essay about deliberate practice.",
		"title":  "Practice",
	}, &ideas)
	if code != http.StatusOK {
		t.Fatalf("ideas status = %d", code)
	}
	if len(ideas.Ideas) != 1 || ideas.Ideas[0].ContentIdea != "only idea" {
		t.Fatalf("ideas = %+v", ideas)
	}

	var body errorResponse
	code = env.do(t, http.MethodPost, "/coordinator/select",
		map[string]any{"conversation_id": ideas.ConversationID, "index": 5}, &body)
	if code != http.StatusBadRequest {
		t.Errorf("out of range select status = %d, want 400", code)
	}

	var started orchestrator.StartResult
	code = env.do(t, http.MethodPost, "/coordinator/select",
		map[string]any{"conversation_id": ideas.ConversationID, "index": 1}, &started)
	if code != http.StatusAccepted {
		t.Fatalf("select status = %d", code)
	}
	if started.ConversationID != ideas.ConversationID {
		t.Errorf("select conversation = %q", started.ConversationID)
	}
}

func TestEventsWebsocket(t *testing.T) {
	env := newTestEnv(t, Options{})
	id := env.startAndWaitForDraft(t, "post")

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/conversation/" + id + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	if code := env.do(t, http.MethodPost, "/format-agent/transform",
		map[string]string{"conversation_id": id}, nil); code != http.StatusOK {
		t.Fatalf("transform status = %d", code)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var seen []orchestrator.EventType
	for {
		var ev orchestrator.Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("ReadJSON failed after %v: %v", seen, err)
		}
		if ev.ConversationID != id {
			t.Errorf("event for %s on %s stream", ev.ConversationID, id)
		}
		seen = append(seen, ev.Type)
		if ev.Type == orchestrator.EventFormatted {
			break
		}
	}
	formatting := false
	for _, typ := range seen {
		if typ == orchestrator.EventFormatting {
			formatting = true
		}
	}
	if !formatting {
		t.Errorf("events %v missing %s before %s", seen, orchestrator.EventFormatting, orchestrator.EventFormatted)
	}
}

func TestEventsWebsocket_UnknownConversation(t *testing.T) {
	env := newTestEnv(t, Options{})
	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/conversation/missing/events"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 response, got %v", resp)
	}
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", state.ErrNotFound), http.StatusNotFound},
		{orchestrator.ErrPreconditionFailed, http.StatusPreconditionFailed},
		{fmt.Errorf("wrapped: %w", state.ErrConflict), http.StatusConflict},
		{dispatch.ErrBusy, http.StatusTooManyRequests},
		{dispatch.ErrClosed, http.StatusServiceUnavailable},
		{&orchestrator.StepError{Step: "draft", Err: &agent.Error{Kind: agent.ErrRejected, Err: errors.New("no")}}, http.StatusUnprocessableEntity},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusForError(tt.err); got != tt.want {
			t.Errorf("statusForError(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestFromError_HidesInternalDetails(t *testing.T) {
	apiErr := fromError(errors.New("disk I/O error at /var/lib"), "c1")
	if apiErr.Message != "internal error" {
		t.Errorf("message = %q", apiErr.Message)
	}
	if apiErr.ConversationID != "c1" {
		t.Errorf("conversation id = %q", apiErr.ConversationID)
	}
}
