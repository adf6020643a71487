package state

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ShayCichocki/scribe/pkg/models"
)

func TestCreateAndGetConversation(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	initial := models.ConversationState{
		Category: "nurture",
		Extra:    map[string]any{"tone": "casual"},
	}
	c, err := db.CreateConversation(ctx, "First post", initial)
	if err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}
	if c.ID == "" {
		t.Fatal("expected an id")
	}
	if c.Status != models.ConversationActive || c.Stage != models.StageStarted {
		t.Errorf("status/stage = %s/%s, want active/started", c.Status, c.Stage)
	}
	if c.Version != 1 {
		t.Errorf("Version = %d, want 1", c.Version)
	}

	got, err := db.GetConversation(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if got.Title != "First post" {
		t.Errorf("Title = %q, want First post", got.Title)
	}
	if got.State.Category != "nurture" {
		t.Errorf("Category = %q, want nurture", got.State.Category)
	}
	if v, _ := got.State.Get("tone"); v != "casual" {
		t.Errorf("tone = %v, want casual", v)
	}
}

func TestGetConversation_NotFound(t *testing.T) {
	db := newTestDB(t)

	_, err := db.GetConversation(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateConversationState_Merges(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	c, err := db.CreateConversation(ctx, "t", models.ConversationState{
		Category: "nurture",
		Extra:    map[string]any{"keep": "me"},
	})
	if err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	updated, err := db.UpdateConversationState(ctx, c.ID, models.StatePatch{
		Format: models.Ptr("framework"),
		Extra:  map[string]any{"added": "x"},
	}, nil)
	if err != nil {
		t.Fatalf("UpdateConversationState failed: %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("Version = %d, want 2", updated.Version)
	}

	got, err := db.GetConversation(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if got.State.Category != "nurture" || got.State.Format != "framework" {
		t.Errorf("state = %+v", got.State)
	}
	if got.State.Extra["keep"] != "me" || got.State.Extra["added"] != "x" {
		t.Errorf("extra = %v", got.State.Extra)
	}
}

func TestUpdateConversationState_Conflict(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	c, err := db.CreateConversation(ctx, "t", models.ConversationState{})
	if err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	stale := c.Version
	if _, err := db.UpdateConversationState(ctx, c.ID, models.StatePatch{Format: models.Ptr("a")}, &stale); err != nil {
		t.Fatalf("first update failed: %v", err)
	}

	_, err = db.UpdateConversationState(ctx, c.ID, models.StatePatch{Format: models.Ptr("b")}, &stale)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}

	got, _ := db.GetConversation(ctx, c.ID)
	if got.State.Format != "a" {
		t.Errorf("Format = %q, conflicting write must not land", got.State.Format)
	}
}

func TestUpdateConversationState_NotFound(t *testing.T) {
	db := newTestDB(t)

	_, err := db.UpdateConversationState(context.Background(), "missing", models.StatePatch{}, nil)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateConversationState_ConcurrentNoLostUpdate(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	c, err := db.CreateConversation(ctx, "t", models.ConversationState{})
	if err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	keys := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	var wg sync.WaitGroup
	for _, k := range keys {
		wg.Add(1)
		go func(k string) {
			defer wg.Done()
			if _, err := db.UpdateConversationState(ctx, c.ID, models.StatePatch{Extra: map[string]any{k: true}}, nil); err != nil {
				t.Errorf("update %s: %v", k, err)
			}
		}(k)
	}
	wg.Wait()

	got, _ := db.GetConversation(ctx, c.ID)
	for _, k := range keys {
		if got.State.Extra[k] != true {
			t.Errorf("key %s lost", k)
		}
	}
	if got.Version != int64(1+len(keys)) {
		t.Errorf("Version = %d, want %d", got.Version, 1+len(keys))
	}
}

func TestResetConversationState(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	c, _ := db.CreateConversation(ctx, "t", models.ConversationState{Category: "x", Extra: map[string]any{"k": 1}})
	if _, err := db.ResetConversationState(ctx, c.ID, models.ConversationState{Format: "list"}); err != nil {
		t.Fatalf("ResetConversationState failed: %v", err)
	}

	got, _ := db.GetConversation(ctx, c.ID)
	if got.State.Category != "" || got.State.Format != "list" || len(got.State.Extra) != 0 {
		t.Errorf("state after reset = %+v", got.State)
	}
}

func TestNextStep(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	c, _ := db.CreateConversation(ctx, "t", models.ConversationState{})
	for want := int64(1); want <= 3; want++ {
		got, err := db.NextStep(ctx, c.ID)
		if err != nil {
			t.Fatalf("NextStep failed: %v", err)
		}
		if got != want {
			t.Errorf("NextStep = %d, want %d", got, want)
		}
	}

	if _, err := db.NextStep(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestListConversations(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i, title := range []string{"one", "two", "three"} {
		ts := base.Add(time.Duration(i) * time.Minute)
		db.now = func() time.Time { return ts }
		if _, err := db.CreateConversation(ctx, title, models.ConversationState{}); err != nil {
			t.Fatalf("CreateConversation failed: %v", err)
		}
	}

	all, err := db.ListConversations(ctx, nil, 0)
	if err != nil {
		t.Fatalf("ListConversations failed: %v", err)
	}
	if len(all) != 3 || all[0].Title != "three" {
		t.Errorf("expected newest first, got %d items starting with %q", len(all), all[0].Title)
	}

	limited, _ := db.ListConversations(ctx, nil, 2)
	if len(limited) != 2 {
		t.Errorf("len = %d, want 2", len(limited))
	}

	archived := models.ConversationArchived
	none, _ := db.ListConversations(ctx, &archived, 0)
	if len(none) != 0 {
		t.Errorf("archived = %d, want 0", len(none))
	}
}

func TestPurgeArchivedConversations(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	db.now = func() time.Time { return old }
	stale, _ := db.CreateConversation(ctx, "stale", models.ConversationState{})
	if _, err := db.AppendMessage(ctx, stale.ID, NewMessage{Role: models.RoleUser, Content: "x"}); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}
	if _, err := db.CommitStep(ctx, stale.ID, StepCommit{Status: models.ConversationArchived, Stage: models.StageArchived}); err != nil {
		t.Fatalf("CommitStep failed: %v", err)
	}
	kept, _ := db.CreateConversation(ctx, "kept", models.ConversationState{})
	db.now = time.Now

	n, err := db.PurgeArchivedConversations(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("PurgeArchivedConversations failed: %v", err)
	}
	if n != 1 {
		t.Errorf("purged = %d, want 1", n)
	}
	if _, err := db.GetConversation(ctx, stale.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("stale conversation should be gone, err = %v", err)
	}
	if _, err := db.GetConversation(ctx, kept.ID); err != nil {
		t.Errorf("active conversation must survive purge: %v", err)
	}
	if count, _ := db.CountMessages(ctx, stale.ID); count != 0 {
		t.Errorf("messages of purged conversation = %d, want 0", count)
	}
}

func TestListInterrupted(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	drafting, _ := db.CreateConversation(ctx, "d", models.ConversationState{})
	if _, err := db.CommitStep(ctx, drafting.ID, StepCommit{Stage: models.StageDrafting}); err != nil {
		t.Fatalf("CommitStep failed: %v", err)
	}
	idle, _ := db.CreateConversation(ctx, "i", models.ConversationState{})
	if _, err := db.CommitStep(ctx, idle.ID, StepCommit{Stage: models.StageAwaitingReview}); err != nil {
		t.Fatalf("CommitStep failed: %v", err)
	}

	got, err := db.ListInterrupted(ctx)
	if err != nil {
		t.Fatalf("ListInterrupted failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != drafting.ID {
		t.Errorf("interrupted = %v, want only %s", got, drafting.ID)
	}
}
