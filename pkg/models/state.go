package models

import (
	"encoding/json"
	"fmt"
	"maps"
	"sort"
)

// Reserved state keys. Every other key is opaque passthrough for agents.
const (
	StateKeyCategory       = "category"
	StateKeyFormat         = "format"
	StateKeyFinalContent   = "final_content"
	StateKeyUserSatisfied  = "user_satisfied"
	StateKeyWaitingForUser = "waiting_for_user"
	StateKeyLastFeedback   = "last_feedback"
	StateKeyUserRequest    = "user_request"
)

var reservedStateKeys = map[string]bool{
	StateKeyCategory:       true,
	StateKeyFormat:         true,
	StateKeyFinalContent:   true,
	StateKeyUserSatisfied:  true,
	StateKeyWaitingForUser: true,
	StateKeyLastFeedback:   true,
	StateKeyUserRequest:    true,
}

// IsReservedStateKey reports whether key is owned by the coordinator.
func IsReservedStateKey(key string) bool {
	return reservedStateKeys[key]
}

// ConversationState is the typed scratch space of a conversation.
// It serializes as a single flat JSON object: the recognized keys sit next to
// the keys held in Extra.
type ConversationState struct {
	Category       string
	Format         string
	FinalContent   string
	UserSatisfied  bool
	WaitingForUser bool
	LastFeedback   string
	UserRequest    string
	// Extra holds agent passthrough keys. Reserved keys never appear here.
	Extra map[string]any
}

// Get returns the value of an extension key.
func (s ConversationState) Get(key string) (any, bool) {
	v, ok := s.Extra[key]
	return v, ok
}

// MarshalJSON flattens the recognized keys and Extra into one object.
func (s ConversationState) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(s.Extra)+len(reservedStateKeys))
	for k, v := range s.Extra {
		if reservedStateKeys[k] {
			continue
		}
		out[k] = v
	}
	if s.Category != "" {
		out[StateKeyCategory] = s.Category
	}
	if s.Format != "" {
		out[StateKeyFormat] = s.Format
	}
	if s.FinalContent != "" {
		out[StateKeyFinalContent] = s.FinalContent
	}
	if s.LastFeedback != "" {
		out[StateKeyLastFeedback] = s.LastFeedback
	}
	if s.UserRequest != "" {
		out[StateKeyUserRequest] = s.UserRequest
	}
	out[StateKeyUserSatisfied] = s.UserSatisfied
	out[StateKeyWaitingForUser] = s.WaitingForUser
	return json.Marshal(out)
}

// UnmarshalJSON splits a flat object into recognized keys and Extra.
func (s *ConversationState) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*s = ConversationState{}
	strField := func(key string, dst *string) error {
		v, ok := raw[key]
		if !ok || string(v) == "null" {
			return nil
		}
		if err := json.Unmarshal(v, dst); err != nil {
			return fmt.Errorf("state key %q: %w", key, err)
		}
		return nil
	}
	boolField := func(key string, dst *bool) error {
		v, ok := raw[key]
		if !ok || string(v) == "null" {
			return nil
		}
		if err := json.Unmarshal(v, dst); err != nil {
			return fmt.Errorf("state key %q: %w", key, err)
		}
		return nil
	}

	for key, dst := range map[string]*string{
		StateKeyCategory:     &s.Category,
		StateKeyFormat:       &s.Format,
		StateKeyFinalContent: &s.FinalContent,
		StateKeyLastFeedback: &s.LastFeedback,
		StateKeyUserRequest:  &s.UserRequest,
	} {
		if err := strField(key, dst); err != nil {
			return err
		}
	}
	if err := boolField(StateKeyUserSatisfied, &s.UserSatisfied); err != nil {
		return err
	}
	if err := boolField(StateKeyWaitingForUser, &s.WaitingForUser); err != nil {
		return err
	}

	for k, v := range raw {
		if reservedStateKeys[k] {
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return fmt.Errorf("state key %q: %w", k, err)
		}
		if s.Extra == nil {
			s.Extra = make(map[string]any)
		}
		s.Extra[k] = val
	}
	return nil
}

// StatePatch is a partial update merged into a ConversationState.
// Nil fields are left untouched. A nil value in Extra deletes that key.
type StatePatch struct {
	Category       *string
	Format         *string
	FinalContent   *string
	UserSatisfied  *bool
	WaitingForUser *bool
	LastFeedback   *string
	UserRequest    *string
	Extra          map[string]any
}

// Empty reports whether the patch would change nothing.
func (p StatePatch) Empty() bool {
	return p.Category == nil && p.Format == nil && p.FinalContent == nil &&
		p.UserSatisfied == nil && p.WaitingForUser == nil && p.LastFeedback == nil &&
		p.UserRequest == nil && len(p.Extra) == 0
}

// Apply returns a copy of s with the patch merged in. s is not modified.
func (p StatePatch) Apply(s ConversationState) ConversationState {
	out := s
	out.Extra = maps.Clone(s.Extra)

	if p.Category != nil {
		out.Category = *p.Category
	}
	if p.Format != nil {
		out.Format = *p.Format
	}
	if p.FinalContent != nil {
		out.FinalContent = *p.FinalContent
	}
	if p.UserSatisfied != nil {
		out.UserSatisfied = *p.UserSatisfied
	}
	if p.WaitingForUser != nil {
		out.WaitingForUser = *p.WaitingForUser
	}
	if p.LastFeedback != nil {
		out.LastFeedback = *p.LastFeedback
	}
	if p.UserRequest != nil {
		out.UserRequest = *p.UserRequest
	}
	for k, v := range p.Extra {
		if reservedStateKeys[k] {
			continue
		}
		if v == nil {
			delete(out.Extra, k)
			continue
		}
		if out.Extra == nil {
			out.Extra = make(map[string]any)
		}
		out.Extra[k] = v
	}
	return out
}

// Keys returns the patched keys in sorted order, for logging.
func (p StatePatch) Keys() []string {
	var keys []string
	add := func(set bool, k string) {
		if set {
			keys = append(keys, k)
		}
	}
	add(p.Category != nil, StateKeyCategory)
	add(p.Format != nil, StateKeyFormat)
	add(p.FinalContent != nil, StateKeyFinalContent)
	add(p.UserSatisfied != nil, StateKeyUserSatisfied)
	add(p.WaitingForUser != nil, StateKeyWaitingForUser)
	add(p.LastFeedback != nil, StateKeyLastFeedback)
	add(p.UserRequest != nil, StateKeyUserRequest)
	for k := range p.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Ptr returns a pointer to v. Used to build patches inline.
func Ptr[T any](v T) *T {
	return &v
}
