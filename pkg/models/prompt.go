package models

import (
	"strings"
	"time"
)

// PromptVersion is one versioned system prompt for an agent.
// Versions are append-only; exactly one per agent is current.
type PromptVersion struct {
	AgentName string    `json:"agent_name"`
	Version   string    `json:"version"`
	Prompt    string    `json:"prompt"`
	IsCurrent bool      `json:"is_current"`
	CreatedAt time.Time `json:"created_at"`
}

// Template is a reference post used to guide the Format Agent.
type Template struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Category  string    `json:"category"`
	Format    string    `json:"format"`
	Author    string    `json:"author,omitempty"`
	SourceURL string    `json:"source_url,omitempty"`
	Tags      []string  `json:"tags"`
	CreatedAt time.Time `json:"created_at"`
}

// Idea is one content angle proposed by the Strategist.
type Idea struct {
	PillarType     string `json:"pillar_type"`
	PillarCategory string `json:"pillar_category"`
	ContentIdea    string `json:"content_idea"`
	Justification  string `json:"justification,omitempty"`
	SourceConcept  string `json:"core_source_concept,omitempty"`
}

// labelAliases maps human friendly category/format labels to canonical ones.
var labelAliases = map[string]string{
	"belief shift":      "belief_shift",
	"hidden truth":      "hidden_truth",
	"step by step":      "step_by_step",
	"step-by-step":      "step_by_step",
	"faq answer":        "faq_answer",
	"process breakdown": "process_breakdown",
	"quick win":         "quick_win",
	"client fix":        "client_fix",
	"case study":        "case_study",
	"objection reframe": "objection_reframe",
	"client quote":      "client_quote",
	"how to":            "how_to",
}

// NormalizeLabel lowercases a category or format label and joins words with underscores.
func NormalizeLabel(label string) string {
	t := strings.ToLower(strings.TrimSpace(label))
	if t == "" {
		return ""
	}
	if canon, ok := labelAliases[t]; ok {
		return canon
	}
	return strings.ReplaceAll(t, " ", "_")
}
