package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ShayCichocki/scribe/internal/source"
	"github.com/ShayCichocki/scribe/pkg/models"
)

// maxTranscriptChars caps the Summarizer input.
const maxTranscriptChars = 12000

// IdeaCount is the number of angles the Strategist produces.
const IdeaCount = 12

var defaultPrompts = map[string]string{
	models.AgentWriter: "You are a LinkedIn ghostwriter. Turn the user's request and any source " +
		"material into a clear, specific first draft. Write in plain language for the target audience.",
	models.AgentFormat: "You are a LinkedIn post formatter. Rewrite drafts into a LinkedIn-ready post: " +
		"a strong hook, short paragraphs, and a clear takeaway. Follow the template's structure when one is given.",
	models.AgentFinalEditor: "You are a final editor. Fix grammar, tighten wording and keep the author's voice. " +
		"Return only the edited post.",
	models.AgentStrategist: "You are a LinkedIn content strategist. Analyze source material and propose " +
		"12 distinct content angles across the Attract, Nurture and Convert pillars.",
	models.AgentSummarizer: "Summarize key facts, decisions, and user preferences. Be concise.",
}

// DefaultPrompt returns the built-in system prompt for an agent.
func DefaultPrompt(agentName string) string {
	return defaultPrompts[agentName]
}

// categoryGoals describes what each content pillar is for.
var categoryGoals = map[string]string{
	"attract": "- Build awareness and trust\n- Get the right people to notice and remember you",
	"nurture": "- Show authority and create demand\n- Build trust and keep audience engaged",
	"convert": "- Qualify and filter buyers\n- Move them toward working with you",
}

func writerPrompt(conv *models.Conversation, p Params, meta map[string]any) (string, error) {
	request := p.Request
	if request == "" {
		request = conv.State.UserRequest
	}
	if strings.TrimSpace(request) == "" && p.Idea == nil {
		return "", errors.New("writer needs a request or an idea")
	}

	var b strings.Builder
	if len(p.History) > 0 {
		b.WriteString("--- RECENT CONVERSATION ---\n")
		for _, m := range p.History {
			fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
		}
		b.WriteString("--- END RECENT CONVERSATION ---\n\n")
	}
	b.WriteString(request)

	if a := p.Article; a != nil {
		b.WriteString("\n\n--- SOURCE ARTICLE ---\n")
		fmt.Fprintf(&b, "Title: %s\n", a.Title)
		if a.Author != "" {
			fmt.Fprintf(&b, "Author: %s\n", a.Author)
		}
		fmt.Fprintf(&b, "URL: %s\n", a.URL)
		if a.WordCount > 0 {
			fmt.Fprintf(&b, "Word Count: %d\n", a.WordCount)
		}
		fmt.Fprintf(&b, "Content: %s\n", a.Content)
		b.WriteString("--- END SOURCE ARTICLE ---\n")
		b.WriteString("\nTASK: Summarize this article and create LinkedIn content based on it.\n")
		meta[MetaSourceURL] = a.URL
	}

	if in := p.Instruction; in != nil && in.HasStrategy() {
		b.WriteString("\n\n--- CONTENT STRATEGY ---\n")
		if in.ICP != "" {
			fmt.Fprintf(&b, "Target ICP: %s\n", in.ICP)
		}
		if in.Dream != "" {
			fmt.Fprintf(&b, "Desired Outcome: %s\n", in.Dream)
		}
		if in.Category != "" {
			fmt.Fprintf(&b, "Content Category: %s\n", in.Category)
		}
		if in.Format != "" {
			fmt.Fprintf(&b, "Content Format: %s\n", in.Format)
		}
		b.WriteString("--- END CONTENT STRATEGY ---\n")
	}

	if idea := p.Idea; idea != nil {
		b.WriteString("\n\n--- SELECTED IDEA ---\n")
		fmt.Fprintf(&b, "Pillar: %s (%s)\n", idea.PillarType, idea.PillarCategory)
		fmt.Fprintf(&b, "Idea: %s\n", idea.ContentIdea)
		if idea.SourceConcept != "" {
			fmt.Fprintf(&b, "Core Source Concept: %s\n", idea.SourceConcept)
		}
		if idea.Justification != "" {
			fmt.Fprintf(&b, "Why it works: %s\n", idea.Justification)
		}
		b.WriteString("--- END SELECTED IDEA ---\n")
		b.WriteString("\nTASK: Write a full LinkedIn post from this idea.\n")
	}

	category := models.NormalizeLabel(firstNonEmpty(p.Category, conv.State.Category))
	if goal, ok := categoryGoals[category]; ok {
		fmt.Fprintf(&b, "\n\nContent Strategy Category: %s\n", strings.ToUpper(category))
		fmt.Fprintf(&b, "Focus on creating content that serves the %s goal:\n%s", category, goal)
	}
	if category != "" {
		meta[MetaCategory] = category
	}
	return b.String(), nil
}

func (g *Gateway) formatPrompt(ctx context.Context, conv *models.Conversation, draft string, p Params, meta map[string]any) (string, error) {
	if strings.TrimSpace(draft) == "" {
		return "", errors.New("format agent needs a draft")
	}

	category := models.NormalizeLabel(firstNonEmpty(p.Category, conv.State.Category))
	format := models.NormalizeLabel(firstNonEmpty(p.Format, conv.State.Format))
	if category != "" {
		meta[MetaCategory] = category
	}
	if format != "" {
		meta[MetaFormat] = format
	}

	var b strings.Builder
	b.WriteString("Review and transform this draft into a LinkedIn-ready post following the required format.\n\n")
	if tpl := g.resolveTemplate(ctx, p.TemplateID, category, format); tpl != nil {
		fmt.Fprintf(&b, "Template to follow (style/structure):\n%s\n\n", tpl.Content)
		meta[MetaTemplateID] = tpl.ID
	}
	fmt.Fprintf(&b, "Draft:\n%s", draft)
	if p.Feedback != "" {
		fmt.Fprintf(&b, "\n\nUser feedback to incorporate:\n%s", p.Feedback)
	}
	return b.String(), nil
}

func editorPrompt(draft string) (string, error) {
	if strings.TrimSpace(draft) == "" {
		return "", errors.New("final editor needs content")
	}
	return "Polish this LinkedIn post. Keep its structure and return only the final text.\n\n" + draft, nil
}

func strategistPrompt(p Params, meta map[string]any) (string, error) {
	a := p.Article
	if a == nil || strings.TrimSpace(a.Content) == "" {
		return "", errors.New("strategist needs source material")
	}
	meta[MetaSourceURL] = a.URL

	var b strings.Builder
	fmt.Fprintf(&b, "Generate exactly %d content ideas, one for each content type, from this article.\n\n", IdeaCount)
	fmt.Fprintf(&b, "Title: %s\nURL: %s\n\n%s\n\n", a.Title, a.URL, a.Content)
	b.WriteString("Respond with only a JSON object of the form:\n")
	b.WriteString(`{"ideas":[{"pillar_type":"...","pillar_category":"attract|nurture|convert",` +
		`"content_idea":"...","justification":"...","core_source_concept":"..."}]}`)
	return b.String(), nil
}

func summarizerPrompt(history []models.Message) (string, error) {
	if len(history) == 0 {
		return "", errors.New("nothing to summarize")
	}
	var b strings.Builder
	for _, m := range history {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	transcript := b.String()
	if r := []rune(transcript); len(r) > maxTranscriptChars {
		transcript = string(r[:maxTranscriptChars])
	}
	return transcript, nil
}

// ParseIdeas decodes Strategist output. It tolerates prose or code fences
// around the JSON object and accepts a bare array.
func ParseIdeas(text string) ([]models.Idea, error) {
	body := strings.TrimSpace(text)
	if i := strings.IndexAny(body, "{["); i >= 0 {
		body = body[i:]
	}
	if i := strings.LastIndexAny(body, "}]"); i >= 0 {
		body = body[:i+1]
	}

	var wrapped struct {
		Ideas []models.Idea `json:"ideas"`
	}
	if err := json.Unmarshal([]byte(body), &wrapped); err == nil && len(wrapped.Ideas) > 0 {
		return wrapped.Ideas, nil
	}
	var bare []models.Idea
	if err := json.Unmarshal([]byte(body), &bare); err == nil && len(bare) > 0 {
		return bare, nil
	}
	return nil, errors.New("strategist output contains no ideas")
}

// ArticleFromText wraps user-supplied text as source material.
func ArticleFromText(title, text string) *source.Article {
	return &source.Article{Title: title, Content: source.CleanText(text)}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
