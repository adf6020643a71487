package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/scribe/pkg/models"
)

// transcriptStyles renders conversations for the terminal.
type transcriptStyles struct {
	title     lipgloss.Style
	label     lipgloss.Style
	value     lipgloss.Style
	user      lipgloss.Style
	assistant lipgloss.Style
	meta      lipgloss.Style
	body      lipgloss.Style
	stages    map[models.Stage]lipgloss.Style
}

func newTranscriptStyles() transcriptStyles {
	return transcriptStyles{
		title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")),
		label: lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")),
		value: lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")),
		user: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39")), // Blue
		assistant: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("34")), // Green
		meta: lipgloss.NewStyle().
			Foreground(lipgloss.Color("244")),
		body: lipgloss.NewStyle().
			PaddingLeft(2).
			BorderStyle(lipgloss.NormalBorder()).
			BorderLeft(true).
			BorderForeground(lipgloss.Color("240")),
		stages: map[models.Stage]lipgloss.Style{
			models.StageDrafting:       lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
			models.StageFormatting:     lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
			models.StageAwaitingReview: lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
			models.StageCompleted:      lipgloss.NewStyle().Foreground(lipgloss.Color("28")),
			models.StageArchived:       lipgloss.NewStyle().Foreground(lipgloss.Color("244")),
		},
	}
}

func (s transcriptStyles) stage(st models.Stage) string {
	if style, ok := s.stages[st]; ok {
		return style.Render(string(st))
	}
	return s.value.Render(string(st))
}

// renderConversationLine is one row of 'conversation list'.
func (s transcriptStyles) renderConversationLine(c models.Conversation, messages int) string {
	return fmt.Sprintf("%s  %-16s %s  %s  %s",
		s.meta.Render(c.ID),
		s.stage(c.Stage),
		s.label.Render(c.UpdatedAt.Local().Format("2006-01-02 15:04")),
		s.meta.Render(fmt.Sprintf("%3d msg", messages)),
		c.Title)
}

// renderTranscript renders a conversation header followed by its messages.
func (s transcriptStyles) renderTranscript(c *models.Conversation, msgs []models.Message) string {
	var b strings.Builder
	b.WriteString(s.title.Render(c.Title))
	b.WriteString("\n")

	field := func(label, value string) {
		if value == "" {
			return
		}
		b.WriteString(s.label.Render(fmt.Sprintf("%-10s", label)))
		b.WriteString(" ")
		b.WriteString(value)
		b.WriteString("\n")
	}
	field("id", s.value.Render(c.ID))
	field("status", s.value.Render(string(c.Status)))
	field("stage", s.stage(c.Stage))
	field("category", s.value.Render(c.State.Category))
	field("format", s.value.Render(c.State.Format))
	if c.Summary != "" {
		field("summary", s.value.Render(c.Summary))
	}

	for _, m := range msgs {
		b.WriteString("\n")
		b.WriteString(s.renderMessageHeader(m))
		b.WriteString("\n")
		b.WriteString(s.body.Render(strings.TrimRight(m.Content, "\n")))
		b.WriteString("\n")
	}
	return b.String()
}

func (s transcriptStyles) renderMessageHeader(m models.Message) string {
	who := string(m.Role)
	style := s.user
	if m.Role != models.RoleUser {
		style = s.assistant
		if m.AgentName != "" {
			who = m.AgentName
		}
	}

	var notes []string
	if t, _ := m.Metadata[models.MetaType].(string); t != "" {
		notes = append(notes, t)
	}
	if src, _ := m.Metadata[models.MetaSource].(string); src != "" {
		notes = append(notes, "via "+src)
	}
	if f := m.Feedback(); f != "" && m.Role != models.RoleUser {
		notes = append(notes, "feedback: "+truncateLine(f, 40))
	}

	header := fmt.Sprintf("%s %s", style.Render(who), s.label.Render(m.CreatedAt.Local().Format("15:04:05")))
	if len(notes) > 0 {
		header += " " + s.meta.Render("("+strings.Join(notes, ", ")+")")
	}
	return header
}

func truncateLine(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n]) + "..."
	}
	return s
}
