package source

import (
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Instruction is the structured form of a post request, written as a
// bullet list of key/value lines:
//
//   - url: https://example.com/article
//   - icp: target audience
//   - dream: desired outcome
//   - category: attract|nurture|convert
//   - format: belief_shift|framework|how_to
type Instruction struct {
	URL      string `json:"url,omitempty"`
	ICP      string `json:"icp,omitempty"`
	Dream    string `json:"dream,omitempty"`
	Category string `json:"category,omitempty"`
	Format   string `json:"format,omitempty"`
	Notes    string `json:"notes,omitempty"`
	// Text is the raw instruction.
	Text string `json:"-"`
}

// HasStrategy reports whether an audience or outcome was given.
func (in Instruction) HasStrategy() bool {
	return in.ICP != "" || in.Dream != ""
}

var (
	instructionPattern = regexp.MustCompile(`^\s*-\s*(\w+):\s*(.+)$`)
	linkPattern        = regexp.MustCompile(`https?://[^\s\]]+`)
)

// ParseInstruction reads "- key: value" lines from text. It accepts a YAML
// list of single-key maps and falls back to line matching for free text
// that is not valid YAML. Unrecognized keys are ignored.
func ParseInstruction(text string) Instruction {
	in := Instruction{Text: text}

	var items []map[string]string
	if err := yaml.Unmarshal([]byte(text), &items); err == nil && len(items) > 0 {
		for _, item := range items {
			for k, v := range item {
				in.set(k, v)
			}
		}
	} else {
		for _, line := range strings.Split(text, "\n") {
			m := instructionPattern.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			in.set(m[1], m[2])
		}
	}

	if in.URL != "" {
		if link := linkPattern.FindString(in.URL); link != "" {
			in.URL = link
		}
	}
	return in
}

func (in *Instruction) set(key, value string) {
	value = strings.TrimSpace(value)
	switch strings.ToLower(strings.TrimSpace(key)) {
	case "url":
		in.URL = value
	case "icp":
		in.ICP = value
	case "dream":
		in.Dream = value
	case "category":
		in.Category = value
	case "format":
		in.Format = value
	case "notes":
		in.Notes = value
	}
}

// FirstLink returns the first http(s) link in text.
func FirstLink(text string) (string, bool) {
	m := linkPattern.FindString(text)
	return m, m != ""
}
