// Package source retrieves and parses the material posts are written from:
// Readwise Reader documents and the key/value instruction blocks users send.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"
)

// DefaultReadwiseURL is the Readwise Reader API root.
const DefaultReadwiseURL = "https://readwise.io/api/v3"

// maxArticleChars caps article text handed to agents.
const maxArticleChars = 8000

var (
	// ErrNoToken is returned when no Readwise token is configured.
	ErrNoToken = errors.New("readwise token not configured")
	// ErrDocumentNotFound is returned when Readwise has no document with the id.
	ErrDocumentNotFound = errors.New("readwise document not found")
)

var (
	readwiseURLPattern = regexp.MustCompile(`https?://(?:www\.)?(?:read\.)?readwise\.io/(?:new/)?(?:read|reader/shared)/[\w-]+`)
	documentIDPattern  = regexp.MustCompile(`/read/([a-zA-Z0-9]+)`)
	htmlTagPattern     = regexp.MustCompile(`<[^>]+>`)
	whitespacePattern  = regexp.MustCompile(`\s+`)
)

// Document is a Readwise Reader document.
type Document struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	SourceURL   string `json:"source_url"`
	Title       string `json:"title"`
	Author      string `json:"author"`
	Summary     string `json:"summary"`
	SiteName    string `json:"site_name"`
	WordCount   int    `json:"word_count"`
	Content     string `json:"content"`
	HTMLContent string `json:"html_content"`
}

// Article is cleaned source text ready for an agent prompt.
type Article struct {
	DocumentID string `json:"document_id,omitempty"`
	Title      string `json:"title"`
	Author     string `json:"author,omitempty"`
	URL        string `json:"url"`
	WordCount  int    `json:"word_count,omitempty"`
	Content    string `json:"content"`
}

// ReadwiseClient talks to the Readwise Reader API.
type ReadwiseClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewReadwiseClient creates a client. An empty token falls back to READWISE_TOKEN.
func NewReadwiseClient(baseURL, token string, timeout time.Duration) *ReadwiseClient {
	if baseURL == "" {
		baseURL = DefaultReadwiseURL
	}
	if token == "" {
		token = os.Getenv("READWISE_TOKEN")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ReadwiseClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// Configured reports whether a token is available.
func (c *ReadwiseClient) Configured() bool {
	return c != nil && c.token != ""
}

// GetDocument fetches a document with its HTML content.
func (c *ReadwiseClient) GetDocument(ctx context.Context, id string) (*Document, error) {
	if !c.Configured() {
		return nil, ErrNoToken
	}

	q := url.Values{"id": {id}, "withHtmlContent": {"true"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/list/?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build readwise request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("readwise request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("readwise request: unexpected status %d", resp.StatusCode)
	}

	var payload struct {
		Results []Document `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode readwise response: %w", err)
	}
	if len(payload.Results) == 0 {
		return nil, fmt.Errorf("document %s: %w", id, ErrDocumentNotFound)
	}
	return &payload.Results[0], nil
}

// Retrieve resolves a Readwise URL into a cleaned article.
func (c *ReadwiseClient) Retrieve(ctx context.Context, rawURL string) (*Article, error) {
	id, ok := DocumentID(rawURL)
	if !ok {
		return nil, fmt.Errorf("no document id in %q", rawURL)
	}

	doc, err := c.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}

	body := doc.HTMLContent
	if body == "" {
		body = doc.Content
	}
	link := doc.URL
	if link == "" {
		link = rawURL
	}
	return &Article{
		DocumentID: id,
		Title:      doc.Title,
		Author:     doc.Author,
		URL:        link,
		WordCount:  doc.WordCount,
		Content:    CleanText(body),
	}, nil
}

// ExtractReadwiseURL returns the first Readwise Reader link in text.
func ExtractReadwiseURL(text string) (string, bool) {
	m := readwiseURLPattern.FindString(text)
	return m, m != ""
}

// DocumentID extracts the document id from a Reader URL.
func DocumentID(rawURL string) (string, bool) {
	m := documentIDPattern.FindStringSubmatch(rawURL)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// CleanText strips HTML tags, collapses whitespace and caps the length.
func CleanText(s string) string {
	s = htmlTagPattern.ReplaceAllString(s, " ")
	s = strings.TrimSpace(whitespacePattern.ReplaceAllString(s, " "))
	if s == "" {
		return "No content available"
	}
	if r := []rune(s); len(r) > maxArticleChars {
		s = string(r[:maxArticleChars]) + "..."
	}
	return s
}
