// Package telegram is the chat-bot channel: a Bot API webhook that turns
// commands into coordinator operations and replies with the results.
package telegram

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ShayCichocki/scribe/internal/dedup"
	"github.com/ShayCichocki/scribe/internal/logging"
	"github.com/ShayCichocki/scribe/internal/orchestrator"
	"github.com/ShayCichocki/scribe/internal/source"
	"github.com/ShayCichocki/scribe/internal/state"
)

// SecretHeader carries the webhook secret on every update.
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// Update is an incoming Bot API update. Only messages are handled.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

// Message is a chat message.
type Message struct {
	MessageID int64  `json:"message_id"`
	Chat      Chat   `json:"chat"`
	From      *User  `json:"from,omitempty"`
	Text      string `json:"text"`
}

// Chat identifies where to reply.
type Chat struct {
	ID int64 `json:"id"`
}

// User is the sender of a message.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username,omitempty"`
}

// Coordinator is the part of the orchestrator the bot drives.
type Coordinator interface {
	Start(ctx context.Context, req orchestrator.StartRequest) (*orchestrator.StartResult, error)
	GenerateIdeas(ctx context.Context, req orchestrator.IdeasRequest) (*orchestrator.IdeasResult, error)
	SelectIdea(ctx context.Context, id string, index int) (*orchestrator.StartResult, error)
}

// Sender delivers replies.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// Options configures a Bot.
type Options struct {
	// Secret, when set, must match the SecretHeader of every update.
	Secret string
	// StepTimeout bounds how long a command waits for agent output.
	StepTimeout time.Duration
	// Seen deduplicates redelivered updates. Nil uses a default set.
	Seen   *dedup.Set[int64]
	Logger *slog.Logger
}

// Bot handles webhook updates. Updates are acknowledged immediately and
// processed in the background.
type Bot struct {
	coord  Coordinator
	sender Sender
	opts   Options
	seen   *dedup.Set[int64]
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu orders wg.Add against Close.
	mu     sync.Mutex
	closed bool
}

// NewBot creates a bot.
func NewBot(coord Coordinator, sender Sender, opts Options) *Bot {
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = 5 * time.Minute
	}
	seen := opts.Seen
	if seen == nil {
		seen = dedup.New[int64](dedup.DefaultSize, dedup.DefaultTTL)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bot{
		coord:  coord,
		sender: sender,
		opts:   opts,
		seen:   seen,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// ServeHTTP is the webhook endpoint.
func (b *Bot) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if b.opts.Secret != "" {
		got := r.Header.Get(SecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(b.opts.Secret)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	var u Update
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&u); err != nil {
		http.Error(w, "invalid update", http.StatusBadRequest)
		return
	}

	// Refused before it is marked seen, so Telegram redelivers it to the
	// next process.
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	b.wg.Add(1)
	b.mu.Unlock()

	w.WriteHeader(http.StatusOK)

	if !b.seen.Accept(u.UpdateID) {
		b.logger.Debug("duplicate update ignored", "update_id", u.UpdateID)
		b.wg.Done()
		return
	}
	if u.Message == nil || strings.TrimSpace(u.Message.Text) == "" {
		b.wg.Done()
		return
	}

	go func() {
		defer b.wg.Done()
		b.Handle(b.ctx, u.Message)
	}()
}

// Wait blocks until all background updates are processed.
func (b *Bot) Wait() {
	b.wg.Wait()
}

// Close refuses further updates, cancels in-flight ones and waits for
// them, or until ctx expires.
func (b *Bot) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.cancel()
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handle runs one message synchronously.
func (b *Bot) Handle(ctx context.Context, m *Message) {
	cmd, args := parseCommand(m.Text)
	logger := b.logger.With("chat_id", m.Chat.ID, "command", cmd)
	logger.Debug("handling message")

	var err error
	switch cmd {
	case "/start", "/help":
		err = b.reply(ctx, m, helpText)
	case "/ideas":
		err = b.handleIdeas(ctx, m, args)
	case "/select":
		err = b.handleSelect(ctx, m, args)
	case "/create_post":
		err = b.handleCreatePost(ctx, m, args)
	case "/post":
		err = b.handlePost(ctx, m, args)
	case "":
		err = b.createPost(ctx, m, args)
	default:
		err = b.reply(ctx, m, "Unknown command. Send /help for the list of commands.")
	}
	if err != nil {
		logger.Warn("command failed", "error", err)
		if sendErr := b.reply(ctx, m, describeError(err)); sendErr != nil {
			logger.Warn("reply failed", "error", sendErr)
		}
	}
}

func (b *Bot) reply(ctx context.Context, m *Message, text string) error {
	return b.sender.SendMessage(ctx, m.Chat.ID, text)
}

func (b *Bot) handleIdeas(ctx context.Context, m *Message, args string) error {
	link, ok := source.ExtractReadwiseURL(args)
	if !ok {
		return b.reply(ctx, m, "Please provide a Readwise URL after /ideas\n\nExample: /ideas https://read.readwise.io/new/read/01abc123")
	}
	if err := b.reply(ctx, m, "Generating content ideas from your article..."); err != nil {
		return err
	}

	stepCtx, cancel := context.WithTimeout(ctx, b.opts.StepTimeout)
	defer cancel()
	res, err := b.coord.GenerateIdeas(stepCtx, orchestrator.IdeasRequest{
		Source:  link,
		Title:   "Ideas from Readwise",
		Channel: "telegram",
	})
	if err != nil {
		return err
	}
	return b.reply(ctx, m, formatIdeas(res))
}

func formatIdeas(res *orchestrator.IdeasResult) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Generated %d content ideas\n\n", len(res.Ideas))
	for i, idea := range res.Ideas {
		fmt.Fprintf(&sb, "%d. %s (%s)\n%s\n\n", i+1, idea.PillarType, idea.PillarCategory, truncate(idea.ContentIdea, 100))
	}
	fmt.Fprintf(&sb, "Conversation ID: %s\n\n", res.ConversationID)
	fmt.Fprintf(&sb, "To write a post from idea #3, send:\n/select %s 3", res.ConversationID)
	return sb.String()
}

func (b *Bot) handleSelect(ctx context.Context, m *Message, args string) error {
	const usage = "Usage: /select <conversation_id> <idea_number>\n\nExample: /select abc123 3"
	parts := strings.Fields(args)
	if len(parts) < 2 {
		return b.reply(ctx, m, usage)
	}
	index, err := strconv.Atoi(parts[1])
	if err != nil {
		return b.reply(ctx, m, usage)
	}
	if err := b.reply(ctx, m, fmt.Sprintf("Writing a post from idea #%d...", index)); err != nil {
		return err
	}

	res, err := b.coord.SelectIdea(ctx, parts[0], index)
	if err != nil {
		return err
	}
	return b.waitAndReply(ctx, m, res, fmt.Sprintf("Generated from idea #%d", index))
}

func (b *Bot) handleCreatePost(ctx context.Context, m *Message, args string) error {
	if strings.TrimSpace(args) == "" {
		return b.reply(ctx, m, "Please provide a URL and your notes after /create_post")
	}
	if _, ok := source.ExtractReadwiseURL(args); ok {
		return b.reply(ctx, m, "Detected a Readwise URL. Use /ideas for the idea workflow:\n\n/ideas "+args)
	}
	return b.createPost(ctx, m, args)
}

func (b *Bot) createPost(ctx context.Context, m *Message, text string) error {
	if err := b.reply(ctx, m, "Writing your post..."); err != nil {
		return err
	}
	res, err := b.coord.Start(ctx, orchestrator.StartRequest{
		UserRequest: text,
		Title:       postTitle(text),
		Channel:     "telegram",
	})
	if err != nil {
		return err
	}
	return b.waitAndReply(ctx, m, res, "Generated post")
}

// handlePost accepts the structured form:
//
//	/post
//	- url: https://example.com/article
//	- icp: target audience
//	- category: attract
func (b *Bot) handlePost(ctx context.Context, m *Message, args string) error {
	if strings.TrimSpace(args) == "" {
		return b.reply(ctx, m, "Please provide YAML input after /post")
	}
	var items []map[string]string
	if err := yaml.Unmarshal([]byte(args), &items); err != nil || len(items) == 0 {
		return b.reply(ctx, m, "Could not read that input. Send a YAML list such as:\n\n- url: https://example.com/article\n- icp: target audience\n- category: attract")
	}

	if err := b.reply(ctx, m, "Processing your request..."); err != nil {
		return err
	}
	res, err := b.coord.Start(ctx, orchestrator.StartRequest{
		UserRequest: args,
		Title:       "Telegram Generated Post",
		Channel:     "telegram",
	})
	if err != nil {
		return err
	}
	return b.waitAndReply(ctx, m, res, "Generated post")
}

func (b *Bot) waitAndReply(ctx context.Context, m *Message, res *orchestrator.StartResult, header string) error {
	stepCtx, cancel := context.WithTimeout(ctx, b.opts.StepTimeout)
	defer cancel()
	msg, err := res.Wait(stepCtx)
	if err != nil {
		return err
	}
	return b.reply(ctx, m, fmt.Sprintf("%s:\n\n%s\n\nConversation ID: %s", header, msg.Content, res.ConversationID))
}

func parseCommand(text string) (cmd, args string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", text
	}
	head, rest, _ := strings.Cut(text, " ")
	if nl := strings.IndexByte(head, '\n'); nl >= 0 {
		head, rest = head[:nl], text[nl+1:]
	}
	head, _, _ = strings.Cut(head, "@")
	return strings.ToLower(head), strings.TrimSpace(rest)
}

func postTitle(text string) string {
	domain := "Article"
	if link, ok := source.FirstLink(text); ok {
		if u, err := url.Parse(link); err == nil && u.Host != "" {
			domain = u.Host
		}
	}
	notes := text
	if _, after, ok := strings.Cut(text, "\n"); ok {
		notes = after
	}
	return fmt.Sprintf("Post from %s: %s", domain, truncate(strings.TrimSpace(notes), 50))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func describeError(err error) string {
	switch {
	case errors.Is(err, state.ErrNotFound):
		return "Conversation not found. Check the ID and try again."
	case errors.Is(err, orchestrator.ErrPreconditionFailed), errors.Is(err, orchestrator.ErrInvalidInput):
		return "Cannot do that: " + err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return "Generation timed out. Please try again."
	default:
		return "Something went wrong. Please try again."
	}
}

const helpText = `Content Generator Bot

Commands:
/ideas <readwise url> - generate content ideas from an article
/select <conversation_id> <n> - write a post from idea n
/create_post <url and notes> - write a post directly
/post <yaml> - write a post from structured input

Structured input example:
/post
- url: https://example.com/article
- icp: target audience
- dream: desired outcome
- category: attract|nurture|convert
- format: belief_shift|framework|how_to

Any other text is treated as a post request.`
