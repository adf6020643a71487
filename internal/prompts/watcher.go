package prompts

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ShayCichocki/scribe/internal/logging"
)

// Watcher re-seeds a prompts directory when its files change.
type Watcher struct {
	dir      string
	store    Store
	logger   *slog.Logger
	debounce time.Duration

	watcher *fsnotify.Watcher
	// reloaded receives the result of every re-seed; used by tests.
	reloaded chan Result
}

// NewWatcher watches dir. The directory is created if missing.
func NewWatcher(dir string, store Store, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{
		dir:      dir,
		store:    store,
		logger:   logger,
		debounce: 250 * time.Millisecond,
		watcher:  fw,
		reloaded: make(chan Result, 8),
	}, nil
}

// Run seeds the directory once, then re-seeds after changes until ctx is
// cancelled. Bursts of events within the debounce window trigger one seed.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	if _, err := w.reload(ctx); err != nil {
		w.logger.Warn("initial prompt seed failed", "dir", w.dir, "error", err)
	}

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !isPromptFile(event.Name) || event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			if _, err := w.reload(ctx); err != nil {
				w.logger.Warn("prompt reload failed", "dir", w.dir, "error", err)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("prompt watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload(ctx context.Context) (Result, error) {
	res, err := SeedDir(ctx, w.store, w.dir, w.logger)
	if err != nil {
		return res, err
	}
	if res.Created > 0 {
		w.logger.Info("prompts reloaded", "dir", w.dir, "created", res.Created, "skipped", res.Skipped)
	}
	select {
	case w.reloaded <- res:
	default:
	}
	return res, nil
}
