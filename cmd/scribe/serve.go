package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/scribe/internal/agent"
	"github.com/ShayCichocki/scribe/internal/config"
	"github.com/ShayCichocki/scribe/internal/dedup"
	"github.com/ShayCichocki/scribe/internal/dispatch"
	"github.com/ShayCichocki/scribe/internal/logging"
	"github.com/ShayCichocki/scribe/internal/orchestrator"
	"github.com/ShayCichocki/scribe/internal/prompts"
	"github.com/ShayCichocki/scribe/internal/server"
	"github.com/ShayCichocki/scribe/internal/source"
	"github.com/ShayCichocki/scribe/internal/state"
	"github.com/ShayCichocki/scribe/internal/telegram"
	"github.com/ShayCichocki/scribe/internal/version"
)

// webhookPath is where Telegram delivers updates.
const webhookPath = "/telegram/webhook"

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and Telegram webhook",
	Long: `Start the scribe service.

This command:
  - Opens and migrates the database
  - Seeds system prompts from prompts.dir and watches it for changes
  - Resumes conversations interrupted by a previous shutdown
  - Serves the HTTP API, plus the Telegram webhook when a bot token is set

SIGINT or SIGTERM stops accepting requests and drains queued agent steps.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Override server.addr")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}

	logger, closer, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	gateway, err := newGateway(cfg, db, logger)
	if err != nil {
		return err
	}

	disp := dispatch.New(dispatch.Config{
		Workers:    cfg.Dispatcher.Workers,
		QueueDepth: cfg.Dispatcher.QueueDepth,
		Retry: dispatch.RetryPolicy{
			MaxAttempts: cfg.Dispatcher.MaxAttempts,
			BaseDelay:   cfg.Dispatcher.BaseDelay,
			MaxDelay:    cfg.Dispatcher.MaxDelay,
			Retryable:   agent.Retryable,
		},
		Logger: logger,
	})

	coord := newCoordinator(cfg, db, gateway, disp, logger)

	var watcher *prompts.Watcher
	if cfg.Prompts.Watch {
		if watcher, err = prompts.NewWatcher(cfg.Prompts.Dir, db, logger); err != nil {
			return fmt.Errorf("watch prompts: %w", err)
		}
	} else if _, err := prompts.SeedDir(ctx, db, cfg.Prompts.Dir, logger); err != nil {
		return fmt.Errorf("seed prompts: %w", err)
	}

	if n, err := coord.Recover(ctx); err != nil {
		logger.Warn("recovery failed", "error", err)
	} else if n > 0 {
		logger.Info("recovered interrupted conversations", "count", n)
	}

	srv := server.New(coord, db, server.Options{
		Addr:           cfg.Server.Addr,
		AuthToken:      cfg.Server.AuthToken,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RequestTimeout: cfg.Server.RequestTimeout,
		Version:        version.Get(),
		Logger:         logger,
	})

	var bot *telegram.Bot
	if cfg.Telegram.BotToken != "" {
		bot = newBot(ctx, cfg, coord, logger)
		srv.Mount("POST "+webhookPath, bot)
	}

	printStatus("✓", fmt.Sprintf("Listening on %s", cfg.Server.Addr), color.FgGreen)
	if bot != nil {
		printStatus("✓", "Telegram webhook at "+webhookPath, color.FgGreen)
	} else {
		printStatus("⚠", "TELEGRAM_BOT_TOKEN not set, bot disabled", color.FgYellow)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})
	if watcher != nil {
		g.Go(func() error {
			return watcher.Run(gctx)
		})
	}
	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Dispatcher.ShutdownTimeout)
	defer cancel()
	if bot != nil {
		if err := bot.Close(shutdownCtx); err != nil {
			logger.Warn("telegram updates still running at shutdown", "error", err)
		}
	}
	if err := disp.Shutdown(shutdownCtx); err != nil {
		logger.Warn("dispatcher drain cut short, running steps cancelled", "error", err)
	}
	logger.Info("scribe stopped", "stats", disp.Stats(), "tokens", gateway.Usage())
	return runErr
}

// newCoordinator applies the coordinator settings from cfg.
func newCoordinator(cfg *config.Config, db *state.DB, agents agent.Invoker, disp *dispatch.Dispatcher, logger *slog.Logger) *orchestrator.Coordinator {
	fetcher := source.NewReadwiseClient(cfg.Readwise.BaseURL, cfg.Readwise.Token, cfg.Readwise.Timeout)
	return orchestrator.New(db, agents, disp,
		orchestrator.WithLogger(logger),
		orchestrator.WithFetcher(fetcher),
		orchestrator.WithConflictRetries(cfg.Coordinator.ConflictRetries),
		orchestrator.WithFeedbackFormat(orchestrator.FeedbackFormatPolicy(cfg.Coordinator.FeedbackFormat), cfg.Coordinator.DefaultFormat),
		orchestrator.WithDefaultCategory(cfg.Coordinator.DefaultCategory),
		orchestrator.WithHistoryLimit(cfg.Coordinator.HistoryLimit),
		orchestrator.WithAutoSummarize(cfg.Coordinator.AutoSummarize),
	)
}

// newBot creates the Telegram bot and registers the webhook when a public
// URL is configured.
func newBot(ctx context.Context, cfg *config.Config, coord telegram.Coordinator, logger *slog.Logger) *telegram.Bot {
	client := telegram.NewClient(cfg.Telegram.APIURL, cfg.Telegram.BotToken, 30*time.Second)
	if cfg.Telegram.WebhookURL != "" {
		if err := client.SetWebhook(ctx, cfg.Telegram.WebhookURL, cfg.Telegram.WebhookSecret); err != nil {
			logger.Warn("telegram webhook registration failed", "url", cfg.Telegram.WebhookURL, "error", err)
		}
	}
	return telegram.NewBot(coord, client, telegram.Options{
		Secret:      cfg.Telegram.WebhookSecret,
		StepTimeout: cfg.Telegram.StepTimeout,
		Seen:        dedup.New[int64](cfg.Telegram.DedupSize, cfg.Telegram.DedupTTL),
		Logger:      logging.Component(logger, "telegram"),
	})
}
