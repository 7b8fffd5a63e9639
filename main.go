// Package main implements a service that watches Poll Everywhere presenter
// pages and raises local alerts and ntfy push notifications when a new
// interactive poll opens during a scheduled class.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"github.com/joho/godotenv"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"pollev-notifier/alert"
	"pollev-notifier/dispatch"
	"pollev-notifier/engine"
	"pollev-notifier/pkg/notifier"
	"pollev-notifier/scraper"
	"pollev-notifier/server"
	storepkg "pollev-notifier/storage"
	"pollev-notifier/watcher"
)

func main() {
	ctx := context.Background()

	// Local overrides, ignored when absent
	_ = godotenv.Load()

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	localStorage := os.Getenv("LOCAL_STORAGE")
	bucket := os.Getenv("STORAGE_BUCKET")

	// Default to local development mode if no bucket specified
	if bucket == "" && localStorage == "" {
		localStorage = "./data"
		logger.Info("No STORAGE_BUCKET set, defaulting to local development mode", "storage_path", localStorage)
	}

	var storageClient *storage.Client
	if localStorage != "" {
		logger.Info("Running in local development mode", "storage_path", localStorage)
		if err := os.MkdirAll(localStorage, 0o755); err != nil {
			logger.Error("Failed to create local storage directory", "error", err)
			os.Exit(1)
		}
	} else {
		var err error
		storageClient, err = storage.NewClient(ctx)
		if err != nil {
			logger.Error("Failed to initialize Storage client", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := storageClient.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}()
	}

	store := storepkg.New(storageClient, bucket, localStorage, logger)
	if err := store.Migrate(ctx); err != nil {
		logger.Error("Settings migration failed", "error", err)
		os.Exit(1)
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}

	presenter := alert.New(initAlertProvider(ctx, logger), logger)
	push := dispatch.NewPushClient(httpClient, os.Getenv("NTFY_HOST"), logger)
	dispatcher := dispatch.New(presenter, push, store, logger)

	events := make(chan notifier.Event, 64)
	manager := watcher.NewManager(scraper.New(httpClient, logger), store, events, logger)
	manager.Start(ctx)

	eng := engine.New(engine.Config{
		Store:      store,
		Dispatcher: dispatcher,
		Tabs:       manager,
		Clock:      engine.SystemClock(),
		Events:     events,
		Logger:     logger,
	})
	if err := eng.Startup(ctx); err != nil {
		logger.Error("Failed to arm schedules from stored settings", "error", err)
		os.Exit(1)
	}
	go eng.Run(ctx)

	srv := server.New(&server.Config{
		Store:      store,
		Tabs:       manager,
		Engine:     eng,
		Dispatcher: dispatcher,
		Logger:     logger,
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	if err := srv.ListenAndServe(port); err != nil {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

// initAlertProvider returns a Gmail-backed alert channel when credentials and
// a destination address are configured, and a logging mock otherwise.
func initAlertProvider(ctx context.Context, logger *slog.Logger) alert.Provider {
	to := os.Getenv("ALERT_EMAIL")
	if to == "" {
		logger.Info("Mock alert mode enabled (no ALERT_EMAIL)")
		return alert.NewMockProvider(logger)
	}

	svc, err := initGmailService(ctx)
	if err != nil {
		logger.Warn("Failed to initialize Gmail service, using mock alerts", "error", err)
		return alert.NewMockProvider(logger)
	}
	return alert.NewGmailProvider(svc, to, logger)
}

func initGmailService(ctx context.Context) (*gmail.Service, error) {
	credsJSON := os.Getenv("GOOGLE_CREDENTIALS_JSON")
	if credsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}

	// Application Default Credentials; the service account needs the
	// gmail.send scope.
	return gmail.NewService(ctx)
}
