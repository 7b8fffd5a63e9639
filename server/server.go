// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"pollev-notifier/pkg/notifier"
)

// Store interface for persisted configuration and device-local state.
type Store interface {
	Settings(ctx context.Context) (*notifier.Settings, error)
	SaveSettings(ctx context.Context, settings *notifier.Settings) error
	Dnd(ctx context.Context, now time.Time) (*notifier.DndState, error)
	SaveDnd(ctx context.Context, dnd *notifier.DndState) error
	ClearDnd(ctx context.Context) error
	LastError(ctx context.Context, now time.Time) (*notifier.ErrorRecord, error)
	RecordError(ctx context.Context, message, errContext, classID string)
	PruneLastSeen(ctx context.Context, validIDs map[string]bool) error
}

// Tabs interface for controlling page watchers.
type Tabs interface {
	Ensure(cls *notifier.ClassConfig) bool
	ForceCheck(ctx context.Context, cls *notifier.ClassConfig) (notifier.CheckResult, error)
	Statuses(classes []*notifier.ClassConfig) map[string]bool
	Reconcile(classes []*notifier.ClassConfig)
}

// Engine interface for submitting events and re-arming schedules.
type Engine interface {
	Submit(ev notifier.Event)
	Recompute(classes []*notifier.ClassConfig)
}

// Dispatcher interface for the test notification.
type Dispatcher interface {
	Test(ctx context.Context, settings *notifier.Settings, clickURL string) (bool, error)
}

// Server handles HTTP requests.
type Server struct {
	store      Store
	tabs       Tabs
	engine     Engine
	dispatcher Dispatcher
	logger     *slog.Logger
	now        func() time.Time
}

// Config holds server configuration.
type Config struct {
	Store      Store
	Tabs       Tabs
	Engine     Engine
	Dispatcher Dispatcher
	Logger     *slog.Logger
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	return &Server{
		store:      cfg.Store,
		tabs:       cfg.Tabs,
		engine:     cfg.Engine,
		dispatcher: cfg.Dispatcher,
		logger:     cfg.Logger,
		now:        time.Now,
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/settings", s.handleSettings)
	mux.HandleFunc("/dnd", s.handleDnd)
	mux.HandleFunc("/last-error", s.handleLastError)
	mux.HandleFunc("/event", s.handleEvent)
	mux.HandleFunc("/schedule", s.handleSchedule)
	mux.HandleFunc("/force-check", s.handleForceCheck)
	mux.HandleFunc("/tab-status", s.handleTabStatus)
	mux.HandleFunc("/test", s.handleTest)
	return mux
}

// ListenAndServe starts the server.
func (s *Server) ListenAndServe(port string) error {
	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("Starting HTTP server", "port", port)
	return server.ListenAndServe()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
