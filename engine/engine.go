// Package engine owns per-class schedules, alarms, do-not-disturb state, and
// the gating logic that decides whether an incoming activity event becomes a
// user-visible notification.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pollev-notifier/pkg/notifier"
)

// Store is the durable key-value store shared with the watchers. Reads are
// point-in-time snapshots; every handler re-fetches rather than caching
// across a suspension point.
type Store interface {
	Settings(ctx context.Context) (*notifier.Settings, error)
	Dnd(ctx context.Context, now time.Time) (*notifier.DndState, error)
	RecordError(ctx context.Context, message, errContext, classID string)
}

// TabController opens and inspects monitored-page watchers. Ensure is
// idempotent: an already-watched class is focused, not reopened.
type TabController interface {
	Ensure(cls *notifier.ClassConfig) (opened bool)
	Running(classID string) bool
}

// Dispatcher fans a notify decision out to the alert and push channels.
type Dispatcher interface {
	PollActive(ctx context.Context, ev notifier.ActivityEvent, settings *notifier.Settings)
	StartingSoon(ctx context.Context, cls *notifier.ClassConfig)
	TabClosed(ctx context.Context, cls *notifier.ClassConfig, settings *notifier.Settings)
}

// Engine consumes activity events, alarm firings, and watcher-stop
// observations from a single channel and handles them in arrival order.
type Engine struct {
	store      Store
	dispatcher Dispatcher
	tabs       TabController
	clock      Clock
	logger     *slog.Logger
	events     chan notifier.Event

	timersMu sync.Mutex
	timers   map[string]func()
}

// Config holds engine dependencies.
type Config struct {
	Store      Store
	Dispatcher Dispatcher
	Tabs       TabController
	Clock      Clock
	Events     chan notifier.Event
	Logger     *slog.Logger
}

// New creates an engine. Run must be called for events to be handled.
func New(cfg Config) *Engine {
	return &Engine{
		store:      cfg.Store,
		dispatcher: cfg.Dispatcher,
		tabs:       cfg.Tabs,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		events:     cfg.Events,
		timers:     make(map[string]func()),
	}
}

// Startup re-arms schedules from stored settings, so alarms survive a
// service restart.
func (e *Engine) Startup(ctx context.Context) error {
	settings, err := e.store.Settings(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	if len(settings.Classes) > 0 {
		e.Recompute(settings.Classes)
	}
	return nil
}

// Submit queues an event for the engine loop.
func (e *Engine) Submit(ev notifier.Event) {
	e.events <- ev
}

func (e *Engine) submit(ev notifier.Event) {
	e.events <- ev
}

// Run handles events in arrival order until the context is cancelled.
// Nothing a handler does is allowed to propagate: failures degrade to a
// recorded error plus best-effort continuation.
func (e *Engine) Run(ctx context.Context) {
	e.logger.Info("Eligibility engine running")
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Eligibility engine stopping")
			return
		case ev := <-e.events:
			e.handle(ctx, ev)
		}
	}
}

func (e *Engine) handle(ctx context.Context, ev notifier.Event) {
	switch ev := ev.(type) {
	case notifier.ActivityEvent:
		e.handlePollActive(ctx, ev)
	case notifier.AlarmFired:
		switch ev.Kind {
		case notifier.AlarmClassStart:
			e.handleClassStart(ctx, ev.ClassID)
		case notifier.AlarmWarning:
			e.handleWarning(ctx, ev.ClassID)
		default:
			e.logger.Warn("Unknown alarm kind", "kind", ev.Kind)
		}
	case notifier.WatcherStopped:
		e.handleWatcherStopped(ctx, ev.ClassID)
	default:
		e.logger.Warn("Unknown event type", "event", fmt.Sprintf("%T", ev))
	}
}

// handlePollActive gates an activity event: notify iff DND is inactive, the
// matched class is in session, and the class is not muted.
func (e *Engine) handlePollActive(ctx context.Context, ev notifier.ActivityEvent) {
	now := e.clock.Now()

	dnd, err := e.store.Dnd(ctx, now)
	if err != nil {
		e.logger.Warn("Failed to read DND state, treating as inactive", "error", err)
	}
	if dnd.Active(now) {
		e.logger.Info("Do Not Disturb is active, not notifying", "class_id", ev.ClassID)
		return
	}

	settings, err := e.store.Settings(ctx)
	if err != nil {
		e.logger.Error("Failed to load settings, dropping event", "error", err)
		e.store.RecordError(ctx, err.Error(), "poll_active", ev.ClassID)
		return
	}

	cls := settings.ClassByID(ev.ClassID)
	if cls == nil {
		// Stale reference: the class was deleted since the watcher started.
		e.logger.Info("Class not found for activity event, skipping", "class_id", ev.ClassID)
		return
	}
	if !InSession(cls, now) {
		e.logger.Info("Poll detected but outside class hours, not notifying",
			"class_id", ev.ClassID, "class", cls.DisplayName())
		return
	}
	if cls.Muted() {
		e.logger.Info("Notifications are muted for class, not notifying",
			"class_id", ev.ClassID, "class", cls.DisplayName())
		return
	}

	e.logger.Info("Poll active notification accepted",
		"class", cls.DisplayName(), "title", ev.Title)
	e.dispatcher.PollActive(ctx, ev, settings)
}

// handleClassStart re-resolves the class (configuration may have changed
// since scheduling), re-checks eligibility, and idempotently ensures its
// watcher runs.
func (e *Engine) handleClassStart(ctx context.Context, classID string) {
	cls, ok := e.resolveEligible(ctx, classID, "class start")
	if !ok {
		return
	}

	if opened := e.tabs.Ensure(cls); opened {
		e.logger.Info("Opened page watcher at class start", "class", cls.DisplayName())
	} else {
		e.logger.Info("Page watcher already open at class start", "class", cls.DisplayName())
	}
}

// handleWarning runs the class-start eligibility checks plus the DND and
// per-class mute gates, then raises a local-only "starting soon" alert.
func (e *Engine) handleWarning(ctx context.Context, classID string) {
	cls, ok := e.resolveEligible(ctx, classID, "warning")
	if !ok {
		return
	}

	now := e.clock.Now()
	dnd, err := e.store.Dnd(ctx, now)
	if err != nil {
		e.logger.Warn("Failed to read DND state, treating as inactive", "error", err)
	}
	if dnd.Active(now) {
		e.logger.Info("Do Not Disturb is active, skipping pre-class warning", "class_id", classID)
		return
	}
	if cls.Muted() {
		e.logger.Info("Notifications are muted for class, skipping warning", "class", cls.DisplayName())
		return
	}

	e.dispatcher.StartingSoon(ctx, cls)
	e.logger.Info("Pre-class warning sent", "class", cls.DisplayName())
}

// handleWatcherStopped raises a tab-closed alert when the class currently in
// session loses its watcher.
func (e *Engine) handleWatcherStopped(ctx context.Context, classID string) {
	settings, err := e.store.Settings(ctx)
	if err != nil {
		e.logger.Error("Failed to load settings for watcher-stop check", "error", err)
		e.store.RecordError(ctx, err.Error(), "tab_closed", classID)
		return
	}

	active := ActiveClass(settings.Classes, e.clock.Now())
	if active == nil || active.ID != classID {
		e.logger.Debug("Watcher stopped outside class hours", "class_id", classID)
		return
	}
	if e.tabs.Running(classID) {
		// Already reopened.
		return
	}

	e.logger.Info("Watcher stopped during class time", "class", active.DisplayName())
	e.dispatcher.TabClosed(ctx, active, settings)
}

// resolveEligible reloads the class by id and applies the day and end-date
// checks shared by both alarm kinds. An unresolvable class is a stale alarm
// and is skipped silently.
func (e *Engine) resolveEligible(ctx context.Context, classID, trigger string) (*notifier.ClassConfig, bool) {
	settings, err := e.store.Settings(ctx)
	if err != nil {
		e.logger.Error("Failed to load settings for alarm", "trigger", trigger, "error", err)
		e.store.RecordError(ctx, fmt.Sprintf("Alarm handler error: %v", err), "alarm_trigger", classID)
		return nil, false
	}

	cls := settings.ClassByID(classID)
	if cls == nil {
		e.logger.Info("Class not found for alarm, skipping", "trigger", trigger, "class_id", classID)
		return nil, false
	}

	now := e.clock.Now()
	if !classDay(cls, now) {
		e.logger.Info("Not a class day, skipping",
			"trigger", trigger, "class", cls.DisplayName(), "day", notifier.DayNames[now.Weekday()])
		return nil, false
	}
	if classEnded(cls, now) {
		e.logger.Info("Class has ended, skipping", "trigger", trigger, "class", cls.DisplayName())
		return nil, false
	}
	return cls, true
}
