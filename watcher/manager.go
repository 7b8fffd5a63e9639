package watcher

import (
	"context"
	"log/slog"
	"sync"

	"pollev-notifier/pkg/notifier"
)

// Manager owns the set of running watchers, one per class at most. It is the
// service's tab controller: ensuring a watcher is the idempotent equivalent
// of opening-or-focusing a page tab, and a watcher exiting is observed as a
// tab removal.
type Manager struct {
	sampler Sampler
	store   Store
	logger  *slog.Logger
	events  chan<- notifier.Event

	mu      sync.Mutex
	ctx     context.Context
	running map[string]*instance
}

type instance struct {
	watcher *Watcher
	cancel  context.CancelFunc
}

// NewManager creates a watcher manager. Start must be called before Ensure.
func NewManager(sampler Sampler, store Store, events chan<- notifier.Event, logger *slog.Logger) *Manager {
	return &Manager{
		sampler: sampler,
		store:   store,
		logger:  logger,
		events:  events,
		running: make(map[string]*instance),
	}
}

// Start sets the root context that bounds every watcher's lifetime.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctx = ctx
}

// Ensure makes sure a watcher runs for the class. Idempotent: a class whose
// watcher is already running is left alone ("focused"). Reports whether a new
// watcher was started.
func (m *Manager) Ensure(cls *notifier.ClassConfig) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx == nil {
		m.logger.Error("Watcher manager not started")
		return false
	}
	if _, ok := m.running[cls.ID]; ok {
		m.logger.Debug("Watcher already running, focusing", "class_id", cls.ID)
		return false
	}

	w, err := New(cls, m.sampler, m.store, m.submitActivity, m.logger)
	if err != nil {
		m.logger.Warn("Refusing to watch class", "class_id", cls.ID, "error", err)
		return false
	}

	ctx, cancel := context.WithCancel(m.ctx)
	m.running[cls.ID] = &instance{watcher: w, cancel: cancel}

	go func() {
		w.Run(ctx)
		m.mu.Lock()
		delete(m.running, cls.ID)
		m.mu.Unlock()
		m.events <- notifier.WatcherStopped{ClassID: cls.ID}
	}()

	m.logger.Info("Watcher started", "class_id", cls.ID, "url", cls.PageURL())
	return true
}

// Running reports whether a watcher exists for the class.
func (m *Manager) Running(classID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[classID]
	return ok
}

// Get returns the running watcher for a class, or nil.
func (m *Manager) Get(classID string) *Watcher {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.running[classID]; ok {
		return inst.watcher
	}
	return nil
}

// ForceCheck runs an immediate check on the class's watcher. When no watcher
// was running one is started and StatusOpenedTab is returned without waiting
// for its first sample. ErrNotReady is returned while a watcher is still
// loading its initial state.
func (m *Manager) ForceCheck(ctx context.Context, cls *notifier.ClassConfig) (notifier.CheckResult, error) {
	if m.Ensure(cls) {
		return notifier.CheckResult{Status: notifier.StatusOpenedTab}, nil
	}
	w := m.Get(cls.ID)
	if w == nil || !w.Ready() {
		return notifier.CheckResult{}, ErrNotReady
	}
	return w.ForceCheck(ctx)
}

// Statuses reports, per class, whether its watcher is running.
func (m *Manager) Statuses(classes []*notifier.ClassConfig) map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	statuses := make(map[string]bool, len(classes))
	for _, cls := range classes {
		_, ok := m.running[cls.ID]
		statuses[cls.ID] = ok
	}
	return statuses
}

// Stop cancels the watcher for a class, if any.
func (m *Manager) Stop(classID string) {
	m.mu.Lock()
	inst, ok := m.running[classID]
	m.mu.Unlock()
	if ok {
		inst.cancel()
	}
}

// Reconcile stops watchers whose class was deleted from configuration.
// Watchers are not started here; classes open at their scheduled start.
func (m *Manager) Reconcile(classes []*notifier.ClassConfig) {
	valid := make(map[string]bool, len(classes))
	for _, cls := range classes {
		valid[cls.ID] = true
	}

	m.mu.Lock()
	var stale []*instance
	for id, inst := range m.running {
		if !valid[id] {
			m.logger.Info("Stopping watcher for deleted class", "class_id", id)
			stale = append(stale, inst)
		}
	}
	m.mu.Unlock()

	for _, inst := range stale {
		inst.cancel()
	}
}

func (m *Manager) submitActivity(ev notifier.ActivityEvent) {
	m.events <- ev
}
