// Package watcher runs the per-page poll detection state machine. One
// watcher samples one presenter page on a fixed period, remembers the last
// prompt it saw, and emits a single activity event per newly-detected open
// poll. A running watcher is the service's equivalent of an open page tab.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pollev-notifier/pkg/notifier"
	"pollev-notifier/scraper"
)

// State of the detection machine. A watcher whose class fails validation
// never leaves Uninitialized and never samples.
type State int

const (
	StateUninitialized State = iota
	StateReady
	StateIdle           // Waiting room showing, no poll
	StatePollSeenClosed // Poll visible but answered or inert
	StatePollSeenOpen   // Open interactive poll visible
)

const (
	defaultStartupDelay   = 2 * time.Second
	defaultPollInterval   = 3 * time.Second
	defaultDebounceWindow = 500 * time.Millisecond
)

// ErrNotReady is returned for checks requested before a watcher has loaded
// its initial state.
var ErrNotReady = errors.New("watcher still loading")

// Sampler takes a snapshot of a presenter page.
type Sampler interface {
	Fetch(ctx context.Context, pageURL string) (*scraper.Snapshot, error)
}

// Store persists the last-seen prompt so a restart doesn't re-announce a
// poll already seen.
type Store interface {
	LastSeen(ctx context.Context, classID string) (string, error)
	SaveLastSeen(ctx context.Context, classID, question string) error
}

type checkRequest struct {
	resp chan notifier.CheckResult
}

// Watcher monitors a single class's presenter page.
type Watcher struct {
	cls     *notifier.ClassConfig
	sampler Sampler
	store   Store
	logger  *slog.Logger
	emit    func(notifier.ActivityEvent)

	startupDelay   time.Duration
	pollInterval   time.Duration
	debounceWindow time.Duration

	trigger chan struct{}
	checks  chan checkRequest
	ready   chan struct{} // closed once initialization completes
	done    chan struct{} // closed when the run loop exits

	// Owned by the run loop after initialization.
	state    State
	lastSeen string
}

// New creates a watcher for a class. The class must carry a valid username,
// otherwise the page URL could leak samples to an unrelated host.
func New(cls *notifier.ClassConfig, sampler Sampler, store Store, emit func(notifier.ActivityEvent), logger *slog.Logger) (*Watcher, error) {
	if err := cls.Validate(); err != nil {
		return nil, fmt.Errorf("class not watchable: %w", err)
	}
	return &Watcher{
		cls:            cls,
		sampler:        sampler,
		store:          store,
		logger:         logger.With("class_id", cls.ID, "username", cls.Username),
		emit:           emit,
		startupDelay:   defaultStartupDelay,
		pollInterval:   defaultPollInterval,
		debounceWindow: defaultDebounceWindow,
		trigger:        make(chan struct{}, 1),
		checks:         make(chan checkRequest),
		ready:          make(chan struct{}),
		done:           make(chan struct{}),
	}, nil
}

// Run drives the sampling loop until the context is cancelled. All state
// transitions happen on this goroutine; external queries are serviced between
// samples, so every decision sees a consistent snapshot of the machine.
func (w *Watcher) Run(ctx context.Context) {
	defer close(w.done)

	lastSeen, err := w.store.LastSeen(ctx, w.cls.ID)
	if err != nil {
		// Treat an unreadable record as absent; worst case is one
		// duplicate announcement.
		w.logger.Warn("Failed to load last-seen prompt, starting fresh", "error", err)
		lastSeen = ""
	}
	w.lastSeen = lastSeen
	w.state = StateReady
	close(w.ready)

	w.logger.Info("Watcher ready", "url", w.cls.PageURL(), "last_seen", lastSeen)

	startup := time.NewTimer(w.startupDelay)
	defer startup.Stop()
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	// Debounce for externally-triggered re-checks: a later trigger within
	// the window supersedes the pending one rather than queueing.
	var debounce *time.Timer
	var debounceC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Watcher stopping")
			return
		case <-startup.C:
			w.check(ctx)
		case <-ticker.C:
			w.check(ctx)
		case <-w.trigger:
			if debounce == nil {
				debounce = time.NewTimer(w.debounceWindow)
				debounceC = debounce.C
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(w.debounceWindow)
			}
		case <-debounceC:
			debounce = nil
			debounceC = nil
			w.check(ctx)
		case req := <-w.checks:
			req.resp <- w.check(ctx)
		}
	}
}

// Trigger requests a debounced re-check, the service's analogue of a page
// mutation observation. Never blocks; coalesces with a pending trigger.
func (w *Watcher) Trigger() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// Ready reports whether the watcher has completed initialization.
func (w *Watcher) Ready() bool {
	select {
	case <-w.ready:
		return true
	default:
		return false
	}
}

// ForceCheck re-runs the sampling procedure on demand. State updates follow
// the same rules as a periodic sample.
func (w *Watcher) ForceCheck(ctx context.Context) (notifier.CheckResult, error) {
	req := checkRequest{resp: make(chan notifier.CheckResult, 1)}
	select {
	case w.checks <- req:
	case <-w.done:
		return notifier.CheckResult{}, errors.New("watcher not running")
	case <-ctx.Done():
		return notifier.CheckResult{}, ctx.Err()
	}
	select {
	case res := <-req.resp:
		return res, nil
	case <-ctx.Done():
		return notifier.CheckResult{}, ctx.Err()
	}
}

// check runs one pass of the sampling procedure and returns its result.
func (w *Watcher) check(ctx context.Context) notifier.CheckResult {
	snap, err := w.sampler.Fetch(ctx, w.cls.PageURL())
	if err != nil {
		w.logger.Warn("Page sample failed", "error", err)
		return notifier.CheckResult{Status: notifier.StatusError, Message: err.Error()}
	}

	// Waiting room: any previously-seen poll is over, so the same prompt
	// reappearing later must be treated as new.
	if snap.Waiting {
		if w.lastSeen != "" {
			w.setLastSeen(ctx, "")
		}
		w.state = StateIdle
		w.logger.Debug("Waiting screen detected")
		return notifier.CheckResult{Status: notifier.StatusWaiting}
	}

	if snap.Question == "" {
		return notifier.CheckResult{Status: notifier.StatusNoContent}
	}

	// Already answered: remember the prompt so it's not re-announced, but
	// emit nothing.
	if snap.Answered {
		if w.lastSeen != snap.Question {
			w.setLastSeen(ctx, snap.Question)
		}
		w.state = StatePollSeenClosed
		w.logger.Debug("Answered poll detected", "question", snap.Question)
		return notifier.CheckResult{Status: notifier.StatusOldPoll, Question: snap.Question}
	}

	if snap.Question != w.lastSeen && snap.Interactive {
		w.logger.Info("New active poll detected", "question", snap.Question)

		// Emit before persisting: a crash in between causes at worst a
		// duplicate announcement, never a lost one.
		w.emit(notifier.ActivityEvent{
			Title:     snap.Question,
			URL:       snap.URL,
			ClassID:   w.cls.ID,
			ClassName: w.cls.DisplayName(),
		})
		w.setLastSeen(ctx, snap.Question)
		w.state = StatePollSeenOpen
		return notifier.CheckResult{Status: notifier.StatusActivePoll, Question: snap.Question}
	}

	if snap.Question == w.lastSeen {
		if snap.Interactive {
			w.state = StatePollSeenOpen
			return notifier.CheckResult{Status: notifier.StatusActivePoll, Question: snap.Question}
		}
		w.state = StatePollSeenClosed
		return notifier.CheckResult{Status: notifier.StatusOldPoll, Question: snap.Question}
	}

	// New prompt with no enabled controls yet: likely still rendering, so
	// leave state untouched and let a later sample decide.
	w.logger.Debug("Poll detected but no clickable options yet", "question", snap.Question)
	return notifier.CheckResult{Status: notifier.StatusOldPoll, Question: snap.Question}
}

func (w *Watcher) setLastSeen(ctx context.Context, question string) {
	w.lastSeen = question
	if err := w.store.SaveLastSeen(ctx, w.cls.ID, question); err != nil {
		w.logger.Warn("Failed to persist last-seen prompt", "error", err)
	}
}
