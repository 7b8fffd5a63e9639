package watcher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"pollev-notifier/pkg/notifier"
	"pollev-notifier/scraper"
)

type fakeSampler struct {
	mu   sync.Mutex
	snap *scraper.Snapshot
	err  error
}

func (f *fakeSampler) set(snap *scraper.Snapshot, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap = snap
	f.err = err
}

func (f *fakeSampler) Fetch(_ context.Context, pageURL string) (*scraper.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	snap := *f.snap
	snap.URL = pageURL
	return &snap, nil
}

type fakeStore struct {
	mu       sync.Mutex
	lastSeen map[string]string
	loadErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{lastSeen: make(map[string]string)}
}

func (f *fakeStore) LastSeen(_ context.Context, classID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return "", f.loadErr
	}
	return f.lastSeen[classID], nil
}

func (f *fakeStore) SaveLastSeen(_ context.Context, classID, question string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastSeen[classID] = question
	return nil
}

func (f *fakeStore) get(classID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastSeen[classID]
}

func testClass() *notifier.ClassConfig {
	return &notifier.ClassConfig{ID: "chem", Username: "profsmith", Name: "Chemistry"}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startWatcher runs a watcher whose periodic sampling is effectively
// disabled, so every check below is driven explicitly through ForceCheck.
func startWatcher(t *testing.T, sampler Sampler, store Store) (*Watcher, chan notifier.ActivityEvent, context.CancelFunc) {
	t.Helper()

	events := make(chan notifier.ActivityEvent, 16)
	w, err := New(testClass(), sampler, store, func(ev notifier.ActivityEvent) { events <- ev }, discardLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	w.startupDelay = time.Hour
	w.pollInterval = time.Hour
	w.debounceWindow = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	t.Cleanup(cancel)

	deadline := time.Now().Add(2 * time.Second)
	for !w.Ready() {
		if time.Now().After(deadline) {
			t.Fatal("watcher never became ready")
		}
		time.Sleep(time.Millisecond)
	}
	return w, events, cancel
}

func TestNewRejectsInvalidClass(t *testing.T) {
	cls := &notifier.ClassConfig{ID: "bad", Username: "no/slashes"}
	if _, err := New(cls, &fakeSampler{}, newFakeStore(), func(notifier.ActivityEvent) {}, discardLogger()); err == nil {
		t.Fatal("New() accepted a class with an unsafe username")
	}
}

func TestNewPollEmitsOnce(t *testing.T) {
	sampler := &fakeSampler{}
	store := newFakeStore()
	sampler.set(&scraper.Snapshot{Question: "What is H2O?", Interactive: true}, nil)
	w, events, _ := startWatcher(t, sampler, store)

	res, err := w.ForceCheck(context.Background())
	if err != nil {
		t.Fatalf("ForceCheck() error = %v", err)
	}
	if res.Status != notifier.StatusActivePoll || res.Question != "What is H2O?" {
		t.Fatalf("result = %+v, want active_poll", res)
	}

	select {
	case ev := <-events:
		if ev.Title != "What is H2O?" || ev.ClassID != "chem" {
			t.Errorf("event = %+v", ev)
		}
		if ev.URL != "https://pollev.com/profsmith" {
			t.Errorf("event URL = %q", ev.URL)
		}
	default:
		t.Fatal("no activity event for new poll")
	}
	if got := store.get("chem"); got != "What is H2O?" {
		t.Errorf("persisted last-seen = %q", got)
	}

	// Same prompt again: still reported active, but announced only once.
	res, err = w.ForceCheck(context.Background())
	if err != nil {
		t.Fatalf("ForceCheck() error = %v", err)
	}
	if res.Status != notifier.StatusActivePoll {
		t.Errorf("repeat status = %v, want active_poll", res.Status)
	}
	select {
	case ev := <-events:
		t.Errorf("duplicate event %+v for unchanged prompt", ev)
	default:
	}
}

func TestSecondPollEmitsAgain(t *testing.T) {
	sampler := &fakeSampler{}
	sampler.set(&scraper.Snapshot{Question: "P1", Interactive: true}, nil)
	w, events, _ := startWatcher(t, sampler, newFakeStore())

	if _, err := w.ForceCheck(context.Background()); err != nil {
		t.Fatalf("ForceCheck() error = %v", err)
	}
	<-events

	sampler.set(&scraper.Snapshot{Question: "P2", Interactive: true}, nil)
	if _, err := w.ForceCheck(context.Background()); err != nil {
		t.Fatalf("ForceCheck() error = %v", err)
	}

	select {
	case ev := <-events:
		if ev.Title != "P2" {
			t.Errorf("event title = %q, want P2", ev.Title)
		}
	default:
		t.Fatal("no event for second distinct poll")
	}
}

func TestAnsweredPollRecordsWithoutEmitting(t *testing.T) {
	sampler := &fakeSampler{}
	store := newFakeStore()
	sampler.set(&scraper.Snapshot{Question: "P1", Answered: true}, nil)
	w, events, _ := startWatcher(t, sampler, store)

	res, err := w.ForceCheck(context.Background())
	if err != nil {
		t.Fatalf("ForceCheck() error = %v", err)
	}
	if res.Status != notifier.StatusOldPoll {
		t.Errorf("status = %v, want old_poll", res.Status)
	}
	select {
	case ev := <-events:
		t.Errorf("answered poll emitted %+v", ev)
	default:
	}
	if got := store.get("chem"); got != "P1" {
		t.Errorf("persisted last-seen = %q, want P1", got)
	}
}

func TestWaitingScreenResetsMemory(t *testing.T) {
	sampler := &fakeSampler{}
	store := newFakeStore()
	sampler.set(&scraper.Snapshot{Question: "P1", Interactive: true}, nil)
	w, events, _ := startWatcher(t, sampler, store)

	if _, err := w.ForceCheck(context.Background()); err != nil {
		t.Fatalf("ForceCheck() error = %v", err)
	}
	<-events

	sampler.set(&scraper.Snapshot{Waiting: true}, nil)
	res, err := w.ForceCheck(context.Background())
	if err != nil {
		t.Fatalf("ForceCheck() error = %v", err)
	}
	if res.Status != notifier.StatusWaiting {
		t.Errorf("status = %v, want waiting", res.Status)
	}
	if got := store.get("chem"); got != "" {
		t.Errorf("last-seen after waiting screen = %q, want cleared", got)
	}

	// The same prompt reappearing after the waiting room is a new poll.
	sampler.set(&scraper.Snapshot{Question: "P1", Interactive: true}, nil)
	if _, err := w.ForceCheck(context.Background()); err != nil {
		t.Fatalf("ForceCheck() error = %v", err)
	}
	select {
	case ev := <-events:
		if ev.Title != "P1" {
			t.Errorf("event title = %q", ev.Title)
		}
	default:
		t.Fatal("prompt reappearing after waiting room was not re-announced")
	}
}

func TestInertPromptDoesNotAnnounce(t *testing.T) {
	sampler := &fakeSampler{}
	store := newFakeStore()
	sampler.set(&scraper.Snapshot{Question: "P1", Interactive: false}, nil)
	w, events, _ := startWatcher(t, sampler, store)

	res, err := w.ForceCheck(context.Background())
	if err != nil {
		t.Fatalf("ForceCheck() error = %v", err)
	}
	if res.Status != notifier.StatusOldPoll {
		t.Errorf("status = %v, want old_poll", res.Status)
	}
	select {
	case ev := <-events:
		t.Errorf("inert prompt emitted %+v", ev)
	default:
	}
	if got := store.get("chem"); got != "" {
		t.Errorf("inert prompt persisted last-seen %q", got)
	}

	// Controls became clickable on a later sample.
	sampler.set(&scraper.Snapshot{Question: "P1", Interactive: true}, nil)
	if _, err := w.ForceCheck(context.Background()); err != nil {
		t.Fatalf("ForceCheck() error = %v", err)
	}
	select {
	case <-events:
	default:
		t.Fatal("prompt was not announced once it became interactive")
	}
}

func TestPersistedPromptSurvivesRestart(t *testing.T) {
	sampler := &fakeSampler{}
	store := newFakeStore()
	store.lastSeen["chem"] = "P1"
	sampler.set(&scraper.Snapshot{Question: "P1", Interactive: true}, nil)
	w, events, _ := startWatcher(t, sampler, store)

	res, err := w.ForceCheck(context.Background())
	if err != nil {
		t.Fatalf("ForceCheck() error = %v", err)
	}
	if res.Status != notifier.StatusActivePoll {
		t.Errorf("status = %v, want active_poll", res.Status)
	}
	select {
	case ev := <-events:
		t.Errorf("already-seen prompt re-announced after restart: %+v", ev)
	default:
	}
}

func TestFetchErrorReported(t *testing.T) {
	sampler := &fakeSampler{}
	sampler.set(nil, errors.New("connection refused"))
	w, events, _ := startWatcher(t, sampler, newFakeStore())

	res, err := w.ForceCheck(context.Background())
	if err != nil {
		t.Fatalf("ForceCheck() error = %v", err)
	}
	if res.Status != notifier.StatusError || res.Message == "" {
		t.Errorf("result = %+v, want error status with message", res)
	}
	select {
	case ev := <-events:
		t.Errorf("failed sample emitted %+v", ev)
	default:
	}
}

func TestTriggerDebounces(t *testing.T) {
	sampler := &fakeSampler{}
	sampler.set(&scraper.Snapshot{Question: "P1", Interactive: true}, nil)
	w, events, _ := startWatcher(t, sampler, newFakeStore())

	// A burst of triggers collapses into one debounced check.
	w.Trigger()
	w.Trigger()
	w.Trigger()

	select {
	case ev := <-events:
		if ev.Title != "P1" {
			t.Errorf("event title = %q", ev.Title)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("trigger never produced a check")
	}

	select {
	case ev := <-events:
		t.Errorf("burst produced a second announcement: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestForceCheckAfterStop(t *testing.T) {
	sampler := &fakeSampler{}
	sampler.set(&scraper.Snapshot{Waiting: true}, nil)
	w, _, cancel := startWatcher(t, sampler, newFakeStore())

	cancel()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := w.ForceCheck(context.Background()); err != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("ForceCheck kept succeeding after cancellation")
		}
		time.Sleep(time.Millisecond)
	}
}
