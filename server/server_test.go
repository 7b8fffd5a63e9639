package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pollev-notifier/pkg/notifier"
	"pollev-notifier/watcher"
)

type fakeStore struct {
	settings    *notifier.Settings
	settingsErr error
	saved       *notifier.Settings
	dnd         *notifier.DndState
	savedDnd    *notifier.DndState
	cleared     bool
	lastErr     *notifier.ErrorRecord
	recorded    []string
	pruned      map[string]bool
}

func (f *fakeStore) Settings(_ context.Context) (*notifier.Settings, error) {
	if f.settingsErr != nil {
		return nil, f.settingsErr
	}
	if f.settings == nil {
		return &notifier.Settings{}, nil
	}
	return f.settings, nil
}

func (f *fakeStore) SaveSettings(_ context.Context, settings *notifier.Settings) error {
	f.saved = settings
	f.settings = settings
	return nil
}

func (f *fakeStore) Dnd(_ context.Context, now time.Time) (*notifier.DndState, error) {
	if f.dnd.Active(now) {
		return f.dnd, nil
	}
	return nil, nil
}

func (f *fakeStore) SaveDnd(_ context.Context, dnd *notifier.DndState) error {
	f.savedDnd = dnd
	f.dnd = dnd
	return nil
}

func (f *fakeStore) ClearDnd(_ context.Context) error {
	f.cleared = true
	f.dnd = nil
	return nil
}

func (f *fakeStore) LastError(_ context.Context, _ time.Time) (*notifier.ErrorRecord, error) {
	return f.lastErr, nil
}

func (f *fakeStore) RecordError(_ context.Context, _, errContext, _ string) {
	f.recorded = append(f.recorded, errContext)
}

func (f *fakeStore) PruneLastSeen(_ context.Context, validIDs map[string]bool) error {
	f.pruned = validIDs
	return nil
}

type fakeTabs struct {
	ensured    []string
	checkRes   notifier.CheckResult
	checkErr   error
	statuses   map[string]bool
	reconciled []*notifier.ClassConfig
}

func (f *fakeTabs) Ensure(cls *notifier.ClassConfig) bool {
	f.ensured = append(f.ensured, cls.ID)
	return true
}

func (f *fakeTabs) ForceCheck(_ context.Context, _ *notifier.ClassConfig) (notifier.CheckResult, error) {
	return f.checkRes, f.checkErr
}

func (f *fakeTabs) Statuses(_ []*notifier.ClassConfig) map[string]bool {
	return f.statuses
}

func (f *fakeTabs) Reconcile(classes []*notifier.ClassConfig) {
	f.reconciled = classes
}

type fakeEngine struct {
	submitted  []notifier.Event
	recomputed [][]*notifier.ClassConfig
}

func (f *fakeEngine) Submit(ev notifier.Event) { f.submitted = append(f.submitted, ev) }

func (f *fakeEngine) Recompute(classes []*notifier.ClassConfig) {
	f.recomputed = append(f.recomputed, classes)
}

type fakeDispatcher struct {
	clickURL string
	pushed   bool
	err      error
}

func (f *fakeDispatcher) Test(_ context.Context, _ *notifier.Settings, clickURL string) (bool, error) {
	f.clickURL = clickURL
	return f.pushed, f.err
}

type harness struct {
	store  *fakeStore
	tabs   *fakeTabs
	engine *fakeEngine
	disp   *fakeDispatcher
	srv    *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:  &fakeStore{},
		tabs:   &fakeTabs{},
		engine: &fakeEngine{},
		disp:   &fakeDispatcher{},
	}
	s := New(&Config{
		Store:      h.store,
		Tabs:       h.tabs,
		Engine:     h.engine,
		Dispatcher: h.disp,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	s.now = func() time.Time { return time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC) }
	h.srv = httptest.NewServer(s.Handler())
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, reader)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := h.srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, respBody
}

func testClass(id string) *notifier.ClassConfig {
	return &notifier.ClassConfig{ID: id, Username: "profsmith", Name: "Chemistry"}
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	resp, body := h.do(t, http.MethodGet, "/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "healthy") {
		t.Errorf("body = %s", body)
	}
}

func TestGetSettings(t *testing.T) {
	h := newHarness(t)
	h.store.settings = &notifier.Settings{Classes: []*notifier.ClassConfig{testClass("chem")}}

	resp, body := h.do(t, http.MethodGet, "/settings", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var got notifier.Settings
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if len(got.Classes) != 1 || got.Classes[0].ID != "chem" {
		t.Errorf("settings = %+v", got)
	}
}

func TestPutSettings(t *testing.T) {
	h := newHarness(t)

	payload := &notifier.Settings{
		Classes: []*notifier.ClassConfig{
			{Username: "profsmith", StartTime: "09:00", EndTime: "09:50", Days: []string{"Monday"}},
			{ID: "hist", Username: "profjones"},
		},
		NtfyEnabled: true,
		NtfyTopic:   "my-polls",
	}
	resp, body := h.do(t, http.MethodPut, "/settings", payload)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}

	if h.store.saved == nil {
		t.Fatal("settings not saved")
	}
	if h.store.saved.Classes[0].ID == "" {
		t.Error("new class was not assigned an id")
	}
	if h.store.saved.Classes[1].ID != "hist" {
		t.Error("existing class id replaced")
	}
	if len(h.engine.recomputed) != 1 {
		t.Error("schedules not recomputed on config change")
	}
	if h.tabs.reconciled == nil {
		t.Error("watchers not reconciled on config change")
	}
	if !h.store.pruned[h.store.saved.Classes[0].ID] || !h.store.pruned["hist"] {
		t.Errorf("pruned ids = %v", h.store.pruned)
	}
}

func TestPutSettingsRejectsInvalid(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name    string
		payload *notifier.Settings
	}{
		{
			name:    "bad username",
			payload: &notifier.Settings{Classes: []*notifier.ClassConfig{{Username: "not a username"}}},
		},
		{
			name:    "push enabled without topic",
			payload: &notifier.Settings{NtfyEnabled: true},
		},
		{
			name: "duplicate class ids",
			payload: &notifier.Settings{Classes: []*notifier.ClassConfig{
				{ID: "a", Username: "x"}, {ID: "a", Username: "y"},
			}},
		},
		{
			name: "overlapping schedules",
			payload: &notifier.Settings{Classes: []*notifier.ClassConfig{
				{Username: "x", StartTime: "09:00", EndTime: "10:00", Days: []string{"Monday"}},
				{Username: "y", StartTime: "09:30", EndTime: "10:30", Days: []string{"Monday", "Friday"}},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := h.do(t, http.MethodPut, "/settings", tt.payload)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
			if h.store.saved != nil {
				t.Error("invalid settings were saved")
			}
		})
	}
}

func TestSchedulesOverlap(t *testing.T) {
	tests := []struct {
		name string
		a, b *notifier.ClassConfig
		want bool
	}{
		{
			name: "same slot same day",
			a:    &notifier.ClassConfig{StartTime: "09:00", EndTime: "10:00", Days: []string{"Monday"}},
			b:    &notifier.ClassConfig{StartTime: "09:30", EndTime: "10:30", Days: []string{"Monday"}},
			want: true,
		},
		{
			name: "same slot different day",
			a:    &notifier.ClassConfig{StartTime: "09:00", EndTime: "10:00", Days: []string{"Monday"}},
			b:    &notifier.ClassConfig{StartTime: "09:00", EndTime: "10:00", Days: []string{"Tuesday"}},
		},
		{
			name: "back to back",
			a:    &notifier.ClassConfig{StartTime: "09:00", EndTime: "09:50", Days: []string{"Monday"}},
			b:    &notifier.ClassConfig{StartTime: "10:00", EndTime: "10:50", Days: []string{"Monday"}},
		},
		{
			name: "empty day list overlaps any day",
			a:    &notifier.ClassConfig{StartTime: "09:00", EndTime: "10:00"},
			b:    &notifier.ClassConfig{StartTime: "09:00", EndTime: "10:00", Days: []string{"Friday"}},
			want: true,
		},
		{
			name: "unscheduled class never overlaps",
			a:    &notifier.ClassConfig{},
			b:    &notifier.ClassConfig{StartTime: "09:00", EndTime: "10:00"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := schedulesOverlap(tt.a, tt.b); got != tt.want {
				t.Errorf("schedulesOverlap() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDndEndpoints(t *testing.T) {
	h := newHarness(t)

	resp, body := h.do(t, http.MethodGet, "/dnd", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"active":false`) {
		t.Errorf("fresh dnd: status %d body %s", resp.StatusCode, body)
	}

	resp, _ = h.do(t, http.MethodPut, "/dnd", map[string]int{"minutes": 60})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put status = %d", resp.StatusCode)
	}
	want := time.Date(2026, 3, 2, 13, 0, 0, 0, time.UTC)
	if h.store.savedDnd == nil || !h.store.savedDnd.ActiveUntil.Equal(want) {
		t.Errorf("saved dnd = %+v, want until %v", h.store.savedDnd, want)
	}

	resp, body = h.do(t, http.MethodGet, "/dnd", nil)
	if !strings.Contains(string(body), `"active":true`) {
		t.Errorf("active dnd: status %d body %s", resp.StatusCode, body)
	}

	resp, _ = h.do(t, http.MethodDelete, "/dnd", nil)
	if resp.StatusCode != http.StatusOK || !h.store.cleared {
		t.Errorf("delete status = %d, cleared = %v", resp.StatusCode, h.store.cleared)
	}

	resp, _ = h.do(t, http.MethodPut, "/dnd", map[string]int{"minutes": 0})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("zero minutes status = %d, want 400", resp.StatusCode)
	}
}

func TestLastErrorEndpoint(t *testing.T) {
	h := newHarness(t)

	resp, body := h.do(t, http.MethodGet, "/last-error", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"error":null`) {
		t.Errorf("empty slot: status %d body %s", resp.StatusCode, body)
	}

	h.store.lastErr = &notifier.ErrorRecord{Message: "page unreachable", Context: "force_check"}
	_, body = h.do(t, http.MethodGet, "/last-error", nil)
	if !strings.Contains(string(body), "page unreachable") {
		t.Errorf("body = %s", body)
	}
}

func TestPostEvent(t *testing.T) {
	h := newHarness(t)
	h.store.settings = &notifier.Settings{Classes: []*notifier.ClassConfig{testClass("chem")}}

	resp, _ := h.do(t, http.MethodPost, "/event", map[string]string{
		"classId": "chem", "title": "What is H2O?",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(h.engine.submitted) != 1 {
		t.Fatal("event not submitted")
	}
	ev, ok := h.engine.submitted[0].(notifier.ActivityEvent)
	if !ok || ev.Title != "What is H2O?" || ev.ClassName != "Chemistry" {
		t.Errorf("event = %#v", h.engine.submitted[0])
	}
	if ev.URL != "https://pollev.com/profsmith" {
		t.Errorf("event URL = %q, want class page fallback", ev.URL)
	}
}

func TestPostEventValidation(t *testing.T) {
	h := newHarness(t)
	h.store.settings = &notifier.Settings{Classes: []*notifier.ClassConfig{testClass("chem")}}

	resp, _ := h.do(t, http.MethodPost, "/event", map[string]string{"classId": "chem"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing title status = %d, want 400", resp.StatusCode)
	}

	resp, _ = h.do(t, http.MethodPost, "/event", map[string]string{"classId": "ghost", "title": "q"})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown class status = %d, want 404", resp.StatusCode)
	}
	if len(h.engine.submitted) != 0 {
		t.Errorf("rejected events were submitted: %v", h.engine.submitted)
	}
}

func TestPostSchedule(t *testing.T) {
	h := newHarness(t)
	h.store.settings = &notifier.Settings{Classes: []*notifier.ClassConfig{testClass("chem")}}

	resp, body := h.do(t, http.MethodPost, "/schedule", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(h.engine.recomputed) != 1 || len(h.engine.recomputed[0]) != 1 {
		t.Errorf("recomputed = %v", h.engine.recomputed)
	}
	if !strings.Contains(string(body), `"classes":1`) {
		t.Errorf("body = %s", body)
	}
}

func TestForceCheck(t *testing.T) {
	h := newHarness(t)
	h.store.settings = &notifier.Settings{Classes: []*notifier.ClassConfig{testClass("chem")}}
	h.tabs.checkRes = notifier.CheckResult{Status: notifier.StatusActivePoll, Question: "What is H2O?"}

	resp, body := h.do(t, http.MethodPost, "/force-check", map[string]string{"classId": "chem"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var res notifier.CheckResult
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatal(err)
	}
	if res.Status != notifier.StatusActivePoll || res.Question != "What is H2O?" {
		t.Errorf("result = %+v", res)
	}
}

func TestForceCheckWhileLoading(t *testing.T) {
	h := newHarness(t)
	h.store.settings = &notifier.Settings{Classes: []*notifier.ClassConfig{testClass("chem")}}
	h.tabs.checkErr = watcher.ErrNotReady

	resp, body := h.do(t, http.MethodPost, "/force-check", map[string]string{"classId": "chem"})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	if !strings.Contains(string(body), "Page is loading") {
		t.Errorf("body = %s", body)
	}
	if len(h.store.recorded) != 1 || h.store.recorded[0] != "force_check" {
		t.Errorf("recorded = %v", h.store.recorded)
	}
}

func TestForceCheckUnknownClass(t *testing.T) {
	h := newHarness(t)

	resp, _ := h.do(t, http.MethodPost, "/force-check", map[string]string{"classId": "ghost"})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestTabStatus(t *testing.T) {
	h := newHarness(t)
	h.store.settings = &notifier.Settings{Classes: []*notifier.ClassConfig{testClass("chem")}}
	h.tabs.statuses = map[string]bool{"chem": true}

	resp, body := h.do(t, http.MethodGet, "/tab-status", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var got map[string]bool
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if !got["chem"] {
		t.Errorf("statuses = %v", got)
	}
}

func TestPostTest(t *testing.T) {
	h := newHarness(t)
	h.store.settings = &notifier.Settings{Classes: []*notifier.ClassConfig{testClass("chem")}}
	h.disp.pushed = true

	resp, body := h.do(t, http.MethodPost, "/test", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), `"pushed":true`) {
		t.Errorf("body = %s", body)
	}
	// No class in session at noon, so the click target falls back to the
	// first configured class.
	if h.disp.clickURL != "https://pollev.com/profsmith" {
		t.Errorf("clickURL = %q", h.disp.clickURL)
	}
}

func TestPostTestFailure(t *testing.T) {
	h := newHarness(t)
	h.disp.err = errors.New("push endpoint returned status 502")

	resp, _ := h.do(t, http.MethodPost, "/test", nil)
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/health"},
		{http.MethodDelete, "/settings"},
		{http.MethodGet, "/force-check"},
		{http.MethodPost, "/tab-status"},
	}

	for _, tt := range tests {
		resp, _ := h.do(t, tt.method, tt.path, nil)
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Errorf("%s %s status = %d, want 405", tt.method, tt.path, resp.StatusCode)
		}
	}
}
