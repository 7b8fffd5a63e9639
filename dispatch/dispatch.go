// Package dispatch fans a notify decision out to the local alert channel and
// the remote push channel. The two channels are independent: failure of one
// is recorded and never suppresses the other.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"pollev-notifier/alert"
	"pollev-notifier/pkg/notifier"
)

// Error record context tags.
const (
	contextLocalAlert = "local_alert"
	contextRemotePush = "remote_push"
)

// Presenter shows local alerts.
type Presenter interface {
	Show(ctx context.Context, a alert.Alert) error
}

// ErrorSink records dispatch failures for later inspection.
type ErrorSink interface {
	RecordError(ctx context.Context, message, errContext, classID string)
}

// Dispatcher routes notify decisions to both output channels.
type Dispatcher struct {
	presenter Presenter
	push      *PushClient
	errors    ErrorSink
	logger    *slog.Logger
}

// New creates a new dispatcher.
func New(presenter Presenter, push *PushClient, errors ErrorSink, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		presenter: presenter,
		push:      push,
		errors:    errors,
		logger:    logger,
	}
}

// PollActive announces a newly-detected poll on both channels.
func (d *Dispatcher) PollActive(ctx context.Context, ev notifier.ActivityEvent, settings *notifier.Settings) {
	d.local(ctx, ev.ClassID, alert.Alert{
		ID:         "poll-" + ev.ClassID,
		Title:      "PollEv Active!",
		Body:       ev.Title,
		ClickURL:   ev.URL,
		Persistent: true,
	})

	d.remote(ctx, settings, ev.ClassID, Push{
		Title:    "PollEv Active!",
		Priority: "high",
		Tags:     "warning,ballot_box",
		Actions:  fmt.Sprintf("view, Open Poll, %s", ev.URL),
		Body:     ev.Title,
	})
}

// StartingSoon announces an upcoming class start. Local channel only: no
// remote push on pre-class warnings.
func (d *Dispatcher) StartingSoon(ctx context.Context, cls *notifier.ClassConfig) {
	d.local(ctx, cls.ID, alert.Alert{
		ID:       "warning-" + cls.ID,
		Title:    "Class Starting Soon",
		Body:     fmt.Sprintf("%s starts in 5 minutes", cls.DisplayName()),
		ClickURL: cls.PageURL(),
	})
}

// TabClosed announces that the monitored page for an in-session class is no
// longer being watched. Keyed by class id so repeated firings during the same
// episode replace the previous alert.
func (d *Dispatcher) TabClosed(ctx context.Context, cls *notifier.ClassConfig, settings *notifier.Settings) {
	d.local(ctx, cls.ID, alert.Alert{
		ID:         "tab-closed-" + cls.ID,
		Title:      "PollEv Tab Closed",
		Body:       fmt.Sprintf("Keep %s open during class! Click to reopen.", cls.DisplayName()),
		ClickURL:   cls.PageURL(),
		Persistent: true,
	})

	d.remote(ctx, settings, cls.ID, Push{
		Title:    "PollEv Tab Closed",
		Priority: "high",
		Tags:     "warning,x",
		Actions:  fmt.Sprintf("view, Reopen Tab, %s", cls.PageURL()),
		Body:     fmt.Sprintf("Keep %s open during class time!", cls.DisplayName()),
	})
}

// Test fires a test notification on both channels and reports whether the
// push leg was attempted.
func (d *Dispatcher) Test(ctx context.Context, settings *notifier.Settings, clickURL string) (pushed bool, err error) {
	if localErr := d.presenter.Show(ctx, alert.Alert{
		ID:       "test",
		Title:    "Test Notification",
		Body:     "This is a test poll notification!",
		ClickURL: clickURL,
	}); localErr != nil {
		d.errors.RecordError(ctx, localErr.Error(), contextLocalAlert, "")
		err = fmt.Errorf("local alert: %w", localErr)
	}

	if !settings.NtfyEnabled || settings.NtfyTopic == "" {
		return false, err
	}

	if pushErr := d.push.Send(ctx, settings.NtfyTopic, Push{
		Title:    "Test Notification",
		Priority: "high",
		Tags:     "white_check_mark",
		Body:     "This is a test from PollEv Notifier!",
	}); pushErr != nil {
		d.errors.RecordError(ctx, pushErr.Error(), contextRemotePush, "")
		return true, fmt.Errorf("remote push: %w", pushErr)
	}
	return true, err
}

func (d *Dispatcher) local(ctx context.Context, classID string, a alert.Alert) {
	if err := d.presenter.Show(ctx, a); err != nil {
		d.logger.Warn("Local alert failed", "alert_id", a.ID, "error", err)
		d.errors.RecordError(ctx, err.Error(), contextLocalAlert, classID)
	}
}

func (d *Dispatcher) remote(ctx context.Context, settings *notifier.Settings, classID string, p Push) {
	if !settings.NtfyEnabled || settings.NtfyTopic == "" {
		d.logger.Debug("Remote push not configured, skipping")
		return
	}
	if err := d.push.Send(ctx, settings.NtfyTopic, p); err != nil {
		d.logger.Warn("Remote push failed", "error", err)
		d.errors.RecordError(ctx, fmt.Sprintf("Failed to send phone notification: %v", err), contextRemotePush, classID)
	}
}
