// Package notifier contains the core domain types for the PollEv notification service.
package notifier

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// BaseURL is the PollEverywhere presenter page root.
const BaseURL = "https://pollev.com"

var usernameRegex = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// DayNames are the weekday names as stored in class configuration, indexed by
// time.Weekday.
var DayNames = []string{"Sunday", "Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday"}

// ClassConfig represents one monitored course with its schedule.
type ClassConfig struct {
	ID        string   `json:"id"`
	Name      string   `json:"name,omitempty"`           // Optional display name
	Username  string   `json:"pollEvUsername"`           // Presenter handle, forms the page URL
	StartTime string   `json:"classStartTime,omitempty"` // "HH:MM" wall clock
	EndTime   string   `json:"classEndTime,omitempty"`   // "HH:MM" wall clock
	EndDate   string   `json:"classEndDate,omitempty"`   // "YYYY-MM-DD", inclusive
	Days      []string `json:"classDays,omitempty"`      // Empty = every day

	// Nil means enabled (records written before the mute switch existed).
	NotificationsEnabled *bool `json:"notificationsEnabled,omitempty"`
}

// DisplayName returns the human label for the class, falling back to the username.
func (c *ClassConfig) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.Username
}

// PageURL returns the monitored page URL for the class.
func (c *ClassConfig) PageURL() string {
	return BaseURL + "/" + c.Username
}

// Muted reports whether per-class notifications are switched off.
func (c *ClassConfig) Muted() bool {
	return c.NotificationsEnabled != nil && !*c.NotificationsEnabled
}

// Validate checks the fields a class must have before it can be monitored.
func (c *ClassConfig) Validate() error {
	if !usernameRegex.MatchString(c.Username) {
		return fmt.Errorf("invalid username %q", c.Username)
	}
	if (c.StartTime == "") != (c.EndTime == "") {
		return errors.New("start and end time must be set together")
	}
	if c.StartTime != "" {
		start, err := ParseMinutes(c.StartTime)
		if err != nil {
			return fmt.Errorf("start time: %w", err)
		}
		end, err := ParseMinutes(c.EndTime)
		if err != nil {
			return fmt.Errorf("end time: %w", err)
		}
		if start >= end {
			return errors.New("end time must be after start time")
		}
	}
	if c.EndDate != "" {
		if _, err := time.Parse("2006-01-02", c.EndDate); err != nil {
			return fmt.Errorf("end date: %w", err)
		}
	}
	for _, day := range c.Days {
		if !validDay(day) {
			return fmt.Errorf("unknown day %q", day)
		}
	}
	return nil
}

func validDay(day string) bool {
	for _, d := range DayNames {
		if d == day {
			return true
		}
	}
	return false
}

// ParseMinutes converts an "HH:MM" wall-clock string to a minute of day (0-1439).
func ParseMinutes(hhmm string) (int, error) {
	h, m, ok := strings.Cut(hhmm, ":")
	if !ok {
		return 0, fmt.Errorf("malformed time %q", hhmm)
	}
	hour, err := strconv.Atoi(h)
	if err != nil {
		return 0, fmt.Errorf("malformed time %q", hhmm)
	}
	minute, err := strconv.Atoi(m)
	if err != nil {
		return 0, fmt.Errorf("malformed time %q", hhmm)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("time %q out of range", hhmm)
	}
	return hour*60 + minute, nil
}

// Settings is the synchronized configuration record: the class list plus the
// remote push destination. Replaced as a whole on every change.
type Settings struct {
	Classes     []*ClassConfig `json:"classes"`
	NtfyEnabled bool           `json:"ntfyEnabled"`
	NtfyTopic   string         `json:"ntfyTopic,omitempty"`
}

// ClassByID returns the class with the given id, or nil if it was deleted.
func (s *Settings) ClassByID(id string) *ClassConfig {
	for _, cls := range s.Classes {
		if cls.ID == id {
			return cls
		}
	}
	return nil
}

// DndState is the global do-not-disturb record. While now < ActiveUntil every
// notification gate is closed.
type DndState struct {
	ActiveUntil time.Time `json:"dndUntil"`
}

// Active reports whether the suppression window covers the given instant.
func (d *DndState) Active(now time.Time) bool {
	return d != nil && now.Before(d.ActiveUntil)
}

// ErrorRecord is the most-recent-failure slot surfaced to the user. A single
// slot, overwritten on each failure, discarded after 24 hours.
type ErrorRecord struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Context   string    `json:"context"`
	ClassID   string    `json:"classId,omitempty"`
}

// Expired reports whether the record is older than its 24 hour retention.
func (r *ErrorRecord) Expired(now time.Time) bool {
	return now.Sub(r.Timestamp) > 24*time.Hour
}

// Event is a message consumed by the eligibility engine's event loop.
type Event interface{ isEvent() }

func (ActivityEvent) isEvent()  {}
func (WatcherStopped) isEvent() {}
func (AlarmFired) isEvent()     {}

// ActivityEvent signals that a new interactive poll prompt appeared on a
// monitored page. Sent by a watcher, gated by the engine.
type ActivityEvent struct {
	Title     string `json:"title"`
	URL       string `json:"url"`
	ClassID   string `json:"classId"`
	ClassName string `json:"className"`
}

// WatcherStopped signals that the watcher for a class terminated. The engine
// raises a tab-closed alert if that class is in session.
type WatcherStopped struct {
	ClassID string `json:"classId"`
}

// AlarmKind distinguishes the two schedule-driven triggers.
type AlarmKind string

const (
	AlarmClassStart AlarmKind = "classStart"
	AlarmWarning    AlarmKind = "classWarning"
)

// AlarmFired signals that a schedule trigger for a class went off.
type AlarmFired struct {
	Kind    AlarmKind `json:"kind"`
	ClassID string    `json:"classId"`
}

// CheckStatus is the result discriminant of an on-demand page check.
type CheckStatus string

const (
	StatusWaiting    CheckStatus = "waiting"
	StatusNoContent  CheckStatus = "no_content"
	StatusOldPoll    CheckStatus = "old_poll"
	StatusActivePoll CheckStatus = "active_poll"
	StatusOpenedTab  CheckStatus = "opened_tab"
	StatusError      CheckStatus = "error"
)

// CheckResult is the response to a force-check request.
type CheckResult struct {
	Status   CheckStatus `json:"status"`
	Question string      `json:"question,omitempty"`
	Message  string      `json:"message,omitempty"`
}
