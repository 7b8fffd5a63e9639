package engine

import (
	"time"

	"pollev-notifier/pkg/notifier"
)

// InSession reports whether the instant falls inside a class's active
// weekday/time/date window. A class without a schedule is never in session.
// An empty day set means every day is eligible; both time bounds are
// inclusive; the end date is inclusive through 23:59:59.
func InSession(cls *notifier.ClassConfig, now time.Time) bool {
	if cls.StartTime == "" || cls.EndTime == "" {
		return false
	}

	if classEnded(cls, now) {
		return false
	}

	if !classDay(cls, now) {
		return false
	}

	start, err := notifier.ParseMinutes(cls.StartTime)
	if err != nil {
		return false
	}
	end, err := notifier.ParseMinutes(cls.EndTime)
	if err != nil {
		return false
	}

	current := now.Hour()*60 + now.Minute()
	return current >= start && current <= end
}

// classEnded reports whether the class's end date has passed, inclusive
// through 23:59:59 of that date. An unparseable date never ends the class.
func classEnded(cls *notifier.ClassConfig, now time.Time) bool {
	if cls.EndDate == "" {
		return false
	}
	end, err := time.ParseInLocation("2006-01-02", cls.EndDate, now.Location())
	if err != nil {
		return false
	}
	return now.After(end.Add(24*time.Hour - time.Second))
}

// classDay reports whether today is one of the class's eligible weekdays.
// An empty day set does not constrain by day.
func classDay(cls *notifier.ClassConfig, now time.Time) bool {
	if len(cls.Days) == 0 {
		return true
	}
	today := notifier.DayNames[now.Weekday()]
	for _, day := range cls.Days {
		if day == today {
			return true
		}
	}
	return false
}

// ActiveClass returns the first class in stored order that is currently in
// session, or nil. First match wins: with overlapping schedules the stored
// order is an implicit priority, a known limitation rather than a guarantee.
func ActiveClass(classes []*notifier.ClassConfig, now time.Time) *notifier.ClassConfig {
	for _, cls := range classes {
		if InSession(cls, now) {
			return cls
		}
	}
	return nil
}

// ClickTarget resolves where a notification without a specific page should
// route: the active class's page, falling back to the first configured class.
func ClickTarget(settings *notifier.Settings, now time.Time) string {
	if cls := ActiveClass(settings.Classes, now); cls != nil {
		return cls.PageURL()
	}
	if len(settings.Classes) > 0 {
		return settings.Classes[0].PageURL()
	}
	return ""
}
