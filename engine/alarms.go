package engine

import (
	"time"

	"pollev-notifier/pkg/notifier"
)

// warningLead is how far ahead of class start the pre-class warning fires.
const warningLead = 5

// Recompute clears every class-start and pre-class-warning trigger and
// re-creates the full set from the given classes. Clearing-then-recreating,
// rather than patching individual entries, keeps stale triggers from
// outliving deleted or edited classes.
func (e *Engine) Recompute(classes []*notifier.ClassConfig) {
	e.timersMu.Lock()
	defer e.timersMu.Unlock()

	for name, stop := range e.timers {
		stop()
		delete(e.timers, name)
	}

	for _, cls := range classes {
		if cls.StartTime == "" {
			continue
		}
		start, err := notifier.ParseMinutes(cls.StartTime)
		if err != nil {
			// One bad class must not block scheduling of the others.
			e.logger.Warn("Skipping alarms for class with bad start time",
				"class_id", cls.ID, "start_time", cls.StartTime, "error", err)
			continue
		}

		now := e.clock.Now()
		startAt := nextFiring(now, start)
		warnAt := nextFiring(now, start-warningLead)

		e.armLocked("classStart-"+cls.ID, notifier.AlarmFired{Kind: notifier.AlarmClassStart, ClassID: cls.ID}, startAt)
		e.armLocked("classWarning-"+cls.ID, notifier.AlarmFired{Kind: notifier.AlarmWarning, ClassID: cls.ID}, warnAt)

		e.logger.Info("Class alarms scheduled",
			"class_id", cls.ID,
			"class_start", startAt.Format(time.RFC3339),
			"warning", warnAt.Format(time.RFC3339))
	}
}

// armLocked registers a daily-repeating trigger. Called with timersMu held.
// The timer re-arms itself for the next day after each firing, unless a
// recompute cleared it in the meantime.
func (e *Engine) armLocked(name string, ev notifier.AlarmFired, at time.Time) {
	e.timers[name] = e.clock.AfterFunc(at.Sub(e.clock.Now()), func() {
		e.submit(ev)
		e.timersMu.Lock()
		if _, ok := e.timers[name]; ok {
			e.armLocked(name, ev, at.AddDate(0, 0, 1))
		}
		e.timersMu.Unlock()
	})
}

// nextFiring computes the next absolute instant for a daily trigger at the
// given minute of day: today if still in the future, else tomorrow. The
// minute may be negative (a warning lead crossing midnight); time.Date
// normalizes it.
func nextFiring(now time.Time, minuteOfDay int) time.Time {
	t := time.Date(now.Year(), now.Month(), now.Day(), 0, minuteOfDay, 0, 0, now.Location())
	if !t.After(now) {
		t = t.AddDate(0, 0, 1)
	}
	return t
}
