package ics

import (
	"time"

	"github.com/teambition/rrule-go"

	appLog "epdagenda/internal/log"
	"epdagenda/internal/model"
)

// maxInstancesPerEvent bounds the expansion of a single recurring event
// inside one window.
const maxInstancesPerEvent = 500

// Window is the half-open interval [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// DayWindow returns the calendar day containing now, in now's location.
func DayWindow(now time.Time) Window {
	y, m, d := now.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	return Window{Start: start, End: start.AddDate(0, 0, 1)}
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// overlaps treats zero-length spans as instants.
func (w Window) overlaps(start, end time.Time) bool {
	if !end.After(start) {
		return w.Contains(start)
	}
	return start.Before(w.End) && end.After(w.Start)
}

// Expand returns every occurrence of events that overlaps w, converted to
// loc. Overrides (RECURRENCE-ID) replace the instance they name, even when
// they move it into or out of the window.
func Expand(events []Event, w Window, loc *time.Location) []model.Occurrence {
	if loc == nil {
		loc = time.Local
	}

	overrides := make(map[string]map[int64]Event)
	for _, ev := range events {
		if !ev.IsOverride() {
			continue
		}
		byTime := overrides[ev.UID]
		if byTime == nil {
			byTime = make(map[int64]Event)
			overrides[ev.UID] = byTime
		}
		byTime[ev.RecurrenceID.Unix()] = ev
	}

	var out []model.Occurrence
	for _, ev := range events {
		if ev.IsOverride() {
			continue
		}
		for _, start := range instances(ev, w) {
			inst := ev
			inst.Start = start
			inst.End = start.Add(ev.End.Sub(ev.Start))
			if o, ok := overrides[ev.UID][start.Unix()]; ok {
				inst = o
				delete(overrides[ev.UID], start.Unix())
			}
			if w.overlaps(inst.Start, inst.End) {
				out = append(out, occurrence(inst, loc))
			}
		}
	}

	// Overrides whose original slot was outside the window may have been
	// moved into it.
	for _, byTime := range overrides {
		for _, o := range byTime {
			if w.overlaps(o.Start, o.End) {
				out = append(out, occurrence(o, loc))
			}
		}
	}
	return out
}

// instances lists the start times of ev that may overlap w.
func instances(ev Event, w Window) []time.Time {
	if ev.RRule == "" {
		return []time.Time{ev.Start}
	}

	r, err := rrule.StrToRRule(ev.RRule)
	if err != nil {
		appLog.Warn("bad RRULE; showing first instance only", "uid", ev.UID, "rrule", ev.RRule, "err", err.Error())
		return []time.Time{ev.Start}
	}
	r.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	// Instances that began before the window but are still running count.
	from := w.Start.Add(-ev.End.Sub(ev.Start)).In(ev.Start.Location())
	to := w.End.In(ev.Start.Location())
	starts := set.Between(from, to, true)
	if len(starts) > maxInstancesPerEvent {
		appLog.Warn("recurrence truncated", "uid", ev.UID, "instances", len(starts))
		starts = starts[:maxInstancesPerEvent]
	}
	return starts
}

func occurrence(ev Event, loc *time.Location) model.Occurrence {
	start := ev.Start.In(loc)
	return model.Occurrence{
		SourceID:    ev.SourceID,
		UID:         ev.UID,
		InstanceKey: start.Format(time.RFC3339),
		Summary:     ev.Summary,
		Location:    ev.Location,
		AllDay:      ev.AllDay,
		Start:       start,
		End:         ev.End.In(loc),
	}
}
