package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "epdagenda/internal/log"
)

// Event is a VEVENT before recurrence expansion.
type Event struct {
	SourceID string
	UID      string
	Summary  string
	Location string

	Start  time.Time
	End    time.Time
	AllDay bool

	RRule   string
	ExDates []time.Time

	// RecurrenceID is set on overrides of a single recurring instance.
	RecurrenceID time.Time
}

func (e Event) IsOverride() bool { return !e.RecurrenceID.IsZero() }

// Task is a VTODO.
type Task struct {
	SourceID string
	UID      string
	Summary  string
	Location string

	Due time.Time
	// DueHasTime is false for date-only DUE values.
	DueHasTime bool
	Completed  bool
}

// Calendar holds the components of one feed that the agenda cares about.
type Calendar struct {
	Events []Event
	Tasks  []Task
}

// Parse reads one feed. Floating times and all-day dates are interpreted in
// loc. Components that cannot be read are logged and skipped.
func Parse(src Source, body []byte, loc *time.Location) (Calendar, error) {
	var out Calendar
	if len(bytes.TrimSpace(body)) == 0 {
		return out, errors.New("empty calendar")
	}
	if loc == nil {
		loc = time.Local
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return out, fmt.Errorf("parse calendar: %w", err)
	}

	for _, comp := range cal.Components {
		switch c := comp.(type) {
		case *ical.VEvent:
			ev, err := parseEvent(src, c, loc)
			if err != nil {
				appLog.Warn("skipping event", "source", src.ID, "err", err.Error())
				continue
			}
			out.Events = append(out.Events, ev)
		case *ical.VTodo:
			t, err := parseTask(src, c, loc)
			if err != nil {
				appLog.Warn("skipping task", "source", src.ID, "err", err.Error())
				continue
			}
			out.Tasks = append(out.Tasks, t)
		}
	}

	appLog.Debug("calendar parsed", "source", src.ID, "events", len(out.Events), "tasks", len(out.Tasks))
	return out, nil
}

func parseEvent(src Source, ve *ical.VEvent, loc *time.Location) (Event, error) {
	ev := Event{SourceID: src.ID}

	ev.UID = propValue(ve.GetProperty(ical.ComponentPropertyUniqueId))
	if ev.UID == "" {
		return ev, errors.New("event without UID")
	}
	ev.Summary = propValue(ve.GetProperty(ical.ComponentPropertySummary))
	ev.Location = propValue(ve.GetProperty(ical.ComponentPropertyLocation))

	start, dateOnly, err := parseTimeProp(ve.GetProperty(ical.ComponentPropertyDtStart), loc)
	if err != nil {
		return ev, fmt.Errorf("event %s: DTSTART: %w", ev.UID, err)
	}
	ev.Start = start
	ev.AllDay = dateOnly

	end, _, err := parseTimeProp(ve.GetProperty(ical.ComponentPropertyDtEnd), loc)
	switch {
	case err == nil && end.After(start):
		ev.End = end
	case ev.AllDay:
		ev.End = start.AddDate(0, 0, 1)
	default:
		ev.End = start
	}

	ev.RRule = propValue(ve.GetProperty(ical.ComponentPropertyRrule))

	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			t, _, err := parseTimeValue(part, p.ICalParameters, loc)
			if err != nil {
				continue
			}
			ev.ExDates = append(ev.ExDates, t)
		}
	}

	if rid := ve.GetProperty("RECURRENCE-ID"); rid != nil {
		if t, _, err := parseTimeProp(rid, loc); err == nil {
			ev.RecurrenceID = t
		}
	}
	return ev, nil
}

func parseTask(src Source, vt *ical.VTodo, loc *time.Location) (Task, error) {
	t := Task{SourceID: src.ID}
	t.UID = propValue(vt.GetProperty(ical.ComponentPropertyUniqueId))
	t.Summary = propValue(vt.GetProperty(ical.ComponentPropertySummary))
	t.Location = propValue(vt.GetProperty(ical.ComponentPropertyLocation))

	status := strings.ToUpper(propValue(vt.GetProperty("STATUS")))
	t.Completed = status == "COMPLETED" || status == "CANCELLED" ||
		vt.GetProperty("COMPLETED") != nil ||
		propValue(vt.GetProperty("PERCENT-COMPLETE")) == "100"

	if p := vt.GetProperty("DUE"); p != nil {
		due, dateOnly, err := parseTimeProp(p, loc)
		if err != nil {
			return t, fmt.Errorf("task %s: DUE: %w", t.UID, err)
		}
		t.Due = due
		t.DueHasTime = !dateOnly
	}
	return t, nil
}

func propValue(p *ical.IANAProperty) string {
	if p == nil {
		return ""
	}
	return strings.TrimSpace(p.Value)
}

func parseTimeProp(p *ical.IANAProperty, loc *time.Location) (time.Time, bool, error) {
	if p == nil {
		return time.Time{}, false, errors.New("missing")
	}
	return parseTimeValue(p.Value, p.ICalParameters, loc)
}

// parseTimeValue handles DATE, UTC DATE-TIME, DATE-TIME with TZID and
// floating DATE-TIME. The bool reports a date-only value.
func parseTimeValue(v string, params map[string][]string, loc *time.Location) (time.Time, bool, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false, errors.New("empty time value")
	}

	if len(v) == len("20060102") || hasParam(params, "VALUE", "DATE") {
		t, err := time.ParseInLocation("20060102", v[:min(len(v), 8)], loc)
		return t, true, err
	}
	if strings.HasSuffix(v, "Z") {
		t, err := time.Parse("20060102T150405Z", v)
		return t, false, err
	}

	zone := loc
	if tzids := params["TZID"]; len(tzids) > 0 && tzids[0] != "" {
		if l, err := time.LoadLocation(tzids[0]); err == nil {
			zone = l
		} else {
			appLog.Debug("unknown TZID; using display zone", "tzid", tzids[0])
		}
	}
	t, err := time.ParseInLocation("20060102T150405", v, zone)
	return t, false, err
}

func hasParam(params map[string][]string, key, want string) bool {
	for _, v := range params[key] {
		if strings.EqualFold(v, want) {
			return true
		}
	}
	return false
}
