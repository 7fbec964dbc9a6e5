package model

import (
	"sort"
	"time"
)

// ItemKind distinguishes calendar events from tasks.
type ItemKind string

const (
	KindEvent ItemKind = "event"
	KindTask  ItemKind = "task"
)

// DisplayItem is one line of the agenda. Items are built by a data provider
// for a single render cycle and never mutated afterwards.
type DisplayItem struct {
	Title string
	Kind  ItemKind

	// Start is the zero time when the item has no time of day
	// (untimed tasks). Events always carry one.
	Start  time.Time
	AllDay bool

	Location string
	SourceID string
}

// HasStart reports whether the item carries a time of day worth printing.
func (it DisplayItem) HasStart() bool {
	return !it.Start.IsZero() && !it.AllDay
}

// Occurrence represents a single concrete instance of an event
// (after recurrence expansion and timezone normalization).
type Occurrence struct {
	SourceID string // calendar source ID
	UID      string // iCalendar UID

	// InstanceKey uniquely identifies a single occurrence of a recurring
	// event, typically derived from the local start time.
	InstanceKey string

	Summary  string
	Location string

	AllDay bool

	// Start / End are in the configured display timezone.
	Start time.Time
	End   time.Time
}

// SortItems orders items the way the agenda shows them: all-day entries
// first, then timed entries by start, then untimed tasks. The sort is stable
// so provider order breaks ties.
func SortItems(items []DisplayItem) {
	rank := func(it DisplayItem) int {
		switch {
		case it.AllDay:
			return 0
		case !it.Start.IsZero():
			return 1
		default:
			return 2
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		ri, rj := rank(items[i]), rank(items[j])
		if ri != rj {
			return ri < rj
		}
		if ri == 1 {
			return items[i].Start.Before(items[j].Start)
		}
		return false
	})
}
