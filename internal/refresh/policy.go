// Package refresh decides how each frame reaches the panel and runs the
// render loop.
//
// Partial refreshes are fast but leave ghosting behind; full refreshes
// clear it but flash the whole panel. The policy bounds the number of
// consecutive partial refreshes and forces a full one on the first write
// and on every new calendar day.
package refresh

import (
	"context"
	"time"

	"epdagenda/internal/bitmap"
)

// Kind is the refresh chosen for a frame.
type Kind int

const (
	// None means the frame matched the last one written; nothing is sent.
	None Kind = iota
	Partial
	Full
)

func (k Kind) String() string {
	switch k {
	case Partial:
		return "partial"
	case Full:
		return "full"
	default:
		return "none"
	}
}

// Phase is the scheduler lifecycle. It only ever moves Initial → Steady.
type Phase int

const (
	Initial Phase = iota
	Steady
)

func (p Phase) String() string {
	if p == Steady {
		return "steady"
	}
	return "initial"
}

// State is the refresh bookkeeping carried from one write to the next. It
// lives for the process only.
type State struct {
	Phase             Phase
	LastFullRefreshAt time.Time
	PartialCount      int
	LastSignature     bitmap.Signature
	HasSignature      bool
}

// Policy tunes the decision.
type Policy struct {
	// MaxPartialRefreshes is how many partial refreshes may follow a full
	// one before the next write is forced to be full.
	MaxPartialRefreshes int
}

const DefaultMaxPartialRefreshes = 10

// Input describes the frame being considered.
type Input struct {
	Signature bitmap.Signature
	Now       time.Time
	// Force writes even when the frame is unchanged.
	Force bool
	// ForceFull additionally requires a full refresh.
	ForceFull bool
}

// Decide is the pure refresh decision.
func Decide(st State, in Input, p Policy) Kind {
	limit := p.MaxPartialRefreshes
	if limit <= 0 {
		limit = DefaultMaxPartialRefreshes
	}

	forced := in.Force || in.ForceFull
	if !forced && st.HasSignature && st.LastSignature == in.Signature {
		return None
	}

	switch {
	case st.Phase == Initial,
		in.ForceFull,
		st.PartialCount >= limit,
		!sameDay(st.LastFullRefreshAt, in.Now):
		return Full
	default:
		return Partial
	}
}

// Apply returns the state after a successful write of kind.
func Apply(st State, kind Kind, in Input) State {
	switch kind {
	case Full:
		st.Phase = Steady
		st.LastFullRefreshAt = in.Now
		st.PartialCount = 0
	case Partial:
		st.PartialCount++
	default:
		return st
	}
	st.LastSignature = in.Signature
	st.HasSignature = true
	return st
}

// sameDay compares calendar days in now's location.
func sameDay(last, now time.Time) bool {
	if last.IsZero() {
		return false
	}
	l := last.In(now.Location())
	ly, lm, ld := l.Date()
	ny, nm, nd := now.Date()
	return ly == ny && lm == nm && ld == nd
}

// Sink is the display. Both writes block until the panel is done; errors
// are *model.HardwareError.
type Sink interface {
	FullRefresh(ctx context.Context, frame *bitmap.Bitmap) error
	PartialRefresh(ctx context.Context, frame *bitmap.Bitmap) error
}

// Step decides and performs one write. On a sink error the input state is
// returned unchanged so the next tick retries with the same decision inputs.
func Step(ctx context.Context, st State, frame *bitmap.Bitmap, in Input, p Policy, sink Sink) (State, Kind, error) {
	in.Signature = frame.Signature()
	kind := Decide(st, in, p)

	var err error
	switch kind {
	case None:
		return st, None, nil
	case Full:
		err = sink.FullRefresh(ctx, frame)
	case Partial:
		err = sink.PartialRefresh(ctx, frame)
	}
	if err != nil {
		return st, kind, err
	}
	return Apply(st, kind, in), kind, nil
}
