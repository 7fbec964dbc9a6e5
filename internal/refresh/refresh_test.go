package refresh

import (
	"context"
	"errors"
	"testing"
	"time"

	"epdagenda/internal/bitmap"
	"epdagenda/internal/model"
	"epdagenda/internal/pagination"
)

type recordingSink struct {
	writes []Kind
	err    error
	onDraw func()
}

func (s *recordingSink) FullRefresh(_ context.Context, _ *bitmap.Bitmap) error {
	return s.record(Full)
}

func (s *recordingSink) PartialRefresh(_ context.Context, _ *bitmap.Bitmap) error {
	return s.record(Partial)
}

func (s *recordingSink) record(k Kind) error {
	if s.onDraw != nil {
		s.onDraw()
	}
	if s.err != nil {
		return s.err
	}
	s.writes = append(s.writes, k)
	return nil
}

// frameN returns a distinct frame for every n.
func frameN(n int) *bitmap.Bitmap {
	b := bitmap.New(16, 16)
	b.SetInk(n%16, n/16, true)
	return b
}

func TestDecide(t *testing.T) {
	now := time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)
	sig := frameN(1).Signature()
	other := frameN(2).Signature()
	steady := State{Phase: Steady, LastFullRefreshAt: now.Add(-time.Hour), PartialCount: 2, LastSignature: sig, HasSignature: true}
	p := Policy{MaxPartialRefreshes: 5}

	tests := []struct {
		name string
		st   State
		in   Input
		want Kind
	}{
		{"initial", State{}, Input{Signature: sig, Now: now}, Full},
		{"unchanged", steady, Input{Signature: sig, Now: now}, None},
		{"changed", steady, Input{Signature: other, Now: now}, Partial},
		{"forced unchanged", steady, Input{Signature: sig, Now: now, Force: true}, Partial},
		{"forced full", steady, Input{Signature: sig, Now: now, ForceFull: true}, Full},
		{"budget spent", State{Phase: Steady, LastFullRefreshAt: now, PartialCount: 5, LastSignature: sig, HasSignature: true}, Input{Signature: other, Now: now}, Full},
		{"new day", State{Phase: Steady, LastFullRefreshAt: now.Add(-24 * time.Hour), PartialCount: 1, LastSignature: sig, HasSignature: true}, Input{Signature: other, Now: now}, Full},
		{"new day unchanged", State{Phase: Steady, LastFullRefreshAt: now.Add(-24 * time.Hour), LastSignature: sig, HasSignature: true}, Input{Signature: sig, Now: now}, None},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Decide(tt.st, tt.in, p); got != tt.want {
				t.Fatalf("Decide() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPartialBudget(t *testing.T) {
	now := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)
	p := Policy{MaxPartialRefreshes: 5}
	sink := &recordingSink{}
	var st State

	st, kind, err := Step(context.Background(), st, frameN(0), Input{Now: now}, p, sink)
	if err != nil || kind != Full {
		t.Fatalf("first write = %v, %v; want full", kind, err)
	}
	for i := 1; i <= 5; i++ {
		now = now.Add(time.Minute)
		st, kind, err = Step(context.Background(), st, frameN(i), Input{Now: now}, p, sink)
		if err != nil || kind != Partial {
			t.Fatalf("write %d = %v, %v; want partial", i, kind, err)
		}
		if st.PartialCount != i {
			t.Fatalf("PartialCount = %d, want %d", st.PartialCount, i)
		}
	}
	now = now.Add(time.Minute)
	st, kind, err = Step(context.Background(), st, frameN(6), Input{Now: now}, p, sink)
	if err != nil || kind != Full {
		t.Fatalf("sixth write = %v, %v; want full", kind, err)
	}
	if st.PartialCount != 0 || !st.LastFullRefreshAt.Equal(now) {
		t.Fatalf("state after full = %+v", st)
	}
	if len(sink.writes) != 7 {
		t.Fatalf("sink saw %d writes, want 7", len(sink.writes))
	}
}

func TestIdenticalFrameSkipped(t *testing.T) {
	now := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)
	sink := &recordingSink{}
	st, _, _ := Step(context.Background(), State{}, frameN(3), Input{Now: now}, Policy{}, sink)

	next, kind, err := Step(context.Background(), st, frameN(3), Input{Now: now.Add(time.Minute)}, Policy{}, sink)
	if err != nil || kind != None {
		t.Fatalf("repeat write = %v, %v; want none", kind, err)
	}
	if next != st {
		t.Fatal("state changed on skipped write")
	}
	if len(sink.writes) != 1 {
		t.Fatalf("sink saw %d writes, want 1", len(sink.writes))
	}
}

func TestSinkFailureKeepsState(t *testing.T) {
	now := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)
	sink := &recordingSink{}
	st, _, _ := Step(context.Background(), State{}, frameN(1), Input{Now: now}, Policy{}, sink)

	sink.err = &model.HardwareError{Op: "partial", Err: errors.New("spi timeout")}
	next, kind, err := Step(context.Background(), st, frameN(2), Input{Now: now.Add(time.Minute)}, Policy{}, sink)
	var hw *model.HardwareError
	if !errors.As(err, &hw) {
		t.Fatalf("err = %v, want HardwareError", err)
	}
	if kind != Partial {
		t.Fatalf("kind = %v, want partial", kind)
	}
	if next != st {
		t.Fatalf("state changed after failure: %+v", next)
	}

	// The retry reaches the same decision.
	sink.err = nil
	_, kind, err = Step(context.Background(), next, frameN(2), Input{Now: now.Add(2 * time.Minute)}, Policy{}, sink)
	if err != nil || kind != Partial {
		t.Fatalf("retry = %v, %v; want partial", kind, err)
	}
}

func TestDayChangeForcesFull(t *testing.T) {
	loc := time.FixedZone("KST", 9*3600)
	evening := time.Date(2026, 10, 19, 23, 59, 0, 0, loc)
	sink := &recordingSink{}
	st, _, _ := Step(context.Background(), State{}, frameN(1), Input{Now: evening}, Policy{}, sink)

	_, kind, _ := Step(context.Background(), st, frameN(2), Input{Now: evening.Add(2 * time.Minute)}, Policy{}, sink)
	if kind != Full {
		t.Fatalf("first write of the day = %v, want full", kind)
	}
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time                       { return c.now }
func (c *fakeClock) After(time.Duration) <-chan time.Time { return nil }
func (c *fakeClock) advance(d time.Duration)              { c.now = c.now.Add(d) }

type stubItems struct {
	items []model.DisplayItem
	err   error
	calls int
}

func (s *stubItems) FetchItems(context.Context, time.Time) ([]model.DisplayItem, error) {
	s.calls++
	return s.items, s.err
}

type stubIllustrations struct{ calls int }

func (s *stubIllustrations) Get(context.Context, time.Time) (*bitmap.Bitmap, bool) {
	s.calls++
	return bitmap.New(4, 4), true
}

// pageComposer draws the page index and item count so every page yields a
// different frame.
type pageComposer struct{ lastIllus bool }

func (c *pageComposer) Compose(page pagination.Page, illus *bitmap.Bitmap, _ time.Time) *bitmap.Bitmap {
	c.lastIllus = illus != nil
	b := bitmap.New(16, 16)
	b.SetInk(page.Index, 0, true)
	b.SetInk(len(page.Items), 1, true)
	if illus != nil {
		b.SetInk(15, 15, true)
	}
	return b
}

func makeItems(n int) []model.DisplayItem {
	items := make([]model.DisplayItem, n)
	for i := range items {
		items[i] = model.DisplayItem{Title: "item", Kind: model.KindEvent}
	}
	return items
}

func newTestScheduler(clock *fakeClock, items ItemSource, sink Sink, illus Illustrations) (*Scheduler, *pageComposer) {
	comp := &pageComposer{}
	s := New(Deps{
		Clock:         clock,
		Items:         items,
		Pages:         pagination.New(3),
		Illustrations: illus,
		Composer:      comp,
		Sink:          sink,
	}, Options{
		TickInterval:     time.Minute,
		RotationInterval: time.Minute,
		FetchInterval:    10 * time.Minute,
		Location:         time.UTC,
		Policy:           Policy{MaxPartialRefreshes: 10},
	})
	return s, comp
}

func TestSchedulerRotatesPages(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)}
	src := &stubItems{items: makeItems(7)}
	sink := &recordingSink{}
	s, _ := newTestScheduler(clock, src, sink, nil)

	wantPages := []int{0, 1, 2, 0}
	wantKinds := []Kind{Full, Partial, Partial, Partial}
	for i := range wantPages {
		kind, err := s.Tick(context.Background())
		if err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
		snap := s.Snapshot()
		if snap.PageIndex != wantPages[i] || snap.PageCount != 3 {
			t.Fatalf("tick %d page = %d/%d, want %d/3", i, snap.PageIndex, snap.PageCount, wantPages[i])
		}
		if kind != wantKinds[i] {
			t.Fatalf("tick %d kind = %v, want %v", i, kind, wantKinds[i])
		}
		clock.advance(time.Minute)
	}
	if src.calls != 1 {
		t.Fatalf("provider called %d times within fetch interval, want 1", src.calls)
	}
}

func TestSchedulerProviderErrorShowsIllustration(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)}
	src := &stubItems{err: &model.ProviderError{Source: "work", Err: errors.New("dial tcp: timeout")}}
	illus := &stubIllustrations{}
	sink := &recordingSink{}
	s, comp := newTestScheduler(clock, src, sink, illus)

	kind, err := s.Tick(context.Background())
	if err != nil || kind != Full {
		t.Fatalf("tick = %v, %v; want full", kind, err)
	}
	if !comp.lastIllus || illus.calls != 1 {
		t.Fatal("empty page should be composed with the illustration")
	}
	snap := s.Snapshot()
	if snap.ItemCount != 0 || !snap.IllustrationShown {
		t.Fatalf("snapshot = %+v", snap)
	}

	// A failed fetch is retried on the next tick.
	clock.advance(time.Minute)
	src.err = nil
	src.items = makeItems(2)
	if _, err := s.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if src.calls != 2 {
		t.Fatalf("provider calls = %d, want 2", src.calls)
	}
	if comp.lastIllus {
		t.Fatal("illustration shown on a page with items")
	}
	if illus.calls != 1 {
		t.Fatalf("illustration requested %d times, want 1", illus.calls)
	}
}

func TestSchedulerRequestRefresh(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)}
	sink := &recordingSink{}
	s, _ := newTestScheduler(clock, &stubItems{items: makeItems(1)}, sink, nil)

	s.Tick(context.Background())
	clock.advance(time.Minute)
	if kind, _ := s.Tick(context.Background()); kind != None {
		t.Fatalf("unchanged frame kind = %v, want none", kind)
	}

	s.RequestRefresh(false)
	clock.advance(time.Minute)
	if kind, _ := s.Tick(context.Background()); kind != Partial {
		t.Fatalf("forced kind = %v, want partial", kind)
	}

	s.RequestRefresh(true)
	clock.advance(time.Minute)
	if kind, _ := s.Tick(context.Background()); kind != Full {
		t.Fatalf("forced full kind = %v, want full", kind)
	}
	if kind, _ := s.Tick(context.Background()); kind != None {
		t.Fatalf("request should be consumed, got %v", kind)
	}
}

func TestSchedulerWriteFailure(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)}
	sink := &recordingSink{err: &model.HardwareError{Op: "full", Err: errors.New("busy pin stuck")}}
	s, _ := newTestScheduler(clock, &stubItems{}, sink, nil)

	for i := 1; i <= 3; i++ {
		if _, err := s.Tick(context.Background()); err == nil {
			t.Fatal("expected write error")
		}
		snap := s.Snapshot()
		if snap.ConsecutiveFailures != i || snap.LastError == "" {
			t.Fatalf("snapshot after failure %d = %+v", i, snap)
		}
		clock.advance(time.Minute)
	}
	if s.State().Phase != Initial {
		t.Fatal("phase advanced without a successful write")
	}

	sink.err = nil
	if kind, err := s.Tick(context.Background()); err != nil || kind != Full {
		t.Fatalf("recovery = %v, %v; want full", kind, err)
	}
	if s.Snapshot().ConsecutiveFailures != 0 {
		t.Fatal("failure count not reset")
	}
}

func TestSchedulerDayChange(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 10, 19, 23, 58, 0, 0, time.UTC)}
	src := &stubItems{items: makeItems(7)}
	sink := &recordingSink{}
	s, _ := newTestScheduler(clock, src, sink, nil)

	s.Tick(context.Background())
	clock.advance(time.Minute)
	s.Tick(context.Background())
	if s.Snapshot().PageIndex != 1 {
		t.Fatalf("page = %d, want 1", s.Snapshot().PageIndex)
	}

	clock.advance(2 * time.Minute)
	kind, err := s.Tick(context.Background())
	if err != nil || kind != Full {
		t.Fatalf("first tick of the day = %v, %v; want full", kind, err)
	}
	if s.Snapshot().PageIndex != 0 {
		t.Fatal("page not reset on a new day")
	}
	if src.calls != 2 {
		t.Fatalf("provider calls = %d, want a refetch on the new day", src.calls)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)}
	ctx, cancel := context.WithCancel(context.Background())
	sink := &recordingSink{onDraw: cancel}
	s, _ := newTestScheduler(clock, &stubItems{}, sink, nil)

	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if len(sink.writes) != 1 {
		t.Fatalf("writes = %d, want the in-flight write to complete", len(sink.writes))
	}
}

type cancellingItems struct {
	items  []model.DisplayItem
	cancel context.CancelFunc
	calls  int
}

// FetchItems serves items once, then cancels and fails the way a fetch cut
// short by shutdown does.
func (c *cancellingItems) FetchItems(ctx context.Context, _ time.Time) ([]model.DisplayItem, error) {
	c.calls++
	if c.calls == 1 {
		return c.items, nil
	}
	c.cancel()
	return nil, &model.ProviderError{Source: "work", Err: ctx.Err()}
}

func TestTickSkipsWriteAfterCancelledFetch(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := &cancellingItems{items: makeItems(2), cancel: cancel}
	sink := &recordingSink{}
	s, _ := newTestScheduler(clock, src, sink, &stubIllustrations{})

	if kind, err := s.Tick(ctx); err != nil || kind != Full {
		t.Fatalf("first tick = %v, %v; want full", kind, err)
	}
	clock.advance(11 * time.Minute)

	kind, err := s.Tick(ctx)
	if err != nil || kind != None {
		t.Fatalf("tick after cancel = %v, %v; want none", kind, err)
	}
	if len(sink.writes) != 1 {
		t.Fatalf("writes = %d, want the placeholder frame never written", len(sink.writes))
	}
	if s.Snapshot().ItemCount != 2 {
		t.Fatal("snapshot should still describe the last shown frame")
	}
}

type cancellingIllustrations struct{ cancel context.CancelFunc }

func (c *cancellingIllustrations) Get(context.Context, time.Time) (*bitmap.Bitmap, bool) {
	c.cancel()
	return nil, false
}

func TestTickSkipsWriteAfterCancelledIllustration(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &recordingSink{}
	s, _ := newTestScheduler(clock, &stubItems{}, sink, &cancellingIllustrations{cancel: cancel})

	kind, err := s.Tick(ctx)
	if err != nil || kind != None {
		t.Fatalf("tick = %v, %v; want none", kind, err)
	}
	if len(sink.writes) != 0 {
		t.Fatalf("writes = %d, want 0", len(sink.writes))
	}
	if s.State().Phase != Initial {
		t.Fatal("state must not advance without a write")
	}
}

func TestSchedulerRefillResetsToFirstPage(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)}
	src := &stubItems{items: makeItems(7)}
	sink := &recordingSink{}
	s, _ := newTestScheduler(clock, src, sink, nil)

	tick := func(name string, wantPage, wantItems int) {
		t.Helper()
		if _, err := s.Tick(context.Background()); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		snap := s.Snapshot()
		if snap.PageIndex != wantPage || snap.ItemCount != wantItems {
			t.Fatalf("%s: page %d items %d, want page %d items %d",
				name, snap.PageIndex, snap.ItemCount, wantPage, wantItems)
		}
	}

	tick("first", 0, 7)
	clock.advance(time.Minute)
	tick("rotated", 1, 7)

	src.err = &model.ProviderError{Source: "work", Err: errors.New("503")}
	clock.advance(10 * time.Minute)
	tick("empty", 0, 0)

	// The refill lands mid-interval; page 0 gets a full dwell from here.
	src.err = nil
	clock.advance(30 * time.Second)
	tick("refilled", 0, 7)
	clock.advance(30 * time.Second)
	tick("dwell", 0, 7)
	clock.advance(30 * time.Second)
	tick("next page", 1, 7)
}
