package refresh

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"epdagenda/internal/bitmap"
	appLog "epdagenda/internal/log"
	"epdagenda/internal/model"
	"epdagenda/internal/pagination"
)

// ItemSource is the calendar/task data provider.
type ItemSource interface {
	FetchItems(ctx context.Context, now time.Time) ([]model.DisplayItem, error)
}

// Illustrations returns the picture for a day, if any.
type Illustrations interface {
	Get(ctx context.Context, date time.Time) (*bitmap.Bitmap, bool)
}

// Composer renders a frame.
type Composer interface {
	Compose(page pagination.Page, illus *bitmap.Bitmap, now time.Time) *bitmap.Bitmap
}

const (
	defaultTickInterval     = time.Minute
	defaultRotationInterval = time.Minute
	defaultFetchInterval    = 15 * time.Minute

	// persistentFailureThreshold is where repeated write failures are
	// reported as persistent rather than transient.
	persistentFailureThreshold = 3
)

type Options struct {
	// TickInterval is the time between render cycles.
	TickInterval time.Duration
	// RotationInterval is how long a page stays on screen.
	RotationInterval time.Duration
	// FetchInterval is the minimum time between data provider calls; items
	// are reused in between.
	FetchInterval time.Duration
	// Location is the display timezone. Defaults to time.Local.
	Location *time.Location
	Policy   Policy
}

// Deps are the collaborators of the loop. Illustrations may be nil.
type Deps struct {
	Clock         Clock
	Items         ItemSource
	Pages         *pagination.Paginator
	Illustrations Illustrations
	Composer      Composer
	Sink          Sink
}

// Snapshot is a read-only view of the loop for status endpoints.
type Snapshot struct {
	Phase               string    `json:"phase"`
	LastFullRefreshAt   time.Time `json:"last_full_refresh_at"`
	PartialCount        int       `json:"partial_count"`
	MaxPartialRefreshes int       `json:"max_partial_refreshes"`
	LastSignature       string    `json:"last_signature,omitempty"`
	LastKind            string    `json:"last_kind"`
	LastTickAt          time.Time `json:"last_tick_at"`
	LastWriteAt         time.Time `json:"last_write_at"`
	PageIndex           int       `json:"page_index"`
	PageCount           int       `json:"page_count"`
	ItemCount           int       `json:"item_count"`
	IllustrationShown   bool      `json:"illustration_shown"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
}

// Scheduler is the single render worker. Tick and Run must be called from
// one goroutine; Snapshot and RequestRefresh are safe from any goroutine.
type Scheduler struct {
	opts Options
	deps Deps

	state State

	items     []model.DisplayItem
	haveItems bool
	lastFetch time.Time

	day          string
	prevCount    int
	ticks        int
	lastRotation time.Time
	failures     int

	pendingForce atomic.Bool
	pendingFull  atomic.Bool
	wake         chan struct{}

	mu   sync.RWMutex
	snap Snapshot
}

func New(deps Deps, opts Options) *Scheduler {
	if opts.TickInterval <= 0 {
		opts.TickInterval = defaultTickInterval
	}
	if opts.RotationInterval <= 0 {
		opts.RotationInterval = defaultRotationInterval
	}
	if opts.FetchInterval <= 0 {
		opts.FetchInterval = defaultFetchInterval
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Policy.MaxPartialRefreshes <= 0 {
		opts.Policy.MaxPartialRefreshes = DefaultMaxPartialRefreshes
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock()
	}
	if deps.Pages == nil {
		deps.Pages = pagination.New(pagination.DefaultPageSize)
	}
	s := &Scheduler{
		opts: opts,
		deps: deps,
		wake: make(chan struct{}, 1),
	}
	s.snap = Snapshot{
		Phase:               s.state.Phase.String(),
		LastKind:            None.String(),
		PageCount:           1,
		MaxPartialRefreshes: opts.Policy.MaxPartialRefreshes,
	}
	return s
}

// State returns the refresh state. Only the loop goroutine may call it.
func (s *Scheduler) State() State { return s.state }

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// RequestRefresh asks the loop to write on its next cycle even if the frame
// is unchanged, and wakes it early. full additionally forces a full refresh.
func (s *Scheduler) RequestRefresh(full bool) {
	s.pendingForce.Store(true)
	if full {
		s.pendingFull.Store(true)
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run ticks until ctx is cancelled. A write in progress when ctx is
// cancelled runs to completion before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	appLog.Info("render loop started",
		"tick", s.opts.TickInterval.String(),
		"rotation", s.opts.RotationInterval.String(),
		"fetch", s.opts.FetchInterval.String(),
		"max_partial", s.opts.Policy.MaxPartialRefreshes,
	)
	for {
		if ctx.Err() != nil {
			break
		}
		_, _ = s.Tick(ctx)

		select {
		case <-ctx.Done():
		case <-s.deps.Clock.After(s.opts.TickInterval):
		case <-s.wake:
		}
	}
	appLog.Info("render loop stopped")
	return nil
}

// Tick runs one render cycle. The returned error is the display write
// error, if any; it has already been logged.
func (s *Scheduler) Tick(ctx context.Context) (Kind, error) {
	now := s.deps.Clock.Now().In(s.opts.Location)
	s.ticks++

	if day := now.Format("2006-01-02"); day != s.day {
		if s.day != "" {
			appLog.Info("day changed", "from", s.day, "to", day)
			s.deps.Pages.Reset()
			s.lastRotation = now
			s.haveItems = false
		}
		s.day = day
	}

	items := s.fetch(ctx, now)
	if ctx.Err() != nil {
		return None, nil
	}
	if s.prevCount == 0 && len(items) > 0 && s.ticks > 1 {
		s.deps.Pages.Reset()
		s.lastRotation = now
	}
	s.prevCount = len(items)

	switch {
	case s.lastRotation.IsZero():
		s.lastRotation = now
	case now.Sub(s.lastRotation) >= s.opts.RotationInterval:
		s.deps.Pages.Advance()
		s.lastRotation = now
	}
	page := s.deps.Pages.CurrentPage(items)

	var illus *bitmap.Bitmap
	if page.Empty() && s.deps.Illustrations != nil {
		illus, _ = s.deps.Illustrations.Get(ctx, now)
		if ctx.Err() != nil {
			// Leave the panel on its last frame rather than a placeholder.
			return None, nil
		}
	}
	frame := s.deps.Composer.Compose(page, illus, now)

	force := s.pendingForce.Swap(false)
	full := s.pendingFull.Swap(false)
	in := Input{Now: now, Force: force, ForceFull: full}

	// The write must not be interrupted by shutdown.
	next, kind, err := Step(context.WithoutCancel(ctx), s.state, frame, in, s.opts.Policy, s.deps.Sink)
	if err != nil {
		s.failures++
		if force {
			s.pendingForce.Store(true)
		}
		if full {
			s.pendingFull.Store(true)
		}
		msg := "display write failed; will retry next tick"
		if s.failures >= persistentFailureThreshold {
			msg = "display write failing persistently; check panel wiring"
		}
		appLog.Error(msg, err, "kind", kind.String(), "consecutive_failures", s.failures)
	} else {
		s.failures = 0
		s.state = next
		if kind != None {
			appLog.Info("display refreshed",
				"kind", kind.String(),
				"partial_count", s.state.PartialCount,
				"page", page.Index+1,
				"pages", page.Count,
				"items", len(items),
				"signature", s.state.LastSignature.String(),
			)
		} else {
			appLog.Debug("frame unchanged; skipping write", "page", page.Index+1)
		}
	}

	s.publish(now, kind, err, page, len(items), illus != nil)
	return kind, err
}

func (s *Scheduler) fetch(ctx context.Context, now time.Time) []model.DisplayItem {
	if s.deps.Items == nil {
		return nil
	}
	if s.haveItems && now.Sub(s.lastFetch) < s.opts.FetchInterval {
		return s.items
	}

	items, err := s.deps.Items.FetchItems(ctx, now)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		appLog.Error("agenda fetch failed; showing no items this cycle", err)
		s.haveItems = false
		s.items = nil
		return nil
	}
	s.items = items
	s.haveItems = true
	s.lastFetch = now
	return items
}

func (s *Scheduler) publish(now time.Time, kind Kind, err error, page pagination.Page, itemCount int, illus bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snap.Phase = s.state.Phase.String()
	s.snap.LastFullRefreshAt = s.state.LastFullRefreshAt
	s.snap.PartialCount = s.state.PartialCount
	if s.state.HasSignature {
		s.snap.LastSignature = s.state.LastSignature.String()
	}
	s.snap.LastTickAt = now
	s.snap.PageIndex = page.Index
	s.snap.PageCount = page.Count
	s.snap.ItemCount = itemCount
	s.snap.IllustrationShown = illus
	s.snap.ConsecutiveFailures = s.failures
	if err != nil {
		s.snap.LastError = err.Error()
		return
	}
	s.snap.LastError = ""
	if kind != None {
		s.snap.LastKind = kind.String()
		s.snap.LastWriteAt = now
	}
}
