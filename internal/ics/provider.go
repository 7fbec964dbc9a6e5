package ics

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	appLog "epdagenda/internal/log"
	"epdagenda/internal/model"
)

const (
	// DefaultMaxItems is the agenda length cap.
	DefaultMaxItems = 12

	untitled         = "(no title)"
	fetchConcurrency = 4
)

type ProviderOptions struct {
	Location *time.Location
	MaxItems int
}

// Provider turns the configured feeds into today's agenda.
type Provider struct {
	fetcher  *Fetcher
	sources  []Source
	loc      *time.Location
	maxItems int
}

func NewProvider(fetcher *Fetcher, sources []Source, opts ProviderOptions) *Provider {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.MaxItems <= 0 {
		opts.MaxItems = DefaultMaxItems
	}
	return &Provider{
		fetcher:  fetcher,
		sources:  sources,
		loc:      opts.Location,
		maxItems: opts.MaxItems,
	}
}

// FetchItems returns today's events and the incomplete tasks due today,
// sorted for display and capped. A feed that fails is skipped; only when
// every feed fails is a *model.ProviderError returned.
func (p *Provider) FetchItems(ctx context.Context, now time.Time) ([]model.DisplayItem, error) {
	if len(p.sources) == 0 {
		return nil, nil
	}
	day := DayWindow(now.In(p.loc))

	cals := make([]Calendar, len(p.sources))
	errs := make([]error, len(p.sources))

	var g errgroup.Group
	g.SetLimit(fetchConcurrency)
	for i, src := range p.sources {
		g.Go(func() error {
			body, err := p.fetcher.Fetch(ctx, src)
			if err == nil {
				cals[i], err = Parse(src, body, p.loc)
			}
			if err != nil {
				errs[i] = err
				appLog.Error("feed unavailable", err, "source", src.ID)
			}
			return nil
		})
	}
	_ = g.Wait()

	var (
		items  []model.DisplayItem
		failed []error
	)
	for i, cal := range cals {
		if errs[i] != nil {
			failed = append(failed, errs[i])
			continue
		}
		items = append(items, itemsFor(cal, day, p.loc)...)
	}
	if len(failed) == len(p.sources) {
		return nil, &model.ProviderError{Source: "ics", Err: errors.Join(failed...)}
	}

	model.SortItems(items)
	if len(items) > p.maxItems {
		items = items[:p.maxItems]
	}
	appLog.Debug("agenda loaded", "items", len(items), "failed_sources", len(failed))
	return items, nil
}

func itemsFor(cal Calendar, day Window, loc *time.Location) []model.DisplayItem {
	var items []model.DisplayItem
	for _, occ := range Expand(cal.Events, day, loc) {
		items = append(items, model.DisplayItem{
			Title:    titleOr(occ.Summary),
			Kind:     model.KindEvent,
			Start:    occ.Start,
			AllDay:   occ.AllDay,
			Location: occ.Location,
			SourceID: occ.SourceID,
		})
	}
	for _, t := range cal.Tasks {
		if t.Completed || t.Due.IsZero() || !day.Contains(t.Due.In(loc)) {
			continue
		}
		it := model.DisplayItem{
			Title:    titleOr(t.Summary),
			Kind:     model.KindTask,
			Location: t.Location,
			SourceID: t.SourceID,
		}
		if t.DueHasTime {
			it.Start = t.Due.In(loc)
		}
		items = append(items, it)
	}
	return items
}

func titleOr(s string) string {
	if s == "" {
		return untitled
	}
	return s
}

// Dedupe drops sources with a repeated URL, keeping the first.
func Dedupe(sources []Source) []Source {
	seen := make(map[string]bool, len(sources))
	out := make([]Source, 0, len(sources))
	for _, src := range sources {
		if seen[src.URL] {
			appLog.Warn("duplicate feed ignored", "source", src.ID)
			continue
		}
		seen[src.URL] = true
		out = append(out, src)
	}
	return out
}
