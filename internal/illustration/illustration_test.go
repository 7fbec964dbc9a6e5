package illustration

import (
	"context"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"epdagenda/internal/bitmap"
	"epdagenda/internal/model"
)

type stubGenerator struct {
	calls   atomic.Int32
	prompts []string
	err     error
	delay   time.Duration
}

func (g *stubGenerator) Generate(ctx context.Context, prompt string) (image.Image, error) {
	n := g.calls.Add(1)
	g.prompts = append(g.prompts, prompt)
	if g.delay > 0 {
		select {
		case <-time.After(g.delay):
		case <-ctx.Done():
			return nil, &model.GenerationError{Op: "stub", Err: ctx.Err()}
		}
	}
	if g.err != nil {
		return nil, g.err
	}
	// Different content per call so idempotence is observable.
	img := image.NewGray(image.Rect(0, 0, 40, 40))
	for i := range img.Pix {
		img.Pix[i] = 0xFF
	}
	for x := 0; x < int(n)*5 && x < 40; x++ {
		for y := 0; y < 40; y++ {
			img.SetGray(x, y, color.Gray{})
		}
	}
	return img, nil
}

var themes = []string{"a cat", "a tree", "a cup of coffee"}

func newTestCache(t *testing.T, dir string, gen Generator, now time.Time) *Cache {
	t.Helper()
	return New(NewStore(dir), gen, Options{
		Enabled:       true,
		Themes:        themes,
		Width:         96,
		Height:        110,
		RetentionDays: 7,
		Timeout:       time.Second,
		Now:           func() time.Time { return now },
	})
}

func TestThemeForRotatesByDayOfYear(t *testing.T) {
	d := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC) // YearDay 1
	if got := ThemeFor(d, themes); got != "a tree" {
		t.Fatalf("ThemeFor(Jan 1) = %q, want %q", got, "a tree")
	}
	if got := ThemeFor(d.AddDate(0, 0, 1), themes); got != "a cup of coffee" {
		t.Fatalf("ThemeFor(Jan 2) = %q", got)
	}
	if got := ThemeFor(d.AddDate(0, 0, 2), themes); got != "a cat" {
		t.Fatalf("ThemeFor(Jan 3) = %q", got)
	}
	if ThemeFor(d, themes) != ThemeFor(d.Add(10*time.Hour), themes) {
		t.Fatal("theme must not depend on time of day")
	}
	if ThemeFor(d, nil) == "" {
		t.Fatal("empty theme list must fall back to a default theme")
	}
}

func TestPrompt(t *testing.T) {
	p := Prompt("a cat")
	if !strings.HasPrefix(p, "8-bit a cat") || !strings.Contains(p, "clean white background") {
		t.Fatalf("Prompt() = %q", p)
	}
}

func TestGetGeneratesOnceAndPersists(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)
	gen := &stubGenerator{}
	c := newTestCache(t, dir, gen, now)

	first, ok := c.Get(context.Background(), now)
	if !ok || first == nil {
		t.Fatal("expected an illustration")
	}
	if first.Width() != 96 || first.Height() != 110 {
		t.Fatalf("size = %dx%d, want 96x110", first.Width(), first.Height())
	}
	second, ok := c.Get(context.Background(), now.Add(3*time.Hour))
	if !ok || !second.Equal(first) {
		t.Fatal("second Get on the same day returned a different bitmap")
	}
	if gen.calls.Load() != 1 {
		t.Fatalf("provider calls = %d, want 1", gen.calls.Load())
	}
	if !strings.Contains(gen.prompts[0], ThemeFor(now, themes)) {
		t.Fatalf("prompt %q does not carry the day's theme", gen.prompts[0])
	}
	if _, err := os.Stat(filepath.Join(dir, "2026-10-19.json")); err != nil {
		t.Fatalf("record not persisted: %v", err)
	}

	// A fresh process reads the record instead of asking the provider.
	gen2 := &stubGenerator{}
	restarted := newTestCache(t, dir, gen2, now)
	again, ok := restarted.Get(context.Background(), now)
	if !ok || !again.Equal(first) {
		t.Fatal("restarted cache did not return the persisted bitmap")
	}
	if gen2.calls.Load() != 0 {
		t.Fatalf("restarted cache called the provider %d times", gen2.calls.Load())
	}
}

func TestFailedGenerationNotRetriedSameDay(t *testing.T) {
	now := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)
	gen := &stubGenerator{err: &model.GenerationError{Op: "stub", StatusCode: 429, Err: errors.New("quota")}}
	c := newTestCache(t, t.TempDir(), gen, now)

	if _, ok := c.Get(context.Background(), now); ok {
		t.Fatal("expected unavailable on provider failure")
	}
	if _, ok := c.Get(context.Background(), now); ok {
		t.Fatal("expected unavailable on second call")
	}
	if gen.calls.Load() != 1 {
		t.Fatalf("provider calls = %d, want 1", gen.calls.Load())
	}

	// A different date gets its own attempt.
	c.Get(context.Background(), now.AddDate(0, 0, 1))
	if gen.calls.Load() != 2 {
		t.Fatalf("provider calls after next day = %d, want 2", gen.calls.Load())
	}
}

func TestGetTimesOut(t *testing.T) {
	now := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)
	gen := &stubGenerator{delay: time.Minute}
	c := New(NewStore(t.TempDir()), gen, Options{
		Enabled: true, Width: 96, Height: 110, RetentionDays: 7,
		Timeout: 20 * time.Millisecond,
		Now:     func() time.Time { return now },
	})

	start := time.Now()
	if _, ok := c.Get(context.Background(), now); ok {
		t.Fatal("expected unavailable after timeout")
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("provider call was not bounded by the timeout")
	}
}

func TestDisabledNeverCallsProvider(t *testing.T) {
	gen := &stubGenerator{}
	c := New(NewStore(t.TempDir()), gen, Options{Enabled: false, Width: 96, Height: 110})
	if _, ok := c.Get(context.Background(), time.Now()); ok {
		t.Fatal("disabled cache returned an illustration")
	}
	if gen.calls.Load() != 0 {
		t.Fatal("disabled cache called the provider")
	}

	var nilCache *Cache
	if nilCache.Enabled() {
		t.Fatal("nil cache reports enabled")
	}
}

func TestPurgeExpired(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	now := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)

	save := func(date string, created time.Time) {
		t.Helper()
		if err := store.Save(Entry{Date: date, Theme: "x", Bitmap: bitmap.New(96, 110), CreatedAt: created}); err != nil {
			t.Fatalf("Save(%s) error = %v", date, err)
		}
	}
	save("2026-10-01", now.AddDate(0, 0, -18))
	save("2026-10-11", now.AddDate(0, 0, -8))
	save("2026-10-12", now.AddDate(0, 0, -7)) // exactly 7 days: kept
	save("2026-10-19", now)

	c := newTestCache(t, dir, &stubGenerator{}, now)
	removed, err := c.PurgeExpired(now)
	if err != nil {
		t.Fatalf("PurgeExpired() error = %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}

	entries, err := store.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	var dates []string
	for _, e := range entries {
		dates = append(dates, e.Date)
	}
	if strings.Join(dates, ",") != "2026-10-12,2026-10-19" {
		t.Fatalf("remaining = %v", dates)
	}

	// Second call the same day is a no-op even if something expired since.
	save("2026-09-01", now.AddDate(0, 0, -48))
	if removed, _ := c.PurgeExpired(now.Add(time.Hour)); removed != 0 {
		t.Fatalf("second purge same day removed %d", removed)
	}
	// Next day: the September record and the one that just crossed the
	// seven-day line both go.
	if removed, _ := c.PurgeExpired(now.AddDate(0, 0, 1)); removed != 2 {
		t.Fatalf("next-day purge removed %d, want 2", removed)
	}
}

type blockingGenerator struct {
	started chan struct{}
	release chan struct{}
}

func (g *blockingGenerator) Generate(ctx context.Context, prompt string) (image.Image, error) {
	close(g.started)
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, &model.GenerationError{Op: "blocking", Err: ctx.Err()}
	}
	return image.NewGray(image.Rect(0, 0, 40, 40)), nil
}

func TestPurgeNotBlockedByGeneration(t *testing.T) {
	now := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)
	gen := &blockingGenerator{started: make(chan struct{}), release: make(chan struct{})}
	c := New(NewStore(t.TempDir()), gen, Options{
		Enabled: true, Width: 96, Height: 110, RetentionDays: 7,
		Timeout: time.Minute,
		Now:     func() time.Time { return now },
	})

	done := make(chan bool, 1)
	go func() {
		_, ok := c.Get(context.Background(), now)
		done <- ok
	}()
	<-gen.started

	purged := make(chan error, 1)
	go func() {
		_, err := c.PurgeExpired(now)
		purged <- err
	}()
	select {
	case err := <-purged:
		if err != nil {
			t.Fatalf("PurgeExpired() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("purge blocked behind an in-flight generation")
	}

	close(gen.release)
	if ok := <-done; !ok {
		t.Fatal("expected an illustration once the provider returns")
	}
}

func TestCancelledGenerationKeepsAttempt(t *testing.T) {
	now := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)
	gen := &stubGenerator{delay: time.Minute}
	c := newTestCache(t, t.TempDir(), gen, now)
	c.opts.Timeout = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok := c.Get(ctx, now); ok {
		t.Fatal("cancelled Get returned an illustration")
	}

	gen.delay = 0
	if _, ok := c.Get(context.Background(), now); !ok {
		t.Fatal("a cancelled call must not use up the day's attempt")
	}
	if gen.calls.Load() != 2 {
		t.Fatalf("provider calls = %d, want 2", gen.calls.Load())
	}
}

func TestPurgeDropsUnsavedEntries(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	now := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)
	// The store directory sits under a regular file, so every Save fails.
	c := newTestCache(t, filepath.Join(blocker, "illustrations"), &stubGenerator{}, now)

	if _, ok := c.Get(context.Background(), now); !ok {
		t.Fatal("a failed save should still serve the generated bitmap")
	}
	if len(c.mem) != 1 {
		t.Fatalf("memory entries = %d, want 1", len(c.mem))
	}

	c.PurgeExpired(now.AddDate(0, 0, 3))
	if len(c.mem) != 1 {
		t.Fatal("entry inside the retention window was dropped")
	}
	c.PurgeExpired(now.AddDate(0, 0, 8))
	if len(c.mem) != 0 {
		t.Fatalf("memory entries after retention = %d, want 0", len(c.mem))
	}
}

func TestStoreRejectsBadKeys(t *testing.T) {
	store := NewStore(t.TempDir())
	if _, _, err := store.Load("../../etc/passwd"); err == nil {
		t.Fatal("expected invalid key error")
	}
	if err := store.Save(Entry{Date: "2026-10-19"}); err == nil {
		t.Fatal("expected error for entry without bitmap")
	}
	if err := store.Delete("2026-10-19"); err != nil {
		t.Fatalf("Delete on missing record error = %v", err)
	}
}

func TestAgeInDays(t *testing.T) {
	created := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		now  time.Time
		want int
	}{
		{created.Add(-time.Hour), 0},
		{created.Add(23 * time.Hour), 0},
		{created.Add(24 * time.Hour), 1},
		{created.AddDate(0, 0, 8), 8},
	}
	for _, tt := range tests {
		if got := AgeInDays(created, tt.now); got != tt.want {
			t.Fatalf("AgeInDays(%v) = %d, want %d", tt.now, got, tt.want)
		}
	}
}
