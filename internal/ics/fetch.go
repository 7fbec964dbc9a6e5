// Package ics is the agenda data provider: it downloads iCalendar feeds,
// expands recurring events and turns today's events and due tasks into
// display items.
package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	appLog "epdagenda/internal/log"
	"epdagenda/internal/model"
)

const (
	defaultFetchTimeout = 15 * time.Second
	maxFeedBytes        = 8 << 20
)

// Source is one subscribed feed.
type Source struct {
	ID   string
	Name string
	URL  string
}

// feedMeta is the HTTP validator state stored next to a cached feed body.
type feedMeta struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	FetchedAt    time.Time `json:"fetched_at"`
}

// Fetcher downloads feeds with conditional requests and keeps the last good
// body on disk, so a flaky network does not blank the agenda.
type Fetcher struct {
	client   *http.Client
	cacheDir string
}

// NewFetcher returns a fetcher caching under cacheDir. A nil client gets a
// default one with a 15s timeout.
func NewFetcher(cacheDir string, client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: defaultFetchTimeout}
	}
	return &Fetcher{client: client, cacheDir: cacheDir}
}

// Fetch returns the feed body for src. On network failure or a non-2xx
// status the cached body is returned when one exists; otherwise the error is
// a *model.ProviderError.
func (f *Fetcher) Fetch(ctx context.Context, src Source) ([]byte, error) {
	if src.URL == "" {
		return nil, &model.ProviderError{Source: src.ID, Err: errors.New("empty feed url")}
	}

	base := f.cacheBase(src.URL)
	meta, _ := readMeta(base + ".json")
	cached, _ := os.ReadFile(base + ".ics")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, &model.ProviderError{Source: src.ID, Err: err}
	}
	if len(cached) > 0 {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fallback(src, cached, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified && len(cached) > 0:
		appLog.Debug("feed not modified", "source", src.ID)
		return cached, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	default:
		return fallback(src, cached, fmt.Errorf("unexpected status %s", resp.Status))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return fallback(src, cached, err)
	}

	if f.cacheDir != "" {
		m := feedMeta{
			URL:          src.URL,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
			FetchedAt:    time.Now().UTC(),
		}
		if err := writeCache(base, m, body); err != nil {
			appLog.Warn("feed cache write failed", "source", src.ID, "err", err.Error())
		}
	}
	appLog.Debug("feed fetched", "source", src.ID, "url", redactURL(src.URL), "bytes", len(body))
	return body, nil
}

func fallback(src Source, cached []byte, cause error) ([]byte, error) {
	if len(cached) > 0 {
		appLog.Warn("feed fetch failed; using cached copy",
			"source", src.ID, "url", redactURL(src.URL), "err", cause.Error())
		return cached, nil
	}
	return nil, &model.ProviderError{Source: src.ID, Err: cause}
}

func (f *Fetcher) cacheBase(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8]))
}

func readMeta(path string) (feedMeta, error) {
	var m feedMeta
	data, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	err = json.Unmarshal(data, &m)
	return m, err
}

// writeCache stores body before meta so the validators never describe a
// body that is not on disk.
func writeCache(base string, m feedMeta, body []byte) error {
	if err := os.MkdirAll(filepath.Dir(base), 0o700); err != nil {
		return err
	}
	if err := replaceFile(base+".ics", body); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return replaceFile(base+".json", data)
}

func replaceFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".feed-*.tmp")
	if err != nil {
		return err
	}
	name := tmp.Name()
	defer os.Remove(name)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(name, path)
}

// redactURL keeps scheme and host; private feed URLs carry secrets in the
// path or query.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "(redacted)"
	}
	return u.Scheme + "://" + u.Host + "/..."
}
