package illustration

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"epdagenda/internal/bitmap"
	appLog "epdagenda/internal/log"
)

const dateLayout = "2006-01-02"

// Entry is one cached illustration. There is at most one per date.
type Entry struct {
	Date      string // YYYY-MM-DD
	Theme     string
	Bitmap    *bitmap.Bitmap
	CreatedAt time.Time
}

// record is the on-disk shape of an Entry.
type record struct {
	Date      string    `json:"date"`
	Theme     string    `json:"theme"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	Bitmap    []byte    `json:"bitmap"` // packed 1bpp, base64 in JSON
	CreatedAt time.Time `json:"created_at"`
}

// Store persists entries as one JSON record per date under dir. Writes go
// through a temp file and a rename so a concurrent reader or purge never
// sees a half-written record.
type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	if dir == "" {
		dir = "./var/illustrations"
	}
	return &Store{dir: dir}
}

func (s *Store) Dir() string { return s.dir }

func (s *Store) path(date string) (string, error) {
	if _, err := time.Parse(dateLayout, date); err != nil {
		return "", fmt.Errorf("illustration: invalid date key %q", date)
	}
	return filepath.Join(s.dir, date+".json"), nil
}

// Load returns the entry for date; ok is false when none is stored.
func (s *Store) Load(date string) (Entry, bool, error) {
	p, err := s.path(date)
	if err != nil {
		return Entry{}, false, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	e, err := decodeRecord(data)
	if err != nil {
		return Entry{}, false, fmt.Errorf("illustration: decode %s: %w", p, err)
	}
	return e, true, nil
}

func decodeRecord(data []byte) (Entry, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Entry{}, err
	}
	bm, err := bitmap.FromBytes(rec.Width, rec.Height, rec.Bitmap)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Date: rec.Date, Theme: rec.Theme, Bitmap: bm, CreatedAt: rec.CreatedAt}, nil
}

// Save writes e, replacing any previous record for the same date.
func (s *Store) Save(e Entry) error {
	if e.Bitmap == nil {
		return errors.New("illustration: entry has no bitmap")
	}
	p, err := s.path(e.Date)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return err
	}

	data, err := json.Marshal(record{
		Date:      e.Date,
		Theme:     e.Theme,
		Width:     e.Bitmap.Width(),
		Height:    e.Bitmap.Height(),
		Bitmap:    e.Bitmap.Bytes(),
		CreatedAt: e.CreatedAt.UTC(),
	})
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, ".illustration-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, p)
}

// Delete removes the record for date. Missing records are not an error.
func (s *Store) Delete(date string) error {
	p, err := s.path(date)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// List returns every readable entry ordered by date. Corrupt records are
// logged and skipped.
func (s *Store) List() ([]Entry, error) {
	des, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	entries := make([]Entry, 0, len(des))
	for _, de := range des {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		e, ok, err := s.Load(strings.TrimSuffix(name, ".json"))
		if err != nil {
			appLog.Warn("illustration cache: skipping unreadable record", "file", name, "err", err.Error())
			continue
		}
		if ok {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Date < entries[j].Date })
	return entries, nil
}
