package endpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Record is the current public URL. URL is empty when none is known.
type Record struct {
	URL          string    `json:"url,omitempty"`
	DiscoveredAt time.Time `json:"discovered_at,omitempty"`
}

func (r Record) Known() bool { return r.URL != "" }

// Store persists a Record as a single-line text file holding the URL.
// DiscoveredAt is taken from the file's modification time on load.
type Store struct {
	Path string
}

// Load returns the stored record; a missing or empty file yields an empty
// record and no error.
func (s Store) Load() (Record, error) {
	b, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Record{}, nil
		}
		return Record{}, err
	}
	line, _, _ := strings.Cut(string(b), "\n")
	url := strings.TrimSpace(line)
	if url == "" {
		return Record{}, nil
	}
	rec := Record{URL: url}
	if fi, err := os.Stat(s.Path); err == nil {
		rec.DiscoveredAt = fi.ModTime()
	}
	return rec, nil
}

// Save overwrites the file atomically with rec.URL and a trailing newline.
func (s Store) Save(rec Record) error {
	if s.Path == "" {
		return nil
	}
	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("endpoint store: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".endpoint-*")
	if err != nil {
		return fmt.Errorf("endpoint store: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.WriteString(rec.URL + "\n"); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("endpoint store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("endpoint store: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil { // #nosec G302 public URL, read by operators
		return fmt.Errorf("endpoint store: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.Path); err != nil {
		return fmt.Errorf("endpoint store: %w", err)
	}
	if !rec.DiscoveredAt.IsZero() {
		_ = os.Chtimes(s.Path, rec.DiscoveredAt, rec.DiscoveredAt)
	}
	return nil
}
