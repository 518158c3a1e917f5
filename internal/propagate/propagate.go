// Package propagate rewrites static files so the endpoint URL embedded in
// them tracks the tunnel's current public URL.
package propagate

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
)

const DefaultBackupSuffix = ".bak"

var (
	ErrTargetMissing = errors.New("target file does not exist")
	ErrEmptyURL      = errors.New("empty endpoint URL")
)

// Target is a file whose occurrences of Pattern are replaced by the URL.
type Target struct {
	Path    string
	Pattern *regexp.Regexp
}

// Result reports what happened to one target.
type Result struct {
	Path         string
	Changed      bool
	Replacements int
	Backup       string
	Skipped      bool
	Err          error
}

type Propagator struct {
	// BackupSuffix is appended to a target path for the pre-edit copy.
	BackupSuffix string
	Logger       *slog.Logger
}

// Apply replaces every match of pattern in content with url, literally.
// The count excludes matches that already equal url, so a second pass with
// the same url reports zero and returns identical bytes.
func Apply(content []byte, pattern *regexp.Regexp, url string) ([]byte, int) {
	n := 0
	for _, m := range pattern.FindAll(content, -1) {
		if string(m) != url {
			n++
		}
	}
	if n == 0 {
		return content, 0
	}
	return pattern.ReplaceAllLiteral(content, []byte(url)), n
}

// Propagate rewrites each target in order. A failing or missing target is
// reported in its Result and does not stop the others.
func (p Propagator) Propagate(url string, targets []Target) []Result {
	results := make([]Result, 0, len(targets))
	for _, t := range targets {
		r := p.one(url, t)
		p.log(url, r)
		results = append(results, r)
	}
	return results
}

func (p Propagator) one(url string, t Target) Result {
	r := Result{Path: t.Path}
	if url == "" {
		r.Err = ErrEmptyURL
		return r
	}
	if t.Pattern == nil {
		r.Err = fmt.Errorf("%s: no pattern configured", t.Path)
		return r
	}
	fi, err := os.Stat(t.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			r.Skipped = true
			r.Err = fmt.Errorf("%s: %w", t.Path, ErrTargetMissing)
			return r
		}
		r.Err = err
		return r
	}
	orig, err := os.ReadFile(t.Path)
	if err != nil {
		r.Err = err
		return r
	}
	updated, n := Apply(orig, t.Pattern, url)
	r.Replacements = n
	if n == 0 || bytes.Equal(orig, updated) {
		return r
	}

	suffix := p.BackupSuffix
	if suffix == "" {
		suffix = DefaultBackupSuffix
	}
	r.Backup = t.Path + suffix
	if err := os.WriteFile(r.Backup, orig, fi.Mode().Perm()); err != nil {
		r.Backup = ""
		r.Err = fmt.Errorf("backup %s: %w", t.Path, err)
		return r
	}
	if err := writeAtomic(t.Path, updated, fi.Mode().Perm()); err != nil {
		r.Err = fmt.Errorf("rewrite %s: %w", t.Path, err)
		return r
	}
	r.Changed = true
	return r
}

func writeAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), perm); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (p Propagator) log(url string, r Result) {
	l := p.Logger
	if l == nil {
		l = slog.Default()
	}
	switch {
	case r.Skipped:
		l.Warn("propagation target missing, skipped", "path", r.Path)
	case r.Err != nil:
		l.Warn("propagation failed", "path", r.Path, "error", r.Err)
	case r.Changed:
		l.Info("endpoint propagated", "path", r.Path, "url", url, "replacements", r.Replacements, "backup", r.Backup)
	default:
		l.Debug("target already up to date", "path", r.Path, "url", url)
	}
}

// Failed counts results with an error, including skipped targets.
func Failed(results []Result) int {
	n := 0
	for _, r := range results {
		if r.Err != nil {
			n++
		}
	}
	return n
}
