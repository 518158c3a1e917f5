// Package endpoint discovers a tunnel's public URL from its log output and
// keeps the durable record of the current URL.
package endpoint

import (
	"bytes"
	"errors"
	"io"
	"os"
	"regexp"
)

// DefaultPattern matches quick-tunnel hostnames assigned by cloudflared.
const DefaultPattern = `https://[a-z0-9]+(?:-[a-z0-9]+)*\.trycloudflare\.com`

// DefaultMaxBytes caps how much of a log is scanned per extraction.
const DefaultMaxBytes = 1 << 20

// Extract returns the last substring of text matching pattern. When a log
// holds several URLs the most recent one wins.
func Extract(text string, pattern *regexp.Regexp) (string, bool) {
	if pattern == nil {
		return "", false
	}
	all := pattern.FindAllString(text, -1)
	if len(all) == 0 {
		return "", false
	}
	return all[len(all)-1], true
}

// ExtractFile scans the log at path from byte offset on, reading at most the
// last maxBytes. offset is normally the log size when the current tunnel run
// started, so URLs from earlier runs are ignored; if the file is now shorter
// than offset it was rotated and is read from the start. A missing file is
// reported as not found.
func ExtractFile(path string, pattern *regexp.Regexp, offset, maxBytes int64) (string, bool, error) {
	text, err := ReadTail(path, offset, maxBytes)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", false, nil
		}
		return "", false, err
	}
	url, ok := Extract(string(text), pattern)
	return url, ok, nil
}

// ReadTail returns the bytes of path after offset, limited to the final
// maxBytes. When the limit cuts into a line, that leading fragment is
// dropped.
func ReadTail(path string, offset, maxBytes int64) ([]byte, error) {
	f, err := os.Open(path) // #nosec G304 configured log path
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := fi.Size()
	if offset < 0 || offset > size {
		offset = 0
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	start := offset
	truncated := false
	if size-start > maxBytes {
		start = size - maxBytes
		truncated = true
	}
	buf := make([]byte, size-start)
	n, err := f.ReadAt(buf, start)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	buf = buf[:n]
	if truncated {
		if i := bytes.IndexByte(buf, '\n'); i >= 0 {
			buf = buf[i+1:]
		} else {
			buf = nil
		}
	}
	return buf, nil
}

// Size returns the current size of path, or 0 when it does not exist.
func Size(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}
