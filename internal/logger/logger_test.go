package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

func TestProcessWriter_EmptyPath(t *testing.T) {
	var fc FileConfig
	assert.Nil(t, fc.ProcessWriter(""))
}

func TestProcessWriter_RelativeToDir(t *testing.T) {
	dir := t.TempDir()
	fc := FileConfig{Dir: dir}
	w := fc.ProcessWriter("svc.log")
	require.NotNil(t, w)
	_, err := w.Write([]byte("hello\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	b, err := os.ReadFile(filepath.Join(dir, "svc.log"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(b))
}

func TestProcessWriter_AppendsAcrossWriters(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "tunnel.log")
	fc := FileConfig{}
	for _, line := range []string{"one\n", "two\n"} {
		w := fc.ProcessWriter(path)
		_, err := w.Write([]byte(line))
		require.NoError(t, err)
		require.NoError(t, w.Close())
	}
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", string(b))
}

func TestProcessWriter_Defaults(t *testing.T) {
	fc := FileConfig{}
	w := fc.ProcessWriter(filepath.Join(t.TempDir(), "x.log"))
	l, ok := w.(*lj.Logger)
	require.True(t, ok, "expected *lumberjack.Logger")
	assert.Equal(t, DefaultMaxSizeMB, l.MaxSize)
	assert.Equal(t, DefaultMaxBackups, l.MaxBackups)
	assert.Equal(t, DefaultMaxAgeDays, l.MaxAge)
}

func TestNewSloggerLevelsAndFormat(t *testing.T) {
	var buf bytes.Buffer
	cfg := Config{Slog: SlogConfig{Level: LevelWarn, Format: FormatJSON}}
	l := cfg.newSloggerTo(&buf)
	l.Info("hidden")
	l.Warn("shown", "k", "v")
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.NotContains(t, out, `"time"`)
}

func TestColorTextHandlerPrefixesLevel(t *testing.T) {
	var buf bytes.Buffer
	cfg := Config{Slog: SlogConfig{Level: LevelDebug, Color: true}}
	l := cfg.newSloggerTo(&buf).With("role", "tunnel")
	l.Error("boom")
	out := buf.String()
	assert.True(t, strings.Contains(out, "\033[31mERROR"), "missing colour prefix: %q", out)
	assert.Contains(t, out, "role=tunnel")
}

func TestNewSloggerToFile(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Slog: SlogConfig{File: "sup.log"}, File: FileConfig{Dir: dir}}
	l := cfg.NewSlogger()
	l.Info("to file")
	b, err := os.ReadFile(filepath.Join(dir, "sup.log"))
	require.NoError(t, err)
	assert.Contains(t, string(b), "to file")
}
