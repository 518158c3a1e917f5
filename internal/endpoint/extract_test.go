package endpoint

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quickTunnel = regexp.MustCompile(DefaultPattern)

func TestExtract(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		want   string
		wantOK bool
	}{
		{name: "none", text: "INF starting tunnel\nINF registering\n"},
		{
			name:   "one",
			text:   "INF |  https://foo-bar.trycloudflare.com  |\n",
			want:   "https://foo-bar.trycloudflare.com",
			wantOK: true,
		},
		{
			name:   "last wins",
			text:   "Connected https://foo-bar.trycloudflare.com\nreconnect\nConnected https://baz-qux.trycloudflare.com",
			want:   "https://baz-qux.trycloudflare.com",
			wantOK: true,
		},
		{name: "partial line", text: "Connected https://half-writ"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Extract(tt.text, quickTunnel)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractNilPattern(t *testing.T) {
	_, ok := Extract("https://a.trycloudflare.com", nil)
	assert.False(t, ok)
}

func writeLog(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "tunnel.log")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestExtractFileMissing(t *testing.T) {
	url, ok, err := ExtractFile(filepath.Join(t.TempDir(), "nope.log"), quickTunnel, 0, 0)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, url)
}

func TestExtractFileSkipsEarlierRuns(t *testing.T) {
	old := "run1 https://old-one.trycloudflare.com\n"
	p := writeLog(t, old+"run2 starting\n")

	_, ok, err := ExtractFile(p, quickTunnel, int64(len(old)), 0)
	require.NoError(t, err)
	assert.False(t, ok, "URL from the previous run must be ignored")

	f, err := os.OpenFile(p, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, _ = f.WriteString("run2 https://new-two.trycloudflare.com\n")
	require.NoError(t, f.Close())

	url, ok, err := ExtractFile(p, quickTunnel, int64(len(old)), 0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "https://new-two.trycloudflare.com", url)
}

func TestExtractFileRotatedLogReadFromStart(t *testing.T) {
	p := writeLog(t, "https://fresh.trycloudflare.com\n")
	url, ok, err := ExtractFile(p, quickTunnel, 10_000, 0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "https://fresh.trycloudflare.com", url)
}

func TestReadTailDropsLeadingFragment(t *testing.T) {
	content := "https://aaaa.trycloudflare.com\n" + strings.Repeat("x", 10) + "\nlast line\n"
	p := writeLog(t, content)
	b, err := ReadTail(p, 0, 20)
	require.NoError(t, err)
	assert.Equal(t, "last line\n", string(b))

	_, ok, err := ExtractFile(p, quickTunnel, 0, 20)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSize(t *testing.T) {
	assert.Equal(t, int64(0), Size(filepath.Join(t.TempDir(), "none")))
	assert.Equal(t, int64(3), Size(writeLog(t, "abc")))
}
