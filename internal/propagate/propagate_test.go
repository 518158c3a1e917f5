package propagate

import (
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var tunnelURL = regexp.MustCompile(`https://[a-z0-9]+(?:-[a-z0-9]+)*\.trycloudflare\.com`)

const page = `<!DOCTYPE html>
<html>
<body>
  <h1>Docs $1 assistant</h1>
  <iframe src="https://old-host.trycloudflare.com/embed" width="400"></iframe>
  <script>const API = "https://old-host.trycloudflare.com/api/chat";</script>
</body>
</html>
`

func writeTarget(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o640))
	return p
}

func TestApplyIsLiteralAndCounts(t *testing.T) {
	out, n := Apply([]byte(page), tunnelURL, "https://new-host.trycloudflare.com")
	assert.Equal(t, 2, n)
	assert.Equal(t, strings.ReplaceAll(page, "old-host", "new-host"), string(out))

	out2, n2 := Apply(out, tunnelURL, "https://new-host.trycloudflare.com")
	assert.Zero(t, n2)
	assert.Equal(t, out, out2)

	// "$1" in the replacement must not be expanded.
	out3, _ := Apply([]byte("x https://a.trycloudflare.com y"), tunnelURL, "https://$1.example")
	assert.Equal(t, "x https://$1.example y", string(out3))
}

func TestPropagateRewritesAndBacksUp(t *testing.T) {
	dir := t.TempDir()
	a := writeTarget(t, dir, "index.html", page)
	b := writeTarget(t, dir, "widget.html", page)
	url := "https://fresh-start.trycloudflare.com"

	res := Propagator{}.Propagate(url, []Target{{Path: a, Pattern: tunnelURL}, {Path: b, Pattern: tunnelURL}})
	require.Len(t, res, 2)
	for _, r := range res {
		require.NoError(t, r.Err)
		assert.True(t, r.Changed)
		assert.Equal(t, 2, r.Replacements)
		assert.Equal(t, r.Path+DefaultBackupSuffix, r.Backup)

		got, err := os.ReadFile(r.Path)
		require.NoError(t, err)
		assert.Equal(t, strings.ReplaceAll(page, "https://old-host.trycloudflare.com", url), string(got))

		bak, err := os.ReadFile(r.Backup)
		require.NoError(t, err)
		assert.Equal(t, page, string(bak))

		fi, err := os.Stat(r.Path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o640), fi.Mode().Perm())
	}
}

func TestPropagateIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	p := writeTarget(t, dir, "index.html", page)
	targets := []Target{{Path: p, Pattern: tunnelURL}}
	url := "https://same-url.trycloudflare.com"
	pr := Propagator{BackupSuffix: ".orig"}

	pr.Propagate(url, targets)
	once, err := os.ReadFile(p)
	require.NoError(t, err)

	res := pr.Propagate(url, targets)
	require.NoError(t, res[0].Err)
	assert.False(t, res[0].Changed)
	assert.Empty(t, res[0].Backup)
	twice, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, once, twice)

	bak, err := os.ReadFile(p + ".orig")
	require.NoError(t, err)
	assert.Equal(t, page, string(bak), "second pass must not overwrite the backup")
}

func TestPropagateMissingTargetDoesNotAbort(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "gone.html")
	present := writeTarget(t, dir, "index.html", page)

	res := Propagator{}.Propagate("https://next-one.trycloudflare.com", []Target{
		{Path: missing, Pattern: tunnelURL},
		{Path: present, Pattern: tunnelURL},
	})
	require.Len(t, res, 2)
	assert.True(t, res[0].Skipped)
	assert.True(t, errors.Is(res[0].Err, ErrTargetMissing))
	assert.NoError(t, res[1].Err)
	assert.True(t, res[1].Changed)
	assert.Equal(t, 1, Failed(res))
}

func TestPropagateNoMatchLeavesFileAlone(t *testing.T) {
	dir := t.TempDir()
	p := writeTarget(t, dir, "plain.html", "<p>no tunnel here</p>\n")
	res := Propagator{}.Propagate("https://x.trycloudflare.com", []Target{{Path: p, Pattern: tunnelURL}})
	assert.NoError(t, res[0].Err)
	assert.False(t, res[0].Changed)
	_, err := os.Stat(p + DefaultBackupSuffix)
	assert.True(t, os.IsNotExist(err))
}

func TestPropagateEmptyURL(t *testing.T) {
	res := Propagator{}.Propagate("", []Target{{Path: "whatever", Pattern: tunnelURL}})
	assert.True(t, errors.Is(res[0].Err, ErrEmptyURL))
}
