package env

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergePrecedenceAndExpansion(t *testing.T) {
	e := New()
	e.SetAll([]string{"PORT=3000", "BASE=http://localhost:${PORT}", "bad"})
	out := e.Merge([]string{"PORT=4000", "=skip", "HEALTH=${BASE}/api/health"})
	assert.Equal(t, []string{
		"BASE=http://localhost:4000",
		"HEALTH=http://localhost:${PORT}/api/health",
		"PORT=4000",
	}, out)
}

func TestMergeKeepsUnknownReferences(t *testing.T) {
	e := New()
	out := e.Merge([]string{"A=${MISSING}-$B"})
	assert.Equal(t, []string{"A=${MISSING}-$B"}, out)
}

func TestMergeUsesOSWhenEnabled(t *testing.T) {
	t.Setenv("TUNNELKEEPER_ENV_TEST", "yes")
	e := New()
	e.UseOS = true
	out := e.Merge(nil)
	assert.Contains(t, out, "TUNNELKEEPER_ENV_TEST=yes")

	plain := New().Merge(nil)
	assert.NotContains(t, plain, "TUNNELKEEPER_ENV_TEST=yes")
}

func TestLoadFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "app.env")
	content := "# comment\nexport A=1\nB = \"two words\"\nC='x'\nnoeq\n\n"
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	m, err := LoadFile(p)
	require.NoError(t, err)
	assert.Equal(t, Var{"A": "1", "B": "two words", "C": "x"}, m)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}
