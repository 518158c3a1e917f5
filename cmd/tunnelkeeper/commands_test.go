package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := buildRoot(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "tunnelkeeper.toml")
	body = strings.ReplaceAll(body, "{{dir}}", dir)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestHelpMentionsCommands(t *testing.T) {
	out, err := execute(t, "--help")
	require.NoError(t, err)
	for _, sub := range []string{"run", "status", "extract", "propagate", "version"} {
		assert.Contains(t, out, sub)
	}
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "tunnelkeeper dev\n", out)
}

func TestExtractPrintsLastURL(t *testing.T) {
	log := filepath.Join(t.TempDir(), "tunnel.log")
	require.NoError(t, os.WriteFile(log, []byte(
		"INF |  https://first-one.trycloudflare.com  |\n"+
			"INF |  https://second-one.trycloudflare.com  |\n"), 0o644))
	out, err := execute(t, "extract", "--log", log)
	require.NoError(t, err)
	assert.Equal(t, "https://second-one.trycloudflare.com\n", out)
}

func TestExtractNoMatch(t *testing.T) {
	log := filepath.Join(t.TempDir(), "tunnel.log")
	require.NoError(t, os.WriteFile(log, []byte("starting\n"), 0o644))
	_, err := execute(t, "extract", "--log", log)
	require.Error(t, err)
}

func TestExtractRequiresLog(t *testing.T) {
	_, err := execute(t, "extract")
	require.Error(t, err)
}

func TestPropagateRewritesTargets(t *testing.T) {
	cfg := writeConfig(t, `
state_dir = "{{dir}}/state"

[service]
command = "sleep"
args = ["30"]
[service.health]
url = "http://127.0.0.1:1/health"

[tunnel]
command = "cloudflared"

[[targets]]
path = "{{dir}}/index.html"
`)
	page := filepath.Join(filepath.Dir(cfg), "index.html")
	require.NoError(t, os.WriteFile(page, []byte(`src="https://old-one.trycloudflare.com/embed"`), 0o644))

	out, err := execute(t, "propagate", "--config", cfg, "--url", "https://new-one.trycloudflare.com")
	require.NoError(t, err)
	assert.Contains(t, out, "1 replaced")

	b, err := os.ReadFile(page)
	require.NoError(t, err)
	assert.Equal(t, `src="https://new-one.trycloudflare.com/embed"`, string(b))
	_, err = os.Stat(page + ".bak")
	assert.NoError(t, err)
}

func TestStatusDegradedExitsWithError(t *testing.T) {
	health := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer health.Close()

	cfg := writeConfig(t, `
state_dir = "{{dir}}/state"

[service]
command = "sleep"
[service.health]
url = "`+health.URL+`"

[tunnel]
command = "cloudflared"
`)
	out, err := execute(t, "status", "--config", cfg, "--json")
	require.Error(t, err)

	var report struct {
		Checks []struct {
			Name  string `json:"name"`
			Level string `json:"level"`
		} `json:"checks"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	levels := map[string]string{}
	for _, c := range report.Checks {
		levels[c.Name] = c.Level
	}
	assert.Equal(t, "fail", levels["service process"])
	assert.Equal(t, "ok", levels["service health"])
	assert.Equal(t, "warn", levels["endpoint"])
}

func TestRunRejectsMissingConfig(t *testing.T) {
	_, err := execute(t, "run", "--config", filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
}
