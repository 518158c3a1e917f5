package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loykin/tunnelkeeper/internal/detector"
	"github.com/loykin/tunnelkeeper/internal/logger"
)

func writeConfig(t *testing.T, data string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "tunnelkeeper.toml")
	if err := os.WriteFile(p, []byte(data), 0o644); err != nil {
		t.Fatalf("write toml: %v", err)
	}
	return p
}

const minimal = `
state_dir = "/var/lib/tk"

[service]
command = "python3 chatbot_app.py"
  [service.health]
  url = "http://127.0.0.1:3000/api/health"

[tunnel]
command = "cloudflared tunnel --url http://localhost:3000"
`

func TestLoad_MinimalAppliesDefaults(t *testing.T) {
	c, err := Load(writeConfig(t, minimal))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if c.Service.Name != RoleService || c.Tunnel.Name != RoleTunnel {
		t.Fatalf("unexpected names: %q %q", c.Service.Name, c.Tunnel.Name)
	}
	if c.Service.Health.Attempts != 5 || c.Service.Health.Interval != 2*time.Second {
		t.Fatalf("unexpected health defaults: %+v", c.Service.Health)
	}
	if c.Service.Health.ExpectStatus != 200 {
		t.Fatalf("expect_status default: %d", c.Service.Health.ExpectStatus)
	}
	if c.Monitor.Interval != 30*time.Second || c.Tunnel.SettleDelay != 5*time.Second {
		t.Fatalf("unexpected timing defaults: monitor=%s settle=%s", c.Monitor.Interval, c.Tunnel.SettleDelay)
	}
	if c.Service.PIDFile != "/var/lib/tk/service.pid" || c.Tunnel.LogFile != "/var/lib/tk/tunnel.log" {
		t.Fatalf("state paths not resolved: %q %q", c.Service.PIDFile, c.Tunnel.LogFile)
	}
	if c.Endpoint.File != "/var/lib/tk/endpoint.url" {
		t.Fatalf("endpoint file: %q", c.Endpoint.File)
	}
	if c.Server.BasePath != "/api" || c.Monitor.BackupSuffix != ".bak" {
		t.Fatalf("unexpected server/monitor defaults: %+v %+v", c.Server, c.Monitor)
	}
	if c.Log.Slog.Level != logger.LevelInfo {
		t.Fatalf("log level: %q", c.Log.Slog.Level)
	}
}

func TestLoad_Full(t *testing.T) {
	p := writeConfig(t, `
state_dir = "state"
env = ["PORT=3000"]

[log]
  [log.slog]
  level = "debug"
  format = "json"
  file = "tunnelkeeper.log"
  [log.file]
  dir = "/var/log/tk"
  max_size_mb = 5

[service]
name = "chatbot"
command = "python3"
args = ["chatbot_app.py"]
workdir = "/srv/chatbot"
env = ["MODEL=mini"]
stale_pattern = "python3.*chatbot_app.py"
stop_grace = "3s"
  [service.health]
  url = "http://127.0.0.1:3000/api/health"
  attempts = 7
  interval = "500ms"
  expect_status = 200

[tunnel]
command = "cloudflared tunnel --url http://localhost:3000"
log_file = "/tmp/cf.log"
settle_delay = "1s"
public_check_path = "/api/health"

[endpoint]
discovery_attempts = 3
discovery_interval = "250ms"

[[targets]]
path = "site/index.html"

[[targets]]
path = "site/widget.html"
pattern = "https://[a-z-]+\\.example\\.com"

[monitor]
interval = "10s"

[server]
listen = "127.0.0.1:9400"

[history]
enabled = true
sinks = ["sqlite://history.db"]
`)
	c, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if c.Service.Name != "chatbot" || len(c.Service.Args) != 1 || c.Service.StopGrace != 3*time.Second {
		t.Fatalf("unexpected service: %+v", c.Service)
	}
	if c.Service.Health.ExpectStatus != 200 || c.Service.Health.Attempts != 7 {
		t.Fatalf("unexpected health: %+v", c.Service.Health)
	}
	if c.Service.LogFile != "/var/log/tk/chatbot.log" || c.Tunnel.LogFile != "/tmp/cf.log" {
		t.Fatalf("log paths: %q %q", c.Service.LogFile, c.Tunnel.LogFile)
	}
	if c.Log.Slog.File != "/var/log/tk/tunnelkeeper.log" || c.Log.File.Dir != "" || c.Log.File.MaxSizeMB != 5 {
		t.Fatalf("log config: %+v", c.Log)
	}
	if c.Service.PIDFile != filepath.Join("state", "chatbot.pid") {
		t.Fatalf("pid path: %q", c.Service.PIDFile)
	}
	targets, err := c.PropagateTargets()
	if err != nil {
		t.Fatalf("targets: %v", err)
	}
	if len(targets) != 2 {
		t.Fatalf("expected 2 targets, got %d", len(targets))
	}
	if !targets[0].Pattern.MatchString("https://a-b.trycloudflare.com") {
		t.Errorf("first target should inherit the endpoint pattern")
	}
	if !targets[1].Pattern.MatchString("https://docs-bot.example.com") {
		t.Errorf("second target pattern not applied")
	}
	if !c.History.Enabled || c.History.Sinks[0] != "sqlite://history.db" {
		t.Fatalf("history: %+v", c.History)
	}

	spec := c.ProcessSpec(c.Service.ProcConfig)
	if spec.Name != "chatbot" || spec.WorkDir != "/srv/chatbot" || spec.Log.MaxSizeMB != 5 {
		t.Fatalf("process spec: %+v", spec)
	}
}

func TestValidate_Errors(t *testing.T) {
	c, err := Load(writeConfig(t, `
[service]
name = "same"
stale_pattern = "("
[tunnel]
name = "same"
[endpoint]
pattern = "["
[[targets]]
pattern = "x"
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	err = c.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"service.command", "tunnel.command", "service.health.url", "share name", "endpoint.pattern", "service.stale_pattern", "targets[0]"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestDefault(t *testing.T) {
	c := Default()
	if c.StateDir != ".tunnelkeeper" || c.Endpoint.File != filepath.Join(".tunnelkeeper", "endpoint.url") {
		t.Fatalf("unexpected defaults: %+v", c)
	}
}

func TestGlobalEnv_Precedence(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "app.env")
	if err := os.WriteFile(envFile, []byte("A=file\nB=file\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	c := &Config{EnvFiles: []string{envFile}, Env: []string{"B=list", "C=${A}-x"}}
	e, err := c.GlobalEnv()
	if err != nil {
		t.Fatalf("global env: %v", err)
	}
	got := strings.Join(e.Merge([]string{"D=proc"}), ",")
	if got != "A=file,B=list,C=file-x,D=proc" {
		t.Fatalf("unexpected env: %s", got)
	}
}

func TestGlobalEnv_MissingFile(t *testing.T) {
	c := &Config{EnvFiles: []string{"/definitely/missing.env"}}
	if _, err := c.GlobalEnv(); err == nil {
		t.Fatal("expected error")
	}
}

func TestStaleDetectors(t *testing.T) {
	dets := StaleDetectors(ProcConfig{PIDFile: "/tmp/x.pid", StalePattern: "cloudflared tunnel"})
	if len(dets) != 2 {
		t.Fatalf("expected 2 detectors, got %d", len(dets))
	}
	if _, ok := dets[0].(detector.PIDFileDetector); !ok {
		t.Errorf("first detector: %T", dets[0])
	}
	if _, ok := dets[1].(detector.PatternDetector); !ok {
		t.Errorf("second detector: %T", dets[1])
	}
	if len(StaleDetectors(ProcConfig{})) != 0 {
		t.Error("expected no detectors")
	}
}
