// Package status builds the one-shot health report printed by the status
// command.
package status

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/loykin/tunnelkeeper/internal/config"
	"github.com/loykin/tunnelkeeper/internal/detector"
	"github.com/loykin/tunnelkeeper/internal/endpoint"
	"github.com/loykin/tunnelkeeper/internal/probe"
	"github.com/loykin/tunnelkeeper/pkg/client"
)

var ErrDegraded = errors.New("degraded")

type Level int

const (
	LevelOK Level = iota
	LevelWarn
	LevelFail
)

func (l Level) Marker() string {
	switch l {
	case LevelOK:
		return "[ OK ]"
	case LevelWarn:
		return "[WARN]"
	default:
		return "[FAIL]"
	}
}

func (l Level) MarshalText() ([]byte, error) {
	return []byte(strings.ToLower(strings.Trim(l.Marker(), "[] "))), nil
}

type Check struct {
	Name   string `json:"name"`
	Level  Level  `json:"level"`
	Detail string `json:"detail"`
}

type Report struct {
	GeneratedAt time.Time `json:"generated_at"`
	Checks      []Check   `json:"checks"`
}

func (r *Report) add(name string, l Level, format string, args ...any) {
	r.Checks = append(r.Checks, Check{Name: name, Level: l, Detail: fmt.Sprintf(format, args...)})
}

// Err returns ErrDegraded when any check failed.
func (r Report) Err() error {
	for _, c := range r.Checks {
		if c.Level == LevelFail {
			return ErrDegraded
		}
	}
	return nil
}

// WriteText prints one line per check followed by a summary.
func (r Report) WriteText(w io.Writer) {
	width := 0
	for _, c := range r.Checks {
		width = max(width, len(c.Name))
	}
	for _, c := range r.Checks {
		_, _ = fmt.Fprintf(w, "%s %-*s  %s\n", c.Level.Marker(), width, c.Name, c.Detail)
	}
	if r.Err() != nil {
		_, _ = fmt.Fprintln(w, "overall: degraded")
		return
	}
	_, _ = fmt.Fprintln(w, "overall: healthy")
}

// Checker inspects the state a supervisor leaves on disk and probes the
// service directly, without talking to the supervisor.
type Checker struct {
	Config *config.Config
	Prober probe.Prober
	Now    func() time.Time
}

func (c Checker) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c Checker) Collect(ctx context.Context) Report {
	cfg := c.Config
	r := Report{GeneratedAt: c.now()}
	c.checkRole(&r, cfg.Service.ProcConfig)
	c.checkRole(&r, cfg.Tunnel.ProcConfig)

	h := cfg.Service.Health
	prober := c.Prober
	if prober.ExpectStatus == 0 {
		prober.ExpectStatus = h.ExpectStatus
	}
	if prober.Timeout == 0 {
		prober.Timeout = h.Timeout
	}
	res := prober.Check(ctx, h.URL)
	switch {
	case res.Status == probe.StatusHealthy && res.Payload != nil && res.Payload.Version != "":
		r.add("service health", LevelOK, "%s -> %d in %s (version %s)", h.URL, res.Code, res.Latency.Round(time.Millisecond), res.Payload.Version)
	case res.Status == probe.StatusHealthy:
		r.add("service health", LevelOK, "%s -> %d in %s", h.URL, res.Code, res.Latency.Round(time.Millisecond))
	default:
		r.add("service health", LevelFail, "%s: %v", h.URL, res.Err)
	}

	rec, err := endpoint.Store{Path: cfg.Endpoint.File}.Load()
	switch {
	case err != nil:
		r.add("endpoint", LevelFail, "%s: %v", cfg.Endpoint.File, err)
	case !rec.Known():
		r.add("endpoint", LevelWarn, "no URL recorded in %s", cfg.Endpoint.File)
	default:
		r.add("endpoint", LevelOK, "%s (recorded %s ago)", rec.URL, c.now().Sub(rec.DiscoveredAt).Round(time.Second))
	}

	if p := cfg.Tunnel.PublicCheckPath; p != "" && rec.Known() {
		u := strings.TrimRight(rec.URL, "/") + "/" + strings.TrimLeft(p, "/")
		res := c.Prober.Check(ctx, u)
		if res.Status == probe.StatusHealthy {
			r.add("public endpoint", LevelOK, "%s -> %d", u, res.Code)
		} else {
			r.add("public endpoint", LevelFail, "%s: %v", u, res.Err)
		}
	}

	for _, t := range cfg.Targets {
		c.checkTarget(&r, t.Path, rec)
	}
	return r
}

func (c Checker) checkRole(r *Report, pc config.ProcConfig) {
	name := pc.Name + " process"
	det := detector.PIDFileDetector{PIDFile: pc.PIDFile}
	pids, err := det.PIDs()
	if err != nil {
		r.add(name, LevelFail, "%s: %v", pc.PIDFile, err)
		return
	}
	if len(pids) == 0 {
		r.add(name, LevelFail, "not running (%s)", pc.PIDFile)
		return
	}
	pid := pids[0]
	if up, ok := uptime(pid, c.now()); ok {
		r.add(name, LevelOK, "pid %d, up %s", pid, up.Round(time.Second))
		return
	}
	r.add(name, LevelOK, "pid %d", pid)
}

func (c Checker) checkTarget(r *Report, path string, rec endpoint.Record) {
	name := "target " + path
	b, err := os.ReadFile(path) // #nosec G304 configured target
	switch {
	case errors.Is(err, os.ErrNotExist):
		r.add(name, LevelWarn, "missing")
	case err != nil:
		r.add(name, LevelFail, "%v", err)
	case !rec.Known():
		r.add(name, LevelWarn, "no endpoint to compare")
	case strings.Contains(string(b), rec.URL):
		r.add(name, LevelOK, "contains current endpoint")
	default:
		r.add(name, LevelFail, "does not contain %s", rec.URL)
	}
}

func uptime(pid int, now time.Time) (time.Duration, bool) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, false
	}
	ms, err := p.CreateTime()
	if err != nil || ms <= 0 {
		return 0, false
	}
	return now.Sub(time.UnixMilli(ms)), true
}

// FromAPI builds a report from a running supervisor's status API.
func FromAPI(ctx context.Context, c *client.Client) Report {
	r := Report{GeneratedAt: time.Now()}
	st, err := c.Status(ctx)
	if err != nil {
		r.add("supervisor", LevelFail, "%v", err)
		return r
	}
	if st.State == "monitoring" {
		r.add("supervisor", LevelOK, "state %s", st.State)
	} else {
		r.add("supervisor", LevelWarn, "state %s", st.State)
	}
	for _, role := range []client.Role{st.Service, st.Tunnel} {
		name := role.Name + " process"
		if !role.Alive {
			r.add(name, LevelFail, "not running (restarts %d, last exit %q)", role.Restarts, role.LastExit)
			continue
		}
		lvl := LevelOK
		if role.Restarts > 0 {
			lvl = LevelWarn
		}
		r.add(name, lvl, "pid %d, up %s, restarts %d", role.PID, time.Since(role.StartedAt).Round(time.Second), role.Restarts)
	}
	if st.Endpoint.URL == "" {
		r.add("endpoint", LevelWarn, "not discovered yet")
	} else {
		r.add("endpoint", LevelOK, "%s", st.Endpoint.URL)
	}
	return r
}
