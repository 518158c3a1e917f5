// Package supervisor runs the local service and its public tunnel, keeps the
// discovered endpoint URL propagated into target files, and restarts either
// process when it is found dead.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/loykin/tunnelkeeper/internal/detector"
	"github.com/loykin/tunnelkeeper/internal/endpoint"
	"github.com/loykin/tunnelkeeper/internal/env"
	"github.com/loykin/tunnelkeeper/internal/history"
	"github.com/loykin/tunnelkeeper/internal/metrics"
	"github.com/loykin/tunnelkeeper/internal/probe"
	"github.com/loykin/tunnelkeeper/internal/process"
	"github.com/loykin/tunnelkeeper/internal/propagate"
)

// ErrServiceUnhealthy is returned by Run when the service never passes its
// health check, in which case the tunnel is not started.
var ErrServiceUnhealthy = errors.New("local service failed its health check")

// State is the supervisor lifecycle phase reported in snapshots and metrics.
type State string

const (
	StateStopped         State = "stopped"
	StateStartingService State = "starting_service"
	StateProbing         State = "probing"
	StateStartingTunnel  State = "starting_tunnel"
	StateDiscovering     State = "discovering_endpoint"
	StatePropagating     State = "propagating"
	StateMonitoring      State = "monitoring"
	StateShuttingDown    State = "shutting_down"
)

var allStates = []string{
	string(StateStopped), string(StateStartingService), string(StateProbing), string(StateStartingTunnel),
	string(StateDiscovering), string(StatePropagating), string(StateMonitoring), string(StateShuttingDown),
}

// Role groups what the supervisor needs to run one process.
type Role struct {
	Spec process.Spec
	// Stale finds leftover instances to terminate before each start.
	Stale     []detector.Detector
	StopGrace time.Duration
}

// HealthCheck configures readiness polling of the local service.
type HealthCheck struct {
	URL      string
	Attempts int
	Interval time.Duration
	Prober   probe.Prober
}

// Discovery configures how the public URL is extracted from the tunnel log.
type Discovery struct {
	Pattern     *regexp.Regexp
	SettleDelay time.Duration
	// Attempts * Interval bounds the time spent looking for a URL after each
	// tunnel start.
	Attempts    int
	Interval    time.Duration
	MaxLogBytes int64
}

// Options configures a Supervisor.
type Options struct {
	Service Role
	Tunnel  Role
	Health  HealthCheck
	Disc    Discovery

	Targets      []propagate.Target
	BackupSuffix string
	EndpointFile string

	MonitorInterval time.Duration
	// Env is the base environment; nil inherits the supervisor's own.
	Env     *env.Env
	History *history.Recorder
	Logger  *slog.Logger
	// OnEndpoint is called after a newly discovered URL has been stored.
	OnEndpoint func(endpoint.Record)
}

// RoleStatus is the externally visible state of one role.
type RoleStatus struct {
	Name      string    `json:"name"`
	PID       int       `json:"pid"`
	Alive     bool      `json:"alive"`
	Starts    int       `json:"starts"`
	Restarts  int       `json:"restarts"`
	StartedAt time.Time `json:"started_at,omitempty"`
	LastExit  string    `json:"last_exit,omitempty"`
}

// Snapshot is a point-in-time view of the supervisor.
type Snapshot struct {
	State    State           `json:"state"`
	Since    time.Time       `json:"since"`
	Endpoint endpoint.Record `json:"endpoint"`
	Service  RoleStatus      `json:"service"`
	Tunnel   RoleStatus      `json:"tunnel"`
}

// Supervisor owns one service process and one tunnel process. Run drives it
// from a single goroutine; Snapshot may be called concurrently.
type Supervisor struct {
	opts    Options
	log     *slog.Logger
	service *process.Process
	tunnel  *process.Process
	store   endpoint.Store
	prop    propagate.Propagator

	mu       sync.RWMutex
	state    State
	since    time.Time
	record   endpoint.Record
	restarts map[string]int
}

// New validates opts and returns a Supervisor that has not started anything.
func New(opts Options) (*Supervisor, error) {
	if err := opts.Service.Spec.Validate(); err != nil {
		return nil, fmt.Errorf("service: %w", err)
	}
	if err := opts.Tunnel.Spec.Validate(); err != nil {
		return nil, fmt.Errorf("tunnel: %w", err)
	}
	if opts.Health.URL == "" {
		return nil, errors.New("health URL is required")
	}
	if opts.Disc.Pattern == nil {
		opts.Disc.Pattern = regexp.MustCompile(endpoint.DefaultPattern)
	}
	if opts.MonitorInterval <= 0 {
		opts.MonitorInterval = 30 * time.Second
	}
	if opts.Health.Attempts <= 0 {
		opts.Health.Attempts = 5
	}
	if opts.Disc.Attempts <= 0 {
		opts.Disc.Attempts = 10
	}
	if opts.Disc.Interval <= 0 {
		opts.Disc.Interval = 2 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.Health.Prober.Logger == nil {
		opts.Health.Prober.Logger = log.With("role", opts.Service.Spec.Name)
	}
	return &Supervisor{
		opts:     opts,
		log:      log,
		service:  process.New(opts.Service.Spec),
		tunnel:   process.New(opts.Tunnel.Spec),
		store:    endpoint.Store{Path: opts.EndpointFile},
		prop:     propagate.Propagator{BackupSuffix: opts.BackupSuffix, Logger: log},
		state:    StateStopped,
		since:    time.Now(),
		restarts: make(map[string]int),
	}, nil
}

// Run starts both processes and monitors them until ctx is cancelled. It
// returns ErrServiceUnhealthy when the service never becomes healthy at
// startup, and nil after a shutdown triggered by ctx.
func (s *Supervisor) Run(ctx context.Context) error {
	if rec, err := s.store.Load(); err != nil {
		s.log.Warn("cannot read endpoint file", "path", s.store.Path, "error", err)
	} else if rec.Known() {
		s.mu.Lock()
		s.record = rec
		s.mu.Unlock()
	}

	if err := s.startService(ctx); err != nil {
		s.shutdown()
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	if ctx.Err() == nil {
		s.startTunnel(ctx)
	}
	s.setState(StateMonitoring)
	s.log.Info("monitoring", "interval", s.opts.MonitorInterval)

	t := time.NewTicker(s.opts.MonitorInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case <-t.C:
			s.check(ctx)
		}
	}
}

// check restarts whichever role is not alive. Each role is handled on its
// own: a dead service does not touch the tunnel and vice versa.
func (s *Supervisor) check(ctx context.Context) {
	serviceUp := s.service.IsAlive()
	metrics.SetUp(s.opts.Service.Spec.Name, serviceUp)
	if !serviceUp && ctx.Err() == nil {
		s.noteExit(ctx, s.service)
		s.log.Warn("service not running, restarting", "role", s.opts.Service.Spec.Name)
		if err := s.startService(ctx); err != nil {
			s.log.Error("service restart failed", "role", s.opts.Service.Spec.Name, "error", err)
		}
		s.setState(StateMonitoring)
	}

	tunnelUp := s.tunnel.IsAlive()
	metrics.SetUp(s.opts.Tunnel.Spec.Name, tunnelUp)
	if !tunnelUp && ctx.Err() == nil {
		s.noteExit(ctx, s.tunnel)
		s.log.Warn("tunnel not running, restarting", "role", s.opts.Tunnel.Spec.Name)
		s.startTunnel(ctx)
		s.setState(StateMonitoring)
	}
}

func (s *Supervisor) noteExit(ctx context.Context, p *process.Process) {
	st := p.Snapshot()
	name := p.Spec().Name
	if st.Starts == 0 {
		return
	}
	s.mu.Lock()
	s.restarts[name]++
	s.mu.Unlock()
	metrics.IncRestart(name)
	s.opts.History.Record(ctx, history.Event{Type: history.EventExit, Role: name, Detail: st.ExitErr})
}

// startService terminates leftovers, spawns the service and waits for it to
// become healthy.
func (s *Supervisor) startService(ctx context.Context) error {
	role := s.opts.Service
	name := role.Spec.Name
	s.setState(StateStartingService)
	s.terminateStale(role, s.tunnel.PID())

	if err := s.service.Start(s.environ(role.Spec)); err != nil {
		return fmt.Errorf("start %s: %w", name, err)
	}
	pid := s.service.PID()
	metrics.IncStart(name)
	s.opts.History.Record(ctx, history.Event{Type: history.EventStart, Role: name, PID: pid})
	s.log.Info("service started", "role", name, "pid", pid, "log", role.Spec.Log.ResolvePath(role.Spec.LogFile))

	s.setState(StateProbing)
	h := s.opts.Health
	if !h.Prober.WaitUntilReady(ctx, h.URL, h.Attempts, h.Interval) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.opts.History.Record(ctx, history.Event{Type: history.EventProbeFailed, Role: name, PID: pid, URL: h.URL})
		s.log.Error("service did not become healthy", "role", name, "url", h.URL, "attempts", h.Attempts)
		return fmt.Errorf("%s at %s: %w", name, h.URL, ErrServiceUnhealthy)
	}
	return nil
}

// startTunnel spawns the tunnel and looks for its public URL. Every failure
// here is logged and left to the next monitoring tick.
func (s *Supervisor) startTunnel(ctx context.Context) {
	role := s.opts.Tunnel
	name := role.Spec.Name
	logPath := role.Spec.Log.ResolvePath(role.Spec.LogFile)

	s.setState(StateStartingTunnel)
	s.terminateStale(role, s.service.PID())
	offset := endpoint.Size(logPath)
	if err := s.tunnel.Start(s.environ(role.Spec)); err != nil {
		s.log.Error("tunnel start failed", "role", name, "error", err)
		return
	}
	pid := s.tunnel.PID()
	metrics.IncStart(name)
	s.opts.History.Record(ctx, history.Event{Type: history.EventStart, Role: name, PID: pid})
	s.log.Info("tunnel started", "role", name, "pid", pid, "log", logPath)

	if !sleepCtx(ctx, s.opts.Disc.SettleDelay) {
		return
	}
	s.setState(StateDiscovering)
	url, ok := s.discover(ctx, logPath, offset)
	if !ok {
		s.log.Warn("no endpoint URL found in tunnel log", "role", name, "log", logPath, "current", s.Endpoint().URL)
		return
	}
	s.setState(StatePropagating)
	s.accept(ctx, url)
}

func (s *Supervisor) discover(ctx context.Context, logPath string, offset int64) (string, bool) {
	d := s.opts.Disc
	deadline := time.Now().Add(time.Duration(d.Attempts) * d.Interval)
	for {
		url, ok, err := endpoint.ExtractFile(logPath, d.Pattern, offset, d.MaxLogBytes)
		if err != nil {
			s.log.Debug("reading tunnel log", "log", logPath, "error", err)
		}
		if ok {
			return url, true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 || ctx.Err() != nil || !s.tunnel.IsAlive() {
			return "", false
		}
		endpoint.WaitForWrite(ctx, logPath, min(d.Interval, remaining))
	}
}

// accept records url as the current endpoint and propagates it.
func (s *Supervisor) accept(ctx context.Context, url string) {
	s.mu.Lock()
	changed := s.record.URL != url
	if changed {
		s.record = endpoint.Record{URL: url, DiscoveredAt: time.Now()}
	}
	rec := s.record
	s.mu.Unlock()

	if changed {
		metrics.IncEndpointChange()
		if err := s.store.Save(rec); err != nil {
			s.log.Warn("cannot write endpoint file", "path", s.store.Path, "error", err)
		}
		s.opts.History.Record(ctx, history.Event{Type: history.EventEndpoint, Role: s.opts.Tunnel.Spec.Name, URL: url})
		s.log.Info("endpoint discovered", "url", url)
		if s.opts.OnEndpoint != nil {
			s.opts.OnEndpoint(rec)
		}
	} else {
		s.log.Info("endpoint unchanged", "url", url)
	}

	results := s.prop.Propagate(url, s.opts.Targets)
	var changedN, failed int
	for _, r := range results {
		switch {
		case r.Skipped:
			metrics.IncPropagation("skipped")
			failed++
		case r.Err != nil:
			metrics.IncPropagation("error")
			failed++
		case r.Changed:
			metrics.IncPropagation("changed")
			changedN++
		default:
			metrics.IncPropagation("unchanged")
		}
	}
	if len(results) > 0 {
		s.opts.History.Record(ctx, history.Event{
			Type:   history.EventPropagate,
			URL:    url,
			Detail: fmt.Sprintf("%d targets, %d changed, %d failed", len(results), changedN, failed),
		})
	}
}

func (s *Supervisor) terminateStale(role Role, keep int) {
	if len(role.Stale) == 0 {
		return
	}
	var keeps []int
	if keep > 0 {
		keeps = append(keeps, keep)
	}
	pids, err := process.TerminateStale(role.Stale, role.StopGrace, keeps...)
	if err != nil {
		s.log.Debug("stale process lookup", "role", role.Spec.Name, "error", err)
	}
	if len(pids) > 0 {
		s.log.Warn("terminated stale processes", "role", role.Spec.Name, "pids", pids)
	}
}

func (s *Supervisor) environ(spec process.Spec) []string {
	e := s.opts.Env
	if e == nil {
		e = env.New()
		e.FromOS()
	}
	return e.Merge(spec.Env)
}

// shutdown stops the tunnel first, then the service.
func (s *Supervisor) shutdown() {
	s.setState(StateShuttingDown)
	ctx := context.Background()
	for _, r := range []struct {
		p     *process.Process
		grace time.Duration
	}{
		{s.tunnel, s.opts.Tunnel.StopGrace},
		{s.service, s.opts.Service.StopGrace},
	} {
		name := r.p.Spec().Name
		pid := r.p.PID()
		if err := r.p.Stop(r.grace); err != nil {
			s.log.Error("stop failed", "role", name, "error", err)
		}
		if pid > 0 {
			metrics.IncStop(name)
			s.opts.History.Record(ctx, history.Event{Type: history.EventStop, Role: name, PID: pid})
			s.log.Info("stopped", "role", name, "pid", pid)
		}
		metrics.SetUp(name, false)
	}
	s.setState(StateStopped)
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.since = time.Now()
	s.mu.Unlock()
	metrics.SetState(string(st), allStates)
	if prev != st {
		s.log.Debug("state", "from", prev, "to", st)
	}
}

// State returns the current lifecycle phase.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Endpoint returns the most recently accepted public URL record.
func (s *Supervisor) Endpoint() endpoint.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.record
}

// Snapshot returns a consistent view for status reporting.
func (s *Supervisor) Snapshot() Snapshot {
	s.mu.RLock()
	snap := Snapshot{State: s.state, Since: s.since, Endpoint: s.record}
	restarts := map[string]int{
		s.opts.Service.Spec.Name: s.restarts[s.opts.Service.Spec.Name],
		s.opts.Tunnel.Spec.Name:  s.restarts[s.opts.Tunnel.Spec.Name],
	}
	s.mu.RUnlock()
	snap.Service = roleStatus(s.service.Snapshot(), restarts)
	snap.Tunnel = roleStatus(s.tunnel.Snapshot(), restarts)
	return snap
}

// Healthy reports whether the supervisor is monitoring with both roles alive.
func (s Snapshot) Healthy() bool {
	return s.State == StateMonitoring && s.Service.Alive && s.Tunnel.Alive
}

// PIDs maps role names to live PIDs, for resource sampling.
func (s *Supervisor) PIDs() map[string]int32 {
	return map[string]int32{
		s.opts.Service.Spec.Name: int32(s.service.PID()),
		s.opts.Tunnel.Spec.Name:  int32(s.tunnel.PID()),
	}
}

func roleStatus(st process.Status, restarts map[string]int) RoleStatus {
	return RoleStatus{
		Name:      st.Name,
		PID:       st.PID,
		Alive:     st.Running,
		Starts:    st.Starts,
		Restarts:  restarts[st.Name],
		StartedAt: st.StartedAt,
		LastExit:  st.ExitErr,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
