package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// ProcessMetrics holds CPU and memory usage for one supervised process.
type ProcessMetrics struct {
	Role       string    `json:"role"`
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ResourceConfig controls periodic resource sampling of the supervised
// processes.
type ResourceConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	MaxHistory int           `mapstructure:"max_history"`
}

// ResourceCollector samples CPU and memory of each role's current PID.
// Samples are kept in a bounded per-role history and exported as gauges.
type ResourceCollector struct {
	enabled    bool
	interval   time.Duration
	maxHistory int

	mu      sync.RWMutex
	history map[string][]ProcessMetrics

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryMB   *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
}

func NewResourceCollector(cfg ResourceConfig) *ResourceCollector {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 100
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      name,
			Help:      help,
		}, []string{"role"})
	}
	return &ResourceCollector{
		enabled:    cfg.Enabled,
		interval:   cfg.Interval,
		maxHistory: cfg.MaxHistory,
		history:    make(map[string][]ProcessMetrics),
		stopCh:     make(chan struct{}),
		cpuPercent: gauge("cpu_percent", "CPU usage percentage per role."),
		memoryMB:   gauge("memory_mb", "Resident memory in MB per role."),
		numThreads: gauge("num_threads", "Thread count per role."),
		numFDs:     gauge("num_fds", "Open file descriptors per role."),
	}
}

func (c *ResourceCollector) Enabled() bool { return c.enabled }

// RegisterMetrics registers the gauges; a disabled collector registers nothing.
func (c *ResourceCollector) RegisterMetrics(r prometheus.Registerer) error {
	if !c.enabled {
		return nil
	}
	for _, col := range []prometheus.Collector{c.cpuPercent, c.memoryMB, c.numThreads, c.numFDs} {
		if err := r.Register(col); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples pids() every interval until ctx is done or Stop is called.
func (c *ResourceCollector) Start(ctx context.Context, pids func() map[string]int32) {
	if !c.enabled {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		t := time.NewTicker(c.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-t.C:
				c.Collect(pids())
			}
		}
	}()
}

func (c *ResourceCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Collect takes one sample per role. Roles with pid <= 0 or missing from
// pids have their gauges and history dropped.
func (c *ResourceCollector) Collect(pids map[string]int32) {
	now := time.Now()
	seen := make(map[string]bool, len(pids))
	for role, pid := range pids {
		if pid <= 0 {
			continue
		}
		m, err := sample(role, pid, now)
		if err != nil {
			slog.Debug("resource sample failed", "role", role, "pid", pid, "error", err)
			continue
		}
		seen[role] = true
		c.cpuPercent.WithLabelValues(role).Set(m.CPUPercent)
		c.memoryMB.WithLabelValues(role).Set(m.MemoryMB)
		c.numThreads.WithLabelValues(role).Set(float64(m.NumThreads))
		if m.NumFDs > 0 {
			c.numFDs.WithLabelValues(role).Set(float64(m.NumFDs))
		}
		c.append(role, m)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for role := range c.history {
		if seen[role] {
			continue
		}
		delete(c.history, role)
		c.cpuPercent.DeleteLabelValues(role)
		c.memoryMB.DeleteLabelValues(role)
		c.numThreads.DeleteLabelValues(role)
		c.numFDs.DeleteLabelValues(role)
	}
}

func sample(role string, pid int32, at time.Time) (ProcessMetrics, error) {
	p, err := process.NewProcess(pid)
	if err != nil {
		return ProcessMetrics{}, fmt.Errorf("process handle: %w", err)
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return ProcessMetrics{}, fmt.Errorf("memory info: %w", err)
	}
	cpu, _ := p.CPUPercent()
	threads, _ := p.NumThreads()
	fds, _ := p.NumFDs()
	return ProcessMetrics{
		Role:       role,
		PID:        pid,
		CPUPercent: cpu,
		MemoryMB:   float64(mem.RSS) / 1024 / 1024,
		MemoryRSS:  mem.RSS,
		NumThreads: threads,
		NumFDs:     fds,
		Timestamp:  at,
	}, nil
}

func (c *ResourceCollector) append(role string, m ProcessMetrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := append(c.history[role], m)
	if len(h) > c.maxHistory {
		h = h[len(h)-c.maxHistory:]
	}
	c.history[role] = h
}

// Latest returns the most recent sample for role.
func (c *ResourceCollector) Latest(role string) (ProcessMetrics, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h := c.history[role]
	if len(h) == 0 {
		return ProcessMetrics{}, false
	}
	return h[len(h)-1], true
}

// History returns a copy of role's samples, oldest first.
func (c *ResourceCollector) History(role string) []ProcessMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]ProcessMetrics(nil), c.history[role]...)
}
