package tunnelkeeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/tunnelkeeper/internal/config"
	"github.com/loykin/tunnelkeeper/internal/endpoint"
	"github.com/loykin/tunnelkeeper/internal/history"
	hfactory "github.com/loykin/tunnelkeeper/internal/history/factory"
	"github.com/loykin/tunnelkeeper/internal/metrics"
	"github.com/loykin/tunnelkeeper/internal/server"
	"github.com/loykin/tunnelkeeper/internal/supervisor"
)

// Re-export core types for external consumers.

type Config = cfg.Config

type TargetConfig = cfg.TargetConfig

type Snapshot = supervisor.Snapshot

type EndpointRecord = endpoint.Record

type HistoryEvent = history.Event

type HistorySink = history.Sink

var ErrServiceUnhealthy = supervisor.ErrServiceUnhealthy

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// DefaultConfig returns a configuration holding only defaults; callers fill
// in the service, health URL and tunnel before calling New.
func DefaultConfig() *Config { return cfg.Default() }

// Keeper runs one supervisor together with its history sinks, resource
// sampler and optional status server.
type Keeper struct {
	cfg        *Config
	log        *slog.Logger
	sup        *supervisor.Supervisor
	rec        *history.Recorder
	reader     server.HistoryReader
	resources  *metrics.ResourceCollector
	registerer prometheus.Registerer
}

type Option func(*options)

type options struct {
	logger     *slog.Logger
	sinks      []history.Sink
	registerer prometheus.Registerer
	onEndpoint func(EndpointRecord)
}

func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithHistorySinks adds sinks next to the ones configured by DSN. Sinks
// implementing io.Closer are closed when Run returns.
func WithHistorySinks(s ...HistorySink) Option {
	return func(o *options) { o.sinks = append(o.sinks, s...) }
}

// WithRegisterer selects where metrics are registered; the default is
// prometheus.DefaultRegisterer.
func WithRegisterer(r prometheus.Registerer) Option { return func(o *options) { o.registerer = r } }

// WithEndpointHook is called each time a new public URL is stored.
func WithEndpointHook(fn func(EndpointRecord)) Option { return func(o *options) { o.onEndpoint = fn } }

func New(c *Config, opts ...Option) (*Keeper, error) {
	if c == nil {
		return nil, errors.New("nil config")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	log := o.logger
	if log == nil {
		log = c.Log.NewSlogger()
	}
	if err := c.EnsureStateDir(); err != nil {
		return nil, err
	}

	k := &Keeper{cfg: c, log: log, registerer: o.registerer}
	if k.registerer == nil {
		k.registerer = prometheus.DefaultRegisterer
	}
	var owned []history.Sink
	if c.History.Enabled {
		for _, dsn := range c.History.Sinks {
			s, err := hfactory.NewSinkFromDSN(dsn)
			if err != nil {
				closeSinks(owned)
				return nil, fmt.Errorf("history sink %q: %w", dsn, err)
			}
			owned = append(owned, s)
		}
	}
	sinks := append(owned, o.sinks...)
	for _, s := range sinks {
		if r, ok := s.(server.HistoryReader); ok && k.reader == nil {
			k.reader = r
		}
	}
	k.rec = history.NewRecorder(log, sinks...)

	so, err := supervisor.OptionsFromConfig(c)
	if err != nil {
		_ = k.rec.Close()
		return nil, err
	}
	so.Logger = log
	so.History = k.rec
	so.OnEndpoint = o.onEndpoint
	if k.sup, err = supervisor.New(so); err != nil {
		_ = k.rec.Close()
		return nil, err
	}
	k.resources = metrics.NewResourceCollector(c.Metrics)
	return k, nil
}

// Run supervises until ctx is cancelled. It returns ErrServiceUnhealthy
// when the service never became healthy.
func (k *Keeper) Run(ctx context.Context) error {
	defer func() { _ = k.rec.Close() }()

	if err := metrics.Register(k.registerer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	if k.resources.Enabled() {
		if err := k.resources.RegisterMetrics(k.registerer); err != nil {
			return fmt.Errorf("register resource metrics: %w", err)
		}
		k.resources.Start(ctx, k.sup.PIDs)
		defer k.resources.Stop()
	}

	if addr := k.cfg.Server.Listen; addr != "" {
		srv := server.NewServer(addr, k.Router(), k.log)
		k.log.Info("status api listening", "addr", addr, "base", k.cfg.Server.BasePath)
		defer func() {
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}
	return k.sup.Run(ctx)
}

// Router returns the status API router for callers that mount it on
// their own server.
func (k *Keeper) Router() *server.Router {
	r := server.NewRouter(k.sup, k.cfg.Server.BasePath)
	if k.resources.Enabled() {
		r = r.WithResources(k.resources)
	}
	if k.reader != nil {
		r = r.WithHistory(k.reader)
	}
	return r
}

func (k *Keeper) Handler() http.Handler { return k.Router().Handler() }

func (k *Keeper) Snapshot() Snapshot { return k.sup.Snapshot() }

func (k *Keeper) Endpoint() EndpointRecord { return k.sup.Endpoint() }

func closeSinks(sinks []history.Sink) {
	for _, s := range sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			_ = c.Close()
		}
	}
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

func MetricsHandler() http.Handler { return metrics.Handler() }
