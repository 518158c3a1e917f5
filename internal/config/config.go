package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/tunnelkeeper/internal/detector"
	"github.com/loykin/tunnelkeeper/internal/endpoint"
	"github.com/loykin/tunnelkeeper/internal/env"
	"github.com/loykin/tunnelkeeper/internal/logger"
	"github.com/loykin/tunnelkeeper/internal/metrics"
	"github.com/loykin/tunnelkeeper/internal/process"
	"github.com/loykin/tunnelkeeper/internal/propagate"
)

const (
	RoleService = "service"
	RoleTunnel  = "tunnel"
)

// Config is the top-level TOML structure.
type Config struct {
	StateDir string   `mapstructure:"state_dir"`
	Env      []string `mapstructure:"env"`
	EnvFiles []string `mapstructure:"env_files"`
	UseOSEnv bool     `mapstructure:"use_os_env"`

	Log      logger.Config          `mapstructure:"log"`
	Service  ServiceConfig          `mapstructure:"service"`
	Tunnel   TunnelConfig           `mapstructure:"tunnel"`
	Endpoint EndpointConfig         `mapstructure:"endpoint"`
	Targets  []TargetConfig         `mapstructure:"targets"`
	Monitor  MonitorConfig          `mapstructure:"monitor"`
	Server   ServerConfig           `mapstructure:"server"`
	History  HistoryConfig          `mapstructure:"history"`
	Metrics  metrics.ResourceConfig `mapstructure:"metrics"`
}

// ProcConfig describes one supervised process.
type ProcConfig struct {
	Name    string   `mapstructure:"name"`
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
	WorkDir string   `mapstructure:"workdir"`
	Env     []string `mapstructure:"env"`
	PIDFile string   `mapstructure:"pidfile"`
	LogFile string   `mapstructure:"log_file"`
	// StalePattern matches command lines of leftover instances to kill
	// before starting.
	StalePattern string        `mapstructure:"stale_pattern"`
	StopGrace    time.Duration `mapstructure:"stop_grace"`
}

type HealthConfig struct {
	URL          string        `mapstructure:"url"`
	Attempts     int           `mapstructure:"attempts"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	ExpectStatus int           `mapstructure:"expect_status"`
}

type ServiceConfig struct {
	ProcConfig `mapstructure:",squash"`
	Health     HealthConfig `mapstructure:"health"`
}

type TunnelConfig struct {
	ProcConfig  `mapstructure:",squash"`
	SettleDelay time.Duration `mapstructure:"settle_delay"`
	// PublicCheckPath, when set, is appended to the endpoint URL by the
	// status report to verify public reachability.
	PublicCheckPath string `mapstructure:"public_check_path"`
}

type EndpointConfig struct {
	Pattern           string        `mapstructure:"pattern"`
	File              string        `mapstructure:"file"`
	DiscoveryAttempts int           `mapstructure:"discovery_attempts"`
	DiscoveryInterval time.Duration `mapstructure:"discovery_interval"`
	MaxLogBytes       int64         `mapstructure:"max_log_bytes"`
}

type TargetConfig struct {
	Path string `mapstructure:"path"`
	// Pattern defaults to the endpoint pattern.
	Pattern string `mapstructure:"pattern"`
}

type MonitorConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	BackupSuffix string        `mapstructure:"backup_suffix"`
}

type ServerConfig struct {
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
}

type HistoryConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Sinks   []string `mapstructure:"sinks"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("state_dir", ".tunnelkeeper")
	v.SetDefault("use_os_env", true)
	v.SetDefault("log.slog.level", "info")
	v.SetDefault("log.slog.format", "text")
	v.SetDefault("log.slog.color", true)
	v.SetDefault("log.slog.timestamps", true)

	v.SetDefault("service.name", RoleService)
	v.SetDefault("service.stop_grace", "5s")
	v.SetDefault("service.health.attempts", 5)
	v.SetDefault("service.health.interval", "2s")
	v.SetDefault("service.health.timeout", "5s")
	v.SetDefault("service.health.expect_status", 200)

	v.SetDefault("tunnel.name", RoleTunnel)
	v.SetDefault("tunnel.stop_grace", "5s")
	v.SetDefault("tunnel.settle_delay", "5s")

	v.SetDefault("endpoint.pattern", endpoint.DefaultPattern)
	v.SetDefault("endpoint.discovery_attempts", 10)
	v.SetDefault("endpoint.discovery_interval", "2s")
	v.SetDefault("endpoint.max_log_bytes", endpoint.DefaultMaxBytes)

	v.SetDefault("monitor.interval", "30s")
	v.SetDefault("monitor.backup_suffix", propagate.DefaultBackupSuffix)

	v.SetDefault("server.base_path", "/api")
	v.SetDefault("metrics.interval", "10s")
	v.SetDefault("metrics.max_history", 100)
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var c Config
	_ = v.Unmarshal(&c)
	c.applyStateDir()
	return &c
}

// Load reads a TOML file and applies defaults. Relative state paths are
// placed under state_dir.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	c.applyStateDir()
	return &c, nil
}

func (c *Config) applyStateDir() {
	under := func(dir, p, def string) string {
		if p == "" {
			p = def
		}
		if p == "" || filepath.IsAbs(p) || dir == "" {
			return p
		}
		return filepath.Join(dir, p)
	}
	logDir := c.Log.File.Dir
	if logDir == "" {
		logDir = c.StateDir
	}
	c.Service.PIDFile = under(c.StateDir, c.Service.PIDFile, c.Service.Name+".pid")
	c.Tunnel.PIDFile = under(c.StateDir, c.Tunnel.PIDFile, c.Tunnel.Name+".pid")
	c.Endpoint.File = under(c.StateDir, c.Endpoint.File, "endpoint.url")
	c.Service.LogFile = under(logDir, c.Service.LogFile, c.Service.Name+".log")
	c.Tunnel.LogFile = under(logDir, c.Tunnel.LogFile, c.Tunnel.Name+".log")
	c.Log.Slog.File = under(logDir, c.Log.Slog.File, "")
	// Every path above is final; rotation settings no longer need a base.
	c.Log.File.Dir = ""
}

// Validate checks required fields and compiles every pattern.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Service.Command) == "" {
		errs = append(errs, errors.New("service.command is required"))
	}
	if strings.TrimSpace(c.Tunnel.Command) == "" {
		errs = append(errs, errors.New("tunnel.command is required"))
	}
	if c.Service.Health.URL == "" {
		errs = append(errs, errors.New("service.health.url is required"))
	}
	if c.Service.Name == c.Tunnel.Name {
		errs = append(errs, fmt.Errorf("service and tunnel share name %q", c.Service.Name))
	}
	if c.Monitor.Interval <= 0 {
		errs = append(errs, errors.New("monitor.interval must be positive"))
	}
	if _, err := c.EndpointPattern(); err != nil {
		errs = append(errs, err)
	}
	for _, p := range []struct{ key, re string }{
		{"service.stale_pattern", c.Service.StalePattern},
		{"tunnel.stale_pattern", c.Tunnel.StalePattern},
	} {
		if p.re == "" {
			continue
		}
		if _, err := regexp.Compile(p.re); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.key, err))
		}
	}
	if _, err := c.PropagateTargets(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Config) EndpointPattern() (*regexp.Regexp, error) {
	re, err := regexp.Compile(c.Endpoint.Pattern)
	if err != nil {
		return nil, fmt.Errorf("endpoint.pattern: %w", err)
	}
	return re, nil
}

// PropagateTargets compiles the [[targets]] list.
func (c *Config) PropagateTargets() ([]propagate.Target, error) {
	out := make([]propagate.Target, 0, len(c.Targets))
	for i, t := range c.Targets {
		if t.Path == "" {
			return nil, fmt.Errorf("targets[%d]: path is required", i)
		}
		pat := t.Pattern
		if pat == "" {
			pat = c.Endpoint.Pattern
		}
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("targets[%d] %s: %w", i, t.Path, err)
		}
		out = append(out, propagate.Target{Path: t.Path, Pattern: re})
	}
	return out, nil
}

// ProcessSpec converts a process section into a process.Spec.
func (c *Config) ProcessSpec(pc ProcConfig) process.Spec {
	return process.Spec{
		Name:    pc.Name,
		Command: pc.Command,
		Args:    pc.Args,
		WorkDir: pc.WorkDir,
		Env:     pc.Env,
		PIDFile: pc.PIDFile,
		LogFile: pc.LogFile,
		Log:     c.Log.File,
	}
}

// StaleDetectors returns detectors for leftover instances of a role: its
// PID file from a previous run and, when configured, its command-line
// pattern.
func StaleDetectors(pc ProcConfig) []detector.Detector {
	var dets []detector.Detector
	if pc.PIDFile != "" {
		dets = append(dets, detector.PIDFileDetector{PIDFile: pc.PIDFile})
	}
	if pc.StalePattern != "" {
		if re, err := regexp.Compile(pc.StalePattern); err == nil {
			dets = append(dets, detector.PatternDetector{Pattern: re})
		}
	}
	return dets
}

// GlobalEnv composes the base environment for children. Precedence: OS env
// (when enabled), then env_files in order, then the env list.
func (c *Config) GlobalEnv() (*env.Env, error) {
	e := env.New()
	if c.UseOSEnv {
		e.FromOS()
	}
	for _, p := range c.EnvFiles {
		vars, err := env.LoadFile(filepath.Clean(p))
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		for k, v := range vars {
			e.Set(k, v)
		}
	}
	e.SetAll(c.Env)
	return e, nil
}

// EnsureStateDir creates the state directory when configured.
func (c *Config) EnsureStateDir() error {
	if c.StateDir == "" {
		return nil
	}
	return os.MkdirAll(c.StateDir, 0o750)
}
