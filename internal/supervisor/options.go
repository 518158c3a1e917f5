package supervisor

import (
	"github.com/loykin/tunnelkeeper/internal/config"
	"github.com/loykin/tunnelkeeper/internal/probe"
)

// OptionsFromConfig builds Options from a validated configuration. History,
// Logger and OnEndpoint are left for the caller.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	pattern, err := cfg.EndpointPattern()
	if err != nil {
		return Options{}, err
	}
	targets, err := cfg.PropagateTargets()
	if err != nil {
		return Options{}, err
	}
	e, err := cfg.GlobalEnv()
	if err != nil {
		return Options{}, err
	}
	h := cfg.Service.Health
	return Options{
		Service: Role{
			Spec:      cfg.ProcessSpec(cfg.Service.ProcConfig),
			Stale:     config.StaleDetectors(cfg.Service.ProcConfig),
			StopGrace: cfg.Service.StopGrace,
		},
		Tunnel: Role{
			Spec:      cfg.ProcessSpec(cfg.Tunnel.ProcConfig),
			Stale:     config.StaleDetectors(cfg.Tunnel.ProcConfig),
			StopGrace: cfg.Tunnel.StopGrace,
		},
		Health: HealthCheck{
			URL:      h.URL,
			Attempts: h.Attempts,
			Interval: h.Interval,
			Prober:   probe.Prober{ExpectStatus: h.ExpectStatus, Timeout: h.Timeout},
		},
		Disc: Discovery{
			Pattern:     pattern,
			SettleDelay: cfg.Tunnel.SettleDelay,
			Attempts:    cfg.Endpoint.DiscoveryAttempts,
			Interval:    cfg.Endpoint.DiscoveryInterval,
			MaxLogBytes: cfg.Endpoint.MaxLogBytes,
		},
		Targets:         targets,
		BackupSuffix:    cfg.Monitor.BackupSuffix,
		EndpointFile:    cfg.Endpoint.File,
		MonitorInterval: cfg.Monitor.Interval,
		Env:             e,
	}, nil
}
