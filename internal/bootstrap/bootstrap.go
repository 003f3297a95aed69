// Package bootstrap assembles a full detection system from configuration.
// Both the kestrel command and the embedding layer build engines through
// it so the wiring stays in one place.
package bootstrap

import (
	"fmt"
	"time"

	"kestrel/config"
	"kestrel/internal/emitter"
	"kestrel/internal/engine"
	"kestrel/internal/metrics"
	"kestrel/internal/output/alerthttp"
	"kestrel/internal/output/alertjson"
	"kestrel/internal/output/alertstdout"
	"kestrel/internal/rules"
	"kestrel/internal/runtime"
	"kestrel/internal/schema"
)

// System is an assembled engine with its collaborators.
type System struct {
	Schema   *schema.Registry
	Pool     *runtime.Pool
	Registry *rules.Registry
	Metrics  *metrics.Metrics
	Emitter  *emitter.Emitter
	Engine   *engine.Engine
}

// ApplyDefaults fills unset configuration values.
func ApplyDefaults(cfg *config.KestrelConfig) {
	if cfg.Engine.Partitions <= 0 {
		cfg.Engine.Partitions = 4
	}
	if cfg.Engine.QueueSize <= 0 {
		cfg.Engine.QueueSize = 1024
	}
	if cfg.Engine.QueuePolicy == "" {
		cfg.Engine.QueuePolicy = engine.PolicyBlock
	}
	if cfg.Rules.Dir == "" {
		cfg.Rules.Dir = "rules"
	}
	if cfg.Alerts.BufferSize <= 0 {
		cfg.Alerts.BufferSize = 1024
	}
	if len(cfg.Alerts.Sinks) == 0 {
		cfg.Alerts.Sinks = []config.SinkConfig{{Type: "stdout"}}
	}
	if !cfg.Runtime.CEL.Enabled && !cfg.Runtime.Lua.Enabled && !cfg.Runtime.Sigma.Enabled {
		cfg.Runtime.CEL.Enabled = true
		cfg.Runtime.Lua.Enabled = true
		cfg.Runtime.Sigma.Enabled = true
	}
	if cfg.Input.Redis.Enabled {
		if cfg.Input.Redis.Addr == "" {
			cfg.Input.Redis.Addr = "127.0.0.1:6379"
		}
		if cfg.Input.Redis.Key == "" {
			cfg.Input.Redis.Key = "kestrel_events"
		}
		if cfg.Input.Redis.BlockTimeout == 0 {
			cfg.Input.Redis.BlockTimeout = 5 * time.Second
		}
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = "127.0.0.1:9477"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// New builds a stopped system. Call Start to launch workers and the
// alert dispatcher.
func New(cfg config.KestrelConfig) (*System, error) {
	sch := schema.Default()

	pool := runtime.NewPool(cfg.Runtime.EvalTimeout)
	if cfg.Runtime.CEL.Enabled {
		backend, err := runtime.NewCELBackend(runtime.CELConfig{
			Pool: runtime.PoolPolicy{
				Max:      cfg.Runtime.CEL.PoolSize,
				FailFast: cfg.Runtime.CEL.FailFast,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("cel backend: %w", err)
		}
		pool.Register(backend)
	}
	if cfg.Runtime.Lua.Enabled {
		pool.Register(runtime.NewLuaBackend(runtime.LuaConfig{
			Pool: runtime.PoolPolicy{Max: cfg.Runtime.Lua.PoolSize},
		}))
	}
	if cfg.Runtime.Sigma.Enabled {
		pool.Register(runtime.NewSigmaBackend(sch))
	}

	reg := rules.NewRegistry(pool)
	m := metrics.New()

	sinks, err := buildSinks(cfg.Alerts)
	if err != nil {
		return nil, err
	}
	em := emitter.New(cfg.Alerts.BufferSize, m, sinks...)

	eng, err := engine.New(engine.Config{
		Partitions:    cfg.Engine.Partitions,
		QueueSize:     cfg.Engine.QueueSize,
		QueuePolicy:   cfg.Engine.QueuePolicy,
		BlockTimeout:  cfg.Engine.BlockTimeout,
		OverlapCap:    cfg.Engine.OverlapCap,
		SweepInterval: cfg.Engine.SweepInterval,
	}, reg, pool, m, em)
	if err != nil {
		return nil, err
	}

	return &System{
		Schema:   sch,
		Pool:     pool,
		Registry: reg,
		Metrics:  m,
		Emitter:  em,
		Engine:   eng,
	}, nil
}

// Start launches the alert dispatcher and the partition workers.
func (s *System) Start() {
	s.Emitter.Start()
	s.Engine.Start()
}

// Stop drains the engine, flushes the emitter, and unloads every rule so
// backend instances are released.
func (s *System) Stop() {
	s.Engine.Stop()
	s.Emitter.Stop()
	for _, r := range s.Registry.List() {
		_ = s.Registry.Unload(r.ID)
	}
}

func buildSinks(cfg config.AlertsConfig) ([]emitter.Sink, error) {
	sinks := make([]emitter.Sink, 0, len(cfg.Sinks))
	for _, sc := range cfg.Sinks {
		switch sc.Type {
		case "stdout":
			sinks = append(sinks, alertstdout.NewWriter())
		case "file":
			w, err := alertjson.NewWriter(sc.Path)
			if err != nil {
				return nil, fmt.Errorf("file sink: %w", err)
			}
			sinks = append(sinks, w)
		case "webhook":
			w, err := alerthttp.NewWriter(alerthttp.Config{
				URL:     sc.URL,
				Timeout: sc.Timeout,
				Headers: sc.Headers,
			})
			if err != nil {
				return nil, fmt.Errorf("webhook sink: %w", err)
			}
			sinks = append(sinks, w)
		default:
			return nil, fmt.Errorf("unknown alert sink type %q", sc.Type)
		}
	}
	return sinks, nil
}
