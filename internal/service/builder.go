package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/adapters/state"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/adapters/worker"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/classify"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/config"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/diagnostics"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/engine"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/events"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/graph"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/logging"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/recovery"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/registry"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/router"
)

// eventBufferSize is the per-subscriber buffer of the default event bus.
const eventBufferSize = 256

// Builder provides a fluent API for assembling a Dispatcher from
// configuration. Anything not supplied is derived from the config.
type Builder struct {
	config  *config.Config
	store   core.StateStore
	invoker core.WorkerInvoker
	bus     *events.EventBus
	logger  *logging.Logger
	catalog *registry.Catalog
	monitor *diagnostics.ResourceMonitor
	now     func() time.Time
}

// NewBuilder creates a new Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// WithConfig sets the configuration. Defaults apply when unset.
func (b *Builder) WithConfig(cfg *config.Config) *Builder {
	b.config = cfg
	return b
}

// WithStore sets the state store instead of opening the configured one.
func (b *Builder) WithStore(s core.StateStore) *Builder {
	b.store = s
	return b
}

// WithInvoker sets the worker invoker instead of running catalog commands.
func (b *Builder) WithInvoker(inv core.WorkerInvoker) *Builder {
	b.invoker = inv
	return b
}

// WithBus sets the event bus.
func (b *Builder) WithBus(bus *events.EventBus) *Builder {
	b.bus = bus
	return b
}

// WithLogger sets the logger.
func (b *Builder) WithLogger(l *logging.Logger) *Builder {
	b.logger = l
	return b
}

// WithCatalog sets the worker catalog instead of loading the configured file.
func (b *Builder) WithCatalog(c *registry.Catalog) *Builder {
	b.catalog = c
	return b
}

// WithMonitor counts every worker invocation on m.
func (b *Builder) WithMonitor(m *diagnostics.ResourceMonitor) *Builder {
	b.monitor = m
	return b
}

// WithClock sets the time source of the registry, router, recovery and engine.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// Build assembles the Dispatcher. The returned Dispatcher owns the store
// and the registry it created; Close releases them.
func (b *Builder) Build() (*Dispatcher, error) {
	cfg := b.config
	if cfg == nil {
		cfg = config.Default()
	}
	if b.now == nil {
		b.now = time.Now
	}
	logger := logging.OrNop(b.logger)
	if b.bus == nil {
		b.bus = events.New(eventBufferSize)
	}

	catalog, err := b.loadCatalog(cfg.Registry.Catalog)
	if err != nil {
		return nil, err
	}

	reg := registry.New(registry.Config{
		Decay:                cfg.Health.EMADecay,
		DegradedThreshold:    cfg.Health.DegradedThreshold,
		CircuitOpenThreshold: cfg.Health.CircuitOpenThreshold,
		Cooldown:             cfg.Health.CircuitCooldown(),
	}, registry.WithClock(b.now), registry.WithPublisher(b.bus), registry.WithLogger(logger))
	if _, _, err := reg.Apply(catalog); err != nil {
		reg.Close()
		return nil, fmt.Errorf("registering catalog workers: %w", err)
	}

	rt := router.New(reg, router.Config{
		Weights: router.Weights{
			Capability:  cfg.Routing.Weights.Capability,
			Performance: cfg.Routing.Weights.Performance,
			Context:     cfg.Routing.Weights.Context,
		},
		MinScore: cfg.Routing.MinRoutingScore,
	}, router.WithClock(b.now), router.WithLogger(logger))
	builder := graph.New(reg)
	rm := recovery.New(rt, builder, backoffFrom(cfg.Recovery),
		recovery.WithClock(b.now), recovery.WithLogger(logger))

	store := b.store
	if store == nil {
		if store, err = state.New(cfg.State); err != nil {
			reg.Close()
			return nil, err
		}
	}

	var exec *worker.ExecInvoker
	invoker := b.invoker
	if invoker == nil {
		exec = worker.NewExecInvoker(catalog, logger)
		invoker = exec
	}
	if b.monitor != nil {
		invoker = tracked(invoker, b.monitor)
	}

	engCfg := engine.ConfigFrom(cfg.Engine)
	if cfg.Engine.AutoSize {
		engCfg.MaxConcurrent = diagnostics.SuggestPoolSize()
		logger.Info("engine pool auto-sized", "max_concurrent", engCfg.MaxConcurrent)
	}
	eng, err := engine.New(engine.Deps{
		Config:    engCfg,
		Invoker:   invoker,
		Health:    rt,
		Reporter:  reg,
		Recovery:  rm,
		Store:     store,
		Publisher: b.bus,
		Logger:    logger,
		Now:       b.now,
	})
	if err != nil {
		reg.Close()
		return nil, err
	}

	d, err := New(Deps{
		Registry:        reg,
		Classifier:      classify.New(reg, classify.WithCatalog(catalog), classify.WithClock(b.now)),
		Router:          rt,
		Builder:         builder,
		Recovery:        rm,
		Engine:          eng,
		Store:           store,
		Bus:             b.bus,
		Logger:          logger,
		DefaultTemplate: cfg.Routing.DefaultTemplate,
	})
	if err != nil {
		reg.Close()
		return nil, err
	}
	d.exec = exec
	d.closers = append(d.closers, func() error { reg.Close(); return nil })
	if b.store == nil {
		d.closers = append(d.closers, store.Close)
	}
	if n, err := d.RestoreStats(context.Background()); err != nil {
		logger.Warn("worker stats not restored", "error", err)
	} else if n > 0 {
		logger.Info("worker stats restored", "workers", n)
	}
	if err := d.SweepEvery(config.Duration(cfg.Health.SweepInterval, 0)); err != nil {
		_ = d.Close(context.Background())
		return nil, err
	}
	return d, nil
}

// loadCatalog picks the explicit catalog, then the configured file, then
// the built-in default. A configured path that does not exist falls back
// to the default.
func (b *Builder) loadCatalog(path string) (*registry.Catalog, error) {
	if b.catalog != nil {
		return b.catalog, nil
	}
	if path == "" {
		return registry.DefaultCatalog(), nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return registry.DefaultCatalog(), nil
	}
	return registry.LoadCatalog(path)
}

func backoffFrom(c config.RecoveryConfig) recovery.Backoff {
	def := recovery.DefaultBackoff()
	out := recovery.Backoff{
		MaxAttempts:  c.RetryMaxAttempts,
		BaseDelay:    config.Duration(c.BaseDelay, def.BaseDelay),
		MaxDelay:     config.Duration(c.MaxDelay, def.MaxDelay),
		Multiplier:   c.Multiplier,
		JitterFactor: c.Jitter,
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = def.MaxAttempts
	}
	if out.Multiplier <= 0 {
		out.Multiplier = def.Multiplier
	}
	return out
}

// tracked counts invocations on the resource monitor.
func tracked(inv core.WorkerInvoker, m *diagnostics.ResourceMonitor) core.WorkerInvoker {
	return core.WorkerInvokerFunc(func(ctx context.Context, in core.Invocation) (*core.Output, error) {
		done := m.Track()
		defer done()
		return inv.Invoke(ctx, in)
	})
}
