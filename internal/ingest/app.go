// Package ingest composes the full pipeline and owns its lifecycle: broker
// sessions in, batched processing, persistence out, with health monitoring
// over the lot.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/thinture/gpstracker/internal/broadcast"
	"github.com/thinture/gpstracker/internal/cache"
	"github.com/thinture/gpstracker/internal/config"
	"github.com/thinture/gpstracker/internal/health"
	"github.com/thinture/gpstracker/internal/mqtt"
	"github.com/thinture/gpstracker/internal/persist"
	"github.com/thinture/gpstracker/internal/processor"
	"github.com/thinture/gpstracker/internal/receive"
	"github.com/thinture/gpstracker/internal/report"
	"github.com/thinture/gpstracker/internal/store"
	"github.com/thinture/gpstracker/internal/transform"
)

type Options struct {
	Logger *slog.Logger
	Config config.Config

	// Registry receives every component's collectors; nil skips
	// registration.
	Registry prometheus.Registerer
	// AlertSink receives emitted alerts; nil means log-only.
	AlertSink health.AlertSink

	Clock clockwork.Clock
}

// App is the assembled ingestion service.
type App struct {
	log *slog.Logger
	cfg config.Config

	pg      *store.Postgres
	history *persist.ClickhouseWriter

	manager     *mqtt.Manager
	pool        *mqtt.Pool
	receiver    *receive.Receiver
	persister   *persist.Persister
	locations   *store.LocationStore
	vehicles    *cache.VehicleCache
	broadcaster *broadcast.Broadcaster
	processor   *processor.Processor
	monitor     *health.Monitor
	breaker     *health.Breaker
}

func New(ctx context.Context, opts Options) (*App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	log := opts.Logger
	cfg := opts.Config

	a := &App{log: log.With("component", "ingest"), cfg: cfg}

	pg, err := store.NewPostgres(ctx, cfg.PostgresDSN, store.WithPostgresLogger(log))
	if err != nil {
		return nil, err
	}
	a.pg = pg
	if err := pg.EnsureSchema(ctx); err != nil {
		return nil, err
	}

	persistMetrics := persist.NewMetrics()
	history, err := persist.NewClickhouseWriter(
		persist.WithClickhouseLogger(log),
		persist.WithClickhouseAddr(cfg.ClickhouseAddr),
		persist.WithClickhouseDB(cfg.ClickhouseDB),
		persist.WithClickhouseTable(cfg.ClickhouseTable),
		persist.WithClickhouseUser(cfg.ClickhouseUser),
		persist.WithClickhousePassword(cfg.ClickhousePassword),
		persist.WithClickhouseTLSDisabled(cfg.ClickhouseInsecure),
		persist.WithClickhouseMetrics(persistMetrics),
	)
	if err != nil {
		return nil, err
	}
	a.history = history
	if err := history.EnsureSchema(ctx); err != nil {
		return nil, err
	}

	a.persister, err = persist.New(&persist.Config{
		Logger:           log,
		Writer:           history,
		Parallelism:      cfg.BatchWorkers,
		BatchSize:        cfg.BatchSize,
		OverflowCapacity: cfg.OverflowCapacity,
		FlushInterval:    cfg.FlushInterval,
		MaxWait:          cfg.MaxWait,
		DrainTimeout:     cfg.DrainTimeout,
		Clock:            opts.Clock,
		Metrics:          persistMetrics,
	})
	if err != nil {
		return nil, err
	}

	cacheMetrics := cache.NewMetrics()
	a.vehicles, err = cache.New(&cache.Config{
		Logger:           log,
		Source:           pg,
		VehicleCapacity:  cfg.CacheMaxSize,
		LocationCapacity: cfg.CacheMaxSize * 2,
		VehicleTTL:       cfg.CacheVehicleTTL,
		VehicleMaxAge:    cfg.CacheVehicleMaxAge,
		LocationTTL:      cfg.CacheLocationTTL,
		MaintenanceEvery: cfg.CacheMaintenance,
		Clock:            opts.Clock,
		Metrics:          cacheMetrics,
	})
	if err != nil {
		return nil, err
	}

	locationMetrics := store.NewLocationMetrics()
	a.locations, err = store.NewLocationStore(&store.LocationConfig{
		Logger:  log,
		DB:      pg,
		Cache:   a.vehicles,
		Clock:   opts.Clock,
		Metrics: locationMetrics,
	})
	if err != nil {
		return nil, err
	}

	broadcastMetrics := broadcast.NewMetrics()
	a.broadcaster, err = broadcast.New(&broadcast.Config{
		Logger:  log,
		Metrics: broadcastMetrics,
	})
	if err != nil {
		return nil, err
	}

	transformer, err := transform.New(&transform.Config{Logger: log, Clock: opts.Clock})
	if err != nil {
		return nil, err
	}

	healthMetrics := health.NewMetrics()
	alerts, err := health.NewEmitter(&health.EmitterConfig{
		Logger:   log,
		Sink:     opts.AlertSink,
		Cooldown: cfg.AlertCooldown,
		Clock:    opts.Clock,
		Metrics:  healthMetrics,
	})
	if err != nil {
		return nil, err
	}

	processorMetrics := processor.NewMetrics()
	a.processor, err = processor.New(&processor.Config{
		Logger:         log,
		Transformer:    transformer,
		Vehicles:       a.vehicles,
		Binder:         pg,
		Persister:      a.persister,
		Locations:      a.locations,
		Broadcast:      a.broadcaster,
		Alerts:         alerts,
		SpeedAlertKmh:  cfg.SpeedAlertKmh,
		QuietStartHour: cfg.QuietStartHour,
		QuietEndHour:   cfg.QuietEndHour,
		Clock:          opts.Clock,
		Metrics:        processorMetrics,
	})
	if err != nil {
		return nil, err
	}

	receiveMetrics := receive.NewMetrics()
	a.receiver, err = receive.New(&receive.Config{
		Logger: log,
		Sink: func(ctx context.Context, batch []report.DeviceReport) {
			a.processor.ProcessBatch(ctx, batch)
		},
		BatchSize:     cfg.ReceiveBatchSize,
		MaxBatchWait:  cfg.ReceiveBatchWait,
		QueueCapacity: cfg.ReceiveQueueSize,
		DedupeTTL:     cfg.ReceiveDedupeWindow,
		Clock:         opts.Clock,
		Metrics:       receiveMetrics,
	})
	if err != nil {
		return nil, err
	}

	mqttMetrics := mqtt.NewMetrics()
	if cfg.MQTTEnabled {
		a.manager, err = mqtt.NewManager(&mqtt.ManagerConfig{
			Logger:         log,
			BrokerURL:      cfg.BrokerURL,
			ClientIDBase:   cfg.ClientIDBase,
			Username:       cfg.Username,
			Password:       cfg.Password,
			Topics:         cfg.Topics,
			KeepAlive:      cfg.KeepAlive,
			ConnectTimeout: cfg.ConnectTimeout,
			MaxInflight:    cfg.MaxInflight,
			OnMessage:      a.receiver.HandleMessage,
			OnConnectionLost: func(s *mqtt.Session, err error) {
				if a.pool != nil {
					a.pool.Release(s)
				}
			},
			Clock:   opts.Clock,
			Metrics: mqttMetrics,
		})
		if err != nil {
			return nil, err
		}

		poolInitial, poolMin, poolMax := cfg.PoolInitial, cfg.PoolMin, cfg.PoolMax
		if cfg.SingleClient {
			// Single-client mode is a degenerate pool of one fixed session.
			poolInitial, poolMin, poolMax = 1, 1, 1
		}
		a.pool, err = mqtt.NewPool(&mqtt.PoolConfig{
			Logger:            log,
			Manager:           a.manager,
			Initial:           poolInitial,
			Min:               poolMin,
			Max:               poolMax,
			ScaleUpAvailable:  cfg.ScaleUpThreshold,
			DevicesPerConn:    cfg.DevicesPerConn,
			AcquireTimeout:    cfg.AcquireTimeout,
			ReconnectCooldown: cfg.ReconnectCooldown,
			ActiveDevices:     a.receiver.ActiveDevices,
			MessageRate:       a.receiver.MessageRate,
			Clock:             opts.Clock,
			Metrics:           mqttMetrics,
		})
		if err != nil {
			return nil, err
		}
	}

	a.breaker, err = health.NewBreaker(health.BreakerConfig{
		FailureThreshold: cfg.BreakerFailureThreshold,
		OpenTimeout:      cfg.BreakerTimeout,
		HalfOpenMaxCalls: cfg.BreakerHalfOpenMax,
		Clock:            opts.Clock,
	})
	if err != nil {
		return nil, err
	}

	checkers := []health.Checker{
		&health.ReceiverChecker{
			Stats:       a.receiver.Stats,
			LastMessage: a.receiver.LastMessageAt,
			Clock:       opts.Clock,
		},
		&health.PersisterChecker{Depth: a.persister.Depth},
		&health.RuntimeChecker{MemoryLimitBytes: cfg.MemoryLimitBytes},
	}
	if a.pool != nil {
		checkers = append(checkers, &health.PoolChecker{
			Pool:     a.pool.Stats,
			Connects: a.manager.Stats,
		})
	}
	a.monitor, err = health.NewMonitor(&health.MonitorConfig{
		Logger:   log,
		Checkers: checkers,
		Breaker:  a.breaker,
		Emitter:  alerts,
		Interval: cfg.HealthInterval,
		Recovery: func(ctx context.Context) {
			if a.pool != nil {
				a.pool.Sweep(ctx)
			}
			runtime.GC()
		},
		Clock:   opts.Clock,
		Metrics: healthMetrics,
	})
	if err != nil {
		return nil, err
	}

	if opts.Registry != nil {
		persistMetrics.Register(opts.Registry)
		cacheMetrics.Register(opts.Registry)
		locationMetrics.Register(opts.Registry)
		broadcastMetrics.Register(opts.Registry)
		healthMetrics.Register(opts.Registry)
		processorMetrics.Register(opts.Registry)
		receiveMetrics.Register(opts.Registry)
		mqttMetrics.Register(opts.Registry)
	}
	return a, nil
}

// Run starts every component and blocks until the context is done or one of
// them fails, then drains in dependency order: intake stops with the
// context, the persister drains its queues, the pool disconnects last.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.pool != nil {
		if err := a.pool.Start(ctx); err != nil {
			return fmt.Errorf("starting pool: %w", err)
		}
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 8)
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	start("receiver", a.receiver.Run)
	start("persister", a.persister.Run)
	start("broadcaster", a.broadcaster.Run)
	start("vehicle-cache", a.vehicles.Run)
	start("health-monitor", a.monitor.Run)
	if a.pool != nil {
		start("pool", a.pool.Run)
	}
	a.log.Info("ingest running", "mqtt", a.cfg.MQTTEnabled, "singleClient", a.cfg.SingleClient)

	var err error
	select {
	case <-ctx.Done():
	case err = <-errCh:
		a.log.Error("component failed, shutting down", "error", err)
		cancel()
	}
	wg.Wait()
	a.close()
	return err
}

// Publish sends a payload through the session pool.
func (a *App) Publish(ctx context.Context, topic string, payload []byte) error {
	if a.pool == nil {
		return errors.New("mqtt is disabled")
	}
	return a.pool.Publish(ctx, topic, payload)
}

// Subscribe registers a downstream consumer of accepted location updates.
func (a *App) Subscribe() (<-chan report.LocationUpdate, func()) {
	return a.broadcaster.Subscribe()
}

// Stats aggregates every component's snapshot, for periodic operator logs.
type Stats struct {
	Receiver  receive.Stats
	Persister persist.Stats
	Processor processor.Stats
	Broadcast broadcast.Stats
	Cache     cache.Stats
	Pool      mqtt.PoolStats
	Breaker   health.BreakerState
}

func (a *App) Stats() Stats {
	st := Stats{
		Receiver:  a.receiver.Stats(),
		Persister: a.persister.Stats(),
		Processor: a.processor.Stats(),
		Broadcast: a.broadcaster.Stats(),
		Cache:     a.vehicles.Stats(),
		Breaker:   a.breaker.State(),
	}
	if a.pool != nil {
		st.Pool = a.pool.Stats()
	}
	return st
}

func (a *App) close() {
	if err := a.history.Close(); err != nil {
		a.log.Warn("error closing history writer", "error", err)
	}
	a.pg.Close()
	a.log.Info("ingest stopped")
}
