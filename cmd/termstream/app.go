package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360/termstream/biometric"
	bsqlite "github.com/c360/termstream/biometric/sqlite"
	"github.com/c360/termstream/config"
	"github.com/c360/termstream/dispatch"
	"github.com/c360/termstream/errors"
	"github.com/c360/termstream/gateway"
	"github.com/c360/termstream/health"
	"github.com/c360/termstream/identity"
	"github.com/c360/termstream/metric"
	"github.com/c360/termstream/natsclient"
	"github.com/c360/termstream/pkg/cache"
	"github.com/c360/termstream/protocol"
	"github.com/c360/termstream/router"
)

const (
	defaultNATSURL      = "nats://localhost:4222"
	healthInterval      = 15 * time.Second
	relayDurable        = "termstream-fanout"
	l2ProbeSerial       = "termstream-health-probe"
	natsConnectDeadline = 10 * time.Second
)

// app owns every long-lived component and tears them down in reverse order
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *metric.MetricsRegistry

	nats      *natsclient.Client
	l2        identity.SharedCache
	static    *identity.StaticDirectory
	resolver  *identity.Resolver
	relay     *dispatch.Relay
	router    *router.Router
	matcher   *biometric.Matcher
	monitor   *health.Monitor
	gateway   *gateway.Gateway
	server    *gateway.Server
	metricSrv *metric.Server

	errc chan error
}

func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: metric.NewMetricsRegistry(),
		monitor:  health.NewMonitor(logger),
		errc:     make(chan error, 4),
	}
	if err := a.init(ctx); err != nil {
		_ = a.shutdown(5 * time.Second)
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context) error {
	cfg := a.cfg
	if cfg.NeedsNATS() {
		if err := a.connectNATS(ctx); err != nil {
			return err
		}
	}
	if err := a.buildIdentity(ctx); err != nil {
		return err
	}
	dispatcher, err := a.buildDispatch(ctx)
	if err != nil {
		return err
	}
	if err := a.buildRouter(ctx, dispatcher); err != nil {
		return err
	}
	if err := a.buildMatcher(ctx); err != nil {
		return err
	}

	a.gateway = gateway.New(gateway.Config{
		TextRateLimit:  cfg.Ingest.TextRateLimit,
		TextBurst:      cfg.Ingest.TextBurst,
		AckToken:       cfg.Ingest.AckToken,
		RateLimitCode:  cfg.Ingest.RateLimitCode,
		MaxBodyBytes:   cfg.HTTP.MaxBodyBytes,
		RequestTimeout: cfg.HTTP.WriteTimeout,
		System:         appName,
	}, a.router,
		gateway.WithLogger(a.logger),
		gateway.WithMatcher(a.matcher),
		gateway.WithHealth(a.monitor),
		gateway.WithMetrics(a.registry))

	a.server = gateway.NewServer(gateway.ServerConfig{
		Addr:         cfg.HTTP.Addr,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}, a.gateway.Handler())

	if cfg.Metrics.Enabled {
		a.metricSrv = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, a.registry)
	}
	return nil
}

func (a *app) connectNATS(ctx context.Context) error {
	cfg := a.cfg.NATS
	url := defaultNATSURL
	if len(cfg.URLs) > 0 {
		url = cfg.URLs[0]
	}

	opts := []natsclient.ClientOption{
		natsclient.WithLogger(a.logger),
		natsclient.WithMetrics(a.registry),
	}
	if cfg.Name != "" {
		opts = append(opts, natsclient.WithName(cfg.Name))
	}
	if cfg.MaxReconnects != 0 {
		opts = append(opts, natsclient.WithMaxReconnects(cfg.MaxReconnects))
	}
	if cfg.ReconnectWait > 0 {
		opts = append(opts, natsclient.WithReconnectWait(cfg.ReconnectWait))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, natsclient.WithTimeout(cfg.Timeout))
	}
	if cfg.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.Token))
	}
	if cfg.TLS.Enabled {
		opts = append(opts, natsclient.WithTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.CAFile))
	}

	client, err := natsclient.NewClient(url, opts...)
	if err != nil {
		return fmt.Errorf("create NATS client: %w", err)
	}
	a.nats = client

	a.logger.Info("Connecting to NATS")
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	connCtx, cancel := context.WithTimeout(ctx, natsConnectDeadline)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		return fmt.Errorf("NATS connection timeout: %w", err)
	}

	a.monitor.Register("nats", client.Check)
	return nil
}

func (a *app) buildIdentity(ctx context.Context) error {
	cfg := a.cfg.Identity

	l1, err := cache.NewFromConfig[identity.DeviceIdentity](ctx, cfg.L1,
		cache.WithMetrics[identity.DeviceIdentity](a.registry, "identity_l1"))
	if err != nil {
		return fmt.Errorf("create L1 cache: %w", err)
	}

	switch cfg.L2.Backend {
	case config.BackendMemory:
		a.l2 = identity.NewMemoryCache(cfg.L2.TTL)
	case config.BackendNATS:
		kv, err := identity.NewKVCache(ctx, a.nats, cfg.L2.Bucket, cfg.L2.TTL, a.logger)
		if err != nil {
			return fmt.Errorf("create NATS KV L2 cache: %w", err)
		}
		a.l2 = kv
	case config.BackendRedis:
		rc, err := identity.NewRedisCache(ctx, identity.RedisOptions{
			Addr:      cfg.L2.RedisAddr,
			Password:  cfg.L2.RedisPassword,
			DB:        cfg.L2.RedisDB,
			KeyPrefix: cfg.L2.KeyPrefix,
			Channel:   cfg.L2.Channel,
			TTL:       cfg.L2.TTL,
		}, a.logger)
		if err != nil {
			return fmt.Errorf("create redis L2 cache: %w", err)
		}
		a.l2 = rc
	}

	opts := []identity.Option{
		identity.WithLogger(a.logger),
		identity.WithMetrics(a.registry),
		identity.WithDirectoryTimeout(cfg.Directory.Timeout),
	}
	if a.l2 != nil {
		l2 := a.l2
		opts = append(opts, identity.WithSharedCache(l2))
		a.monitor.RegisterOptional("identity-l2", func(ctx context.Context) error {
			_, err := l2.Get(ctx, l2ProbeSerial)
			return err
		})
	}

	switch cfg.Directory.Backend {
	case config.BackendStatic:
		a.static = identity.NewStaticDirectory(cfg.Directory.Devices)
		opts = append(opts, identity.WithDirectory(a.static))
	case config.BackendNATS:
		opts = append(opts, identity.WithDirectory(identity.NewNATSDirectory(a.nats, cfg.Directory.Subject)))
		if len(cfg.Directory.Devices) > 0 {
			// Seeded devices are served on the directory subject, for
			// deployments without an external directory service.
			a.static = identity.NewStaticDirectory(cfg.Directory.Devices)
			if err := identity.ServeDirectory(ctx, a.nats, cfg.Directory.Subject, a.static); err != nil {
				return fmt.Errorf("serve device directory: %w", err)
			}
		}
	}

	a.resolver = identity.NewResolver(l1, opts...)
	if a.nats != nil && a.l2 != nil {
		resolver := a.resolver
		a.nats.OnHealthChange(func(healthy bool) {
			if healthy {
				resolver.ResetL1()
			}
		})
	}
	a.logger.Info("Identity resolver ready",
		"l1_enabled", cfg.L1.Enabled,
		"l2", cfg.L2.Backend,
		"directory", cfg.Directory.Backend)
	return nil
}

func (a *app) buildDispatch(ctx context.Context) (dispatch.Dispatcher, error) {
	fanout := dispatch.NewFanout(a.logger)
	sink := dispatch.NewLog(a.logger)
	fanout.Subscribe(dispatch.ConsumerFunc{ID: "log", Fn: sink.Dispatch},
		protocol.RecordAccess, protocol.RecordAttendance, protocol.RecordConsumption, protocol.RecordUnknown)

	if a.cfg.Dispatch.Backend != config.BackendJetStream {
		return fanout, nil
	}

	outboxCfg := dispatch.OutboxConfig{
		Stream:        a.cfg.Dispatch.Stream,
		SubjectPrefix: a.cfg.Dispatch.SubjectPrefix,
		MaxAge:        a.cfg.Dispatch.MaxAge,
		Duplicates:    a.cfg.Dispatch.Duplicates,
	}
	outbox := dispatch.NewOutbox(a.nats, outboxCfg, a.logger)
	if err := outbox.Start(ctx); err != nil {
		return nil, err
	}

	stream, err := a.nats.EnsureStream(ctx, outboxCfg.StreamConfig())
	if err != nil {
		return nil, fmt.Errorf("open outbox stream: %w", err)
	}
	a.relay = dispatch.NewRelay(stream, relayDurable, fanout, a.logger)
	if err := a.relay.Start(ctx); err != nil {
		return nil, err
	}
	return outbox, nil
}

func (a *app) buildRouter(ctx context.Context, dispatcher dispatch.Dispatcher) error {
	cfg := a.cfg.Router
	r, err := router.New(router.Config{
		Workers:          cfg.Workers,
		QueueSize:        cfg.QueueSize,
		DispatchTimeout:  cfg.DispatchTimeout,
		SentinelDeviceID: cfg.SentinelDeviceID,
		PayloadCapacity:  a.cfg.Ingest.DiagnosticsCapacity,
		NodeID:           a.cfg.Platform.NodeID,
	}, protocol.DefaultRegistry(), protocol.NewTableMap(cfg.Tables), dispatcher,
		router.WithLogger(a.logger),
		router.WithResolver(a.resolver),
		router.WithMetrics(a.registry))
	if err != nil {
		return fmt.Errorf("create router: %w", err)
	}
	if err := r.Start(ctx); err != nil {
		return fmt.Errorf("start router: %w", err)
	}
	a.router = r
	return nil
}

func (a *app) buildMatcher(ctx context.Context) error {
	cfg := a.cfg.Biometric

	var store biometric.Store
	switch cfg.Store {
	case config.BackendSQLite:
		s, err := bsqlite.Open(ctx, bsqlite.DSN(cfg.DSN), biometric.DefaultHistory, bsqlite.WithReaders(cfg.Workers))
		if err != nil {
			return fmt.Errorf("open template store: %w", err)
		}
		a.monitor.Register("templates", s.Ping)
		store = s
	default:
		store = biometric.NewMemoryStore(biometric.DefaultHistory)
	}

	opts := []biometric.Option{
		biometric.WithLogger(a.logger),
		biometric.WithMetrics(a.registry),
		biometric.WithWorkers(cfg.Workers, cfg.QueueSize),
		biometric.WithCandidateTimeout(cfg.CandidateTimeout),
		biometric.WithSearchBudget(cfg.SearchBudget),
	}
	for name, threshold := range cfg.Thresholds {
		modality, err := biometric.ParseModality(name)
		if err != nil {
			_ = store.Close()
			return fmt.Errorf("biometric threshold: %w", err)
		}
		opts = append(opts, biometric.WithThreshold(modality, threshold))
	}

	m := biometric.NewMatcher(store, opts...)
	if err := m.Start(ctx); err != nil {
		_ = store.Close()
		return fmt.Errorf("start matcher: %w", err)
	}
	a.matcher = m
	return nil
}

// watch reloads the table map, rate limit and seeded devices on config change
func (a *app) watch(ctx context.Context, loader *config.Loader) {
	w := config.NewWatcher(loader, config.NewSafeConfig(a.cfg), a.logger)
	w.OnChange(func(cfg *config.Config) {
		a.router.SetTables(cfg.Router.Tables)
		a.gateway.SetRateLimit(cfg.Ingest.TextRateLimit, cfg.Ingest.TextBurst)
		if a.static != nil {
			a.static.Replace(cfg.Identity.Directory.Devices)
		}
	})
	go func() {
		if err := w.Run(ctx); err != nil {
			a.logger.Error("Config watcher stopped", "error", err)
		}
	}()
}

// run serves until ctx is done or a server fails, then shuts down
func (a *app) run(ctx context.Context, shutdownTimeout time.Duration) error {
	if err := a.server.Start(a.errc); err != nil {
		_ = a.shutdown(shutdownTimeout)
		return err
	}
	if a.metricSrv != nil {
		if err := a.metricSrv.Start(); err != nil {
			_ = a.shutdown(shutdownTimeout)
			return err
		}
		a.logger.Info("Metrics available", "address", a.metricSrv.Address())
	}

	if a.resolver != nil && a.l2 != nil {
		go func() {
			if err := a.resolver.Watch(ctx); err != nil {
				a.logger.Warn("L2 invalidation watch stopped", "error", err)
			}
		}()
	}
	go a.matcher.RunCleanup(ctx, a.cfg.Biometric.CleanupInterval)
	go a.monitor.Run(ctx, healthInterval)

	a.logger.Info("termstream started", "addr", a.server.Addr())

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("Received shutdown signal")
	case runErr = <-a.errc:
		a.logger.Error("Server failed", "error", runErr)
	}

	if err := a.shutdown(shutdownTimeout); err != nil {
		return errors.Join(runErr, fmt.Errorf("graceful shutdown failed: %w", err))
	}
	a.logger.Info("termstream shutdown complete")
	return runErr
}

// shutdown stops intake first, drains the router, then closes backends
func (a *app) shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if a.server != nil {
		errs = append(errs, a.server.Stop(ctx))
	}
	if a.router != nil {
		errs = append(errs, a.router.Stop(timeout))
	}
	if a.relay != nil {
		a.relay.Stop()
	}
	if a.matcher != nil {
		errs = append(errs, a.matcher.Close(timeout))
	}
	if a.resolver != nil {
		errs = append(errs, a.resolver.Close())
	} else if a.l2 != nil {
		errs = append(errs, a.l2.Close())
	}
	if a.metricSrv != nil {
		errs = append(errs, a.metricSrv.Stop(ctx))
	}
	if a.nats != nil {
		errs = append(errs, a.nats.Close(ctx))
	}

	err := errors.Join(errs...)
	if err != nil {
		a.logger.Error("Errors during shutdown", "error", err)
	}
	return err
}
