package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/xela07ax/spaceai-gateway/internal/audit"
	"github.com/xela07ax/spaceai-gateway/internal/budget"
	"github.com/xela07ax/spaceai-gateway/internal/cache"
	"github.com/xela07ax/spaceai-gateway/internal/connectors"
	"github.com/xela07ax/spaceai-gateway/internal/console/handler"
	"github.com/xela07ax/spaceai-gateway/internal/console/server"
	"github.com/xela07ax/spaceai-gateway/internal/console/service"
	"github.com/xela07ax/spaceai-gateway/internal/domain"
	"github.com/xela07ax/spaceai-gateway/internal/engine"
	"github.com/xela07ax/spaceai-gateway/internal/infra"
	"github.com/xela07ax/spaceai-gateway/internal/infra/auth"
	"github.com/xela07ax/spaceai-gateway/internal/repository/postgres"
	"github.com/xela07ax/spaceai-gateway/internal/repository/sqlite"
	"github.com/xela07ax/spaceai-gateway/internal/router"
	"github.com/xela07ax/spaceai-gateway/internal/rules"
)

func newServeCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the data plane (HTTP + gRPC) and the operator console",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *infra.Config, logger *zap.Logger) error {
	// 1. Infrastructure
	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
		}
	}

	traceStore, closeStore, err := openTraceStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer closeStore()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := engine.NewMetrics(reg)

	var sink domain.EventSink = engine.NewLogSink(logger)
	if rdb != nil {
		sink = engine.MultiSink{sink, engine.NewRedisPublisher(rdb, logger)}
	}

	// 2. Rule table
	set, err := rules.LoadFile(cfg.Rules.Path)
	if err != nil {
		return err
	}
	store := rules.NewStore(set, cfg.Rules.Path, logger)
	reloader := engine.NewRulesReloader(store, sink, logger)

	// 3. Budget, executors, router
	ledger := budget.NewLedger(budget.Config{
		Window:         cfg.Budget.Window,
		WarnRatio:      cfg.Budget.WarnRatio,
		GlobalCap:      cfg.Budget.GlobalCap,
		ReservationTTL: cfg.Budget.ReservationTTL,
	}, sink, logger)
	metrics.WatchBudget(ledger.Snapshot)

	registry := connectors.NewRegistry(logger,
		connectors.WithHTTPClient(&http.Client{Timeout: cfg.Connectors.HTTPTimeout}),
		connectors.WithMockLatency(cfg.Connectors.MockLatencyMin, cfg.Connectors.MockLatencyMax))
	defer registry.Close()

	rt := router.New(router.Config{
		DispatchTimeout:  cfg.Router.DispatchTimeout,
		MaxAttempts:      cfg.Router.MaxAttempts,
		BreakerThreshold: cfg.Router.BreakerThreshold,
		BreakerCooldown:  cfg.Router.BreakerCooldown,
		RateLimit:        cfg.Router.RateLimit,
		RateBurst:        cfg.Router.RateBurst,
		EstimateUnits:    cfg.Router.EstimateUnits,
		LatencyAlpha:     cfg.Router.LatencyAlpha,
	}, ledger, registry, logger, router.WithObserver(metrics), router.WithEventSink(sink))

	// Every installed table (the first one included) reshapes executors, caps and breakers.
	store.OnChange(func(s *rules.Set) {
		if err := registry.Sync(s.Backends); err != nil {
			logger.Error("some executors could not be built", zap.String("version", s.Label()), zap.Error(err))
		}
		ledger.SyncBackends(s.Backends)
		rt.Forget(s.Backends)
	})

	// 4. Cache and recorder
	var cacheStore cache.Store
	memCache := cache.NewMemoryStore(cfg.Cache.MaxEntries)
	cacheStore = memCache
	if cfg.Cache.Driver == "redis" {
		cacheStore = cache.NewRedisStore(rdb, infra.RedisKeyCachePrefix)
		memCache = nil
	}
	respCache := cache.New(cacheStore, cache.TTLs{
		domain.LevelPublic:       cfg.Cache.TTLPublic,
		domain.LevelInternal:     cfg.Cache.TTLInternal,
		domain.LevelConfidential: cfg.Cache.TTLConfidential,
	}, logger)

	recorder := audit.NewRecorder(traceStore, audit.Config{
		BufferSize:    cfg.Engine.AuditBufferSize,
		BatchSize:     cfg.Engine.AuditBatchSize,
		FlushInterval: cfg.Engine.AuditFlushInterval,
		WriteTimeout:  cfg.Engine.TraceWriteTimeout,
		MaxRetained:   cfg.Engine.AuditMaxRetained,
	}, logger, audit.WithEventSink(sink), audit.WithObserver(metrics))
	recorder.Start()
	defer recorder.Stop()
	metrics.WatchAuditQueue(recorder.QueueDepth)

	halts := engine.NewKillSwitchManager(rdb)
	if err := halts.Init(ctx); err != nil {
		return fmt.Errorf("load halted backends: %w", err)
	}

	gw := engine.NewGateway(store, respCache, rt, recorder, halts, metrics, logger)

	// 5. Auth
	var validator auth.TokenValidator
	var authService *service.AuthService
	if len(cfg.Auth.PrivateKey) > 0 {
		key, err := auth.ParseRSAPrivateKey(cfg.Auth.PrivateKey)
		if err != nil {
			return err
		}
		authService = service.NewAuthService(service.NewStaticOperators(cfg.Auth.Operators), key, cfg.Auth.TokenTTL)
		validator = authService
	}
	if len(cfg.Auth.PublicKey) > 0 {
		key, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
		if err != nil {
			return err
		}
		validator = auth.NewBaseValidator(key)
	}
	authMW := auth.Anonymous
	if validator != nil {
		authMW = auth.NewMiddleware(validator, logger)
	} else {
		logger.Warn("no RSA keys configured: gateway and console run without authentication")
	}

	// 6. Listeners
	gatewaySrv := &http.Server{
		Addr:         cfg.Server.GatewayAddr,
		Handler:      engine.NewHTTPHandler(gw, authMW, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	var authHandler *handler.AuthHandler
	if authService != nil {
		authHandler = handler.NewAuthHandler(authService, logger)
	}
	consoleSrv := &http.Server{
		Addr: cfg.Server.ConsoleAddr,
		Handler: server.NewConsoleServer(logger,
			authMW,
			promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			authHandler,
			handler.NewBudgetHandler(service.NewBudgetService(ledger, store, logger), logger),
			handler.NewAuditHandler(service.NewAuditService(recorder), logger),
			handler.NewRulesHandler(service.NewRulesService(store, reloader, halts, rt, redisCmdable(rdb), sink, logger), logger),
		),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	grpcSrv := grpc.NewServer(grpc.UnaryInterceptor(engine.UnaryAuthInterceptor(validator, logger)))
	engine.RegisterGatewayServer(grpcSrv, engine.NewGRPCGatewayServer(gw))

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return listenHTTP(gatewaySrv, "gateway", logger) })
	g.Go(func() error { return listenHTTP(consoleSrv, "console", logger) })
	g.Go(func() error {
		if cfg.Server.GRPCAddr == "" {
			return nil
		}
		lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen %s: %w", cfg.Server.GRPCAddr, err)
		}
		logger.Info("gRPC gateway started", zap.String("addr", cfg.Server.GRPCAddr))
		return grpcSrv.Serve(lis)
	})

	// 7. Background loops
	g.Go(func() error {
		ledger.Run(ctx, cfg.Budget.SweepInterval)
		return nil
	})
	if memCache != nil && cfg.Cache.PurgeInterval > 0 {
		g.Go(func() error {
			t := time.NewTicker(cfg.Cache.PurgeInterval)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-t.C:
					if n := memCache.Purge(); n > 0 {
						logger.Debug("cache purge", zap.Int("expired", n))
					}
				}
			}
		})
	}
	if cfg.Rules.Watch && cfg.Rules.Path != "" {
		w, err := rules.NewWatcher(store, logger, rules.WithReloadFunc(func() (bool, error) {
			_, changed, err := reloader.Reload(ctx, "file")
			return changed, err
		}))
		if err != nil {
			logger.Warn("rule file watcher disabled", zap.Error(err))
		} else {
			g.Go(func() error { return w.Run(ctx) })
		}
	}
	if rdb != nil {
		g.Go(func() error {
			reloader.ListenPolicyUpdates(ctx, rdb)
			return nil
		})
		g.Go(func() error {
			halts.StartListener(ctx, logger)
			return nil
		})
	}

	// 8. Graceful shutdown
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("gateway stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		grpcSrv.GracefulStop()
		return errors.Join(gatewaySrv.Shutdown(shutdownCtx), consoleSrv.Shutdown(shutdownCtx))
	})

	logger.Info("gateway started",
		zap.String("rules_version", store.Current().Label()),
		zap.Int("backends", len(store.Current().Backends)),
		zap.String("trace_store", cfg.Storage.Driver),
		zap.String("cache", cfg.Cache.Driver))

	err = g.Wait()
	logger.Info("gateway exited", zap.Int("unsettled_traces", recorder.Backlog()))
	return err
}

func listenHTTP(srv *http.Server, name string, logger *zap.Logger) error {
	if srv.Addr == "" {
		return nil
	}
	logger.Info(name+" listener started", zap.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s listen: %w", name, err)
	}
	return nil
}

func openTraceStore(ctx context.Context, cfg infra.StorageConfig) (audit.Store, func(), error) {
	switch cfg.Driver {
	case "postgres":
		repo, err := postgres.NewTraceRepo(ctx, cfg.URL)
		if err != nil {
			return nil, nil, err
		}
		if err := repo.Migrate(ctx); err != nil {
			repo.Close()
			return nil, nil, err
		}
		return repo, repo.Close, nil
	case "sqlite":
		repo, err := sqlite.Open(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return repo, func() { repo.Close() }, nil
	}
	return audit.NewMemoryStore(), func() {}, nil
}

// redisCmdable keeps a nil client a nil interface.
func redisCmdable(rdb *redis.Client) redis.Cmdable {
	if rdb == nil {
		return nil
	}
	return rdb
}
