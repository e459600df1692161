package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"identityresolver/internal/config"
	"identityresolver/internal/database"
	"identityresolver/internal/handlers"
	"identityresolver/internal/lock"
	"identityresolver/internal/logger"
	"identityresolver/internal/metrics"
	"identityresolver/internal/middleware"
	"identityresolver/internal/server"
	"identityresolver/internal/service"
	"identityresolver/internal/store/memory"
	"identityresolver/internal/telemetry"
)

func main() {
	app := fx.New(
		fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: l}
		}),
		fx.Provide(
			config.Load,
			newLogger,
			newTelemetry,
			newRegistry,
			newMetrics,
			newContactStore,
			newLocker,
			newResolver,
			newRateLimiter,
			handlers.NewIdentifyHandler,
			handlers.NewHealthHandler,
			newRouter,
			newHTTPServer,
		),
		fx.Invoke(startHTTPServer),
	)

	app.Run()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	return logger.New(cfg.IsDevelopment())
}

func newTelemetry(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (*telemetry.Provider, error) {
	provider, err := telemetry.New(context.Background(), telemetry.Config{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.TelemetryEndpoint,
		Insecure:    cfg.TelemetryInsecure,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return provider.Shutdown(stopCtx)
		},
	})

	return provider, nil
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func newMetrics(reg *prometheus.Registry) *metrics.Metrics {
	return metrics.New(reg)
}

type storeResult struct {
	fx.Out

	Store  service.ContactStore
	Pinger handlers.Pinger
}

func newContactStore(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (storeResult, error) {
	if cfg.DatabaseDriver == config.DriverMemory {
		log.Warn("using in-memory contact store; data is lost on restart")
		return storeResult{
			Store:  memory.New(),
			Pinger: handlers.PingFunc(func(context.Context) error { return nil }),
		}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := database.New(ctx, database.Config{Driver: cfg.DatabaseDriver, DSN: cfg.DatabaseURL}, log)
	if err != nil {
		return storeResult{}, fmt.Errorf("connect database: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return db.Close()
		},
	})

	return storeResult{Store: database.NewContactRepository(db), Pinger: db}, nil
}

func newLocker(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (lock.Locker, error) {
	if cfg.RedisURL == "" {
		return lock.NewLocalLocker(), nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})

	log.Info("using redis identifier locks", zap.String("addr", opts.Addr))
	return lock.NewRedisLocker(client, cfg.LockTTL, cfg.LockWaitTimeout), nil
}

func newResolver(
	cfg config.Config,
	store service.ContactStore,
	locker lock.Locker,
	m *metrics.Metrics,
	tp *telemetry.Provider,
	log *zap.Logger,
) handlers.Resolver {
	return service.NewResolver(store,
		service.WithLocker(locker),
		service.WithMetrics(m),
		service.WithTracer(tp.Tracer()),
		service.WithLogger(log.Named("resolver")),
		service.WithMergePrimaries(cfg.MergePrimaries),
	)
}

func newRateLimiter(cfg config.Config) *middleware.RateLimiter {
	return middleware.NewRateLimiter(cfg.RateLimitRPM)
}

func newRouter(
	cfg config.Config,
	identify *handlers.IdentifyHandler,
	health *handlers.HealthHandler,
	reg *prometheus.Registry,
	m *metrics.Metrics,
	limiter *middleware.RateLimiter,
	tp *telemetry.Provider,
	log *zap.Logger,
) http.Handler {
	return server.NewRouter(server.RouterParams{
		ServiceName:    cfg.ServiceName,
		Identify:       identify,
		Health:         health,
		Gatherer:       reg,
		Metrics:        m,
		RateLimiter:    limiter,
		TracerProvider: tp.TracerProvider(),
		Logger:         log,
	})
}

func newHTTPServer(handler http.Handler, cfg config.Config, log *zap.Logger) *server.HTTPServer {
	return server.NewHTTPServer(handler, cfg.ShutdownTimeout, log)
}

// startHTTPServer binds the listen address during OnStart so a taken port fails startup,
// and asks fx to shut down if serving stops on its own.
func startHTTPServer(lc fx.Lifecycle, shutdowner fx.Shutdowner, srv *server.HTTPServer, cfg config.Config, log *zap.Logger) {
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", cfg.Addr())
			if err != nil {
				return fmt.Errorf("listen on %s: %w", cfg.Addr(), err)
			}

			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				defer close(done)
				if err := srv.Serve(runCtx, ln); err != nil {
					log.Error("http server stopped", zap.Error(err))
					if err := shutdowner.Shutdown(fx.ExitCode(1)); err != nil {
						log.Error("request shutdown", zap.Error(err))
					}
				}
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}
