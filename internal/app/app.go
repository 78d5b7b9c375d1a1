package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	grpcapp "hrauth/internal/app/grpc"
	httpapp "hrauth/internal/app/http"
	"hrauth/internal/config"
	"hrauth/internal/events"
	authhttp "hrauth/internal/http/auth"
	"hrauth/internal/http/middleware"
	"hrauth/internal/lib/clock"
	"hrauth/internal/lib/hasher"
	"hrauth/internal/lib/jwt"
	"hrauth/internal/lib/logger/sl"
	"hrauth/internal/lib/metrics"
	"hrauth/internal/services/auth"
	"hrauth/internal/services/sweeper"
	"hrauth/internal/storage/mongodb"
	"hrauth/internal/storage/sqlite"
)

// Storage is what both backends provide to the rest of the application.
type Storage interface {
	auth.UserSaver
	auth.UserProvider
	auth.RefreshTokenStore
	sweeper.ExpiredTokenDeleter
	Ping(ctx context.Context) error
}

type App struct {
	HTTPSrv *httpapp.App
	GRPCSrv *grpcapp.App
	Auth    *auth.Auth
	Handler http.Handler
	Storage Storage
	Metrics *metrics.Metrics

	logger       *slog.Logger
	dispatcher   *events.Dispatcher
	sweeper      *sweeper.Sweeper
	redis        *redis.Client
	closeStorage func(ctx context.Context) error
	stopSweeper  context.CancelFunc
	sweeperDone  chan struct{}
}

// New wires the application. It panics if storage cannot be opened.
func New(logger *slog.Logger, cfg *config.Config) *App {
	a, err := build(logger, cfg, clock.Real{})
	if err != nil {
		panic(err)
	}
	return a
}

func build(logger *slog.Logger, cfg *config.Config, clk clock.Clock) (*App, error) {
	const op = "app.build"

	trust, err := middleware.NewProxyTrust(cfg.HTTP.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	store, closeStorage, err := openStorage(logger, cfg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	a := &App{
		Storage:      store,
		Metrics:      metrics.New(),
		logger:       logger,
		closeStorage: closeStorage,
	}

	sinks := events.MultiSink{events.NewLogSink(logger), a.Metrics}
	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		sinks = append(sinks, events.NewRedisSink(a.redis, cfg.Redis.Channel))
		logger.Info("publishing events to redis", slog.String("addr", cfg.Redis.Addr))
	}

	a.dispatcher = events.NewDispatcher(logger, events.DispatcherConfig{
		BufferSize:     cfg.Events.BufferSize,
		DropIfFull:     cfg.Events.DropIfFull,
		EnqueueTimeout: cfg.Events.EnqueueTimeout,
	}, sinks)
	a.Metrics.RegisterDroppedEvents(a.dispatcher.Dropped)

	issuer := jwt.NewIssuer(
		cfg.Tokens.AccessSecret, cfg.Tokens.AccessTTL(),
		cfg.Tokens.RefreshSecret, cfg.Tokens.RefreshTTL(),
		clk,
	)

	a.Auth = auth.New(
		logger,
		store,
		store,
		store,
		issuer,
		hasher.NewBcrypt(bcrypt.DefaultCost),
		a.dispatcher,
		clk,
	)

	a.sweeper = sweeper.New(logger, store, clk, cfg.Sweeper.Interval)
	a.sweeper.OnSweep(a.Metrics.ObserveSweep)

	mux := http.NewServeMux()
	limiter := middleware.NewRateLimiter(cfg.HTTP.LoginRate, cfg.HTTP.LoginBurst)
	authhttp.Register(mux, logger, a.Auth, issuer, authhttp.Options{
		Limit:      limiter.Middleware,
		Instrument: a.Metrics.Instrument,
	})
	mux.Handle("GET /healthz", a.Metrics.Instrument("GET /healthz", healthz(store)))
	mux.Handle("GET /metrics", a.Metrics.Handler())

	a.Handler = middleware.Chain(mux,
		middleware.RealIP(trust),
		middleware.Logging(logger),
		middleware.SecurityHeaders,
		middleware.MaxBodyBytes(cfg.HTTP.MaxBodyBytes),
	)

	a.HTTPSrv = httpapp.New(logger, a.Handler, httpapp.Config{
		Address:         cfg.HTTP.Address,
		ReadTimeout:     cfg.HTTP.ReadTimeout,
		WriteTimeout:    cfg.HTTP.WriteTimeout,
		IdleTimeout:     cfg.HTTP.IdleTimeout,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
	})
	a.GRPCSrv = grpcapp.New(logger, store, cfg.GRPC.Port)

	return a, nil
}

func openStorage(logger *slog.Logger, cfg *config.Config) (Storage, func(context.Context) error, error) {
	switch cfg.Storage.Type {
	case config.StorageMongo:
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		store, err := mongodb.New(ctx, cfg.Storage.Mongo.URI, cfg.Storage.Mongo.Database)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("connected to mongodb", slog.String("database", cfg.Storage.Mongo.Database))
		return store, store.Close, nil

	default:
		store, err := sqlite.New(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		if cfg.Storage.AutoMigrate {
			if err := store.Migrate(); err != nil {
				_ = store.Close()
				return nil, nil, err
			}
		}
		logger.Info("opened sqlite storage", slog.String("path", cfg.Storage.SQLitePath))
		return store, func(context.Context) error { return store.Close() }, nil
	}
}

func healthz(p interface{ Ping(context.Context) error }) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status, body := http.StatusOK, map[string]string{"status": "ok"}
		if err := p.Ping(ctx); err != nil {
			status, body = http.StatusServiceUnavailable, map[string]string{"status": "unavailable"}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	})
}

// StartSweeper runs the expiry sweeper in the background until Stop.
func (a *App) StartSweeper() {
	ctx, cancel := context.WithCancel(context.Background())
	a.stopSweeper = cancel
	a.sweeperDone = make(chan struct{})

	go func() {
		defer close(a.sweeperDone)
		a.sweeper.Run(ctx)
	}()
}

// Stop shuts the servers down, drains pending events and closes storage.
func (a *App) Stop() {
	const op = "app.Stop"
	log := a.logger.With(slog.String("op", op))

	if a.HTTPSrv != nil {
		a.HTTPSrv.Stop()
	}
	if a.GRPCSrv != nil {
		a.GRPCSrv.Stop()
	}

	if a.stopSweeper != nil {
		a.stopSweeper()
		<-a.sweeperDone
	}

	a.dispatcher.Close()

	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			log.Warn("failed to close redis client", sl.Err(err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.closeStorage(ctx); err != nil {
		log.Error("failed to close storage", sl.Err(err))
	}
}
