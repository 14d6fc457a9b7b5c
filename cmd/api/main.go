package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	nats "github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	"tenantauth.org/internal/audit"
	"tenantauth.org/internal/auth"
	"tenantauth.org/internal/config"
	"tenantauth.org/internal/httpapi"
	"tenantauth.org/internal/migrate"
	"tenantauth.org/internal/notify"
	"tenantauth.org/internal/obs"
	"tenantauth.org/internal/store/memory"
	"tenantauth.org/internal/store/pg"
)

// startupWait bounds how long dependencies may take to come up.
const startupWait = 30 * time.Second

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", os.Getenv(config.EnvPrefix+"CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		obs.Logger().Fatal().Err(err).Msg("load config")
	}
	obs.SetLevel(cfg.Logging.Level)
	obs.Init()
	obs.InitBuildInfo(version, commit)
	log := obs.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, ready, closeRepo, err := openRepository(ctx, cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("open repository")
	}
	defer closeRepo()

	emitter, closeAudit, err := openAudit(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("open audit sink")
	}
	defer closeAudit()

	notifier, closeNotifier, err := openNotifier(cfg.NATS)
	if err != nil {
		log.Fatal().Err(err).Msg("connect nats")
	}
	defer closeNotifier()

	svc, err := auth.NewService(repo, cfg.TokenIssuer(),
		auth.WithConfig(cfg.Auth()),
		auth.WithHasher(auth.NewBcryptHasher(cfg.Security.BcryptCost, cfg.Security.HashWorkers)),
		auth.WithAudit(emitter),
		auth.WithNotifier(notifier),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("build auth service")
	}
	log.Info().Str("policy", cfg.Auth().Policy.String()).Msg("security policy")

	api := httpapi.New(svc, ready,
		httpapi.WithVersion(version),
		httpapi.WithRateLimit(cfg.HTTP.RateLimitBurst, cfg.HTTP.RateLimitRPS),
		httpapi.WithMaxBodyBytes(cfg.HTTP.MaxBodyBytes),
		httpapi.WithCORSOrigins(cfg.HTTP.CORSOrigins),
		httpapi.WithTrustProxy(cfg.HTTP.TrustProxy),
	)
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}

	var grpcSrv *grpc.Server
	if cfg.GRPC.Addr != "" {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			log.Fatal().Err(err).Str("addr", cfg.GRPC.Addr).Msg("listen grpc")
		}
		grpcSrv = grpc.NewServer()
		health := httpapi.NewHealthServer(ready, 0)
		health.Register(grpcSrv)
		go health.Watch(ctx)
		go func() {
			log.Info().Str("addr", cfg.GRPC.Addr).Msg("grpc health listening")
			if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				log.Error().Err(err).Msg("grpc serve")
			}
		}()
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("starting tenantauth")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	log.Info().Msg("stopped")
}

// openRepository uses PostgreSQL when a DSN is configured and the in-memory
// store otherwise.
func openRepository(ctx context.Context, cfg config.DatabaseConfig) (auth.Repository, httpapi.DBReadiness, func(), error) {
	if cfg.DSN == "" {
		obs.Logger().Warn().Msg("no database dsn configured, using the in-memory store")
		return memory.New(), httpapi.DBReadiness{}, func() {}, nil
	}
	store, err := pg.Open(cfg.DSN, pg.PoolConfig{
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	})
	if err != nil {
		return nil, httpapi.DBReadiness{}, nil, err
	}
	if err := store.WaitReady(ctx, startupWait); err != nil {
		_ = store.Close()
		return nil, httpapi.DBReadiness{}, nil, err
	}
	if cfg.AutoMigrate {
		mgr := migrate.NewManager(store.DB(), migrate.Embedded, migrate.EmbeddedMigrations, migrate.EmbeddedSeeds)
		if err := mgr.Up(ctx); err != nil {
			_ = store.Close()
			return nil, httpapi.DBReadiness{}, nil, err
		}
	}
	closeFn := func() {
		if err := store.Close(); err != nil {
			obs.Logger().Warn().Err(err).Msg("close database")
		}
	}
	return store, httpapi.DBReadiness{DB: store.DB()}, closeFn, nil
}

func openAudit(cfg *config.Config) (audit.Emitter, func(), error) {
	var sink audit.Sink
	closeClient := func() {}
	switch cfg.Audit.Sink {
	case config.AuditSinkNone:
		return audit.Discard{}, func() {}, nil
	case config.AuditSinkRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		s, err := audit.NewRedisStreamSink(client, cfg.Redis.Stream, cfg.Redis.StreamMaxLen)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		sink = s
		closeClient = func() { _ = client.Close() }
	default:
		sink = audit.NewLogSink(nil)
	}
	d := audit.NewDispatcher(sink, cfg.Audit.Buffer)
	return d, func() {
		d.Close()
		closeClient()
	}, nil
}

func openNotifier(cfg config.NATSConfig) (auth.Notifier, func(), error) {
	if cfg.URL == "" {
		return notify.Noop{}, func() {}, nil
	}
	var nc *nats.Conn
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = startupWait
	err := backoff.Retry(func() error {
		var err error
		nc, err = nats.Connect(cfg.URL, nats.Name("tenantauth"))
		return err
	}, bo)
	if err != nil {
		return nil, nil, err
	}
	n, err := notify.NewNATSNotifier(nc, cfg.SubjectPrefix)
	if err != nil {
		nc.Close()
		return nil, nil, err
	}
	return n, func() {
		if err := nc.Drain(); err != nil {
			nc.Close()
		}
	}, nil
}
