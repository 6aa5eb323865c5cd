package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/ledger"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/migrations"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel, "dispatch-api")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("close failed", "error", err)
			}
		}
	}()

	var (
		rides   storage.RideStore    = storage.NewMemoryStore()
		archive storage.OfferArchive = storage.NewMemoryOfferArchive()
	)
	if cfg.PGDSN != "" {
		db, err := storage.OpenPostgres(ctx, cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		closers = append(closers, db.Close)
		if cfg.RunMigrations {
			applied, err := storage.Migrate(ctx, db, migrations.FS)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			logger.Info("migrations applied", "files", applied)
		}
		rides = storage.NewPostgresStore(db)
		archive = storage.NewPostgresOfferArchive(db)
	}

	var dir geo.Directory = geo.NewIndex()
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := rc.Ping(ctx).Err(); err != nil {
			_ = rc.Close()
			return fmt.Errorf("ping redis: %w", err)
		}
		closers = append(closers, rc.Close)
		dir = geo.NewRedisDirectory(rc, cfg.RedisGeoKey)
	}

	wsreg := dispatch.NewWSRegistry()
	channels := []dispatch.Channel{{Name: "ws", Notifier: wsreg}}
	if cfg.PushEndpoint != "" {
		var push dispatch.Notifier = dispatch.NewPushDispatcher(cfg.PushEndpoint, cfg.PushKey)
		if cfg.PushFormat == config.PushFormatFCM {
			push = dispatch.NewFCMDispatcher(cfg.PushEndpoint, cfg.PushKey)
		}
		channels = append(channels, dispatch.Channel{Name: cfg.PushFormat, Notifier: push})
	}
	var locations ingest.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		events := dispatch.NewKafkaNotifier(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
		closers = append(closers, events.Close)
		channels = append(channels, dispatch.Channel{Name: "kafka", Notifier: events})

		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		closers = append(closers, producer.Close)
		locations = producer
	}

	est := &eta.Estimator{Cache: eta.NewCache(time.Minute), SpeedMps: cfg.DefaultSpeedMps}
	if cfg.OSRMEndpoint != "" {
		est.Client = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}
	gateway := dispatch.NewGateway(logger, cfg.NotifyTimeout, channels...).
		WithEnricher(eta.PickupEnricher(dir, est))

	l := ledger.New(rides, dir, ledger.WithArchive(archive), ledger.WithLogger(logger))
	svc := &matcher.Service{
		Rides:     rides,
		Directory: dir,
		Ledger:    l,
		Notifier:  gateway,
		Logger:    logger,
		Config: matcher.Config{
			OfferTTL:       cfg.OfferTTL,
			RadiusM:        cfg.CandidateRadiusM,
			CandidateLimit: cfg.CandidateLimit,
			SweepInterval:  cfg.SweepInterval,
			Retention:      cfg.Retention,
		},
	}
	if cfg.RedisAddr != "" && cfg.PGDSN == "" {
		logger.Warn("redis directory without postgres: busy flags of offers open at shutdown are not recovered")
	}
	recovered, rerr := svc.Recover(ctx)
	if rerr != nil {
		return fmt.Errorf("recover dispatch: %w", rerr)
	}
	if recovered > 0 {
		logger.Info("dispatch recovered", "rides", recovered)
	}

	sweepCtx, stopSweeper := context.WithCancel(ctx)
	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		svc.RunSweeper(sweepCtx)
	}()

	api := httpapi.NewServer(httpapi.Deps{
		Rides:      rides,
		Directory:  dir,
		Ledger:     l,
		Dispatcher: svc,
		Archive:    archive,
		Locations:  locations,
		WSReg:      wsreg,
	}, logger)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr,
			"postgres", cfg.PGDSN != "", "redis", cfg.RedisAddr != "", "kafka", len(cfg.KafkaBrokers) > 0)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		stopSweeper()
		<-sweeperDone
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	stopSweeper()
	<-sweeperDone
	gateway.Wait()
	return err
}
