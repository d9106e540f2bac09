package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"clinic/server/internal/admin"
	"clinic/server/internal/authpw"
	"clinic/server/internal/config"
	"clinic/server/internal/presence"
	"clinic/server/internal/server"
	"clinic/server/internal/signalstore"
	"clinic/server/internal/store"
)

func main() {
	cfg := config.Load()
	log, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("clinicd exited", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}

	dataStore := store.NewPostgresStore(db)
	identity := authpw.NewService(dataStore)

	signals, err := openSignalStore(ctx, cfg, log)
	if err != nil {
		return err
	}

	deps := server.Dependencies{
		Identity: identity,
		Roles:    dataStore,
		Clinical: dataStore,
		Signals:  signals,
	}
	adminDeps := admin.Deps{
		DB:    dataStore,
		Auth:  identity,
		Roles: dataStore,
	}
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Info("mirroring session presence to redis")
		redisStore, err := presence.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer redisStore.Close()
		deps.Presence = redisStore
		adminDeps.Presence = redisStore
		adminDeps.Redis = redisStore
	}

	sessions := server.New(server.OptionsFromConfig(cfg), deps, log)
	if err := sessions.Start(ctx); err != nil {
		return fmt.Errorf("start session server: %w", err)
	}
	adminDeps.Server = sessions

	adminServer := &http.Server{
		Addr:              cfg.AdminAddr,
		Handler:           admin.NewHTTPServer(adminDeps, cfg.JWTSecret, cfg.AccessTTL, log).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("admin api listening", zap.String("addr", cfg.AdminAddr))
		if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin api: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		var errs []error
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("admin shutdown: %w", err))
		}
		if err := sessions.Stop(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("session server shutdown: %w", err))
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}

func openSignalStore(ctx context.Context, cfg config.Config, log *zap.Logger) (signalstore.Store, error) {
	if strings.TrimSpace(cfg.S3Endpoint) == "" {
		log.Info("storing signals on disk", zap.String("dir", cfg.SignalDir))
		local, err := signalstore.NewLocalStore(cfg.SignalDir)
		if err != nil {
			return nil, fmt.Errorf("signal dir: %w", err)
		}
		return local, nil
	}
	log.Info("storing signals in s3", zap.String("endpoint", cfg.S3Endpoint), zap.String("bucket", cfg.S3Bucket))
	s3, err := signalstore.NewS3Store(ctx, signalstore.S3Config{
		Endpoint:  cfg.S3Endpoint,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		Bucket:    cfg.S3Bucket,
		UseSSL:    cfg.S3UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("signal bucket: %w", err)
	}
	return s3, nil
}
