package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"semreg/api/internal/app"
	"semreg/api/internal/archive"
	"semreg/api/internal/config"
	"semreg/api/internal/lock"
	"semreg/api/internal/search"
	"semreg/api/internal/snapgit"
	"semreg/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.Bootstrap(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	scratch := store.NewScratchRunner(db)

	// Publish lock backend: Redis when configured, Postgres advisory locks
	// otherwise.
	var locker interface {
		TryAcquire(ctx context.Context) (func(), bool, error)
	}
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for the publish lock")
		redisLocker, err := lock.NewRedisLocker(cfg.RedisURL, cfg.LockTTL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisLocker.Close()
		locker = redisLocker
	} else {
		log.Printf("Using Postgres advisory locks for the publish lock")
		locker = store.NewAdvisoryLocker(db)
	}

	service := app.NewService(dataStore, scratch, locker)

	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliKey)
		defer meiliClient.Close()
		service.WithSearch(meiliClient)
	}

	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		archiver, err := archive.NewMinio(cfg.MinioEndpoint, cfg.MinioAccessKey,
			cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Printf("WARNING: bundle archive disabled: %v", err)
		} else {
			service.WithArchive(archiver)
		}
	}

	if err := os.MkdirAll(cfg.SnapshotsDir, 0o755); err != nil {
		log.Fatalf("failed to create snapshots dir: %v", err)
	}
	service.WithSnapshotLog(snapgit.New(cfg.SnapshotsDir))

	httpServer := app.NewHTTPServer(service, cfg.APIToken, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Semantic registry API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
