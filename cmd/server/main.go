package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vendasfiadas/backend/internal/cache"
	"vendasfiadas/backend/internal/config"
	"vendasfiadas/backend/internal/domain"
	"vendasfiadas/backend/internal/httpapi"
	"vendasfiadas/backend/internal/insights"
	"vendasfiadas/backend/internal/ledger"
	"vendasfiadas/backend/internal/store"
	"vendasfiadas/backend/internal/store/memory"
	pgstore "vendasfiadas/backend/internal/store/postgres"
)

func main() {
	cfg := config.Load()
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres unavailable (%v) and DATABASE_URL is set; refusing to start with in-memory fallback", err)
		}
		repo = pg
		closers = append(closers, pg.Close)
		log.Println("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		log.Println("repository: in-memory")
	}

	var snapshotCache cache.SnapshotCache = cache.NoopCache{}
	var summaryCache cache.SummaryCache = cache.NoopCache{}
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			log.Printf("redis unavailable (%v), using noop cache", err)
		} else {
			snapshotCache = redisCache
			summaryCache = redisCache
			closers = append(closers, redisCache.Close)
			log.Println("cache: redis")
		}
	} else {
		log.Println("cache: noop")
	}

	registry := ledger.NewRegistry(repo, snapshotCache, time.Duration(cfg.SnapshotCacheTTLMinutes)*time.Minute)
	insightsEngine := insights.NewEngine(summaryCache, time.Duration(cfg.SummaryTTLSeconds)*time.Second)
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)

	// Mirror the session lifecycle onto document bindings: sign-in binds the
	// owner's ledger, sign-out releases it.
	auth.OnAuthStateChange(func(actor domain.Actor, signedIn bool) {
		if signedIn {
			bindCtx, bindCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer bindCancel()
			if _, err := registry.Acquire(bindCtx, actor.UserID); err != nil {
				log.Printf("failed to bind ledger for %s: %v", actor.UserID, err)
			}
			return
		}
		registry.Release(actor.UserID)
	})

	api := httpapi.New(registry, insightsEngine, auth, cfg.AllowedOrigin)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("fiado backend listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}

	registry.Close()

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Printf("close error: %v", err)
		}
	}

	log.Println("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	return nil
}
