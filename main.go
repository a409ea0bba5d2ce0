package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"transcoder/config"
	"transcoder/server"
	"transcoder/services"
	"transcoder/worker"

	"github.com/redis/go-redis/v9"
)

func main() {
	log.Println("Starting transcode coordinator...")

	cfg := config.Load()

	if _, err := exec.LookPath(cfg.FFmpegPath); err != nil {
		log.Printf("Warning: %s not found on PATH; jobs will fail with launch_error", cfg.FFmpegPath)
	}

	// Optional Redis status mirror
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		log.Println("Connected to Redis successfully")
	} else {
		log.Println("Redis status mirror disabled (REDIS_ADDR not set)")
	}

	// Optional Postgres job ledger
	var ledger worker.JobLedger
	if cfg.DatabaseURL != "" {
		dbSvc, err := services.NewDatabaseService(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer dbSvc.Close()
		if err := dbSvc.EnsureSchema(context.Background()); err != nil {
			log.Fatalf("Failed to ensure database schema: %v", err)
		}
		ledger = dbSvc
		log.Println("Connected to database successfully")
	} else {
		log.Println("Postgres job ledger disabled (DB_HOST not set)")
	}

	// Optional S3 blob store
	var store worker.BlobStore
	if cfg.S3Bucket != "" {
		store = services.NewS3Service(cfg)
		log.Printf("S3 blob store enabled (bucket %s)", cfg.S3Bucket)
	} else {
		log.Println("S3 blob store disabled (AWS_BUCKET not set)")
	}

	ffmpegSvc := services.NewFFmpegService(cfg)
	pool := worker.NewPool(cfg, ffmpegSvc, store, ledger, redisClient)

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.New(pool, ffmpegSvc, cfg.MediaDir).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("HTTP API listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	log.Println("Service is ready to process transcodes")

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutdown signal received, stopping workers...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}

	cancel()

	// Wait for workers to finish with timeout
	done := make(chan struct{})
	go func() {
		pool.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("All workers stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Println("Shutdown timeout, forcing exit")
	}

	if redisClient != nil {
		redisClient.Close()
	}
	log.Println("Transcode coordinator stopped")
}
