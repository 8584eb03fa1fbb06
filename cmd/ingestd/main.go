// cmd/ingestd/main.go
// Package main implements the entry point for the ingest service.
// It wires the metadata store, chunk tracker, rate limiter, chunk writer
// pool, assembler, transcode publisher, and expiry sweeper, then starts
// the HTTP server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/StreamVault/streamvault-ingest-go/internal/assemble"
	"github.com/StreamVault/streamvault-ingest-go/internal/chunkio"
	"github.com/StreamVault/streamvault-ingest-go/internal/chunktrack"
	"github.com/StreamVault/streamvault-ingest-go/internal/config"
	"github.com/StreamVault/streamvault-ingest-go/internal/event"
	"github.com/StreamVault/streamvault-ingest-go/internal/objstore"
	"github.com/StreamVault/streamvault-ingest-go/internal/ratelimit"
	"github.com/StreamVault/streamvault-ingest-go/internal/server"
	"github.com/StreamVault/streamvault-ingest-go/internal/storage"
	"github.com/StreamVault/streamvault-ingest-go/internal/sweeper"
	"github.com/StreamVault/streamvault-ingest-go/internal/telemetry"
	"github.com/StreamVault/streamvault-ingest-go/internal/upload"
)

// sweepBatchSize caps how many sessions one sweep pass reclaims.
const sweepBatchSize = 100

// main is the entry point for the ingest service.
// It initializes all components, starts the HTTP server and the expiry
// sweeper, and handles graceful shutdown.
func main() {
	// Load configuration from environment variables
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging for the application
	logLevel := slog.LevelInfo
	if cfg.Env == "dev" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Initialize OpenTelemetry
	if err := telemetry.InitTracer("ingest-service"); err != nil {
		logger.Error("failed to initialize OpenTelemetry tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		// Shutdown the tracer provider
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.ShutdownTracer(ctx)
	}()

	// Initialize metadata storage backend (PostgreSQL or in-memory)
	var store storage.Store
	if cfg.DatabaseDSN != "" {
		store, err = storage.NewPostgres(cfg.DatabaseDSN)
		if err != nil {
			logger.Error("failed to initialize postgres storage", "error", err)
			os.Exit(1)
		}
	} else {
		store = storage.NewMemory()
	}

	// Initialize the chunk tracker and rate limiter (Redis or in-memory)
	var tracker chunktrack.Tracker
	var limiter ratelimit.Limiter
	if cfg.RedisURL != "" {
		tracker, err = chunktrack.NewRedis(cfg.RedisURL)
		if err != nil {
			logger.Error("failed to initialize redis chunk tracker", "error", err)
			os.Exit(1)
		}
		limiter, err = ratelimit.NewRedis(cfg.RedisURL, cfg.RateWindow)
		if err != nil {
			logger.Error("failed to initialize redis rate limiter", "error", err)
			os.Exit(1)
		}
	} else {
		tracker = chunktrack.NewMemory()
		limiter = ratelimit.NewMemory(cfg.RateWindow)
	}

	// Initialize chunk byte storage with its bounded writer pool
	chunks, err := chunkio.New(cfg.UploadDir, cfg.WriteWorkers, cfg.WriteQueueDepth)
	if err != nil {
		logger.Error("failed to initialize chunk storage", "error", err, "dir", cfg.UploadDir)
		os.Exit(1)
	}

	asm := assemble.New(chunks, 0)

	// Initialize event publisher (NATS JetStream or no-op)
	pub := event.NewPublisherFromEnv()
	defer pub.Close() // Ensure publisher is closed on exit

	// Initialize the optional S3-compatible artifact archive
	var archive *objstore.Client
	if cfg.S3Bucket != "" {
		archive, err = objstore.NewClient(cfg.S3Endpoint, cfg.S3Region, cfg.S3Bucket, cfg.S3AccessKey, cfg.S3SecretKey)
		if err != nil {
			logger.Error("failed to initialize artifact archive", "error", err)
			os.Exit(1)
		}
	}

	uploads := upload.NewManager(cfg, store, tracker, chunks, asm, limiter, pub, archive)

	// Start the expiry sweeper
	sweep := sweeper.New(uploads, cfg.SweepInterval, sweepBatchSize)
	sweep.Start()

	// Create HTTP mux with all handlers and middleware
	mux := server.NewMux(uploads, store, tracker, cfg.MaxChunkSize)

	// Create HTTP server with timeout configuration.
	// Reads are generous because chunk bodies arrive over slow links.
	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in a separate goroutine
	go func() {
		logger.Info("server starting", "addr", addr, "env", cfg.Env, "upload_dir", cfg.UploadDir)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// Handle graceful shutdown
	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Shutdown HTTP server first so no new uploads arrive
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
		os.Exit(1)
	}

	// Stop the sweeper, then drain pending chunk writes
	sweep.Stop()
	chunks.Close()

	// Release backend connections
	if err := tracker.Close(); err != nil {
		logger.Warn("chunk tracker close failed", "error", err)
	}
	if err := limiter.Close(); err != nil {
		logger.Warn("rate limiter close failed", "error", err)
	}
	if postgresStore, ok := store.(interface{ Close() }); ok {
		postgresStore.Close()
	}

	// Note: pub.Close() is deferred above
	logger.Info("server exited")
}
