// Tally - Multi-tenant Record Keeping API
// Copyright 2026 Tally Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tallyhq/tally

// Package main is the entry point for the Tally server.
//
// Tally is a multi-tenant record keeping API. Every record belongs to the
// user that created it, mutations emit domain events, and connected realtime
// clients receive the events for their own records as they happen.
//
// The server initializes components in the following order:
//
//  1. Configuration: layered defaults, YAML file and environment (koanf v2)
//  2. Storage: embedded Badger database for users and records
//  3. Rate limiting: Redis-backed counters with an in-memory fallback, or
//     memory-only counters for single-instance deployments
//  4. Event bus: NATS JetStream across the cluster, or an in-process channel
//  5. Realtime: WebSocket hub with per-user event routing
//  6. HTTP API: chi router with auth, rate limiting and Prometheus metrics
//
// All long-running components run under a suture supervisor tree and shut
// down gracefully on SIGINT and SIGTERM.
//
// Minimal configuration:
//
//	export TALLY_AUTH_SECRET=$(openssl rand -base64 32)
//	./tally
//
// Clustered configuration:
//
//	export TALLY_AUTH_SECRET=...
//	export TALLY_REDIS_ENABLED=true
//	export TALLY_REDIS_ADDR=redis:6379
//	export TALLY_NATS_ENABLED=true
//	export TALLY_NATS_URL=nats://nats:4222
//	./tally
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/redis/go-redis/v9"

	"github.com/tallyhq/tally/internal/api"
	"github.com/tallyhq/tally/internal/config"
	"github.com/tallyhq/tally/internal/events"
	"github.com/tallyhq/tally/internal/logging"
	"github.com/tallyhq/tally/internal/ratelimit"
	"github.com/tallyhq/tally/internal/realtime"
	"github.com/tallyhq/tally/internal/records"
	"github.com/tallyhq/tally/internal/supervisor"
	"github.com/tallyhq/tally/internal/users"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Caller: cfg.Log.Caller,
	})
	logging.Info().
		Str("addr", cfg.Server.Addr()).
		Bool("redis", cfg.Redis.Enabled).
		Bool("nats", cfg.NATS.Enabled).
		Msg("Starting Tally")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// === STORAGE ===

	db, err := openDatabase(cfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open database")
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing database")
		}
	}()

	// === RATE LIMITING ===

	primary, insurance, cleanup := buildCounterStores(cfg)
	defer cleanup()

	errorGroup, err := ratelimit.NewErrorGroup(primary, insurance)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to build error rate-limit group")
	}
	generalGroup, err := ratelimit.NewGeneralGroup(primary, insurance)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to build general rate-limit group")
	}

	// === EVENT BUS ===

	pubsub, err := events.NewClusterPubSub(events.ClusterConfig{
		NATSEnabled: cfg.NATS.Enabled,
		NATSURL:     cfg.NATS.URL,
	}, nil)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to connect event channel")
	}
	defer func() {
		if err := pubsub.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing event channel")
		}
	}()
	bus := events.NewBus(pubsub.Publisher, pubsub.Subscriber)

	// === DOMAIN SERVICES ===

	directory, err := users.NewJWTDirectory(cfg.Auth.Secret, db)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to build user directory")
	}

	store := records.NewCachedStore(records.NewBadgerStore(db), cfg.Records.CacheTTL)
	defer store.Close()
	recordService := records.NewService(store, directory, bus)

	// === REALTIME ===

	eventRouter := realtime.NewUserEventRouter(bus)
	hub := realtime.NewHub(eventRouter)
	realtimeHandler := realtime.NewHandler(hub, cfg.Server.CORSOrigins)

	// === HTTP API ===

	router := api.NewRouter(
		api.NewHandler(recordService, directory),
		api.NewRateLimiter(errorGroup, generalGroup),
		api.RequireAuth(directory),
		api.OptionalAuth(directory),
		realtimeHandler,
		cfg.Server.CORSOrigins,
	)

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router.Setup(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// === SUPERVISOR TREE ===

	tree := supervisor.NewTree(slog.New(logging.NewSlogHandler()), supervisor.TreeConfig{
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	tree.AddMessagingService(bus)
	tree.AddMessagingService(hub)
	tree.AddAPIService(supervisor.NewHTTPServerService(server, cfg.Server.ShutdownTimeout))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	logging.Info().Msg("Tally stopped gracefully")
}

// openDatabase opens the embedded store at the configured path, or in memory
// for ephemeral deployments.
func openDatabase(cfg *config.Config) (*badger.DB, error) {
	var opts badger.Options
	if cfg.Database.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(cfg.Database.Path)
	}
	return badger.Open(opts.WithLogger(nil))
}

// buildCounterStores picks the counter backends for the rate-limit groups.
// With Redis enabled the primary store is Redis behind a circuit breaker and
// the insurance store is in-memory, so limits degrade to per-instance rather
// than failing open when Redis is down.
func buildCounterStores(cfg *config.Config) (primary, insurance ratelimit.CounterStore, cleanup func()) {
	memory := ratelimit.NewMemoryCounter()

	if !cfg.Redis.Enabled {
		logging.Info().Msg("Redis disabled, rate-limit counters are per-instance")
		return memory, nil, memory.Close
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	breaker := ratelimit.NewBreakerCounter(
		ratelimit.NewRedisCounter(client),
		ratelimit.DefaultBreakerConfig("redis-rate-limit"),
	)

	logging.Info().Str("addr", cfg.Redis.Addr).Msg("Redis rate-limit counters enabled")
	return breaker, memory, func() {
		memory.Close()
		if err := client.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing redis client")
		}
	}
}
