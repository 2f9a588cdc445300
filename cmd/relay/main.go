// relay is a single-binary ActivityPub relay. It accepts Follow activities
// from Fediverse instances, re-broadcasts Announce/Create activities (and
// forwards Add/Delete/Update) among its connected peers, and exposes an
// admin surface for managing the allow/block lists.
//
// Usage:
//
//	export HOSTNAME=relay.example.com
//	./relay
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/klppl/relay/internal/ap"
	"github.com/klppl/relay/internal/breaker"
	"github.com/klppl/relay/internal/cache"
	"github.com/klppl/relay/internal/config"
	"github.com/klppl/relay/internal/db"
	"github.com/klppl/relay/internal/inbox"
	"github.com/klppl/relay/internal/jobs"
	"github.com/klppl/relay/internal/policy"
	"github.com/klppl/relay/internal/server"
)

func main() {
	cfg := config.Load()

	logLevel := slog.LevelInfo
	if cfg.Debug {
		logLevel = slog.LevelDebug
	}
	logBroadcaster := server.NewLogBroadcaster(os.Stdout)
	slog.SetDefault(slog.New(slog.NewJSONHandler(logBroadcaster, &slog.HandlerOptions{
		Level: logLevel,
	})))

	slog.Info("starting relay", "hostname", cfg.Hostname, "restricted_mode", cfg.RestrictedMode)

	// ─── Database ───────────────────────────────────────────────────────────
	store, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to open database", "error", err, "url", cfg.DatabaseURL)
		os.Exit(1)
	}
	defer store.Close()

	if err := store.Migrate(); err != nil {
		slog.Error("database migration failed", "error", err)
		os.Exit(1)
	}

	// ─── Identity key (generated on first boot, persisted thereafter) ──────
	keyPair, err := ap.LoadOrGenerateKeyPair(store)
	if err != nil {
		slog.Error("failed to load/generate RSA key pair", "error", err)
		os.Exit(1)
	}

	// ─── Policy (restricted mode / signature validation, store-backed) ─────
	pol, err := policy.Load(store, cfg.RestrictedMode, cfg.ValidateSignatures)
	if err != nil {
		slog.Error("failed to load policy", "error", err)
		os.Exit(1)
	}

	// ─── Circuit breaker, caches ────────────────────────────────────────────
	reg := breaker.New(cfg.CBThreshold, cfg.CBCooldown)
	dedup := cache.NewObjectDedupCache(4096)
	nodes := cache.NewNodeCache()
	actorCache := cache.NewActorDocCache()

	relayActorID := cfg.URL("/actor")
	identity := jobs.Identity{
		ActorID:    relayActorID,
		KeyID:      relayActorID + "#main-key",
		PrivateKey: keyPair.Private,
	}

	jobCfg := jobs.Config{
		DeliverWorkers:     cfg.JobDeliverWorkers,
		ApubWorkers:        cfg.JobApubWorkers,
		MaintenanceWorkers: cfg.JobMaintenanceWorkers,
	}
	queue := jobs.New(store, reg, dedup, nodes, actorCache, identity, jobCfg)

	// ─── Inbox state machine ────────────────────────────────────────────────
	inboxHandler := &inbox.Handler{
		Store:        store,
		Breaker:      reg,
		Dedup:        dedup,
		Jobs:         queue,
		Policy:       pol,
		RelayActorID: relayActorID,
	}

	// ─── Graceful shutdown ──────────────────────────────────────────────────
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	queue.Start(ctx)

	// ─── HTTP server ────────────────────────────────────────────────────────
	srv := server.New(cfg, store, keyPair, reg, inboxHandler, queue)
	srv.SetLogBroadcaster(logBroadcaster)
	srv.Start(ctx) // blocks until ctx is cancelled

	slog.Info("relay stopped")
}
