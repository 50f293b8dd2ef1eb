// aicore server — HTTP trigger intake plus the drain worker pool that
// turns visitor messages into AI agent replies.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/relaydesk/aicore/pkg/api"
	"github.com/relaydesk/aicore/pkg/config"
	"github.com/relaydesk/aicore/pkg/database"
	"github.com/relaydesk/aicore/pkg/dedup"
	"github.com/relaydesk/aicore/pkg/events"
	"github.com/relaydesk/aicore/pkg/kv"
	"github.com/relaydesk/aicore/pkg/llm"
	"github.com/relaydesk/aicore/pkg/pause"
	"github.com/relaydesk/aicore/pkg/pipeline"
	"github.com/relaydesk/aicore/pkg/queue"
	"github.com/relaydesk/aicore/pkg/store"
	"github.com/relaydesk/aicore/pkg/tools"
	"github.com/relaydesk/aicore/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolvePodID determines the pod identifier for multi-replica
// coordination. Priority: POD_ID env > HOSTNAME env > "local".
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

// lateCanceller defers run cancellation to the worker pool, which is
// constructed after the dedup registry that needs it.
type lateCanceller struct {
	mu     sync.RWMutex
	target dedup.Canceller
}

func (l *lateCanceller) bind(target dedup.Canceller) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.target = target
}

func (l *lateCanceller) CancelRun(conversationID, runID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.target == nil {
		return false
	}
	return l.target.CancelRun(conversationID, runID)
}

func main() {
	configPath := flag.String("config",
		getEnv("CONFIG_PATH", "config.yaml"),
		"Path to the YAML configuration file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file, continuing with existing environment", "error", err)
	}

	podID := resolvePodID()
	slog.Info("Starting aicore", "version", version.Full(), "pod_id", podID, "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Database: pool plus embedded migrations.
	dbClient, err := database.NewClient(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbClient.Close()
	slog.Info("Connected to PostgreSQL database")
	st := store.NewPostgres(dbClient.Pool())

	// Redis: trigger queues, locks, workflow registry, pause cache, events.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("Failed to connect to Redis", "addr", cfg.Redis.Addr, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			slog.Error("Error closing Redis client", "error", err)
		}
	}()
	slog.Info("Connected to Redis", "addr", cfg.Redis.Addr)
	kvStore := kv.NewRedisStore(rdb)

	publisher := events.NewRedisPublisher(rdb)
	sink := events.NewAsyncSink(publisher)
	defer sink.Close()

	provider, err := llm.NewProvider(cfg.LLM)
	if err != nil {
		slog.Error("Failed to initialize LLM provider", "provider", cfg.LLM.Provider, "error", err)
		os.Exit(1)
	}
	slog.Info("LLM provider initialized", "provider", provider.Name(), "model", cfg.LLM.DefaultModel)

	canceller := &lateCanceller{}
	registry := dedup.NewRegistry(kvStore, canceller, cfg.Pipeline.DedupTTL)
	pauseSwitch := pause.NewSwitch(kvStore, st, st)
	triggerQueue := queue.NewTriggerQueue(kvStore)
	producer := queue.NewProducer(kvStore, triggerQueue, registry)

	pipe := pipeline.New(
		st, pauseSwitch, registry, tools.DefaultRegistry(), provider,
		sink, publisher,
		cfg.Pipeline, cfg.Heartbeat, cfg.LLM,
	)

	pool := queue.NewWorkerPool(podID, kvStore, cfg.Worker, queue.DrainerDeps{
		Store:           st,
		Queue:           triggerQueue,
		Lock:            queue.NewDrainLock(kvStore, cfg.Worker.LockTTL, podID),
		Failures:        queue.NewFailureCounter(kvStore, cfg.Worker.FailureCounterTTL),
		Coalescer:       queue.NewCoalescer(triggerQueue, st, cfg.Worker.VisitorDebounce, cfg.Worker.CoalesceBatchLimit),
		Pause:           pauseSwitch,
		Registry:        registry,
		Pipeline:        pipe,
		Producer:        producer,
		Emitter:         sink,
		Worker:          cfg.Worker,
		HydratePageSize: cfg.Pipeline.HydratePageSize,
	})
	canceller.bind(pool)

	if err := pool.Start(ctx); err != nil {
		slog.Error("Failed to start worker pool", "error", err)
		os.Exit(1)
	}
	defer pool.Stop()

	server := api.NewServer(cfg.Server, producer, pauseSwitch, dbClient, pool)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("HTTP server listening", "addr", cfg.Server.Addr)
		return server.Run(gctx)
	})

	slog.Info("aicore started", "pod_id", podID, "workers", cfg.Worker.Concurrency)

	if err := g.Wait(); err != nil {
		slog.Error("Server error triggered shutdown", "error", err)
		pool.Stop()
		os.Exit(1)
	}
	slog.Info("Shutdown complete")
}
