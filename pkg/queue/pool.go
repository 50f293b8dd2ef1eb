package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/relaydesk/aicore/pkg/config"
	"github.com/relaydesk/aicore/pkg/kv"
)

// WorkerPool manages the drain workers for one pod. It doubles as the
// run registry the dedup layer calls into to cancel a superseded run
// executing on this pod.
type WorkerPool struct {
	podID    string
	store    kv.Store
	cfg      config.WorkerConfig
	drainer  *Drainer
	workers  []*Worker
	stopCh   chan struct{}
	stopOnce sync.Once

	// Run cancel registry: conversation/run → cancel function.
	mu         sync.RWMutex
	activeRuns map[string]context.CancelFunc
	started    bool
}

func runKey(conversationID, runID string) string { return conversationID + "/" + runID }

// NewWorkerPool creates a worker pool. The pool injects itself as the
// drainer's run registry so in-flight runs can be cancelled by id.
func NewWorkerPool(podID string, store kv.Store, cfg config.WorkerConfig, deps DrainerDeps) *WorkerPool {
	p := &WorkerPool{
		podID:      podID,
		store:      store,
		cfg:        cfg,
		workers:    make([]*Worker, 0, cfg.Concurrency),
		stopCh:     make(chan struct{}),
		activeRuns: make(map[string]context.CancelFunc),
	}
	deps.Runs = p
	p.drainer = NewDrainer(deps)
	return p
}

// Start releases locks orphaned by a previous crash of this pod, then
// spawns the workers and the stalled-lock scan. Safe to call multiple
// times; subsequent calls are no-ops.
func (p *WorkerPool) Start(ctx context.Context) error {
	if p.started {
		slog.Warn("Worker pool already started, ignoring duplicate Start call", "pod_id", p.podID)
		return nil
	}
	p.started = true

	if _, err := CleanupStartupOrphans(ctx, p.store, p.podID); err != nil {
		// Leftover locks expire by TTL; startup continues.
		slog.Warn("Startup orphan cleanup failed", "pod_id", p.podID, "error", err)
	}

	slog.Info("Starting worker pool", "pod_id", p.podID, "worker_count", p.cfg.Concurrency)
	for i := 0; i < p.cfg.Concurrency; i++ {
		workerID := fmt.Sprintf("%s-worker-%d", p.podID, i)
		worker := NewWorker(workerID, p.podID, p.store, p.cfg, p.drainer)
		p.workers = append(p.workers, worker)
		worker.Start(ctx)
	}
	go p.runStalledDetection(ctx)
	slog.Info("Worker pool started")
	return nil
}

// Stop signals all workers to stop and waits for in-flight drains,
// bounded by the graceful shutdown timeout. Safe to call multiple times.
func (p *WorkerPool) Stop() {
	p.stopOnce.Do(p.stop)
}

func (p *WorkerPool) stop() {
	slog.Info("Stopping worker pool gracefully")
	close(p.stopCh)

	if active := p.activeRunKeys(); len(active) > 0 {
		slog.Info("Waiting for active runs to complete", "count", len(active), "runs", active)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, worker := range p.workers {
			worker.Stop()
		}
	}()

	timeout := p.cfg.GracefulShutdownTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	select {
	case <-done:
		slog.Info("Worker pool stopped gracefully")
	case <-time.After(timeout):
		// Abandoned drains are covered by the lock TTL and the held-lock
		// ledger on next boot.
		slog.Warn("Worker pool shutdown timed out, abandoning in-flight drains",
			"pod_id", p.podID, "timeout", timeout)
	}
}

// RegisterRun stores a cancel function for an in-flight pipeline run.
func (p *WorkerPool) RegisterRun(conversationID, runID string, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeRuns[runKey(conversationID, runID)] = cancel
}

// UnregisterRun removes the cancel function when a run ends.
func (p *WorkerPool) UnregisterRun(conversationID, runID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.activeRuns, runKey(conversationID, runID))
}

// CancelRun triggers context cancellation for a run executing on this
// pod. Returns true when the run was found and cancelled here.
func (p *WorkerPool) CancelRun(conversationID, runID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if cancel, ok := p.activeRuns[runKey(conversationID, runID)]; ok {
		cancel()
		return true
	}
	return false
}

// Health returns the current health status of the pool.
func (p *WorkerPool) Health() *PoolHealth {
	workerStats := make([]WorkerHealth, len(p.workers))
	activeWorkers := 0
	for i, worker := range p.workers {
		stats := worker.Health()
		workerStats[i] = stats
		if stats.Status == WorkerStatusWorking {
			activeWorkers++
		}
	}

	p.mu.RLock()
	activeRuns := len(p.activeRuns)
	p.mu.RUnlock()

	return &PoolHealth{
		IsHealthy:     len(p.workers) > 0,
		PodID:         p.podID,
		ActiveWorkers: activeWorkers,
		TotalWorkers:  len(p.workers),
		ActiveRuns:    activeRuns,
		WorkerStats:   workerStats,
	}
}

// activeRunKeys returns the in-flight run keys (for logging).
func (p *WorkerPool) activeRunKeys() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	keys := make([]string, 0, len(p.activeRuns))
	for key := range p.activeRuns {
		keys = append(keys, key)
	}
	return keys
}
