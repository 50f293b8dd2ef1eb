package queue

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/relaydesk/aicore/pkg/config"
	"github.com/relaydesk/aicore/pkg/kv"
)

// Worker polls the shared job list and drains one conversation at a time.
type Worker struct {
	id       string
	podID    string
	store    kv.Store
	cfg      config.WorkerConfig
	drainer  *Drainer
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Health tracking
	mu                    sync.RWMutex
	status                WorkerStatus
	currentConversationID string
	drainsCompleted       int
	lastActivity          time.Time
}

// NewWorker creates a queue worker.
func NewWorker(id, podID string, store kv.Store, cfg config.WorkerConfig, drainer *Drainer) *Worker {
	return &Worker{
		id:           id,
		podID:        podID,
		store:        store,
		cfg:          cfg,
		drainer:      drainer,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish its current
// drain. Safe to call multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health status.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:                    w.id,
		Status:                w.status,
		CurrentConversationID: w.currentConversationID,
		DrainsCompleted:       w.drainsCompleted,
		LastActivity:          w.lastActivity,
	}
}

// run is the main worker loop.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id, "pod_id", w.podID)
	log.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndDrain(ctx); err != nil {
				if errors.Is(err, ErrNoJobs) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("Error draining conversation", "error", err)
				w.sleep(time.Second) // Brief backoff on error
			}
		}
	}
}

// pollAndDrain claims the next job and drains its conversation.
func (w *Worker) pollAndDrain(ctx context.Context) error {
	job, err := NextJob(ctx, w.store)
	if err != nil {
		return err
	}

	w.setStatus(WorkerStatusWorking, job.ConversationID)
	defer w.setStatus(WorkerStatusIdle, "")

	drainCtx, cancel := context.WithTimeout(ctx, w.cfg.LockDuration)
	defer cancel()

	if err := w.drainer.Drain(drainCtx, job); err != nil {
		return err
	}

	w.mu.Lock()
	w.drainsCompleted++
	w.mu.Unlock()
	return nil
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollInterval returns the poll duration with jitter so idle workers
// spread their list pops.
func (w *Worker) pollInterval() time.Duration {
	base := w.cfg.PollInterval
	jitter := w.cfg.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	// Range: [base - jitter, base + jitter]
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

// setStatus updates the worker's health tracking state.
func (w *Worker) setStatus(status WorkerStatus, conversationID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentConversationID = conversationID
	w.lastActivity = time.Now()
}
