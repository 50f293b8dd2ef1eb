// Package queue implements the per-conversation serial drain scheduler:
// the ordered trigger queue and drain lock, the coalescing policy for
// consecutive visitor messages, the job producer, and the worker pool
// that drains one conversation at a time.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for queue operations.
var (
	// ErrNoJobs indicates the shared job list is empty.
	ErrNoJobs = errors.New("queue: no jobs available")
)

// Job is one unit of drain work. Jobs are deduplicated by ID: concurrent
// enqueues for the same (conversation, message) collapse onto one job.
type Job struct {
	ID               string    `json:"id"`
	ConversationID   string    `json:"conversation_id"`
	AgentID          string    `json:"agent_id"`
	TriggerMessageID string    `json:"trigger_message_id,omitempty"`
	EnqueuedAt       time.Time `json:"enqueued_at"`
}

func (j Job) encode() (string, error) {
	raw, err := json.Marshal(j)
	if err != nil {
		return "", fmt.Errorf("encoding job: %w", err)
	}
	return string(raw), nil
}

func decodeJob(raw string) (Job, error) {
	var j Job
	if err := json.Unmarshal([]byte(raw), &j); err != nil {
		return Job{}, fmt.Errorf("decoding job: %w", err)
	}
	return j, nil
}

// JobID derives the deterministic job id for a (conversation, message)
// pair so concurrent enqueues collapse.
func JobID(conversationID, messageID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("drain:"+conversationID+":"+messageID)).String()
}

// key builders for the shared KV store.

func queueKey(conversationID string) string { return "ai:queue:" + conversationID }
func lockKey(conversationID string) string  { return "ai:lock:" + conversationID }

func failKey(conversationID, messageID string) string {
	return fmt.Sprintf("ai:fail:%s:%s", conversationID, messageID)
}

func jobPendingKey(jobID string) string { return "ai:job:" + jobID }

func heldLocksKey(podID string) string { return "ai:heldlocks:" + podID }

// jobsKey is the shared FIFO list all workers poll.
const jobsKey = "ai:jobs"

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// WorkerHealth contains health information for a single worker.
type WorkerHealth struct {
	ID                    string       `json:"id"`
	Status                WorkerStatus `json:"status"`
	CurrentConversationID string       `json:"current_conversation_id,omitempty"`
	DrainsCompleted       int          `json:"drains_completed"`
	LastActivity          time.Time    `json:"last_activity"`
}

// PoolHealth contains health information for the entire worker pool.
type PoolHealth struct {
	IsHealthy     bool           `json:"is_healthy"`
	PodID         string         `json:"pod_id"`
	ActiveWorkers int            `json:"active_workers"`
	TotalWorkers  int            `json:"total_workers"`
	ActiveRuns    int            `json:"active_runs"`
	WorkerStats   []WorkerHealth `json:"worker_stats"`
}
