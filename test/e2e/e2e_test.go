// End-to-end tests: the full worker pool polling real (miniredis-backed)
// Redis state, driving the reply pipeline against the in-memory store and
// a scripted LLM provider.
package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydesk/aicore/pkg/config"
	"github.com/relaydesk/aicore/pkg/dedup"
	"github.com/relaydesk/aicore/pkg/events"
	"github.com/relaydesk/aicore/pkg/kv"
	"github.com/relaydesk/aicore/pkg/llm"
	"github.com/relaydesk/aicore/pkg/models"
	"github.com/relaydesk/aicore/pkg/pause"
	"github.com/relaydesk/aicore/pkg/pipeline"
	"github.com/relaydesk/aicore/pkg/queue"
	"github.com/relaydesk/aicore/pkg/store"
	"github.com/relaydesk/aicore/pkg/tools"
)

type harness struct {
	store    *store.Memory
	kv       *kv.RedisStore
	stub     *llm.Stub
	recorder *events.Recorder
	pause    *pause.Switch
	producer *queue.Producer
	queue    *queue.TriggerQueue
	pool     *queue.WorkerPool
	conv     *models.Conversation
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	kvStore := kv.NewRedisStore(rdb)

	mem := store.NewMemory()
	stub := llm.NewStub()
	recorder := events.NewRecorder()
	registry := dedup.NewRegistry(kvStore, nil, time.Hour)
	pauseSwitch := pause.NewSwitch(kvStore, mem, mem)
	triggerQueue := queue.NewTriggerQueue(kvStore)
	producer := queue.NewProducer(kvStore, triggerQueue, registry)

	cfg := config.Default()
	cfg.Worker.Concurrency = 2
	cfg.Worker.PollInterval = 5 * time.Millisecond
	cfg.Worker.PollIntervalJitter = 0
	cfg.Worker.VisitorDebounce = time.Millisecond
	cfg.Worker.GracefulShutdownTimeout = 5 * time.Second
	cfg.Heartbeat = config.HeartbeatConfig{Interval: time.Second, StopRetries: 1, StopRetryDelay: time.Millisecond}

	conv := &models.Conversation{
		ID:             "c1",
		OrganizationID: "org-1",
		WebsiteID:      "site-1",
		VisitorID:      "v1",
		Status:         models.ConversationStatusOpen,
	}
	mem.AddConversation(conv)
	mem.AddAgent(&models.Agent{
		ID:       "agent-1",
		Model:    "claude-sonnet-4-5",
		IsActive: true,
		Behavior: models.BehaviorSettings{CanEscalate: true},
	})
	mem.AddVisitor(&models.Visitor{ID: "v1", WebsiteID: "site-1", Name: "Ada"})

	pipe := pipeline.New(
		mem, pauseSwitch, registry, tools.DefaultRegistry(), stub,
		recorder, recorder,
		cfg.Pipeline, cfg.Heartbeat, cfg.LLM,
	)

	pool := queue.NewWorkerPool("pod-e2e", kvStore, cfg.Worker, queue.DrainerDeps{
		Store:           mem,
		Queue:           triggerQueue,
		Lock:            queue.NewDrainLock(kvStore, cfg.Worker.LockTTL, "pod-e2e"),
		Failures:        queue.NewFailureCounter(kvStore, cfg.Worker.FailureCounterTTL),
		Coalescer:       queue.NewCoalescer(triggerQueue, mem, cfg.Worker.VisitorDebounce, cfg.Worker.CoalesceBatchLimit),
		Pause:           pauseSwitch,
		Registry:        registry,
		Pipeline:        pipe,
		Producer:        producer,
		Emitter:         recorder,
		Worker:          cfg.Worker,
		HydratePageSize: cfg.Pipeline.HydratePageSize,
	})

	return &harness{
		store:    mem,
		kv:       kvStore,
		stub:     stub,
		recorder: recorder,
		pause:    pauseSwitch,
		producer: producer,
		queue:    triggerQueue,
		pool:     pool,
		conv:     conv,
	}
}

func (h *harness) sendVisitorMessage(t *testing.T, text string) *models.Message {
	t.Helper()
	msg := h.store.AddMessage(&models.Message{
		ConversationID: h.conv.ID,
		SenderType:     models.SenderVisitor,
		Visibility:     models.VisibilityPublic,
		BodyMarkdown:   text,
		CreatedAt:      time.Now(),
	})
	require.NoError(t, h.producer.OnNewMessage(context.Background(), queue.NewMessageParams{
		ConversationID: h.conv.ID,
		AgentID:        "agent-1",
		MessageID:      msg.ID,
		CreatedAt:      msg.CreatedAt,
		SenderType:     msg.SenderType,
		Visibility:     msg.Visibility,
	}))
	return msg
}

func (h *harness) aiMessages() []*models.Message {
	msgs, err := h.store.GetRecentPublicMessages(context.Background(), h.conv.ID, 50)
	if err != nil {
		return nil
	}
	var out []*models.Message
	for _, m := range msgs {
		if m.SenderType == models.SenderAiAgent {
			out = append(out, m)
		}
	}
	return out
}

func TestVisitorMessageAnsweredEndToEnd(t *testing.T) {
	h := newHarness(t)
	h.stub.Respond(llm.Response{
		Text:  "You can track your order from the account page.",
		Usage: llm.Usage{PromptTokens: 40, CompletionTokens: 20},
	})

	require.NoError(t, h.pool.Start(context.Background()))
	defer h.pool.Stop()

	msg := h.sendVisitorMessage(t, "Where is my order?")

	require.Eventually(t, func() bool {
		return len(h.aiMessages()) == 1
	}, 5*time.Second, 10*time.Millisecond, "pool answers the visitor")

	assert.Contains(t, h.aiMessages()[0].BodyMarkdown, "track your order")

	require.Eventually(t, func() bool {
		conv, err := h.store.GetConversationByID(context.Background(), h.conv.ID)
		return err == nil && conv.AiLastProcessedMessageID == msg.ID
	}, 5*time.Second, 10*time.Millisecond, "cursor advances to the trigger")

	completed := h.recorder.ByKind(events.KindWorkflowCompleted)
	require.NotEmpty(t, completed)
	payload := completed[len(completed)-1].Payload.(events.WorkflowCompletedPayload)
	assert.Equal(t, events.StatusSuccess, payload.Status)

	n, err := h.queue.Len(context.Background(), "c1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPausedConversationStaysSilentEndToEnd(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.pause.Pause(context.Background(), h.conv.ID, nil))

	require.NoError(t, h.pool.Start(context.Background()))
	defer h.pool.Stop()

	h.sendVisitorMessage(t, "Hello?")

	require.Eventually(t, func() bool {
		return len(h.recorder.ByKind(events.KindWorkflowCompleted)) > 0
	}, 5*time.Second, 10*time.Millisecond, "drain reports the paused skip")

	payload := h.recorder.ByKind(events.KindWorkflowCompleted)[0].Payload.(events.WorkflowCompletedPayload)
	assert.Equal(t, events.StatusSkipped, payload.Status)
	assert.Equal(t, "paused", payload.Reason)
	assert.Empty(t, h.aiMessages(), "no reply while paused")
}
