// Package pipeline runs the five-stage reply pipeline for one effective
// trigger: intake, decision, generation, execution, followup. Stages are
// strictly sequential; between stages the run re-checks the kill-switch
// and its own registry entry so superseded or paused runs stop without
// further side effects.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/relaydesk/aicore/pkg/config"
	"github.com/relaydesk/aicore/pkg/events"
	"github.com/relaydesk/aicore/pkg/llm"
	"github.com/relaydesk/aicore/pkg/metrics"
	"github.com/relaydesk/aicore/pkg/models"
	"github.com/relaydesk/aicore/pkg/store"
	"github.com/relaydesk/aicore/pkg/tools"
	"github.com/relaydesk/aicore/pkg/typing"
)

// maxToolRounds bounds the generate/execute-tools loop inside one run.
const maxToolRounds = 4

// WorkflowRegistry is the slice of the dedup registry the pipeline needs.
type WorkflowRegistry interface {
	IsActive(ctx context.Context, conversationID string, direction models.Direction, runID string) (bool, error)
	Clear(ctx context.Context, conversationID string, direction models.Direction) error
}

// Trigger is one effective trigger handed over by the drain worker.
type Trigger struct {
	ConversationID   string
	AgentID          string
	RunID            string
	Direction        models.Direction
	MessageID        string
	MessageCreatedAt time.Time
	SenderType       models.SenderType
	// CoalescedCount is how many visitor messages collapsed into this
	// trigger (1 when none were coalesced).
	CoalescedCount int
}

// Result is the terminal outcome of one run.
type Result struct {
	Status             events.WorkflowStatus
	Reason             string
	Retryable          bool
	Err                error
	PublicMessagesSent int
}

func success(reason string) Result {
	return Result{Status: events.StatusSuccess, Reason: reason}
}

func skipped(reason string) Result {
	return Result{Status: events.StatusSkipped, Reason: reason}
}

func cancelled(reason string) Result {
	return Result{Status: events.StatusCancelled, Reason: reason}
}

func failed(err error, retryable bool) Result {
	return Result{Status: events.StatusError, Reason: err.Error(), Err: err, Retryable: retryable}
}

// Pipeline wires the stages to their dependencies.
type Pipeline struct {
	store     store.Store
	pause     tools.PauseChecker
	registry  WorkflowRegistry
	tools     *tools.Registry
	provider  llm.Provider
	emitter   events.Emitter
	publisher events.Publisher
	cfg       config.PipelineConfig
	heartbeat config.HeartbeatConfig
	llmCfg    config.LLMConfig
}

// New builds a pipeline.
func New(
	st store.Store,
	pauseChecker tools.PauseChecker,
	registry WorkflowRegistry,
	toolRegistry *tools.Registry,
	provider llm.Provider,
	emitter events.Emitter,
	publisher events.Publisher,
	cfg config.PipelineConfig,
	heartbeat config.HeartbeatConfig,
	llmCfg config.LLMConfig,
) *Pipeline {
	return &Pipeline{
		store:     st,
		pause:     pauseChecker,
		registry:  registry,
		tools:     toolRegistry,
		provider:  provider,
		emitter:   emitter,
		publisher: publisher,
		cfg:       cfg,
		heartbeat: heartbeat,
		llmCfg:    llmCfg,
	}
}

// Run executes the pipeline for one trigger and returns the outcome. The
// caller (drain worker) owns the queue bookkeeping; Run owns the cursor
// advance, usage accounting, and workflow-completed event.
func (p *Pipeline) Run(ctx context.Context, trig Trigger) Result {
	run, res, done := p.intake(ctx, trig)
	if done {
		p.complete(ctx, run, trig, res)
		return res
	}

	p.emitter.Emit(ctx, run.event(events.KindWorkflowStarted, events.AudienceDashboard, events.WorkflowStartedPayload{
		RunID:            trig.RunID,
		TriggerMessageID: trig.MessageID,
	}))

	if res, stop := p.gate(ctx, run, trig); stop {
		p.complete(ctx, run, trig, res)
		return res
	}

	decision := p.decide(ctx, run, trig)
	p.emitter.Emit(ctx, run.event(events.KindDecisionMade, events.DecisionAudience(decision.ShouldAct), events.DecisionPayload{
		RunID:     trig.RunID,
		ShouldAct: decision.ShouldAct,
		Mode:      string(decision.Mode),
		Reason:    decision.Reason,
	}))
	if !decision.ShouldAct {
		res := skipped(decision.Reason)
		if p.cfg.MarkSeenOnSkip {
			p.followup(ctx, run, trig, &res, false)
		}
		p.complete(ctx, run, trig, res)
		return res
	}

	if res, stop := p.gate(ctx, run, trig); stop {
		p.complete(ctx, run, trig, res)
		return res
	}

	res = p.act(ctx, run, trig, decision)
	if res.Status == events.StatusSuccess {
		p.followup(ctx, run, trig, &res, true)
	}
	p.complete(ctx, run, trig, res)
	return res
}

// act runs generation and execution with the guaranteed heartbeat stop:
// whatever path leaves this function, typing=false has been published
// (or the indicator was never started).
func (p *Pipeline) act(ctx context.Context, run *runState, trig Trigger, decision Decision) Result {
	hb := p.heartbeatFor(run)
	run.typing = hb
	defer hb.Stop(ctx)

	gen, err := p.generate(ctx, run, trig, decision)
	if err != nil {
		return p.classifyFailure(ctx, run, trig, err)
	}

	if res, stop := p.gate(ctx, run, trig); stop {
		return res
	}

	if err := p.execute(ctx, run, trig, gen); err != nil {
		return p.classifyFailure(ctx, run, trig, err)
	}

	res := success(decision.Reason)
	res.PublicMessagesSent = run.ledger.PublicMessagesSent
	return res
}

// runState is the per-run working set the stages share.
type runState struct {
	conversation *models.Conversation
	agent        *models.Agent
	visitor      *models.Visitor
	history      []*models.Message
	ledger       *tools.Ledger
	typing       *typing.Heartbeat
	usage        models.AgentUsage
	action       string
}

func (r *runState) event(kind events.Kind, audience events.Audience, payload any) events.Event {
	ev := events.Event{
		Kind:      kind,
		Audience:  audience,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	if r.conversation != nil {
		ev.WebsiteID = r.conversation.WebsiteID
		ev.OrganizationID = r.conversation.OrganizationID
		ev.ConversationID = r.conversation.ID
		ev.VisitorID = r.conversation.VisitorID
	}
	return ev
}

// intake loads the run's working set and applies the hard skip rules.
// done=true means the returned result is terminal.
func (p *Pipeline) intake(ctx context.Context, trig Trigger) (*runState, Result, bool) {
	run := &runState{ledger: tools.NewLedger()}

	conv, err := p.store.GetConversationByID(ctx, trig.ConversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return run, skipped("conversation not found"), true
		}
		return run, failed(fmt.Errorf("intake: load conversation: %w", err), true), true
	}
	run.conversation = conv

	if conv.Status != models.ConversationStatusOpen {
		return run, skipped("conversation " + string(conv.Status)), true
	}

	agent, err := p.store.GetAgentByID(ctx, trig.AgentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return run, skipped("agent not found"), true
		}
		return run, failed(fmt.Errorf("intake: load agent: %w", err), true), true
	}
	run.agent = agent
	if !agent.IsActive {
		return run, skipped("agent inactive"), true
	}

	paused, err := p.pause.IsPaused(ctx, conv.ID, conv)
	if err != nil {
		return run, failed(fmt.Errorf("intake: pause check: %w", err), true), true
	}
	if paused {
		return run, skipped("paused"), true
	}

	history, err := p.store.GetRecentPublicMessages(ctx, conv.ID, p.cfg.MaxContextMessages)
	if err != nil {
		return run, failed(fmt.Errorf("intake: load history: %w", err), true), true
	}
	run.history = history

	if conv.VisitorID != "" {
		visitor, err := p.store.GetVisitorWithContact(ctx, conv.VisitorID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return run, failed(fmt.Errorf("intake: load visitor: %w", err), true), true
		}
		run.visitor = visitor
	}
	return run, Result{}, false
}

// gate re-checks pause and registry liveness between stages.
func (p *Pipeline) gate(ctx context.Context, run *runState, trig Trigger) (Result, bool) {
	active, err := p.registry.IsActive(ctx, trig.ConversationID, trig.Direction, trig.RunID)
	if err != nil {
		slog.Warn("Workflow registry check failed", "conversation_id", trig.ConversationID, "error", err)
	} else if !active {
		return cancelled("superseded"), true
	}
	paused, err := p.pause.IsPaused(ctx, trig.ConversationID, run.conversation)
	if err != nil {
		slog.Warn("Pause check failed between stages", "conversation_id", trig.ConversationID, "error", err)
		return Result{}, false
	}
	if paused {
		return skipped("paused"), true
	}
	return Result{}, false
}

// classifyFailure applies the partial-success rule: once anything public
// went out, later failures must not be retried or the visitor sees
// duplicates. A run whose context was cancelled mid-call reports
// cancellation rather than error, so supersedes and shutdowns never feed
// the failure counter.
func (p *Pipeline) classifyFailure(ctx context.Context, run *runState, trig Trigger, err error) Result {
	if errors.Is(err, context.Canceled) {
		var res Result
		// The run context is already cancelled; the registry check needs
		// a live one.
		active, aerr := p.registry.IsActive(context.WithoutCancel(ctx), trig.ConversationID, trig.Direction, trig.RunID)
		switch {
		case aerr == nil && !active:
			res = cancelled("superseded")
		default:
			if aerr != nil {
				slog.Warn("Workflow registry check failed after cancellation", "conversation_id", trig.ConversationID, "error", aerr)
			}
			res = cancelled("cancelled")
		}
		res.PublicMessagesSent = run.ledger.PublicMessagesSent
		return res
	}

	retryable := llm.IsRetryable(err)
	if run.ledger.PublicMessagesSent > 0 {
		retryable = false
	}
	res := failed(err, retryable)
	res.PublicMessagesSent = run.ledger.PublicMessagesSent
	return res
}

// complete emits the terminal workflow event with the §audience policy.
func (p *Pipeline) complete(ctx context.Context, run *runState, trig Trigger, res Result) {
	p.emitter.Emit(ctx, run.event(events.KindWorkflowCompleted, events.CompletedAudience(res.Status), events.WorkflowCompletedPayload{
		RunID:  trig.RunID,
		Status: res.Status,
		Action: run.action,
		Reason: res.Reason,
	}))
}

// followup advances the cursor, records usage, and clears the workflow
// registry entry. Called for success and, when MarkSeenOnSkip is set, for
// policy skips with a loaded conversation.
func (p *Pipeline) followup(ctx context.Context, run *runState, trig Trigger, res *Result, recordUsage bool) {
	if trig.MessageID != "" {
		if err := p.store.UpdateConversationAiCursor(ctx, trig.ConversationID, trig.MessageID, trig.MessageCreatedAt); err != nil {
			slog.Error("Cursor advance failed", "conversation_id", trig.ConversationID, "message_id", trig.MessageID, "error", err)
			// The trigger stays covered by the queue entry; the next drain
			// will retry the advance before anything else runs.
			*res = failed(fmt.Errorf("followup: cursor advance: %w", err), true)
			return
		}
	}

	if recordUsage {
		run.usage.Runs = 1
		run.usage.MessagesSent = run.ledger.PublicMessagesSent
		if err := p.store.UpdateAgentUsage(ctx, trig.AgentID, run.usage); err != nil {
			slog.Warn("Usage update failed", "agent_id", trig.AgentID, "error", err)
		}
		metrics.LLMTokens.WithLabelValues("prompt").Add(float64(run.usage.PromptTokens))
		metrics.LLMTokens.WithLabelValues("completion").Add(float64(run.usage.CompletionTokens))
	}

	if err := p.registry.Clear(ctx, trig.ConversationID, trig.Direction); err != nil {
		slog.Warn("Workflow registry clear failed", "conversation_id", trig.ConversationID, "error", err)
	}
}

// wantsHuman reports whether the text is an explicit request for a
// person.
func wantsHuman(text string) bool {
	t := strings.ToLower(text)
	for _, phrase := range []string{
		"talk to a human", "speak to a human", "real person",
		"human agent", "talk to a person", "speak to an agent",
		"talk to someone", "speak with a human",
	} {
		if strings.Contains(t, phrase) {
			return true
		}
	}
	return false
}

// heartbeatFor builds the run's typing heartbeat from the conversation
// routing.
func (p *Pipeline) heartbeatFor(run *runState) *typing.Heartbeat {
	return typing.NewHeartbeat(p.publisher, typing.Routing{
		WebsiteID:      run.conversation.WebsiteID,
		OrganizationID: run.conversation.OrganizationID,
		ConversationID: run.conversation.ID,
		VisitorID:      run.conversation.VisitorID,
	}, p.heartbeat)
}
