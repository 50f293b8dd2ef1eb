package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/relaydesk/aicore/pkg/events"
	"github.com/relaydesk/aicore/pkg/llm"
	"github.com/relaydesk/aicore/pkg/models"
	"github.com/relaydesk/aicore/pkg/prompt"
	"github.com/relaydesk/aicore/pkg/tools"
)

// ResponseMode is the decision stage's verdict on how to respond.
type ResponseMode string

// Response modes.
const (
	ModeReply     ResponseMode = "reply"
	ModeProactive ResponseMode = "proactive_reply"
	ModeSilent    ResponseMode = "silent"
)

// Decision is the decision stage output.
type Decision struct {
	Mode      ResponseMode
	ShouldAct bool
	Reason    string
}

// decide applies the deterministic rules first and only falls back to the
// lightweight classifier when configured and still ambiguous.
func (p *Pipeline) decide(ctx context.Context, run *runState, trig Trigger) Decision {
	// A human already owns the conversation: stay silent.
	if run.conversation.HasHumanAssignee() {
		return Decision{Mode: ModeSilent, ShouldAct: false, Reason: "human assigned"}
	}

	// Empty conversation: proactive greeting.
	if len(run.history) == 0 {
		return Decision{Mode: ModeProactive, ShouldAct: true, Reason: "greeting"}
	}

	if trig.SenderType == models.SenderVisitor {
		reason := "visitor message"
		if trig.CoalescedCount > 1 {
			reason = fmt.Sprintf("batched %d visitor messages", trig.CoalescedCount)
		}
		if body := p.triggerBody(run, trig); wantsHuman(body) {
			// Still act: generation escalates rather than answering.
			return Decision{Mode: ModeReply, ShouldAct: true, Reason: "visitor asked for human"}
		}
		if p.llmCfg.ClassifierModel != "" {
			if mode, ok := p.classify(ctx, run, trig); ok && mode == ModeSilent {
				return Decision{Mode: ModeSilent, ShouldAct: false, Reason: "classifier declined"}
			}
		}
		return Decision{Mode: ModeReply, ShouldAct: true, Reason: reason}
	}

	// Non-visitor triggers never start a reply on their own; they may
	// still justify a proactive nudge when the visitor has been waiting.
	if waited, ok := p.visitorWaiting(run); ok && waited >= p.cfg.ProactiveWaitThreshold {
		return Decision{Mode: ModeProactive, ShouldAct: true, Reason: "visitor waiting"}
	}
	return Decision{Mode: ModeSilent, ShouldAct: false, Reason: "non-visitor trigger"}
}

// triggerBody finds the trigger message's text in the loaded history.
func (p *Pipeline) triggerBody(run *runState, trig Trigger) string {
	for _, msg := range run.history {
		if msg.ID == trig.MessageID {
			return msg.BodyMarkdown
		}
	}
	return ""
}

// visitorWaiting reports how long the newest public message has been a
// visitor message with no reply after it.
func (p *Pipeline) visitorWaiting(run *runState) (time.Duration, bool) {
	if len(run.history) == 0 {
		return 0, false
	}
	newest := run.history[0]
	if newest.SenderType != models.SenderVisitor {
		return 0, false
	}
	return time.Since(newest.CreatedAt), true
}

// classify asks the lightweight model whether to respond at all.
func (p *Pipeline) classify(ctx context.Context, run *runState, trig Trigger) (ResponseMode, bool) {
	body := p.triggerBody(run, trig)
	if body == "" {
		return ModeReply, false
	}
	resp, err := p.provider.Generate(ctx, llm.Request{
		Model: p.llmCfg.ClassifierModel,
		System: "Decide whether an automated support agent should reply to the visitor's message. " +
			"Answer with exactly one word: reply or silent. Choose silent only for messages that need no response " +
			"(acknowledgements like \"ok thanks\", emoji, or clearly directed at a human teammate).",
		Messages:        []llm.Message{{Role: llm.RoleUser, Content: body}},
		MaxOutputTokens: 8,
	})
	if err != nil {
		slog.Warn("Decision classifier failed, defaulting to reply", "conversation_id", trig.ConversationID, "error", err)
		return ModeReply, false
	}
	run.usage.PromptTokens += resp.Usage.PromptTokens
	run.usage.CompletionTokens += resp.Usage.CompletionTokens
	run.usage.TotalTokens += resp.Usage.TotalTokens
	answer := strings.ToLower(strings.TrimSpace(resp.Text))
	if strings.HasPrefix(answer, "silent") {
		return ModeSilent, true
	}
	return ModeReply, true
}

// generation is what the generation stage hands to execution.
type generation struct {
	// text is the model's final free-form answer, if any. Tool-driven
	// sends have already happened by the time this is returned.
	text string
	// knowledgeConfidence is the best retrieval confidence seen this
	// run; 1.0 when the model never consulted the knowledge base.
	knowledgeConfidence float64
}

// runContext builds the tool-facing view of this run.
func (p *Pipeline) runContext(run *runState, trig Trigger) *tools.RunContext {
	return &tools.RunContext{
		RunID:                  trig.RunID,
		TriggerMessageID:       trig.MessageID,
		Conversation:           run.conversation,
		Agent:                  run.agent,
		Visitor:                run.visitor,
		Store:                  p.store,
		Pause:                  p.pause,
		Typing:                 run.typing,
		Emitter:                p.emitter,
		RestartTypingAfterSend: p.cfg.RestartTypingAfterSend,
		Ledger:                 run.ledger,
	}
}

// generate drives the model, executing tool calls between rounds until
// the model stops calling tools or the round budget runs out.
func (p *Pipeline) generate(ctx context.Context, run *runState, trig Trigger, decision Decision) (*generation, error) {
	run.typing.Start(ctx)

	toolSet := p.tools.ForAgent(run.agent.Metadata)
	defs := tools.Definitions(toolSet)
	names := make([]string, 0, len(toolSet))
	for _, t := range toolSet {
		names = append(names, t.Name())
	}

	system := prompt.System(run.agent, run.visitor, names)
	messages := prompt.History(run.history, p.cfg.MaxContextMessages)
	if decision.Mode == ModeProactive {
		messages = append(messages, llm.Message{
			Role:    llm.RoleUser,
			Content: "(The visitor is in the chat but has not received a reply. Open the conversation appropriately.)",
		})
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("generate: no usable conversation history")
	}

	rc := p.runContext(run, trig)
	gen := &generation{knowledgeConfidence: 1}

	p.progress(ctx, run, trig, events.PhaseThinking)
	for round := 0; round < maxToolRounds; round++ {
		resp, err := p.provider.Generate(ctx, llm.Request{
			Model:           run.agent.Model,
			System:          system,
			Messages:        messages,
			Tools:           defs,
			Temperature:     run.agent.Temperature,
			MaxOutputTokens: run.agent.MaxOutputTokens,
		})
		if err != nil {
			return nil, fmt.Errorf("generate: %w", err)
		}
		run.usage.PromptTokens += resp.Usage.PromptTokens
		run.usage.CompletionTokens += resp.Usage.CompletionTokens
		run.usage.TotalTokens += resp.Usage.TotalTokens
		gen.text = resp.Text

		if len(resp.ToolCalls) == 0 {
			break
		}
		p.progress(ctx, run, trig, events.PhaseGenerating)

		if resp.Text != "" {
			messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: resp.Text})
		}
		for _, call := range resp.ToolCalls {
			result, err := tools.Execute(ctx, rc, p.tools, call)
			if err != nil {
				messages = append(messages, llm.Message{
					Role:    llm.RoleUser,
					Content: fmt.Sprintf("[tool %s failed: %v]", call.Name, err),
				})
				continue
			}
			if sr, ok := result.(tools.SearchResult); ok {
				best := 0.0
				for _, snippet := range sr.Snippets {
					if snippet.Confidence > best {
						best = snippet.Confidence
					}
				}
				gen.knowledgeConfidence = best
			}
			encoded, merr := json.Marshal(result)
			if merr != nil {
				encoded = []byte(`{}`)
			}
			messages = append(messages, llm.Message{
				Role:    llm.RoleUser,
				Content: fmt.Sprintf("[tool %s result: %s]", call.Name, encoded),
			})
		}
		if run.ledger.Paused {
			break
		}
	}
	p.progress(ctx, run, trig, events.PhaseFinalizing)
	return gen, nil
}

func (p *Pipeline) progress(ctx context.Context, run *runState, trig Trigger, phase events.GenerationPhase) {
	p.emitter.Emit(ctx, run.event(events.KindGenerationProgress, events.AudienceDashboard, events.GenerationProgressPayload{
		RunID: trig.RunID,
		Phase: phase,
	}))
}

// execute persists the non-tool-sent reply, converting low-confidence
// answers into an escalation instead of sending them.
func (p *Pipeline) execute(ctx context.Context, run *runState, trig Trigger, gen *generation) error {
	if run.ledger.Escalated {
		run.action = "escalated"
	} else if run.ledger.PublicMessagesSent > 0 {
		run.action = "replied"
	}

	if gen.text == "" || run.ledger.Paused {
		return nil
	}

	rc := p.runContext(run, trig)

	// The model answered in free text without sending. If retrieval
	// confidence was poor, hand off instead of guessing at the visitor.
	if run.ledger.PublicMessagesSent == 0 &&
		gen.knowledgeConfidence < p.cfg.EscalationConfidenceThreshold &&
		run.agent.Behavior.CanEscalate && !run.ledger.Escalated {
		input, _ := json.Marshal(tools.EscalateInput{Reason: "low confidence answer"})
		if _, err := tools.Execute(ctx, rc, p.tools, llm.ToolCall{Name: "escalateToHuman", Input: input}); err != nil {
			return fmt.Errorf("execute: auto-escalate: %w", err)
		}
		run.action = "escalated"
		return nil
	}

	// Route the reply through the send tool so the slot, stale-trigger,
	// and duplicate rules apply exactly as they do mid-generation.
	input, _ := json.Marshal(tools.SendInput{Message: gen.text})
	result, err := tools.Execute(ctx, rc, p.tools, llm.ToolCall{Name: "sendVisitorMessage", Input: input})
	if err != nil {
		return fmt.Errorf("execute: send reply: %w", err)
	}
	if sr, ok := result.(tools.SendResult); ok && sr.Sent {
		run.action = "replied"
	}
	return nil
}
