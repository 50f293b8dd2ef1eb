package tools

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydesk/aicore/pkg/events"
	"github.com/relaydesk/aicore/pkg/llm"
	"github.com/relaydesk/aicore/pkg/models"
	"github.com/relaydesk/aicore/pkg/store"
)

type fakePause struct {
	paused bool
}

func (f *fakePause) IsPaused(context.Context, string, *models.Conversation) (bool, error) {
	return f.paused, nil
}

type fakeTyping struct {
	running bool
	starts  int
	stops   int
}

func (f *fakeTyping) Start(context.Context) {
	f.starts++
	f.running = true
}

func (f *fakeTyping) Stop(context.Context) {
	f.stops++
	f.running = false
}

func (f *fakeTyping) Running() bool { return f.running }

type fixture struct {
	store    *store.Memory
	pause    *fakePause
	typing   *fakeTyping
	recorder *events.Recorder
	rc       *RunContext
	trigger  *models.Message
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemory()
	conv := &models.Conversation{
		ID:             "c1",
		OrganizationID: "org-1",
		WebsiteID:      "site-1",
		VisitorID:      "v1",
		Status:         models.ConversationStatusOpen,
	}
	mem.AddConversation(conv)
	agent := &models.Agent{
		ID: "agent-1",
		Behavior: models.BehaviorSettings{
			CanEscalate:          true,
			CanSetPriority:       true,
			AutoGenerateTitle:    true,
			AutoAnalyzeSentiment: true,
		},
	}
	mem.AddAgent(agent)
	trigger := mem.AddMessage(&models.Message{
		ConversationID: "c1",
		SenderType:     models.SenderVisitor,
		Visibility:     models.VisibilityPublic,
		BodyMarkdown:   "where is my order?",
		CreatedAt:      time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
	})

	pause := &fakePause{}
	typ := &fakeTyping{running: true}
	rec := events.NewRecorder()
	return &fixture{
		store:    mem,
		pause:    pause,
		typing:   typ,
		recorder: rec,
		trigger:  trigger,
		rc: &RunContext{
			RunID:            "run-1",
			TriggerMessageID: trigger.ID,
			Conversation:     conv,
			Agent:            agent,
			Store:            mem,
			Pause:            pause,
			Typing:           typ,
			Emitter:          rec,
			Ledger:           NewLedger(),
		},
	}
}

func sendInput(text string) json.RawMessage {
	raw, _ := json.Marshal(SendInput{Message: text})
	return raw
}

func TestSendVisitorMessage(t *testing.T) {
	f := newFixture(t)
	tool := &SendVisitorMessage{}

	out, err := tool.Run(context.Background(), f.rc, sendInput("Your order ships tomorrow."))
	require.NoError(t, err)
	res := out.(SendResult)
	assert.True(t, res.Sent)
	assert.NotEmpty(t, res.MessageID)
	assert.False(t, res.Paused)

	// Typing stopped on the first send.
	assert.Equal(t, 1, f.typing.stops)
	assert.Equal(t, 1, f.rc.Ledger.PublicMessagesSent)

	// A second distinct send does not restart or re-stop typing.
	out, err = tool.Run(context.Background(), f.rc, sendInput("Anything else I can help with?"))
	require.NoError(t, err)
	assert.True(t, out.(SendResult).Sent)
	assert.Equal(t, 1, f.typing.stops)
	assert.Zero(t, f.typing.starts)
	assert.Equal(t, 2, f.rc.Ledger.PublicMessagesSent)
}

func TestSendRestartsTypingWhenConfigured(t *testing.T) {
	f := newFixture(t)
	f.rc.RestartTypingAfterSend = true
	tool := &SendVisitorMessage{}

	out, err := tool.Run(context.Background(), f.rc, sendInput("Let me check that for you."))
	require.NoError(t, err)
	require.True(t, out.(SendResult).Sent)
	assert.Equal(t, 1, f.typing.stops)
	assert.Equal(t, 1, f.typing.starts, "indicator re-armed after the send")
	assert.True(t, f.typing.running)

	out, err = tool.Run(context.Background(), f.rc, sendInput("Found it, shipping tomorrow."))
	require.NoError(t, err)
	require.True(t, out.(SendResult).Sent)
	assert.Equal(t, 2, f.typing.stops)
	assert.Equal(t, 2, f.typing.starts)
}

func TestSendDoesNotRestartTypingWhenPaused(t *testing.T) {
	f := newFixture(t)
	f.rc.RestartTypingAfterSend = true
	f.pause.paused = true

	out, err := (&SendVisitorMessage{}).Run(context.Background(), f.rc, sendInput("One moment."))
	require.NoError(t, err)
	require.True(t, out.(SendResult).Sent)
	assert.Equal(t, 1, f.typing.stops)
	assert.Zero(t, f.typing.starts, "paused conversation stays quiet")
}

func TestSendStaleTriggerSuppressed(t *testing.T) {
	f := newFixture(t)
	// The visitor sent something newer than the trigger being answered.
	f.store.AddMessage(&models.Message{
		ConversationID: "c1",
		SenderType:     models.SenderVisitor,
		Visibility:     models.VisibilityPublic,
		BodyMarkdown:   "actually, nevermind",
		CreatedAt:      f.trigger.CreatedAt.Add(time.Second),
	})

	out, err := (&SendVisitorMessage{}).Run(context.Background(), f.rc, sendInput("On it!"))
	require.NoError(t, err)
	res := out.(SendResult)
	assert.False(t, res.Sent)
	assert.True(t, res.StaleTriggerSuppressed)
	assert.Zero(t, f.rc.Ledger.PublicMessagesSent)
}

func TestSendDuplicateSuppressed(t *testing.T) {
	f := newFixture(t)
	tool := &SendVisitorMessage{}

	_, err := tool.Run(context.Background(), f.rc, sendInput("Your order ships tomorrow."))
	require.NoError(t, err)

	// Same text modulo whitespace and case.
	out, err := tool.Run(context.Background(), f.rc, sendInput("  your ORDER ships   tomorrow. "))
	require.NoError(t, err)
	res := out.(SendResult)
	assert.False(t, res.Sent)
	assert.True(t, res.DuplicateSuppressed)

	msgs, err := f.store.GetRecentPublicMessages(context.Background(), "c1", 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 2) // trigger + one reply
}

func TestSendSlotIdempotencyAcrossRetries(t *testing.T) {
	f := newFixture(t)
	tool := &SendVisitorMessage{}

	out1, err := tool.Run(context.Background(), f.rc, sendInput("First wording."))
	require.NoError(t, err)

	// A retried run for the same trigger starts with a fresh ledger; its
	// slot 0 send collapses onto the original message even with new text.
	f.rc.Ledger = NewLedger()
	out2, err := tool.Run(context.Background(), f.rc, sendInput("Second wording."))
	require.NoError(t, err)

	assert.Equal(t, out1.(SendResult).MessageID, out2.(SendResult).MessageID)
}

func TestSendObservesPause(t *testing.T) {
	f := newFixture(t)
	f.pause.paused = true
	tool := &SendVisitorMessage{}

	out, err := tool.Run(context.Background(), f.rc, sendInput("hello"))
	require.NoError(t, err)
	res := out.(SendResult)
	assert.True(t, res.Sent, "the send that observed the pause still went out")
	assert.True(t, res.Paused)
	assert.True(t, f.rc.Ledger.Paused)

	// Subsequent sends in the run are dropped.
	out, err = tool.Run(context.Background(), f.rc, sendInput("more"))
	require.NoError(t, err)
	res = out.(SendResult)
	assert.False(t, res.Sent)
	assert.True(t, res.Paused)
}

func TestForAgentPermissionFilter(t *testing.T) {
	reg := DefaultRegistry()

	// disableTools wins.
	assert.Nil(t, reg.ForAgent(models.AgentMetadata{DisableTools: true}))

	// Nil enabledTools means the full default set.
	all := reg.ForAgent(models.AgentMetadata{})
	assert.Len(t, all, 6)

	// enabledTools filters; unknown names are ignored.
	filtered := reg.ForAgent(models.AgentMetadata{
		EnabledTools: []string{"sendVisitorMessage", "doesNotExist", "setPriority"},
	})
	names := make([]string, 0, len(filtered))
	for _, tool := range filtered {
		names = append(names, tool.Name())
	}
	assert.Equal(t, []string{"sendVisitorMessage", "setPriority"}, names)

	// An empty effective set disables tool use.
	assert.Empty(t, reg.ForAgent(models.AgentMetadata{EnabledTools: []string{}}))
	assert.Empty(t, reg.ForAgent(models.AgentMetadata{EnabledTools: []string{"nope"}}))
}

func TestEscalateToHuman(t *testing.T) {
	f := newFixture(t)
	tool := &EscalateToHuman{}
	input := json.RawMessage(`{"reason":"visitor asked for a person"}`)

	out, err := tool.Run(context.Background(), f.rc, input)
	require.NoError(t, err)
	assert.True(t, out.(ActionResult).Applied)
	assert.True(t, f.rc.Ledger.Escalated)

	msgs := f.store.MessagesFor("c1")
	var found bool
	for _, m := range msgs {
		for _, p := range m.Parts {
			if p.Type == models.PartParticipantRequested {
				found = true
				assert.Equal(t, models.VisibilityPublic, m.Visibility)
				assert.Equal(t, "visitor asked for a person", p.Text)
			}
		}
	}
	assert.True(t, found, "expected a public participant_requested entry")

	// Second call in the same run is a no-op.
	before := len(f.store.MessagesFor("c1"))
	_, err = tool.Run(context.Background(), f.rc, input)
	require.NoError(t, err)
	assert.Len(t, f.store.MessagesFor("c1"), before)
}

func TestBehaviorGates(t *testing.T) {
	f := newFixture(t)
	f.rc.Agent.Behavior = models.BehaviorSettings{} // everything off

	tests := []struct {
		tool  Tool
		input string
	}{
		{&EscalateToHuman{}, `{"reason":"r"}`},
		{&SetConversationTitle{}, `{"title":"Order status"}`},
		{&SetPriority{}, `{"level":"high"}`},
		{&UpdateSentiment{}, `{"label":"negative"}`},
	}
	for _, tt := range tests {
		t.Run(tt.tool.Name(), func(t *testing.T) {
			out, err := tt.tool.Run(context.Background(), f.rc, json.RawMessage(tt.input))
			require.NoError(t, err)
			assert.False(t, out.(ActionResult).Applied)
		})
	}
}

func TestConversationActions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := (&SetConversationTitle{}).Run(ctx, f.rc, json.RawMessage(`{"title":"Order status"}`))
	require.NoError(t, err)
	_, err = (&SetPriority{}).Run(ctx, f.rc, json.RawMessage(`{"level":"high"}`))
	require.NoError(t, err)
	_, err = (&UpdateSentiment{}).Run(ctx, f.rc, json.RawMessage(`{"label":"neutral"}`))
	require.NoError(t, err)

	conv, err := f.store.GetConversationByID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "Order status", conv.Title)
	assert.Equal(t, "high", conv.Priority)
	assert.Equal(t, "neutral", conv.Sentiment)

	_, err = (&SetPriority{}).Run(ctx, f.rc, json.RawMessage(`{"level":"whenever"}`))
	assert.Error(t, err)
}

func TestExecuteEmitsToolProgress(t *testing.T) {
	f := newFixture(t)
	reg := DefaultRegistry()

	_, err := Execute(context.Background(), f.rc, reg, llm.ToolCall{
		Name:  "searchKnowledgeBase",
		Input: json.RawMessage(`{"query":"shipping"}`),
	})
	require.NoError(t, err)

	progress := f.recorder.ByKind(events.KindToolProgress)
	require.Len(t, progress, 2)
	for _, ev := range progress {
		assert.Equal(t, events.AudienceAll, ev.Audience)
	}
	started := progress[0].Payload.(events.ToolProgressPayload)
	assert.Equal(t, "started", started.State)
	assert.Equal(t, "searchKnowledgeBase", started.Tool)
	assert.NotEmpty(t, started.Message)
	assert.Equal(t, "finished", progress[1].Payload.(events.ToolProgressPayload).State)
}

func TestExecuteUnknownTool(t *testing.T) {
	f := newFixture(t)
	_, err := Execute(context.Background(), f.rc, DefaultRegistry(), llm.ToolCall{
		Name:  "launchRockets",
		Input: json.RawMessage(`{}`),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown tool")
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, Normalize("Hello  World"), Normalize("  hello world "))
	assert.NotEqual(t, Normalize("hello world"), Normalize("hello there"))
}
