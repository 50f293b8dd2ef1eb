// Package prompt assembles LLM inputs: bounded conversation history,
// the visitor-context block, and the composed system prompt.
package prompt

import (
	"strings"

	"github.com/relaydesk/aicore/pkg/llm"
	"github.com/relaydesk/aicore/pkg/models"
)

// History converts timeline messages into provider conversation turns.
// msgs are newest-first as returned by the store; output is chronological.
// Visitor messages map to the user role, human and AI agents both map to
// assistant. Empty bodies are dropped.
func History(msgs []*models.Message, max int) []llm.Message {
	if max > 0 && len(msgs) > max {
		msgs = msgs[:max]
	}
	out := make([]llm.Message, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		msg := msgs[i]
		body := strings.TrimSpace(msg.BodyMarkdown)
		if body == "" {
			continue
		}
		role := llm.RoleAssistant
		if msg.SenderType == models.SenderVisitor {
			role = llm.RoleUser
		}
		out = append(out, llm.Message{Role: role, Content: body})
	}
	return out
}

// VisitorContext renders a markdown block describing the visitor. Empty
// fields are omitted; a visitor with no usable fields yields "".
func VisitorContext(v *models.Visitor) string {
	if v == nil {
		return ""
	}
	var lines []string
	add := func(label, value string) {
		if value != "" {
			lines = append(lines, "- "+label+": "+value)
		}
	}
	add("Name", v.Name)
	add("Email", v.Email)
	add("Location", location(v))
	add("Language", v.Language)
	add("Timezone", v.Timezone)
	add("Browser", v.Browser)
	add("Device", v.Device)
	if len(lines) == 0 {
		return ""
	}
	return "## Visitor\n" + strings.Join(lines, "\n")
}

func location(v *models.Visitor) string {
	switch {
	case v.City != "" && v.Country != "":
		return v.City + ", " + v.Country
	case v.City != "":
		return v.City
	default:
		return v.Country
	}
}

// System composes the full system prompt: the agent's base prompt, the
// visitor-context block, and a tool-permission block naming the tools
// available this run.
func System(agent *models.Agent, visitor *models.Visitor, toolNames []string) string {
	var sections []string
	if base := strings.TrimSpace(agent.BasePrompt); base != "" {
		sections = append(sections, base)
	}
	if block := VisitorContext(visitor); block != "" {
		sections = append(sections, block)
	}
	if len(toolNames) > 0 {
		sections = append(sections, "## Available tools\n"+strings.Join(toolNames, ", "))
	} else {
		sections = append(sections, "You have no tools available this turn. Reply with text only.")
	}
	return strings.Join(sections, "\n\n")
}
