package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/relaydesk/aicore/pkg/llm"
	"github.com/relaydesk/aicore/pkg/store"
)

// knowledgeSearchLimit bounds one retrieval call.
const knowledgeSearchLimit = 5

// SearchKnowledgeBase retrieves knowledge snippets relevant to a query.
type SearchKnowledgeBase struct{}

// SearchInput is the model-supplied argument.
type SearchInput struct {
	Query string `json:"query"`
}

// SearchResult carries the snippets back to the model.
type SearchResult struct {
	Snippets []store.KnowledgeSnippet `json:"snippets"`
}

func (t *SearchKnowledgeBase) Name() string { return "searchKnowledgeBase" }

func (t *SearchKnowledgeBase) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        t.Name(),
		Description: "Search the website's knowledge base for help-center articles relevant to the visitor's question.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "Search terms describing what to look up.",
				},
			},
			"required": []string{"query"},
		},
	}
}

func (t *SearchKnowledgeBase) Run(ctx context.Context, rc *RunContext, input json.RawMessage) (any, error) {
	var in SearchInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("searchKnowledgeBase: bad input: %w", err)
	}
	if in.Query == "" {
		return nil, errors.New("searchKnowledgeBase: query is required")
	}
	snippets, err := rc.Store.SearchKnowledgeBase(ctx, rc.Conversation.WebsiteID, in.Query, knowledgeSearchLimit)
	if err != nil {
		return nil, fmt.Errorf("searchKnowledgeBase: %w", err)
	}
	return SearchResult{Snippets: snippets}, nil
}
