package agents

import (
	"context"
	"fmt"
	"sync"

	"consejo/internal/types"
)

// mockModel returns scripted responses in call order.
type mockModel struct {
	mu        sync.Mutex
	responses []*types.ModelResponse
	errs      []error
	calls     []modelCall
}

type modelCall struct {
	system   string
	messages []types.ChatMessage
	tools    []types.ToolDefinition
}

func (m *mockModel) Complete(ctx context.Context, prompt string) (string, error) {
	return m.CompleteWithSystem(ctx, "", prompt)
}

func (m *mockModel) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	resp, err := m.CompleteWithTools(ctx, systemPrompt, []types.ChatMessage{{Role: "user", Content: userPrompt}}, nil)
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

func (m *mockModel) CompleteWithTools(ctx context.Context, systemPrompt string, messages []types.ChatMessage, tools []types.ToolDefinition) (*types.ModelResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := len(m.calls)
	m.calls = append(m.calls, modelCall{system: systemPrompt, messages: messages, tools: tools})
	if idx < len(m.errs) && m.errs[idx] != nil {
		return nil, m.errs[idx]
	}
	if idx >= len(m.responses) {
		return nil, fmt.Errorf("mockModel: unexpected call %d", idx+1)
	}
	return m.responses[idx], nil
}

func (m *mockModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func textResponse(text string) *types.ModelResponse {
	return &types.ModelResponse{
		Text:       text,
		StopReason: "end_turn",
		Usage:      types.UsageMetadata{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}
}

// mockRetriever serves a fixed result set or a scripted error.
type mockRetriever struct {
	results []types.RetrievalResult
	err     error
	queries []string
}

func (m *mockRetriever) Retrieve(ctx context.Context, companyID, agentID, query string, k int) ([]types.RetrievalResult, error) {
	m.queries = append(m.queries, query)
	if m.err != nil {
		return nil, m.err
	}
	if len(m.results) > k {
		return m.results[:k], nil
	}
	return m.results, nil
}
