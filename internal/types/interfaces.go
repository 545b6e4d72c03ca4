package types

import (
	"context"
)

// Retriever is the read-only evidence port. Implementations enforce tenant
// isolation internally: every returned chunk was authored for companyID or
// is explicitly public. Results come back score-descending, truncated to k.
type Retriever interface {
	Retrieve(ctx context.Context, companyID, agentID, query string, k int) ([]RetrievalResult, error)
}

// ChatMessage is one turn in a model conversation. An assistant turn that
// requested tools carries them in ToolCalls; ToolCallID links a "tool" role
// message back to the call that produced it.
type ChatMessage struct {
	Role       string     `json:"role"` // system, user, assistant, tool
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolDefinition describes a tool the model may invoke.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID    string                 `json:"id"`
	Name  string                 `json:"name"`
	Input map[string]interface{} `json:"input"`
}

// ToolResult is the outcome of executing one tool call.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error"`
}

// ModelResponse is the completion returned by the model port.
type ModelResponse struct {
	Text       string        `json:"text"`
	ToolCalls  []ToolCall    `json:"tool_calls,omitempty"`
	StopReason string        `json:"stop_reason"` // end_turn, tool_use
	Usage      UsageMetadata `json:"usage"`
}

// ModelClient is the large-language-model port. CompleteWithTools carries
// the full message list so a tool round-trip can append role "tool"
// messages and invoke exactly once more.
type ModelClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	CompleteWithTools(ctx context.Context, systemPrompt string, messages []ChatMessage, tools []ToolDefinition) (*ModelResponse, error)
}

// Notifier emits outbound notifications. Delivery failures are recorded,
// never fatal to a deliberation.
type Notifier interface {
	Notify(ctx context.Context, companyID string, rec NotificationRecord) error
}

// ArtifactStore persists opaque blobs and returns pointers for the defense
// file.
type ArtifactStore interface {
	Put(ctx context.Context, companyID, projectID, kind string, data []byte) (ArtifactPointer, error)
}

// Directory is the read-only view over company records the core consumes.
type Directory interface {
	PlanName(ctx context.Context, companyID string) (string, error)
	CompanyExists(ctx context.Context, companyID string) (bool, error)
}
