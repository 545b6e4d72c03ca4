package agents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"consejo/internal/defense"
	"consejo/internal/logging"
	"consejo/internal/types"
)

// RunnerConfig carries the per-call timeouts and retry pacing.
type RunnerConfig struct {
	ModelTimeout     time.Duration
	RetrievalTimeout time.Duration
	RetryBase        time.Duration
	RetrievalK       int
	MaxRetries       int
}

// DefaultRunnerConfig returns the standard timeouts.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		ModelTimeout:     60 * time.Second,
		RetrievalTimeout: 10 * time.Second,
		RetryBase:        time.Second,
		RetrievalK:       5,
		MaxRetries:       3,
	}
}

// Runner executes a single agent for one stage of a deliberation.
type Runner struct {
	registry  *Registry
	tools     *ToolRegistry
	model     types.ModelClient
	retriever types.Retriever
	defense   *defense.Service
	cfg       RunnerConfig
}

// NewRunner wires the runner.
func NewRunner(registry *Registry, tools *ToolRegistry, model types.ModelClient, retriever types.Retriever, defenseSvc *defense.Service, cfg RunnerConfig) *Runner {
	if cfg.ModelTimeout == 0 {
		cfg = DefaultRunnerConfig()
	}
	return &Runner{
		registry:  registry,
		tools:     tools,
		model:     model,
		retriever: retriever,
		defense:   defenseSvc,
		cfg:       cfg,
	}
}

// Run executes agentID against the project for one stage: retrieve, invoke
// with at most one tool round-trip, parse, append. The returned decision is
// the one appended to the defense file.
func (r *Runner) Run(ctx context.Context, project *types.Project, stage types.Stage, agentID string) (*types.AgentDecision, error) {
	desc, err := r.registry.Get(agentID)
	if err != nil {
		return nil, err
	}
	log := logging.Get(logging.CategoryAgents)
	start := time.Now()

	results := r.retrieveContext(ctx, project, desc)

	systemPrompt := RenderSystemPrompt(desc, project.CompanyID)
	userMsg := buildUserMessage(project, results)
	tools := r.tools.Definitions(desc.Tools)

	resp, usage, err := r.invokeWithToolRound(ctx, project, systemPrompt, userMsg, tools)
	if err != nil {
		return nil, fmt.Errorf("agent %s stage %s: %w", agentID, stage, err)
	}

	parsed := ParseDecision(resp.Text)

	refs := make([]types.RetrievalRef, 0, len(results))
	for _, res := range results {
		refs = append(refs, types.RetrievalRef{ChunkID: res.ChunkID, Source: res.Source, Score: res.Score})
	}

	decision := types.AgentDecision{
		Stage:            stage,
		AgentID:          desc.ID,
		AgentName:        desc.Name,
		Decision:         parsed.Label,
		Reasoning:        parsed.Reasoning,
		Confidence:       parsed.Confidence,
		RetrievalRefs:    refs,
		PromptTokens:     usage.InputTokens,
		CompletionTokens: usage.OutputTokens,
		ElapsedMs:        time.Since(start).Milliseconds(),
		RecordedAt:       time.Now().UTC(),
	}

	if len(results) > 0 {
		if err := r.defense.AppendRetrieval(ctx, project.CompanyID, project.ID, desc.ID, retrievalQuery(project, desc), results); err != nil {
			return nil, err
		}
	}
	if err := r.defense.AppendDecision(ctx, project.CompanyID, project.ID, decision); err != nil {
		return nil, err
	}

	log.Infow("agent decided", "agent", desc.ID, "stage", stage, "project", project.ID,
		"decision", parsed.Label, "refs", len(refs), "elapsed_ms", decision.ElapsedMs)
	return &decision, nil
}

// retrieveContext fetches grounding evidence. Failures degrade to an empty
// list: the agent deliberates without documents rather than failing the
// stage.
func (r *Runner) retrieveContext(ctx context.Context, project *types.Project, desc Descriptor) []types.RetrievalResult {
	if r.retriever == nil {
		return nil
	}
	rctx, cancel := context.WithTimeout(ctx, r.cfg.RetrievalTimeout)
	defer cancel()

	results, err := r.retriever.Retrieve(rctx, project.CompanyID, desc.ID, retrievalQuery(project, desc), r.cfg.RetrievalK)
	if err != nil {
		logging.Get(logging.CategoryAgents).Warnw("retrieval degraded to empty",
			"agent", desc.ID, "project", project.ID, "error", err)
		return nil
	}
	return results
}

func retrievalQuery(project *types.Project, desc Descriptor) string {
	if desc.RetrievalHint != "" {
		return desc.RetrievalHint + " " + project.Description
	}
	return project.Description
}

// invokeWithToolRound calls the model with retry, resolves at most one tool
// round, and returns the final response plus accumulated usage. Second-round
// tool calls are discarded.
func (r *Runner) invokeWithToolRound(ctx context.Context, project *types.Project, systemPrompt, userMsg string, tools []types.ToolDefinition) (*types.ModelResponse, types.UsageMetadata, error) {
	messages := []types.ChatMessage{{Role: "user", Content: userMsg}}

	resp, err := r.invokeWithRetry(ctx, systemPrompt, messages, tools)
	if err != nil {
		return nil, types.UsageMetadata{}, err
	}
	usage := resp.Usage

	if len(resp.ToolCalls) > 0 {
		// The assistant turn must repeat its tool calls or the backend
		// rejects the tool messages that answer them.
		messages = append(messages, types.ChatMessage{Role: "assistant", Content: resp.Text, ToolCalls: resp.ToolCalls})
		for _, call := range resp.ToolCalls {
			result := r.tools.Resolve(ctx, project, call)
			messages = append(messages, types.ChatMessage{
				Role:       "tool",
				Content:    result.Content,
				ToolCallID: result.ToolCallID,
				Name:       call.Name,
			})
		}
		resp, err = r.invokeWithRetry(ctx, systemPrompt, messages, tools)
		if err != nil {
			return nil, types.UsageMetadata{}, err
		}
		if len(resp.ToolCalls) > 0 {
			logging.Get(logging.CategoryAgents).Warnw("second-round tool calls discarded",
				"project", project.ID, "count", len(resp.ToolCalls))
		}
		usage.InputTokens += resp.Usage.InputTokens
		usage.OutputTokens += resp.Usage.OutputTokens
		usage.TotalTokens += resp.Usage.TotalTokens
	}
	return resp, usage, nil
}

// invokeWithRetry retries model failures with exponential backoff before
// giving up.
func (r *Runner) invokeWithRetry(ctx context.Context, systemPrompt string, messages []types.ChatMessage, tools []types.ToolDefinition) (*types.ModelResponse, error) {
	maxAttempts := r.cfg.MaxRetries
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			backoff := r.cfg.RetryBase * time.Duration(1<<uint(attempt-2))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		mctx, cancel := context.WithTimeout(ctx, r.cfg.ModelTimeout)
		resp, err := r.model.CompleteWithTools(mctx, systemPrompt, messages, tools)
		cancel()
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("model failed after %d attempts: %w", maxAttempts, lastErr)
}

// buildUserMessage renders the project block plus the DOCUMENTS block with
// the retrieved evidence in rank order.
func buildUserMessage(project *types.Project, results []types.RetrievalResult) string {
	var b strings.Builder
	b.WriteString("PROYECTO:\n")
	fmt.Fprintf(&b, "Nombre: %s\n", project.Name)
	if project.ClientName != "" {
		fmt.Fprintf(&b, "Cliente: %s\n", project.ClientName)
	}
	if project.ServiceType != "" {
		fmt.Fprintf(&b, "Tipo de servicio: %s\n", project.ServiceType)
	}
	fmt.Fprintf(&b, "Monto: %.2f MXN\n", project.Amount)
	fmt.Fprintf(&b, "Descripción: %s\n", project.Description)

	b.WriteString("\nDOCUMENTS:\n")
	if len(results) == 0 {
		b.WriteString("(sin documentos recuperados)\n")
		return b.String()
	}
	for i, res := range results {
		fmt.Fprintf(&b, "[%d] fuente=%s", i+1, res.Source)
		if res.Title != "" {
			fmt.Fprintf(&b, " título=%s", res.Title)
		}
		fmt.Fprintf(&b, " score=%.3f\n%s\n", res.Score, res.Text)
	}
	return b.String()
}
