package agents

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"consejo/internal/defense"
	"consejo/internal/types"
)

func testRunner(t *testing.T, model *mockModel, retriever types.Retriever) (*Runner, *defense.Service) {
	t.Helper()
	svc, err := defense.NewService(filepath.Join(t.TempDir(), "defense_files"))
	require.NoError(t, err)

	cfg := DefaultRunnerConfig()
	cfg.RetryBase = time.Millisecond
	return NewRunner(NewRegistry(), NewToolRegistry(retriever), model, retriever, svc, cfg), svc
}

func testProject() *types.Project {
	return &types.Project{
		ID:          "p1",
		CompanyID:   "acme",
		Name:        "Consultoría logística",
		Description: "Optimización de rutas de distribución",
		Amount:      300000,
		Version:     1,
	}
}

func seedFile(t *testing.T, svc *defense.Service, p *types.Project) {
	t.Helper()
	require.NoError(t, svc.RecordProject(context.Background(), p))
}

func TestRun_HappyPathAppendsDecisionAndRetrieval(t *testing.T) {
	model := &mockModel{responses: []*types.ModelResponse{
		textResponse("DECISION: approve\nCONFIANZA: 0.9\nRAZONAMIENTO: razón de negocios clara"),
	}}
	retriever := &mockRetriever{results: []types.RetrievalResult{
		{ChunkID: "cff-5a", Source: "CFF", Text: "art 5o-A", Score: 0.8},
		{ChunkID: "lisr-27", Source: "LISR", Text: "art 27", Score: 0.6},
	}}
	runner, svc := testRunner(t, model, retriever)
	project := testProject()
	seedFile(t, svc, project)

	d, err := runner.Run(context.Background(), project, types.StageStrategy, "A1_SPONSOR")
	require.NoError(t, err)
	assert.Equal(t, types.DecisionApprove, d.Decision)
	assert.Equal(t, 0.9, d.Confidence)
	require.Len(t, d.RetrievalRefs, 2)
	assert.Equal(t, "cff-5a", d.RetrievalRefs[0].ChunkID, "refs keep rank order")
	assert.Equal(t, 10, d.PromptTokens)
	assert.Equal(t, 5, d.CompletionTokens)

	f, err := svc.Get(context.Background(), "p1", "acme")
	require.NoError(t, err)
	require.Len(t, f.Decisions, 1)
	assert.Equal(t, "A1_SPONSOR", f.Decisions[0].AgentID)
	require.Len(t, f.Retrievals, 1)
	assert.Equal(t, "A1_SPONSOR", f.Retrievals[0].AgentID)

	// The user message carries the DOCUMENTS block.
	require.Equal(t, 1, model.callCount())
	assert.Contains(t, model.calls[0].messages[0].Content, "DOCUMENTS:")
	assert.Contains(t, model.calls[0].messages[0].Content, "art 5o-A")
	assert.Contains(t, model.calls[0].system, "acme")
}

func TestRun_RetrievalFailureDegradesToEmpty(t *testing.T) {
	model := &mockModel{responses: []*types.ModelResponse{
		textResponse("DECISION: approve\nRAZONAMIENTO: procede aun sin evidencia"),
	}}
	retriever := &mockRetriever{err: errors.New("corpus unavailable")}
	runner, svc := testRunner(t, model, retriever)
	project := testProject()
	seedFile(t, svc, project)

	d, err := runner.Run(context.Background(), project, types.StageFiscal, "A3_FISCAL")
	require.NoError(t, err, "retrieval failure never fails the stage")
	assert.Empty(t, d.RetrievalRefs)

	f, err := svc.Get(context.Background(), "p1", "acme")
	require.NoError(t, err)
	assert.Empty(t, f.Retrievals, "no retrieval record when nothing came back")
	assert.Contains(t, model.calls[0].messages[0].Content, "(sin documentos recuperados)")
}

func TestRun_SingleToolRoundTrip(t *testing.T) {
	model := &mockModel{responses: []*types.ModelResponse{
		{
			StopReason: "tool_use",
			ToolCalls:  []types.ToolCall{{ID: "call_1", Name: "consultar_monto", Input: map[string]interface{}{}}},
			Usage:      types.UsageMetadata{InputTokens: 20, OutputTokens: 4, TotalTokens: 24},
		},
		{
			Text:       "DECISION: approve\nRAZONAMIENTO: monto ordinario, procede",
			StopReason: "end_turn",
			Usage:      types.UsageMetadata{InputTokens: 30, OutputTokens: 8, TotalTokens: 38},
		},
	}}
	runner, svc := testRunner(t, model, &mockRetriever{})
	project := testProject()
	seedFile(t, svc, project)

	d, err := runner.Run(context.Background(), project, types.StageStrategy, "A1_SPONSOR")
	require.NoError(t, err)
	assert.Equal(t, types.DecisionApprove, d.Decision)
	assert.Equal(t, 50, d.PromptTokens, "usage accumulates across both rounds")
	assert.Equal(t, 12, d.CompletionTokens)

	require.Equal(t, 2, model.callCount())
	second := model.calls[1].messages
	require.Len(t, second, 3)
	assert.Equal(t, "assistant", second[1].Role)
	require.Len(t, second[1].ToolCalls, 1, "assistant turn repeats its tool calls")
	assert.Equal(t, "call_1", second[1].ToolCalls[0].ID)
	assert.Equal(t, "consultar_monto", second[1].ToolCalls[0].Name)
	assert.Equal(t, "tool", second[2].Role)
	assert.Equal(t, "call_1", second[2].ToolCallID)
	assert.Contains(t, second[2].Content, "monto")
}

func TestRun_SecondRoundToolCallsDiscarded(t *testing.T) {
	model := &mockModel{responses: []*types.ModelResponse{
		{
			StopReason: "tool_use",
			ToolCalls:  []types.ToolCall{{ID: "c1", Name: "consultar_monto", Input: map[string]interface{}{}}},
		},
		{
			Text:       "DECISION: reject\nRAZONAMIENTO: monto desproporcionado",
			StopReason: "tool_use",
			ToolCalls:  []types.ToolCall{{ID: "c2", Name: "consultar_monto", Input: map[string]interface{}{}}},
		},
	}}
	runner, svc := testRunner(t, model, &mockRetriever{})
	project := testProject()
	seedFile(t, svc, project)

	d, err := runner.Run(context.Background(), project, types.StageFiscal, "A3_FISCAL")
	require.NoError(t, err)
	assert.Equal(t, types.DecisionReject, d.Decision)
	assert.Equal(t, 2, model.callCount(), "no third round ever happens")
}

func TestRun_ModelFailureRetriesThenFails(t *testing.T) {
	boom := errors.New("model down")
	model := &mockModel{errs: []error{boom, boom, boom}}
	runner, svc := testRunner(t, model, &mockRetriever{})
	project := testProject()
	seedFile(t, svc, project)

	_, err := runner.Run(context.Background(), project, types.StageStrategy, "A1_SPONSOR")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, 3, model.callCount())

	// No partial decision lands in the defense file.
	f, err := svc.Get(context.Background(), "p1", "acme")
	require.NoError(t, err)
	assert.Empty(t, f.Decisions)
}

func TestRun_ModelRecoversOnRetry(t *testing.T) {
	model := &mockModel{
		errs: []error{errors.New("transient"), nil},
		responses: []*types.ModelResponse{
			nil,
			textResponse("DECISION: approve\nRAZONAMIENTO: ok"),
		},
	}
	runner, svc := testRunner(t, model, &mockRetriever{})
	project := testProject()
	seedFile(t, svc, project)

	d, err := runner.Run(context.Background(), project, types.StageStrategy, "A1_SPONSOR")
	require.NoError(t, err)
	assert.Equal(t, types.DecisionApprove, d.Decision)
	assert.Equal(t, 2, model.callCount())
}

func TestRun_UnknownAgent(t *testing.T) {
	runner, _ := testRunner(t, &mockModel{}, &mockRetriever{})
	_, err := runner.Run(context.Background(), testProject(), types.StageStrategy, "A9_GHOST")
	assert.Error(t, err)
}

func TestRun_RetrievalHintShapesQuery(t *testing.T) {
	model := &mockModel{responses: []*types.ModelResponse{
		textResponse("DECISION: approve\nRAZONAMIENTO: ok"),
	}}
	retriever := &mockRetriever{}
	runner, svc := testRunner(t, model, retriever)
	project := testProject()
	seedFile(t, svc, project)

	_, err := runner.Run(context.Background(), project, types.StageFiscal, "A3_FISCAL")
	require.NoError(t, err)
	require.Len(t, retriever.queries, 1)
	assert.Contains(t, retriever.queries[0], "deducibilidad")
	assert.Contains(t, retriever.queries[0], project.Description)
}
