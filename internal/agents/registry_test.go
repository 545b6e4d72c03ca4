package agents

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"consejo/internal/types"
)

func TestRegistry_BuiltinsPresent(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"A1_SPONSOR", "A3_FISCAL", "A4_FINANZAS", "A2_LEGAL", "A5_AUDITOR"} {
		d, err := r.Get(id)
		require.NoError(t, err)
		assert.Equal(t, id, d.ID)
		assert.NotEmpty(t, d.Name)
		assert.NotEmpty(t, d.SystemPrompt)
	}
	_, err := r.Get("A9_GHOST")
	assert.Error(t, err)
}

func TestRegistry_LoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
agents:
  - id: A3_FISCAL
    name: Fiscalista Senior
    system_prompt: "Eres {agent_name} de {company_id}."
    tools: [buscar_precedentes]
  - id: A7_COMPRAS
    name: Director de Compras
    system_prompt: "Evalúas proveedores."
`), 0o644))

	r := NewRegistry()
	require.NoError(t, r.LoadOverrides(path))

	d, err := r.Get("A3_FISCAL")
	require.NoError(t, err)
	assert.Equal(t, "Fiscalista Senior", d.Name)
	assert.Equal(t, []string{"buscar_precedentes"}, d.Tools)

	_, err = r.Get("A7_COMPRAS")
	assert.NoError(t, err)
}

func TestRegistry_LoadOverrides_RejectsIncomplete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.yaml")
	require.NoError(t, os.WriteFile(path, []byte("agents:\n  - id: A8_X\n"), 0o644))
	assert.Error(t, NewRegistry().LoadOverrides(path))
}

func TestRenderSystemPrompt_BindsTenantAndPillars(t *testing.T) {
	d := Descriptor{ID: "A1_SPONSOR", Name: "Patrocinador", SystemPrompt: "Eres {agent_name} de {company_id}."}
	prompt := RenderSystemPrompt(d, "acme")
	assert.Contains(t, prompt, "Eres Patrocinador de acme.")
	assert.Contains(t, prompt, "Razón de negocios")
	assert.Contains(t, prompt, "DECISION: approve | reject | request_info")
}

func TestToolRegistry_ConsultarMonto(t *testing.T) {
	reg := NewToolRegistry(nil)
	project := &types.Project{ID: "p1", CompanyID: "acme", Amount: 2_500_000}

	res := reg.Resolve(context.Background(), project, types.ToolCall{ID: "c1", Name: "consultar_monto"})
	assert.False(t, res.IsError)
	assert.Contains(t, res.Content, "2500000.00")
	assert.Contains(t, res.Content, "monto elevado")

	project.Amount = 50_000
	res = reg.Resolve(context.Background(), project, types.ToolCall{ID: "c2", Name: "consultar_monto"})
	assert.Contains(t, res.Content, "monto ordinario")
}

func TestToolRegistry_BuscarPrecedentes(t *testing.T) {
	retriever := &mockRetriever{results: []types.RetrievalResult{
		{ChunkID: "cff-5a", Source: "CFF", Text: "razón de negocios", Score: 0.9},
	}}
	reg := NewToolRegistry(retriever)
	project := &types.Project{ID: "p1", CompanyID: "acme"}

	res := reg.Resolve(context.Background(), project, types.ToolCall{
		ID: "c1", Name: "buscar_precedentes",
		Input: map[string]interface{}{"query": "razón de negocios"},
	})
	assert.False(t, res.IsError)
	assert.Contains(t, res.Content, "CFF")

	res = reg.Resolve(context.Background(), project, types.ToolCall{
		ID: "c2", Name: "buscar_precedentes", Input: map[string]interface{}{},
	})
	assert.True(t, res.IsError)
}

func TestToolRegistry_UnknownTool(t *testing.T) {
	reg := NewToolRegistry(nil)
	res := reg.Resolve(context.Background(), &types.Project{}, types.ToolCall{ID: "c1", Name: "hackear"})
	assert.True(t, res.IsError)
	assert.Equal(t, "c1", res.ToolCallID)
}

func TestToolRegistry_DefinitionsFilterPermitted(t *testing.T) {
	reg := NewToolRegistry(nil)
	defs := reg.Definitions([]string{"consultar_monto", "inexistente"})
	require.Len(t, defs, 1)
	assert.Equal(t, "consultar_monto", defs[0].Name)
	assert.Empty(t, reg.Definitions(nil))
}
