package agents

import (
	"context"
	"fmt"
	"strings"

	"consejo/internal/types"
)

// ToolHandler resolves one tool call against the project under review.
type ToolHandler func(ctx context.Context, project *types.Project, input map[string]interface{}) (string, error)

type toolEntry struct {
	def     types.ToolDefinition
	handler ToolHandler
}

// ToolRegistry maps tool names to handlers. Populated at startup,
// read-only afterwards.
type ToolRegistry struct {
	tools map[string]toolEntry
}

// largeAmountThreshold marks operations that require reinforced materiality
// evidence, in MXN.
const largeAmountThreshold = 1_000_000

// NewToolRegistry returns the registry with the built-in tools. retriever
// backs buscar_precedentes and may be nil in keyword-less setups.
func NewToolRegistry(retriever types.Retriever) *ToolRegistry {
	r := &ToolRegistry{tools: make(map[string]toolEntry)}

	r.register(types.ToolDefinition{
		Name:        "consultar_monto",
		Description: "Consulta el monto del proyecto y su clasificación de riesgo por umbral.",
		InputSchema: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{},
		},
	}, func(ctx context.Context, project *types.Project, _ map[string]interface{}) (string, error) {
		band := "monto ordinario"
		if project.Amount >= largeAmountThreshold {
			band = "monto elevado: requiere evidencia reforzada de materialidad"
		}
		return fmt.Sprintf("monto: %.2f MXN; clasificación: %s", project.Amount, band), nil
	})

	r.register(types.ToolDefinition{
		Name:        "buscar_precedentes",
		Description: "Busca precedentes y criterios aplicables en el corpus de evidencia.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "términos de búsqueda",
				},
			},
			"required": []string{"query"},
		},
	}, func(ctx context.Context, project *types.Project, input map[string]interface{}) (string, error) {
		if retriever == nil {
			return "sin corpus de precedentes configurado", nil
		}
		query, _ := input["query"].(string)
		if strings.TrimSpace(query) == "" {
			return "", fmt.Errorf("buscar_precedentes: query requerido")
		}
		results, err := retriever.Retrieve(ctx, project.CompanyID, "tool", query, 3)
		if err != nil {
			return "", err
		}
		if len(results) == 0 {
			return "sin precedentes relevantes", nil
		}
		var b strings.Builder
		for i, res := range results {
			fmt.Fprintf(&b, "[%d] (%s) %s\n", i+1, res.Source, res.Text)
		}
		return b.String(), nil
	})

	return r
}

func (r *ToolRegistry) register(def types.ToolDefinition, handler ToolHandler) {
	r.tools[def.Name] = toolEntry{def: def, handler: handler}
}

// Definitions returns the tool manifest for the permitted names, skipping
// unknown entries.
func (r *ToolRegistry) Definitions(permitted []string) []types.ToolDefinition {
	var defs []types.ToolDefinition
	for _, name := range permitted {
		if entry, ok := r.tools[name]; ok {
			defs = append(defs, entry.def)
		}
	}
	return defs
}

// Resolve executes one tool call. Unknown tools and handler failures come
// back as error results so the model sees the failure instead of the stage
// aborting.
func (r *ToolRegistry) Resolve(ctx context.Context, project *types.Project, call types.ToolCall) types.ToolResult {
	entry, ok := r.tools[call.Name]
	if !ok {
		return types.ToolResult{ToolCallID: call.ID, Content: fmt.Sprintf("herramienta desconocida: %s", call.Name), IsError: true}
	}
	content, err := entry.handler(ctx, project, call.Input)
	if err != nil {
		return types.ToolResult{ToolCallID: call.ID, Content: err.Error(), IsError: true}
	}
	return types.ToolResult{ToolCallID: call.ID, Content: content}
}
