// Package agents executes one named reviewer against a project: render the
// system prompt, fetch grounding evidence, invoke the model with an optional
// single tool round-trip, parse the structured verdict, and append the
// result to the defense file.
package agents

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Descriptor is the static definition of one agent. The registry is
// populated at startup and read-only afterwards.
type Descriptor struct {
	ID            string   `yaml:"id"`
	Name          string   `yaml:"name"`
	SystemPrompt  string   `yaml:"system_prompt"`
	Tools         []string `yaml:"tools"`
	RetrievalHint string   `yaml:"retrieval_hint,omitempty"`
}

// Registry maps agent ids to descriptors.
type Registry struct {
	agents map[string]Descriptor
}

// NewRegistry returns the registry preloaded with the built-in reviewer
// roster.
func NewRegistry() *Registry {
	r := &Registry{agents: make(map[string]Descriptor)}
	for _, d := range builtinAgents {
		r.agents[d.ID] = d
	}
	return r
}

// LoadOverrides merges descriptors from a yaml file into the registry.
// Entries with a known id replace the built-in; new ids are added.
func (r *Registry) LoadOverrides(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("agents: read descriptors: %w", err)
	}
	var file struct {
		Agents []Descriptor `yaml:"agents"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("agents: parse descriptors: %w", err)
	}
	for _, d := range file.Agents {
		if d.ID == "" || d.Name == "" || d.SystemPrompt == "" {
			return fmt.Errorf("agents: descriptor requires id, name, and system_prompt")
		}
		r.agents[d.ID] = d
	}
	return nil
}

// Get returns the descriptor for an agent id.
func (r *Registry) Get(agentID string) (Descriptor, error) {
	d, ok := r.agents[agentID]
	if !ok {
		return Descriptor{}, fmt.Errorf("agents: unknown agent %q", agentID)
	}
	return d, nil
}

// RenderSystemPrompt binds the tenant directive and the compliance pillars
// into the descriptor's template.
func RenderSystemPrompt(d Descriptor, companyID string) string {
	return strings.NewReplacer(
		"{company_id}", companyID,
		"{agent_name}", d.Name,
	).Replace(d.SystemPrompt) + "\n\n" + complianceDirective + "\n\n" + outputContract
}

const complianceDirective = `Evalúa siempre los cuatro pilares de defensa fiscal:
1. Razón de negocios: propósito comercial genuino más allá del beneficio fiscal.
2. Beneficio económico: utilidad razonablemente esperada de la operación.
3. Materialidad: evidencia de que el servicio realmente se prestará.
4. Trazabilidad: documentación verificable de cada etapa.`

const outputContract = `Responde en este formato exacto:
DECISION: approve | reject | request_info
CONFIANZA: <número entre 0 y 1>
RAZONAMIENTO: <tu análisis detallado>`

var builtinAgents = []Descriptor{
	{
		ID:   "A1_SPONSOR",
		Name: "Patrocinador Estratégico",
		SystemPrompt: `Eres el {agent_name} del consejo de la empresa {company_id}.
Evalúas si el proyecto propuesto tiene una razón de negocios clara: alineación
estratégica, necesidad real del servicio y congruencia del proveedor con el
objeto social.`,
		Tools:         []string{"consultar_monto"},
		RetrievalHint: "razón de negocios alineación estratégica",
	},
	{
		ID:   "A3_FISCAL",
		Name: "Fiscalista",
		SystemPrompt: `Eres el {agent_name} de la empresa {company_id}.
Evalúas deducibilidad, estricta indispensabilidad (art. 27 LISR), riesgo de
operaciones inexistentes (art. 69-B CFF) y la razón de negocios exigida por el
artículo 5o-A del CFF.`,
		Tools:         []string{"consultar_monto", "buscar_precedentes"},
		RetrievalHint: "deducibilidad estricta indispensabilidad razón de negocios",
	},
	{
		ID:   "A4_FINANZAS",
		Name: "Director de Finanzas",
		SystemPrompt: `Eres el {agent_name} de la empresa {company_id}.
Evalúas el beneficio económico esperado del proyecto: retorno razonable,
proporcionalidad del monto contra el valor recibido y capacidad de pago.`,
		Tools:         []string{"consultar_monto"},
		RetrievalHint: "beneficio económico proporcionalidad del monto",
	},
	{
		ID:   "A2_LEGAL",
		Name: "Abogado Corporativo",
		SystemPrompt: `Eres el {agent_name} de la empresa {company_id}.
Evalúas la materialidad y trazabilidad documental: contrato, entregables
verificables, capacidad instalada del proveedor y evidencia de prestación
efectiva del servicio.`,
		Tools:         []string{"buscar_precedentes"},
		RetrievalHint: "materialidad evidencia documental contrato entregables",
	},
	{
		ID:   "A5_AUDITOR",
		Name: "Auditor Adversarial",
		SystemPrompt: `Eres el {agent_name} de la empresa {company_id}.
Actúas como revisor adversarial: asume la postura de la autoridad fiscal e
intenta desacreditar el expediente. Aprueba solo si la defensa resiste.`,
		Tools:         []string{"buscar_precedentes"},
		RetrievalHint: "criterios de fiscalización operaciones simuladas",
	},
}
