package agents

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"consejo/internal/types"
)

func TestParseDecision_WellFormed(t *testing.T) {
	text := `DECISION: approve
CONFIANZA: 0.85
RAZONAMIENTO: La operación tiene razón de negocios clara.
El beneficio económico está acreditado.`

	parsed := ParseDecision(text)
	assert.Equal(t, types.DecisionApprove, parsed.Label)
	assert.Equal(t, 0.85, parsed.Confidence)
	assert.Contains(t, parsed.Reasoning, "razón de negocios clara")
	assert.Contains(t, parsed.Reasoning, "beneficio económico está acreditado")
}

func TestParseDecision_SpanishLabelsAndAccents(t *testing.T) {
	for text, want := range map[string]types.DecisionLabel{
		"DECISIÓN: aprobar\nRAZONAMIENTO: ok":               types.DecisionApprove,
		"decision: RECHAZAR\nrazonamiento: riesgo 69-B":     types.DecisionReject,
		"Decision: solicitar información\nReasoning: falta": types.DecisionRequestInfo,
		"DECISION: request_info\nREASONING: need docs":      types.DecisionRequestInfo,
	} {
		assert.Equal(t, want, ParseDecision(text).Label, "input: %s", text)
	}
}

func TestParseDecision_UnparseableFallsBackToRequestInfo(t *testing.T) {
	raw := "El modelo divagó sin emitir un veredicto estructurado."
	parsed := ParseDecision(raw)
	assert.Equal(t, types.DecisionRequestInfo, parsed.Label)
	assert.Equal(t, raw, parsed.Reasoning, "raw text becomes the reasoning")
	assert.Zero(t, parsed.Confidence)
}

func TestParseDecision_UnknownLabelIsFallback(t *testing.T) {
	parsed := ParseDecision("DECISION: maybe\nRAZONAMIENTO: indeciso")
	assert.Equal(t, types.DecisionRequestInfo, parsed.Label)
}

func TestParseConfidence_Scales(t *testing.T) {
	assert.Equal(t, 0.85, ParseDecision("DECISION: approve\nCONFIANZA: 85%\nRAZONAMIENTO: x").Confidence)
	assert.Equal(t, 0.4, ParseDecision("DECISION: approve\nconfidence: 40\nreasoning: x").Confidence)
	assert.Zero(t, ParseDecision("DECISION: approve\nCONFIANZA: alta\nRAZONAMIENTO: x").Confidence)
}
