package agents

import (
	"strconv"
	"strings"

	"consejo/internal/types"
)

// ParsedDecision is the structured verdict extracted from model output.
type ParsedDecision struct {
	Label      types.DecisionLabel
	Reasoning  string
	Confidence float64
}

// ParseDecision extracts the decision label, reasoning, and optional
// confidence from the model's text. When no label can be determined the
// whole text becomes the reasoning and the label falls back to
// request_info, so a malformed completion pauses rather than advances a
// deliberation.
func ParseDecision(text string) ParsedDecision {
	out := ParsedDecision{Label: types.DecisionRequestInfo, Reasoning: strings.TrimSpace(text)}

	var reasoning []string
	inReasoning := false
	found := false
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		lower := foldLine(trimmed)

		switch {
		case strings.HasPrefix(lower, "decision:"):
			if label, ok := parseLabel(trimmed[strings.Index(trimmed, ":")+1:]); ok {
				out.Label = label
				found = true
			}
			inReasoning = false
		case strings.HasPrefix(lower, "confianza:") || strings.HasPrefix(lower, "confidence:"):
			out.Confidence = parseConfidence(trimmed[strings.Index(trimmed, ":")+1:])
			inReasoning = false
		case strings.HasPrefix(lower, "razonamiento:") || strings.HasPrefix(lower, "reasoning:"):
			reasoning = append(reasoning, strings.TrimSpace(trimmed[strings.Index(trimmed, ":")+1:]))
			inReasoning = true
		case inReasoning:
			reasoning = append(reasoning, line)
		}
	}

	if found && len(reasoning) > 0 {
		out.Reasoning = strings.TrimSpace(strings.Join(reasoning, "\n"))
	}
	return out
}

func parseLabel(s string) (types.DecisionLabel, bool) {
	switch foldLine(strings.TrimSpace(s)) {
	case "approve", "aprobar", "aprobado", "aprueba":
		return types.DecisionApprove, true
	case "reject", "rechazar", "rechazado", "rechaza":
		return types.DecisionReject, true
	case "request_info", "request info", "solicitar informacion", "solicita informacion":
		return types.DecisionRequestInfo, true
	}
	return "", false
}

func parseConfidence(s string) float64 {
	s = strings.TrimSuffix(strings.TrimSpace(s), "%")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	// Accept both 0-1 and percent scales.
	if v > 1 {
		v /= 100
	}
	if v < 0 || v > 1 {
		return 0
	}
	return v
}

var lineAccents = strings.NewReplacer(
	"á", "a", "é", "e", "í", "i", "ó", "o", "ú", "u", "ñ", "n",
)

func foldLine(s string) string {
	return lineAccents.Replace(strings.ToLower(s))
}
