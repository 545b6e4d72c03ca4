package defense

import "strings"

// Checklist is the four-pillar compliance view derived from a defense file.
// It is never stored; every read recomputes it from the accumulated record.
type Checklist struct {
	RazonDeNegocios    bool `json:"razon_de_negocios"`
	BeneficioEconomico bool `json:"beneficio_economico"`
	Materialidad       bool `json:"materialidad"`
	Trazabilidad       bool `json:"trazabilidad"`
}

// AuditReady reports whether all four pillars hold.
func (c Checklist) AuditReady() bool {
	return c.RazonDeNegocios && c.BeneficioEconomico && c.Materialidad && c.Trazabilidad
}

// DeriveChecklist recomputes the compliance checklist from the file's
// decisions and notifications. Substring checks are case- and
// accent-insensitive.
func DeriveChecklist(f *File) Checklist {
	var agg strings.Builder
	for _, d := range f.Decisions {
		agg.WriteString(d.Reasoning)
		agg.WriteByte('\n')
	}
	text := foldAccents(strings.ToLower(agg.String()))

	return Checklist{
		RazonDeNegocios:    strings.Contains(text, "razon de negocios"),
		BeneficioEconomico: strings.Contains(text, "beneficio economico"),
		Materialidad:       strings.Contains(text, "materialidad") || len(f.Notifications) > 0,
		Trazabilidad:       len(f.Decisions) >= 2,
	}
}

var accentFolder = strings.NewReplacer(
	"á", "a", "é", "e", "í", "i", "ó", "o", "ú", "u", "ü", "u", "ñ", "n",
)

func foldAccents(s string) string {
	return accentFolder.Replace(s)
}
