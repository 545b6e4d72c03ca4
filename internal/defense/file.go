// Package defense maintains the append-only audit record for one project:
// every deliberation, retrieved evidence snippet, outbound notification,
// and artifact pointer, plus the derived compliance checklist. One JSON
// document per (company, project), published atomically via temp + rename.
package defense

import (
	"time"

	"consejo/internal/types"
)

// RetrievalRecord captures one retrieval call made on behalf of an agent.
type RetrievalRecord struct {
	AgentID    string                  `json:"agent_id"`
	Query      string                  `json:"query"`
	Results    []types.RetrievalResult `json:"results"`
	RecordedAt time.Time               `json:"recorded_at"`
}

// VersionEntry audits one mutation of the defense file.
type VersionEntry struct {
	Seq    int       `json:"seq"`
	Action string    `json:"action"` // created, project_recorded, decision_appended, ...
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// File is the persisted defense file document. The decisions list is
// append-only and CompanyID never changes after creation. The compliance
// checklist is deliberately absent: it is re-derived on every read.
type File struct {
	ProjectID      string                     `json:"project_id"`
	CompanyID      string                     `json:"company_id"`
	CreatedAt      time.Time                  `json:"created_at"`
	UpdatedAt      time.Time                  `json:"updated_at"`
	Project        *types.Project             `json:"project,omitempty"`
	Decisions      []types.AgentDecision      `json:"decisions"`
	Retrievals     []RetrievalRecord          `json:"retrievals"`
	Notifications  []types.NotificationRecord `json:"notifications"`
	ArtifactRefs   []types.ArtifactPointer    `json:"artifact_refs"`
	VersionEntries []VersionEntry             `json:"version_entries"`
	FinalDecision  types.DecisionLabel        `json:"final_decision,omitempty"`
	FinalRationale string                     `json:"final_rationale,omitempty"`
}

func (f *File) audit(action, detail string, at time.Time) {
	f.VersionEntries = append(f.VersionEntries, VersionEntry{
		Seq:    len(f.VersionEntries) + 1,
		Action: action,
		Detail: detail,
		At:     at,
	})
	f.UpdatedAt = at
}
