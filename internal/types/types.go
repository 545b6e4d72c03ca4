// Package types defines the shared domain model for consejo: projects,
// deliberation stages, agent decisions, and the port interfaces the
// orchestrator consumes. Persisted values carry explicit JSON tags; the
// stage and decision vocabularies are closed enums parsed at the
// persistence boundary.
package types

import (
	"fmt"
	"time"
)

// Stage identifies a node in the deliberation pipeline.
type Stage string

const (
	StageStrategy Stage = "E1_STRATEGY"
	StageFiscal   Stage = "E2_FISCAL"
	StageFinance  Stage = "E3_FINANCE"
	StageLegal    Stage = "E4_LEGAL"
	StageAuditor  Stage = "E4B_AUDITOR"
	StageApproved Stage = "E5_APPROVED"
	StageRejected Stage = "E_REJECTED"
)

// ParseStage converts a persisted string into a Stage.
func ParseStage(s string) (Stage, error) {
	switch Stage(s) {
	case StageStrategy, StageFiscal, StageFinance, StageLegal, StageAuditor, StageApproved, StageRejected:
		return Stage(s), nil
	}
	return "", fmt.Errorf("unknown stage %q", s)
}

// Terminal reports whether the stage is a sink.
func (s Stage) Terminal() bool {
	return s == StageApproved || s == StageRejected
}

// DecisionLabel is the verdict an agent returns for one stage.
type DecisionLabel string

const (
	DecisionApprove     DecisionLabel = "approve"
	DecisionReject      DecisionLabel = "reject"
	DecisionRequestInfo DecisionLabel = "request_info"
)

// ParseDecisionLabel converts a persisted string into a DecisionLabel.
func ParseDecisionLabel(s string) (DecisionLabel, error) {
	switch DecisionLabel(s) {
	case DecisionApprove, DecisionReject, DecisionRequestInfo:
		return DecisionLabel(s), nil
	}
	return "", fmt.Errorf("unknown decision label %q", s)
}

// Project is the immutable intake record for one deliberation.
// The orchestrator snapshots it into the defense file; later mutations by
// the caller never propagate.
type Project struct {
	ID           string            `json:"id"`
	CompanyID    string            `json:"company_id"`
	CreatedBy    string            `json:"created_by,omitempty"`
	Name         string            `json:"name"`
	ClientName   string            `json:"client_name,omitempty"`
	Description  string            `json:"description"`
	Amount       float64           `json:"amount"`
	ServiceType  string            `json:"service_type,omitempty"`
	SponsorName  string            `json:"sponsor_name,omitempty"`
	SponsorEmail string            `json:"sponsor_email,omitempty"`
	SubmittedAt  time.Time         `json:"submitted_at"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Version      int               `json:"version"`
}

// Validate checks intake invariants before a deliberation starts.
func (p *Project) Validate() error {
	if p.CompanyID == "" {
		return fmt.Errorf("project: company_id required")
	}
	if p.Name == "" {
		return fmt.Errorf("project: name required")
	}
	if p.Description == "" {
		return fmt.Errorf("project: description required")
	}
	if p.Amount < 0 {
		return fmt.Errorf("project: amount must be non-negative")
	}
	return nil
}

// RetrievalResult is one scored evidence snippet returned by the retriever.
type RetrievalResult struct {
	ChunkID string  `json:"chunk_id"`
	Text    string  `json:"text"`
	Title   string  `json:"title,omitempty"`
	Date    string  `json:"date,omitempty"`
	Source  string  `json:"source"`
	Score   float64 `json:"score"`
}

// RetrievalRef is the per-decision pointer to an evidence chunk.
type RetrievalRef struct {
	ChunkID string  `json:"chunk_id"`
	Source  string  `json:"source"`
	Score   float64 `json:"score"`
}

// AgentDecision records one stage execution in the defense file.
type AgentDecision struct {
	Stage            Stage          `json:"stage"`
	AgentID          string         `json:"agent_id"`
	AgentName        string         `json:"agent_name"`
	Decision         DecisionLabel  `json:"decision"`
	Reasoning        string         `json:"reasoning"`
	Confidence       float64        `json:"confidence,omitempty"`
	RetrievalRefs    []RetrievalRef `json:"retrieval_refs"`
	PromptTokens     int            `json:"prompt_tokens"`
	CompletionTokens int            `json:"completion_tokens"`
	ElapsedMs        int64          `json:"elapsed_ms"`
	RecordedAt       time.Time      `json:"recorded_at"`
	Version          int            `json:"version"`
}

// NotificationRecord captures one outbound notification emitted while
// deliberating. The defense file keeps it even when delivery is best-effort.
type NotificationRecord struct {
	Recipient string    `json:"recipient"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	Channel   string    `json:"channel"` // email, spool, log
	SentAt    time.Time `json:"sent_at"`
}

// ArtifactPointer is an opaque reference to an uploaded blob.
type ArtifactPointer struct {
	Key       string    `json:"key"`
	Kind      string    `json:"kind"` // pdf, export, attachment
	SizeBytes int64     `json:"size_bytes"`
	StoredAt  time.Time `json:"stored_at"`
}

// UsageMetadata captures token usage from one model invocation.
type UsageMetadata struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}
