package deliberation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"consejo/internal/types"
)

// ErrNotFound is returned for absent states and for states belonging to a
// different company. Both cases are indistinguishable to the caller.
var ErrNotFound = errors.New("deliberation not found")

// Status is the lifecycle of one deliberation.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusPaused     Status = "paused"
	StatusFailed     Status = "failed"
)

// StageResult summarizes the last decision taken at a stage.
type StageResult struct {
	AgentID    string              `json:"agent_id"`
	Decision   types.DecisionLabel `json:"decision"`
	Reasoning  string              `json:"reasoning"`
	RecordedAt time.Time           `json:"recorded_at"`
}

// State is the persisted record of one deliberation. Exactly one row per
// project id; every save upserts.
type State struct {
	ProjectID       string                      `json:"project_id"`
	CompanyID       string                      `json:"company_id"`
	CurrentStage    types.Stage                 `json:"current_stage"`
	StageResults    map[types.Stage]StageResult `json:"stage_results"`
	Status          Status                      `json:"status"`
	ProjectSnapshot *types.Project              `json:"project_snapshot"`
	LastError       string                      `json:"last_error,omitempty"`
	FailedStage     types.Stage                 `json:"failed_stage,omitempty"`
	CreatedAt       time.Time                   `json:"created_at"`
	UpdatedAt       time.Time                   `json:"updated_at"`
}

// StateStore persists deliberation states. The sqlite implementation is the
// default; anything speaking database/sql can replace it.
type StateStore interface {
	Save(ctx context.Context, st *State) error
	Get(ctx context.Context, projectID, companyID string) (*State, error)
	ListByCompany(ctx context.Context, companyID string) ([]*State, error)
}

// SQLStateStore keeps states in the shared sqlite database, one JSON blob
// per row with the scoping columns lifted out for indexing.
type SQLStateStore struct {
	db *sql.DB
}

// NewSQLStateStore opens the store and creates its schema.
func NewSQLStateStore(db *sql.DB) (*SQLStateStore, error) {
	s := &SQLStateStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStateStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS deliberation_state (
		project_id    TEXT PRIMARY KEY,
		company_id    TEXT NOT NULL,
		current_stage TEXT NOT NULL,
		status        TEXT NOT NULL,
		state_json    TEXT NOT NULL,
		created_at    DATETIME NOT NULL,
		updated_at    DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_state_company ON deliberation_state (company_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init state schema: %w", err)
	}
	return nil
}

// Save upserts the state.
func (s *SQLStateStore) Save(ctx context.Context, st *State) error {
	if st.ProjectID == "" || st.CompanyID == "" {
		return fmt.Errorf("state: project id and company id required")
	}
	st.CompanyID = strings.ToLower(strings.TrimSpace(st.CompanyID))
	st.UpdatedAt = time.Now().UTC()
	if st.CreatedAt.IsZero() {
		st.CreatedAt = st.UpdatedAt
	}

	blob, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("state: encode: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO deliberation_state (project_id, company_id, current_stage, status, state_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (project_id) DO UPDATE SET
			current_stage = excluded.current_stage,
			status        = excluded.status,
			state_json    = excluded.state_json,
			updated_at    = excluded.updated_at`,
		st.ProjectID, st.CompanyID, string(st.CurrentStage), string(st.Status),
		string(blob), st.CreatedAt, st.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("state: save %s: %w", st.ProjectID, err)
	}
	return nil
}

// Get returns the state for a project, scoped to the caller's company.
// A state stored under another company yields ErrNotFound.
func (s *SQLStateStore) Get(ctx context.Context, projectID, companyID string) (*State, error) {
	var blob string
	err := s.db.QueryRowContext(ctx,
		`SELECT state_json FROM deliberation_state WHERE project_id = ?`, projectID,
	).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("state: get %s: %w", projectID, err)
	}

	var st State
	if err := json.Unmarshal([]byte(blob), &st); err != nil {
		return nil, fmt.Errorf("state: decode %s: %w", projectID, err)
	}
	if !strings.EqualFold(st.CompanyID, strings.TrimSpace(companyID)) {
		return nil, ErrNotFound
	}
	return &st, nil
}

// ListByCompany returns every state belonging to a company, newest first.
func (s *SQLStateStore) ListByCompany(ctx context.Context, companyID string) ([]*State, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT state_json FROM deliberation_state
		WHERE company_id = ? ORDER BY updated_at DESC`,
		strings.ToLower(strings.TrimSpace(companyID)),
	)
	if err != nil {
		return nil, fmt.Errorf("state: list: %w", err)
	}
	defer rows.Close()

	var states []*State
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("state: scan: %w", err)
		}
		var st State
		if err := json.Unmarshal([]byte(blob), &st); err != nil {
			return nil, fmt.Errorf("state: decode: %w", err)
		}
		states = append(states, &st)
	}
	return states, rows.Err()
}
