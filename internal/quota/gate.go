// Package quota implements per-company daily admission control. Counters
// are keyed by (company, UTC date) so they reset at UTC midnight without a
// scheduled job; the check-and-increment runs in a single immediate
// transaction so concurrent admissions never under-count.
package quota

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"consejo/internal/logging"
	"consejo/internal/types"
)

// LimitKind names the counter that tripped.
type LimitKind string

const (
	LimitRequests LimitKind = "requests"
	LimitTokens   LimitKind = "tokens"
)

// Plan is one quota tier.
type Plan struct {
	Name           string
	RequestsPerDay int
	TokensPerDay   int
}

// ExceededError reports a quota rejection. ResetAt is the next UTC
// midnight; no counter was incremented.
type ExceededError struct {
	Plan    string
	Kind    LimitKind
	ResetAt time.Time
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota exceeded: %s limit of plan %q, resets at %s", e.Kind, e.Plan, e.ResetAt.Format(time.RFC3339))
}

// Admission is the post-increment view returned to admitted callers.
type Admission struct {
	Plan              string
	RemainingRequests int
	RemainingTokens   int
}

// Snapshot is the current counter state for one (company, day).
type Snapshot struct {
	CompanyID     string
	DateUTC       string
	RequestsToday int
	TokensToday   int
	UpdatedAt     time.Time
}

// Gate is the admission control in front of every orchestrator entry point.
type Gate struct {
	db          *sql.DB
	dir         types.Directory
	plans       map[string]Plan
	defaultPlan string
	now         func() time.Time
}

// NewGate creates a quota gate over the shared database. The plan table is
// fixed at construction; dir resolves each company's plan name.
func NewGate(db *sql.DB, dir types.Directory, plans map[string]Plan, defaultPlan string) (*Gate, error) {
	if _, ok := plans[defaultPlan]; !ok {
		return nil, fmt.Errorf("default plan %q not in plan table", defaultPlan)
	}
	g := &Gate{
		db:          db,
		dir:         dir,
		plans:       plans,
		defaultPlan: defaultPlan,
		now:         time.Now,
	}
	if err := g.initSchema(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Gate) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS usage_counters (
		company_id     TEXT NOT NULL,
		date_utc       TEXT NOT NULL,
		requests_today INTEGER NOT NULL DEFAULT 0 CHECK (requests_today >= 0),
		tokens_today   INTEGER NOT NULL DEFAULT 0 CHECK (tokens_today >= 0),
		updated_at     DATETIME NOT NULL,
		PRIMARY KEY (company_id, date_utc)
	);
	`
	if _, err := g.db.Exec(schema); err != nil {
		return fmt.Errorf("init quota schema: %w", err)
	}
	return nil
}

// SetClock overrides the gate's clock. Tests only.
func (g *Gate) SetClock(now func() time.Time) { g.now = now }

// planFor resolves the plan for a company, falling back to the default tier
// when the directory has no record.
func (g *Gate) planFor(ctx context.Context, companyID string) Plan {
	name, err := g.dir.PlanName(ctx, companyID)
	if err != nil || name == "" {
		return g.plans[g.defaultPlan]
	}
	plan, ok := g.plans[strings.ToLower(name)]
	if !ok {
		return g.plans[g.defaultPlan]
	}
	return plan
}

// CheckAndIncrement admits or rejects one request that will consume tokens.
// On admission the counters are incremented exactly once; on rejection
// nothing is written and the returned error carries the reset instant.
func (g *Gate) CheckAndIncrement(ctx context.Context, companyID string, tokens int) (*Admission, error) {
	if companyID == "" {
		return nil, fmt.Errorf("quota: company id required")
	}
	if tokens < 0 {
		return nil, fmt.Errorf("quota: tokens must be non-negative")
	}

	companyID = strings.ToLower(strings.TrimSpace(companyID))
	plan := g.planFor(ctx, companyID)
	nowUTC := g.now().UTC()
	day := nowUTC.Format("2006-01-02")

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("quota: begin tx: %w", err)
	}
	defer tx.Rollback()

	var requests, tokensToday int
	err = tx.QueryRowContext(ctx,
		`SELECT requests_today, tokens_today FROM usage_counters WHERE company_id = ? AND date_utc = ?`,
		companyID, day,
	).Scan(&requests, &tokensToday)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("quota: read counter: %w", err)
	}

	resetAt := time.Date(nowUTC.Year(), nowUTC.Month(), nowUTC.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)

	if requests >= plan.RequestsPerDay {
		logging.Get(logging.CategoryQuota).Infow("request quota exceeded",
			"company", companyID, "plan", plan.Name, "requests", requests)
		return nil, &ExceededError{Plan: plan.Name, Kind: LimitRequests, ResetAt: resetAt}
	}
	if tokensToday >= plan.TokensPerDay {
		logging.Get(logging.CategoryQuota).Infow("token quota exceeded",
			"company", companyID, "plan", plan.Name, "tokens", tokensToday)
		return nil, &ExceededError{Plan: plan.Name, Kind: LimitTokens, ResetAt: resetAt}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO usage_counters (company_id, date_utc, requests_today, tokens_today, updated_at)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT (company_id, date_utc) DO UPDATE SET
			requests_today = requests_today + 1,
			tokens_today   = tokens_today + excluded.tokens_today,
			updated_at     = excluded.updated_at`,
		companyID, day, tokens, nowUTC,
	)
	if err != nil {
		return nil, fmt.Errorf("quota: increment counter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("quota: commit: %w", err)
	}

	return &Admission{
		Plan:              plan.Name,
		RemainingRequests: plan.RequestsPerDay - requests - 1,
		RemainingTokens:   max(plan.TokensPerDay-tokensToday-tokens, 0),
	}, nil
}

// RecordTokens adds tokens consumed after admission (model usage is only
// known once the stage finishes). Never rejects: the pre-admission check is
// the gate; this keeps the ledger accurate.
func (g *Gate) RecordTokens(ctx context.Context, companyID string, tokens int) error {
	if tokens <= 0 {
		return nil
	}
	companyID = strings.ToLower(strings.TrimSpace(companyID))
	nowUTC := g.now().UTC()
	day := nowUTC.Format("2006-01-02")

	_, err := g.db.ExecContext(ctx, `
		INSERT INTO usage_counters (company_id, date_utc, requests_today, tokens_today, updated_at)
		VALUES (?, ?, 0, ?, ?)
		ON CONFLICT (company_id, date_utc) DO UPDATE SET
			tokens_today = tokens_today + excluded.tokens_today,
			updated_at   = excluded.updated_at`,
		companyID, day, tokens, nowUTC,
	)
	if err != nil {
		return fmt.Errorf("quota: record tokens: %w", err)
	}
	return nil
}

// SnapshotToday returns the current counters for a company's UTC day.
func (g *Gate) SnapshotToday(ctx context.Context, companyID string) (*Snapshot, error) {
	companyID = strings.ToLower(strings.TrimSpace(companyID))
	day := g.now().UTC().Format("2006-01-02")

	snap := &Snapshot{CompanyID: companyID, DateUTC: day}
	err := g.db.QueryRowContext(ctx,
		`SELECT requests_today, tokens_today, updated_at FROM usage_counters WHERE company_id = ? AND date_utc = ?`,
		companyID, day,
	).Scan(&snap.RequestsToday, &snap.TokensToday, &snap.UpdatedAt)
	if err == sql.ErrNoRows {
		return snap, nil
	}
	if err != nil {
		return nil, fmt.Errorf("quota: snapshot: %w", err)
	}
	return snap, nil
}
