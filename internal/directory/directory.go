// Package directory is the read-only view over company records the
// deliberation core consumes. The admin surface that maintains these rows
// lives outside the core; Upsert exists for seeding and tests.
package directory

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Store resolves companies and their plan tier from the shared database.
type Store struct {
	db *sql.DB
}

// NewStore opens the directory over the shared database.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS companies (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		plan       TEXT NOT NULL DEFAULT 'free',
		created_at DATETIME NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init directory schema: %w", err)
	}
	return nil
}

// PlanName returns the plan tier name for a company. Empty string when the
// company is unknown; the quota gate falls back to its default tier.
func (s *Store) PlanName(ctx context.Context, companyID string) (string, error) {
	var plan string
	err := s.db.QueryRowContext(ctx,
		`SELECT plan FROM companies WHERE id = ?`, normalize(companyID),
	).Scan(&plan)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("directory: plan lookup: %w", err)
	}
	return plan, nil
}

// CompanyExists reports whether a company row is present.
func (s *Store) CompanyExists(ctx context.Context, companyID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM companies WHERE id = ?`, normalize(companyID),
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("directory: exists lookup: %w", err)
	}
	return true, nil
}

// Upsert inserts or updates a company row. Seeding and tests only; the core
// never writes through this.
func (s *Store) Upsert(ctx context.Context, companyID, name, plan string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO companies (id, name, plan, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, plan = excluded.plan`,
		normalize(companyID), name, strings.ToLower(plan), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("directory: upsert: %w", err)
	}
	return nil
}

func normalize(companyID string) string {
	return strings.ToLower(strings.TrimSpace(companyID))
}
