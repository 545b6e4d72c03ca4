// Package tenant carries per-request identity and company scoping. A
// Context is immutable once constructed; every orchestrator entry point
// takes one explicitly rather than reading goroutine-local state.
package tenant

import (
	"errors"
	"strings"
)

var (
	// ErrNotAuthenticated is returned when the request carries no valid identity.
	ErrNotAuthenticated = errors.New("authentication required")
	// ErrNoTenantSelected is returned when no company scope was supplied.
	ErrNoTenantSelected = errors.New("empresa header required")
	// ErrTenantNotAuthorized is returned when the caller may not act for the company.
	ErrTenantNotAuthorized = errors.New("empresa not authorized")
)

// Context is the immutable per-request tenant carrier.
type Context struct {
	userID           string
	companyID        string
	allowedCompanies map[string]struct{}
	isAdmin          bool
	isAuthenticated  bool
}

// New builds an authenticated tenant context. Company ids are normalized to
// trimmed lower case so MayAccess comparisons are case-insensitive.
func New(userID, companyID string, allowedCompanies []string, isAdmin bool) Context {
	allowed := make(map[string]struct{}, len(allowedCompanies))
	for _, c := range allowedCompanies {
		c = normalize(c)
		if c != "" {
			allowed[c] = struct{}{}
		}
	}
	return Context{
		userID:           userID,
		companyID:        normalize(companyID),
		allowedCompanies: allowed,
		isAdmin:          isAdmin,
		isAuthenticated:  true,
	}
}

// Background returns the all-false context. It exists only so background
// tasks that never touch tenant data can share the same signatures.
func Background() Context {
	return Context{}
}

func normalize(companyID string) string {
	return strings.ToLower(strings.TrimSpace(companyID))
}

// UserID returns the authenticated user id, empty for Background.
func (t Context) UserID() string { return t.userID }

// CompanyID returns the company the request is scoped to.
func (t Context) CompanyID() string { return t.companyID }

// IsAdmin reports whether the caller carries the admin role.
func (t Context) IsAdmin() bool { return t.isAdmin }

// IsAuthenticated reports whether the context carries a validated identity.
func (t Context) IsAuthenticated() bool { return t.isAuthenticated }

// MayAccess reports whether the caller may act for companyID.
func (t Context) MayAccess(companyID string) bool {
	if !t.isAuthenticated {
		return false
	}
	if t.isAdmin {
		return true
	}
	_, ok := t.allowedCompanies[normalize(companyID)]
	return ok
}

// Require validates that the context is scoped to companyID and returns the
// distinct failure for each condition: unauthenticated, no tenant selected,
// or tenant not authorized.
func (t Context) Require(companyID string) error {
	if !t.isAuthenticated {
		return ErrNotAuthenticated
	}
	if normalize(companyID) == "" {
		return ErrNoTenantSelected
	}
	if !t.MayAccess(companyID) {
		return ErrTenantNotAuthorized
	}
	return nil
}
