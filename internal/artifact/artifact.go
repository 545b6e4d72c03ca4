// Package artifact stores opaque blobs on the filesystem and hands back
// pointers for the defense file. Layout: root/<companyId>/<key>.
package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"consejo/internal/types"
)

// Store is the filesystem artifact store.
type Store struct {
	root string
}

// NewStore creates the store and its root directory.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("artifact: create root: %w", err)
	}
	return &Store{root: root}, nil
}

// Put persists one blob and returns its pointer. Keys embed the project id
// and a uuid so uploads never collide.
func (s *Store) Put(ctx context.Context, companyID, projectID, kind string, data []byte) (types.ArtifactPointer, error) {
	companyID = strings.ToLower(strings.TrimSpace(companyID))
	if companyID == "" || projectID == "" {
		return types.ArtifactPointer{}, fmt.Errorf("artifact: company id and project id required")
	}
	key := fmt.Sprintf("%s-%s-%s", projectID, kind, uuid.NewString())

	dir := filepath.Join(s.root, companyID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return types.ArtifactPointer{}, fmt.Errorf("artifact: create company dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, key), data, 0o644); err != nil {
		return types.ArtifactPointer{}, fmt.Errorf("artifact: write: %w", err)
	}

	return types.ArtifactPointer{
		Key:       key,
		Kind:      kind,
		SizeBytes: int64(len(data)),
		StoredAt:  time.Now().UTC(),
	}, nil
}

// Get reads a blob back by pointer key, scoped to the company.
func (s *Store) Get(ctx context.Context, companyID, key string) ([]byte, error) {
	companyID = strings.ToLower(strings.TrimSpace(companyID))
	if strings.ContainsAny(key, `/\`) {
		return nil, fmt.Errorf("artifact: invalid key %q", key)
	}
	data, err := os.ReadFile(filepath.Join(s.root, companyID, key))
	if err != nil {
		return nil, fmt.Errorf("artifact: read %s: %w", key, err)
	}
	return data, nil
}
