package defense

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"consejo/internal/logging"
	"consejo/internal/types"
)

// ErrNotFound is returned when a defense file is absent under the supplied
// company scope. A file that exists under another company yields the same
// error so tenants cannot probe each other's project ids.
var ErrNotFound = errors.New("defense file not found")

// ErrFinalAlreadySet guards the at-most-once final decision invariant.
var ErrFinalAlreadySet = errors.New("final decision already set")

// Service persists defense files under root/<companyId>/<projectId>.json.
// Mutations hold a per-project mutex and publish whole documents via
// write-to-temp plus rename, so readers never observe a torn file.
type Service struct {
	root  string
	mu    sync.Mutex
	locks map[string]*sync.Mutex
	now   func() time.Time
}

// NewService creates the service and its root directory.
func NewService(root string) (*Service, error) {
	if root == "" {
		return nil, fmt.Errorf("defense: root directory required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("defense: create root: %w", err)
	}
	return &Service{
		root:  root,
		locks: make(map[string]*sync.Mutex),
		now:   time.Now,
	}, nil
}

// SetClock overrides the service clock. Tests only.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

func (s *Service) lockFor(companyID, projectID string) *sync.Mutex {
	key := companyID + "/" + projectID
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

func sanitizeID(id string) (string, error) {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		return "", fmt.Errorf("defense: empty id")
	}
	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("defense: invalid id %q", id)
	}
	return id, nil
}

func (s *Service) path(companyID, projectID string) string {
	return filepath.Join(s.root, companyID, projectID+".json")
}

// load reads and decodes a document; callers hold the project lock when a
// mutation follows.
func (s *Service) load(companyID, projectID string) (*File, error) {
	data, err := os.ReadFile(s.path(companyID, projectID))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("defense: read: %w", err)
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("defense: decode %s/%s: %w", companyID, projectID, err)
	}
	if !strings.EqualFold(f.CompanyID, companyID) {
		// Path key and embedded company id disagree: treat as absent.
		return nil, ErrNotFound
	}
	return &f, nil
}

// save publishes the document atomically: temp file in the same directory,
// fsync, rename over the target.
func (s *Service) save(f *File) error {
	dir := filepath.Join(s.root, f.CompanyID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("defense: create company dir: %w", err)
	}

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("defense: encode: %w", err)
	}

	target := s.path(f.CompanyID, f.ProjectID)
	tmp, err := os.CreateTemp(dir, f.ProjectID+".*.tmp")
	if err != nil {
		return fmt.Errorf("defense: temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("defense: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("defense: fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("defense: close temp: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("defense: publish: %w", err)
	}
	return nil
}

// mutate runs fn under the project lock against the current document and
// persists the result. createIfMissing controls whether a missing document
// is an error or a fresh file.
func (s *Service) mutate(companyID, projectID string, createIfMissing bool, fn func(*File) error) (*File, error) {
	companyID, err := sanitizeID(companyID)
	if err != nil {
		return nil, err
	}
	projectID, err = sanitizeID(projectID)
	if err != nil {
		return nil, err
	}

	lock := s.lockFor(companyID, projectID)
	lock.Lock()
	defer lock.Unlock()

	f, err := s.load(companyID, projectID)
	if errors.Is(err, ErrNotFound) && createIfMissing {
		now := s.now().UTC()
		f = &File{
			ProjectID: projectID,
			CompanyID: companyID,
			CreatedAt: now,
		}
		f.audit("created", "", now)
		err = nil
	}
	if err != nil {
		return nil, err
	}

	if err := fn(f); err != nil {
		return nil, err
	}
	if err := s.save(f); err != nil {
		return nil, err
	}
	return f, nil
}

// GetOrCreate returns the defense file for a project, creating an empty one
// when absent.
func (s *Service) GetOrCreate(ctx context.Context, projectID, companyID string) (*File, error) {
	return s.mutate(companyID, projectID, true, func(*File) error { return nil })
}

// Get is the tenant-scoped read.
func (s *Service) Get(ctx context.Context, projectID, companyID string) (*File, error) {
	companyID, err := sanitizeID(companyID)
	if err != nil {
		return nil, err
	}
	projectID, err = sanitizeID(projectID)
	if err != nil {
		return nil, err
	}
	lock := s.lockFor(companyID, projectID)
	lock.Lock()
	defer lock.Unlock()
	return s.load(companyID, projectID)
}

// RecordProject snapshots the submitted project into its defense file.
// Resubmissions replace the snapshot; the audit trail records the version.
func (s *Service) RecordProject(ctx context.Context, p *types.Project) error {
	_, err := s.mutate(p.CompanyID, p.ID, true, func(f *File) error {
		snapshot := *p
		f.Project = &snapshot
		f.audit("project_recorded", fmt.Sprintf("version %d", p.Version), s.now().UTC())
		return nil
	})
	return err
}

// AppendDecision appends one agent decision. The decision's Version is
// assigned here: monotonic per (project, stage).
func (s *Service) AppendDecision(ctx context.Context, companyID, projectID string, d types.AgentDecision) error {
	_, err := s.mutate(companyID, projectID, false, func(f *File) error {
		version := 1
		for _, prev := range f.Decisions {
			if prev.Stage == d.Stage {
				version++
			}
		}
		d.Version = version
		if d.RecordedAt.IsZero() {
			d.RecordedAt = s.now().UTC()
		}
		f.Decisions = append(f.Decisions, d)
		f.audit("decision_appended", fmt.Sprintf("%s %s", d.Stage, d.Decision), s.now().UTC())
		return nil
	})
	if err == nil {
		logging.Get(logging.CategoryDefense).Infow("decision appended",
			"company", companyID, "project", projectID, "stage", d.Stage, "decision", d.Decision)
	}
	return err
}

// AppendRetrieval records the evidence returned for one agent query, in the
// order the retriever ranked it.
func (s *Service) AppendRetrieval(ctx context.Context, companyID, projectID, agentID, query string, results []types.RetrievalResult) error {
	_, err := s.mutate(companyID, projectID, false, func(f *File) error {
		f.Retrievals = append(f.Retrievals, RetrievalRecord{
			AgentID:    agentID,
			Query:      query,
			Results:    results,
			RecordedAt: s.now().UTC(),
		})
		f.audit("retrieval_appended", agentID, s.now().UTC())
		return nil
	})
	return err
}

// AppendNotification records an emitted notification.
func (s *Service) AppendNotification(ctx context.Context, companyID, projectID string, rec types.NotificationRecord) error {
	_, err := s.mutate(companyID, projectID, false, func(f *File) error {
		if rec.SentAt.IsZero() {
			rec.SentAt = s.now().UTC()
		}
		f.Notifications = append(f.Notifications, rec)
		f.audit("notification_appended", rec.Channel, s.now().UTC())
		return nil
	})
	return err
}

// AddArtifact records an opaque artifact pointer.
func (s *Service) AddArtifact(ctx context.Context, companyID, projectID string, ptr types.ArtifactPointer) error {
	_, err := s.mutate(companyID, projectID, false, func(f *File) error {
		f.ArtifactRefs = append(f.ArtifactRefs, ptr)
		f.audit("artifact_added", ptr.Kind, s.now().UTC())
		return nil
	})
	return err
}

// SetFinal records the terminal decision. At most once per project.
func (s *Service) SetFinal(ctx context.Context, companyID, projectID string, decision types.DecisionLabel, rationale string) error {
	_, err := s.mutate(companyID, projectID, false, func(f *File) error {
		if f.FinalDecision != "" {
			return ErrFinalAlreadySet
		}
		f.FinalDecision = decision
		f.FinalRationale = rationale
		f.audit("finalized", string(decision), s.now().UTC())
		return nil
	})
	return err
}

// ReadAll returns every defense file belonging to a company, ordered by
// project id.
func (s *Service) ReadAll(ctx context.Context, companyID string) ([]*File, error) {
	companyID, err := sanitizeID(companyID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(s.root, companyID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("defense: list: %w", err)
	}

	var files []*File
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		f, err := s.Get(ctx, strings.TrimSuffix(name, ".json"), companyID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, nil
}

// Export returns the canonical JSON document plus the freshly derived
// compliance checklist.
func (s *Service) Export(ctx context.Context, projectID, companyID string) ([]byte, Checklist, error) {
	f, err := s.Get(ctx, projectID, companyID)
	if err != nil {
		return nil, Checklist{}, err
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return nil, Checklist{}, fmt.Errorf("defense: export encode: %w", err)
	}
	return data, DeriveChecklist(f), nil
}
