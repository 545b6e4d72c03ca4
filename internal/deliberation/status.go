package deliberation

import (
	"hash/fnv"
	"strings"
	"sync"
	"time"
)

// StatusRecord is the pollable progress view of one deliberation.
type StatusRecord struct {
	ProjectID       string            `json:"project_id"`
	CompanyID       string            `json:"company_id"`
	Status          Status            `json:"status"`
	Stage           string            `json:"stage"`
	ProgressPercent int               `json:"progress_percent"`
	PerAgent        map[string]string `json:"per_agent"`
	Message         string            `json:"message"`
	Error           string            `json:"error,omitempty"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

const statusShards = 16

type statusShard struct {
	mu      sync.RWMutex
	records map[string]StatusRecord
}

// StatusBoard holds in-memory status records sharded by project id so
// concurrent deliberations never contend on one lock. Reads are tenant
// scoped: a record under another company reads as absent.
type StatusBoard struct {
	shards [statusShards]*statusShard
}

// NewStatusBoard creates an empty board.
func NewStatusBoard() *StatusBoard {
	b := &StatusBoard{}
	for i := range b.shards {
		b.shards[i] = &statusShard{records: make(map[string]StatusRecord)}
	}
	return b
}

func (b *StatusBoard) shard(projectID string) *statusShard {
	h := fnv.New32a()
	h.Write([]byte(projectID))
	return b.shards[h.Sum32()%statusShards]
}

// Publish stores the record, stamping UpdatedAt. The per-agent map is
// copied so callers can keep mutating theirs.
func (b *StatusBoard) Publish(rec StatusRecord) {
	rec.UpdatedAt = time.Now().UTC()
	if rec.PerAgent != nil {
		copied := make(map[string]string, len(rec.PerAgent))
		for k, v := range rec.PerAgent {
			copied[k] = v
		}
		rec.PerAgent = copied
	}
	sh := b.shard(rec.ProjectID)
	sh.mu.Lock()
	sh.records[rec.ProjectID] = rec
	sh.mu.Unlock()
}

// Get returns the record for a project under the caller's company scope.
func (b *StatusBoard) Get(projectID, companyID string) (StatusRecord, bool) {
	sh := b.shard(projectID)
	sh.mu.RLock()
	rec, ok := sh.records[projectID]
	sh.mu.RUnlock()
	if !ok || !strings.EqualFold(rec.CompanyID, strings.TrimSpace(companyID)) {
		return StatusRecord{}, false
	}
	return rec, true
}
