// Package retrieval serves scored evidence snippets to deliberating agents.
// Chunks live in sqlite, scoped per company with an explicit public flag;
// scoring fuses keyword overlap with optional dense embeddings via
// reciprocal-rank fusion. Results are deterministic for a given corpus.
package retrieval

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"
)

// Chunk is one ingested evidence snippet. CompanyID is empty for public
// regulatory material (CFF, LISR, precedentes) visible to every tenant.
type Chunk struct {
	ID        string
	CompanyID string
	Public    bool
	Title     string
	Source    string
	Date      string
	Text      string
	Embedding []float32
}

// Corpus is the sqlite-backed chunk store.
type Corpus struct {
	db *sql.DB
}

// NewCorpus opens the corpus over the shared database.
func NewCorpus(db *sql.DB) (*Corpus, error) {
	c := &Corpus{db: db}
	if err := c.initSchema(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Corpus) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS corpus_chunks (
		chunk_id   TEXT PRIMARY KEY,
		company_id TEXT NOT NULL DEFAULT '',
		public     INTEGER NOT NULL DEFAULT 0,
		title      TEXT NOT NULL DEFAULT '',
		source     TEXT NOT NULL,
		date       TEXT NOT NULL DEFAULT '',
		text       TEXT NOT NULL,
		embedding  BLOB,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_company ON corpus_chunks (company_id, public);
	`
	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("init corpus schema: %w", err)
	}
	return nil
}

// Upsert ingests or replaces one chunk.
func (c *Corpus) Upsert(ctx context.Context, ch Chunk) error {
	if ch.ID == "" || ch.Text == "" {
		return fmt.Errorf("corpus: chunk id and text required")
	}
	public := 0
	if ch.Public {
		public = 1
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO corpus_chunks (chunk_id, company_id, public, title, source, date, text, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (chunk_id) DO UPDATE SET
			company_id = excluded.company_id,
			public     = excluded.public,
			title      = excluded.title,
			source     = excluded.source,
			date       = excluded.date,
			text       = excluded.text,
			embedding  = excluded.embedding`,
		ch.ID, strings.ToLower(strings.TrimSpace(ch.CompanyID)), public,
		ch.Title, ch.Source, ch.Date, ch.Text,
		encodeEmbedding(ch.Embedding), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("corpus: upsert %s: %w", ch.ID, err)
	}
	return nil
}

// visibleTo returns every chunk a company may read: its own plus public
// material. Ordered by chunk id so downstream scoring starts deterministic.
func (c *Corpus) visibleTo(ctx context.Context, companyID string) ([]Chunk, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT chunk_id, company_id, public, title, source, date, text, embedding
		FROM corpus_chunks
		WHERE company_id = ? OR public = 1
		ORDER BY chunk_id`,
		strings.ToLower(strings.TrimSpace(companyID)),
	)
	if err != nil {
		return nil, fmt.Errorf("corpus: query: %w", err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var ch Chunk
		var public int
		var blob []byte
		if err := rows.Scan(&ch.ID, &ch.CompanyID, &public, &ch.Title, &ch.Source, &ch.Date, &ch.Text, &blob); err != nil {
			return nil, fmt.Errorf("corpus: scan: %w", err)
		}
		ch.Public = public == 1
		ch.Embedding = decodeEmbedding(blob)
		chunks = append(chunks, ch)
	}
	return chunks, rows.Err()
}

// Count reports the number of stored chunks.
func (c *Corpus) Count(ctx context.Context) (int, error) {
	var n int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM corpus_chunks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("corpus: count: %w", err)
	}
	return n, nil
}

// Embeddings are stored as little-endian float32 blobs.

func encodeEmbedding(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := new(bytes.Buffer)
	buf.Grow(len(v) * 4)
	for _, f := range v {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], math.Float32bits(f))
		buf.Write(b[:])
	}
	return buf.Bytes()
}

func decodeEmbedding(b []byte) []float32 {
	if len(b) < 4 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
