package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"consejo/internal/logging"
	"consejo/internal/types"
)

// rrfConstant dampens rank differences in reciprocal-rank fusion. 60 is the
// conventional value from the original RRF paper.
const rrfConstant = 60.0

// Retriever fuses keyword and dense rankings over the tenant-visible corpus.
// It implements types.Retriever. Query results are cached per
// (company, agent, query, k) with a TTL; the cache never crosses tenants
// because the company id is part of the key.
type Retriever struct {
	corpus   *Corpus
	embedder Embedder // nil means keyword-only
	cache    *gocache.Cache
}

// NewRetriever creates the retriever. embedder may be nil.
func NewRetriever(corpus *Corpus, embedder Embedder, cacheTTL time.Duration) *Retriever {
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &Retriever{
		corpus:   corpus,
		embedder: embedder,
		cache:    gocache.New(cacheTTL, 2*cacheTTL),
	}
}

// Retrieve returns the top-k evidence snippets visible to companyID,
// score-descending. An empty result is valid: agents deliberate without
// evidence rather than fail.
func (r *Retriever) Retrieve(ctx context.Context, companyID, agentID, query string, k int) ([]types.RetrievalResult, error) {
	if k <= 0 {
		k = 5
	}
	companyID = strings.ToLower(strings.TrimSpace(companyID))
	key := fmt.Sprintf("%s|%s|%s|%d", companyID, agentID, query, k)
	if cached, ok := r.cache.Get(key); ok {
		return cached.([]types.RetrievalResult), nil
	}

	chunks, err := r.corpus.visibleTo(ctx, companyID)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, nil
	}

	sparse := sparseRank(chunks, query)

	var dense []scoredChunk
	if r.embedder != nil {
		vec, err := r.embedder.Embed(ctx, query)
		if err != nil {
			// Keyword ranking still stands; dense is an enhancement.
			logging.Get(logging.CategoryRetrieval).Warnw("query embedding failed, keyword-only",
				"agent", agentID, "error", err)
		} else {
			dense = denseRank(chunks, vec)
		}
	}

	fused := fuse(sparse, dense)
	if len(fused) > k {
		fused = fused[:k]
	}

	results := make([]types.RetrievalResult, 0, len(fused))
	for _, sc := range fused {
		results = append(results, types.RetrievalResult{
			ChunkID: sc.chunk.ID,
			Text:    sc.chunk.Text,
			Title:   sc.chunk.Title,
			Date:    sc.chunk.Date,
			Source:  sc.chunk.Source,
			Score:   sc.score,
		})
	}

	r.cache.Set(key, results, gocache.DefaultExpiration)
	return results, nil
}

// fuse merges the two rankings with reciprocal-rank fusion. With a single
// ranking it degrades to that ranking reordered by RRF score, which
// preserves the original order.
func fuse(rankings ...[]scoredChunk) []scoredChunk {
	scores := make(map[string]float64)
	byID := make(map[string]Chunk)
	for _, ranking := range rankings {
		for rank, sc := range ranking {
			scores[sc.chunk.ID] += 1.0 / (rrfConstant + float64(rank+1))
			byID[sc.chunk.ID] = sc.chunk
		}
	}

	fused := make([]scoredChunk, 0, len(scores))
	for id, score := range scores {
		fused = append(fused, scoredChunk{chunk: byID[id], score: score})
	}
	sort.Slice(fused, func(i, j int) bool {
		if fused[i].score != fused[j].score {
			return fused[i].score > fused[j].score
		}
		return fused[i].chunk.ID < fused[j].chunk.ID
	})
	return fused
}
