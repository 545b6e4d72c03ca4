package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"

	"google.golang.org/genai"
)

// Embedder turns text into a dense vector. Optional: when absent the
// retriever runs keyword-only.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// GenAIEmbedder embeds text through Google's Gemini embedding API.
type GenAIEmbedder struct {
	client *genai.Client
	model  string
}

// NewGenAIEmbedder creates the embedder. Query embeddings use the
// retrieval-query task type to match document-side ingestion.
func NewGenAIEmbedder(ctx context.Context, apiKey, model string) (*GenAIEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("embedder: API key required")
	}
	if model == "" {
		model = "gemini-embedding-001"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("embedder: create client: %w", err)
	}
	return &GenAIEmbedder{client: client, model: model}, nil
}

// Embed generates one embedding.
func (e *GenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	contents := []*genai.Content{
		genai.NewContentFromText(text, genai.RoleUser),
	}
	result, err := e.client.Models.EmbedContent(ctx, e.model, contents,
		&genai.EmbedContentConfig{TaskType: "RETRIEVAL_QUERY"})
	if err != nil {
		return nil, fmt.Errorf("embedder: embed: %w", err)
	}
	if len(result.Embeddings) == 0 {
		return nil, fmt.Errorf("embedder: no embeddings returned")
	}
	return result.Embeddings[0].Values, nil
}

// Dimensions returns the vector width of the configured model.
func (e *GenAIEmbedder) Dimensions() int {
	// gemini-embedding-001 produces 768-dimensional vectors.
	return 768
}

// denseRank orders chunks by cosine similarity against the query vector.
// Chunks without a stored embedding are skipped.
func denseRank(chunks []Chunk, queryVec []float32) []scoredChunk {
	if len(queryVec) == 0 {
		return nil
	}
	var ranked []scoredChunk
	for _, ch := range chunks {
		if len(ch.Embedding) != len(queryVec) {
			continue
		}
		sim := cosine(ch.Embedding, queryVec)
		if sim <= 0 {
			continue
		}
		ranked = append(ranked, scoredChunk{chunk: ch, score: sim})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].chunk.ID < ranked[j].chunk.ID
	})
	return ranked
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
