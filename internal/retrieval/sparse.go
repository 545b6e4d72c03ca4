package retrieval

import (
	"sort"
	"strings"
	"unicode"
)

// sparseRank ranks chunks by weighted keyword overlap with the query.
// Terms are lowercased and accent-folded so "razón" matches "razon".
// Ties break on chunk id; the same corpus and query always produce the
// same ordering.

type scoredChunk struct {
	chunk Chunk
	score float64
}

func sparseRank(chunks []Chunk, query string) []scoredChunk {
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil
	}

	var ranked []scoredChunk
	for _, ch := range chunks {
		text := normalizeText(ch.Text + " " + ch.Title)
		var score float64
		matched := 0
		for _, term := range terms {
			n := strings.Count(text, term)
			if n == 0 {
				continue
			}
			matched++
			// Diminishing returns per extra occurrence.
			score += 1.0 + 0.25*float64(n-1)
		}
		if matched == 0 {
			continue
		}
		// Boost chunks matching several distinct terms.
		if matched > 1 {
			score *= 1.0 + 0.2*float64(matched-1)
		}
		ranked = append(ranked, scoredChunk{chunk: ch, score: score})
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].chunk.ID < ranked[j].chunk.ID
	})
	return ranked
}

func tokenize(query string) []string {
	fields := strings.FieldsFunc(normalizeText(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(fields))
	var terms []string
	for _, f := range fields {
		if len(f) <= 2 || stopwords[f] || seen[f] {
			continue
		}
		seen[f] = true
		terms = append(terms, f)
	}
	return terms
}

var spanishAccents = strings.NewReplacer(
	"á", "a", "é", "e", "í", "i", "ó", "o", "ú", "u", "ü", "u", "ñ", "n",
)

func normalizeText(s string) string {
	return spanishAccents.Replace(strings.ToLower(s))
}

// Connectives that carry no retrieval signal in either language.
var stopwords = map[string]bool{
	"que": true, "los": true, "las": true, "del": true, "por": true,
	"con": true, "para": true, "una": true, "este": true, "esta": true,
	"como": true, "mas": true, "sus": true, "ser": true, "son": true,
	"the": true, "and": true, "for": true, "with": true, "from": true,
	"are": true, "was": true, "were": true, "this": true, "that": true,
}
