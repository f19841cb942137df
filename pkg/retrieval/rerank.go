package retrieval

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/puppet4/tkp-platform/pkg/models"
)

// RerankWeights balances the recall score against the tie-breaking
// signals. Weights should sum to 1 so the final score stays in [0, 1].
type RerankWeights struct {
	Score   float64
	Density float64
	Recency float64
}

// DefaultRerankWeights returns the production weighting. Recall score
// dominates; term density and document recency break ties.
func DefaultRerankWeights() RerankWeights {
	return RerankWeights{Score: 0.8, Density: 0.1, Recency: 0.1}
}

// merge deduplicates hits from multiple recall channels by chunk id,
// keeping the strongest score seen for each chunk.
func merge(channels ...[]models.ChunkHit) []models.ChunkHit {
	byChunk := make(map[uuid.UUID]models.ChunkHit)
	for _, hits := range channels {
		for _, hit := range hits {
			if existing, ok := byChunk[hit.ChunkID]; !ok || hit.Score > existing.Score {
				byChunk[hit.ChunkID] = hit
			}
		}
	}

	merged := make([]models.ChunkHit, 0, len(byChunk))
	for _, hit := range byChunk {
		merged = append(merged, hit)
	}
	return merged
}

// rerank rescores merged hits and sorts them best first. Ties on the
// final score fall back to chunk id so ordering stays deterministic.
func rerank(hits []models.ChunkHit, query string, now time.Time, weights RerankWeights, halfLife time.Duration) []models.ChunkHit {
	terms := queryTerms(query)
	for i := range hits {
		hits[i].Score = weights.Score*hits[i].Score +
			weights.Density*termDensity(terms, hits[i].Text) +
			weights.Recency*recency(now, hits[i].DocumentUpdated, halfLife)
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ChunkID.String() < hits[j].ChunkID.String()
	})
	return hits
}

// queryTerms extracts the distinct lowercased terms worth matching on
func queryTerms(query string) []string {
	seen := make(map[string]struct{})
	var terms []string
	for _, field := range strings.Fields(strings.ToLower(query)) {
		term := strings.Trim(field, ".,;:!?\"'()[]")
		if len(term) < 3 {
			continue
		}
		if _, ok := seen[term]; ok {
			continue
		}
		seen[term] = struct{}{}
		terms = append(terms, term)
	}
	return terms
}

// termDensity is the fraction of query terms present in the text
func termDensity(terms []string, text string) float64 {
	if len(terms) == 0 {
		return 0
	}
	lower := strings.ToLower(text)
	matched := 0
	for _, term := range terms {
		if strings.Contains(lower, term) {
			matched++
		}
	}
	return float64(matched) / float64(len(terms))
}

// recency decays with the document's age on a half-life curve
func recency(now, updated time.Time, halfLife time.Duration) float64 {
	if halfLife <= 0 || updated.IsZero() {
		return 0
	}
	age := now.Sub(updated)
	if age <= 0 {
		return 1
	}
	return math.Exp2(-float64(age) / float64(halfLife))
}
