// Package embedding turns chunk text into vectors.
package embedding

import (
	"context"
)

// Embedder produces fixed-dimension vectors for texts. Implementations
// must be deterministic for identical input so re-running the embed
// stage upserts identical rows.
type Embedder interface {
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Model identifies the embedding model. Stored alongside vectors
	// so mixed-model indexes can be told apart.
	Model() string
	// Dims is the dimensionality of produced vectors.
	Dims() int
}
