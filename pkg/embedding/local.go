package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"strings"
)

// LocalEmbedder is a deterministic hash-based embedder for local
// development and tests. It has no semantic quality; it only
// guarantees that identical text embeds identically and that token
// overlap moves vectors closer together.
type LocalEmbedder struct {
	dims int
}

// NewLocalEmbedder creates a local embedder with the given dimensionality
func NewLocalEmbedder(dims int) *LocalEmbedder {
	if dims <= 0 {
		dims = 64
	}
	return &LocalEmbedder{dims: dims}
}

// Model identifies the embedding model
func (e *LocalEmbedder) Model() string {
	return "local-hash-v1"
}

// Dims is the dimensionality of produced vectors
func (e *LocalEmbedder) Dims() int {
	return e.dims
}

// Embed returns one vector per input text, in input order
func (e *LocalEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = e.embedOne(text)
	}
	return out, nil
}

func (e *LocalEmbedder) embedOne(text string) []float32 {
	vec := make([]float32, e.dims)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		sum := sha256.Sum256([]byte(token))
		idx := binary.BigEndian.Uint32(sum[:4]) % uint32(e.dims)
		sign := float32(1)
		if sum[4]%2 == 1 {
			sign = -1
		}
		vec[idx] += sign
	}

	// Normalize so cosine distance behaves
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}
