package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/pkg/errors"

	"github.com/puppet4/tkp-platform/pkg/tracing"
)

// HTTPConfig holds embedding service configuration
type HTTPConfig struct {
	BaseURL   string
	Model     string
	Dims      int
	BatchSize int
	Timeout   time.Duration
}

// DefaultHTTPConfig returns sane defaults for the embedding client
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Model:     "text-embed-v1",
		Dims:      768,
		BatchSize: 64,
		Timeout:   30 * time.Second,
	}
}

// HTTPEmbedder calls an embedding service over HTTP.
type HTTPEmbedder struct {
	cfg    HTTPConfig
	client *http.Client
	logger ectologger.Logger
}

// NewHTTPEmbedder creates an embedder against the configured service
func NewHTTPEmbedder(cfg HTTPConfig, logger ectologger.Logger) *HTTPEmbedder {
	def := DefaultHTTPConfig()
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.Dims == 0 {
		cfg.Dims = def.Dims
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}

	return &HTTPEmbedder{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// Model identifies the embedding model
func (e *HTTPEmbedder) Model() string {
	return e.cfg.Model
}

// Dims is the dimensionality of produced vectors
func (e *HTTPEmbedder) Dims() int {
	return e.cfg.Dims
}

type embedRequest struct {
	Model  string   `json:"model"`
	Inputs []string `json:"inputs"`
}

type embedResponse struct {
	Vectors [][]float32 `json:"vectors"`
}

// Embed returns one vector per input text, batching requests to the
// service's batch limit.
func (e *HTTPEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, span := tracing.StartSpan(ctx, "embedding.HTTPEmbedder.Embed")
	defer span.End()

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.cfg.BatchSize {
		end := start + e.cfg.BatchSize
		if end > len(texts) {
			end = len(texts)
		}

		vectors, err := e.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vectors...)
	}

	if len(out) != len(texts) {
		return nil, errors.Errorf("embedding service returned %d vectors for %d inputs", len(out), len(texts))
	}
	return out, nil
}

func (e *HTTPEmbedder) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{
		Model:  e.cfg.Model,
		Inputs: texts,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.BaseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "calling embedding service")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		e.logger.WithContext(ctx).WithFields(map[string]any{
			"status": resp.StatusCode,
		}).Warn("embedding service returned an error")
		return nil, errors.Errorf("embedding service status %d: %s", resp.StatusCode, string(raw))
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, errors.Wrap(err, "decoding embedding response")
	}

	for i, v := range parsed.Vectors {
		if len(v) != e.cfg.Dims {
			return nil, fmt.Errorf("vector %d has %d dims, want %d", i, len(v), e.cfg.Dims)
		}
	}
	return parsed.Vectors, nil
}
