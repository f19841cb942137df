// Package retrieval answers permission-scoped queries over ingested
// documents.
package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"sync"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/puppet4/tkp-platform/pkg/authz"
	"github.com/puppet4/tkp-platform/pkg/database"
	"github.com/puppet4/tkp-platform/pkg/metrics"
	"github.com/puppet4/tkp-platform/pkg/models"
	"github.com/puppet4/tkp-platform/pkg/tracing"

	tkpcontext "github.com/puppet4/tkp-platform/pkg/context"
)

// Searcher is the slice of the chunk repository recall runs against
type Searcher interface {
	VectorSearch(ctx context.Context, tenantID uuid.UUID, kbIDs []uuid.UUID, embedding models.Vector, model string, limit int) ([]models.ChunkHit, error)
	LexicalSearch(ctx context.Context, tenantID uuid.UUID, kbIDs []uuid.UUID, query string, limit int) ([]models.ChunkHit, error)
	GetByIDs(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) ([]models.DocumentChunk, error)
}

// QueryEmbedder embeds query text for vector recall
type QueryEmbedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
}

// LogStore appends retrieval log entries
type LogStore interface {
	Append(ctx context.Context, entry *models.RetrievalLog) error
}

// Config tunes the retrieval pipeline
type Config struct {
	RecallLimit        int
	RecallTimeout      time.Duration
	DefaultTopK        int
	MaxTopK            int
	ContextTokenBudget int
	MinConfidence      float64
	Weights            RerankWeights
	RecencyHalfLife    time.Duration
}

// DefaultConfig returns the production pipeline settings
func DefaultConfig() Config {
	return Config{
		RecallLimit:        50,
		RecallTimeout:      2 * time.Second,
		DefaultTopK:        8,
		MaxTopK:            50,
		ContextTokenBudget: 2000,
		MinConfidence:      0.25,
		Weights:            DefaultRerankWeights(),
		RecencyHalfLife:    30 * 24 * time.Hour,
	}
}

// Query is one retrieval request, already scope-resolved
type Query struct {
	Text string
	TopK int
}

// ContextBlock is one parent block packed into the answer context
type ContextBlock struct {
	DocumentID    uuid.UUID `json:"document_id"`
	DocumentTitle string    `json:"document_title"`
	TitlePath     string    `json:"title_path"`
	Text          string    `json:"text"`
	TokenCount    int       `json:"token_count"`
	Score         float64   `json:"score"`
}

// Citation points at the exact chunk a context block was built from
type Citation struct {
	DocumentID uuid.UUID `json:"document_id"`
	ChunkID    uuid.UUID `json:"chunk_id"`
	Version    int       `json:"version"`
	Ordinal    int       `json:"ordinal"`
	TitlePath  string    `json:"title_path"`
}

// Result is the outcome of one retrieval query. A declined result
// carries no contexts; the confidence gate decided the evidence was
// too weak to answer from.
type Result struct {
	Outcome    models.RetrievalOutcome `json:"outcome"`
	Confidence float64                 `json:"confidence"`
	Contexts   []ContextBlock          `json:"contexts"`
	Citations  []Citation              `json:"citations"`
}

// Service runs the retrieval pipeline: parallel recall over the
// scoped knowledge bases, merge, rerank, context packing, confidence
// gate, logging.
type Service struct {
	searcher Searcher
	embedder QueryEmbedder
	logs     LogStore
	config   Config
	logger   ectologger.Logger
}

// NewService creates a retrieval service
func NewService(searcher Searcher, embedder QueryEmbedder, logs LogStore, config Config, logger ectologger.Logger) *Service {
	def := DefaultConfig()
	if config.RecallLimit <= 0 {
		config.RecallLimit = def.RecallLimit
	}
	if config.RecallTimeout <= 0 {
		config.RecallTimeout = def.RecallTimeout
	}
	if config.DefaultTopK <= 0 {
		config.DefaultTopK = def.DefaultTopK
	}
	if config.MaxTopK <= 0 {
		config.MaxTopK = def.MaxTopK
	}
	if config.ContextTokenBudget <= 0 {
		config.ContextTokenBudget = def.ContextTokenBudget
	}
	if config.Weights == (RerankWeights{}) {
		config.Weights = def.Weights
	}
	if config.RecencyHalfLife <= 0 {
		config.RecencyHalfLife = def.RecencyHalfLife
	}
	return &Service{
		searcher: searcher,
		embedder: embedder,
		logs:     logs,
		config:   config,
		logger:   logger,
	}
}

// Query answers a retrieval request within the caller's scope. The
// scope's knowledge base set is the only thing recall ever touches; an
// empty scope declines without querying.
func (s *Service) Query(ctx context.Context, scope *authz.Scope, query Query) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "retrieval.Service.Query")
	defer span.End()

	start := time.Now()

	if query.Text == "" {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "query text is required")
	}
	topK := query.TopK
	if topK <= 0 {
		topK = s.config.DefaultTopK
	}
	if topK > s.config.MaxTopK {
		topK = s.config.MaxTopK
	}

	if len(scope.KBIDs) == 0 {
		result := &Result{Outcome: models.RetrievalOutcomeDeclined}
		s.record(ctx, scope, query, topK, result, 0, time.Since(start))
		return result, nil
	}

	hits, err := s.recall(ctx, scope, query.Text)
	if err != nil {
		return nil, err
	}

	hits = rerank(hits, query.Text, time.Now().UTC(), s.config.Weights, s.config.RecencyHalfLife)
	if len(hits) > topK {
		hits = hits[:topK]
	}

	confidence := 0.0
	if len(hits) > 0 {
		confidence = hits[0].Score
	}

	if confidence < s.config.MinConfidence {
		result := &Result{Outcome: models.RetrievalOutcomeDeclined, Confidence: confidence}
		s.record(ctx, scope, query, topK, result, len(hits), time.Since(start))
		return result, nil
	}

	contexts, citations, err := s.pack(ctx, scope.TenantID, hits)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Outcome:    models.RetrievalOutcomeAnswered,
		Confidence: confidence,
		Contexts:   contexts,
		Citations:  citations,
	}
	s.record(ctx, scope, query, topK, result, len(hits), time.Since(start))
	return result, nil
}

// recall runs the vector and lexical channels in parallel under a
// shared deadline. One failed channel degrades the query; both failing
// fails it.
func (s *Service) recall(ctx context.Context, scope *authz.Scope, text string) ([]models.ChunkHit, error) {
	recallCtx, cancel := context.WithTimeout(ctx, s.config.RecallTimeout)
	defer cancel()

	var wg sync.WaitGroup
	var vectorHits, lexicalHits []models.ChunkHit
	var vectorErr, lexicalErr error

	wg.Add(2)
	go func() {
		defer wg.Done()
		vectorHits, vectorErr = s.vectorRecall(recallCtx, scope, text)
	}()
	go func() {
		defer wg.Done()
		lexicalHits, lexicalErr = s.searcher.LexicalSearch(recallCtx, scope.TenantID, scope.KBIDs, text, s.config.RecallLimit)
	}()
	wg.Wait()

	if vectorErr != nil && lexicalErr != nil {
		s.logger.WithContext(ctx).WithError(vectorErr).Error("both recall channels failed")
		return nil, vectorErr
	}
	if vectorErr != nil {
		s.logger.WithContext(ctx).WithError(vectorErr).Warn("vector recall failed, lexical only")
	}
	if lexicalErr != nil {
		s.logger.WithContext(ctx).WithError(lexicalErr).Warn("lexical recall failed, vector only")
	}

	return merge(vectorHits, lexicalHits), nil
}

func (s *Service) vectorRecall(ctx context.Context, scope *authz.Scope, text string) ([]models.ChunkHit, error) {
	vectors, err := s.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "embedder returned no vector")
	}
	return s.searcher.VectorSearch(ctx, scope.TenantID, scope.KBIDs, models.Vector(vectors[0]), s.embedder.Model(), s.config.RecallLimit)
}

// pack groups the top hits under their parent blocks and fills the
// context budget best parent first. Citations name the child chunks
// that earned each packed parent its place.
func (s *Service) pack(ctx context.Context, tenantID uuid.UUID, hits []models.ChunkHit) ([]ContextBlock, []Citation, error) {
	parentIDs := make([]uuid.UUID, 0, len(hits))
	seen := make(map[uuid.UUID]struct{})
	hitsByParent := make(map[uuid.UUID][]models.ChunkHit)
	for _, hit := range hits {
		parentID := hit.ChunkID
		if hit.ParentID != nil {
			parentID = *hit.ParentID
		}
		hitsByParent[parentID] = append(hitsByParent[parentID], hit)
		if _, ok := seen[parentID]; !ok {
			seen[parentID] = struct{}{}
			parentIDs = append(parentIDs, parentID)
		}
	}

	parents, err := s.searcher.GetByIDs(ctx, tenantID, parentIDs)
	if err != nil {
		return nil, nil, err
	}
	parentByID := make(map[uuid.UUID]models.DocumentChunk, len(parents))
	for _, parent := range parents {
		parentByID[parent.ID] = parent
	}

	var contexts []ContextBlock
	var citations []Citation
	budget := s.config.ContextTokenBudget

	// parentIDs preserves hit order, so parents pack best first
	for _, parentID := range parentIDs {
		parent, ok := parentByID[parentID]
		if !ok {
			continue
		}
		if len(contexts) > 0 && parent.TokenCount > budget {
			continue
		}

		best := hitsByParent[parentID][0]
		contexts = append(contexts, ContextBlock{
			DocumentID:    parent.DocumentID,
			DocumentTitle: best.DocumentTitle,
			TitlePath:     parent.TitlePath,
			Text:          parent.Text,
			TokenCount:    parent.TokenCount,
			Score:         best.Score,
		})
		budget -= parent.TokenCount

		for _, hit := range hitsByParent[parentID] {
			citations = append(citations, Citation{
				DocumentID: hit.DocumentID,
				ChunkID:    hit.ChunkID,
				Version:    hit.Version,
				Ordinal:    hit.Ordinal,
				TitlePath:  hit.TitlePath,
			})
		}
	}

	return contexts, citations, nil
}

// record appends the retrieval log entry and metrics. Logging is
// never fatal to the query.
func (s *Service) record(ctx context.Context, scope *authz.Scope, query Query, topK int, result *Result, resultCount int, latency time.Duration) {
	metrics.RecordRetrieval(scope.TenantID.String(), string(result.Outcome), latency.Seconds())

	entry := &models.RetrievalLog{
		TenantID:      scope.TenantID,
		UserID:        scope.UserID,
		QueryHash:     hashQuery(query.Text),
		ScopedKBIDs:   database.JSONB[[]uuid.UUID]{Data: scope.KBIDs},
		TopK:          topK,
		Outcome:       result.Outcome,
		Confidence:    result.Confidence,
		ResultCount:   resultCount,
		CitationCount: len(result.Citations),
		LatencyMS:     latency.Milliseconds(),
		RequestID:     tkpcontext.GetRequestID(ctx),
	}
	if err := s.logs.Append(ctx, entry); err != nil {
		s.logger.WithContext(ctx).WithError(err).Warn("failed to append retrieval log")
	}
}

// hashQuery hashes query text so logs never store content
func hashQuery(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
