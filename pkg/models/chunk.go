package models

import (
	"time"

	"github.com/google/uuid"
)

// ChunkLevel distinguishes parent context blocks from child retrieval units
type ChunkLevel string

const (
	ChunkLevelParent ChunkLevel = "parent"
	ChunkLevelChild  ChunkLevel = "child"
)

// DocumentChunk is one unit of a chunked document version. Children
// are what recall matches against; parents are the surrounding blocks
// handed to context packing. Upserts key on
// (document_id, version, level, ordinal) so re-running the chunk
// stage is idempotent.
type DocumentChunk struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	TenantID        uuid.UUID  `db:"tenant_id" json:"tenant_id"`
	KnowledgeBaseID uuid.UUID  `db:"knowledge_base_id" json:"knowledge_base_id"`
	DocumentID      uuid.UUID  `db:"document_id" json:"document_id"`
	Version         int        `db:"version" json:"version"`
	ParentID        *uuid.UUID `db:"parent_id" json:"parent_id,omitempty"`
	Level           ChunkLevel `db:"level" json:"level"`
	Ordinal         int        `db:"ordinal" json:"ordinal"`
	Text            string     `db:"text" json:"text"`
	TitlePath       string     `db:"title_path" json:"title_path"`
	TokenCount      int        `db:"token_count" json:"token_count"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

// TableName returns the database table name
func (DocumentChunk) TableName() string {
	return "document_chunks"
}

// ChunkEmbedding stores the vector for a child chunk. One row per
// (chunk_id, model); re-embedding with the same model overwrites.
type ChunkEmbedding struct {
	ID        uuid.UUID `db:"id" json:"id"`
	TenantID  uuid.UUID `db:"tenant_id" json:"tenant_id"`
	ChunkID   uuid.UUID `db:"chunk_id" json:"chunk_id"`
	Model     string    `db:"model" json:"model"`
	Dims      int       `db:"dims" json:"dims"`
	Embedding Vector    `db:"embedding" json:"-"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// TableName returns the database table name
func (ChunkEmbedding) TableName() string {
	return "chunk_embeddings"
}

// ChunkHit is one recall result row. Score is normalized to [0, 1]
// with higher meaning closer, for both vector and lexical recall, so
// merge can take the max across channels.
type ChunkHit struct {
	ChunkID         uuid.UUID  `db:"chunk_id" json:"chunk_id"`
	DocumentID      uuid.UUID  `db:"document_id" json:"document_id"`
	KnowledgeBaseID uuid.UUID  `db:"knowledge_base_id" json:"knowledge_base_id"`
	ParentID        *uuid.UUID `db:"parent_id" json:"parent_id,omitempty"`
	Version         int        `db:"version" json:"version"`
	Ordinal         int        `db:"ordinal" json:"ordinal"`
	Text            string     `db:"text" json:"text"`
	TitlePath       string     `db:"title_path" json:"title_path"`
	TokenCount      int        `db:"token_count" json:"token_count"`
	DocumentTitle   string     `db:"document_title" json:"document_title"`
	DocumentUpdated time.Time  `db:"document_updated_at" json:"document_updated_at"`
	Score           float64    `db:"score" json:"score"`
}
