// Package storage holds raw document bytes outside the database.
package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// ObjectStore reads and writes raw document payloads by key. Keys are
// opaque to callers; use RawKey to build them.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader) (int64, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// RawKey builds the object key for a document version's raw bytes.
// Tenant first so a tenant's objects can be enumerated and purged.
func RawKey(tenantID, documentID uuid.UUID, version int) string {
	return fmt.Sprintf("raw/%s/%s/v%d", tenantID, documentID, version)
}
