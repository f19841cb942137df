package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInsertBuilderConflictClauses(t *testing.T) {
	t.Run("should render an upsert for on conflict with columns", func(t *testing.T) {
		ib := NewInsertBuilder()
		ib.InsertInto("documents")
		ib.Cols("id", "title")
		ib.Values("a", "b")
		ub := ib.OnConflict("id")
		ub.Set(ub.Assign("title", Excluded("title")))

		query, args := ib.Build()

		assert.Contains(t, query, "ON CONFLICT (id) DO UPDATE")
		assert.Contains(t, query, "EXCLUDED.title")
		assert.Len(t, args, 2)
	})

	t.Run("should render do nothing so conflicting rows stay untouched", func(t *testing.T) {
		ib := NewInsertBuilder()
		ib.InsertInto("document_versions")
		ib.Cols("id", "document_id", "version")
		ib.Values("a", "b", 1)
		ib.OnConflictDoNothing()

		query, _ := ib.Build()

		assert.Contains(t, query, "ON CONFLICT DO NOTHING")
		assert.NotContains(t, query, "DO UPDATE")
	})
}
