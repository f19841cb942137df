package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/puppet4/tkp-platform/pkg/models"
)

func TestParse(t *testing.T) {
	t.Run("should pass plain text through", func(t *testing.T) {
		text, err := Parse([]byte("hello world"), "text/plain")
		assert.NoError(t, err)
		assert.Equal(t, "hello world", text)
	})

	t.Run("should pass markdown through untouched", func(t *testing.T) {
		text, err := Parse([]byte("# Title\n\nbody"), "text/markdown; charset=utf-8")
		assert.NoError(t, err)
		assert.Equal(t, "# Title\n\nbody", text)
	})

	t.Run("should treat missing mime type as plain text", func(t *testing.T) {
		text, err := Parse([]byte("raw"), "")
		assert.NoError(t, err)
		assert.Equal(t, "raw", text)
	})

	t.Run("should strip html tags and script bodies", func(t *testing.T) {
		raw := []byte("<html><head><style>body { color: red }</style></head><body><p>hello</p><script>alert(1)</script><p>world</p></body></html>")
		text, err := Parse(raw, "text/html")
		assert.NoError(t, err)
		assert.Contains(t, text, "hello")
		assert.Contains(t, text, "world")
		assert.NotContains(t, text, "alert")
		assert.NotContains(t, text, "color: red")
		assert.NotContains(t, text, "<p>")
	})

	t.Run("should fail permanently on invalid utf8", func(t *testing.T) {
		_, err := Parse([]byte{0xff, 0xfe, 0xfd}, "text/plain")
		require.Error(t, err)

		var stageErr *StageError
		require.ErrorAs(t, err, &stageErr)
		assert.True(t, stageErr.Permanent)
		assert.Equal(t, CodeParseFailed, stageErr.Code)
		assert.Equal(t, models.JobStageParse, stageErr.Stage)
	})

	t.Run("should fail permanently on pdf", func(t *testing.T) {
		_, err := Parse([]byte("%PDF-1.7"), "application/pdf")
		require.Error(t, err)

		var stageErr *StageError
		require.ErrorAs(t, err, &stageErr)
		assert.True(t, stageErr.Permanent)
		assert.Equal(t, CodeUnsupportedMime, stageErr.Code)
	})

	t.Run("should fail permanently on unknown mime types", func(t *testing.T) {
		_, err := Parse([]byte{0x89, 0x50, 0x4e, 0x47}, "image/png")
		require.Error(t, err)

		var stageErr *StageError
		require.ErrorAs(t, err, &stageErr)
		assert.True(t, stageErr.Permanent)
		assert.Equal(t, CodeUnsupportedMime, stageErr.Code)
	})
}

func TestClean(t *testing.T) {
	t.Run("should normalize line endings", func(t *testing.T) {
		assert.Equal(t, "a\nb\nc", Clean("a\r\nb\rc"))
	})

	t.Run("should collapse blank runs and trim trailing whitespace", func(t *testing.T) {
		assert.Equal(t, "a\n\nb", Clean("a  \n\n\n\nb\n\n\n"))
	})

	t.Run("should strip control characters but keep tabs as spaces", func(t *testing.T) {
		assert.Equal(t, "a b", Clean("a\tb\x00\x07"))
	})

	t.Run("should drop leading blank lines", func(t *testing.T) {
		assert.Equal(t, "a", Clean("\n\n\na\n"))
	})

	t.Run("should return empty for whitespace only input", func(t *testing.T) {
		assert.Equal(t, "", Clean(" \n\t\n  "))
	})
}
