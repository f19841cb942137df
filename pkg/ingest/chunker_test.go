package ingest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkText(t *testing.T) {
	t.Run("should return nothing for empty text", func(t *testing.T) {
		assert.Empty(t, ChunkText("", DefaultChunkerConfig()))
		assert.Empty(t, ChunkText("\n\n  \n", DefaultChunkerConfig()))
	})

	t.Run("should keep a short document as one parent with one child", func(t *testing.T) {
		parents := ChunkText("a small document with a handful of words", DefaultChunkerConfig())
		require.Len(t, parents, 1)
		assert.Equal(t, "", parents[0].TitlePath)
		assert.Equal(t, 8, parents[0].TokenCount)
		require.Len(t, parents[0].Children, 1)
		assert.Equal(t, parents[0].Text, parents[0].Children[0].Text)
	})

	t.Run("should split long text into overlapping children", func(t *testing.T) {
		words := make([]string, 500)
		for i := range words {
			words[i] = "word"
		}
		text := strings.Join(words, " ")

		parents := ChunkText(text, ChunkerConfig{ParentTokenLimit: 1000, ChildTokenLimit: 200, ChildOverlap: 40})
		require.Len(t, parents, 1)

		children := parents[0].Children
		require.True(t, len(children) >= 3)
		for _, child := range children {
			assert.NotEmpty(t, child.Text)
			assert.True(t, child.TokenCount <= 200)
		}

		// consecutive windows share the overlap
		first := strings.Fields(children[0].Text)
		second := strings.Fields(children[1].Text)
		assert.Equal(t, first[len(first)-40:], second[:40])
	})

	t.Run("should build title paths from nested headings", func(t *testing.T) {
		text := "# Guide\n\nintro text here\n\n## Setup\n\nsetup text here\n\n### Linux\n\nlinux text here\n\n## Usage\n\nusage text here\n"

		parents := ChunkText(text, DefaultChunkerConfig())
		require.Len(t, parents, 4)
		assert.Equal(t, "Guide", parents[0].TitlePath)
		assert.Equal(t, "Guide > Setup", parents[1].TitlePath)
		assert.Equal(t, "Guide > Setup > Linux", parents[2].TitlePath)
		assert.Equal(t, "Guide > Usage", parents[3].TitlePath)
	})

	t.Run("should pop the heading stack when a sibling heading appears", func(t *testing.T) {
		text := "# A\n\n## B\n\nb text\n\n# C\n\nc text\n"

		parents := ChunkText(text, DefaultChunkerConfig())
		require.Len(t, parents, 2)
		assert.Equal(t, "A > B", parents[0].TitlePath)
		assert.Equal(t, "C", parents[1].TitlePath)
	})

	t.Run("should split an oversized section into multiple parents", func(t *testing.T) {
		var sb strings.Builder
		sb.WriteString("# Big\n\n")
		for i := 0; i < 10; i++ {
			words := make([]string, 60)
			for j := range words {
				words[j] = "text"
			}
			sb.WriteString(strings.Join(words, " "))
			sb.WriteString("\n\n")
		}

		parents := ChunkText(sb.String(), ChunkerConfig{ParentTokenLimit: 200, ChildTokenLimit: 100, ChildOverlap: 20})
		require.True(t, len(parents) >= 3)
		for _, parent := range parents {
			assert.Equal(t, "Big", parent.TitlePath)
			assert.True(t, parent.TokenCount <= 240)
		}
	})

	t.Run("should not treat hash mid-line as a heading", func(t *testing.T) {
		parents := ChunkText("issue #42 is not a heading\n\nand ###tag neither", DefaultChunkerConfig())
		require.Len(t, parents, 1)
		assert.Equal(t, "", parents[0].TitlePath)
	})

	t.Run("should be deterministic", func(t *testing.T) {
		text := "# T\n\nsome body text that chunks the same way every time it runs"
		assert.Equal(t, ChunkText(text, DefaultChunkerConfig()), ChunkText(text, DefaultChunkerConfig()))
	})
}

func TestCountTokens(t *testing.T) {
	assert.Equal(t, 0, CountTokens(""))
	assert.Equal(t, 3, CountTokens("one  two\nthree"))
}
