package ingest

import (
	"strings"
)

// ChunkerConfig controls chunk sizing. Limits are measured in tokens,
// approximated as whitespace-delimited words.
type ChunkerConfig struct {
	ParentTokenLimit int
	ChildTokenLimit  int
	ChildOverlap     int
}

// DefaultChunkerConfig returns the sizing used in production
func DefaultChunkerConfig() ChunkerConfig {
	return ChunkerConfig{
		ParentTokenLimit: 800,
		ChildTokenLimit:  200,
		ChildOverlap:     40,
	}
}

// Parent is a context block produced by chunking. Children are the
// retrieval units recall matches against; at query time the parent's
// text is what gets packed into context.
type Parent struct {
	TitlePath  string
	Text       string
	TokenCount int
	Children   []Piece
}

// Piece is one child chunk of a parent
type Piece struct {
	Text       string
	TokenCount int
}

// CountTokens approximates the token count of a text
func CountTokens(text string) int {
	return len(strings.Fields(text))
}

// ChunkText splits cleaned text into parent blocks with overlapping
// child chunks. Markdown headings segment the document and build each
// block's title path; oversized sections split on paragraph
// boundaries. Deterministic: the same text always yields the same
// chunks, which keeps re-runs of the chunk stage idempotent.
func ChunkText(text string, cfg ChunkerConfig) []Parent {
	def := DefaultChunkerConfig()
	if cfg.ParentTokenLimit <= 0 {
		cfg.ParentTokenLimit = def.ParentTokenLimit
	}
	if cfg.ChildTokenLimit <= 0 {
		cfg.ChildTokenLimit = def.ChildTokenLimit
	}
	if cfg.ChildOverlap < 0 || cfg.ChildOverlap >= cfg.ChildTokenLimit {
		cfg.ChildOverlap = cfg.ChildTokenLimit / 5
	}

	sections := splitSections(text)

	var parents []Parent
	for _, sec := range sections {
		for _, block := range splitBlocks(sec.body, cfg.ParentTokenLimit) {
			tokens := CountTokens(block)
			if tokens == 0 {
				continue
			}
			parents = append(parents, Parent{
				TitlePath:  sec.titlePath,
				Text:       block,
				TokenCount: tokens,
				Children:   splitChildren(block, cfg.ChildTokenLimit, cfg.ChildOverlap),
			})
		}
	}
	return parents
}

type section struct {
	titlePath string
	body      string
}

// splitSections walks markdown headings, maintaining a heading stack
// so each section knows its full title path.
func splitSections(text string) []section {
	lines := strings.Split(text, "\n")

	var sections []section
	var body []string
	titles := make([]string, 0, 6)
	path := ""

	flush := func() {
		joined := strings.TrimSpace(strings.Join(body, "\n"))
		if joined != "" {
			sections = append(sections, section{titlePath: path, body: joined})
		}
		body = body[:0]
	}

	for _, line := range lines {
		level, title := headingOf(line)
		if level == 0 {
			body = append(body, line)
			continue
		}

		flush()
		if level <= len(titles) {
			titles = titles[:level-1]
		}
		titles = append(titles, title)
		path = strings.Join(titles, " > ")
	}
	flush()

	return sections
}

func headingOf(line string) (int, string) {
	trimmed := strings.TrimSpace(line)
	level := 0
	for level < len(trimmed) && trimmed[level] == '#' {
		level++
	}
	if level == 0 || level > 6 || level == len(trimmed) || trimmed[level] != ' ' {
		return 0, ""
	}
	return level, strings.TrimSpace(trimmed[level:])
}

// splitBlocks packs paragraphs into blocks of at most limit tokens. A
// single paragraph over the limit becomes its own block and is left
// for child windowing to cut down.
func splitBlocks(body string, limit int) []string {
	paragraphs := strings.Split(body, "\n\n")

	var blocks []string
	var current []string
	currentTokens := 0

	flush := func() {
		if len(current) > 0 {
			blocks = append(blocks, strings.Join(current, "\n\n"))
			current = current[:0]
			currentTokens = 0
		}
	}

	for _, p := range paragraphs {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		tokens := CountTokens(p)
		if currentTokens > 0 && currentTokens+tokens > limit {
			flush()
		}
		current = append(current, p)
		currentTokens += tokens
		if currentTokens >= limit {
			flush()
		}
	}
	flush()

	return blocks
}

// splitChildren windows a parent's words with overlap, preserving
// context continuity across window boundaries.
func splitChildren(block string, limit, overlap int) []Piece {
	words := strings.Fields(block)
	if len(words) == 0 {
		return nil
	}
	if len(words) <= limit {
		return []Piece{{Text: block, TokenCount: len(words)}}
	}

	var pieces []Piece
	start := 0
	for start < len(words) {
		end := start + limit
		if end > len(words) {
			end = len(words)
		}
		pieces = append(pieces, Piece{
			Text:       strings.Join(words[start:end], " "),
			TokenCount: end - start,
		})
		if end == len(words) {
			break
		}
		start = end - overlap
	}
	return pieces
}
