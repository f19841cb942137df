package ingest

import (
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/puppet4/tkp-platform/pkg/models"
)

// Parse extracts plain text from raw document bytes. Markdown passes
// through untouched so heading structure survives to the chunker.
// Unconfigured formats (pdf, images) fail permanently: retrying
// cannot make a parser appear.
func Parse(raw []byte, mimeType string) (string, error) {
	switch normalizeMime(mimeType) {
	case "text/plain", "text/markdown", "":
		if !utf8.Valid(raw) {
			return "", NewPermanent(models.JobStageParse, CodeParseFailed, errors.New("content is not valid UTF-8"))
		}
		return string(raw), nil
	case "text/html":
		if !utf8.Valid(raw) {
			return "", NewPermanent(models.JobStageParse, CodeParseFailed, errors.New("content is not valid UTF-8"))
		}
		return stripHTML(string(raw)), nil
	case "application/pdf":
		return "", NewPermanent(models.JobStageParse, CodeUnsupportedMime, errors.New("pdf parser not configured"))
	default:
		return "", NewPermanent(models.JobStageParse, CodeUnsupportedMime, errors.Errorf("no parser for %q", mimeType))
	}
}

func normalizeMime(mimeType string) string {
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	return strings.ToLower(strings.TrimSpace(mimeType))
}

// stripHTML drops tags and decodes nothing; entity-heavy documents
// should arrive as markdown or plain text.
func stripHTML(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))

	inTag := false
	inScript := false
	lower := strings.ToLower(s)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inScript {
			if c == '<' && (strings.HasPrefix(lower[i:], "</script") || strings.HasPrefix(lower[i:], "</style")) {
				inScript = false
				inTag = true
			}
			continue
		}
		switch {
		case c == '<':
			if strings.HasPrefix(lower[i:], "<script") || strings.HasPrefix(lower[i:], "<style") {
				inScript = true
				continue
			}
			inTag = true
		case c == '>' && inTag:
			inTag = false
			sb.WriteByte(' ')
		case !inTag:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}
