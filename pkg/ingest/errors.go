// Package ingest runs the document pipeline: fetch, parse, clean,
// chunk, embed, index, publish.
package ingest

import (
	"errors"
	"fmt"

	"github.com/puppet4/tkp-platform/pkg/models"
)

// Stage error codes surfaced on jobs and events
const (
	CodeFetchFailed     = "fetch_failed"
	CodeObjectMissing   = "object_missing"
	CodeUnsupportedMime = "unsupported_mime"
	CodeParseFailed     = "parse_failed"
	CodeEmptyContent    = "empty_content"
	CodeChunkFailed     = "chunk_failed"
	CodeEmbedFailed     = "embed_failed"
	CodeIndexFailed     = "index_failed"
	CodePublishFailed   = "publish_failed"
	CodeCanceled        = "canceled"
)

// StageError carries which stage failed and whether retrying can
// help. Permanent failures dead letter immediately; transient ones
// consume an attempt and back off.
type StageError struct {
	Stage     models.JobStage
	Code      string
	Permanent bool
	Err       error
}

// Error implements error
func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed (%s): %v", e.Stage, e.Code, e.Err)
}

// Unwrap exposes the cause
func (e *StageError) Unwrap() error {
	return e.Err
}

// NewTransient wraps an error as a retryable stage failure
func NewTransient(stage models.JobStage, code string, err error) *StageError {
	return &StageError{Stage: stage, Code: code, Err: err}
}

// NewPermanent wraps an error as a non-retryable stage failure
func NewPermanent(stage models.JobStage, code string, err error) *StageError {
	return &StageError{Stage: stage, Code: code, Permanent: true, Err: err}
}

// ErrCanceled aborts the pipeline between stages when a cancel has
// been requested for the job.
var ErrCanceled = errors.New("job canceled")

// AsStageError extracts a StageError, classifying unknown errors as
// transient so an unexpected failure gets its retries.
func AsStageError(stage models.JobStage, err error) *StageError {
	var se *StageError
	if errors.As(err, &se) {
		return se
	}
	return NewTransient(stage, "internal", err)
}
