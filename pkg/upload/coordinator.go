// Package upload implements the UploadCoordinator (spec.md §4.2): the
// blob upload session state machine, Content-Range ordering, and the
// commit protocol. It is grounded on cue-labs-oci's ociserver/writer.go
// chunkRange handling for the range-parsing rules, composed with the
// pack's storage.Adapter for session persistence and at-most-once
// commit.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ocidist/registryd/pkg/digest"
	"github.com/ocidist/registryd/pkg/storage"
)

// ErrMissingContentRange names a PATCH chunk append that omits the
// required Content-Range header. AppendChunk never returns it (an
// empty contentRange appends at the current offset); see AppendChunk.
var ErrMissingContentRange = errors.New("upload: missing Content-Range header")

// ErrMalformedContentRange is returned when a Content-Range header does
// not parse as "start-end".
var ErrMalformedContentRange = errors.New("upload: malformed Content-Range header")

// Coordinator enforces the upload state machine on top of a
// storage.Adapter, which is the sole source of truth for session
// offsets (design note: "sessions without global registries" — no
// in-process session map here, so a restart never loses session state
// the adapter didn't already persist).
type Coordinator struct {
	store        storage.Adapter
	maxChunkSize int64
}

// New builds a Coordinator. maxChunkSize bounds a single PATCH/POST/PUT
// body (spec.md §4.1, max_blob_upload_chunk_size).
func New(store storage.Adapter, maxChunkSize int64) *Coordinator {
	return &Coordinator{store: store, maxChunkSize: maxChunkSize}
}

// Range is a closed byte range as carried by Content-Range
// ("start-end", End inclusive).
type Range struct {
	Start, End int64
}

// ParseContentRange parses a "start-end" header value.
func ParseContentRange(s string) (Range, error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return Range{}, ErrMalformedContentRange
	}
	start, err1 := strconv.ParseInt(parts[0], 10, 64)
	end, err2 := strconv.ParseInt(parts[1], 10, 64)
	if err1 != nil || err2 != nil || start < 0 || end < start {
		return Range{}, ErrMalformedContentRange
	}
	return Range{Start: start, End: end}, nil
}

// Initiate creates a new session for repo.
func (c *Coordinator) Initiate(ctx context.Context, repo string) (string, error) {
	return c.store.InitiateUpload(ctx, repo)
}

// Status returns a session's current cumulative offset, or
// storage.ErrNotFound (translated by the Registry into
// BLOB_UPLOAD_UNKNOWN) if the session is not live.
func (c *Coordinator) Status(ctx context.Context, repo, sessionID string) (int64, error) {
	sess, err := c.store.UploadExists(ctx, repo, sessionID)
	if err != nil {
		return 0, err
	}
	return sess.Offset, nil
}

// AppendChunk appends body to the session, enforcing the Content-Range
// ordering contract when contentRange is non-empty. contentRange may
// be empty only for the monolithic POST/PUT paths the Registry calls
// without a range header; callers that received a PATCH with no
// Content-Range header at all must pass ErrMissingContentRange up
// themselves (the coordinator cannot distinguish "no header" from
// "caller chose not to require one" once it only sees a parsed value).
func (c *Coordinator) AppendChunk(ctx context.Context, repo, sessionID string, contentRange string, size int64, body io.Reader) (int64, error) {
	if size > c.maxChunkSize {
		return 0, fmt.Errorf("upload: chunk size %d exceeds max %d", size, c.maxChunkSize)
	}

	sess, err := c.store.UploadExists(ctx, repo, sessionID)
	if err != nil {
		return 0, err
	}

	start := sess.Offset
	if contentRange != "" {
		rng, err := ParseContentRange(contentRange)
		if err != nil {
			return 0, err
		}
		if rng.Start != sess.Offset {
			return 0, storage.ErrOutOfOrder
		}
		if rng.End != rng.Start+size-1 {
			return 0, storage.ErrOutOfOrder
		}
		start = rng.Start
	}

	return c.store.AppendUpload(ctx, repo, sessionID, start, size, body)
}

// Commit appends any trailing body (per the commit protocol's step 1),
// then verifies the accumulated bytes hash to expected and atomically
// promotes them into the blob store, deleting the session. Returns
// storage.ErrDigestMismatch (session remains Appending, client may
// retry) or storage.ErrNotFound (no such live session, including the
// race where a concurrent commit already won — the "at-most-once"
// guarantee in spec.md §4.2).
func (c *Coordinator) Commit(ctx context.Context, repo, sessionID, contentRange string, finalSize int64, finalBody io.Reader, expected digest.Digest) (int64, error) {
	if finalSize > 0 {
		if _, err := c.AppendChunk(ctx, repo, sessionID, contentRange, finalSize, finalBody); err != nil {
			return 0, err
		}
	}
	return c.store.CommitUpload(ctx, repo, sessionID, expected)
}

// Cancel deletes the session, or storage.ErrNotFound.
func (c *Coordinator) Cancel(ctx context.Context, repo, sessionID string) error {
	return c.store.CancelUpload(ctx, repo, sessionID)
}
