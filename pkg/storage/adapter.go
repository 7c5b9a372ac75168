// Package storage defines the StorageAdapter contract (spec.md §4.7):
// persistence of blobs, manifests, tags, and upload sessions. It is a
// narrow interface the Registry and UploadCoordinator depend on; the
// concrete implementations live in pkg/storage/pgminio (production,
// Postgres + MinIO) and pkg/storage/memstore (in-memory, for tests).
package storage

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/ocidist/registryd/pkg/digest"
)

// Sentinel errors returned by Adapter methods. Callers (the Registry)
// translate these into typed ocierrors with policy context; the
// adapter itself knows nothing about HTTP or the OCI error taxonomy.
var (
	ErrNotFound      = errors.New("storage: not found")
	ErrAlreadyExists = errors.New("storage: already exists")
	ErrDigestMismatch = errors.New("storage: digest mismatch")
	ErrOutOfOrder    = errors.New("storage: append out of order")
)

// BlobInfo describes a stored blob or manifest's size and, for
// manifests, media type.
type BlobInfo struct {
	Digest    digest.Digest
	Size      int64
	MediaType string
}

// UploadSession is the persisted record behind an in-progress blob
// upload (spec.md §3 "UploadSession"). It is never held only in
// process memory: the StorageAdapter is the source of truth so a
// restart does not silently lose in-flight uploads (design note,
// "sessions without global registries").
type UploadSession struct {
	Repo      string
	SessionID string
	Offset    int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TagPage is a page of a repository's sorted tag list.
type TagPage struct {
	Tags []string
}

// Adapter is the StorageAdapter contract. Implementations MUST be safe
// for concurrent use across different repositories and different
// sessions; operations on the same session may be serialized by the
// implementation (spec.md §4.7).
type Adapter interface {
	// RepositoryExists reports whether repo has been implicitly created
	// by a prior blob upload or manifest put.
	RepositoryExists(ctx context.Context, repo string) (bool, error)

	// BlobExists returns the blob's size, or ErrNotFound.
	BlobExists(ctx context.Context, repo string, d digest.Digest) (int64, error)
	// GetBlob returns a reader for the blob's bytes, or ErrNotFound.
	GetBlob(ctx context.Context, repo string, d digest.Digest) (io.ReadCloser, int64, error)
	// PutBlob stores size bytes read from r under d in repo, computing
	// and verifying the digest as it streams. Returns ErrDigestMismatch
	// if the streamed bytes do not hash to d. No registry operation
	// calls this directly (blobs arrive only via the upload session
	// state machine's CommitUpload); it exists for tests to seed a
	// blob without going through that whole flow.
	PutBlob(ctx context.Context, repo string, d digest.Digest, size int64, r io.Reader) error
	// DeleteBlob removes a blob from repo, or ErrNotFound.
	DeleteBlob(ctx context.Context, repo string, d digest.Digest) error
	// MountBlob makes the blob already present in fromRepo available in
	// repo without the caller retransmitting it. Returns ErrNotFound if
	// the blob is not present in fromRepo.
	MountBlob(ctx context.Context, repo, fromRepo string, d digest.Digest) (int64, error)

	// InitiateUpload creates a new session for repo and returns its ID.
	InitiateUpload(ctx context.Context, repo string) (string, error)
	// UploadExists reports whether a session is still live (Created or
	// Appending), returning its current state, or ErrNotFound.
	UploadExists(ctx context.Context, repo, sessionID string) (*UploadSession, error)
	// AppendUpload appends size bytes read from r at the given start
	// offset, after validating start equals the session's current
	// offset. Returns ErrOutOfOrder on a misaligned start, or
	// ErrNotFound if the session is not live.
	AppendUpload(ctx context.Context, repo, sessionID string, start, size int64, r io.Reader) (newOffset int64, err error)
	// CommitUpload verifies the session's accumulated bytes hash to
	// expected, and if so atomically promotes them into the blob store
	// under that digest and deletes the session. Returns
	// ErrDigestMismatch (session remains Appending) or ErrNotFound (no
	// such live session — including the race where a concurrent commit
	// already won).
	CommitUpload(ctx context.Context, repo, sessionID string, expected digest.Digest) (int64, error)
	// CancelUpload deletes the session, or ErrNotFound.
	CancelUpload(ctx context.Context, repo, sessionID string) error

	// GetManifest returns a manifest's bytes and media type by tag or
	// digest reference, or ErrNotFound.
	GetManifest(ctx context.Context, repo, reference string) ([]byte, string, digest.Digest, error)
	// ManifestExists reports a manifest's size/media type by reference
	// without reading its bytes, or ErrNotFound.
	ManifestExists(ctx context.Context, repo, reference string) (*BlobInfo, digest.Digest, error)
	// PutManifest stores manifest bytes under their digest d, and, if
	// reference is a tag (not a digest reference), points that tag at
	// d. The caller (ManifestValidator) has already verified referenced
	// blobs exist and computed d from the exact received bytes.
	PutManifest(ctx context.Context, repo, reference string, d digest.Digest, data []byte, mediaType string) error
	// DeleteManifest removes the manifest stored under digest d (and
	// any tags pointing at it) from repo, or ErrNotFound.
	DeleteManifest(ctx context.Context, repo string, d digest.Digest) error

	// ListTags returns repo's tags in lexicographic order, at most n
	// (0 means no limit), strictly greater than last if last is
	// non-empty. Returns ErrNotFound if repo is unknown.
	ListTags(ctx context.Context, repo string, n int, last string) (TagPage, error)
}
