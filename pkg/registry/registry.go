// Package registry implements the Registry policy-composition layer
// (spec.md §4.1): repository name validation, size caps, deletion
// gates, and orchestration of the UploadCoordinator, ManifestValidator,
// and StorageAdapter behind a single operation surface the
// ProtocolHandler calls. It is grounded on the teacher's
// pkg/registry/handlers.go request-to-backend-call shape, generalized
// from one hard-wired S3 backend to the StorageAdapter/AuthAdapter
// interfaces this engine defines.
package registry

import (
	"context"
	"io"
	"regexp"

	"github.com/ocidist/registryd/pkg/digest"
	"github.com/ocidist/registryd/pkg/manifest"
	"github.com/ocidist/registryd/pkg/ocierrors"
	"github.com/ocidist/registryd/pkg/regauth"
	"github.com/ocidist/registryd/pkg/storage"
	"github.com/ocidist/registryd/pkg/upload"
)

// Config is the Registry's explicit configuration surface (spec.md
// §4.1).
type Config struct {
	Realm                  string
	MaxManifestSize        int64
	MaxBlobUploadChunkSize int64
	EnableBlobDeletion     bool
	EnableManifestDeletion bool
	RepoNamePattern        *regexp.Regexp
}

// Registry composes the StorageAdapter and AuthAdapter interfaces with
// the UploadCoordinator and ManifestValidator into the one surface the
// ProtocolHandler drives.
type Registry struct {
	cfg   Config
	store storage.Adapter
	auth  regauth.Adapter

	upload   *upload.Coordinator
	manifest *manifest.Validator
}

// New builds a Registry over store and auth.
func New(cfg Config, store storage.Adapter, auth regauth.Adapter) *Registry {
	return &Registry{
		cfg:      cfg,
		store:    store,
		auth:     auth,
		upload:   upload.New(store, cfg.MaxBlobUploadChunkSize),
		manifest: manifest.New(store, cfg.MaxManifestSize),
	}
}

// Auth exposes the configured AuthAdapter so the ProtocolHandler can
// authenticate/authorize/challenge before invoking an operation, per
// the data flow in spec.md §2: "ProtocolHandler -> (AuthAdapter ->
// Registry -> ...)".
func (r *Registry) Auth() regauth.Adapter { return r.auth }

// ValidateRepositoryName checks repo against the configured pattern.
func (r *Registry) ValidateRepositoryName(repo string) error {
	if r.cfg.RepoNamePattern == nil || r.cfg.RepoNamePattern.MatchString(repo) {
		return nil
	}
	return ocierrors.New(ocierrors.CodeNameInvalid, "invalid repository name")
}

// InitiateBlobUpload starts a new upload session and returns the URL
// path clients should PATCH/PUT against.
func (r *Registry) InitiateBlobUpload(ctx context.Context, repo string) (string, error) {
	if err := r.ValidateRepositoryName(repo); err != nil {
		return "", err
	}
	sessionID, err := r.upload.Initiate(ctx, repo)
	if err != nil {
		return "", ocierrors.Internal(err)
	}
	return uploadLocation(repo, sessionID), nil
}

// UploadBlobChunk appends a chunk to an in-progress session, enforcing
// the per-chunk size cap (spec.md §4.1, "size verification").
func (r *Registry) UploadBlobChunk(ctx context.Context, repo, sessionID, contentRange string, size int64, body io.Reader) (newOffset int64, err error) {
	if size > r.cfg.MaxBlobUploadChunkSize {
		return 0, ocierrors.New(ocierrors.CodeSizeInvalid, "chunk exceeds max_blob_upload_chunk_size")
	}
	newOffset, err = r.upload.AppendChunk(ctx, repo, sessionID, contentRange, size, body)
	if err != nil {
		return 0, translateUploadErr(err)
	}
	return newOffset, nil
}

// GetBlobUploadStatus returns a session's current cumulative offset.
func (r *Registry) GetBlobUploadStatus(ctx context.Context, repo, sessionID string) (int64, error) {
	offset, err := r.upload.Status(ctx, repo, sessionID)
	if err != nil {
		return 0, translateUploadErr(err)
	}
	return offset, nil
}

// CompleteBlobUpload appends any trailing bytes and commits the
// session under claimedDigest.
func (r *Registry) CompleteBlobUpload(ctx context.Context, repo, sessionID, contentRange string, finalSize int64, finalBody io.Reader, claimedDigest digest.Digest) (string, error) {
	if err := digest.Validate(claimedDigest); err != nil {
		return "", ocierrors.New(ocierrors.CodeDigestInvalid, "invalid digest")
	}
	if finalSize > r.cfg.MaxBlobUploadChunkSize {
		return "", ocierrors.New(ocierrors.CodeSizeInvalid, "final chunk exceeds max_blob_upload_chunk_size")
	}
	_, err := r.upload.Commit(ctx, repo, sessionID, contentRange, finalSize, finalBody, claimedDigest)
	if err != nil {
		return "", translateUploadErr(err)
	}
	return blobLocation(repo, claimedDigest), nil
}

// CancelBlobUpload deletes an in-progress session.
func (r *Registry) CancelBlobUpload(ctx context.Context, repo, sessionID string) error {
	if err := r.upload.Cancel(ctx, repo, sessionID); err != nil {
		return translateUploadErr(err)
	}
	return nil
}

// MountBlob implements cross-repository mount (spec.md §4.4): a
// missing source repository is NAME_UNKNOWN, but a source repository
// that exists without the requested blob falls through to a fresh
// upload session rather than failing outright.
func (r *Registry) MountBlob(ctx context.Context, repo, fromRepo string, d digest.Digest) (blobLoc string, uploadLoc string, err error) {
	exists, err := r.store.RepositoryExists(ctx, fromRepo)
	if err != nil {
		return "", "", ocierrors.Internal(err)
	}
	if !exists {
		return "", "", ocierrors.New(ocierrors.CodeNameUnknown, "source repository unknown")
	}
	if _, err := r.store.MountBlob(ctx, repo, fromRepo, d); err == nil {
		return blobLocation(repo, d), "", nil
	} else if err != storage.ErrNotFound {
		return "", "", ocierrors.Internal(err)
	}
	loc, err := r.InitiateBlobUpload(ctx, repo)
	if err != nil {
		return "", "", err
	}
	return "", loc, nil
}

// BlobExists returns a blob's size, or BLOB_UNKNOWN.
func (r *Registry) BlobExists(ctx context.Context, repo string, d digest.Digest) (int64, error) {
	size, err := r.store.BlobExists(ctx, repo, d)
	if err != nil {
		return 0, translateBlobErr(err)
	}
	return size, nil
}

// GetBlob returns a blob's bytes, or BLOB_UNKNOWN.
func (r *Registry) GetBlob(ctx context.Context, repo string, d digest.Digest) (io.ReadCloser, int64, error) {
	rc, size, err := r.store.GetBlob(ctx, repo, d)
	if err != nil {
		return nil, 0, translateBlobErr(err)
	}
	return rc, size, nil
}

// DeleteBlob removes a blob, honoring the blob-deletion gate.
func (r *Registry) DeleteBlob(ctx context.Context, repo string, d digest.Digest) error {
	if !r.cfg.EnableBlobDeletion {
		return ocierrors.New(ocierrors.CodeUnsupported, "blob deletion is disabled")
	}
	if err := r.store.DeleteBlob(ctx, repo, d); err != nil {
		return translateBlobErr(err)
	}
	return nil
}

// StoreManifest validates and persists a manifest (spec.md §4.3).
func (r *Registry) StoreManifest(ctx context.Context, repo, reference string, data []byte, contentType string) (digest.Digest, error) {
	d, err := r.manifest.Store(ctx, repo, reference, data, contentType)
	if err != nil {
		return "", translateManifestErr(err)
	}
	return d, nil
}

// GetManifest returns a manifest's bytes, media type, and digest.
func (r *Registry) GetManifest(ctx context.Context, repo, reference string) ([]byte, string, digest.Digest, error) {
	data, mediaType, d, err := r.store.GetManifest(ctx, repo, reference)
	if err != nil {
		return nil, "", "", translateManifestLookupErr(err)
	}
	return data, mediaType, d, nil
}

// ManifestMetadata returns a manifest's media type, size, and digest
// without its bytes.
func (r *Registry) ManifestMetadata(ctx context.Context, repo, reference string) (string, int64, digest.Digest, error) {
	info, d, err := r.store.ManifestExists(ctx, repo, reference)
	if err != nil {
		return "", 0, "", translateManifestLookupErr(err)
	}
	return info.MediaType, info.Size, d, nil
}

// DeleteManifest removes a manifest by digest, honoring the
// manifest-deletion gate. Per spec.md §4.1, "tag-delete refusal
// (manifest deletion requires digest)" — callers must resolve a tag
// reference to its digest before calling this, which the
// ProtocolHandler enforces by rejecting non-digest DELETE references
// with MANIFEST_INVALID before reaching here.
func (r *Registry) DeleteManifest(ctx context.Context, repo string, d digest.Digest) error {
	if !r.cfg.EnableManifestDeletion {
		return ocierrors.New(ocierrors.CodeUnsupported, "manifest deletion is disabled")
	}
	if err := r.store.DeleteManifest(ctx, repo, d); err != nil {
		if err == storage.ErrNotFound {
			return ocierrors.New(ocierrors.CodeManifestUnknown, "manifest unknown")
		}
		return ocierrors.Internal(err)
	}
	return nil
}

// ListTags returns repo's tags, paginated.
func (r *Registry) ListTags(ctx context.Context, repo string, n int, last string) (storage.TagPage, error) {
	page, err := r.store.ListTags(ctx, repo, n, last)
	if err != nil {
		if err == storage.ErrNotFound {
			return storage.TagPage{}, ocierrors.New(ocierrors.CodeNameUnknown, "repository unknown")
		}
		return storage.TagPage{}, ocierrors.Internal(err)
	}
	return page, nil
}
