package registry

import (
	"errors"
	"fmt"

	"github.com/ocidist/registryd/pkg/digest"
	"github.com/ocidist/registryd/pkg/manifest"
	"github.com/ocidist/registryd/pkg/ocierrors"
	"github.com/ocidist/registryd/pkg/storage"
	"github.com/ocidist/registryd/pkg/upload"
)

func uploadLocation(repo, sessionID string) string {
	return fmt.Sprintf("/v2/%s/blobs/uploads/%s", repo, sessionID)
}

func blobLocation(repo string, d digest.Digest) string {
	return fmt.Sprintf("/v2/%s/blobs/%s", repo, d)
}

// translateUploadErr maps storage/upload sentinel errors to the OCI
// error taxonomy for the blob-upload operations (spec.md §4.1/§4.2).
func translateUploadErr(err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return ocierrors.New(ocierrors.CodeBlobUploadUnknown, "upload session unknown")
	case errors.Is(err, storage.ErrOutOfOrder):
		return ocierrors.New(ocierrors.CodeExtBlobUploadOutOfOrder, "chunk out of order")
	case errors.Is(err, storage.ErrDigestMismatch):
		return ocierrors.New(ocierrors.CodeDigestInvalid, "digest mismatch")
	case errors.Is(err, upload.ErrMissingContentRange), errors.Is(err, upload.ErrMalformedContentRange):
		return ocierrors.New(ocierrors.CodeBlobUploadInvalid, err.Error())
	default:
		return ocierrors.Internal(err)
	}
}

func translateBlobErr(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return ocierrors.New(ocierrors.CodeBlobUnknown, "blob unknown")
	}
	return ocierrors.Internal(err)
}

func translateManifestErr(err error) error {
	switch {
	case errors.Is(err, manifest.ErrTooLarge):
		return ocierrors.New(ocierrors.CodeSizeInvalid, err.Error())
	case errors.Is(err, manifest.ErrInvalidJSON):
		return ocierrors.New(ocierrors.CodeManifestInvalid, err.Error())
	case errors.Is(err, manifest.ErrReferencedBlobUnknown):
		return ocierrors.New(ocierrors.CodeManifestBlobUnknown, err.Error())
	default:
		return ocierrors.Internal(err)
	}
}

func translateManifestLookupErr(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return ocierrors.New(ocierrors.CodeManifestUnknown, "manifest unknown")
	}
	return ocierrors.Internal(err)
}
