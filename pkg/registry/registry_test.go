package registry

import (
	"context"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocidist/registryd/pkg/digest"
	"github.com/ocidist/registryd/pkg/ocierrors"
	"github.com/ocidist/registryd/pkg/regauth"
	"github.com/ocidist/registryd/pkg/storage"
	"github.com/ocidist/registryd/pkg/storage/memstore"
)

func newTestRegistry() *Registry {
	store := memstore.New()
	auth := regauth.New(regauth.Options{Realm: "registryd", JWTSecret: "s"})
	return New(Config{
		MaxManifestSize:        4 << 20,
		MaxBlobUploadChunkSize: 10 << 20,
		EnableBlobDeletion:     true,
		EnableManifestDeletion: true,
		RepoNamePattern:        regexp.MustCompile(`^[a-z0-9]+([._-][a-z0-9]+)*(/[a-z0-9]+([._-][a-z0-9]+)*)*$`),
	}, store, auth)
}

func TestValidateRepositoryNameRejectsUppercase(t *testing.T) {
	reg := newTestRegistry()
	err := reg.ValidateRepositoryName("UPPER")
	var regErr *ocierrors.Error
	require.ErrorAs(t, err, &regErr)
	assert.Equal(t, ocierrors.CodeNameInvalid, regErr.Code)
}

func TestFullBlobUploadLifecycle(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry()

	loc, err := reg.InitiateBlobUpload(ctx, "library/nginx")
	require.NoError(t, err)
	sessionID := loc[strings.LastIndex(loc, "/")+1:]

	payload := "blob-bytes"
	offset, err := reg.UploadBlobChunk(ctx, "library/nginx", sessionID, "0-9", int64(len(payload)), strings.NewReader(payload))
	require.NoError(t, err)
	assert.EqualValues(t, len(payload), offset)

	d := digest.FromBytes([]byte(payload))
	blobLoc, err := reg.CompleteBlobUpload(ctx, "library/nginx", sessionID, "", 0, nil, d)
	require.NoError(t, err)
	assert.Equal(t, blobLocation("library/nginx", d), blobLoc)

	size, err := reg.BlobExists(ctx, "library/nginx", d)
	require.NoError(t, err)
	assert.EqualValues(t, len(payload), size)
}

func TestCompleteBlobUploadRejectsInvalidDigest(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry()
	loc, err := reg.InitiateBlobUpload(ctx, "library/nginx")
	require.NoError(t, err)
	sessionID := loc[strings.LastIndex(loc, "/")+1:]

	_, err = reg.CompleteBlobUpload(ctx, "library/nginx", sessionID, "", 0, nil, "not-a-digest")
	var regErr *ocierrors.Error
	require.ErrorAs(t, err, &regErr)
	assert.Equal(t, ocierrors.CodeDigestInvalid, regErr.Code)
}

func TestDeleteBlobRejectedWhenDisabled(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	auth := regauth.New(regauth.Options{JWTSecret: "s"})
	reg := New(Config{EnableBlobDeletion: false}, store, auth)

	err := reg.DeleteBlob(ctx, "library/nginx", digest.FromBytes([]byte("x")))
	var regErr *ocierrors.Error
	require.ErrorAs(t, err, &regErr)
	assert.Equal(t, ocierrors.CodeUnsupported, regErr.Code)
}

func TestMountBlobRejectsUnknownSourceRepository(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry()

	_, _, err := reg.MountBlob(ctx, "library/nginx", "library/missing", digest.FromBytes([]byte("x")))
	var regErr *ocierrors.Error
	require.ErrorAs(t, err, &regErr)
	assert.Equal(t, ocierrors.CodeNameUnknown, regErr.Code)
}

func TestMountBlobFallsThroughToUploadWhenBlobMissingInExistingSource(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	auth := regauth.New(regauth.Options{JWTSecret: "s"})
	reg := New(Config{EnableBlobDeletion: true}, store, auth)

	require.NoError(t, store.PutBlob(ctx, "library/source", digest.FromBytes([]byte("unrelated")), int64(len("unrelated")), strings.NewReader("unrelated")))

	blobLoc, uploadLoc, err := reg.MountBlob(ctx, "library/nginx", "library/source", digest.FromBytes([]byte("x")))
	require.NoError(t, err)
	assert.Empty(t, blobLoc)
	assert.NotEmpty(t, uploadLoc)
}

func TestMountBlobSucceedsWhenSourceHasBlob(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry()
	store := memstore.New()
	auth := regauth.New(regauth.Options{JWTSecret: "s"})
	reg = New(Config{EnableBlobDeletion: true}, store, auth)

	data := []byte("shared-layer")
	d := digest.FromBytes(data)
	require.NoError(t, store.PutBlob(ctx, "library/source", d, int64(len(data)), strings.NewReader(string(data))))

	blobLoc, uploadLoc, err := reg.MountBlob(ctx, "library/dest", "library/source", d)
	require.NoError(t, err)
	assert.Empty(t, uploadLoc)
	assert.Equal(t, blobLocation("library/dest", d), blobLoc)
}

func TestStoreAndGetManifestRoundTrip(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry()

	doc := []byte(`{}`)
	d, err := reg.StoreManifest(ctx, "library/nginx", "latest", doc, "application/vnd.oci.image.manifest.v1+json")
	require.NoError(t, err)

	gotData, gotType, gotDigest, err := reg.GetManifest(ctx, "library/nginx", "latest")
	require.NoError(t, err)
	assert.Equal(t, doc, gotData)
	assert.Equal(t, "application/vnd.oci.image.manifest.v1+json", gotType)
	assert.Equal(t, d, gotDigest)
}

func TestListTagsUnknownRepo(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry()
	_, err := reg.ListTags(ctx, "library/does-not-exist", 0, "")
	var regErr *ocierrors.Error
	require.ErrorAs(t, err, &regErr)
	assert.Equal(t, ocierrors.CodeNameUnknown, regErr.Code)
}

var _ storage.Adapter = (*memstore.Store)(nil)
