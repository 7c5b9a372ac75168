package manifest

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocidist/registryd/pkg/digest"
	"github.com/ocidist/registryd/pkg/storage"
	"github.com/ocidist/registryd/pkg/storage/memstore"
)

func putBlob(t *testing.T, store *memstore.Store, repo string, data []byte) digest.Digest {
	t.Helper()
	d := digest.FromBytes(data)
	require.NoError(t, store.PutBlob(context.Background(), repo, d, int64(len(data)), strings.NewReader(string(data))))
	return d
}

func TestStoreRejectsUnknownReferencedBlob(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	v := New(store, 4<<20)

	configDigest := digest.FromBytes([]byte("config"))
	doc, _ := json.Marshal(manifestShape{Config: &ocispec.Descriptor{Digest: configDigest, Size: 6}})

	_, err := v.Store(ctx, "library/nginx", "latest", doc, "application/vnd.oci.image.manifest.v1+json")
	assert.ErrorIs(t, err, ErrReferencedBlobUnknown)
}

func TestStoreSucceedsWhenReferencedBlobsExist(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	v := New(store, 4<<20)

	configData := []byte("config-bytes")
	layerData := []byte("layer-bytes")
	configDigest := putBlob(t, store, "library/nginx", configData)
	layerDigest := putBlob(t, store, "library/nginx", layerData)

	doc, _ := json.Marshal(manifestShape{
		Config: &ocispec.Descriptor{Digest: configDigest, Size: int64(len(configData))},
		Layers: []ocispec.Descriptor{{Digest: layerDigest, Size: int64(len(layerData))}},
	})

	d, err := v.Store(ctx, "library/nginx", "latest", doc, "application/vnd.oci.image.manifest.v1+json")
	require.NoError(t, err)
	assert.Equal(t, digest.FromBytes(doc), d)

	gotData, _, gotDigest, err := store.GetManifest(ctx, "library/nginx", "latest")
	require.NoError(t, err)
	assert.Equal(t, doc, gotData)
	assert.Equal(t, d, gotDigest)
}

func TestStoreRejectsOversizeManifest(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	v := New(store, 4)

	_, err := v.Store(ctx, "library/nginx", "latest", []byte(`{"a":1}`), "application/json")
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestStoreRejectsDigestReferenceMismatch(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	v := New(store, 4<<20)

	doc := []byte(`{}`)
	wrongRef := "sha256:" + strings.Repeat("0", 64)
	_, err := v.Store(ctx, "library/nginx", wrongRef, doc, "application/json")
	assert.ErrorIs(t, err, ErrInvalidJSON)
}

func TestStoreAcceptsCorrectDigestReference(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	v := New(store, 4<<20)

	doc := []byte(`{}`)
	d := digest.FromBytes(doc)
	got, err := v.Store(ctx, "library/nginx", string(d), doc, "application/json")
	require.NoError(t, err)
	assert.Equal(t, d, got)
}

var _ storage.Adapter = (*memstore.Store)(nil)
