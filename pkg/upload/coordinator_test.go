package upload

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocidist/registryd/pkg/digest"
	"github.com/ocidist/registryd/pkg/storage"
	"github.com/ocidist/registryd/pkg/storage/memstore"
)

func TestCommitHappyPath(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	c := New(store, 10<<20)

	sessionID, err := c.Initiate(ctx, "library/nginx")
	require.NoError(t, err)

	payload := "hello world"
	offset, err := c.AppendChunk(ctx, "library/nginx", sessionID, "0-10", int64(len(payload)), strings.NewReader(payload))
	require.NoError(t, err)
	assert.EqualValues(t, len(payload), offset)

	d := digest.FromBytes([]byte(payload))
	size, err := c.Commit(ctx, "library/nginx", sessionID, "", 0, nil, d)
	require.NoError(t, err)
	assert.EqualValues(t, len(payload), size)

	gotSize, err := store.BlobExists(ctx, "library/nginx", d)
	require.NoError(t, err)
	assert.EqualValues(t, len(payload), gotSize)
}

func TestAppendChunkRejectsOutOfOrderStart(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	c := New(store, 10<<20)

	sessionID, err := c.Initiate(ctx, "library/nginx")
	require.NoError(t, err)

	_, err = c.AppendChunk(ctx, "library/nginx", sessionID, "5-9", 5, strings.NewReader("abcde"))
	assert.ErrorIs(t, err, storage.ErrOutOfOrder)
}

func TestAppendChunkRejectsMismatchedEnd(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	c := New(store, 10<<20)

	sessionID, err := c.Initiate(ctx, "library/nginx")
	require.NoError(t, err)

	_, err = c.AppendChunk(ctx, "library/nginx", sessionID, "0-99", 5, strings.NewReader("abcde"))
	assert.ErrorIs(t, err, storage.ErrOutOfOrder)
}

func TestCommitDigestMismatchLeavesSessionAppending(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	c := New(store, 10<<20)

	sessionID, err := c.Initiate(ctx, "library/nginx")
	require.NoError(t, err)

	_, err = c.AppendChunk(ctx, "library/nginx", sessionID, "0-4", 5, strings.NewReader("abcde"))
	require.NoError(t, err)

	wrongDigest := digest.FromBytes([]byte("something else"))
	_, err = c.Commit(ctx, "library/nginx", sessionID, "", 0, nil, wrongDigest)
	assert.ErrorIs(t, err, storage.ErrDigestMismatch)

	offset, err := c.Status(ctx, "library/nginx", sessionID)
	require.NoError(t, err)
	assert.EqualValues(t, 5, offset)
}

func TestCancelDeletesSession(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	c := New(store, 10<<20)

	sessionID, err := c.Initiate(ctx, "library/nginx")
	require.NoError(t, err)

	require.NoError(t, c.Cancel(ctx, "library/nginx", sessionID))
	_, err = c.Status(ctx, "library/nginx", sessionID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestParseContentRangeRejectsGarbage(t *testing.T) {
	_, err := ParseContentRange("not-a-range")
	assert.ErrorIs(t, err, ErrMalformedContentRange)

	_, err = ParseContentRange("10-5")
	assert.ErrorIs(t, err, ErrMalformedContentRange)
}
