package digest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromBytesMatchesKnownVector(t *testing.T) {
	d := FromBytes([]byte("hello"))
	assert.Equal(t, Digest("sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"), d)
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse("not-a-digest")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDigestInvalid)
}

func TestLooksLikeDigestDistinguishesTagsFromDigests(t *testing.T) {
	assert.True(t, LooksLikeDigest("sha256:"+strings.Repeat("a", 64)))
	assert.False(t, LooksLikeDigest("latest"))
	assert.False(t, LooksLikeDigest("v1.2.3"))
}

func TestVerifierDetectsMismatch(t *testing.T) {
	expected := FromBytes([]byte("hello"))
	v, err := NewVerifier(expected)
	require.NoError(t, err)
	_, _ = v.Write([]byte("goodbye"))
	assert.False(t, v.Verified())

	v2, err := NewVerifier(expected)
	require.NoError(t, err)
	_, _ = v2.Write([]byte("hello"))
	assert.True(t, v2.Verified())
}

func TestComputeFromReader(t *testing.T) {
	d, err := Compute(strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, FromBytes([]byte("hello")), d)
}
