// Package digest parses, validates, and computes algorithm-qualified
// content digests for blobs and manifests.
package digest

import (
	"fmt"
	"io"

	godigest "github.com/opencontainers/go-digest"
)

// Algorithm identifies a supported digest algorithm. Only sha256 is
// required by the distribution spec; the set is intentionally open.
type Algorithm = godigest.Algorithm

// Canonical is the algorithm every manifest and blob digest in this
// engine is computed with unless a client supplies another supported one.
const Canonical = godigest.SHA256

// Digest is the textual form "algorithm:hex", e.g. "sha256:<64 hex>".
type Digest = godigest.Digest

// ErrDigestInvalid is returned when a textual digest fails to parse or
// does not match the algorithm-qualified grammar.
var ErrDigestInvalid = fmt.Errorf("digest: %w", godigest.ErrDigestInvalidFormat)

// Parse validates the textual form of a digest and, like Validate,
// rejects an algorithm that is not available in this binary. For a
// shape-only check (e.g. distinguishing a tag reference from a digest
// reference) use LooksLikeDigest.
func Parse(s string) (Digest, error) {
	d, err := godigest.Parse(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDigestInvalid, err)
	}
	return d, nil
}

// LooksLikeDigest reports whether s has the algorithm:hex shape,
// without necessarily being computable (used to distinguish manifest
// tag references from digest references per the tag/digest grammar
// split in the data model).
func LooksLikeDigest(s string) bool {
	return godigest.DigestRegexp.MatchString(s)
}

// Validate checks that d is well-formed and that its algorithm is
// available in this binary.
func Validate(d Digest) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrDigestInvalid, err)
	}
	return nil
}

// FromBytes computes the canonical (sha256) digest of the exact bytes
// given. Per the "canonical digest bytes" design note, this must always
// be called on the original received octets, never a re-serialization.
func FromBytes(p []byte) Digest {
	return Canonical.FromBytes(p)
}

// Verifier streams bytes through a digest algorithm's hash and reports
// whether the accumulated hash matches an expected digest, without
// requiring the whole payload to be buffered in memory.
type Verifier struct {
	expected Digest
	v        godigest.Verifier
}

// NewVerifier starts a streaming verification against expected. Returns
// ErrDigestInvalid if expected's algorithm is not available.
func NewVerifier(expected Digest) (*Verifier, error) {
	if err := Validate(expected); err != nil {
		return nil, err
	}
	return &Verifier{expected: expected, v: expected.Verifier()}, nil
}

// Write implements io.Writer, feeding bytes into the running hash.
func (v *Verifier) Write(p []byte) (int, error) {
	return v.v.Write(p)
}

// Verified reports whether the bytes written so far hash to the
// expected digest. Call only after all bytes have been written.
func (v *Verifier) Verified() bool {
	return v.v.Verified()
}

// Compute consumes r to EOF and returns its canonical digest, mirroring
// the "compute" half of the Digest component for callers that already
// have a reader rather than a byte slice (e.g. a completed upload
// session spooled to a temp object).
func Compute(r io.Reader) (Digest, error) {
	d, err := Canonical.FromReader(r)
	if err != nil {
		return "", fmt.Errorf("digest: compute: %w", err)
	}
	return d, nil
}
