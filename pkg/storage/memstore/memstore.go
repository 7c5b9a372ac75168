// Package memstore is an in-memory storage.Adapter used by the
// Registry/UploadCoordinator/ManifestValidator test suite so those
// tests never need a live Postgres or MinIO. It still honors every
// ordering and atomicity rule in the Adapter contract: per-session
// single-writer discipline and atomic commit.
package memstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ocidist/registryd/pkg/digest"
	"github.com/ocidist/registryd/pkg/storage"
)

type blobKey struct {
	repo string
	dig  digest.Digest
}

type blob struct {
	data      []byte
	mediaType string
}

type session struct {
	mu        sync.Mutex
	repo      string
	buf       bytes.Buffer
	createdAt time.Time
	updatedAt time.Time
	live      bool
}

type manifestRecord struct {
	digest    digest.Digest
	mediaType string
	data      []byte
}

// Store is a map-backed storage.Adapter.
type Store struct {
	mu sync.Mutex

	repos     map[string]bool
	blobs     map[blobKey]*blob
	sessions  map[string]*session // key: repo + "/" + sessionID
	manifests map[string]map[digest.Digest]*manifestRecord // repo -> digest -> record
	tags      map[string]map[string]digest.Digest          // repo -> tag -> digest
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		repos:     make(map[string]bool),
		blobs:     make(map[blobKey]*blob),
		sessions:  make(map[string]*session),
		manifests: make(map[string]map[digest.Digest]*manifestRecord),
		tags:      make(map[string]map[string]digest.Digest),
	}
}

func sessionKey(repo, id string) string { return repo + "/" + id }

func (s *Store) ensureRepo(repo string) {
	s.repos[repo] = true
}

func (s *Store) RepositoryExists(ctx context.Context, repo string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.repos[repo], nil
}

func (s *Store) BlobExists(ctx context.Context, repo string, d digest.Digest) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[blobKey{repo, d}]
	if !ok {
		return 0, storage.ErrNotFound
	}
	return int64(len(b.data)), nil
}

func (s *Store) GetBlob(ctx context.Context, repo string, d digest.Digest) (io.ReadCloser, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[blobKey{repo, d}]
	if !ok {
		return nil, 0, storage.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b.data)), int64(len(b.data)), nil
}

func (s *Store) PutBlob(ctx context.Context, repo string, d digest.Digest, size int64, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	v, err := digest.NewVerifier(d)
	if err != nil {
		return err
	}
	_, _ = v.Write(data)
	if !v.Verified() {
		return storage.ErrDigestMismatch
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureRepo(repo)
	s.blobs[blobKey{repo, d}] = &blob{data: data, mediaType: "application/octet-stream"}
	return nil
}

func (s *Store) DeleteBlob(ctx context.Context, repo string, d digest.Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := blobKey{repo, d}
	if _, ok := s.blobs[key]; !ok {
		return storage.ErrNotFound
	}
	delete(s.blobs, key)
	return nil
}

func (s *Store) MountBlob(ctx context.Context, repo, fromRepo string, d digest.Digest) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.blobs[blobKey{fromRepo, d}]
	if !ok {
		return 0, storage.ErrNotFound
	}
	s.ensureRepo(repo)
	s.blobs[blobKey{repo, d}] = &blob{data: src.data, mediaType: src.mediaType}
	return int64(len(src.data)), nil
}

func (s *Store) InitiateUpload(ctx context.Context, repo string) (string, error) {
	id := uuid.New().String()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureRepo(repo)
	now := time.Now()
	s.sessions[sessionKey(repo, id)] = &session{repo: repo, createdAt: now, updatedAt: now, live: true}
	return id, nil
}

func (s *Store) getSession(repo, id string) (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionKey(repo, id)]
	if !ok || !sess.live {
		return nil, storage.ErrNotFound
	}
	return sess, nil
}

func (s *Store) UploadExists(ctx context.Context, repo, sessionID string) (*storage.UploadSession, error) {
	sess, err := s.getSession(repo, sessionID)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return &storage.UploadSession{
		Repo: repo, SessionID: sessionID, Offset: int64(sess.buf.Len()),
		CreatedAt: sess.createdAt, UpdatedAt: sess.updatedAt,
	}, nil
}

func (s *Store) AppendUpload(ctx context.Context, repo, sessionID string, start, size int64, r io.Reader) (int64, error) {
	sess, err := s.getSession(repo, sessionID)
	if err != nil {
		return 0, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if start != int64(sess.buf.Len()) {
		return 0, storage.ErrOutOfOrder
	}
	n, err := io.Copy(&sess.buf, io.LimitReader(r, size))
	if err != nil {
		return 0, err
	}
	if n != size {
		return 0, fmt.Errorf("memstore: short append: wrote %d of %d", n, size)
	}
	sess.updatedAt = time.Now()
	return int64(sess.buf.Len()), nil
}

func (s *Store) CommitUpload(ctx context.Context, repo, sessionID string, expected digest.Digest) (int64, error) {
	sess, err := s.getSession(repo, sessionID)
	if err != nil {
		return 0, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if !sess.live {
		return 0, storage.ErrNotFound
	}
	data := sess.buf.Bytes()
	v, err := digest.NewVerifier(expected)
	if err != nil {
		return 0, err
	}
	_, _ = v.Write(data)
	if !v.Verified() {
		return 0, storage.ErrDigestMismatch
	}
	// Atomic promotion + session deletion.
	s.mu.Lock()
	s.blobs[blobKey{repo, expected}] = &blob{data: append([]byte(nil), data...), mediaType: "application/octet-stream"}
	sess.live = false
	delete(s.sessions, sessionKey(repo, sessionID))
	size := int64(len(data))
	s.mu.Unlock()
	return size, nil
}

func (s *Store) CancelUpload(ctx context.Context, repo, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sessionKey(repo, sessionID)
	sess, ok := s.sessions[key]
	if !ok || !sess.live {
		return storage.ErrNotFound
	}
	sess.live = false
	delete(s.sessions, key)
	return nil
}

func (s *Store) GetManifest(ctx context.Context, repo, reference string) ([]byte, string, digest.Digest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.resolve(repo, reference)
	if !ok {
		return nil, "", "", storage.ErrNotFound
	}
	return append([]byte(nil), rec.data...), rec.mediaType, rec.digest, nil
}

func (s *Store) ManifestExists(ctx context.Context, repo, reference string) (*storage.BlobInfo, digest.Digest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.resolve(repo, reference)
	if !ok {
		return nil, "", storage.ErrNotFound
	}
	return &storage.BlobInfo{Digest: rec.digest, Size: int64(len(rec.data)), MediaType: rec.mediaType}, rec.digest, nil
}

// resolve must be called with s.mu held.
func (s *Store) resolve(repo, reference string) (*manifestRecord, bool) {
	if digest.LooksLikeDigest(reference) {
		recs, ok := s.manifests[repo]
		if !ok {
			return nil, false
		}
		rec, ok := recs[digest.Digest(reference)]
		return rec, ok
	}
	tags, ok := s.tags[repo]
	if !ok {
		return nil, false
	}
	d, ok := tags[reference]
	if !ok {
		return nil, false
	}
	rec, ok := s.manifests[repo][d]
	return rec, ok
}

func (s *Store) PutManifest(ctx context.Context, repo, reference string, d digest.Digest, data []byte, mediaType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureRepo(repo)
	if _, ok := s.manifests[repo]; !ok {
		s.manifests[repo] = make(map[digest.Digest]*manifestRecord)
	}
	s.manifests[repo][d] = &manifestRecord{digest: d, mediaType: mediaType, data: append([]byte(nil), data...)}
	if !digest.LooksLikeDigest(reference) {
		if _, ok := s.tags[repo]; !ok {
			s.tags[repo] = make(map[string]digest.Digest)
		}
		s.tags[repo][reference] = d
	}
	return nil
}

func (s *Store) DeleteManifest(ctx context.Context, repo string, d digest.Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, ok := s.manifests[repo]
	if !ok {
		return storage.ErrNotFound
	}
	if _, ok := recs[d]; !ok {
		return storage.ErrNotFound
	}
	delete(recs, d)
	for tag, td := range s.tags[repo] {
		if td == d {
			delete(s.tags[repo], tag)
		}
	}
	return nil
}

func (s *Store) ListTags(ctx context.Context, repo string, n int, last string) (storage.TagPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.repos[repo] {
		return storage.TagPage{}, storage.ErrNotFound
	}
	var names []string
	for tag := range s.tags[repo] {
		if last == "" || strings.Compare(tag, last) > 0 {
			names = append(names, tag)
		}
	}
	sort.Strings(names)
	if n > 0 && len(names) > n {
		names = names[:n]
	}
	if names == nil {
		names = []string{}
	}
	return storage.TagPage{Tags: names}, nil
}
