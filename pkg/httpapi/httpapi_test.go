package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocidist/registryd/pkg/regauth"
	"github.com/ocidist/registryd/pkg/reqcontext"
	"github.com/ocidist/registryd/pkg/registry"
	"github.com/ocidist/registryd/pkg/storage/memstore"
)

// testAuth is a stub AuthAdapter that authenticates every request as a
// named subject and authorizes every action, so the HTTP-level tests
// exercise routing and Registry wiring without JWT/OPA/Redis.
type testAuth struct{}

func (testAuth) Authenticate(ctx context.Context, authorizationHeader string) (regauth.Subject, error) {
	return regauth.Subject{Name: "tester"}, nil
}

func (testAuth) Authorize(ctx context.Context, subject regauth.Subject, reqCtx reqcontext.Context) error {
	return nil
}

func (testAuth) Challenge(reqCtx reqcontext.Context) string {
	return `Bearer realm="test"`
}

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	store := memstore.New()
	reg := registry.New(registry.Config{
		MaxManifestSize:        4 << 20,
		MaxBlobUploadChunkSize: 10 << 20,
		EnableBlobDeletion:     true,
		EnableManifestDeletion: true,
		RepoNamePattern:        regexp.MustCompile(`^[a-z0-9]+([._-][a-z0-9]+)*(/[a-z0-9]+([._-][a-z0-9]+)*)*$`),
	}, store, testAuth{})
	return NewRouter(reg, Options{MaxBodySize: 10 << 20})
}

func TestPing(t *testing.T) {
	router := newTestRouter(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v2/", nil)
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "registry/2.0", rec.Header().Get("Docker-Distribution-Api-Version"))
}

// TestMonolithicUpload exercises S1: a single POST with ?digest= and a
// body, then a GET of the resulting Location.
func TestMonolithicUpload(t *testing.T) {
	router := newTestRouter(t)

	body := "hello"
	digestHex := "sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v2/lib/x/blobs/uploads/?digest="+digestHex, strings.NewReader(body))
	req.ContentLength = int64(len(body))
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)
	loc := rec.Header().Get("Location")
	assert.Equal(t, "/v2/lib/x/blobs/"+digestHex, loc)

	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, httptest.NewRequest(http.MethodGet, loc, nil))
	require.Equal(t, http.StatusOK, rec2.Code)
	assert.Equal(t, body, rec2.Body.String())
}

// TestChunkedUpload exercises S2: POST create, PATCH one chunk, PUT
// commit with an empty final body.
func TestChunkedUpload(t *testing.T) {
	router := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v2/lib/x/blobs/uploads/", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)
	loc := rec.Header().Get("Location")
	require.Equal(t, "0-0", rec.Header().Get("Range"))

	body := "hello"
	patchReq := httptest.NewRequest(http.MethodPatch, loc, strings.NewReader(body))
	patchReq.Header.Set("Content-Range", "0-4")
	patchReq.ContentLength = int64(len(body))
	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, patchReq)
	require.Equal(t, http.StatusAccepted, rec2.Code)
	assert.Equal(t, "0-4", rec2.Header().Get("Range"))

	digestHex := "sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	putReq := httptest.NewRequest(http.MethodPut, loc+"?digest="+digestHex, nil)
	putReq.ContentLength = 0
	rec3 := httptest.NewRecorder()
	router.ServeHTTP(rec3, putReq)
	require.Equal(t, http.StatusCreated, rec3.Code)
}

// TestOutOfOrderChunk exercises S3.
func TestOutOfOrderChunk(t *testing.T) {
	router := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v2/lib/x/blobs/uploads/", nil))
	loc := rec.Header().Get("Location")

	badReq := httptest.NewRequest(http.MethodPatch, loc, strings.NewReader("xxxxx"))
	badReq.Header.Set("Content-Range", "5-9")
	badReq.ContentLength = 5
	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, badReq)
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, rec2.Code)
	assert.Contains(t, rec2.Body.String(), "EXT_BLOB_UPLOAD_OUT_OF_ORDER")
}

// TestDigestMismatchLeavesSessionUsable exercises S4.
func TestDigestMismatchLeavesSessionUsable(t *testing.T) {
	router := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v2/lib/x/blobs/uploads/", nil))
	loc := rec.Header().Get("Location")

	body := "hello"
	patchReq := httptest.NewRequest(http.MethodPatch, loc, strings.NewReader(body))
	patchReq.Header.Set("Content-Range", "0-4")
	patchReq.ContentLength = int64(len(body))
	router.ServeHTTP(httptest.NewRecorder(), patchReq)

	wrongDigest := "sha256:" + strings.Repeat("0", 63) + "1"
	badCommit := httptest.NewRequest(http.MethodPut, loc+"?digest="+wrongDigest, nil)
	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, badCommit)
	assert.Equal(t, http.StatusBadRequest, rec2.Code)
	assert.Contains(t, rec2.Body.String(), "DIGEST_INVALID")

	digestHex := "sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	goodCommit := httptest.NewRequest(http.MethodPut, loc+"?digest="+digestHex, nil)
	rec3 := httptest.NewRecorder()
	router.ServeHTTP(rec3, goodCommit)
	assert.Equal(t, http.StatusCreated, rec3.Code)
}

// TestManifestWithMissingBlob exercises S5.
func TestManifestWithMissingBlob(t *testing.T) {
	router := newTestRouter(t)

	doc := `{"config":{"digest":"sha256:` + strings.Repeat("a", 64) + `","size":1}}`
	req := httptest.NewRequest(http.MethodPut, "/v2/lib/x/manifests/latest", strings.NewReader(doc))
	req.Header.Set("Content-Type", "application/vnd.oci.image.manifest.v1+json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "MANIFEST_BLOB_UNKNOWN")
}

// TestCrossRepoMount exercises S6.
func TestCrossRepoMount(t *testing.T) {
	router := newTestRouter(t)

	body := "hello"
	digestHex := "sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	seedReq := httptest.NewRequest(http.MethodPost, "/v2/src/a/blobs/uploads/?digest="+digestHex, strings.NewReader(body))
	seedReq.ContentLength = int64(len(body))
	router.ServeHTTP(httptest.NewRecorder(), seedReq)

	mountReq := httptest.NewRequest(http.MethodPost, "/v2/dst/b/blobs/uploads/?mount="+digestHex+"&from=src/a", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, mountReq)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "/v2/dst/b/blobs/"+digestHex, rec.Header().Get("Location"))

	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, httptest.NewRequest(http.MethodHead, "/v2/dst/b/blobs/"+digestHex, nil))
	assert.Equal(t, http.StatusOK, rec2.Code)
}

func TestTagsListPagination(t *testing.T) {
	router := newTestRouter(t)

	for _, tag := range []string{"a", "b", "c"} {
		req := httptest.NewRequest(http.MethodPut, "/v2/lib/x/manifests/"+tag, strings.NewReader("{}"))
		router.ServeHTTP(httptest.NewRecorder(), req)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v2/lib/x/tags/list?n=1&last=a", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"b"`)
	assert.NotContains(t, rec.Body.String(), `"c"`)
}
