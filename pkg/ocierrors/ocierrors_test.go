package ocierrors

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusMapping(t *testing.T) {
	cases := map[Code]int{
		CodeBlobUnknown:             http.StatusNotFound,
		CodeBlobUploadInvalid:       http.StatusBadRequest,
		CodeExtBlobUploadOutOfOrder: http.StatusRequestedRangeNotSatisfiable,
		CodeSizeInvalid:             http.StatusRequestEntityTooLarge,
		CodeUnsupported:             http.StatusMethodNotAllowed,
		CodeDenied:                  http.StatusForbidden,
		CodeTooManyRequests:         http.StatusTooManyRequests,
	}
	for code, want := range cases {
		assert.Equal(t, want, code.Status(), "code %s", code)
	}
}

func TestWriteResponseEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteResponse(rec, Newf(CodeManifestBlobUnknown, "missing config blob %s", "sha256:abc").WithDetail(map[string]string{"digest": "sha256:abc"}))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var env wireEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.Len(t, env.Errors, 1)
	assert.Equal(t, CodeManifestBlobUnknown, env.Errors[0].Code)
	assert.Contains(t, env.Errors[0].Message, "sha256:abc")
}

func TestWriteResponseUntypedErrorIsInternal(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteResponse(rec, assertNewError("boom"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

type plainError string

func (e plainError) Error() string { return string(e) }

func assertNewError(s string) error { return plainError(s) }
