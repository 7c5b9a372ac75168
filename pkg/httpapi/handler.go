package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/ocidist/registryd/pkg/digest"
	"github.com/ocidist/registryd/pkg/ocierrors"
	"github.com/ocidist/registryd/pkg/regauth"
	"github.com/ocidist/registryd/pkg/registry"
	"github.com/ocidist/registryd/pkg/reqcontext"
)

// ProtocolHandler is the HTTP front end over a *registry.Registry,
// grounded on the teacher's mux-routed Handler in
// pkg/registry/handlers.go and its route table in main.go, generalized
// from a hard-wired set of services to the Registry's single operation
// surface plus the AuthAdapter it exposes via Registry.Auth().
type ProtocolHandler struct {
	reg             *registry.Registry
	maxBodySize     int64
	enableCatalog   bool
	requireAuthPing bool
	logger          *slog.Logger
}

// Options configures a ProtocolHandler.
type Options struct {
	MaxBodySize        int64
	EnableCatalog      bool
	RequireAuthForPing bool
	Logger             *slog.Logger
}

// NewRouter builds the gorilla/mux router serving the /v2 surface
// (spec.md §6), wired to reg.
func NewRouter(reg *registry.Registry, opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &ProtocolHandler{
		reg:             reg,
		maxBodySize:     opts.MaxBodySize,
		enableCatalog:   opts.EnableCatalog,
		requireAuthPing: opts.RequireAuthForPing,
		logger:          logger,
	}

	r := mux.NewRouter()
	v2 := r.PathPrefix("/v2").Subrouter()

	v2.HandleFunc("/", h.ping).Methods(http.MethodGet)
	if h.enableCatalog {
		v2.HandleFunc("/_catalog", h.catalog).Methods(http.MethodGet)
	}

	v2.HandleFunc("/{name:.+}/tags/list", h.listTags).Methods(http.MethodGet)

	v2.HandleFunc("/{name:.+}/blobs/uploads/", h.createUpload).Methods(http.MethodPost)
	v2.HandleFunc("/{name:.+}/blobs/uploads/{session}", h.patchUpload).Methods(http.MethodPatch)
	v2.HandleFunc("/{name:.+}/blobs/uploads/{session}", h.uploadStatus).Methods(http.MethodGet)
	v2.HandleFunc("/{name:.+}/blobs/uploads/{session}", h.commitUpload).Methods(http.MethodPut)
	v2.HandleFunc("/{name:.+}/blobs/uploads/{session}", h.cancelUpload).Methods(http.MethodDelete)

	v2.HandleFunc("/{name:.+}/blobs/{digest}", h.headBlob).Methods(http.MethodHead)
	v2.HandleFunc("/{name:.+}/blobs/{digest}", h.getBlob).Methods(http.MethodGet)
	v2.HandleFunc("/{name:.+}/blobs/{digest}", h.deleteBlob).Methods(http.MethodDelete)

	v2.HandleFunc("/{name:.+}/manifests/{reference}", h.putManifest).Methods(http.MethodPut)
	v2.HandleFunc("/{name:.+}/manifests/{reference}", h.getManifest).Methods(http.MethodGet)
	v2.HandleFunc("/{name:.+}/manifests/{reference}", h.headManifest).Methods(http.MethodHead)
	v2.HandleFunc("/{name:.+}/manifests/{reference}", h.deleteManifest).Methods(http.MethodDelete)

	return r
}

// parseRequestContext is the ContextExtractor: gorilla/mux's
// {name:.+} templates only decide which handler method runs (they
// have to be greedy to admit a multi-segment repository name before a
// fixed suffix like /tags/list), so the actual repo/endpoint/resource
// split is ParseContext's tail-relative match over the request path,
// run again here against the path mux already approved.
func parseRequestContext(r *http.Request) (reqcontext.Context, error) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v2"), "/")
	var segments []string
	if trimmed != "" {
		segments = strings.Split(trimmed, "/")
	}
	return ParseContext(r.Method, segments)
}

// authorize runs the AuthAdapter's authenticate+authorize pair for
// reqCtx, writing a 401/403 response and returning ok=false if the
// request is not permitted to proceed.
func (h *ProtocolHandler) authorize(w http.ResponseWriter, r *http.Request, reqCtx reqcontext.Context) (reqcontext.Context, bool) {
	if reqCtx.Endpoint == reqcontext.EndpointPing && !h.requireAuthPing {
		return reqCtx, true
	}

	auth := h.reg.Auth()
	subject, err := auth.Authenticate(r.Context(), r.Header.Get("Authorization"))
	if err != nil {
		if errors.Is(err, regauth.ErrUnauthorized) || errors.Is(err, regauth.ErrUnsupportedCredential) {
			h.writeUnauthorized(w, auth, reqCtx)
			return reqCtx, false
		}
		ocierrors.WriteResponse(w, ocierrors.Internal(err))
		return reqCtx, false
	}
	reqCtx.Subject = subject.Name

	if err := auth.Authorize(r.Context(), subject, reqCtx); err != nil {
		if errors.Is(err, regauth.ErrDenied) {
			ocierrors.WriteResponse(w, ocierrors.New(ocierrors.CodeDenied, "access denied"))
			return reqCtx, false
		}
		if errors.Is(err, regauth.ErrUnauthorized) {
			h.writeUnauthorized(w, auth, reqCtx)
			return reqCtx, false
		}
		ocierrors.WriteResponse(w, ocierrors.Internal(err))
		return reqCtx, false
	}
	return reqCtx, true
}

func (h *ProtocolHandler) writeUnauthorized(w http.ResponseWriter, auth regauth.Adapter, reqCtx reqcontext.Context) {
	w.Header().Set("Www-Authenticate", auth.Challenge(reqCtx))
	ocierrors.WriteResponse(w, ocierrors.New(ocierrors.CodeUnauthorized, "authentication required"))
}

func (h *ProtocolHandler) boundedBody(w http.ResponseWriter, r *http.Request) io.Reader {
	if h.maxBodySize <= 0 {
		return r.Body
	}
	return http.MaxBytesReader(w, r.Body, h.maxBodySize)
}

// ping implements GET /v2/ (spec.md §4.5, "availability probe").
func (h *ProtocolHandler) ping(w http.ResponseWriter, r *http.Request) {
	reqCtx, err := parseRequestContext(r)
	if err != nil {
		ocierrors.WriteResponse(w, ocierrors.New(ocierrors.CodeNameUnknown, err.Error()))
		return
	}
	if _, ok := h.authorize(w, r, reqCtx); !ok {
		return
	}
	w.Header().Set("Docker-Distribution-Api-Version", "registry/2.0")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("{}"))
}

// catalog implements the non-normative GET /v2/_catalog listing the
// teacher exposes; this engine's spec does not require it, so it is
// gated behind Config.EnableCatalog.
func (h *ProtocolHandler) catalog(w http.ResponseWriter, r *http.Request) {
	reqCtx, err := parseRequestContext(r)
	if err != nil {
		ocierrors.WriteResponse(w, ocierrors.New(ocierrors.CodeNameUnknown, err.Error()))
		return
	}
	if _, ok := h.authorize(w, r, reqCtx); !ok {
		return
	}
	ocierrors.WriteResponse(w, ocierrors.New(ocierrors.CodeUnsupported, "catalog listing is not implemented by this storage adapter"))
}

func (h *ProtocolHandler) listTags(w http.ResponseWriter, r *http.Request) {
	reqCtx, err := parseRequestContext(r)
	if err != nil {
		ocierrors.WriteResponse(w, ocierrors.New(ocierrors.CodeNameUnknown, err.Error()))
		return
	}
	repo := reqCtx.Repo
	if _, ok := h.authorize(w, r, reqCtx); !ok {
		return
	}

	n := 0
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			ocierrors.WriteResponse(w, ocierrors.New(ocierrors.CodeBlobUploadInvalid, "invalid n"))
			return
		}
		n = parsed
	}
	last := r.URL.Query().Get("last")

	page, err := h.reg.ListTags(r.Context(), repo, n, last)
	if err != nil {
		ocierrors.WriteResponse(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Name string   `json:"name"`
		Tags []string `json:"tags"`
	}{Name: repo, Tags: page.Tags})
}

// createUpload implements POST /v2/<repo>/blobs/uploads/ (spec.md
// §4.5): start a session, mount a cross-repository blob, or accept a
// monolithic upload, depending on the query parameters present.
func (h *ProtocolHandler) createUpload(w http.ResponseWriter, r *http.Request) {
	reqCtx, err := parseRequestContext(r)
	if err != nil {
		ocierrors.WriteResponse(w, ocierrors.New(ocierrors.CodeNameUnknown, err.Error()))
		return
	}
	repo := reqCtx.Repo
	if _, ok := h.authorize(w, r, reqCtx); !ok {
		return
	}
	if err := h.reg.ValidateRepositoryName(repo); err != nil {
		ocierrors.WriteResponse(w, err)
		return
	}

	q := r.URL.Query()
	if mountDigest := q.Get("mount"); mountDigest != "" {
		d, err := digest.Parse(mountDigest)
		if err != nil {
			ocierrors.WriteResponse(w, ocierrors.New(ocierrors.CodeDigestInvalid, "invalid mount digest"))
			return
		}
		blobLoc, uploadLoc, err := h.reg.MountBlob(r.Context(), repo, q.Get("from"), d)
		if err != nil {
			ocierrors.WriteResponse(w, err)
			return
		}
		if blobLoc != "" {
			w.Header().Set("Location", blobLoc)
			w.Header().Set("Docker-Content-Digest", string(d))
			w.WriteHeader(http.StatusCreated)
			return
		}
		w.Header().Set("Location", uploadLoc)
		w.Header().Set("Range", "0-0")
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if claimed := q.Get("digest"); claimed != "" {
		h.monolithicUpload(w, r, repo, claimed)
		return
	}

	loc, err := h.reg.InitiateBlobUpload(r.Context(), repo)
	if err != nil {
		ocierrors.WriteResponse(w, err)
		return
	}
	w.Header().Set("Location", loc)
	w.Header().Set("Range", "0-0")
	w.WriteHeader(http.StatusAccepted)
}

// monolithicUpload handles the POST ?digest= form (S1): initiate a
// session, append the whole body at offset 0, and commit in one round
// trip.
func (h *ProtocolHandler) monolithicUpload(w http.ResponseWriter, r *http.Request, repo, claimed string) {
	d, err := digest.Parse(claimed)
	if err != nil {
		ocierrors.WriteResponse(w, ocierrors.New(ocierrors.CodeDigestInvalid, "invalid digest"))
		return
	}
	sessionID, err := h.reg.InitiateBlobUpload(r.Context(), repo)
	if err != nil {
		ocierrors.WriteResponse(w, err)
		return
	}
	sessionID = sessionID[strings.LastIndex(sessionID, "/")+1:]

	body := h.boundedBody(w, r)
	blobLoc, err := h.reg.CompleteBlobUpload(r.Context(), repo, sessionID, "", r.ContentLength, body, d)
	if err != nil {
		ocierrors.WriteResponse(w, err)
		return
	}
	w.Header().Set("Location", blobLoc)
	w.Header().Set("Docker-Content-Digest", string(d))
	w.WriteHeader(http.StatusCreated)
}

func (h *ProtocolHandler) patchUpload(w http.ResponseWriter, r *http.Request) {
	reqCtx, err := parseRequestContext(r)
	if err != nil {
		ocierrors.WriteResponse(w, ocierrors.New(ocierrors.CodeNameUnknown, err.Error()))
		return
	}
	repo, sessionID := reqCtx.Repo, reqCtx.ResourceID
	if _, ok := h.authorize(w, r, reqCtx); !ok {
		return
	}

	contentRange := r.Header.Get("Content-Range")
	if contentRange == "" {
		ocierrors.WriteResponse(w, ocierrors.New(ocierrors.CodeBlobUploadInvalid, "missing Content-Range header"))
		return
	}

	body := h.boundedBody(w, r)
	newOffset, err := h.reg.UploadBlobChunk(r.Context(), repo, sessionID, contentRange, r.ContentLength, body)
	if err != nil {
		ocierrors.WriteResponse(w, err)
		return
	}
	w.Header().Set("Location", uploadLocation(repo, sessionID))
	w.Header().Set("Range", rangeHeader(newOffset))
	w.WriteHeader(http.StatusAccepted)
}

func (h *ProtocolHandler) uploadStatus(w http.ResponseWriter, r *http.Request) {
	reqCtx, err := parseRequestContext(r)
	if err != nil {
		ocierrors.WriteResponse(w, ocierrors.New(ocierrors.CodeNameUnknown, err.Error()))
		return
	}
	repo, sessionID := reqCtx.Repo, reqCtx.ResourceID
	if _, ok := h.authorize(w, r, reqCtx); !ok {
		return
	}
	offset, err := h.reg.GetBlobUploadStatus(r.Context(), repo, sessionID)
	if err != nil {
		ocierrors.WriteResponse(w, err)
		return
	}
	w.Header().Set("Location", uploadLocation(repo, sessionID))
	w.Header().Set("Range", rangeHeader(offset))
	w.WriteHeader(http.StatusNoContent)
}

func (h *ProtocolHandler) commitUpload(w http.ResponseWriter, r *http.Request) {
	reqCtx, err := parseRequestContext(r)
	if err != nil {
		ocierrors.WriteResponse(w, ocierrors.New(ocierrors.CodeNameUnknown, err.Error()))
		return
	}
	repo, sessionID := reqCtx.Repo, reqCtx.ResourceID
	if _, ok := h.authorize(w, r, reqCtx); !ok {
		return
	}

	claimed := r.URL.Query().Get("digest")
	if claimed == "" {
		ocierrors.WriteResponse(w, ocierrors.New(ocierrors.CodeDigestInvalid, "digest query parameter required"))
		return
	}
	d, err := digest.Parse(claimed)
	if err != nil {
		ocierrors.WriteResponse(w, ocierrors.New(ocierrors.CodeDigestInvalid, "invalid digest"))
		return
	}

	var body io.Reader
	if r.ContentLength > 0 {
		body = h.boundedBody(w, r)
	}
	blobLoc, err := h.reg.CompleteBlobUpload(r.Context(), repo, sessionID, r.Header.Get("Content-Range"), r.ContentLength, body, d)
	if err != nil {
		ocierrors.WriteResponse(w, err)
		return
	}
	w.Header().Set("Location", blobLoc)
	w.Header().Set("Docker-Content-Digest", string(d))
	w.WriteHeader(http.StatusCreated)
}

func (h *ProtocolHandler) cancelUpload(w http.ResponseWriter, r *http.Request) {
	reqCtx, err := parseRequestContext(r)
	if err != nil {
		ocierrors.WriteResponse(w, ocierrors.New(ocierrors.CodeNameUnknown, err.Error()))
		return
	}
	repo, sessionID := reqCtx.Repo, reqCtx.ResourceID
	if _, ok := h.authorize(w, r, reqCtx); !ok {
		return
	}
	if err := h.reg.CancelBlobUpload(r.Context(), repo, sessionID); err != nil {
		ocierrors.WriteResponse(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ProtocolHandler) headBlob(w http.ResponseWriter, r *http.Request) {
	reqCtx, err := parseRequestContext(r)
	if err != nil {
		ocierrors.WriteResponse(w, ocierrors.New(ocierrors.CodeNameUnknown, err.Error()))
		return
	}
	repo, rawDigest := reqCtx.Repo, reqCtx.ResourceID
	if _, ok := h.authorize(w, r, reqCtx); !ok {
		return
	}
	d, err := digest.Parse(rawDigest)
	if err != nil {
		ocierrors.WriteResponse(w, ocierrors.New(ocierrors.CodeDigestInvalid, "invalid digest"))
		return
	}
	size, err := h.reg.BlobExists(r.Context(), repo, d)
	if err != nil {
		ocierrors.WriteResponse(w, err)
		return
	}
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Docker-Content-Digest", string(d))
	w.WriteHeader(http.StatusOK)
}

func (h *ProtocolHandler) getBlob(w http.ResponseWriter, r *http.Request) {
	reqCtx, err := parseRequestContext(r)
	if err != nil {
		ocierrors.WriteResponse(w, ocierrors.New(ocierrors.CodeNameUnknown, err.Error()))
		return
	}
	repo, rawDigest := reqCtx.Repo, reqCtx.ResourceID
	if _, ok := h.authorize(w, r, reqCtx); !ok {
		return
	}
	d, err := digest.Parse(rawDigest)
	if err != nil {
		ocierrors.WriteResponse(w, ocierrors.New(ocierrors.CodeDigestInvalid, "invalid digest"))
		return
	}
	rc, size, err := h.reg.GetBlob(r.Context(), repo, d)
	if err != nil {
		ocierrors.WriteResponse(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Docker-Content-Digest", string(d))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("blob copy interrupted", "repo", repo, "digest", d, "error", err)
	}
}

func (h *ProtocolHandler) deleteBlob(w http.ResponseWriter, r *http.Request) {
	reqCtx, err := parseRequestContext(r)
	if err != nil {
		ocierrors.WriteResponse(w, ocierrors.New(ocierrors.CodeNameUnknown, err.Error()))
		return
	}
	repo, rawDigest := reqCtx.Repo, reqCtx.ResourceID
	if _, ok := h.authorize(w, r, reqCtx); !ok {
		return
	}
	d, err := digest.Parse(rawDigest)
	if err != nil {
		ocierrors.WriteResponse(w, ocierrors.New(ocierrors.CodeDigestInvalid, "invalid digest"))
		return
	}
	if err := h.reg.DeleteBlob(r.Context(), repo, d); err != nil {
		ocierrors.WriteResponse(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *ProtocolHandler) putManifest(w http.ResponseWriter, r *http.Request) {
	reqCtx, err := parseRequestContext(r)
	if err != nil {
		ocierrors.WriteResponse(w, ocierrors.New(ocierrors.CodeNameUnknown, err.Error()))
		return
	}
	repo, reference := reqCtx.Repo, reqCtx.ResourceID
	if _, ok := h.authorize(w, r, reqCtx); !ok {
		return
	}

	body, err := io.ReadAll(h.boundedBody(w, r))
	if err != nil {
		ocierrors.WriteResponse(w, ocierrors.New(ocierrors.CodeManifestInvalid, "failed to read manifest body"))
		return
	}
	contentType := r.Header.Get("Content-Type")

	d, err := h.reg.StoreManifest(r.Context(), repo, reference, body, contentType)
	if err != nil {
		ocierrors.WriteResponse(w, err)
		return
	}
	w.Header().Set("Location", blobLocationForManifest(repo, d))
	w.Header().Set("Docker-Content-Digest", string(d))
	w.WriteHeader(http.StatusCreated)
}

func (h *ProtocolHandler) getManifest(w http.ResponseWriter, r *http.Request) {
	reqCtx, err := parseRequestContext(r)
	if err != nil {
		ocierrors.WriteResponse(w, ocierrors.New(ocierrors.CodeNameUnknown, err.Error()))
		return
	}
	repo, reference := reqCtx.Repo, reqCtx.ResourceID
	if _, ok := h.authorize(w, r, reqCtx); !ok {
		return
	}
	data, mediaType, d, err := h.reg.GetManifest(r.Context(), repo, reference)
	if err != nil {
		ocierrors.WriteResponse(w, err)
		return
	}
	w.Header().Set("Content-Type", mediaType)
	w.Header().Set("Docker-Content-Digest", string(d))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *ProtocolHandler) headManifest(w http.ResponseWriter, r *http.Request) {
	reqCtx, err := parseRequestContext(r)
	if err != nil {
		ocierrors.WriteResponse(w, ocierrors.New(ocierrors.CodeNameUnknown, err.Error()))
		return
	}
	repo, reference := reqCtx.Repo, reqCtx.ResourceID
	if _, ok := h.authorize(w, r, reqCtx); !ok {
		return
	}
	mediaType, size, d, err := h.reg.ManifestMetadata(r.Context(), repo, reference)
	if err != nil {
		ocierrors.WriteResponse(w, err)
		return
	}
	w.Header().Set("Content-Type", mediaType)
	w.Header().Set("Docker-Content-Digest", string(d))
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)
}

func (h *ProtocolHandler) deleteManifest(w http.ResponseWriter, r *http.Request) {
	reqCtx, err := parseRequestContext(r)
	if err != nil {
		ocierrors.WriteResponse(w, ocierrors.New(ocierrors.CodeNameUnknown, err.Error()))
		return
	}
	repo, reference := reqCtx.Repo, reqCtx.ResourceID
	if _, ok := h.authorize(w, r, reqCtx); !ok {
		return
	}
	if digest.LooksLikeDigest(reference) {
		d, err := digest.Parse(reference)
		if err != nil {
			ocierrors.WriteResponse(w, ocierrors.New(ocierrors.CodeDigestInvalid, "invalid digest"))
			return
		}
		if err := h.reg.DeleteManifest(r.Context(), repo, d); err != nil {
			ocierrors.WriteResponse(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}
	// Tag-delete refusal (spec.md §4.1): manifest deletion requires a
	// digest reference.
	ocierrors.WriteResponse(w, ocierrors.New(ocierrors.CodeManifestInvalid, "manifest deletion requires a digest reference"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func rangeHeader(offset int64) string {
	if offset == 0 {
		return "0-0"
	}
	return "0-" + strconv.FormatInt(offset-1, 10)
}

func uploadLocation(repo, sessionID string) string {
	return "/v2/" + repo + "/blobs/uploads/" + sessionID
}

func blobLocationForManifest(repo string, d digest.Digest) string {
	return "/v2/" + repo + "/manifests/" + string(d)
}
