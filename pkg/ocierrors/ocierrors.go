// Package ocierrors defines the registry's canonical error taxonomy,
// its JSON wire envelope, and the mapping from error code to HTTP
// status. The Registry produces these typed errors; pkg/httpapi
// translates them to a response.
package ocierrors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Code is one of the canonical OCI distribution error codes.
type Code string

const (
	CodeBlobUnknown            Code = "BLOB_UNKNOWN"
	CodeBlobUploadUnknown      Code = "BLOB_UPLOAD_UNKNOWN"
	CodeBlobUploadInvalid      Code = "BLOB_UPLOAD_INVALID"
	CodeDigestInvalid          Code = "DIGEST_INVALID"
	CodeManifestUnknown        Code = "MANIFEST_UNKNOWN"
	CodeManifestInvalid        Code = "MANIFEST_INVALID"
	CodeManifestBlobUnknown    Code = "MANIFEST_BLOB_UNKNOWN"
	CodeNameInvalid            Code = "NAME_INVALID"
	CodeNameUnknown            Code = "NAME_UNKNOWN"
	CodeSizeInvalid            Code = "SIZE_INVALID"
	CodeUnauthorized           Code = "UNAUTHORIZED"
	CodeDenied                 Code = "DENIED"
	CodeUnsupported            Code = "UNSUPPORTED"
	CodeTooManyRequests        Code = "TOOMANYREQUESTS"
	CodeExtBlobUploadOutOfOrder Code = "EXT_BLOB_UPLOAD_OUT_OF_ORDER"

	// codeInternal is not part of the normative OCI surface; it covers
	// programming errors and unreachable dispatch branches (spec.md §7).
	codeInternal Code = "INTERNAL_ERROR"
)

// statusFor is the normative error code -> HTTP status mapping from
// spec.md §6.
var statusFor = map[Code]int{
	CodeBlobUnknown:             http.StatusNotFound,
	CodeBlobUploadUnknown:       http.StatusNotFound,
	CodeBlobUploadInvalid:       http.StatusBadRequest,
	CodeDigestInvalid:           http.StatusBadRequest,
	CodeManifestUnknown:         http.StatusNotFound,
	CodeManifestInvalid:         http.StatusBadRequest,
	CodeManifestBlobUnknown:     http.StatusBadRequest,
	CodeNameInvalid:             http.StatusBadRequest,
	CodeNameUnknown:             http.StatusNotFound,
	CodeSizeInvalid:             http.StatusRequestEntityTooLarge,
	CodeUnauthorized:            http.StatusUnauthorized,
	CodeDenied:                  http.StatusForbidden,
	CodeUnsupported:             http.StatusMethodNotAllowed,
	CodeTooManyRequests:         http.StatusTooManyRequests,
	CodeExtBlobUploadOutOfOrder: http.StatusRequestedRangeNotSatisfiable,
	codeInternal:                http.StatusInternalServerError,
}

// Status returns the HTTP status code mapped to c, or 500 for an
// unrecognized code (programming error, not part of the normative
// surface per spec.md §7).
func (c Code) Status() int {
	if s, ok := statusFor[c]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Error is a typed registry error carrying an OCI error code, a
// human-readable message, and an optional detail payload preserved
// verbatim in the JSON envelope.
type Error struct {
	Code    Code
	Message string
	Detail  any
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New constructs a registry error for code with message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf is New with fmt.Sprintf-style formatting of the message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetail returns a copy of e carrying detail, preserved verbatim
// in the wire envelope.
func (e *Error) WithDetail(detail any) *Error {
	cp := *e
	cp.Detail = detail
	return &cp
}

// Internal wraps err as an internal-error code not part of the
// normative OCI surface (spec.md §7: programming errors and
// unreachable dispatch branches).
func Internal(err error) *Error {
	return &Error{Code: codeInternal, Message: err.Error()}
}

// wireError and wireEnvelope are the JSON shapes from spec.md §6:
//
//	{"errors":[{"code":"<CODE>","message":"<human>","detail":<any>}]}
type wireError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Detail  any    `json:"detail,omitempty"`
}

type wireEnvelope struct {
	Errors []wireError `json:"errors"`
}

// Envelope marshals err (or a generic internal error for an untyped
// err) into the canonical JSON error body.
func Envelope(err error) ([]byte, int) {
	regErr, ok := err.(*Error)
	if !ok {
		regErr = Internal(err)
	}
	body := wireEnvelope{Errors: []wireError{{
		Code:    regErr.Code,
		Message: regErr.Message,
		Detail:  regErr.Detail,
	}}}
	data, marshalErr := json.Marshal(body)
	if marshalErr != nil {
		// Marshaling a string/map detail cannot reasonably fail; fall
		// back to a detail-less envelope rather than lose the code.
		data, _ = json.Marshal(wireEnvelope{Errors: []wireError{{
			Code: regErr.Code, Message: regErr.Message,
		}}})
	}
	return data, regErr.Code.Status()
}

// WriteResponse writes the canonical JSON error envelope for err to w,
// setting Content-Type and the status mapped from its code.
func WriteResponse(w http.ResponseWriter, err error) {
	body, status := Envelope(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// Is reports whether err is a registry error with the given code,
// for call sites that branch on error category.
func Is(err error, code Code) bool {
	regErr, ok := err.(*Error)
	return ok && regErr.Code == code
}
