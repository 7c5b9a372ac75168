// Package httpapi implements the ProtocolHandler (spec.md §4.5): URL
// parsing into a reqcontext.Context, authentication/authorization,
// bounded body reads, dispatch to *registry.Registry, and response
// shaping. It is grounded on the teacher's pkg/registry/handlers.go
// mux-based handler set and main.go's route table, generalized from a
// hard-wired Handler{Storage, Metadata, Scanner, ...} to a single
// Registry operation surface.
package httpapi

import (
	"strings"

	"github.com/ocidist/registryd/pkg/reqcontext"
)

// malformedPathError is returned by ParseContext when the tail
// segments after /v2/ don't match any recognized shape from spec.md
// §4.5.
type malformedPathError struct{ path string }

func (e *malformedPathError) Error() string {
	return "httpapi: malformed request path: " + e.path
}

// ParseContext parses the path segments after the /v2 mount point
// (already split on "/", with empty segments from a leading/trailing
// slash removed by the caller) into a reqcontext.Context, per the URL
// parsing rules in spec.md §4.5: matching works from the tail so a
// repository name may itself contain any number of "/"-separated
// components.
func ParseContext(method string, segments []string) (reqcontext.Context, error) {
	ctx := reqcontext.Context{
		Method: method,
		Action: reqcontext.ActionForMethod(method),
	}

	n := len(segments)
	if n == 0 {
		ctx.Endpoint = reqcontext.EndpointPing
		return ctx, nil
	}
	if n == 1 && segments[0] == "_catalog" {
		ctx.Endpoint = reqcontext.EndpointCatalog
		return ctx, nil
	}

	switch {
	case n >= 3 && segments[n-1] == "list" && segments[n-2] == "tags":
		ctx.Repo = strings.Join(segments[:n-2], "/")
		ctx.Endpoint = reqcontext.EndpointTagsList

	case n >= 2 && segments[n-1] == "uploads" && segments[n-2] == "blobs":
		ctx.Repo = strings.Join(segments[:n-2], "/")
		ctx.Endpoint = reqcontext.EndpointBlobsUploads

	case n >= 3 && segments[n-2] == "uploads" && segments[n-3] == "blobs":
		ctx.Repo = strings.Join(segments[:n-3], "/")
		ctx.Endpoint = reqcontext.EndpointBlobsUploads
		ctx.ResourceID = segments[n-1]

	case n >= 2 && segments[n-2] == "blobs":
		ctx.Repo = strings.Join(segments[:n-2], "/")
		ctx.Endpoint = reqcontext.EndpointBlobs
		ctx.ResourceID = segments[n-1]

	case n >= 2 && segments[n-2] == "manifests":
		ctx.Repo = strings.Join(segments[:n-2], "/")
		ctx.Endpoint = reqcontext.EndpointManifests
		ctx.ResourceID = segments[n-1]

	default:
		return reqcontext.Context{}, &malformedPathError{path: strings.Join(segments, "/")}
	}

	if ctx.Repo == "" {
		return reqcontext.Context{}, &malformedPathError{path: strings.Join(segments, "/")}
	}
	return ctx, nil
}
