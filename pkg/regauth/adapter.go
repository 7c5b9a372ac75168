// Package regauth is the AuthAdapter contract (spec.md §4.6):
// credential validation, per-repository action authorization, and the
// WWW-Authenticate challenge. The concrete Adapter composes JWT bearer
// tokens (github.com/golang-jwt/jwt/v5), OPA Rego policy evaluation
// (github.com/open-policy-agent/opa), and Redis-backed session
// revocation (github.com/redis/go-redis/v9), generalized from the
// teacher's pkg/auth + pkg/policy + pkg/middleware into a single narrow
// interface the Registry depends on.
package regauth

import (
	"context"
	"errors"

	"github.com/ocidist/registryd/pkg/reqcontext"
)

// Subject identifies the authenticated caller behind a request. An
// empty Subject with Anonymous set represents an unauthenticated
// caller that still passed authenticate() (e.g. anonymous pull when
// policy allows it).
type Subject struct {
	Name      string
	Anonymous bool
}

// ErrUnauthorized is returned by Authenticate when the credential is
// missing, malformed, or fails verification.
var ErrUnauthorized = errors.New("regauth: unauthorized")

// ErrUnsupportedCredential is returned by Authenticate when the
// Authorization header uses a scheme this adapter does not implement.
var ErrUnsupportedCredential = errors.New("regauth: unsupported credential scheme")

// ErrDenied is returned by Authorize when the subject is authenticated
// but not permitted to perform the requested action.
var ErrDenied = errors.New("regauth: denied")

// Adapter is the AuthAdapter contract.
type Adapter interface {
	// Authenticate validates the Authorization header value (the full
	// header, e.g. "Bearer <token>") and returns the Subject behind it.
	// Returns ErrUnauthorized or ErrUnsupportedCredential on failure.
	Authenticate(ctx context.Context, authorizationHeader string) (Subject, error)
	// Authorize reports whether subject may perform reqCtx.Action
	// against reqCtx.Repo. Returns ErrDenied if not.
	Authorize(ctx context.Context, subject Subject, reqCtx reqcontext.Context) error
	// Challenge produces the WWW-Authenticate header value issued on a
	// 401, parameterized by the realm this adapter was configured with.
	Challenge(reqCtx reqcontext.Context) string
}
