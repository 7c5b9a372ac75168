package regauth

import (
	"fmt"

	"github.com/ocidist/registryd/pkg/reqcontext"
)

// Adapter is the concrete AuthAdapter: JWT bearer-token verification,
// OPA-evaluated per-repository authorization, and an optional Redis
// revocation store. It implements regauth.Adapter (the interface in
// adapter.go); the split exists so tests can substitute a stub Adapter
// without pulling in JWT/OPA/Redis.
type Adapter struct {
	realm      string
	service    string
	jwtSecret  string
	policy     *policyEngine
	revocation *RevocationStore
}

// Options configures a new Adapter.
type Options struct {
	Realm        string
	Service      string
	JWTSecret    string
	PolicyModule string // Rego source; empty selects defaultPolicy
	Revocation   *RevocationStore
}

// New builds the concrete Adapter.
func New(opts Options) *Adapter {
	service := opts.Service
	if service == "" {
		service = "registryd"
	}
	return &Adapter{
		realm:      opts.Realm,
		service:    service,
		jwtSecret:  opts.JWTSecret,
		policy:     newPolicyEngine(opts.PolicyModule),
		revocation: opts.Revocation,
	}
}

// Challenge builds the WWW-Authenticate header value for a 401,
// scoped to the repository being accessed when known (spec.md §4.6).
func (a *Adapter) Challenge(reqCtx reqcontext.Context) string {
	header := fmt.Sprintf(`Bearer realm=%q,service=%q`, a.realm, a.service)
	if reqCtx.Repo != "" {
		header += fmt.Sprintf(`,scope="repository:%s:%s"`, reqCtx.Repo, reqCtx.Action)
	}
	return header
}
