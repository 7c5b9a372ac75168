package regauth

import (
	"context"
	"fmt"
	"sync"

	"github.com/open-policy-agent/opa/rego"

	"github.com/ocidist/registryd/pkg/reqcontext"
)

// defaultPolicy allows every pull, including one with an empty subject,
// and allows push for any non-empty subject. It ignores the repository
// field of its input.
const defaultPolicy = `
package registryd.authz

default allow = false

allow {
	input.action == "pull"
}

allow {
	input.action == "push"
	input.subject != ""
}
`

// policyEngine wraps OPA Rego evaluation the way the teacher's
// policy.Service did for vulnerability gating, generalized to
// repository-action authorization.
type policyEngine struct {
	mu     sync.RWMutex
	module string
}

func newPolicyEngine(module string) *policyEngine {
	if module == "" {
		module = defaultPolicy
	}
	return &policyEngine{module: module}
}

// authzInput is the data handed to the Rego policy for an
// authorization decision.
type authzInput struct {
	Repository string `json:"repository"`
	Action     string `json:"action"`
	Subject    string `json:"subject"`
	Anonymous  bool   `json:"anonymous"`
}

func (p *policyEngine) evaluate(ctx context.Context, in authzInput) (bool, error) {
	p.mu.RLock()
	module := p.module
	p.mu.RUnlock()

	query, err := rego.New(
		rego.Query("data.registryd.authz.allow"),
		rego.Module("policy.rego", module),
	).PrepareForEval(ctx)
	if err != nil {
		return false, fmt.Errorf("regauth: prepare policy: %w", err)
	}

	results, err := query.Eval(ctx, rego.EvalInput(in))
	if err != nil {
		return false, fmt.Errorf("regauth: evaluate policy: %w", err)
	}
	if len(results) == 0 {
		return false, nil
	}
	allowed, _ := results[0].Expressions[0].Value.(bool)
	return allowed, nil
}

// Authorize evaluates the configured Rego policy against the subject
// and requested repository action (spec.md §4.6, "Authorization is
// per-repository").
func (a *Adapter) Authorize(ctx context.Context, subject Subject, reqCtx reqcontext.Context) error {
	allowed, err := a.policy.evaluate(ctx, authzInput{
		Repository: reqCtx.Repo,
		Action:     string(reqCtx.Action),
		Subject:    subject.Name,
		Anonymous:  subject.Anonymous,
	})
	if err != nil {
		return err
	}
	if !allowed {
		return ErrDenied
	}
	return nil
}
