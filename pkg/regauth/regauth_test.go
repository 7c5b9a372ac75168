package regauth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocidist/registryd/pkg/reqcontext"
)

func TestAuthenticateRoundTrip(t *testing.T) {
	a := New(Options{Realm: "registryd", JWTSecret: "test-secret"})

	tokenString, err := signToken([]byte("test-secret"), "alice", time.Hour)
	require.NoError(t, err)

	subject, err := a.Authenticate(context.Background(), "Bearer "+tokenString)
	require.NoError(t, err)
	assert.Equal(t, "alice", subject.Name)
}

func TestAuthenticateRejectsMissingHeader(t *testing.T) {
	a := New(Options{JWTSecret: "test-secret"})
	_, err := a.Authenticate(context.Background(), "")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestAuthenticateRejectsWrongScheme(t *testing.T) {
	a := New(Options{JWTSecret: "test-secret"})
	_, err := a.Authenticate(context.Background(), "Basic dXNlcjpwYXNz")
	assert.ErrorIs(t, err, ErrUnsupportedCredential)
}

func TestAuthenticateRejectsWrongSecret(t *testing.T) {
	a := New(Options{JWTSecret: "right-secret"})
	tokenString, err := signToken([]byte("wrong-secret"), "alice", time.Hour)
	require.NoError(t, err)

	_, err = a.Authenticate(context.Background(), "Bearer "+tokenString)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestDefaultPolicyAllowsPullDeniesAnonymousPush(t *testing.T) {
	a := New(Options{JWTSecret: "s"})

	err := a.Authorize(context.Background(), Subject{}, reqcontext.Context{
		Repo: "library/nginx", Action: reqcontext.ActionPull,
	})
	assert.NoError(t, err)

	err = a.Authorize(context.Background(), Subject{}, reqcontext.Context{
		Repo: "library/nginx", Action: reqcontext.ActionPush,
	})
	assert.ErrorIs(t, err, ErrDenied)

	err = a.Authorize(context.Background(), Subject{Name: "alice"}, reqcontext.Context{
		Repo: "library/nginx", Action: reqcontext.ActionPush,
	})
	assert.NoError(t, err)
}

func TestChallengeIncludesScope(t *testing.T) {
	a := New(Options{Realm: "registryd", Service: "registryd"})
	header := a.Challenge(reqcontext.Context{Repo: "library/nginx", Action: reqcontext.ActionPull})
	assert.Contains(t, header, `realm="registryd"`)
	assert.Contains(t, header, `scope="repository:library/nginx:pull"`)
}
