package regauth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims is the JWT payload issued by TokenIssuer and verified by
// Adapter.Authenticate, carrying the same subject/session shape the
// teacher's auth.Claims used for dashboard logins, reused here for
// registry bearer tokens.
type Claims struct {
	Subject string `json:"sub_name"`
	jwt.RegisteredClaims
}

func signToken(secret []byte, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Subject: subject,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ID:        uuid.New().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS512, claims)
	return token.SignedString(secret)
}

func parseToken(secret []byte, tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrUnauthorized
	}
	return claims, nil
}

// bearerToken extracts the token from an "Authorization: Bearer <token>"
// header value, mirroring the teacher middleware's scheme check.
func bearerToken(authorizationHeader string) (string, error) {
	if authorizationHeader == "" {
		return "", ErrUnauthorized
	}
	if !strings.HasPrefix(authorizationHeader, "Bearer ") {
		return "", ErrUnsupportedCredential
	}
	return strings.TrimPrefix(authorizationHeader, "Bearer "), nil
}

// Authenticate validates the bearer JWT and, if a revocation store is
// configured, confirms the token's session (jti) has not been revoked.
func (a *Adapter) Authenticate(ctx context.Context, authorizationHeader string) (Subject, error) {
	tokenString, err := bearerToken(authorizationHeader)
	if err != nil {
		return Subject{}, err
	}

	claims, err := parseToken([]byte(a.jwtSecret), tokenString)
	if err != nil {
		return Subject{}, err
	}

	if a.revocation != nil {
		revoked, err := a.revocation.IsRevoked(ctx, claims.ID)
		if err != nil {
			return Subject{}, fmt.Errorf("regauth: check revocation: %w", err)
		}
		if revoked {
			return Subject{}, ErrUnauthorized
		}
	}

	return Subject{Name: claims.Subject}, nil
}
