package regauth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is returned by UserStore.Verify on a
// username/password mismatch, deliberately not distinguishing "no
// such user" from "wrong password" to avoid account enumeration, the
// same choice the teacher's Service.ValidateCredentials made.
var ErrInvalidCredentials = errors.New("regauth: invalid credentials")

// UserStore verifies username/password pairs against bcrypt hashes in
// Postgres, generalized from the teacher's auth.Service (RegisterUser
// / LoginUser / HashPassword / CheckPasswordHash) down to the single
// responsibility TokenIssuer needs: turning a password into a Subject.
type UserStore struct {
	db *sql.DB
}

// NewUserStore wraps an existing *sql.DB. It shares the connection the
// storage adapter already opened rather than owning a second pool.
func NewUserStore(db *sql.DB) *UserStore {
	return &UserStore{db: db}
}

// Migrate creates the users table if absent.
func (s *UserStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS auth_users (
			username TEXT PRIMARY KEY,
			password_hash TEXT NOT NULL
		)`)
	return err
}

// CreateUser hashes password with bcrypt and stores the user, matching
// the teacher's HashPassword cost factor.
func (s *UserStore) CreateUser(ctx context.Context, username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), 14)
	if err != nil {
		return fmt.Errorf("regauth: hash password: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO auth_users (username, password_hash) VALUES ($1, $2)
		ON CONFLICT (username) DO UPDATE SET password_hash = EXCLUDED.password_hash`,
		username, string(hash))
	return err
}

// Verify checks a username/password pair and returns the Subject on
// success, or ErrInvalidCredentials.
func (s *UserStore) Verify(ctx context.Context, username, password string) (Subject, error) {
	var hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT password_hash FROM auth_users WHERE username = $1`, username).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return Subject{}, ErrInvalidCredentials
	}
	if err != nil {
		return Subject{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return Subject{}, ErrInvalidCredentials
	}
	return Subject{Name: username}, nil
}
