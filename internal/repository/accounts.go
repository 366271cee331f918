package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kanbanrt/gateway/internal/authn"
)

// ErrAccountNotFound is returned by account lookups when no matching row exists.
var ErrAccountNotFound = errors.New("account not found")

// UserCredentialStore implements authn.CredentialStore against the users table, the concrete backing for the
// Authenticator's email/password payload variant.
type UserCredentialStore struct {
	db *pgxpool.Pool
}

// NewUserCredentialStore creates a UserCredentialStore backed by db.
func NewUserCredentialStore(db *pgxpool.Pool) *UserCredentialStore {
	return &UserCredentialStore{db: db}
}

// Lookup returns the user and password hash for email.
func (s *UserCredentialStore) Lookup(ctx context.Context, email string) (authn.User, string, error) {
	var u authn.User
	var hash string
	err := s.db.QueryRow(ctx,
		"SELECT id, email, name, role, password_hash FROM users WHERE email = $1", email,
	).Scan(&u.ID, &u.Email, &u.Name, &u.Role, &hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return authn.User{}, "", ErrAccountNotFound
		}
		return authn.User{}, "", fmt.Errorf("lookup account by email: %w", err)
	}
	return u, hash, nil
}

// APIKeyAccountStore implements authn.APIKeyStore against the api_keys table, the concrete backing for the
// Authenticator's API-key payload variant.
type APIKeyAccountStore struct {
	db *pgxpool.Pool
}

// NewAPIKeyAccountStore creates an APIKeyAccountStore backed by db.
func NewAPIKeyAccountStore(db *pgxpool.Pool) *APIKeyAccountStore {
	return &APIKeyAccountStore{db: db}
}

// Lookup returns the user bound to apiKey.
func (s *APIKeyAccountStore) Lookup(ctx context.Context, apiKey string) (authn.User, error) {
	var u authn.User
	err := s.db.QueryRow(ctx, `
		SELECT u.id, u.email, u.name, u.role FROM users u
		JOIN api_keys k ON k.user_id = u.id
		WHERE k.key = $1
	`, apiKey).Scan(&u.ID, &u.Email, &u.Name, &u.Role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return authn.User{}, ErrAccountNotFound
		}
		return authn.User{}, fmt.Errorf("lookup account by api key: %w", err)
	}
	return u, nil
}
