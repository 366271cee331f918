package authn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// TokenClaims is the JWT claim shape accepted from a bearer token. Permissions is optional; when
// absent it is derived from Role via the default role table.
type TokenClaims struct {
	jwt.RegisteredClaims
	UserID      string   `json:"userId"`
	Role        string   `json:"role,omitempty"`
	Email       string   `json:"email,omitempty"`
	Name        string   `json:"name,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// CredentialStore is the external collaborator backing the username/password payload variant. Implementations typically wrap a Repository-backed user table.
type CredentialStore interface {
	// Lookup returns the stored password hash and the user record for email, or an error if no such user exists.
	Lookup(ctx context.Context, email string) (User, string, error)
}

// APIKeyStore is the external collaborator backing the API-key payload variant.
type APIKeyStore interface {
	// Lookup returns the user bound to apiKey, or an error if the key is unknown.
	Lookup(ctx context.Context, apiKey string) (User, error)
}

// Authenticator validates one of three payload variants (bearer token, API key, credentials) and returns a
// Result carrying the resolved user and permission set.
type Authenticator struct {
	jwtSecret string
	issuer    string

	credentials CredentialStore
	apiKeys     APIKeyStore

	log zerolog.Logger
}

// New builds an Authenticator. credentials and apiKeys may be nil if the deployment does not support those payload
// variants; attempting to use an unsupported variant fails as if the credential were invalid.
func New(jwtSecret, issuer string, credentials CredentialStore, apiKeys APIKeyStore, logger zerolog.Logger) *Authenticator {
	return &Authenticator{
		jwtSecret:   jwtSecret,
		issuer:      issuer,
		credentials: credentials,
		apiKeys:     apiKeys,
		log:         logger.With().Str("component", "authn").Logger(),
	}
}

// Authenticate validates payload and returns the resulting Result. Exactly one payload variant is consulted, in the
// order bearer token, API key, credentials — the first non-empty field wins.
func (a *Authenticator) Authenticate(ctx context.Context, payload Payload) Result {
	if payload.empty() {
		return Result{Err: ErrPayloadRequired}
	}

	switch {
	case payload.BearerToken != "":
		return a.authenticateToken(payload.BearerToken)
	case payload.APIKey != "":
		return a.authenticateAPIKey(ctx, payload.APIKey)
	default:
		return a.authenticateCredentials(ctx, payload.Email, payload.Password)
	}
}

func (a *Authenticator) authenticateToken(tokenStr string) Result {
	claims := &TokenClaims{}
	var parserOpts []jwt.ParserOption
	if a.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(a.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(a.jwtSecret), nil
	}, parserOpts...)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Result{Err: ErrTokenExpired}
		}
		a.log.Debug().Err(err).Msg("Rejected bearer token")
		return Result{Err: ErrInvalidToken}
	}
	if !token.Valid || claims.UserID == "" {
		return Result{Err: ErrInvalidToken}
	}

	perms := NewPermissionSet(claims.Permissions)
	if len(perms) == 0 {
		perms = permissionsForRole(claims.Role)
	}

	return Result{
		OK: true,
		User: User{
			ID:    claims.UserID,
			Email: claims.Email,
			Name:  claims.Name,
			Role:  claims.Role,
		},
		Permissions: perms,
	}
}

func (a *Authenticator) authenticateAPIKey(ctx context.Context, key string) Result {
	if a.apiKeys == nil {
		return Result{Err: ErrInvalidKey}
	}
	user, err := a.apiKeys.Lookup(ctx, key)
	if err != nil {
		a.log.Debug().Err(err).Msg("API key lookup failed")
		return Result{Err: ErrInvalidKey}
	}
	return Result{OK: true, User: user, Permissions: permissionsForRole(user.Role)}
}

func (a *Authenticator) authenticateCredentials(ctx context.Context, email, password string) Result {
	if email == "" || password == "" {
		return Result{Err: ErrCredentialsRequired}
	}
	if a.credentials == nil {
		return Result{Err: ErrInvalidCredentials}
	}

	user, hash, err := a.credentials.Lookup(ctx, email)
	if err != nil {
		// Constant-time-equivalent behavior: still run a comparison against a fixed dummy hash so that a lookup
		// miss and a password mismatch take roughly the same time.
		_, _ = argon2id.ComparePasswordAndHash(password, dummyHash)
		return Result{Err: ErrInvalidCredentials}
	}

	match, err := argon2id.ComparePasswordAndHash(password, hash)
	if err != nil || !match {
		return Result{Err: ErrInvalidCredentials}
	}

	return Result{OK: true, User: user, Permissions: permissionsForRole(user.Role)}
}

// IssueToken creates a signed JWT access token for user, embedding its permission set directly so that a later
// Authenticate call does not need to re-derive it from role.
func (a *Authenticator) IssueToken(user User, perms PermissionSet, ttl time.Duration) (string, error) {
	if a.jwtSecret == "" {
		return "", fmt.Errorf("authn: JWT secret must not be empty")
	}
	now := time.Now()
	claims := TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserID:      user.ID,
		Role:        user.Role,
		Email:       user.Email,
		Name:        user.Name,
		Permissions: perms.Slice(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(a.jwtSecret))
	if err != nil {
		return "", fmt.Errorf("authn: sign access token: %w", err)
	}
	return signed, nil
}

// dummyHash is a fixed argon2id hash compared against on a credential-store miss, so that lookup failures and
// password mismatches are not distinguishable by timing.
const dummyHash = "$argon2id$v=19$m=65536,t=1,p=2$c29tZXNhbHRzb21lc2FsdA$YWJjZGVmZ2hpamtsbW5vcHFyc3R1dnd4eXoxMjM0"
