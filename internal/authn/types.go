// Package authn implements the Authenticator and permission checker: bearer-token, API-key, and credential
// authentication over a uniform payload, plus the pure permission-matching rule shared by every dispatch-table
// entry.
package authn

import "errors"

// User is the immutable identity produced by a successful authentication.
type User struct {
	ID    string
	Email string
	Name  string
	Role  string
}

// PermissionSet is an unordered collection of permission strings shaped verb:scope[:resource-id].
type PermissionSet map[string]struct{}

// NewPermissionSet builds a PermissionSet from a slice of permission strings.
func NewPermissionSet(perms []string) PermissionSet {
	set := make(PermissionSet, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	return set
}

// Slice returns the permission set as a sorted-free slice, for logging and wire replies.
func (s PermissionSet) Slice() []string {
	out := make([]string, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	return out
}

// Result is the outcome of an authentication attempt.
type Result struct {
	OK          bool
	User        User
	Permissions PermissionSet
	Err         error
}

// Payload is the discriminated union of the three supported authentication inputs. Exactly one of BearerToken,
// APIKey, or (Email and Password) is expected to be set by the caller.
type Payload struct {
	BearerToken string
	APIKey      string
	Email       string
	Password    string
}

// empty reports whether the payload carries no credential of any kind.
func (p Payload) empty() bool {
	return p.BearerToken == "" && p.APIKey == "" && p.Email == "" && p.Password == ""
}

// Sentinel errors carrying the wire error codes an auth failure reply reports.
var (
	ErrPayloadRequired     = errors.New("AUTH_PAYLOAD_REQUIRED")
	ErrInvalidToken        = errors.New("AUTH_INVALID_TOKEN")
	ErrTokenExpired        = errors.New("AUTH_TOKEN_EXPIRED")
	ErrInvalidKey          = errors.New("AUTH_INVALID_KEY")
	ErrCredentialsRequired = errors.New("AUTH_CREDENTIALS_REQUIRED")
	ErrInvalidCredentials  = errors.New("AUTH_INVALID_CREDENTIALS")
)
