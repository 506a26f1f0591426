package auth

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token format")
	ErrUnknownToken = errors.New("unknown token")
)

// Role of an authenticated connection.
type Role string

const (
	RoleOperator   Role = "operator"
	RoleSupervisor Role = "supervisor"
)

// Identity is the claim set attached to a connection at registration
// time: who the subject is, what role it holds, and which organizational
// scope (department, or "ALL" for the super-scope) it belongs to.
type Identity struct {
	SubjectID string
	Role      Role
	Scope     string
}

// Authenticator validates a bearer token and returns the identity claims
// used to tag the connection in the registry.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Identity, error)
}

// StaticAuthenticator is the local-dev implementation. Tokens encode
// their claims directly: "osk_<operator>_<dept>" for operators and
// "svk_<supervisor>_<scope>" for supervisors. No database lookup, just
// format validation.
type StaticAuthenticator struct{}

func NewStaticAuthenticator() *StaticAuthenticator {
	return &StaticAuthenticator{}
}

func (a *StaticAuthenticator) Authenticate(_ context.Context, token string) (*Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMissingToken
	}

	var role Role
	switch {
	case strings.HasPrefix(token, "osk_"):
		role = RoleOperator
	case strings.HasPrefix(token, "svk_"):
		role = RoleSupervisor
	default:
		return nil, ErrInvalidToken
	}

	parts := strings.SplitN(token[4:], "_", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, ErrInvalidToken
	}

	return &Identity{
		SubjectID: parts[0],
		Role:      role,
		Scope:     parts[1],
	}, nil
}
