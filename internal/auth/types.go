package auth

import (
	"errors"
	"fmt"
	"strings"
)

// Common errors returned by the authentication subsystem.
var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrMissingToken     = errors.New("missing bearer token")
	ErrPermissionDenied = errors.New("permission denied")
	ErrNoGrants         = errors.New("token mode requires at least one grant")
	ErrEmptyToken       = errors.New("empty token in grant")
	ErrUnsupportedMode  = errors.New("unsupported auth mode")
)

// Well-known permissions used by the guard API.
const (
	PermExecute  = "guard:execute"
	PermEvaluate = "guard:evaluate"
	PermRead     = "guard:read"
)

// Subject captures the identity attached to an authenticated request and is
// passed to handlers via context.
type Subject struct {
	Name        string
	Permissions []string

	permissionsSet map[string]struct{}
}

// normalise prepares the lookup set for permission checks.
func (s *Subject) normalise() {
	if s == nil {
		return
	}
	if s.permissionsSet == nil {
		s.permissionsSet = make(map[string]struct{}, len(s.Permissions))
		for _, perm := range s.Permissions {
			s.permissionsSet[strings.ToLower(strings.TrimSpace(perm))] = struct{}{}
		}
	}
}

// HasPermission reports whether the subject has the specified permission.
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	_, ok := s.permissionsSet[strings.ToLower(strings.TrimSpace(permission))]
	return ok
}

// Authorize returns ErrPermissionDenied unless the subject holds every
// requested permission. A subject with no permissions at all is treated as
// an all-access operator token.
func (s *Subject) Authorize(permissions ...string) error {
	if s == nil {
		return ErrPermissionDenied
	}
	s.normalise()
	if len(s.permissionsSet) == 0 {
		return nil
	}
	for _, perm := range permissions {
		if !s.HasPermission(perm) {
			return fmt.Errorf("%w: %s", ErrPermissionDenied, perm)
		}
	}
	return nil
}
