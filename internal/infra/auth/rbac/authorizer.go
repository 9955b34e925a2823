package rbac

import (
	"errors"

	"takserver/internal/domain"
)

type AuthzError struct {
	Code string
	Err  error
}

func (e *AuthzError) Error() string {
	if e == nil {
		return ""
	}
	return e.Code
}

func (e *AuthzError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Authorizer grants permissions from a fixed role table. Accounts without
// roles are plain users.
type Authorizer struct {
	grants map[string]map[string]bool
}

func NewAuthorizer() *Authorizer {
	return &Authorizer{grants: map[string]map[string]bool{
		domain.RoleUser: {
			domain.PermissionReadDevices: true,
		},
		domain.RoleAdministrator: {
			domain.PermissionReadDevices:      true,
			domain.PermissionIssueCertificate: true,
		},
	}}
}

func (a *Authorizer) Require(principal domain.Principal, permission string) error {
	if !principal.Authenticated || principal.Subject == "" {
		return domain.ErrUnauthorized
	}
	roles := principal.Roles
	if len(roles) == 0 {
		roles = []string{domain.RoleUser}
	}
	known := false
	for _, role := range a.grants {
		if role[permission] {
			known = true
			break
		}
	}
	if !known {
		return &AuthzError{Code: "UNKNOWN_PERMISSION", Err: domain.ErrForbidden}
	}
	for _, role := range roles {
		if a.grants[role][permission] {
			return nil
		}
	}
	return &AuthzError{Code: "MISSING_ROLE", Err: domain.ErrForbidden}
}

func IsAuthzError(err error) (*AuthzError, bool) {
	var authz *AuthzError
	if errors.As(err, &authz) {
		return authz, true
	}
	return nil, false
}
