package domain

import "context"

const (
	RoleAdministrator = "administrator"
	RoleUser          = "user"
)

type Principal struct {
	Subject       string
	AccountID     int64
	Roles         []string
	Authenticated bool
}

func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Authenticator resolves the raw Authorization header value of a request.
type Authenticator interface {
	Authenticate(ctx context.Context, authorization string) (Principal, error)
}

const (
	PermissionIssueCertificate = "certificates.issue"
	PermissionReadDevices      = "devices.read"
)

type Authorizer interface {
	Require(principal Principal, permission string) error
}
