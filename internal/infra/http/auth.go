package http

import (
	"errors"
	"net/http"
	"strings"

	"takserver/internal/domain"
	"takserver/internal/infra/auth/rbac"

	"github.com/gin-gonic/gin"
)

const principalContextKey = "principal"

// requireBasic authenticates the request's Basic credentials. TAK clients
// expect a bare 401 on failure.
func (s *Server) requireBasic(c *gin.Context) (domain.Principal, bool) {
	if s.authenticator == nil {
		writeErrorCode(c, http.StatusInternalServerError, "auth configuration error")
		return domain.Principal{}, false
	}
	principal, err := s.authenticator.Authenticate(c.Request.Context(), c.GetHeader("Authorization"))
	if err != nil {
		if !errors.Is(err, domain.ErrUnauthorized) {
			s.logger.ErrorContext(c.Request.Context(), "authentication failed", "error", err)
		}
		c.Status(http.StatusUnauthorized)
		return domain.Principal{}, false
	}
	c.Set(principalContextKey, principal)
	return principal, true
}

// requireAuth authenticates and then checks permission.
func (s *Server) requireAuth(c *gin.Context, permission string) (domain.Principal, bool) {
	principal, ok := s.requireBasic(c)
	if !ok {
		return domain.Principal{}, false
	}
	if s.authorizer != nil {
		if err := s.authorizer.Require(principal, permission); err != nil {
			writeAuthzError(c, err)
			return domain.Principal{}, false
		}
	}
	return principal, true
}

// optionalPrincipal resolves credentials when present. Missing or invalid
// credentials yield the anonymous principal.
func (s *Server) optionalPrincipal(c *gin.Context) domain.Principal {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	if header == "" || s.authenticator == nil {
		return domain.Principal{}
	}
	principal, err := s.authenticator.Authenticate(c.Request.Context(), header)
	if err != nil {
		return domain.Principal{}
	}
	c.Set(principalContextKey, principal)
	return principal
}

// getPrincipal returns the principal stored by requireBasic or
// optionalPrincipal.
func getPrincipal(c *gin.Context) (domain.Principal, bool) {
	raw, ok := c.Get(principalContextKey)
	if !ok {
		return domain.Principal{}, false
	}
	principal, ok := raw.(domain.Principal)
	return principal, ok
}

func writeAuthzError(c *gin.Context, err error) {
	if authz, ok := rbac.IsAuthzError(err); ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "code": authz.Code})
		return
	}
	if errors.Is(err, domain.ErrUnauthorized) {
		c.Status(http.StatusUnauthorized)
		return
	}
	writeErrorCode(c, http.StatusForbidden, "forbidden")
}
