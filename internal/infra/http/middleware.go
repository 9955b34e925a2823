package http

import (
	"context"
	"time"

	"takserver/internal/domain"

	"github.com/gin-gonic/gin"
)

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		username := domain.DefaultSubmissionUser
		if principal, ok := getPrincipal(c); ok && principal.Subject != "" {
			username = principal.Subject
		}
		s.logger.InfoContext(c.Request.Context(), "http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
			"username", username,
		)
	}
}

// dbDeadline bounds every store call made while serving the request.
func (s *Server) dbDeadline() gin.HandlerFunc {
	timeout := s.cfg.DBTimeout()
	return func(c *gin.Context) {
		if timeout <= 0 {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
