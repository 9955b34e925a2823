package http

import (
	"errors"
	"net/http"
	"strings"

	"takserver/internal/domain"

	"github.com/gin-gonic/gin"
)

type errorResponse struct {
	Error string `json:"error"`
}

var classifiedErrors = []struct {
	err    error
	status int
}{
	{domain.ErrUnauthorized, http.StatusUnauthorized},
	{domain.ErrForbidden, http.StatusForbidden},
	{domain.ErrInvalidRequest, http.StatusBadRequest},
	{domain.ErrUnsupportedMediaType, http.StatusUnsupportedMediaType},
	{domain.ErrConflict, http.StatusConflict},
	{domain.ErrNotFound, http.StatusNotFound},
	{domain.ErrRateLimited, http.StatusTooManyRequests},
	{domain.ErrSigningFailure, http.StatusInternalServerError},
}

// writeError maps a domain error onto a status and a client-safe message.
// Unclassified errors are logged and reported with a constant message.
func (s *Server) writeError(c *gin.Context, err error) {
	for _, ce := range classifiedErrors {
		if errors.Is(err, ce.err) {
			if ce.status == http.StatusUnauthorized {
				c.Status(ce.status)
				return
			}
			writeErrorCode(c, ce.status, clientMessage(err, ce.err))
			return
		}
	}
	s.logger.ErrorContext(c.Request.Context(), "request failed",
		"method", c.Request.Method,
		"path", c.FullPath(),
		"error", err,
	)
	writeErrorCode(c, http.StatusInternalServerError, "internal error")
}

// writeEnrollmentError answers the signing endpoint: 401 with no body for
// bad credentials, 500 with a short message for everything else.
func (s *Server) writeEnrollmentError(c *gin.Context, err error) {
	if errors.Is(err, domain.ErrUnauthorized) {
		c.Status(http.StatusUnauthorized)
		return
	}
	msg := domain.ErrSigningFailure.Error()
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		msg = clientMessage(err, domain.ErrInvalidRequest)
	case errors.Is(err, domain.ErrSigningFailure):
	default:
		s.logger.ErrorContext(c.Request.Context(), "enrollment failed",
			"path", c.FullPath(),
			"error", err,
		)
	}
	writeErrorCode(c, http.StatusInternalServerError, msg)
}

// clientMessage strips the sentinel prefix from errors built as
// fmt.Errorf("%w: detail", sentinel).
func clientMessage(err, sentinel error) string {
	msg := err.Error()
	if detail, ok := strings.CutPrefix(msg, sentinel.Error()+": "); ok && detail != "" {
		msg = detail
	}
	if errors.Is(sentinel, domain.ErrSigningFailure) {
		// Signing details stay in the log.
		return sentinel.Error()
	}
	return msg
}

func writeErrorCode(c *gin.Context, status int, message string) {
	c.JSON(status, errorResponse{Error: message})
}
