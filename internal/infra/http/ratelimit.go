package http

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"takserver/internal/domain"

	"github.com/gin-gonic/gin"
)

const (
	routeEnrollment = "enrollment"
	routePackages   = "packages"
	routeAdmin      = "admin"
	routeOther      = "other"
)

// rateLimitRoute groups paths so that enrollment and package traffic draw
// from separate budgets.
func rateLimitRoute(path string) string {
	switch {
	case strings.HasPrefix(path, "/Marti/api/tls"):
		return routeEnrollment
	case strings.HasPrefix(path, "/Marti/sync"), strings.HasPrefix(path, "/Marti/api/sync"):
		return routePackages
	case strings.HasPrefix(path, "/api/"):
		return routeAdmin
	default:
		return routeOther
	}
}

func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.enforceRateLimit(c, rateLimitRoute(c.Request.URL.Path)) {
			c.Abort()
			return
		}
		c.Next()
	}
}

func (s *Server) enforceRateLimit(c *gin.Context, routeID string) bool {
	if s.rateLimiter == nil || s.rateLimitRequests <= 0 || routeID == routeOther {
		return true
	}
	key := "ip:" + c.ClientIP() + ":endpoint:" + routeID

	decision, err := s.rateLimiter.Allow(c.Request.Context(), key, s.rateLimitRequests, s.rateLimitWindow)
	if err != nil {
		s.logger.WarnContext(c.Request.Context(), "rate limiter unavailable", "error", err)
		if s.rateLimitFailClosed {
			writeErrorCode(c, http.StatusTooManyRequests, "rate limiter unavailable")
			return false
		}
		return true
	}
	writeRateLimitHeaders(c, decision)
	if !decision.Allowed {
		writeErrorCode(c, http.StatusTooManyRequests, domain.ErrRateLimited.Error())
		return false
	}
	return true
}

func writeRateLimitHeaders(c *gin.Context, decision domain.RateLimitDecision) {
	if decision.Limit > 0 {
		c.Header("RateLimit-Limit", strconv.Itoa(decision.Limit))
	}
	if decision.Remaining >= 0 {
		c.Header("RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	}
	if !decision.ResetAt.IsZero() {
		resetUnix := decision.ResetAt.Unix()
		c.Header("RateLimit-Reset", strconv.FormatInt(resetUnix, 10))
		if !decision.Allowed {
			retryAfter := int64(time.Until(decision.ResetAt).Seconds())
			if retryAfter < 0 {
				retryAfter = 0
			}
			c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
		}
	}
}
