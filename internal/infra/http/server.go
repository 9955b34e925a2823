package http

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"takserver/internal/config"
	"takserver/internal/domain"
	"takserver/internal/infra/ratelimit"
	"takserver/internal/usecase"

	"github.com/gin-gonic/gin"
)

type DeviceLister interface {
	List(ctx context.Context) ([]domain.Device, error)
}

type Server struct {
	cfg    config.Config
	r      *gin.Engine
	logger *slog.Logger

	enrollUC   *usecase.EnrollDevice
	packagesUC *usecase.PackageExchange
	bundleUC   *usecase.IssueCredentialBundle
	devices    DeviceLister
	health     func(ctx context.Context) error

	nameEntries []domain.NameEntry

	authenticator domain.Authenticator
	authorizer    domain.Authorizer

	rateLimiter         domain.RateLimiter
	rateLimitRequests   int
	rateLimitWindow     time.Duration
	rateLimitFailClosed bool
}

type ServerDeps struct {
	Enroll        *usecase.EnrollDevice
	Packages      *usecase.PackageExchange
	IssueBundle   *usecase.IssueCredentialBundle
	Devices       DeviceLister
	Health        func(ctx context.Context) error
	NameEntries   []domain.NameEntry
	Authenticator domain.Authenticator
	Authorizer    domain.Authorizer
	RateLimiter   domain.RateLimiter
	Logger        *slog.Logger
}

func NewServer(cfg config.Config, deps ServerDeps) *Server {
	r := gin.New()
	r.Use(gin.Recovery())

	s := &Server{
		cfg:           cfg,
		r:             r,
		logger:        deps.Logger,
		enrollUC:      deps.Enroll,
		packagesUC:    deps.Packages,
		bundleUC:      deps.IssueBundle,
		devices:       deps.Devices,
		health:        deps.Health,
		nameEntries:   deps.NameEntries,
		authenticator: deps.Authenticator,
		authorizer:    deps.Authorizer,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.initRateLimit(deps.RateLimiter)
	r.Use(s.requestLogger(), s.rateLimit(), s.dbDeadline())
	s.routes()
	return s
}

func (s *Server) initRateLimit(override domain.RateLimiter) {
	if override != nil {
		s.rateLimiter = override
	}
	if s.rateLimiter == nil && s.cfg.RateLimitRequests > 0 {
		s.rateLimiter = ratelimit.NewMemoryLimiter(ratelimit.MemoryLimiterConfig{
			MaxKeys: s.cfg.RateLimitMaxKeys,
		})
	}
	s.rateLimitRequests = s.cfg.RateLimitRequests
	s.rateLimitWindow = s.cfg.RateLimitWindow()
	s.rateLimitFailClosed = s.cfg.RateLimitFailClosed
}

func (s *Server) routes() {
	s.r.GET("/healthz", s.handleHealth)

	marti := s.r.Group("/Marti")
	{
		marti.POST("/api/tls/signClient/v2", s.handleSignClientV2)
		marti.POST("/api/tls/signClient/", s.handleSignClientLegacy)
		marti.GET("/api/tls/config", s.handleTLSConfig)
		marti.GET("/api/tls/profile/enrollment", s.handleEnrollmentProfile)
		marti.GET("/api/version/config", s.handleVersionConfig)
		marti.GET("/api/clientEndPoints", s.handleClientEndPoints)

		marti.POST("/sync/upload", s.handlePackageUpload)
		marti.POST("/sync/missionupload", s.handlePackageShare)
		marti.GET("/sync/missionquery", s.handlePackageQuery)
		marti.GET("/sync/search", s.handlePackageSearch)
		marti.GET("/sync/content", s.handlePackageContent)
		marti.GET("/api/sync/metadata/:hash/tool", s.handlePackageMetadata)
		marti.PUT("/api/sync/metadata/:hash/tool", s.handlePackageKeywords)
	}

	api := s.r.Group("/api")
	{
		api.POST("/certificate", s.handleIssueCertificate)
		api.GET("/eud", s.handleListDevices)
	}

	s.r.NoRoute(s.handleNoRoute)
}

func (s *Server) Handler() http.Handler {
	return s.r
}

func (s *Server) Run() error {
	return s.r.Run(s.cfg.HTTPAddr)
}

func (s *Server) handleHealth(c *gin.Context) {
	status, dbMode := "ok", "no-db"
	code := http.StatusOK
	if s.health != nil {
		dbMode = "db"
		if err := s.health(c.Request.Context()); err != nil {
			s.logger.ErrorContext(c.Request.Context(), "health check failed", "error", err)
			status, code = "degraded", http.StatusServiceUnavailable
		}
	}
	c.JSON(code, gin.H{"status": status, "mode": dbMode, "version": s.cfg.Version})
}

func (s *Server) handleNoRoute(c *gin.Context) {
	writeErrorCode(c, http.StatusNotFound, "route not found")
}

// advertisedHost is the hostname clients should use to reach this server.
func (s *Server) advertisedHost(c *gin.Context) string {
	host := c.Request.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return s.cfg.AdvertisedHost(host)
}
