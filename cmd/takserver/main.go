package main

import (
	"context"
	"log"
	"log/slog"
	"os"

	"takserver/internal/config"
	"takserver/internal/domain"
	"takserver/internal/infra/auth/basic"
	"takserver/internal/infra/auth/rbac"
	"takserver/internal/infra/blob"
	"takserver/internal/infra/bundles"
	"takserver/internal/infra/ca"
	"takserver/internal/infra/db"
	httpinfra "takserver/internal/infra/http"
	"takserver/internal/infra/logging"
	"takserver/internal/infra/policyopa"
	"takserver/internal/infra/ratelimit"
	"takserver/internal/usecase"
)

func main() {
	cfg := config.FromEnv()
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	ctx := context.Background()

	store, err := db.NewStore(cfg)
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("failed to migrate store: %v", err)
	}

	authenticator := basic.NewAuthenticator(store.Accounts)
	if cfg.AdminUsername != "" && cfg.AdminPassword != "" {
		created, err := authenticator.EnsureAccount(ctx, cfg.AdminUsername, cfg.AdminPassword, []string{domain.RoleAdministrator})
		if err != nil {
			log.Fatalf("failed to seed admin account: %v", err)
		}
		if created {
			logger.Info("admin account created", "username", cfg.AdminUsername)
		}
	}

	authority, err := ca.NewFromConfig(cfg)
	if err != nil {
		log.Fatalf("failed to init certificate authority: %v", err)
	}
	blobs, err := blob.New(cfg.UploadFolder)
	if err != nil {
		log.Fatalf("failed to init blob store: %v", err)
	}

	settings := domain.PolicySettings{AnonymousUpdates: cfg.PackageAnonymousUpdates}
	var policy *policyopa.Engine
	if cfg.PolicyBundlePath != "" {
		policy, err = policyopa.NewEngineFromBundlePath(ctx, cfg.PolicyBundlePath, settings)
	} else {
		policy, err = policyopa.NewDefaultEngine(ctx, settings)
	}
	if err != nil {
		log.Fatalf("failed to load package policy: %v", err)
	}
	logger.Info("package policy loaded", "bundle_hash", policy.BundleHash())

	var limiter domain.RateLimiter
	if cfg.RateLimitRequests > 0 && cfg.RedisAddr != "" {
		redisLimiter, err := ratelimit.NewRedisLimiter(ctx, ratelimit.RedisLimiterConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			logger.Warn("redis rate limiter unavailable, using in-memory limiter", "error", err)
		} else {
			defer redisLimiter.Close()
			limiter = redisLimiter
		}
	}

	authorizer := rbac.NewAuthorizer()
	srv := httpinfra.NewServer(cfg, httpinfra.ServerDeps{
		Enroll: &usecase.EnrollDevice{
			Auth:         authenticator,
			CA:           authority,
			Devices:      store.Devices,
			Certificates: store.Certificates,
			ServerPort:   cfg.MartiHTTPSPort,
			Logger:       logger,
		},
		Packages: &usecase.PackageExchange{
			Blobs:    blobs,
			Packages: store.Packages,
			Policy:   policy,
			Logger:   logger,
		},
		IssueBundle: &usecase.IssueCredentialBundle{
			Authz: authorizer,
			CA:    authority,
			Bundler: &bundles.Builder{
				CACertificate: authority.Certificate(),
				Password:      authority.Password(),
				StreamingPort: cfg.SSLStreamingPort,
			},
			Blobs:        blobs,
			Packages:     store.Packages,
			Devices:      store.Devices,
			Certificates: store.Certificates,
			ServerPort:   cfg.MartiHTTPSPort,
			Logger:       logger,
		},
		Devices:       store.Devices,
		Health:        store.Ping,
		NameEntries:   authority.NameEntries(),
		Authenticator: authenticator,
		Authorizer:    authorizer,
		RateLimiter:   limiter,
		Logger:        logger,
	})

	logger.Info("takserver listening", "addr", cfg.HTTPAddr, "node_id", cfg.NodeID, "version", cfg.Version)
	if err := srv.Run(); err != nil {
		log.Fatalf("server exited: %v", err)
	}
}
