package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"takserver/internal/domain"

	"github.com/google/uuid"
)

type IssueCredentialBundleRequest struct {
	Principal     domain.Principal
	CommonName    string
	DeviceUID     string
	ServerAddress string
}

type IssueCredentialBundleResponse struct {
	Package     domain.Package
	Certificate *domain.Certificate
}

// IssueCredentialBundle mints a key pair and certificate server-side and
// publishes them as a data package in the content-addressed store.
type IssueCredentialBundle struct {
	Authz        domain.Authorizer
	CA           CertificateAuthority
	Bundler      CredentialBundler
	Blobs        BlobStore
	Packages     PackageRepository
	Devices      DeviceRepository
	Certificates CertificateRepository
	ServerPort   int
	Logger       *slog.Logger
	Now          func() time.Time
}

func (uc *IssueCredentialBundle) Execute(ctx context.Context, req IssueCredentialBundleRequest) (*IssueCredentialBundleResponse, error) {
	if err := uc.Authz.Require(req.Principal, domain.PermissionIssueCertificate); err != nil {
		return nil, err
	}
	commonName := strings.TrimSpace(req.CommonName)
	if commonName == "" {
		return nil, fmt.Errorf("%w: common_name is required", domain.ErrInvalidRequest)
	}
	if req.ServerAddress == "" {
		return nil, fmt.Errorf("%w: server address is unknown", domain.ErrInvalidRequest)
	}

	cred, err := uc.CA.Issue(commonName)
	if err != nil {
		return nil, err
	}
	filename, data, err := uc.Bundler.Bundle(uuid.NewString(), commonName, req.ServerAddress, cred)
	if err != nil {
		return nil, fmt.Errorf("build bundle: %w", err)
	}
	ref, err := uc.Blobs.Put(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("store bundle: %w", err)
	}

	pkg := domain.Package{
		Hash:           ref.Hash,
		CID:            ref.CID,
		Filename:       filename,
		Keywords:       domain.DefaultPackageTool,
		CreatorUID:     req.DeviceUID,
		SubmissionTime: uc.now(),
		MIMEType:       domain.PackageMIMEType,
		Size:           ref.Size,
		Tool:           domain.DefaultPackageTool,
		EUDUID:         req.DeviceUID,
		Expiration:     domain.PackageNeverExpires,
	}
	if req.Principal.AccountID != 0 {
		id := req.Principal.AccountID
		pkg.SubmissionUser = &id
		pkg.SubmissionUsername = req.Principal.Subject
	}
	stored, err := uc.Packages.Register(ctx, pkg)
	if errors.Is(err, domain.ErrConflict) {
		stored, err = uc.Packages.GetByHash(ctx, ref.Hash)
	}
	if err != nil {
		return nil, fmt.Errorf("register bundle: %w", err)
	}
	resp := &IssueCredentialBundleResponse{Package: *stored}

	if req.DeviceUID != "" {
		_, device, err := uc.Devices.LinkOwner(ctx, req.DeviceUID, nil)
		if err != nil {
			return nil, fmt.Errorf("link device: %w", err)
		}
		paths := uc.CA.Paths(commonName)
		cert := domain.Certificate{
			CommonName:         commonName,
			EUDUID:             req.DeviceUID,
			Callsign:           device.Callsign,
			SerialNumber:       cred.SerialNumber,
			ExpirationDate:     cred.NotAfter,
			ServerAddress:      req.ServerAddress,
			ServerPort:         uc.ServerPort,
			TruststoreFilename: paths.Truststore,
			UserCertFilename:   paths.UserCert,
			CertPassword:       uc.CA.Password(),
			PackageHash:        stored.Hash,
		}
		if _, err := uc.Certificates.Upsert(ctx, cert); err != nil {
			return nil, fmt.Errorf("record certificate: %w", err)
		}
		resp.Certificate = &cert
	}

	uc.logger().InfoContext(ctx, "credential bundle issued",
		"common_name", commonName,
		"hash", stored.Hash,
		"uid", req.DeviceUID,
		"issuer", req.Principal.Subject,
	)
	return resp, nil
}

func (uc *IssueCredentialBundle) logger() *slog.Logger {
	if uc.Logger != nil {
		return uc.Logger
	}
	return slog.Default()
}

func (uc *IssueCredentialBundle) now() time.Time {
	if uc.Now != nil {
		return uc.Now().UTC()
	}
	return time.Now().UTC()
}
