package usecase

import (
	"context"
	"io"

	"takserver/internal/domain"
)

type DeviceRepository interface {
	LinkOwner(ctx context.Context, uid string, accountID *int64) (domain.UpsertResult, *domain.Device, error)
	List(ctx context.Context) ([]domain.Device, error)
}

type CertificateRepository interface {
	Upsert(ctx context.Context, cert domain.Certificate) (domain.UpsertResult, error)
	GetByDeviceUID(ctx context.Context, uid string) (*domain.Certificate, error)
}

type PackageRepository interface {
	Register(ctx context.Context, pkg domain.Package) (*domain.Package, error)
	GetByHash(ctx context.Context, hash string) (*domain.Package, error)
	UpdateKeywords(ctx context.Context, hash, keywords string) error
	List(ctx context.Context) ([]domain.Package, error)
}

type BlobStore interface {
	Put(ctx context.Context, data []byte) (domain.ContentRef, error)
	PutAt(ctx context.Context, hash string, data []byte) error
	Open(ctx context.Context, hash string) (io.ReadCloser, int64, error)
}

type CertificateAuthority interface {
	Sign(csrPEM []byte, commonName string) (domain.IssuedCredential, error)
	Issue(commonName string) (domain.IssuedCredential, error)
	TrustBundle() []byte
	Paths(commonName string) domain.CredentialPaths
	Password() string
}

type PolicyEvaluator interface {
	Evaluate(ctx context.Context, input domain.PolicyInput) (domain.PolicyEvaluation, error)
}

// CredentialBundler packages an issued credential for delivery to a device.
type CredentialBundler interface {
	Bundle(packageUID, commonName, serverAddress string, cred domain.IssuedCredential) (filename string, data []byte, err error)
}
