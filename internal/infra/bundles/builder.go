package bundles

import (
	"crypto/x509"
	"time"

	"takserver/internal/domain"
)

// Builder binds the server-wide settings of a data package so callers only
// supply the per-device parts.
type Builder struct {
	CACertificate *x509.Certificate
	Password      string
	StreamingPort int
	Now           func() time.Time
}

func (b *Builder) Bundle(packageUID, commonName, serverAddress string, cred domain.IssuedCredential) (string, []byte, error) {
	now := time.Now
	if b.Now != nil {
		now = b.Now
	}
	pkg, err := BuildDataPackage(DataPackageInput{
		PackageUID:     packageUID,
		CommonName:     commonName,
		ServerAddress:  serverAddress,
		StreamingPort:  b.StreamingPort,
		CACertificate:  b.CACertificate,
		CertificatePEM: cred.CertificatePEM,
		PrivateKeyDER:  cred.PrivateKeyDER,
		Password:       b.Password,
		ModTime:        now(),
	})
	if err != nil {
		return "", nil, err
	}
	return pkg.Filename, pkg.Bytes, nil
}
