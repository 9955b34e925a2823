package domain

import "time"

// Certificate records the credential issued to a device. There is at most
// one per device UID.
type Certificate struct {
	ID                 int64
	CommonName         string
	EUDUID             string
	Callsign           string
	SerialNumber       string
	ExpirationDate     time.Time
	ServerAddress      string
	ServerPort         int
	TruststoreFilename string
	UserCertFilename   string
	CSRFilename        string
	CertPassword       string
	PackageHash        string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// IssuedCredential is a freshly minted client certificate together with its
// private key, produced by the server-side issuance flow.
type IssuedCredential struct {
	CertificatePEM []byte
	PrivateKeyDER  []byte
	SerialNumber   string
	NotAfter       time.Time
}

// CredentialPaths locates the on-disk artifacts of a device credential.
type CredentialPaths struct {
	Truststore string
	UserCert   string
	CSR        string
}

type NameEntry struct {
	Name  string
	Value string
}
