package ca

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"takserver/internal/domain"

	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

const (
	certFile       = "ca.pem"
	keyFile        = "ca.key"
	truststoreFile = "truststore-root.p12"
	certsDir       = "certs"
)

var ErrNotInitialized = errors.New("ca: no CA material found")

type Config struct {
	Folder       string
	Subject      pkix.Name
	Password     string
	ValidityDays int
	AutoInit     bool
	Now          func() time.Time
}

// Authority signs device certificates with a file-backed root. The private
// key is read from disk for each signing operation and not retained.
type Authority struct {
	cfg     Config
	cert    *x509.Certificate
	certPEM []byte
}

func New(cfg Config) (*Authority, error) {
	if cfg.Folder == "" {
		return nil, errors.New("ca: folder is required")
	}
	if cfg.ValidityDays <= 0 {
		cfg.ValidityDays = 3650
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if err := os.MkdirAll(cfg.Folder, 0o750); err != nil {
		return nil, fmt.Errorf("ca: create folder: %w", err)
	}

	a := &Authority{cfg: cfg}
	certPEM, err := os.ReadFile(a.path(certFile))
	switch {
	case err == nil:
	case os.IsNotExist(err) && cfg.AutoInit:
		certPEM, err = a.initRoot()
		if err != nil {
			return nil, err
		}
	case os.IsNotExist(err):
		return nil, ErrNotInitialized
	default:
		return nil, fmt.Errorf("ca: read certificate: %w", err)
	}

	cert, err := parseCertificatePEM(certPEM)
	if err != nil {
		return nil, fmt.Errorf("ca: %w", err)
	}
	a.cert = cert
	a.certPEM = certPEM

	if _, err := os.Stat(a.path(truststoreFile)); os.IsNotExist(err) {
		if err := a.writeTruststore(); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *Authority) initRoot() ([]byte, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ca: generate key: %w", err)
	}
	serial, err := newSerial()
	if err != nil {
		return nil, err
	}
	now := a.cfg.Now().UTC()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               a.cfg.Subject,
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.AddDate(0, 0, a.cfg.ValidityDays),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		return nil, fmt.Errorf("ca: self-sign: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("ca: marshal key: %w", err)
	}
	if err := writeFile(a.path(keyFile), pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		return nil, err
	}
	certPEM := encodeCertPEM(der)
	if err := writeFile(a.path(certFile), certPEM, 0o644); err != nil {
		return nil, err
	}
	return certPEM, nil
}

func (a *Authority) writeTruststore() error {
	data, err := pkcs12.LegacyDES.EncodeTrustStore([]*x509.Certificate{a.cert}, a.cfg.Password)
	if err != nil {
		return fmt.Errorf("ca: encode truststore: %w", err)
	}
	return writeFile(a.path(truststoreFile), data, 0o644)
}

// Sign issues a client certificate for csrPEM. The CSR subject common name
// must equal commonName. The signed certificate and the CSR are persisted
// under the paths reported by Paths.
func (a *Authority) Sign(csrPEM []byte, commonName string) (domain.IssuedCredential, error) {
	csr, err := ParseCSR(csrPEM)
	if err != nil {
		return domain.IssuedCredential{}, err
	}
	if csr.Subject.CommonName != commonName {
		return domain.IssuedCredential{}, fmt.Errorf("%w: csr subject %q does not match %q", domain.ErrInvalidRequest, csr.Subject.CommonName, commonName)
	}

	issued, err := a.issue(csr.Subject, csr.PublicKey)
	if err != nil {
		return domain.IssuedCredential{}, err
	}
	paths := a.Paths(commonName)
	if err := writeFile(paths.CSR, csrPEM, 0o644); err != nil {
		return domain.IssuedCredential{}, fmt.Errorf("%w: %v", domain.ErrSigningFailure, err)
	}
	if err := writeFile(paths.UserCert, issued.CertificatePEM, 0o644); err != nil {
		return domain.IssuedCredential{}, fmt.Errorf("%w: %v", domain.ErrSigningFailure, err)
	}
	return issued, nil
}

// Issue generates a key pair server-side and signs a client certificate for
// it.
func (a *Authority) Issue(commonName string) (domain.IssuedCredential, error) {
	if commonName == "" {
		return domain.IssuedCredential{}, fmt.Errorf("%w: common name is required", domain.ErrInvalidRequest)
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return domain.IssuedCredential{}, fmt.Errorf("%w: generate key: %v", domain.ErrSigningFailure, err)
	}
	subject := pkix.Name{
		CommonName:         commonName,
		Organization:       a.cert.Subject.Organization,
		OrganizationalUnit: a.cert.Subject.OrganizationalUnit,
	}
	issued, err := a.issue(subject, key.Public())
	if err != nil {
		return domain.IssuedCredential{}, err
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return domain.IssuedCredential{}, fmt.Errorf("%w: marshal key: %v", domain.ErrSigningFailure, err)
	}
	issued.PrivateKeyDER = keyDER

	paths := a.Paths(commonName)
	if err := writeFile(paths.UserCert, issued.CertificatePEM, 0o644); err != nil {
		return domain.IssuedCredential{}, fmt.Errorf("%w: %v", domain.ErrSigningFailure, err)
	}
	keyPath := filepath.Join(filepath.Dir(paths.UserCert), safeName(commonName)+".key")
	if err := writeFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		return domain.IssuedCredential{}, fmt.Errorf("%w: %v", domain.ErrSigningFailure, err)
	}
	return issued, nil
}

func (a *Authority) issue(subject pkix.Name, pub crypto.PublicKey) (domain.IssuedCredential, error) {
	signer, err := a.loadSigner()
	if err != nil {
		return domain.IssuedCredential{}, fmt.Errorf("%w: %v", domain.ErrSigningFailure, err)
	}
	serial, err := newSerial()
	if err != nil {
		return domain.IssuedCredential{}, fmt.Errorf("%w: %v", domain.ErrSigningFailure, err)
	}
	now := a.cfg.Now().UTC()
	notAfter := a.ExpiresAt(now)
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, a.cert, pub, signer)
	if err != nil {
		return domain.IssuedCredential{}, fmt.Errorf("%w: %v", domain.ErrSigningFailure, err)
	}
	return domain.IssuedCredential{
		CertificatePEM: encodeCertPEM(der),
		SerialNumber:   hex.EncodeToString(serial.Bytes()),
		NotAfter:       notAfter,
	}, nil
}

func (a *Authority) loadSigner() (crypto.Signer, error) {
	raw, err := os.ReadFile(a.path(keyFile))
	if err != nil {
		return nil, fmt.Errorf("read CA key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("CA key is not PEM")
	}
	switch block.Type {
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, errors.New("CA key cannot sign")
		}
		return signer, nil
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported CA key type %q", block.Type)
	}
}

// ParseCSR decodes and verifies a PEM certificate signing request.
func ParseCSR(csrPEM []byte) (*x509.CertificateRequest, error) {
	block, _ := pem.Decode(csrPEM)
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		return nil, fmt.Errorf("%w: csr is not a PEM certificate request", domain.ErrInvalidRequest)
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parse csr: %v", domain.ErrInvalidRequest, err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("%w: csr signature: %v", domain.ErrInvalidRequest, err)
	}
	if _, ok := csr.PublicKey.(*rsa.PublicKey); ok {
		return csr, nil
	}
	if _, ok := csr.PublicKey.(*ecdsa.PublicKey); ok {
		return csr, nil
	}
	return nil, fmt.Errorf("%w: unsupported csr key type", domain.ErrInvalidRequest)
}

func (a *Authority) TrustBundle() []byte {
	out := make([]byte, len(a.certPEM))
	copy(out, a.certPEM)
	return out
}

func (a *Authority) Certificate() *x509.Certificate {
	return a.cert
}

func (a *Authority) Password() string {
	return a.cfg.Password
}

// ExpiresAt is the NotAfter given to a client certificate issued at now. It
// never extends past the root.
func (a *Authority) ExpiresAt(now time.Time) time.Time {
	notAfter := now.AddDate(0, 0, a.cfg.ValidityDays)
	if a.cert != nil && notAfter.After(a.cert.NotAfter) {
		return a.cert.NotAfter
	}
	return notAfter
}

// NameEntries lists the subject fields clients copy into their CSRs.
func (a *Authority) NameEntries() []domain.NameEntry {
	var out []domain.NameEntry
	for _, o := range a.cert.Subject.Organization {
		out = append(out, domain.NameEntry{Name: "O", Value: o})
	}
	for _, ou := range a.cert.Subject.OrganizationalUnit {
		out = append(out, domain.NameEntry{Name: "OU", Value: ou})
	}
	return out
}

func (a *Authority) Paths(commonName string) domain.CredentialPaths {
	name := safeName(commonName)
	dir := filepath.Join(a.cfg.Folder, certsDir, name)
	return domain.CredentialPaths{
		Truststore: a.path(truststoreFile),
		UserCert:   filepath.Join(dir, name+".pem"),
		CSR:        filepath.Join(dir, name+".csr"),
	}
}

func (a *Authority) path(name string) string {
	return filepath.Join(a.cfg.Folder, name)
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

func safeName(commonName string) string {
	name := unsafeChars.ReplaceAllString(commonName, "_")
	if name == "" || name == "." || name == ".." {
		return "_"
	}
	return name
}

func newSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("ca: serial: %w", err)
	}
	return serial.Add(serial, big.NewInt(1)), nil
}

func parseCertificatePEM(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("certificate is not PEM")
	}
	return x509.ParseCertificate(block.Bytes)
}

func encodeCertPEM(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func writeFile(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	return os.WriteFile(path, data, perm)
}
