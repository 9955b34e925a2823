package usecase

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"io"
	"math/big"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"takserver/internal/domain"
)

type fakeAuth struct {
	accounts map[string]domain.Account
	password string
}

func newFakeAuth(password string, accounts ...domain.Account) *fakeAuth {
	out := &fakeAuth{accounts: map[string]domain.Account{}, password: password}
	for _, a := range accounts {
		out.accounts[a.Username] = a
	}
	return out
}

func (f *fakeAuth) Authenticate(_ context.Context, authorization string) (domain.Principal, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(authorization, "Basic "))
	if err != nil {
		return domain.Principal{}, domain.ErrUnauthorized
	}
	user, pass, ok := strings.Cut(string(raw), ":")
	if !ok || pass != f.password {
		return domain.Principal{}, domain.ErrUnauthorized
	}
	acct, ok := f.accounts[user]
	if !ok {
		return domain.Principal{}, domain.ErrUnauthorized
	}
	return acct.Principal(), nil
}

func basicAuth(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

type fakeCA struct {
	mu      sync.Mutex
	key     *ecdsa.PrivateKey
	cert    *x509.Certificate
	certPEM []byte
	signed  int
	failErr error
	last    domain.IssuedCredential
}

func newFakeCA(t *testing.T) *fakeCA {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("ca key: %v", err)
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test-ca", Organization: []string{"ZZ"}},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		t.Fatalf("ca cert: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse ca: %v", err)
	}
	return &fakeCA{key: key, cert: cert, certPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})}
}

func (f *fakeCA) Sign(csrPEM []byte, commonName string) (domain.IssuedCredential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return domain.IssuedCredential{}, f.failErr
	}
	block, _ := pem.Decode(csrPEM)
	if block == nil {
		return domain.IssuedCredential{}, domain.ErrInvalidRequest
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil || csr.Subject.CommonName != commonName {
		return domain.IssuedCredential{}, domain.ErrInvalidRequest
	}
	f.signed++
	return f.issue(csr.Subject, csr.PublicKey)
}

func (f *fakeCA) Issue(commonName string) (domain.IssuedCredential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return domain.IssuedCredential{}, err
	}
	cred, err := f.issue(pkix.Name{CommonName: commonName}, key.Public())
	if err != nil {
		return domain.IssuedCredential{}, err
	}
	cred.PrivateKeyDER, err = x509.MarshalPKCS8PrivateKey(key)
	return cred, err
}

func (f *fakeCA) issue(subject pkix.Name, pub any) (domain.IssuedCredential, error) {
	now := time.Now()
	serial := big.NewInt(now.UnixNano())
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      subject,
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(time.Hour),
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, f.cert, pub, f.key)
	if err != nil {
		return domain.IssuedCredential{}, err
	}
	f.last = domain.IssuedCredential{
		CertificatePEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		SerialNumber:   serial.Text(16),
		NotAfter:       tmpl.NotAfter,
	}
	return f.last, nil
}

func (f *fakeCA) TrustBundle() []byte { return append([]byte(nil), f.certPEM...) }

func (f *fakeCA) Paths(cn string) domain.CredentialPaths {
	return domain.CredentialPaths{
		Truststore: "/ca/truststore-root.p12",
		UserCert:   "/ca/certs/" + cn + "/" + cn + ".pem",
		CSR:        "/ca/certs/" + cn + "/" + cn + ".csr",
	}
}

func (f *fakeCA) Password() string { return "atakatak" }

type fakeDevices struct {
	mu      sync.Mutex
	devices map[string]domain.Device
	nextID  int64
	err     error
}

func newFakeDevices() *fakeDevices {
	return &fakeDevices{devices: map[string]domain.Device{}}
}

func (f *fakeDevices) LinkOwner(_ context.Context, uid string, accountID *int64) (domain.UpsertResult, *domain.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.UpsertUnchanged, nil, f.err
	}
	device, ok := f.devices[uid]
	result := domain.UpsertUnchanged
	switch {
	case !ok:
		f.nextID++
		device = domain.Device{ID: f.nextID, UID: uid, AccountID: accountID}
		result = domain.UpsertInserted
	case device.AccountID == nil && accountID != nil:
		device.AccountID = accountID
		result = domain.UpsertUpdated
	}
	f.devices[uid] = device
	return result, &device, nil
}

func (f *fakeDevices) List(_ context.Context) ([]domain.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Device, 0, len(f.devices))
	for _, d := range f.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type fakeCertificates struct {
	mu    sync.Mutex
	certs map[string]domain.Certificate
}

func newFakeCertificates() *fakeCertificates {
	return &fakeCertificates{certs: map[string]domain.Certificate{}}
}

func (f *fakeCertificates) Upsert(_ context.Context, cert domain.Certificate) (domain.UpsertResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, exists := f.certs[cert.EUDUID]
	f.certs[cert.EUDUID] = cert
	if exists {
		return domain.UpsertUpdated, nil
	}
	return domain.UpsertInserted, nil
}

func (f *fakeCertificates) GetByDeviceUID(_ context.Context, uid string) (*domain.Certificate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cert, ok := f.certs[uid]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &cert, nil
}

type fakePackages struct {
	mu       sync.Mutex
	packages map[string]domain.Package
	order    []string
}

func newFakePackages() *fakePackages {
	return &fakePackages{packages: map[string]domain.Package{}}
}

func (f *fakePackages) Register(_ context.Context, pkg domain.Package) (*domain.Package, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.packages[pkg.Hash]; ok {
		return nil, domain.ErrConflict
	}
	pkg.ID = int64(len(f.order) + 1)
	f.packages[pkg.Hash] = pkg
	f.order = append(f.order, pkg.Hash)
	return &pkg, nil
}

func (f *fakePackages) GetByHash(_ context.Context, hash string) (*domain.Package, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pkg, ok := f.packages[hash]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &pkg, nil
}

func (f *fakePackages) UpdateKeywords(_ context.Context, hash, keywords string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	pkg, ok := f.packages[hash]
	if !ok {
		return domain.ErrNotFound
	}
	pkg.Keywords = keywords
	f.packages[hash] = pkg
	return nil
}

func (f *fakePackages) List(_ context.Context) ([]domain.Package, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Package, 0, len(f.order))
	for _, h := range f.order {
		out = append(out, f.packages[h])
	}
	return out, nil
}

type fakeBlobs struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{blobs: map[string][]byte{}}
}

func (f *fakeBlobs) Put(ctx context.Context, data []byte) (domain.ContentRef, error) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	if err := f.PutAt(ctx, hash, data); err != nil {
		return domain.ContentRef{}, err
	}
	return domain.ContentRef{Hash: hash, CID: "bafk-" + hash[:8], Size: int64(len(data))}, nil
}

func (f *fakeBlobs) PutAt(_ context.Context, hash string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.blobs[hash]; !ok {
		f.blobs[hash] = append([]byte(nil), data...)
	}
	return nil
}

func (f *fakeBlobs) Open(_ context.Context, hash string) (io.ReadCloser, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.blobs[hash]
	if !ok {
		return nil, 0, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

type fakePolicy struct {
	allow map[string]bool
	err   error
}

func (f *fakePolicy) Evaluate(_ context.Context, input domain.PolicyInput) (domain.PolicyEvaluation, error) {
	if f.err != nil {
		return domain.PolicyEvaluation{}, f.err
	}
	return domain.PolicyEvaluation{BundleHash: "test", Result: domain.PolicyResult{Allow: f.allow[input.Action]}}, nil
}

type fakeAuthorizer struct{}

func (fakeAuthorizer) Require(principal domain.Principal, permission string) error {
	if !principal.Authenticated {
		return domain.ErrUnauthorized
	}
	if permission == domain.PermissionIssueCertificate && !principal.HasRole(domain.RoleAdministrator) {
		return domain.ErrForbidden
	}
	return nil
}

type fakeBundler struct{}

func (fakeBundler) Bundle(packageUID, commonName, serverAddress string, cred domain.IssuedCredential) (string, []byte, error) {
	if len(cred.PrivateKeyDER) == 0 {
		return "", nil, errors.New("missing key")
	}
	return commonName + "_DP.zip", []byte("PK zip for " + commonName + " at " + serverAddress + " " + packageUID), nil
}

func newCSR(t *testing.T, cn string) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("csr key: %v", err)
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{Subject: pkix.Name{CommonName: cn}}, key)
	if err != nil {
		t.Fatalf("create csr: %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})
}

// bareCSR returns the base64 body of a CSR the way ATAK posts it.
func bareCSR(t *testing.T, cn string) []byte {
	t.Helper()
	block, _ := pem.Decode(newCSR(t, cn))
	return []byte(base64.StdEncoding.EncodeToString(block.Bytes))
}
