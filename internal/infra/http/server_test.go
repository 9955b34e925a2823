package http

import (
	"archive/zip"
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
	"encoding/json"
	"encoding/pem"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"takserver/internal/config"
	"takserver/internal/domain"
	"takserver/internal/infra/auth/rbac"
	"takserver/internal/infra/blob"
	"takserver/internal/infra/bundles"
	"takserver/internal/infra/ca"
	"takserver/internal/infra/db"
	"takserver/internal/infra/policyopa"
	"takserver/internal/usecase"

	"github.com/gin-gonic/gin"
	"github.com/ncruces/go-sqlite3/gormlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testPassword = "secret"

type stubAuthenticator struct {
	accounts map[string]domain.Account
}

func (a *stubAuthenticator) Authenticate(_ context.Context, authorization string) (domain.Principal, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(authorization, "Basic "))
	if err != nil {
		return domain.Principal{}, domain.ErrUnauthorized
	}
	user, pass, ok := strings.Cut(string(raw), ":")
	account, known := a.accounts[user]
	if !ok || !known || pass != testPassword {
		return domain.Principal{}, domain.ErrUnauthorized
	}
	return account.Principal(), nil
}

type testEnv struct {
	server *Server
	store  *db.Store
	ca     *ca.Authority
	logs   *bytes.Buffer
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	cfg := config.Config{
		Version:          "1.2.3",
		NodeID:           "node-1",
		DBTimeoutSeconds: 5,
		MartiHTTPSPort:   8443,
		SSLStreamingPort: 8089,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	gdb, err := gorm.Open(gormlite.Open(db.SQLiteDSN(filepath.Join(t.TempDir(), "ots.db"))), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	store := db.NewStoreFromDB(gdb)
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	auth := &stubAuthenticator{accounts: map[string]domain.Account{}}
	for _, acct := range []domain.Account{
		{Username: "alice", PasswordHash: "x", Active: true},
		{Username: "admin", PasswordHash: "x", Active: true, Roles: []string{domain.RoleAdministrator}},
	} {
		created, err := store.Accounts.Create(ctx, acct)
		if err != nil {
			t.Fatalf("create account: %v", err)
		}
		auth.accounts[created.Username] = *created
	}

	authority, err := ca.New(ca.Config{
		Folder: t.TempDir(),
		Subject: pkix.Name{
			CommonName:         "test-ca",
			Organization:       []string{"ZZ"},
			OrganizationalUnit: []string{"OpenTAKServer"},
		},
		Password:     "atakatak",
		ValidityDays: 30,
		AutoInit:     true,
	})
	if err != nil {
		t.Fatalf("ca: %v", err)
	}
	blobs, err := blob.New(t.TempDir())
	if err != nil {
		t.Fatalf("blob: %v", err)
	}
	engine, err := policyopa.NewDefaultEngine(ctx, domain.PolicySettings{AnonymousUpdates: cfg.PackageAnonymousUpdates})
	if err != nil {
		t.Fatalf("policy: %v", err)
	}

	logs := &bytes.Buffer{}
	server := NewServer(cfg, ServerDeps{
		Enroll: &usecase.EnrollDevice{
			Auth:         auth,
			CA:           authority,
			Devices:      store.Devices,
			Certificates: store.Certificates,
			ServerPort:   cfg.MartiHTTPSPort,
		},
		Packages: &usecase.PackageExchange{
			Blobs:    blobs,
			Packages: store.Packages,
			Policy:   engine,
		},
		IssueBundle: &usecase.IssueCredentialBundle{
			Authz: rbac.NewAuthorizer(),
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
		},
		Devices:       store.Devices,
		Health:        func(context.Context) error { return nil },
		NameEntries:   authority.NameEntries(),
		Authenticator: auth,
		Authorizer:    rbac.NewAuthorizer(),
		Logger:        slog.New(slog.NewJSONHandler(logs, nil)),
	})
	return &testEnv{server: server, store: store, ca: authority, logs: logs}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	if req.Host == "" || req.Host == "example.com" {
		req.Host = "tak.local:8443"
	}
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func basic(user string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+testPassword))
}

func testCSR(t *testing.T, cn string) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{Subject: pkix.Name{CommonName: cn}}, key)
	if err != nil {
		t.Fatalf("csr: %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})
}

func signRequest(body []byte, userAgent, auth string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/Marti/api/tls/signClient/v2?clientUid=ANDROID-1", bytes.NewReader(body))
	req.Header.Set("User-Agent", userAgent)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	return req
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"mode":"db"`) {
		t.Fatalf("unexpected body %s", w.Body.String())
	}
}

func TestSignClientV2_ITAK(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(signRequest(testCSR(t, "device1"), "iTAK/2.10", basic("alice")))
	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/plain; charset=utf-8" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if strings.Contains(w.Body.String(), "-----") {
		t.Fatalf("PEM framing leaked: %s", w.Body.String())
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	der, err := base64.StdEncoding.DecodeString(body["signedCert"])
	if err != nil {
		t.Fatalf("signedCert not base64: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse signed cert: %v", err)
	}
	if cert.Subject.CommonName != "device1" {
		t.Fatalf("unexpected subject %q", cert.Subject.CommonName)
	}
	if err := cert.CheckSignatureFrom(env.ca.Certificate()); err != nil {
		t.Fatalf("signed cert does not chain to CA: %v", err)
	}
	if body["ca0"] != body["ca1"] || body["ca0"] == "" {
		t.Fatalf("unexpected ca entries %+v", body)
	}

	stored, err := env.store.Certificates.GetByDeviceUID(context.Background(), "ANDROID-1")
	if err != nil {
		t.Fatalf("certificate row: %v", err)
	}
	if stored.ServerAddress != "tak.local" || stored.ServerPort != 8443 || stored.CommonName != "device1" {
		t.Fatalf("unexpected certificate row %+v", stored)
	}
	device, err := env.store.Devices.GetByUID(context.Background(), "ANDROID-1")
	if err != nil || device.AccountID == nil {
		t.Fatalf("device not linked to an account: %+v %v", device, err)
	}
}

func TestSignClientV2_ATAK(t *testing.T) {
	env := newTestEnv(t, nil)
	block, _ := pem.Decode(testCSR(t, "device2"))
	bare := []byte(base64.StdEncoding.EncodeToString(block.Bytes))

	w := env.do(signRequest(bare, "TAK", basic("alice")))
	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/xml" {
		t.Fatalf("unexpected content type %q", ct)
	}
	body := w.Body.String()
	if !strings.HasPrefix(body, `<?xml version="1.0" encoding="UTF-8"?>`) || !strings.Contains(body, "<enrollment><signedCert>") {
		t.Fatalf("unexpected body %s", body)
	}
	if strings.Contains(body, "-----") {
		t.Fatalf("PEM framing leaked: %s", body)
	}
}

func TestSignClientV2_Unauthorized(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, auth := range []string{"", "Basic !!!", "Basic " + base64.StdEncoding.EncodeToString([]byte("alice:wrong"))} {
		w := env.do(signRequest(testCSR(t, "device1"), "iTAK", auth))
		if w.Code != http.StatusUnauthorized || w.Body.Len() != 0 {
			t.Fatalf("auth %q: expected bare 401, got %d %q", auth, w.Code, w.Body.String())
		}
	}
	if devices, _ := env.store.Devices.List(context.Background()); len(devices) != 0 {
		t.Fatal("unauthorized enrollment created a device")
	}
}

func TestSignClientV2_RejectedRequestsAre500(t *testing.T) {
	env := newTestEnv(t, nil)

	noUID := signRequest(testCSR(t, "device1"), "iTAK", basic("alice"))
	noUID.URL.RawQuery = ""

	tests := []struct {
		name string
		req  *http.Request
	}{
		{"malformed csr", signRequest([]byte("definitely not a csr"), "TAK", basic("alice"))},
		{"pem garbage", signRequest([]byte("-----BEGIN CERTIFICATE REQUEST-----\nAAAA\n-----END CERTIFICATE REQUEST-----\n"), "iTAK", basic("alice"))},
		{"missing client uid", noUID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(tt.req)
			if w.Code != http.StatusInternalServerError {
				t.Fatalf("expected 500, got %d %s", w.Code, w.Body.String())
			}
			var body errorResponse
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil || body.Error == "" {
				t.Fatalf("expected error body, got %q", w.Body.String())
			}
		})
	}
	if devices, _ := env.store.Devices.List(context.Background()); len(devices) != 0 {
		t.Fatalf("rejected enrollment created devices: %+v", devices)
	}
}

func TestTLSConfig(t *testing.T) {
	env := newTestEnv(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/Marti/api/tls/config", nil)
	if w := env.do(req); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/Marti/api/tls/config", nil)
	req.Header.Set("Authorization", basic("alice"))
	w := env.do(req)
	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{
		`<ns2:certificateConfig xmlns="http://bbn.com/marti/xml/config" xmlns:ns2="com.bbn.marti.config">`,
		`<nameEntry name="O" value="ZZ">`,
		`<nameEntry name="OU" value="OpenTAKServer">`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %s in %s", want, body)
		}
	}
}

func TestEnrollmentAuxiliaryRoutes(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/Marti/api/tls/profile/enrollment?clientUid=ANDROID-1", nil)
	req.Header.Set("Authorization", basic("alice"))
	if w := env.do(req); w.Code != http.StatusNoContent {
		t.Fatalf("profile: expected 204, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/Marti/api/tls/signClient/", nil)
	req.Header.Set("Authorization", basic("alice"))
	if w := env.do(req); w.Code != http.StatusOK || w.Body.Len() != 0 {
		t.Fatalf("legacy sign: expected empty 200, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/Marti/api/tls/signClient/", nil)
	if w := env.do(req); w.Code != http.StatusUnauthorized {
		t.Fatalf("legacy sign: expected 401, got %d", w.Code)
	}
}

func TestVersionConfig(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(httptest.NewRequest(http.MethodGet, "/Marti/api/version/config", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", w.Code)
	}
	var body serverConfigResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Version != "3" || body.Type != "ServerConfig" || body.Data.API != "3" || body.Data.Hostname != "tak.local" || body.NodeID != "node-1" || body.Data.Version != "1.2.3" {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestClientEndPoints(t *testing.T) {
	env := newTestEnv(t, nil)
	if w := env.do(signRequest(testCSR(t, "device1"), "iTAK", basic("alice"))); w.Code != http.StatusOK {
		t.Fatalf("enroll: %d", w.Code)
	}
	w := env.do(httptest.NewRequest(http.MethodGet, "/Marti/api/clientEndPoints", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", w.Code)
	}
	var body clientEndpointsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Data) != 1 || body.Data[0].UID != "ANDROID-1" || body.Data[0].Username != "alice" {
		t.Fatalf("unexpected endpoints %+v", body.Data)
	}
}

func TestListDevicesRequiresCredentials(t *testing.T) {
	env := newTestEnv(t, nil)
	if w := env.do(httptest.NewRequest(http.MethodGet, "/api/eud", nil)); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/eud", nil)
	req.Header.Set("Authorization", basic("alice"))
	if w := env.do(req); w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "[]" {
		t.Fatalf("unexpected response %d %s", w.Code, w.Body.String())
	}
}

func uploadRequest(data []byte, contentType, query string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/Marti/sync/upload"+query, bytes.NewReader(data))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req
}

func TestPackageUploadDownloadSearch(t *testing.T) {
	env := newTestEnv(t, nil)
	data := []byte("PK\x03\x04 fake mission package")
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	w := env.do(uploadRequest(data, "application/x-zip-compressed", "?name=mission.zip&CreatorUid=ANDROID-1"))
	if w.Code != http.StatusOK {
		t.Fatalf("upload: %d %s", w.Code, w.Body.String())
	}
	var uploaded uploadResponse
	if err := json.Unmarshal(w.Body.Bytes(), &uploaded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if uploaded.Hash != hash || uploaded.UID != hash || uploaded.Name != "mission.zip" || uploaded.CreatorUID != "ANDROID-1" {
		t.Fatalf("unexpected upload response %+v", uploaded)
	}
	if uploaded.PrimaryKey != "1" || uploaded.SubmissionUser != "anonymous" || uploaded.Keywords[0] != "missionpackage" {
		t.Fatalf("unexpected upload response %+v", uploaded)
	}

	w = env.do(uploadRequest(data, "application/x-zip-compressed", "?name=again.zip"))
	if w.Code != http.StatusOK {
		t.Fatalf("re-upload: %d %s", w.Code, w.Body.String())
	}

	w = env.do(httptest.NewRequest(http.MethodGet, "/Marti/sync/search", nil))
	var found searchResponse
	if err := json.Unmarshal(w.Body.Bytes(), &found); err != nil {
		t.Fatalf("decode search: %v", err)
	}
	if found.ResultCount != 1 || found.Results[0].Hash != hash || found.Results[0].Expiration != "-1" || found.Results[0].Tool != "public" {
		t.Fatalf("unexpected search %+v", found)
	}
	if found.Results[0].Size != strconv.Itoa(len(data)) || found.Results[0].Name != "mission.zip" {
		t.Fatalf("unexpected search %+v", found.Results[0])
	}

	for _, path := range []string{"/Marti/sync/content?hash=" + hash, "/Marti/api/sync/metadata/" + hash + "/tool"} {
		w = env.do(httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusOK {
			t.Fatalf("%s: %d", path, w.Code)
		}
		if !bytes.Equal(w.Body.Bytes(), data) {
			t.Fatalf("%s: content mismatch", path)
		}
		if cd := w.Header().Get("Content-Disposition"); cd != `attachment; filename=mission.zip` {
			t.Fatalf("%s: unexpected disposition %q", path, cd)
		}
	}

	w = env.do(httptest.NewRequest(http.MethodGet, "/Marti/sync/missionquery?hash="+hash, nil))
	if w.Code != http.StatusOK || w.Body.String() != "https://tak.local:8443/Marti/api/sync/metadata/"+hash+"/tool" {
		t.Fatalf("query hit: %d %s", w.Code, w.Body.String())
	}
	w = env.do(httptest.NewRequest(http.MethodGet, "/Marti/sync/missionquery?hash="+strings.Repeat("0", 64), nil))
	if w.Code != http.StatusNotFound || strings.TrimSpace(w.Body.String()) != `{"error":"404"}` {
		t.Fatalf("query miss: %d %s", w.Code, w.Body.String())
	}
	w = env.do(httptest.NewRequest(http.MethodGet, "/Marti/sync/content?hash="+strings.Repeat("0", 64), nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("content miss: %d", w.Code)
	}
}

func TestPackageUploadRejections(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(uploadRequest(nil, "application/x-zip-compressed", ""))
	if w.Code != http.StatusBadRequest || strings.TrimSpace(w.Body.String()) != `{"error":"no file"}` {
		t.Fatalf("empty upload: %d %s", w.Code, w.Body.String())
	}
	w = env.do(uploadRequest([]byte("x"), "text/plain", ""))
	if w.Code != http.StatusUnsupportedMediaType || strings.TrimSpace(w.Body.String()) != `{"error":"Please only upload zip files"}` {
		t.Fatalf("wrong type: %d %s", w.Code, w.Body.String())
	}
	packages, err := env.store.Packages.List(context.Background())
	if err != nil {
		t.Fatalf("list packages: %v", err)
	}
	if len(packages) != 0 {
		t.Fatalf("rejected uploads created packages: %+v", packages)
	}
}

func TestRequestLogIncludesUsername(t *testing.T) {
	env := newTestEnv(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/Marti/api/tls/config", nil)
	req.Header.Set("Authorization", basic("alice"))
	if w := env.do(req); w.Code != http.StatusOK {
		t.Fatalf("tls config: %d", w.Code)
	}
	env.do(httptest.NewRequest(http.MethodGet, "/Marti/sync/search", nil))

	lines := strings.Split(strings.TrimSpace(env.logs.String()), "\n")
	var users []string
	for _, line := range lines {
		var entry struct {
			Msg      string `json:"msg"`
			Path     string `json:"path"`
			Username string `json:"username"`
		}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("decode log line %q: %v", line, err)
		}
		if entry.Msg == "http request" {
			users = append(users, entry.Path+"="+entry.Username)
		}
	}
	want := []string{"/Marti/api/tls/config=alice", "/Marti/sync/search=anonymous"}
	if strings.Join(users, ",") != strings.Join(want, ",") {
		t.Fatalf("expected %v, got %v", want, users)
	}
}

func shareRequest(t *testing.T, data []byte, contentType, query string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="assetfile"; filename="shared.zip"`)
	header.Set("Content-Type", contentType)
	part, err := mw.CreatePart(header)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/Marti/sync/missionupload"+query, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestPackageShare(t *testing.T) {
	env := newTestEnv(t, nil)
	hash := strings.Repeat("ab", 32)

	w := env.do(shareRequest(t, []byte("zip bytes"), "application/zip", "?hash="+hash+"&creatorUid=ANDROID-1"))
	if w.Code != http.StatusOK {
		t.Fatalf("share: %d %s", w.Code, w.Body.String())
	}
	if w.Body.String() != "https://tak.local:8443/Marti/api/sync/metadata/"+hash+"/tool" {
		t.Fatalf("unexpected share response %q", w.Body.String())
	}

	w = env.do(shareRequest(t, []byte("other bytes"), "application/zip", "?hash="+hash))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("duplicate share: %d", w.Code)
	}
	var conflict shareConflictResponse
	if err := json.Unmarshal(w.Body.Bytes(), &conflict); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if conflict.Success || conflict.Error != "This data package has already been uploaded" {
		t.Fatalf("unexpected conflict body %+v", conflict)
	}

	w = env.do(httptest.NewRequest(http.MethodGet, "/Marti/sync/content?hash="+hash, nil))
	if w.Body.String() != "zip bytes" {
		t.Fatalf("first share must be kept, got %q", w.Body.String())
	}

	w = env.do(shareRequest(t, []byte("png"), "image/png", ""))
	if w.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("non-zip share: %d", w.Code)
	}
	req := httptest.NewRequest(http.MethodPost, "/Marti/sync/missionupload", nil)
	if w := env.do(req); w.Code != http.StatusBadRequest {
		t.Fatalf("no file: %d", w.Code)
	}
}

func TestPackageKeywords(t *testing.T) {
	env := newTestEnv(t, nil)
	data := []byte("keywords package")
	if w := env.do(uploadRequest(data, "application/x-zip-compressed", "")); w.Code != http.StatusOK {
		t.Fatalf("upload: %d", w.Code)
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	put := func(auth, target string) int {
		req := httptest.NewRequest(http.MethodPut, "/Marti/api/sync/metadata/"+target+"/tool", strings.NewReader("private"))
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		return env.do(req).Code
	}
	if code := put("", hash); code != http.StatusForbidden {
		t.Fatalf("anonymous update: expected 403, got %d", code)
	}
	if code := put(basic("alice"), hash); code != http.StatusOK {
		t.Fatalf("authenticated update: expected 200, got %d", code)
	}
	if code := put(basic("alice"), strings.Repeat("0", 64)); code != http.StatusNotFound {
		t.Fatalf("unknown hash: expected 404, got %d", code)
	}
	pkg, err := env.store.Packages.GetByHash(context.Background(), hash)
	if err != nil || pkg.Keywords != "private" {
		t.Fatalf("keywords not stored: %+v %v", pkg, err)
	}
}

func TestPackageKeywordsAnonymousWhenEnabled(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.PackageAnonymousUpdates = true })
	data := []byte("open package")
	if w := env.do(uploadRequest(data, "application/x-zip-compressed", "")); w.Code != http.StatusOK {
		t.Fatalf("upload: %d", w.Code)
	}
	sum := sha256.Sum256(data)
	req := httptest.NewRequest(http.MethodPut, "/Marti/api/sync/metadata/"+hex.EncodeToString(sum[:])+"/tool", strings.NewReader("x"))
	if w := env.do(req); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestIssueCertificate(t *testing.T) {
	env := newTestEnv(t, nil)
	issue := func(auth string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/certificate", strings.NewReader(`{"common_name":"device9","uid":"ANDROID-9"}`))
		req.Header.Set("Content-Type", "application/json")
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		return env.do(req)
	}

	if w := issue(""); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if w := issue(basic("alice")); w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}

	w := issue(basic("admin"))
	if w.Code != http.StatusOK {
		t.Fatalf("issue: %d %s", w.Code, w.Body.String())
	}
	var resp issueCertificateResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Filename != "device9_DP.zip" || resp.Hash == "" {
		t.Fatalf("unexpected response %+v", resp)
	}

	w = env.do(httptest.NewRequest(http.MethodGet, "/Marti/sync/content?hash="+resp.Hash, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("download bundle: %d", w.Code)
	}
	sum := sha256.Sum256(w.Body.Bytes())
	if hex.EncodeToString(sum[:]) != resp.Hash {
		t.Fatal("bundle bytes do not match their address")
	}
	zr, err := zip.NewReader(bytes.NewReader(w.Body.Bytes()), int64(w.Body.Len()))
	if err != nil {
		t.Fatalf("bundle is not a zip: %v", err)
	}
	names := map[string]bool{}
	for _, f := range zr.File {
		names[f.Name] = true
	}
	for _, want := range []string{"MANIFEST/manifest.xml", "truststore-root.p12", "device9.p12"} {
		if !names[want] {
			t.Fatalf("bundle missing %s: %v", want, names)
		}
	}

	cert, err := env.store.Certificates.GetByDeviceUID(context.Background(), "ANDROID-9")
	if err != nil || cert.PackageHash != resp.Hash {
		t.Fatalf("certificate not linked to bundle: %+v %v", cert, err)
	}
}

type denyingLimiter struct{}

func (denyingLimiter) Allow(_ context.Context, _ string, limit int, _ time.Duration) (domain.RateLimitDecision, error) {
	return domain.RateLimitDecision{Allowed: false, Limit: limit, Remaining: 0, ResetAt: time.Now().Add(30 * time.Second)}, nil
}

func TestRateLimitRejectsWithHeaders(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.RateLimitRequests = 1
		cfg.RateLimitWindowSeconds = 60
	})
	env.server.rateLimiter = denyingLimiter{}

	req := httptest.NewRequest(http.MethodGet, "/Marti/api/tls/profile/enrollment", nil)
	req.Header.Set("Authorization", basic("alice"))
	w := env.do(req)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if w.Header().Get("RateLimit-Limit") != "1" || w.Header().Get("Retry-After") == "" {
		t.Fatalf("missing rate limit headers: %v", w.Header())
	}

	if w := env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil)); w.Code != http.StatusOK {
		t.Fatalf("health must not be rate limited, got %d", w.Code)
	}
}

func TestRateLimitMemoryBackend(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.RateLimitRequests = 2
		cfg.RateLimitWindowSeconds = 60
	})
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, env.do(httptest.NewRequest(http.MethodGet, "/Marti/sync/search", nil)).Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("unexpected codes %v", codes)
	}
}

func TestUnknownRoute(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(httptest.NewRequest(http.MethodGet, "/nope", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	body, _ := io.ReadAll(w.Body)
	if !strings.Contains(string(body), "route not found") {
		t.Fatalf("unexpected body %s", body)
	}
}
