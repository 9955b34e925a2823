package usecase

import (
	"bytes"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"

	"takserver/internal/domain"
)

const (
	csrHeader = "-----BEGIN CERTIFICATE REQUEST-----\n"
	csrFooter = "-----END CERTIFICATE REQUEST-----"
)

// normalizeCSR returns a PEM CSR. ATAK posts the bare base64 body; iTAK
// posts full PEM.
func normalizeCSR(family domain.ClientFamily, body []byte) []byte {
	trimmed := bytes.TrimSpace(body)
	if family == domain.FamilyITAK || bytes.HasPrefix(trimmed, []byte("-----BEGIN")) {
		return trimmed
	}
	out := make([]byte, 0, len(csrHeader)+len(trimmed)+len(csrFooter)+2)
	out = append(out, csrHeader...)
	out = append(out, trimmed...)
	out = append(out, '\n')
	out = append(out, csrFooter...)
	out = append(out, '\n')
	return out
}

func csrCommonName(csrPEM []byte) (string, error) {
	block, _ := pem.Decode(csrPEM)
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		return "", fmt.Errorf("%w: malformed csr", domain.ErrInvalidRequest)
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return "", fmt.Errorf("%w: malformed csr", domain.ErrInvalidRequest)
	}
	if csr.Subject.CommonName == "" {
		return "", fmt.Errorf("%w: csr has no common name", domain.ErrInvalidRequest)
	}
	return csr.Subject.CommonName, nil
}

// stripPEM returns the base64 body of a PEM certificate on one line, with
// no header or footer.
func stripPEM(certPEM []byte) (string, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return "", fmt.Errorf("%w: certificate is not PEM", domain.ErrSigningFailure)
	}
	return base64.StdEncoding.EncodeToString(block.Bytes), nil
}
