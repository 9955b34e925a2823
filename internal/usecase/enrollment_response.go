package usecase

import (
	"encoding/json"
	"encoding/xml"

	"takserver/internal/domain"
)

const (
	ContentTypeEnrollmentJSON = "text/plain; charset=utf-8"
	ContentTypeEnrollmentXML  = "application/xml"
)

type enrollmentJSON struct {
	SignedCert string `json:"signedCert"`
	CA0        string `json:"ca0"`
	CA1        string `json:"ca1"`
}

type enrollmentXML struct {
	XMLName    xml.Name `xml:"enrollment"`
	SignedCert string   `xml:"signedCert"`
	CA         string   `xml:"ca"`
}

// FormatEnrollment renders the signing response for a client family.
// signedCert and caCert are unframed base64 DER.
func FormatEnrollment(family domain.ClientFamily, signedCert, caCert string) (string, []byte, error) {
	if family == domain.FamilyITAK {
		body, err := json.Marshal(enrollmentJSON{SignedCert: signedCert, CA0: caCert, CA1: caCert})
		if err != nil {
			return "", nil, err
		}
		return ContentTypeEnrollmentJSON, body, nil
	}
	doc, err := xml.Marshal(enrollmentXML{SignedCert: signedCert, CA: caCert})
	if err != nil {
		return "", nil, err
	}
	body := make([]byte, 0, len(xml.Header)+len(doc))
	body = append(body, xml.Header...)
	body = append(body, doc...)
	return ContentTypeEnrollmentXML, body, nil
}
