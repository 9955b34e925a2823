package bundles

import (
	"archive/zip"
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"encoding/xml"
	"errors"
	"fmt"
	"strconv"
	"time"

	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

const (
	manifestEntry   = "MANIFEST/manifest.xml"
	truststoreEntry = "truststore-root.p12"
	prefHeader      = "<?xml version='1.0' encoding='ASCII' standalone='yes'?>\n"
)

// DataPackageInput describes the credential bundle handed to a client.
type DataPackageInput struct {
	PackageUID     string
	CommonName     string
	ServerAddress  string
	StreamingPort  int
	Description    string
	CACertificate  *x509.Certificate
	CertificatePEM []byte
	PrivateKeyDER  []byte
	Password       string
	ModTime        time.Time
}

type DataPackage struct {
	Filename string
	Bytes    []byte
}

func (in DataPackageInput) validate() error {
	switch {
	case in.PackageUID == "":
		return errors.New("bundles: package uid is required")
	case in.CommonName == "":
		return errors.New("bundles: common name is required")
	case in.ServerAddress == "":
		return errors.New("bundles: server address is required")
	case in.CACertificate == nil:
		return errors.New("bundles: CA certificate is required")
	case len(in.CertificatePEM) == 0 || len(in.PrivateKeyDER) == 0:
		return errors.New("bundles: client certificate and key are required")
	}
	return nil
}

// BuildDataPackage assembles an ATAK mission package zip carrying the
// server connection preferences, the CA trust store and the client
// key pair.
func BuildDataPackage(in DataPackageInput) (DataPackage, error) {
	if err := in.validate(); err != nil {
		return DataPackage{}, err
	}
	if in.StreamingPort <= 0 {
		in.StreamingPort = 8089
	}
	if in.Description == "" {
		in.Description = in.ServerAddress
	}
	if in.ModTime.IsZero() {
		in.ModTime = time.Now()
	}

	block, _ := pem.Decode(in.CertificatePEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return DataPackage{}, errors.New("bundles: client certificate is not PEM")
	}
	clientCert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return DataPackage{}, fmt.Errorf("bundles: parse client certificate: %w", err)
	}
	clientKey, err := x509.ParsePKCS8PrivateKey(in.PrivateKeyDER)
	if err != nil {
		return DataPackage{}, fmt.Errorf("bundles: parse client key: %w", err)
	}

	truststore, err := pkcs12.LegacyDES.EncodeTrustStore([]*x509.Certificate{in.CACertificate}, in.Password)
	if err != nil {
		return DataPackage{}, fmt.Errorf("bundles: encode truststore: %w", err)
	}
	clientP12, err := pkcs12.LegacyDES.Encode(clientKey, clientCert, []*x509.Certificate{in.CACertificate}, in.Password)
	if err != nil {
		return DataPackage{}, fmt.Errorf("bundles: encode client p12: %w", err)
	}

	clientEntry := in.CommonName + ".p12"
	prefEntry := in.ServerAddress + ".pref"
	filename := in.CommonName + "_DP.zip"

	pref, err := buildPreferences(in, clientEntry)
	if err != nil {
		return DataPackage{}, err
	}
	manifest, err := buildManifest(in.PackageUID, filename, []string{prefEntry, truststoreEntry, clientEntry})
	if err != nil {
		return DataPackage{}, err
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	entries := []struct {
		name string
		data []byte
	}{
		{manifestEntry, manifest},
		{prefEntry, pref},
		{truststoreEntry, truststore},
		{clientEntry, clientP12},
	}
	for _, e := range entries {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: e.name, Method: zip.Deflate, Modified: in.ModTime})
		if err != nil {
			return DataPackage{}, err
		}
		if _, err := w.Write(e.data); err != nil {
			return DataPackage{}, err
		}
	}
	if err := zw.Close(); err != nil {
		return DataPackage{}, err
	}
	return DataPackage{Filename: filename, Bytes: buf.Bytes()}, nil
}

type missionPackageManifest struct {
	XMLName       xml.Name          `xml:"MissionPackageManifest"`
	Version       string            `xml:"version,attr"`
	Configuration []manifestParam   `xml:"Configuration>Parameter"`
	Contents      []manifestContent `xml:"Contents>Content"`
}

type manifestParam struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type manifestContent struct {
	Ignore   bool   `xml:"ignore,attr"`
	ZipEntry string `xml:"zipEntry,attr"`
}

func buildManifest(uid, name string, entries []string) ([]byte, error) {
	m := missionPackageManifest{
		Version: "2",
		Configuration: []manifestParam{
			{Name: "uid", Value: uid},
			{Name: "name", Value: name},
			{Name: "onReceiveImport", Value: "true"},
			{Name: "onReceiveDelete", Value: "true"},
		},
	}
	for _, e := range entries {
		m.Contents = append(m.Contents, manifestContent{ZipEntry: e})
	}
	out, err := xml.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("bundles: manifest: %w", err)
	}
	return out, nil
}

type preferences struct {
	XMLName     xml.Name     `xml:"preferences"`
	Preferences []preference `xml:"preference"`
}

type preference struct {
	Version string      `xml:"version,attr"`
	Name    string      `xml:"name,attr"`
	Entries []prefEntry `xml:"entry"`
}

type prefEntry struct {
	Key   string `xml:"key,attr"`
	Class string `xml:"class,attr"`
	Value string `xml:",chardata"`
}

func stringEntry(key, value string) prefEntry {
	return prefEntry{Key: key, Class: "class java.lang.String", Value: value}
}

func buildPreferences(in DataPackageInput, clientEntry string) ([]byte, error) {
	connect := in.ServerAddress + ":" + strconv.Itoa(in.StreamingPort) + ":ssl"
	p := preferences{Preferences: []preference{
		{
			Version: "1",
			Name:    "cot_streams",
			Entries: []prefEntry{
				{Key: "count", Class: "class java.lang.Integer", Value: "1"},
				stringEntry("description0", in.Description),
				{Key: "enabled0", Class: "class java.lang.Boolean", Value: "true"},
				stringEntry("connectString0", connect),
			},
		},
		{
			Version: "1",
			Name:    "com.atakmap.app_preferences",
			Entries: []prefEntry{
				{Key: "displayServerConnectionWidget", Class: "class java.lang.Boolean", Value: "true"},
				stringEntry("caLocation", "cert/"+truststoreEntry),
				stringEntry("caPassword", in.Password),
				stringEntry("clientPassword", in.Password),
				stringEntry("certificateLocation", "cert/"+clientEntry),
			},
		},
	}}
	out, err := xml.MarshalIndent(p, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("bundles: preferences: %w", err)
	}
	return append([]byte(prefHeader), out...), nil
}
