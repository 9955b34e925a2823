package domain

import (
	"strings"
	"time"
)

const (
	DefaultPackageTool     = "public"
	DefaultPackageKeyword  = "missionpackage"
	DefaultSubmissionUser  = "anonymous"
	PackageNeverExpires    = -1
	PackageMIMEType        = "application/x-zip-compressed"
	PackageTimestampLayout = "2006-01-02T15:04:05.000Z"
	UploadPrimaryKey       = "1"
)

// Package is a content-addressed data package. Hash is the lowercase hex
// SHA-256 of the stored bytes unless a client supplied its own address.
type Package struct {
	ID                 int64
	Hash               string
	CID                string
	Filename           string
	Keywords           string
	CreatorUID         string
	SubmissionUser     *int64
	SubmissionUsername string
	SubmissionTime     time.Time
	MIMEType           string
	Size               int64
	Tool               string
	EUDUID             string
	Expiration         int64
}

func (p Package) SubmitterName() string {
	if p.SubmissionUsername == "" {
		return DefaultSubmissionUser
	}
	return p.SubmissionUsername
}

func (p Package) ToolOrDefault() string {
	if p.Tool == "" {
		return DefaultPackageTool
	}
	return p.Tool
}

// ContentRef addresses stored bytes by digest.
type ContentRef struct {
	Hash string
	CID  string
	Size int64
}

var zipMediaTypes = map[string]struct{}{
	"application/x-zip-compressed": {},
	"application/zip-compressed":   {},
	"application/zip":              {},
}

// IsZipMediaType reports whether contentType names a zip archive as sent by
// TAK clients.
func IsZipMediaType(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	if _, ok := zipMediaTypes[ct]; ok {
		return true
	}
	return strings.HasPrefix(ct, "application/x-zip")
}

func IsContentHash(s string) bool {
	if len(s) != 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
