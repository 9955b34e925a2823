package http

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"takserver/internal/domain"
	"takserver/internal/usecase"

	"github.com/gin-gonic/gin"
)

const (
	maxPackageBytes  = 512 << 20
	maxKeywordsBytes = 16 << 10
)

type uploadResponse struct {
	UID                string   `json:"UID"`
	SubmissionDateTime string   `json:"SubmissionDateTime"`
	Keywords           []string `json:"Keywords"`
	MIMEType           string   `json:"MIMEType"`
	SubmissionUser     string   `json:"SubmissionUser"`
	PrimaryKey         string   `json:"PrimaryKey"`
	Hash               string   `json:"Hash"`
	CreatorUID         string   `json:"CreatorUid"`
	Name               string   `json:"Name"`
}

type searchResponse struct {
	ResultCount int            `json:"resultCount"`
	Results     []searchResult `json:"results"`
}

type searchResult struct {
	UID                string   `json:"UID"`
	Name               string   `json:"Name"`
	Hash               string   `json:"Hash"`
	CreatorUID         string   `json:"CreatorUid"`
	SubmissionDateTime string   `json:"SubmissionDateTime"`
	Expiration         string   `json:"EXPIRATION"`
	Keywords           []string `json:"Keywords"`
	MIMEType           string   `json:"MIMEType"`
	Size               string   `json:"Size"`
	SubmissionUser     string   `json:"SubmissionUser"`
	PrimaryKey         string   `json:"PrimaryKey"`
	Tool               string   `json:"Tool"`
}

type shareConflictResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func (s *Server) handlePackageUpload(c *gin.Context) {
	if s.packagesUC == nil {
		s.writeError(c, domain.ErrNotFound)
		return
	}
	data, ok := s.readBody(c, maxPackageBytes)
	if !ok {
		return
	}
	pkg, err := s.packagesUC.Upload(c.Request.Context(), usecase.UploadPackageRequest{
		Principal:   s.optionalPrincipal(c),
		Data:        data,
		ContentType: c.ContentType(),
		Name:        c.Query("name"),
		CreatorUID:  c.Query("CreatorUid"),
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, uploadResponse{
		UID:                pkg.Hash,
		SubmissionDateTime: pkg.SubmissionTime.UTC().Format(domain.PackageTimestampLayout),
		Keywords:           []string{domain.DefaultPackageKeyword},
		MIMEType:           pkg.MIMEType,
		SubmissionUser:     pkg.SubmitterName(),
		PrimaryKey:         domain.UploadPrimaryKey,
		Hash:               pkg.Hash,
		CreatorUID:         pkg.CreatorUID,
		Name:               pkg.Filename,
	})
}

func (s *Server) handlePackageShare(c *gin.Context) {
	if s.packagesUC == nil {
		s.writeError(c, domain.ErrNotFound)
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxPackageBytes)
	files, err := firstMultipartFile(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	pkg, err := s.packagesUC.Share(c.Request.Context(), usecase.SharePackageRequest{
		Principal:  s.optionalPrincipal(c),
		Files:      files,
		Hash:       c.Query("hash"),
		Filename:   c.Query("filename"),
		CreatorUID: c.Query("creatorUid"),
	})
	if errors.Is(err, domain.ErrConflict) {
		c.JSON(http.StatusBadRequest, shareConflictResponse{Success: false, Error: clientMessage(err, domain.ErrConflict)})
		return
	}
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.String(http.StatusOK, s.metadataURL(c, pkg.Hash))
}

// firstMultipartFile reads the first file part of the form, ordered by field
// name. An absent or empty form yields no files.
func firstMultipartFile(c *gin.Context) ([]usecase.UploadedFile, error) {
	form, err := c.MultipartForm()
	if err != nil {
		if errors.Is(err, http.ErrNotMultipart) || errors.Is(err, http.ErrMissingBoundary) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: malformed multipart body", domain.ErrInvalidRequest)
	}
	fields := make([]string, 0, len(form.File))
	for field, headers := range form.File {
		if len(headers) > 0 {
			fields = append(fields, field)
		}
	}
	if len(fields) == 0 {
		return nil, nil
	}
	sort.Strings(fields)
	header := form.File[fields[0]][0]
	f, err := header.Open()
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	return []usecase.UploadedFile{{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	}}, nil
}

func (s *Server) handlePackageQuery(c *gin.Context) {
	if s.packagesUC == nil {
		s.writeError(c, domain.ErrNotFound)
		return
	}
	hash := c.Query("hash")
	pkg, err := s.packagesUC.Metadata(c.Request.Context(), hash)
	if errors.Is(err, domain.ErrNotFound) {
		writeErrorCode(c, http.StatusNotFound, "404")
		return
	}
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.String(http.StatusOK, s.metadataURL(c, pkg.Hash))
}

func (s *Server) handlePackageSearch(c *gin.Context) {
	if s.packagesUC == nil {
		s.writeError(c, domain.ErrNotFound)
		return
	}
	packages, err := s.packagesUC.Search(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	out := searchResponse{Results: make([]searchResult, 0, len(packages))}
	for _, pkg := range packages {
		out.Results = append(out.Results, searchResult{
			UID:                pkg.Hash,
			Name:               pkg.Filename,
			Hash:               pkg.Hash,
			CreatorUID:         pkg.CreatorUID,
			SubmissionDateTime: pkg.SubmissionTime.UTC().Format(domain.PackageTimestampLayout),
			Expiration:         strconv.FormatInt(domain.PackageNeverExpires, 10),
			Keywords:           []string{domain.DefaultPackageKeyword},
			MIMEType:           pkg.MIMEType,
			Size:               strconv.FormatInt(pkg.Size, 10),
			SubmissionUser:     pkg.SubmitterName(),
			PrimaryKey:         strconv.FormatInt(pkg.ID, 10),
			Tool:               pkg.ToolOrDefault(),
		})
	}
	out.ResultCount = len(out.Results)
	c.JSON(http.StatusOK, out)
}

func (s *Server) handlePackageContent(c *gin.Context) {
	hash := strings.TrimSpace(c.Query("hash"))
	if hash == "" {
		writeErrorCode(c, http.StatusBadRequest, "hash is required")
		return
	}
	s.servePackage(c, hash)
}

func (s *Server) handlePackageMetadata(c *gin.Context) {
	s.servePackage(c, c.Param("hash"))
}

func (s *Server) servePackage(c *gin.Context, hash string) {
	if s.packagesUC == nil {
		s.writeError(c, domain.ErrNotFound)
		return
	}
	pkg, rc, size, err := s.packagesUC.Open(c.Request.Context(), hash)
	if err != nil {
		s.writeError(c, err)
		return
	}
	defer rc.Close()
	contentType := pkg.MIMEType
	if contentType == "" {
		contentType = domain.PackageMIMEType
	}
	disposition := mime.FormatMediaType("attachment", map[string]string{"filename": pkg.Filename})
	c.DataFromReader(http.StatusOK, size, contentType, rc, map[string]string{
		"Content-Disposition": disposition,
	})
}

func (s *Server) handlePackageKeywords(c *gin.Context) {
	if s.packagesUC == nil {
		s.writeError(c, domain.ErrNotFound)
		return
	}
	body, ok := s.readBody(c, maxKeywordsBytes)
	if !ok {
		return
	}
	_, err := s.packagesUC.UpdateKeywords(c.Request.Context(), s.optionalPrincipal(c), c.Param("hash"), string(body))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) readBody(c *gin.Context, limit int64) ([]byte, bool) {
	data, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeErrorCode(c, http.StatusRequestEntityTooLarge, "request body too large")
			return nil, false
		}
		writeErrorCode(c, http.StatusBadRequest, "unreadable request body")
		return nil, false
	}
	return data, true
}

func (s *Server) metadataURL(c *gin.Context, hash string) string {
	return fmt.Sprintf("https://%s:%d/Marti/api/sync/metadata/%s/tool", s.advertisedHost(c), s.cfg.MartiHTTPSPort, hash)
}
