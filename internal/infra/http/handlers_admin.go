package http

import (
	"net/http"

	"takserver/internal/domain"
	"takserver/internal/infra/auth/rbac"
	"takserver/internal/usecase"

	"github.com/gin-gonic/gin"
)

type issueCertificateRequest struct {
	CommonName string `json:"common_name"`
	UID        string `json:"uid,omitempty"`
}

type issueCertificateResponse struct {
	Hash     string `json:"hash"`
	CID      string `json:"cid,omitempty"`
	Filename string `json:"filename"`
}

func (s *Server) handleIssueCertificate(c *gin.Context) {
	if s.bundleUC == nil {
		s.writeError(c, domain.ErrNotFound)
		return
	}
	principal, ok := s.requireBasic(c)
	if !ok {
		return
	}
	var req issueCertificateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "invalid json")
		return
	}
	resp, err := s.bundleUC.Execute(c.Request.Context(), usecase.IssueCredentialBundleRequest{
		Principal:     principal,
		CommonName:    req.CommonName,
		DeviceUID:     req.UID,
		ServerAddress: s.advertisedHost(c),
	})
	if err != nil {
		if _, ok := rbac.IsAuthzError(err); ok {
			writeAuthzError(c, err)
			return
		}
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, issueCertificateResponse{
		Hash:     resp.Package.Hash,
		CID:      resp.Package.CID,
		Filename: resp.Package.Filename,
	})
}
