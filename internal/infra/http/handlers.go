package http

import (
	"encoding/xml"
	"net/http"
	"time"

	"takserver/internal/domain"
	"takserver/internal/usecase"

	"github.com/gin-gonic/gin"
)

const maxCSRBytes = 64 << 10

type certificateConfig struct {
	XMLName     xml.Name    `xml:"ns2:certificateConfig"`
	Xmlns       string      `xml:"xmlns,attr"`
	XmlnsNS2    string      `xml:"xmlns:ns2,attr"`
	NameEntries []nameEntry `xml:"nameEntries>nameEntry"`
}

type nameEntry struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type serverConfigResponse struct {
	Version string           `json:"version"`
	Type    string           `json:"type"`
	Data    serverConfigData `json:"data"`
	NodeID  string           `json:"nodeId"`
}

type serverConfigData struct {
	Version  string `json:"version"`
	API      string `json:"api"`
	Hostname string `json:"hostname"`
}

type clientEndpointsResponse struct {
	Version int              `json:"version"`
	Type    string           `json:"type"`
	Data    []clientEndpoint `json:"data"`
	NodeID  string           `json:"nodeId"`
}

type clientEndpoint struct {
	Callsign      string     `json:"callsign"`
	UID           string     `json:"uid"`
	Username      string     `json:"username"`
	LastEventTime *time.Time `json:"lastEventTime"`
	LastStatus    string     `json:"lastStatus"`
}

type deviceResponse struct {
	UID        string `json:"uid"`
	Callsign   string `json:"callsign"`
	DeviceType string `json:"device_type,omitempty"`
	OS         string `json:"os,omitempty"`
	Platform   string `json:"platform,omitempty"`
	Version    string `json:"version,omitempty"`
	Owner      string `json:"owner,omitempty"`
	LastStatus string `json:"last_status,omitempty"`
}

func (s *Server) handleSignClientV2(c *gin.Context) {
	if s.enrollUC == nil {
		s.writeError(c, domain.ErrNotFound)
		return
	}
	body, ok := s.readBody(c, maxCSRBytes)
	if !ok {
		return
	}
	resp, err := s.enrollUC.Execute(c.Request.Context(), usecase.EnrollDeviceRequest{
		Authorization: c.GetHeader("Authorization"),
		DeviceUID:     c.Query("clientUid"),
		CSR:           body,
		Family:        domain.ClientFamilyFromUserAgent(c.GetHeader("User-Agent")),
		ServerAddress: s.advertisedHost(c),
	})
	if err != nil {
		s.writeEnrollmentError(c, err)
		return
	}
	c.Data(http.StatusOK, resp.ContentType, resp.Body)
}

func (s *Server) handleSignClientLegacy(c *gin.Context) {
	if _, ok := s.requireBasic(c); !ok {
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) handleTLSConfig(c *gin.Context) {
	if _, ok := s.requireBasic(c); !ok {
		return
	}
	doc := certificateConfig{
		Xmlns:    "http://bbn.com/marti/xml/config",
		XmlnsNS2: "com.bbn.marti.config",
	}
	for _, entry := range s.nameEntries {
		doc.NameEntries = append(doc.NameEntries, nameEntry{Name: entry.Name, Value: entry.Value})
	}
	out, err := xml.Marshal(doc)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/xml", out)
}

func (s *Server) handleEnrollmentProfile(c *gin.Context) {
	principal, ok := s.requireBasic(c)
	if !ok {
		return
	}
	s.logger.InfoContext(c.Request.Context(), "enrollment profile requested",
		"uid", c.Query("clientUid"),
		"username", principal.Subject,
	)
	c.Status(http.StatusNoContent)
}

func (s *Server) handleVersionConfig(c *gin.Context) {
	c.JSON(http.StatusOK, serverConfigResponse{
		Version: "3",
		Type:    "ServerConfig",
		Data: serverConfigData{
			Version:  s.cfg.Version,
			API:      "3",
			Hostname: s.advertisedHost(c),
		},
		NodeID: s.cfg.NodeID,
	})
}

func (s *Server) handleClientEndPoints(c *gin.Context) {
	if s.devices == nil {
		s.writeError(c, domain.ErrNotFound)
		return
	}
	devices, err := s.devices.List(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	out := clientEndpointsResponse{
		Version: 3,
		Type:    "com.bbn.marti.remote.ClientEndpoint",
		Data:    make([]clientEndpoint, 0, len(devices)),
		NodeID:  s.cfg.NodeID,
	}
	for _, d := range devices {
		username := d.OwnerUsername
		if username == "" {
			username = domain.DefaultSubmissionUser
		}
		out.Data = append(out.Data, clientEndpoint{
			Callsign:      d.Callsign,
			UID:           d.UID,
			Username:      username,
			LastEventTime: d.LastEventTime,
			LastStatus:    d.LastStatus,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleListDevices(c *gin.Context) {
	if _, ok := s.requireAuth(c, domain.PermissionReadDevices); !ok {
		return
	}
	if s.devices == nil {
		s.writeError(c, domain.ErrNotFound)
		return
	}
	devices, err := s.devices.List(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	out := make([]deviceResponse, 0, len(devices))
	for _, d := range devices {
		out = append(out, deviceResponse{
			UID:        d.UID,
			Callsign:   d.Callsign,
			DeviceType: d.DeviceType,
			OS:         d.OS,
			Platform:   d.Platform,
			Version:    d.Version,
			Owner:      d.OwnerUsername,
			LastStatus: d.LastStatus,
		})
	}
	c.JSON(http.StatusOK, out)
}
