package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"takserver/internal/domain"
)

type EnrollmentState string

const (
	StateReceived            EnrollmentState = "received"
	StateAuthenticated       EnrollmentState = "authenticated"
	StateParsed              EnrollmentState = "parsed"
	StateSigned              EnrollmentState = "signed"
	StateDeviceLinked        EnrollmentState = "device_linked"
	StateCertificateRecorded EnrollmentState = "certificate_recorded"
	StateResponded           EnrollmentState = "responded"
)

type EnrollDeviceRequest struct {
	Authorization string
	DeviceUID     string
	CSR           []byte
	Family        domain.ClientFamily
	ServerAddress string
}

type EnrollDeviceResponse struct {
	ContentType       string
	Body              []byte
	Certificate       domain.Certificate
	DeviceResult      domain.UpsertResult
	CertificateResult domain.UpsertResult
}

type EnrollDevice struct {
	Auth         domain.Authenticator
	CA           CertificateAuthority
	Devices      DeviceRepository
	Certificates CertificateRepository
	ServerPort   int
	Logger       *slog.Logger
	Now          func() time.Time
}

// Execute runs one signing request through the enrollment states. Any error
// that is not Unauthorized, InvalidRequest or SigningFailure is logged and
// surfaced as SigningFailure.
func (uc *EnrollDevice) Execute(ctx context.Context, req EnrollDeviceRequest) (resp *EnrollDeviceResponse, err error) {
	logger := uc.logger().With("uid", req.DeviceUID, "family", req.Family.String())
	state := StateReceived
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(ctx, "enrollment panicked", "state", state, "panic", r, "stack", string(debug.Stack()))
			resp, err = nil, fmt.Errorf("%w: internal error", domain.ErrSigningFailure)
			return
		}
		if err != nil {
			err = uc.classify(ctx, logger, state, err)
		}
	}()
	advance := func(next EnrollmentState) {
		state = next
		logger.DebugContext(ctx, "enrollment state", "state", string(state))
	}
	advance(StateReceived)

	principal, err := uc.Auth.Authenticate(ctx, req.Authorization)
	if err != nil {
		return nil, domain.ErrUnauthorized
	}
	advance(StateAuthenticated)

	if req.DeviceUID == "" {
		return nil, fmt.Errorf("%w: clientUid is required", domain.ErrInvalidRequest)
	}
	csrPEM := normalizeCSR(req.Family, req.CSR)
	commonName, err := csrCommonName(csrPEM)
	if err != nil {
		return nil, err
	}
	advance(StateParsed)

	issued, err := uc.CA.Sign(csrPEM, commonName)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidRequest) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrSigningFailure, err)
	}
	advance(StateSigned)

	var owner *int64
	if principal.AccountID != 0 {
		id := principal.AccountID
		owner = &id
	}
	deviceResult, device, err := uc.Devices.LinkOwner(ctx, req.DeviceUID, owner)
	if err != nil {
		return nil, fmt.Errorf("link device: %w", err)
	}
	advance(StateDeviceLinked)

	paths := uc.CA.Paths(commonName)
	cert := domain.Certificate{
		CommonName:         commonName,
		EUDUID:             req.DeviceUID,
		Callsign:           device.Callsign,
		SerialNumber:       issued.SerialNumber,
		ExpirationDate:     issued.NotAfter,
		ServerAddress:      req.ServerAddress,
		ServerPort:         uc.ServerPort,
		TruststoreFilename: paths.Truststore,
		UserCertFilename:   paths.UserCert,
		CSRFilename:        paths.CSR,
		CertPassword:       uc.CA.Password(),
	}
	certResult, err := uc.Certificates.Upsert(ctx, cert)
	if err != nil {
		return nil, fmt.Errorf("record certificate: %w", err)
	}
	advance(StateCertificateRecorded)

	signed, err := stripPEM(issued.CertificatePEM)
	if err != nil {
		return nil, err
	}
	caBody, err := stripPEM(uc.CA.TrustBundle())
	if err != nil {
		return nil, err
	}
	contentType, body, err := FormatEnrollment(req.Family, signed, caBody)
	if err != nil {
		return nil, fmt.Errorf("format response: %w", err)
	}
	advance(StateResponded)

	logger.InfoContext(ctx, "device enrolled",
		"common_name", commonName,
		"device", deviceResult.String(),
		"certificate", certResult.String(),
	)
	return &EnrollDeviceResponse{
		ContentType:       contentType,
		Body:              body,
		Certificate:       cert,
		DeviceResult:      deviceResult,
		CertificateResult: certResult,
	}, nil
}

func (uc *EnrollDevice) classify(ctx context.Context, logger *slog.Logger, state EnrollmentState, err error) error {
	switch {
	case errors.Is(err, domain.ErrUnauthorized):
		logger.InfoContext(ctx, "enrollment unauthorized", "state", string(state))
		return domain.ErrUnauthorized
	case errors.Is(err, domain.ErrInvalidRequest):
		logger.WarnContext(ctx, "enrollment rejected", "state", string(state), "error", err)
		return err
	case errors.Is(err, domain.ErrSigningFailure):
		logger.ErrorContext(ctx, "enrollment signing failed", "state", string(state), "error", err)
		return err
	default:
		logger.ErrorContext(ctx, "enrollment failed", "state", string(state), "error", err, "stack", string(debug.Stack()))
		return fmt.Errorf("%w: %v", domain.ErrSigningFailure, err)
	}
}

func (uc *EnrollDevice) logger() *slog.Logger {
	if uc.Logger != nil {
		return uc.Logger
	}
	return slog.Default()
}

func (uc *EnrollDevice) now() time.Time {
	if uc.Now != nil {
		return uc.Now()
	}
	return time.Now().UTC()
}
