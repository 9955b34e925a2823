package ca

import (
	"crypto/x509/pkix"

	"takserver/internal/config"
)

// ConfigFromEnv maps the server configuration onto CA settings.
func ConfigFromEnv(cfg config.Config) Config {
	return Config{
		Folder: cfg.CAFolder,
		Subject: pkix.Name{
			CommonName:         cfg.CAName,
			Country:            []string{cfg.CACountry},
			Province:           []string{cfg.CAState},
			Locality:           []string{cfg.CACity},
			Organization:       []string{cfg.CAOrganization},
			OrganizationalUnit: []string{cfg.CAOrganizationalUnit},
		},
		Password:     cfg.CAPassword,
		ValidityDays: cfg.CAExpirationDays,
		AutoInit:     cfg.CAAutoInit,
	}
}

func NewFromConfig(cfg config.Config) (*Authority, error) {
	return New(ConfigFromEnv(cfg))
}
