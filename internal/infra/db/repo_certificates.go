package db

import (
	"context"
	"errors"
	"time"

	"takserver/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type CertificateRepository struct {
	db *gorm.DB
}

func NewCertificateRepository(db *gorm.DB) *CertificateRepository {
	return &CertificateRepository{db: db}
}

// Upsert writes the certificate record for cert.EUDUID, replacing every
// field of an existing record.
func (r *CertificateRepository) Upsert(ctx context.Context, cert domain.Certificate) (domain.UpsertResult, error) {
	if r.db == nil {
		return domain.UpsertUnchanged, errDBUnavailable
	}
	if cert.EUDUID == "" {
		return domain.UpsertUnchanged, errors.New("eud_uid is required")
	}
	now := time.Now().UTC()
	model := certificateToModel(cert)
	model.CreatedAt = now
	model.UpdatedAt = now

	result := domain.UpsertInserted
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "eud_uid"}},
			DoNothing: true,
		}).Create(&model)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			return nil
		}
		result = domain.UpsertUpdated
		return tx.Model(&CertificateModel{}).
			Where("eud_uid = ?", cert.EUDUID).
			Updates(map[string]any{
				"common_name":         model.CommonName,
				"callsign":            model.Callsign,
				"serial_number":       model.SerialNumber,
				"expiration_date":     model.ExpirationDate,
				"server_address":      model.ServerAddress,
				"server_port":         model.ServerPort,
				"truststore_filename": model.TruststoreFilename,
				"user_cert_filename":  model.UserCertFilename,
				"csr":                 model.CSRFilename,
				"cert_password":       model.CertPassword,
				"package_hash":        model.PackageHash,
				"updated_at":          now,
			}).Error
	})
	if err != nil {
		return domain.UpsertUnchanged, err
	}
	return result, nil
}

func (r *CertificateRepository) GetByDeviceUID(ctx context.Context, uid string) (*domain.Certificate, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var model CertificateModel
	err := r.db.WithContext(ctx).First(&model, "eud_uid = ?", uid).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	cert := certificateFromModel(model)
	return &cert, nil
}

func certificateToModel(cert domain.Certificate) CertificateModel {
	return CertificateModel{
		CommonName:         cert.CommonName,
		EUDUID:             cert.EUDUID,
		Callsign:           cert.Callsign,
		SerialNumber:       cert.SerialNumber,
		ExpirationDate:     cert.ExpirationDate.UTC(),
		ServerAddress:      cert.ServerAddress,
		ServerPort:         cert.ServerPort,
		TruststoreFilename: cert.TruststoreFilename,
		UserCertFilename:   cert.UserCertFilename,
		CSRFilename:        cert.CSRFilename,
		CertPassword:       cert.CertPassword,
		PackageHash:        cert.PackageHash,
	}
}

func certificateFromModel(model CertificateModel) domain.Certificate {
	return domain.Certificate{
		ID:                 model.ID,
		CommonName:         model.CommonName,
		EUDUID:             model.EUDUID,
		Callsign:           model.Callsign,
		SerialNumber:       model.SerialNumber,
		ExpirationDate:     model.ExpirationDate,
		ServerAddress:      model.ServerAddress,
		ServerPort:         model.ServerPort,
		TruststoreFilename: model.TruststoreFilename,
		UserCertFilename:   model.UserCertFilename,
		CSRFilename:        model.CSRFilename,
		CertPassword:       model.CertPassword,
		PackageHash:        model.PackageHash,
		CreatedAt:          model.CreatedAt,
		UpdatedAt:          model.UpdatedAt,
	}
}
