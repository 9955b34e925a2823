package db

import (
	"context"
	"errors"

	"takserver/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type DeviceRepository struct {
	db *gorm.DB
}

func NewDeviceRepository(db *gorm.DB) *DeviceRepository {
	return &DeviceRepository{db: db}
}

// LinkOwner ensures a device row exists for uid and attaches accountID as its
// owner when the row has none. An existing owner is never replaced.
func (r *DeviceRepository) LinkOwner(ctx context.Context, uid string, accountID *int64) (domain.UpsertResult, *domain.Device, error) {
	if r.db == nil {
		return domain.UpsertUnchanged, nil, errDBUnavailable
	}
	if uid == "" {
		return domain.UpsertUnchanged, nil, errors.New("uid is required")
	}

	result := domain.UpsertUnchanged
	var stored DeviceModel
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		model := DeviceModel{UID: uid, AccountID: accountID}
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "uid"}},
			DoNothing: true,
		}).Create(&model)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			result = domain.UpsertInserted
		} else if accountID != nil {
			upd := tx.Model(&DeviceModel{}).
				Where("uid = ? AND account_id IS NULL", uid).
				Update("account_id", *accountID)
			if upd.Error != nil {
				return upd.Error
			}
			if upd.RowsAffected > 0 {
				result = domain.UpsertUpdated
			}
		}
		return tx.First(&stored, "uid = ?", uid).Error
	})
	if err != nil {
		return domain.UpsertUnchanged, nil, err
	}
	device := deviceFromModel(stored)
	return result, &device, nil
}

func (r *DeviceRepository) GetByUID(ctx context.Context, uid string) (*domain.Device, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var model DeviceModel
	err := r.db.WithContext(ctx).First(&model, "uid = ?", uid).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	device := deviceFromModel(model)
	return &device, nil
}

type deviceWithOwner struct {
	DeviceModel   `gorm:"embedded"`
	OwnerUsername string
}

func (r *DeviceRepository) List(ctx context.Context) ([]domain.Device, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var rows []deviceWithOwner
	err := r.db.WithContext(ctx).
		Table("euds").
		Select("euds.*, accounts.username AS owner_username").
		Joins("LEFT JOIN accounts ON accounts.id = euds.account_id").
		Order("euds.id ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]domain.Device, 0, len(rows))
	for _, row := range rows {
		device := deviceFromModel(row.DeviceModel)
		device.OwnerUsername = row.OwnerUsername
		out = append(out, device)
	}
	return out, nil
}

func deviceFromModel(model DeviceModel) domain.Device {
	return domain.Device{
		ID:            model.ID,
		UID:           model.UID,
		Callsign:      model.Callsign,
		DeviceType:    model.DeviceType,
		OS:            model.OS,
		Platform:      model.Platform,
		Version:       model.Version,
		PhoneNumber:   model.PhoneNumber,
		LastEventTime: model.LastEventTime,
		LastStatus:    model.LastStatus,
		AccountID:     model.AccountID,
	}
}
