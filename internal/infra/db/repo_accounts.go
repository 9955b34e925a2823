package db

import (
	"context"
	"errors"
	"time"

	"takserver/internal/domain"

	"gorm.io/gorm"
)

type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) Create(ctx context.Context, account domain.Account) (*domain.Account, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	createdAt := account.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	model := AccountModel{
		Username:     account.Username,
		PasswordHash: account.PasswordHash,
		Active:       account.Active,
		Roles:        joinRoles(account.Roles),
		CreatedAt:    createdAt,
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		if isDuplicateKey(err) {
			return nil, domain.ErrConflict
		}
		return nil, err
	}
	out := accountFromModel(model)
	return &out, nil
}

func (r *AccountRepository) FindByUsername(ctx context.Context, username string) (*domain.Account, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var model AccountModel
	err := r.db.WithContext(ctx).First(&model, "username = ?", username).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	out := accountFromModel(model)
	return &out, nil
}

func accountFromModel(model AccountModel) domain.Account {
	return domain.Account{
		ID:           model.ID,
		Username:     model.Username,
		PasswordHash: model.PasswordHash,
		Active:       model.Active,
		Roles:        splitRoles(model.Roles),
		CreatedAt:    model.CreatedAt,
	}
}
