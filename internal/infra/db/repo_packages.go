package db

import (
	"context"
	"errors"
	"time"

	"takserver/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type PackageRepository struct {
	db *gorm.DB
}

func NewPackageRepository(db *gorm.DB) *PackageRepository {
	return &PackageRepository{db: db}
}

// Register records a package under its hash. A hash that is already
// registered yields domain.ErrConflict and leaves the stored row untouched.
func (r *PackageRepository) Register(ctx context.Context, pkg domain.Package) (*domain.Package, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	if pkg.Hash == "" {
		return nil, errors.New("hash is required")
	}
	model := packageToModel(pkg)
	if model.SubmissionTime.IsZero() {
		model.SubmissionTime = time.Now().UTC()
	}
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "hash"}},
		DoNothing: true,
	}).Create(&model)
	if res.Error != nil {
		if isDuplicateKey(res.Error) {
			return nil, domain.ErrConflict
		}
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, domain.ErrConflict
	}
	out := packageFromModel(model)
	out.SubmissionUsername = pkg.SubmissionUsername
	return &out, nil
}

func (r *PackageRepository) GetByHash(ctx context.Context, hash string) (*domain.Package, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var rows []packageWithSubmitter
	err := r.withSubmitter(ctx).Where("packages.hash = ?", hash).Limit(1).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, domain.ErrNotFound
	}
	out := rows[0].toDomain()
	return &out, nil
}

func (r *PackageRepository) UpdateKeywords(ctx context.Context, hash, keywords string) error {
	if r.db == nil {
		return errDBUnavailable
	}
	res := r.db.WithContext(ctx).Model(&PackageModel{}).Where("hash = ?", hash).Update("keywords", keywords)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *PackageRepository) List(ctx context.Context) ([]domain.Package, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var rows []packageWithSubmitter
	if err := r.withSubmitter(ctx).Order("packages.id ASC").Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Package, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

type packageWithSubmitter struct {
	PackageModel       `gorm:"embedded"`
	SubmissionUsername string
}

func (p packageWithSubmitter) toDomain() domain.Package {
	out := packageFromModel(p.PackageModel)
	out.SubmissionUsername = p.SubmissionUsername
	return out
}

func (r *PackageRepository) withSubmitter(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).
		Table("packages").
		Select("packages.*, accounts.username AS submission_username").
		Joins("LEFT JOIN accounts ON accounts.id = packages.submission_user")
}

func packageToModel(pkg domain.Package) PackageModel {
	return PackageModel{
		Hash:           pkg.Hash,
		CID:            pkg.CID,
		Filename:       pkg.Filename,
		Keywords:       pkg.Keywords,
		CreatorUID:     pkg.CreatorUID,
		SubmissionUser: pkg.SubmissionUser,
		SubmissionTime: pkg.SubmissionTime.UTC(),
		MIMEType:       pkg.MIMEType,
		Size:           pkg.Size,
		Tool:           pkg.Tool,
		EUDUID:         pkg.EUDUID,
		Expiration:     pkg.Expiration,
	}
}

func packageFromModel(model PackageModel) domain.Package {
	return domain.Package{
		ID:             model.ID,
		Hash:           model.Hash,
		CID:            model.CID,
		Filename:       model.Filename,
		Keywords:       model.Keywords,
		CreatorUID:     model.CreatorUID,
		SubmissionUser: model.SubmissionUser,
		SubmissionTime: model.SubmissionTime,
		MIMEType:       model.MIMEType,
		Size:           model.Size,
		Tool:           model.Tool,
		EUDUID:         model.EUDUID,
		Expiration:     model.Expiration,
	}
}
