package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"strings"
	"time"

	"takserver/internal/domain"

	"github.com/google/uuid"
)

const (
	msgNoFile          = "no file"
	msgOnlyZip         = "Please only upload zip files"
	msgAlreadyUploaded = "This data package has already been uploaded"
)

type UploadedFile struct {
	Filename    string
	ContentType string
	Data        []byte
}

type UploadPackageRequest struct {
	Principal   domain.Principal
	Data        []byte
	ContentType string
	Name        string
	CreatorUID  string
}

type SharePackageRequest struct {
	Principal  domain.Principal
	Files      []UploadedFile
	Hash       string
	Filename   string
	CreatorUID string
}

// PackageExchange implements the Marti sync operations over the blob store
// and the package metadata table.
type PackageExchange struct {
	Blobs    BlobStore
	Packages PackageRepository
	Policy   PolicyEvaluator
	Logger   *slog.Logger
	Now      func() time.Time
	NewUID   func() string
}

// Upload stores a raw zip body. Re-uploading known content returns the
// existing record.
func (uc *PackageExchange) Upload(ctx context.Context, req UploadPackageRequest) (*domain.Package, error) {
	if len(req.Data) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidRequest, msgNoFile)
	}
	if mediaType(req.ContentType) != domain.PackageMIMEType {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedMediaType, msgOnlyZip)
	}
	if err := uc.authorize(ctx, domain.ActionPackageUpload, req.Principal, nil); err != nil {
		return nil, err
	}

	ref, err := uc.Blobs.Put(ctx, req.Data)
	if err != nil {
		return nil, fmt.Errorf("store blob: %w", err)
	}
	creator := req.CreatorUID
	if creator == "" {
		creator = uc.newUID()
	}
	name := req.Name
	if name == "" {
		name = ref.Hash + ".zip"
	}
	pkg := uc.newPackage(req.Principal, ref, name, creator)
	pkg.Keywords = domain.DefaultPackageKeyword

	stored, err := uc.Packages.Register(ctx, pkg)
	if errors.Is(err, domain.ErrConflict) {
		uc.logger().InfoContext(ctx, "package already registered", "hash", ref.Hash)
		return uc.Packages.GetByHash(ctx, ref.Hash)
	}
	if err != nil {
		return nil, fmt.Errorf("register package: %w", err)
	}
	uc.logger().InfoContext(ctx, "package uploaded", "hash", stored.Hash, "size", stored.Size, "creator_uid", creator)
	return stored, nil
}

// Share stores the first file of a multipart share. A caller-supplied hash
// is trusted as the address; a hash that is already registered is a
// conflict.
func (uc *PackageExchange) Share(ctx context.Context, req SharePackageRequest) (*domain.Package, error) {
	if len(req.Files) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidRequest, msgNoFile)
	}
	file := req.Files[0]
	if !domain.IsZipMediaType(file.ContentType) {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedMediaType, msgOnlyZip)
	}
	if err := uc.authorize(ctx, domain.ActionPackageShare, req.Principal, nil); err != nil {
		return nil, err
	}

	var ref domain.ContentRef
	if req.Hash != "" {
		hash := strings.ToLower(strings.TrimSpace(req.Hash))
		if !domain.IsContentHash(hash) {
			return nil, fmt.Errorf("%w: hash must be 64 hex characters", domain.ErrInvalidRequest)
		}
		if err := uc.Blobs.PutAt(ctx, hash, file.Data); err != nil {
			return nil, fmt.Errorf("store blob: %w", err)
		}
		ref = domain.ContentRef{Hash: hash, Size: int64(len(file.Data))}
	} else {
		var err error
		ref, err = uc.Blobs.Put(ctx, file.Data)
		if err != nil {
			return nil, fmt.Errorf("store blob: %w", err)
		}
	}

	name := req.Filename
	if name == "" {
		name = file.Filename
	}
	if name == "" {
		name = ref.Hash + ".zip"
	}
	creator := req.CreatorUID
	if creator == "" {
		creator = uc.newUID()
	}
	pkg := uc.newPackage(req.Principal, ref, name, creator)
	pkg.MIMEType = mediaType(file.ContentType)

	stored, err := uc.Packages.Register(ctx, pkg)
	if errors.Is(err, domain.ErrConflict) {
		return nil, fmt.Errorf("%w: %s", domain.ErrConflict, msgAlreadyUploaded)
	}
	if err != nil {
		return nil, fmt.Errorf("register package: %w", err)
	}
	uc.logger().InfoContext(ctx, "package shared", "hash", stored.Hash, "filename", stored.Filename)
	return stored, nil
}

func (uc *PackageExchange) UpdateKeywords(ctx context.Context, principal domain.Principal, hash, keywords string) (*domain.Package, error) {
	pkg, err := uc.Packages.GetByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	if err := uc.authorize(ctx, domain.ActionPackageUpdate, principal, pkg); err != nil {
		return nil, err
	}
	keywords = strings.TrimSpace(keywords)
	if err := uc.Packages.UpdateKeywords(ctx, hash, keywords); err != nil {
		return nil, err
	}
	pkg.Keywords = keywords
	return pkg, nil
}

func (uc *PackageExchange) Metadata(ctx context.Context, hash string) (*domain.Package, error) {
	return uc.Packages.GetByHash(ctx, hash)
}

// Open returns the package record with a reader over its bytes. The caller
// closes the reader.
func (uc *PackageExchange) Open(ctx context.Context, hash string) (*domain.Package, io.ReadCloser, int64, error) {
	pkg, err := uc.Packages.GetByHash(ctx, hash)
	if err != nil {
		return nil, nil, 0, err
	}
	rc, size, err := uc.Blobs.Open(ctx, pkg.Hash)
	if err != nil {
		return nil, nil, 0, err
	}
	return pkg, rc, size, nil
}

func (uc *PackageExchange) Search(ctx context.Context) ([]domain.Package, error) {
	return uc.Packages.List(ctx)
}

func (uc *PackageExchange) newPackage(principal domain.Principal, ref domain.ContentRef, filename, creator string) domain.Package {
	pkg := domain.Package{
		Hash:           ref.Hash,
		CID:            ref.CID,
		Filename:       filename,
		CreatorUID:     creator,
		SubmissionTime: uc.now(),
		MIMEType:       domain.PackageMIMEType,
		Size:           ref.Size,
		Tool:           domain.DefaultPackageTool,
		Expiration:     domain.PackageNeverExpires,
	}
	if principal.Authenticated && principal.AccountID != 0 {
		id := principal.AccountID
		pkg.SubmissionUser = &id
		pkg.SubmissionUsername = principal.Subject
	}
	return pkg
}

func (uc *PackageExchange) authorize(ctx context.Context, action string, principal domain.Principal, pkg *domain.Package) error {
	if uc.Policy == nil {
		return nil
	}
	input := domain.PolicyInput{
		Action: action,
		Principal: domain.PolicyPrincipal{
			Subject:       principal.Subject,
			Roles:         principal.Roles,
			Authenticated: principal.Authenticated,
		},
	}
	if pkg != nil {
		input.Package = &domain.PolicyPackage{Hash: pkg.Hash, CreatorUID: pkg.CreatorUID, Tool: pkg.Tool}
	}
	eval, err := uc.Policy.Evaluate(ctx, input)
	if err != nil {
		return fmt.Errorf("evaluate policy: %w", err)
	}
	if !eval.Result.Allow {
		uc.logger().InfoContext(ctx, "package action denied",
			"action", action,
			"subject", principal.Subject,
			"reasons", eval.Result.Reasons,
			"bundle_hash", eval.BundleHash,
		)
		return domain.ErrForbidden
	}
	return nil
}

func (uc *PackageExchange) logger() *slog.Logger {
	if uc.Logger != nil {
		return uc.Logger
	}
	return slog.Default()
}

func (uc *PackageExchange) now() time.Time {
	if uc.Now != nil {
		return uc.Now().UTC()
	}
	return time.Now().UTC()
}

func (uc *PackageExchange) newUID() string {
	if uc.NewUID != nil {
		return uc.NewUID()
	}
	return uuid.NewString()
}

func mediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return mt
}
