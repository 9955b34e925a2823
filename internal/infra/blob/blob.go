package blob

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"takserver/internal/domain"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

var errInvalidHash = errors.New("blob: invalid content hash")

// Store keeps package bytes on the local filesystem keyed by their hex
// SHA-256, sharded by the first two hex characters. Objects are immutable:
// the first write for a hash wins.
type Store struct {
	root string
}

func New(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("blob: root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root}, nil
}

// Digest computes the content address of data.
func Digest(data []byte) (domain.ContentRef, error) {
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return domain.ContentRef{}, err
	}
	decoded, err := multihash.Decode(mh)
	if err != nil {
		return domain.ContentRef{}, err
	}
	return domain.ContentRef{
		Hash: hex.EncodeToString(decoded.Digest),
		CID:  cid.NewCidV1(cid.Raw, mh).String(),
		Size: int64(len(data)),
	}, nil
}

// Put stores data under its computed digest.
func (s *Store) Put(ctx context.Context, data []byte) (domain.ContentRef, error) {
	ref, err := Digest(data)
	if err != nil {
		return domain.ContentRef{}, err
	}
	if err := s.write(ctx, ref.Hash, data); err != nil {
		return domain.ContentRef{}, err
	}
	return ref, nil
}

// PutAt stores data under a caller-chosen hash without verifying it.
func (s *Store) PutAt(ctx context.Context, hash string, data []byte) error {
	if !domain.IsContentHash(hash) {
		return errInvalidHash
	}
	return s.write(ctx, hash, data)
}

func (s *Store) write(ctx context.Context, hash string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := s.pathFor(hash)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, 0o444); err != nil {
		return err
	}

	// Link fails when the target exists, so a concurrent writer of the same
	// hash cannot replace bytes that are already visible.
	if err := os.Link(tmpPath, path); err != nil {
		if os.IsExist(err) {
			return nil
		}
		if _, statErr := os.Stat(path); statErr == nil {
			return nil
		}
		if err := os.Rename(tmpPath, path); err != nil {
			return fmt.Errorf("blob: commit %s: %w", hash, err)
		}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, hash string) ([]byte, error) {
	rc, _, err := s.Open(ctx, hash)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Open returns a reader over the stored bytes and their size.
func (s *Store) Open(ctx context.Context, hash string) (io.ReadCloser, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	if !domain.IsContentHash(hash) {
		return nil, 0, domain.ErrNotFound
	}
	f, err := os.Open(s.pathFor(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, domain.ErrNotFound
		}
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}

func (s *Store) Has(hash string) bool {
	if !domain.IsContentHash(hash) {
		return false
	}
	_, err := os.Stat(s.pathFor(hash))
	return err == nil
}

func (s *Store) pathFor(hash string) string {
	return filepath.Join(s.root, hash[:2], hash)
}
