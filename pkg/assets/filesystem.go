package assets

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/videoforge/stitchd/pkg/models"
)

// FilesystemStore implements Store against a local directory. Buckets map
// to subdirectories under the root. Used for local development and tests.
type FilesystemStore struct {
	root string
}

// NewFilesystemStore creates a directory-backed asset store
func NewFilesystemStore(root string) (*FilesystemStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create asset root %s: %w", root, err)
	}
	return &FilesystemStore{root: root}, nil
}

func (s *FilesystemStore) path(ref models.AssetReference) string {
	return filepath.Join(s.root, ref.Bucket, filepath.FromSlash(ref.Key))
}

// Download copies an object to a local file path
func (s *FilesystemStore) Download(ctx context.Context, ref models.AssetReference, destPath string) error {
	src := s.path(ref)
	in, err := os.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("object not found: %s", ref.URI())
		}
		return fmt.Errorf("failed to open %s: %w", ref.URI(), err)
	}
	defer in.Close()

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", destPath, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		os.Remove(destPath)
		return fmt.Errorf("failed to copy %s: %w", ref.URI(), err)
	}

	return nil
}

// Upload stores a local file under the given reference
func (s *FilesystemStore) Upload(ctx context.Context, srcPath string, ref models.AssetReference) error {
	dest := s.path(ref)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", ref.URI(), err)
	}

	in, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", srcPath, err)
	}
	defer in.Close()

	// Write via a temp file so a partial copy never looks like a finished object
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to copy to %s: %w", ref.URI(), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to finalize %s: %w", ref.URI(), err)
	}

	return nil
}

// Stat returns object metadata
func (s *FilesystemStore) Stat(ctx context.Context, ref models.AssetReference) (*ObjectInfo, error) {
	p := s.path(ref)
	info, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("object not found: %s", ref.URI())
		}
		return nil, fmt.Errorf("failed to stat %s: %w", ref.URI(), err)
	}

	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", ref.URI(), err)
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, fmt.Errorf("failed to hash %s: %w", ref.URI(), err)
	}

	return &ObjectInfo{
		Size: info.Size(),
		MD5:  base64.StdEncoding.EncodeToString(h.Sum(nil)),
	}, nil
}

// Open returns a reader over the object's content
func (s *FilesystemStore) Open(ctx context.Context, ref models.AssetReference) (io.ReadCloser, error) {
	f, err := os.Open(s.path(ref))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("object not found: %s", ref.URI())
		}
		return nil, fmt.Errorf("failed to open %s: %w", ref.URI(), err)
	}
	return f, nil
}

// Delete removes an object. Missing objects are not an error.
func (s *FilesystemStore) Delete(ctx context.Context, ref models.AssetReference) error {
	err := os.Remove(s.path(ref))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete %s: %w", ref.URI(), err)
	}
	return nil
}

var _ Store = (*FilesystemStore)(nil)
