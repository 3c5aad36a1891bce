package assets

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"

	"cloud.google.com/go/storage"

	"github.com/videoforge/stitchd/pkg/models"
)

// GCSStore implements Store on top of Google Cloud Storage
type GCSStore struct {
	client *storage.Client
}

// NewGCSStore creates a GCS-backed asset store using ambient credentials
func NewGCSStore(ctx context.Context) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &GCSStore{client: client}, nil
}

// NewGCSStoreWithClient wraps an existing client (used by tests and the daemon
// when it shares a client with the signing broker)
func NewGCSStoreWithClient(client *storage.Client) *GCSStore {
	return &GCSStore{client: client}
}

func (s *GCSStore) object(ref models.AssetReference) *storage.ObjectHandle {
	return s.client.Bucket(ref.Bucket).Object(ref.Key)
}

// Download copies an object to a local file path
func (s *GCSStore) Download(ctx context.Context, ref models.AssetReference, destPath string) error {
	r, err := s.object(ref).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("object not found: %s", ref.URI())
		}
		return fmt.Errorf("failed to open %s: %w", ref.URI(), err)
	}
	defer r.Close()

	f, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", destPath, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		os.Remove(destPath)
		return fmt.Errorf("failed to download %s: %w", ref.URI(), err)
	}

	return nil
}

// Upload stores a local file under the given reference
func (s *GCSStore) Upload(ctx context.Context, srcPath string, ref models.AssetReference) error {
	f, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", srcPath, err)
	}
	defer f.Close()

	w := s.object(ref).NewWriter(ctx)
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return fmt.Errorf("failed to upload to %s: %w", ref.URI(), err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finalize upload to %s: %w", ref.URI(), err)
	}

	return nil
}

// Stat returns object metadata
func (s *GCSStore) Stat(ctx context.Context, ref models.AssetReference) (*ObjectInfo, error) {
	attrs, err := s.object(ref).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("object not found: %s", ref.URI())
		}
		return nil, fmt.Errorf("failed to stat %s: %w", ref.URI(), err)
	}

	return &ObjectInfo{
		Size:        attrs.Size,
		ContentType: attrs.ContentType,
		MD5:         base64.StdEncoding.EncodeToString(attrs.MD5),
	}, nil
}

// Open returns a reader over the object's content
func (s *GCSStore) Open(ctx context.Context, ref models.AssetReference) (io.ReadCloser, error) {
	r, err := s.object(ref).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", ref.URI(), err)
	}
	return r, nil
}

// Delete removes an object. Missing objects are not an error.
func (s *GCSStore) Delete(ctx context.Context, ref models.AssetReference) error {
	err := s.object(ref).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("failed to delete %s: %w", ref.URI(), err)
	}
	return nil
}

// Close releases the underlying client
func (s *GCSStore) Close() error {
	return s.client.Close()
}

var _ Store = (*GCSStore)(nil)
