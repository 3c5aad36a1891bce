// Package assets abstracts the object store that holds source clips and
// rendered outputs. Jobs read and write assets only through this interface
// so the stitcher can run against a local directory in tests.
package assets

import (
	"context"
	"io"

	"github.com/videoforge/stitchd/pkg/models"
)

// ObjectInfo describes a stored object
type ObjectInfo struct {
	Size        int64
	ContentType string
	MD5         string
}

// Store is the object storage surface the job body needs
type Store interface {
	// Download copies an object to a local file path
	Download(ctx context.Context, ref models.AssetReference, destPath string) error

	// Upload stores a local file under the given reference
	Upload(ctx context.Context, srcPath string, ref models.AssetReference) error

	// Stat returns object metadata, or an error if the object does not exist
	Stat(ctx context.Context, ref models.AssetReference) (*ObjectInfo, error)

	// Open returns a reader over the object's content
	Open(ctx context.Context, ref models.AssetReference) (io.ReadCloser, error)

	// Delete removes an object. Missing objects are not an error.
	Delete(ctx context.Context, ref models.AssetReference) error
}
