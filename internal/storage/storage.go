// Package storage defines the object store contract used for run snapshots.
// Implementations live in the gcs, local and memory subpackages.
package storage

import (
	"context"
	"io"
)

// ObjectWriter uploads one object and returns a URI that locates it.
type ObjectWriter interface {
	PutObject(ctx context.Context, path, contentType string, r io.Reader) (string, error)
}
