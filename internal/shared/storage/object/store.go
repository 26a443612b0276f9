package object

import (
	"context"
	"io"
)

// Store defines the contract for saving, reading, and removing binary artifacts.
type Store interface {
	SaveWithKey(ctx context.Context, storageKey string, contentType string, r io.Reader) (int64, error)
	Open(ctx context.Context, storageKey string) (io.ReadCloser, error)
	Exists(ctx context.Context, storageKey string) (bool, error)
	Delete(ctx context.Context, storageKey string) error
}
