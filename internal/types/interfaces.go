// internal/types/interfaces.go
package types

import (
	"context"
	"io"
)

type KVStore interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	Clear(ctx context.Context) error
}

type AttachmentStore interface {
	// Path returns the on-disk location of a retained attachment.
	Path(id AttachmentID) (string, bool)
	Open(id AttachmentID) (io.ReadCloser, int64, error)
	// Resolve maps a bot-supplied relative path to a file inside the
	// attachments root, rejecting anything that escapes it.
	Resolve(path string) (string, int64, error)
}

type AppResolver interface {
	AppName(packageName string) (string, bool)
}
