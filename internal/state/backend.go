package state

import (
	"context"
	"fmt"

	"github.com/girder-io/girder/internal/ir"
)

// Backend is where a snapshot lives. Lock must be held across the
// read-mutate-write cycle of a plan or apply.
type Backend interface {
	Read(ctx context.Context) (*ir.State, error)
	Write(ctx context.Context, state *ir.State) error

	// Lock acquires an exclusive hold on the snapshot.
	Lock() error
	Unlock() error
}

var _ Backend = (*Manager)(nil)

// NewBackend builds the backend the configuration selects. An absent
// backend block means the local file at localPath.
func NewBackend(cfg *ir.Backend, localPath string) (Backend, error) {
	if cfg == nil {
		return NewManager(localPath), nil
	}
	switch cfg.Type {
	case "local", "":
		path := cfg.Config["path"]
		if path == "" {
			path = localPath
		}
		return NewManager(path), nil
	case "gcs":
		return newGCSBackend(cfg.Config)
	case "s3":
		return newS3Backend(cfg.Config)
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}
}
