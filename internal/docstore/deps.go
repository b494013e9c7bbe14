package docstore

import (
	"context"
	"errors"
	"time"

	"github.com/gristlabs/docworker/internal/directory"
	"github.com/gristlabs/docworker/internal/objectstore"
)

// directoryClient is the subset of *directory.Directory the manager needs.
type directoryClient interface {
	GetDocWorkerOrAssign(ctx context.Context, docId, selfWorkerId string) (directory.Status, error)
}

// remoteStore is the subset of *objectstore.Store the manager needs.
type remoteStore interface {
	Exists(ctx context.Context, docId string) (bool, error)
	Upload(ctx context.Context, docId, path string) (version string, err error)
	Download(ctx context.Context, docId, destPath, snapshotId string) error
	Remove(ctx context.Context, docId string) error
	Versions(ctx context.Context, docId string) ([]objectstore.VersionInfo, error)
}

// metaQueue is the subset of *metaqueue.Queue the manager needs.
type metaQueue interface {
	ScheduleUpdate(docId string, updatedAt time.Time, editedBy string) error
	Close() error
}

// prunerClient is the subset of *pruner.Pruner the manager needs.
type prunerClient interface {
	RequestPrune(docId string)
	Close()
}

// directoryHash adapts a directoryClient into objectstore.SharedHash, so
// the checksummed store and the worker directory agree on one digest per
// docId without the store needing to know about directory.Status.
type directoryHash struct {
	dir interface {
		GetDocWorker(ctx context.Context, docId string) (directory.Status, error)
		UpdateDocStatus(ctx context.Context, docId, md5 string) error
	}
}

func (h directoryHash) Get(ctx context.Context, key string) (string, bool, error) {
	status, err := h.dir.GetDocWorker(ctx, key)
	if errors.Is(err, directory.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if status.DocMD5 == "" {
		return "", false, nil
	}
	return status.DocMD5, true, nil
}

func (h directoryHash) Set(ctx context.Context, key string, hash string) error {
	return h.dir.UpdateDocStatus(ctx, key, hash)
}

// NewDirectoryHash adapts dir into objectstore.SharedHash, for wiring a
// Store to a Directory at construction time.
func NewDirectoryHash(dir *directory.Directory) objectstore.SharedHash {
	return directoryHash{dir: dir}
}
