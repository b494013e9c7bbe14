// Package directory implements the worker directory client: a remote map
// of docId -> {ownerWorkerId, isActive, docMD5}, backed by BadgerDB so
// claim/assign and MD5 updates are atomic per docId.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned by GetDocWorker when docId has no directory
// entry.
var ErrNotFound = errors.New("directory: docId not found")

// Status is a worker directory entry. DocMD5 is empty for a never-uploaded
// document and the DELETED sentinel for a tombstoned one; callers compare
// it against docid.DeletedToken themselves, since this package has no
// opinion on the sentinel's value beyond storing it.
type Status struct {
	DocId         string `json:"docId"`
	OwnerWorkerId string `json:"ownerWorkerId"`
	IsActive      bool   `json:"isActive"`
	DocMD5        string `json:"docMD5,omitempty"`
}

func entryKey(docId string) []byte {
	return []byte(fmt.Sprintf("doc:%s", docId))
}

// Directory is the worker directory client.
type Directory struct {
	db *badger.DB
}

// Options configures the on-disk BadgerDB instance backing the directory.
type Options struct {
	DataDir    string
	SyncWrites bool
}

// Open opens (or creates) the directory's BadgerDB store at
// <DataDir>/directory.
func Open(opts Options) (*Directory, error) {
	dbPath := filepath.Join(opts.DataDir, "directory")
	badgerOpts := badger.DefaultOptions(dbPath).
		WithLogger(nil).
		WithSyncWrites(opts.SyncWrites).
		WithNumVersionsToKeep(1)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("directory: open badger db: %w", err)
	}
	return &Directory{db: db}, nil
}

// Close closes the underlying store.
func (d *Directory) Close() error {
	return d.db.Close()
}

func (d *Directory) get(txn *badger.Txn, docId string) (Status, bool, error) {
	item, err := txn.Get(entryKey(docId))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Status{}, false, nil
	}
	if err != nil {
		return Status{}, false, err
	}
	var s Status
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &s)
	}); err != nil {
		return Status{}, false, err
	}
	return s, true, nil
}

func (d *Directory) put(txn *badger.Txn, s Status) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return txn.Set(entryKey(s.DocId), data)
}

// GetDocWorkerOrAssign atomically claims docId for selfWorkerId if no
// entry exists yet, otherwise returns the existing entry unchanged. The
// caller (the storage manager) is responsible for deciding whether an
// existing entry's isActive/ownerWorkerId permit it to proceed.
func (d *Directory) GetDocWorkerOrAssign(ctx context.Context, docId, selfWorkerId string) (Status, error) {
	var result Status
	err := d.db.Update(func(txn *badger.Txn) error {
		existing, ok, err := d.get(txn, docId)
		if err != nil {
			return err
		}
		if ok {
			result = existing
			return nil
		}

		result = Status{DocId: docId, OwnerWorkerId: selfWorkerId, IsActive: true}
		return d.put(txn, result)
	})
	if err != nil {
		return Status{}, fmt.Errorf("directory: getOrAssign %s: %w", docId, err)
	}
	return result, nil
}

// GetDocWorker returns docId's current entry, or ErrNotFound.
func (d *Directory) GetDocWorker(ctx context.Context, docId string) (Status, error) {
	var result Status
	err := d.db.View(func(txn *badger.Txn) error {
		existing, ok, err := d.get(txn, docId)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		result = existing
		return nil
	})
	if err != nil {
		return Status{}, err
	}
	return result, nil
}

// UpdateDocStatus atomically sets docId's docMD5. The entry must already
// exist (created by a prior GetDocWorkerOrAssign); ErrNotFound otherwise.
func (d *Directory) UpdateDocStatus(ctx context.Context, docId, md5 string) error {
	err := d.db.Update(func(txn *badger.Txn) error {
		existing, ok, err := d.get(txn, docId)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		existing.DocMD5 = md5
		return d.put(txn, existing)
	})
	if err != nil {
		return fmt.Errorf("directory: updateDocStatus %s: %w", docId, err)
	}
	logrus.WithFields(logrus.Fields{"docId": docId, "docMD5": md5}).Debug("directory: docMD5 updated")
	return nil
}

// Release clears ownership of docId, marking it inactive without
// touching docMD5 (e.g. on a graceful handoff between workers).
func (d *Directory) Release(ctx context.Context, docId string) error {
	err := d.db.Update(func(txn *badger.Txn) error {
		existing, ok, err := d.get(txn, docId)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		existing.IsActive = false
		return d.put(txn, existing)
	})
	if err != nil {
		return fmt.Errorf("directory: release %s: %w", docId, err)
	}
	return nil
}
