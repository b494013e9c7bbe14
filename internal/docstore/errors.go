// Package docstore is the document storage manager: it keeps each
// document's local SQLite file in sync with its checksummed external
// object, coordinating with the worker directory so exactly one worker
// owns a document at a time, and debouncing pushes through the keyed
// scheduler.
package docstore

import (
	"errors"

	"github.com/gristlabs/docworker/internal/docid"
	"github.com/gristlabs/docworker/internal/objectstore"
	"github.com/gristlabs/docworker/internal/snapshot"
)

// ErrInvalidDocId is returned whenever a caller-supplied docId fails
// validation. Same sentinel as docid.ErrInvalidDocId.
var ErrInvalidDocId = docid.ErrInvalidDocId

// ErrTransientRemote wraps a failure of a remote dependency (the object
// store or the worker directory). Reuses objectstore's sentinel so callers can
// errors.Is against one identity regardless of which layer surfaced it.
var ErrTransientRemote = objectstore.ErrTransientRemote

// ErrBackupFailed wraps a failed local sqlite backup (used both to
// verify a suspect local file and to produce the sidecar pushed to the
// remote store). Reuses snapshot's sentinel.
var ErrBackupFailed = snapshot.ErrBackupFailed

// ErrNotOwner is returned when the worker directory says another worker
// already owns docId.
var ErrNotOwner = errors.New("docstore: docId is owned by another worker")

// ErrDocNotFound is returned when docId has no local file, no remote
// object, and (for a fork) no existing trunk to fork from.
var ErrDocNotFound = errors.New("docstore: document not found")

// ErrForkForbidden is returned when a user-scoped fork is requested by a
// session whose userId does not match the fork's forkUserId.
var ErrForkForbidden = errors.New("docstore: fork is scoped to a different user")

// ErrUnsupportedOp is returned for operations not supported in the
// current configuration (e.g. a non-permanent deleteDoc).
var ErrUnsupportedOp = errors.New("docstore: unsupported operation")

// ErrConcurrentPrepare is returned when prepareLocalDoc is called again
// for a docId that is already open (prepared and not yet closed).
var ErrConcurrentPrepare = errors.New("docstore: docId is already open")

// ErrAfterClose is returned by PrepareLocalDoc and MarkAsChanged when
// invoked after CloseStorage.
var ErrAfterClose = errors.New("docstore: storage manager is closed")
