package docstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/gristlabs/docworker/internal/docid"
	"github.com/gristlabs/docworker/internal/hashutil"
	"github.com/gristlabs/docworker/internal/keyedqueue"
	"github.com/gristlabs/docworker/internal/session"
	"github.com/gristlabs/docworker/internal/snapshot"
)

// Config controls the manager's local layout, debounce cadence and
// remote behavior.
type Config struct {
	DocsRoot                string // directory holding "<docId>.grist" and sidecars
	SelfWorkerId            string
	SecondsBeforePush       int  // debounce window before a change is pushed; 0 -> scheduler default
	SecondsBeforeFirstRetry int  // initial push retry backoff; 0 -> scheduler default
	DisableS3               bool // GRIST_DISABLE_S3: local filesystem is canonical, no remote sync
}

// ReplaceSource names what replace() should install in place of a doc's
// current content.
type ReplaceSource struct {
	SourceDocId string // defaults to the target docId itself (without any snapshotId) when empty
	SnapshotId  string // empty selects the latest version of SourceDocId
}

// SnapshotInfo describes one historical version returned by GetSnapshots.
type SnapshotInfo struct {
	DocId        string
	SnapshotId   string
	LastModified time.Time
}

// Manager is the document storage manager: it implements the
// prepare/getCopy/replace/delete/flush/close contract described in the
// package doc, orchestrating the worker directory, the checksummed
// remote store, the metadata push queue and the snapshot pruner.
type Manager struct {
	cfg       Config
	directory directoryClient
	store     remoteStore
	meta      metaQueue
	pruner    prunerClient

	uploads *keyedqueue.Scheduler
	group   singleflight.Group

	mu           sync.Mutex
	open         map[string]bool
	closing      map[string]chan struct{}
	prepareFiles map[string]bool
	closed       bool
}

// New builds a Manager. meta and pruner may be nil, in which case
// markAsEdited and post-push pruning become no-ops.
func New(cfg Config, directory directoryClient, store remoteStore, meta metaQueue, pruner prunerClient) *Manager {
	m := &Manager{
		cfg:          cfg,
		directory:    directory,
		store:        store,
		meta:         meta,
		pruner:       pruner,
		open:         make(map[string]bool),
		closing:      make(map[string]chan struct{}),
		prepareFiles: make(map[string]bool),
	}

	debounce := time.Duration(cfg.SecondsBeforePush) * time.Second
	retryDelay := time.Duration(cfg.SecondsBeforeFirstRetry) * time.Second
	m.uploads = keyedqueue.New(keyedqueue.Config{
		Worker:            m.pushToRemote,
		DebounceDelay:     debounce,
		InitialRetryDelay: retryDelay,
		Retry:             true,
	})
	return m
}

func (m *Manager) pathForBase(base string) string {
	return filepath.Join(m.cfg.DocsRoot, base+".grist")
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// GetPath is a pure path computation; it validates docId's shape but
// touches neither the local filesystem nor the remote store.
func (m *Manager) GetPath(docId string) (string, error) {
	comps, err := docid.Parse(docId)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidDocId, err)
	}
	return m.pathForBase(docid.Build(comps.WithoutSnapshot())), nil
}

// PrepareLocalDoc runs the ensure-present algorithm for docId: it claims
// (or confirms) ownership in the worker directory, then makes sure a
// local copy matching the canonical content exists, fetching or forking
// it from the remote store as needed. It returns whether the document
// is newly created (no prior content existed anywhere). Reentrancy on an
// already-open docId is an error.
func (m *Manager) PrepareLocalDoc(ctx context.Context, rawDocId string, sess session.Claims) (bool, error) {
	comps, err := docid.Parse(rawDocId)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidDocId, err)
	}
	base := docid.Build(comps.WithoutSnapshot())

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false, ErrAfterClose
	}
	if ch, ok := m.closing[base]; ok {
		m.mu.Unlock()
		<-ch
		m.mu.Lock()
	}
	if m.open[base] {
		m.mu.Unlock()
		return false, ErrConcurrentPrepare
	}
	m.open[base] = true
	m.prepareFiles[base] = true
	m.mu.Unlock()

	v, err, _ := m.group.Do(base, func() (interface{}, error) {
		return m.ensurePresent(ctx, comps, sess)
	})

	m.mu.Lock()
	delete(m.prepareFiles, base)
	if err != nil {
		delete(m.open, base)
	}
	m.mu.Unlock()

	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// ensurePresent implements the 7-step presence algorithm: ownership
// claim, trust-local-on-matching-hash, fetch-from-remote, or
// fork-from-trunk, in that priority order.
func (m *Manager) ensurePresent(ctx context.Context, comps docid.Components, sess session.Claims) (bool, error) {
	base := docid.Build(comps.WithoutSnapshot())
	canCreateFork := comps.ForkUserId == "" || comps.ForkUserId == sess.UserId

	status, err := m.directory.GetDocWorkerOrAssign(ctx, base, m.cfg.SelfWorkerId)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrTransientRemote, err)
	}
	if !status.IsActive || (status.OwnerWorkerId != "" && status.OwnerWorkerId != m.cfg.SelfWorkerId) {
		return false, ErrNotOwner
	}

	gristPath := m.pathForBase(base)
	localExists := fileExists(gristPath)

	if m.cfg.DisableS3 {
		if localExists {
			return false, nil
		}
		return m.forkOrMissing(ctx, comps, canCreateFork, gristPath, true)
	}

	if localExists {
		accept, err := m.localMatchesCanonical(gristPath, status.DocMD5)
		if err != nil {
			return false, err
		}
		if accept {
			return false, nil
		}
		os.Remove(gristPath)
		os.Remove(hashutil.SidecarPath(gristPath))
	}

	exists, err := m.store.Exists(ctx, base)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrTransientRemote, err)
	}
	if exists {
		if err := m.store.Download(ctx, base, gristPath, comps.SnapshotId); err != nil {
			return false, fmt.Errorf("%w: %v", ErrTransientRemote, err)
		}
		return false, nil
	}

	return m.forkOrMissing(ctx, comps, canCreateFork, gristPath, false)
}

// localMatchesCanonical decides whether the live local file can be
// trusted as canonical without a remote round trip: it compares the
// "-hash" sidecar's recorded digest against the directory's docMD5. A
// missing or unreadable sidecar is treated as stale, same as a digest
// mismatch, even though the file bytes on disk may be untouched: a torn
// or tampered sidecar must not be papered over by recomputing from the
// live file.
func (m *Manager) localMatchesCanonical(gristPath, docMD5 string) (bool, error) {
	if docMD5 == "" || docMD5 == docid.DeletedToken {
		return true, nil
	}

	digest, ok := hashutil.ReadSidecar(gristPath)
	if !ok {
		return false, nil
	}
	return digest == docMD5, nil
}

// forkOrMissing handles the case where no local or remote copy of base
// exists yet: a fork docId creates from its trunk (remotely, unless S3
// is disabled, in which case the trunk must already be local); any other
// docId with nothing behind it is simply a brand-new document.
func (m *Manager) forkOrMissing(ctx context.Context, comps docid.Components, canCreateFork bool, gristPath string, localOnly bool) (bool, error) {
	if !comps.IsFork() {
		return true, nil
	}
	if !canCreateFork {
		return false, ErrForkForbidden
	}
	if comps.TrunkId == docid.NewDocumentCode {
		return true, nil
	}

	if localOnly {
		trunkPath := m.pathForBase(comps.TrunkId)
		if !fileExists(trunkPath) {
			return false, ErrDocNotFound
		}
		if err := copyFile(trunkPath, gristPath); err != nil {
			return false, err
		}
		return true, nil
	}

	trunkExists, err := m.store.Exists(ctx, comps.TrunkId)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrTransientRemote, err)
	}
	if !trunkExists {
		return false, ErrDocNotFound
	}
	if err := m.store.Download(ctx, comps.TrunkId, gristPath, ""); err != nil {
		return false, fmt.Errorf("%w: %v", ErrTransientRemote, err)
	}
	return true, nil
}

func copyFile(src, dest string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dest, data, 0644)
}

// GetCopy produces an independent snapshot of docId's live content at a
// fresh path for the caller to use and eventually delete; it never
// touches docId's own canonical artifact set.
func (m *Manager) GetCopy(ctx context.Context, rawDocId string) (string, error) {
	comps, err := docid.Parse(rawDocId)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidDocId, err)
	}
	base := docid.Build(comps.WithoutSnapshot())
	srcPath := m.pathForBase(base)
	if !fileExists(srcPath) {
		return "", ErrDocNotFound
	}

	destPath := srcPath + "-copy-" + uuid.NewString()
	if err := snapshot.Snapshot(srcPath, destPath, snapshot.Options{}); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBackupFailed, err)
	}
	return destPath, nil
}

// Replace atomically swaps docId's local content for src's content,
// flushing any pending push first and restoring the prior local file if
// the fetch fails partway through.
func (m *Manager) Replace(ctx context.Context, rawDocId string, src ReplaceSource) error {
	comps, err := docid.Parse(rawDocId)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocId, err)
	}
	base := docid.Build(comps.WithoutSnapshot())
	gristPath := m.pathForBase(base)

	if err := m.FlushDoc(ctx, base); err != nil {
		return err
	}

	sourceDocId := src.SourceDocId
	if sourceDocId == "" {
		sourceDocId = base
	}

	holdingPath := gristPath + "-replacing-" + uuid.NewString()
	hadPrior := fileExists(gristPath)
	if hadPrior {
		if err := os.Rename(gristPath, holdingPath); err != nil {
			return fmt.Errorf("docstore: hold prior content for %s: %w", base, err)
		}
	}

	if err := m.store.Download(ctx, sourceDocId, gristPath, src.SnapshotId); err != nil {
		if hadPrior {
			os.Rename(holdingPath, gristPath)
		}
		return fmt.Errorf("%w: %v", ErrTransientRemote, err)
	}
	if hadPrior {
		os.Remove(holdingPath)
	}
	os.Remove(hashutil.SidecarPath(gristPath))

	if err := m.MarkAsChanged(base); err != nil {
		return err
	}
	return m.MarkAsEdited(base, "")
}

// DeleteDoc removes docId permanently: a non-permanent delete is not
// supported by this storage manager (trash/undo lives above this layer).
func (m *Manager) DeleteDoc(ctx context.Context, rawDocId string, permanent bool) error {
	if !permanent {
		return ErrUnsupportedOp
	}
	comps, err := docid.Parse(rawDocId)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocId, err)
	}
	base := docid.Build(comps.WithoutSnapshot())

	_ = m.CloseDocument(ctx, base)

	if !m.cfg.DisableS3 {
		if err := m.store.Remove(ctx, base); err != nil {
			return fmt.Errorf("%w: %v", ErrTransientRemote, err)
		}
	}

	gristPath := m.pathForBase(base)
	os.Remove(gristPath)
	os.Remove(hashutil.SidecarPath(gristPath))
	return nil
}

// FlushDoc blocks until no push remains pending for docId, expediting
// one if it is currently debouncing or retrying.
func (m *Manager) FlushDoc(ctx context.Context, rawDocId string) error {
	comps, err := docid.Parse(rawDocId)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocId, err)
	}
	if comps.HasSnapshot() {
		return nil
	}
	base := docid.Build(comps.WithoutSnapshot())
	if !m.uploads.HasPendingOperation(base) {
		return nil
	}
	return m.uploads.ExpediteOperationAndWait(ctx, base)
}

// CloseDocument drops the presence cache entry, then flushes pending
// pushes. It does not wait for a PrepareLocalDoc of docId that is still
// in progress. A no-op if docId is not currently open.
func (m *Manager) CloseDocument(ctx context.Context, rawDocId string) error {
	comps, err := docid.Parse(rawDocId)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocId, err)
	}
	base := docid.Build(comps.WithoutSnapshot())

	m.mu.Lock()
	if !m.open[base] {
		m.mu.Unlock()
		return nil
	}
	delete(m.open, base)
	ch := make(chan struct{})
	m.closing[base] = ch
	m.mu.Unlock()

	err = m.FlushDoc(ctx, base)

	m.mu.Lock()
	delete(m.closing, base)
	m.mu.Unlock()
	close(ch)

	return err
}

// CloseStorage drains all pending pushes and closes the metadata queue
// and pruner. Afterwards PrepareLocalDoc and MarkAsChanged return
// ErrAfterClose; the other operations are not rejected.
func (m *Manager) CloseStorage() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.uploads.Close()
	if m.meta != nil {
		if err := m.meta.Close(); err != nil {
			logrus.WithError(err).Warn("docstore: closing metadata queue")
		}
	}
	if m.pruner != nil {
		m.pruner.Close()
	}
	return nil
}

// MarkAsChanged schedules a debounced push for docId. A no-op for an
// explicit-snapshot docId, since snapshots are immutable.
func (m *Manager) MarkAsChanged(rawDocId string) error {
	comps, err := docid.Parse(rawDocId)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocId, err)
	}
	if comps.HasSnapshot() {
		return nil
	}

	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrAfterClose
	}

	m.uploads.AddOperation(docid.Build(comps.WithoutSnapshot()))
	return nil
}

// MarkAsEdited records that editedBy just edited docId, for the
// debounced metadata push queue. A no-op when no metadata sink is
// configured or docId names an explicit snapshot.
func (m *Manager) MarkAsEdited(rawDocId string, editedBy string) error {
	comps, err := docid.Parse(rawDocId)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocId, err)
	}
	if comps.HasSnapshot() || m.meta == nil {
		return nil
	}
	return m.meta.ScheduleUpdate(docid.Build(comps.WithoutSnapshot()), time.Now(), editedBy)
}

// GetSnapshots lists docId's historical remote versions. With S3
// disabled there is no version history to report.
func (m *Manager) GetSnapshots(ctx context.Context, rawDocId string) ([]SnapshotInfo, error) {
	comps, err := docid.Parse(rawDocId)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocId, err)
	}
	base := docid.Build(comps.WithoutSnapshot())
	if m.cfg.DisableS3 {
		return nil, nil
	}

	versions, err := m.store.Versions(ctx, base)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransientRemote, err)
	}
	out := make([]SnapshotInfo, 0, len(versions))
	for _, v := range versions {
		out = append(out, SnapshotInfo{DocId: base, SnapshotId: v.SnapshotId, LastModified: v.LastModified})
	}
	return out, nil
}

// pushToRemote is the keyed scheduler's worker: it snapshots docId's
// live file into a sidecar (so pushing never blocks a writer) and
// uploads that sidecar through the checksummed store, then requests a
// pruning pass over docId's remote version history.
func (m *Manager) pushToRemote(ctx context.Context, docId string) error {
	m.mu.Lock()
	preparing := m.prepareFiles[docId]
	m.mu.Unlock()
	if preparing {
		return fmt.Errorf("docstore: %s is still being prepared, retrying push", docId)
	}

	gristPath := m.pathForBase(docId)
	if !fileExists(gristPath) {
		// The document was deleted or never materialized locally; nothing
		// to push.
		return nil
	}

	if m.cfg.DisableS3 {
		return nil
	}

	sidecarPath := gristPath + "-push-" + uuid.NewString()
	if err := snapshot.Snapshot(gristPath, sidecarPath, snapshot.Options{}); err != nil {
		return fmt.Errorf("%w: %v", ErrBackupFailed, err)
	}
	defer os.Remove(sidecarPath)
	defer os.Remove(hashutil.SidecarPath(sidecarPath))

	if _, err := m.store.Upload(ctx, docId, sidecarPath); err != nil {
		return fmt.Errorf("%w: %v", ErrTransientRemote, err)
	}

	if digest, err := hashutil.MD5File(sidecarPath); err == nil {
		if err := hashutil.WriteSidecar(gristPath, digest); err != nil {
			logrus.WithError(err).WithField("docId", docId).Warn("docstore: write local hash sidecar")
		}
	}

	if m.pruner != nil {
		m.pruner.RequestPrune(docId)
	}
	return nil
}
