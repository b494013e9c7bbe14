// Package pruner is the snapshot pruner: it receives "just uploaded"
// signals per docId, debounces them aggressively, and runs a retention
// policy over that docId's remote version history. Adapted from a
// global ticker-driven lifecycle sweep into a per-key debounced trigger,
// since pruning only ever needs to look at the one docId that changed.
package pruner

import (
	"context"
	"sort"
	"time"

	"github.com/gristlabs/docworker/internal/keyedqueue"
	"github.com/gristlabs/docworker/internal/objectstore"
)

// RetentionPolicy decides which versions of a docId to delete, given its
// full version history (newest first is not guaranteed; callers sort if
// they care). It is a strategy object: this package owns scheduling and
// debouncing, not the retention policy itself.
type RetentionPolicy interface {
	VersionsToDelete(versions []objectstore.VersionInfo) []string // snapshotIds
}

// KeepLatestN is the default retention policy: keep the N most recently
// modified versions of a docId and mark the rest for deletion, always
// sparing whichever version the store reports IsLatest. Modeled on the
// NoncurrentVersionExpiration sweep's "skip latest, delete the rest"
// shape, generalized from an age cutoff to a count cutoff.
type KeepLatestN struct {
	N int
}

func (p KeepLatestN) VersionsToDelete(versions []objectstore.VersionInfo) []string {
	sorted := make([]objectstore.VersionInfo, len(versions))
	copy(sorted, versions)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].LastModified.After(sorted[j].LastModified)
	})

	var toDelete []string
	for i, v := range sorted {
		if v.IsLatest || i < p.N {
			continue
		}
		toDelete = append(toDelete, v.SnapshotId)
	}
	return toDelete
}

// Remover is the subset of the checksummed store the pruner needs.
type Remover interface {
	Versions(ctx context.Context, docId string) ([]objectstore.VersionInfo, error)
	DeleteVersion(ctx context.Context, docId, snapshotId string) error
}

// Config controls debounce cadence and the retention policy.
type Config struct {
	Store             Remover
	Policy            RetentionPolicy
	MinInterval       time.Duration // minimum debounce interval; 0 -> DefaultMinInterval
	SecondsBeforePush int           // if set and MinInterval is 0, MinInterval = 4*this
}

const DefaultMinInterval = 60 * time.Second

// Pruner debounces requestPrune(docId) notifications and runs the
// configured retention policy for each docId no more often than
// MinInterval.
type Pruner struct {
	scheduler *keyedqueue.Scheduler
}

// New builds a Pruner.
func New(cfg Config) *Pruner {
	interval := cfg.MinInterval
	if interval <= 0 && cfg.SecondsBeforePush > 0 {
		interval = 4 * time.Duration(cfg.SecondsBeforePush) * time.Second
	}
	if interval <= 0 {
		interval = DefaultMinInterval
	}

	p := &Pruner{}
	p.scheduler = keyedqueue.New(keyedqueue.Config{
		Worker: func(ctx context.Context, docId string) error {
			return p.prune(ctx, cfg, docId)
		},
		DebounceDelay: interval,
		Retry:         true,
	})
	return p
}

func (p *Pruner) prune(ctx context.Context, cfg Config, docId string) error {
	versions, err := cfg.Store.Versions(ctx, docId)
	if err != nil {
		return err
	}
	for _, snapshotId := range cfg.Policy.VersionsToDelete(versions) {
		if err := cfg.Store.DeleteVersion(ctx, docId, snapshotId); err != nil {
			return err
		}
	}
	return nil
}

// RequestPrune signals that docId was just uploaded and is a candidate
// for a (debounced) pruning pass.
func (p *Pruner) RequestPrune(docId string) {
	p.scheduler.AddOperation(docId)
}

// Wait blocks until no pruning job is scheduled or running, for tests.
func (p *Pruner) Wait() {
	p.scheduler.Wait(nil)
}

// Close drains in-flight pruning jobs then stops accepting new ones.
func (p *Pruner) Close() {
	p.scheduler.Close()
}
