package objectstore

import "context"

// SharedHash is the external KV (the worker directory) holding the
// authoritative MD5 digest per key. The store trusts a known SharedHash
// value over a disagreeing remote GET/HEAD result: this masks the
// eventual consistency of the underlying object store.
type SharedHash interface {
	// Get returns the authoritative digest for key, or ok=false if the
	// directory has never recorded one.
	Get(ctx context.Context, key string) (hash string, ok bool, err error)
	// Set records the authoritative digest for key, e.g. after a
	// successful upload, or the DELETED sentinel after a remove.
	Set(ctx context.Context, key string, hash string) error
}

// noopSharedHash is used when a caller has no directory wired up (e.g.
// local-only testing); every digest comparison against it is skipped.
type noopSharedHash struct{}

func (noopSharedHash) Get(ctx context.Context, key string) (string, bool, error) {
	return "", false, nil
}

func (noopSharedHash) Set(ctx context.Context, key string, hash string) error {
	return nil
}
