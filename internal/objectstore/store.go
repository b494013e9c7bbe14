// Package objectstore wraps a raw S3-compatible object store with
// content-hash verification, masking the eventual consistency of the
// underlying remote by trusting an externally-held digest (the worker
// directory's docMD5) over a disagreeing GET/HEAD result.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	"github.com/gristlabs/docworker/internal/docid"
	"github.com/gristlabs/docworker/internal/hashutil"
)

// digestMetadataKey is the S3 object metadata key the store uses to record
// the content digest it computed at upload time: ETag is not a reliable
// MD5 once multipart uploads are in play, so the digest is carried
// explicitly instead.
const digestMetadataKey = "content-md5"

// ErrChecksumMismatch is returned when every retry still disagrees with a
// known SharedHash digest.
var ErrChecksumMismatch = errors.New("objectstore: digest disagreement persisted past retry budget")

// ErrTransientRemote wraps a remote operation that failed: after the
// retry budget for operations that retry, and on the first failure for
// Remove, DeleteVersion and Versions, which do not retry.
var ErrTransientRemote = errors.New("objectstore: remote operation failed")

// VersionInfo describes one historical version of a key.
type VersionInfo struct {
	SnapshotId   string
	LastModified time.Time
	IsLatest     bool
}

// Config controls the store's bucket, key layout and retry policy.
type Config struct {
	Bucket       string
	KeyPrefix    string
	MaxRetries   int           // 0 -> DefaultMaxRetries
	InitialDelay time.Duration // 0 -> DefaultInitialDelay
	MaxDelay     time.Duration // 0 -> DefaultMaxDelay
}

const (
	DefaultMaxRetries   = 5
	DefaultInitialDelay = 200 * time.Millisecond
	DefaultMaxDelay     = 10 * time.Second
)

func (c Config) maxRetries() int {
	if c.MaxRetries <= 0 {
		return DefaultMaxRetries
	}
	return c.MaxRetries
}

func (c Config) initialDelay() time.Duration {
	if c.InitialDelay <= 0 {
		return DefaultInitialDelay
	}
	return c.InitialDelay
}

func (c Config) maxDelay() time.Duration {
	if c.MaxDelay <= 0 {
		return DefaultMaxDelay
	}
	return c.MaxDelay
}

// Store is the checksummed external store described in the package doc.
type Store struct {
	api    S3API
	shared SharedHash
	cfg    Config

	mu            sync.Mutex
	latestVersion map[string]string // docId -> most recently observed version id
}

// New builds a Store. shared may be nil, in which case digest-disagreement
// retries are skipped (useful for tests with no directory wired up).
func New(api S3API, shared SharedHash, cfg Config) *Store {
	if shared == nil {
		shared = noopSharedHash{}
	}
	return &Store{
		api:           api,
		shared:        shared,
		cfg:           cfg,
		latestVersion: make(map[string]string),
	}
}

// KeyFor maps a docId onto its S3 key.
func (s *Store) KeyFor(docId string) string {
	return s.cfg.KeyPrefix + docId + ".grist"
}

func (s *Store) backoff(attempt int) time.Duration {
	d := s.cfg.initialDelay()
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > s.cfg.maxDelay() {
			break
		}
	}
	if d > s.cfg.maxDelay() {
		d = s.cfg.maxDelay()
	}
	return d
}

func (s *Store) sleep(ctx context.Context, attempt int) error {
	select {
	case <-time.After(s.backoff(attempt)):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) rememberVersion(docId, version string) {
	if version == "" {
		return
	}
	s.mu.Lock()
	s.latestVersion[docId] = version
	s.mu.Unlock()
}

// LatestVersion returns the most recently observed version id for docId,
// from this process's cache only.
func (s *Store) LatestVersion(docId string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.latestVersion[docId]
	return v, ok
}

// Upload computes path's digest, PUTs it to the remote, and verifies the
// write with a read-after-write HEAD before trusting it, retrying with
// exponential backoff up to MaxRetries. On success it records the digest
// in both the shared directory and path's local sidecar, and caches the
// returned version id.
func (s *Store) Upload(ctx context.Context, docId, path string) (version string, err error) {
	digest, err := hashutil.MD5File(path)
	if err != nil {
		return "", fmt.Errorf("objectstore: hash %s: %w", path, err)
	}
	key := s.KeyFor(docId)

	var lastErr error
	for attempt := 1; attempt <= s.cfg.maxRetries(); attempt++ {
		version, lastErr = s.putOnce(ctx, key, path, digest)
		if lastErr == nil {
			if setErr := s.shared.Set(ctx, docId, digest); setErr != nil {
				return "", fmt.Errorf("objectstore: record shared hash for %s: %w", docId, setErr)
			}
			if setErr := hashutil.WriteSidecar(path, digest); setErr != nil {
				return "", fmt.Errorf("objectstore: record local hash for %s: %w", path, setErr)
			}
			s.rememberVersion(docId, version)
			return version, nil
		}

		logrus.WithFields(logrus.Fields{"docId": docId, "attempt": attempt}).
			WithError(lastErr).Warn("objectstore: upload attempt failed, retrying")
		if sleepErr := s.sleep(ctx, attempt); sleepErr != nil {
			return "", sleepErr
		}
	}
	return "", fmt.Errorf("%w: upload %s: %v", ErrTransientRemote, docId, lastErr)
}

func (s *Store) putOnce(ctx context.Context, key, path, digest string) (version string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}

	out, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		Metadata:      map[string]string{digestMetadataKey: digest},
	})
	if err != nil {
		return "", fmt.Errorf("put: %w", err)
	}

	head, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(key)})
	if err != nil {
		return "", fmt.Errorf("read-after-write head: %w", err)
	}
	if head.Metadata[digestMetadataKey] != digest {
		return "", fmt.Errorf("%w: wrote %s, head reports %s", ErrChecksumMismatch, digest, head.Metadata[digestMetadataKey])
	}

	if out.VersionId != nil {
		return *out.VersionId, nil
	}
	return "", nil
}

// Download GETs docId (optionally a specific snapshotId/version) into
// destPath. When snapshotId is empty, the downloaded content's digest is
// verified against the shared directory's docMD5 and retried with backoff
// on mismatch; a caller-specified snapshotId is trusted as-is, since it
// addresses an immutable historical version.
func (s *Store) Download(ctx context.Context, docId, destPath, snapshotId string) error {
	key := s.KeyFor(docId)

	var expected string
	var haveExpected bool
	if snapshotId == "" {
		expected, haveExpected, _ = s.shared.Get(ctx, docId)
	}

	var lastErr error
	for attempt := 1; attempt <= s.cfg.maxRetries(); attempt++ {
		digest, version, err := s.getOnce(ctx, key, destPath, snapshotId)
		if err == nil {
			if haveExpected && expected != digest {
				lastErr = fmt.Errorf("%w: expected %s, downloaded %s", ErrChecksumMismatch, expected, digest)
			} else {
				if setErr := hashutil.WriteSidecar(destPath, digest); setErr != nil {
					return fmt.Errorf("objectstore: record local hash for %s: %w", destPath, setErr)
				}
				s.rememberVersion(docId, version)
				return nil
			}
		} else {
			lastErr = err
		}

		logrus.WithFields(logrus.Fields{"docId": docId, "attempt": attempt}).
			WithError(lastErr).Warn("objectstore: download attempt failed, retrying")
		if sleepErr := s.sleep(ctx, attempt); sleepErr != nil {
			return sleepErr
		}
	}
	return fmt.Errorf("%w: download %s: %v", ErrTransientRemote, docId, lastErr)
}

func (s *Store) getOnce(ctx context.Context, key, destPath, snapshotId string) (digest, version string, err error) {
	input := &s3.GetObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(key)}
	if snapshotId != "" {
		input.VersionId = aws.String(snapshotId)
	}

	out, err := s.api.GetObject(ctx, input)
	if err != nil {
		return "", "", fmt.Errorf("get: %w", err)
	}
	defer out.Body.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, out.Body); err != nil {
		return "", "", fmt.Errorf("read body: %w", err)
	}
	digest, err = hashutil.MD5Reader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		return "", "", err
	}

	if err := os.WriteFile(destPath, buf.Bytes(), 0644); err != nil {
		return "", "", fmt.Errorf("write %s: %w", destPath, err)
	}

	if out.VersionId != nil {
		version = *out.VersionId
	}
	return digest, version, nil
}

// Exists HEADs key, retrying when the result disagrees with a known
// SharedHash digest: a not-found HEAD while the directory says the doc
// should exist, or a successful HEAD while the directory says DELETED, is
// treated as a stale read worth retrying rather than trusted immediately.
func (s *Store) Exists(ctx context.Context, docId string) (bool, error) {
	key := s.KeyFor(docId)
	expected, haveExpected, _ := s.shared.Get(ctx, docId)

	var lastErr error
	var lastExists bool
	for attempt := 1; attempt <= s.cfg.maxRetries(); attempt++ {
		exists, err := s.headOnce(ctx, key)
		if err != nil {
			lastErr = err
		} else {
			lastExists = exists
			lastErr = nil
			if !s.disagrees(expected, haveExpected, exists) {
				return exists, nil
			}
			lastErr = fmt.Errorf("%w: directory hash %q disagrees with remote exists=%v", ErrChecksumMismatch, expected, exists)
		}

		logrus.WithFields(logrus.Fields{"docId": docId, "attempt": attempt}).
			WithError(lastErr).Warn("objectstore: exists check disagreed with directory, retrying")
		if sleepErr := s.sleep(ctx, attempt); sleepErr != nil {
			return false, sleepErr
		}
	}
	if lastErr == nil {
		return lastExists, nil
	}
	return false, fmt.Errorf("%w: exists %s: %v", ErrTransientRemote, docId, lastErr)
}

func (s *Store) disagrees(expected string, haveExpected bool, exists bool) bool {
	if !haveExpected {
		return false
	}
	if expected == docid.DeletedToken {
		return exists
	}
	return !exists
}

func (s *Store) headOnce(ctx context.Context, key string) (bool, error) {
	_, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(key)})
	if err == nil {
		return true, nil
	}
	var notFound *smithyhttp.ResponseError
	if errors.As(err, &notFound) && notFound.Response != nil && notFound.Response.StatusCode == 404 {
		return false, nil
	}
	return false, err
}

// Remove deletes docId's object and marks the shared directory digest
// DELETED.
func (s *Store) Remove(ctx context.Context, docId string) error {
	key := s.KeyFor(docId)
	if _, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(key)}); err != nil {
		return fmt.Errorf("%w: remove %s: %v", ErrTransientRemote, docId, err)
	}
	if err := s.shared.Set(ctx, docId, docid.DeletedToken); err != nil {
		return fmt.Errorf("objectstore: mark %s deleted in directory: %w", docId, err)
	}
	return nil
}

// DeleteVersion deletes one specific historical version of docId, for use
// by the snapshot pruner's retention policy. It does not touch the
// shared directory digest, since a version other than the current one is
// being removed.
func (s *Store) DeleteVersion(ctx context.Context, docId, snapshotId string) error {
	key := s.KeyFor(docId)
	if _, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket:    aws.String(s.cfg.Bucket),
		Key:       aws.String(key),
		VersionId: aws.String(snapshotId),
	}); err != nil {
		return fmt.Errorf("%w: delete version %s of %s: %v", ErrTransientRemote, snapshotId, docId, err)
	}
	return nil
}

// Versions lists docId's historical versions in the order
// ListObjectVersions returns them; the list is not re-sorted here.
func (s *Store) Versions(ctx context.Context, docId string) ([]VersionInfo, error) {
	key := s.KeyFor(docId)
	out, err := s.api.ListObjectVersions(ctx, &s3.ListObjectVersionsInput{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: versions %s: %v", ErrTransientRemote, docId, err)
	}

	versions := make([]VersionInfo, 0, len(out.Versions))
	for _, v := range out.Versions {
		if v.Key == nil || *v.Key != key {
			continue
		}
		vi := VersionInfo{}
		if v.VersionId != nil {
			vi.SnapshotId = *v.VersionId
		}
		if v.LastModified != nil {
			vi.LastModified = *v.LastModified
		}
		if v.IsLatest != nil {
			vi.IsLatest = *v.IsLatest
		}
		versions = append(versions, vi)
	}
	return versions, nil
}
