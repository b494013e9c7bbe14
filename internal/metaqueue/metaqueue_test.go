package metaqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	mu     sync.Mutex
	pushes [][]Update
	fail   bool
}

func (f *fakeSink) PushDocUpdateTimes(ctx context.Context, updates []Update) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return assert.AnError
	}
	cp := make([]Update, len(updates))
	copy(cp, updates)
	f.pushes = append(f.pushes, cp)
	return nil
}

func (f *fakeSink) totalPushed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, batch := range f.pushes {
		n += len(batch)
	}
	return n
}

func TestScheduleUpdateCoalescesBeforeFlush(t *testing.T) {
	sink := &fakeSink{}
	q, err := Open(Config{DataDir: t.TempDir(), BatchInterval: time.Hour, Sink: sink})
	require.NoError(t, err)
	defer q.Close()

	now := time.Unix(1700000000, 0)
	for i := 0; i < 5; i++ {
		require.NoError(t, q.ScheduleUpdate("abc123", now.Add(time.Duration(i)*time.Second), "user-1"))
	}
	assert.Equal(t, 1, q.Pending())

	q.Flush()
	assert.Equal(t, 1, sink.totalPushed())
}

func TestFlushClearsPendingOnSuccess(t *testing.T) {
	sink := &fakeSink{}
	q, err := Open(Config{DataDir: t.TempDir(), BatchInterval: time.Hour, Sink: sink})
	require.NoError(t, err)
	defer q.Close()

	require.NoError(t, q.ScheduleUpdate("abc123", time.Unix(1700000000, 0), "user-1"))
	q.Flush()
	assert.Equal(t, 0, q.Pending())
}

func TestFlushRetainsPendingOnSinkFailure(t *testing.T) {
	sink := &fakeSink{fail: true}
	q, err := Open(Config{DataDir: t.TempDir(), BatchInterval: time.Hour, Sink: sink})
	require.NoError(t, err)
	defer q.Close()

	require.NoError(t, q.ScheduleUpdate("abc123", time.Unix(1700000000, 0), "user-1"))
	q.Flush()
	assert.Equal(t, 1, q.Pending(), "a failed push must not drop the pending update")
}

func TestOutboxSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	sink := &fakeSink{}
	q, err := Open(Config{DataDir: dir, BatchInterval: time.Hour, Sink: sink})
	require.NoError(t, err)

	require.NoError(t, q.ScheduleUpdate("abc123", time.Unix(1700000000, 0), "user-1"))
	require.NoError(t, q.Close())

	reopened, err := Open(Config{DataDir: dir, BatchInterval: time.Hour, Sink: sink})
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, 1, reopened.Pending(), "pending updates must survive a restart")
}

func TestCloseFlushesPendingUpdates(t *testing.T) {
	sink := &fakeSink{}
	q, err := Open(Config{DataDir: t.TempDir(), BatchInterval: time.Hour, Sink: sink})
	require.NoError(t, err)

	require.NoError(t, q.ScheduleUpdate("abc123", time.Unix(1700000000, 0), "user-1"))
	require.NoError(t, q.Close())

	assert.Equal(t, 1, sink.totalPushed())
}

func TestScheduleUpdateAfterCloseFails(t *testing.T) {
	sink := &fakeSink{}
	q, err := Open(Config{DataDir: t.TempDir(), BatchInterval: time.Hour, Sink: sink})
	require.NoError(t, err)
	require.NoError(t, q.Close())

	err = q.ScheduleUpdate("abc123", time.Now(), "user-1")
	assert.Error(t, err)
}
