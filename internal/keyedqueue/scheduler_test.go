package keyedqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddOperationCoalescesBurst(t *testing.T) {
	var runs int32
	s := New(Config{
		Worker: func(ctx context.Context, key string) error {
			atomic.AddInt32(&runs, 1)
			return nil
		},
		DebounceDelay: 20 * time.Millisecond,
	})
	defer s.Close()

	for i := 0; i < 20; i++ {
		s.AddOperation("doc1")
	}
	s.Wait(nil)

	assert.EqualValues(t, 1, atomic.LoadInt32(&runs))
}

func TestAddOperationDuringRunSchedulesOneFollowUp(t *testing.T) {
	var runs int32
	started := make(chan struct{})
	release := make(chan struct{})

	s := New(Config{
		Worker: func(ctx context.Context, key string) error {
			n := atomic.AddInt32(&runs, 1)
			if n == 1 {
				close(started)
				<-release
			}
			return nil
		},
		DebounceDelay: time.Millisecond,
	})
	defer s.Close()

	s.AddOperation("doc1")
	<-started

	// Arrives while the first run is in flight; should coalesce into exactly
	// one follow-up run, not one per call.
	for i := 0; i < 10; i++ {
		s.AddOperation("doc1")
	}
	close(release)

	s.Wait(nil)
	assert.EqualValues(t, 2, atomic.LoadInt32(&runs))
}

func TestIndependentKeysRunIndependently(t *testing.T) {
	var runs sync.Map
	s := New(Config{
		Worker: func(ctx context.Context, key string) error {
			v, _ := runs.LoadOrStore(key, new(int32))
			atomic.AddInt32(v.(*int32), 1)
			return nil
		},
		DebounceDelay: 5 * time.Millisecond,
	})
	defer s.Close()

	s.AddOperation("doc1")
	s.AddOperation("doc2")
	s.AddOperation("doc3")
	s.Wait(nil)

	for _, key := range []string{"doc1", "doc2", "doc3"} {
		v, ok := runs.Load(key)
		require.True(t, ok, "key %s never ran", key)
		assert.EqualValues(t, 1, atomic.LoadInt32(v.(*int32)))
	}
}

func TestRetryWithBackoffEventuallySucceeds(t *testing.T) {
	var attempts int32
	var loggedFailures []int

	s := New(Config{
		Worker: func(ctx context.Context, key string) error {
			n := atomic.AddInt32(&attempts, 1)
			if n < 3 {
				return errors.New("transient")
			}
			return nil
		},
		DebounceDelay:     time.Millisecond,
		InitialRetryDelay: 2 * time.Millisecond,
		MaxRetryDelay:     10 * time.Millisecond,
		Retry:             true,
		LogError: func(key string, failureCount int, err error) {
			loggedFailures = append(loggedFailures, failureCount)
		},
	})
	defer s.Close()

	s.AddOperation("doc1")
	s.Wait(nil)

	assert.EqualValues(t, 3, atomic.LoadInt32(&attempts))
	assert.Equal(t, []int{1, 2}, loggedFailures)
}

func TestNoRetryDropsKeyAfterOneFailure(t *testing.T) {
	var attempts int32
	s := New(Config{
		Worker: func(ctx context.Context, key string) error {
			atomic.AddInt32(&attempts, 1)
			return errors.New("permanent")
		},
		DebounceDelay: time.Millisecond,
		Retry:         false,
	})
	defer s.Close()

	s.AddOperation("doc1")
	s.Wait(nil)

	assert.EqualValues(t, 1, atomic.LoadInt32(&attempts))
	assert.False(t, s.HasPendingOperation("doc1"))
}

func TestExpediteOperationCollapsesDelay(t *testing.T) {
	var runAt time.Time
	done := make(chan struct{})

	s := New(Config{
		Worker: func(ctx context.Context, key string) error {
			runAt = time.Now()
			close(done)
			return nil
		},
		DebounceDelay: time.Hour,
	})
	defer s.Close()

	start := time.Now()
	s.AddOperation("doc1")
	s.ExpediteOperation("doc1")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expedited operation did not run promptly")
	}
	assert.Less(t, runAt.Sub(start), time.Second)
}

func TestExpediteOperationAndWaitReturnsWorkerError(t *testing.T) {
	sentinel := errors.New("boom")
	s := New(Config{
		Worker: func(ctx context.Context, key string) error {
			return sentinel
		},
		DebounceDelay: time.Hour,
		Retry:         false,
	})
	defer s.Close()

	err := s.ExpediteOperationAndWait(context.Background(), "doc1")
	assert.ErrorIs(t, err, sentinel)
}

func TestExpediteOperationAndWaitOnAlreadyScheduledKey(t *testing.T) {
	var runs int32
	s := New(Config{
		Worker: func(ctx context.Context, key string) error {
			atomic.AddInt32(&runs, 1)
			return nil
		},
		DebounceDelay: time.Hour,
	})
	defer s.Close()

	s.AddOperation("doc1")
	err := s.ExpediteOperationAndWait(context.Background(), "doc1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&runs))
}

func TestExpediteOperationAndWaitRespectsContextCancellation(t *testing.T) {
	block := make(chan struct{})
	s := New(Config{
		Worker: func(ctx context.Context, key string) error {
			<-block
			return nil
		},
		DebounceDelay: time.Hour,
	})
	defer func() {
		close(block)
		s.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := s.ExpediteOperationAndWait(ctx, "doc1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExpediteOperationAndWaitWhileWorkerIsRunning(t *testing.T) {
	inWorker := make(chan struct{})
	release := make(chan struct{})
	var runs int32
	s := New(Config{
		Worker: func(ctx context.Context, key string) error {
			n := atomic.AddInt32(&runs, 1)
			if n == 1 {
				close(inWorker)
				<-release
			}
			return nil
		},
		DebounceDelay: time.Millisecond,
	})
	defer s.Close()

	s.AddOperation("doc1")
	<-inWorker // the first run is now genuinely executing, not just scheduled

	done := make(chan error, 1)
	go func() {
		done <- s.ExpediteOperationAndWait(context.Background(), "doc1")
	}()

	// Give ExpediteOperationAndWait a chance to register its waiter against
	// the in-flight run before it completes.
	time.Sleep(20 * time.Millisecond)
	close(release)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ExpediteOperationAndWait never returned after the in-flight run completed")
	}
	assert.GreaterOrEqual(t, atomic.LoadInt32(&runs), int32(2))
}

func TestHasPendingOperations(t *testing.T) {
	release := make(chan struct{})
	s := New(Config{
		Worker: func(ctx context.Context, key string) error {
			<-release
			return nil
		},
		DebounceDelay: time.Millisecond,
	})

	assert.False(t, s.HasPendingOperations())
	s.AddOperation("doc1")

	require.Eventually(t, func() bool {
		return s.HasPendingOperation("doc1")
	}, time.Second, time.Millisecond)

	close(release)
	s.Wait(nil)
	assert.False(t, s.HasPendingOperations())
	s.Close()
}

func TestCloseDrainsBeforeReturning(t *testing.T) {
	var finished int32
	s := New(Config{
		Worker: func(ctx context.Context, key string) error {
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&finished, 1)
			return nil
		},
		DebounceDelay: time.Millisecond,
	})

	s.AddOperation("doc1")
	s.Close()

	assert.EqualValues(t, 1, atomic.LoadInt32(&finished))
	assert.False(t, s.HasPendingOperations())
}

func TestAddOperationAfterCloseIsNoop(t *testing.T) {
	var runs int32
	s := New(Config{
		Worker: func(ctx context.Context, key string) error {
			atomic.AddInt32(&runs, 1)
			return nil
		},
		DebounceDelay: time.Millisecond,
	})
	s.Close()

	s.AddOperation("doc1")
	time.Sleep(10 * time.Millisecond)
	assert.EqualValues(t, 0, atomic.LoadInt32(&runs))
}
