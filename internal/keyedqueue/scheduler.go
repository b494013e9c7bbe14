// Package keyedqueue implements a per-key debounced, coalescing,
// single-flight, retrying operation queue. At most one invocation of the
// configured worker function runs per key at any time; a new AddOperation
// that arrives while a run is in flight schedules exactly one follow-up run
// after the current one completes.
package keyedqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Worker is invoked with the key whose debounce window elapsed (or whose
// retry backoff elapsed). A non-nil error schedules a retry.
type Worker func(ctx context.Context, key string) error

// Config controls debounce, retry and failure-reporting behavior.
type Config struct {
	// Worker is called at most once at a time per key.
	Worker Worker
	// DebounceDelay is how long to wait after the most recent AddOperation
	// for a key before running its worker.
	DebounceDelay time.Duration
	// InitialRetryDelay is the backoff after the first worker failure for a
	// key; subsequent failures double it up to MaxRetryDelay.
	InitialRetryDelay time.Duration
	// MaxRetryDelay caps the exponential backoff. Zero means no cap.
	MaxRetryDelay time.Duration
	// Retry, if false, drops a key after one failed attempt instead of
	// retrying indefinitely.
	Retry bool
	// LogError is called on every worker failure with the key, the
	// 1-based count of consecutive failures for that key, and the error.
	LogError func(key string, failureCount int, err error)
}

type runState int

const (
	stateScheduled runState = iota
	stateRunning
	stateRetrying
)

type keyState struct {
	state     runState
	timer     *time.Timer
	dirty     bool // AddOperation arrived while running: schedule one follow-up
	expedited bool // the follow-up (or retry) should run with zero delay

	failureCount int

	// currentWaiters are resolved when the run presently in flight (or, if
	// no run is in flight yet, the next run to start) completes.
	currentWaiters []chan error
	// nextWaiters accumulate for the run *after* the one in flight, when a
	// caller expedites-and-waits while a run is already running.
	nextWaiters []chan error
}

// Scheduler is the keyed operation queue described in the package doc.
type Scheduler struct {
	cfg Config

	mu     sync.Mutex
	cond   *sync.Cond
	keys   map[string]*keyState
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Scheduler. The background context passed to Worker lives
// until Close.
func New(cfg Config) *Scheduler {
	if cfg.DebounceDelay <= 0 {
		cfg.DebounceDelay = 15 * time.Second
	}
	if cfg.InitialRetryDelay <= 0 {
		cfg.InitialRetryDelay = 5 * time.Second
	}
	if cfg.LogError == nil {
		cfg.LogError = func(key string, failureCount int, err error) {
			logrus.WithFields(logrus.Fields{"key": key, "failureCount": failureCount}).
				WithError(err).Error("keyedqueue: worker failed")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:    cfg,
		keys:   make(map[string]*keyState),
		ctx:    ctx,
		cancel: cancel,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// AddOperation marks key dirty and (re)starts its debounce timer.
func (s *Scheduler) AddOperation(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.addOperationLocked(key, false)
}

func (s *Scheduler) addOperationLocked(key string, expedite bool) {
	ks, ok := s.keys[key]
	if !ok {
		ks = &keyState{}
		s.keys[key] = ks
		s.scheduleLocked(key, ks, expedite)
		return
	}

	switch ks.state {
	case stateRunning:
		ks.dirty = true
		if expedite {
			ks.expedited = true
		}
	case stateScheduled, stateRetrying:
		if expedite {
			ks.expedited = true
		}
		s.rescheduleLocked(key, ks)
	}
}

// delayFor computes and consumes the delay for the next timer fire: an
// expedite request is single-use, collapsing only the next scheduled fire.
func (s *Scheduler) delayFor(ks *keyState) time.Duration {
	if ks.expedited {
		ks.expedited = false
		return 0
	}
	if ks.state == stateRetrying {
		return s.backoff(ks.failureCount)
	}
	return s.cfg.DebounceDelay
}

func (s *Scheduler) backoff(failureCount int) time.Duration {
	d := s.cfg.InitialRetryDelay
	for i := 1; i < failureCount && (s.cfg.MaxRetryDelay <= 0 || d < s.cfg.MaxRetryDelay); i++ {
		d *= 2
	}
	if s.cfg.MaxRetryDelay > 0 && d > s.cfg.MaxRetryDelay {
		d = s.cfg.MaxRetryDelay
	}
	return d
}

// scheduleLocked starts a fresh timer for a brand-new keyState.
func (s *Scheduler) scheduleLocked(key string, ks *keyState, expedite bool) {
	ks.state = stateScheduled
	ks.expedited = expedite
	delay := s.delayFor(ks)
	ks.timer = time.AfterFunc(delay, func() { s.run(key) })
}

func (s *Scheduler) rescheduleLocked(key string, ks *keyState) {
	if ks.timer != nil {
		ks.timer.Stop()
	}
	delay := s.delayFor(ks)
	ks.timer = time.AfterFunc(delay, func() { s.run(key) })
}

// ExpediteOperation collapses the remaining delay for key to zero.
func (s *Scheduler) ExpediteOperation(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ks, ok := s.keys[key]
	if !ok || s.closed {
		return
	}
	ks.expedited = true
	if ks.state != stateRunning {
		s.rescheduleLocked(key, ks)
	}
}

// ExpediteOperations expedites every key with a pending (non-running) op.
func (s *Scheduler) ExpediteOperations() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, ks := range s.keys {
		ks.expedited = true
		if ks.state != stateRunning {
			s.rescheduleLocked(key, ks)
		}
	}
}

// ExpediteOperationAndWait expedites key and blocks until the next run for
// it completes (successfully or not), returning that run's error.
func (s *Scheduler) ExpediteOperationAndWait(ctx context.Context, key string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("keyedqueue: closed")
	}

	ch := make(chan error, 1)
	ks, ok := s.keys[key]
	if !ok {
		s.addOperationLocked(key, true)
		ks = s.keys[key]
		ks.currentWaiters = append(ks.currentWaiters, ch)
	} else {
		ks.expedited = true
		switch ks.state {
		case stateRunning:
			// A run for key is already in flight; currentWaiters was already
			// snapshotted by run() and won't be revisited, so this waiter
			// must ride the follow-up run instead.
			ks.nextWaiters = append(ks.nextWaiters, ch)
		default:
			s.rescheduleLocked(key, ks)
			ks.currentWaiters = append(ks.currentWaiters, ch)
		}
	}
	s.mu.Unlock()

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HasPendingOperation reports whether key has a scheduled, running or
// retrying operation.
func (s *Scheduler) HasPendingOperation(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.keys[key]
	return ok
}

// HasPendingOperations reports whether any key has outstanding work.
func (s *Scheduler) HasPendingOperations() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys) > 0
}

// Wait blocks until no operations are scheduled or running. notify, if
// non-nil, is invoked once up front iff the wait is nontrivial (something
// was actually pending).
func (s *Scheduler) Wait(notify func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.keys) == 0 {
		return
	}
	if notify != nil {
		notify()
	}
	for len(s.keys) > 0 {
		s.cond.Wait()
	}
}

// Close drains all pending and in-flight operations, then prevents any new
// ones from being scheduled. It is idempotent.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.Wait(nil)

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
}

func (s *Scheduler) run(key string) {
	s.mu.Lock()
	ks, ok := s.keys[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	ks.state = stateRunning
	ks.dirty = false
	waiters := ks.currentWaiters
	ks.currentWaiters = nil
	s.mu.Unlock()

	err := s.cfg.Worker(s.ctx, key)

	s.mu.Lock()
	for _, ch := range waiters {
		ch <- err
	}

	if err != nil {
		ks.failureCount++
		s.cfg.LogError(key, ks.failureCount, err)

		if !s.cfg.Retry {
			delete(s.keys, key)
			s.cond.Broadcast()
			s.mu.Unlock()
			return
		}

		ks.state = stateRetrying
		ks.currentWaiters = ks.nextWaiters
		ks.nextWaiters = nil
		ks.dirty = false
		s.rescheduleLocked(key, ks)
		s.mu.Unlock()
		return
	}

	ks.failureCount = 0

	if ks.dirty {
		ks.state = stateScheduled
		ks.currentWaiters = ks.nextWaiters
		ks.nextWaiters = nil
		s.rescheduleLocked(key, ks)
		s.mu.Unlock()
		return
	}

	if len(ks.nextWaiters) > 0 {
		// A caller expedited-and-waited while this run was finishing up;
		// give them a fresh run rather than dropping their request.
		ks.dirty = false
		ks.currentWaiters = ks.nextWaiters
		ks.nextWaiters = nil
		ks.expedited = true
		s.scheduleLocked(key, ks, true)
		s.mu.Unlock()
		return
	}

	delete(s.keys, key)
	s.cond.Broadcast()
	s.mu.Unlock()
}
