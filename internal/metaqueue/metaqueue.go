// Package metaqueue is the metadata push queue: it receives scheduleUpdate
// notifications, coalesces them per docId, and flushes batches of
// {docId, updatedAt, editedBy} to the workspace database on a ticker. A
// local Pebble-backed outbox makes pending updates durable across a
// process restart; the outbox is purely a coalescing buffer ahead of the
// workspace database, not itself a system of record.
package metaqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble/v2"
	"github.com/sirupsen/logrus"
)

// Update is one pending "doc edited at T" event.
type Update struct {
	DocId     string    `json:"docId"`
	UpdatedAt time.Time `json:"updatedAt"`
	EditedBy  string    `json:"editedBy,omitempty"`
}

// Sink pushes a coalesced batch of updates to the external workspace
// database. It is the only external collaborator this package talks to.
type Sink interface {
	PushDocUpdateTimes(ctx context.Context, updates []Update) error
}

// Config controls batching cadence and durability.
type Config struct {
	DataDir       string        // Pebble outbox directory
	BatchInterval time.Duration // 0 -> DefaultBatchInterval
	Sink          Sink
}

const DefaultBatchInterval = 5 * time.Second

func outboxKey(docId string) []byte {
	return []byte(fmt.Sprintf("pending:%s", docId))
}

// Queue is the metadata push queue.
type Queue struct {
	sink     Sink
	interval time.Duration
	db       *pebble.DB

	mu      sync.Mutex
	pending map[string]Update

	ticker   *time.Ticker
	stopCh   chan struct{}
	doneCh   chan struct{}
	closed   bool
	flushNow chan chan struct{}
}

// Open opens the durable outbox and starts the background batching loop,
// replaying any updates left over from a prior process's unclean exit.
func Open(cfg Config) (*Queue, error) {
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = DefaultBatchInterval
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("metaqueue: Sink is required")
	}

	db, err := pebble.Open(cfg.DataDir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("metaqueue: open outbox: %w", err)
	}

	q := &Queue{
		sink:     cfg.Sink,
		interval: cfg.BatchInterval,
		db:       db,
		pending:  make(map[string]Update),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		flushNow: make(chan chan struct{}),
	}

	if err := q.loadOutbox(); err != nil {
		db.Close()
		return nil, err
	}

	q.ticker = time.NewTicker(q.interval)
	go q.run()
	return q, nil
}

func (q *Queue) loadOutbox() error {
	iter, err := q.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("pending:"),
		UpperBound: []byte("pending;"),
	})
	if err != nil {
		return fmt.Errorf("metaqueue: iterate outbox: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		var u Update
		if err := json.Unmarshal(iter.Value(), &u); err != nil {
			logrus.WithError(err).Warn("metaqueue: dropping corrupt outbox entry")
			continue
		}
		q.pending[u.DocId] = u
	}
	return iter.Error()
}

// ScheduleUpdate records docId as edited at updatedAt by editedBy,
// coalescing with any not-yet-flushed update for the same docId.
func (q *Queue) ScheduleUpdate(docId string, updatedAt time.Time, editedBy string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("metaqueue: closed")
	}

	u := Update{DocId: docId, UpdatedAt: updatedAt, EditedBy: editedBy}
	data, err := json.Marshal(u)
	if err != nil {
		return err
	}
	if err := q.db.Set(outboxKey(docId), data, pebble.Sync); err != nil {
		return fmt.Errorf("metaqueue: persist %s: %w", docId, err)
	}
	q.pending[docId] = u
	return nil
}

func (q *Queue) run() {
	defer close(q.doneCh)
	for {
		select {
		case <-q.ticker.C:
			q.flush(context.Background())
		case reply := <-q.flushNow:
			q.flush(context.Background())
			close(reply)
		case <-q.stopCh:
			q.ticker.Stop()
			q.flush(context.Background())
			return
		}
	}
}

func (q *Queue) flush(ctx context.Context) {
	q.mu.Lock()
	if len(q.pending) == 0 {
		q.mu.Unlock()
		return
	}
	batch := make([]Update, 0, len(q.pending))
	for _, u := range q.pending {
		batch = append(batch, u)
	}
	q.mu.Unlock()

	if err := q.sink.PushDocUpdateTimes(ctx, batch); err != nil {
		logrus.WithError(err).WithField("count", len(batch)).Warn("metaqueue: push failed, will retry next batch")
		return
	}

	q.mu.Lock()
	pb := q.db.NewBatch()
	for _, u := range batch {
		if cur, ok := q.pending[u.DocId]; ok && cur.UpdatedAt.Equal(u.UpdatedAt) {
			delete(q.pending, u.DocId)
			_ = pb.Delete(outboxKey(u.DocId), nil)
		}
	}
	q.mu.Unlock()
	if err := pb.Commit(pebble.Sync); err != nil {
		logrus.WithError(err).Warn("metaqueue: failed to clear flushed outbox entries")
	}
}

// Flush synchronously flushes the current pending batch, for tests.
func (q *Queue) Flush() {
	reply := make(chan struct{})
	select {
	case q.flushNow <- reply:
		<-reply
	case <-q.doneCh:
	}
}

// Pending returns the number of docIds with an unflushed update, for tests.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close drains any pending updates (a final flush) then closes the
// outbox. Idempotent.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	close(q.stopCh)
	<-q.doneCh
	return q.db.Close()
}
