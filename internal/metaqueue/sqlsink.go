package metaqueue

import (
	"context"
	"database/sql"
	"fmt"
)

// SQLSink pushes batches to the workspace database over database/sql,
// driver-agnostic the way internal/replication/manager.go drives its
// store through a bare *sql.DB rather than a specific driver package.
type SQLSink struct {
	db *sql.DB
}

// NewSQLSink wraps db, which must already have the docs table this sink
// writes to: docs(id TEXT PRIMARY KEY, updated_at TIMESTAMP, edited_by TEXT).
func NewSQLSink(db *sql.DB) *SQLSink {
	return &SQLSink{db: db}
}

// PushDocUpdateTimes applies one batch inside a single transaction, so a
// mid-batch failure rolls back cleanly and the caller retries the whole
// batch next tick.
func (s *SQLSink) PushDocUpdateTimes(ctx context.Context, updates []Update) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("metaqueue: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `UPDATE docs SET updated_at = $1, edited_by = $2 WHERE id = $3`)
	if err != nil {
		return fmt.Errorf("metaqueue: prepare update: %w", err)
	}
	defer stmt.Close()

	for _, u := range updates {
		if _, err := stmt.ExecContext(ctx, u.UpdatedAt, u.EditedBy, u.DocId); err != nil {
			return fmt.Errorf("metaqueue: update %s: %w", u.DocId, err)
		}
	}
	return tx.Commit()
}
