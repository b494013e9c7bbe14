// Package snapshot produces a consistent copy of a live SQLite database
// into a sidecar file using SQLite's incremental backup API, without
// holding a long-lived write lock against concurrent readers/writers.
package snapshot

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	sqlite3 "modernc.org/sqlite/lib"
)

// DefaultPagesPerStep and DefaultStepDelay are the defaults from the spec: 1024 pages
// (4 KiB pages, ~4 MiB) per backup step, with a 10ms yield between steps so
// writers on src are not blocked for longer than one step's duration.
const (
	DefaultPagesPerStep = 1024
	DefaultStepDelay    = 10 * time.Millisecond
)

// Phase and Action describe points in the snapshot algorithm a test's
// Progress callback may observe.
type Action string
type Phase string

const (
	ActionOpen  Action = "open"
	ActionStep  Action = "step"
	ActionClose Action = "close"

	PhaseBefore Phase = "before"
	PhaseAfter  Phase = "after"
)

// Event is delivered to an optional Progress callback, purely for test
// observability; production callers may leave it nil.
type Event struct {
	Action Action
	Phase  Phase
}

// Options configures a Snapshot invocation. The zero value uses the spec's
// defaults.
type Options struct {
	PagesPerStep int           // pages copied per backup step; 0 -> DefaultPagesPerStep
	StepDelay    time.Duration // sleep between steps; 0 -> DefaultStepDelay
	Progress     func(Event)   // optional, for tests
}

func (o Options) pagesPerStep() int32 {
	if o.PagesPerStep <= 0 {
		return DefaultPagesPerStep
	}
	return int32(o.PagesPerStep)
}

func (o Options) stepDelay() time.Duration {
	if o.StepDelay <= 0 {
		return DefaultStepDelay
	}
	return o.StepDelay
}

func (o Options) emit(ev Event) {
	if o.Progress != nil {
		o.Progress(ev)
	}
}

// ErrBackupFailed wraps any error that aborted a snapshot before the backup
// API reported completion; dest has already been removed by the time this
// is returned.
var ErrBackupFailed = errors.New("sqlite backup failed")

// Snapshot copies src into dest using SQLite's incremental backup API. dest
// is removed first if it already exists (a stale sidecar from a crashed
// prior attempt), and removed again on any failure so a partial file is
// never left behind. dest is opened with synchronous=OFF and
// journal_mode=OFF: the copy need not survive an OS crash, since on crash
// src remains the canonical document.
func Snapshot(src, dest string, opts Options) (err error) {
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale snapshot %s: %w", dest, err)
	}

	opts.emit(Event{Action: ActionOpen, Phase: PhaseBefore})

	destConn, err := openRaw(dest, sqlite3.SQLITE_OPEN_READWRITE|sqlite3.SQLITE_OPEN_CREATE)
	if err != nil {
		return fmt.Errorf("%w: open dest: %v", ErrBackupFailed, err)
	}
	defer func() {
		if err != nil {
			os.Remove(dest)
		}
	}()
	defer destConn.close()

	if execErr := destConn.exec("PRAGMA synchronous=OFF"); execErr != nil {
		return fmt.Errorf("%w: %v", ErrBackupFailed, execErr)
	}
	if execErr := destConn.exec("PRAGMA journal_mode=OFF"); execErr != nil {
		return fmt.Errorf("%w: %v", ErrBackupFailed, execErr)
	}

	srcConn, err := openRaw(src, sqlite3.SQLITE_OPEN_READONLY)
	if err != nil {
		return fmt.Errorf("%w: open src: %v", ErrBackupFailed, err)
	}
	defer srcConn.close()

	opts.emit(Event{Action: ActionOpen, Phase: PhaseAfter})

	b, err := startBackup(destConn, srcConn)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackupFailed, err)
	}

	throttle := newLogThrottle(time.Second)
	lastRemaining := int32(-1)
	pages := opts.pagesPerStep()
	delay := opts.stepDelay()

	for {
		opts.emit(Event{Action: ActionStep, Phase: PhaseBefore})
		rc := b.step(pages)
		opts.emit(Event{Action: ActionStep, Phase: PhaseAfter})

		switch rc {
		case sqlite3.SQLITE_DONE:
			opts.emit(Event{Action: ActionClose, Phase: PhaseBefore})
			b.finish()
			opts.emit(Event{Action: ActionClose, Phase: PhaseAfter})
			return nil

		case sqlite3.SQLITE_OK:
			remaining := b.remaining()
			if lastRemaining >= 0 && remaining > lastRemaining {
				throttle.log("backup restarted", func() {
					logrus.WithFields(logrus.Fields{"src": src, "dest": dest}).
						Debug("sqlite backup restarted: a writer interrupted the copy")
				})
			}
			lastRemaining = remaining
			time.Sleep(delay)

		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			throttle.log("backup busy", func() {
				logrus.WithFields(logrus.Fields{"src": src, "dest": dest}).
					Debug("sqlite backup step hit a transient lock, retrying")
			})
			time.Sleep(delay)

		default:
			b.finish()
			return fmt.Errorf("%w: backup_step rc=%d: %s", ErrBackupFailed, rc, destConn.errmsg())
		}
	}
}

// logThrottle deduplicates repeated log lines to at most once per interval
// per distinct key, matching the spec's "log at most once per second"
// requirement for busy/restart messages.
type logThrottle struct {
	interval time.Duration
	last     map[string]time.Time
}

func newLogThrottle(interval time.Duration) *logThrottle {
	return &logThrottle{interval: interval, last: make(map[string]time.Time)}
}

func (t *logThrottle) log(key string, fn func()) {
	now := time.Now()
	if prev, ok := t.last[key]; ok && now.Sub(prev) < t.interval {
		return
	}
	t.last[key] = now
	fn()
}
