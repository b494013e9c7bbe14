package snapshot

import (
	"fmt"

	"modernc.org/libc"
	sqlite3 "modernc.org/sqlite/lib"
)

// backup drives one SQLite online-backup session (sqlite3_backup_*) copying
// the "main" schema of a source connection into the "main" schema of a
// destination connection, one bounded batch of pages at a time.
type backup struct {
	tls *libc.TLS // shares the destination connection's TLS
	p   uintptr   // sqlite3_backup*
}

func startBackup(dest, src *rawConn) (*backup, error) {
	cDestName, err := libc.CString("main")
	if err != nil {
		return nil, err
	}
	defer libc.Xfree(dest.tls, cDestName)

	cSrcName, err := libc.CString("main")
	if err != nil {
		return nil, err
	}
	defer libc.Xfree(src.tls, cSrcName)

	p := sqlite3.Xsqlite3_backup_init(dest.tls, dest.db, cDestName, src.db, cSrcName)
	if p == 0 {
		return nil, fmt.Errorf("sqlite3_backup_init: %s", dest.errmsg())
	}
	return &backup{tls: dest.tls, p: p}, nil
}

// step copies up to nPages pages. It returns the SQLite result code
// unchanged (SQLITE_OK, SQLITE_DONE, SQLITE_BUSY or SQLITE_LOCKED are all
// expected; anything else is a hard failure the caller must abort on).
func (b *backup) step(nPages int32) int32 {
	return sqlite3.Xsqlite3_backup_step(b.tls, b.p, nPages)
}

// remaining is the page count left to copy as of the last step.
func (b *backup) remaining() int32 {
	return sqlite3.Xsqlite3_backup_remaining(b.tls, b.p)
}

// finish releases the backup object. Safe to call once, after the final
// step (whether it succeeded or failed).
func (b *backup) finish() int32 {
	return sqlite3.Xsqlite3_backup_finish(b.tls, b.p)
}
