package snapshot

import (
	"fmt"
	"unsafe"

	"modernc.org/libc"
	sqlite3 "modernc.org/sqlite/lib"
)

// rawConn is a direct, database/sql-bypassing handle to a SQLite database
// file, opened through the same translated-C surface modernc.org/sqlite
// itself is built on. The backup API has no exported wrapper in the
// high-level driver, so the source and destination connections used for a
// snapshot are opened here instead of borrowed from a *sql.DB pool.
type rawConn struct {
	tls *libc.TLS
	db  uintptr
}

func openRaw(path string, flags int32) (*rawConn, error) {
	tls := libc.NewTLS()

	cPath, err := libc.CString(path)
	if err != nil {
		tls.Close()
		return nil, fmt.Errorf("allocate path: %w", err)
	}
	defer libc.Xfree(tls, cPath)

	var dbPtr uintptr
	rc := sqlite3.Xsqlite3_open_v2(tls, cPath, uintptr(unsafe.Pointer(&dbPtr)), flags, 0)
	if rc != sqlite3.SQLITE_OK {
		if dbPtr != 0 {
			sqlite3.Xsqlite3_close(tls, dbPtr)
		}
		tls.Close()
		return nil, fmt.Errorf("sqlite3_open_v2(%s): %s", path, rcString(rc))
	}

	return &rawConn{tls: tls, db: dbPtr}, nil
}

// exec runs a statement with no result rows, e.g. a PRAGMA.
func (c *rawConn) exec(sql string) error {
	cSQL, err := libc.CString(sql)
	if err != nil {
		return err
	}
	defer libc.Xfree(c.tls, cSQL)

	rc := sqlite3.Xsqlite3_exec(c.tls, c.db, cSQL, 0, 0, 0)
	if rc != sqlite3.SQLITE_OK {
		return fmt.Errorf("exec %q: %s", sql, c.errmsg())
	}
	return nil
}

func (c *rawConn) errmsg() string {
	p := sqlite3.Xsqlite3_errmsg(c.tls, c.db)
	if p == 0 {
		return "unknown sqlite error"
	}
	return libc.GoString(p)
}

func (c *rawConn) errcode() int32 {
	return sqlite3.Xsqlite3_errcode(c.tls, c.db)
}

func (c *rawConn) close() {
	sqlite3.Xsqlite3_close(c.tls, c.db)
	c.tls.Close()
}

func rcString(rc int32) string {
	switch rc {
	case sqlite3.SQLITE_BUSY:
		return "database is locked (busy)"
	case sqlite3.SQLITE_LOCKED:
		return "database table is locked"
	case sqlite3.SQLITE_CANTOPEN:
		return "unable to open database file"
	default:
		return fmt.Sprintf("sqlite rc=%d", rc)
	}
}
