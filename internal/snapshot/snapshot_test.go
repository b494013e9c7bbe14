package snapshot

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func createTestDB(t *testing.T, path string) *sql.DB {
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE docs (id INTEGER PRIMARY KEY, body TEXT)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO docs (body) VALUES (?)`, "hello world")
	require.NoError(t, err)
	return db
}

func TestSnapshotCopiesContent(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "doc.grist")
	destPath := filepath.Join(dir, "doc.grist-backup")

	db := createTestDB(t, srcPath)
	defer db.Close()

	err := Snapshot(srcPath, destPath, Options{})
	require.NoError(t, err)

	destDB, err := sql.Open("sqlite", destPath)
	require.NoError(t, err)
	defer destDB.Close()

	var body string
	require.NoError(t, destDB.QueryRow(`SELECT body FROM docs LIMIT 1`).Scan(&body))
	assert.Equal(t, "hello world", body)
}

func TestSnapshotRemovesStaleDest(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "doc.grist")
	destPath := filepath.Join(dir, "doc.grist-backup")

	db := createTestDB(t, srcPath)
	defer db.Close()

	require.NoError(t, os.WriteFile(destPath, []byte("stale garbage"), 0644))

	require.NoError(t, Snapshot(srcPath, destPath, Options{}))

	destDB, err := sql.Open("sqlite", destPath)
	require.NoError(t, err)
	defer destDB.Close()
	var count int
	require.NoError(t, destDB.QueryRow(`SELECT COUNT(*) FROM docs`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestSnapshotFailureRemovesPartialDest(t *testing.T) {
	dir := t.TempDir()
	destPath := filepath.Join(dir, "doc.grist-backup")

	err := Snapshot(filepath.Join(dir, "does-not-exist.grist"), destPath, Options{})
	require.Error(t, err)
	_, statErr := os.Stat(destPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestSnapshotEmitsProgress(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "doc.grist")
	destPath := filepath.Join(dir, "doc.grist-backup")

	db := createTestDB(t, srcPath)
	defer db.Close()

	var events []Event
	err := Snapshot(srcPath, destPath, Options{
		Progress: func(e Event) { events = append(events, e) },
	})
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, Event{Action: ActionOpen, Phase: PhaseBefore}, events[0])
	assert.Equal(t, Event{Action: ActionClose, Phase: PhaseAfter}, events[len(events)-1])
}
