package ledger

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testLogWriter adapts testing.T to io.Writer for slog.
type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))

	return len(p), nil
}

func newTestLedger(t *testing.T) (*Ledger, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "ledger.db")
	logger := slog.New(slog.NewTextHandler(&testLogWriter{t: t}, &slog.HandlerOptions{Level: slog.LevelDebug}))

	l, err := Open(path, logger)
	require.NoError(t, err)

	t.Cleanup(func() {
		assert.NoError(t, l.Close())
	})

	return l, path
}

func TestOpen_WALMode(t *testing.T) {
	l, _ := newTestLedger(t)

	var mode string
	require.NoError(t, l.db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()

	l, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, l.Record(ctx, Entry{LocalPath: "/a", FileID: "F", Title: "a", Size: 1}))
	require.NoError(t, l.Close())

	again, err := Open(path, nil)
	require.NoError(t, err)
	defer again.Close()

	e, err := again.Lookup(ctx, "/a")
	require.NoError(t, err)
	assert.Equal(t, "F", e.FileID)
}

func TestLookup_NotRecorded(t *testing.T) {
	l, _ := newTestLedger(t)

	_, err := l.Lookup(context.Background(), "/missing")
	assert.ErrorIs(t, err, ErrNotRecorded)
}

func TestRecord_RoundTripAndReplace(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	l.nowFunc = func() time.Time { return now }

	mtime := time.Date(2024, 4, 30, 8, 15, 0, 123456789, time.UTC)

	require.NoError(t, l.Record(ctx, Entry{
		LocalPath: "/data/a.txt",
		FileID:    "F1",
		ParentID:  "root",
		Title:     "a.txt",
		ETag:      `"e1"`,
		Size:      42,
		ModTime:   mtime,
	}))

	e, err := l.Lookup(ctx, "/data/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "F1", e.FileID)
	assert.Equal(t, "root", e.ParentID)
	assert.Equal(t, `"e1"`, e.ETag)
	assert.Empty(t, e.MD5)
	assert.True(t, e.ModTime.Equal(mtime))
	assert.True(t, e.UploadedAt.Equal(now))
	assert.True(t, e.Unchanged(42, mtime))
	assert.False(t, e.Unchanged(43, mtime))
	assert.False(t, e.Unchanged(42, mtime.Add(time.Second)))

	require.NoError(t, l.Record(ctx, Entry{LocalPath: "/data/a.txt", FileID: "F1", Title: "a.txt", ETag: `"e2"`, Size: 50}))

	e, err = l.Lookup(ctx, "/data/a.txt")
	require.NoError(t, err)
	assert.Equal(t, `"e2"`, e.ETag)
	assert.Equal(t, int64(50), e.Size)
	assert.Empty(t, e.ParentID)
}

func TestRecord_RequiresIdentity(t *testing.T) {
	l, _ := newTestLedger(t)

	assert.Error(t, l.Record(context.Background(), Entry{LocalPath: "/a"}))
	assert.Error(t, l.Record(context.Background(), Entry{FileID: "F"}))
}

func TestForget(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, Entry{LocalPath: "/a", FileID: "F", Title: "a"}))
	require.NoError(t, l.Forget(ctx, "/a"))
	require.NoError(t, l.Forget(ctx, "/a"))

	_, err := l.Lookup(ctx, "/a")
	assert.ErrorIs(t, err, ErrNotRecorded)
}
