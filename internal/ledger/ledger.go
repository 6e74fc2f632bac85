// Package ledger remembers which local files were uploaded to which Drive
// file, so repeated puts can skip unchanged files and update existing ones
// in place instead of creating duplicates.
package ledger

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/pressly/goose/v3"
	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	sqlLookup = `SELECT local_path, file_id, parent_id, title, etag, md5,
		size, mtime, uploaded_at
		FROM uploads WHERE local_path = ?`

	sqlUpsert = `INSERT INTO uploads
		(local_path, file_id, parent_id, title, etag, md5, size, mtime, uploaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(local_path) DO UPDATE SET
		 file_id = excluded.file_id,
		 parent_id = excluded.parent_id,
		 title = excluded.title,
		 etag = excluded.etag,
		 md5 = excluded.md5,
		 size = excluded.size,
		 mtime = excluded.mtime,
		 uploaded_at = excluded.uploaded_at`

	sqlForget = `DELETE FROM uploads WHERE local_path = ?`
)

// ErrNotRecorded is returned by Lookup for a path with no upload on record.
var ErrNotRecorded = errors.New("ledger: path not recorded")

// Entry is one uploaded file.
type Entry struct {
	LocalPath  string
	FileID     string
	ParentID   string
	Title      string
	ETag       string
	MD5        string
	Size       int64
	ModTime    time.Time
	UploadedAt time.Time
}

// Unchanged reports whether a local file with the given size and
// modification time still matches the recorded upload. Modification times
// are compared at nanosecond resolution.
func (e *Entry) Unchanged(size int64, modTime time.Time) bool {
	return e.Size == size && e.ModTime.UnixNano() == modTime.UnixNano()
}

// Ledger is the sole writer to the upload database.
type Ledger struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time
}

// Open opens (creating if needed) the SQLite database at path and applies
// pending migrations. The database runs in WAL mode with synchronous=FULL.
func Open(path string, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=busy_timeout(5000)",
		path,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: opening database %s: %w", path, err)
	}

	db.SetMaxOpenConns(1)

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("upload ledger opened", slog.String("db_path", path))

	return &Ledger{db: db, logger: logger, nowFunc: time.Now}, nil
}

func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("ledger: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("ledger: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("ledger: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}

// Lookup returns the recorded upload for localPath, or ErrNotRecorded.
func (l *Ledger) Lookup(ctx context.Context, localPath string) (*Entry, error) {
	var (
		e          Entry
		parentID   sql.NullString
		etag       sql.NullString
		md5        sql.NullString
		mtime      int64
		uploadedAt int64
	)

	err := l.db.QueryRowContext(ctx, sqlLookup, localPath).Scan(
		&e.LocalPath, &e.FileID, &parentID, &e.Title, &etag, &md5,
		&e.Size, &mtime, &uploadedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotRecorded
	}

	if err != nil {
		return nil, fmt.Errorf("ledger: looking up %s: %w", localPath, err)
	}

	e.ParentID = parentID.String
	e.ETag = etag.String
	e.MD5 = md5.String
	e.ModTime = time.Unix(0, mtime)
	e.UploadedAt = time.Unix(0, uploadedAt)

	return &e, nil
}

// Record stores e, replacing any earlier upload of the same local path.
// A zero UploadedAt is set to the current time.
func (l *Ledger) Record(ctx context.Context, e Entry) error {
	if e.LocalPath == "" || e.FileID == "" {
		return fmt.Errorf("ledger: record needs a local path and a file id")
	}

	if e.UploadedAt.IsZero() {
		e.UploadedAt = l.nowFunc()
	}

	_, err := l.db.ExecContext(ctx, sqlUpsert,
		e.LocalPath, e.FileID, nullString(e.ParentID), e.Title,
		nullString(e.ETag), nullString(e.MD5),
		e.Size, e.ModTime.UnixNano(), e.UploadedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("ledger: recording %s: %w", e.LocalPath, err)
	}

	l.logger.Debug("recorded upload",
		slog.String("path", e.LocalPath),
		slog.String("file_id", e.FileID),
	)

	return nil
}

// Forget drops the record for localPath. Forgetting an unknown path is not
// an error.
func (l *Ledger) Forget(ctx context.Context, localPath string) error {
	if _, err := l.db.ExecContext(ctx, sqlForget, localPath); err != nil {
		return fmt.Errorf("ledger: forgetting %s: %w", localPath, err)
	}

	return nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
