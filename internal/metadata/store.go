package metadata

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

var (
	//go:embed migrations
	migrationsFS embed.FS

	// ErrNotFound is returned when no record exists for a storage key.
	ErrNotFound = errors.New("file metadata not found")

	// ErrStorageKeyConflict is returned when a record with the same storage
	// key already exists.
	ErrStorageKeyConflict = errors.New("storage key already exists")
)

// pgUniqueViolation is the PostgreSQL SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// FileMetadata describes one object uploaded through the gateway.
type FileMetadata struct {
	StorageKey   string    `db:"storage_key" json:"storage_key"`
	OriginalName string    `db:"original_name" json:"original_name"`
	ContentType  string    `db:"content_type" json:"content_type"`
	Size         int64     `db:"size" json:"size"`
	Checksum     string    `db:"checksum" json:"checksum"`
	UploadedAt   time.Time `db:"uploaded_at" json:"uploaded_at"`
}

// Store persists FileMetadata rows in a relational database.
type Store struct {
	db *sqlx.DB
}

// Open connects to the database, applies the schema and returns a Store.
func Open(ctx context.Context, driver string, dsn string) (*Store, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s db: %w", driver, err)
	}

	if driver == "sqlite3" {
		// SQLite allows a single writer.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s db: %w", driver, err)
	}

	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// initSchema applies every embedded SQL file in lexicographical order.
func initSchema(ctx context.Context, db *sqlx.DB) error {
	return fs.WalkDir(migrationsFS, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		content, readError := migrationsFS.ReadFile(path)
		if readError != nil {
			return fmt.Errorf("error reading SQL file: %w", readError)
		}

		slog.Debug("Running migration", "path", path)
		if _, execError := db.ExecContext(ctx, string(content)); execError != nil {
			return fmt.Errorf("migration %s: %w", path, execError)
		}
		return nil
	})
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Create inserts a new record. Records are never updated, so a second insert
// for the same storage key fails with ErrStorageKeyConflict.
func (s *Store) Create(ctx context.Context, m *FileMetadata) error {
	// Postgres keeps microseconds; truncate so the caller's copy matches
	// what a later read returns.
	m.UploadedAt = m.UploadedAt.UTC().Truncate(time.Microsecond)

	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO file_metadata(storage_key, original_name, content_type, size, checksum, uploaded_at)
		 VALUES(:storage_key, :original_name, :content_type, :size, :checksum, :uploaded_at)`,
		m,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrStorageKeyConflict, m.StorageKey)
	}
	if err != nil {
		return fmt.Errorf("insert file metadata %q: %w", m.StorageKey, err)
	}

	return nil
}

// Get returns the record stored under key.
func (s *Store) Get(ctx context.Context, key string) (*FileMetadata, error) {
	var m FileMetadata
	err := s.db.GetContext(ctx, &m, s.db.Rebind(
		`SELECT storage_key, original_name, content_type, size, checksum, uploaded_at
		 FROM file_metadata WHERE storage_key = ?`),
		key,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup file metadata %q: %w", key, err)
	}

	m.UploadedAt = m.UploadedAt.UTC()
	return &m, nil
}

// List returns up to limit records, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]FileMetadata, error) {
	files := []FileMetadata{}
	err := s.db.SelectContext(ctx, &files, s.db.Rebind(
		`SELECT storage_key, original_name, content_type, size, checksum, uploaded_at
		 FROM file_metadata ORDER BY uploaded_at DESC, storage_key DESC LIMIT ?`),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list file metadata: %w", err)
	}

	for i := range files {
		files[i].UploadedAt = files[i].UploadedAt.UTC()
	}
	return files, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == pgUniqueViolation
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}

	return false
}
