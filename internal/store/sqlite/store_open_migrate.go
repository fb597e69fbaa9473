// Package sqlite persists the license set in a SQLite database. It implements
// store.Persister: every save replaces all rows in one transaction after
// copying the previous generation to a backup database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// BackupSuffix is appended to the database path to name the backup copy.
const BackupSuffix = ".backup"

// Store wraps a SQLite database connection for license persistence.
type Store struct {
	db   *sql.DB
	path string
	log  *slog.Logger

	selectAllStmt *sql.Stmt
}

const defaultMaxOpenConns = 4
const defaultMaxIdleConns = 4

const selectAllLicensesQuery = `
SELECT hwid, license_key, active, status, registered_at, last_checked, last_download,
 revoked_at, revoke_reason, registrations, downloads, last_user, last_ip
FROM licenses
ORDER BY hwid`

// OpenOptions controls SQLite connection pool sizing.
type OpenOptions struct {
	MaxOpenConns int
	MaxIdleConns int
	Logger       *slog.Logger
}

// Open creates or opens the SQLite database at path, runs migrations, and
// enables WAL mode.
func Open(path string) (*Store, error) {
	return OpenWithOptions(path, OpenOptions{})
}

// OpenWithOptions creates or opens the SQLite database at path with tunable
// connection pool settings, runs migrations, and enables WAL mode.
//
// An existing file that SQLite cannot set up (not a database, failed
// migration) is logged at error level, renamed to <path>.corrupt-<unix>
// together with its WAL sidecars, and replaced by a fresh empty database.
func OpenWithOptions(path string, opts OpenOptions) (*Store, error) {
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s, err := openDB(path, opts, logger)
	if err == nil || isMemoryPath(path) {
		return s, err
	}
	file := dbFilePath(path)
	if _, statErr := os.Stat(file); statErr != nil {
		return nil, err
	}
	quarantined, moveErr := quarantine(file, time.Now())
	if moveErr != nil {
		return nil, errors.Join(err, moveErr)
	}
	logger.Error("license database unreadable; moved aside and starting empty",
		"path", path, "moved_to", quarantined, "err", err)
	return openDB(path, opts, logger)
}

func openDB(path string, opts OpenOptions, logger *slog.Logger) (*Store, error) {
	// Append per-connection PRAGMAs to the DSN so every pooled connection gets them.
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_pragma=synchronous(full)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	maxOpenConns := opts.MaxOpenConns
	if maxOpenConns <= 0 {
		maxOpenConns = defaultMaxOpenConns
	}
	maxIdleConns := opts.MaxIdleConns
	if maxIdleConns <= 0 {
		maxIdleConns = defaultMaxIdleConns
	}
	if maxIdleConns > maxOpenConns {
		maxIdleConns = maxOpenConns
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)

	// journal_mode and busy_timeout are database-wide; set them once here.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite setup (%s): %w", pragma, err)
		}
	}

	s := &Store{db: db, path: path, log: logger}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.prepareStatements(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// quarantine renames file and any -wal/-shm sidecars to a .corrupt-<unix>
// name and returns the new main file path.
func quarantine(file string, now time.Time) (string, error) {
	target := file + ".corrupt-" + strconv.FormatInt(now.Unix(), 10)
	if err := os.Rename(file, target); err != nil {
		return "", fmt.Errorf("move corrupt database aside: %w", err)
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Rename(file+suffix, target+suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return target, fmt.Errorf("move corrupt database %s aside: %w", suffix, err)
		}
	}
	return target, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	stmtErr := s.closePreparedStatements()
	return errors.Join(stmtErr, s.db.Close())
}

// BackupPath returns the path of the previous-generation copy.
func (s *Store) BackupPath() string {
	return dbFilePath(s.path) + BackupSuffix
}

func (s *Store) prepareStatements(ctx context.Context) error {
	var err error
	if s.selectAllStmt, err = s.db.PrepareContext(ctx, selectAllLicensesQuery); err != nil {
		return fmt.Errorf("prepare select licenses query: %w", err)
	}
	return nil
}

func (s *Store) closePreparedStatements() error {
	return closeStmt(&s.selectAllStmt)
}

func closeStmt(stmt **sql.Stmt) error {
	if stmt == nil || *stmt == nil {
		return nil
	}
	err := (*stmt).Close()
	*stmt = nil
	return err
}

// Migrate creates the licenses table and its indexes if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS licenses (
	hwid TEXT PRIMARY KEY,
	license_key TEXT NOT NULL,
	active INTEGER NOT NULL,
	status TEXT NOT NULL,
	registered_at TEXT NOT NULL,
	last_checked TEXT NULL,
	last_download TEXT NULL,
	revoked_at TEXT NULL,
	revoke_reason TEXT NULL,
	registrations INTEGER NOT NULL DEFAULT 0,
	downloads INTEGER NOT NULL DEFAULT 0,
	last_user TEXT NULL,
	last_ip TEXT NULL
);
CREATE INDEX IF NOT EXISTS idx_licenses_status ON licenses(status);
CREATE INDEX IF NOT EXISTS idx_licenses_last_checked ON licenses(last_checked DESC);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("migrate licenses: %w", err)
	}
	return nil
}
