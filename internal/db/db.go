// Package db provides database connection management and operations.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects SQL flavour differences between backends.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

const (
	// DefaultFileName is the database file created under a data directory.
	DefaultFileName = "syncd.db"

	connectTimeout = 5 * time.Second
)

// DB wraps the sql.DB with the dialect it speaks.
type DB struct {
	*sql.DB
	Dialect Dialect
}

// Open opens the SQLite database under dataDir, creating the directory if
// needed.
func Open(dataDir string) (*DB, error) {
	// Ensure data directory exists
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return OpenSQLite(filepath.Join(dataDir, DefaultFileName))
}

// OpenSQLite opens a SQLite database at path. ":memory:" opens a private
// in-memory database.
// The database is opened with:
// - WAL mode for concurrent reads/writes
// - Foreign key constraints enabled
// - A single connection, since SQLite allows one writer
func OpenSQLite(path string) (*DB, error) {
	// Open database with modernc.org/sqlite (pure Go, no CGO)
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection
	db.SetMaxOpenConns(1) // SQLite doesn't support multiple writers
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if path != ":memory:" {
		// Enable WAL mode for better concurrency
		if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	// Enable foreign key constraints
	if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return &DB{DB: db, Dialect: DialectSQLite}, nil
}

// OpenPostgres connects to PostgreSQL through lib/pq.
func OpenPostgres(dsn string) (*DB, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}
	return &DB{DB: db, Dialect: DialectPostgres}, nil
}

// OpenDSN opens a database from a DSN. Supported forms:
//
//	memory: or :memory:           in-memory SQLite
//	sqlite:///path/to/file.db     SQLite file
//	file:///path or a bare path   SQLite file
//	postgres://... postgresql://  PostgreSQL
func OpenDSN(dsn string) (*DB, error) {
	dsn = strings.TrimSpace(dsn)
	switch strings.ToLower(dsn) {
	case "", "memory", "memory:", ":memory:", "mem", "inmem":
		return OpenSQLite(":memory:")
	}
	parsed, err := url.Parse(dsn)
	if err != nil || parsed.Scheme == "" {
		return openSQLiteFile(dsn)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return OpenPostgres(dsn)
	case "sqlite", "sqlite3", "file":
		path := parsed.Path
		if parsed.Opaque != "" {
			path = parsed.Opaque
		}
		if path == "" {
			path = parsed.Host
		}
		if path == "" {
			return nil, fmt.Errorf("sqlite dsn %q has no path", dsn)
		}
		return openSQLiteFile(path)
	default:
		return nil, fmt.Errorf("unsupported database scheme: %s", parsed.Scheme)
	}
}

func openSQLiteFile(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	return OpenSQLite(path)
}

// Rebind converts ? placeholders to the dialect's form.
func (db *DB) Rebind(query string) string {
	return rebind(db.Dialect, query)
}

func rebind(d Dialect, query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
