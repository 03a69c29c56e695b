// Package store is the on-device SQLite journal of print jobs and admin
// users.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// pragmas applied to every connection. With WAL and synchronous=NORMAL a
// power cut may lose the last commits but leaves the file consistent.
const pragmas = "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)" +
	"&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)"

// DB is the journal handle.
type DB struct {
	*sql.DB
	path string
}

// Open opens (or creates) the journal at path, creating its directory when
// needed, and runs migrations.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("journal dir: %w", err)
		}
	}
	sqlDB, err := sql.Open("sqlite", "file:"+path+"?"+pragmas)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	db := &DB{DB: sqlDB, path: path}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Path returns the journal file.
func (db *DB) Path() string { return db.path }

// Close folds the write-ahead log into the main file and closes the
// journal.
func (db *DB) Close() error {
	if _, err := db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		db.DB.Close()
		return fmt.Errorf("checkpoint: %w", err)
	}
	return db.DB.Close()
}
