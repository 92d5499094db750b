package syncengine

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const (
	sqliteTableName        = "syncengine_blobs"
	sqliteOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// SQLiteStore is the default durable LocalStore: an embedded database file,
// the process-side analogue of the browser's IndexedDB.
type SQLiteStore struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &SQLiteStore{
		dsn:       path,
		tableName: sqliteTableName,
		openDB:    sql.Open,
	}, nil
}

func (s *SQLiteStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("sqlite", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		// A single writer keeps "database is locked" errors out of the
		// concurrent queue/cache paths.
		db.SetMaxOpenConns(1)
		ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
		defer cancel()
		_, err = db.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS `+s.tableName+` (
				blob_key TEXT PRIMARY KEY,
				payload BLOB NOT NULL,
				updated_at TEXT NOT NULL
			)`)
		if err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *SQLiteStore) Get(key string) ([]byte, bool, error) {
	if err := s.ensureReady(); err != nil {
		return nil, false, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM `+s.tableName+` WHERE blob_key = ?`, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return payload, true, nil
}

func (s *SQLiteStore) Put(key string, payload []byte) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO `+s.tableName+` (blob_key, payload, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (blob_key)
		DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		key, payload, time.Now().UTC().Format(time.RFC3339Nano))
	return storageErr(err)
}

func (s *SQLiteStore) Delete(key string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `DELETE FROM `+s.tableName+` WHERE blob_key = ?`, key)
	return err
}

func (s *SQLiteStore) ListByPrefix(prefix string) ([]StoredEntry, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		SELECT blob_key, payload FROM `+s.tableName+`
		WHERE blob_key >= ? AND blob_key < ?
		ORDER BY blob_key ASC`, prefix, prefixUpperBound(prefix))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries := make([]StoredEntry, 0)
	for rows.Next() {
		var entry StoredEntry
		if err := rows.Scan(&entry.Key, &entry.Payload); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// prefixUpperBound returns the smallest string greater than every key with
// the given prefix, for range scans over an ordered key column.
func prefixUpperBound(prefix string) string {
	if prefix == "" {
		return "￿"
	}
	bound := []byte(prefix)
	for i := len(bound) - 1; i >= 0; i-- {
		if bound[i] < 0xff {
			bound[i]++
			return string(bound[:i+1])
		}
	}
	return prefix + "￿"
}
