package syncengine

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresTableName        = "syncengine_blobs"
	postgresOperationTimeout = 5 * time.Second
)

// PostgresStore backs the LocalStore with Postgres for server-side
// deployments where the engine runs next to the application backend.
type PostgresStore struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{
		dsn:       dsn,
		tableName: postgresTableName,
		openDB:    sql.Open,
	}, nil
}

func (s *PostgresStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		_, err = db.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS `+postgresQuoteIdentifier(s.tableName)+` (
				blob_key TEXT PRIMARY KEY,
				payload BYTEA NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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

func (s *PostgresStore) Get(key string) ([]byte, bool, error) {
	if err := s.ensureReady(); err != nil {
		return nil, false, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM `+postgresQuoteIdentifier(s.tableName)+` WHERE blob_key = $1`, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return payload, true, nil
}

func (s *PostgresStore) Put(key string, payload []byte) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO `+postgresQuoteIdentifier(s.tableName)+` (blob_key, payload, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (blob_key)
		DO UPDATE SET payload = EXCLUDED.payload, updated_at = NOW()`, key, payload)
	return storageErr(err)
}

func (s *PostgresStore) Delete(key string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM `+postgresQuoteIdentifier(s.tableName)+` WHERE blob_key = $1`, key)
	return err
}

func (s *PostgresStore) ListByPrefix(prefix string) ([]StoredEntry, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		SELECT blob_key, payload FROM `+postgresQuoteIdentifier(s.tableName)+`
		WHERE blob_key >= $1 AND blob_key < $2
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

func (s *PostgresStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func postgresQuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
