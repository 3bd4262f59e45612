package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/dodobot/authrelay/internal/crypto"
	"github.com/dodobot/authrelay/internal/log"
	"github.com/dodobot/authrelay/internal/region"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Ensure SQLiteStorage implements StateStore
var _ StateStore = (*SQLiteStorage)(nil)

// SQLiteStorage persists state records in a SQLite users table keyed by
// chat id. The *sql.DB pool is opened once at startup and each operation
// checks a connection out only for the duration of its statements.
type SQLiteStorage struct {
	db        *sql.DB
	opts      options
	encryptor crypto.Encryptor
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

// NewSQLiteStorage opens (creating if needed) the database at path and
// applies embedded migrations. PKCE verifiers are sealed with encryptor
// before they are written.
func NewSQLiteStorage(ctx context.Context, path string, encryptor crypto.Encryptor, opts ...Option) (*SQLiteStorage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if encryptor == nil {
		return nil, fmt.Errorf("encryptor is required")
	}

	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// single writer; concurrent upserts queue on the pool
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	log.LogInfoWithFields("sqlite", "Opened state database", map[string]any{
		"path": filepath.Clean(path),
	})

	return &SQLiteStorage{
		db:        db,
		opts:      buildOptions(opts),
		encryptor: encryptor,
	}, nil
}

// UpsertState mirrors the original users upsert: INSERT … ON CONFLICT
// (chat_id) DO UPDATE. An expired record holding the same state under a
// different chat id is dropped first so the UNIQUE(state) index only
// rejects live collisions.
func (s *SQLiteStorage) UpsertState(ctx context.Context, rec StateRecord) (*StateRecord, error) {
	if err := validateRecord(rec); err != nil {
		return nil, err
	}

	sealed, err := s.encryptor.Encrypt(rec.CodeVerifier)
	if err != nil {
		return nil, storageErr("upsert", fmt.Errorf("encrypt verifier: %w", err))
	}

	now := s.opts.now()
	rec.UpdatedAt = now
	rec.ExpiresAt = now.Add(s.opts.ttl)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("upsert", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM users WHERE state = ? AND chat_id <> ? AND expires_at <= ?`,
		rec.State, rec.Identity, toMillis(now),
	); err != nil {
		return nil, storageErr("upsert", fmt.Errorf("release expired state: %w", err))
	}

	var createdAt int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO users (chat_id, state, country, code_verifier, created_at, updated_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(chat_id) DO UPDATE SET
		   state = excluded.state,
		   country = excluded.country,
		   code_verifier = excluded.code_verifier,
		   updated_at = excluded.updated_at,
		   expires_at = excluded.expires_at
		 RETURNING created_at`,
		rec.Identity,
		rec.State,
		string(rec.Region),
		sealed,
		toMillis(now),
		toMillis(rec.UpdatedAt),
		toMillis(rec.ExpiresAt),
	).Scan(&createdAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrStateConflict
		}
		return nil, storageErr("upsert", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, storageErr("upsert", fmt.Errorf("commit: %w", err))
	}

	rec.CreatedAt = fromMillis(createdAt)
	rec.UpdatedAt = fromMillis(toMillis(rec.UpdatedAt))
	rec.ExpiresAt = fromMillis(toMillis(rec.ExpiresAt))
	return &rec, nil
}

// FindByState looks the state up among unexpired rows.
func (s *SQLiteStorage) FindByState(ctx context.Context, state string) (*StateRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT chat_id, state, country, code_verifier, created_at, updated_at, expires_at
		 FROM users
		 WHERE state = ? AND expires_at > ?
		 LIMIT 1`,
		state,
		toMillis(s.opts.now()),
	)

	var (
		rec                             StateRecord
		country, sealed                 string
		createdAt, updatedAt, expiresAt int64
	)
	if err := row.Scan(&rec.Identity, &rec.State, &country, &sealed, &createdAt, &updatedAt, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrStateNotFound
		}
		return nil, storageErr("find", err)
	}

	verifier, err := s.encryptor.Decrypt(sealed)
	if err != nil {
		return nil, storageErr("find", fmt.Errorf("decrypt verifier: %w", err))
	}

	rec.Region = region.Region(country)
	rec.CodeVerifier = verifier
	rec.CreatedAt = fromMillis(createdAt)
	rec.UpdatedAt = fromMillis(updatedAt)
	rec.ExpiresAt = fromMillis(expiresAt)
	return &rec, nil
}

// CleanupExpiredStates deletes every row past its expiry.
func (s *SQLiteStorage) CleanupExpiredStates(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE expires_at <= ?`, toMillis(s.opts.now()))
	if err != nil {
		return 0, storageErr("cleanup", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("cleanup", err)
	}
	return int(n), nil
}

// Close closes the SQLite handle.
func (s *SQLiteStorage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
			(code&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(se.Error(), "UNIQUE"))
	}
	return false
}
