// Copyright 2025 The TupleKV Authors
// This file is part of TupleKV.
//
// TupleKV is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// TupleKV is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with TupleKV. If not, see <http://www.gnu.org/licenses/>.

package kvstore

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"modernc.org/sqlite"
)

// maxTxRetries caps the busy-retry loop per call; past it the caller sees
// ErrContention.
const maxTxRetries = 10

// SQLiteStore is the durable driver. Multiple handles, same process or not,
// may share one database file; BEGIN IMMEDIATE transactions contend on the
// engine's exclusive lock and busy errors are retried with jittered
// exponential backoff.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	log    *zap.Logger
	closed atomic.Bool

	notifyMu sync.RWMutex
	notify   func()
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) the database file at path and runs
// the idempotent DDL. The logger may be nil.
func OpenSQLite(path string, log *zap.Logger) (*SQLiteStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "kvstore: open sqlite")
	}
	// One connection keeps in-process callers off the engine's busy path;
	// cross-process contention is still resolved by the retry loop.
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, errors.Wrapf(err, "kvstore: %s", pragma)
		}
	}
	for _, stmt := range ddl {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, errors.Wrap(err, "kvstore: create tables")
		}
	}
	log.Debug("sqlite store opened", zap.String("path", path),
		zap.Uint32("schema_major", DBSchemaVersion.Major))
	return &SQLiteStore{db: db, path: path, log: log}, nil
}

func (s *SQLiteStore) Path() string { return s.path }

// SetNotify installs the post-commit callback.
func (s *SQLiteStore) SetNotify(fn func()) {
	s.notifyMu.Lock()
	s.notify = fn
	s.notifyMu.Unlock()
}

func (s *SQLiteStore) fireNotify() {
	s.notifyMu.RLock()
	fn := s.notify
	s.notifyMu.RUnlock()
	if fn != nil {
		fn()
	}
}

func (s *SQLiteStore) Get(ctx context.Context, key []byte, nowMs int64) (*Row, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT value, versionstamp, expires_at FROM `+KVStore+`
		 WHERE key_bytes = ? AND (expires_at IS NULL OR expires_at > ?)`,
		key, nowMs)
	out := Row{Key: append([]byte(nil), key...)}
	var expires sql.NullInt64
	err := row.Scan(&out.Value, &out.Versionstamp, &expires)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "kvstore: get")
	}
	out.ExpiresAt = expires.Int64
	return &out, nil
}

func (s *SQLiteStore) RangeScan(ctx context.Context, start, end, exclude []byte, nowMs int64, limit int, reverse bool) ([]Row, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	order := "ASC"
	if reverse {
		order = "DESC"
	}
	// A nil bound would bind as NULL; the empty blob is the real floor.
	if start == nil {
		start = []byte{}
	}
	if end == nil {
		end = []byte{}
	}
	q := `SELECT key_bytes, value, versionstamp, expires_at FROM ` + KVStore + `
	      WHERE key_bytes >= ? AND key_bytes < ?
	        AND (expires_at IS NULL OR expires_at > ?)`
	args := []any{start, end, nowMs}
	if exclude != nil {
		q += ` AND key_bytes <> ?`
		args = append(args, exclude)
	}
	q += ` ORDER BY key_bytes ` + order
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "kvstore: range scan")
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var expires sql.NullInt64
		if err := rows.Scan(&r.Key, &r.Value, &r.Versionstamp, &expires); err != nil {
			return nil, errors.Wrap(err, "kvstore: range scan row")
		}
		r.ExpiresAt = expires.Int64
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "kvstore: range scan")
}

// sqliteTx runs mutations on the transaction's connection. wrote tracks
// whether watchers need a post-commit notification.
type sqliteTx struct {
	ctx   context.Context
	conn  *sql.Conn
	wrote bool
}

func (tx *sqliteTx) Get(key []byte, nowMs int64) (*Row, error) {
	row := tx.conn.QueryRowContext(tx.ctx,
		`SELECT value, versionstamp, expires_at FROM `+KVStore+`
		 WHERE key_bytes = ? AND (expires_at IS NULL OR expires_at > ?)`,
		key, nowMs)
	out := Row{Key: append([]byte(nil), key...)}
	var expires sql.NullInt64
	err := row.Scan(&out.Value, &out.Versionstamp, &expires)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "kvstore: tx get")
	}
	out.ExpiresAt = expires.Int64
	return &out, nil
}

func (tx *sqliteTx) Put(row Row) error {
	var expires any
	if row.ExpiresAt != 0 {
		expires = row.ExpiresAt
	}
	_, err := tx.conn.ExecContext(tx.ctx,
		`INSERT INTO `+KVStore+` (key_bytes, value, versionstamp, expires_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (key_bytes) DO UPDATE SET
		   value = excluded.value,
		   versionstamp = excluded.versionstamp,
		   expires_at = excluded.expires_at`,
		row.Key, row.Value, row.Versionstamp, expires)
	if err != nil {
		return errors.Wrap(err, "kvstore: tx put")
	}
	tx.wrote = true
	return nil
}

func (tx *sqliteTx) Delete(key []byte) error {
	_, err := tx.conn.ExecContext(tx.ctx, `DELETE FROM `+KVStore+` WHERE key_bytes = ?`, key)
	if err != nil {
		return errors.Wrap(err, "kvstore: tx delete")
	}
	tx.wrote = true
	return nil
}

func (s *SQLiteStore) WithTransaction(ctx context.Context, body func(tx Tx) error) error {
	if s.closed.Load() {
		return ErrClosed
	}
	var wrote bool
	err := s.retryBusy(ctx, "transaction", func() error {
		w, err := s.runTransaction(ctx, body)
		wrote = w
		return err
	})
	if err != nil {
		return err
	}
	if wrote {
		s.fireNotify()
	}
	return nil
}

// runTransaction is a single attempt: BEGIN IMMEDIATE, body, COMMIT.
func (s *SQLiteStore) runTransaction(ctx context.Context, body func(tx Tx) error) (bool, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return false, errors.Wrap(err, "kvstore: acquire connection")
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return false, err
	}
	tx := &sqliteTx{ctx: ctx, conn: conn}
	if err := body(tx); err != nil {
		_, _ = conn.ExecContext(ctx, "ROLLBACK")
		return false, err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		_, _ = conn.ExecContext(ctx, "ROLLBACK")
		return false, err
	}
	return tx.wrote, nil
}

func (s *SQLiteStore) IncrementSequence(ctx context.Context) (uint64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	var seq uint64
	err := s.retryBusy(ctx, "sequence", func() error {
		conn, err := s.db.Conn(ctx)
		if err != nil {
			return errors.Wrap(err, "kvstore: acquire connection")
		}
		defer conn.Close()

		if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
			return err
		}
		if _, err := conn.ExecContext(ctx,
			`UPDATE `+VersionstampSequence+` SET sequence = sequence + 1 WHERE id = 1`); err != nil {
			_, _ = conn.ExecContext(ctx, "ROLLBACK")
			return err
		}
		if err := conn.QueryRowContext(ctx,
			`SELECT sequence FROM `+VersionstampSequence+` WHERE id = 1`).Scan(&seq); err != nil {
			_, _ = conn.ExecContext(ctx, "ROLLBACK")
			return err
		}
		if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
			_, _ = conn.ExecContext(ctx, "ROLLBACK")
			return err
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// retryBusy runs op, retrying SQLITE_BUSY/SQLITE_LOCKED conditions with
// jittered exponential backoff up to maxTxRetries retries, then surfaces
// ErrContention. Other errors abort immediately.
func (s *SQLiteStore) retryBusy(ctx context.Context, what string, op func() error) error {
	attempt := 0
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 5 * time.Millisecond
	bo.MaxInterval = 250 * time.Millisecond
	bo.MaxElapsedTime = 0

	err := backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !isBusy(err) {
			return backoff.Permanent(err)
		}
		attempt++
		s.log.Debug("store busy, backing off",
			zap.String("op", what), zap.Int("attempt", attempt), zap.Error(err))
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, maxTxRetries), ctx))
	if err == nil {
		return nil
	}
	if isBusy(err) {
		return errors.Wrapf(ErrContention, "%s after %d attempts", what, attempt)
	}
	return err
}

// SQLite primary result codes (and the busy extensions) that mean "locked
// right now, try again".
func isBusy(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case 5, 6, 261, 517: // BUSY, LOCKED, BUSY_RECOVERY, BUSY_SNAPSHOT
		return true
	}
	return false
}

func (s *SQLiteStore) Cleanup(ctx context.Context, nowMs int64) error {
	if s.closed.Load() {
		return ErrClosed
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM `+KVStore+` WHERE expires_at IS NOT NULL AND expires_at <= ?`, nowMs)
	if err != nil {
		return errors.Wrap(err, "kvstore: cleanup")
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.log.Debug("cleanup removed expired rows", zap.Int64("rows", n))
	}
	return nil
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM `+KVStore)
	return errors.Wrap(err, "kvstore: clear")
}

func (s *SQLiteStore) Count(ctx context.Context, nowMs int64) (int64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM `+KVStore+` WHERE expires_at IS NULL OR expires_at > ?`, nowMs).Scan(&n)
	return n, errors.Wrap(err, "kvstore: count")
}

// Destroy closes the handle and removes the database file with its WAL and
// shared-memory sidecars.
func (s *SQLiteStore) Destroy(context.Context) error {
	if err := s.Close(); err != nil {
		return err
	}
	for _, p := range []string{s.path, s.path + "-wal", s.path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "kvstore: destroy %s", p)
		}
	}
	s.log.Debug("sqlite store destroyed", zap.String("path", s.path))
	return nil
}

func (s *SQLiteStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return errors.Wrap(s.db.Close(), "kvstore: close")
}
