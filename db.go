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

// Package tuplekv is an embedded, transactional, ordered key-value store
// with composite typed keys, monotonic versionstamps, optimistic
// check-and-set commits, change notification streams, per-entry expiration
// and a pluggable schema validation layer gating writes.
//
// A database opens over a durable SQLite-backed store, or fully in memory
// when no path is given; both modes share one API and one key wire format.
package tuplekv

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/erigontech/tuplekv/kvstore"
	"github.com/erigontech/tuplekv/schema"
	"github.com/erigontech/tuplekv/serde"
	"github.com/erigontech/tuplekv/stamp"
	"github.com/erigontech/tuplekv/tuple"
)

// maxGetMany caps the key list of GetMany.
const maxGetMany = 10

// Options configures Open. The zero value opens with a no-op logger, the
// default CBOR serializer and no schema registry.
type Options struct {
	// Logger receives debug-level lifecycle and retry events.
	Logger *zap.Logger
	// Registry gates writes; build it with schema.NewBuilder. Immutable
	// once the database is open.
	Registry *schema.Registry
	// Serializer overrides the default CBOR value codec.
	Serializer serde.Serializer
	// Store overrides the driver selection entirely.
	Store kvstore.Store
	// DestroyOnClose destroys the underlying store when Close runs.
	DestroyOnClose bool
	// Clock overrides the wall clock, for tests.
	Clock func() time.Time
}

// DB is a database handle. It exclusively owns its store, serializer,
// schema registry, versionstamp authority and watch subscriptions.
type DB struct {
	store kvstore.Store
	ser   serde.Serializer
	reg   *schema.Registry
	auth  *stamp.Authority
	log   *zap.Logger
	clock func() time.Time

	// commitMu serializes this handle's committing transactions so
	// intra-process interleavings don't burn the store's busy retries.
	commitMu sync.Mutex

	watchMu       sync.Mutex
	watchers      map[uint64]*Watcher
	nextWatcherID uint64

	closed         atomic.Bool
	destroyOnClose bool
}

// Open initializes a database at path, or an in-memory one when path is
// empty. The versionstamp counter row is created if absent and one expired
// row sweep runs before Open returns.
func Open(path string, opts *Options) (*DB, error) {
	if opts == nil {
		opts = &Options{}
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	store := opts.Store
	if store == nil {
		if path == "" {
			store = kvstore.OpenMem(log)
		} else {
			var err error
			store, err = kvstore.OpenSQLite(path, log)
			if err != nil {
				return nil, err
			}
		}
	}

	ser := opts.Serializer
	if ser == nil {
		ser = serde.NewCBOR()
	}

	db := &DB{
		store:          store,
		ser:            ser,
		reg:            opts.Registry,
		log:            log,
		clock:          clock,
		watchers:       map[uint64]*Watcher{},
		destroyOnClose: opts.DestroyOnClose,
	}
	db.auth = stamp.NewWithClock(store, clock)
	store.SetNotify(db.notifyWatchers)

	if err := store.Cleanup(context.Background(), db.nowMs()); err != nil {
		_ = store.Close()
		return nil, err
	}
	log.Debug("database opened",
		zap.String("path", path), zap.Int("schemas", db.reg.Len()))
	return db, nil
}

func (db *DB) nowMs() int64 { return db.clock().UnixMilli() }

func (db *DB) checkClosed() error {
	if db.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Get reads one entry. Absence is not an error: the returned entry carries
// the key with a nil value and empty versionstamp.
func (db *DB) Get(ctx context.Context, key tuple.Key) (Entry, error) {
	if err := db.checkClosed(); err != nil {
		return Entry{}, err
	}
	enc, err := encodeReadKey(key)
	if err != nil {
		return Entry{}, err
	}
	row, err := db.store.Get(ctx, enc, db.nowMs())
	if err != nil {
		return Entry{}, err
	}
	if row == nil {
		return absent(key), nil
	}
	return db.rowToEntry(row)
}

// GetMany reads up to 10 keys. Reads are not snapshot-consistent across
// keys.
func (db *DB) GetMany(ctx context.Context, keys []tuple.Key) ([]Entry, error) {
	if err := db.checkClosed(); err != nil {
		return nil, err
	}
	if len(keys) > maxGetMany {
		return nil, &InvalidKeyError{Reason: "getMany accepts at most 10 keys"}
	}
	out := make([]Entry, 0, len(keys))
	for _, key := range keys {
		e, err := db.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Set writes value under key with a fresh versionstamp and returns the
// stamp.
func (db *DB) Set(ctx context.Context, key tuple.Key, value any) (string, error) {
	res, err := db.Atomic().Set(key, value).Commit(ctx)
	if err != nil {
		return "", err
	}
	return res.Versionstamp, nil
}

// SetWithTTL is Set with an expiry: the entry disappears from reads
// expireIn after the write commits.
func (db *DB) SetWithTTL(ctx context.Context, key tuple.Key, value any, expireIn time.Duration) (string, error) {
	res, err := db.Atomic().SetWithTTL(key, value, expireIn).Commit(ctx)
	if err != nil {
		return "", err
	}
	return res.Versionstamp, nil
}

// Delete removes the entry under key. Deleting an absent key is not an
// error.
func (db *DB) Delete(ctx context.Context, key tuple.Key) error {
	_, err := db.Atomic().Delete(key).Commit(ctx)
	return err
}

// Clear empties the store and notifies watchers.
func (db *DB) Clear(ctx context.Context) error {
	if err := db.checkClosed(); err != nil {
		return err
	}
	if err := db.store.Clear(ctx); err != nil {
		return err
	}
	db.notifyWatchers()
	return nil
}

// Destroy removes the underlying data: files and sidecars for a persistent
// store, all rows for an in-memory one. Watchers are notified.
func (db *DB) Destroy(ctx context.Context) error {
	if err := db.checkClosed(); err != nil {
		return err
	}
	if err := db.store.Destroy(ctx); err != nil {
		return err
	}
	db.notifyWatchers()
	return nil
}

// Cleanup sweeps expired rows now instead of waiting for reads to filter
// them.
func (db *DB) Cleanup(ctx context.Context) error {
	if err := db.checkClosed(); err != nil {
		return err
	}
	return db.store.Cleanup(ctx, db.nowMs())
}

// Stat describes the database.
type Stat struct {
	// Entries is the live row count.
	Entries int64
	// Path is the backing file, empty for in-memory.
	Path string
}

// Stat returns the live row count and backing path.
func (db *DB) Stat(ctx context.Context) (Stat, error) {
	if err := db.checkClosed(); err != nil {
		return Stat{}, err
	}
	n, err := db.store.Count(ctx, db.nowMs())
	if err != nil {
		return Stat{}, err
	}
	return Stat{Entries: n, Path: db.store.Path()}, nil
}

// Close terminates every watcher, destroys the store if the handle was
// opened with DestroyOnClose, and closes the store. Close is idempotent;
// every other operation on a closed handle fails with ErrClosed.
func (db *DB) Close() error {
	if db.closed.Swap(true) {
		return nil
	}
	db.closeAllWatchers()
	var err error
	if db.destroyOnClose {
		err = db.store.Destroy(context.Background())
	}
	if cerr := db.store.Close(); err == nil {
		err = cerr
	}
	db.log.Debug("database closed", zap.String("path", db.store.Path()))
	return err
}

// rowToEntry decodes a stored row back into an API entry.
func (db *DB) rowToEntry(row *kvstore.Row) (Entry, error) {
	key, err := tuple.Decode(row.Key)
	if err != nil {
		return Entry{}, err
	}
	val, err := db.ser.Deserialize(row.Value)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Key: key, Value: fromSerde(val), Versionstamp: row.Versionstamp}, nil
}

// encodeWriteKey validates and encodes a key for a writing operation:
// non-empty, wildcard-free, encoded length at most 2048.
func encodeWriteKey(key tuple.Key) ([]byte, error) {
	if len(key) == 0 {
		return nil, &InvalidKeyError{Key: key, Reason: "empty key"}
	}
	if key.HasWildcard() {
		return nil, &InvalidKeyError{Key: key, Reason: `reserved "*" part`}
	}
	enc := tuple.Encode(key)
	if len(enc) > tuple.MaxKeyWrite {
		return nil, &InvalidKeyError{Key: key, Reason: "encoded key exceeds 2048 bytes"}
	}
	return enc, nil
}

// encodeReadKey validates and encodes a key for a reading operation, which
// tolerates one more encoded byte than a write.
func encodeReadKey(key tuple.Key) ([]byte, error) {
	if len(key) == 0 {
		return nil, &InvalidKeyError{Key: key, Reason: "empty key"}
	}
	enc := tuple.Encode(key)
	if len(enc) > tuple.MaxKeyRead {
		return nil, &InvalidKeyError{Key: key, Reason: "encoded key exceeds 2049 bytes"}
	}
	return enc, nil
}
