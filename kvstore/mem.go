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
	"bytes"
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"go.uber.org/zap"
)

// MemStore is the in-memory driver: a B-tree keyed by encoded key bytes. It
// is single-process by construction, so its transactions serialize on a
// mutex and contention never surfaces.
type MemStore struct {
	mu     sync.Mutex
	tree   *btree.BTreeG[Row]
	seq    uint64
	log    *zap.Logger
	closed atomic.Bool

	notifyMu sync.RWMutex
	notify   func()
}

var _ Store = (*MemStore)(nil)

func rowLess(a, b Row) bool { return bytes.Compare(a.Key, b.Key) < 0 }

// OpenMem creates an empty in-memory store. The logger may be nil.
func OpenMem(log *zap.Logger) *MemStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &MemStore{tree: btree.NewG(32, rowLess), log: log}
}

func (s *MemStore) Path() string { return "" }

func (s *MemStore) SetNotify(fn func()) {
	s.notifyMu.Lock()
	s.notify = fn
	s.notifyMu.Unlock()
}

func (s *MemStore) fireNotify() {
	s.notifyMu.RLock()
	fn := s.notify
	s.notifyMu.RUnlock()
	if fn != nil {
		fn()
	}
}

func (s *MemStore) Get(_ context.Context, key []byte, nowMs int64) (*Row, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(key, nowMs), nil
}

func (s *MemStore) getLocked(key []byte, nowMs int64) *Row {
	row, ok := s.tree.Get(Row{Key: key})
	if !ok || row.Expired(nowMs) {
		return nil
	}
	out := row
	return &out
}

func (s *MemStore) RangeScan(_ context.Context, start, end, exclude []byte, nowMs int64, limit int, reverse bool) ([]Row, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Row
	keep := func(row Row) bool {
		if row.Expired(nowMs) {
			return true
		}
		if exclude != nil && bytes.Equal(row.Key, exclude) {
			return true
		}
		out = append(out, row)
		return limit <= 0 || len(out) < limit
	}
	if reverse {
		// Descend from just under end down to start, end-exclusive.
		s.tree.DescendLessOrEqual(Row{Key: end}, func(row Row) bool {
			if bytes.Equal(row.Key, end) {
				return true
			}
			if bytes.Compare(row.Key, start) < 0 {
				return false
			}
			return keep(row)
		})
	} else {
		s.tree.AscendGreaterOrEqual(Row{Key: start}, func(row Row) bool {
			if bytes.Compare(row.Key, end) >= 0 {
				return false
			}
			return keep(row)
		})
	}
	return out, nil
}

// memTx buffers mutations and applies them on commit, so a body error keeps
// the tree untouched. Reads inside the transaction observe its own buffered
// writes first.
type memTx struct {
	store *MemStore
	ops   []txOp
	wrote bool
}

// txOp is one buffered write; row == nil means delete.
type txOp struct {
	key []byte
	row *Row
}

func (tx *memTx) Get(key []byte, nowMs int64) (*Row, error) {
	for i := len(tx.ops) - 1; i >= 0; i-- {
		op := tx.ops[i]
		if !bytes.Equal(op.key, key) {
			continue
		}
		if op.row == nil || op.row.Expired(nowMs) {
			return nil, nil
		}
		out := *op.row
		return &out, nil
	}
	return tx.store.getLocked(key, nowMs), nil
}

func (tx *memTx) Put(row Row) error {
	row.Key = append([]byte(nil), row.Key...)
	tx.ops = append(tx.ops, txOp{key: row.Key, row: &row})
	tx.wrote = true
	return nil
}

func (tx *memTx) Delete(key []byte) error {
	key = append([]byte(nil), key...)
	tx.ops = append(tx.ops, txOp{key: key})
	tx.wrote = true
	return nil
}

func (tx *memTx) apply(tr *btree.BTreeG[Row]) {
	for _, op := range tx.ops {
		if op.row != nil {
			tr.ReplaceOrInsert(*op.row)
		} else {
			tr.Delete(Row{Key: op.key})
		}
	}
}

func (s *MemStore) WithTransaction(_ context.Context, body func(tx Tx) error) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.mu.Lock()
	tx := &memTx{store: s}
	err := body(tx)
	if err == nil {
		tx.apply(s.tree)
	}
	wrote := err == nil && tx.wrote
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if wrote {
		s.fireNotify()
	}
	return nil
}

func (s *MemStore) IncrementSequence(context.Context) (uint64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq, nil
}

func (s *MemStore) Cleanup(_ context.Context, nowMs int64) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var dead [][]byte
	s.tree.Ascend(func(row Row) bool {
		if row.Expired(nowMs) {
			dead = append(dead, row.Key)
		}
		return true
	})
	for _, key := range dead {
		s.tree.Delete(Row{Key: key})
	}
	if len(dead) > 0 {
		s.log.Debug("cleanup removed expired rows", zap.Int("rows", len(dead)))
	}
	return nil
}

func (s *MemStore) Clear(context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.mu.Lock()
	s.tree.Clear(false)
	s.mu.Unlock()
	return nil
}

func (s *MemStore) Count(_ context.Context, nowMs int64) (int64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	s.tree.Ascend(func(row Row) bool {
		if !row.Expired(nowMs) {
			n++
		}
		return true
	})
	return n, nil
}

// Destroy for an in-memory store is Clear; the handle stays usable until
// Close.
func (s *MemStore) Destroy(ctx context.Context) error {
	return s.Clear(ctx)
}

func (s *MemStore) Close() error {
	s.closed.Store(true)
	return nil
}
