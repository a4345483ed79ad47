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

package tuplekv

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/erigontech/tuplekv/tuple"
)

// Watcher is a change notification stream over a fixed key set. One
// snapshot of the current state arrives at subscription; after that, every
// committing write produces at least one further snapshot, in commit order.
// Snapshots coalesce when the consumer is slow: the stream is eventually
// current rather than one-snapshot-per-commit.
type Watcher struct {
	db   *DB
	id   uint64
	keys []tuple.Key

	updates chan []Entry
	signal  chan struct{}
	done    chan struct{}
	cancel  sync.Once
}

// Watch subscribes to keys. Each delivered snapshot is a parallel slice:
// element i is the current entry (present or absent) for keys[i]. The
// subscription lives until Cancel or until the database closes.
func (db *DB) Watch(keys ...tuple.Key) (*Watcher, error) {
	if err := db.checkClosed(); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, &InvalidKeyError{Reason: "watch requires at least one key"}
	}
	cloned := make([]tuple.Key, len(keys))
	for i, key := range keys {
		if _, err := encodeReadKey(key); err != nil {
			return nil, err
		}
		cloned[i] = key.Clone()
	}

	w := &Watcher{
		db:      db,
		keys:    cloned,
		updates: make(chan []Entry, 1),
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	db.watchMu.Lock()
	if db.closed.Load() {
		db.watchMu.Unlock()
		return nil, ErrClosed
	}
	db.nextWatcherID++
	w.id = db.nextWatcherID
	db.watchers[w.id] = w
	db.watchMu.Unlock()

	// The initial snapshot is a queued signal: the pump's first delivery
	// reflects state at subscription or newer.
	w.signal <- struct{}{}
	go w.pump()

	db.log.Debug("watcher subscribed", zap.Uint64("watcher", w.id), zap.Int("keys", len(keys)))
	return w, nil
}

// Updates is the snapshot stream. It closes when the watcher is cancelled
// or the database closes.
func (w *Watcher) Updates() <-chan []Entry { return w.updates }

// Cancel detaches the watcher and closes its stream. Safe to call any
// number of times, concurrently with commit fanout.
func (w *Watcher) Cancel() {
	w.cancel.Do(func() {
		w.db.watchMu.Lock()
		delete(w.db.watchers, w.id)
		w.db.watchMu.Unlock()
		close(w.done)
		w.db.log.Debug("watcher cancelled", zap.Uint64("watcher", w.id))
	})
}

// pump turns commit signals into snapshots. Delivery blocks on the
// consumer, while further signals collapse into the buffered signal slot.
func (w *Watcher) pump() {
	defer close(w.updates)
	for {
		select {
		case <-w.done:
			return
		case <-w.signal:
		}
		snap, err := w.snapshot()
		if err != nil {
			// The database is closing under us; the stream just ends.
			return
		}
		select {
		case <-w.done:
			return
		case w.updates <- snap:
		}
	}
}

// snapshot reads the current entry for every watched key at one timestamp.
func (w *Watcher) snapshot() ([]Entry, error) {
	ctx := context.Background()
	nowMs := w.db.nowMs()
	out := make([]Entry, len(w.keys))
	for i, key := range w.keys {
		enc := tuple.Encode(key)
		row, err := w.db.store.Get(ctx, enc, nowMs)
		if err != nil {
			return nil, err
		}
		if row == nil {
			out[i] = absent(key)
			continue
		}
		e, err := w.db.rowToEntry(row)
		if err != nil {
			return nil, err
		}
		out[i] = e
	}
	return out, nil
}

// notifyWatchers runs after every committing write. Signals are
// non-blocking: a slow subscriber coalesces instead of stalling commits.
func (db *DB) notifyWatchers() {
	db.watchMu.Lock()
	for _, w := range db.watchers {
		select {
		case w.signal <- struct{}{}:
		default:
		}
	}
	db.watchMu.Unlock()
}

// closeAllWatchers terminates every subscriber stream cleanly.
func (db *DB) closeAllWatchers() {
	db.watchMu.Lock()
	watchers := make([]*Watcher, 0, len(db.watchers))
	for _, w := range db.watchers {
		watchers = append(watchers, w)
	}
	db.watchMu.Unlock()
	for _, w := range watchers {
		w.Cancel()
	}
}
