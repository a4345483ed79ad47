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
	"bytes"
	"context"

	"github.com/erigontech/tuplekv/tuple"
)

const (
	defaultBatchSize = 500
	maxBatchSize     = 1000
)

// rangeEndSentinel sorts above every encoded key (part tags stop at 0x05).
var rangeEndSentinel = bytes.Repeat([]byte{0xff}, 10)

// Selector scopes a list. A nil field is absent; tuple.Key{} is the empty
// key. The legal combinations are: Prefix alone, Prefix+Start, Prefix+End,
// and Start+End. Prefix scans never yield the prefix-anchor row itself.
type Selector struct {
	Prefix tuple.Key
	Start  tuple.Key
	End    tuple.Key
}

// ListOptions tunes a list. The zero value means: no limit, batches of 500,
// ascending, no cursor.
type ListOptions struct {
	// Limit caps the total number of yielded entries; 0 is unbounded.
	Limit int
	// BatchSize is entries fetched per store round trip, max 1000.
	BatchSize int
	// Reverse yields in descending key order.
	Reverse bool
	// Cursor resumes strictly after (before, when reversed) the key whose
	// token this is.
	Cursor string
}

// Iterator is a lazy batched producer of entries. It suspends per batch
// fetch; Cursor is valid after any yield and resumes the scan in a new
// iterator.
type Iterator struct {
	db        *DB
	start     []byte // inclusive, moves forward scans
	end       []byte // exclusive, moves reverse scans
	exclude   []byte
	batchSize int
	limit     int
	reverse   bool

	buf     []Entry
	bufIdx  int
	yielded int
	done    bool
	cursor  string
}

// List opens an iterator over the selection. The scan is lazy: rows are
// fetched in batches as Next is called.
func (db *DB) List(sel Selector, opts ListOptions) (*Iterator, error) {
	if err := db.checkClosed(); err != nil {
		return nil, err
	}
	if opts.Limit < 0 {
		return nil, &InvalidSelectorError{Reason: "negative limit"}
	}
	batch := opts.BatchSize
	switch {
	case batch == 0:
		batch = defaultBatchSize
	case batch < 0 || batch > maxBatchSize:
		return nil, &InvalidSelectorError{Reason: "batchSize must be between 1 and 1000"}
	}

	start, end, exclude, anchor, err := resolveSelector(sel)
	if err != nil {
		return nil, err
	}

	if opts.Cursor != "" {
		part, err := tuple.DecodeCursor(opts.Cursor)
		if err != nil {
			return nil, &InvalidSelectorError{Reason: err.Error()}
		}
		resume := append(append([]byte(nil), anchor...), tuple.EncodePart(part)...)
		if opts.Reverse {
			end = resume
		} else {
			start = append(resume, 0x00)
		}
	}

	return &Iterator{
		db:        db,
		start:     start,
		end:       end,
		exclude:   exclude,
		batchSize: batch,
		limit:     opts.Limit,
		reverse:   opts.Reverse,
	}, nil
}

// resolveSelector maps a selector onto encoded-byte bounds. anchor is the
// byte prefix cursors resume under; exclude suppresses the prefix-anchor
// row in prefix scans.
func resolveSelector(sel Selector) (start, end, exclude, anchor []byte, err error) {
	hasPrefix := sel.Prefix != nil
	hasStart := sel.Start != nil
	hasEnd := sel.End != nil

	switch {
	case hasPrefix:
		encPrefix := tuple.Encode(sel.Prefix)
		if len(encPrefix) > tuple.MaxKeyRead {
			return nil, nil, nil, nil, &InvalidKeyError{Key: sel.Prefix, Reason: "encoded prefix exceeds 2049 bytes"}
		}
		start = encPrefix
		end = append(append([]byte(nil), encPrefix...), 0xff)
		if len(encPrefix) == 0 {
			end = rangeEndSentinel
		}
		exclude = encPrefix
		anchor = encPrefix

		switch {
		case hasStart && hasEnd:
			return nil, nil, nil, nil, &InvalidSelectorError{Reason: "prefix cannot combine with both start and end"}
		case hasStart:
			encStart := tuple.Encode(sel.Start)
			if !insideKeyspace(encPrefix, encStart) {
				return nil, nil, nil, nil, &InvalidSelectorError{Reason: "start is not within the prefix keyspace"}
			}
			start = encStart
		case hasEnd:
			encEnd := tuple.Encode(sel.End)
			if !insideKeyspace(encPrefix, encEnd) {
				return nil, nil, nil, nil, &InvalidSelectorError{Reason: "end is not within the prefix keyspace"}
			}
			end = encEnd
		}
		return start, end, exclude, anchor, nil

	case hasStart && hasEnd:
		encStart := tuple.Encode(sel.Start)
		encEnd := tuple.Encode(sel.End)
		if bytes.Compare(encStart, encEnd) > 0 {
			return nil, nil, nil, nil, &InvalidSelectorError{Reason: "start sorts after end"}
		}
		return encStart, encEnd, nil, nil, nil

	default:
		return nil, nil, nil, nil, &InvalidSelectorError{Reason: "selector needs a prefix, or both start and end"}
	}
}

// insideKeyspace reports whether enc names a key strictly extending
// prefix's encoding.
func insideKeyspace(prefix, enc []byte) bool {
	return len(enc) > len(prefix) && bytes.HasPrefix(enc, prefix)
}

// Next yields the following entry, or nil at the end of the selection.
func (it *Iterator) Next(ctx context.Context) (*Entry, error) {
	if err := it.db.checkClosed(); err != nil {
		return nil, err
	}
	for {
		if it.bufIdx < len(it.buf) {
			e := it.buf[it.bufIdx]
			it.bufIdx++
			it.yielded++
			if len(e.Key) > 0 {
				it.cursor = tuple.EncodeCursor(e.Key[len(e.Key)-1])
			}
			return &e, nil
		}
		if it.done || (it.limit > 0 && it.yielded >= it.limit) {
			return nil, nil
		}
		if err := it.fetch(ctx); err != nil {
			return nil, err
		}
		if len(it.buf) == 0 {
			it.done = true
			return nil, nil
		}
	}
}

// fetch pulls the next batch and advances the live bound past it.
func (it *Iterator) fetch(ctx context.Context) error {
	n := it.batchSize
	if it.limit > 0 && it.limit-it.yielded < n {
		n = it.limit - it.yielded
	}
	rows, err := it.db.store.RangeScan(ctx, it.start, it.end, it.exclude, it.db.nowMs(), n, it.reverse)
	if err != nil {
		return err
	}
	it.buf = it.buf[:0]
	it.bufIdx = 0
	for i := range rows {
		e, err := it.db.rowToEntry(&rows[i])
		if err != nil {
			return err
		}
		it.buf = append(it.buf, e)
	}
	if len(rows) < n {
		it.done = true
	} else {
		lastKey := rows[len(rows)-1].Key
		if it.reverse {
			it.end = append([]byte(nil), lastKey...)
		} else {
			it.start = append(append([]byte(nil), lastKey...), 0x00)
		}
	}
	return nil
}

// Cursor returns the resumption token for the last yielded entry, or ""
// before the first yield.
func (it *Iterator) Cursor() string { return it.cursor }

// Close releases the iteration. It narrows disposal to the iterator
// alone: the owning database stays open.
func (it *Iterator) Close() {
	it.done = true
	it.buf = nil
	it.bufIdx = 0
}

// Collect drains the iterator into a slice.
func (it *Iterator) Collect(ctx context.Context) ([]Entry, error) {
	var out []Entry
	for {
		e, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if e == nil {
			return out, nil
		}
		out = append(out, *e)
	}
}
