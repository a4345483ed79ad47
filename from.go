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
	"errors"
	"fmt"
	"reflect"

	"golang.org/x/sync/errgroup"

	"github.com/erigontech/tuplekv/tuple"
)

// fromBatchSize is the mutation cap per bulk-load transaction.
const fromBatchSize = 1000

// OnError selects bulk-load behavior for per-item failures.
type OnError uint8

const (
	// OnErrorStop aborts the load on the first item failure.
	OnErrorStop OnError = iota
	// OnErrorContinue skips failing items and keeps loading.
	OnErrorContinue
)

// FromOptions configures a bulk load. Each item's key is Prefix plus one
// extracted part: from KeyFunc when set, otherwise from the named Field of
// a map or struct item.
type FromOptions struct {
	Prefix  tuple.Key
	KeyFunc func(item any) (tuple.Part, error)
	Field   string
	OnError OnError
	// Progress, when set, receives the cumulative stored count after each
	// committed batch.
	Progress func(stored int)
}

// From bulk-loads items, up to 1000 writes per transaction. It returns the
// number of entries stored. Any failure the OnError mode does not swallow
// closes the database before it is returned; this is the one API surface
// that auto-closes on failure.
func (db *DB) From(ctx context.Context, items []any, opts FromOptions) (int, error) {
	ch := make(chan any)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(ch)
		for _, item := range items {
			select {
			case ch <- item:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})
	var stored int
	g.Go(func() error {
		var err error
		stored, err = db.fromChannel(gctx, ch, opts)
		return err
	})
	return stored, g.Wait()
}

// FromAsync bulk-loads from a channel; it behaves exactly like From.
func (db *DB) FromAsync(ctx context.Context, items <-chan any, opts FromOptions) (int, error) {
	return db.fromChannel(ctx, items, opts)
}

func (db *DB) fromChannel(ctx context.Context, items <-chan any, opts FromOptions) (int, error) {
	if opts.KeyFunc == nil && opts.Field == "" {
		return 0, db.fromFail(&InvalidKeyError{Reason: "bulk load needs a KeyFunc or a Field"})
	}

	type staged struct {
		key   tuple.Key
		value any
	}
	stored := 0
	batch := make([]staged, 0, fromBatchSize)

	commitBatch := func() error {
		if len(batch) == 0 {
			return nil
		}
		op := db.Atomic()
		for _, s := range batch {
			op.Set(s.key, s.value)
		}
		if _, err := op.Commit(ctx); err != nil {
			var ve *ValidationError
			if errors.As(err, &ve) && opts.OnError == OnErrorContinue {
				// Re-commit item by item so one rejected value doesn't
				// drop its batch siblings.
				for _, s := range batch {
					if _, err := db.Atomic().Set(s.key, s.value).Commit(ctx); err != nil {
						if errors.As(err, &ve) {
							continue
						}
						return err
					}
					stored++
				}
			} else {
				return err
			}
		} else {
			stored += len(batch)
		}
		batch = batch[:0]
		if opts.Progress != nil {
			opts.Progress(stored)
		}
		return nil
	}

	for {
		var item any
		var ok bool
		select {
		case <-ctx.Done():
			return stored, db.fromFail(ctx.Err())
		case item, ok = <-items:
		}
		if !ok {
			break
		}
		part, err := extractKeyPart(item, opts)
		if err != nil {
			if opts.OnError == OnErrorContinue {
				continue
			}
			return stored, db.fromFail(err)
		}
		key := append(opts.Prefix.Clone(), part)
		batch = append(batch, staged{key: key, value: item})
		if len(batch) == fromBatchSize {
			if err := commitBatch(); err != nil {
				return stored, db.fromFail(err)
			}
		}
	}
	if err := commitBatch(); err != nil {
		return stored, db.fromFail(err)
	}
	return stored, nil
}

// fromFail closes the database and hands the fatal error back.
func (db *DB) fromFail(err error) error {
	_ = db.Close()
	return err
}

// extractKeyPart derives the item's key part per the options.
func extractKeyPart(item any, opts FromOptions) (tuple.Part, error) {
	if opts.KeyFunc != nil {
		return opts.KeyFunc(item)
	}
	raw, err := fieldValue(item, opts.Field)
	if err != nil {
		return nil, err
	}
	return toPart(raw)
}

func fieldValue(item any, field string) (any, error) {
	if m, ok := item.(map[string]any); ok {
		v, ok := m[field]
		if !ok {
			return nil, fmt.Errorf("tuplekv: item has no field %q", field)
		}
		return v, nil
	}
	v := reflect.ValueOf(item)
	for v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return nil, fmt.Errorf("tuplekv: nil item")
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil, fmt.Errorf("tuplekv: cannot extract field %q from %T", field, item)
	}
	f := v.FieldByName(field)
	if !f.IsValid() {
		return nil, fmt.Errorf("tuplekv: item has no field %q", field)
	}
	return f.Interface(), nil
}

// toPart maps a plain Go value onto a key part.
func toPart(v any) (tuple.Part, error) {
	switch x := v.(type) {
	case tuple.Part:
		return x, nil
	case string:
		return tuple.Text(x), nil
	case []byte:
		return tuple.Bytes(x), nil
	case int:
		return tuple.Int(x), nil
	case int64:
		return tuple.Int(x), nil
	case uint32:
		return tuple.Int(x), nil
	case float64:
		return tuple.Double(x), nil
	case bool:
		return tuple.Bool(x), nil
	default:
		return nil, fmt.Errorf("tuplekv: cannot use %T as a key part", v)
	}
}
