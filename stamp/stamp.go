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

// Package stamp issues versionstamps: 20 lowercase hex chars encoding the
// 80-bit value (micros << 20) | (seq & 0xFFFFF). Time rides the upper bits
// so stamps grow monotonically over time; the 20-bit sequence separates
// commits inside one microsecond. The sequence persists in the store, never
// in process memory, so handles sharing a file cannot diverge.
package stamp

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/erigontech/tuplekv/kvstore"
)

// Len is the versionstamp string length.
const Len = 20

// seqBits is the width of the per-microsecond sequence field.
const seqBits = 20

// Authority hands out strictly increasing versionstamps for one database.
type Authority struct {
	store kvstore.Store
	now   func() time.Time
}

// New binds an authority to the store holding the persistent sequence row.
func New(store kvstore.Store) *Authority {
	return &Authority{store: store, now: time.Now}
}

// NewWithClock is New with an injected clock, for tests.
func NewWithClock(store kvstore.Store, now func() time.Time) *Authority {
	return &Authority{store: store, now: now}
}

// Next returns a versionstamp strictly greater than every stamp previously
// returned for this store, across all handles sharing it. The sequence bump
// runs in a store transaction; kvstore.ErrContention bubbles up for the
// caller to retry the surrounding commit.
func (a *Authority) Next(ctx context.Context) (string, error) {
	seq, err := a.store.IncrementSequence(ctx)
	if err != nil {
		return "", err
	}
	return Format(uint64(a.now().UnixMicro()), seq), nil
}

// Format packs micros and seq into the 20-hex-char stamp. The 80-bit value
// is carried in two limbs: the top 16 bits are the microseconds that
// overflow a shifted uint64.
func Format(micros, seq uint64) string {
	hi := (micros >> (64 - seqBits)) & 0xFFFF
	lo := micros<<seqBits | (seq & (1<<seqBits - 1))
	return fmt.Sprintf("%04x%016x", hi, lo)
}

// Split recovers the embedded microsecond timestamp and sequence from a
// stamp. Useful when debugging write ordering.
func Split(vs string) (micros uint64, seq uint32, err error) {
	if err := Validate(vs); err != nil {
		return 0, 0, err
	}
	hi, err := strconv.ParseUint(vs[:4], 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("stamp: malformed versionstamp %q", vs)
	}
	lo, err := strconv.ParseUint(vs[4:], 16, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("stamp: malformed versionstamp %q", vs)
	}
	return hi<<(64-seqBits) | lo>>seqBits, uint32(lo & (1<<seqBits - 1)), nil
}

// Validate checks the stamp shape: exactly 20 lowercase hex characters.
func Validate(vs string) error {
	if len(vs) != Len {
		return fmt.Errorf("stamp: versionstamp %q has length %d, want %d", vs, len(vs), Len)
	}
	for i := 0; i < len(vs); i++ {
		c := vs[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return fmt.Errorf("stamp: versionstamp %q is not lowercase hex", vs)
		}
	}
	return nil
}
