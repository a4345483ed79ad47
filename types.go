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
	"fmt"

	"github.com/erigontech/tuplekv/serde"
	"github.com/erigontech/tuplekv/tuple"
)

// KvU64 is the distinguished 64-bit unsigned wrapper. It survives the
// serializer round trip as itself, and it is the only value kind that
// participates in sum/min/max mutations.
type KvU64 uint64

func (u KvU64) String() string { return fmt.Sprintf("KvU64(%d)", uint64(u)) }

// Entry is one read result. An absent entry carries the requested key with
// a nil Value and an empty Versionstamp.
type Entry struct {
	Key          tuple.Key
	Value        any
	Versionstamp string
}

// Present reports whether the entry existed (and was unexpired) at read
// time.
func (e Entry) Present() bool { return e.Versionstamp != "" }

func absent(key tuple.Key) Entry {
	return Entry{Key: key}
}

// toSerde projects an API value into the serializer envelope, peeling the
// KvU64 wrapper.
func toSerde(v any) serde.Value {
	if u, ok := v.(KvU64); ok {
		return serde.Value{IsU64: true, U64: uint64(u)}
	}
	return serde.Value{Any: v}
}

// fromSerde is the inverse projection.
func fromSerde(v serde.Value) any {
	if v.IsU64 {
		return KvU64(v.U64)
	}
	return v.Any
}
