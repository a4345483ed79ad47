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

// Package serde defines the value serializer contract and the default CBOR
// implementation. Serialized bytes are opaque to the store; the one shape
// the codec must preserve bit-exactly is the distinguished 64-bit-unsigned
// wrapper, carried as an {IsU64, Value} envelope.
package serde

import (
	"fmt"
	"reflect"

	"github.com/ugorji/go/codec"
)

// Value is the serializer-level projection of a stored value. When IsU64 is
// set, U64 carries the distinguished 64-bit unsigned wrapper and Any is
// ignored; otherwise Any holds an arbitrary structured value.
type Value struct {
	IsU64 bool
	U64   uint64
	Any   any
}

// Serializer round-trips values to opaque bytes.
type Serializer interface {
	Serialize(v Value) ([]byte, error)
	Deserialize(b []byte) (Value, error)
}

// UnsupportedValueError is returned by Serialize for values the codec cannot
// represent: callables, channels, unsafe pointers, and reference cycles.
type UnsupportedValueError struct {
	Kind string
}

func (e *UnsupportedValueError) Error() string {
	return fmt.Sprintf("serde: unsupported value: %s", e.Kind)
}

// envelope is the persisted wire shape.
type envelope struct {
	IsU64 uint8 `codec:"u"`
	Value any   `codec:"v"`
}

// CBOR is the default serializer. The CBOR handle has no back-reference
// support, so reference cycles are rejected at Serialize time instead of
// being preserved.
type CBOR struct {
	handle codec.CborHandle
}

var _ Serializer = (*CBOR)(nil)

// NewCBOR returns the default serializer.
func NewCBOR() *CBOR {
	c := &CBOR{}
	c.handle.Canonical = true
	// Untyped maps decode as map[string]any so schema validators see the
	// shape they validated on the way in.
	c.handle.MapType = reflect.TypeOf(map[string]any(nil))
	// Integers come back as int64 rather than the decoder's unsigned
	// default, so stored Go ints survive an untyped round trip.
	c.handle.SignedInteger = true
	return c
}

func (c *CBOR) Serialize(v Value) ([]byte, error) {
	env := envelope{}
	if v.IsU64 {
		env.IsU64 = 1
		env.Value = v.U64
	} else {
		if err := checkEncodable(reflect.ValueOf(v.Any), map[uintptr]struct{}{}, 0); err != nil {
			return nil, err
		}
		env.Value = v.Any
	}
	var out []byte
	if err := codec.NewEncoderBytes(&out, &c.handle).Encode(env); err != nil {
		return nil, fmt.Errorf("serde: encode: %w", err)
	}
	return out, nil
}

func (c *CBOR) Deserialize(b []byte) (Value, error) {
	var head struct {
		IsU64 uint8 `codec:"u"`
	}
	if err := codec.NewDecoderBytes(b, &c.handle).Decode(&head); err != nil {
		return Value{}, fmt.Errorf("serde: decode: %w", err)
	}
	if head.IsU64 != 0 {
		// A typed uint64 target keeps the full unsigned range; SignedInteger
		// only governs untyped slots and would overflow above MaxInt64.
		var u64env struct {
			U64 uint64 `codec:"v"`
		}
		if err := codec.NewDecoderBytes(b, &c.handle).Decode(&u64env); err != nil {
			return Value{}, fmt.Errorf("serde: decode: %w", err)
		}
		return Value{IsU64: true, U64: u64env.U64}, nil
	}
	var env envelope
	if err := codec.NewDecoderBytes(b, &c.handle).Decode(&env); err != nil {
		return Value{}, fmt.Errorf("serde: decode: %w", err)
	}
	return Value{Any: env.Value}, nil
}

func asUint64(v any) (uint64, error) {
	switch n := v.(type) {
	case uint64:
		return n, nil
	case int64:
		return uint64(n), nil
	default:
		return 0, fmt.Errorf("serde: u64 envelope carries %T", v)
	}
}

const maxDepth = 256

// checkEncodable walks v and rejects what the wire cannot carry. The seen
// set tracks pointer identities of containers on the current path, which
// both detects cycles and bounds the walk.
func checkEncodable(v reflect.Value, seen map[uintptr]struct{}, depth int) error {
	if depth > maxDepth {
		return &UnsupportedValueError{Kind: "nesting too deep"}
	}
	if !v.IsValid() {
		return nil
	}
	switch v.Kind() {
	case reflect.Func:
		return &UnsupportedValueError{Kind: "func"}
	case reflect.Chan:
		return &UnsupportedValueError{Kind: "chan"}
	case reflect.UnsafePointer:
		return &UnsupportedValueError{Kind: "unsafe pointer"}
	case reflect.Complex64, reflect.Complex128:
		return &UnsupportedValueError{Kind: "complex number"}
	case reflect.Interface:
		return checkEncodable(v.Elem(), seen, depth+1)
	case reflect.Ptr:
		if v.IsNil() {
			return nil
		}
		id := v.Pointer()
		if _, ok := seen[id]; ok {
			return &UnsupportedValueError{Kind: "reference cycle"}
		}
		seen[id] = struct{}{}
		err := checkEncodable(v.Elem(), seen, depth+1)
		delete(seen, id)
		return err
	case reflect.Map:
		if v.IsNil() {
			return nil
		}
		id := v.Pointer()
		if _, ok := seen[id]; ok {
			return &UnsupportedValueError{Kind: "reference cycle"}
		}
		seen[id] = struct{}{}
		iter := v.MapRange()
		for iter.Next() {
			if err := checkEncodable(iter.Key(), seen, depth+1); err != nil {
				return err
			}
			if err := checkEncodable(iter.Value(), seen, depth+1); err != nil {
				return err
			}
		}
		delete(seen, id)
		return nil
	case reflect.Slice:
		if v.IsNil() {
			return nil
		}
		id := v.Pointer()
		if _, ok := seen[id]; ok {
			return &UnsupportedValueError{Kind: "reference cycle"}
		}
		seen[id] = struct{}{}
		for i := 0; i < v.Len(); i++ {
			if err := checkEncodable(v.Index(i), seen, depth+1); err != nil {
				return err
			}
		}
		delete(seen, id)
		return nil
	case reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if err := checkEncodable(v.Index(i), seen, depth+1); err != nil {
				return err
			}
		}
		return nil
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < v.NumField(); i++ {
			if !t.Field(i).IsExported() {
				continue
			}
			if err := checkEncodable(v.Field(i), seen, depth+1); err != nil {
				return err
			}
		}
		return nil
	default:
		return nil
	}
}
