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

// Package tuple implements the order-preserving composite key codec.
//
// A key is an ordered sequence of typed parts. Each part is encoded as a tag
// byte, a body and a 0x00 terminator; parts concatenate with no additional
// separator. For any two keys a and b, a sorts before b in the key total
// order iff Encode(a) sorts before Encode(b) in plain byte order.
//
// The part type order (most significant first) is:
// byte-string < text < integer < double < boolean.
//
// Integer bodies are the raw big-endian two's complement form and double
// bodies are raw big-endian IEEE-754, so negative integers sort after
// positive ones and negative doubles and NaN do not sort numerically. This
// matches the wire format; it is not repaired here.
package tuple

import (
	"bytes"
	"fmt"
)

// Part is one typed component of a Key. The concrete types are Bytes, Text,
// Int, Double and Bool.
type Part interface {
	// append encodes the part, tag and terminator included, onto dst.
	append(dst []byte) []byte
	equal(other Part) bool
}

type (
	// Bytes is a byte-string part. Compared and matched by content.
	Bytes []byte
	// Text is a UTF-8 text part.
	Text string
	// Int is an exact signed 64-bit integer part.
	Int int64
	// Double is an IEEE-754 double part.
	Double float64
	// Bool is a boolean part. False sorts before true.
	Bool bool
)

// Key is an ordered sequence of parts. The empty key is legal only as a
// list prefix.
type Key []Part

// Wildcard is the reserved text part used in schema patterns. It may never
// appear in a user-writable key.
const Wildcard = Text("*")

// PartsEqual reports value equality of two parts, byte-strings by content.
func PartsEqual(a, b Part) bool {
	return a.equal(b)
}

// IsWildcard reports whether p is the reserved "*" text part.
func IsWildcard(p Part) bool {
	t, ok := p.(Text)
	return ok && t == Wildcard
}

// HasWildcard reports whether any part of k is the reserved "*" text part.
func (k Key) HasWildcard() bool {
	for _, p := range k {
		if IsWildcard(p) {
			return true
		}
	}
	return false
}

// Equal reports structural equality: same length and each position equal by
// value, byte-strings compared by content.
func (k Key) Equal(other Key) bool {
	if len(k) != len(other) {
		return false
	}
	for i, p := range k {
		if !p.equal(other[i]) {
			return false
		}
	}
	return true
}

// Clone returns a copy of k sharing no part storage with the original.
func (k Key) Clone() Key {
	if k == nil {
		return nil
	}
	out := make(Key, len(k))
	for i, p := range k {
		if b, ok := p.(Bytes); ok {
			out[i] = Bytes(bytes.Clone(b))
		} else {
			out[i] = p
		}
	}
	return out
}

// String renders the key for logs and errors, not for the wire.
func (k Key) String() string {
	var sb bytes.Buffer
	sb.WriteByte('[')
	for i, p := range k {
		if i > 0 {
			sb.WriteString(", ")
		}
		switch v := p.(type) {
		case Bytes:
			fmt.Fprintf(&sb, "0x%x", []byte(v))
		case Text:
			fmt.Fprintf(&sb, "%q", string(v))
		case Int:
			fmt.Fprintf(&sb, "%d", int64(v))
		case Double:
			fmt.Fprintf(&sb, "%g", float64(v))
		case Bool:
			fmt.Fprintf(&sb, "%t", bool(v))
		default:
			fmt.Fprintf(&sb, "%v", p)
		}
	}
	sb.WriteByte(']')
	return sb.String()
}

func (b Bytes) equal(other Part) bool {
	o, ok := other.(Bytes)
	return ok && bytes.Equal(b, o)
}

func (t Text) equal(other Part) bool {
	o, ok := other.(Text)
	return ok && t == o
}

func (i Int) equal(other Part) bool {
	o, ok := other.(Int)
	return ok && i == o
}

func (d Double) equal(other Part) bool {
	o, ok := other.(Double)
	return ok && d == o
}

func (b Bool) equal(other Part) bool {
	o, ok := other.(Bool)
	return ok && b == o
}
