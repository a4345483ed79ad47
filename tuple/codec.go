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

package tuple

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Part tags. Tag order carries the cross-type ordering.
const (
	TagBytes  = 0x01
	TagText   = 0x02
	TagInt    = 0x03
	TagDouble = 0x04
	TagBool   = 0x05

	terminator = 0x00
)

// Encoded key size caps. Writes are held to MaxKeyWrite; reads tolerate one
// extra byte so a range bound one past a maximal key is still addressable.
const (
	MaxKeyWrite = 2048
	MaxKeyRead  = 2049
)

// DecodeError reports a corrupt encoded key.
type DecodeError struct {
	Off int
	Msg string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("corrupt encoded key at offset %d: %s", e.Off, e.Msg)
}

// Encode serializes k into its order-preserving byte form.
func Encode(k Key) []byte {
	var dst []byte
	for _, p := range k {
		dst = p.append(dst)
	}
	return dst
}

// EncodePart serializes a single part, tag and terminator included. Cursors
// are built from this form.
func EncodePart(p Part) []byte {
	return p.append(nil)
}

func (b Bytes) append(dst []byte) []byte {
	dst = append(dst, TagBytes)
	dst = append(dst, b...)
	return append(dst, terminator)
}

func (t Text) append(dst []byte) []byte {
	dst = append(dst, TagText)
	dst = append(dst, t...)
	return append(dst, terminator)
}

func (i Int) append(dst []byte) []byte {
	dst = append(dst, TagInt)
	dst = binary.BigEndian.AppendUint64(dst, uint64(i))
	return append(dst, terminator)
}

func (d Double) append(dst []byte) []byte {
	dst = append(dst, TagDouble)
	dst = binary.BigEndian.AppendUint64(dst, math.Float64bits(float64(d)))
	return append(dst, terminator)
}

func (b Bool) append(dst []byte) []byte {
	dst = append(dst, TagBool)
	if b {
		dst = append(dst, 0x01)
	} else {
		dst = append(dst, 0x00)
	}
	return append(dst, terminator)
}

func validTag(b byte) bool {
	return b >= TagBytes && b <= TagBool
}

// Decode parses an encoded key back into its parts.
//
// A byte-string body may itself contain 0x00: its terminator is the first
// 0x00 that is followed by end-of-input or by a valid tag byte.
func Decode(enc []byte) (Key, error) {
	var key Key
	i := 0
	for i < len(enc) {
		tag := enc[i]
		start := i
		i++
		switch tag {
		case TagBytes:
			end := -1
			for j := i; j < len(enc); j++ {
				if enc[j] != terminator {
					continue
				}
				if j+1 == len(enc) || validTag(enc[j+1]) {
					end = j
					break
				}
			}
			if end < 0 {
				return nil, &DecodeError{Off: start, Msg: "unterminated byte-string part"}
			}
			key = append(key, Bytes(append([]byte(nil), enc[i:end]...)))
			i = end + 1
		case TagText:
			end := -1
			for j := i; j < len(enc); j++ {
				if enc[j] == terminator {
					end = j
					break
				}
			}
			if end < 0 {
				return nil, &DecodeError{Off: start, Msg: "unterminated text part"}
			}
			key = append(key, Text(enc[i:end]))
			i = end + 1
		case TagInt:
			if len(enc)-i < 8 {
				return nil, &DecodeError{Off: start, Msg: "truncated integer part"}
			}
			v := binary.BigEndian.Uint64(enc[i : i+8])
			i += 8
			if i >= len(enc) || enc[i] != terminator {
				return nil, &DecodeError{Off: start, Msg: "integer part missing terminator"}
			}
			i++
			key = append(key, Int(int64(v)))
		case TagDouble:
			if len(enc)-i < 8 {
				return nil, &DecodeError{Off: start, Msg: "truncated double part"}
			}
			v := binary.BigEndian.Uint64(enc[i : i+8])
			i += 8
			if i >= len(enc) || enc[i] != terminator {
				return nil, &DecodeError{Off: start, Msg: "double part missing terminator"}
			}
			i++
			key = append(key, Double(math.Float64frombits(v)))
		case TagBool:
			if len(enc)-i < 1 {
				return nil, &DecodeError{Off: start, Msg: "truncated boolean part"}
			}
			b := enc[i]
			i++
			if b != 0x00 && b != 0x01 {
				return nil, &DecodeError{Off: start, Msg: fmt.Sprintf("invalid boolean body 0x%02x", b)}
			}
			if i >= len(enc) || enc[i] != terminator {
				return nil, &DecodeError{Off: start, Msg: "boolean part missing terminator"}
			}
			i++
			key = append(key, Bool(b == 0x01))
		default:
			return nil, &DecodeError{Off: start, Msg: fmt.Sprintf("unknown tag 0x%02x", tag)}
		}
	}
	return key, nil
}
