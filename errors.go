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
	"errors"
	"fmt"

	"github.com/erigontech/tuplekv/kvstore"
	"github.com/erigontech/tuplekv/schema"
	"github.com/erigontech/tuplekv/tuple"
)

// ErrClosed is returned for any API call after Close. Destroy does not set
// it: an in-memory handle stays usable after Destroy, and a persistent one
// reports the store's kvstore.ErrClosed instead.
var ErrClosed = errors.New("tuplekv: database closed")

// ErrContention is surfaced when the store's bounded busy-retry and the
// engine's own commit retries are both exhausted.
var ErrContention = kvstore.ErrContention

// ValidationError is re-exported from the schema package: the matched
// schema reported issues for the carried key.
type ValidationError = schema.ValidationError

// DecodeError is re-exported from the tuple package: a stored key did not
// decode.
type DecodeError = tuple.DecodeError

// InvalidKeyError rejects a key at the API boundary: wrong shape, reserved
// wildcard, or over the encoded size cap.
type InvalidKeyError struct {
	Key    tuple.Key
	Reason string
}

func (e *InvalidKeyError) Error() string {
	return fmt.Sprintf("tuplekv: invalid key %s: %s", e.Key, e.Reason)
}

// InvalidSelectorError rejects a list selector or list options.
type InvalidSelectorError struct {
	Reason string
}

func (e *InvalidSelectorError) Error() string {
	return "tuplekv: invalid selector: " + e.Reason
}

// InvalidMutationError rejects an atomic check or mutation at accumulation
// or commit time: malformed versionstamp, wrong operand kind, or an
// an operation set over the commit limits.
type InvalidMutationError struct {
	Reason string
}

func (e *InvalidMutationError) Error() string {
	return "tuplekv: invalid mutation: " + e.Reason
}

// TypeMismatchError aborts an arithmetic mutation that found an existing
// non-KvU64 value under its key.
type TypeMismatchError struct {
	Key tuple.Key
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("tuplekv: value at %s is not a KvU64", e.Key)
}
