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
	"encoding/base64"
	"fmt"
)

// List cursors are the encoded last-part bytes of the last-yielded key,
// base64 without trailing padding.
var cursorEncoding = base64.StdEncoding.WithPadding(base64.NoPadding)

// EncodeCursor builds the resumption token for a key whose last part is p.
func EncodeCursor(p Part) string {
	return cursorEncoding.EncodeToString(EncodePart(p))
}

// DecodeCursor parses a resumption token back into the single part it names.
func DecodeCursor(cursor string) (Part, error) {
	raw, err := cursorEncoding.DecodeString(cursor)
	if err != nil {
		return nil, fmt.Errorf("malformed cursor: %w", err)
	}
	key, err := Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("malformed cursor: %w", err)
	}
	if len(key) != 1 {
		return nil, fmt.Errorf("malformed cursor: %d parts, want 1", len(key))
	}
	return key[0], nil
}
