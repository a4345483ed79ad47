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

package kvstore

// DBSchemaVersion versions list
// 1.0 - initial layout: kv_store + versionstamp_sequence
var DBSchemaVersion = Version{Major: 1, Minor: 0, Patch: 0}

// Version identifies the persisted table layout.
type Version struct {
	Major, Minor, Patch uint32
}

const (
	// KVStore is the entry table.
	// key - encoded key bytes (order-preserving tuple encoding)
	// value - opaque serialized value
	// versionstamp - 20 lowercase hex chars, write version
	// expires_at - absolute unix milliseconds, NULL when the row never expires
	KVStore = "kv_store"

	// VersionstampSequence holds the single persistent counter row feeding
	// the versionstamp authority.
	// id - always 1
	// sequence - last issued sequence number
	VersionstampSequence = "versionstamp_sequence"
)

// Tables is every table the SQLite driver owns, in creation order.
var Tables = []string{KVStore, VersionstampSequence}

const (
	createKVStore = `CREATE TABLE IF NOT EXISTS ` + KVStore + ` (
	key_bytes    BLOB PRIMARY KEY,
	value        BLOB,
	versionstamp TEXT NOT NULL,
	expires_at   INTEGER
) WITHOUT ROWID`

	createKVStoreExpiryIndex = `CREATE INDEX IF NOT EXISTS kv_store_expires_at
ON ` + KVStore + ` (expires_at) WHERE expires_at IS NOT NULL`

	createVersionstampSequence = `CREATE TABLE IF NOT EXISTS ` + VersionstampSequence + ` (
	id       INTEGER PRIMARY KEY,
	sequence INTEGER NOT NULL
)`

	seedVersionstampSequence = `INSERT OR IGNORE INTO ` + VersionstampSequence + ` (id, sequence) VALUES (1, 0)`
)

// ddl is executed on every open; every statement is idempotent.
var ddl = []string{
	createKVStore,
	createKVStoreExpiryIndex,
	createVersionstampSequence,
	seedVersionstampSequence,
}
