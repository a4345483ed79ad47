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
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/erigontech/tuplekv/tuple"
)

func collect(t *testing.T, db *DB, sel Selector, opts ListOptions) []Entry {
	t.Helper()
	it, err := db.List(sel, opts)
	require.NoError(t, err)
	entries, err := it.Collect(context.Background())
	require.NoError(t, err)
	return entries
}

func keysEqual(t *testing.T, entries []Entry, want []tuple.Key) {
	t.Helper()
	require.Len(t, entries, len(want))
	for i := range want {
		require.True(t, entries[i].Key.Equal(want[i]),
			"position %d: got %s, want %s", i, entries[i].Key, want[i])
	}
}

func TestListCrossTypeOrder(t *testing.T) {
	// A root-level list yields the canonical cross-type order.
	db := openMemDB(t, nil)
	ctx := context.Background()

	want := []tuple.Key{
		key(tuple.Bytes{1}),
		key(tuple.Text("a")),
		key(tuple.Int(1)),
		key(tuple.Double(3.14)),
		key(tuple.Bool(false)),
		key(tuple.Bool(true)),
	}
	shuffled := append([]tuple.Key(nil), want...)
	rand.New(rand.NewSource(42)).Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	for _, k := range shuffled {
		_, err := db.Set(ctx, k, "v")
		require.NoError(t, err)
	}

	keysEqual(t, collect(t, db, Selector{Prefix: tuple.Key{}}, ListOptions{}), want)
}

func TestListPrefixBounds(t *testing.T) {
	// The prefix anchor itself is never yielded.
	db := openMemDB(t, nil)
	ctx := context.Background()

	_, err := db.Set(ctx, key(tuple.Text("a")), int64(-1))
	require.NoError(t, err)
	for i, s := range []string{"a", "b", "c", "d", "e"} {
		_, err := db.Set(ctx, key(tuple.Text("a"), tuple.Text(s)), int64(i))
		require.NoError(t, err)
	}
	_, err = db.Set(ctx, key(tuple.Text("b")), int64(99))
	require.NoError(t, err)
	_, err = db.Set(ctx, key(tuple.Text("b"), tuple.Text("a")), int64(100))
	require.NoError(t, err)

	entries := collect(t, db, Selector{Prefix: key(tuple.Text("a"))}, ListOptions{})
	keysEqual(t, entries, []tuple.Key{
		key(tuple.Text("a"), tuple.Text("a")),
		key(tuple.Text("a"), tuple.Text("b")),
		key(tuple.Text("a"), tuple.Text("c")),
		key(tuple.Text("a"), tuple.Text("d")),
		key(tuple.Text("a"), tuple.Text("e")),
	})

	// A sibling one-part key that extends the prefix's bytes (not its
	// parts) stays out.
	_, err = db.Set(ctx, key(tuple.Text("ab")), int64(7))
	require.NoError(t, err)
	entries = collect(t, db, Selector{Prefix: key(tuple.Text("a"))}, ListOptions{})
	require.Len(t, entries, 5)
}

func TestListPrefixWithStartAndEnd(t *testing.T) {
	db := openMemDB(t, nil)
	ctx := context.Background()
	for _, s := range []string{"a", "b", "c", "d", "e"} {
		_, err := db.Set(ctx, key(tuple.Text("p"), tuple.Text(s)), "v")
		require.NoError(t, err)
	}
	prefix := key(tuple.Text("p"))

	entries := collect(t, db, Selector{Prefix: prefix, Start: key(tuple.Text("p"), tuple.Text("c"))}, ListOptions{})
	keysEqual(t, entries, []tuple.Key{
		key(tuple.Text("p"), tuple.Text("c")),
		key(tuple.Text("p"), tuple.Text("d")),
		key(tuple.Text("p"), tuple.Text("e")),
	})

	entries = collect(t, db, Selector{Prefix: prefix, End: key(tuple.Text("p"), tuple.Text("c"))}, ListOptions{})
	keysEqual(t, entries, []tuple.Key{
		key(tuple.Text("p"), tuple.Text("a")),
		key(tuple.Text("p"), tuple.Text("b")),
	})
}

func TestListRawRange(t *testing.T) {
	db := openMemDB(t, nil)
	ctx := context.Background()
	for _, s := range []string{"a", "b", "c", "d"} {
		_, err := db.Set(ctx, key(tuple.Text(s)), "v")
		require.NoError(t, err)
	}

	// start-inclusive, end-exclusive.
	entries := collect(t, db, Selector{Start: key(tuple.Text("b")), End: key(tuple.Text("d"))}, ListOptions{})
	keysEqual(t, entries, []tuple.Key{key(tuple.Text("b")), key(tuple.Text("c"))})
}

func TestListReverse(t *testing.T) {
	db := openMemDB(t, nil)
	ctx := context.Background()
	for _, s := range []string{"a", "b", "c"} {
		_, err := db.Set(ctx, key(tuple.Text("p"), tuple.Text(s)), "v")
		require.NoError(t, err)
	}
	entries := collect(t, db, Selector{Prefix: key(tuple.Text("p"))}, ListOptions{Reverse: true})
	keysEqual(t, entries, []tuple.Key{
		key(tuple.Text("p"), tuple.Text("c")),
		key(tuple.Text("p"), tuple.Text("b")),
		key(tuple.Text("p"), tuple.Text("a")),
	})
}

func TestListLimitAndBatching(t *testing.T) {
	db := openMemDB(t, nil)
	ctx := context.Background()
	for i := 0; i < 25; i++ {
		_, err := db.Set(ctx, key(tuple.Text("p"), tuple.Int(int64(i))), int64(i))
		require.NoError(t, err)
	}

	// A batch size smaller than the result set forces multi-batch paging.
	entries := collect(t, db, Selector{Prefix: key(tuple.Text("p"))}, ListOptions{BatchSize: 4})
	require.Len(t, entries, 25)
	for i, e := range entries {
		require.True(t, e.Key.Equal(key(tuple.Text("p"), tuple.Int(int64(i)))))
	}

	entries = collect(t, db, Selector{Prefix: key(tuple.Text("p"))}, ListOptions{Limit: 7, BatchSize: 3})
	require.Len(t, entries, 7)

	entries = collect(t, db, Selector{Prefix: key(tuple.Text("p"))}, ListOptions{Limit: 7, BatchSize: 3, Reverse: true})
	require.Len(t, entries, 7)
	require.True(t, entries[0].Key.Equal(key(tuple.Text("p"), tuple.Int(24))))
}

func TestListCursorResume(t *testing.T) {
	db := openMemDB(t, nil)
	ctx := context.Background()
	for _, s := range []string{"a", "b", "c", "d", "e"} {
		_, err := db.Set(ctx, key(tuple.Text("p"), tuple.Text(s)), "v")
		require.NoError(t, err)
	}
	sel := Selector{Prefix: key(tuple.Text("p"))}

	it, err := db.List(sel, ListOptions{Limit: 2})
	require.NoError(t, err)
	first, err := it.Collect(ctx)
	require.NoError(t, err)
	keysEqual(t, first, []tuple.Key{
		key(tuple.Text("p"), tuple.Text("a")),
		key(tuple.Text("p"), tuple.Text("b")),
	})
	cursor := it.Cursor()
	require.NotEmpty(t, cursor)

	// Resume strictly after the cursor key.
	rest := collect(t, db, sel, ListOptions{Cursor: cursor})
	keysEqual(t, rest, []tuple.Key{
		key(tuple.Text("p"), tuple.Text("c")),
		key(tuple.Text("p"), tuple.Text("d")),
		key(tuple.Text("p"), tuple.Text("e")),
	})

	// Reversed, the cursor bounds from above.
	it, err = db.List(sel, ListOptions{Limit: 2, Reverse: true})
	require.NoError(t, err)
	firstRev, err := it.Collect(ctx)
	require.NoError(t, err)
	keysEqual(t, firstRev, []tuple.Key{
		key(tuple.Text("p"), tuple.Text("e")),
		key(tuple.Text("p"), tuple.Text("d")),
	})
	restRev := collect(t, db, sel, ListOptions{Cursor: it.Cursor(), Reverse: true})
	keysEqual(t, restRev, []tuple.Key{
		key(tuple.Text("p"), tuple.Text("c")),
		key(tuple.Text("p"), tuple.Text("b")),
		key(tuple.Text("p"), tuple.Text("a")),
	})
}

func TestListSelectorValidation(t *testing.T) {
	db := openMemDB(t, nil)
	var ise *InvalidSelectorError

	cases := []Selector{
		{}, // nothing
		{Start: key(tuple.Text("a"))},                                                                // start alone
		{End: key(tuple.Text("a"))},                                                                  // end alone
		{Prefix: key(tuple.Text("p")), Start: key(tuple.Text("p"), tuple.Text("a")), End: key(tuple.Text("p"), tuple.Text("b"))}, // all three
		{Prefix: key(tuple.Text("p")), Start: key(tuple.Text("q"), tuple.Text("a"))},                 // start outside prefix
		{Prefix: key(tuple.Text("p")), End: key(tuple.Text("q"))},                                    // end outside prefix
		{Prefix: key(tuple.Text("p")), Start: key(tuple.Text("p"))},                                  // start not strictly inside
		{Start: key(tuple.Text("b")), End: key(tuple.Text("a"))},                                     // start > end
	}
	for i, sel := range cases {
		_, err := db.List(sel, ListOptions{})
		require.ErrorAs(t, err, &ise, "case %d", i)
	}

	_, err := db.List(Selector{Prefix: tuple.Key{}}, ListOptions{BatchSize: 1001})
	require.ErrorAs(t, err, &ise)
	_, err = db.List(Selector{Prefix: tuple.Key{}}, ListOptions{Limit: -1})
	require.ErrorAs(t, err, &ise)
	_, err = db.List(Selector{Prefix: tuple.Key{}}, ListOptions{Cursor: "!!!"})
	require.ErrorAs(t, err, &ise)
}

func TestListIteratorClose(t *testing.T) {
	db := openMemDB(t, nil)
	ctx := context.Background()
	_, err := db.Set(ctx, key(tuple.Text("a")), "v")
	require.NoError(t, err)

	it, err := db.List(Selector{Prefix: tuple.Key{}}, ListOptions{})
	require.NoError(t, err)
	it.Close()
	e, err := it.Next(ctx)
	require.NoError(t, err)
	require.Nil(t, e)

	// Closing the iterator does not close the database.
	_, err = db.Get(ctx, key(tuple.Text("a")))
	require.NoError(t, err)
}
