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
	"math"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/erigontech/tuplekv/schema"
	"github.com/erigontech/tuplekv/tuple"
)

func TestCheckAndSet(t *testing.T) {
	db := openMemDB(t, nil)
	ctx := context.Background()
	k := key(tuple.Text("t"))

	v1, err := db.Set(ctx, k, "1")
	require.NoError(t, err)

	res, err := db.Atomic().Check(k, v1).Set(k, "2").Commit(ctx)
	require.NoError(t, err)
	require.True(t, res.Ok)
	require.Greater(t, res.Versionstamp, v1)

	// The stale stamp loses; nothing is applied.
	res, err = db.Atomic().Check(k, v1).Set(k, "3").Commit(ctx)
	require.NoError(t, err)
	require.False(t, res.Ok)
	require.Empty(t, res.Versionstamp)

	e, err := db.Get(ctx, k)
	require.NoError(t, err)
	require.Equal(t, "2", e.Value)
}

func TestCheckAbsence(t *testing.T) {
	db := openMemDB(t, nil)
	ctx := context.Background()
	k := key(tuple.Text("new"))

	// Empty versionstamp means "must be absent".
	res, err := db.Atomic().Check(k, "").Set(k, "v").Commit(ctx)
	require.NoError(t, err)
	require.True(t, res.Ok)

	res, err = db.Atomic().Check(k, "").Set(k, "w").Commit(ctx)
	require.NoError(t, err)
	require.False(t, res.Ok)
}

func TestMutationOrderObserved(t *testing.T) {
	db := openMemDB(t, nil)
	ctx := context.Background()
	k := key(tuple.Text("o"))

	res, err := db.Atomic().Set(k, "v1").Delete(k).Commit(ctx)
	require.NoError(t, err)
	require.True(t, res.Ok)
	e, err := db.Get(ctx, k)
	require.NoError(t, err)
	require.False(t, e.Present())

	res, err = db.Atomic().Delete(k).Set(k, "v2").Commit(ctx)
	require.NoError(t, err)
	require.True(t, res.Ok)
	e, err = db.Get(ctx, k)
	require.NoError(t, err)
	require.Equal(t, "v2", e.Value)
}

func TestSumWraps(t *testing.T) {
	db := openMemDB(t, nil)
	ctx := context.Background()
	k := key(tuple.Text("a"))

	_, err := db.Set(ctx, k, KvU64(math.MaxUint64))
	require.NoError(t, err)

	res, err := db.Atomic().Sum(k, KvU64(10)).Commit(ctx)
	require.NoError(t, err)
	require.True(t, res.Ok)

	e, err := db.Get(ctx, k)
	require.NoError(t, err)
	require.Equal(t, KvU64(9), e.Value)
}

func TestArithmeticOnMissingEntry(t *testing.T) {
	db := openMemDB(t, nil)
	ctx := context.Background()

	_, err := db.Atomic().Sum(key(tuple.Text("s")), KvU64(42)).Commit(ctx)
	require.NoError(t, err)
	e, err := db.Get(ctx, key(tuple.Text("s")))
	require.NoError(t, err)
	require.Equal(t, KvU64(42), e.Value)

	_, err = db.Atomic().Min(key(tuple.Text("mn")), KvU64(42)).Commit(ctx)
	require.NoError(t, err)
	e, err = db.Get(ctx, key(tuple.Text("mn")))
	require.NoError(t, err)
	require.Equal(t, KvU64(42), e.Value)

	_, err = db.Atomic().Max(key(tuple.Text("mx")), KvU64(42)).Commit(ctx)
	require.NoError(t, err)
	e, err = db.Get(ctx, key(tuple.Text("mx")))
	require.NoError(t, err)
	require.Equal(t, KvU64(42), e.Value)
}

func TestMinMax(t *testing.T) {
	db := openMemDB(t, nil)
	ctx := context.Background()
	k := key(tuple.Text("m"))

	_, err := db.Set(ctx, k, KvU64(50))
	require.NoError(t, err)

	_, err = db.Atomic().Min(k, KvU64(70)).Commit(ctx)
	require.NoError(t, err)
	e, _ := db.Get(ctx, k)
	require.Equal(t, KvU64(50), e.Value)

	_, err = db.Atomic().Min(k, KvU64(30)).Commit(ctx)
	require.NoError(t, err)
	e, _ = db.Get(ctx, k)
	require.Equal(t, KvU64(30), e.Value)

	_, err = db.Atomic().Max(k, KvU64(90)).Commit(ctx)
	require.NoError(t, err)
	e, _ = db.Get(ctx, k)
	require.Equal(t, KvU64(90), e.Value)
}

func TestArithmeticTypeMismatch(t *testing.T) {
	db := openMemDB(t, nil)
	ctx := context.Background()
	k := key(tuple.Text("str"))
	other := key(tuple.Text("other"))

	_, err := db.Set(ctx, k, "not a counter")
	require.NoError(t, err)

	// The whole commit aborts; the sibling mutation is not applied.
	_, err = db.Atomic().Set(other, "v").Sum(k, KvU64(1)).Commit(ctx)
	var tme *TypeMismatchError
	require.ErrorAs(t, err, &tme)
	require.True(t, tme.Key.Equal(k))

	e, err := db.Get(ctx, other)
	require.NoError(t, err)
	require.False(t, e.Present())
	e, err = db.Get(ctx, k)
	require.NoError(t, err)
	require.Equal(t, "not a counter", e.Value)
}

func TestMalformedVersionstampRejected(t *testing.T) {
	db := openMemDB(t, nil)
	ctx := context.Background()
	var ime *InvalidMutationError

	for _, vs := range []string{
		"xyz",
		"0123456789ABCDEF0123",  // uppercase
		"0123456789abcdef012",   // 19 chars
		"0123456789abcdef01234", // 21 chars
	} {
		_, err := db.Atomic().Check(key(tuple.Text("k")), vs).Commit(ctx)
		require.ErrorAs(t, err, &ime, "versionstamp %q", vs)
	}
}

func TestMutateGenericValidation(t *testing.T) {
	db := openMemDB(t, nil)
	ctx := context.Background()
	k := key(tuple.Text("k"))
	var ime *InvalidMutationError

	_, err := db.Atomic().Mutate(Mutation{Type: MutationSum, Key: k, Value: "nope"}).Commit(ctx)
	require.ErrorAs(t, err, &ime)

	_, err = db.Atomic().Mutate(Mutation{Type: MutationDelete, Key: k, Value: "extra"}).Commit(ctx)
	require.ErrorAs(t, err, &ime)

	_, err = db.Atomic().Mutate(Mutation{Type: MutationSet, Key: k}).Commit(ctx)
	require.ErrorAs(t, err, &ime)

	_, err = db.Atomic().Mutate(Mutation{Type: MutationType(99), Key: k}).Commit(ctx)
	require.ErrorAs(t, err, &ime)

	res, err := db.Atomic().Mutate(
		Mutation{Type: MutationSet, Key: k, Value: "v"},
		Mutation{Type: MutationSum, Key: key(tuple.Text("n")), Value: KvU64(1)},
	).Commit(ctx)
	require.NoError(t, err)
	require.True(t, res.Ok)
}

func TestCommitLimits(t *testing.T) {
	db := openMemDB(t, nil)
	ctx := context.Background()
	var ime *InvalidMutationError

	op := db.Atomic()
	for i := 0; i <= maxChecks; i++ {
		op.Check(key(tuple.Int(int64(i))), "")
	}
	_, err := op.Commit(ctx)
	require.ErrorAs(t, err, &ime)

	op = db.Atomic()
	for i := 0; i <= maxMutations; i++ {
		op.Set(key(tuple.Int(int64(i))), "v")
	}
	_, err = op.Commit(ctx)
	require.ErrorAs(t, err, &ime)

	// 50 keys of ~2KB encoded blow the key-size limit.
	op = db.Atomic()
	for i := 0; i < 50; i++ {
		op.Set(key(tuple.Int(int64(i)), tuple.Bytes(make([]byte, 2000))), "v")
	}
	_, err = op.Commit(ctx)
	require.ErrorAs(t, err, &ime)

	// Two ~450KB values blow the value-size limit.
	op = db.Atomic()
	op.Set(key(tuple.Text("v1")), strings.Repeat("x", 450_000))
	op.Set(key(tuple.Text("v2")), strings.Repeat("x", 450_000))
	_, err = op.Commit(ctx)
	require.ErrorAs(t, err, &ime)
}

func TestCommitSingleUse(t *testing.T) {
	db := openMemDB(t, nil)
	ctx := context.Background()
	op := db.Atomic().Set(key(tuple.Text("k")), "v")
	_, err := op.Commit(ctx)
	require.NoError(t, err)
	_, err = op.Commit(ctx)
	var ime *InvalidMutationError
	require.ErrorAs(t, err, &ime)
}

func TestConcurrentCheckAndSet(t *testing.T) {
	// Three handles over one file race a check-and-set on the same key:
	// exactly one commit wins.
	path := filepath.Join(t.TempDir(), "cas.db")
	ctx := context.Background()
	k := key(tuple.Text("t"))

	seed, err := Open(path, nil)
	require.NoError(t, err)
	v1, err := seed.Set(ctx, k, "1")
	require.NoError(t, err)
	require.NoError(t, seed.Close())

	const handles = 3
	results := make([]CommitResult, handles)
	var wg sync.WaitGroup
	for i := 0; i < handles; i++ {
		db, err := Open(path, nil)
		require.NoError(t, err)
		defer db.Close()

		wg.Add(1)
		go func(i int, db *DB) {
			defer wg.Done()
			res, err := db.Atomic().Check(k, v1).Set(k, "2").Commit(ctx)
			require.NoError(t, err)
			results[i] = res
		}(i, db)
	}
	wg.Wait()

	wins := 0
	for _, res := range results {
		if res.Ok {
			wins++
		}
	}
	require.Equal(t, 1, wins)
}

func TestValidationGatesAtomicCommit(t *testing.T) {
	emailSchema := schema.Func(func(_ context.Context, value any) (schema.Result, error) {
		m, ok := value.(map[string]any)
		if !ok {
			return schema.Result{Issues: []schema.Issue{{Message: "not an object"}}}, nil
		}
		email, _ := m["email"].(string)
		if !strings.Contains(email, "@") {
			return schema.Result{Issues: []schema.Issue{{Message: "invalid email", Path: []string{"email"}}}}, nil
		}
		return schema.Result{Value: value}, nil
	})
	reg := schema.NewBuilder().
		MustRegister(key(tuple.Text("users"), tuple.Wildcard), emailSchema).
		Build()
	db := openMemDB(t, &Options{Registry: reg})
	ctx := context.Background()

	bob := key(tuple.Text("users"), tuple.Text("bob"))
	alice := key(tuple.Text("users"), tuple.Text("alice"))

	_, err := db.Set(ctx, bob, map[string]any{"email": "bad"})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	require.True(t, ve.Key.Equal(bob))

	e, err := db.Get(ctx, bob)
	require.NoError(t, err)
	require.False(t, e.Present())

	// One failing validation aborts the sibling valid mutation too.
	_, err = db.Atomic().
		Set(alice, map[string]any{"email": "alice@example.com"}).
		Set(bob, map[string]any{"email": "bad"}).
		Commit(ctx)
	require.ErrorAs(t, err, &ve)

	e, err = db.Get(ctx, alice)
	require.NoError(t, err)
	require.False(t, e.Present())
}

func TestSchemaTransformIsPersisted(t *testing.T) {
	lower := schema.Func(func(_ context.Context, value any) (schema.Result, error) {
		return schema.Result{Value: strings.ToLower(value.(string))}, nil
	})
	reg := schema.NewBuilder().
		MustRegister(key(tuple.Text("tags"), tuple.Wildcard), lower).
		Build()
	db := openMemDB(t, &Options{Registry: reg})
	ctx := context.Background()

	k := key(tuple.Text("tags"), tuple.Int(1))
	_, err := db.Set(ctx, k, "LOUD")
	require.NoError(t, err)

	e, err := db.Get(ctx, k)
	require.NoError(t, err)
	require.Equal(t, "loud", e.Value)
}
