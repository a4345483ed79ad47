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
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/erigontech/tuplekv/kvstore"
	"github.com/erigontech/tuplekv/schema"
	"github.com/erigontech/tuplekv/serde"
	"github.com/erigontech/tuplekv/stamp"
	"github.com/erigontech/tuplekv/tuple"
)

// Commit limits.
const (
	maxChecks        = 100
	maxMutations     = 1000
	maxTotalKeySize  = 81920
	maxTotalValSize  = 819200
	arithmeticValLen = 8

	// commitRetries bounds whole-commit retries on store contention, on top
	// of the store's own per-transaction busy-retry cap.
	commitRetries = 10
)

// errCheckFailed aborts the transaction body when a declared check
// mismatches; it never escapes Commit.
var errCheckFailed = errors.New("tuplekv: atomic check failed")

// CommitResult reports a commit. Ok is false only when a declared check's
// versionstamp did not match; every other failure is an error.
type CommitResult struct {
	Ok           bool
	Versionstamp string
}

// MutationType enumerates the write mutations an atomic operation carries.
type MutationType uint8

const (
	MutationSet MutationType = iota + 1
	MutationDelete
	MutationSum
	MutationMin
	MutationMax
)

func (t MutationType) String() string {
	switch t {
	case MutationSet:
		return "set"
	case MutationDelete:
		return "delete"
	case MutationSum:
		return "sum"
	case MutationMin:
		return "min"
	case MutationMax:
		return "max"
	}
	return fmt.Sprintf("MutationType(%d)", uint8(t))
}

// Mutation is the generic form accepted by Mutate. Sum, min and max require
// a KvU64 value; delete must not carry one.
type Mutation struct {
	Type     MutationType
	Key      tuple.Key
	Value    any
	ExpireIn time.Duration
}

type checkOp struct {
	key          tuple.Key
	enc          []byte
	versionstamp string // "" expects absence
}

type mutationOp struct {
	typ      MutationType
	key      tuple.Key
	enc      []byte
	value    any
	operand  uint64
	expireIn time.Duration
}

// AtomicOp accumulates checks and mutations and commits them atomically:
// either every check passes and every mutation applies under one fresh
// versionstamp, or nothing does. Builders are single-use.
type AtomicOp struct {
	db        *DB
	checks    []checkOp
	mutations []mutationOp
	err       error
	committed bool
}

// Atomic starts an empty atomic operation.
func (db *DB) Atomic() *AtomicOp {
	return &AtomicOp{db: db}
}

func (op *AtomicOp) fail(err error) *AtomicOp {
	if op.err == nil {
		op.err = err
	}
	return op
}

// Check declares that key must currently hold versionstamp, or be absent
// when versionstamp is empty. Checks are evaluated in declared order at the
// transaction's read point.
func (op *AtomicOp) Check(key tuple.Key, versionstamp string) *AtomicOp {
	enc, err := encodeReadKey(key)
	if err != nil {
		return op.fail(err)
	}
	if versionstamp != "" {
		if err := stamp.Validate(versionstamp); err != nil {
			return op.fail(&InvalidMutationError{Reason: err.Error()})
		}
	}
	op.checks = append(op.checks, checkOp{key: key, enc: enc, versionstamp: versionstamp})
	return op
}

// Set queues an upsert.
func (op *AtomicOp) Set(key tuple.Key, value any) *AtomicOp {
	return op.SetWithTTL(key, value, 0)
}

// SetWithTTL queues an upsert whose entry expires expireIn after the
// commit.
func (op *AtomicOp) SetWithTTL(key tuple.Key, value any, expireIn time.Duration) *AtomicOp {
	if expireIn < 0 {
		return op.fail(&InvalidMutationError{Reason: "negative expireIn"})
	}
	enc, err := encodeWriteKey(key)
	if err != nil {
		return op.fail(err)
	}
	op.mutations = append(op.mutations, mutationOp{
		typ: MutationSet, key: key, enc: enc, value: value, expireIn: expireIn,
	})
	return op
}

// Delete queues a removal.
func (op *AtomicOp) Delete(key tuple.Key) *AtomicOp {
	enc, err := encodeWriteKey(key)
	if err != nil {
		return op.fail(err)
	}
	op.mutations = append(op.mutations, mutationOp{typ: MutationDelete, key: key, enc: enc})
	return op
}

// Sum queues a 64-bit wrapping add; a missing entry starts at the operand.
func (op *AtomicOp) Sum(key tuple.Key, operand KvU64) *AtomicOp {
	return op.arithmetic(MutationSum, key, operand)
}

// Min queues a 64-bit unsigned minimum; a missing entry starts at the
// operand.
func (op *AtomicOp) Min(key tuple.Key, operand KvU64) *AtomicOp {
	return op.arithmetic(MutationMin, key, operand)
}

// Max queues a 64-bit unsigned maximum; a missing entry starts at the
// operand.
func (op *AtomicOp) Max(key tuple.Key, operand KvU64) *AtomicOp {
	return op.arithmetic(MutationMax, key, operand)
}

func (op *AtomicOp) arithmetic(typ MutationType, key tuple.Key, operand KvU64) *AtomicOp {
	enc, err := encodeWriteKey(key)
	if err != nil {
		return op.fail(err)
	}
	op.mutations = append(op.mutations, mutationOp{
		typ: typ, key: key, enc: enc, operand: uint64(operand),
	})
	return op
}

// Mutate queues mutations in their generic form.
func (op *AtomicOp) Mutate(muts ...Mutation) *AtomicOp {
	for _, m := range muts {
		switch m.Type {
		case MutationSet:
			if m.Value == nil {
				return op.fail(&InvalidMutationError{Reason: "set requires a value"})
			}
			op.SetWithTTL(m.Key, m.Value, m.ExpireIn)
		case MutationDelete:
			if m.Value != nil {
				return op.fail(&InvalidMutationError{Reason: "delete must not carry a value"})
			}
			op.Delete(m.Key)
		case MutationSum, MutationMin, MutationMax:
			u, ok := m.Value.(KvU64)
			if !ok {
				return op.fail(&InvalidMutationError{
					Reason: fmt.Sprintf("%s requires a KvU64 operand, got %T", m.Type, m.Value),
				})
			}
			op.arithmetic(m.Type, m.Key, u)
		default:
			return op.fail(&InvalidMutationError{Reason: fmt.Sprintf("unknown mutation type %d", m.Type)})
		}
	}
	return op
}

// Commit validates, stamps and applies the operation. It returns
// {Ok:false} only for a failed check; validation failures, type mismatches
// and store errors are returned as errors with nothing applied. On store
// contention the whole commit is retried, re-validation included.
func (op *AtomicOp) Commit(ctx context.Context) (CommitResult, error) {
	if err := op.db.checkClosed(); err != nil {
		return CommitResult{}, err
	}
	if op.committed {
		return CommitResult{}, &InvalidMutationError{Reason: "atomic operation already committed"}
	}
	op.committed = true
	if op.err != nil {
		return CommitResult{}, op.err
	}
	if err := op.checkLimits(); err != nil {
		return CommitResult{}, err
	}

	for attempt := 0; ; attempt++ {
		res, err := op.commitOnce(ctx)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, ErrContention) || attempt+1 >= commitRetries {
			return CommitResult{}, err
		}
		op.db.log.Debug("commit contended, retrying",
			zap.Int("attempt", attempt+1),
			zap.Int("mutations", len(op.mutations)))
	}
}

func (op *AtomicOp) checkLimits() error {
	if len(op.checks) > maxChecks {
		return &InvalidMutationError{Reason: fmt.Sprintf("%d checks, max %d", len(op.checks), maxChecks)}
	}
	if len(op.mutations) > maxMutations {
		return &InvalidMutationError{Reason: fmt.Sprintf("%d mutations, max %d", len(op.mutations), maxMutations)}
	}
	keyBytes := 0
	for _, c := range op.checks {
		keyBytes += len(c.enc)
	}
	for _, m := range op.mutations {
		keyBytes += len(m.enc)
	}
	if keyBytes > maxTotalKeySize {
		return &InvalidMutationError{Reason: fmt.Sprintf("%d key bytes, max %d", keyBytes, maxTotalKeySize)}
	}
	return nil
}

// commitOnce is one full attempt: validate and serialize set payloads,
// take a fresh versionstamp, then run the store transaction. Validation
// happens before any store lock is held, and again on every retry (schemas
// are pure functions of their input, so this is idempotent).
func (op *AtomicOp) commitOnce(ctx context.Context) (CommitResult, error) {
	db := op.db

	payloads := make([][]byte, len(op.mutations))
	valBytes := 0
	for i, m := range op.mutations {
		switch m.typ {
		case MutationSet:
			validated, err := schema.Apply(ctx, db.reg, m.key, m.value)
			if err != nil {
				return CommitResult{}, err
			}
			payload, err := db.ser.Serialize(toSerde(validated))
			if err != nil {
				return CommitResult{}, err
			}
			payloads[i] = payload
			valBytes += len(payload)
		case MutationSum, MutationMin, MutationMax:
			valBytes += arithmeticValLen
		}
	}
	if valBytes > maxTotalValSize {
		return CommitResult{}, &InvalidMutationError{
			Reason: fmt.Sprintf("%d value bytes, max %d", valBytes, maxTotalValSize),
		}
	}

	db.commitMu.Lock()
	defer db.commitMu.Unlock()

	vs, err := db.auth.Next(ctx)
	if err != nil {
		return CommitResult{}, err
	}

	nowMs := db.nowMs()
	err = db.store.WithTransaction(ctx, func(tx kvstore.Tx) error {
		for _, c := range op.checks {
			row, err := tx.Get(c.enc, nowMs)
			if err != nil {
				return err
			}
			current := ""
			if row != nil {
				current = row.Versionstamp
			}
			if current != c.versionstamp {
				return errCheckFailed
			}
		}
		for i, m := range op.mutations {
			switch m.typ {
			case MutationSet:
				var expiresAt int64
				if m.expireIn > 0 {
					expiresAt = nowMs + m.expireIn.Milliseconds()
				}
				if err := tx.Put(kvstore.Row{
					Key: m.enc, Value: payloads[i], Versionstamp: vs, ExpiresAt: expiresAt,
				}); err != nil {
					return err
				}
			case MutationDelete:
				if err := tx.Delete(m.enc); err != nil {
					return err
				}
			case MutationSum, MutationMin, MutationMax:
				next, err := op.applyArithmetic(tx, m, nowMs)
				if err != nil {
					return err
				}
				payload, err := db.ser.Serialize(serde.Value{IsU64: true, U64: next})
				if err != nil {
					return err
				}
				if err := tx.Put(kvstore.Row{
					Key: m.enc, Value: payload, Versionstamp: vs,
				}); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if errors.Is(err, errCheckFailed) {
		return CommitResult{Ok: false}, nil
	}
	if err != nil {
		return CommitResult{}, err
	}
	return CommitResult{Ok: true, Versionstamp: vs}, nil
}

// applyArithmetic reads the current value at the transaction's read point
// and folds the operand in. An existing non-KvU64 value aborts the whole
// commit with TypeMismatchError.
func (op *AtomicOp) applyArithmetic(tx kvstore.Tx, m mutationOp, nowMs int64) (uint64, error) {
	row, err := tx.Get(m.enc, nowMs)
	if err != nil {
		return 0, err
	}
	if row == nil {
		return m.operand, nil
	}
	val, err := op.db.ser.Deserialize(row.Value)
	if err != nil {
		return 0, err
	}
	if !val.IsU64 {
		return 0, &TypeMismatchError{Key: m.key}
	}
	switch m.typ {
	case MutationSum:
		return val.U64 + m.operand, nil // wraps mod 2^64
	case MutationMin:
		if m.operand < val.U64 {
			return m.operand, nil
		}
		return val.U64, nil
	default: // MutationMax
		if m.operand > val.U64 {
			return m.operand, nil
		}
		return val.U64, nil
	}
}
