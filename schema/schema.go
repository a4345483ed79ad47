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

// Package schema holds the pattern registry that gates writes and the
// validator that applies a matched schema to a value at commit time.
//
// A pattern is a key in which any part may be the reserved wildcard text
// "*". Lookup is two-pass: exact patterns always beat wildcard patterns,
// regardless of registration order.
package schema

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/erigontech/tuplekv/tuple"
)

// Issue is one validation complaint, with an optional path into the value.
type Issue struct {
	Message string
	Path    []string
}

// Result is what a schema's validate function produces: the possibly
// transformed value, or a non-empty issue list.
type Result struct {
	Value  any
	Issues []Issue
}

// Schema is the pluggable validation contract. Validate may be
// long-running; the engine always awaits it before taking any store lock.
// A returned error that is not itself a validation failure is wrapped into
// a single-issue one by Apply.
type Schema interface {
	Validate(ctx context.Context, value any) (Result, error)
}

// Func adapts a plain function to Schema.
type Func func(ctx context.Context, value any) (Result, error)

func (f Func) Validate(ctx context.Context, value any) (Result, error) { return f(ctx, value) }

// ValidationError reports a value rejected by the schema matched for key.
type ValidationError struct {
	Key    tuple.Key
	Issues []Issue
}

func (e *ValidationError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "validation failed for key %s:", e.Key)
	for _, issue := range e.Issues {
		sb.WriteString(" ")
		if len(issue.Path) > 0 {
			sb.WriteString(strings.Join(issue.Path, "."))
			sb.WriteString(": ")
		}
		sb.WriteString(issue.Message)
	}
	return sb.String()
}

type entry struct {
	pattern tuple.Key
	schema  Schema
	exact   bool
}

// Registry is the insertion-ordered pattern list. It is immutable once
// built and safe for concurrent lookups.
type Registry struct {
	entries []entry
}

// Lookup returns the schema for key, exact matches first, then wildcard
// matches, each in registration order; nil when nothing matches.
func (r *Registry) Lookup(key tuple.Key) Schema {
	if r == nil {
		return nil
	}
	for _, e := range r.entries {
		if e.exact && Matches(e.pattern, key) {
			return e.schema
		}
	}
	for _, e := range r.entries {
		if !e.exact && Matches(e.pattern, key) {
			return e.schema
		}
	}
	return nil
}

// Len returns the number of registered patterns.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.entries)
}

// Matches reports whether key matches pattern: same length, and each
// position either the wildcard or equal by value.
func Matches(pattern, key tuple.Key) bool {
	if len(pattern) != len(key) {
		return false
	}
	for i, p := range pattern {
		if tuple.IsWildcard(p) {
			continue
		}
		if !tuple.PartsEqual(p, key[i]) {
			return false
		}
	}
	return true
}

// Builder accumulates (pattern, schema) entries before the database opens.
type Builder struct {
	entries []entry
}

// NewBuilder returns an empty registry builder.
func NewBuilder() *Builder { return &Builder{} }

// Register appends a pattern. A pattern structurally equal to one already
// registered is rejected.
func (b *Builder) Register(pattern tuple.Key, s Schema) error {
	if len(pattern) == 0 {
		return fmt.Errorf("schema: empty pattern")
	}
	if s == nil {
		return fmt.Errorf("schema: nil schema for pattern %s", pattern)
	}
	for _, e := range b.entries {
		if e.pattern.Equal(pattern) {
			return fmt.Errorf("schema: duplicate pattern %s", pattern)
		}
	}
	b.entries = append(b.entries, entry{
		pattern: pattern.Clone(),
		schema:  s,
		exact:   !pattern.HasWildcard(),
	})
	return nil
}

// MustRegister is Register for static pattern sets.
func (b *Builder) MustRegister(pattern tuple.Key, s Schema) *Builder {
	if err := b.Register(pattern, s); err != nil {
		panic(err)
	}
	return b
}

// Build freezes the builder into a registry.
func (b *Builder) Build() *Registry {
	return &Registry{entries: append([]entry(nil), b.entries...)}
}

// Apply validates value against the schema the registry yields for key. No
// registry or no match passes the value through unchanged. Schema issues
// raise ValidationError; any other schema error is wrapped into a
// single-issue ValidationError. The returned value is what gets persisted.
func Apply(ctx context.Context, reg *Registry, key tuple.Key, value any) (any, error) {
	s := reg.Lookup(key)
	if s == nil {
		return value, nil
	}
	res, err := s.Validate(ctx, value)
	if err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			return nil, &ValidationError{Key: key, Issues: ve.Issues}
		}
		return nil, &ValidationError{Key: key, Issues: []Issue{{Message: err.Error()}}}
	}
	if len(res.Issues) > 0 {
		return nil, &ValidationError{Key: key, Issues: res.Issues}
	}
	return res.Value, nil
}
