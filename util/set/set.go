// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package set contains set types.
package set

// Set is a set of T. The zero value is a nil set, which may be ranged
// over and measured but not added to.
type Set[T comparable] map[T]struct{}

// Add adds e to s.
func (s Set[T]) Add(e T) { s[e] = struct{}{} }

// Delete removes e from s.
func (s Set[T]) Delete(e T) { delete(s, e) }

// Len reports the number of items in s.
func (s Set[T]) Len() int { return len(s) }
