// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package ringbuffer provides a generic growable FIFO ring buffer.
package ringbuffer

import "iter"

const initialSize = 8

// RingBuffer is a FIFO queue backed by a circular slice. It grows when
// full and is never lossy. The zero value is an empty queue.
//
// It is not safe for concurrent use.
type RingBuffer[T any] struct {
	buf   []T
	head  int // index of the first element
	count int // number of elements in the buffer
}

// New returns a new RingBuffer. The backing slice is allocated on first push.
func New[T any]() *RingBuffer[T] {
	return &RingBuffer[T]{}
}

func (rb *RingBuffer[T]) at(i int) int { return (rb.head + i) % len(rb.buf) }

// Push appends item to the back of the queue.
func (rb *RingBuffer[T]) Push(item T) {
	if rb.count == len(rb.buf) {
		rb.grow()
	}
	rb.buf[rb.at(rb.count)] = item
	rb.count++
}

// Pop removes and returns the oldest element.
// It returns the zero value and false if the buffer is empty.
func (rb *RingBuffer[T]) Pop() (T, bool) {
	var zero T
	if rb.count == 0 {
		return zero, false
	}
	item := rb.buf[rb.head]
	rb.buf[rb.head] = zero // clear reference for GC
	rb.head = (rb.head + 1) % len(rb.buf)
	rb.count--
	if rb.count == 0 {
		rb.head = 0
	}
	return item, true
}

// Peek returns the oldest element without removing it.
// It returns the zero value and false if the buffer is empty.
func (rb *RingBuffer[T]) Peek() (T, bool) {
	if rb.count == 0 {
		var zero T
		return zero, false
	}
	return rb.buf[rb.head], true
}

// Remove deletes the first element, oldest first, for which match returns
// true. The relative order of the other elements is kept.
func (rb *RingBuffer[T]) Remove(match func(T) bool) (T, bool) {
	var zero T
	for i := range rb.count {
		if !match(rb.buf[rb.at(i)]) {
			continue
		}
		item := rb.buf[rb.at(i)]
		for j := i; j < rb.count-1; j++ {
			rb.buf[rb.at(j)] = rb.buf[rb.at(j+1)]
		}
		rb.buf[rb.at(rb.count-1)] = zero
		rb.count--
		return item, true
	}
	return zero, false
}

// Contains reports whether any element satisfies match.
func (rb *RingBuffer[T]) Contains(match func(T) bool) bool {
	for v := range rb.All() {
		if match(v) {
			return true
		}
	}
	return false
}

// All returns an iterator over the elements, oldest first.
// The buffer must not be modified during iteration.
func (rb *RingBuffer[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		for i := range rb.count {
			if !yield(rb.buf[rb.at(i)]) {
				return
			}
		}
	}
}

// Len returns the number of elements in the buffer.
func (rb *RingBuffer[T]) Len() int {
	return rb.count
}

// Cap returns the current capacity of the underlying buffer.
func (rb *RingBuffer[T]) Cap() int {
	return len(rb.buf)
}

// IsEmpty reports whether the buffer contains no elements.
func (rb *RingBuffer[T]) IsEmpty() bool {
	return rb.count == 0
}

// Clear removes all elements and releases the backing slice.
func (rb *RingBuffer[T]) Clear() {
	rb.buf = nil
	rb.head = 0
	rb.count = 0
}

// grow doubles the capacity, laying the elements out from index 0.
func (rb *RingBuffer[T]) grow() {
	n := len(rb.buf) * 2
	if n == 0 {
		n = initialSize
	}
	buf := make([]T, n)
	if rb.count > 0 {
		k := copy(buf, rb.buf[rb.head:])
		if k < rb.count {
			copy(buf[k:], rb.buf[:rb.count-k])
		}
	}
	rb.buf = buf
	rb.head = 0
}
