// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package sockbuf implements per-direction socket buffer accounting.
//
// A Buffer tracks two quantities: the payload bytes it holds (cc) and
// the storage footprint of the segments holding them (mbcnt). Each is
// capped independently, by the high-water mark and by the segment budget,
// and the smaller remaining capacity governs admission.
package sockbuf

import (
	"fmt"
	"time"

	"github.com/secsecsec/libusnet/net/sockerr"
	"github.com/secsecsec/libusnet/util/ringbuffer"
	"gvisor.dev/gvisor/pkg/buffer"
)

const (
	// SBMax is the largest high-water mark a buffer may reserve.
	SBMax = 256 * 1024

	// ClusterSize is the storage unit that converts a segment count into a
	// footprint budget: a buffer allowing N segments may hold N*ClusterSize
	// bytes of segment storage.
	ClusterSize = 2048
)

// Flags are buffer state flags.
type Flags uint16

const (
	Locked Flags = 0x01 // buffer is locked by a reader or writer
	Want   Flags = 0x02 // someone wants the lock
	Wait   Flags = 0x04 // someone is waiting for data or space
	Sel    Flags = 0x08 // someone is polling the buffer
	Async  Flags = 0x10 // deliver async notifications
	NoIntr Flags = 0x40 // operations are not interruptible
)

func (f Flags) String() string {
	if f == 0 {
		return "0"
	}
	var s string
	for _, b := range []struct {
		f    Flags
		name string
	}{
		{Locked, "LOCK"}, {Want, "WANT"}, {Wait, "WAIT"},
		{Sel, "SEL"}, {Async, "ASYNC"}, {NoIntr, "NOINTR"},
	} {
		if f&b.f != 0 {
			if s != "" {
				s += "|"
			}
			s += b.name
		}
	}
	return s
}

// Limits configures a Buffer.
type Limits struct {
	HiWat       int           // payload byte cap
	LoWat       int           // resume threshold; 0 means min(ClusterSize, HiWat)
	MaxSegments int           // segment cap; 0 means derived from HiWat
	Timeout     time.Duration // read or write timeout reported to the I/O driver
}

// Segment is a unit of buffered data. *buffer.View implements it.
type Segment interface {
	// Size is the payload length in bytes.
	Size() int
	// Capacity is the storage footprint in bytes.
	Capacity() int
}

// Buffer is a socket send or receive buffer.
//
// It is not safe for concurrent use.
type Buffer struct {
	cc      int // payload bytes held
	hiwat   int
	mbcnt   int // storage footprint held
	mbmax   int
	lowat   int
	flags   Flags
	timeout time.Duration
	segs    ringbuffer.RingBuffer[*buffer.View]
}

// New returns an empty Buffer with the given limits.
func New(l Limits) (*Buffer, error) {
	b := new(Buffer)
	if err := b.Reserve(l); err != nil {
		return nil, err
	}
	return b, nil
}

// Reserve changes the limits of b without touching its contents. It
// fails with sockerr.ResourceExhausted if HiWat is not in (0, SBMax].
func (b *Buffer) Reserve(l Limits) error {
	if l.HiWat <= 0 || l.HiWat > SBMax {
		return sockerr.Newf("reserve", sockerr.ResourceExhausted, "hiwat %d out of range (0, %d]", l.HiWat, SBMax)
	}
	segs := l.MaxSegments
	if segs <= 0 {
		segs = max(1, 2*((l.HiWat+ClusterSize-1)/ClusterSize))
	}
	lowat := l.LoWat
	if lowat <= 0 {
		lowat = min(ClusterSize, l.HiWat)
	}
	b.hiwat = l.HiWat
	b.mbmax = segs * ClusterSize
	b.lowat = min(lowat, l.HiWat)
	b.timeout = l.Timeout
	return nil
}

// Space returns how many more payload bytes b may admit: the smaller of
// the byte and footprint headroom, never negative.
func (b *Buffer) Space() int {
	return max(0, min(b.hiwat-b.cc, b.mbmax-b.mbcnt))
}

// AccountAppend charges s against b. It must be called exactly once per
// admitted segment.
func (b *Buffer) AccountAppend(s Segment) {
	b.cc += s.Size()
	b.mbcnt += s.Capacity()
}

// AccountRemove undoes AccountAppend for s.
func (b *Buffer) AccountRemove(s Segment) {
	b.cc = max(0, b.cc-s.Size())
	b.mbcnt = max(0, b.mbcnt-s.Capacity())
}

// Append admits v at the tail of b. It returns sockerr.WouldBlock,
// leaving v with the caller, if v's payload exceeds Space. On success b
// owns v.
func (b *Buffer) Append(v *buffer.View) error {
	if v.Size() > b.Space() {
		return sockerr.New("append", sockerr.WouldBlock)
	}
	b.AppendForce(v)
	return nil
}

// AppendForce admits v without checking space. It is for protocol data
// that must not be refused, such as a record completing a datagram.
func (b *Buffer) AppendForce(v *buffer.View) {
	b.segs.Push(v)
	b.AccountAppend(v)
}

// Shift removes and returns the oldest segment. The caller owns the
// returned view.
func (b *Buffer) Shift() (*buffer.View, bool) {
	v, ok := b.segs.Pop()
	if !ok {
		return nil, false
	}
	b.AccountRemove(v)
	return v, true
}

// Peek returns the oldest segment without removing it.
func (b *Buffer) Peek() (*buffer.View, bool) {
	return b.segs.Peek()
}

// Drop discards up to n payload bytes from the front of b and returns how
// many were discarded. A partially consumed segment keeps its footprint
// charged until it is fully consumed.
func (b *Buffer) Drop(n int) int {
	dropped := 0
	for dropped < n {
		v, ok := b.segs.Peek()
		if !ok {
			break
		}
		if sz := v.Size(); sz <= n-dropped {
			b.Shift()
			v.Release()
			dropped += sz
			continue
		}
		k := n - dropped
		v.TrimFront(k)
		b.cc -= k
		dropped += k
	}
	return dropped
}

// Flush releases every segment and zeroes the counters.
func (b *Buffer) Flush() {
	for {
		v, ok := b.segs.Pop()
		if !ok {
			break
		}
		v.Release()
	}
	b.segs.Clear()
	b.cc = 0
	b.mbcnt = 0
}

// Len returns the payload bytes held.
func (b *Buffer) Len() int { return b.cc }

// Segments returns the number of segments held.
func (b *Buffer) Segments() int { return b.segs.Len() }

func (b *Buffer) HiWat() int             { return b.hiwat }
func (b *Buffer) LoWat() int             { return b.lowat }
func (b *Buffer) MBCount() int           { return b.mbcnt }
func (b *Buffer) MBMax() int             { return b.mbmax }
func (b *Buffer) Flags() Flags           { return b.flags }
func (b *Buffer) Timeout() time.Duration { return b.timeout }

// SetLoWat sets the low-water mark, capped to the high-water mark.
func (b *Buffer) SetLoWat(n int) { b.lowat = max(0, min(n, b.hiwat)) }

// Readable reports whether a reader should be woken: at least lowat bytes
// are held, or any byte when lowat is zero.
func (b *Buffer) Readable() bool {
	if b.lowat == 0 {
		return b.cc > 0
	}
	return b.cc >= b.lowat
}

// Writable reports whether a suspended producer should resume.
func (b *Buffer) Writable() bool {
	return b.Space() >= b.lowat
}

// Lock takes the buffer lock. If it is already held, Lock records a
// waiter and returns sockerr.WouldBlock.
func (b *Buffer) Lock() error {
	if b.flags&Locked != 0 {
		b.flags |= Want
		return sockerr.New("sblock", sockerr.WouldBlock)
	}
	b.flags |= Locked
	return nil
}

// Unlock releases the buffer lock and reports whether anyone asked for it
// while it was held.
func (b *Buffer) Unlock() (wanted bool) {
	wanted = b.flags&Want != 0
	b.flags &^= Locked | Want
	return wanted
}

// SetFlags sets the Sel, Async or NoIntr flags. The lock flags are managed
// by Lock and Unlock and are ignored here.
func (b *Buffer) SetFlags(f Flags) { b.flags |= f &^ (Locked | Want) }

// ClearFlags clears the given flags, except the lock flags.
func (b *Buffer) ClearFlags(f Flags) { b.flags &^= f &^ (Locked | Want) }

// Stats is a snapshot of a Buffer's counters.
type Stats struct {
	CC, HiWat, MBCnt, MBMax, LoWat, Segments int
}

func (s Stats) String() string {
	return fmt.Sprintf("sockbuf{cc=%d/%d mb=%d/%d lowat=%d segs=%d}", s.CC, s.HiWat, s.MBCnt, s.MBMax, s.LoWat, s.Segments)
}

// Stats returns a snapshot of b's counters.
func (b *Buffer) Stats() Stats {
	return Stats{
		CC:       b.cc,
		HiWat:    b.hiwat,
		MBCnt:    b.mbcnt,
		MBMax:    b.mbmax,
		LoWat:    b.lowat,
		Segments: b.segs.Len(),
	}
}
