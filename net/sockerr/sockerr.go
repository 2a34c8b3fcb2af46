// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package sockerr defines the error kinds returned by the socket and PCB
// layers.
//
// A Kind is itself an error, so callers test for a kind with errors.Is:
//
//	if errors.Is(err, sockerr.WouldBlock) { ... }
package sockerr

import (
	"errors"
	"fmt"
	"net/netip"
	"syscall"
)

// Kind classifies an error from the socket layer.
type Kind int

const (
	OK Kind = iota

	// ResourceExhausted is returned when a handle table, port range or
	// buffer reservation has no capacity left.
	ResourceExhausted
	// AddressInUse is a local binding or 4-tuple collision.
	AddressInUse
	// NoRoute is a route resolution failure, including a broadcast
	// destination on a socket without the broadcast option.
	NoRoute
	// WouldBlock asks a non-blocking caller to retry once notified.
	WouldBlock
	// InProgress reports that a connect has started and will finish
	// asynchronously.
	InProgress
	// InvalidState is an operation invalid for the current socket or PCB
	// state, including use of a stale handle.
	InvalidState
	// QueueFull is a listener backlog overflow. The connection attempt is
	// dropped.
	QueueFull
	// PeerUnreachable is latched on a socket whose peer can no longer be
	// reached.
	PeerUnreachable
	// ConnectionReset is latched on a socket reset by its peer.
	ConnectionReset
)

var kindNames = [...]string{
	OK:                "ok",
	ResourceExhausted: "resource exhausted",
	AddressInUse:      "address in use",
	NoRoute:           "no route to network",
	WouldBlock:        "operation would block",
	InProgress:        "operation in progress",
	InvalidState:      "invalid state",
	QueueFull:         "queue full",
	PeerUnreachable:   "peer unreachable",
	ConnectionReset:   "connection reset",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

func (k Kind) Error() string { return k.String() }

// Errno returns the BSD errno corresponding to k.
func (k Kind) Errno() syscall.Errno {
	switch k {
	case OK:
		return 0
	case ResourceExhausted:
		return syscall.ENOBUFS
	case AddressInUse:
		return syscall.EADDRINUSE
	case NoRoute:
		return syscall.ENETUNREACH
	case WouldBlock:
		return syscall.EWOULDBLOCK
	case InProgress:
		return syscall.EINPROGRESS
	case QueueFull:
		return syscall.ECONNREFUSED
	case PeerUnreachable:
		return syscall.EHOSTUNREACH
	case ConnectionReset:
		return syscall.ECONNRESET
	}
	return syscall.EINVAL
}

// Temporary reports whether k is a retry signal rather than a failure.
func (k Kind) Temporary() bool {
	return k == WouldBlock || k == InProgress
}

// Hard reports whether k is an asynchronous failure that is latched on a
// connected socket when its route changes.
func (k Kind) Hard() bool {
	switch k {
	case NoRoute, PeerUnreachable, ConnectionReset:
		return true
	}
	return false
}

// OpError is the error type returned by socket and PCB operations.
type OpError struct {
	Op   string         // "bind", "connect", "listen", ...
	Kind Kind           // classification
	Addr netip.AddrPort // address involved, if any
	Err  error          // underlying cause, if any
}

func (e *OpError) Error() string {
	s := e.Op
	if e.Addr.IsValid() {
		s += " " + e.Addr.String()
	}
	s += ": " + e.Kind.String()
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Temporary reports whether the operation may be retried.
func (e *OpError) Temporary() bool { return e.Kind.Temporary() }

// Timeout always reports false; the socket layer has no internal timers.
func (e *OpError) Timeout() bool { return false }

// New returns an *OpError for op with kind k.
func New(op string, k Kind) error {
	return &OpError{Op: op, Kind: k}
}

// Newf returns an *OpError for op with kind k and a formatted cause.
func Newf(op string, k Kind, format string, args ...any) error {
	return &OpError{Op: op, Kind: k, Err: fmt.Errorf(format, args...)}
}

// WithAddr returns an *OpError for op with kind k about addr.
func WithAddr(op string, k Kind, addr netip.AddrPort) error {
	return &OpError{Op: op, Kind: k, Addr: addr}
}

// Wrap returns an *OpError for op with kind k wrapping err.
// If err is nil, it returns nil.
func Wrap(op string, k Kind, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, Kind: k, Err: err}
}

// KindOf returns the Kind of err. It returns OK for a nil error and
// InvalidState for an error that carries no Kind.
func KindOf(err error) Kind {
	if err == nil {
		return OK
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return InvalidState
}
