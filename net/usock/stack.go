// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package usock implements the socket layer of a userspace network stack:
// a registry of sockets with generation-checked handles, listener
// connection queues, socket state transitions driven by transport
// protocols, and a synchronous event bridge to the application.
//
// A Stack is not safe for concurrent use. Everything runs on one logical
// thread; only its metrics may be collected from other goroutines.
package usock

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/secsecsec/libusnet/envknob"
	"github.com/secsecsec/libusnet/net/inpcb"
	"github.com/secsecsec/libusnet/net/route"
	"github.com/secsecsec/libusnet/net/sockbuf"
	"github.com/secsecsec/libusnet/net/sockerr"
	"github.com/secsecsec/libusnet/types/logger"
	"gvisor.dev/gvisor/pkg/tcpip"
)

const (
	// SOMAXCONN is the default cap on a listener's backlog.
	SOMAXCONN = 512

	// DefaultBacklog is the backlog used by callers with no preference.
	DefaultBacklog = 5

	// DefaultMaxSockets is the default size of the handle table.
	DefaultMaxSockets = 1024
)

var (
	debugSocket = envknob.RegisterBool("USNET_DEBUG_SOCKET")
	maxSockets  = envknob.RegisterInt("USNET_MAX_SOCKETS")
)

// Handle refers to a socket in a Stack. The zero value is invalid.
type Handle struct {
	idx uint32
	gen uint32
}

// IsValid reports whether h was issued by a Stack.
func (h Handle) IsValid() bool { return h.gen != 0 }

// Ref packs h into the weak owner reference stored in PCBs.
func (h Handle) Ref() uint64 { return uint64(h.gen)<<32 | uint64(h.idx) }

// HandleFromRef unpacks a reference made by Handle.Ref.
func HandleFromRef(ref uint64) Handle {
	return Handle{idx: uint32(ref), gen: uint32(ref >> 32)}
}

func (h Handle) String() string { return fmt.Sprintf("so#%d.%d", h.idx, h.gen) }

// BufferLimits are the send and receive buffer limits of a socket.
type BufferLimits struct {
	Send, Recv sockbuf.Limits
}

// Options configures a Stack.
type Options struct {
	Logf logger.Logf

	// Routes is consulted by connecting sockets. Nil means an empty table,
	// so every connect fails with sockerr.NoRoute.
	Routes *route.Table

	// MaxSockets caps the number of open sockets. Zero means the
	// USNET_MAX_SOCKETS environment knob, or DefaultMaxSockets.
	MaxSockets int

	// SOMAXCONN caps listener backlogs. Zero means SOMAXCONN.
	SOMAXCONN int

	EphemeralFirst uint16
	EphemeralLast  uint16

	// Buffers overrides the protocol buffer limits per socket type.
	Buffers map[Type]BufferLimits
}

type protoEntry struct {
	p   Protocol
	tab *inpcb.Table
}

type sockSlot struct {
	so  *Socket
	gen uint32
}

// Stack is a socket registry and the PCB tables of its protocols.
type Stack struct {
	logf     logger.Logf
	dropLogf logger.Logf
	routes   *route.Table
	opts     Options
	max      int
	somax    int
	m        *metrics

	protos  []*protoEntry
	byProto map[tcpip.TransportProtocolNumber]*protoEntry

	slots []sockSlot
	free  []int
	n     int
}

// NewStack returns a Stack with no protocols registered.
func NewStack(opts Options) *Stack {
	logf := logger.WithPrefix(logger.OrDiscard(opts.Logf), "usock: ")
	s := &Stack{
		logf:     logf,
		dropLogf: logger.RateLimitedFn(logf, 5*time.Second, 5, 100),
		routes:   opts.Routes,
		opts:     opts,
		max:      opts.MaxSockets,
		somax:    opts.SOMAXCONN,
		m:        newMetrics(),
		byProto:  make(map[tcpip.TransportProtocolNumber]*protoEntry),
	}
	if s.routes == nil {
		s.routes = new(route.Table)
	}
	if s.max <= 0 {
		s.max = maxSockets()
	}
	if s.max <= 0 {
		s.max = DefaultMaxSockets
	}
	if s.somax <= 0 {
		s.somax = SOMAXCONN
	}
	return s
}

func (s *Stack) vlogf(format string, args ...any) {
	if debugSocket() {
		s.logf(format, args...)
	}
}

// Routes returns the route table used by the stack.
func (s *Stack) Routes() *route.Table { return s.routes }

// RegisterProtocol adds a transport protocol and creates its PCB table.
func (s *Stack) RegisterProtocol(p Protocol) error {
	num := p.Number()
	if _, dup := s.byProto[num]; dup {
		return sockerr.Newf("register", sockerr.AddressInUse, "protocol %s already registered", inpcb.ProtocolName(num))
	}
	e := &protoEntry{
		p: p,
		tab: inpcb.NewTable(num, inpcb.Options{
			Logf:           s.opts.Logf,
			Resolver:       s.routes,
			Owners:         s,
			EphemeralFirst: s.opts.EphemeralFirst,
			EphemeralLast:  s.opts.EphemeralLast,
		}),
	}
	s.protos = append(s.protos, e)
	s.byProto[num] = e
	s.logf("registered %s as %v", inpcb.ProtocolName(num), p.Type())
	return nil
}

// Table returns the PCB table of proto.
func (s *Stack) Table(proto tcpip.TransportProtocolNumber) (*inpcb.Table, bool) {
	e, ok := s.byProto[proto]
	if !ok {
		return nil, false
	}
	return e.tab, true
}

// Len returns the number of open sockets, including closed sockets whose
// release is deferred.
func (s *Stack) Len() int { return s.n }

// Get returns the socket for h if it has not been released.
func (s *Stack) Get(h Handle) (*Socket, bool) {
	if !h.IsValid() || int(h.idx) >= len(s.slots) {
		return nil, false
	}
	sl := &s.slots[h.idx]
	if sl.gen != h.gen || sl.so == nil {
		return nil, false
	}
	return sl.so, true
}

// LookupOwner resolves a PCB owner reference. It implements inpcb.Owners.
func (s *Stack) LookupOwner(ref uint64) (inpcb.Owner, bool) {
	so, ok := s.Get(HandleFromRef(ref))
	if !ok {
		return nil, false
	}
	return so, true
}

// Range calls fn for each open socket until fn returns false.
func (s *Stack) Range(fn func(*Socket) bool) {
	for i := range s.slots {
		if so := s.slots[i].so; so != nil && !fn(so) {
			return
		}
	}
}

// Socket creates an unbound socket. A zero proto selects the first
// registered protocol of type t.
func (s *Stack) Socket(f Family, t Type, proto tcpip.TransportProtocolNumber) (*Socket, error) {
	if f != INET && f != INET6 {
		return nil, sockerr.Newf("socket", sockerr.InvalidState, "unsupported family %v", f)
	}
	e, err := s.protoFor(t, proto)
	if err != nil {
		return nil, err
	}
	snd, rcv := e.p.Limits()
	if o, ok := s.opts.Buffers[t]; ok {
		snd, rcv = mergeLimits(snd, o.Send), mergeLimits(rcv, o.Recv)
	}
	so := &Socket{
		stack:  s,
		family: f,
		typ:    t,
		proto:  e,
		sndLim: snd,
		rcvLim: rcv,
	}
	if err := s.attach(so); err != nil {
		return nil, err
	}
	s.vlogf("socket %v", so)
	return so, nil
}

func (s *Stack) protoFor(t Type, proto tcpip.TransportProtocolNumber) (*protoEntry, error) {
	if proto == 0 {
		for _, e := range s.protos {
			if e.p.Type() == t {
				return e, nil
			}
		}
		return nil, sockerr.Newf("socket", sockerr.InvalidState, "no protocol for %v", t)
	}
	e, ok := s.byProto[proto]
	if !ok || e.p.Type() != t {
		return nil, sockerr.Newf("socket", sockerr.InvalidState, "protocol %s not supported for %v", inpcb.ProtocolName(proto), t)
	}
	return e, nil
}

// mergeLimits returns base with the non-zero fields of o applied.
func mergeLimits(base, o sockbuf.Limits) sockbuf.Limits {
	if o.HiWat > 0 {
		base.HiWat = o.HiWat
	}
	if o.LoWat > 0 {
		base.LoWat = o.LoWat
	}
	if o.MaxSegments > 0 {
		base.MaxSegments = o.MaxSegments
	}
	if o.Timeout > 0 {
		base.Timeout = o.Timeout
	}
	return base
}

// attach gives so its buffers, a handle, a PCB and protocol state, undoing
// the earlier steps if a later one fails.
func (s *Stack) attach(so *Socket) error {
	if s.n >= s.max {
		return sockerr.Newf("socket", sockerr.ResourceExhausted, "%d sockets open", s.n)
	}
	var err error
	if so.snd, err = sockbuf.New(so.sndLim); err != nil {
		return fmt.Errorf("send buffer: %w", err)
	}
	if so.rcv, err = sockbuf.New(so.rcvLim); err != nil {
		return fmt.Errorf("receive buffer: %w", err)
	}
	so.h = s.allocSlot(so)
	pcb, err := so.proto.tab.Allocate(so.h.Ref())
	if err != nil {
		s.freeSlot(so.h)
		return err
	}
	so.pcb = pcb.Handle()
	if err := so.proto.p.Attach(so); err != nil {
		so.proto.tab.Detach(so.pcb)
		s.freeSlot(so.h)
		return err
	}
	s.m.pcbs.WithLabelValues(inpcb.ProtocolName(so.proto.tab.Protocol())).Set(float64(so.proto.tab.Len()))
	return nil
}

func (s *Stack) allocSlot(so *Socket) Handle {
	var idx int
	if n := len(s.free); n > 0 {
		idx = s.free[n-1]
		s.free = s.free[:n-1]
	} else {
		idx = len(s.slots)
		s.slots = append(s.slots, sockSlot{gen: 1})
	}
	sl := &s.slots[idx]
	sl.so = so
	s.n++
	s.m.open.Set(float64(s.n))
	return Handle{idx: uint32(idx), gen: sl.gen}
}

func (s *Stack) freeSlot(h Handle) {
	sl := &s.slots[h.idx]
	sl.so = nil
	sl.gen++
	if sl.gen == 0 {
		sl.gen = 1
	}
	s.free = append(s.free, int(h.idx))
	s.n--
	s.m.open.Set(float64(s.n))
}

// release frees a closed socket's protocol state, PCB, buffers and handle.
func (s *Stack) release(so *Socket) {
	so.proto.p.Detach(so)
	so.proto.tab.Detach(so.pcb) // already detached by the protocol is fine
	so.snd.Flush()
	so.rcv.Flush()
	s.freeSlot(so.h)
	s.m.pcbs.WithLabelValues(inpcb.ProtocolName(so.proto.tab.Protocol())).Set(float64(so.proto.tab.Len()))
	s.vlogf("released %v", so.h)
}

// Demux returns the socket that should receive a packet for the given
// tuple, allowing wildcard matches.
func (s *Stack) Demux(proto tcpip.TransportProtocolNumber, laddr netip.Addr, lport uint16, raddr netip.Addr, rport uint16) (*Socket, bool) {
	e, ok := s.byProto[proto]
	if !ok {
		return nil, false
	}
	p, ok := e.tab.Lookup(laddr, lport, raddr, rport, inpcb.Wildcard)
	if !ok {
		return nil, false
	}
	return s.Get(HandleFromRef(p.Owner()))
}

// RouteLost drops the cached routes of connected PCBs toward dst in every
// protocol and latches err on their sockets if it is a hard error. An
// invalid dst matches every connected PCB. It returns the number of PCBs
// notified.
func (s *Stack) RouteLost(dst netip.Addr, err error) int {
	n := 0
	for _, e := range s.protos {
		tab := e.tab
		n += tab.Notify(dst, 0, netip.Addr{}, 0, err, func(p *inpcb.PCB, cond error) {
			tab.RouteChanged(p.Handle(), cond)
		})
	}
	if err != nil && n > 0 {
		s.logf("route to %v lost: %v (%d pcbs)", dst, err, n)
	}
	return n
}

// RoutesChanged invalidates every cached route after a route table update.
func (s *Stack) RoutesChanged() int { return s.RouteLost(netip.Addr{}, nil) }
