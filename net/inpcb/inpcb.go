// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package inpcb manages Internet protocol control blocks: the per-binding
// and per-connection addressing state of a transport protocol, and the
// demultiplexing of packets to them.
//
// Each transport protocol has its own Table. PCBs are referred to by
// generation-checked Handles so that a stale reference is detected rather
// than aliasing a reused slot.
package inpcb

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/secsecsec/libusnet/envknob"
	"github.com/secsecsec/libusnet/net/route"
	"github.com/secsecsec/libusnet/net/sockerr"
	"github.com/secsecsec/libusnet/types/logger"
	"github.com/secsecsec/libusnet/util/set"
	"gvisor.dev/gvisor/pkg/tcpip"
)

var debugPCB = envknob.RegisterBool("USNET_DEBUG_PCB")

// Default ephemeral port range.
const (
	DefaultEphemeralFirst = 49152
	DefaultEphemeralLast  = 65535
)

// Flags are PCB option flags.
type Flags uint8

const (
	RecvOpts    Flags = 0x01 // receive incoming IP options
	RecvRetOpts Flags = 0x02 // receive IP options for reply
	RecvDstAddr Flags = 0x04 // receive IP destination address
	HdrIncl     Flags = 0x08 // user supplies the entire IP header
)

// LookupFlags modify Lookup.
type LookupFlags uint8

const (
	// Wildcard permits matches against PCBs with wildcard fields.
	Wildcard LookupFlags = 1
)

// Handle refers to a PCB in a Table. The zero value is invalid.
type Handle struct {
	idx uint32
	gen uint32
}

// IsValid reports whether h was returned by a Table. It does not report
// whether the PCB is still attached; use Table.Get for that.
func (h Handle) IsValid() bool { return h.gen != 0 }

func (h Handle) String() string { return fmt.Sprintf("pcb#%d.%d", h.idx, h.gen) }

// ProtoState is the private state a transport protocol attaches to a PCB.
// The PCB layer stores it without interpreting it.
type ProtoState interface {
	Protocol() tcpip.TransportProtocolNumber
}

// StateOf returns p's protocol state as a T.
func StateOf[T ProtoState](p *PCB) (T, bool) {
	s, ok := p.state.(T)
	return s, ok
}

// Owner is the view of a PCB's owning socket that the PCB layer needs.
type Owner interface {
	ReuseAddr() bool
	ReusePort() bool
	Broadcast() bool
	// RouteError latches a hard routing error on the socket.
	RouteError(error)
}

// Owners resolves the weak owner references stored in PCBs.
type Owners interface {
	LookupOwner(ref uint64) (Owner, bool)
}

// Resolver is the routing collaborator. *route.Table implements it.
type Resolver interface {
	Resolve(dst netip.Addr) (route.Route, error)
	IsBroadcast(dst netip.Addr) bool
}

// PCB is a protocol control block.
type PCB struct {
	h        Handle
	proto    tcpip.TransportProtocolNumber
	tuple    Tuple
	flags    Flags
	owner    uint64
	state    ProtoState
	app      any
	rt       route.Route
	hasRoute bool
	detached bool
}

func (p *PCB) Handle() Handle                          { return p.h }
func (p *PCB) Protocol() tcpip.TransportProtocolNumber { return p.proto }
func (p *PCB) Tuple() Tuple                            { return p.tuple }
func (p *PCB) Flags() Flags                            { return p.flags }
func (p *PCB) SetFlags(f Flags)                        { p.flags |= f }
func (p *PCB) ClearFlags(f Flags)                      { p.flags &^= f }

// Owner returns the weak reference to the owning socket.
func (p *PCB) Owner() uint64 { return p.owner }

// State returns the attached protocol state, or nil.
func (p *PCB) State() ProtoState { return p.state }

// SetState attaches protocol state. Passing nil clears it.
func (p *PCB) SetState(s ProtoState) { p.state = s }

// AppData returns the application data attached with SetAppData.
func (p *PCB) AppData() any { return p.app }

// SetAppData attaches arbitrary application data.
func (p *PCB) SetAppData(v any) { p.app = v }

// Route returns the cached route, if any.
func (p *PCB) Route() (route.Route, bool) { return p.rt, p.hasRoute }

// Detached reports whether p has been detached from its table.
func (p *PCB) Detached() bool { return p.detached }

// LocalAddrPort returns the local endpoint.
func (p *PCB) LocalAddrPort() netip.AddrPort {
	return netip.AddrPortFrom(p.tuple.LocalAddr, p.tuple.LocalPort)
}

// RemoteAddrPort returns the remote endpoint. It is invalid if p is not
// connected.
func (p *PCB) RemoteAddrPort() netip.AddrPort {
	if !p.tuple.IsConnected() {
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(p.tuple.RemoteAddr, p.tuple.RemotePort)
}

func (p *PCB) String() string {
	return fmt.Sprintf("%s %v %v", ProtocolName(p.proto), p.h, p.tuple)
}

const none = -1

type slot struct {
	pcb        *PCB
	gen        uint32
	prev, next int
}

// Options configures a Table.
type Options struct {
	Logf     logger.Logf
	Resolver Resolver
	Owners   Owners

	// MaxPCBs caps the number of attached PCBs. Zero means no limit.
	MaxPCBs int

	// EphemeralFirst and EphemeralLast bound the ports Bind picks from
	// when asked for port 0. Zero means the default range.
	EphemeralFirst uint16
	EphemeralLast  uint16
}

// Table is the chain of PCBs of one transport protocol.
//
// It is not safe for concurrent use.
type Table struct {
	logf     logger.Logf
	proto    tcpip.TransportProtocolNumber
	resolver Resolver
	owners   Owners
	max      int
	first    uint16
	last     uint16
	cursor   uint16 // last ephemeral port handed out

	slots []slot
	free  []int
	head  int // most recently allocated; none if empty
	n     int
	ports map[uint16]set.Set[int] // local port => slot indexes
}

// NewTable returns an empty table for proto.
func NewTable(proto tcpip.TransportProtocolNumber, opts Options) *Table {
	first, last := opts.EphemeralFirst, opts.EphemeralLast
	if first == 0 {
		first = DefaultEphemeralFirst
	}
	if last == 0 {
		last = DefaultEphemeralLast
	}
	if last < first {
		first, last = last, first
	}
	t := &Table{
		logf:     logger.WithPrefix(logger.OrDiscard(opts.Logf), "inpcb: "+ProtocolName(proto)+": "),
		proto:    proto,
		resolver: opts.Resolver,
		owners:   opts.Owners,
		max:      opts.MaxPCBs,
		first:    first,
		last:     last,
		cursor:   last,
		head:     none,
		ports:    make(map[uint16]set.Set[int]),
	}
	return t
}

func (t *Table) vlogf(format string, args ...any) {
	if debugPCB() {
		t.logf(format, args...)
	}
}

// Protocol returns the transport protocol number of t.
func (t *Table) Protocol() tcpip.TransportProtocolNumber { return t.proto }

// Len returns the number of attached PCBs.
func (t *Table) Len() int { return t.n }

// Get returns the PCB for h if it is still attached.
func (t *Table) Get(h Handle) (*PCB, bool) {
	if !h.IsValid() || int(h.idx) >= len(t.slots) {
		return nil, false
	}
	s := &t.slots[h.idx]
	if s.gen != h.gen || s.pcb == nil {
		return nil, false
	}
	return s.pcb, true
}

func (t *Table) mustGet(op string, h Handle) (*PCB, error) {
	p, ok := t.Get(h)
	if !ok {
		return nil, sockerr.Newf(op, sockerr.InvalidState, "stale handle %v", h)
	}
	return p, nil
}

func (t *Table) ownerOf(p *PCB) (Owner, bool) {
	if t.owners == nil {
		return nil, false
	}
	return t.owners.LookupOwner(p.owner)
}

// Allocate attaches a new unbound PCB owned by the socket referenced by
// owner, at the head of the chain.
func (t *Table) Allocate(owner uint64) (*PCB, error) {
	if t.max > 0 && t.n >= t.max {
		return nil, sockerr.Newf("pcballoc", sockerr.ResourceExhausted, "%d pcbs in use", t.n)
	}
	var idx int
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		idx = len(t.slots)
		t.slots = append(t.slots, slot{gen: 1})
	}
	s := &t.slots[idx]
	p := &PCB{
		h:     Handle{idx: uint32(idx), gen: s.gen},
		proto: t.proto,
		owner: owner,
	}
	s.pcb = p
	s.prev = none
	s.next = t.head
	if t.head != none {
		t.slots[t.head].prev = idx
	}
	t.head = idx
	t.n++
	t.vlogf("alloc %v owner=%#x", p.h, owner)
	return p, nil
}

// Detach unlinks the PCB for h and releases its port. The protocol state
// is left for the protocol to release. Detaching twice returns an error of
// kind sockerr.InvalidState.
func (t *Table) Detach(h Handle) error {
	p, err := t.mustGet("pcbdetach", h)
	if err != nil {
		return err
	}
	idx := int(h.idx)
	s := &t.slots[idx]
	if s.prev != none {
		t.slots[s.prev].next = s.next
	} else {
		t.head = s.next
	}
	if s.next != none {
		t.slots[s.next].prev = s.prev
	}
	t.unbindPort(p)
	s.pcb = nil
	s.prev, s.next = none, none
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	t.free = append(t.free, idx)
	t.n--
	p.detached = true
	p.hasRoute = false
	t.vlogf("detach %v %v", h, p.tuple)
	return nil
}

func (t *Table) bindPort(p *PCB) {
	port := p.tuple.LocalPort
	s, ok := t.ports[port]
	if !ok {
		s = make(set.Set[int])
		t.ports[port] = s
	}
	s.Add(int(p.h.idx))
}

func (t *Table) unbindPort(p *PCB) {
	port := p.tuple.LocalPort
	if port == 0 {
		return
	}
	if s, ok := t.ports[port]; ok {
		s.Delete(int(p.h.idx))
		if s.Len() == 0 {
			delete(t.ports, port)
		}
	}
}

// ephemeralPort returns a port in the ephemeral range that no PCB in t is
// bound to.
func (t *Table) ephemeralPort() (uint16, error) {
	n := int(t.last) - int(t.first) + 1
	port := int(t.cursor)
	for range n {
		port++
		if port > int(t.last) || port < int(t.first) {
			port = int(t.first)
		}
		if _, used := t.ports[uint16(port)]; !used {
			t.cursor = uint16(port)
			return uint16(port), nil
		}
	}
	return 0, sockerr.Newf("bind", sockerr.ResourceExhausted, "no free port in %d-%d", t.first, t.last)
}

// conflicts reports whether binding p to addr:port would collide with
// another PCB, honoring the reuse options of the owners.
func (t *Table) conflicts(p *PCB, addr netip.Addr, port uint16) bool {
	o, hasOwner := t.ownerOf(p)
	for idx := range t.ports[port] {
		q := t.slots[idx].pcb
		if q == nil || q == p || !overlaps(q.tuple.LocalAddr, addr) {
			continue
		}
		if hasOwner && o.ReusePort() {
			if qo, ok := t.ownerOf(q); ok && qo.ReusePort() {
				continue
			}
		}
		if hasOwner && o.ReuseAddr() && (!sameAddr(q.tuple.LocalAddr, addr) || q.tuple.IsConnected()) {
			continue
		}
		return true
	}
	return false
}

// Bind assigns a local address and port to an unbound PCB. A zero port
// selects a free ephemeral port. A wildcard addr binds to all local
// addresses.
func (t *Table) Bind(h Handle, addr netip.Addr, port uint16) error {
	p, err := t.mustGet("bind", h)
	if err != nil {
		return err
	}
	if p.tuple.IsBound() || p.tuple.IsConnected() {
		return sockerr.Newf("bind", sockerr.InvalidState, "%v already bound", h)
	}
	addr = addr.Unmap()
	if port == 0 {
		if port, err = t.ephemeralPort(); err != nil {
			return err
		}
	} else if t.conflicts(p, addr, port) {
		return sockerr.WithAddr("bind", sockerr.AddressInUse, netip.AddrPortFrom(addr, port))
	}
	p.tuple.LocalAddr = addr
	p.tuple.LocalPort = port
	t.bindPort(p)
	t.vlogf("bind %v %v", h, p.tuple)
	return nil
}

// Connect sets the remote endpoint of the PCB. An unbound PCB gets an
// ephemeral port, and a wildcard local address is replaced by the source
// address of the route toward addr.
func (t *Table) Connect(h Handle, addr netip.Addr, port uint16) error {
	p, err := t.mustGet("connect", h)
	if err != nil {
		return err
	}
	addr = addr.Unmap()
	ap := netip.AddrPortFrom(addr, port)
	if p.tuple.IsConnected() {
		return sockerr.Newf("connect", sockerr.InvalidState, "%v already connected", h)
	}
	if isWild(addr) || port == 0 {
		return sockerr.WithAddr("connect", sockerr.InvalidState, ap)
	}
	if t.resolver == nil {
		return sockerr.WithAddr("connect", sockerr.NoRoute, ap)
	}
	if t.resolver.IsBroadcast(addr) {
		if o, ok := t.ownerOf(p); !ok || !o.Broadcast() {
			return &sockerr.OpError{Op: "connect", Kind: sockerr.NoRoute, Addr: ap, Err: errBroadcast}
		}
	}
	rt, err := t.resolver.Resolve(addr)
	if err != nil {
		return &sockerr.OpError{Op: "connect", Kind: sockerr.NoRoute, Addr: ap, Err: err}
	}
	laddr := p.tuple.LocalAddr
	if isWild(laddr) {
		laddr = rt.Source
	}
	if p.tuple.IsBound() {
		if q := t.exact(laddr, p.tuple.LocalPort, addr, port); q != nil && q != p {
			return sockerr.WithAddr("connect", sockerr.AddressInUse, ap)
		}
	} else {
		lport, err := t.ephemeralPort()
		if err != nil {
			return err
		}
		p.tuple.LocalPort = lport
		t.bindPort(p)
	}
	p.tuple.LocalAddr = laddr
	p.tuple.RemoteAddr = addr
	p.tuple.RemotePort = port
	p.rt, p.hasRoute = rt, true
	t.vlogf("connect %v %v via %v", h, p.tuple, rt)
	return nil
}

var errBroadcast = errors.New("broadcast destination requires the broadcast option")

// Establish sets the full tuple of an unbound PCB created for an incoming
// connection. Unlike Bind it shares the local port with the listener; only
// an identical 4-tuple collides.
func (t *Table) Establish(h Handle, local, remote netip.AddrPort) error {
	p, err := t.mustGet("establish", h)
	if err != nil {
		return err
	}
	if p.tuple.IsBound() || p.tuple.IsConnected() {
		return sockerr.Newf("establish", sockerr.InvalidState, "%v already bound", h)
	}
	laddr, raddr := local.Addr().Unmap(), remote.Addr().Unmap()
	if local.Port() == 0 || isWild(laddr) || isWild(raddr) || remote.Port() == 0 {
		return sockerr.Newf("establish", sockerr.InvalidState, "incomplete tuple %v->%v", local, remote)
	}
	if q := t.exact(laddr, local.Port(), raddr, remote.Port()); q != nil {
		return sockerr.WithAddr("establish", sockerr.AddressInUse, remote)
	}
	p.tuple = Tuple{LocalAddr: laddr, LocalPort: local.Port(), RemoteAddr: raddr, RemotePort: remote.Port()}
	t.bindPort(p)
	if t.resolver != nil {
		// The peer just reached us, so a missing route is left for
		// RouteFor to retry rather than failing the connection.
		if rt, err := t.resolver.Resolve(raddr); err == nil {
			p.rt, p.hasRoute = rt, true
		}
	}
	t.vlogf("establish %v %v", h, p.tuple)
	return nil
}

// Disconnect clears the remote endpoint and cached route, leaving the PCB
// bound. It is a no-op for a stale handle.
func (t *Table) Disconnect(h Handle) {
	p, ok := t.Get(h)
	if !ok {
		return
	}
	p.tuple.RemoteAddr = netip.Addr{}
	p.tuple.RemotePort = 0
	p.rt, p.hasRoute = route.Route{}, false
	t.vlogf("disconnect %v %v", h, p.tuple)
}

// exact returns the PCB with exactly the given fully specified tuple.
func (t *Table) exact(laddr netip.Addr, lport uint16, raddr netip.Addr, rport uint16) *PCB {
	for idx := range t.ports[lport] {
		q := t.slots[idx].pcb
		if q != nil && q.tuple.RemotePort == rport && q.tuple.RemoteAddr == raddr && q.tuple.LocalAddr == laddr {
			return q
		}
	}
	return nil
}

// Lookup finds the PCB that should receive a packet for the given tuple.
//
// A PCB matching every field always wins. With the Wildcard flag, PCBs
// whose local or remote address is a wildcard also match, and the one with
// the fewest wildcard fields is chosen, so a PCB bound to a specific local
// address is preferred over one bound to all addresses. Ties go to the
// most recently allocated PCB.
func (t *Table) Lookup(laddr netip.Addr, lport uint16, raddr netip.Addr, rport uint16, flags LookupFlags) (*PCB, bool) {
	laddr, raddr = laddr.Unmap(), raddr.Unmap()
	var match *PCB
	matchWild := 3
	for idx := t.head; idx != none; idx = t.slots[idx].next {
		p := t.slots[idx].pcb
		if p.tuple.LocalPort != lport {
			continue
		}
		wild := 0
		if !isWild(p.tuple.RemoteAddr) {
			if isWild(raddr) {
				wild++
			} else if p.tuple.RemoteAddr != raddr || p.tuple.RemotePort != rport {
				continue
			}
		} else if !isWild(raddr) {
			wild++
		}
		if !isWild(p.tuple.LocalAddr) {
			if isWild(laddr) {
				wild++
			} else if p.tuple.LocalAddr != laddr {
				continue
			}
		} else if !isWild(laddr) {
			wild++
		}
		if wild > 0 && flags&Wildcard == 0 {
			continue
		}
		if wild < matchWild {
			match, matchWild = p, wild
			if wild == 0 {
				break
			}
		}
	}
	return match, match != nil
}

// Range calls fn for each PCB in chain order until fn returns false. fn
// may detach PCBs.
func (t *Table) Range(fn func(*PCB) bool) {
	for _, h := range t.snapshot() {
		if p, ok := t.Get(h); ok && !fn(p) {
			return
		}
	}
}

func (t *Table) snapshot() []Handle {
	hs := make([]Handle, 0, t.n)
	for idx := t.head; idx != none; idx = t.slots[idx].next {
		hs = append(hs, t.slots[idx].pcb.h)
	}
	return hs
}

// Notify calls fn(p, cond) for every connected PCB matching the filter and
// returns the number of calls. An invalid or unspecified dst matches any
// remote address, and zero ports and a wildcard laddr match anything. fn
// may detach any PCB, including p.
func (t *Table) Notify(dst netip.Addr, rport uint16, laddr netip.Addr, lport uint16, cond error, fn func(*PCB, error)) int {
	dst, laddr = dst.Unmap(), laddr.Unmap()
	n := 0
	for _, h := range t.snapshot() {
		p, ok := t.Get(h)
		if !ok || !p.tuple.IsConnected() {
			continue
		}
		if !isWild(dst) && p.tuple.RemoteAddr != dst {
			continue
		}
		if (rport != 0 && p.tuple.RemotePort != rport) || (lport != 0 && p.tuple.LocalPort != lport) {
			continue
		}
		if !isWild(laddr) && p.tuple.LocalAddr != laddr {
			continue
		}
		fn(p, cond)
		n++
	}
	if n > 0 {
		t.vlogf("notify dst=%v cond=%v: %d pcbs", dst, cond, n)
	}
	return n
}

// RouteChanged drops the PCB's cached route. If err is a hard error and
// the PCB is connected, the error is latched on the owning socket.
func (t *Table) RouteChanged(h Handle, err error) {
	p, ok := t.Get(h)
	if !ok {
		return
	}
	p.rt, p.hasRoute = route.Route{}, false
	if err == nil || !sockerr.KindOf(err).Hard() || !p.tuple.IsConnected() {
		return
	}
	if o, ok := t.ownerOf(p); ok {
		t.logf("%v: %v", p.tuple, err)
		o.RouteError(err)
	}
}

// RouteFor returns the PCB's cached route, resolving and caching it first
// if needed.
func (t *Table) RouteFor(h Handle) (route.Route, error) {
	p, err := t.mustGet("route", h)
	if err != nil {
		return route.Route{}, err
	}
	if p.hasRoute {
		return p.rt, nil
	}
	if !p.tuple.IsConnected() {
		return route.Route{}, sockerr.Newf("route", sockerr.InvalidState, "%v not connected", h)
	}
	if t.resolver == nil {
		return route.Route{}, sockerr.WithAddr("route", sockerr.NoRoute, p.RemoteAddrPort())
	}
	rt, err := t.resolver.Resolve(p.tuple.RemoteAddr)
	if err != nil {
		return route.Route{}, err
	}
	p.rt, p.hasRoute = rt, true
	return rt, nil
}
