// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package inpcb

import (
	"errors"
	"net/netip"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/google/go-cmp/cmp"
	"github.com/secsecsec/libusnet/net/route"
	"github.com/secsecsec/libusnet/net/sockerr"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

var (
	addr = netip.MustParseAddr
	any4 = netip.IPv4Unspecified()
)

type fakeOwner struct {
	reuseAddr, reusePort, broadcast bool
	errs                            []error
}

func (o *fakeOwner) ReuseAddr() bool      { return o.reuseAddr }
func (o *fakeOwner) ReusePort() bool      { return o.reusePort }
func (o *fakeOwner) Broadcast() bool      { return o.broadcast }
func (o *fakeOwner) RouteError(err error) { o.errs = append(o.errs, err) }

type fakeOwners map[uint64]*fakeOwner

func (m fakeOwners) LookupOwner(ref uint64) (Owner, bool) {
	o, ok := m[ref]
	if !ok {
		return nil, false
	}
	return o, true
}

type harness struct {
	*Table
	owners fakeOwners
	routes *route.Table
	next   uint64
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{owners: fakeOwners{}, routes: new(route.Table)}
	for _, r := range []route.Route{
		{Prefix: netip.MustParsePrefix("10.0.0.0/24"), Source: addr("10.0.0.1")},
		{Prefix: netip.MustParsePrefix("0.0.0.0/0"), Gateway: addr("10.0.0.254"), Source: addr("10.0.0.1")},
	} {
		if err := h.routes.Add(r); err != nil {
			t.Fatal(err)
		}
	}
	opts.Resolver = h.routes
	opts.Owners = h.owners
	opts.Logf = t.Logf
	h.Table = NewTable(header.TCPProtocolNumber, opts)
	return h
}

// alloc allocates a PCB owned by a fresh fakeOwner.
func (h *harness) alloc(t *testing.T) (*PCB, *fakeOwner) {
	t.Helper()
	h.next++
	o := new(fakeOwner)
	h.owners[h.next] = o
	p, err := h.Allocate(h.next)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	return p, o
}

func TestAllocateDetach(t *testing.T) {
	c := qt.New(t)
	h := newHarness(t, Options{MaxPCBs: 2})

	a, _ := h.alloc(t)
	b, _ := h.alloc(t)
	c.Assert(h.Len(), qt.Equals, 2)
	c.Assert(a.Tuple(), qt.Equals, Tuple{})

	_, err := h.Allocate(99)
	c.Assert(errors.Is(err, sockerr.ResourceExhausted), qt.IsTrue)

	// Most recently allocated first.
	var order []Handle
	h.Range(func(p *PCB) bool { order = append(order, p.Handle()); return true })
	c.Assert(order, qt.CmpEquals(cmp.AllowUnexported(Handle{})), []Handle{b.Handle(), a.Handle()})

	c.Assert(h.Detach(a.Handle()), qt.IsNil)
	c.Assert(a.Detached(), qt.IsTrue)
	err = h.Detach(a.Handle())
	c.Assert(errors.Is(err, sockerr.InvalidState), qt.IsTrue)
	_, ok := h.Get(a.Handle())
	c.Assert(ok, qt.IsFalse)

	// The freed slot is reused with a new generation; the old handle
	// stays stale.
	a2, _ := h.alloc(t)
	c.Assert(a2.Handle().idx, qt.Equals, a.Handle().idx)
	c.Assert(a2.Handle() == a.Handle(), qt.IsFalse)
	_, ok = h.Get(a.Handle())
	c.Assert(ok, qt.IsFalse)
	got, ok := h.Get(a2.Handle())
	c.Assert(ok, qt.IsTrue)
	c.Assert(got, qt.Equals, a2)

	_, ok = h.Get(Handle{})
	c.Assert(ok, qt.IsFalse)
}

func TestDetachMiddleOfChain(t *testing.T) {
	h := newHarness(t, Options{})
	var ps []*PCB
	for range 4 {
		p, _ := h.alloc(t)
		ps = append(ps, p)
	}
	if err := h.Detach(ps[2].Handle()); err != nil {
		t.Fatal(err)
	}
	if err := h.Detach(ps[3].Handle()); err != nil { // head
		t.Fatal(err)
	}
	var got []Handle
	h.Range(func(p *PCB) bool { got = append(got, p.Handle()); return true })
	want := []Handle{ps[1].Handle(), ps[0].Handle()}
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(Handle{})); diff != "" {
		t.Errorf("chain (-want +got):\n%s", diff)
	}
}

func TestBindEphemeralDistinct(t *testing.T) {
	c := qt.New(t)
	h := newHarness(t, Options{})
	a, _ := h.alloc(t)
	b, _ := h.alloc(t)
	c.Assert(h.Bind(a.Handle(), netip.Addr{}, 0), qt.IsNil)
	c.Assert(h.Bind(b.Handle(), netip.Addr{}, 0), qt.IsNil)

	pa, pb := a.Tuple().LocalPort, b.Tuple().LocalPort
	c.Assert(pa, qt.Not(qt.Equals), pb)
	for _, p := range []uint16{pa, pb} {
		c.Assert(p >= DefaultEphemeralFirst, qt.IsTrue, qt.Commentf("port %d", p))
	}
}

func TestBindEphemeralSkipsUsedAndExhausts(t *testing.T) {
	c := qt.New(t)
	h := newHarness(t, Options{EphemeralFirst: 40000, EphemeralLast: 40002})

	// A fixed bind inside the range, by another owner, is skipped.
	fixed, _ := h.alloc(t)
	c.Assert(h.Bind(fixed.Handle(), addr("10.0.0.1"), 40000), qt.IsNil)

	var got []uint16
	for range 2 {
		p, _ := h.alloc(t)
		c.Assert(h.Bind(p.Handle(), netip.Addr{}, 0), qt.IsNil)
		got = append(got, p.Tuple().LocalPort)
	}
	c.Assert(got, qt.DeepEquals, []uint16{40001, 40002})

	p, _ := h.alloc(t)
	err := h.Bind(p.Handle(), netip.Addr{}, 0)
	c.Assert(errors.Is(err, sockerr.ResourceExhausted), qt.IsTrue, qt.Commentf("err = %v", err))

	// Releasing a port makes it available again.
	c.Assert(h.Detach(fixed.Handle()), qt.IsNil)
	c.Assert(h.Bind(p.Handle(), netip.Addr{}, 0), qt.IsNil)
	c.Assert(p.Tuple().LocalPort, qt.Equals, uint16(40000))
}

func TestBindConflicts(t *testing.T) {
	type side struct {
		addr      string // "" is the zero Addr
		reuseAddr bool
		reusePort bool
		connect   bool // connect after binding
	}
	tests := []struct {
		name    string
		first   side
		second  side
		wantErr bool
	}{
		{"same-wild", side{addr: "0.0.0.0"}, side{}, true},
		{"wild-then-specific", side{}, side{addr: "10.0.0.1"}, true},
		{"specific-then-wild", side{addr: "10.0.0.1"}, side{}, true},
		{"same-specific", side{addr: "10.0.0.1"}, side{addr: "10.0.0.1"}, true},
		{"disjoint-specific", side{addr: "10.0.0.1"}, side{addr: "10.0.0.2"}, false},
		{"reuseaddr-wild-then-specific", side{}, side{addr: "10.0.0.1", reuseAddr: true}, false},
		{"reuseaddr-identical", side{addr: "10.0.0.1"}, side{addr: "10.0.0.1", reuseAddr: true}, true},
		{"reuseaddr-over-connected", side{addr: "10.0.0.1", connect: true}, side{addr: "10.0.0.1", reuseAddr: true}, false},
		{"reuseport-both", side{reusePort: true}, side{reusePort: true}, false},
		{"reuseport-one-side", side{}, side{reusePort: true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Options{})
			bind := func(s side) error {
				p, o := h.alloc(t)
				o.reuseAddr, o.reusePort = s.reuseAddr, s.reusePort
				var a netip.Addr
				if s.addr != "" {
					a = addr(s.addr)
				}
				if err := h.Bind(p.Handle(), a, 8080); err != nil {
					return err
				}
				if s.connect {
					return h.Connect(p.Handle(), addr("10.0.0.9"), 443)
				}
				return nil
			}
			if err := bind(tt.first); err != nil {
				t.Fatalf("first bind: %v", err)
			}
			err := bind(tt.second)
			if tt.wantErr {
				if !errors.Is(err, sockerr.AddressInUse) {
					t.Fatalf("second bind err = %v; want AddressInUse", err)
				}
			} else if err != nil {
				t.Fatalf("second bind: %v", err)
			}
		})
	}
}

func TestBindTwice(t *testing.T) {
	h := newHarness(t, Options{})
	p, _ := h.alloc(t)
	if err := h.Bind(p.Handle(), any4, 80); err != nil {
		t.Fatal(err)
	}
	if err := h.Bind(p.Handle(), any4, 81); !errors.Is(err, sockerr.InvalidState) {
		t.Fatalf("rebind err = %v; want InvalidState", err)
	}
}

func TestConnect(t *testing.T) {
	c := qt.New(t)
	h := newHarness(t, Options{})
	p, _ := h.alloc(t)

	c.Assert(h.Connect(p.Handle(), addr("8.8.8.8"), 53), qt.IsNil)
	tu := p.Tuple()
	c.Assert(tu.LocalAddr, qt.Equals, addr("10.0.0.1"))
	c.Assert(tu.LocalPort >= DefaultEphemeralFirst, qt.IsTrue)
	c.Assert(p.RemoteAddrPort(), qt.Equals, netip.MustParseAddrPort("8.8.8.8:53"))
	rt, ok := p.Route()
	c.Assert(ok, qt.IsTrue)
	c.Assert(rt.Gateway, qt.Equals, addr("10.0.0.254"))

	err := h.Connect(p.Handle(), addr("8.8.4.4"), 53)
	c.Assert(errors.Is(err, sockerr.InvalidState), qt.IsTrue)

	found, ok := h.Lookup(tu.LocalAddr, tu.LocalPort, addr("8.8.8.8"), 53, 0)
	c.Assert(ok, qt.IsTrue)
	c.Assert(found, qt.Equals, p)

	h.Disconnect(p.Handle())
	c.Assert(p.Tuple().IsConnected(), qt.IsFalse)
	c.Assert(p.Tuple().LocalPort, qt.Equals, tu.LocalPort)
	_, ok = p.Route()
	c.Assert(ok, qt.IsFalse)
	c.Assert(p.RemoteAddrPort().IsValid(), qt.IsFalse)
	h.Disconnect(Handle{}) // no-op
}

func TestConnectErrors(t *testing.T) {
	tests := []struct {
		name      string
		dst       string
		port      uint16
		broadcast bool
		noRoutes  bool
		want      sockerr.Kind
	}{
		{"wildcard", "0.0.0.0", 80, false, false, sockerr.InvalidState},
		{"port-zero", "10.0.0.9", 0, false, false, sockerr.InvalidState},
		{"broadcast-denied", "10.0.0.255", 9, false, false, sockerr.NoRoute},
		{"limited-broadcast-denied", "255.255.255.255", 9, false, false, sockerr.NoRoute},
		{"broadcast-allowed", "10.0.0.255", 9, true, false, sockerr.OK},
		{"no-route", "8.8.8.8", 53, false, true, sockerr.NoRoute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Options{})
			if tt.noRoutes {
				h.routes.Delete(netip.MustParsePrefix("0.0.0.0/0"))
			}
			p, o := h.alloc(t)
			o.broadcast = tt.broadcast
			err := h.Connect(p.Handle(), addr(tt.dst), tt.port)
			if got := sockerr.KindOf(err); got != tt.want {
				t.Fatalf("Connect err = %v (kind %v); want %v", err, got, tt.want)
			}
		})
	}
}

func TestConnectCollision(t *testing.T) {
	c := qt.New(t)
	h := newHarness(t, Options{})
	a, _ := h.alloc(t)
	c.Assert(h.Bind(a.Handle(), addr("10.0.0.1"), 5000), qt.IsNil)
	c.Assert(h.Connect(a.Handle(), addr("10.0.0.9"), 80), qt.IsNil)

	b, bo := h.alloc(t)
	bo.reuseAddr = true
	c.Assert(h.Bind(b.Handle(), addr("10.0.0.1"), 5000), qt.IsNil)
	err := h.Connect(b.Handle(), addr("10.0.0.9"), 80)
	c.Assert(errors.Is(err, sockerr.AddressInUse), qt.IsTrue, qt.Commentf("err = %v", err))
	c.Assert(b.Tuple().IsConnected(), qt.IsFalse)

	// A different remote port is a different tuple.
	c.Assert(h.Connect(b.Handle(), addr("10.0.0.9"), 81), qt.IsNil)

	// A wildcard-bound PCB picks its source from the route before the
	// collision check.
	w, wo := h.alloc(t)
	wo.reuseAddr = true
	c.Assert(h.Bind(w.Handle(), netip.Addr{}, 5000), qt.IsNil)
	err = h.Connect(w.Handle(), addr("10.0.0.9"), 81)
	c.Assert(errors.Is(err, sockerr.AddressInUse), qt.IsTrue)
}

func TestEstablish(t *testing.T) {
	c := qt.New(t)
	h := newHarness(t, Options{})
	ls, _ := h.alloc(t)
	c.Assert(h.Bind(ls.Handle(), netip.Addr{}, 8080), qt.IsNil)

	local := netip.MustParseAddrPort("10.0.0.1:8080")
	remote := netip.MustParseAddrPort("10.0.0.7:40000")
	child, _ := h.alloc(t)
	c.Assert(h.Establish(child.Handle(), local, remote), qt.IsNil)
	c.Assert(child.LocalAddrPort(), qt.Equals, local)
	c.Assert(child.RemoteAddrPort(), qt.Equals, remote)

	dup, _ := h.alloc(t)
	err := h.Establish(dup.Handle(), local, remote)
	c.Assert(errors.Is(err, sockerr.AddressInUse), qt.IsTrue)

	err = h.Establish(dup.Handle(), netip.AddrPortFrom(any4, 8080), remote)
	c.Assert(errors.Is(err, sockerr.InvalidState), qt.IsTrue)

	// Demux: the child's exact tuple wins; other peers reach the listener.
	got, ok := h.Lookup(local.Addr(), 8080, remote.Addr(), remote.Port(), Wildcard)
	c.Assert(ok, qt.IsTrue)
	c.Assert(got, qt.Equals, child)
	got, ok = h.Lookup(local.Addr(), 8080, addr("10.0.0.8"), 1, Wildcard)
	c.Assert(ok, qt.IsTrue)
	c.Assert(got, qt.Equals, ls)
}

func TestLookupPrecedence(t *testing.T) {
	c := qt.New(t)
	h := newHarness(t, Options{})

	// Allocation order puts the least specific PCB at the head of the
	// chain, so precedence cannot come from recency.
	conn, _ := h.alloc(t)
	c.Assert(h.Establish(conn.Handle(), netip.MustParseAddrPort("10.0.0.1:80"), netip.MustParseAddrPort("10.0.0.5:1234")), qt.IsNil)
	specific, so := h.alloc(t)
	so.reuseAddr = true
	c.Assert(h.Bind(specific.Handle(), addr("10.0.0.1"), 80), qt.IsNil)
	wild, wo := h.alloc(t)
	wo.reuseAddr = true
	c.Assert(h.Bind(wild.Handle(), netip.Addr{}, 80), qt.IsNil)

	tests := []struct {
		name  string
		laddr string
		raddr string
		rport uint16
		flags LookupFlags
		want  *PCB
	}{
		{"exact", "10.0.0.1", "10.0.0.5", 1234, Wildcard, conn},
		{"exact-no-wildcard-flag", "10.0.0.1", "10.0.0.5", 1234, 0, conn},
		{"specific-local", "10.0.0.1", "10.0.0.6", 1, Wildcard, specific},
		{"wild-local", "10.0.0.2", "10.0.0.6", 1, Wildcard, wild},
		{"no-wildcard-flag", "10.0.0.1", "10.0.0.6", 1, 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := h.Lookup(addr(tt.laddr), 80, addr(tt.raddr), tt.rport, tt.flags)
			if ok != (tt.want != nil) || got != tt.want {
				t.Fatalf("Lookup = %v, %v; want %v", got, ok, tt.want)
			}
		})
	}

	_, ok := h.Lookup(addr("10.0.0.1"), 81, addr("10.0.0.5"), 1234, Wildcard)
	c.Assert(ok, qt.IsFalse)

	// After detach, lookups never return the PCB.
	c.Assert(h.Detach(conn.Handle()), qt.IsNil)
	got, ok := h.Lookup(addr("10.0.0.1"), 80, addr("10.0.0.5"), 1234, Wildcard)
	c.Assert(ok, qt.IsTrue)
	c.Assert(got, qt.Equals, specific)
}

func TestNotifyToleratesDetach(t *testing.T) {
	c := qt.New(t)
	h := newHarness(t, Options{})
	var conns []*PCB
	for i := range 4 {
		p, _ := h.alloc(t)
		remote := netip.AddrPortFrom(addr("10.0.0.9"), uint16(1000+i))
		c.Assert(h.Establish(p.Handle(), netip.MustParseAddrPort("10.0.0.1:80"), remote), qt.IsNil)
		conns = append(conns, p)
	}
	other, _ := h.alloc(t)
	c.Assert(h.Establish(other.Handle(), netip.MustParseAddrPort("10.0.0.1:80"), netip.MustParseAddrPort("10.0.0.10:1000")), qt.IsNil)
	h.alloc(t) // unbound, never notified

	cond := sockerr.New("icmp", sockerr.PeerUnreachable)
	var seen []Handle
	n := h.Notify(addr("10.0.0.9"), 0, netip.Addr{}, 0, cond, func(p *PCB, err error) {
		c.Check(err, qt.Equals, cond)
		seen = append(seen, p.Handle())
		// Detach the current PCB and the next one in chain order.
		c.Check(h.Detach(p.Handle()), qt.IsNil)
		if p == conns[3] {
			c.Check(h.Detach(conns[2].Handle()), qt.IsNil)
		}
	})
	c.Assert(n, qt.Equals, 3)
	c.Assert(seen, qt.CmpEquals(cmp.AllowUnexported(Handle{})), []Handle{conns[3].Handle(), conns[1].Handle(), conns[0].Handle()})
	c.Assert(h.Len(), qt.Equals, 2) // other and the unbound PCB

	n = h.Notify(netip.Addr{}, 0, netip.Addr{}, 0, nil, func(*PCB, error) {})
	c.Assert(n, qt.Equals, 1) // only connected PCBs match

	n = h.Notify(addr("10.0.0.10"), 999, netip.Addr{}, 0, nil, func(*PCB, error) {})
	c.Assert(n, qt.Equals, 0)
}

func TestRouteChanged(t *testing.T) {
	c := qt.New(t)
	h := newHarness(t, Options{})
	p, o := h.alloc(t)
	c.Assert(h.Connect(p.Handle(), addr("10.0.0.9"), 80), qt.IsNil)

	// A nil error only invalidates the route.
	h.RouteChanged(p.Handle(), nil)
	_, ok := p.Route()
	c.Assert(ok, qt.IsFalse)
	c.Assert(o.errs, qt.HasLen, 0)

	rt, err := h.RouteFor(p.Handle())
	c.Assert(err, qt.IsNil)
	c.Assert(rt.Prefix, qt.Equals, netip.MustParsePrefix("10.0.0.0/24"))
	_, ok = p.Route()
	c.Assert(ok, qt.IsTrue)

	// Soft conditions are not latched.
	h.RouteChanged(p.Handle(), sockerr.New("icmp", sockerr.WouldBlock))
	c.Assert(o.errs, qt.HasLen, 0)

	hard := sockerr.New("icmp", sockerr.PeerUnreachable)
	h.RouteChanged(p.Handle(), hard)
	c.Assert(o.errs, qt.HasLen, 1)
	c.Assert(o.errs[0], qt.Equals, hard)

	// Unconnected PCBs are never told.
	q, qo := h.alloc(t)
	h.RouteChanged(q.Handle(), hard)
	c.Assert(qo.errs, qt.HasLen, 0)
	_, err = h.RouteFor(q.Handle())
	c.Assert(errors.Is(err, sockerr.InvalidState), qt.IsTrue)

	// A detached owner is simply skipped.
	delete(h.owners, p.Owner())
	h.RouteChanged(p.Handle(), hard)
}

func TestStateOf(t *testing.T) {
	h := newHarness(t, Options{})
	p, _ := h.alloc(t)
	if _, ok := StateOf[*tcbState](p); ok {
		t.Fatal("StateOf on empty PCB ok")
	}
	st := &tcbState{snd: 7}
	p.SetState(st)
	got, ok := StateOf[*tcbState](p)
	if !ok || got != st {
		t.Fatalf("StateOf = %v, %v", got, ok)
	}
	if _, ok := StateOf[udpState](p); ok {
		t.Fatal("StateOf with wrong type ok")
	}
	// Detach leaves protocol state alone.
	if err := h.Detach(p.Handle()); err != nil {
		t.Fatal(err)
	}
	if p.State() != ProtoState(st) {
		t.Fatal("Detach cleared protocol state")
	}
}

type tcbState struct{ snd uint32 }

func (*tcbState) Protocol() tcpip.TransportProtocolNumber { return header.TCPProtocolNumber }

type udpState struct{}

func (udpState) Protocol() tcpip.TransportProtocolNumber { return header.UDPProtocolNumber }

func TestTupleString(t *testing.T) {
	tests := []struct {
		tu   Tuple
		want string
	}{
		{Tuple{}, "*:*->*:*"},
		{Tuple{LocalAddr: any4, LocalPort: 80}, "*:80->*:*"},
		{Tuple{LocalAddr: addr("10.0.0.1"), LocalPort: 80, RemoteAddr: addr("fd7a::1"), RemotePort: 9}, "10.0.0.1:80->[fd7a::1]:9"},
	}
	for _, tt := range tests {
		if got := tt.tu.String(); got != tt.want {
			t.Errorf("String = %q; want %q", got, tt.want)
		}
	}
}
