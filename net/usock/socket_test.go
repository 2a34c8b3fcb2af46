// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package usock_test

import (
	"bytes"
	"io"
	"net/netip"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/secsecsec/libusnet/net/sockerr"
	"github.com/secsecsec/libusnet/net/usock"
	"github.com/secsecsec/libusnet/net/usock/usocktest"
	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/waiter"
)

func view(s string) *buffer.View { return buffer.NewViewWithData([]byte(s)) }

// connected returns an accepted stream socket with remote 10.0.0.7:port.
func (h *harness) connected(port uint16) (ls, so *usock.Socket) {
	h.c.Helper()
	ls = h.listener(8080, usock.DefaultBacklog, nil)
	_, err := usocktest.Handshake(h.s, ls, netip.AddrPortFrom(netip.MustParseAddr("10.0.0.7"), port))
	h.c.Assert(err, qt.IsNil)
	so, ok := ls.Accept()
	h.c.Assert(ok, qt.IsTrue)
	return ls, so
}

func TestBindEphemeralTwice(t *testing.T) {
	h := newHarness(t, usock.Options{})
	a := h.socket(usock.Dgram)
	b := h.socket(usock.Dgram)
	h.c.Assert(a.Bind(netip.AddrPort{}), qt.IsNil)
	h.c.Assert(b.Bind(netip.AddrPort{}), qt.IsNil)
	h.c.Assert(a.LocalAddr().Port(), qt.Not(qt.Equals), uint16(0))
	h.c.Assert(a.LocalAddr().Port(), qt.Not(qt.Equals), b.LocalAddr().Port())
	h.c.Assert(sockerr.KindOf(a.Bind(netip.AddrPort{})), qt.Equals, sockerr.InvalidState)
}

func TestBindFamily(t *testing.T) {
	h := newHarness(t, usock.Options{})
	so := h.socket(usock.Dgram)
	h.c.Assert(sockerr.KindOf(so.Bind(ap("[fd7a::1]:53"))), qt.Equals, sockerr.InvalidState)
	h.c.Assert(so.Bind(ap("[::ffff:10.0.0.1]:53")), qt.IsNil)
	h.c.Assert(so.LocalAddr(), qt.Equals, ap("10.0.0.1:53"))
}

func TestBindReuse(t *testing.T) {
	h := newHarness(t, usock.Options{})
	a := h.socket(usock.Dgram)
	h.c.Assert(a.Bind(ap("0.0.0.0:5353")), qt.IsNil)

	b := h.socket(usock.Dgram)
	h.c.Assert(sockerr.KindOf(b.Bind(ap("0.0.0.0:5353"))), qt.Equals, sockerr.AddressInUse)

	a.SetOption(usock.ReusePort, true)
	b.SetOption(usock.ReusePort, true)
	h.c.Assert(b.Bind(ap("0.0.0.0:5353")), qt.IsNil)
}

func TestConnectStream(t *testing.T) {
	h := newHarness(t, usock.Options{})
	so := h.socket(usock.Stream)
	err := so.Connect(ap("10.0.0.7:80"))
	h.c.Assert(sockerr.KindOf(err), qt.Equals, sockerr.InProgress)
	h.c.Assert(so.State()&usock.IsConnecting, qt.Equals, usock.IsConnecting)
	h.c.Assert(so.LocalAddr().Addr().String(), qt.Equals, "10.0.0.1")
	h.c.Assert(so.RemoteAddr(), qt.Equals, ap("10.0.0.7:80"))
	h.c.Assert(so.Readiness(waiter.EventOut), qt.Equals, waiter.EventMask(0))

	h.c.Assert(sockerr.KindOf(so.Connect(ap("10.0.0.7:80"))), qt.Equals, sockerr.InProgress)

	so.IsConnected()
	h.c.Assert(so.State()&(usock.IsConnected|usock.IsConnecting), qt.Equals, usock.IsConnected)
	h.c.Assert(so.Readiness(waiter.EventOut), qt.Equals, waiter.EventOut)
	h.c.Assert(sockerr.KindOf(so.Connect(ap("10.0.0.8:80"))), qt.Equals, sockerr.InvalidState)
}

func TestConnectErrors(t *testing.T) {
	h := newHarness(t, usock.Options{})
	tests := []struct {
		name string
		dst  string
		want sockerr.Kind
	}{
		{"no-route", "8.8.8.8:53", sockerr.NoRoute},
		{"broadcast", "10.0.0.255:53", sockerr.NoRoute},
		{"wildcard", "0.0.0.0:53", sockerr.InvalidState},
		{"port-zero", "10.0.0.7:0", sockerr.InvalidState},
		{"family", "[fd7a::7]:53", sockerr.InvalidState},
	}
	for _, tt := range tests {
		h.c.Run(tt.name, func(c *qt.C) {
			so := h.socket(usock.Dgram)
			c.Assert(sockerr.KindOf(so.Connect(ap(tt.dst))), qt.Equals, tt.want)
			c.Assert(so.State()&usock.IsConnected, qt.Equals, usock.State(0))
		})
	}

	so := h.socket(usock.Dgram)
	so.SetOption(usock.Broadcast, true)
	h.c.Assert(so.Connect(ap("10.0.0.255:53")), qt.IsNil)
}

func TestConnectReconnectDatagram(t *testing.T) {
	h := newHarness(t, usock.Options{})
	so := h.socket(usock.Dgram)
	h.c.Assert(so.Connect(ap("10.0.0.7:53")), qt.IsNil)
	port := so.LocalAddr().Port()
	h.c.Assert(so.Connect(ap("10.0.0.8:53")), qt.IsNil)
	h.c.Assert(so.RemoteAddr(), qt.Equals, ap("10.0.0.8:53"))
	h.c.Assert(so.LocalAddr().Port(), qt.Equals, port)
}

func TestConnectCollision(t *testing.T) {
	h := newHarness(t, usock.Options{})
	h.connected(1234)

	dup := h.socket(usock.Stream)
	dup.SetOption(usock.ReuseAddr, true)
	h.c.Assert(dup.Bind(ap("10.0.0.1:8080")), qt.IsNil)
	err := dup.Connect(ap("10.0.0.7:1234"))
	h.c.Assert(sockerr.KindOf(err), qt.Equals, sockerr.AddressInUse)
	h.c.Assert(dup.State()&usock.IsConnecting, qt.Equals, usock.State(0))

	h.c.Assert(sockerr.KindOf(dup.Connect(ap("10.0.0.7:1235"))), qt.Equals, sockerr.InProgress)
}

func TestWriteRead(t *testing.T) {
	h := newHarness(t, usock.Options{})
	_, so := h.connected(1234)
	rec := new(usocktest.Recorder)
	so.SetHandler(rec)

	h.c.Assert(so.Write(view("hello")), qt.IsNil)
	c, _ := usocktest.ConnOf(so)
	h.c.Assert(string(c.OutBytes()), qt.Equals, "hello")
	h.c.Assert(so.SendBuffer().Len(), qt.Equals, 0)

	_, err := so.Read()
	h.c.Assert(sockerr.KindOf(err), qt.Equals, sockerr.WouldBlock)
	h.c.Assert(so.Readiness(waiter.ReadableEvents), qt.Equals, waiter.EventMask(0))

	h.c.Assert(so.Deliver(view("world")), qt.IsNil)
	h.c.Assert(rec.Kinds(), qt.DeepEquals, []string{"readable"})
	h.c.Assert(so.Readiness(waiter.EventIn), qt.Equals, waiter.EventIn)

	v, err := so.Read()
	h.c.Assert(err, qt.IsNil)
	h.c.Assert(string(v.AsSlice()), qt.Equals, "world")
	h.c.Assert(c.Calls[len(c.Calls)-1], qt.Equals, "received")

	so.CantRcvMore()
	_, err = so.Read()
	h.c.Assert(err, qt.Equals, io.EOF)
	h.c.Assert(rec.Kinds(), qt.DeepEquals, []string{"readable", "readable"})
	h.c.Assert(sockerr.KindOf(so.Deliver(view("late"))), qt.Equals, sockerr.InvalidState)
}

func TestWriteErrors(t *testing.T) {
	h := newHarness(t, usock.Options{})

	unconnected := h.socket(usock.Stream)
	h.c.Assert(sockerr.KindOf(unconnected.Write(view("x"))), qt.Equals, sockerr.InvalidState)

	_, so := h.connected(1234)
	big := buffer.NewViewWithData(bytes.Repeat([]byte{'x'}, 5000))
	h.c.Assert(sockerr.KindOf(so.Write(big)), qt.Equals, sockerr.WouldBlock)

	so.SetError(sockerr.New("input", sockerr.ConnectionReset))
	h.c.Assert(sockerr.KindOf(so.Write(view("x"))), qt.Equals, sockerr.ConnectionReset)
	h.c.Assert(so.Err(), qt.IsNil)

	h.c.Assert(so.Shutdown(false, true), qt.IsNil)
	h.c.Assert(sockerr.KindOf(so.Write(view("x"))), qt.Equals, sockerr.InvalidState)
	c, _ := usocktest.ConnOf(so)
	h.c.Assert(c.Calls[len(c.Calls)-1], qt.Equals, "shutdown-write")
}

func TestDeliverFull(t *testing.T) {
	h := newHarness(t, usock.Options{})
	_, so := h.connected(1234)
	h.c.Assert(so.Deliver(buffer.NewViewWithData(make([]byte, 4096))), qt.IsNil)
	h.c.Assert(so.RecvBuffer().Space(), qt.Equals, 0)
	h.c.Assert(sockerr.KindOf(so.Deliver(view("x"))), qt.Equals, sockerr.WouldBlock)
	v, err := so.Read()
	h.c.Assert(err, qt.IsNil)
	h.c.Assert(v.Size(), qt.Equals, 4096)
	h.c.Assert(so.RecvBuffer().Space(), qt.Equals, 4096)
}

func TestShutdown(t *testing.T) {
	h := newHarness(t, usock.Options{})
	_, so := h.connected(1234)
	h.c.Assert(so.Deliver(view("pending")), qt.IsNil)

	h.c.Assert(so.Shutdown(true, false), qt.IsNil)
	_, err := so.Read()
	h.c.Assert(err, qt.Equals, io.EOF)
	h.c.Assert(so.Readiness(waiter.EventHUp), qt.Equals, waiter.EventMask(0))

	h.c.Assert(so.Shutdown(false, true), qt.IsNil)
	h.c.Assert(so.Readiness(waiter.EventHUp|waiter.EventOut), qt.Equals, waiter.EventHUp)

	unconnected := h.socket(usock.Stream)
	h.c.Assert(sockerr.KindOf(unconnected.Shutdown(true, true)), qt.Equals, sockerr.InvalidState)
}

func TestCloseConnected(t *testing.T) {
	h := newHarness(t, usock.Options{})
	_, so := h.connected(1234)
	c, _ := usocktest.ConnOf(so)

	h.c.Assert(so.Close(), qt.IsNil)
	h.c.Assert(so.Released(), qt.IsTrue)
	h.c.Assert(c.Calls, qt.DeepEquals, []string{"attach", "disconnect", "detach"})
	_, ok := so.PCB()
	h.c.Assert(ok, qt.IsFalse)

	for _, err := range []error{so.Close(), so.Bind(netip.AddrPort{}), so.Write(view("x"))} {
		h.c.Assert(sockerr.KindOf(err), qt.Equals, sockerr.InvalidState)
	}
	_, err := so.Read()
	h.c.Assert(sockerr.KindOf(err), qt.Equals, sockerr.InvalidState)
}

func TestCloseDeferredByHold(t *testing.T) {
	h := newHarness(t, usock.Options{})
	_, so := h.connected(1234)
	h.c.Assert(so.Deliver(view("queued")), qt.IsNil)
	so.Hold()

	h.c.Assert(so.Close(), qt.IsNil)
	h.c.Assert(so.Released(), qt.IsFalse)
	h.c.Assert(so.State()&(usock.Closed|usock.CantSendMore|usock.CantRcvMore), qt.Equals, usock.Closed|usock.CantSendMore|usock.CantRcvMore)
	h.c.Assert(h.s.Len(), qt.Equals, 2)
	h.c.Assert(so.RecvBuffer().Len(), qt.Equals, len("queued"))

	so.Release()
	h.c.Assert(so.Released(), qt.IsTrue)
	h.c.Assert(h.s.Len(), qt.Equals, 1)
	h.c.Assert(so.RecvBuffer().Len(), qt.Equals, 0)

	h.c.Assert(func() { so.Release() }, qt.PanicMatches, ".*Release without Hold")
}

func TestAbortAccepted(t *testing.T) {
	h := newHarness(t, usock.Options{})
	_, so := h.connected(1234)
	rec := new(usocktest.Recorder)
	so.SetHandler(rec)

	so.Abort(sockerr.New("input", sockerr.ConnectionReset))
	h.c.Assert(so.Released(), qt.IsFalse)
	h.c.Assert(so.State()&usock.IsConnected, qt.Equals, usock.State(0))
	h.c.Assert(rec.Kinds(), qt.DeepEquals, []string{"error", "readable"})
	h.c.Assert(sockerr.KindOf(rec.Events[0].Err), qt.Equals, sockerr.ConnectionReset)

	_, err := so.Read()
	h.c.Assert(sockerr.KindOf(err), qt.Equals, sockerr.ConnectionReset)
	_, err = so.Read()
	h.c.Assert(err, qt.Equals, io.EOF)
	h.c.Assert(so.Close(), qt.IsNil)
	h.c.Assert(so.Released(), qt.IsTrue)
}

func TestSetLinger(t *testing.T) {
	h := newHarness(t, usock.Options{})
	so := h.socket(usock.Stream)
	so.SetLinger(0)
	h.c.Assert(so.Options()&usock.Linger, qt.Equals, usock.Linger)
	so.SetLinger(-1)
	h.c.Assert(so.Options()&usock.Linger, qt.Equals, usock.SockOpt(0))

	so.SetOption(usock.AcceptConn, true)
	h.c.Assert(so.Options()&usock.AcceptConn, qt.Equals, usock.SockOpt(0))
}

func TestStrings(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{usock.Stream.String(), "stream"},
		{usock.Type(42).String(), "Type(42)"},
		{usock.INET6.String(), "inet6"},
		{(usock.ReuseAddr | usock.Broadcast).String(), "REUSEADDR|BROADCAST"},
		{(usock.IsConnected | usock.CantSendMore).String(), "ISCONNECTED|CANTSENDMORE"},
		{usock.State(0).String(), "0"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q; want %q", tt.got, tt.want)
		}
	}
	typ, err := usock.ParseType("dgram")
	if err != nil || typ != usock.Dgram {
		t.Errorf("ParseType(dgram) = %v, %v", typ, err)
	}
	if _, err := usock.ParseType("bogus"); err == nil {
		t.Error("ParseType(bogus) succeeded")
	}
}
