// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package usock

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
	"time"

	"github.com/secsecsec/libusnet/net/inpcb"
	"github.com/secsecsec/libusnet/net/sockbuf"
	"github.com/secsecsec/libusnet/net/sockerr"
	"github.com/secsecsec/libusnet/util/ringbuffer"
	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/waiter"
)

// Which listener queue a socket is on.
const (
	qNone = iota
	qPartial
	qCompleted
)

// Socket is a socket in a Stack.
type Socket struct {
	stack  *Stack
	h      Handle
	family Family
	typ    Type
	proto  *protoEntry
	pcb    inpcb.Handle
	opts   SockOpt
	state  State
	linger time.Duration
	err    error

	sndLim, rcvLim sockbuf.Limits
	snd, rcv       *sockbuf.Buffer

	// Listener side. The listener owns its queued children; a child only
	// refers back to its listener by handle.
	head      Handle
	onq       int
	partial   ringbuffer.RingBuffer[*Socket]
	completed ringbuffer.RingBuffer[*Socket]
	qlimit    int

	handler    Handler
	wq         waiter.Queue
	inCallback bool
	pending    event

	refs     int
	released bool
}

func (so *Socket) Handle() Handle                          { return so.h }
func (so *Socket) Type() Type                              { return so.typ }
func (so *Socket) Family() Family                          { return so.family }
func (so *Socket) Protocol() tcpip.TransportProtocolNumber { return so.proto.p.Number() }
func (so *Socket) State() State                            { return so.state }
func (so *Socket) Options() SockOpt                        { return so.opts }
func (so *Socket) SendBuffer() *sockbuf.Buffer             { return so.snd }
func (so *Socket) RecvBuffer() *sockbuf.Buffer             { return so.rcv }
func (so *Socket) QLen() int                               { return so.completed.Len() }
func (so *Socket) Q0Len() int                              { return so.partial.Len() }
func (so *Socket) QLimit() int                             { return so.qlimit }
func (so *Socket) Linger() time.Duration                   { return so.linger }

// ReuseAddr, ReusePort and Broadcast implement inpcb.Owner.
func (so *Socket) ReuseAddr() bool { return so.opts&ReuseAddr != 0 }
func (so *Socket) ReusePort() bool { return so.opts&ReusePort != 0 }
func (so *Socket) Broadcast() bool { return so.opts&Broadcast != 0 }

// PCB returns so's protocol control block. It fails once so is released.
func (so *Socket) PCB() (*inpcb.PCB, bool) { return so.proto.tab.Get(so.pcb) }

// SetOption sets or clears o. AcceptConn is managed by Listen and is
// ignored here.
func (so *Socket) SetOption(o SockOpt, on bool) {
	o &^= AcceptConn
	if on {
		so.opts |= o
	} else {
		so.opts &^= o
	}
}

// SetLinger sets the linger time and the Linger option. A negative d
// clears the option.
func (so *Socket) SetLinger(d time.Duration) {
	if d < 0 {
		so.opts &^= Linger
		so.linger = 0
		return
	}
	so.opts |= Linger
	so.linger = d
}

// SetHandler installs the event handler. A nil h removes it.
func (so *Socket) SetHandler(h Handler) { so.handler = h }

// LocalAddr returns the bound local endpoint, if any.
func (so *Socket) LocalAddr() netip.AddrPort {
	if p, ok := so.PCB(); ok {
		return p.LocalAddrPort()
	}
	return netip.AddrPort{}
}

// RemoteAddr returns the connected remote endpoint, if any.
func (so *Socket) RemoteAddr() netip.AddrPort {
	if p, ok := so.PCB(); ok {
		return p.RemoteAddrPort()
	}
	return netip.AddrPort{}
}

// Head returns the listener whose queue so is on.
func (so *Socket) Head() (*Socket, bool) { return so.stack.Get(so.head) }

func (so *Socket) String() string {
	return fmt.Sprintf("%v %v/%s %v->%v [%v]", so.h, so.typ, inpcb.ProtocolName(so.proto.p.Number()), so.LocalAddr(), so.RemoteAddr(), so.state)
}

func (so *Socket) closed(op string) error {
	if so.state&Closed != 0 {
		return sockerr.Newf(op, sockerr.InvalidState, "%v is closed", so.h)
	}
	return nil
}

func (so *Socket) listening() bool { return so.opts&AcceptConn != 0 }

func (so *Socket) checkFamily(op string, ap netip.AddrPort) error {
	a := ap.Addr()
	if !a.IsValid() {
		return nil
	}
	if a.Unmap().Is4() != (so.family == INET) && !(so.family == INET6 && a.Is4In6()) {
		return sockerr.WithAddr(op, sockerr.InvalidState, ap)
	}
	return nil
}

// countExhausted records a failure to find a free ephemeral port.
func (so *Socket) countExhausted(err error) error {
	if sockerr.KindOf(err) == sockerr.ResourceExhausted {
		so.stack.m.ephemeralExhausted.Inc()
	}
	return err
}

// Bind assigns a local endpoint. A zero port picks an ephemeral port and
// an invalid or unspecified address binds to every local address.
func (so *Socket) Bind(ap netip.AddrPort) error {
	if err := so.closed("bind"); err != nil {
		return err
	}
	if so.state&(IsConnected|IsConnecting) != 0 || so.listening() {
		return sockerr.Newf("bind", sockerr.InvalidState, "%v is %v", so.h, so.state)
	}
	if err := so.checkFamily("bind", ap); err != nil {
		return err
	}
	return so.countExhausted(so.proto.tab.Bind(so.pcb, ap.Addr(), ap.Port()))
}

// Listen marks so as accepting connections with a backlog clamped to
// [0, SOMAXCONN]. An unbound socket is bound to an ephemeral port first.
// Calling Listen again only changes the backlog, and the handler if h is
// not nil. Connections already queued beyond a reduced backlog stay
// queued; new ones are refused until the queues drain below it.
func (so *Socket) Listen(backlog int, h Handler) error {
	if err := so.closed("listen"); err != nil {
		return err
	}
	if !so.typ.connOriented() {
		return sockerr.Newf("listen", sockerr.InvalidState, "%v sockets cannot listen", so.typ)
	}
	if so.state&(IsConnected|IsConnecting|IsDisconnecting) != 0 {
		return sockerr.Newf("listen", sockerr.InvalidState, "%v is %v", so.h, so.state)
	}
	if !so.listening() {
		p, ok := so.PCB()
		if !ok {
			return sockerr.Newf("listen", sockerr.InvalidState, "%v has no pcb", so.h)
		}
		if !p.Tuple().IsBound() {
			if err := so.proto.tab.Bind(so.pcb, netip.Addr{}, 0); err != nil {
				return so.countExhausted(err)
			}
		}
		if l, ok := so.proto.p.(Listener); ok {
			if err := l.Listen(so); err != nil {
				return err
			}
		}
		so.opts |= AcceptConn
	}
	so.qlimit = max(0, min(backlog, so.stack.somax))
	if h != nil {
		so.handler = h
	}
	so.stack.vlogf("listen %v qlimit=%d", so, so.qlimit)
	return nil
}

// Connect connects so to ap. A datagram socket that is already connected
// is reconnected. For protocols with a handshake Connect returns an error
// of kind sockerr.InProgress and the socket is connecting until the
// protocol reports the outcome.
func (so *Socket) Connect(ap netip.AddrPort) error {
	if err := so.closed("connect"); err != nil {
		return err
	}
	if so.listening() {
		return sockerr.Newf("connect", sockerr.InvalidState, "%v is listening", so.h)
	}
	if so.state&IsConnecting != 0 {
		return sockerr.WithAddr("connect", sockerr.InProgress, ap)
	}
	if so.state&IsConnected != 0 {
		if so.typ.connOriented() {
			return sockerr.Newf("connect", sockerr.InvalidState, "%v already connected", so.h)
		}
		so.proto.tab.Disconnect(so.pcb)
		so.state &^= IsConnected
	}
	if err := so.checkFamily("connect", ap); err != nil {
		return err
	}
	if err := so.proto.tab.Connect(so.pcb, ap.Addr(), ap.Port()); err != nil {
		return so.countExhausted(err)
	}
	c, ok := so.proto.p.(Connector)
	if !ok {
		so.IsConnected()
		return nil
	}
	so.IsConnecting()
	err := c.Connect(so)
	switch {
	case err == nil:
		if so.state&IsConnected == 0 {
			so.IsConnected()
		}
		return nil
	case errors.Is(err, sockerr.InProgress):
		return err
	}
	so.state &^= IsConnecting
	so.proto.tab.Disconnect(so.pcb)
	return err
}

// Accept removes the oldest connection from the completed queue. It
// reports false if there is none.
func (so *Socket) Accept() (*Socket, bool) {
	if !so.listening() || so.state&Closed != 0 {
		return nil, false
	}
	for {
		child, ok := so.completed.Pop()
		if !ok {
			return nil, false
		}
		child.onq = qNone
		child.head = Handle{}
		if child.state&Closed != 0 {
			continue
		}
		child.state &^= NoFDRef
		so.stack.m.accepted.Inc()
		so.stack.vlogf("accept %v", child)
		return child, true
	}
}

// Close closes so. A listener aborts every connection still on its queues.
// The socket is released once no Hold reference or running callback
// remains.
func (so *Socket) Close() error {
	if err := so.closed("close"); err != nil {
		return err
	}
	so.stack.vlogf("close %v", so)
	so.dequeue()
	so.abortQueues()
	so.teardown()
	so.state |= NoFDRef | Closed
	so.pending = 0
	so.maybeRelease()
	return nil
}

func (so *Socket) abortQueues() {
	if !so.listening() {
		return
	}
	for _, q := range []*ringbuffer.RingBuffer[*Socket]{&so.partial, &so.completed} {
		for {
			child, ok := q.Pop()
			if !ok {
				break
			}
			child.onq = qNone
			child.head = Handle{}
			child.destroy()
		}
	}
}

// teardown disconnects so from its peer and shuts down both directions.
func (so *Socket) teardown() {
	if so.state&(IsConnected|IsConnecting|IsDisconnecting) != 0 {
		if d, ok := so.proto.p.(Disconnecter); ok {
			d.Disconnect(so)
		}
		so.proto.tab.Disconnect(so.pcb)
	}
	so.state &^= IsConnected | IsConnecting | IsConfirming
	so.state |= CantSendMore | CantRcvMore
}

// destroy tears down a socket the application never saw.
func (so *Socket) destroy() {
	if so.state&Closed != 0 {
		return
	}
	so.dequeue()
	so.abortQueues()
	so.teardown()
	so.state |= NoFDRef | Closed
	so.maybeRelease()
}

// dequeue removes so from its listener's queue.
func (so *Socket) dequeue() {
	if so.onq == qNone {
		return
	}
	if ls, ok := so.Head(); ok {
		q := &ls.partial
		if so.onq == qCompleted {
			q = &ls.completed
		}
		q.Remove(func(c *Socket) bool { return c == so })
	}
	so.onq = qNone
	so.head = Handle{}
}

func (so *Socket) maybeRelease() {
	if so.released || so.state&Closed == 0 || so.refs > 0 || so.inCallback {
		return
	}
	so.released = true
	so.stack.release(so)
}

// Hold takes an I/O reference that defers release of a closed socket.
func (so *Socket) Hold() { so.refs++ }

// Release drops a reference taken by Hold.
func (so *Socket) Release() {
	if so.refs == 0 {
		panic("usock: Release without Hold")
	}
	so.refs--
	so.maybeRelease()
}

// Released reports whether so's resources have been freed.
func (so *Socket) Released() bool { return so.released }

// Shutdown stops further receives, sends, or both.
func (so *Socket) Shutdown(read, write bool) error {
	if err := so.closed("shutdown"); err != nil {
		return err
	}
	if so.typ.connOriented() && so.state&(IsConnected|IsConnecting) == 0 {
		return sockerr.Newf("shutdown", sockerr.InvalidState, "%v not connected", so.h)
	}
	if read {
		so.rcv.Flush()
		so.CantRcvMore()
	}
	if write && so.state&CantSendMore == 0 {
		so.CantSendMore()
		if sw, ok := so.proto.p.(ShutdownWriter); ok {
			sw.ShutdownWrite(so)
		}
	}
	return nil
}

// Err returns and clears the latched error.
func (so *Socket) Err() error {
	err := so.err
	so.err = nil
	return err
}

// Write queues v for transmission. On success the socket owns v.
func (so *Socket) Write(v *buffer.View) error {
	if err := so.closed("write"); err != nil {
		return err
	}
	if so.state&CantSendMore != 0 {
		return sockerr.Newf("write", sockerr.InvalidState, "%v cannot send", so.h)
	}
	if err := so.Err(); err != nil {
		return err
	}
	if so.typ.connOriented() && so.state&IsConnected == 0 {
		return sockerr.Newf("write", sockerr.InvalidState, "%v not connected", so.h)
	}
	if err := so.snd.Append(v); err != nil {
		return err
	}
	if sd, ok := so.proto.p.(Sender); ok {
		sd.Send(so)
	}
	return nil
}

// Read returns the next received segment. The caller owns it. Once the
// peer has stopped sending and the buffer is drained Read returns io.EOF.
func (so *Socket) Read() (*buffer.View, error) {
	if err := so.closed("read"); err != nil {
		return nil, err
	}
	if err := so.Err(); err != nil {
		return nil, err
	}
	if v, ok := so.rcv.Shift(); ok {
		if r, ok := so.proto.p.(Receiver); ok {
			r.Received(so)
		}
		return v, nil
	}
	if so.state&CantRcvMore != 0 {
		return nil, io.EOF
	}
	return nil, sockerr.New("read", sockerr.WouldBlock)
}

// Deliver appends data from the peer to the receive buffer and wakes the
// reader once the buffer is readable. It returns an error of kind
// sockerr.WouldBlock if there is no room, leaving v with the caller.
func (so *Socket) Deliver(v *buffer.View) error {
	if so.state&(CantRcvMore|Closed) != 0 || so.listening() {
		return sockerr.Newf("deliver", sockerr.InvalidState, "%v cannot receive", so.h)
	}
	if err := so.rcv.Append(v); err != nil {
		return err
	}
	if so.rcv.Readable() {
		so.post(evReadable)
	}
	return nil
}

// Drained tells so that the protocol has removed data from the send
// buffer, waking writers if it has drained below the low-water mark.
func (so *Socket) Drained() {
	if so.snd.Writable() {
		so.wq.Notify(waiter.EventOut)
	}
}

// IsConnecting marks so as connecting.
func (so *Socket) IsConnecting() {
	so.state &^= IsConnected | IsDisconnecting
	so.state |= IsConnecting
}

// IsConnected marks so as connected. A connection on a listener's partial
// queue is moved to the completed queue.
func (so *Socket) IsConnected() {
	so.state &^= IsConnecting | IsDisconnecting | IsConfirming
	so.state |= IsConnected
	if so.onq == qPartial {
		if ls, ok := so.Head(); ok {
			// A full completed queue destroys so; the drop is counted
			// and logged by Promote and the protocol sees so released.
			_ = ls.Promote(so)
			return
		}
	}
	so.wq.Notify(waiter.EventOut)
}

// IsDisconnecting marks so as disconnecting. Both directions are shut
// down.
func (so *Socket) IsDisconnecting() {
	so.state &^= IsConnecting
	so.state |= IsDisconnecting | CantRcvMore | CantSendMore
	so.wq.Notify(waiter.EventOut | waiter.EventHUp)
	so.post(evReadable)
}

// IsDisconnected marks so as disconnected.
func (so *Socket) IsDisconnected() {
	so.state &^= IsConnecting | IsConnected | IsDisconnecting
	so.state |= CantRcvMore | CantSendMore
	so.wq.Notify(waiter.EventOut | waiter.EventHUp)
	so.post(evReadable)
}

// CantSendMore records that no more data can be sent.
func (so *Socket) CantSendMore() {
	so.state |= CantSendMore
	so.wq.Notify(waiter.EventOut)
}

// CantRcvMore records that the peer will send no more data. Readers are
// woken to see end of stream.
func (so *Socket) CantRcvMore() {
	so.state |= CantRcvMore
	if so.state&CantSendMore != 0 {
		so.wq.Notify(waiter.EventHUp)
	}
	so.post(evReadable)
}

// SetError latches err and reports it to the handler.
func (so *Socket) SetError(err error) {
	if err == nil {
		return
	}
	so.err = err
	so.stack.m.countError(err)
	so.post(evError)
}

// Abort latches err, if any, and disconnects so. A socket the application
// has not accepted is destroyed.
func (so *Socket) Abort(err error) {
	so.SetError(err)
	if so.state&Closed != 0 {
		return
	}
	if so.state&NoFDRef != 0 {
		so.destroy()
		return
	}
	so.IsDisconnected()
}

// RouteError latches a hard routing error. A connected socket can send no
// more. It implements inpcb.Owner.
func (so *Socket) RouteError(err error) {
	if so.state&IsConnected != 0 {
		so.CantSendMore()
	}
	so.SetError(err)
}
