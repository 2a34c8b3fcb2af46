// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package usocktest provides an in-memory transport protocol and a
// recording event handler for exercising package usock.
package usocktest

import (
	"fmt"
	"net/netip"

	"github.com/secsecsec/libusnet/net/inpcb"
	"github.com/secsecsec/libusnet/net/sockbuf"
	"github.com/secsecsec/libusnet/net/sockerr"
	"github.com/secsecsec/libusnet/net/usock"
	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// Conn is the per-PCB state of Protocol.
type Conn struct {
	proto tcpip.TransportProtocolNumber

	// Calls lists the protocol hooks invoked for the socket, in order.
	Calls []string
	// Out holds the segments Send took from the send buffer.
	Out []*buffer.View
}

func (c *Conn) Protocol() tcpip.TransportProtocolNumber { return c.proto }

// OutBytes returns the concatenated payload of Out.
func (c *Conn) OutBytes() []byte {
	var b []byte
	for _, v := range c.Out {
		b = append(b, v.AsSlice()...)
	}
	return b
}

// Protocol is a usock.Protocol that keeps everything in memory. The zero
// value is a TCP-numbered stream protocol with 4 KiB buffers whose
// receive side wakes the reader on every byte.
type Protocol struct {
	Num      tcpip.TransportProtocolNumber
	SockType usock.Type
	Snd, Rcv sockbuf.Limits

	// Immediate makes Connect complete synchronously.
	Immediate bool
	// AttachErr, if set, fails every Attach.
	AttachErr error

	Attached, Detached int
}

// NewStream returns a stream protocol numbered as TCP.
func NewStream() *Protocol {
	return &Protocol{Num: header.TCPProtocolNumber, SockType: usock.Stream}
}

// NewDgram returns a datagram protocol numbered as UDP.
func NewDgram() *Protocol {
	return &Protocol{Num: header.UDPProtocolNumber, SockType: usock.Dgram}
}

func (p *Protocol) Number() tcpip.TransportProtocolNumber {
	if p.Num == 0 {
		return header.TCPProtocolNumber
	}
	return p.Num
}

func (p *Protocol) Type() usock.Type {
	if p.SockType == 0 {
		return usock.Stream
	}
	return p.SockType
}

func (p *Protocol) Limits() (snd, rcv sockbuf.Limits) {
	snd, rcv = p.Snd, p.Rcv
	if snd.HiWat == 0 {
		snd.HiWat = 4096
	}
	if rcv.HiWat == 0 {
		rcv.HiWat = 4096
	}
	if rcv.LoWat == 0 {
		rcv.LoWat = 1
	}
	return snd, rcv
}

func (p *Protocol) Attach(so *usock.Socket) error {
	if p.AttachErr != nil {
		return p.AttachErr
	}
	pcb, ok := so.PCB()
	if !ok {
		return fmt.Errorf("usocktest: %v has no pcb", so.Handle())
	}
	pcb.SetState(&Conn{proto: p.Number(), Calls: []string{"attach"}})
	p.Attached++
	return nil
}

func (p *Protocol) Detach(so *usock.Socket) {
	if c, ok := ConnOf(so); ok {
		c.Calls = append(c.Calls, "detach")
	}
	if pcb, ok := so.PCB(); ok {
		pcb.SetState(nil)
	}
	p.Detached++
}

func record(so *usock.Socket, call string) {
	if c, ok := ConnOf(so); ok {
		c.Calls = append(c.Calls, call)
	}
}

func (p *Protocol) Connect(so *usock.Socket) error {
	record(so, "connect")
	if p.Immediate {
		so.IsConnected()
		return nil
	}
	return sockerr.WithAddr("connect", sockerr.InProgress, so.RemoteAddr())
}

func (p *Protocol) Listen(so *usock.Socket) error {
	record(so, "listen")
	return nil
}

func (p *Protocol) Disconnect(so *usock.Socket)    { record(so, "disconnect") }
func (p *Protocol) ShutdownWrite(so *usock.Socket) { record(so, "shutdown-write") }
func (p *Protocol) Received(so *usock.Socket)      { record(so, "received") }

// Send moves everything in the send buffer to the socket's Conn.Out.
func (p *Protocol) Send(so *usock.Socket) {
	c, ok := ConnOf(so)
	if !ok {
		return
	}
	c.Calls = append(c.Calls, "send")
	for {
		v, ok := so.SendBuffer().Shift()
		if !ok {
			break
		}
		c.Out = append(c.Out, v)
	}
	so.Drained()
}

// ConnOf returns the Conn attached to so's PCB.
func ConnOf(so *usock.Socket) (*Conn, bool) {
	pcb, ok := so.PCB()
	if !ok {
		return nil, false
	}
	return inpcb.StateOf[*Conn](pcb)
}

// Handshake simulates a connection from remote arriving at listener ls:
// the new socket is queued, its PCB takes the listener's local endpoint,
// and it is marked connected, which moves it to the completed queue.
func Handshake(s *usock.Stack, ls *usock.Socket, remote netip.AddrPort) (*usock.Socket, error) {
	child, err := s.NewConn(ls)
	if err != nil {
		return nil, err
	}
	local := ls.LocalAddr()
	if a := local.Addr(); !a.IsValid() || a.IsUnspecified() {
		rt, err := s.Routes().Resolve(remote.Addr())
		if err != nil {
			child.Abort(nil)
			return nil, err
		}
		local = netip.AddrPortFrom(rt.Source, local.Port())
	}
	tab, _ := s.Table(ls.Protocol())
	pcb, _ := child.PCB()
	if err := tab.Establish(pcb.Handle(), local, remote); err != nil {
		child.Abort(nil)
		return nil, err
	}
	child.IsConnected()
	if child.Released() {
		return nil, sockerr.WithAddr("handshake", sockerr.QueueFull, local)
	}
	return child, nil
}

// Event is an event seen by a Recorder.
type Event struct {
	Kind   string // "accept", "readable" or "error"
	Handle usock.Handle
	Err    error
}

func (e Event) String() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %v: %v", e.Kind, e.Handle, e.Err)
	}
	return fmt.Sprintf("%s %v", e.Kind, e.Handle)
}

// Recorder is a usock.Handler that records events in order.
type Recorder struct {
	Events []Event

	// Hook, if set, runs inside each callback after the event is recorded.
	Hook func(ev Event, so *usock.Socket)

	// Reentered is set if a callback started while another callback for
	// the same socket was running.
	Reentered bool

	active map[usock.Handle]bool
}

func (r *Recorder) handle(kind string, so *usock.Socket, err error) {
	if r.active == nil {
		r.active = make(map[usock.Handle]bool)
	}
	h := so.Handle()
	if r.active[h] {
		r.Reentered = true
	}
	r.active[h] = true
	defer delete(r.active, h)
	ev := Event{Kind: kind, Handle: h, Err: err}
	r.Events = append(r.Events, ev)
	if r.Hook != nil {
		r.Hook(ev, so)
	}
}

func (r *Recorder) OnAccept(ls *usock.Socket)           { r.handle("accept", ls, nil) }
func (r *Recorder) OnReadable(so *usock.Socket)         { r.handle("readable", so, nil) }
func (r *Recorder) OnError(so *usock.Socket, err error) { r.handle("error", so, err) }

// Kinds returns the kinds of the recorded events.
func (r *Recorder) Kinds() []string {
	var ks []string
	for _, e := range r.Events {
		ks = append(ks, e.Kind)
	}
	return ks
}

// Reset forgets recorded events.
func (r *Recorder) Reset() {
	r.Events = nil
	r.Reentered = false
}
