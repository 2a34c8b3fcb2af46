// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package usock

import (
	"fmt"
	"strings"

	"github.com/secsecsec/libusnet/net/sockbuf"
	"gvisor.dev/gvisor/pkg/tcpip"
)

// Type is a socket type.
type Type int

const (
	Stream    Type = 1
	Dgram     Type = 2
	Raw       Type = 3
	RDM       Type = 4
	SeqPacket Type = 5
)

var typeNames = map[Type]string{
	Stream:    "stream",
	Dgram:     "dgram",
	Raw:       "raw",
	RDM:       "rdm",
	SeqPacket: "seqpacket",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// ParseType parses the name printed by Type.String.
func ParseType(s string) (Type, error) {
	for t, name := range typeNames {
		if name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown socket type %q", s)
}

// connOriented reports whether sockets of type t need a connection before
// they can send.
func (t Type) connOriented() bool { return t == Stream || t == SeqPacket }

// Family is an address family.
type Family int

const (
	INET  Family = 2
	INET6 Family = 10
)

func (f Family) String() string {
	switch f {
	case INET:
		return "inet"
	case INET6:
		return "inet6"
	}
	return fmt.Sprintf("Family(%d)", int(f))
}

// SockOpt is a set of socket option flags.
type SockOpt uint16

const (
	Debug       SockOpt = 0x1   // turn on debugging info recording
	AcceptConn  SockOpt = 0x2   // socket has had listen()
	ReuseAddr   SockOpt = 0x4   // allow local address reuse
	KeepAlive   SockOpt = 0x8   // keep connections alive
	DontRoute   SockOpt = 0x10  // just use interface addresses
	Broadcast   SockOpt = 0x20  // permit sending of broadcast msgs
	UseLoopback SockOpt = 0x40  // bypass hardware when possible
	Linger      SockOpt = 0x80  // linger on close if data present
	OOBInline   SockOpt = 0x100 // leave received OOB data in line
	ReusePort   SockOpt = 0x200 // allow local address & port reuse
)

var optionNames = []struct {
	o    SockOpt
	name string
}{
	{Debug, "DEBUG"}, {AcceptConn, "ACCEPTCONN"}, {ReuseAddr, "REUSEADDR"},
	{KeepAlive, "KEEPALIVE"}, {DontRoute, "DONTROUTE"}, {Broadcast, "BROADCAST"},
	{UseLoopback, "USELOOPBACK"}, {Linger, "LINGER"}, {OOBInline, "OOBINLINE"},
	{ReusePort, "REUSEPORT"},
}

func (o SockOpt) String() string {
	var parts []string
	for _, n := range optionNames {
		if o&n.o != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "0"
	}
	return strings.Join(parts, "|")
}

// State is the socket state bits.
type State uint16

const (
	NoFDRef         State = 0x1   // no application reference
	IsConnected     State = 0x2   // connected to a peer
	IsConnecting    State = 0x4   // in process of connecting to peer
	IsDisconnecting State = 0x8   // in process of disconnecting
	CantSendMore    State = 0x10  // can't send more data to peer
	CantRcvMore     State = 0x20  // can't receive more data from peer
	RcvAtMark       State = 0x40  // at mark on input
	Priv            State = 0x80  // privileged for broadcast, raw
	NBIO            State = 0x100 // non-blocking ops
	Async           State = 0x200 // async i/o notify
	IsConfirming    State = 0x400 // deciding to accept connection req
	Closed          State = 0x800 // closed by the application; terminal
)

var stateNames = []struct {
	s    State
	name string
}{
	{NoFDRef, "NOFDREF"}, {IsConnected, "ISCONNECTED"}, {IsConnecting, "ISCONNECTING"},
	{IsDisconnecting, "ISDISCONNECTING"}, {CantSendMore, "CANTSENDMORE"},
	{CantRcvMore, "CANTRCVMORE"}, {RcvAtMark, "RCVATMARK"}, {Priv, "PRIV"},
	{NBIO, "NBIO"}, {Async, "ASYNC"}, {IsConfirming, "ISCONFIRMING"}, {Closed, "CLOSED"},
}

func (s State) String() string {
	var parts []string
	for _, n := range stateNames {
		if s&n.s != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "0"
	}
	return strings.Join(parts, "|")
}

// Protocol is a transport protocol plugged into a Stack.
type Protocol interface {
	Number() tcpip.TransportProtocolNumber
	Type() Type
	// Limits returns the default buffer limits of new sockets.
	Limits() (snd, rcv sockbuf.Limits)
	// Attach creates the protocol state of a new socket, typically by
	// setting it on so's PCB.
	Attach(so *Socket) error
	// Detach releases the protocol state of a socket being freed.
	Detach(so *Socket)
}

// Connector is implemented by protocols that need a handshake to connect.
// Connect returns nil if the protocol already called so.IsConnected, or an
// error of kind sockerr.InProgress if the handshake is under way.
type Connector interface {
	Connect(so *Socket) error
}

// Listener is implemented by protocols that prepare a socket for
// accepting connections.
type Listener interface {
	Listen(so *Socket) error
}

// Disconnecter is implemented by protocols that tear down a connection
// when its socket is closed.
type Disconnecter interface {
	Disconnect(so *Socket)
}

// ShutdownWriter is implemented by protocols that signal the end of the
// send stream to the peer.
type ShutdownWriter interface {
	ShutdownWrite(so *Socket)
}

// Sender is implemented by protocols that transmit as soon as Write
// queues data.
type Sender interface {
	Send(so *Socket)
}

// Receiver is implemented by protocols that want to know when Read has
// freed receive buffer space.
type Receiver interface {
	Received(so *Socket)
}
