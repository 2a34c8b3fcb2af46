// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package inpcb

import (
	"fmt"
	"net/netip"
	"strconv"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// Tuple is the addressing identity of a PCB. A zero or unspecified address
// and a zero port are wildcards.
type Tuple struct {
	LocalAddr  netip.Addr
	LocalPort  uint16
	RemoteAddr netip.Addr
	RemotePort uint16
}

// isWild reports whether a is the wildcard address.
func isWild(a netip.Addr) bool { return !a.IsValid() || a.IsUnspecified() }

// overlaps reports whether two local addresses can receive the same
// packet.
func overlaps(a, b netip.Addr) bool { return isWild(a) || isWild(b) || a == b }

// sameAddr reports whether a and b are identical, treating all wildcard
// spellings as equal.
func sameAddr(a, b netip.Addr) bool { return (isWild(a) && isWild(b)) || a == b }

// IsBound reports whether t has a local port.
func (t Tuple) IsBound() bool { return t.LocalPort != 0 }

// IsConnected reports whether t has a remote endpoint.
func (t Tuple) IsConnected() bool { return !isWild(t.RemoteAddr) }

func fmtEndpoint(a netip.Addr, port uint16) string {
	host := "*"
	if !isWild(a) {
		host = a.String()
		if a.Is6() {
			host = "[" + host + "]"
		}
	}
	p := "*"
	if port != 0 {
		p = strconv.Itoa(int(port))
	}
	return host + ":" + p
}

func (t Tuple) String() string {
	return fmtEndpoint(t.LocalAddr, t.LocalPort) + "->" + fmtEndpoint(t.RemoteAddr, t.RemotePort)
}

// ProtocolName returns a short name for the common transport protocols.
func ProtocolName(p tcpip.TransportProtocolNumber) string {
	switch p {
	case header.TCPProtocolNumber:
		return "tcp"
	case header.UDPProtocolNumber:
		return "udp"
	case header.ICMPv4ProtocolNumber:
		return "icmp"
	case header.ICMPv6ProtocolNumber:
		return "icmp6"
	}
	return fmt.Sprintf("proto%d", p)
}
