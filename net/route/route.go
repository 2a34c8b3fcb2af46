// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package route is a small longest-prefix-match route table used to pick
// next hops and source addresses for connecting PCBs.
package route

import (
	"cmp"
	"fmt"
	"net/netip"
	"slices"

	"github.com/gaissmai/bart"
	"github.com/secsecsec/libusnet/net/sockerr"
	"go4.org/netipx"
)

// Route is a route table entry.
type Route struct {
	Prefix  netip.Prefix // destination prefix, masked
	Gateway netip.Addr   // next hop; zero for an on-link route
	Source  netip.Addr   // preferred local address
}

// OnLink reports whether r delivers directly to its destination.
func (r Route) OnLink() bool { return !r.Gateway.IsValid() }

// NextHop returns the address packets to dst are sent to.
func (r Route) NextHop(dst netip.Addr) netip.Addr {
	if r.OnLink() {
		return dst
	}
	return r.Gateway
}

func (r Route) String() string {
	if r.OnLink() {
		return fmt.Sprintf("%v dev src %v", r.Prefix, r.Source)
	}
	return fmt.Sprintf("%v via %v src %v", r.Prefix, r.Gateway, r.Source)
}

// Table is a route table. The zero value is an empty table.
//
// It is not safe for concurrent use.
type Table struct {
	lpm    bart.Table[Route]
	routes map[netip.Prefix]Route
	local  *netipx.IPSet // sources of all routes; nil until first Add
}

// Add inserts r, replacing any route for the same prefix.
func (t *Table) Add(r Route) error {
	if !r.Prefix.IsValid() {
		return fmt.Errorf("route: invalid prefix %v", r.Prefix)
	}
	if !r.Source.IsValid() || r.Source.IsUnspecified() {
		return fmt.Errorf("route %v: invalid source %v", r.Prefix, r.Source)
	}
	r.Prefix = r.Prefix.Masked()
	r.Source = r.Source.Unmap()
	if r.Gateway.IsValid() {
		r.Gateway = r.Gateway.Unmap()
	}
	if r.Source.Is4() != r.Prefix.Addr().Is4() {
		return fmt.Errorf("route %v: source %v has the wrong family", r.Prefix, r.Source)
	}
	if t.routes == nil {
		t.routes = make(map[netip.Prefix]Route)
	}
	t.lpm.Insert(r.Prefix, r)
	t.routes[r.Prefix] = r
	t.rebuildLocal()
	return nil
}

// Delete removes the route for p and reports whether one existed.
func (t *Table) Delete(p netip.Prefix) bool {
	p = p.Masked()
	if _, ok := t.routes[p]; !ok {
		return false
	}
	t.lpm.Delete(p)
	delete(t.routes, p)
	t.rebuildLocal()
	return true
}

func (t *Table) rebuildLocal() {
	var b netipx.IPSetBuilder
	for _, r := range t.routes {
		b.Add(r.Source)
	}
	t.local, _ = b.IPSet()
}

// Resolve returns the most specific route to dst. It returns an error of
// kind sockerr.NoRoute if there is none.
func (t *Table) Resolve(dst netip.Addr) (Route, error) {
	dst = dst.Unmap()
	if r, ok := t.lpm.Lookup(dst); ok {
		return r, nil
	}
	return Route{}, sockerr.WithAddr("route", sockerr.NoRoute, netip.AddrPortFrom(dst, 0))
}

// IsBroadcast reports whether dst addresses more than one host: the
// limited broadcast address, a multicast group, or the directed broadcast
// address of an on-link IPv4 route.
func (t *Table) IsBroadcast(dst netip.Addr) bool {
	dst = dst.Unmap()
	if dst.IsMulticast() || dst == netip.AddrFrom4([4]byte{255, 255, 255, 255}) {
		return true
	}
	if !dst.Is4() {
		return false
	}
	r, ok := t.lpm.Lookup(dst)
	if !ok || !r.OnLink() || r.Prefix.Bits() >= 31 {
		return false
	}
	return dst == netipx.PrefixLastIP(r.Prefix)
}

// IsLocal reports whether a is the source address of any route.
func (t *Table) IsLocal(a netip.Addr) bool {
	return t.local != nil && t.local.Contains(a.Unmap())
}

// Routes returns all routes sorted by prefix.
func (t *Table) Routes() []Route {
	rs := make([]Route, 0, len(t.routes))
	for _, r := range t.routes {
		rs = append(rs, r)
	}
	slices.SortFunc(rs, func(a, b Route) int {
		if c := a.Prefix.Addr().Compare(b.Prefix.Addr()); c != 0 {
			return c
		}
		return cmp.Compare(a.Prefix.Bits(), b.Prefix.Bits())
	})
	return rs
}

// Len returns the number of routes.
func (t *Table) Len() int { return len(t.routes) }
