// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package usock

import (
	"github.com/secsecsec/libusnet/net/sockerr"
)

// NewConn creates a socket for a connection arriving on listener ls and
// puts it on the partial queue. The new socket inherits the type,
// protocol, options, handler and buffer limits of ls. It fails with
// sockerr.QueueFull if the backlog is full.
func (s *Stack) NewConn(ls *Socket) (*Socket, error) {
	if !ls.listening() || ls.state&Closed != 0 {
		return nil, sockerr.Newf("sonewconn", sockerr.InvalidState, "%v is not listening", ls.h)
	}
	if err := ls.checkBacklog(); err != nil {
		return nil, err
	}
	child := &Socket{
		stack:   s,
		family:  ls.family,
		typ:     ls.typ,
		proto:   ls.proto,
		opts:    ls.opts &^ AcceptConn,
		linger:  ls.linger,
		handler: ls.handler,
		sndLim:  ls.sndLim,
		rcvLim:  ls.rcvLim,
		state:   NoFDRef,
	}
	if err := s.attach(child); err != nil {
		return nil, err
	}
	if err := ls.EnqueuePartial(child); err != nil {
		child.destroy()
		return nil, err
	}
	s.vlogf("newconn %v on %v", child.h, ls.h)
	return child, nil
}

func (ls *Socket) checkBacklog() error {
	if ls.partial.Len()+ls.completed.Len() >= ls.qlimit {
		ls.stack.m.drops.WithLabelValues("partial").Inc()
		ls.stack.dropLogf("listen queue of %v overflowed", ls.LocalAddr())
		return sockerr.WithAddr("sonewconn", sockerr.QueueFull, ls.LocalAddr())
	}
	return nil
}

// EnqueuePartial puts child on the partial queue of listener ls. It fails
// with sockerr.QueueFull when the partial and completed queues together
// hold the backlog limit.
func (ls *Socket) EnqueuePartial(child *Socket) error {
	if !ls.listening() || ls.state&Closed != 0 {
		return sockerr.Newf("enqueue", sockerr.InvalidState, "%v is not listening", ls.h)
	}
	if child == ls || child.onq != qNone || child.state&Closed != 0 {
		return sockerr.Newf("enqueue", sockerr.InvalidState, "%v cannot be queued", child.h)
	}
	if err := ls.checkBacklog(); err != nil {
		return err
	}
	ls.partial.Push(child)
	child.onq = qPartial
	child.head = ls.h
	child.state |= NoFDRef
	return nil
}

// Promote moves child from the partial to the completed queue of ls and
// signals that a connection can be accepted. If the completed queue is
// full the child is destroyed and sockerr.QueueFull is returned.
func (ls *Socket) Promote(child *Socket) error {
	if child.onq != qPartial || child.head != ls.h {
		return sockerr.Newf("promote", sockerr.InvalidState, "%v is not on the partial queue of %v", child.h, ls.h)
	}
	ls.partial.Remove(func(c *Socket) bool { return c == child })
	child.onq = qNone
	child.head = Handle{}
	if ls.completed.Len() >= ls.qlimit {
		ls.stack.m.drops.WithLabelValues("completed").Inc()
		ls.stack.dropLogf("accept queue of %v overflowed", ls.LocalAddr())
		child.destroy()
		return sockerr.WithAddr("promote", sockerr.QueueFull, ls.LocalAddr())
	}
	ls.completed.Push(child)
	child.onq = qCompleted
	child.head = ls.h
	ls.post(evAccept)
	return nil
}
