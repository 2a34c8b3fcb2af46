// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package usock

import (
	"gvisor.dev/gvisor/pkg/waiter"
)

// Handler receives socket events. Callbacks run synchronously on the
// stack's thread and are never re-entered for the same socket: an event
// raised while a callback for that socket is running is delivered after it
// returns.
type Handler interface {
	// OnAccept is called on a listener when a connection is ready to be
	// accepted.
	OnAccept(ls *Socket)
	// OnReadable is called when the receive buffer reaches its low-water
	// mark or the peer stops sending.
	OnReadable(so *Socket)
	// OnError is called when an error is latched on so.
	OnError(so *Socket, err error)
}

// HandlerFuncs adapts funcs to a Handler. Nil funcs are skipped.
type HandlerFuncs struct {
	Accept   func(ls *Socket)
	Readable func(so *Socket)
	Error    func(so *Socket, err error)
}

func (h HandlerFuncs) OnAccept(ls *Socket) {
	if h.Accept != nil {
		h.Accept(ls)
	}
}

func (h HandlerFuncs) OnReadable(so *Socket) {
	if h.Readable != nil {
		h.Readable(so)
	}
}

func (h HandlerFuncs) OnError(so *Socket, err error) {
	if h.Error != nil {
		h.Error(so, err)
	}
}

type event uint8

const (
	evAccept event = 1 << iota
	evReadable
	evError
)

func (ev event) mask() waiter.EventMask {
	var m waiter.EventMask
	if ev&(evAccept|evReadable) != 0 {
		m |= waiter.EventIn
	}
	if ev&evError != 0 {
		m |= waiter.EventErr
	}
	return m
}

// post publishes ev to so's waiters and dispatches it to the handler. If a
// callback for so is already running, ev is recorded as pending and runs
// when that callback returns.
func (so *Socket) post(ev event) {
	so.wq.Notify(ev.mask())
	if so.inCallback {
		so.pending |= ev
		return
	}
	so.inCallback = true
	for ev != 0 {
		so.dispatch(ev)
		ev, so.pending = so.pending, 0
	}
	so.inCallback = false
	so.maybeRelease()
}

// dispatch delivers ev to the handler. Nothing is delivered once so is
// closed, including events left pending by the callback that closed it.
func (so *Socket) dispatch(ev event) {
	h := so.handler
	live := func() bool { return h != nil && so.state&Closed == 0 }
	if ev&evAccept != 0 && live() {
		h.OnAccept(so)
	}
	if ev&evReadable != 0 && live() {
		h.OnReadable(so)
	}
	if ev&evError != 0 && so.err != nil && live() {
		h.OnError(so, so.err)
	}
}

// Readiness returns the events in mask that are currently asserted on so.
func (so *Socket) Readiness(mask waiter.EventMask) waiter.EventMask {
	var r waiter.EventMask
	if so.rcv.Readable() || so.state&CantRcvMore != 0 || !so.completed.IsEmpty() {
		r |= waiter.EventIn
	}
	if so.state&(IsConnected|CantSendMore) == IsConnected && so.snd.Writable() {
		r |= waiter.EventOut
	}
	if so.err != nil {
		r |= waiter.EventErr
	}
	if so.state&(CantRcvMore|CantSendMore) == CantRcvMore|CantSendMore {
		r |= waiter.EventHUp
	}
	return r & mask
}

// EventRegister registers e for readiness notifications.
func (so *Socket) EventRegister(e *waiter.Entry) { so.wq.EventRegister(e) }

// EventUnregister removes e from the readiness notifications.
func (so *Socket) EventUnregister(e *waiter.Entry) { so.wq.EventUnregister(e) }
