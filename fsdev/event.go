// https://github.com/usbarmory/fsdevmsc
//
// Copyright (c) The fsdevmsc Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package fsdev

import (
	"github.com/usbarmory/fsdevmsc/usbd"
)

// EventKind identifies what happened on the bus or an endpoint.
type EventKind int

const (
	EventXferComplete EventKind = iota
	EventSetupReceived
	EventBusReset
	EventSOF
	EventSuspend
	EventResume
	EventFunc
)

// Event is what the interrupt handler posts to the USB task's event
// queue: the ISR decodes hardware state and does only the minimum work
// (register twiddle plus this post), leaving class-driver logic for the
// task context. EventFunc is different from the others: it does not
// describe a controller occurrence at all, it is how DeferFunc hands a
// class driver's own callback to that same task context, so a consumer
// ranging over Events() must invoke Fn itself for that Kind rather than
// routing it to a class driver method.
type Event struct {
	Kind  EventKind
	Ep    usbd.EdptAddr
	Bytes int
	Setup usbd.ControlRequest
	Fn    func()
}

// eventQueue is a buffered channel wrapper that linearizes ISR-posted
// events for a single consuming goroutine: a per-bus channel feeding one
// shared USB task loop.
type eventQueue struct {
	ch chan Event
}

func newEventQueue(depth int) *eventQueue {
	return &eventQueue{ch: make(chan Event, depth)}
}

// post enqueues ev without blocking the caller (typically the ISR); if the
// queue is saturated the event is dropped rather than stalling interrupt
// context, since the BOT protocol is host-paced and a lost SOF/ESOF tick
// is harmless.
func (q *eventQueue) post(ev Event) {
	select {
	case q.ch <- ev:
	default:
	}
}

// events exposes the receive side for the USB task's event loop.
func (q *eventQueue) events() <-chan Event {
	return q.ch
}
