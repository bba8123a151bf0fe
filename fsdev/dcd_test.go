// https://github.com/usbarmory/fsdevmsc
//
// Copyright (c) The fsdevmsc Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package fsdev

import (
	"testing"
	"time"

	"github.com/usbarmory/fsdevmsc/usbd"
)

func newTestController(t *testing.T) *Controller {
	t.Helper()
	c := NewController(Config{PMASize: 1024, EPCount: 4})
	c.Init()
	return c
}

func waitEvent(t *testing.T, c *Controller) Event {
	t.Helper()
	select {
	case ev := <-c.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for event")
	}
	panic("unreachable")
}

func drainBusReset(t *testing.T, c *Controller) {
	t.Helper()
	ev := waitEvent(t, c)
	if ev.Kind != EventBusReset {
		t.Fatalf("Init() posted %v, want EventBusReset", ev.Kind)
	}
}

func TestOpenEdptPairAssignsDistinctAddresses(t *testing.T) {
	c := newTestController(t)
	drainBusReset(t, c)

	in, out, err := c.OpenEdptPair(1, 64)
	if err != nil {
		t.Fatalf("OpenEdptPair: %v", err)
	}

	if in.Dir() != usbd.In || out.Dir() != usbd.Out {
		t.Fatalf("directions wrong: in=%v out=%v", in.Dir(), out.Dir())
	}
	if in.Num() != 1 || out.Num() != 1 {
		t.Fatalf("endpoint numbers wrong: in=%d out=%d", in.Num(), out.Num())
	}
}

func TestXferInMultiPacketCompletesAfterAllChunksAcked(t *testing.T) {
	c := newTestController(t)
	drainBusReset(t, c)

	in, _, err := c.OpenEdptPair(2, 64)
	if err != nil {
		t.Fatalf("OpenEdptPair: %v", err)
	}

	data := make([]byte, 100)
	for i := range data {
		data[i] = byte(i)
	}

	if err := c.Xfer(in, data, len(data)); err != nil {
		t.Fatalf("Xfer: %v", err)
	}

	idx := c.slots.find(2, usbd.In)
	if idx < 0 {
		t.Fatalf("endpoint 2 IN not found in slot table")
	}

	if got := c.regs.Read(idx).StatTx(); got != StatValid {
		t.Fatalf("StatTx after Xfer = %d, want StatValid", got)
	}

	// First packet (64 bytes) acked: driver should queue the remaining 36.
	c.HandleInterrupt(ISTR{CTR: true, EPID: idx, Dir: usbd.In})

	select {
	case ev := <-c.Events():
		t.Fatalf("unexpected early completion event: %+v", ev)
	default:
	}

	// Second packet (36 bytes) acked: transfer is now complete.
	c.HandleInterrupt(ISTR{CTR: true, EPID: idx, Dir: usbd.In})

	ev := waitEvent(t, c)
	if ev.Kind != EventXferComplete {
		t.Fatalf("Kind = %v, want EventXferComplete", ev.Kind)
	}
	if ev.Bytes != len(data) {
		t.Fatalf("Bytes = %d, want %d", ev.Bytes, len(data))
	}
}

func TestXferOutReceivesDataWrittenToPMA(t *testing.T) {
	c := newTestController(t)
	drainBusReset(t, c)

	_, out, err := c.OpenEdptPair(3, 64)
	if err != nil {
		t.Fatalf("OpenEdptPair: %v", err)
	}

	buf := make([]byte, 64)
	if err := c.Xfer(out, buf, 16); err != nil {
		t.Fatalf("Xfer: %v", err)
	}

	idx := c.slots.find(3, usbd.Out)
	s := c.slots.get(idx)

	payload := []byte("0123456789abcdef")
	copyToPMA(c.region, s.bufAddr[usbd.Out], payload, c.cfg.BusWidth)
	writeBTableU16(c.region, idx, btableOffCountRx, uint16(len(payload)))

	c.HandleInterrupt(ISTR{CTR: true, EPID: idx, Dir: usbd.Out})

	ev := waitEvent(t, c)
	if ev.Kind != EventXferComplete {
		t.Fatalf("Kind = %v, want EventXferComplete", ev.Kind)
	}
	if ev.Bytes != len(payload) {
		t.Fatalf("Bytes = %d, want %d", ev.Bytes, len(payload))
	}
	if string(buf[:len(payload)]) != string(payload) {
		t.Fatalf("buf = %q, want %q", buf[:len(payload)], payload)
	}
}

func TestStallThenClearStallResetsStatus(t *testing.T) {
	c := newTestController(t)
	drainBusReset(t, c)

	in, _, err := c.OpenEdptPair(1, 64)
	if err != nil {
		t.Fatalf("OpenEdptPair: %v", err)
	}

	c.Stall(in)
	if !c.Stalled(in) {
		t.Fatalf("Stalled() = false after Stall()")
	}

	c.ClearStall(in)
	if c.Stalled(in) {
		t.Fatalf("Stalled() = true after ClearStall()")
	}
}

func TestBusResetViaHandleInterruptClearsOpenEndpoints(t *testing.T) {
	c := newTestController(t)
	drainBusReset(t, c)

	in, _, err := c.OpenEdptPair(1, 64)
	if err != nil {
		t.Fatalf("OpenEdptPair: %v", err)
	}
	if !c.Ready(in) {
		t.Fatalf("endpoint not ready after open")
	}

	c.HandleInterrupt(ISTR{Reset: true})
	waitEvent(t, c) // EventBusReset

	if c.Ready(in) {
		t.Fatalf("endpoint still ready after bus reset")
	}
}

func TestSetupPacketDecodedFromPMA(t *testing.T) {
	c := newTestController(t)
	drainBusReset(t, c)

	_, out, err := c.OpenEdptPair(0, 8)
	if err != nil {
		t.Fatalf("OpenEdptPair: %v", err)
	}

	idx := c.slots.find(0, usbd.Out)
	s := c.slots.get(idx)

	raw := []byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x12, 0x00}
	copyToPMA(c.region, s.bufAddr[usbd.Out], raw, c.cfg.BusWidth)
	writeBTableU16(c.region, idx, btableOffCountRx, 8)

	r := c.regs.Read(idx) | (1 << 11) // SETUP bit
	c.regs.Write(idx, r)

	c.HandleInterrupt(ISTR{CTR: true, EPID: idx, Dir: usbd.Out})

	ev := waitEvent(t, c)
	if ev.Kind != EventSetupReceived {
		t.Fatalf("Kind = %v, want EventSetupReceived", ev.Kind)
	}
	if ev.Setup.Request != 0x06 || ev.Setup.Value != 0x0100 || ev.Setup.Length != 0x12 {
		t.Fatalf("decoded setup = %+v, unexpected field values", ev.Setup)
	}

	if c.regs.Read(idx).Setup() {
		t.Fatalf("SETUP bit still set after handling")
	}

	_ = out
}
