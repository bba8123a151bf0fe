// https://github.com/usbarmory/fsdevmsc
//
// Copyright (c) The fsdevmsc Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package msc

import (
	"encoding/binary"

	"github.com/usbarmory/fsdevmsc/usbd"
)

// fakeIO is an in-memory usbd.EdptIO double standing in for a real DCD.
// A real controller only signals completion later, from its interrupt
// handler; Interface methods call Xfer (and DeferFunc) while holding
// i.mu, so neither can re-enter an Interface method synchronously
// without deadlocking on that same mutex. fakeIO instead queues every
// pending callback — transfer completions and deferred funcs alike — and
// a test driver drains them with pump() after the triggering call has
// returned and the lock released, the same ordering a real ISR-to-task
// handoff (fsdev's Controller.DeferFunc posts to its own event queue for
// exactly this reason) produces.
type fakeIO struct {
	stalled map[usbd.EdptAddr]bool
	opened  map[int][2]usbd.EdptAddr

	waitingOut map[usbd.EdptAddr][]byte // buf passed to the outstanding OUT Xfer, if any
	sent       [][]byte                 // bytes sent on every IN Xfer, in order

	pending []func()

	itf *Interface
}

func newFakeIO() *fakeIO {
	return &fakeIO{
		stalled:    make(map[usbd.EdptAddr]bool),
		opened:     make(map[int][2]usbd.EdptAddr),
		waitingOut: make(map[usbd.EdptAddr][]byte),
	}
}

func (f *fakeIO) Xfer(ep usbd.EdptAddr, buf []byte, total int) error {
	if ep.Dir() == usbd.In {
		sent := append([]byte(nil), buf[:total]...)
		f.sent = append(f.sent, sent)
		f.pending = append(f.pending, func() { f.itf.XferComplete(ep, total) })
		return nil
	}

	f.waitingOut[ep] = buf
	return nil
}

// deliverOut simulates the host writing data to an OUT endpoint the
// interface is currently waiting to receive on, returning false if
// nothing is waiting.
func (f *fakeIO) deliverOut(ep usbd.EdptAddr, data []byte) bool {
	buf, ok := f.waitingOut[ep]
	if !ok {
		return false
	}
	delete(f.waitingOut, ep)
	n := copy(buf, data)
	f.pending = append(f.pending, func() { f.itf.XferComplete(ep, n) })
	return true
}

// pump drains the pending queue, running each completion or deferred func
// in order until the interface settles (it is waiting on more host data,
// is idle, or is blocked on an application callback). Each call may
// itself enqueue more pending work, so pump loops until the queue is
// empty.
func (f *fakeIO) pump() {
	for len(f.pending) > 0 {
		fn := f.pending[0]
		f.pending = f.pending[1:]
		fn()
	}
}

func (f *fakeIO) Stall(ep usbd.EdptAddr)      { f.stalled[ep] = true }
func (f *fakeIO) ClearStall(ep usbd.EdptAddr) { f.stalled[ep] = false }
func (f *fakeIO) Stalled(ep usbd.EdptAddr) bool {
	return f.stalled[ep]
}
func (f *fakeIO) Ready(ep usbd.EdptAddr) bool { return !f.stalled[ep] }

func (f *fakeIO) OpenEdptPair(num int, maxPacketSize int) (usbd.EdptAddr, usbd.EdptAddr, error) {
	in := usbd.EdptAddr(num | 0x80)
	out := usbd.EdptAddr(num)
	f.opened[num] = [2]usbd.EdptAddr{in, out}
	return in, out, nil
}

func (f *fakeIO) DeferFunc(fn func(), inISR bool) {
	f.pending = append(f.pending, fn)
}

// fakeApp is a minimal Application double with switches for every
// optional capability interface, letting tests opt in to the behavior
// under test without re-implementing the whole surface each time.
type fakeApp struct {
	blockCount uint64
	blockSize  uint32

	writable bool
	notReady bool

	data []byte // backing store, blockCount*blockSize bytes

	readErr  bool
	writeErr bool

	busyReads  int // Read10 returns Busy this many times before completing
	busyWrites int // Write10 returns Busy this many times before completing

	asyncRead  bool // Read10 returns Async instead of completing
	asyncWrite bool // Write10 returns Async on its next call, then completes
}

func newFakeApp(blockCount uint64, blockSize uint32) *fakeApp {
	return &fakeApp{
		blockCount: blockCount,
		blockSize:  blockSize,
		writable:   true,
		data:       make([]byte, blockCount*uint64(blockSize)),
	}
}

func (a *fakeApp) Capacity(uint8) (uint64, uint32) {
	if a.notReady {
		return 0, 0
	}
	return a.blockCount, a.blockSize
}

func (a *fakeApp) IsWritable(uint8) bool { return a.writable }

func (a *fakeApp) TestUnitReady(uint8) bool { return !a.notReady }

func (a *fakeApp) Read10(lun uint8, lba uint64, offset uint32, buf []byte) IOResult {
	if a.readErr {
		return IOErr()
	}
	if a.asyncRead {
		return Async()
	}
	if a.busyReads > 0 {
		a.busyReads--
		return Busy()
	}
	off := lba*uint64(a.blockSize) + uint64(offset)
	copy(buf, a.data[off:])
	return Bytes(len(buf))
}

func (a *fakeApp) Write10(lun uint8, lba uint64, offset uint32, buf []byte) IOResult {
	if a.writeErr {
		return IOErr()
	}
	if a.asyncWrite {
		// completes on the next call, driven by the caller's
		// AsyncIODone, which re-invokes Write10 with the same chunk.
		a.asyncWrite = false
		return Async()
	}
	if a.busyWrites > 0 {
		a.busyWrites--
		return Busy()
	}
	off := lba*uint64(a.blockSize) + uint64(offset)
	copy(a.data[off:], buf)
	return Bytes(len(buf))
}

func newTestInterface(t interface{ Helper() }, app Application) (*Interface, *fakeIO) {
	t.Helper()
	io := newFakeIO()
	itf := New(Config{MaxLUN: 0, MaxPacketSize: 64}, io, app)
	io.itf = itf

	in, out, _ := io.OpenEdptPair(1, 64)
	itf.Open(in, out)

	return itf, io
}

func buildCBW(tag uint32, dataLen uint32, flags uint8, cb []byte) []byte {
	buf := make([]byte, CBWSize)
	binary.LittleEndian.PutUint32(buf[0:4], CBWSignature)
	binary.LittleEndian.PutUint32(buf[4:8], tag)
	binary.LittleEndian.PutUint32(buf[8:12], dataLen)
	buf[12] = flags
	buf[13] = 0
	buf[14] = byte(len(cb))
	copy(buf[15:], cb)
	return buf
}

// submitOut delivers data as if the host had just written it to ep,
// then drains every completion it triggers the way a real USB task
// loop would after each interrupt.
func submitOut(io *fakeIO, ep usbd.EdptAddr, data []byte) {
	io.deliverOut(ep, data)
	io.pump()
}

// submitCBW delivers cbw as if the host had just written it to the OUT
// endpoint, then drains every completion it triggers (dispatch, any
// data phase, and the final CSW).
func submitCBW(io *fakeIO, itf *Interface, cbw []byte) {
	submitOut(io, itf.epOut, cbw)
}
