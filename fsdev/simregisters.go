// https://github.com/usbarmory/fsdevmsc
//
// Copyright (c) The fsdevmsc Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package fsdev

// RegisterBackend is the storage a Controller reads and writes USB_EPnR
// values through. The default is SimRegisters, an in-memory array usable
// off-target for tests and the portable demo binary; MMIORegisters (built
// only for tamago/arm) targets real hardware instead.
type RegisterBackend interface {
	Read(idx int) EPReg
	Write(idx int, v EPReg)

	// Reset forces register idx to its power-on value (0), bypassing the
	// normal write-1-to-toggle/write-0-to-clear semantics Write applies.
	// Real silicon does this as part of its own reset sequence, not
	// through a software register write; Controller.Init uses it to put
	// every endpoint register into a known state before the first bus
	// reset.
	Reset(idx int)
}

// SimRegisters is a RegisterBackend over a plain array, standing in for
// USB_EPnR when there is no real FSDev peripheral to bind to.
//
// A real USB_EPnR does not store whatever is written to it: EA/EP_KIND/
// EP_TYPE are plain read/write, STAT_RX/STAT_TX/DTOG_RX/DTOG_TX are
// write-1-to-toggle, and CTR_RX/CTR_TX are write-0-to-clear/write-1-
// preserve. SETUP is hardware-set on real silicon, but since nothing in
// this simulation plays the role of that hardware, it is modeled as a
// plain read/write bit instead: whatever a test or the (not-yet-written)
// simulated-hardware layer sets directly, EPReg.preserved() carries
// forward on every other register update, and EPReg.ClearSetup resets
// once the driver has consumed it. The EPReg value methods (AddTxStatus
// and friends) compute the bits that should be *written* assuming real
// toggle/clear hardware; Write replays that same transform against the
// previously stored value so SimRegisters behaves like the peripheral
// instead of a plain byte store.
const simCtrMask = EPReg(1<<ctrRxBit | 1<<ctrTxBit)
const simPassthroughMask = rwMask | (1 << setupBit)

type SimRegisters struct {
	regs []EPReg
}

// NewSimRegisters allocates n endpoint registers, all initially zero
// (disabled, DATA0, no pending CTR).
func NewSimRegisters(n int) *SimRegisters {
	return &SimRegisters{regs: make([]EPReg, n)}
}

func (s *SimRegisters) Read(idx int) EPReg {
	return s.regs[idx]
}

func (s *SimRegisters) Write(idx int, v EPReg) {
	old := s.regs[idx]

	next := v & simPassthroughMask
	next |= (old ^ v) & toggleMask
	next |= old & v & simCtrMask

	s.regs[idx] = next
}

func (s *SimRegisters) Reset(idx int) {
	s.regs[idx] = 0
}
