// https://github.com/usbarmory/fsdevmsc
//
// Copyright (c) The fsdevmsc Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package fsdev

import "testing"

func TestAddTxStatusPreservesOtherFields(t *testing.T) {
	// EPReg methods compute the value to write; SimRegisters applies it
	// with the hardware's toggle/clear rules.
	sim := NewSimRegisters(1)
	sim.Write(0, EPReg(0).WithAddress(5, EPTypeBulk))
	sim.Write(0, sim.Read(0).AddRxStatus(StatValid))

	sim.Write(0, sim.Read(0).AddTxStatus(StatStall))
	r := sim.Read(0)

	if r.StatTx() != StatStall {
		t.Fatalf("StatTx() = %d, want %d", r.StatTx(), StatStall)
	}
	if r.StatRx() != StatValid {
		t.Fatalf("AddTxStatus disturbed StatRx: got %d, want %d", r.StatRx(), StatValid)
	}
	if r.EA() != 5 || r.Type() != EPTypeBulk {
		t.Fatalf("AddTxStatus disturbed address/type: EA=%d Type=%d", r.EA(), r.Type())
	}
}

func TestAddRxStatusPreservesOtherFields(t *testing.T) {
	sim := NewSimRegisters(1)
	sim.Write(0, EPReg(0).WithAddress(2, EPTypeInterrupt))
	sim.Write(0, sim.Read(0).AddTxStatus(StatNAK))

	sim.Write(0, sim.Read(0).AddRxStatus(StatValid))
	r := sim.Read(0)

	if r.StatRx() != StatValid {
		t.Fatalf("StatRx() = %d, want %d", r.StatRx(), StatValid)
	}
	if r.StatTx() != StatNAK {
		t.Fatalf("AddRxStatus disturbed StatTx: got %d, want %d", r.StatTx(), StatNAK)
	}
}

func TestAddTxStatusComputesXORDelta(t *testing.T) {
	// STAT bits are write-1-to-toggle, so AddTxStatus returns the XOR of
	// the current and wanted status rather than the status itself: fed
	// its own output, whose STAT_TX field already reads Valid, it
	// computes a zero delta instead of Valid again.
	r := EPReg(0).WithAddress(1, EPTypeBulk)
	once := r.AddTxStatus(StatValid)
	twice := once.AddTxStatus(StatValid)

	if twice.StatTx() == StatValid {
		t.Fatalf("double AddTxStatus(Valid) should not leave STAT_TX=Valid, got %d", twice.StatTx())
	}
}

func TestClearTxCtrDoesNotClearRxCtr(t *testing.T) {
	r := EPReg(1<<ctrRxBit | 1<<ctrTxBit)

	r = r.ClearTxCtr()

	if r.CtrTx() {
		t.Fatalf("ClearTxCtr left CTR_TX set")
	}
	if !r.CtrRx() {
		t.Fatalf("ClearTxCtr incorrectly cleared CTR_RX")
	}
}

func TestClearRxCtrDoesNotClearTxCtr(t *testing.T) {
	r := EPReg(1<<ctrRxBit | 1<<ctrTxBit)

	r = r.ClearRxCtr()

	if r.CtrRx() {
		t.Fatalf("ClearRxCtr left CTR_RX set")
	}
	if !r.CtrTx() {
		t.Fatalf("ClearRxCtr incorrectly cleared CTR_TX")
	}
}

func TestAddTxDtogNoToggleLeavesBitUnchanged(t *testing.T) {
	r := EPReg(0).WithAddress(3, EPTypeBulk)
	before := r & (1 << dtogTxBit)

	r = r.AddTxDtog(0)

	if r&(1<<dtogTxBit) != before {
		t.Fatalf("AddTxDtog(0) changed DTOG_TX")
	}
}

func TestAddTxDtogTogglesBit(t *testing.T) {
	sim := NewSimRegisters(1)
	sim.Write(0, EPReg(0).WithAddress(3, EPTypeBulk))

	sim.Write(0, sim.Read(0).AddTxDtog(1))
	once := sim.Read(0)
	sim.Write(0, once.AddTxDtog(1))
	twice := sim.Read(0)

	if once&(1<<dtogTxBit) == 0 {
		t.Fatalf("AddTxDtog(1) did not set DTOG_TX")
	}
	if twice&(1<<dtogTxBit) != 0 {
		t.Fatalf("second AddTxDtog(1) did not clear DTOG_TX")
	}
}

func TestWithAddressSetsFieldsAndClearsToggles(t *testing.T) {
	r := EPReg(1<<dtogTxBit | 1<<dtogRxBit)

	r = r.WithAddress(7, EPTypeIso)

	if r.EA() != 7 {
		t.Fatalf("EA() = %d, want 7", r.EA())
	}
	if r.Type() != EPTypeIso {
		t.Fatalf("Type() = %d, want %d", r.Type(), EPTypeIso)
	}
	if r&toggleMask != 0 {
		t.Fatalf("WithAddress left toggle bits set: %#04x", uint16(r&toggleMask))
	}
}

func TestSetupBitReadOnly(t *testing.T) {
	r := EPReg(1 << setupBit)
	if !r.Setup() {
		t.Fatalf("Setup() = false, want true")
	}

	r = r.AddTxStatus(StatValid)
	if !r.Setup() {
		t.Fatalf("AddTxStatus cleared the read-only SETUP bit")
	}

	r = r.ClearSetup()
	if r.Setup() {
		t.Fatalf("ClearSetup left SETUP set")
	}
}
