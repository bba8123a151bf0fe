// https://github.com/usbarmory/fsdevmsc
//
// Copyright (c) The fsdevmsc Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package fsdev implements a device controller driver (DCD) for the STM32
// FSDev USB peripheral: PMA packet memory allocation, the endpoint register
// engine, and interrupt-driven transfer scheduling.
package fsdev

import "github.com/usbarmory/fsdevmsc/internal/bits"

// EPReg is the 16-bit value of an STM32 FSDev endpoint register (USB_EPnR).
// The register mixes three bit classes that an ordinary read-modify-write
// would get wrong: plain read/write bits (endpoint address, type, kind),
// write-1-to-toggle bits (DTOG_RX, DTOG_TX, STAT_RX[1:0], STAT_TX[1:0]), and
// write-0-to-clear bits (CTR_RX, CTR_TX) that otherwise read back as 1 and
// must be preserved across unrelated updates. EPReg exposes only the
// high-level operations below so that a plain assignment can't
// accidentally flip a toggle bit it didn't mean to touch.
type EPReg uint16

// Bit positions and masks within USB_EPnR, per the STM32 reference manual's
// USB full-speed device (FSDev) peripheral register description.
const (
	eaPos      = 0
	eaMask     = 0x0f
	statTxPos  = 4
	statTxMask = 0x3
	dtogTxBit  = 6
	ctrTxBit   = 7
	epKindBit  = 8
	epTypePos  = 9
	epTypeMask = 0x3
	setupBit   = 11
	statRxPos  = 12
	statRxMask = 0x3
	dtogRxBit  = 14
	ctrRxBit   = 15

	// toggleMask covers every write-1-to-toggle bit.
	toggleMask EPReg = (statRxMask << statRxPos) | (1 << dtogRxBit) |
		(statTxMask << statTxPos) | (1 << dtogTxBit)

	// rwMask covers the plain read/write bits that a read-modify-write
	// must pass through unchanged.
	rwMask EPReg = (eaMask << eaPos) | (1 << epKindBit) | (epTypeMask << epTypePos)
)

// Endpoint type codes for the 2-bit EP_TYPE field.
const (
	EPTypeBulk        = 0
	EPTypeControl     = 1
	EPTypeIso         = 2
	EPTypeInterrupt   = 3
)

// Endpoint status codes for STAT_RX/STAT_TX.
const (
	StatDisabled = 0
	StatStall    = 1
	StatNAK      = 2
	StatValid    = 3
)

// EA returns the endpoint address field, extracted with the same
// pos/mask bitfield convention (reg.Get16, bits.Get) used throughout this
// package, adapted here to a 16-bit value by round-tripping through a
// uint32.
func (r EPReg) EA() uint8 {
	v := uint32(r)
	return uint8(bits.Get(&v, eaPos, eaMask))
}

// Type returns the EP_TYPE field.
func (r EPReg) Type() int {
	v := uint32(r)
	return int(bits.Get(&v, epTypePos, epTypeMask))
}

// StatRx returns the current STAT_RX field.
func (r EPReg) StatRx() int {
	v := uint32(r)
	return int(bits.Get(&v, statRxPos, statRxMask))
}

// StatTx returns the current STAT_TX field.
func (r EPReg) StatTx() int {
	v := uint32(r)
	return int(bits.Get(&v, statTxPos, statTxMask))
}

// preserved returns r with every toggle bit cleared (so XORing in a delta
// below only flips the bits the caller asked for), both CTR bits set to 1
// (a no-op write for write-0-to-clear bits), and SETUP carried through
// unchanged: it is hardware-set and read-only from software's point of
// view, so an unrelated field update must not disturb it.
func (r EPReg) preserved() EPReg {
	return (r & rwMask) | (r & (1 << setupBit)) | (1 << ctrRxBit) | (1 << ctrTxBit)
}

// AddTxStatus returns the register value that transitions STAT_TX to
// newStatus, without disturbing STAT_RX, the toggle bits, or CTR.
func (r EPReg) AddTxStatus(newStatus int) EPReg {
	delta := EPReg(r.StatTx()^newStatus) << statTxPos
	return r.preserved() | delta
}

// AddRxStatus returns the register value that transitions STAT_RX to
// newStatus, symmetric to AddTxStatus.
func (r EPReg) AddRxStatus(newStatus int) EPReg {
	delta := EPReg(r.StatRx()^newStatus) << statRxPos
	return r.preserved() | delta
}

// AddTxDtog returns the register value that flips DTOG_TX when toggle is
// nonzero, leaving it unchanged otherwise.
func (r EPReg) AddTxDtog(toggle int) EPReg {
	v := r.preserved()
	if toggle != 0 {
		v |= 1 << dtogTxBit
	}
	return v
}

// AddRxDtog returns the register value that flips DTOG_RX when toggle is
// nonzero, symmetric to AddTxDtog.
func (r EPReg) AddRxDtog(toggle int) EPReg {
	v := r.preserved()
	if toggle != 0 {
		v |= 1 << dtogRxBit
	}
	return v
}

// ClearTxCtr returns the register value that clears CTR_TX (write 0),
// preserves CTR_RX (write 1), and writes every toggle bit as 0 so the
// write itself cannot flip DTOG/STAT.
func (r EPReg) ClearTxCtr() EPReg {
	return (r & rwMask) | (r & (1 << setupBit)) | (1 << ctrRxBit)
}

// ClearRxCtr returns the register value that clears CTR_RX (write 0),
// preserves CTR_TX (write 1), symmetric to ClearTxCtr.
func (r EPReg) ClearRxCtr() EPReg {
	return (r & rwMask) | (r & (1 << setupBit)) | (1 << ctrTxBit)
}

// CtrRx reports whether the RX correct-transfer flag is set.
func (r EPReg) CtrRx() bool {
	return r&(1<<ctrRxBit) != 0
}

// CtrTx reports whether the TX correct-transfer flag is set.
func (r EPReg) CtrTx() bool {
	return r&(1<<ctrTxBit) != 0
}

// Setup reports whether the last OUT transaction on this endpoint was a
// SETUP transaction.
func (r EPReg) Setup() bool {
	return r&(1<<setupBit) != 0
}

// ClearSetup returns r with the SETUP bit cleared. Real FSDev silicon
// clears it automatically once the endpoint receives the non-SETUP
// packet that follows; this backend has no such implicit transition, so
// the SETUP handler clears it explicitly once the request is decoded.
func (r EPReg) ClearSetup() EPReg {
	return r &^ (1 << setupBit)
}

// WithAddress returns r with the endpoint address field set to ea and the
// type field set to epType, clearing toggle bits and preserving CTR.
func (r EPReg) WithAddress(ea uint8, epType int) EPReg {
	v := (r.preserved() &^ (eaMask | (epTypeMask << epTypePos)))
	v |= EPReg(ea) & eaMask
	v |= EPReg(epType&epTypeMask) << epTypePos
	return v
}
