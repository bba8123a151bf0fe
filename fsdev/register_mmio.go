// https://github.com/usbarmory/fsdevmsc
//
// Copyright (c) The fsdevmsc Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build tamago && arm

package fsdev

import (
	"github.com/usbarmory/fsdevmsc/internal/reg"
)

// MMIORegisters binds the pure EPReg arithmetic in register.go to a real
// USB_EPnR register array in MMIO space, the way internal/reg binds raw
// bit math to a physical address (see internal/reg/reg16.go, which this
// mirrors for 16-bit FSDev registers rather than the 32-bit registers it
// was originally written for). It implements RegisterBackend so a
// Controller can be pointed at real hardware instead of the default
// in-memory simulation.
type MMIORegisters struct {
	Base uint32 // address of USB_EP0R
}

func (f MMIORegisters) addr(idx int) uint32 {
	// USB_EPnR registers are 4 bytes apart even though each is only
	// 16 bits wide (the upper half-word is reserved).
	return f.Base + uint32(idx)*4
}

// Read returns the current value of USB_EPnR for endpoint index idx.
func (f MMIORegisters) Read(idx int) EPReg {
	return EPReg(reg.Read16(f.addr(idx)))
}

// Write stores v to USB_EPnR for endpoint index idx.
func (f MMIORegisters) Write(idx int, v EPReg) {
	reg.Write16(f.addr(idx), uint16(v))
}

// Reset forces USB_EPnR to 0. On real silicon this is only meaningful
// once the peripheral itself has gone through its own reset sequence
// (USB_CNTR.FRES assert/deassert); sequencing that is a board-level
// concern left to the caller, same as the pull-up connect Controller.Init
// does not perform.
func (f MMIORegisters) Reset(idx int) {
	reg.Write16(f.addr(idx), 0)
}
