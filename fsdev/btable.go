// https://github.com/usbarmory/fsdevmsc
//
// Copyright (c) The fsdevmsc Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package fsdev

import "encoding/binary"

// BTABLE entry layout, 16-bit fields, 8 bytes per hardware endpoint index:
// USB_ADDRn_TX, COUNTn_TX, USB_ADDRn_RX, COUNTn_RX, in that order. This is
// the common STM32F0/F1/F3/L0 layout; chips with a 32-bit-strided BTABLE
// are not modeled here.
const (
	btableOffAddrTx = 0
	btableOffCountTx = 2
	btableOffAddrRx  = 4
	btableOffCountRx = 6
	btableEntrySize  = 8
)

func btableEntryOffset(idx int) int {
	return idx * btableEntrySize
}

func writeBTableU16(region *Region, idx int, fieldOff int, val uint16) {
	off := btableEntryOffset(idx) + fieldOff
	binary.LittleEndian.PutUint16(region.Bytes()[off:], val)
}

func readBTableU16(region *Region, idx int, fieldOff int) uint16 {
	off := btableEntryOffset(idx) + fieldOff
	return binary.LittleEndian.Uint16(region.Bytes()[off:])
}

// countRxBufSize packs the COUNTn_RX register's BL_SIZE/NUM_BLOCK fields
// for a given buffer length, using 2-byte blocks up to 62 bytes (BL_SIZE=0)
// or 32-byte blocks above that (BL_SIZE=1), per the FSDev reference
// manual's description of the OUT endpoint receive buffer size encoding.
func countRxBufSize(length int) uint16 {
	if length <= 62 {
		numBlock := (length + 1) / 2
		return uint16(numBlock << 10)
	}
	numBlock := (length / 32) - 1
	return uint16(1<<15) | uint16(numBlock<<10)
}
