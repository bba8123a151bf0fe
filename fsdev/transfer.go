// https://github.com/usbarmory/fsdevmsc
//
// Copyright (c) The fsdevmsc Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package fsdev

import (
	"encoding/binary"
)

// BusWidth selects the PMA copy strategy, since the FSDev peripheral is
// wired to the CPU bus at either 16 or 32 bits depending on the chip.
type BusWidth int

const (
	// Bus16 is the common STM32F1/F0/L0 wiring: the CPU sees PMA as an
	// array of uint16 words, one per two logical bytes, so copies are
	// word-granular with an odd tail byte zero-extended.
	Bus16 BusWidth = iota
	// Bus32 is the STM32G0/H5/U5-style wiring: PMA is word-addressable
	// and tail bytes are packed into a final 32-bit write sized to the
	// exact remaining byte count.
	Bus32
)

// transferContext is the per-(endpoint number, direction) bookkeeping the
// DCD needs to chunk a caller's buffer across however many
// max-packet-sized USB packets the total length requires.
type transferContext struct {
	buf           []byte
	totalLen      int
	queuedLen     int
	maxPacketSize int
	hwIndex       int
	isoInSending  bool
}

func (tc *transferContext) remaining() int {
	return tc.totalLen - tc.queuedLen
}

func (tc *transferContext) done() bool {
	return tc.queuedLen >= tc.totalLen
}

// nextChunkSize returns how many bytes the next packet should carry.
func (tc *transferContext) nextChunkSize() int {
	n := tc.remaining()
	if n > tc.maxPacketSize {
		n = tc.maxPacketSize
	}
	return n
}

// copyToPMA copies src into the region at pmaOffset using the given bus
// width, staging through an aligned buffer for the 16-bit word-granular
// case so that an odd-length source still produces an aligned write.
func copyToPMA(region *Region, pmaOffset uint32, src []byte, width BusWidth) {
	dst := region.Bytes()

	switch width {
	case Bus16:
		// PMA stride is 2 bytes per 16-bit word: pma[idx*2] holds
		// word idx. Copy word by word, zero-extending a trailing
		// odd byte the same way the peripheral's packet buffer
		// memory is organized.
		i := 0
		for ; i+1 < len(src); i += 2 {
			word := binary.LittleEndian.Uint16(src[i : i+2])
			binary.LittleEndian.PutUint16(dst[int(pmaOffset)+i:], word)
		}
		if i < len(src) {
			var word [2]byte
			word[0] = src[i]
			binary.LittleEndian.PutUint16(dst[int(pmaOffset)+i:], binary.LittleEndian.Uint16(word[:]))
		}
	case Bus32:
		// PMA is word-addressable; pack a final 32-bit write sized
		// to the exact remaining byte count rather than rounding up,
		// matching the 32-bit-bus peripheral's byte-enable strobes.
		i := 0
		for ; i+3 < len(src); i += 4 {
			word := binary.LittleEndian.Uint32(src[i : i+4])
			binary.LittleEndian.PutUint32(dst[int(pmaOffset)+i:], word)
		}
		if rem := len(src) - i; rem > 0 {
			// only the rem tail bytes are stored; the rest of the
			// final word keeps its previous contents.
			copy(dst[int(pmaOffset)+i:int(pmaOffset)+i+rem], src[i:])
		}
	}
}

// copyFromPMA is the inverse of copyToPMA.
func copyFromPMA(region *Region, pmaOffset uint32, dst []byte, width BusWidth) {
	src := region.Bytes()

	switch width {
	case Bus16:
		i := 0
		for ; i+1 < len(dst); i += 2 {
			word := binary.LittleEndian.Uint16(src[int(pmaOffset)+i:])
			binary.LittleEndian.PutUint16(dst[i:i+2], word)
		}
		if i < len(dst) {
			word := binary.LittleEndian.Uint16(src[int(pmaOffset)+i:])
			dst[i] = byte(word)
		}
	case Bus32:
		i := 0
		for ; i+3 < len(dst); i += 4 {
			word := binary.LittleEndian.Uint32(src[int(pmaOffset)+i:])
			binary.LittleEndian.PutUint32(dst[i:i+4], word)
		}
		if rem := len(dst) - i; rem > 0 {
			var tail [4]byte
			word := binary.LittleEndian.Uint32(src[int(pmaOffset)+i:])
			binary.LittleEndian.PutUint32(tail[:], word)
			copy(dst[i:], tail[:rem])
		}
	}
}
