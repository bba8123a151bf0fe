// https://github.com/usbarmory/fsdevmsc
//
// Copyright (c) The fsdevmsc Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package fsdev

import (
	"errors"
	"sync"
)

// ErrPMAExhausted is returned when an allocation would advance the PMA
// cursor past the end of the region. Per the endpoint layout being a
// configuration-time decision, a caller hitting this should treat it as a
// configuration error, not a runtime condition to recover from.
var ErrPMAExhausted = errors.New("fsdev: pma exhausted")

// roundBlockSize rounds a requested buffer length up to the block size the
// FSDev BTABLE count field can encode: 2-byte blocks up to 62 bytes, 32-byte
// blocks above that, up to 1024.
func roundBlockSize(length int) (int, error) {
	switch {
	case length <= 62:
		return (length + 1) &^ 1, nil
	case length <= 1024:
		return (length + 31) &^ 31, nil
	default:
		return 0, ErrPMAExhausted
	}
}

// Region is a bump allocator over the FSDev Packet Memory Area. The first
// 8*epCount bytes are reserved for the Buffer Descriptor Table (BTABLE);
// everything after that is handed out by Alloc. There is no free operation:
// endpoint layouts are established once per configuration and the whole
// region is reclaimed at once via Reset, mirroring close_all/bus reset.
type Region struct {
	mu      sync.Mutex
	mem     []byte
	size    int
	epCount int
	cursor  int
}

// NewRegion creates a PMA region of size bytes addressable by epCount
// hardware endpoints (each needing one 8-byte BTABLE entry).
func NewRegion(size int, epCount int) *Region {
	r := &Region{
		mem:     make([]byte, size),
		size:    size,
		epCount: epCount,
	}
	r.Reset()
	return r
}

// Size returns the total region size in bytes.
func (r *Region) Size() int {
	return r.size
}

// Bytes exposes the backing store for direct PMA copy routines.
func (r *Region) Bytes() []byte {
	return r.mem
}

// BTableBase returns the PMA offset at which the BTABLE begins (always 0).
func (r *Region) BTableBase() int {
	return 0
}

// Reset reinitializes the bump cursor to the first byte past the BTABLE,
// discarding every previous allocation. Called on bus reset; CloseAll
// instead rewinds the cursor to just past endpoint 0's buffers.
func (r *Region) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cursor = 8 * r.epCount
}

// Cursor returns the current bump-allocation offset, for introspection and
// testing of the PMA-exhaustion invariant (cursor <= size at all times).
func (r *Region) Cursor() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursor
}

// Alloc bump-allocates a packet buffer of length bytes (rounded up to the
// hardware block size). If double is true, it allocates two equally sized
// contiguous buffers and returns both offsets packed into one value: low
// 16 bits the first buffer, high 16 bits the second, for the isochronous
// double-buffering and BTABLE wr/rd pairs described in the FSDev
// reference manual.
func (r *Region) Alloc(length int, double bool) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	block, err := roundBlockSize(length)
	if err != nil {
		return 0, err
	}

	n := 1
	if double {
		n = 2
	}

	if r.cursor+block*n > r.size {
		return 0, ErrPMAExhausted
	}

	first := r.cursor
	r.cursor += block
	if !double {
		return uint32(first), nil
	}

	second := r.cursor
	r.cursor += block
	return uint32(first) | uint32(second)<<16, nil
}
