// https://github.com/usbarmory/fsdevmsc
//
// Copyright (c) The fsdevmsc Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package fsdev

import "testing"

func TestNewRegionCursorStartsPastBTable(t *testing.T) {
	r := NewRegion(1024, 8)
	if got, want := r.Cursor(), 8*8; got != want {
		t.Fatalf("Cursor() = %d, want %d", got, want)
	}
}

func TestAllocAdvancesCursorByRoundedBlockSize(t *testing.T) {
	r := NewRegion(1024, 8)
	start := r.Cursor()

	addr, err := r.Alloc(63, false)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if addr != uint32(start) {
		t.Fatalf("Alloc returned %d, want %d", addr, start)
	}

	// 63 bytes rounds up to a 32-byte block boundary (64).
	if got, want := r.Cursor(), start+64; got != want {
		t.Fatalf("Cursor() after Alloc(63) = %d, want %d", got, want)
	}
}

func TestAllocSmallRoundsToEvenBlock(t *testing.T) {
	r := NewRegion(1024, 8)
	start := r.Cursor()

	if _, err := r.Alloc(7, false); err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	if got, want := r.Cursor(), start+8; got != want {
		t.Fatalf("Cursor() after Alloc(7) = %d, want %d", got, want)
	}
}

func TestAllocDoubleBufferPacksTwoOffsets(t *testing.T) {
	r := NewRegion(1024, 8)
	start := uint32(r.Cursor())

	packed, err := r.Alloc(32, true)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	first := packed & 0xffff
	second := packed >> 16

	if first != start {
		t.Fatalf("first offset = %d, want %d", first, start)
	}
	if second != start+32 {
		t.Fatalf("second offset = %d, want %d", second, start+32)
	}
}

func TestAllocExhaustionReturnsError(t *testing.T) {
	r := NewRegion(64, 1) // 8 bytes of BTABLE, 56 bytes free

	if _, err := r.Alloc(56, false); err != nil {
		t.Fatalf("first Alloc should fit: %v", err)
	}

	if _, err := r.Alloc(32, false); err != ErrPMAExhausted {
		t.Fatalf("Alloc past capacity = %v, want ErrPMAExhausted", err)
	}
}

func TestAllocOverLargestBlockSizeFails(t *testing.T) {
	r := NewRegion(4096, 8)
	if _, err := r.Alloc(1025, false); err != ErrPMAExhausted {
		t.Fatalf("Alloc(1025) = %v, want ErrPMAExhausted", err)
	}
}

func TestResetReclaimsAllPreviousAllocations(t *testing.T) {
	r := NewRegion(1024, 8)

	if _, err := r.Alloc(64, false); err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if _, err := r.Alloc(64, false); err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	r.Reset()

	if got, want := r.Cursor(), 8*8; got != want {
		t.Fatalf("Cursor() after Reset = %d, want %d", got, want)
	}
}
