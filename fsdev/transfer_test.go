// https://github.com/usbarmory/fsdevmsc
//
// Copyright (c) The fsdevmsc Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package fsdev

import (
	"bytes"
	"testing"
)

func TestNextChunkSizeCapsAtMaxPacketSize(t *testing.T) {
	tc := &transferContext{totalLen: 100, maxPacketSize: 64}
	if got := tc.nextChunkSize(); got != 64 {
		t.Fatalf("nextChunkSize() = %d, want 64", got)
	}

	tc.queuedLen = 64
	if got := tc.nextChunkSize(); got != 36 {
		t.Fatalf("nextChunkSize() = %d, want 36", got)
	}
}

func TestDoneReflectsQueuedVsTotal(t *testing.T) {
	tc := &transferContext{totalLen: 10}
	if tc.done() {
		t.Fatalf("done() = true before any bytes queued")
	}
	tc.queuedLen = 10
	if !tc.done() {
		t.Fatalf("done() = false once queuedLen == totalLen")
	}
}

func TestCopyToFromPMARoundTripBus16(t *testing.T) {
	region := NewRegion(256, 1)
	src := []byte{1, 2, 3, 4, 5}

	copyToPMA(region, 8, src, Bus16)

	dst := make([]byte, len(src))
	copyFromPMA(region, 8, dst, Bus16)

	if !bytes.Equal(src, dst) {
		t.Fatalf("round trip mismatch: got %v, want %v", dst, src)
	}
}

func TestCopyToFromPMARoundTripBus32(t *testing.T) {
	region := NewRegion(256, 1)
	src := []byte{10, 20, 30, 40, 50, 60, 70}

	copyToPMA(region, 16, src, Bus32)

	dst := make([]byte, len(src))
	copyFromPMA(region, 16, dst, Bus32)

	if !bytes.Equal(src, dst) {
		t.Fatalf("round trip mismatch: got %v, want %v", dst, src)
	}
}

func TestCopyToPMAEvenLengthBus16(t *testing.T) {
	region := NewRegion(256, 1)
	src := []byte{0xaa, 0xbb, 0xcc, 0xdd}

	copyToPMA(region, 0, src, Bus16)

	dst := make([]byte, 4)
	copyFromPMA(region, 0, dst, Bus16)

	if !bytes.Equal(src, dst) {
		t.Fatalf("even-length round trip mismatch: got %v, want %v", dst, src)
	}
}
