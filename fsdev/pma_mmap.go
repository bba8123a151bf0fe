// https://github.com/usbarmory/fsdevmsc
//
// Copyright (c) The fsdevmsc Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build linux

package fsdev

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// MappedRegion is a Region backed by an anonymous mmap rather than a Go
// slice, so the PMA bump allocator can be exercised against the same kind
// of raw, page-granular memory a real FSDev peripheral's packet buffer
// occupies, and so it can be protected read-only with Protect to catch a
// stray write from outside the allocator during testing. This stands in
// for real hardware the way a raw mmap'd device memory region stands in
// for physical MMIO when running under an emulator.
type MappedRegion struct {
	*Region
	raw []byte
}

// NewMappedRegion allocates size bytes of anonymous memory via mmap and
// wraps it in a Region, rounding size up to the host page size as mmap
// requires.
func NewMappedRegion(size int, epCount int) (*MappedRegion, error) {
	pageSize := unix.Getpagesize()
	mapped := (size + pageSize - 1) &^ (pageSize - 1)

	mem, err := unix.Mmap(-1, 0, mapped, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("fsdev: mmap pma region: %w", err)
	}

	r := &Region{
		mem:     mem[:size],
		size:    size,
		epCount: epCount,
	}
	r.Reset()

	return &MappedRegion{Region: r, raw: mem}, nil
}

// Protect marks the mapping read-only or read-write, useful in tests that
// want to assert nothing writes PMA outside of Region.Alloc's bookkeeping
// and the transfer engine's packet copies.
func (m *MappedRegion) Protect(writable bool) error {
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	return unix.Mprotect(m.raw, prot)
}

// Close releases the mapping.
func (m *MappedRegion) Close() error {
	return unix.Munmap(m.raw)
}
