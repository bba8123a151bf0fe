// https://github.com/usbarmory/fsdevmsc
//
// Copyright (c) The fsdevmsc Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package msc

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Unit Serial Number VPD page constants (INQUIRY EVPD=1, PAGE CODE 0x80),
// a standard MSC/SCSI feature not named by the distilled driver spec but
// expected by most real hosts.
const (
	vpdPageUnitSerialNumber = 0x80
)

// defaultSerialNumber derives a 16-hex-character serial from the LUN's
// reported capacity when the application doesn't implement
// SerialNumberProvider, so every LUN still advertises a stable,
// deterministic identity across power cycles without needing state of
// its own.
func defaultSerialNumber(blockCount uint64, blockSize uint32) string {
	var seed [12]byte
	binary.BigEndian.PutUint64(seed[0:8], blockCount)
	binary.BigEndian.PutUint32(seed[8:12], blockSize)

	sum := blake2b.Sum256(seed[:])
	return fmt.Sprintf("%016x", sum[:8])[:16]
}

// marshalUnitSerialNumberPage writes the VPD page 0x80 response (4-byte
// header + serial bytes) to buf, returning the byte count written.
func marshalUnitSerialNumberPage(serial string, buf []byte) int {
	n := 4 + len(serial)
	if len(buf) < n {
		return 0
	}

	buf[0] = 0x00 // peripheral qualifier/device type: direct-access block device
	buf[1] = vpdPageUnitSerialNumber
	buf[2] = 0
	buf[3] = byte(len(serial))
	copy(buf[4:], serial)

	return n
}
