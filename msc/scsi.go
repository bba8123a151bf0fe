// https://github.com/usbarmory/fsdevmsc
//
// Copyright (c) The fsdevmsc Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package msc

import (
	"encoding/binary"

	"github.com/usbarmory/fsdevmsc/usbd"
)

// dispatchLocked parses cbw.CB and either completes the command
// synchronously (writing a response, or failing it) or arms a streaming
// data phase for READ_10/WRITE_10, corresponding to proc_builtin_scsi.
// Caller holds i.mu and has already set i.xferredLen=0, i.totalLen from
// the CBW.
func (i *Interface) dispatchLocked() {
	if i.asyncPending {
		return
	}

	cdb := i.cbw.CB
	opcode := cdb[0]
	lun := i.cbw.LUN
	i.cmdOpcode = opcode

	if int(lun) > int(i.cfg.MaxLUN) {
		i.setSense(SenseIllegalRequest, ASCInvalidFieldInCDB, 0)
		i.failSCSIOpLocked(CSWStatusFailed)
		return
	}

	switch opcode {
	case SCSITestUnitReady:
		i.dispatchTestUnitReadyLocked(lun)
	case SCSIRequestSense:
		i.dispatchRequestSenseLocked(lun, cdb)
	case SCSIInquiry:
		i.dispatchInquiryLocked(lun, cdb)
	case SCSIReadCapacity10:
		i.dispatchReadCapacity10Locked(lun)
	case SCSIReadFormatCapacities:
		i.dispatchReadFormatCapacityLocked(lun)
	case SCSIModeSense6:
		i.dispatchModeSense6Locked(lun)
	case SCSIPreventAllowRemoval:
		i.dispatchPreventAllowLocked(lun, cdb)
	case SCSIStartStopUnit:
		i.dispatchStartStopLocked(lun, cdb)
	case SCSISynchronizeCache10:
		i.dispatchSyncLocked(lun)
	case SCSIVerify10:
		i.dispatchVerify10Locked(lun, cdb)
	case SCSIRead10:
		i.dispatchRead10Locked(lun, cdb)
	case SCSIWrite10:
		i.dispatchWrite10Locked(lun, cdb)
	case SCSIServiceActionIn16:
		if cdb[1]&0x1f == ServiceActionReadCapacity16 {
			i.dispatchReadCapacity16Locked(lun)
			return
		}
		i.dispatchFallbackLocked(lun, cdb)
	default:
		i.dispatchFallbackLocked(lun, cdb)
	}
}

func (i *Interface) dispatchFallbackLocked(lun uint8, cdb [16]byte) {
	if fb, ok := i.app.(SCSIFallback); ok {
		n := fb.SCSI(lun, cdb, i.stagingBuf)
		if n < 0 {
			i.setSense(SenseIllegalRequest, ASCInvalidCommand, 0)
			i.failSCSIOpLocked(CSWStatusFailed)
			return
		}
		i.sendResponseLocked(i.stagingBuf[:n])
		return
	}

	i.setSense(SenseIllegalRequest, ASCInvalidCommand, 0)
	i.failSCSIOpLocked(CSWStatusFailed)
}

// sendResponseLocked is the common path for every fixed, one-shot
// response command: it runs the 13-case resolution against the host's
// requested length and arms a single IN transfer.
func (i *Interface) sendResponseLocked(data []byte) {
	length, ok := i.resolvePhaseLocked(true, uint32(len(data)))
	if !ok {
		return
	}

	if length == 0 {
		i.enterStatusLocked(CSWStatusGood)
		return
	}

	i.stage = StageDATA
	i.io.Xfer(i.epIn, data[:length], int(length))
}

func (i *Interface) dispatchTestUnitReadyLocked(lun uint8) {
	ready := true
	if tur, ok := i.app.(TestUnitReadyer); ok {
		ready = tur.TestUnitReady(lun)
	}

	if !ready {
		i.setSense(SenseNotReady, ASCMediumNotPresent, 0)
		i.failSCSIOpLocked(CSWStatusFailed)
		return
	}

	i.setSense(SenseNoSense, ASCNoAdditionalInfo, 0)
	i.enterStatusLocked(CSWStatusGood)
}

func (i *Interface) dispatchRequestSenseLocked(lun uint8, cdb [16]byte) {
	allocLength := cdb[4]
	if allocLength == 0 {
		allocLength = requestSenseSize
	}

	var n int
	if sp, ok := i.app.(SenseProvider); ok {
		n = sp.RequestSense(lun, i.stagingBuf)
	} else {
		resp := RequestSenseResponse{SenseTriple: i.sense}
		n = resp.MarshalTo(i.stagingBuf)
	}

	if n > int(allocLength) {
		n = int(allocLength)
	}

	i.setSense(SenseNoSense, ASCNoAdditionalInfo, 0)
	i.sendResponseLocked(i.stagingBuf[:n])
}

func (i *Interface) dispatchInquiryLocked(lun uint8, cdb [16]byte) {
	evpd := cdb[1]&0x01 != 0
	page := cdb[2]
	allocLength := binary.BigEndian.Uint16(cdb[3:5])

	if evpd && page == vpdPageUnitSerialNumber {
		serial := defaultSerialNumber(i.app.Capacity(lun))
		if sp, ok := i.app.(SerialNumberProvider); ok {
			serial = sp.SerialNumber(lun)
		}
		n := marshalUnitSerialNumberPage(serial, i.stagingBuf)
		i.clampAndSendLocked(n, allocLength)
		return
	}

	if v2, ok := i.app.(InquiryProviderV2); ok {
		if n := v2.InquiryV2(lun, i.stagingBuf); n > 0 {
			i.clampAndSendLocked(n, allocLength)
			return
		}
	}

	var vendor [8]byte
	var product [16]byte
	var rev [4]byte
	if v1, ok := i.app.(InquiryProviderV1); ok {
		vendor, product, rev = v1.InquiryV1(lun)
	}

	resp := NewInquiryResponse(vendor, product, rev)
	n := resp.MarshalTo(i.stagingBuf)
	i.clampAndSendLocked(n, allocLength)
}

func (i *Interface) clampAndSendLocked(n int, allocLength uint16) {
	if n > int(allocLength) {
		n = int(allocLength)
	}
	i.sendResponseLocked(i.stagingBuf[:n])
}

func (i *Interface) dispatchReadCapacity10Locked(lun uint8) {
	blockCount, blockSize := i.app.Capacity(lun)
	if blockCount == 0 || blockSize == 0 {
		i.setSense(SenseNotReady, ASCMediumNotPresent, 0)
		i.failSCSIOpLocked(CSWStatusFailed)
		return
	}

	lastLBA := uint32(blockCount - 1)
	if blockCount-1 > 0xffffffff {
		lastLBA = 0xffffffff
	}

	resp := ReadCapacity10Response{LastLBA: lastLBA, BlockLength: blockSize}
	n := resp.MarshalTo(i.stagingBuf)
	i.sendResponseLocked(i.stagingBuf[:n])
}

func (i *Interface) dispatchReadCapacity16Locked(lun uint8) {
	var blockCount uint64
	var blockSize uint32

	if cp, ok := i.app.(Capacity16Provider); ok {
		blockCount, blockSize = cp.Capacity16(lun)
	} else {
		blockCount, blockSize = i.app.Capacity(lun)
	}

	if blockCount == 0 || blockSize == 0 {
		i.setSense(SenseNotReady, ASCMediumNotPresent, 0)
		i.failSCSIOpLocked(CSWStatusFailed)
		return
	}

	resp := ReadCapacity16Response{LastLBA: blockCount - 1, BlockLength: blockSize}
	n := resp.MarshalTo(i.stagingBuf)
	i.sendResponseLocked(i.stagingBuf[:n])
}

func (i *Interface) dispatchReadFormatCapacityLocked(lun uint8) {
	blockCount, blockSize := i.app.Capacity(lun)
	resp := ReadFormatCapacityResponse{BlockCount: uint32(blockCount), DescriptorType: 2, BlockLength: blockSize}
	n := resp.MarshalTo(i.stagingBuf)
	i.sendResponseLocked(i.stagingBuf[:n])
}

func (i *Interface) dispatchModeSense6Locked(lun uint8) {
	writable := true
	if wc, ok := i.app.(WritableChecker); ok {
		writable = wc.IsWritable(lun)
	}

	var param uint8
	if !writable {
		param = modeSenseWriteProtect
	}

	resp := ModeSense6Response{ModeDataLength: 3, DeviceParam: param}
	n := resp.MarshalTo(i.stagingBuf)
	i.sendResponseLocked(i.stagingBuf[:n])
}

func (i *Interface) dispatchPreventAllowLocked(lun uint8, cdb [16]byte) {
	prevent := cdb[4]&0x01 != 0
	ok := true
	if pp, isOk := i.app.(PreventAllowProvider); isOk {
		ok = pp.PreventAllowMediumRemoval(lun, prevent)
	}
	i.finishBooleanCommandLocked(ok)
}

func (i *Interface) dispatchStartStopLocked(lun uint8, cdb [16]byte) {
	start := cdb[4]&0x01 != 0
	loEj := cdb[4]&0x02 != 0
	ok := true
	if sp, isOk := i.app.(StartStopProvider); isOk {
		ok = sp.StartStopUnit(lun, start, loEj)
	}
	i.finishBooleanCommandLocked(ok)
}

func (i *Interface) dispatchSyncLocked(lun uint8) {
	ok := true
	if sp, isOk := i.app.(SyncProvider); isOk {
		ok = sp.Sync(lun)
	}
	i.finishBooleanCommandLocked(ok)
}

func (i *Interface) finishBooleanCommandLocked(ok bool) {
	if !ok {
		i.setSense(SenseNotReady, ASCMediumNotPresent, 0)
		i.failSCSIOpLocked(CSWStatusFailed)
		return
	}
	i.enterStatusLocked(CSWStatusGood)
}

func (i *Interface) dispatchVerify10Locked(lun uint8, cdb [16]byte) {
	// VERIFY_10 succeeds without reading the medium or transferring
	// any data; BYTCHK is not examined.
	i.finishBooleanCommandLocked(true)
}

func cdbLBA(cdb [16]byte) uint32 {
	return binary.BigEndian.Uint32(cdb[2:6])
}

func cdbBlockCount10(cdb [16]byte) uint16 {
	return binary.BigEndian.Uint16(cdb[7:9])
}

func (i *Interface) dispatchRead10Locked(lun uint8, cdb [16]byte) {
	blockCount, blockSize := i.app.Capacity(lun)
	if blockCount == 0 || blockSize == 0 {
		i.setSense(SenseNotReady, ASCMediumNotPresent, 0)
		i.failSCSIOpLocked(CSWStatusFailed)
		return
	}

	count := uint32(cdbBlockCount10(cdb))
	deviceLen := count * blockSize

	length, ok := i.resolvePhaseLocked(true, deviceLen)
	if !ok {
		return
	}

	if length == 0 {
		i.enterStatusLocked(CSWStatusGood)
		return
	}

	i.cmdLUN = lun
	i.cmdLBA = uint64(cdbLBA(cdb))
	i.cmdBlockSize = blockSize
	i.cmdDeviceLen = length
	i.stage = StageDATA

	i.doReadChunkLocked()
}

// doReadChunkLocked services the next READ_10 chunk, implementing the
// BUSY/ERROR/ASYNC/bytes contract of app_read10. It bounds each chunk by
// cmdDeviceLen, the SCSI-command-resolved transfer length, not totalLen
// (the host's CBW length): the two differ whenever the CDB's own block
// count transfers less than the host declared, and residue at STATUS is
// computed from how far xferredLen got relative to totalLen.
func (i *Interface) doReadChunkLocked() {
	lba := i.cmdLBA + uint64(i.xferredLen)/uint64(i.cmdBlockSize)
	offset := i.xferredLen % i.cmdBlockSize

	n := uint32(len(i.stagingBuf))
	if rem := i.cmdDeviceLen - i.xferredLen; n > rem {
		n = rem
	}
	if blockRem := i.cmdBlockSize - offset; n > blockRem {
		n = blockRem
	}

	res := i.app.Read10(i.cmdLUN, lba, offset, i.stagingBuf[:n])

	switch res.Kind {
	case IOBytes:
		i.xferredLen += uint32(res.Bytes)
		i.io.Xfer(i.epIn, i.stagingBuf[:res.Bytes], res.Bytes)

	case IOBusy:
		// re-enter from the task context instead of busy-spinning
		// here. DeferFunc posts to the controller's own event queue
		// rather than running synchronously, so this returns before
		// continueStreamingLocked re-acquires i.mu, which is still
		// held by the caller (XferComplete) at this point.
		i.io.DeferFunc(func() {
			i.mu.Lock()
			i.continueStreamingLocked(i.epIn, 0)
			i.mu.Unlock()
		}, false)

	case IOError:
		i.setSense(SenseMediumError, ASCMediumNotPresent, 0)
		i.failSCSIOpLocked(CSWStatusFailed)

	case IOAsync:
		i.asyncPending = true
	}
}

func (i *Interface) dispatchWrite10Locked(lun uint8, cdb [16]byte) {
	blockCount, blockSize := i.app.Capacity(lun)
	if blockCount == 0 || blockSize == 0 {
		i.setSense(SenseNotReady, ASCMediumNotPresent, 0)
		i.failSCSIOpLocked(CSWStatusFailed)
		return
	}

	writable := true
	if wc, ok := i.app.(WritableChecker); ok {
		writable = wc.IsWritable(lun)
	}
	if !writable {
		i.setSense(SenseDataProtect, ASCWriteProtected, 0)
		i.failSCSIOpLocked(CSWStatusFailed)
		return
	}

	count := uint32(cdbBlockCount10(cdb))
	deviceLen := count * blockSize

	length, ok := i.resolvePhaseLocked(false, deviceLen)
	if !ok {
		return
	}

	if length == 0 {
		i.enterStatusLocked(CSWStatusGood)
		return
	}

	i.cmdLUN = lun
	i.cmdLBA = uint64(cdbLBA(cdb))
	i.cmdBlockSize = blockSize
	i.cmdDeviceLen = length
	i.stage = StageDATA

	i.armNextWriteChunkLocked()
}

func (i *Interface) armNextWriteChunkLocked() {
	offset := i.xferredLen % i.cmdBlockSize

	n := uint32(len(i.stagingBuf))
	if rem := i.cmdDeviceLen - i.xferredLen; n > rem {
		n = rem
	}
	if blockRem := i.cmdBlockSize - offset; n > blockRem {
		n = blockRem
	}

	i.io.Xfer(i.epOut, i.stagingBuf[:n], int(n))
}

// continueStreamingLocked is XferComplete's DATA-stage branch: for
// READ_10/WRITE_10 it drives the next chunk or finishes; for every other
// command's one-shot response transfer it moves straight to STATUS.
func (i *Interface) continueStreamingLocked(ep usbd.EdptAddr, bytes int) {
	switch i.cmdOpcode {
	case SCSIRead10:
		i.continueReadLocked(bytes)
	case SCSIWrite10:
		i.continueWriteLocked(bytes)
	default:
		i.xferredLen += uint32(bytes)
		i.enterStatusLocked(CSWStatusGood)
	}
}

func (i *Interface) continueReadLocked(bytes int) {
	if i.xferredLen >= i.cmdDeviceLen {
		i.enterStatusLocked(CSWStatusGood)
		return
	}
	i.doReadChunkLocked()
}

func (i *Interface) continueWriteLocked(bytes int) {
	offset := i.xferredLen % i.cmdBlockSize
	lba := i.cmdLBA + uint64(i.xferredLen)/uint64(i.cmdBlockSize)

	res := i.app.Write10(i.cmdLUN, lba, offset, i.stagingBuf[:bytes])

	switch res.Kind {
	case IOBytes:
		consumed := res.Bytes
		if consumed < bytes {
			// the application consumed fewer bytes than were
			// transferred: shift the remainder to the front of
			// the staging buffer and synthesize a completion
			// with the leftover count, causing a re-call with
			// adjusted parameters.
			leftover := bytes - consumed
			copy(i.stagingBuf, i.stagingBuf[consumed:bytes])
			i.xferredLen += uint32(consumed)
			i.continueWriteLocked(leftover)
			return
		}

		i.xferredLen += uint32(consumed)

		if i.xferredLen >= i.cmdDeviceLen {
			i.enterStatusLocked(CSWStatusGood)
			return
		}
		i.armNextWriteChunkLocked()

	case IOBusy:
		// see doReadChunkLocked's IOBusy case: DeferFunc's queue
		// hand-off, not a synchronous call, is what makes re-locking
		// i.mu here safe.
		i.io.DeferFunc(func() {
			i.mu.Lock()
			i.continueWriteLocked(bytes)
			i.mu.Unlock()
		}, false)

	case IOError:
		i.setSense(SenseMediumError, ASCMediumNotPresent, 0)
		i.failSCSIOpLocked(CSWStatusFailed)

	case IOAsync:
		i.asyncPending = true
	}
}

// AsyncIODone is the application's completion entry point for I/O that
// returned Async from Read10/Write10, corresponding to
// app_async_io_done/async_io_done. It replays the same streaming path
// with the reported byte count. inISR indicates the call arrived from
// interrupt context, in which case it is deferred onto the USB task via
// usbd.EdptIO.DeferFunc, the same hand-off an ISR-invoked transfer
// completion uses.
func (i *Interface) AsyncIODone(bytes int, inISR bool) {
	run := func() {
		i.mu.Lock()
		defer i.mu.Unlock()

		i.asyncPending = false

		switch i.cmdOpcode {
		case SCSIRead10:
			i.xferredLen += uint32(bytes)
			i.io.Xfer(i.epIn, i.stagingBuf[:bytes], bytes)
		case SCSIWrite10:
			i.continueWriteLocked(bytes)
		}
	}

	if inISR {
		i.io.DeferFunc(run, true)
		return
	}
	run()
}
