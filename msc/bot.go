// https://github.com/usbarmory/fsdevmsc
//
// Copyright (c) The fsdevmsc Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package msc

import (
	"github.com/usbarmory/fsdevmsc/usbd"
)

// Open arms the bulk pair for the first CBW read and resets interface
// state, corresponding to mscd_open.
func (i *Interface) Open(in, out usbd.EdptAddr) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.epIn, i.epOut = in, out
	i.resetLocked()
}

// Reset clears all interface state and re-arms the CBW read, corresponding
// to mscd_reset and to MSC_REQ_RESET's recovery action.
func (i *Interface) Reset() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.resetLocked()
}

func (i *Interface) resetLocked() {
	i.cbw = CommandBlockWrapper{}
	i.csw = CommandStatusWrapper{}
	i.stage = StageCMD
	i.xferredLen = 0
	i.totalLen = 0
	i.sense = SenseTriple{}
	i.asyncPending = false
	i.deferredCSW = false
	i.armCBWLocked()
}

func (i *Interface) armCBWLocked() {
	i.io.Xfer(i.epOut, i.cbwBuf[:], CBWSize)
}

// ControlXfer handles the MSC class control requests: MSC_REQ_RESET
// (bRequest 0xFF), MSC_REQ_GET_MAX_LUN (bRequest 0xFE), and
// Clear-Feature(ENDPOINT_HALT) reset recovery. It returns (handled, resp);
// resp is non-nil only for GetMaxLUN's 1-byte data stage.
func (i *Interface) ControlXfer(stage usbd.Stage, req usbd.ControlRequest) (bool, []byte) {
	i.mu.Lock()
	defer i.mu.Unlock()

	switch req.Request {
	case RequestBulkOnlyReset:
		if req.Value != 0 || req.Length != 0 {
			return false, nil
		}
		i.resetLocked()
		return true, nil

	case RequestGetMaxLUN:
		if req.Value != 0 || req.Length != 1 {
			return false, nil
		}
		return true, []byte{i.cfg.MaxLUN}

	case clearFeature:
		if req.Value != featureEndpointHalt {
			return false, nil
		}
		return i.handleClearFeatureLocked(usbd.EdptAddr(req.Index)), nil
	}

	return false, nil
}

// Standard control request codes this driver reacts to for reset
// recovery, named locally since the device core (where the full standard
// request set lives) is out of scope.
const (
	clearFeature        = 0x01
	featureEndpointHalt = 0x00
)

func (i *Interface) handleClearFeatureLocked(ep usbd.EdptAddr) bool {
	if i.stage == StageNeedReset {
		// Clear-Feature is refused until MSC_REQ_RESET arrives; the
		// endpoint stays stalled.
		i.io.Stall(ep)
		return true
	}

	if ep == i.epIn && i.stage == StageSTATUS && i.deferredCSW {
		i.io.ClearStall(ep)
		i.sendCSWLocked()
		return true
	}

	if ep == i.epOut && i.stage == StageCMD {
		i.io.ClearStall(ep)
		if !i.io.Ready(ep) {
			return true
		}
		// re-arm CBW if not already queued; Xfer is idempotent from
		// the class driver's perspective since the DCD tracks its
		// own in-flight transfer per endpoint.
		i.armCBWLocked()
		return true
	}

	i.io.ClearStall(ep)
	return true
}

// XferComplete is called on every bulk-endpoint completion, corresponding
// to mscd_xfer_cb.
func (i *Interface) XferComplete(ep usbd.EdptAddr, bytes int) {
	i.mu.Lock()
	defer i.mu.Unlock()

	switch i.stage {
	case StageCMD:
		i.handleCBWCompleteLocked(bytes)
	case StageDATA:
		i.handleDataCompleteLocked(ep, bytes)
	case StageSTATUSSent:
		i.handleStatusSentLocked()
	}
}

func (i *Interface) handleCBWCompleteLocked(bytes int) {
	if err := ParseCBW(i.cbwBuf[:bytes], &i.cbw); err != nil {
		i.io.Stall(i.epIn)
		i.io.Stall(i.epOut)
		i.stage = StageNeedReset
		i.cfg.Logger.Printf("invalid cbw: %v", err)
		return
	}

	i.xferredLen = 0
	i.totalLen = i.cbw.DataTransferLength
	i.dispatchLocked()
}

func (i *Interface) handleDataCompleteLocked(ep usbd.EdptAddr, bytes int) {
	i.continueStreamingLocked(ep, bytes)
}

func (i *Interface) handleStatusSentLocked() {
	i.stage = StageCMD
	i.armCBWLocked()
}

// failSCSIOp sets CSW.status, computes residue, and enters STATUS,
// stalling the data endpoint if a data phase was still in progress. If
// sense is unset it defaults to ILLEGAL_REQUEST, corresponding to
// fail_scsi_op.
func (i *Interface) failSCSIOpLocked(status uint8) {
	if i.sense == (SenseTriple{}) {
		i.setSense(SenseIllegalRequest, ASCInvalidCommand, 0)
	}

	if i.xferredLen < i.totalLen && i.totalLen > 0 {
		if i.cbw.IsDataIn() {
			i.io.Stall(i.epIn)
		} else {
			i.io.Stall(i.epOut)
		}
	}

	i.enterStatusLocked(status)
}

// enterStatusLocked computes residue and either sends the CSW immediately
// or, for the Hi>Di case, stalls IN and defers the CSW send until the
// host's Clear-Feature arrives.
func (i *Interface) enterStatusLocked(status uint8) {
	i.stage = StageSTATUS

	residue := uint32(0)
	if i.totalLen > i.xferredLen {
		residue = i.totalLen - i.xferredLen
	}

	i.csw = NewCSW(i.cbw.Tag, residue, status)

	if status == CSWStatusGood && i.cbw.IsDataIn() && i.xferredLen < i.totalLen {
		// Hi>Di: host expected more IN data than the device
		// produced. Stall IN before the CSW; the host's
		// Clear-Feature(ENDPOINT_HALT) triggers the deferred send.
		i.deferredCSW = true
		i.io.Stall(i.epIn)
		return
	}

	i.sendCSWLocked()
}

func (i *Interface) sendCSWLocked() {
	i.deferredCSW = false
	i.csw.MarshalTo(i.cswBuf[:])
	i.stage = StageSTATUSSent
	i.io.Xfer(i.epIn, i.cswBuf[:], CSWSize)
}

// resolvePhaseLocked implements the 13-case resolution for a command
// whose data direction/length is known before any transfer is attempted
// (used by READ_10/WRITE_10's CDB validation). wantDirIn and deviceLen
// describe what the SCSI command itself needs; hostTotal/hostDirIn come
// from the CBW. It returns ok=true when the caller should proceed with a
// data phase of exactly the returned length.
func (i *Interface) resolvePhaseLocked(wantDirIn bool, deviceLen uint32) (length uint32, ok bool) {
	hostTotal := i.cbw.DataTransferLength
	hostDirIn := i.cbw.IsDataIn()

	switch {
	case hostTotal == 0 && deviceLen == 0:
		// Hn/Dn
		return 0, true

	case hostTotal == 0 && deviceLen > 0:
		// Hn<Di or Hn<Do
		i.failSCSIOpLocked(CSWStatusPhaseError)
		return 0, false

	case deviceLen == 0 && hostTotal > 0:
		// Hi>Dn / Ho>Dn
		i.failSCSIOpLocked(CSWStatusFailed)
		return 0, false

	case hostDirIn != wantDirIn:
		// Hi<>Do / Ho<>Di
		i.failSCSIOpLocked(CSWStatusPhaseError)
		return 0, false
	}

	if deviceLen > hostTotal {
		// host wants less than the command would produce: clamp,
		// no error (the host is always entitled to ask for less).
		deviceLen = hostTotal
	}

	return deviceLen, true
}
