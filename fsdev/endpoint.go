// https://github.com/usbarmory/fsdevmsc
//
// Copyright (c) The fsdevmsc Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package fsdev

import (
	"errors"

	"github.com/usbarmory/fsdevmsc/usbd"
)

// ErrSlotExhausted is returned when every hardware endpoint index is
// already allocated. Like ErrPMAExhausted, a caller hitting this at
// open_endpoint time should treat it as a configuration error.
var ErrSlotExhausted = errors.New("fsdev: endpoint slot exhausted")

// slot is one hardware endpoint index (0..N-1). IN and OUT directions of
// the same logical endpoint number share a slot unless one direction is
// isochronous, in which case that direction monopolizes the slot (the
// FSDev peripheral has no independent IN/OUT buffer descriptor pairing for
// iso endpoints the way it does for control/bulk/interrupt).
type slot struct {
	used      bool
	epNum     int
	epType    int
	allocated [2]bool // indexed by usbd.Out / usbd.In
	iso       bool

	btableAddr [2]uint32 // PMA offsets for rx/tx BTABLE address fields
	bufAddr    [2]uint32 // PMA offsets for rx/tx packet buffers
	maxPacket  int
}

// slotTable tracks hardware endpoint index allocation across Open/CloseAll.
type slotTable struct {
	slots []slot
}

func newSlotTable(n int) *slotTable {
	return &slotTable{slots: make([]slot, n)}
}

// alloc finds a free hardware index for epNum, or the existing one if
// epNum's other direction is already open and isn't isochronous.
func (t *slotTable) alloc(epNum int, dir usbd.Direction, epType int) (int, error) {
	iso := epType == EPTypeIso

	for i := range t.slots {
		s := &t.slots[i]
		if s.used && s.epNum == epNum && !s.iso && !iso {
			s.allocated[dir] = true
			return i, nil
		}
	}

	for i := range t.slots {
		s := &t.slots[i]
		if !s.used {
			s.used = true
			s.epNum = epNum
			s.epType = epType
			s.iso = iso
			s.allocated[dir] = true
			return i, nil
		}
	}

	return 0, ErrSlotExhausted
}

// closeAll releases every slot except endpoint 0, matching the DCD's
// close_all, which disables all non-control endpoints.
func (t *slotTable) closeAll() {
	for i := range t.slots {
		if t.slots[i].epNum != 0 {
			t.slots[i] = slot{}
		}
	}
}

func (t *slotTable) get(idx int) *slot {
	return &t.slots[idx]
}

// find returns the hardware index for (epNum, dir), or -1 if not open.
func (t *slotTable) find(epNum int, dir usbd.Direction) int {
	for i := range t.slots {
		s := &t.slots[i]
		if s.used && s.epNum == epNum && s.allocated[dir] {
			return i
		}
	}
	return -1
}
