// https://github.com/usbarmory/fsdevmsc
//
// Copyright (c) The fsdevmsc Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package msc

import (
	"log"
	"os"
	"sync"

	"github.com/usbarmory/fsdevmsc/usbd"
)

// Stage is one of the five BOT protocol states.
type Stage int

const (
	StageCMD Stage = iota
	StageDATA
	StageSTATUS
	StageSTATUSSent
	StageNeedReset
)

func (s Stage) String() string {
	switch s {
	case StageCMD:
		return "CMD"
	case StageDATA:
		return "DATA"
	case StageSTATUS:
		return "STATUS"
	case StageSTATUSSent:
		return "STATUS_SENT"
	case StageNeedReset:
		return "NEED_RESET"
	default:
		return "?"
	}
}

// Config configures an Interface.
type Config struct {
	// ItfNum is the USB interface number this MSC function occupies.
	ItfNum int
	// MaxLUN is reported in response to GetMaxLUN and is the highest
	// LUN a CBW may address; a higher LUN fails with ILLEGAL REQUEST.
	// Commands for every LUN share one in-flight command state, so
	// they are serviced one at a time.
	MaxLUN uint8
	// MaxPacketSize is the bulk endpoint packet size; it sizes the
	// staging buffer for response and READ_10/WRITE_10 data. The CBW
	// and CSW buffers have their fixed wire sizes.
	MaxPacketSize int
	// Logger receives driver diagnostics, defaulting to a logger on
	// os.Stderr.
	Logger *log.Logger
}

func (c *Config) setDefaults() {
	if c.MaxPacketSize == 0 {
		c.MaxPacketSize = 64
	}
	if c.Logger == nil {
		c.Logger = log.New(os.Stderr, "msc: ", log.LstdFlags)
	}
}

// Interface is the single per-function MSC Bulk-Only Transport state
// machine: current CBW/CSW, endpoint addresses, cumulative transfer
// accounting, BOT stage, sense triple, and the pending-async-I/O flag.
// The source models this as a single static mscd_interface_t; this type
// keeps the same single-instance-per-function shape but, as a Go struct,
// can be instantiated more than once for tests.
type Interface struct {
	mu sync.Mutex

	cfg Config
	io  usbd.EdptIO
	app Application

	epIn, epOut usbd.EdptAddr

	cbw CommandBlockWrapper
	csw CommandStatusWrapper

	stage Stage

	xferredLen uint32
	totalLen   uint32

	sense SenseTriple

	asyncPending bool
	deferredCSW  bool

	// streaming READ_10/WRITE_10 state. cmdDeviceLen is the
	// SCSI-command-resolved transfer length (resolvePhaseLocked's
	// return value), which bounds the chunk loop; it is not always
	// equal to totalLen, the host's CBW-declared length.
	cmdOpcode    uint8
	cmdLUN       uint8
	cmdLBA       uint64
	cmdBlockSize uint32
	cmdDeviceLen uint32

	cbwBuf     [CBWSize]byte
	cswBuf     [CSWSize]byte
	stagingBuf []byte
}

// New creates an Interface bound to io (the downward DCD interface) and
// app (the application callback set).
func New(cfg Config, io usbd.EdptIO, app Application) *Interface {
	cfg.setDefaults()
	return &Interface{
		cfg:        cfg,
		io:         io,
		app:        app,
		stagingBuf: make([]byte, cfg.MaxPacketSize),
		stage:      StageCMD,
	}
}

// setSense records the current sense triple, clearing ASC/ASCQ to
// ASCNoAdditionalInfo's implicit zero when only a key is known.
func (i *Interface) setSense(key, asc, ascq uint8) {
	i.sense = SenseTriple{Key: key, ASC: asc, ASCQ: ascq}
}
