// https://github.com/usbarmory/fsdevmsc
//
// Copyright (c) The fsdevmsc Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package msc

import "encoding/binary"

// InquiryResponse is the standard 36-byte INQUIRY response. CDB fields and
// response layout are big-endian on the wire, per SCSI convention.
type InquiryResponse struct {
	PeripheralDeviceType uint8
	RMB                  uint8 // bit 7: removable media
	Version              uint8
	ResponseDataFormat   uint8
	AdditionalLength     uint8
	Flags                [3]uint8
	Vendor               [8]byte
	Product              [16]byte
	Revision             [4]byte
}

const inquiryStandardSize = 36

// MarshalTo writes r to buf, returning the byte count written.
func (r *InquiryResponse) MarshalTo(buf []byte) int {
	if len(buf) < inquiryStandardSize {
		return 0
	}

	buf[0] = r.PeripheralDeviceType
	buf[1] = r.RMB
	buf[2] = r.Version
	buf[3] = r.ResponseDataFormat
	buf[4] = r.AdditionalLength
	copy(buf[5:8], r.Flags[:])
	copy(buf[8:16], r.Vendor[:])
	copy(buf[16:32], r.Product[:])
	copy(buf[32:36], r.Revision[:])

	return inquiryStandardSize
}

// NewInquiryResponse builds a standard INQUIRY response for a removable
// direct-access block device, the shape every LUN in this driver reports.
func NewInquiryResponse(vendor [8]byte, product [16]byte, rev [4]byte) InquiryResponse {
	return InquiryResponse{
		RMB:                InquiryRMB,
		Version:            0x05, // SPC-3
		ResponseDataFormat: 0x02,
		AdditionalLength:   inquiryStandardSize - 5,
		Vendor:             vendor,
		Product:            product,
		Revision:           rev,
	}
}

// InquiryRMB marks removable media in InquiryResponse.RMB.
const InquiryRMB = 0x80

// ReadCapacity10Response is the 8-byte READ CAPACITY (10) response.
type ReadCapacity10Response struct {
	LastLBA     uint32
	BlockLength uint32
}

func (r *ReadCapacity10Response) MarshalTo(buf []byte) int {
	if len(buf) < 8 {
		return 0
	}
	binary.BigEndian.PutUint32(buf[0:4], r.LastLBA)
	binary.BigEndian.PutUint32(buf[4:8], r.BlockLength)
	return 8
}

// ReadCapacity16Response is the 32-byte READ CAPACITY (16) response (this
// driver only populates the first 12 bytes; the remainder reports no
// protection/provisioning features).
type ReadCapacity16Response struct {
	LastLBA     uint64
	BlockLength uint32
}

func (r *ReadCapacity16Response) MarshalTo(buf []byte) int {
	if len(buf) < 32 {
		return 0
	}
	binary.BigEndian.PutUint64(buf[0:8], r.LastLBA)
	binary.BigEndian.PutUint32(buf[8:12], r.BlockLength)
	for i := 12; i < 32; i++ {
		buf[i] = 0
	}
	return 32
}

// ReadFormatCapacityResponse is the 12-byte READ FORMAT CAPACITY
// response: a 4-byte header followed by one capacity descriptor.
type ReadFormatCapacityResponse struct {
	BlockCount     uint32
	DescriptorType uint8 // 2 = formatted media
	BlockLength    uint32
}

func (r *ReadFormatCapacityResponse) MarshalTo(buf []byte) int {
	if len(buf) < 12 {
		return 0
	}
	buf[0], buf[1], buf[2] = 0, 0, 0
	buf[3] = 0x08 // capacity list length
	binary.BigEndian.PutUint32(buf[4:8], r.BlockCount)
	buf[8] = r.DescriptorType & 0x3
	buf[9] = byte(r.BlockLength >> 16)
	buf[10] = byte(r.BlockLength >> 8)
	buf[11] = byte(r.BlockLength)
	return 12
}

// ModeSense6Response is the 4-byte MODE SENSE (6) header this driver
// returns (no mode pages, ModePageAllPages requests notwithstanding).
type ModeSense6Response struct {
	ModeDataLength uint8
	MediumType     uint8
	DeviceParam    uint8 // bit 7: write protected
	BlockDescLen   uint8
}

const modeSenseWriteProtect = 0x80

func (r *ModeSense6Response) MarshalTo(buf []byte) int {
	if len(buf) < 4 {
		return 0
	}
	buf[0] = r.ModeDataLength
	buf[1] = r.MediumType
	buf[2] = r.DeviceParam
	buf[3] = r.BlockDescLen
	return 4
}

// RequestSenseResponse is the 18-byte fixed-format REQUEST SENSE response.
type RequestSenseResponse struct {
	SenseTriple
}

const requestSenseSize = 18

func (r *RequestSenseResponse) MarshalTo(buf []byte) int {
	if len(buf) < requestSenseSize {
		return 0
	}
	for i := range buf[:requestSenseSize] {
		buf[i] = 0
	}
	buf[0] = 0x70 // current errors, fixed format
	buf[2] = r.Key & 0x0f
	buf[7] = requestSenseSize - 8
	buf[12] = r.ASC
	buf[13] = r.ASCQ
	return requestSenseSize
}
