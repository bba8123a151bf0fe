// https://github.com/usbarmory/fsdevmsc
//
// Copyright (c) The fsdevmsc Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package msc

import (
	"io"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

// Storage is the block-device interface a LUN is backed by. It is
// synchronous; StorageApplication adapts it to the asynchronous,
// chunked Application interface the driver actually dispatches through.
type Storage interface {
	BlockSize() uint32
	BlockCount() uint64
	Read(lba uint64, blocks uint32, buf []byte) (uint32, error)
	Write(lba uint64, blocks uint32, buf []byte) (uint32, error)
	Sync() error
	IsReadOnly() bool
	IsPresent() bool
}

// MemoryStorage is an in-memory Storage backend, primarily for tests.
type MemoryStorage struct {
	mu        sync.RWMutex
	data      []byte
	blockSize uint32
	readOnly  bool
}

// NewMemoryStorage allocates size bytes of backing storage in blockSize
// chunks.
func NewMemoryStorage(size uint64, blockSize uint32) *MemoryStorage {
	return &MemoryStorage{data: make([]byte, size), blockSize: blockSize}
}

func (m *MemoryStorage) BlockSize() uint32 { return m.blockSize }

func (m *MemoryStorage) BlockCount() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.data)) / uint64(m.blockSize)
}

func (m *MemoryStorage) Read(lba uint64, blocks uint32, buf []byte) (uint32, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	off := lba * uint64(m.blockSize)
	length := uint64(blocks) * uint64(m.blockSize)
	if off+length > uint64(len(m.data)) {
		return 0, io.EOF
	}
	copy(buf, m.data[off:off+length])
	return blocks, nil
}

func (m *MemoryStorage) Write(lba uint64, blocks uint32, buf []byte) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.readOnly {
		return 0, os.ErrPermission
	}

	off := lba * uint64(m.blockSize)
	length := uint64(blocks) * uint64(m.blockSize)
	if off+length > uint64(len(m.data)) {
		return 0, io.EOF
	}
	copy(m.data[off:off+length], buf)
	return blocks, nil
}

func (m *MemoryStorage) Sync() error     { return nil }
func (m *MemoryStorage) IsReadOnly() bool { return m.readOnly }
func (m *MemoryStorage) IsPresent() bool  { return true }

// SetReadOnly toggles write-protection, for exercising the
// DATA_PROTECT/write-protected edge scenario in tests.
func (m *MemoryStorage) SetReadOnly(ro bool) { m.readOnly = ro }

// FileStorage is a Storage backend over an *os.File: a regular file used
// as a flat disk image, or a Linux block special file (e.g. a loop
// device), in which case its size is queried with BLKGETSIZE64 rather
// than stat(2), which reports zero for block devices.
type FileStorage struct {
	f         *os.File
	blockSize uint32
	size      uint64
	readOnly  bool
	limiter   *rate.Limiter
}

// NewFileStorage opens path and determines its size, enabling readOnly
// when the file was opened O_RDONLY. rateLimit, if positive, bounds the
// number of Read/Write calls per second; a call beyond the limit should
// be surfaced as IOBusy by the caller's Application adapter rather than
// blocking, modeling a real, occasionally-busy block device rather than
// always returning bytes synchronously.
func NewFileStorage(path string, blockSize uint32, readOnly bool, rateLimit rate.Limit) (*FileStorage, error) {
	flags := os.O_RDWR
	if readOnly {
		flags = os.O_RDONLY
	}

	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, err
	}

	size, err := deviceSize(f)
	if err != nil {
		f.Close()
		return nil, err
	}

	fs := &FileStorage{f: f, blockSize: blockSize, size: size, readOnly: readOnly}
	if rateLimit > 0 {
		fs.limiter = rate.NewLimiter(rateLimit, 1)
	}

	return fs, nil
}

// blkGetSize64 is the Linux ioctl request number for BLKGETSIZE64.
const blkGetSize64 = 0x80081272

// deviceSize returns f's size, using BLKGETSIZE64 when f is a block
// special file (stat(2) reports size 0 for those) and falling back to
// Stat for a regular file.
func deviceSize(f *os.File) (uint64, error) {
	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}

	if fi.Mode()&os.ModeDevice == 0 {
		return uint64(fi.Size()), nil
	}

	var size uint64
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), uintptr(blkGetSize64), uintptr(unsafe.Pointer(&size)))
	if errno != 0 {
		return 0, errno
	}
	return size, nil
}

func (fs *FileStorage) BlockSize() uint32  { return fs.blockSize }
func (fs *FileStorage) BlockCount() uint64 { return fs.size / uint64(fs.blockSize) }
func (fs *FileStorage) IsReadOnly() bool   { return fs.readOnly }
func (fs *FileStorage) IsPresent() bool    { return true }
func (fs *FileStorage) Sync() error        { return fs.f.Sync() }

// Allow reports whether the rate limiter (if configured) currently has a
// token available; StorageApplication consults this before issuing a
// Read/Write and returns IOBusy when it does not.
func (fs *FileStorage) Allow() bool {
	if fs.limiter == nil {
		return true
	}
	return fs.limiter.Allow()
}

func (fs *FileStorage) Read(lba uint64, blocks uint32, buf []byte) (uint32, error) {
	off := int64(lba) * int64(fs.blockSize)
	n, err := fs.f.ReadAt(buf[:int(blocks)*int(fs.blockSize)], off)
	return uint32(n) / fs.blockSize, err
}

func (fs *FileStorage) Write(lba uint64, blocks uint32, buf []byte) (uint32, error) {
	if fs.readOnly {
		return 0, os.ErrPermission
	}
	off := int64(lba) * int64(fs.blockSize)
	n, err := fs.f.WriteAt(buf[:int(blocks)*int(fs.blockSize)], off)
	return uint32(n) / fs.blockSize, err
}

// Close releases the underlying file.
func (fs *FileStorage) Close() error {
	return fs.f.Close()
}

// rateLimited is implemented by Storage backends (FileStorage) that want
// StorageApplication to poll them as BUSY rather than blocking.
type rateLimited interface {
	Allow() bool
}

// StorageApplication adapts a synchronous Storage to the chunked,
// asynchronous Application interface, caching one block at a time so that
// Read10/Write10 chunks smaller than a block (bounded by the bulk
// endpoint's max packet size) don't each trigger their own Storage call.
type StorageApplication struct {
	mu sync.Mutex

	storage   Storage
	readCache struct {
		valid bool
		lba   uint64
		buf   []byte
	}
	writeCache struct {
		valid bool
		lba   uint64
		buf   []byte
		n     int
	}
}

// NewStorageApplication wraps storage for use as a msc.Application.
func NewStorageApplication(storage Storage) *StorageApplication {
	return &StorageApplication{storage: storage}
}

func (a *StorageApplication) Capacity(uint8) (uint64, uint32) {
	if !a.storage.IsPresent() {
		return 0, 0
	}
	return a.storage.BlockCount(), a.storage.BlockSize()
}

func (a *StorageApplication) IsWritable(uint8) bool {
	return !a.storage.IsReadOnly()
}

func (a *StorageApplication) TestUnitReady(uint8) bool {
	return a.storage.IsPresent()
}

func (a *StorageApplication) Sync(uint8) bool {
	return a.storage.Sync() == nil
}

func (a *StorageApplication) Read10(lun uint8, lba uint64, offset uint32, buf []byte) IOResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	if rl, ok := a.storage.(rateLimited); ok && !rl.Allow() {
		return Busy()
	}

	bs := a.storage.BlockSize()

	if !a.readCache.valid || a.readCache.lba != lba {
		if cap(a.readCache.buf) < int(bs) {
			a.readCache.buf = make([]byte, bs)
		}
		a.readCache.buf = a.readCache.buf[:bs]

		if _, err := a.storage.Read(lba, 1, a.readCache.buf); err != nil {
			return IOErr()
		}
		a.readCache.valid = true
		a.readCache.lba = lba
	}

	if offset+uint32(len(buf)) > bs {
		return IOErr()
	}

	copy(buf, a.readCache.buf[offset:offset+uint32(len(buf))])
	return Bytes(len(buf))
}

func (a *StorageApplication) Write10(lun uint8, lba uint64, offset uint32, buf []byte) IOResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.storage.IsReadOnly() {
		return IOErr()
	}

	if rl, ok := a.storage.(rateLimited); ok && !rl.Allow() {
		return Busy()
	}

	bs := a.storage.BlockSize()

	if !a.writeCache.valid || a.writeCache.lba != lba {
		if cap(a.writeCache.buf) < int(bs) {
			a.writeCache.buf = make([]byte, bs)
		}
		a.writeCache.buf = a.writeCache.buf[:bs]
		a.writeCache.valid = true
		a.writeCache.lba = lba
		a.writeCache.n = 0
	}

	if offset+uint32(len(buf)) > bs {
		return IOErr()
	}

	copy(a.writeCache.buf[offset:], buf)
	a.writeCache.n = int(offset) + len(buf)

	if uint32(a.writeCache.n) == bs {
		if _, err := a.storage.Write(lba, 1, a.writeCache.buf); err != nil {
			a.writeCache.valid = false
			return IOErr()
		}
		a.writeCache.valid = false
	}

	return Bytes(len(buf))
}
