// Package blockdev implements the external "block device" collaborator:
// a synchronous, fixed-sector-size read/write surface over a single
// on-disk image file.
//
// The filesystem core (internal/cache, internal/inode, internal/directory)
// treats I/O through this package as infallible at the call site: a real
// device failure is a panic, matching the original's ASSERT-and-PANIC
// discipline for "this should never happen" conditions (spec.md §7).
package blockdev

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
)

// SectorSize is the fixed unit of I/O, matching spec.md §3 ("S = 512 in
// the reference").
const SectorSize = 512

// Device is a fixed-size-sector block store backed by a single file.
// Sector indices are dense starting at 0.
type Device struct {
	f       *os.File
	sectors uint32

	// reads/writes count completed sector operations; exposed to
	// internal/metrics as the "block-device read/write counters" spec.md
	// §6 calls for.
	reads  atomic.Uint64
	writes atomic.Uint64

	mu     sync.Mutex // serializes ReadAt/WriteAt against concurrent Sync/Close
	closed bool
}

// Create formats a brand-new device image of the given sector count,
// zero-filling every sector, and returns it opened.
func Create(path string, sectors uint32) (*Device, error) {
	if sectors == 0 {
		return nil, fmt.Errorf("blockdev: sectors must be > 0")
	}
	buf := make([]byte, int64(sectors)*SectorSize)
	if err := writeFileAtomic(path, buf, 0o644); err != nil {
		return nil, fmt.Errorf("blockdev: create %s: %w", path, err)
	}
	return Open(path)
}

// Open opens an existing device image file. The file's size must be an
// exact multiple of SectorSize.
func Open(path string) (*Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("blockdev: open %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size()%SectorSize != 0 {
		f.Close()
		return nil, fmt.Errorf("blockdev: %s size %d is not a multiple of sector size %d", path, fi.Size(), SectorSize)
	}
	return &Device{f: f, sectors: uint32(fi.Size() / SectorSize)}, nil
}

// NumSectors returns the total number of sectors in the device.
func (d *Device) NumSectors() uint32 { return d.sectors }

// ReadSector reads exactly SectorSize bytes from sector idx into dst.
// dst must be at least SectorSize bytes long.
func (d *Device) ReadSector(idx uint32, dst []byte) {
	if len(dst) < SectorSize {
		panic("blockdev: ReadSector: dst shorter than sector size")
	}
	d.checkBounds(idx)
	d.mu.Lock()
	_, err := d.f.ReadAt(dst[:SectorSize], int64(idx)*SectorSize)
	d.mu.Unlock()
	if err != nil {
		panic(fmt.Sprintf("blockdev: read sector %d: %v", idx, err))
	}
	d.reads.Add(1)
}

// WriteSector writes exactly SectorSize bytes from src to sector idx.
func (d *Device) WriteSector(idx uint32, src []byte) {
	if len(src) < SectorSize {
		panic("blockdev: WriteSector: src shorter than sector size")
	}
	d.checkBounds(idx)
	d.mu.Lock()
	_, err := d.f.WriteAt(src[:SectorSize], int64(idx)*SectorSize)
	d.mu.Unlock()
	if err != nil {
		panic(fmt.Sprintf("blockdev: write sector %d: %v", idx, err))
	}
	d.writes.Add(1)
}

func (d *Device) checkBounds(idx uint32) {
	if idx >= d.sectors {
		panic(fmt.Sprintf("blockdev: sector %d out of range (device has %d)", idx, d.sectors))
	}
}

// Reads returns the number of completed ReadSector calls.
func (d *Device) Reads() uint64 { return d.reads.Load() }

// Writes returns the number of completed WriteSector calls.
func (d *Device) Writes() uint64 { return d.writes.Load() }

// Sync flushes the underlying file to stable storage.
func (d *Device) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Sync()
}

// Close releases the underlying file handle.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.f.Close()
}
