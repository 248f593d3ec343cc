// Package freemap implements the external free-space allocator
// collaborator from spec.md §6: allocate(n)/release(first,n) over a
// sector bitmap persisted starting at sector 0 ("FREE_MAP").
//
// The allocator is deliberately out of the filesystem core (spec.md §1):
// it does not go through the buffer cache, and it is internally
// synchronized (spec.md §5, "The free-space allocator is assumed
// internally synchronized").
package freemap

import (
	"fmt"
	"sync"

	"wicos64-server/internal/blockdev"
)

const bitsPerSector = blockdev.SectorSize * 8

// Map is a sector bitmap allocator. Bit i set means sector i is in use.
type Map struct {
	dev *blockdev.Device

	mu            sync.Mutex
	bits          []byte // len = bitmapSectors * SectorSize
	numSectors    uint32
	bitmapSectors uint32
}

// bitmapSectorsFor returns how many sectors are needed to store a bitmap
// covering numSectors bits.
func bitmapSectorsFor(numSectors uint32) uint32 {
	return (numSectors + bitsPerSector - 1) / bitsPerSector
}

// Format creates a fresh, empty bitmap for dev and reserves the bitmap's
// own sectors so they are never handed out. It does not reserve the root
// directory sector; the caller (internal/vfs) does that explicitly via
// Allocate/reserve semantics during format.
func Format(dev *blockdev.Device) (*Map, error) {
	n := dev.NumSectors()
	bmSectors := bitmapSectorsFor(n)
	if bmSectors == 0 {
		return nil, fmt.Errorf("freemap: device too small")
	}
	m := &Map{
		dev:           dev,
		bits:          make([]byte, bmSectors*blockdev.SectorSize),
		numSectors:    n,
		bitmapSectors: bmSectors,
	}
	for i := uint32(0); i < bmSectors; i++ {
		m.setBit(i, true)
	}
	if err := m.persistLocked(); err != nil {
		return nil, err
	}
	return m, nil
}

// Open reads an existing bitmap back from dev (sectors [0, bitmapSectors)).
func Open(dev *blockdev.Device) (*Map, error) {
	n := dev.NumSectors()
	bmSectors := bitmapSectorsFor(n)
	m := &Map{
		dev:           dev,
		bits:          make([]byte, bmSectors*blockdev.SectorSize),
		numSectors:    n,
		bitmapSectors: bmSectors,
	}
	buf := make([]byte, blockdev.SectorSize)
	for i := uint32(0); i < bmSectors; i++ {
		dev.ReadSector(i, buf)
		copy(m.bits[i*blockdev.SectorSize:], buf)
	}
	return m, nil
}

func (m *Map) bit(i uint32) bool {
	return m.bits[i/8]&(1<<(i%8)) != 0
}

func (m *Map) setBit(i uint32, v bool) {
	byteIdx := i / 8
	mask := byte(1 << (i % 8))
	if v {
		m.bits[byteIdx] |= mask
	} else {
		m.bits[byteIdx] &^= mask
	}
}

// persistLocked writes the full bitmap back to sectors [0, bitmapSectors).
// Caller must hold m.mu.
func (m *Map) persistLocked() error {
	for i := uint32(0); i < m.bitmapSectors; i++ {
		m.dev.WriteSector(i, m.bits[i*blockdev.SectorSize:(i+1)*blockdev.SectorSize])
	}
	return nil
}

// Allocate finds count contiguous free sectors, marks them in-use, persists
// the bitmap, and returns the first sector index. Returns ok=false if no
// sufficiently large contiguous run exists.
func (m *Map) Allocate(count uint32) (first uint32, ok bool) {
	if count == 0 {
		return 0, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	run := uint32(0)
	runStart := uint32(0)
	for i := uint32(0); i < m.numSectors; i++ {
		if !m.bit(i) {
			if run == 0 {
				runStart = i
			}
			run++
			if run == count {
				for j := runStart; j < runStart+count; j++ {
					m.setBit(j, true)
				}
				if err := m.persistLocked(); err != nil {
					for j := runStart; j < runStart+count; j++ {
						m.setBit(j, false)
					}
					return 0, false
				}
				return runStart, true
			}
		} else {
			run = 0
		}
	}
	return 0, false
}

// Reserve marks a specific sector range as in-use unconditionally. The
// vfs format path uses it to claim the root directory sector; Format
// itself marks the bitmap's own sectors directly.
func (m *Map) Reserve(first, count uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for j := first; j < first+count; j++ {
		m.setBit(j, true)
	}
	return m.persistLocked()
}

// Release returns count sectors starting at first to the free pool.
func (m *Map) Release(first, count uint32) {
	if count == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for j := first; j < first+count; j++ {
		m.setBit(j, false)
	}
	_ = m.persistLocked()
}

// FreeSectors returns the number of sectors currently unallocated.
// Used by tests to assert the round-trip/idempotence laws in spec.md §8.
func (m *Map) FreeSectors() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	free := uint32(0)
	for i := uint32(0); i < m.numSectors; i++ {
		if !m.bit(i) {
			free++
		}
	}
	return free
}

// BitmapSectors returns how many sectors the bitmap itself occupies
// (sectors [0, BitmapSectors) on the device).
func (m *Map) BitmapSectors() uint32 { return m.bitmapSectors }
