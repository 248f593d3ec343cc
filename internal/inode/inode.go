// Package inode implements the on-disk inode layer from spec.md §4.2: one
// sector per inode, direct and two-level doubly-indirect block pointers,
// on-demand grow-only resize, and an open-inode dedup registry shared by
// every opener of the same sector.
package inode

import (
	"fmt"
	"sync"

	"wicos64-server/internal/blockdev"
	"wicos64-server/internal/cache"
	"wicos64-server/internal/freemap"
	"wicos64-server/internal/ondisk"
)

const (
	// IndirectEntries is S/4: how many 4-byte sector indices fit in one
	// sector (spec.md §3, "L1 indirect block").
	IndirectEntries = blockdev.SectorSize / 4

	// L2Count is I2, the number of doubly-indirect block pointers carried
	// directly in the inode (spec.md §3, "I2 = 32 in the reference").
	L2Count = 32

	// DirectCount is D, chosen so the on-disk inode exactly fills one
	// sector: 1 (is-dir) + 4 (size) + L2Count*4 + DirectCount*4 + 4 (magic)
	// + padding = blockdev.SectorSize.
	DirectCount = (blockdev.SectorSize - L2Count*4 - 1 - 4 - 4) / 4

	// Magic identifies a formatted inode sector ("INOD" read as a big
	// endian u32; it is stored little endian, so the on-disk bytes read
	// "DONI").
	Magic = 0x494E4F44

	fixedHeaderSize = 1 + 4 + L2Count*4 + DirectCount*4 + 4
	paddingSize     = blockdev.SectorSize - fixedHeaderSize

	// L1Capacity is how many bytes one L1 block maps (128 * S).
	L1Capacity = IndirectEntries * blockdev.SectorSize
	// L2Capacity is how many bytes one L2 block maps (128 * 128 * S).
	L2Capacity = IndirectEntries * L1Capacity
	// DirectCapacity is how many bytes the direct block array maps.
	DirectCapacity = DirectCount * blockdev.SectorSize

	// MaxFileSize is the largest byte size the block map can address
	// (spec.md §3, "Maximum file size: D*S + I2*128*128*S bytes").
	MaxFileSize = DirectCapacity + L2Count*L2Capacity

	noSector = 0xFFFFFFFF
)

// blockData is the in-memory mirror of the on-disk inode's block map and
// size, kept separate from bookkeeping fields so it can be built fresh
// during Create before any handle exists for it.
type blockData struct {
	isDir  bool
	size   uint32
	l2     [L2Count]uint32
	direct [DirectCount]uint32
}

func (bd *blockData) encode() []byte {
	e := ondisk.NewEncoder(blockdev.SectorSize)
	if bd.isDir {
		e.WriteU8(1)
	} else {
		e.WriteU8(0)
	}
	e.WriteU32(bd.size)
	for _, s := range bd.l2 {
		e.WriteU32(s)
	}
	for _, s := range bd.direct {
		e.WriteU32(s)
	}
	e.WriteU32(Magic)
	e.WriteBytes(make([]byte, paddingSize))
	return e.Bytes()
}

func decodeBlockData(buf []byte) (*blockData, error) {
	d := ondisk.NewDecoder(buf)
	isDirByte, err := d.ReadU8()
	if err != nil {
		return nil, err
	}
	size, err := d.ReadU32()
	if err != nil {
		return nil, err
	}
	bd := &blockData{isDir: isDirByte != 0, size: size}
	for i := range bd.l2 {
		v, err := d.ReadU32()
		if err != nil {
			return nil, err
		}
		bd.l2[i] = v
	}
	for i := range bd.direct {
		v, err := d.ReadU32()
		if err != nil {
			return nil, err
		}
		bd.direct[i] = v
	}
	magic, err := d.ReadU32()
	if err != nil {
		return nil, err
	}
	if magic != Magic {
		return nil, fmt.Errorf("inode: bad magic %#x", magic)
	}
	return bd, nil
}

// Inode is an in-memory handle on an on-disk inode. Every opener of the
// same sector shares the same *Inode, obtained through a Registry.
type Inode struct {
	sector uint32

	cache *cache.Cache
	alloc *freemap.Map
	reg   *Registry

	mu        sync.Mutex // guards openCount, removed
	openCount int
	removed   bool

	denyWriteMu    sync.RWMutex
	denyWriteCount int

	sizeMu sync.RWMutex
	data   blockData
}

// Sector returns the inode's on-disk sector number ("inumber").
func (n *Inode) Sector() uint32 { return n.sector }

// IsDir reports whether this inode represents a directory.
func (n *Inode) IsDir() bool {
	n.sizeMu.RLock()
	defer n.sizeMu.RUnlock()
	return n.data.isDir
}

// Length returns the logical byte size of the inode's data.
func (n *Inode) Length() uint32 {
	n.sizeMu.RLock()
	defer n.sizeMu.RUnlock()
	return n.data.size
}

// OpenCount returns the number of live openers of this handle.
func (n *Inode) OpenCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.openCount
}

// Registry deduplicates in-memory inode handles by sector, so that every
// concurrent opener of the same file shares one handle and one view of its
// block map (spec.md §3, "at most one in-memory handle per on-disk
// sector").
type Registry struct {
	dev   *blockdev.Device
	cache *cache.Cache
	alloc *freemap.Map

	mu   sync.Mutex
	open map[uint32]*Inode
}

// NewRegistry creates the open-inode registry for one filesystem instance.
func NewRegistry(dev *blockdev.Device, c *cache.Cache, alloc *freemap.Map) *Registry {
	return &Registry{dev: dev, cache: c, alloc: alloc, open: make(map[uint32]*Inode)}
}

// writeBlockData writes bd's on-disk encoding into sector through the
// cache.
func (r *Registry) writeBlockData(sector uint32, bd *blockData) {
	r.cache.Write(sector, 0, bd.encode())
}

// Create formats a new on-disk inode at sector with length bytes of
// (zeroed) content, allocating whatever direct/indirect blocks that
// requires. The sector itself must already be allocated by the caller;
// Create only allocates the data/indirect blocks the content needs.
func Create(alloc *freemap.Map, c *cache.Cache, sector uint32, length uint32, isDir bool) error {
	bd := &blockData{isDir: isDir}
	if err := resize(bd, length, c, alloc); err != nil {
		return err
	}
	c.Write(sector, 0, bd.encode())
	return nil
}

// Open returns the shared handle for sector, reading it from disk (through
// the cache) the first time it is opened.
func (r *Registry) Open(sector uint32) (*Inode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.open[sector]; ok {
		existing.reopenLocked()
		return existing, nil
	}

	buf := make([]byte, blockdev.SectorSize)
	r.cache.Read(sector, 0, buf)
	bd, err := decodeBlockData(buf)
	if err != nil {
		return nil, fmt.Errorf("inode: open sector %d: %w", sector, err)
	}

	n := &Inode{
		sector:    sector,
		cache:     r.cache,
		alloc:     r.alloc,
		reg:       r,
		openCount: 1,
		data:      *bd,
	}
	r.open[sector] = n
	return n, nil
}

// reopenLocked bumps the open count. Caller must hold the registry's lock
// when called from Open; Reopen below takes it only for its own metadata
// lock since the registry membership does not change.
func (n *Inode) reopenLocked() {
	n.mu.Lock()
	n.openCount++
	n.mu.Unlock()
}

// Reopen increments the handle's open count and returns it, for a second
// caller that already holds a reference to the same *Inode (e.g. a
// directory handle duplicating its CWD reference).
func (n *Inode) Reopen() *Inode {
	n.mu.Lock()
	n.openCount++
	n.mu.Unlock()
	return n
}

// Remove marks the inode for deletion once its last opener closes it. It
// does not itself free any blocks.
func (n *Inode) Remove() {
	n.mu.Lock()
	n.removed = true
	n.mu.Unlock()
}

// Removed reports whether Remove has been called on this handle.
func (n *Inode) Removed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.removed
}

// Close decrements the open count. If it reaches zero, the handle is
// dropped from the registry and, if it was removed, every block it owns
// (data, L1, L2, and the inode sector itself) is released to the
// allocator.
func (n *Inode) Close() {
	n.mu.Lock()
	n.openCount--
	openCount := n.openCount
	removed := n.removed
	n.mu.Unlock()

	if openCount > 0 {
		return
	}

	n.reg.mu.Lock()
	delete(n.reg.open, n.sector)
	n.reg.mu.Unlock()

	if !removed {
		return
	}

	n.sizeMu.RLock()
	bd := n.data
	n.sizeMu.RUnlock()
	freeAllBlocks(&bd, n.cache, n.alloc)
	n.alloc.Release(n.sector, 1)
}

// freeAllBlocks releases every direct, L1, L2, and (indirectly addressed)
// data block backing bd's current size, mirroring the original's
// direct-then-L1-then-L2 free order.
func freeAllBlocks(bd *blockData, c *cache.Cache, alloc *freemap.Map) {
	numSectors := bytesToSectors(bd.size)
	i := uint32(0)

	for i < numSectors && i < DirectCount {
		alloc.Release(bd.direct[i], 1)
		i++
	}
	if i == numSectors {
		return
	}

	l2Idx, l1Idx := 0, 0
	buf := make([]byte, 4)
	for i < numSectors {
		l2Sector := bd.l2[l2Idx]
		for l1Idx < IndirectEntries && i < numSectors {
			c.Read(l2Sector, l1Idx*4, buf)
			l1Sector := leU32(buf)

			for dataIdx := 0; dataIdx < IndirectEntries && i < numSectors; dataIdx++ {
				c.Read(l1Sector, dataIdx*4, buf)
				alloc.Release(leU32(buf), 1)
				i++
			}
			alloc.Release(l1Sector, 1)
			l1Idx++
		}
		alloc.Release(l2Sector, 1)
		l1Idx = 0
		l2Idx++
	}
}

// ReadAt reads len(dst) bytes starting at offset, returning the number of
// bytes actually copied. Reads never cross end-of-file: if the range
// extends past it, nothing is read and 0 is returned.
func (n *Inode) ReadAt(dst []byte, offset uint32) uint32 {
	n.sizeMu.RLock()
	defer n.sizeMu.RUnlock()

	size := n.data.size
	if uint64(offset)+uint64(len(dst)) > uint64(size) {
		return 0
	}

	var read uint32
	remaining := uint32(len(dst))
	for remaining > 0 {
		sector, ok := n.byteToSector(offset)
		if !ok {
			break
		}
		sectorOfs := offset % blockdev.SectorSize
		inodeLeft := size - offset
		sectorLeft := uint32(blockdev.SectorSize) - sectorOfs
		chunk := min3(remaining, inodeLeft, sectorLeft)
		if chunk == 0 {
			break
		}
		n.cache.Read(sector, int(sectorOfs), dst[read:read+chunk])
		remaining -= chunk
		offset += chunk
		read += chunk
	}
	return read
}

// WriteAt writes len(src) bytes starting at offset, growing the inode
// first if the write extends past the current size. Returns the number of
// bytes actually written (0 if growth or allocation failed, or if the
// handle currently has writes denied).
func (n *Inode) WriteAt(src []byte, offset uint32) uint32 {
	required := offset + uint32(len(src))

	n.sizeMu.Lock()
	if required > n.data.size {
		if err := resize(&n.data, required, n.cache, n.alloc); err != nil {
			n.sizeMu.Unlock()
			return 0
		}
		n.reg.writeBlockData(n.sector, &n.data)
	}
	n.sizeMu.Unlock()

	n.denyWriteMu.RLock()
	defer n.denyWriteMu.RUnlock()
	if n.denyWriteCount > 0 {
		return 0
	}

	n.sizeMu.RLock()
	defer n.sizeMu.RUnlock()

	var written uint32
	remaining := uint32(len(src))
	offs := offset
	for remaining > 0 {
		sector, ok := n.byteToSector(offs)
		if !ok {
			break
		}
		sectorOfs := offs % blockdev.SectorSize
		inodeLeft := n.data.size - offs
		sectorLeft := uint32(blockdev.SectorSize) - sectorOfs
		chunk := min3(remaining, inodeLeft, sectorLeft)
		if chunk == 0 {
			break
		}
		n.cache.Write(sector, int(sectorOfs), src[written:written+chunk])
		remaining -= chunk
		offs += chunk
		written += chunk
	}
	return written
}

// Resize grows the inode to newSize bytes without performing a write,
// analogous to ftruncate-to-larger. newSize must be >= the current size.
func (n *Inode) Resize(newSize uint32) error {
	n.sizeMu.Lock()
	defer n.sizeMu.Unlock()
	if err := resize(&n.data, newSize, n.cache, n.alloc); err != nil {
		return err
	}
	n.reg.writeBlockData(n.sector, &n.data)
	return nil
}

// DenyWrite disables writes to this inode; may be called at most once per
// opener.
func (n *Inode) DenyWrite() {
	n.denyWriteMu.Lock()
	n.denyWriteCount++
	n.denyWriteMu.Unlock()
}

// AllowWrite re-enables writes previously denied by this opener.
func (n *Inode) AllowWrite() {
	n.denyWriteMu.Lock()
	if n.denyWriteCount == 0 {
		n.denyWriteMu.Unlock()
		panic("inode: AllowWrite without matching DenyWrite")
	}
	n.denyWriteCount--
	n.denyWriteMu.Unlock()
}

// byteToSector maps a byte offset to its backing sector, per spec.md §4.2.
func (n *Inode) byteToSector(pos uint32) (uint32, bool) {
	if pos >= n.data.size {
		return 0, false
	}
	if pos < DirectCapacity {
		return n.data.direct[pos/blockdev.SectorSize], true
	}
	q := pos - DirectCapacity
	l2Idx := q / L2Capacity
	l1Idx := (q % L2Capacity) / L1Capacity
	dataIdx := (q % L1Capacity) / blockdev.SectorSize

	l2Sector := n.data.l2[l2Idx]
	buf := make([]byte, 4)
	n.cache.Read(l2Sector, int(l1Idx)*4, buf)
	l1Sector := leU32(buf)
	n.cache.Read(l1Sector, int(dataIdx)*4, buf)
	return leU32(buf), true
}

func bytesToSectors(size uint32) uint32 {
	return (size + blockdev.SectorSize - 1) / blockdev.SectorSize
}

func min3(a, b, c uint32) uint32 {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}

func leU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putLeU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// newDataSector is one freshly allocated data-level sector awaiting its
// index entry to be wired into the direct array or an L1 block.
type newDataSector struct {
	sector     uint32
	multiLevel bool
	directIdx  uint32 // valid when !multiLevel
	l2Idx      uint32 // valid when multiLevel
	l1Idx      uint32
	dataIdx    uint32
}

// resize grows bd to newSize bytes, allocating whatever direct/L1/L2
// blocks are newly needed. On any allocation failure every sector
// allocated during this call (data sectors and any freshly allocated
// L1/L2 index blocks) is rolled back and bd.size is left unchanged
// (spec.md §4.2, "Failure atomicity"); direct/l2 slots past the old size
// may already have been overwritten by then.
func resize(bd *blockData, newSize uint32, c *cache.Cache, alloc *freemap.Map) error {
	if bd.size > newSize {
		panic("inode: resize only supports growth")
	}
	if bd.size == newSize {
		return nil
	}
	if newSize > MaxFileSize {
		return fmt.Errorf("inode: size %d exceeds max file size %d", newSize, MaxFileSize)
	}

	oldSectors := bytesToSectors(bd.size)
	newSectors := bytesToSectors(newSize)
	if oldSectors == newSectors {
		bd.size = newSize
		return nil
	}

	var allocatedSectors []uint32 // every sector allocated this call, for rollback
	rollback := func() {
		for _, s := range allocatedSectors {
			alloc.Release(s, 1)
		}
	}

	zero := make([]byte, blockdev.SectorSize)
	newDataSectors := make([]newDataSector, 0, newSectors-oldSectors)
	for i := oldSectors; i < newSectors; i++ {
		sector, ok := alloc.Allocate(1)
		if !ok {
			rollback()
			return fmt.Errorf("inode: out of disk space growing to %d bytes", newSize)
		}
		allocatedSectors = append(allocatedSectors, sector)
		c.Write(sector, 0, zero)

		s := newDataSector{sector: sector}
		if i < DirectCount {
			s.directIdx = i
		} else {
			s.multiLevel = true
			j := i - DirectCount
			s.l2Idx = j / (IndirectEntries * IndirectEntries)
			s.l1Idx = (j % (IndirectEntries * IndirectEntries)) / IndirectEntries
			s.dataIdx = j % IndirectEntries
		}
		newDataSectors = append(newDataSectors, s)
	}

	buf4 := make([]byte, 4)
	for _, s := range newDataSectors {
		if !s.multiLevel {
			bd.direct[s.directIdx] = s.sector
			continue
		}
		if s.l1Idx == 0 && s.dataIdx == 0 {
			l2Sector, ok := alloc.Allocate(1)
			if !ok {
				rollback()
				return fmt.Errorf("inode: out of disk space allocating L2 block")
			}
			allocatedSectors = append(allocatedSectors, l2Sector)
			c.Write(l2Sector, 0, zero)
			bd.l2[s.l2Idx] = l2Sector
		}
		if s.dataIdx == 0 {
			l1Sector, ok := alloc.Allocate(1)
			if !ok {
				rollback()
				return fmt.Errorf("inode: out of disk space allocating L1 block")
			}
			allocatedSectors = append(allocatedSectors, l1Sector)
			c.Write(l1Sector, 0, zero)
			putLeU32(buf4, l1Sector)
			c.Write(bd.l2[s.l2Idx], int(s.l1Idx)*4, buf4)
		}
		readBuf := make([]byte, 4)
		c.Read(bd.l2[s.l2Idx], int(s.l1Idx)*4, readBuf)
		l1Sector := leU32(readBuf)
		putLeU32(buf4, s.sector)
		c.Write(l1Sector, int(s.dataIdx)*4, buf4)
	}

	bd.size = newSize
	return nil
}
