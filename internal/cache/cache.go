// Package cache implements the fixed-size, write-back sector buffer cache
// from spec.md §4: a global lock guarding entry lookup/eviction, with each
// entry independently read-write-locked for its data.
package cache

import (
	"math"
	"sync"

	"github.com/jacobsa/timeutil"

	"wicos64-server/internal/blockdev"
)

// Size is the fixed number of cache entries (spec.md §3, "N = 64 in the
// reference").
const Size = 64

const notInUse = -1

// entry is one cached sector slot. lastAccessed uses math.MinInt64 as the
// not-in-use sentinel, mirroring the original's INT64_MIN.
type entry struct {
	sectorIdx    int64 // -1 (notInUse) when the slot holds no sector
	dirty        bool
	lastAccessed int64
	mu           sync.RWMutex
	data         [blockdev.SectorSize]byte
}

// Cache is a fixed-size write-back buffer cache over a blockdev.Device.
type Cache struct {
	dev   *blockdev.Device
	clock timeutil.Clock

	mu      sync.Mutex // global lock: guards lookup/eviction and the counters
	entries [Size]*entry
	hits    int64
	misses  int64
}

// New creates a buffer cache for dev. clock supplies the monotonic ticks
// used for LRU ordering; production callers pass timeutil.RealClock(),
// tests pass a timeutil.SimulatedClock to pin exact eviction order.
func New(dev *blockdev.Device, clock timeutil.Clock) *Cache {
	c := &Cache{dev: dev, clock: clock}
	for i := range c.entries {
		c.entries[i] = &entry{sectorIdx: notInUse, lastAccessed: math.MinInt64}
	}
	return c
}

// flushLocked writes e back to disk if dirty. Caller must hold c.mu.
func (c *Cache) flushLocked(e *entry) {
	if e.lastAccessed == math.MinInt64 {
		return
	}
	e.mu.Lock()
	if e.dirty {
		c.dev.WriteSector(uint32(e.sectorIdx), e.data[:])
		e.dirty = false
	}
	e.mu.Unlock()
}

// fetch finds or loads the entry for sector, evicting the LRU entry if
// necessary. loadData is false only when the caller is about to overwrite
// the sector wholesale and a read-before-write would be wasted disk I/O.
func (c *Cache) fetch(sector uint32, loadData bool) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	var lru *entry
	lruAccessed := int64(math.MaxInt64)
	var hit *entry
	for _, e := range c.entries {
		if e.sectorIdx == int64(sector) {
			hit = e
			break
		}
		if e.lastAccessed < lruAccessed {
			lruAccessed = e.lastAccessed
			lru = e
		}
	}

	var ret *entry
	if hit != nil {
		c.hits++
		ret = hit
	} else {
		c.misses++
		if lru == nil {
			panic("cache: no eviction candidate found")
		}
		c.flushLocked(lru)
		lru.sectorIdx = int64(sector)
		if loadData {
			lru.mu.Lock()
			c.dev.ReadSector(sector, lru.data[:])
			lru.mu.Unlock()
		}
		ret = lru
	}

	ret.lastAccessed = c.clock.Now().UnixNano()
	return ret
}

// Write copies src into sector at offset through the cache, marking the
// entry dirty. offset+len(src) must not exceed blockdev.SectorSize.
func (c *Cache) Write(sector uint32, offset int, src []byte) {
	if offset < 0 || offset+len(src) > blockdev.SectorSize {
		panic("cache: write out of sector bounds")
	}
	loadData := offset != 0 || len(src) != blockdev.SectorSize
	e := c.fetch(sector, loadData)
	e.mu.Lock()
	copy(e.data[offset:], src)
	e.dirty = true
	e.mu.Unlock()
}

// Read copies len(dst) bytes starting at offset within sector into dst,
// through the cache.
func (c *Cache) Read(sector uint32, offset int, dst []byte) {
	if offset < 0 || offset+len(dst) > blockdev.SectorSize {
		panic("cache: read out of sector bounds")
	}
	e := c.fetch(sector, true)
	e.mu.RLock()
	copy(dst, e.data[offset:offset+len(dst)])
	e.mu.RUnlock()
}

// Flush writes back every dirty entry without evicting anything.
func (c *Cache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		c.flushLocked(e)
	}
}

// Reset flushes every dirty entry and marks the whole cache cold, clearing
// the hit/miss counters. Used by tests that need a clean cache state.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		c.flushLocked(e)
		e.sectorIdx = notInUse
		e.dirty = false
		e.lastAccessed = math.MinInt64
	}
	c.hits = 0
	c.misses = 0
}

// Hits returns the number of cache hits since creation or the last Reset.
func (c *Cache) Hits() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits
}

// Misses returns the number of cache misses since creation or the last
// Reset.
func (c *Cache) Misses() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.misses
}
