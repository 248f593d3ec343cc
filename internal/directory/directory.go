// Package directory implements the directory layer from spec.md §4.3: a
// directory is an inode whose byte content is an array of fixed-size
// entries, looked up by linear scan and grown by fixed steps.
package directory

import (
	"fmt"
	"strings"

	"wicos64-server/internal/cache"
	"wicos64-server/internal/freemap"
	"wicos64-server/internal/inode"
	"wicos64-server/internal/ondisk"
)

const (
	// NameMax is the longest name a single path component may have.
	NameMax = 14

	// entrySize is 4 (inode sector) + NameMax+1 (null-terminated name) +
	// 1 (in-use flag).
	entrySize = 4 + (NameMax + 1) + 1

	// DefaultSize is how many entries a freshly mkdir'd directory holds
	// before it needs to grow.
	DefaultSize = 16
	// ResizeStep is how many entries are added each time a directory
	// runs out of free slots.
	ResizeStep = 8

	// RootSector is the on-disk sector of the root directory's inode
	// (spec.md §6, "sector 1 = root directory inode").
	RootSector = 1

	dot    = "."
	dotdot = ".."
)

// entry is one fixed-size slot in a directory's backing inode.
type entry struct {
	inUse       bool
	inodeSector uint32
	name        string
}

func (e *entry) encode() []byte {
	enc := ondisk.NewEncoder(entrySize)
	enc.WriteU32(e.inodeSector)
	nameBytes := make([]byte, NameMax+1)
	copy(nameBytes, e.name)
	enc.WriteBytes(nameBytes)
	if e.inUse {
		enc.WriteU8(1)
	} else {
		enc.WriteU8(0)
	}
	return enc.Bytes()
}

func decodeEntry(buf []byte) (*entry, error) {
	d := ondisk.NewDecoder(buf)
	sector, err := d.ReadU32()
	if err != nil {
		return nil, err
	}
	nameBytes, err := d.ReadBytes(NameMax + 1)
	if err != nil {
		return nil, err
	}
	inUseByte, err := d.ReadU8()
	if err != nil {
		return nil, err
	}
	nul := len(nameBytes)
	for i, b := range nameBytes {
		if b == 0 {
			nul = i
			break
		}
	}
	return &entry{
		inUse:       inUseByte != 0,
		inodeSector: sector,
		name:        string(nameBytes[:nul]),
	}, nil
}

// LookupResult classifies what a path resolved to.
type LookupResult int

const (
	NotFound LookupResult = iota
	FoundFile
	FoundDir
)

// Handle is a directory handle: an owned inode handle plus an enumeration
// cursor (spec.md §3, "Directory handle").
type Handle struct {
	inode *inode.Inode
	pos   uint32
	reg   *inode.Registry
}

// Create formats a fresh directory inode with room for entryCount entries
// at sector (which the caller has already allocated).
func Create(alloc *freemap.Map, c *cache.Cache, sector uint32, entryCount uint32) error {
	return inode.Create(alloc, c, sector, entryCount*entrySize, true)
}

// Open wraps an already-open inode handle in a directory Handle, taking
// ownership of it (spec.md §3, "must open a new inode for each dir").
func Open(n *inode.Inode, reg *inode.Registry) *Handle {
	return &Handle{inode: n, reg: reg}
}

// OpenRoot opens the root directory.
func OpenRoot(reg *inode.Registry) (*Handle, error) {
	n, err := reg.Open(RootSector)
	if err != nil {
		return nil, fmt.Errorf("directory: open root: %w", err)
	}
	return Open(n, reg), nil
}

// Reopen duplicates h's underlying inode reference into a fresh Handle
// with its own cursor.
func Reopen(h *Handle) *Handle {
	return Open(h.inode.Reopen(), h.reg)
}

// Close releases the directory's inode reference.
func (h *Handle) Close() {
	h.inode.Close()
}

// Inode returns the inode this directory wraps.
func (h *Handle) Inode() *inode.Inode { return h.inode }

// IsRoot reports whether h is the root directory.
func (h *Handle) IsRoot() bool { return h.inode.Sector() == RootSector }

// Size returns the directory's entry capacity.
func (h *Handle) Size() uint32 {
	return h.inode.Length() / entrySize
}

// ActiveEntries returns the number of in-use entries, excluding "." and
// "..".
func (h *Handle) ActiveEntries() uint32 {
	var count uint32
	buf := make([]byte, entrySize)
	for ofs := uint32(0); h.inode.ReadAt(buf, ofs) == entrySize; ofs += entrySize {
		e, err := decodeEntry(buf)
		if err == nil && e.inUse && e.name != dot && e.name != dotdot {
			count++
		}
	}
	return count
}

// IsEmpty reports whether the directory has no entries besides "." and
// "..".
func (h *Handle) IsEmpty() bool { return h.ActiveEntries() == 0 }

// Resize grows the directory's entry capacity to entryCount.
func (h *Handle) Resize(entryCount uint32) error {
	return h.inode.Resize(entryCount * entrySize)
}

// Pos returns the current enumeration cursor.
func (h *Handle) Pos() uint32 { return h.pos }

// SetPos sets the enumeration cursor.
func (h *Handle) SetPos(pos uint32) { h.pos = pos }

// lookupEntry linearly scans h for an in-use entry named name.
func (h *Handle) lookupEntry(name string) (*entry, uint32, bool) {
	buf := make([]byte, entrySize)
	for ofs := uint32(0); h.inode.ReadAt(buf, ofs) == entrySize; ofs += entrySize {
		e, err := decodeEntry(buf)
		if err != nil {
			continue
		}
		if e.inUse && e.name == name {
			return e, ofs, true
		}
	}
	return nil, 0, false
}

// Add inserts a name -> inodeSector mapping. Fails if name is empty, too
// long, or already present.
func (h *Handle) Add(name string, inodeSector uint32) error {
	if name == "" || len(name) > NameMax {
		return fmt.Errorf("directory: invalid name %q", name)
	}
	if _, _, found := h.lookupEntry(name); found {
		return fmt.Errorf("directory: %q already exists", name)
	}

	ofs, foundSlot := uint32(0), false
	buf := make([]byte, entrySize)
	for o := uint32(0); h.inode.ReadAt(buf, o) == entrySize; o += entrySize {
		e, err := decodeEntry(buf)
		if err == nil && !e.inUse {
			ofs = o
			foundSlot = true
			break
		}
		ofs = o + entrySize
	}
	if !foundSlot {
		if err := h.Resize(h.Size() + ResizeStep); err != nil {
			return fmt.Errorf("directory: grow for %q: %w", name, err)
		}
	}

	e := &entry{inUse: true, inodeSector: inodeSector, name: name}
	enc := e.encode()
	if n := h.inode.WriteAt(enc, ofs); n != uint32(len(enc)) {
		return fmt.Errorf("directory: short write adding %q", name)
	}
	return nil
}

// Remove erases name's entry. If it names a directory, the directory must
// be empty, non-root, and have no other openers.
func (h *Handle) Remove(name string) error {
	e, ofs, found := h.lookupEntry(name)
	if !found {
		return fmt.Errorf("directory: %q not found", name)
	}

	// inode_open(e.inode_sector) in the original: exactly one reference,
	// owned by this call for its whole lifetime. The busy check below
	// depends on that being the only opener, so this reference must not
	// be duplicated (e.g. via Reopen) before the check runs.
	target, err := h.reg.Open(e.inodeSector)
	if err != nil {
		return fmt.Errorf("directory: open target of %q: %w", name, err)
	}
	defer target.Close()

	if target.IsDir() {
		if !dirIsEmpty(target) || target.Sector() == RootSector || target.OpenCount() != 1 {
			return fmt.Errorf("directory: %q is busy", name)
		}
	}

	cleared := &entry{inUse: false}
	if n := h.inode.WriteAt(cleared.encode(), ofs); n != entrySize {
		return fmt.Errorf("directory: short write removing %q", name)
	}
	target.Remove()
	return nil
}

// dirIsEmpty reports whether the directory inode n has no entries besides
// "." and "..", without going through a Handle (and so without taking an
// extra open reference on n).
func dirIsEmpty(n *inode.Inode) bool {
	buf := make([]byte, entrySize)
	for ofs := uint32(0); n.ReadAt(buf, ofs) == entrySize; ofs += entrySize {
		e, err := decodeEntry(buf)
		if err == nil && e.inUse && e.name != dot && e.name != dotdot {
			return false
		}
	}
	return true
}

// ReadNext advances the cursor and returns the next entry's name, skipping
// "." and "..". ok is false once the directory is exhausted.
func (h *Handle) ReadNext() (name string, ok bool) {
	name, pos, ok := ReadEntryAt(h.inode, h.pos)
	h.pos = pos
	return name, ok
}

// ReadEntryAt reads the next non-"."/".." entry from a directory inode n
// starting at byte offset pos, returning the name and the offset to
// resume scanning from. Used directly by internal/vfs's file-handle
// readdir, which stores its cursor outside of a directory.Handle.
func ReadEntryAt(n *inode.Inode, pos uint32) (name string, nextPos uint32, ok bool) {
	buf := make([]byte, entrySize)
	for n.ReadAt(buf, pos) == entrySize {
		pos += entrySize
		e, err := decodeEntry(buf)
		if err != nil {
			continue
		}
		if e.inUse && e.name != dot && e.name != dotdot {
			return e.name, pos, true
		}
	}
	return "", pos, false
}

// Lookup resolves path (which may have multiple components) starting from
// h, mirroring the original's next/next_is_dir traversal: it opens exactly
// one inode per path component and hands back exactly one owned handle.
func (h *Handle) Lookup(path string) (*inode.Inode, LookupResult) {
	currDir := Reopen(h)
	var next *inode.Inode
	nextIsDir := false

	var result *inode.Inode
	lr := NotFound

	rest := path
	for {
		part, tail, ok, tooLong := nextPathPart(rest)
		rest = tail
		if tooLong {
			break
		}
		if !ok {
			if next != nil {
				result = next.Reopen()
				if nextIsDir {
					lr = FoundDir
				} else {
					lr = FoundFile
				}
			}
			break
		}
		if next != nil && !nextIsDir {
			break
		}
		e, _, found := currDir.lookupEntry(part)
		if !found {
			break
		}
		if next != nil {
			next.Close()
		}
		opened, err := h.reg.Open(e.inodeSector)
		if err != nil {
			next = nil
			break
		}
		next = opened
		if next.IsDir() {
			nextIsDir = true
			dup := next.Reopen()
			currDir.Close()
			currDir = Open(dup, h.reg)
		} else {
			nextIsDir = false
		}
	}

	if next != nil {
		next.Close()
	}
	if currDir != nil {
		currDir.Close()
	}
	return result, lr
}

// Mkdir creates a new subdirectory named name inside parent, with "."
// and ".." wired up.
func Mkdir(reg *inode.Registry, alloc *freemap.Map, c *cache.Cache, parent *Handle, name string) error {
	sector, ok := alloc.Allocate(1)
	if !ok {
		return fmt.Errorf("directory: no space to create %q", name)
	}

	// Rollback below is sequential rather than deferred: once parent.Add
	// has succeeded, cleanup must go through parent.Remove (which frees
	// the sector via the inode layer's normal removed-on-close path)
	// instead of a bare alloc.Release, or the sector gets freed twice.
	if err := Create(alloc, c, sector, DefaultSize); err != nil {
		alloc.Release(sector, 1)
		return fmt.Errorf("directory: create %q: %w", name, err)
	}
	if err := parent.Add(name, sector); err != nil {
		alloc.Release(sector, 1)
		return err
	}

	newDirInode, err := reg.Open(sector)
	if err != nil {
		parent.Remove(name)
		return fmt.Errorf("directory: open new dir %q: %w", name, err)
	}
	newDir := Open(newDirInode, reg)

	if err := newDir.Add(dot, sector); err != nil {
		newDir.Close()
		parent.Remove(name)
		return fmt.Errorf("directory: add '.' to %q: %w", name, err)
	}
	if err := newDir.Add(dotdot, parent.Inode().Sector()); err != nil {
		newDir.Close()
		parent.Remove(name)
		return fmt.Errorf("directory: add '..' to %q: %w", name, err)
	}

	newDir.Close()
	return nil
}

// nextPathPart extracts the next '/'-delimited component from path, per
// spec.md §4.3's path tokenization. ok is false once path is exhausted;
// tooLong is true if the next component exceeds NameMax bytes.
func nextPathPart(path string) (part, rest string, ok bool, tooLong bool) {
	i := 0
	for i < len(path) && path[i] == '/' {
		i++
	}
	if i == len(path) {
		return "", "", false, false
	}
	start := i
	for i < len(path) && path[i] != '/' {
		i++
	}
	component := path[start:i]
	if len(component) > NameMax {
		return "", "", false, true
	}
	return component, path[i:], true, false
}

// splitParent scans path backwards for the last '/', per spec.md §4.3's
// parent_of: everything before it is the parent path, the tail is the
// local name. If there is no '/', hasParent is false and name is the
// whole (single-component) path.
func splitParent(path string) (parentPath string, name string, hasParent bool) {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return "", path, false
	}
	return path[:idx], path[idx+1:], true
}

// SplitParent is the exported form of splitParent, used by internal/vfs
// to resolve a path's parent directory and local name.
func SplitParent(path string) (parentPath string, name string, hasParent bool) {
	return splitParent(path)
}
