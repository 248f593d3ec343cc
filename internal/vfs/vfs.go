// Package vfs is the filesystem façade from spec.md §4.3/§4.4: path
// resolution (root-first, then per-task CWD), create/open/remove/mkdir,
// and the transient file-handle that readdir reads through.
package vfs

import (
	"fmt"
	"sync"

	"github.com/jacobsa/timeutil"

	"wicos64-server/internal/blockdev"
	"wicos64-server/internal/cache"
	"wicos64-server/internal/directory"
	"wicos64-server/internal/freemap"
	"wicos64-server/internal/inode"
	"wicos64-server/internal/pathutil"
	"wicos64-server/internal/task"
)

// Default path/name length limits, overridable via SetLimits; these match
// config.Default()'s MaxPath/MaxName.
const (
	defaultMaxPath = 255
	defaultMaxName = directory.NameMax
)

// Want filters a path-resolution result by the kind of thing the caller
// needs it to be.
type Want int

const (
	WantFile Want = iota
	WantDir
	WantAny
)

// FS is one mounted filesystem instance: a block device, its buffer
// cache, free-space allocator, and open-inode registry.
type FS struct {
	dev   *blockdev.Device
	cache *cache.Cache
	alloc *freemap.Map
	reg   *inode.Registry

	// structMu serializes directory-structure mutations (create, remove,
	// mkdir). The original's busy check races against a concurrent mkdir of
	// the same name (spec.md §9); holding this for the lookup+mutate span of
	// every structural operation closes that window instead of relying on
	// convention.
	structMu sync.Mutex

	maxPath uint16
	maxName uint16
}

// SetLimits overrides the path/name length limits every incoming path is
// validated against; callers typically wire this from config.Config's
// MaxPath/MaxName.
func (fs *FS) SetLimits(maxPath, maxName uint16) {
	fs.maxPath = maxPath
	fs.maxName = maxName
}

// normalize validates and normalizes path against fs's configured limits.
func (fs *FS) normalize(path string) (string, error) {
	return pathutil.Normalize(path, fs.maxPath, fs.maxName)
}

// Format lays down a fresh free-space bitmap and an empty root directory
// on dev, matching spec.md §6, "format() creates the bitmap and an empty
// root."
func Format(dev *blockdev.Device, clock timeutil.Clock) (*FS, error) {
	c := cache.New(dev, clock)
	fm, err := freemap.Format(dev)
	if err != nil {
		return nil, fmt.Errorf("vfs: format free map: %w", err)
	}
	if err := fm.Reserve(directory.RootSector, 1); err != nil {
		return nil, fmt.Errorf("vfs: reserve root sector: %w", err)
	}
	reg := inode.NewRegistry(dev, c, fm)
	if err := directory.Create(fm, c, directory.RootSector, directory.DefaultSize); err != nil {
		return nil, fmt.Errorf("vfs: create root directory: %w", err)
	}
	return &FS{dev: dev, cache: c, alloc: fm, reg: reg, maxPath: defaultMaxPath, maxName: defaultMaxName}, nil
}

// Open mounts an already-formatted device image.
func Open(dev *blockdev.Device, clock timeutil.Clock) (*FS, error) {
	c := cache.New(dev, clock)
	fm, err := freemap.Open(dev)
	if err != nil {
		return nil, fmt.Errorf("vfs: open free map: %w", err)
	}
	reg := inode.NewRegistry(dev, c, fm)
	return &FS{dev: dev, cache: c, alloc: fm, reg: reg, maxPath: defaultMaxPath, maxName: defaultMaxName}, nil
}

// Shutdown flushes the buffer cache and syncs the underlying device.
func (fs *FS) Shutdown() error {
	fs.cache.Flush()
	return fs.dev.Sync()
}

// CacheStats returns the buffer cache's cumulative hit/miss counts.
func (fs *FS) CacheStats() (hits, misses int64) {
	return fs.cache.Hits(), fs.cache.Misses()
}

// CacheReset flushes and cold-starts the buffer cache.
func (fs *FS) CacheReset() { fs.cache.Reset() }

// FreeSectors returns the number of sectors not currently allocated.
func (fs *FS) FreeSectors() uint32 { return fs.alloc.FreeSectors() }

// filterWant applies Want filtering to a resolved inode, closing and
// discarding it on a type mismatch (spec.md §4.3, "a mismatch yields
// not-found").
func filterWant(n *inode.Inode, isDir bool, want Want) (*inode.Inode, bool) {
	switch want {
	case WantFile:
		if isDir {
			n.Close()
			return nil, false
		}
	case WantDir:
		if !isDir {
			n.Close()
			return nil, false
		}
	}
	return n, true
}

// Search implements spec.md §4.3's filesystem_search: a lookup from the
// root, then (if that misses and the task has a CWD distinct from root) a
// lookup from the CWD, filtered by want.
func (fs *FS) Search(t *task.Task, path string, want Want) (*inode.Inode, bool) {
	path, err := fs.normalize(path)
	if err != nil {
		return nil, false
	}
	if path == "/" {
		n, err := fs.reg.Open(directory.RootSector)
		if err != nil {
			return nil, false
		}
		return filterWant(n, true, want)
	}

	root, err := directory.OpenRoot(fs.reg)
	if err != nil {
		return nil, false
	}
	result, lr := root.Lookup(path)
	root.Close()

	if lr == directory.NotFound && t != nil {
		if cwd := t.CWD(); cwd != nil && !cwd.IsRoot() {
			if r2, lr2 := cwd.Lookup(path); lr2 != directory.NotFound {
				result, lr = r2, lr2
			}
		}
	}

	if lr == directory.NotFound {
		return nil, false
	}
	return filterWant(result, lr == directory.FoundDir, want)
}

// ParentOf implements spec.md §4.3's parent_of: resolves path's parent
// directory and returns it alongside the trailing component name. The
// caller owns the returned handle and must Close it.
func (fs *FS) ParentOf(t *task.Task, path string) (*directory.Handle, string, error) {
	// hasParent must come from the raw path's own '/'s: spec.md §4.3's
	// parent_of scans the original path backwards for the last '/' and
	// falls back to the CWD when there is none. fs.normalize always
	// prepends a leading '/', so splitting the normalized path instead
	// would report hasParent unconditionally and a relative single-
	// component path (e.g. "inside.txt" with CWD=/sub) would resolve
	// against root rather than the CWD.
	_, _, hasParent := directory.SplitParent(path)

	path, err := fs.normalize(path)
	if err != nil {
		return nil, "", err
	}
	parentPath, name, _ := directory.SplitParent(path)
	if !hasParent {
		if t != nil {
			if cwd := t.CWD(); cwd != nil {
				return directory.Reopen(cwd), name, nil
			}
		}
		root, err := directory.OpenRoot(fs.reg)
		if err != nil {
			return nil, "", fmt.Errorf("vfs: open root: %w", err)
		}
		return root, name, nil
	}

	n, ok := fs.Search(t, parentPath, WantDir)
	if !ok {
		return nil, "", fmt.Errorf("vfs: parent directory %q not found", parentPath)
	}
	return directory.Open(n, fs.reg), name, nil
}

// Create resolves path's parent, allocates a fresh inode, and adds an
// entry for it. On any failure after the inode sector is allocated, the
// sector is released back to the allocator.
func (fs *FS) Create(t *task.Task, path string, size uint32) error {
	fs.structMu.Lock()
	defer fs.structMu.Unlock()

	parent, name, err := fs.ParentOf(t, path)
	if err != nil {
		return err
	}
	defer parent.Close()

	sector, ok := fs.alloc.Allocate(1)
	if !ok {
		return fmt.Errorf("vfs: no space to create %q", path)
	}
	success := false
	defer func() {
		if !success {
			fs.alloc.Release(sector, 1)
		}
	}()

	if err := inode.Create(fs.alloc, fs.cache, sector, size, false); err != nil {
		return fmt.Errorf("vfs: create inode for %q: %w", path, err)
	}
	if err := parent.Add(name, sector); err != nil {
		return err
	}
	success = true
	return nil
}

// Open resolves path to an inode of any type and returns an owned handle
// on it.
func (fs *FS) Open(t *task.Task, path string) (*inode.Inode, error) {
	n, ok := fs.Search(t, path, WantAny)
	if !ok {
		return nil, fmt.Errorf("vfs: %q not found", path)
	}
	return n, nil
}

// Remove deletes the entry named by path from its parent directory.
func (fs *FS) Remove(t *task.Task, path string) error {
	fs.structMu.Lock()
	defer fs.structMu.Unlock()

	parent, name, err := fs.ParentOf(t, path)
	if err != nil {
		return err
	}
	defer parent.Close()
	return parent.Remove(name)
}

// Mkdir creates a new directory at path.
func (fs *FS) Mkdir(t *task.Task, path string) error {
	fs.structMu.Lock()
	defer fs.structMu.Unlock()

	parent, name, err := fs.ParentOf(t, path)
	if err != nil {
		return err
	}
	defer parent.Close()
	return directory.Mkdir(fs.reg, fs.alloc, fs.cache, parent, name)
}

// Chdir resolves path as a directory and swaps it into t's CWD, closing
// the previous one.
func (fs *FS) Chdir(t *task.Task, path string) error {
	n, ok := fs.Search(t, path, WantDir)
	if !ok {
		return fmt.Errorf("vfs: %q is not a directory", path)
	}
	t.SetCWD(directory.Open(n, fs.reg))
	return nil
}

// Inumber returns n's on-disk sector number.
func (fs *FS) Inumber(n *inode.Inode) uint32 { return n.Sector() }

// FileHandle is a transient, position-tracking view over an open inode,
// shared by ordinary file I/O and directory enumeration (spec.md §4.4,
// "the file handle must wrap a directory inode").
type FileHandle struct {
	n   *inode.Inode
	pos uint32
}

// OpenFile wraps an already-resolved inode in a FileHandle, taking
// ownership of it.
func OpenFile(n *inode.Inode) *FileHandle { return &FileHandle{n: n} }

// Inode returns the handle's underlying inode.
func (fh *FileHandle) Inode() *inode.Inode { return fh.n }

// Read reads into dst starting at the handle's current position,
// advancing it by the number of bytes actually read.
func (fh *FileHandle) Read(dst []byte) uint32 {
	n := fh.n.ReadAt(dst, fh.pos)
	fh.pos += n
	return n
}

// Write writes src starting at the handle's current position, advancing
// it by the number of bytes actually written.
func (fh *FileHandle) Write(src []byte) uint32 {
	n := fh.n.WriteAt(src, fh.pos)
	fh.pos += n
	return n
}

// Seek repositions the handle.
func (fh *FileHandle) Seek(pos uint32) { fh.pos = pos }

// Tell returns the handle's current position.
func (fh *FileHandle) Tell() uint32 { return fh.pos }

// Readdir returns the next non-"."/".." entry name in the directory this
// handle wraps. Panics if the handle does not wrap a directory inode.
func (fh *FileHandle) Readdir() (name string, ok bool) {
	if !fh.n.IsDir() {
		panic("vfs: Readdir on a non-directory file handle")
	}
	name, next, ok := directory.ReadEntryAt(fh.n, fh.pos)
	fh.pos = next
	return name, ok
}

// Close releases the handle's inode reference.
func (fh *FileHandle) Close() { fh.n.Close() }
