// Package task models the slice of per-process state spec.md says the
// filesystem core actually depends on: a reference-counted current working
// directory handle (spec.md §1, "only the per-task current working
// directory handle is consumed by the core").
package task

import (
	"sync"

	"github.com/google/uuid"

	"wicos64-server/internal/directory"
)

// Task is one simulated cooperating task: an identity (for diagnostics
// only, never filesystem semantics) plus a CWD directory handle that can
// be swapped by Chdir and cloned by Fork.
type Task struct {
	ID uuid.UUID

	mu  sync.Mutex
	cwd *directory.Handle // nil means "use the root directory"
}

// New creates a task with no explicit CWD (root is implied).
func New() *Task {
	return &Task{ID: uuid.New()}
}

// CWD returns the task's current working directory handle, or nil if the
// task has never chdir'd (callers should treat nil as "root").
func (t *Task) CWD() *directory.Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cwd
}

// SetCWD replaces the task's CWD handle, closing the previous one if any.
// Ownership of newCWD transfers to the task.
func (t *Task) SetCWD(newCWD *directory.Handle) {
	t.mu.Lock()
	old := t.cwd
	t.cwd = newCWD
	t.mu.Unlock()
	if old != nil {
		old.Close()
	}
}

// Fork creates a child task that inherits a new reference to the same CWD
// inode, obtained via reopen rather than sharing the parent's handle
// (spec.md §5, "creating a child task clones the handle via reopen").
func (t *Task) Fork() *Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	child := &Task{ID: uuid.New()}
	if t.cwd != nil {
		child.cwd = directory.Reopen(t.cwd)
	}
	return child
}

// Close releases the task's CWD reference. Safe to call on a task with no
// CWD set.
func (t *Task) Close() {
	t.mu.Lock()
	cwd := t.cwd
	t.cwd = nil
	t.mu.Unlock()
	if cwd != nil {
		cwd.Close()
	}
}
