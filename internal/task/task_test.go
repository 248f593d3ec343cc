package task

import (
	"os"
	"testing"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/stretchr/testify/require"

	"wicos64-server/internal/blockdev"
	"wicos64-server/internal/cache"
	"wicos64-server/internal/directory"
	"wicos64-server/internal/freemap"
	"wicos64-server/internal/inode"
)

func newTestRoot(t *testing.T) *directory.Handle {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "task-test-*.img")
	require.NoError(t, err)
	path := f.Name()
	require.NoError(t, f.Close())
	require.NoError(t, os.Remove(path))

	dev, err := blockdev.Create(path, 256)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })

	clock := &timeutil.SimulatedClock{}
	clock.SetTime(time.Unix(0, 0))
	c := cache.New(dev, clock)

	alloc, err := freemap.Format(dev)
	require.NoError(t, err)
	require.NoError(t, alloc.Reserve(directory.RootSector, 1))
	require.NoError(t, directory.Create(alloc, c, directory.RootSector, directory.DefaultSize))

	reg := inode.NewRegistry(dev, c, alloc)
	root, err := directory.OpenRoot(reg)
	require.NoError(t, err)
	return root
}

func TestNewTaskHasNilCWD(t *testing.T) {
	tk := New()
	defer tk.Close()
	require.Nil(t, tk.CWD())
}

func TestSetCWDClosesPrevious(t *testing.T) {
	root := newTestRoot(t)
	tk := New()
	defer tk.Close()

	tk.SetCWD(root)
	require.Equal(t, 1, root.Inode().OpenCount())

	second := directory.Reopen(root)
	tk.SetCWD(second)
	require.Equal(t, 1, second.Inode().OpenCount(), "replacing CWD must close the old handle")
}

func TestForkClonesCWDViaReopen(t *testing.T) {
	root := newTestRoot(t)
	parent := New()
	parent.SetCWD(root)
	defer parent.Close()

	child := parent.Fork()
	defer child.Close()

	require.NotNil(t, child.CWD())
	require.Equal(t, root.Inode().Sector(), child.CWD().Inode().Sector())
	require.Equal(t, 2, root.Inode().OpenCount())
	require.NotEqual(t, parent.ID, child.ID)
}

func TestCloseReleasesCWDReference(t *testing.T) {
	root := newTestRoot(t)
	tk := New()
	tk.SetCWD(root)
	require.Equal(t, 1, root.Inode().OpenCount())

	tk.Close()
	require.Nil(t, tk.CWD())
}
