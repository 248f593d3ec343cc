package vfs

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/stretchr/testify/require"

	"wicos64-server/internal/blockdev"
	"wicos64-server/internal/task"
)

func newTestFS(t *testing.T, sectors uint32) (*blockdev.Device, *FS) {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "vfs-test-*.img")
	require.NoError(t, err)
	path := f.Name()
	require.NoError(t, f.Close())
	require.NoError(t, os.Remove(path))

	dev, err := blockdev.Create(path, sectors)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })

	clock := &timeutil.SimulatedClock{}
	clock.SetTime(time.Unix(0, 0))
	fs, err := Format(dev, clock)
	require.NoError(t, err)
	return dev, fs
}

func TestCreateOpenWriteRead(t *testing.T) {
	_, fs := newTestFS(t, 512)
	tk := task.New()
	defer tk.Close()

	require.NoError(t, fs.Create(tk, "hello.txt", 0))

	n, err := fs.Open(tk, "hello.txt")
	require.NoError(t, err)
	fh := OpenFile(n)
	defer fh.Close()

	payload := []byte("hi there")
	require.EqualValues(t, len(payload), fh.Write(payload))

	fh.Seek(0)
	buf := make([]byte, len(payload))
	require.EqualValues(t, len(payload), fh.Read(buf))
	require.Equal(t, payload, buf)
}

func TestMkdirAndChdirScopesRelativeLookup(t *testing.T) {
	_, fs := newTestFS(t, 512)
	tk := task.New()
	defer tk.Close()

	require.NoError(t, fs.Mkdir(tk, "sub"))
	require.NoError(t, fs.Create(tk, "sub/inside.txt", 0))

	require.NoError(t, fs.Chdir(tk, "sub"))
	n, err := fs.Open(tk, "inside.txt")
	require.NoError(t, err)
	n.Close()

	tk2 := task.New()
	defer tk2.Close()
	_, err = fs.Open(tk2, "inside.txt")
	require.Error(t, err, "a task with no chdir must not see sub's relative names from root")
}

func TestRemoveFile(t *testing.T) {
	_, fs := newTestFS(t, 512)
	tk := task.New()
	defer tk.Close()

	require.NoError(t, fs.Create(tk, "gone.txt", 0))
	require.NoError(t, fs.Remove(tk, "gone.txt"))

	_, err := fs.Open(tk, "gone.txt")
	require.Error(t, err)
}

func TestReaddirListsCreatedFiles(t *testing.T) {
	_, fs := newTestFS(t, 512)
	tk := task.New()
	defer tk.Close()

	require.NoError(t, fs.Create(tk, "a.txt", 0))
	require.NoError(t, fs.Create(tk, "b.txt", 0))

	n, err := fs.Open(tk, "/")
	require.NoError(t, err)
	fh := OpenFile(n)
	defer fh.Close()

	seen := map[string]bool{}
	for {
		name, ok := fh.Readdir()
		if !ok {
			break
		}
		seen[name] = true
	}
	require.True(t, seen["a.txt"])
	require.True(t, seen["b.txt"])
}

// TestConcurrentReadersHitCache covers spec.md §8: two tasks reading the
// same small file repeatedly should only miss the cache on the sectors'
// first load.
func TestConcurrentReadersHitCache(t *testing.T) {
	_, fs := newTestFS(t, 512)
	root := task.New()
	defer root.Close()

	require.NoError(t, fs.Create(root, "shared.bin", 0))
	n, err := fs.Open(root, "shared.bin")
	require.NoError(t, err)
	fh := OpenFile(n)
	require.EqualValues(t, 4096, fh.Write(make([]byte, 4096)))
	fh.Close()
	fs.CacheReset()

	const readers = 2
	const iterations = 4
	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		t1 := root.Fork()
		wg.Add(1)
		go func(tk *task.Task) {
			defer wg.Done()
			defer tk.Close()
			n, err := fs.Open(tk, "shared.bin")
			require.NoError(t, err)
			fh := OpenFile(n)
			defer fh.Close()
			buf := make([]byte, 4096)
			for j := 0; j < iterations; j++ {
				fh.Seek(0)
				fh.Read(buf)
			}
		}(t1)
	}
	wg.Wait()

	_, misses := fs.CacheStats()
	const totalReads = readers * iterations * 8 // 8 sectors per 4096-byte read
	require.Less(t, misses, int64(totalReads), "repeated reads of the same sectors should mostly hit, not miss every time")
}

func TestFreeSectorsAccountForCreateAndRemove(t *testing.T) {
	_, fs := newTestFS(t, 512)
	tk := task.New()
	defer tk.Close()

	before := fs.FreeSectors()
	require.NoError(t, fs.Create(tk, "f.txt", 512))
	require.Less(t, fs.FreeSectors(), before)

	require.NoError(t, fs.Remove(tk, "f.txt"))
	require.Equal(t, before, fs.FreeSectors())
}

func TestShutdownAndReopenPersistsData(t *testing.T) {
	dev, fs := newTestFS(t, 512)
	tk := task.New()
	require.NoError(t, fs.Create(tk, "persisted.txt", 0))
	n, err := fs.Open(tk, "persisted.txt")
	require.NoError(t, err)
	fh := OpenFile(n)
	require.EqualValues(t, 5, fh.Write([]byte("world")))
	fh.Close()
	tk.Close()
	require.NoError(t, fs.Shutdown())

	clock := &timeutil.SimulatedClock{}
	clock.SetTime(time.Unix(0, 0))
	reopened, err := Open(dev, clock)
	require.NoError(t, err)

	tk2 := task.New()
	defer tk2.Close()
	n2, err := reopened.Open(tk2, "persisted.txt")
	require.NoError(t, err)
	fh2 := OpenFile(n2)
	defer fh2.Close()
	buf := make([]byte, 5)
	require.EqualValues(t, 5, fh2.Read(buf))
	require.Equal(t, "world", string(buf))
}
