package inode

import (
	"os"
	"testing"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/stretchr/testify/require"

	"wicos64-server/internal/blockdev"
	"wicos64-server/internal/cache"
	"wicos64-server/internal/freemap"
)

type testFixture struct {
	dev   *blockdev.Device
	c     *cache.Cache
	alloc *freemap.Map
	reg   *Registry
}

func newFixture(t *testing.T, sectors uint32) *testFixture {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "inode-test-*.img")
	require.NoError(t, err)
	path := f.Name()
	require.NoError(t, f.Close())
	require.NoError(t, os.Remove(path))

	dev, err := blockdev.Create(path, sectors)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })

	clock := &timeutil.SimulatedClock{}
	clock.SetTime(time.Unix(0, 0))
	c := cache.New(dev, clock)

	alloc, err := freemap.Format(dev)
	require.NoError(t, err)

	reg := NewRegistry(dev, c, alloc)
	return &testFixture{dev: dev, c: c, alloc: alloc, reg: reg}
}

func (tf *testFixture) createFile(t *testing.T, sector, length uint32) {
	t.Helper()
	require.NoError(t, tf.alloc.Reserve(sector, 1))
	require.NoError(t, Create(tf.alloc, tf.c, sector, length, false))
}

func TestCreateAndReadZeroFilled(t *testing.T) {
	tf := newFixture(t, 256)
	tf.createFile(t, 10, 512)

	n, err := tf.reg.Open(10)
	require.NoError(t, err)
	defer n.Close()

	buf := make([]byte, 512)
	require.EqualValues(t, 512, n.ReadAt(buf, 0))
	for _, b := range buf {
		require.Zero(t, b)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	tf := newFixture(t, 256)
	tf.createFile(t, 10, 0)

	n, err := tf.reg.Open(10)
	require.NoError(t, err)
	defer n.Close()

	payload := []byte("hello, filesystem")
	require.EqualValues(t, len(payload), n.WriteAt(payload, 0))
	require.EqualValues(t, len(payload), n.Length())

	buf := make([]byte, len(payload))
	require.EqualValues(t, len(payload), n.ReadAt(buf, 0))
	require.Equal(t, payload, buf)
}

// TestGrowthThroughIndirection verifies spec.md §8's "growth through
// indirection" scenario: a zero-byte file written to at an offset that can
// only be reached via the doubly-indirect block chain ends up with the
// correct length, zero-filled gap, and the written byte at the right spot.
func TestGrowthThroughIndirection(t *testing.T) {
	const tenMiB = 10 * 1024 * 1024
	// 20481 data sectors for 10 MiB + 1 byte, plus 160 L1 and 2 L2 index
	// blocks, the inode sector and a 6-sector bitmap: 20650 in all.
	sectorsNeeded := bytesToSectors(tenMiB) + 256
	tf := newFixture(t, sectorsNeeded)
	tf.createFile(t, 10, 0)

	n, err := tf.reg.Open(10)
	require.NoError(t, err)
	defer n.Close()

	require.Greater(t, uint32(tenMiB), uint32(DirectCapacity+L1Capacity), "offset must require a second-level indirect block")

	require.EqualValues(t, 1, n.WriteAt([]byte{0x42}, tenMiB))
	require.EqualValues(t, tenMiB+1, n.Length())

	gap := make([]byte, tenMiB)
	require.EqualValues(t, tenMiB, n.ReadAt(gap, 0))
	for _, b := range gap {
		require.Zero(t, b)
	}

	tail := make([]byte, 1)
	require.EqualValues(t, 1, n.ReadAt(tail, tenMiB))
	require.Equal(t, byte(0x42), tail[0])
}

func TestResizeOnlyGrows(t *testing.T) {
	tf := newFixture(t, 256)
	tf.createFile(t, 10, 4096)

	n, err := tf.reg.Open(10)
	require.NoError(t, err)
	defer n.Close()

	require.NoError(t, n.Resize(8192))
	require.EqualValues(t, 8192, n.Length())

	require.Panics(t, func() { _ = n.Resize(10) })
}

func TestDenyWriteBlocksWriteAt(t *testing.T) {
	tf := newFixture(t, 256)
	tf.createFile(t, 10, 512)

	n, err := tf.reg.Open(10)
	require.NoError(t, err)
	defer n.Close()

	n.DenyWrite()
	require.EqualValues(t, 0, n.WriteAt([]byte("x"), 0))
	n.AllowWrite()
	require.EqualValues(t, 1, n.WriteAt([]byte("x"), 0))
}

func TestAllowWriteWithoutDenyPanics(t *testing.T) {
	tf := newFixture(t, 256)
	tf.createFile(t, 10, 512)

	n, err := tf.reg.Open(10)
	require.NoError(t, err)
	defer n.Close()

	require.Panics(t, func() { n.AllowWrite() })
}

func TestOpenDeduplicatesBySector(t *testing.T) {
	tf := newFixture(t, 256)
	tf.createFile(t, 10, 512)

	a, err := tf.reg.Open(10)
	require.NoError(t, err)
	b, err := tf.reg.Open(10)
	require.NoError(t, err)

	require.Same(t, a, b)
	require.Equal(t, 2, a.OpenCount())

	a.Close()
	require.Equal(t, 1, b.OpenCount())
	b.Close()
}

// TestRemoveWhileOpenDefersRelease covers spec.md §8: removing an inode
// while a second handle is still open must not release its blocks until the
// last close.
func TestRemoveWhileOpenDefersRelease(t *testing.T) {
	tf := newFixture(t, 256)
	tf.createFile(t, 10, 512)

	a, err := tf.reg.Open(10)
	require.NoError(t, err)
	b, err := tf.reg.Open(10)
	require.NoError(t, err)

	before := tf.alloc.FreeSectors()
	a.Remove()
	a.Close()
	require.Equal(t, before, tf.alloc.FreeSectors(), "blocks must not be released while b is still open")

	b.Close()
	require.Greater(t, tf.alloc.FreeSectors(), before, "blocks must be released once the last opener closes")
}
