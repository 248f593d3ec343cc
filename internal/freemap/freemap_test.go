package freemap

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"wicos64-server/internal/blockdev"
)

func newTestDevice(t *testing.T, sectors uint32) *blockdev.Device {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "freemap-test-*.img")
	require.NoError(t, err)
	path := f.Name()
	require.NoError(t, f.Close())
	require.NoError(t, os.Remove(path))

	dev, err := blockdev.Create(path, sectors)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })
	return dev
}

func TestFormatReservesOwnSectors(t *testing.T) {
	dev := newTestDevice(t, 64)
	m, err := Format(dev)
	require.NoError(t, err)

	require.EqualValues(t, 1, m.BitmapSectors())
	require.EqualValues(t, 64-m.BitmapSectors(), m.FreeSectors())
}

func TestAllocateReleaseRoundTrip(t *testing.T) {
	dev := newTestDevice(t, 64)
	m, err := Format(dev)
	require.NoError(t, err)

	before := m.FreeSectors()
	first, ok := m.Allocate(4)
	require.True(t, ok)
	require.EqualValues(t, before-4, m.FreeSectors())

	m.Release(first, 4)
	require.Equal(t, before, m.FreeSectors())
}

func TestAllocateFindsContiguousRun(t *testing.T) {
	dev := newTestDevice(t, 64)
	m, err := Format(dev)
	require.NoError(t, err)

	a, ok := m.Allocate(2)
	require.True(t, ok)
	b, ok := m.Allocate(2)
	require.True(t, ok)
	require.NotEqual(t, a, b)

	m.Release(a, 2)
	c, ok := m.Allocate(2)
	require.True(t, ok)
	require.Equal(t, a, c, "freed run should be reused before scanning further")
}

func TestAllocateFailsWhenExhausted(t *testing.T) {
	dev := newTestDevice(t, 8)
	m, err := Format(dev)
	require.NoError(t, err)

	free := m.FreeSectors()
	_, ok := m.Allocate(free)
	require.True(t, ok)

	_, ok = m.Allocate(1)
	require.False(t, ok, "no free sectors remain")
}

func TestOpenRoundTripsPersistedBitmap(t *testing.T) {
	dev := newTestDevice(t, 64)
	m, err := Format(dev)
	require.NoError(t, err)

	first, ok := m.Allocate(3)
	require.True(t, ok)

	reopened, err := Open(dev)
	require.NoError(t, err)
	require.Equal(t, m.FreeSectors(), reopened.FreeSectors())

	reopened.Release(first, 3)
	require.Equal(t, m.FreeSectors()+3, reopened.FreeSectors())
}

func TestReserveMarksRangeUsed(t *testing.T) {
	dev := newTestDevice(t, 64)
	m, err := Format(dev)
	require.NoError(t, err)

	before := m.FreeSectors()
	require.NoError(t, m.Reserve(m.BitmapSectors(), 1))
	require.Equal(t, before-1, m.FreeSectors())
}
