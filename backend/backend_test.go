package backend

import (
	"bytes"
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/oxblock/nbd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSize = 16 * PageSize

type device interface {
	nbd.Device
	nbd.Trimmer
	nbd.Zeroer
}

func openDevices(t *testing.T) map[string]device {
	t.Helper()
	b, err := OpenBadger("", testSize, nil)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	f, err := OpenFile(filepath.Join(t.TempDir(), "disk.img"), testSize, false)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })

	return map[string]device{
		"memory": NewMemory(testSize),
		"badger": b,
		"file":   f,
	}
}

func TestDeviceReadWrite(t *testing.T) {
	for name, d := range openDevices(t) {
		t.Run(name, func(t *testing.T) {
			data := bytes.Repeat([]byte("nbd!"), PageSize/2)
			off := int64(PageSize + 100)

			n, err := d.WriteAt(data, off)
			require.NoError(t, err)
			assert.Equal(t, len(data), n)

			got := make([]byte, len(data))
			n, err = d.ReadAt(got, off)
			require.NoError(t, err)
			assert.Equal(t, len(data), n)
			assert.Equal(t, data, got)

			// bytes around the write stay zero
			edge := make([]byte, 100)
			_, err = d.ReadAt(edge, PageSize)
			require.NoError(t, err)
			assert.Equal(t, make([]byte, 100), edge)

			require.NoError(t, d.Sync())
		})
	}
}

func TestDeviceWriteBeyondEnd(t *testing.T) {
	for name, d := range openDevices(t) {
		t.Run(name, func(t *testing.T) {
			_, err := d.WriteAt(make([]byte, 10), testSize-5)
			var e nbd.Error
			require.True(t, errors.As(err, &e), "got %v", err)
			assert.Equal(t, nbd.ENOSPC, e.Errno())
		})
	}
}

func TestDeviceTrimZeroes(t *testing.T) {
	for name, d := range openDevices(t) {
		t.Run(name, func(t *testing.T) {
			_, err := d.WriteAt(bytes.Repeat([]byte{0xff}, 4*PageSize), 0)
			require.NoError(t, err)

			require.NoError(t, d.Trim(PageSize, PageSize))
			require.NoError(t, d.WriteZeroes(2*PageSize+10, 20, true))

			got := make([]byte, 4*PageSize)
			_, err = d.ReadAt(got, 0)
			require.NoError(t, err)

			want := bytes.Repeat([]byte{0xff}, 4*PageSize)
			clear(want[PageSize : 2*PageSize])
			clear(want[2*PageSize+10 : 2*PageSize+30])
			assert.Equal(t, want, got)
		})
	}
}

func TestMemoryReadPastEnd(t *testing.T) {
	m := NewMemory(PageSize)
	buf := make([]byte, 10)
	n, err := m.ReadAt(buf, PageSize-4)
	assert.Equal(t, 4, n)
	assert.Equal(t, io.EOF, err)

	_, err = m.ReadAt(buf, PageSize)
	assert.Equal(t, io.EOF, err)
}

func TestSparseBlockStatus(t *testing.T) {
	b, err := OpenBadger("", testSize, nil)
	require.NoError(t, err)
	defer b.Close()

	devs := map[string]nbd.BlockStatuser{
		"memory": NewMemory(testSize),
		"badger": b,
	}
	for name, d := range devs {
		t.Run(name, func(t *testing.T) {
			dev := d.(device)
			_, err := dev.WriteAt(make([]byte, PageSize), PageSize)
			require.NoError(t, err)
			_, err = dev.WriteAt([]byte{1}, 3*PageSize+1)
			require.NoError(t, err)

			ext, err := d.BlockStatus(0, 5*PageSize)
			require.NoError(t, err)
			assert.Equal(t, []nbd.Extent{
				{Length: PageSize, Hole: true, Zero: true},
				{Length: PageSize},
				{Length: PageSize, Hole: true, Zero: true},
				{Length: PageSize},
				{Length: PageSize, Hole: true, Zero: true},
			}, ext)

			// a range starting inside an allocated page
			ext, err = d.BlockStatus(PageSize+10, 20)
			require.NoError(t, err)
			assert.Equal(t, []nbd.Extent{{Length: 20}}, ext)

			require.NoError(t, dev.Trim(PageSize, PageSize))
			ext, err = d.BlockStatus(0, 3*PageSize)
			require.NoError(t, err)
			assert.Equal(t, []nbd.Extent{{Length: 3 * PageSize, Hole: true, Zero: true}}, ext)

			require.NoError(t, dev.WriteZeroes(0, PageSize, true))
			ext, err = d.BlockStatus(0, 2*PageSize)
			require.NoError(t, err)
			assert.Equal(t, []nbd.Extent{
				{Length: PageSize},
				{Length: PageSize, Hole: true, Zero: true},
			}, ext)
		})
	}
}

func TestBadgerPersists(t *testing.T) {
	dir := t.TempDir()
	b, err := OpenBadger(dir, testSize, nil)
	require.NoError(t, err)
	_, err = b.WriteAt([]byte("persistent"), 7)
	require.NoError(t, err)
	require.NoError(t, b.Sync())
	require.NoError(t, b.Close())

	b, err = OpenBadger(dir, testSize, nil)
	require.NoError(t, err)
	defer b.Close()
	got := make([]byte, 10)
	_, err = b.ReadAt(got, 7)
	require.NoError(t, err)
	assert.Equal(t, "persistent", string(got))
}

func TestOpenFileSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	f, err := OpenFile(path, 3*PageSize, false)
	require.NoError(t, err)
	assert.EqualValues(t, 3*PageSize, f.Size())
	require.NoError(t, f.Close())

	f, err = OpenFile(path, 0, true)
	require.NoError(t, err)
	defer f.Close()
	assert.EqualValues(t, 3*PageSize, f.Size())

	_, err = OpenFile(path, 4*PageSize, true)
	assert.Error(t, err)
}
