package nbd

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testDevice is an in-memory Device without any optional interfaces.
type testDevice struct {
	mu      sync.Mutex
	data    []byte
	syncs   int
	readErr error
	noHoles []bool
}

func newTestDevice(size int) *testDevice {
	return &testDevice{data: make([]byte, size)}
}

func (d *testDevice) ReadAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.readErr != nil {
		return 0, d.readErr
	}
	if off >= int64(len(d.data)) {
		return 0, io.EOF
	}
	n := copy(p, d.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (d *testDevice) WriteAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if off+int64(len(p)) > int64(len(d.data)) {
		return 0, Errorf(ENOSPC, "write beyond end")
	}
	return copy(d.data[off:], p), nil
}

func (d *testDevice) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.syncs++
	return nil
}

func (d *testDevice) syncCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.syncs
}

// sparseDevice adds Trimmer, Zeroer and BlockStatuser. All-zero 4 KiB pages
// are reported as holes.
type sparseDevice struct {
	*testDevice
}

func (d sparseDevice) Trim(off, length int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	clear(d.data[off : off+length])
	return nil
}

func (d sparseDevice) WriteZeroes(off, length int64, noHole bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.noHoles = append(d.noHoles, noHole)
	clear(d.data[off : off+length])
	return nil
}

func (d sparseDevice) BlockStatus(off, length int64) ([]Extent, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Extent
	for length > 0 {
		n := min(length, 4096-off%4096)
		zero := bytes.Count(d.data[off:off+n], []byte{0}) == int(n)
		out = append(out, Extent{Length: n, Hole: zero, Zero: zero})
		off += n
		length -= n
	}
	return out, nil
}

// startConn serves one connection over an in-memory pipe. The returned
// channel receives the result of ServeConn.
func startConn(t *testing.T, srv *Server) (net.Conn, <-chan error) {
	t.Helper()
	sc, cc := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ServeConn(ctx, sc) }()
	t.Cleanup(func() {
		cc.Close()
		cancel()
	})
	return cc, done
}

// openExport negotiates the default export of srv and returns the
// connection in transmission phase.
func openExport(t *testing.T, srv *Server, structured bool) (net.Conn, <-chan error) {
	t.Helper()
	cc, done := startConn(t, srv)
	cl, err := ClientHandshake(cc)
	require.NoError(t, err)
	if structured {
		require.NoError(t, cl.StructuredReply())
		ids, err := cl.SetMetaContext("", MetaContextBaseAllocation)
		require.NoError(t, err)
		require.Equal(t, map[string]uint32{MetaContextBaseAllocation: 1}, ids)
	}
	_, err = cl.Go("")
	require.NoError(t, err)
	return cc, done
}

func sendRequest(t *testing.T, w io.Writer, req Request) {
	t.Helper()
	_, err := w.Write(encode(&req))
	require.NoError(t, err)
}

func readSimple(t *testing.T, r io.Reader, dataLen uint32) SimpleReply {
	t.Helper()
	hdr := make([]byte, simpleReplySize)
	require.NoError(t, readFull(r, hdr))
	rep, err := decodeSimpleReply(hdr, 0)
	require.NoError(t, err)
	if rep.Errno == 0 && dataLen > 0 {
		rep.Data = make([]byte, dataLen)
		require.NoError(t, readFull(r, rep.Data))
	}
	return rep
}

// readChunks reads the chunks of one structured reply, up to and including
// the one flagged as done.
func readChunks(t *testing.T, r io.Reader) []Chunk {
	t.Helper()
	var out []Chunk
	for {
		hdr := make([]byte, chunkHeaderSize)
		require.NoError(t, readFull(r, hdr))
		c, length, err := decodeChunkHeader(hdr, DefaultMaxPayload+4096)
		require.NoError(t, err)
		c.Payload = make([]byte, length)
		require.NoError(t, readFull(r, c.Payload))
		out = append(out, c)
		if c.Flags.Done() {
			return out
		}
	}
}

func singleExport(d Device, size uint64) *Server {
	return &Server{Directory: Exports{{Name: "disk0", Size: size, Device: d}}}
}

func TestReadWrite(t *testing.T) {
	dev := newTestDevice(8192)
	cc, done := openExport(t, singleExport(dev, 8192), false)

	data := bytes.Repeat([]byte("nbd!"), 256)
	sendRequest(t, cc, Request{Type: CmdWrite, Handle: 1, Offset: 1024, Length: uint32(len(data)), Data: data})
	rep := readSimple(t, cc, 0)
	assert.Equal(t, SimpleReply{Handle: 1}, rep)

	sendRequest(t, cc, Request{Type: CmdRead, Handle: 2, Offset: 1024, Length: uint32(len(data))})
	rep = readSimple(t, cc, uint32(len(data)))
	assert.EqualValues(t, 2, rep.Handle)
	assert.Zero(t, rep.Errno)
	assert.Equal(t, data, rep.Data)

	sendRequest(t, cc, Request{Type: CmdDisc, Handle: 3})
	require.NoError(t, <-done)
	assert.Equal(t, 1, dev.syncCount(), "disconnect syncs writable exports")
}

func TestRequestErrors(t *testing.T) {
	dev := newTestDevice(8192)
	srv := singleExport(dev, 8192)
	srv.MaxPayload = 4096
	cc, done := openExport(t, srv, false)

	tcs := []struct {
		name string
		req  Request
		want Errno
	}{
		{"read past end", Request{Type: CmdRead, Offset: 8000, Length: 512}, EINVAL},
		{"write past end", Request{Type: CmdWrite, Offset: 8000, Length: 512, Data: make([]byte, 512)}, ENOSPC},
		{"trim past end", Request{Type: CmdTrim, Offset: 8192, Length: 1}, ENOSPC},
		{"offset overflow", Request{Type: CmdRead, Offset: 1<<64 - 1, Length: 2}, EINVAL},
		{"empty read", Request{Type: CmdRead, Offset: 0, Length: 0}, EINVAL},
		{"flush with range", Request{Type: CmdFlush, Offset: 0, Length: 512}, EINVAL},
		{"read above max payload", Request{Type: CmdRead, Offset: 0, Length: 8192}, EOVERFLOW},
		{"unknown command", Request{Type: Command(42), Length: 1}, EINVAL},
		{"block status without meta context", Request{Type: CmdBlockStatus, Length: 512}, EINVAL},
		{"fast zero without zeroer", Request{Type: CmdWriteZeroes, Flags: CmdFlagFastZero, Length: 512}, ENOTSUP},
	}
	for i, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			tc.req.Handle = uint64(i)
			sendRequest(t, cc, tc.req)
			rep := readSimple(t, cc, 0)
			assert.Equal(t, SimpleReply{Errno: tc.want, Handle: uint64(i)}, rep)
		})
	}

	// the connection is still usable
	sendRequest(t, cc, Request{Type: CmdRead, Handle: 99, Length: 512})
	rep := readSimple(t, cc, 512)
	assert.Zero(t, rep.Errno)
	assert.EqualValues(t, 99, rep.Handle)

	sendRequest(t, cc, Request{Type: CmdDisc})
	require.NoError(t, <-done)
}

func TestWriteTooLarge(t *testing.T) {
	srv := singleExport(newTestDevice(1<<20), 1<<20)
	srv.MaxPayload = 4096
	cc, done := openExport(t, srv, false)

	// only the header is sent; the server must not wait for the data
	sendRequest(t, cc, Request{Type: CmdWrite, Handle: 1, Length: 8192})
	err := <-done
	assert.True(t, errors.Is(err, ErrDecodeTooLarge), "got %v", err)
	_, err = cc.Read(make([]byte, 1))
	assert.Error(t, err)
}

func TestBadRequestMagic(t *testing.T) {
	cc, done := openExport(t, singleExport(newTestDevice(4096), 4096), false)
	b := encode(&Request{Type: CmdRead, Length: 512})
	b[0] = 0
	_, err := cc.Write(b)
	require.NoError(t, err)
	err = <-done
	assert.True(t, errors.Is(err, ErrBadMagic), "got %v", err)
}

func TestReadOnly(t *testing.T) {
	dev := newTestDevice(4096)
	srv := &Server{Directory: Exports{{Name: "ro", Size: 4096, ReadOnly: true, Device: dev}}}
	cc, done := openExport(t, srv, false)

	for i, typ := range []Command{CmdWrite, CmdTrim, CmdWriteZeroes} {
		req := Request{Type: typ, Handle: uint64(i), Length: 16}
		if typ == CmdWrite {
			req.Data = make([]byte, 16)
		}
		sendRequest(t, cc, req)
		assert.Equal(t, EPERM, readSimple(t, cc, 0).Errno, "%v", typ)
	}
	sendRequest(t, cc, Request{Type: CmdFlush, Handle: 5})
	assert.Zero(t, readSimple(t, cc, 0).Errno)

	sendRequest(t, cc, Request{Type: CmdDisc})
	require.NoError(t, <-done)
	assert.Equal(t, 1, dev.syncCount(), "only the explicit flush syncs")
}

func TestFUA(t *testing.T) {
	dev := newTestDevice(4096)
	cc, done := openExport(t, singleExport(dev, 4096), false)

	sendRequest(t, cc, Request{Type: CmdWrite, Length: 4, Data: []byte("abcd")})
	readSimple(t, cc, 0)
	assert.Equal(t, 0, dev.syncCount())

	sendRequest(t, cc, Request{Type: CmdWrite, Flags: CmdFlagFUA, Length: 4, Data: []byte("efgh")})
	readSimple(t, cc, 0)
	assert.Equal(t, 1, dev.syncCount())

	sendRequest(t, cc, Request{Type: CmdCache, Length: 4096})
	assert.Zero(t, readSimple(t, cc, 0).Errno)

	sendRequest(t, cc, Request{Type: CmdDisc})
	require.NoError(t, <-done)
}

func TestWriteZeroes(t *testing.T) {
	for _, sparse := range []bool{false, true} {
		dev := newTestDevice(3 * zeroChunk)
		for i := range dev.data {
			dev.data[i] = 0xaa
		}
		var d Device = dev
		if sparse {
			d = sparseDevice{dev}
		}
		cc, done := openExport(t, singleExport(d, uint64(len(dev.data))), false)

		sendRequest(t, cc, Request{Type: CmdWriteZeroes, Flags: CmdFlagNoHole, Offset: 1, Length: 2*zeroChunk + 10})
		assert.Zero(t, readSimple(t, cc, 0).Errno)
		sendRequest(t, cc, Request{Type: CmdWriteZeroes, Offset: 3*zeroChunk - 1, Length: 1})
		assert.Zero(t, readSimple(t, cc, 0).Errno)
		sendRequest(t, cc, Request{Type: CmdDisc})
		require.NoError(t, <-done)

		if sparse {
			assert.Equal(t, []bool{true, false}, dev.noHoles, "NO_HOLE is passed to the device")
		} else {
			assert.Empty(t, dev.noHoles)
		}

		assert.EqualValues(t, 0xaa, dev.data[0])
		assert.Equal(t, 2*zeroChunk+11, bytes.Count(dev.data, []byte{0}), "sparse=%v", sparse)
		assert.EqualValues(t, 0xaa, dev.data[2*zeroChunk+11])
	}
}

func TestTrim(t *testing.T) {
	dev := newTestDevice(8192)
	copy(dev.data, bytes.Repeat([]byte{1}, 8192))
	cc, done := openExport(t, singleExport(sparseDevice{dev}, 8192), false)

	sendRequest(t, cc, Request{Type: CmdTrim, Offset: 4096, Length: 4096})
	assert.Zero(t, readSimple(t, cc, 0).Errno)
	sendRequest(t, cc, Request{Type: CmdRead, Offset: 4000, Length: 192})
	rep := readSimple(t, cc, 192)
	assert.Equal(t, append(bytes.Repeat([]byte{1}, 96), make([]byte, 96)...), rep.Data)

	sendRequest(t, cc, Request{Type: CmdDisc})
	require.NoError(t, <-done)
}

func TestDeviceError(t *testing.T) {
	dev := newTestDevice(4096)
	dev.readErr = Errorf(EIO, "medium error")
	cc, done := openExport(t, singleExport(dev, 4096), false)

	sendRequest(t, cc, Request{Type: CmdRead, Handle: 4, Length: 512})
	assert.Equal(t, SimpleReply{Errno: EIO, Handle: 4}, readSimple(t, cc, 512))

	sendRequest(t, cc, Request{Type: CmdDisc})
	require.NoError(t, <-done)
}

// halfAllocated returns an 8 KiB device whose first page holds data and
// whose second page is a hole.
func halfAllocated() sparseDevice {
	dev := newTestDevice(8192)
	copy(dev.data, bytes.Repeat([]byte{0x5a}, 4096))
	return sparseDevice{dev}
}

func chunkTypes(cs []Chunk) []ChunkType {
	var out []ChunkType
	for _, c := range cs {
		out = append(out, c.Type)
	}
	return out
}

// checkDone verifies that exactly the last chunk is flagged as done and
// that all chunks answer handle.
func checkDone(t *testing.T, cs []Chunk, handle uint64) {
	t.Helper()
	for i, c := range cs {
		assert.Equal(t, handle, c.Handle)
		assert.Equal(t, i == len(cs)-1, c.Flags.Done(), "chunk %d of %d", i, len(cs))
	}
}

func TestStructuredRead(t *testing.T) {
	cc, done := openExport(t, singleExport(halfAllocated(), 8192), true)

	sendRequest(t, cc, Request{Type: CmdRead, Handle: 10, Length: 8192})
	cs := readChunks(t, cc)
	checkDone(t, cs, 10)
	require.Equal(t, []ChunkType{ChunkOffsetData, ChunkOffsetHole}, chunkTypes(cs))
	assert.Equal(t, offsetDataPayload(0, bytes.Repeat([]byte{0x5a}, 4096)), cs[0].Payload)
	assert.Equal(t, offsetHolePayload(4096, 4096), cs[1].Payload)

	// with DF, the data comes in one piece
	sendRequest(t, cc, Request{Type: CmdRead, Flags: CmdFlagDF, Handle: 11, Length: 8192})
	cs = readChunks(t, cc)
	checkDone(t, cs, 11)
	require.Equal(t, []ChunkType{ChunkOffsetData}, chunkTypes(cs))
	assert.Len(t, cs[0].Payload, 8+8192)

	sendRequest(t, cc, Request{Type: CmdDisc})
	require.NoError(t, <-done)
}

// unallocatedDevice reports its first page as unallocated but not zero, and
// the rest as unallocated zeroes.
type unallocatedDevice struct {
	*testDevice
}

func (d unallocatedDevice) BlockStatus(off, length int64) ([]Extent, error) {
	var out []Extent
	if off < 4096 {
		n := min(length, 4096-off)
		out = append(out, Extent{Length: n, Hole: true})
		off += n
		length -= n
	}
	if length > 0 {
		out = append(out, Extent{Length: length, Hole: true, Zero: true})
	}
	return out, nil
}

func TestStructuredReadUnallocated(t *testing.T) {
	dev := newTestDevice(8192)
	copy(dev.data, bytes.Repeat([]byte{0x77}, 4096))
	cc, done := openExport(t, singleExport(unallocatedDevice{dev}, 8192), true)

	sendRequest(t, cc, Request{Type: CmdRead, Handle: 4, Length: 8192})
	cs := readChunks(t, cc)
	checkDone(t, cs, 4)
	require.Equal(t, []ChunkType{ChunkOffsetData, ChunkOffsetHole}, chunkTypes(cs))
	assert.Equal(t, offsetDataPayload(0, bytes.Repeat([]byte{0x77}, 4096)), cs[0].Payload)
	assert.Equal(t, offsetHolePayload(4096, 4096), cs[1].Payload)

	sendRequest(t, cc, Request{Type: CmdDisc})
	require.NoError(t, <-done)
}

func TestStructuredReplies(t *testing.T) {
	cc, done := openExport(t, singleExport(halfAllocated(), 8192), true)

	sendRequest(t, cc, Request{Type: CmdWrite, Handle: 1, Offset: 4096, Length: 3, Data: []byte("abc")})
	cs := readChunks(t, cc)
	if diff := cmp.Diff([]Chunk{{Flags: ReplyFlagDone, Type: ChunkNone, Handle: 1, Payload: []byte{}}}, cs); diff != "" {
		t.Errorf("write reply differs (-want +got):\n%s", diff)
	}

	sendRequest(t, cc, Request{Type: CmdRead, Handle: 2, Offset: 8192, Length: 1})
	cs = readChunks(t, cc)
	checkDone(t, cs, 2)
	require.Equal(t, []ChunkType{ChunkError}, chunkTypes(cs))
	code, msg, err := parseErrorChunk(cs[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, EINVAL, code)
	assert.NotEmpty(t, msg)

	sendRequest(t, cc, Request{Type: CmdDisc})
	require.NoError(t, <-done)
}

func TestStructuredReadError(t *testing.T) {
	dev := newTestDevice(4096)
	dev.readErr = Errorf(EIO, "medium error")
	cc, done := openExport(t, singleExport(dev, 4096), true)

	sendRequest(t, cc, Request{Type: CmdRead, Handle: 3, Offset: 512, Length: 512})
	cs := readChunks(t, cc)
	checkDone(t, cs, 3)
	require.Equal(t, []ChunkType{ChunkErrorOffset}, chunkTypes(cs))
	assert.Equal(t, errorOffsetPayload(EIO, "medium error", 512), cs[0].Payload)

	sendRequest(t, cc, Request{Type: CmdDisc})
	require.NoError(t, <-done)
}

func TestBlockStatus(t *testing.T) {
	cc, done := openExport(t, singleExport(halfAllocated(), 8192), true)

	sendRequest(t, cc, Request{Type: CmdBlockStatus, Handle: 5, Length: 8192})
	cs := readChunks(t, cc)
	checkDone(t, cs, 5)
	require.Equal(t, []ChunkType{ChunkBlockStatus, ChunkNone}, chunkTypes(cs))
	id, descs, err := parseBlockStatus(cs[0].Payload)
	require.NoError(t, err)
	assert.EqualValues(t, 1, id)
	assert.Equal(t, []Descriptor{{4096, 0}, {4096, StateHole | StateZero}}, descs)

	sendRequest(t, cc, Request{Type: CmdBlockStatus, Flags: CmdFlagReqOne, Handle: 6, Offset: 2048, Length: 6144})
	cs = readChunks(t, cc)
	checkDone(t, cs, 6)
	_, descs, err = parseBlockStatus(cs[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, []Descriptor{{2048, 0}}, descs)

	sendRequest(t, cc, Request{Type: CmdDisc})
	require.NoError(t, <-done)
}

func TestBlockStatusWithoutStatuser(t *testing.T) {
	cc, done := openExport(t, singleExport(newTestDevice(8192), 8192), true)

	sendRequest(t, cc, Request{Type: CmdBlockStatus, Handle: 7, Length: 8192})
	cs := readChunks(t, cc)
	_, descs, err := parseBlockStatus(cs[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, []Descriptor{{8192, 0}}, descs)

	sendRequest(t, cc, Request{Type: CmdDisc})
	require.NoError(t, <-done)
}

func TestExtents(t *testing.T) {
	ext, err := extents(halfAllocated(), 1024, 5120)
	require.NoError(t, err)
	assert.Equal(t, []Extent{{Length: 3072}, {Length: 2048, Hole: true, Zero: true}}, ext)

	ext, err = extents(newTestDevice(100), 0, 100)
	require.NoError(t, err)
	assert.Equal(t, []Extent{{Length: 100}}, ext)
}

func TestCheckErrorKinds(t *testing.T) {
	e := &engine{
		s:          &Session{Export: Export{Size: 4096, Device: newTestDevice(4096)}},
		maxPayload: DefaultMaxPayload,
	}
	tcs := []struct {
		req   Request
		kind  ErrorKind
		errno Errno
	}{
		{Request{Type: CmdWrite, Offset: 4096, Length: 1}, KindOutOfRange, ENOSPC},
		{Request{Type: CmdRead, Offset: 4095, Length: 2}, KindOutOfRange, EINVAL},
		{Request{Type: CmdRead, Length: 0}, KindInvalidRequest, EINVAL},
		{Request{Type: CmdBlockStatus, Length: 512}, KindInvalidRequest, EINVAL},
		{Request{Type: Command(99), Length: 1}, KindInvalidRequest, EINVAL},
	}
	for _, tc := range tcs {
		err := e.check(&tc.req)
		assert.True(t, errors.Is(err, &ProtocolError{Kind: tc.kind}), "%v: got %v", tc.req.Type, err)
		assert.Equal(t, tc.errno, errnoOf(err), "%v", tc.req.Type)
		assert.False(t, IsFatal(err), "%v", tc.req.Type)
	}
	assert.NoError(t, e.check(&Request{Type: CmdRead, Length: 512}))

	e.s.Export.ReadOnly = true
	err := e.check(&Request{Type: CmdTrim, Length: 512})
	assert.Equal(t, EPERM, errnoOf(err))
	assert.False(t, IsFatal(err))
}
