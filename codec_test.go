package nbd

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encode(v interface{ encode(*encoder) }) []byte {
	e := new(encoder)
	v.encode(e)
	return e.buf
}

func TestRequestRoundTrip(t *testing.T) {
	tcs := []Request{
		{Type: CmdRead, Handle: 1, Offset: 4096, Length: 512},
		{Type: CmdWrite, Flags: CmdFlagFUA, Handle: 2, Offset: 0, Length: 4, Data: []byte("abcd")},
		{Type: CmdBlockStatus, Flags: CmdFlagReqOne, Handle: 1<<64 - 1, Offset: 1 << 40, Length: 1 << 20},
		{Type: CmdDisc},
	}
	for _, tc := range tcs {
		t.Run(tc.Type.String(), func(t *testing.T) {
			b := encode(&tc)
			wantLen := requestHeaderSize
			if tc.Type == CmdWrite {
				wantLen += len(tc.Data)
			}
			require.Len(t, b, wantLen)
			got, err := decodeRequest(b, DefaultMaxPayload)
			require.NoError(t, err)
			if diff := cmp.Diff(tc, got, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("decodeRequest(encode(r)) differs (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeRequestErrors(t *testing.T) {
	good := encode(&Request{Type: CmdWrite, Length: 8, Data: make([]byte, 8)})

	badMagic := append([]byte(nil), good...)
	badMagic[0] ^= 0xff
	_, err := decodeRequest(badMagic, DefaultMaxPayload)
	assert.True(t, errors.Is(err, ErrBadMagic), "got %v", err)
	assert.True(t, IsFatal(err))

	_, err = decodeRequest(good, 4)
	assert.True(t, errors.Is(err, ErrDecodeTooLarge), "got %v", err)
	assert.True(t, IsFatal(err))

	_, err = decodeRequest(good[:len(good)-1], DefaultMaxPayload)
	assert.True(t, errors.Is(err, ErrShortBuffer), "got %v", err)

	_, err = decodeRequest(good[:10], DefaultMaxPayload)
	assert.True(t, errors.Is(err, ErrShortBuffer), "got %v", err)

	read := encode(&Request{Type: CmdRead, Length: 1 << 30})
	_, err = decodeRequest(read, 4096)
	assert.NoError(t, err, "the bound only applies to inline data")

	_, err = decodeRequest(append(read, 0), DefaultMaxPayload)
	assert.True(t, errors.Is(err, ErrProtocolViolation), "got %v", err)
}

func TestOptionRoundTrip(t *testing.T) {
	o := OptionRequest{Code: OptionCode(42), Payload: []byte("hello")}
	got, err := decodeOptionRequest(encode(&o), DefaultMaxOptionLength)
	require.NoError(t, err)
	assert.Equal(t, o, got)
	assert.False(t, got.Code.Known())
	assert.Equal(t, "UNKNOWN(42)", got.Code.String())

	r := OptionReply{Option: OptList, Type: RepErrPolicy, Payload: []byte("no")}
	gotR, err := decodeOptionReply(encode(&r), DefaultMaxOptionLength)
	require.NoError(t, err)
	assert.Equal(t, r, gotR)
	assert.True(t, gotR.Type.IsError())
}

func TestDecodeOptionHeader(t *testing.T) {
	b := encode(&OptionRequest{Code: OptGo, Payload: make([]byte, 5000)})

	code, length, err := decodeOptionHeader(b[:optionHeaderSize], DefaultMaxOptionLength)
	assert.True(t, errors.Is(err, ErrDecodeTooLarge), "got %v", err)
	assert.Equal(t, OptGo, code)
	assert.EqualValues(t, 5000, length)

	b[3] = 0
	_, _, err = decodeOptionHeader(b[:optionHeaderSize], 1<<20)
	assert.True(t, errors.Is(err, ErrBadMagic), "got %v", err)

	_, err = decodeOptionRequest(b[:8], 1<<20)
	assert.True(t, errors.Is(err, ErrShortBuffer), "got %v", err)
}

func TestSimpleReply(t *testing.T) {
	r := SimpleReply{Handle: 7, Data: []byte{1, 2, 3}}
	got, err := decodeSimpleReply(encode(&r), 3)
	require.NoError(t, err)
	assert.Equal(t, r, got)

	r = SimpleReply{Errno: EINVAL, Handle: 8}
	b := encode(&r)
	require.Len(t, b, simpleReplySize)
	got, err = decodeSimpleReply(b, 512)
	require.NoError(t, err)
	assert.Equal(t, EINVAL, got.Errno)
	assert.Nil(t, got.Data, "error replies carry no data")
}

func TestChunkRoundTrip(t *testing.T) {
	descs := []Descriptor{{Length: 4096, Status: 0}, {Length: 4096, Status: StateHole | StateZero}}
	c := Chunk{Flags: ReplyFlagDone, Type: ChunkBlockStatus, Handle: 3, Payload: blockStatusPayload(1, descs)}
	got, err := decodeChunk(encode(&c), 1<<20)
	require.NoError(t, err)
	assert.Equal(t, c, got)
	assert.True(t, got.Flags.Done())

	id, gotDescs, err := parseBlockStatus(got.Payload)
	require.NoError(t, err)
	assert.EqualValues(t, 1, id)
	assert.Equal(t, descs, gotDescs)

	_, _, err = parseBlockStatus(blockStatusPayload(1, nil))
	assert.True(t, errors.Is(err, ErrProtocolViolation), "block status needs a descriptor, got %v", err)

	_, err = decodeChunk(encode(&c), 8)
	assert.True(t, errors.Is(err, ErrDecodeTooLarge), "got %v", err)
}

func TestErrorPayload(t *testing.T) {
	code, msg, err := parseErrorChunk(errorPayload(ENOSPC, "full"))
	require.NoError(t, err)
	assert.Equal(t, ENOSPC, code)
	assert.Equal(t, "full", msg)

	_, msg, err = parseErrorChunk(errorPayload(EIO, strings.Repeat("x", 5000)))
	require.NoError(t, err)
	assert.Len(t, msg, 4096)

	assert.True(t, ChunkError.IsError())
	assert.True(t, ChunkErrorOffset.IsError())
	assert.False(t, ChunkOffsetHole.IsError())
}

func TestParseInfo(t *testing.T) {
	in := optInfo{name: "disk0", reqs: []uint16{infoName, infoBlockSize}}
	got, err := parseInfo(encode(&in))
	require.NoError(t, err)
	assert.Equal(t, in, got)

	b := encode(&optInfo{name: "disk0"})
	b[len(b)-1] = 3
	_, err = parseInfo(b)
	assert.True(t, errors.Is(err, ErrProtocolViolation), "got %v", err)

	// a name length beyond the payload must not allocate
	_, err = parseInfo([]byte{0xff, 0xff, 0xff, 0xff, 'a'})
	assert.True(t, errors.Is(err, ErrShortBuffer), "got %v", err)
}

func TestParseMetaContext(t *testing.T) {
	in := optMetaContext{name: "disk0", queries: []string{"base:", "qemu:dirty-bitmap:x"}}
	got, err := parseMetaContext(encode(&in))
	require.NoError(t, err)
	assert.Equal(t, in, got)

	e := new(encoder)
	e.writeLString("disk0")
	e.writeUint32(1 << 30)
	_, err = parseMetaContext(e.buf)
	assert.True(t, errors.Is(err, ErrProtocolViolation), "got %v", err)
}

func TestParseInfoReply(t *testing.T) {
	var ex Export
	for _, p := range [][]byte{
		encodeInfoExport(1<<20, FlagHasFlags|FlagReadOnly),
		encodeInfoString(infoName, "disk0"),
		encodeInfoString(infoDescription, "scratch"),
		encodeInfoBlockSize(BlockSizeConstraints{512, 4096, 1 << 20}),
		{0, 99, 1, 2, 3},
	} {
		require.NoError(t, parseInfoReply(p, &ex))
	}
	want := Export{
		Name:        "disk0",
		Description: "scratch",
		Size:        1 << 20,
		Flags:       FlagHasFlags | FlagReadOnly,
		BlockSizes:  &BlockSizeConstraints{512, 4096, 1 << 20},
	}
	if diff := cmp.Diff(want, ex); diff != "" {
		t.Errorf("parsed export differs (-want +got):\n%s", diff)
	}
}

func TestMatchMetaContext(t *testing.T) {
	tcs := []struct {
		query string
		want  []string
	}{
		{"base:allocation", []string{MetaContextBaseAllocation}},
		{"base:", []string{MetaContextBaseAllocation}},
		{"base:alloc", nil},
		{"qemu:", nil},
		{"", nil},
	}
	for _, tc := range tcs {
		got := matchMetaContext(tc.query)
		if diff := cmp.Diff(tc.want, got, cmpopts.EquateEmpty()); diff != "" {
			t.Errorf("matchMetaContext(%q) differs (-want +got):\n%s", tc.query, diff)
		}
	}
}

func TestErrno(t *testing.T) {
	assert.Equal(t, EPERM, errnoOf(Errorf(EPERM, "read-only")))
	assert.Equal(t, ENOSPC, errnoOf(Errorf(ENOSPC, "offset %d", 12)))
	assert.Equal(t, EIO, errnoOf(errors.New("disk on fire")))
	assert.Equal(t, EINVAL, errnoOf(&ProtocolError{Kind: KindOutOfRange, Op: "read"}))
	assert.Equal(t, "NBD_ERROR(1234)", Errno(1234).Error())

	assert.True(t, IsFatal(io.EOF))
	assert.False(t, IsFatal(nil))
	assert.False(t, IsFatal(&ProtocolError{Kind: KindIO}))
	assert.True(t, IsFatal(&ProtocolError{Kind: KindProtocolViolation, Op: "x"}))
}

func TestTransmissionFlags(t *testing.T) {
	ex := Export{Device: &testDevice{}}
	f := ex.transmissionFlags(false)
	assert.True(t, f.CanFlush())
	assert.True(t, f.CanFUA())
	assert.True(t, f.CanWriteZeroes())
	assert.False(t, f.CanTrim())
	assert.False(t, f.CanDF())

	ex = Export{Device: sparseDevice{new(testDevice)}, Flags: FlagCanMultiConn}
	f = ex.transmissionFlags(true)
	assert.True(t, f.CanTrim())
	assert.True(t, f.CanDF())
	assert.True(t, f.CanMultiConn())

	ex.ReadOnly = true
	f = ex.transmissionFlags(true)
	assert.True(t, f.ReadOnly())
	assert.False(t, f.CanTrim())
	assert.False(t, f.CanFUA())
	assert.False(t, f.CanWriteZeroes())
}
