// Copyright 2018 Axel Wagner
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package nbd

import (
	"errors"
	"io"
	"time"

	"go.uber.org/zap"
)

// zeroChunk bounds the buffer used to emulate NBD_CMD_WRITE_ZEROES on devices
// that do not implement Zeroer.
const zeroChunk = 64 << 10

// engine serves transmission requests for a session that selected an export.
// Requests are completed strictly in the order they arrive.
type engine struct {
	s          *Session
	maxPayload uint32
	log        *zap.Logger
	metrics    *Metrics
}

// run serves requests until the client disconnects. It returns nil after
// NBD_CMD_DISC and io.EOF if the client closed the connection between
// requests. Any other error is fatal.
func (t *engine) run() error {
	for {
		req, err := t.readRequest()
		if err != nil {
			return err
		}
		if req.Type == CmdDisc {
			t.metrics.request(req.Type, "ok", 0, 0)
			if !t.s.Export.ReadOnly {
				if err := t.s.Export.Device.Sync(); err != nil {
					t.log.Warn("sync on disconnect failed", zap.Error(err))
				}
			}
			return nil
		}
		start := time.Now()
		errno, err := t.handle(&req)
		if IsFatal(err) {
			return err
		}
		if err != nil {
			t.log.Debug("request failed", zap.Uint64("handle", req.Handle), zap.Error(err))
		}
		result := "ok"
		if errno != 0 {
			result = "error"
		}
		t.metrics.request(req.Type, result, req.Length, time.Since(start))
	}
}

func (t *engine) readRequest() (Request, error) {
	var hdr [requestHeaderSize]byte
	if err := readFull(t.s.rw, hdr[:]); err != nil {
		return Request{}, err
	}
	req, err := decodeRequestHeader(hdr[:], t.maxPayload)
	if err != nil {
		return req, err
	}
	if req.Type == CmdWrite {
		req.Data = make([]byte, req.Length)
		if err := readFull(t.s.rw, req.Data); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return req, err
		}
	}
	return req, nil
}

// check validates req against the selected export.
func (t *engine) check(req *Request) error {
	ex := &t.s.Export
	switch req.Type {
	case CmdRead, CmdWrite, CmdTrim, CmdWriteZeroes, CmdFlush, CmdCache:
	case CmdBlockStatus:
		if !t.s.Structured || t.s.Meta.Len() == 0 {
			return requestErr(KindInvalidRequest, req, EINVAL, "no meta context negotiated")
		}
	default:
		return requestErr(KindInvalidRequest, req, EINVAL, "unknown command")
	}
	if req.Type.writeFamily() && ex.ReadOnly {
		return requestErr(KindInvalidRequest, req, EPERM, "export is read-only")
	}
	if req.Type == CmdFlush {
		if req.Offset != 0 || req.Length != 0 {
			return requestErr(KindInvalidRequest, req, EINVAL, "flush takes no range")
		}
		return nil
	}
	if end, overflow := req.end(); overflow || end > ex.Size {
		code := EINVAL
		if req.Type.writeFamily() {
			code = ENOSPC
		}
		return requestErr(KindOutOfRange, req, code, "range exceeds export size %d", ex.Size)
	}
	if req.Length == 0 {
		return requestErr(KindInvalidRequest, req, EINVAL, "zero length")
	}
	if req.Type == CmdRead || req.Type == CmdWrite {
		max := ex.blockSizes().Max
		if max > t.maxPayload {
			max = t.maxPayload
		}
		if req.Length > max {
			return requestErr(KindOutOfRange, req, EOVERFLOW, "length exceeds %d", max)
		}
	}
	return nil
}

func requestErr(kind ErrorKind, req *Request, code Errno, format string, v ...interface{}) error {
	return &ProtocolError{Kind: kind, Op: req.Type.String(), Err: Errorf(code, format, v...)}
}

// handle serves a single request. Besides fatal errors it returns a
// non-fatal *ProtocolError for requests that were answered with an error.
func (t *engine) handle(req *Request) (Errno, error) {
	if err := t.check(req); err != nil {
		return t.fail(req, err)
	}

	dev := t.s.Export.Device
	off := int64(req.Offset)
	var err error
	switch req.Type {
	case CmdRead:
		if t.s.Structured {
			return t.readStructured(req)
		}
		buf := make([]byte, req.Length)
		if err = readAt(dev, buf, off); err == nil {
			return 0, t.replySimple(req.Handle, 0, buf)
		}
	case CmdWrite:
		if _, err = dev.WriteAt(req.Data, off); err == nil && req.Flags.FUA() {
			err = dev.Sync()
		}
	case CmdTrim:
		if tr, ok := dev.(Trimmer); ok {
			err = tr.Trim(off, int64(req.Length))
		}
		if err == nil && req.Flags.FUA() {
			err = dev.Sync()
		}
	case CmdWriteZeroes:
		if err = writeZeroes(dev, off, int64(req.Length), req.Flags); err == nil && req.Flags.FUA() {
			err = dev.Sync()
		}
	case CmdFlush:
		err = dev.Sync()
	case CmdCache:
		// advisory; nothing to prefetch into
	case CmdBlockStatus:
		return t.blockStatus(req)
	}
	if err != nil {
		return t.fail(req, ioErr(req, err))
	}
	return 0, t.replyOK(req.Handle)
}

func ioErr(req *Request, err error) *ProtocolError {
	return &ProtocolError{Kind: KindIO, Op: req.Type.String(), Err: err}
}

// fail answers req with the error number of err. It returns err, or the
// error writing the reply.
func (t *engine) fail(req *Request, err error) (Errno, error) {
	errno := errnoOf(err)
	msg := err.Error()
	var pe *ProtocolError
	if errors.As(err, &pe) && pe.Err != nil {
		msg = pe.Err.Error()
	}
	if werr := t.replyErr(req.Handle, errno, msg); werr != nil {
		return errno, werr
	}
	return errno, err
}

// readAt fills buf completely. io.EOF is only an error for short reads.
func readAt(d Device, buf []byte, off int64) error {
	n, err := d.ReadAt(buf, off)
	if err == io.EOF && n == len(buf) {
		err = nil
	}
	return err
}

// writeZeroes zeroes a range, emulating it with writes if d does not
// implement Zeroer. NBD_CMD_FLAG_FAST_ZERO requests fail in that case, as
// the client asked for the operation only if it is faster than writing.
func writeZeroes(d Device, off, length int64, flags CmdFlags) error {
	if z, ok := d.(Zeroer); ok {
		return z.WriteZeroes(off, length, flags.NoHole())
	}
	if flags.FastZero() {
		return ENOTSUP
	}
	buf := make([]byte, min(length, zeroChunk))
	for length > 0 {
		n := min(length, int64(len(buf)))
		if _, err := d.WriteAt(buf[:n], off); err != nil {
			return err
		}
		off += n
		length -= n
	}
	return nil
}

// extents returns the allocation status of [off, off+length), covering the
// range completely. Devices without BlockStatuser report a single data
// extent.
func extents(d Device, off, length int64) ([]Extent, error) {
	bs, ok := d.(BlockStatuser)
	if !ok {
		return []Extent{{Length: length}}, nil
	}
	ext, err := bs.BlockStatus(off, length)
	if err != nil {
		return nil, err
	}
	var (
		out   []Extent
		total int64
	)
	for _, e := range ext {
		if e.Length <= 0 || total >= length {
			break
		}
		if total+e.Length > length {
			e.Length = length - total
		}
		if n := len(out); n > 0 && out[n-1].Hole == e.Hole && out[n-1].Zero == e.Zero {
			out[n-1].Length += e.Length
		} else {
			out = append(out, e)
		}
		total += e.Length
	}
	if total < length {
		out = append(out, Extent{Length: length - total})
	}
	return out, nil
}

// readStructured answers a read with a sequence of data and hole chunks. With
// NBD_CMD_FLAG_DF the data is sent in a single chunk.
func (t *engine) readStructured(req *Request) (Errno, error) {
	dev := t.s.Export.Device
	off := int64(req.Offset)
	w := t.chunks(req.Handle)

	ext := []Extent{{Length: int64(req.Length)}}
	if !req.Flags.DF() {
		var err error
		if ext, err = extents(dev, off, int64(req.Length)); err != nil {
			return t.fail(req, ioErr(req, err))
		}
	}
	for _, e := range ext {
		// An unallocated extent may still read as non-zero.
		if e.Zero {
			if err := w.add(ChunkOffsetHole, offsetHolePayload(uint64(off), uint32(e.Length))); err != nil {
				return 0, err
			}
			off += e.Length
			continue
		}
		buf := make([]byte, e.Length)
		if err := readAt(dev, buf, off); err != nil {
			errno := errnoOf(err)
			if err := w.add(ChunkErrorOffset, errorOffsetPayload(errno, err.Error(), uint64(off))); err != nil {
				return 0, err
			}
			if err := w.done(); err != nil {
				return errno, err
			}
			return errno, ioErr(req, err)
		}
		if err := w.add(ChunkOffsetData, offsetDataPayload(uint64(off), buf)); err != nil {
			return 0, err
		}
		off += e.Length
	}
	return 0, w.done()
}

// blockStatus answers NBD_CMD_BLOCK_STATUS with one descriptor chunk per
// selected meta context, terminated by an empty chunk.
func (t *engine) blockStatus(req *Request) (Errno, error) {
	ext, err := extents(t.s.Export.Device, int64(req.Offset), int64(req.Length))
	if err != nil {
		return t.fail(req, ioErr(req, err))
	}
	descs := make([]Descriptor, 0, len(ext))
	for _, e := range ext {
		var st uint32
		if e.Hole {
			st |= StateHole
		}
		if e.Zero {
			st |= StateZero
		}
		descs = append(descs, Descriptor{Length: uint32(e.Length), Status: st})
	}
	if req.Flags.ReqOne() {
		descs = descs[:1]
	}

	w := t.chunks(req.Handle)
	for _, name := range t.s.Meta.Names() {
		if name != MetaContextBaseAllocation {
			continue
		}
		id, _ := t.s.Meta.ID(name)
		if err := w.add(ChunkBlockStatus, blockStatusPayload(id, descs)); err != nil {
			return 0, err
		}
	}
	if err := w.add(ChunkNone, nil); err != nil {
		return 0, err
	}
	return 0, w.done()
}

func errorOffsetPayload(code Errno, msg string, off uint64) []byte {
	e := &encoder{buf: errorPayload(code, msg)}
	e.writeUint64(off)
	return e.buf
}

// replyOK reports success without data.
func (t *engine) replyOK(handle uint64) error {
	if t.s.Structured {
		w := t.chunks(handle)
		return w.done()
	}
	return t.replySimple(handle, 0, nil)
}

// replyErr reports an error. In structured mode, msg is sent to the client.
func (t *engine) replyErr(handle uint64, code Errno, msg string) error {
	if t.s.Structured {
		w := t.chunks(handle)
		if err := w.add(ChunkError, errorPayload(code, msg)); err != nil {
			return err
		}
		return w.done()
	}
	return t.replySimple(handle, code, nil)
}

func (t *engine) replySimple(handle uint64, code Errno, data []byte) error {
	rep := SimpleReply{Errno: code, Handle: handle, Data: data}
	e := &encoder{buf: make([]byte, 0, simpleReplySize+len(data))}
	rep.encode(e)
	_, err := t.s.rw.Write(e.buf)
	return err
}

func (t *engine) chunks(handle uint64) *chunkWriter {
	return &chunkWriter{w: t.s.rw, handle: handle}
}

// chunkWriter writes the chunks answering one request. It holds back the
// latest chunk, so done can flag it as the final one.
type chunkWriter struct {
	w       io.Writer
	handle  uint64
	pending *Chunk
}

func (w *chunkWriter) add(typ ChunkType, payload []byte) error {
	if err := w.flush(); err != nil {
		return err
	}
	w.pending = &Chunk{Type: typ, Handle: w.handle, Payload: payload}
	return nil
}

// done writes the held back chunk with NBD_REPLY_FLAG_DONE set. If no chunk
// was added, an empty one is sent.
func (w *chunkWriter) done() error {
	if w.pending == nil {
		w.pending = &Chunk{Type: ChunkNone, Handle: w.handle}
	}
	w.pending.Flags |= ReplyFlagDone
	return w.flush()
}

func (w *chunkWriter) flush() error {
	if w.pending == nil {
		return nil
	}
	e := &encoder{buf: make([]byte, 0, chunkHeaderSize+len(w.pending.Payload))}
	w.pending.encode(e)
	w.pending = nil
	_, err := w.w.Write(e.buf)
	return err
}
