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
	"encoding/binary"
	"io"
)

// encoder appends big-endian binary data to buf. Nested messages are encoded
// into their own encoder first, so their length can be prefixed.
type encoder struct {
	buf []byte
}

func (e *encoder) write(b []byte) {
	e.buf = append(e.buf, b...)
}

func (e *encoder) writeString(s string) {
	e.buf = append(e.buf, s...)
}

func (e *encoder) writeUint16(v uint16) {
	e.buf = binary.BigEndian.AppendUint16(e.buf, v)
}

func (e *encoder) writeUint32(v uint32) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, v)
}

func (e *encoder) writeUint64(v uint64) {
	e.buf = binary.BigEndian.AppendUint64(e.buf, v)
}

// writeLString writes s prefixed by its 32 bit length.
func (e *encoder) writeLString(s string) {
	e.writeUint32(uint32(len(s)))
	e.writeString(s)
}

// decoder consumes big-endian binary data from buf. The first short read is
// recorded in err and all following reads return zero values, so callers can
// check once at the end.
type decoder struct {
	op  string
	buf []byte
	err error
}

func newDecoder(op string, b []byte) *decoder {
	return &decoder{op: op, buf: b}
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || len(d.buf) < n {
		d.err = protoErr(KindShortBuffer, d.op, "need %d bytes, have %d", n, len(d.buf))
		d.buf = nil
		return nil
	}
	b := d.buf[:n:n]
	d.buf = d.buf[n:]
	return b
}

func (d *decoder) uint16() uint16 {
	if b := d.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (d *decoder) uint32() uint32 {
	if b := d.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (d *decoder) uint64() uint64 {
	if b := d.take(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

// lstring reads a string prefixed by its 32 bit length. The length must not
// exceed the remaining buffer, so no allocation is driven by the peer.
func (d *decoder) lstring() string {
	n := d.uint32()
	if d.err != nil {
		return ""
	}
	if uint64(n) > uint64(len(d.buf)) {
		d.err = protoErr(KindShortBuffer, d.op, "string length %d exceeds remaining %d bytes", n, len(d.buf))
		return ""
	}
	return string(d.take(int(n)))
}

func (d *decoder) rest() []byte {
	b := d.buf
	d.buf = nil
	return b
}

func (d *decoder) remaining() int { return len(d.buf) }

// finish returns the first error, or an error if bytes are left over.
func (d *decoder) finish() error {
	if d.err != nil {
		return d.err
	}
	if len(d.buf) != 0 {
		return protoErr(KindProtocolViolation, d.op, "%d trailing bytes", len(d.buf))
	}
	return nil
}

// readFull reads exactly len(b) bytes. io.EOF is only returned if the peer
// closed the stream on a frame boundary.
func readFull(r io.Reader, b []byte) error {
	_, err := io.ReadFull(r, b)
	return err
}

// discard reads and drops n bytes from r.
func discard(r io.Reader, n uint32) error {
	_, err := io.CopyN(io.Discard, r, int64(n))
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return err
}
