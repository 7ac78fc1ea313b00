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

// Request is a transmission phase request. Data is only set for CmdWrite.
type Request struct {
	Flags  CmdFlags
	Type   Command
	Handle uint64
	Offset uint64
	Length uint32
	Data   []byte
}

func (r *Request) encode(e *encoder) {
	e.writeUint32(reqMagic)
	e.writeUint16(uint16(r.Flags))
	e.writeUint16(uint16(r.Type))
	e.writeUint64(r.Handle)
	e.writeUint64(r.Offset)
	e.writeUint32(r.Length)
	if r.Type == CmdWrite {
		e.write(r.Data)
	}
}

// decodeRequestHeader decodes the fixed 28 byte part of a request. For writes,
// the length is checked against max, as it determines the size of the inline
// data that follows.
func decodeRequestHeader(b []byte, max uint32) (Request, error) {
	const op = "decode request"
	d := newDecoder(op, b)
	magic := d.uint32()
	r := Request{
		Flags:  CmdFlags(d.uint16()),
		Type:   Command(d.uint16()),
		Handle: d.uint64(),
		Offset: d.uint64(),
		Length: d.uint32(),
	}
	if err := d.finish(); err != nil {
		return r, err
	}
	if magic != reqMagic {
		return r, protoErr(KindBadMagic, op, "got 0x%x", magic)
	}
	if r.Type == CmdWrite && r.Length > max {
		return r, protoErr(KindDecodeTooLarge, op, "write of %d bytes exceeds %d", r.Length, max)
	}
	return r, nil
}

// decodeRequest decodes a complete request frame.
func decodeRequest(b []byte, max uint32) (Request, error) {
	if len(b) < requestHeaderSize {
		return Request{}, protoErr(KindShortBuffer, "decode request", "")
	}
	r, err := decodeRequestHeader(b[:requestHeaderSize], max)
	if err != nil {
		return r, err
	}
	d := newDecoder("decode request", b[requestHeaderSize:])
	if r.Type == CmdWrite {
		r.Data = d.take(int(r.Length))
	}
	return r, d.finish()
}

// end returns the first byte after the request and whether the computation
// overflowed.
func (r *Request) end() (uint64, bool) {
	end := r.Offset + uint64(r.Length)
	return end, end < r.Offset
}

// SimpleReply is the only reply shape before structured replies are
// negotiated. Data follows the header for successful reads only; its length
// is implied by the request.
type SimpleReply struct {
	Errno  Errno
	Handle uint64
	Data   []byte
}

func (r *SimpleReply) encode(e *encoder) {
	e.writeUint32(simpleReplyMagic)
	e.writeUint32(uint32(r.Errno))
	e.writeUint64(r.Handle)
	e.write(r.Data)
}

// decodeSimpleReply decodes a simple reply. dataLen is the length of the
// read it answers, or 0.
func decodeSimpleReply(b []byte, dataLen uint32) (SimpleReply, error) {
	const op = "decode simple reply"
	d := newDecoder(op, b)
	magic := d.uint32()
	r := SimpleReply{
		Errno:  Errno(d.uint32()),
		Handle: d.uint64(),
	}
	if d.err == nil && magic != simpleReplyMagic {
		return r, protoErr(KindBadMagic, op, "got 0x%x", magic)
	}
	if r.Errno == 0 && dataLen > 0 {
		r.Data = d.take(int(dataLen))
	}
	return r, d.finish()
}

// Chunk is a single structured reply chunk.
type Chunk struct {
	Flags   ReplyFlags
	Type    ChunkType
	Handle  uint64
	Payload []byte
}

func (c *Chunk) encode(e *encoder) {
	e.writeUint32(structuredReplyMagic)
	e.writeUint16(uint16(c.Flags))
	e.writeUint16(uint16(c.Type))
	e.writeUint64(c.Handle)
	e.writeUint32(uint32(len(c.Payload)))
	e.write(c.Payload)
}

func decodeChunkHeader(b []byte, max uint32) (Chunk, uint32, error) {
	const op = "decode chunk"
	d := newDecoder(op, b)
	magic := d.uint32()
	c := Chunk{
		Flags:  ReplyFlags(d.uint16()),
		Type:   ChunkType(d.uint16()),
		Handle: d.uint64(),
	}
	length := d.uint32()
	if err := d.finish(); err != nil {
		return c, 0, err
	}
	if magic != structuredReplyMagic {
		return c, 0, protoErr(KindBadMagic, op, "got 0x%x", magic)
	}
	if length > max {
		return c, length, protoErr(KindDecodeTooLarge, op, "chunk of %d bytes exceeds %d", length, max)
	}
	return c, length, nil
}

// decodeChunk decodes a complete chunk frame.
func decodeChunk(b []byte, max uint32) (Chunk, error) {
	if len(b) < chunkHeaderSize {
		return Chunk{}, protoErr(KindShortBuffer, "decode chunk", "")
	}
	c, length, err := decodeChunkHeader(b[:chunkHeaderSize], max)
	if err != nil {
		return c, err
	}
	d := newDecoder("decode chunk", b[chunkHeaderSize:])
	c.Payload = d.take(int(length))
	return c, d.finish()
}

// Chunk payloads.

func offsetDataPayload(offset uint64, data []byte) []byte {
	e := &encoder{buf: make([]byte, 0, 8+len(data))}
	e.writeUint64(offset)
	e.write(data)
	return e.buf
}

func offsetHolePayload(offset uint64, length uint32) []byte {
	e := new(encoder)
	e.writeUint64(offset)
	e.writeUint32(length)
	return e.buf
}

// Descriptor is one run of a block status reply.
type Descriptor struct {
	Length uint32
	Status uint32
}

func blockStatusPayload(id uint32, descs []Descriptor) []byte {
	e := new(encoder)
	e.writeUint32(id)
	for _, d := range descs {
		e.writeUint32(d.Length)
		e.writeUint32(d.Status)
	}
	return e.buf
}

func parseBlockStatus(p []byte) (uint32, []Descriptor, error) {
	d := newDecoder("parse block status", p)
	id := d.uint32()
	if d.err == nil && (d.remaining() == 0 || d.remaining()%8 != 0) {
		return id, nil, protoErr(KindProtocolViolation, "parse block status", "%d bytes of descriptors", d.remaining())
	}
	var descs []Descriptor
	for d.remaining() > 0 && d.err == nil {
		descs = append(descs, Descriptor{Length: d.uint32(), Status: d.uint32()})
	}
	return id, descs, d.finish()
}

func errorPayload(code Errno, msg string) []byte {
	if len(msg) > 4096 {
		msg = msg[:4096]
	}
	e := new(encoder)
	e.writeUint32(uint32(code))
	e.writeUint16(uint16(len(msg)))
	e.writeString(msg)
	return e.buf
}

func parseErrorChunk(p []byte) (Errno, string, error) {
	d := newDecoder("parse error chunk", p)
	code := Errno(d.uint32())
	n := d.uint16()
	msg := string(d.take(int(n)))
	return code, msg, d.finish()
}
