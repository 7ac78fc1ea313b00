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

// OptionRequest is a single option sent by the client during haggling.
type OptionRequest struct {
	Code    OptionCode
	Payload []byte
}

func (o *OptionRequest) encode(e *encoder) {
	e.writeUint64(optMagic)
	e.writeUint32(uint32(o.Code))
	e.writeUint32(uint32(len(o.Payload)))
	e.write(o.Payload)
}

// decodeOptionHeader decodes the fixed 16 byte header of an option request.
// The payload length is checked against max before anything is allocated.
func decodeOptionHeader(b []byte, max uint32) (OptionCode, uint32, error) {
	const op = "decode option"
	d := newDecoder(op, b)
	magic := d.uint64()
	code := OptionCode(d.uint32())
	length := d.uint32()
	if err := d.finish(); err != nil {
		return 0, 0, err
	}
	if magic != optMagic {
		return 0, 0, protoErr(KindBadMagic, op, "got 0x%x", magic)
	}
	if length > max {
		return code, length, protoErr(KindDecodeTooLarge, op, "%v payload of %d bytes exceeds %d", code, length, max)
	}
	return code, length, nil
}

// decodeOptionRequest decodes a complete option request frame.
func decodeOptionRequest(b []byte, max uint32) (OptionRequest, error) {
	if len(b) < optionHeaderSize {
		return OptionRequest{}, protoErr(KindShortBuffer, "decode option", "")
	}
	code, length, err := decodeOptionHeader(b[:optionHeaderSize], max)
	if err != nil {
		return OptionRequest{}, err
	}
	d := newDecoder("decode option", b[optionHeaderSize:])
	payload := d.take(int(length))
	if err := d.finish(); err != nil {
		return OptionRequest{}, err
	}
	return OptionRequest{Code: code, Payload: payload}, nil
}

// OptionReply is a single reply sent by the server during haggling.
type OptionReply struct {
	Option  OptionCode
	Type    ReplyType
	Payload []byte
}

func (r *OptionReply) encode(e *encoder) {
	e.writeUint64(repMagic)
	e.writeUint32(uint32(r.Option))
	e.writeUint32(uint32(r.Type))
	e.writeUint32(uint32(len(r.Payload)))
	e.write(r.Payload)
}

func decodeReplyHeader(b []byte, max uint32) (OptionReply, uint32, error) {
	const op = "decode option reply"
	d := newDecoder(op, b)
	magic := d.uint64()
	r := OptionReply{
		Option: OptionCode(d.uint32()),
		Type:   ReplyType(d.uint32()),
	}
	length := d.uint32()
	if err := d.finish(); err != nil {
		return r, 0, err
	}
	if magic != repMagic {
		return r, 0, protoErr(KindBadMagic, op, "got 0x%x", magic)
	}
	if length > max {
		return r, length, protoErr(KindDecodeTooLarge, op, "%v payload of %d bytes exceeds %d", r.Type, length, max)
	}
	return r, length, nil
}

// decodeOptionReply decodes a complete option reply frame.
func decodeOptionReply(b []byte, max uint32) (OptionReply, error) {
	if len(b) < replyHeaderSize {
		return OptionReply{}, protoErr(KindShortBuffer, "decode option reply", "")
	}
	r, length, err := decodeReplyHeader(b[:replyHeaderSize], max)
	if err != nil {
		return OptionReply{}, err
	}
	d := newDecoder("decode option reply", b[replyHeaderSize:])
	r.Payload = d.take(int(length))
	return r, d.finish()
}

// Option payloads. Each has an encode method for the client and a parse
// function for the server; parse errors are answered with RepErrInvalid.

type optExportName struct {
	name string
}

func (o *optExportName) encode(e *encoder) {
	e.writeString(o.name)
}

func parseExportName(p []byte) optExportName {
	return optExportName{string(p)}
}

// optInfo is the payload of NBD_OPT_INFO and NBD_OPT_GO.
type optInfo struct {
	name string
	reqs []uint16
}

func (o *optInfo) encode(e *encoder) {
	e.writeLString(o.name)
	e.writeUint16(uint16(len(o.reqs)))
	for _, r := range o.reqs {
		e.writeUint16(r)
	}
}

func parseInfo(p []byte) (optInfo, error) {
	var o optInfo
	d := newDecoder("parse info", p)
	o.name = d.lstring()
	n := d.uint16()
	if d.err == nil && int(n)*2 != d.remaining() {
		return o, protoErr(KindProtocolViolation, "parse info", "%d requests in %d bytes", n, d.remaining())
	}
	for ; n > 0; n-- {
		o.reqs = append(o.reqs, d.uint16())
	}
	return o, d.finish()
}

// optMetaContext is the payload of NBD_OPT_LIST_META_CONTEXT and
// NBD_OPT_SET_META_CONTEXT.
type optMetaContext struct {
	name    string
	queries []string
}

func (o *optMetaContext) encode(e *encoder) {
	e.writeLString(o.name)
	e.writeUint32(uint32(len(o.queries)))
	for _, q := range o.queries {
		e.writeLString(q)
	}
}

func parseMetaContext(p []byte) (optMetaContext, error) {
	var o optMetaContext
	d := newDecoder("parse meta context", p)
	o.name = d.lstring()
	n := d.uint32()
	// every query takes at least 4 bytes, which bounds n by the payload.
	if d.err == nil && uint64(n)*4 > uint64(d.remaining()) {
		return o, protoErr(KindProtocolViolation, "parse meta context", "%d queries in %d bytes", n, d.remaining())
	}
	for ; n > 0 && d.err == nil; n-- {
		o.queries = append(o.queries, d.lstring())
	}
	return o, d.finish()
}

// Reply payloads.

func encodeServer(name, details string) []byte {
	e := new(encoder)
	e.writeLString(name)
	e.writeString(details)
	return e.buf
}

func parseServer(p []byte) (name, details string, err error) {
	d := newDecoder("parse server reply", p)
	name = d.lstring()
	details = string(d.rest())
	return name, details, d.finish()
}

func encodeInfoExport(size uint64, flags TransmissionFlags) []byte {
	e := new(encoder)
	e.writeUint16(infoExport)
	e.writeUint64(size)
	e.writeUint16(uint16(flags))
	return e.buf
}

func encodeInfoString(typ uint16, s string) []byte {
	e := new(encoder)
	e.writeUint16(typ)
	e.writeString(s)
	return e.buf
}

func encodeInfoBlockSize(bs BlockSizeConstraints) []byte {
	e := new(encoder)
	e.writeUint16(infoBlockSize)
	e.writeUint32(bs.Min)
	e.writeUint32(bs.Preferred)
	e.writeUint32(bs.Max)
	return e.buf
}

// parseInfoReply applies a RepInfo payload to ex. Unknown info types are
// ignored.
func parseInfoReply(p []byte, ex *Export) error {
	d := newDecoder("parse info reply", p)
	switch d.uint16() {
	case infoExport:
		ex.Size = d.uint64()
		ex.Flags = TransmissionFlags(d.uint16())
	case infoName:
		ex.Name = string(d.rest())
	case infoDescription:
		ex.Description = string(d.rest())
	case infoBlockSize:
		ex.BlockSizes = &BlockSizeConstraints{
			Min:       d.uint32(),
			Preferred: d.uint32(),
			Max:       d.uint32(),
		}
	default:
		d.rest()
	}
	return d.finish()
}

func encodeMetaContext(id uint32, name string) []byte {
	e := new(encoder)
	e.writeUint32(id)
	e.writeString(name)
	return e.buf
}

func parseMetaContextReply(p []byte) (uint32, string, error) {
	d := newDecoder("parse meta context reply", p)
	id := d.uint32()
	name := string(d.rest())
	return id, name, d.finish()
}

// replyError is an option error reply received by the client.
type replyError struct {
	typ ReplyType
	msg string
}

func (r *replyError) Error() string {
	if r.msg == "" {
		return "nbd: server replied " + r.typ.String()
	}
	return "nbd: server replied " + r.typ.String() + ": " + r.msg
}
