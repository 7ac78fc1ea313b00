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
	"context"
	"errors"
	"io"
	"net"

	"go.uber.org/zap"
)

// negotiator runs the server side of the handshake for one connection.
type negotiator struct {
	ctx         context.Context
	s           *Session
	conn        net.Conn
	dir         Directory
	tls         Upgrader
	tlsRequired bool
	maxOption   uint32
	log         *zap.Logger
	metrics     *Metrics
}

// run drives the session from the server greeting until an export was
// selected. It returns errAborted if the client aborted, and any other error
// if the connection has to be closed.
func (n *negotiator) run() error {
	s := n.s
	s.State = StateAwaitingClientFlags
	s.rw = n.conn

	e := new(encoder)
	e.writeUint64(nbdMagic)
	e.writeUint64(optMagic)
	e.writeUint16(uint16(serverHandshakeFlags))
	if _, err := s.rw.Write(e.buf); err != nil {
		return err
	}

	var b [4]byte
	if err := readFull(s.rw, b[:]); err != nil {
		return err
	}
	d := newDecoder("client flags", b[:])
	s.ClientFlags = ClientFlags(d.uint32())
	if s.ClientFlags&^requiredClientFlags != 0 {
		return protoErr(KindProtocolViolation, "client flags", "unknown flags 0x%x", uint32(s.ClientFlags))
	}
	if !s.ClientFlags.FixedNewstyle() || !s.ClientFlags.NoZeroes() {
		return protoErr(KindProtocolViolation, "client flags", "refusing flags 0x%x, need fixed newstyle without zeroes", uint32(s.ClientFlags))
	}
	s.State = StateHaggling

	for s.State == StateHaggling {
		o, err := n.readOption()
		if err != nil {
			return err
		}
		n.log.Debug("option", zap.Stringer("option", o.Code), zap.Int("length", len(o.Payload)))
		if err := n.handle(o); err != nil {
			return err
		}
	}
	if s.State == StateAborted {
		return errAborted
	}
	return nil
}

func (n *negotiator) readOption() (OptionRequest, error) {
	var hdr [optionHeaderSize]byte
	if err := readFull(n.s.rw, hdr[:]); err != nil {
		return OptionRequest{}, err
	}
	code, length, err := decodeOptionHeader(hdr[:], n.maxOption)
	if err != nil {
		return OptionRequest{}, err
	}
	o := OptionRequest{Code: code, Payload: make([]byte, length)}
	if err := readFull(n.s.rw, o.Payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return o, err
	}
	return o, nil
}

// handle dispatches a single option. Errors it returns are fatal.
func (n *negotiator) handle(o OptionRequest) error {
	s := n.s
	if n.tlsRequired && !s.TLS && o.Code != OptStartTLS && o.Code != OptAbort {
		if o.Code == OptExportName {
			return protoErr(KindProtocolViolation, "export name", "TLS required")
		}
		return n.fail(o.Code, RepErrTLSReqd, "TLS required")
	}

	switch o.Code {
	case OptAbort:
		s.State = StateAborted
		n.metrics.option(o.Code, "ok")
		// The client may already have closed its side, so a failing ack
		// does not matter.
		n.reply(o.Code, RepAck, nil)
		return nil

	case OptExportName:
		name := parseExportName(o.Payload).name
		ex, err := n.dir.Lookup(n.ctx, name)
		if err != nil {
			n.metrics.option(o.Code, "error")
			return &ProtocolError{Kind: KindExportNotFound, Op: "export name", Err: err}
		}
		// Export data, not an option reply frame.
		e := new(encoder)
		e.writeUint64(ex.Size)
		e.writeUint16(uint16(ex.transmissionFlags(s.Structured)))
		if _, err := s.rw.Write(e.buf); err != nil {
			return err
		}
		n.metrics.option(o.Code, "ok")
		s.selectExport(ex)
		return nil

	case OptInfo, OptGo:
		return n.handleInfo(o)

	case OptList:
		if len(o.Payload) != 0 {
			return n.fail(o.Code, RepErrInvalid, "list takes no data")
		}
		exp, err := n.dir.List(n.ctx)
		if err != nil {
			return n.fail(o.Code, RepErrPlatform, "listing exports: "+err.Error())
		}
		for _, ex := range exp {
			if err := n.reply(o.Code, RepServer, encodeServer(ex.Name, ex.Description)); err != nil {
				return err
			}
		}
		return n.ack(o.Code)

	case OptStartTLS:
		return n.handleStartTLS(o)

	case OptStructuredReply:
		if len(o.Payload) != 0 {
			return n.fail(o.Code, RepErrInvalid, "structured reply takes no data")
		}
		s.Structured = true
		return n.ack(o.Code)

	case OptListMetaContext, OptSetMetaContext:
		return n.handleMetaContext(o)

	default:
		err := &ProtocolError{Kind: KindUnsupportedOption, Op: o.Code.String()}
		return n.fail(o.Code, RepErrUnsup, err.Error())
	}
}

func (n *negotiator) handleInfo(o OptionRequest) error {
	s := n.s
	req, err := parseInfo(o.Payload)
	if err != nil {
		return n.fail(o.Code, RepErrInvalid, err.Error())
	}
	ex, err := n.dir.Lookup(n.ctx, req.name)
	if err != nil {
		return n.lookupFailed(o.Code, req.name, err)
	}
	if err := n.reply(o.Code, RepInfo, encodeInfoExport(ex.Size, ex.transmissionFlags(s.Structured))); err != nil {
		return err
	}
	for _, r := range req.reqs {
		var p []byte
		switch r {
		case infoName:
			p = encodeInfoString(infoName, ex.Name)
		case infoDescription:
			p = encodeInfoString(infoDescription, ex.Description)
		default:
			// NBD_INFO_EXPORT was already sent, NBD_INFO_BLOCK_SIZE is
			// always sent below, unknown requests are ignored.
			continue
		}
		if err := n.reply(o.Code, RepInfo, p); err != nil {
			return err
		}
	}
	if err := n.reply(o.Code, RepInfo, encodeInfoBlockSize(ex.blockSizes())); err != nil {
		return err
	}
	if err := n.ack(o.Code); err != nil {
		return err
	}
	if o.Code == OptGo {
		s.selectExport(ex)
	}
	return nil
}

func (n *negotiator) handleStartTLS(o OptionRequest) error {
	s := n.s
	switch {
	case len(o.Payload) != 0:
		return n.fail(o.Code, RepErrInvalid, "starttls takes no data")
	case s.TLS:
		return n.fail(o.Code, RepErrInvalid, "TLS already negotiated")
	case n.tls == nil:
		return n.fail(o.Code, RepErrUnsup, "TLS not available")
	}
	if err := n.ack(o.Code); err != nil {
		return err
	}
	s.State = StateTLSPending
	conn, err := n.tls.Upgrade(n.ctx, n.conn)
	if err != nil {
		return err
	}
	n.conn = conn
	s.rw = conn
	s.TLS = true
	s.State = StateHaggling
	n.log.Debug("TLS established")
	return nil
}

func (n *negotiator) handleMetaContext(o OptionRequest) error {
	s := n.s
	req, err := parseMetaContext(o.Payload)
	if err != nil {
		return n.fail(o.Code, RepErrInvalid, err.Error())
	}
	if o.Code == OptSetMetaContext && !s.Structured {
		return n.fail(o.Code, RepErrInvalid, "structured replies not negotiated")
	}
	ex, err := n.dir.Lookup(n.ctx, req.name)
	if err != nil {
		return n.lookupFailed(o.Code, req.name, err)
	}

	var names []string
	seen := make(map[string]bool)
	queries := req.queries
	if len(queries) == 0 && o.Code == OptListMetaContext {
		queries = supportedMetaContexts
	}
	for _, q := range queries {
		for _, c := range matchMetaContext(q) {
			if !seen[c] {
				seen[c] = true
				names = append(names, c)
			}
		}
	}

	if o.Code == OptSetMetaContext {
		ids := s.setMeta(ex.Name, names)
		for _, c := range names {
			if err := n.reply(o.Code, RepMetaContext, encodeMetaContext(ids[c], c)); err != nil {
				return err
			}
		}
	} else {
		for _, c := range names {
			if err := n.reply(o.Code, RepMetaContext, encodeMetaContext(0, c)); err != nil {
				return err
			}
		}
	}
	return n.ack(o.Code)
}

func (n *negotiator) lookupFailed(code OptionCode, name string, err error) error {
	if errors.Is(err, ErrExportNotFound) {
		return n.fail(code, RepErrUnknown, "unknown export "+name)
	}
	return n.fail(code, RepErrPlatform, "looking up export: "+err.Error())
}

func (n *negotiator) ack(code OptionCode) error {
	n.metrics.option(code, "ok")
	return n.reply(code, RepAck, nil)
}

// fail sends an error reply. Haggling continues.
func (n *negotiator) fail(code OptionCode, typ ReplyType, msg string) error {
	n.metrics.option(code, "error")
	n.log.Debug("option refused", zap.Stringer("option", code), zap.Stringer("reply", typ), zap.String("reason", msg))
	return n.reply(code, typ, []byte(msg))
}

func (n *negotiator) reply(code OptionCode, typ ReplyType, payload []byte) error {
	r := OptionReply{Option: code, Type: typ, Payload: payload}
	e := &encoder{buf: make([]byte, 0, replyHeaderSize+len(payload))}
	r.encode(e)
	_, err := n.s.rw.Write(e.buf)
	return err
}

// Client performs the client-side of the NBD network protocol handshake and
// can be used to query information about the exports from a server.
type Client struct {
	rw     io.ReadWriter
	closed bool
	flags  HandshakeFlags
}

// ClientHandshake starts the client-side of the NBD handshake over rw.
func ClientHandshake(rw io.ReadWriter) (*Client, error) {
	var b [18]byte
	if err := readFull(rw, b[:]); err != nil {
		return nil, err
	}
	d := newDecoder("server hello", b[:])
	if d.uint64() != nbdMagic || d.uint64() != optMagic {
		return nil, protoErr(KindBadMagic, "server hello", "")
	}
	flags := HandshakeFlags(d.uint16())
	if !flags.FixedNewstyle() || !flags.NoZeroes() {
		return nil, protoErr(KindProtocolViolation, "server hello", "refusing deprecated handshake flags 0x%x", uint16(flags))
	}
	e := new(encoder)
	e.writeUint32(uint32(requiredClientFlags))
	if _, err := rw.Write(e.buf); err != nil {
		return nil, err
	}
	return &Client{rw: rw, flags: flags}, nil
}

// send sends an option request to the server.
func (c *Client) send(code OptionCode, payload []byte) error {
	if c.closed {
		return errors.New("nbd: use of closed client")
	}
	o := OptionRequest{Code: code, Payload: payload}
	e := new(encoder)
	o.encode(e)
	_, err := c.rw.Write(e.buf)
	return err
}

// recv receives an option reply from the server. Error replies are returned
// as errors.
func (c *Client) recv(code OptionCode) (OptionReply, error) {
	var hdr [replyHeaderSize]byte
	if err := readFull(c.rw, hdr[:]); err != nil {
		return OptionReply{}, err
	}
	r, length, err := decodeReplyHeader(hdr[:], 4<<20)
	if err != nil {
		return r, err
	}
	if r.Option != code {
		return r, protoErr(KindProtocolViolation, "recv", "server responded to %v instead of %v", r.Option, code)
	}
	r.Payload = make([]byte, length)
	if err := readFull(c.rw, r.Payload); err != nil {
		return r, err
	}
	if r.Type.IsError() {
		return r, &replyError{r.Type, string(r.Payload)}
	}
	return r, nil
}

// ReplyTypeOf returns the type of an error reply returned by a Client method,
// or 0 if err does not come from the server.
func ReplyTypeOf(err error) ReplyType {
	var re *replyError
	if errors.As(err, &re) {
		return re.typ
	}
	return 0
}

// Abort aborts the handshake. c should not be used after Abort returns.
func (c *Client) Abort() error {
	if err := c.send(OptAbort, nil); err != nil {
		return err
	}
	rep, err := c.recv(OptAbort)
	c.closed = true
	if err != nil {
		return err
	}
	if rep.Type != RepAck {
		return errors.New("nbd: invalid response to abort request")
	}
	return nil
}

// List returns the names of exports the server is providing.
func (c *Client) List() ([]string, error) {
	if err := c.send(OptList, nil); err != nil {
		return nil, err
	}
	var list []string
	for {
		rep, err := c.recv(OptList)
		if err != nil {
			return nil, err
		}
		switch rep.Type {
		case RepAck:
			return list, nil
		case RepServer:
			name, _, err := parseServer(rep.Payload)
			if err != nil {
				return nil, err
			}
			list = append(list, name)
		default:
			return nil, errors.New("nbd: invalid response to list request")
		}
	}
}

// StructuredReply asks the server to use structured replies in the
// transmission phase.
func (c *Client) StructuredReply() error {
	if err := c.send(OptStructuredReply, nil); err != nil {
		return err
	}
	rep, err := c.recv(OptStructuredReply)
	if err != nil {
		return err
	}
	if rep.Type != RepAck {
		return errors.New("nbd: invalid response to structured reply request")
	}
	return nil
}

// info sends an NBD_OPT_INFO (if done == false) or NBD_OPT_GO (if done ==
// true) request and returns the export data returned by the server.
func (c *Client) info(exportName string, done bool) (Export, error) {
	code := OptInfo
	if done {
		code = OptGo
	}
	req := optInfo{name: exportName, reqs: []uint16{infoName, infoDescription, infoBlockSize}}
	e := new(encoder)
	req.encode(e)
	if err := c.send(code, e.buf); err != nil {
		return Export{}, err
	}
	ex := Export{Name: exportName}
	for {
		rep, err := c.recv(code)
		if err != nil {
			return ex, err
		}
		switch rep.Type {
		case RepAck:
			return ex, nil
		case RepInfo:
			if err := parseInfoReply(rep.Payload, &ex); err != nil {
				return ex, err
			}
		default:
			return ex, errors.New("nbd: invalid response to info request")
		}
	}
}

// Info requests information about the export identified by exportName. If
// exportName is the empty string, the default export will be queried.
func (c *Client) Info(exportName string) (Export, error) {
	return c.info(exportName, false)
}

// Go terminates the handshake phase of the NBD protocol, opening the export
// identified by exportName. If exportName is the empty string, the default
// export will be used. c should not be used after Go returns.
func (c *Client) Go(exportName string) (Export, error) {
	ex, err := c.info(exportName, true)
	if err == nil {
		c.closed = true
	}
	return ex, err
}

func (c *Client) metaContext(code OptionCode, exportName string, queries []string) (map[string]uint32, error) {
	req := optMetaContext{name: exportName, queries: queries}
	e := new(encoder)
	req.encode(e)
	if err := c.send(code, e.buf); err != nil {
		return nil, err
	}
	out := make(map[string]uint32)
	for {
		rep, err := c.recv(code)
		if err != nil {
			return nil, err
		}
		switch rep.Type {
		case RepAck:
			return out, nil
		case RepMetaContext:
			id, name, err := parseMetaContextReply(rep.Payload)
			if err != nil {
				return nil, err
			}
			out[name] = id
		default:
			return nil, errors.New("nbd: invalid response to meta context request")
		}
	}
}

// ListMetaContext returns the meta contexts of the named export matching
// queries. The ids are always zero.
func (c *Client) ListMetaContext(exportName string, queries ...string) (map[string]uint32, error) {
	return c.metaContext(OptListMetaContext, exportName, queries)
}

// SetMetaContext selects the meta contexts matching queries for use in the
// transmission phase and returns the ids the server assigned to them.
func (c *Client) SetMetaContext(exportName string, queries ...string) (map[string]uint32, error) {
	return c.metaContext(OptSetMetaContext, exportName, queries)
}
