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
	"crypto/tls"
	"errors"
	"net"
)

// Upgrader turns the raw connection into a secure one after the client sent
// NBD_OPT_STARTTLS and the server acknowledged it.
type Upgrader interface {
	Upgrade(ctx context.Context, c net.Conn) (net.Conn, error)
}

// TLSUpgrader is an Upgrader running the server side of a TLS handshake.
type TLSUpgrader struct {
	Config *tls.Config
}

// Upgrade implements Upgrader.
func (u TLSUpgrader) Upgrade(ctx context.Context, c net.Conn) (net.Conn, error) {
	tc := tls.Server(c, u.Config)
	if err := tc.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return tc, nil
}

// StartTLS negotiates NBD_OPT_STARTTLS and runs the client side of the TLS
// handshake. The connection passed to ClientHandshake must be a net.Conn.
func (c *Client) StartTLS(ctx context.Context, cfg *tls.Config) error {
	conn, ok := c.rw.(net.Conn)
	if !ok {
		return errors.New("nbd: StartTLS needs a net.Conn")
	}
	if err := c.send(OptStartTLS, nil); err != nil {
		return err
	}
	rep, err := c.recv(OptStartTLS)
	if err != nil {
		return err
	}
	if rep.Type != RepAck {
		return errors.New("nbd: invalid response to starttls request")
	}
	tc := tls.Client(conn, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		return err
	}
	c.rw = tc
	return nil
}
