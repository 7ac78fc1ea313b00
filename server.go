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
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Server serves exports from a Directory. The zero value is not usable;
// Directory must be set. A Server may serve any number of connections
// concurrently.
type Server struct {
	Directory Directory

	// Logger receives connection events. If nil, nothing is logged.
	Logger *zap.Logger
	// Metrics, if not nil, is updated for every connection and request.
	Metrics *Metrics

	// TLS, if not nil, allows clients to upgrade with NBD_OPT_STARTTLS.
	TLS Upgrader
	// TLSRequired refuses every option but NBD_OPT_STARTTLS and
	// NBD_OPT_ABORT until TLS is established.
	TLSRequired bool

	// MaxOptionLength bounds option payloads. Defaults to
	// DefaultMaxOptionLength.
	MaxOptionLength uint32
	// MaxPayload bounds the data of write requests. Defaults to
	// DefaultMaxPayload.
	MaxPayload uint32
	// IdleTimeout, if positive, closes connections that neither send nor
	// receive anything for that long.
	IdleTimeout time.Duration
}

// ListenAndServe starts listening on the given network/address and serves the
// given exports, the first of which will serve as the default. It starts a new
// goroutine for each connection. ListenAndServe only returns when ctx is
// cancelled or an unrecoverable error occurs. Either way, it will wait for all
// connections to terminate first.
func ListenAndServe(ctx context.Context, network, addr string, exp ...Export) error {
	srv := &Server{Directory: Exports(exp)}
	return srv.ListenAndServe(ctx, network, addr)
}

// Serve serves the given exports on c. The first export is used as a default.
// Serve returns after ctx is cancelled or an error occurs. c is closed when
// Serve returns.
func Serve(ctx context.Context, c net.Conn, exp ...Export) error {
	srv := &Server{Directory: Exports(exp)}
	return srv.ServeConn(ctx, c)
}

// ListenAndServe listens on network/addr and calls Serve.
func (srv *Server) ListenAndServe(ctx context.Context, network, addr string) error {
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, network, addr)
	if err != nil {
		return err
	}
	return srv.Serve(ctx, l)
}

// Serve accepts connections on l and serves each of them in its own
// goroutine. When ctx is cancelled, l and all connections are closed; Serve
// then returns nil after every connection terminated.
func (srv *Server) Serve(ctx context.Context, l net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		eg errgroup.Group
		wg sync.WaitGroup
	)
	eg.Go(func() error {
		<-ctx.Done()
		return l.Close()
	})
	eg.Go(func() error {
		defer cancel()
		for {
			c, err := l.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				srv.ServeConn(ctx, c)
			}()
		}
	})
	err := eg.Wait()
	wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

// ServeConn runs the handshake and transmission phase on c. It returns nil if
// the client disconnected or aborted cleanly. c is closed when ServeConn
// returns; a failure only ever affects this connection.
func (srv *Server) ServeConn(ctx context.Context, c net.Conn) error {
	log := srv.logger().With(zap.String("remote", remoteAddr(c)))
	srv.Metrics.connOpened()
	defer srv.Metrics.connClosed()
	defer c.Close()

	if tc, ok := c.(*net.TCPConn); ok {
		if err := tc.SetNoDelay(true); err != nil {
			log.Debug("could not disable Nagle's algorithm", zap.Error(err))
		}
	}
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	conn := c
	if srv.IdleTimeout > 0 {
		conn = &idleConn{Conn: c, timeout: srv.IdleTimeout}
	}

	s := new(Session)
	n := &negotiator{
		ctx:         ctx,
		s:           s,
		conn:        conn,
		dir:         srv.Directory,
		tls:         srv.TLS,
		tlsRequired: srv.TLSRequired,
		maxOption:   srv.maxOptionLength(),
		log:         log,
		metrics:     srv.Metrics,
	}
	if err := n.run(); err != nil {
		if err == errAborted {
			log.Debug("client aborted negotiation")
			return nil
		}
		return srv.connErr(ctx, log, "negotiation", err)
	}
	log = log.With(zap.String("export", s.Export.Name))
	log.Debug("entering transmission phase", zap.Bool("structured", s.Structured), zap.Bool("tls", s.TLS))
	return srv.transmit(ctx, log, s)
}

// transmit serves the transmission phase of s.
func (srv *Server) transmit(ctx context.Context, log *zap.Logger, s *Session) error {
	t := &engine{
		s:          s,
		maxPayload: srv.maxPayload(),
		log:        log,
		metrics:    srv.Metrics,
	}
	if err := t.run(); err != nil {
		return srv.connErr(ctx, log, "transmission", err)
	}
	log.Debug("client disconnected")
	return nil
}

// connErr logs the error ending a connection. Peer closes and cancellation
// are not errors.
func (srv *Server) connErr(ctx context.Context, log *zap.Logger, phase string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err == io.EOF {
		log.Debug("connection closed by peer", zap.String("phase", phase))
		return nil
	}
	log.Warn("closing connection", zap.String("phase", phase), zap.Error(err))
	return err
}

func (srv *Server) logger() *zap.Logger {
	if srv.Logger == nil {
		return zap.NewNop()
	}
	return srv.Logger
}

func (srv *Server) maxOptionLength() uint32 {
	if srv.MaxOptionLength == 0 {
		return DefaultMaxOptionLength
	}
	return srv.MaxOptionLength
}

func (srv *Server) maxPayload() uint32 {
	if srv.MaxPayload == 0 {
		return DefaultMaxPayload
	}
	return srv.MaxPayload
}

func remoteAddr(c net.Conn) string {
	if a := c.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}

// idleConn wraps a net.Conn to close it after a period of inactivity, by
// pushing the deadline forward before every read and write.
type idleConn struct {
	net.Conn
	timeout time.Duration
}

func (c *idleConn) Read(p []byte) (int, error) {
	c.Conn.SetDeadline(time.Now().Add(c.timeout))
	return c.Conn.Read(p)
}

func (c *idleConn) Write(p []byte) (int, error) {
	c.Conn.SetDeadline(time.Now().Add(c.timeout))
	return c.Conn.Write(p)
}
