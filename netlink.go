//go:build linux

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
	"fmt"
	"net"
	"os"

	"github.com/oxblock/nbd/nbdnl"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// Configure passes the given set of sockets to the kernel to provide them as
// an NBD device. socks must be connected to the same server (which must
// support multiple connections) and be in transmission phase. It returns the
// device-numbers that was chosen by the kernel or any error. You can then use
// /dev/nbdX as a block device. Use nbdnl.Disconnect to disconnect the device
// once you're done with it.
//
// This is a Linux-only API.
func Configure(e Export, socks ...*os.File) (uint32, error) {
	return nbdnl.Connect(nbdnl.IndexAny, socks, KernelConfig(e))
}

// KernelConfig returns the configuration for the kernel NBD client serving e,
// as received by Client.Go. It can be amended with timeouts and client flags
// before passing it to nbdnl.Connect.
//
// This is a Linux-only API.
func KernelConfig(e Export) nbdnl.Config {
	cfg := nbdnl.Config{
		Size:        e.Size,
		ServerFlags: nbdnl.ServerFlags(e.Flags),
	}
	// the kernel only supports block sizes between 512 bytes and a page
	if bs := e.BlockSizes; bs != nil && bs.Preferred >= 512 && bs.Preferred <= 4096 {
		cfg.BlockSize = uint64(bs.Preferred)
	}
	return cfg
}

// Loopback serves d on a private socket, passing the other end to the kernel
// to connect to an NBD device. See Server.Loopback.
//
// This is a Linux-only API.
func Loopback(ctx context.Context, d Device, size uint64) (idx uint32, wait func() error, err error) {
	return new(Server).Loopback(ctx, Export{Size: size, Device: d, BlockSizes: &defaultBlockSizes})
}

// Loopback serves exp on a private socket, passing the other end to the
// kernel to connect to an NBD device. It returns the device-number that the
// kernel chose. wait blocks until ctx is cancelled or serving the device
// fails. It then disconnects the device and returns the serving error, if any,
// joined with any error encountered while tearing down.
//
// The kernel skips the handshake, so the connection starts out in
// transmission phase with simple replies.
//
// This is a Linux-only API.
func (srv *Server) Loopback(ctx context.Context, exp Export) (idx uint32, wait func() error, err error) {
	client, serverc, err := socketPair()
	if err != nil {
		return 0, nil, err
	}
	exp.Flags = exp.transmissionFlags(false)
	if idx, err = Configure(exp, client); err != nil {
		return 0, nil, errors.Join(err, client.Close(), serverc.Close())
	}

	lo := &loopback{idx: idx, client: client, server: serverc}
	log := srv.logger().With(zap.Uint32("device", idx), zap.String("export", exp.Name))
	lo.eg.Go(func() error {
		stop := context.AfterFunc(ctx, func() { serverc.Close() })
		defer stop()
		s := &Session{State: StateExportSelected, Export: exp, rw: serverc}
		return srv.transmit(ctx, log, s)
	})
	return idx, lo.wait, nil
}

// socketPair returns both ends of a unix stream socket pair, the kernel's end
// as a file.
func socketPair() (*os.File, net.Conn, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	client := os.NewFile(uintptr(fds[0]), "nbd-client")
	server := os.NewFile(uintptr(fds[1]), "nbd-server")
	// FileConn duplicates the descriptor.
	defer server.Close()
	conn, err := net.FileConn(server)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return client, conn, nil
}

type loopback struct {
	idx    uint32
	client *os.File
	server net.Conn
	eg     errgroup.Group
}

func (lo *loopback) wait() error {
	err := lo.eg.Wait()
	// cancellation is the only way for a healthy device to stop
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		err = nil
	}
	var errs []error
	if e := nbdnl.Disconnect(lo.idx); e != nil {
		errs = append(errs, e)
	}
	if e := lo.client.Close(); e != nil {
		errs = append(errs, fmt.Errorf("closing client socket: %w", e))
	}
	// the serving goroutine usually closed it already
	if e := lo.server.Close(); e != nil && !errors.Is(e, net.ErrClosed) {
		errs = append(errs, fmt.Errorf("closing server socket: %w", e))
	}
	return errors.Join(append([]error{err}, errs...)...)
}
