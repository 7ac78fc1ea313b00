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

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"time"

	"github.com/google/subcommands"
	"github.com/oxblock/nbd"
	"github.com/oxblock/nbd/nbdnl"
)

func init() {
	commands = append(commands, &connectCmd{})
}

type connectCmd struct {
	addr        string
	unix        bool
	export      string
	conns       int
	timeout     time.Duration
	index       indexFlag
	reconfigure bool
}

func (cmd *connectCmd) Name() string {
	return "connect"
}

func (cmd *connectCmd) Synopsis() string {
	return "connect a remote export as a block device"
}

func (cmd *connectCmd) Usage() string {
	return `Usage: nbd connect -addr <addr> [-unix] [-export <name>] [-conns <n>] [-index <n> [-reconfigure]]

Connect an export of a server to an NBD device node. With -conns, several
connections are opened, which the server must allow by advertising
multi-connection support for the export. With -reconfigure, the connections
of an already connected device are replaced, for example after the server was
restarted.
`
}

func (cmd *connectCmd) SetFlags(fs *flag.FlagSet) {
	fs.StringVar(&cmd.export, "export", "", "Export to use. If not provided, the default is used")
	fs.StringVar(&cmd.addr, "addr", "localhost:10809", "Address to connect to")
	fs.BoolVar(&cmd.unix, "unix", false, "Connect to a unix domain socket")
	fs.IntVar(&cmd.conns, "conns", 1, "Number of connections to hand to the kernel")
	fs.DurationVar(&cmd.timeout, "timeout", 0, "Request timeout of the kernel client")
	fs.Var(&cmd.index, "index", "Index of the NBD device to use")
	fs.BoolVar(&cmd.reconfigure, "reconfigure", false, "Replace the connections of a connected device")
}

func (cmd *connectCmd) Execute(ctx context.Context, fs *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if fs.NArg() != 0 || cmd.conns < 1 || (cmd.reconfigure && !cmd.index.set) {
		log.Print(cmd.Usage())
		return subcommands.ExitUsageError
	}

	network := "tcp"
	if cmd.unix {
		network = "unix"
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var (
		socks []*os.File
		exp   nbd.Export
	)
	defer func() {
		for _, s := range socks {
			s.Close()
		}
	}()
	for i := 0; i < cmd.conns; i++ {
		sock, ex, err := cmd.dial(ctx, network)
		if err != nil {
			log.Println(err)
			return subcommands.ExitFailure
		}
		socks = append(socks, sock)
		if i == 0 {
			exp = ex
		}
		if cmd.conns > 1 && !ex.Flags.CanMultiConn() {
			log.Printf("export %q does not support multiple connections", cmd.export)
			return subcommands.ExitFailure
		}
	}

	cfg := nbd.KernelConfig(exp)
	cfg.Timeout = cmd.timeout
	if cmd.reconfigure {
		if err := nbdnl.Reconfigure(cmd.index.val, socks, cfg); err != nil {
			log.Println(err)
			return subcommands.ExitFailure
		}
		return subcommands.ExitSuccess
	}
	idx := nbdnl.IndexAny
	if cmd.index.set {
		idx = cmd.index.val
	}
	n, err := nbdnl.Connect(idx, socks, cfg)
	if err != nil {
		log.Println(err)
		return subcommands.ExitFailure
	}
	fmt.Println(nbdnl.DeviceStatus{Index: n}.Path())
	return subcommands.ExitSuccess
}

// dial opens a connection and runs the handshake on it. The returned file
// is a duplicate of the connection, which is closed.
func (cmd *connectCmd) dial(ctx context.Context, network string) (*os.File, nbd.Export, error) {
	c, err := new(net.Dialer).DialContext(ctx, network, cmd.addr)
	if err != nil {
		return nil, nbd.Export{}, err
	}
	defer c.Close()

	cl, err := nbd.ClientHandshake(c)
	if err != nil {
		return nil, nbd.Export{}, err
	}
	exp, err := cl.Go(cmd.export)
	if err != nil {
		return nil, nbd.Export{}, err
	}

	var sock *os.File
	switch c := c.(type) {
	case *net.TCPConn:
		sock, err = c.File()
	case *net.UnixConn:
		sock, err = c.File()
	default:
		err = errors.New("could not get file descriptor: unknown connection type")
	}
	return sock, exp, err
}
