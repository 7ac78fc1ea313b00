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
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/google/subcommands"
	"github.com/oxblock/nbd"
	"github.com/oxblock/nbd/backend"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

func init() {
	commands = append(commands, &loCmd{})
}

type loCmd struct {
	readOnly bool
	size     string
	verbose  bool
}

func (cmd *loCmd) Name() string {
	return "lo"
}

func (cmd *loCmd) Synopsis() string {
	return "Provide file locally as a block device"
}

func (cmd *loCmd) Usage() string {
	return `Usage: nbd lo [-ro] [-size <size>] <file>

Provide file locally as a block device. An NBD device node will be chosen automatically and the path of that device printed to stdout.
With -size, the file is created or grown to the given size (like "10GiB").

As a special feature, you can toggle write-only mode by sending a SIGUSR1. In
write-only mode, all write-requests are denied with a EPERM. This is useful for
testing crash-resilience of an application on a given filesystem. You can
create a virtual block device with a filesystem of your choice and have the
application under test write to it. When you want to simulate a crash, you send
a SIGUSR1 and unmount the device. You then send another SIGUSR1 and remount the
filesystem to check whether invariants of the application survived the "crash".
`
}

func (cmd *loCmd) SetFlags(fs *flag.FlagSet) {
	fs.BoolVar(&cmd.readOnly, "ro", false, "Provide the device read-only")
	fs.StringVar(&cmd.size, "size", "", "Create or grow the file to this size")
	fs.BoolVar(&cmd.verbose, "v", false, "Log every failed request")
}

func (cmd *loCmd) Execute(ctx context.Context, fs *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if fs.NArg() != 1 {
		log.Print(cmd.Usage())
		return subcommands.ExitUsageError
	}
	var size uint64
	if cmd.size != "" {
		var err error
		if size, err = humanize.ParseBytes(cmd.size); err != nil {
			log.Println(err)
			return subcommands.ExitUsageError
		}
	}

	f, err := backend.OpenFile(fs.Arg(0), int64(size), cmd.readOnly)
	if err != nil {
		log.Println(err)
		return subcommands.ExitFailure
	}
	defer f.Close()
	log.Printf("serving %s (%s)", fs.Arg(0), humanize.IBytes(uint64(f.Size())))

	d := &crashable{File: f}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, unix.SIGUSR1)
	defer signal.Stop(ch)
	go func() {
		for range ch {
			d.toggleCrash()
		}
	}()

	exp := nbd.Export{
		Size:     uint64(f.Size()),
		ReadOnly: cmd.readOnly,
		Device:   d,
	}
	if fi, err := os.Stat(fs.Arg(0)); err == nil {
		exp.BlockSizes = blockSize(fi)
	}
	srv := new(nbd.Server)
	if cmd.verbose {
		srv.Logger, _ = zap.NewDevelopment()
	}
	idx, wait, err := srv.Loopback(ctx, exp)
	if err != nil {
		log.Println(err)
		return subcommands.ExitFailure
	}
	fmt.Printf("Connected to /dev/nbd%d\n", idx)
	if err := wait(); err != nil {
		log.Println(err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// crashable rejects all modifications while crashed.
type crashable struct {
	*backend.File
	crashed uint32
}

func (c *crashable) toggleCrash() {
	if atomic.AddUint32(&c.crashed, 1<<31) == 0 {
		log.Println("SIGUSR1 received, device is read-write")
	} else {
		log.Println("SIGUSR1 received, device is read-only")
	}
}

func (c *crashable) check() error {
	if atomic.LoadUint32(&c.crashed) != 0 {
		return nbd.Errorf(nbd.EPERM, "write-only")
	}
	return nil
}

func (c *crashable) WriteAt(p []byte, offset int64) (n int, err error) {
	if err := c.check(); err != nil {
		return 0, err
	}
	return c.File.WriteAt(p, offset)
}

func (c *crashable) Trim(offset, length int64) error {
	if err := c.check(); err != nil {
		return err
	}
	return c.File.Trim(offset, length)
}

func (c *crashable) WriteZeroes(offset, length int64, noHole bool) error {
	if err := c.check(); err != nil {
		return err
	}
	return c.File.WriteZeroes(offset, length, noHole)
}
