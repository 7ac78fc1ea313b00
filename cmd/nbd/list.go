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
	"io"
	"log"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"
	"github.com/oxblock/nbd/nbdnl"
)

func init() {
	commands = append(commands, &listCmd{})
}

type listCmd struct {
	index     indexFlag
	connected bool
}

func (cmd *listCmd) Name() string {
	return "list"
}

func (cmd *listCmd) Synopsis() string {
	return "list NBD devices and their status"
}

func (cmd *listCmd) Usage() string {
	return `Usage: nbd list [-connected] [-index <n>]

List the NBD devices known to the kernel and whether they are connected.
With -index, only the given device is shown and the exit status is non-zero
if it does not exist.
`
}

func (cmd *listCmd) SetFlags(fs *flag.FlagSet) {
	cmd.index.def = "all"
	fs.Var(&cmd.index, "index", "Only show this device")
	fs.BoolVar(&cmd.connected, "connected", false, "Only list connected devices")
}

func (cmd *listCmd) Execute(ctx context.Context, fs *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	var (
		st  []nbdnl.DeviceStatus
		err error
	)
	if cmd.index.set {
		var s nbdnl.DeviceStatus
		s, err = nbdnl.Status(cmd.index.val)
		st = append(st, s)
	} else {
		st, err = nbdnl.StatusAll()
	}
	if errors.Is(err, nbdnl.ErrNotFound) {
		log.Printf("/dev/nbd%d does not exist", cmd.index.val)
		return subcommands.ExitFailure
	}
	if err != nil {
		log.Println(err)
		return subcommands.ExitFailure
	}
	printDevices(os.Stdout, st, cmd.connected)
	return subcommands.ExitSuccess
}

func printDevices(out io.Writer, st []nbdnl.DeviceStatus, connectedOnly bool) {
	w := tabwriter.NewWriter(out, 0, 0, 1, ' ', 0)
	fmt.Fprintf(w, "Device\tConnected\n")
	for _, s := range st {
		if connectedOnly && !s.Connected {
			continue
		}
		fmt.Fprintf(w, "%s\t%v\n", s.Path(), s.Connected)
	}
	w.Flush()
}
