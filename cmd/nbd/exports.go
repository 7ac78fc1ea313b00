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
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/subcommands"
	"github.com/oxblock/nbd"
)

func init() {
	commands = append(commands, &exportsCmd{})
}

type exportsCmd struct {
	addr     string
	unix     bool
	tls      bool
	insecure bool
	meta     bool
}

func (cmd *exportsCmd) Name() string {
	return "exports"
}

func (cmd *exportsCmd) Synopsis() string {
	return "list the exports of a server"
}

func (cmd *exportsCmd) Usage() string {
	return `Usage: nbd exports [-addr <addr>] [-unix] [-tls [-insecure]] [-meta]

List the exports a server provides, with their size and capabilities.
`
}

func (cmd *exportsCmd) SetFlags(fs *flag.FlagSet) {
	fs.StringVar(&cmd.addr, "addr", "localhost:10809", "Address to connect to")
	fs.BoolVar(&cmd.unix, "unix", false, "Connect to a unix domain socket")
	fs.BoolVar(&cmd.tls, "tls", false, "Upgrade the connection with STARTTLS")
	fs.BoolVar(&cmd.insecure, "insecure", false, "Do not verify the server certificate")
	fs.BoolVar(&cmd.meta, "meta", false, "Also list the meta contexts of every export")
}

func (cmd *exportsCmd) Execute(ctx context.Context, fs *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if fs.NArg() != 0 {
		log.Print(cmd.Usage())
		return subcommands.ExitUsageError
	}
	network := "tcp"
	if cmd.unix {
		network = "unix"
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	c, err := new(net.Dialer).DialContext(ctx, network, cmd.addr)
	if err != nil {
		log.Println(err)
		return subcommands.ExitFailure
	}
	defer c.Close()
	if dl, ok := ctx.Deadline(); ok {
		c.SetDeadline(dl)
	}

	cl, err := nbd.ClientHandshake(c)
	if err != nil {
		log.Println(err)
		return subcommands.ExitFailure
	}
	if cmd.tls {
		host, _, _ := net.SplitHostPort(cmd.addr)
		cfg := &tls.Config{ServerName: host, InsecureSkipVerify: cmd.insecure}
		if err := cl.StartTLS(ctx, cfg); err != nil {
			log.Println(err)
			return subcommands.ExitFailure
		}
	}
	if err := cmd.list(cl, os.Stdout); err != nil {
		log.Println(err)
		return subcommands.ExitFailure
	}
	if err := cl.Abort(); err != nil {
		log.Println(err)
	}
	return subcommands.ExitSuccess
}

func (cmd *exportsCmd) list(cl *nbd.Client, out io.Writer) error {
	names, err := cl.List()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 0, 1, ' ', 0)
	fmt.Fprintf(w, "Name\tSize\tBlock size\tFlags\tDescription\n")
	for _, name := range names {
		ex, err := cl.Info(name)
		if err != nil {
			return fmt.Errorf("info %q: %w", name, err)
		}
		bs := "-"
		if ex.BlockSizes != nil {
			bs = fmt.Sprintf("%d/%s/%s", ex.BlockSizes.Min,
				humanize.IBytes(uint64(ex.BlockSizes.Preferred)),
				humanize.IBytes(uint64(ex.BlockSizes.Max)))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", name, humanize.IBytes(ex.Size), bs, flagString(ex.Flags), ex.Description)
		if !cmd.meta {
			continue
		}
		ctxs, err := cl.ListMetaContext(name)
		if err != nil {
			return fmt.Errorf("meta contexts of %q: %w", name, err)
		}
		var mc []string
		for n := range ctxs {
			mc = append(mc, n)
		}
		sort.Strings(mc)
		for _, n := range mc {
			fmt.Fprintf(w, "\t\t\tcontext\t%s\n", n)
		}
	}
	return w.Flush()
}

func flagString(f nbd.TransmissionFlags) string {
	var s []string
	for _, fl := range []struct {
		set  bool
		name string
	}{
		{f.ReadOnly(), "ro"},
		{f.CanFlush(), "flush"},
		{f.CanFUA(), "fua"},
		{f.CanTrim(), "trim"},
		{f.CanWriteZeroes(), "zeroes"},
		{f.CanDF(), "df"},
		{f.CanMultiConn(), "multiconn"},
	} {
		if fl.set {
			s = append(s, fl.name)
		}
	}
	if len(s) == 0 {
		return "-"
	}
	return strings.Join(s, ",")
}
