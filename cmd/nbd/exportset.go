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
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/oxblock/nbd"
	"github.com/oxblock/nbd/backend"
	"github.com/oxblock/nbd/internal/config"
	"go.uber.org/zap"
)

// exportSet opens the devices of configured exports. Devices are reused
// across reloads as long as their storage does not change. Replaced devices
// may still be in use by connections, so they are only closed by Close.
type exportSet struct {
	log *zap.Logger

	mu      sync.Mutex
	open    map[string]openExport
	retired []io.Closer
}

type openExport struct {
	cfg config.ExportConfig
	exp nbd.Export
}

// sameStorage reports whether a and b can share a device.
func sameStorage(a, b config.ExportConfig) bool {
	return a.Backend == b.Backend && a.Path == b.Path && a.Size == b.Size && a.ReadOnly == b.ReadOnly
}

func newExportSet(log *zap.Logger) *exportSet {
	return &exportSet{log: log, open: make(map[string]openExport)}
}

// Build returns the exports for cfgs, in order. If any export fails to open,
// the set is left unchanged.
func (s *exportSet) Build(cfgs []config.ExportConfig) ([]nbd.Export, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]openExport, len(cfgs))
	var (
		out    []nbd.Export
		opened []nbd.Export
	)
	for _, c := range cfgs {
		var (
			e   nbd.Export
			err error
		)
		if o, ok := s.open[c.Name]; ok && sameStorage(o.cfg, c) {
			e, err = describe(c, o.exp.Device, o.exp.Size)
		} else if e, err = s.openExport(c); err == nil {
			opened = append(opened, e)
		}
		if err != nil {
			for _, e := range opened {
				closeDevice(e.Device)
			}
			return nil, fmt.Errorf("export %q: %w", c.Name, err)
		}
		next[c.Name] = openExport{cfg: c, exp: e}
		out = append(out, e)
	}
	for name, o := range s.open {
		if n, ok := next[name]; !ok || !sameStorage(n.cfg, o.cfg) {
			if c, ok := o.exp.Device.(io.Closer); ok {
				s.retired = append(s.retired, c)
			}
		}
	}
	s.open = next
	return out, nil
}

func (s *exportSet) openExport(c config.ExportConfig) (nbd.Export, error) {
	size, err := c.SizeBytes()
	if err != nil {
		return nbd.Export{}, err
	}
	var d nbd.Device
	switch c.Backend {
	case config.BackendMemory:
		d = backend.NewMemory(int64(size))
	case config.BackendBadger:
		b, err := backend.OpenBadger(c.Path, int64(size), s.log)
		if err != nil {
			return nbd.Export{}, err
		}
		d = b
	case config.BackendFile:
		f, err := backend.OpenFile(c.Path, int64(size), c.ReadOnly)
		if err != nil {
			return nbd.Export{}, err
		}
		size = uint64(f.Size())
		d = f
	default:
		return nbd.Export{}, fmt.Errorf("unknown backend %q", c.Backend)
	}
	e, err := describe(c, d, size)
	if err != nil {
		closeDevice(d)
		return nbd.Export{}, err
	}
	s.log.Info("opened export",
		zap.String("export", c.Name),
		zap.String("backend", c.Backend),
		zap.String("size", humanize.IBytes(size)),
		zap.Bool("read_only", c.ReadOnly))
	return e, nil
}

// describe builds the export announced for device d.
func describe(c config.ExportConfig, d nbd.Device, size uint64) (nbd.Export, error) {
	bs, err := c.BlockSize.Constraints()
	if err != nil {
		return nbd.Export{}, err
	}
	e := nbd.Export{
		Name:        c.Name,
		Description: c.Description,
		Size:        size,
		ReadOnly:    c.ReadOnly,
		Device:      d,
	}
	if bs != nil {
		e.BlockSizes = &nbd.BlockSizeConstraints{Min: bs.Min, Preferred: bs.Preferred, Max: bs.Max}
	} else if c.Backend == config.BackendFile {
		if fi, err := os.Stat(c.Path); err == nil {
			e.BlockSizes = blockSize(fi)
		}
	}
	if c.MultiConn {
		e.Flags |= nbd.FlagCanMultiConn
	}
	if c.Rotational {
		e.Flags |= nbd.FlagRotational
	}
	return e, nil
}

// Close closes all devices.
func (s *exportSet) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	for _, c := range s.retired {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	for _, o := range s.open {
		if err := closeDevice(o.exp.Device); err != nil && first == nil {
			first = err
		}
	}
	s.retired, s.open = nil, nil
	return first
}

func closeDevice(d nbd.Device) error {
	if c, ok := d.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
