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
	"io"
	"sync"
)

// Device is the interface that should be implemented to expose an NBD device
// to the network or the kernel. Errors returned should implement Error -
// otherwise, EIO is assumed as the error number.
//
// A Device is shared by all connections that selected its export, so it must
// be safe for concurrent use.
type Device interface {
	io.ReaderAt
	io.WriterAt
	// Sync should block until all previous writes where written to persistent
	// storage and return any errors that occured.
	Sync() error
}

// Trimmer is implemented by devices that can discard a range. Exports whose
// device implements it advertise NBD_FLAG_SEND_TRIM.
type Trimmer interface {
	Trim(offset, length int64) error
}

// Zeroer is implemented by devices that can zero a range without receiving
// the data. If noHole is set, the range must stay allocated. Devices that do
// not implement it get zero-filled writes instead.
type Zeroer interface {
	WriteZeroes(offset, length int64, noHole bool) error
}

// Extent is a run of a device with uniform allocation status. Hole means
// the run is unallocated; only Zero promises that it reads as zeroes.
type Extent struct {
	Length int64
	Hole   bool
	Zero   bool
}

// BlockStatuser is implemented by devices that can report their allocation
// status. The returned extents must be ordered, start at offset and not be
// empty. They may cover less than length.
type BlockStatuser interface {
	BlockStatus(offset, length int64) ([]Extent, error)
}

// Export specifies the data needed for the NBD network protocol.
type Export struct {
	Name        string
	Description string
	Size        uint64
	// Flags are advertised in addition to the flags derived from Device. On
	// the client side, they are the flags sent by the server.
	Flags      TransmissionFlags
	ReadOnly   bool
	BlockSizes *BlockSizeConstraints
	Device     Device
}

// BlockSizeConstraints optionally specifies possible block sizes for a given
// export.
type BlockSizeConstraints struct {
	Min       uint32
	Preferred uint32
	Max       uint32
}

var defaultBlockSizes = BlockSizeConstraints{1, 4096, DefaultMaxPayload}

func (e *Export) blockSizes() BlockSizeConstraints {
	if e.BlockSizes != nil {
		return *e.BlockSizes
	}
	return defaultBlockSizes
}

// transmissionFlags returns the flags advertised for e.
func (e *Export) transmissionFlags(structured bool) TransmissionFlags {
	f := e.Flags | FlagHasFlags | FlagSendFlush | FlagSendFUA | FlagSendWriteZeroes | FlagSendFastZero | FlagSendCache
	if e.ReadOnly {
		f |= FlagReadOnly
		f &^= FlagSendFUA | FlagSendWriteZeroes | FlagSendFastZero
	}
	if _, ok := e.Device.(Trimmer); ok && !e.ReadOnly {
		f |= FlagSendTrim
	}
	if structured {
		f |= FlagSendDF
	}
	return f
}

// Directory resolves export names. It is shared by all connections and must
// be safe for concurrent use.
type Directory interface {
	// Lookup returns the named export, or ErrExportNotFound. The empty name
	// selects the default export.
	Lookup(ctx context.Context, name string) (Export, error)
	// List returns all exports, in the order they should be announced.
	List(ctx context.Context) ([]Export, error)
}

// Exports is a fixed Directory. The first export is the default.
type Exports []Export

// Lookup implements Directory.
func (l Exports) Lookup(ctx context.Context, name string) (Export, error) {
	if e, ok := findExport(name, l); ok {
		return e, nil
	}
	return Export{}, ErrExportNotFound
}

// List implements Directory.
func (l Exports) List(ctx context.Context) ([]Export, error) {
	return append([]Export(nil), l...), nil
}

// Registry is a Directory whose exports can be replaced at runtime.
// Connections that already selected an export keep using it.
type Registry struct {
	mu  sync.RWMutex
	exp Exports
}

// NewRegistry returns a Registry serving exp.
func NewRegistry(exp ...Export) *Registry {
	return &Registry{exp: exp}
}

// Replace atomically swaps the set of exports.
func (r *Registry) Replace(exp ...Export) {
	r.mu.Lock()
	r.exp = append(Exports(nil), exp...)
	r.mu.Unlock()
}

// Lookup implements Directory.
func (r *Registry) Lookup(ctx context.Context, name string) (Export, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.exp.Lookup(ctx, name)
}

// List implements Directory.
func (r *Registry) List(ctx context.Context) ([]Export, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.exp.List(ctx)
}

// findExport searches the list of exports for one with the given name. If name
// is empty, it returns the first export. findExport performs a linear search,
// so it doesn't scale to a large number of exports, but we assume for now that
// that's not a practical problem.
func findExport(name string, exp []Export) (Export, bool) {
	if len(exp) > 0 && name == "" {
		return exp[0], true
	}
	for _, e := range exp {
		if e.Name == name {
			return e, true
		}
	}
	return Export{}, false
}
