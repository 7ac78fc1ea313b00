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

// Package backend provides nbd.Device implementations backed by memory,
// files and badger databases.
package backend

import (
	"io"
	"sync"

	"github.com/oxblock/nbd"
)

// PageSize is the allocation unit of Memory and Badger devices.
const PageSize = 4096

// Memory is a sparse in-memory device. Pages that were never written, or
// that were trimmed, take no space and are reported as holes.
type Memory struct {
	mu    sync.RWMutex
	size  int64
	pages map[int64][]byte
}

// NewMemory returns an empty device of the given size.
func NewMemory(size int64) *Memory {
	return &Memory{size: size, pages: make(map[int64][]byte)}
}

// Size returns the size of the device in bytes.
func (m *Memory) Size() int64 { return m.size }

// ReadAt implements io.ReaderAt.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, nbd.Errorf(nbd.EINVAL, "negative offset")
	}
	if off >= m.size {
		return 0, io.EOF
	}
	var err error
	if rem := m.size - off; int64(len(p)) > rem {
		p, err = p[:rem], io.EOF
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	forPages(off, int64(len(p)), func(idx, po, n, pos int64) {
		dst := p[pos : pos+n]
		if pg, ok := m.pages[idx]; ok {
			copy(dst, pg[po:po+n])
		} else {
			clear(dst)
		}
	})
	return len(p), err
}

// WriteAt implements io.WriterAt.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > m.size {
		return 0, nbd.Errorf(nbd.ENOSPC, "write beyond end of device")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	forPages(off, int64(len(p)), func(idx, po, n, pos int64) {
		copy(m.page(idx)[po:po+n], p[pos:pos+n])
	})
	return len(p), nil
}

// Sync implements nbd.Device. Memory has nothing to flush.
func (m *Memory) Sync() error { return nil }

// Trim implements nbd.Trimmer. Pages covered completely are released; the
// rest of the range is zeroed.
func (m *Memory) Trim(off, length int64) error {
	return m.zero(off, length, false)
}

// WriteZeroes implements nbd.Zeroer.
func (m *Memory) WriteZeroes(off, length int64, noHole bool) error {
	return m.zero(off, length, noHole)
}

func (m *Memory) zero(off, length int64, alloc bool) error {
	if off < 0 || length < 0 || off+length > m.size {
		return nbd.Errorf(nbd.ENOSPC, "range beyond end of device")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	forPages(off, length, func(idx, po, n, _ int64) {
		if n == PageSize && !alloc {
			delete(m.pages, idx)
			return
		}
		if pg, ok := m.pages[idx]; ok {
			clear(pg[po : po+n])
		} else if alloc {
			m.page(idx)
		}
	})
	return nil
}

// BlockStatus implements nbd.BlockStatuser.
func (m *Memory) BlockStatus(off, length int64) ([]nbd.Extent, error) {
	if off < 0 || length < 0 || off+length > m.size {
		return nil, nbd.Errorf(nbd.EINVAL, "range beyond end of device")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []nbd.Extent
	forPages(off, length, func(idx, _, n, _ int64) {
		_, ok := m.pages[idx]
		out = appendExtent(out, nbd.Extent{Length: n, Hole: !ok, Zero: !ok})
	})
	return out, nil
}

// page returns the page with the given index, allocating it if needed. m.mu
// must be held for writing.
func (m *Memory) page(idx int64) []byte {
	pg, ok := m.pages[idx]
	if !ok {
		pg = make([]byte, PageSize)
		m.pages[idx] = pg
	}
	return pg
}

// forPages calls fn for every page touched by [off, off+length). idx is the
// page index, po the offset into the page, n the number of bytes in the page
// and pos the offset relative to off.
func forPages(off, length int64, fn func(idx, po, n, pos int64)) {
	for pos := int64(0); pos < length; {
		abs := off + pos
		idx, po := abs/PageSize, abs%PageSize
		n := min(PageSize-po, length-pos)
		fn(idx, po, n, pos)
		pos += n
	}
}

// appendExtent appends e to ext, merging it with the last extent if their
// status is the same.
func appendExtent(ext []nbd.Extent, e nbd.Extent) []nbd.Extent {
	if n := len(ext); n > 0 && ext[n-1].Hole == e.Hole && ext[n-1].Zero == e.Zero {
		ext[n-1].Length += e.Length
		return ext
	}
	return append(ext, e)
}
