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

package backend

import (
	"errors"
	"os"

	"github.com/oxblock/nbd"
	"golang.org/x/sys/unix"
)

func deviceSize(f *os.File) (int64, error) {
	n, err := unix.IoctlGetInt(int(f.Fd()), unix.BLKGETSIZE64)
	return int64(n), err
}

// Trim implements nbd.Trimmer by punching a hole into the file.
func (f *File) Trim(off, length int64) error {
	return f.WriteZeroes(off, length, false)
}

// WriteZeroes implements nbd.Zeroer. Without noHole, the range is punched
// out. Filesystems that support neither operation get zero-filled writes.
func (f *File) WriteZeroes(off, length int64, noHole bool) error {
	if off+length > f.size {
		return nbd.Errorf(nbd.ENOSPC, "range beyond end of device")
	}
	mode := uint32(unix.FALLOC_FL_PUNCH_HOLE | unix.FALLOC_FL_KEEP_SIZE)
	if noHole {
		mode = unix.FALLOC_FL_ZERO_RANGE | unix.FALLOC_FL_KEEP_SIZE
	}
	err := unix.Fallocate(int(f.f.Fd()), mode, off, length)
	if errors.Is(err, unix.EOPNOTSUPP) {
		return f.zeroFill(off, length)
	}
	return err
}

// BlockStatus implements nbd.BlockStatuser using SEEK_DATA and SEEK_HOLE.
// Filesystems that do not support them report everything as data.
func (f *File) BlockStatus(off, length int64) ([]nbd.Extent, error) {
	fd := int(f.f.Fd())
	end := off + length
	var out []nbd.Extent
	for pos := off; pos < end; {
		data, err := unix.Seek(fd, pos, unix.SEEK_DATA)
		if errors.Is(err, unix.ENXIO) {
			// no data after pos
			return appendExtent(out, nbd.Extent{Length: end - pos, Hole: true, Zero: true}), nil
		}
		if err != nil {
			return appendExtent(out, nbd.Extent{Length: end - pos}), nil
		}
		if data > pos {
			n := min(data, end) - pos
			out = appendExtent(out, nbd.Extent{Length: n, Hole: true, Zero: true})
			pos += n
			continue
		}
		hole, err := unix.Seek(fd, pos, unix.SEEK_HOLE)
		if err != nil {
			hole = end
		}
		n := min(hole, end) - pos
		out = appendExtent(out, nbd.Extent{Length: n})
		pos += n
	}
	return out, nil
}
