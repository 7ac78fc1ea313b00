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
	"fmt"
	"os"

	"github.com/oxblock/nbd"
)

// File is a device backed by a regular file or a block device. On Linux,
// trims punch holes into the file and block status reports them.
type File struct {
	f    *os.File
	size int64
}

// OpenFile opens the file at path. If size is positive, the file is created
// if needed and grown to size. Otherwise the size of the existing file is
// used.
func OpenFile(path string, size int64, readOnly bool) (*File, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	} else if size > 0 {
		flag |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	cur := fi.Size()
	if !fi.Mode().IsRegular() {
		cur, err = deviceSize(f)
		if err != nil {
			f.Close()
			return nil, err
		}
	}
	switch {
	case size <= 0:
		size = cur
	case size > cur && fi.Mode().IsRegular() && !readOnly:
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, err
		}
	case size > cur:
		f.Close()
		return nil, fmt.Errorf("%s is smaller (%d bytes) than the requested size", path, cur)
	}
	return &File{f: f, size: size}, nil
}

// Size returns the size of the device in bytes.
func (f *File) Size() int64 { return f.size }

// ReadAt implements io.ReaderAt.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	return f.f.ReadAt(p, off)
}

// WriteAt implements io.WriterAt.
func (f *File) WriteAt(p []byte, off int64) (int, error) {
	if off+int64(len(p)) > f.size {
		return 0, nbd.Errorf(nbd.ENOSPC, "write beyond end of device")
	}
	return f.f.WriteAt(p, off)
}

// Sync implements nbd.Device.
func (f *File) Sync() error {
	return f.f.Sync()
}

// Close closes the underlying file.
func (f *File) Close() error {
	return f.f.Close()
}

// zeroFill writes zeroes to [off, off+length).
func (f *File) zeroFill(off, length int64) error {
	buf := make([]byte, min(length, 1<<20))
	for length > 0 {
		n := min(length, int64(len(buf)))
		if _, err := f.f.WriteAt(buf[:n], off); err != nil {
			return err
		}
		off += n
		length -= n
	}
	return nil
}
