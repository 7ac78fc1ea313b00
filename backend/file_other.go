//go:build !linux

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
	"io"
	"os"

	"github.com/oxblock/nbd"
)

func deviceSize(f *os.File) (int64, error) {
	n, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, errors.New("cannot determine size of device")
	}
	return n, nil
}

// WriteZeroes implements nbd.Zeroer with zero-filled writes.
func (f *File) WriteZeroes(off, length int64, noHole bool) error {
	if off+length > f.size {
		return nbd.Errorf(nbd.ENOSPC, "range beyond end of device")
	}
	return f.zeroFill(off, length)
}

// Trim implements nbd.Trimmer. Without hole punching, the range is zeroed.
func (f *File) Trim(off, length int64) error {
	return f.WriteZeroes(off, length, false)
}
