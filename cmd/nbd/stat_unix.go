//go:build linux || darwin

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
	"os"

	"github.com/oxblock/nbd"
	"golang.org/x/sys/unix"
)

// blockSize derives block size constraints from the preferred I/O size of
// the file system fi lives on. It returns nil if nothing useful is known.
func blockSize(fi os.FileInfo) *nbd.BlockSizeConstraints {
	st, ok := fi.Sys().(*unix.Stat_t)
	if !ok || st.Blksize <= 0 || st.Blksize > nbd.DefaultMaxPayload {
		return nil
	}
	return &nbd.BlockSizeConstraints{
		Min:       1,
		Preferred: uint32(st.Blksize),
		Max:       nbd.DefaultMaxPayload,
	}
}
