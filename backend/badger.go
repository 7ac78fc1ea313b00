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
	"encoding/binary"
	"io"
	"sync"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/oxblock/nbd"
	"go.uber.org/zap"
)

// prefixPage is the key prefix of stored pages. It is followed by the
// big-endian page index, so pages iterate in device order.
const prefixPage = "p:"

func keyPage(idx int64) []byte {
	return binary.BigEndian.AppendUint64([]byte(prefixPage), uint64(idx))
}

func pageOfKey(k []byte) int64 {
	return int64(binary.BigEndian.Uint64(k[len(prefixPage):]))
}

// Badger is a sparse device storing its pages in a badger database. Pages
// without a key are holes.
type Badger struct {
	// mu serializes writers, as partial page writes read and modify pages.
	mu   sync.Mutex
	db   *badgerdb.DB
	size int64
}

// OpenBadger opens (or creates) the database in dir. If dir is empty, the
// database lives in memory only. log receives badger's own messages.
func OpenBadger(dir string, size int64, log *zap.Logger) (*Badger, error) {
	opts := badgerdb.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	if log == nil {
		opts = opts.WithLogger(nil)
	} else {
		opts = opts.WithLogger(badgerLogger{log.Named("badger").Sugar()})
	}
	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Badger{db: db, size: size}, nil
}

// Size returns the size of the device in bytes.
func (b *Badger) Size() int64 { return b.size }

// Close closes the database.
func (b *Badger) Close() error {
	return b.db.Close()
}

// ReadAt implements io.ReaderAt.
func (b *Badger) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, nbd.Errorf(nbd.EINVAL, "negative offset")
	}
	if off >= b.size {
		return 0, io.EOF
	}
	var eof error
	if rem := b.size - off; int64(len(p)) > rem {
		p, eof = p[:rem], io.EOF
	}
	err := b.db.View(func(txn *badgerdb.Txn) error {
		var err error
		forPages(off, int64(len(p)), func(idx, po, n, pos int64) {
			if err != nil {
				return
			}
			dst := p[pos : pos+n]
			item, e := txn.Get(keyPage(idx))
			if e == badgerdb.ErrKeyNotFound {
				clear(dst)
				return
			}
			if e != nil {
				err = e
				return
			}
			err = item.Value(func(v []byte) error {
				copy(dst, v[po:po+n])
				return nil
			})
		})
		return err
	})
	if err != nil {
		return 0, err
	}
	return len(p), eof
}

// WriteAt implements io.WriterAt.
func (b *Badger) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > b.size {
		return 0, nbd.Errorf(nbd.ENOSPC, "write beyond end of device")
	}
	err := b.update(off, int64(len(p)), func(pg []byte, po, n, pos int64) []byte {
		copy(pg[po:po+n], p[pos:pos+n])
		return pg
	})
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

// Sync implements nbd.Device.
func (b *Badger) Sync() error {
	return b.db.Sync()
}

// Trim implements nbd.Trimmer.
func (b *Badger) Trim(off, length int64) error {
	return b.zero(off, length, false)
}

// WriteZeroes implements nbd.Zeroer.
func (b *Badger) WriteZeroes(off, length int64, noHole bool) error {
	return b.zero(off, length, noHole)
}

func (b *Badger) zero(off, length int64, alloc bool) error {
	if off < 0 || length < 0 || off+length > b.size {
		return nbd.Errorf(nbd.ENOSPC, "range beyond end of device")
	}
	return b.update(off, length, func(pg []byte, po, n, _ int64) []byte {
		if n == PageSize && !alloc {
			return nil
		}
		clear(pg[po : po+n])
		return pg
	})
}

// update runs fn on every page touched by [off, off+length) and stores the
// page it returns. A nil page deletes the key. Large ranges are split over
// several transactions.
func (b *Badger) update(off, length int64, fn func(pg []byte, po, n, pos int64) []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	txn := b.db.NewTransaction(true)
	defer func() { txn.Discard() }()

	var err error
	forPages(off, length, func(idx, po, n, pos int64) {
		if err != nil {
			return
		}
		k := keyPage(idx)
		pg := make([]byte, PageSize)
		if n < PageSize {
			item, e := txn.Get(k)
			switch {
			case e == badgerdb.ErrKeyNotFound:
			case e != nil:
				err = e
				return
			default:
				err = item.Value(func(v []byte) error {
					copy(pg, v)
					return nil
				})
				if err != nil {
					return
				}
			}
		}
		pg = fn(pg, po, n, pos)
		set := func() error {
			if pg == nil {
				return txn.Delete(k)
			}
			return txn.Set(k, pg)
		}
		if err = set(); err == badgerdb.ErrTxnTooBig {
			if err = txn.Commit(); err != nil {
				return
			}
			txn = b.db.NewTransaction(true)
			err = set()
		}
	})
	if err != nil {
		return err
	}
	return txn.Commit()
}

// BlockStatus implements nbd.BlockStatuser.
func (b *Badger) BlockStatus(off, length int64) ([]nbd.Extent, error) {
	if off < 0 || length < 0 || off+length > b.size {
		return nil, nbd.Errorf(nbd.EINVAL, "range beyond end of device")
	}
	end := off + length
	var out []nbd.Extent
	err := b.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefixPage)
		it := txn.NewIterator(opts)
		defer it.Close()

		pos := off
		for it.Seek(keyPage(off / PageSize)); it.ValidForPrefix(opts.Prefix) && pos < end; it.Next() {
			start := pageOfKey(it.Item().Key()) * PageSize
			if start >= end {
				break
			}
			if start > pos {
				out = appendExtent(out, nbd.Extent{Length: start - pos, Hole: true, Zero: true})
				pos = start
			}
			n := min(start+PageSize, end) - pos
			out = appendExtent(out, nbd.Extent{Length: n})
			pos += n
		}
		if pos < end {
			out = appendExtent(out, nbd.Extent{Length: end - pos, Hole: true, Zero: true})
		}
		return nil
	})
	return out, err
}

// badgerLogger adapts a zap logger to badger's Logger interface.
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.Warnf(format, args...)
}
