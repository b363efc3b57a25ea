// Copyright 2024 The go-ethereum Authors
// This file is part of the go-ethereum library.
//
// The go-ethereum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-ethereum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-ethereum library. If not, see <http://www.gnu.org/licenses/>.

package blooms

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/crypto/sha3"
)

// pendingEntrySize is the size of one write-ahead record: a little endian
// position followed by the bloom.
const pendingEntrySize = 8 + bloomSize

// Pending is an append-only write-ahead log of bloom writes. Entries are
// replayed in append order, so the last write to a position wins.
// Pending 是布隆写入的追加式预写日志，按追加顺序重放，同一位置以最后一次写入为准。
type Pending struct {
	path   string
	file   *os.File
	writer *bufio.Writer
}

// OpenPending opens or creates a write-ahead log.
func OpenPending(path string) (*Pending, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return &Pending{path: path, file: f, writer: bufio.NewWriterSize(f, 16*pendingEntrySize)}, nil
}

// Append buffers one entry. It becomes durable on Flush.
func (p *Pending) Append(index uint64, bloom types.Bloom) error {
	var buf [pendingEntrySize]byte
	binary.LittleEndian.PutUint64(buf[:8], index)
	copy(buf[8:], bloom[:])
	_, err := p.writer.Write(buf[:])
	return err
}

// Flush writes out buffered entries and syncs the log.
func (p *Pending) Flush() error {
	if err := p.writer.Flush(); err != nil {
		return err
	}
	return p.file.Sync()
}

// Clear drops all entries, buffered or on disk.
func (p *Pending) Clear() error {
	if err := p.Truncate(0); err != nil {
		return err
	}
	_, err := p.file.Seek(0, io.SeekStart)
	return err
}

// Truncate drops buffered entries and cuts the log back to size bytes.
func (p *Pending) Truncate(size int64) error {
	p.writer.Reset(p.file)
	if err := p.file.Truncate(size); err != nil {
		return err
	}
	return p.file.Sync()
}

// Size returns the number of bytes flushed to the log.
func (p *Pending) Size() (int64, error) {
	stat, err := p.file.Stat()
	if err != nil {
		return 0, err
	}
	return stat.Size(), nil
}

// Iterator returns an iterator over the flushed entries in append order.
func (p *Pending) Iterator() *PendingIterator {
	return &PendingIterator{reader: bufio.NewReader(io.NewSectionReader(p.file, 0, 1<<62))}
}

// Hash returns the Keccak-256 of the flushed log contents.
// Hash 返回已刷盘日志内容的 Keccak-256 哈希。
func (p *Pending) Hash() (common.Hash, error) {
	var (
		hasher = sha3.NewLegacyKeccak256()
		reader = io.NewSectionReader(p.file, 0, 1<<62)
		chunk  [pendingEntrySize]byte
	)
	for {
		n, err := io.ReadFull(reader, chunk[:])
		hasher.Write(chunk[:n])
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return common.Hash{}, err
		}
	}
	return common.BytesToHash(hasher.Sum(nil)), nil
}

// Fold collapses the flushed entries into their final value per position.
func (p *Pending) Fold() (map[uint64]types.Bloom, error) {
	res := make(map[uint64]types.Bloom)
	it := p.Iterator()
	for it.Next() {
		res[it.Index()] = it.Bloom()
	}
	return res, it.Err()
}

// Close flushes and closes the log.
func (p *Pending) Close() error {
	if err := p.writer.Flush(); err != nil {
		p.file.Close()
		return err
	}
	return p.file.Close()
}

// PendingIterator yields the entries of a write-ahead log.
type PendingIterator struct {
	reader *bufio.Reader
	index  uint64
	bloom  types.Bloom
	err    error
}

// Next decodes the next entry. A torn trailing entry ends the iteration with
// an error.
func (it *PendingIterator) Next() bool {
	if it.err != nil {
		return false
	}
	var buf [pendingEntrySize]byte
	n, err := io.ReadFull(it.reader, buf[:])
	switch {
	case err == io.EOF:
		return false
	case err == io.ErrUnexpectedEOF:
		it.err = fmt.Errorf("torn pending entry (%d of %d bytes)", n, pendingEntrySize)
		return false
	case err != nil:
		it.err = err
		return false
	}
	it.index = binary.LittleEndian.Uint64(buf[:8])
	copy(it.bloom[:], buf[8:])
	return true
}

// Index returns the position of the current entry.
func (it *PendingIterator) Index() uint64 { return it.index }

// Bloom returns the bloom of the current entry.
func (it *PendingIterator) Bloom() types.Bloom { return it.bloom }

// Err returns the error that stopped the iteration.
func (it *PendingIterator) Err() error { return it.err }
