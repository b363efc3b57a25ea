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
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/ethereum/go-ethereum/common/bitutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// bloomSize is the size of a single record in a bloom file.
const bloomSize = types.BloomByteLength

// File is a flat array of 256 byte blooms addressed by position. Writing past
// the end grows the file and zero fills the gap.
// File 是以位置寻址的 256 字节布隆平铺数组，越界写入会扩展文件并用零填充空洞。
type File struct {
	path string
	file *os.File
}

// OpenFile opens or creates a bloom file.
func OpenFile(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	return &File{path: path, file: f}, nil
}

// Path returns the location of the file.
func (f *File) Path() string { return f.path }

// Len returns the number of whole records in the file.
func (f *File) Len() (uint64, error) {
	stat, err := f.file.Stat()
	if err != nil {
		return 0, err
	}
	return uint64(stat.Size()) / bloomSize, nil
}

// ReadBloom reads the bloom at the given position. Reading beyond the end of
// the file fails with io.ErrUnexpectedEOF.
func (f *File) ReadBloom(pos uint64) (types.Bloom, error) {
	var bloom types.Bloom
	n, err := f.file.ReadAt(bloom[:], int64(pos*bloomSize))
	if err == io.EOF {
		if n == 0 {
			return bloom, fmt.Errorf("bloom %d: %w", pos, io.ErrUnexpectedEOF)
		}
		return bloom, fmt.Errorf("bloom %d: short read (%d bytes): %w", pos, n, io.ErrUnexpectedEOF)
	}
	return bloom, err
}

// AccrueBloom ORs the bloom into the record at the given position. Missing
// records are treated as empty.
// AccrueBloom 将布隆按位或到给定位置的记录中，缺失的记录视为空布隆。
func (f *File) AccrueBloom(pos uint64, bloom types.Bloom) error {
	old, err := f.ReadBloom(pos)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return err
	}
	// A partially written trailing record is rewritten whole below.
	if err != nil {
		old = types.Bloom{}
	}
	var merged types.Bloom
	bitutil.ORBytes(merged[:], old[:], bloom[:])
	return f.ReplaceBloom(pos, merged)
}

// ReplaceBloom overwrites the record at the given position.
func (f *File) ReplaceBloom(pos uint64, bloom types.Bloom) error {
	_, err := f.file.WriteAt(bloom[:], int64(pos*bloomSize))
	return err
}

// IteratorFrom returns an iterator over the records starting at pos. Every
// call opens a fresh buffered reader, so iterators are independent of each
// other and of later writes through their buffer.
func (f *File) IteratorFrom(pos uint64) *FileIterator {
	off := int64(pos * bloomSize)
	return &FileIterator{
		reader: bufio.NewReaderSize(io.NewSectionReader(f.file, off, math.MaxInt64-off), 16*bloomSize),
		pos:    pos,
	}
}

// Flush syncs the file contents to disk.
func (f *File) Flush() error {
	return f.file.Sync()
}

// Close closes the underlying file handle.
func (f *File) Close() error {
	return f.file.Close()
}

// FileIterator walks the records of a bloom file in order. It stops at the
// end of the file.
// FileIterator 顺序遍历布隆文件中的记录，到达文件末尾时停止。
type FileIterator struct {
	reader *bufio.Reader
	pos    uint64
	bloom  types.Bloom
	err    error
	done   bool
}

// Next reads the next record. It returns false when the file is exhausted or
// an error occurred.
func (it *FileIterator) Next() bool {
	if it.done {
		return false
	}
	n, err := io.ReadFull(it.reader, it.bloom[:])
	switch {
	case err == io.EOF:
		it.done = true
		return false
	case err == io.ErrUnexpectedEOF:
		it.done, it.err = true, fmt.Errorf("truncated bloom record %d (%d bytes)", it.pos, n)
		return false
	case err != nil:
		it.done, it.err = true, err
		return false
	}
	it.pos++
	return true
}

// Bloom returns the record read by the last successful Next.
func (it *FileIterator) Bloom() types.Bloom { return it.bloom }

// Position returns the position of the next record to be read.
func (it *FileIterator) Position() uint64 { return it.pos }

// Advance skips n records without decoding them.
func (it *FileIterator) Advance(n uint64) error {
	if it.done {
		return it.err
	}
	skipped, err := it.reader.Discard(int(n * bloomSize))
	it.pos += uint64(skipped) / bloomSize
	if err == io.EOF {
		it.done = true
		return nil
	}
	if err != nil {
		it.done, it.err = true, err
	}
	return err
}

// Err returns the error that stopped the iteration, if any.
func (it *FileIterator) Err() error { return it.err }
