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
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/bitutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/gofrs/flock"
)

const (
	// databaseIndexSize is the fan-out between two levels of the on-disk index.
	databaseIndexSize = 16

	// databaseLevels is the number of on-disk levels: bot, mid and top.
	databaseLevels = 3

	topFileName     = "top.bdb"
	midFileName     = "mid.bdb"
	botFileName     = "bot.bdb"
	pendingFileName = "pending.bdb"
	appliedFileName = "applied"
	lockFileName    = "LOCK"
)

var (
	// ErrClosed is returned for operations on a closed database.
	// 对已关闭的数据库进行操作时返回。
	ErrClosed = errors.New("bloom database closed")

	// ErrDatabaseLocked is returned when another process holds the directory.
	ErrDatabaseLocked = errors.New("bloom database locked by another process")

	insertMeter   = metrics.NewRegisteredMeter("blooms/insert", nil)
	replayMeter   = metrics.NewRegisteredMeter("blooms/replay", nil)
	matchingMeter = metrics.NewRegisteredMeter("blooms/match", nil)
)

// Database is a three level bloom index stored in one file per level:
// top.bdb covers 256 blocks per record, mid.bdb 16 and bot.bdb a single
// block. Writes go through a write-ahead log first so an interrupted insert
// is completed when the database is opened again.
//
// Database 是三级布隆索引，每一级一个文件：top.bdb 每条记录覆盖 256 个区块，
// mid.bdb 覆盖 16 个，bot.bdb 覆盖单个区块。写入先进入预写日志，中断的写入在下次打开时补全。
type Database struct {
	dir  string
	mgr  *Manager
	lock *flock.Flock

	mu      sync.RWMutex
	top     *File
	mid     *File
	bot     *File
	pending *Pending
	closed  bool
}

// Open opens the bloom database in dir, creating it if needed, and replays a
// write-ahead log left behind by an interrupted insert.
func Open(dir string) (*Database, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	mgr, err := NewManager(databaseIndexSize, databaseLevels)
	if err != nil {
		return nil, err
	}
	lock := flock.New(filepath.Join(dir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrDatabaseLocked, dir)
	}
	db := &Database{dir: dir, mgr: mgr, lock: lock}
	if err := db.open(); err != nil {
		lock.Unlock()
		return nil, err
	}
	return db, nil
}

func (db *Database) open() error {
	var err error
	if db.top, err = OpenFile(filepath.Join(db.dir, topFileName)); err != nil {
		return err
	}
	if db.mid, err = OpenFile(filepath.Join(db.dir, midFileName)); err != nil {
		db.top.Close()
		return err
	}
	if db.bot, err = OpenFile(filepath.Join(db.dir, botFileName)); err != nil {
		db.top.Close()
		db.mid.Close()
		return err
	}
	if db.pending, err = OpenPending(filepath.Join(db.dir, pendingFileName)); err != nil {
		db.closeFiles()
		return err
	}
	db.closed = false
	if err := db.recover(); err != nil {
		db.closeFiles()
		return err
	}
	return nil
}

// recover replays a non-empty write-ahead log unless the marker says it was
// already applied. Replaying is idempotent: accruing and replacing the same
// blooms twice yields the same files.
func (db *Database) recover() error {
	size, err := db.pending.Size()
	if err != nil || size == 0 {
		return err
	}
	hash, err := db.pending.Hash()
	if err != nil {
		return err
	}
	if marker, err := os.ReadFile(filepath.Join(db.dir, appliedFileName)); err == nil && bytes.Equal(marker, hash[:]) {
		log.Debug("Bloom write-ahead log already applied", "dir", db.dir, "hash", hash)
		return db.pending.Clear()
	}
	entries, err := db.pending.Fold()
	if err != nil {
		return err
	}
	log.Info("Replaying bloom write-ahead log", "dir", db.dir, "entries", len(entries))
	for index, bloom := range entries {
		if err := db.apply(index, bloom); err != nil {
			return err
		}
	}
	replayMeter.Mark(int64(len(entries)))
	return db.commit(hash)
}

// apply writes one bloom into every level.
func (db *Database) apply(index uint64, bloom types.Bloom) error {
	if err := db.top.AccrueBloom(db.mgr.Position(index, 2).Index, bloom); err != nil {
		return err
	}
	if err := db.mid.AccrueBloom(db.mgr.Position(index, 1).Index, bloom); err != nil {
		return err
	}
	return db.bot.ReplaceBloom(index, bloom)
}

// commit syncs the level files, records the applied log and empties it.
func (db *Database) commit(hash common.Hash) error {
	for _, f := range []*File{db.top, db.mid, db.bot} {
		if err := f.Flush(); err != nil {
			return err
		}
	}
	if err := os.WriteFile(filepath.Join(db.dir, appliedFileName), hash[:], 0644); err != nil {
		return err
	}
	return db.pending.Clear()
}

// InsertBlooms stores the blooms of consecutive blocks starting at from.
// Upper levels accumulate, the bottom level is replaced.
// InsertBlooms 从区块 from 开始写入连续区块的布隆，上层累积（按位或），底层直接替换。
func (db *Database) InsertBlooms(from uint64, blooms []types.Bloom) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return ErrClosed
	}
	if len(blooms) == 0 {
		return nil
	}
	// Entries left by a failed insert are applied before the log is reused,
	// the commit below would drop them otherwise.
	if err := db.recover(); err != nil {
		return fmt.Errorf("apply pending blooms: %w", err)
	}
	size, err := db.pending.Size()
	if err != nil {
		return err
	}
	for i, bloom := range blooms {
		if err := db.pending.Append(from+uint64(i), bloom); err != nil {
			return errors.Join(err, db.pending.Truncate(size))
		}
	}
	if err := db.pending.Flush(); err != nil {
		return errors.Join(err, db.pending.Truncate(size))
	}
	hash, err := db.pending.Hash()
	if err != nil {
		return err
	}
	for i, bloom := range blooms {
		if err := db.apply(from+uint64(i), bloom); err != nil {
			return err
		}
	}
	insertMeter.Mark(int64(len(blooms)))
	return db.commit(hash)
}

// BloomAt implements Source, reading the bloom of a position directly from
// the level files. Positions above the top level are not stored.
func (db *Database) BloomAt(pos Position) (types.Bloom, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if db.closed {
		return types.Bloom{}, false
	}
	var file *File
	switch pos.Level {
	case 0:
		file = db.bot
	case 1:
		file = db.mid
	case 2:
		file = db.top
	default:
		return types.Bloom{}, false
	}
	bloom, err := file.ReadBloom(pos.Index)
	if err != nil {
		return types.Bloom{}, false
	}
	return bloom, true
}

// Manager returns the index arithmetic used by the database.
func (db *Database) Manager() *Manager { return db.mgr }

// IterateMatching returns the numbers of blocks in [from, to] whose bloom
// contains any of the given blooms.
// IterateMatching 返回 [from, to] 范围内其布隆包含任一给定布隆的区块号。
func (db *Database) IterateMatching(from, to uint64, blooms []types.Bloom) (*MatchIterator, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if db.closed {
		return nil, ErrClosed
	}
	index := from / 256 * 256
	matchingMeter.Mark(1)
	return &MatchIterator{
		from:   from,
		to:     to,
		index:  index,
		blooms: blooms,
		top:    db.top.IteratorFrom(index / 256),
		mid:    db.mid.IteratorFrom(index / 16),
		bot:    db.bot.IteratorFrom(index),
	}, nil
}

// Close releases the files and the directory lock.
func (db *Database) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil
	}
	err := db.closeFiles()
	db.closed = true
	if uerr := db.lock.Unlock(); err == nil {
		err = uerr
	}
	return err
}

// Reopen opens the files of a closed database again.
func (db *Database) Reopen() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if !db.closed {
		return nil
	}
	locked, err := db.lock.TryLock()
	if err != nil {
		return err
	}
	if !locked {
		return fmt.Errorf("%w: %s", ErrDatabaseLocked, db.dir)
	}
	if err := db.open(); err != nil {
		db.closed = true
		db.lock.Unlock()
		return err
	}
	return nil
}

func (db *Database) closeFiles() error {
	var errs []error
	for _, f := range []*File{db.top, db.mid, db.bot} {
		if f != nil {
			errs = append(errs, f.Close())
		}
	}
	if db.pending != nil {
		errs = append(errs, db.pending.Close())
	}
	return errors.Join(errs...)
}

// matchState tracks which level the matching iterator is reading.
type matchState int

const (
	matchTop matchState = iota
	matchMid
	matchBot
)

// MatchIterator lazily walks the three levels, only descending into groups
// whose aggregate bloom may contain one of the queried blooms.
type MatchIterator struct {
	from, to uint64
	index    uint64 // first block covered by the next record to inspect
	blooms   []types.Bloom

	top, mid, bot *FileIterator

	state            matchState
	midLeft, botLeft int

	number uint64
	err    error
	done   bool
}

// Next advances to the next matching block number.
func (it *MatchIterator) Next() bool {
	for !it.done {
		if it.index > it.to {
			it.done = true
			return false
		}
		switch it.state {
		case matchTop:
			if !it.top.Next() {
				return it.finish(it.top)
			}
			if it.matches(it.top.Bloom()) {
				it.state, it.midLeft = matchMid, databaseIndexSize
				continue
			}
			it.index += 256
			if err := it.skip(16, 256); err != nil {
				return false
			}
		case matchMid:
			if it.midLeft == 0 {
				it.state = matchTop
				continue
			}
			it.midLeft--
			if !it.mid.Next() {
				return it.finish(it.mid)
			}
			if it.matches(it.mid.Bloom()) && it.index+16 >= it.from {
				it.state, it.botLeft = matchBot, databaseIndexSize
				continue
			}
			it.index += 16
			if err := it.skip(0, 16); err != nil {
				return false
			}
		case matchBot:
			if it.botLeft == 0 {
				it.state = matchMid
				continue
			}
			it.botLeft--
			if !it.bot.Next() {
				return it.finish(it.bot)
			}
			number := it.index
			it.index++
			if number >= it.from && it.matches(it.bot.Bloom()) {
				it.number = number
				return true
			}
		}
	}
	return false
}

// skip advances the lower level readers past a group that cannot match.
func (it *MatchIterator) skip(mid, bot uint64) error {
	if mid > 0 {
		if err := it.mid.Advance(mid); err != nil {
			it.done, it.err = true, err
			return err
		}
	}
	if err := it.bot.Advance(bot); err != nil {
		it.done, it.err = true, err
		return err
	}
	return nil
}

func (it *MatchIterator) finish(level *FileIterator) bool {
	it.done, it.err = true, level.Err()
	return false
}

func (it *MatchIterator) matches(bloom types.Bloom) bool {
	for i := range it.blooms {
		if bloomContains(bloom, it.blooms[i]) {
			return true
		}
	}
	return false
}

// Number returns the block found by the last successful Next.
func (it *MatchIterator) Number() uint64 { return it.number }

// Err returns the I/O error that stopped the iteration, if any.
func (it *MatchIterator) Err() error { return it.err }

// Collect drains the iterator.
func (it *MatchIterator) Collect() ([]uint64, error) {
	var res []uint64
	for it.Next() {
		res = append(res, it.Number())
	}
	return res, it.Err()
}

// bloomContains reports whether every bit of sub is set in bloom.
func bloomContains(bloom, sub types.Bloom) bool {
	var and types.Bloom
	bitutil.ANDBytes(and[:], bloom[:], sub[:])
	return and == sub
}
