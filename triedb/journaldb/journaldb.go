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

// Package journaldb implements pruning strategies for trie node storage.
//
// Every imported block journals the nodes it inserted and removed under its
// era (block number) and id (block hash). Once an era falls out of the
// history window it is marked canonical: the changes of the canonical block
// become permanent and those of its siblings are discarded.
//
// 每个导入的区块在其纪元（区块号）和 id（区块哈希）下记录插入和删除的节点。
// 当纪元超出历史窗口后被标记为规范：规范区块的变更永久生效，兄弟区块的变更被丢弃。
package journaldb

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/sunyihoo/ethimport/triedb/hashdb"
)

var (
	// ErrNegativelyReferenced is returned when a key is removed from the
	// database more times than it was added.
	// 当一个键被删除的次数多于被添加的次数时返回。
	ErrNegativelyReferenced = errors.New("entry removed more times than it was added")

	// ErrAlreadyExists is returned when injecting a key that is already stored
	// in an archive database.
	ErrAlreadyExists = errors.New("entry already exists")

	// ErrInvalidInjectState is returned when an injected overlay holds a
	// reference count that cannot be applied directly to disk.
	ErrInvalidInjectState = errors.New("invalid inject state")

	// ErrUnsupportedAlgorithm is returned for algorithms that parse but have no
	// implementation.
	ErrUnsupportedAlgorithm = errors.New("unsupported journal algorithm")
)

// latestEraKey stores the most recent journalled era.
var latestEraKey = []byte{'l', 'a', 's', 't', 0, 0, 0, 0, 0, 0, 0, 0}

// JournalDB is a HashDB whose writes are grouped per block and committed to a
// backing key-value store in batches.
type JournalDB interface {
	hashdb.HashDB

	// Algorithm returns the pruning strategy.
	Algorithm() Algorithm

	// JournalUnder moves the pending changes into the journal of the given
	// era and id, writing into batch.
	JournalUnder(batch ethdb.Batch, now uint64, id common.Hash) (int, error)

	// MarkCanonical makes the changes journalled under (era, id) permanent and
	// discards every other entry of the era.
	MarkCanonical(batch ethdb.Batch, era uint64, id common.Hash) (int, error)

	// Inject writes the pending changes straight to the backing store,
	// bypassing the journal.
	Inject(batch ethdb.Batch) (int, error)

	// Flush drops state that only had to live until the last batch was
	// written.
	Flush()

	// Consolidate merges an external overlay into the pending changes.
	Consolidate(with *hashdb.MemoryDB)

	// LatestEra returns the most recent journalled era.
	LatestEra() (uint64, bool)

	// EarliestEra returns the oldest era still held in the journal.
	EarliestEra() (uint64, bool)

	// IsEmpty reports whether nothing was ever journalled.
	IsEmpty() bool

	// IsPruned reports whether the strategy ever deletes nodes.
	IsPruned() bool

	// Backing returns the underlying store.
	Backing() ethdb.KeyValueStore

	// MemUsed returns the approximate memory held by overlays.
	MemUsed() common.StorageSize

	// JournalSize returns the size of the values held in the journal.
	JournalSize() int

	// Keys returns every known key with its reference count.
	Keys() (map[common.Hash]int32, error)
}

// Algorithm is a journal pruning strategy.
type Algorithm int

const (
	// Archive keeps every node forever.
	Archive Algorithm = iota
	// EarlyMerge merges eagerly into the backing store. Not implemented.
	EarlyMerge
	// OverlayRecent keeps the recent history in memory and only writes
	// canonical nodes.
	OverlayRecent
	// RefCounted stores reference counts next to every node on disk.
	RefCounted
)

// ParseAlgorithm parses the user facing name of an algorithm.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch s {
	case "archive":
		return Archive, nil
	case "light":
		return EarlyMerge, nil
	case "fast":
		return OverlayRecent, nil
	case "basic":
		return RefCounted, nil
	}
	return 0, fmt.Errorf("invalid journal algorithm %q", s)
}

// AllAlgorithms returns every known strategy.
func AllAlgorithms() []Algorithm {
	return []Algorithm{Archive, EarlyMerge, OverlayRecent, RefCounted}
}

// String returns the user facing name.
func (a Algorithm) String() string {
	switch a {
	case Archive:
		return "archive"
	case EarlyMerge:
		return "light"
	case OverlayRecent:
		return "fast"
	case RefCounted:
		return "basic"
	}
	return fmt.Sprintf("algorithm(%d)", int(a))
}

// InternalName returns the implementation name.
func (a Algorithm) InternalName() string {
	switch a {
	case Archive:
		return "archive"
	case EarlyMerge:
		return "earlymerge"
	case OverlayRecent:
		return "overlayrecent"
	case RefCounted:
		return "refcounted"
	}
	return a.String()
}

// IsStable reports whether the strategy is recommended for production.
func (a Algorithm) IsStable() bool {
	return a == Archive || a == OverlayRecent
}

// MarshalText implements encoding.TextMarshaler.
func (a Algorithm) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Algorithm) UnmarshalText(text []byte) error {
	parsed, err := ParseAlgorithm(strings.ToLower(string(text)))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Config contains the settings of the journal databases.
// Config 包含日志数据库的设置。
type Config struct {
	CleanCacheSize int // Maximum memory allowance (in bytes) for caching clean backing reads 缓存后端读取结果的最大内存（字节）
}

// Defaults is the default setting if none is specified. The clean cache is
// disabled so a database needs no explicit release.
var Defaults = &Config{CleanCacheSize: 0}

// New opens a journal database of the given algorithm on backing.
func New(backing ethdb.KeyValueStore, algorithm Algorithm, config *Config) (JournalDB, error) {
	if config == nil {
		config = Defaults
	}
	switch algorithm {
	case Archive:
		return NewArchiveDB(backing)
	case OverlayRecent:
		return NewOverlayRecentDB(backing, config)
	case RefCounted:
		return NewRefCountedDB(backing)
	}
	return nil, fmt.Errorf("%w: %v", ErrUnsupportedAlgorithm, algorithm)
}

// Era identifies the block to mark canonical when committing.
type Era struct {
	Number uint64
	Hash   common.Hash
}

// Commit journals the pending changes under (now, id) and, if end is given,
// marks end canonical in the same batch.
// Commit 将待处理的变更记录在 (now, id) 下；若给出 end，则在同一批次中将其标记为规范。
func Commit(jdb JournalDB, batch ethdb.Batch, now uint64, id common.Hash, end *Era) (int, error) {
	ops, err := jdb.JournalUnder(batch, now, id)
	if err != nil {
		return 0, err
	}
	if end != nil {
		n, err := jdb.MarkCanonical(batch, end.Number, end.Hash)
		if err != nil {
			return 0, err
		}
		ops += n
	}
	return ops, nil
}

// CommitBatch is Commit on a fresh batch which is written and flushed.
func CommitBatch(jdb JournalDB, now uint64, id common.Hash, end *Era) (int, error) {
	batch := jdb.Backing().NewBatch()
	ops, err := Commit(jdb, batch, now, id, end)
	if err != nil {
		return 0, err
	}
	if err := batch.Write(); err != nil {
		return 0, err
	}
	jdb.Flush()
	return ops, nil
}

// InjectBatch is Inject on a fresh batch which is written immediately.
func InjectBatch(jdb JournalDB) (int, error) {
	batch := jdb.Backing().NewBatch()
	ops, err := jdb.Inject(batch)
	if err != nil {
		return 0, err
	}
	if err := batch.Write(); err != nil {
		return 0, err
	}
	return ops, nil
}

// journalKey addresses the index-th journal record of an era.
type journalKey struct {
	Era   uint64
	Index uint64
}

func (k journalKey) encode() []byte {
	enc, err := rlp.EncodeToBytes(&k)
	if err != nil {
		panic(err) // two integers always encode
	}
	return enc
}

// readLatestEra loads the latest era marker.
func readLatestEra(db ethdb.KeyValueReader) (uint64, bool, error) {
	enc, ok, err := readKey(db, latestEraKey)
	if err != nil || !ok {
		return 0, false, err
	}
	var era uint64
	if err := rlp.DecodeBytes(enc, &era); err != nil {
		return 0, false, fmt.Errorf("invalid latest era: %w", err)
	}
	return era, true, nil
}

func writeLatestEra(batch ethdb.KeyValueWriter, era uint64) error {
	enc, err := rlp.EncodeToBytes(era)
	if err != nil {
		return err
	}
	return batch.Put(latestEraKey, enc)
}

// readKey distinguishes a missing key from a read failure, which the plain
// Get of the key-value stores does not.
func readKey(db ethdb.KeyValueReader, key []byte) ([]byte, bool, error) {
	ok, err := db.Has(key)
	if err != nil || !ok {
		return nil, false, err
	}
	value, err := db.Get(key)
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// backingKeys collects every node key of the backing store, skipping journal
// records and markers.
func backingKeys(db ethdb.Iteratee, refs func(key common.Hash, value []byte) (int32, error)) (map[common.Hash]int32, error) {
	it := db.NewIterator(nil, nil)
	defer it.Release()

	res := make(map[common.Hash]int32)
	for it.Next() {
		if len(it.Key()) != common.HashLength {
			continue
		}
		key := common.BytesToHash(it.Key())
		n, err := refs(key, it.Value())
		if err != nil {
			return nil, err
		}
		res[key] = n
	}
	return res, it.Error()
}

// mergeKeys adds overlay reference counts onto res.
func mergeKeys(res map[common.Hash]int32, overlay map[common.Hash]int32) map[common.Hash]int32 {
	for key, refs := range overlay {
		res[key] += refs
	}
	return res
}
