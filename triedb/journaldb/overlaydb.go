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

package journaldb

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/sunyihoo/ethimport/triedb/hashdb"
)

// payload is the on-disk form of a reference counted node.
type payload struct {
	Count uint32
	Value []byte
}

// OverlayDB is a reference counted store: every node is kept on disk together
// with its reference count, and changes accumulate in a memory overlay until
// they are committed to a batch.
// OverlayDB 是带引用计数的存储：每个节点与其引用计数一起保存在磁盘上，变更先累积在内存覆盖层中，直到提交到批次。
type OverlayDB struct {
	overlay *hashdb.MemoryDB
	backing ethdb.KeyValueStore
}

// NewOverlayDB creates a reference counted overlay on backing.
func NewOverlayDB(backing ethdb.KeyValueStore) *OverlayDB {
	return &OverlayDB{overlay: hashdb.NewMemoryDB(), backing: backing}
}

func (db *OverlayDB) payload(key common.Hash) (*payload, error) {
	enc, ok, err := readKey(db.backing, key[:])
	if err != nil || !ok {
		return nil, err
	}
	p := new(payload)
	if err := rlp.DecodeBytes(enc, p); err != nil {
		return nil, fmt.Errorf("invalid node payload %x: %w", key, err)
	}
	return p, nil
}

func putPayload(batch ethdb.KeyValueWriter, key common.Hash, p *payload) (bool, error) {
	if p.Count == 0 {
		return true, batch.Delete(key[:])
	}
	enc, err := rlp.EncodeToBytes(p)
	if err != nil {
		return false, err
	}
	return false, batch.Put(key[:], enc)
}

// CommitToBatch applies the overlay onto the stored counts. A count dropping
// below zero is an error and leaves the overlay drained.
func (db *OverlayDB) CommitToBatch(batch ethdb.Batch) (int, error) {
	var ops, deletes int
	for key, e := range db.overlay.Drain() {
		if e.Refs == 0 {
			continue
		}
		stored, err := db.payload(key)
		if err != nil {
			return 0, err
		}
		var next *payload
		if stored != nil {
			total := int64(stored.Count) + int64(e.Refs)
			if total < 0 {
				return 0, fmt.Errorf("%w: %x", ErrNegativelyReferenced, key)
			}
			next = &payload{Count: uint32(total), Value: stored.Value}
		} else {
			if e.Refs < 0 {
				return 0, fmt.Errorf("%w: %x", ErrNegativelyReferenced, key)
			}
			next = &payload{Count: uint32(e.Refs), Value: e.Value}
		}
		deleted, err := putPayload(batch, key, next)
		if err != nil {
			return 0, err
		}
		if deleted {
			deletes++
		}
		ops++
	}
	log.Trace("Committed reference counted overlay", "changes", ops, "deleted", deletes)
	return ops, nil
}

// Revert drops all uncommitted changes.
func (db *OverlayDB) Revert() { db.overlay.Clear() }

// CommitRefs returns the uncommitted reference delta of key.
func (db *OverlayDB) CommitRefs(key common.Hash) int32 {
	_, refs, _ := db.overlay.Raw(key)
	return refs
}

// Get implements hashdb.Reader. The stored count and the overlay delta are
// summed to decide liveness.
func (db *OverlayDB) Get(key common.Hash) ([]byte, error) {
	value, memRefs, ok := db.overlay.Raw(key)
	if ok && memRefs > 0 {
		return common.CopyBytes(value), nil
	}
	stored, err := db.payload(key)
	if err != nil {
		return nil, err
	}
	if stored == nil || int64(stored.Count)+int64(memRefs) <= 0 {
		return nil, hashdb.ErrNotFound
	}
	return stored.Value, nil
}

// Contains implements hashdb.Reader.
func (db *OverlayDB) Contains(key common.Hash) bool {
	_, err := db.Get(key)
	return err == nil
}

// Insert implements hashdb.HashDB.
func (db *OverlayDB) Insert(value []byte) common.Hash { return db.overlay.Insert(value) }

// Emplace implements hashdb.HashDB.
func (db *OverlayDB) Emplace(key common.Hash, value []byte) { db.overlay.Emplace(key, value) }

// Remove implements hashdb.HashDB.
func (db *OverlayDB) Remove(key common.Hash) { db.overlay.Remove(key) }

// Keys returns the stored counts merged with the overlay deltas.
func (db *OverlayDB) Keys() (map[common.Hash]int32, error) {
	res, err := backingKeys(db.backing, func(key common.Hash, enc []byte) (int32, error) {
		var p payload
		if err := rlp.DecodeBytes(enc, &p); err != nil {
			return 0, fmt.Errorf("invalid node payload %x: %w", key, err)
		}
		return int32(p.Count), nil
	})
	if err != nil {
		return nil, err
	}
	return mergeKeys(res, db.overlay.Keys()), nil
}
