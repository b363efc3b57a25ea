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

package rawdb

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rlp"
)

// EpochTransition is the stored proof of a validator set change signalled by
// a block.
type EpochTransition struct {
	BlockHash   common.Hash
	BlockNumber uint64
	Proof       []byte
}

// ReadEpochTransitions retrieves the transitions signalled by any block at the
// given height, forks included.
func ReadEpochTransitions(db ethdb.KeyValueReader, number uint64) []EpochTransition {
	data, _ := db.Get(epochTransitionKey(number))
	if len(data) == 0 {
		return nil
	}
	var transitions []EpochTransition
	if err := rlp.DecodeBytes(data, &transitions); err != nil {
		log.Error("Invalid epoch transition RLP", "number", number, "err", err)
		return nil
	}
	return transitions
}

// WriteEpochTransition adds a transition to those of its height. Writing the
// transition of a block twice replaces the first.
func WriteEpochTransition(db ethdb.KeyValueStore, transition EpochTransition) {
	WriteEpochTransitions(db, transition.BlockNumber, AppendEpochTransition(ReadEpochTransitions(db, transition.BlockNumber), transition))
}

// AppendEpochTransition adds transition to a list of transitions of the same
// height, replacing an earlier one of the same block.
func AppendEpochTransition(transitions []EpochTransition, transition EpochTransition) []EpochTransition {
	for i, t := range transitions {
		if t.BlockHash == transition.BlockHash {
			transitions = append(transitions[:i:i], transitions[i+1:]...)
			break
		}
	}
	return append(transitions, transition)
}

// WriteEpochTransitions stores every transition signalled at a height.
func WriteEpochTransitions(db ethdb.KeyValueWriter, number uint64, transitions []EpochTransition) {
	data, err := rlp.EncodeToBytes(transitions)
	if err != nil {
		log.Crit("Failed to RLP encode epoch transitions", "err", err)
	}
	if err := db.Put(epochTransitionKey(number), data); err != nil {
		log.Crit("Failed to store epoch transitions", "err", err)
	}
}

// ReadEpochTransitionNumbers retrieves every height with a stored transition,
// in ascending order.
func ReadEpochTransitionNumbers(db ethdb.Iteratee) []uint64 {
	it := db.NewIterator(epochTransitionPrefix, nil)
	defer it.Release()

	var numbers []uint64
	for it.Next() {
		if key := it.Key(); len(key) == len(epochTransitionPrefix)+8 {
			numbers = append(numbers, binary.BigEndian.Uint64(key[len(epochTransitionPrefix):]))
		}
	}
	return numbers
}

// ReadPendingTransition retrieves the proof of a transition signalled by the
// block but not yet confirmed.
func ReadPendingTransition(db ethdb.KeyValueReader, hash common.Hash) []byte {
	data, _ := db.Get(pendingEpochKey(hash))
	return data
}

// WritePendingTransition stores the proof of an unconfirmed transition.
func WritePendingTransition(db ethdb.KeyValueWriter, hash common.Hash, proof []byte) {
	if err := db.Put(pendingEpochKey(hash), proof); err != nil {
		log.Crit("Failed to store pending epoch transition", "err", err)
	}
}

// DeletePendingTransition removes an unconfirmed transition.
func DeletePendingTransition(db ethdb.KeyValueWriter, hash common.Hash) {
	if err := db.Delete(pendingEpochKey(hash)); err != nil {
		log.Crit("Failed to delete pending epoch transition", "err", err)
	}
}
