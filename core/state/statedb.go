// Copyright 2014 The go-ethereum Authors
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

// Package state provides a caching layer atop the Ethereum state trie.
package state

import (
	"bytes"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
	"github.com/sunyihoo/ethimport/trie"
	"github.com/sunyihoo/ethimport/triedb/hashdb"
	"golang.org/x/exp/slices"
)

// StateDB structs within the ethereum protocol are used to store anything
// within the merkle trie. StateDBs take care of caching and storing
// nested states. It's the general query interface to retrieve:
//
// * Contracts
// * Accounts
//
// Accounts live in a fat trie so the state can be iterated by address, each
// account storage lives in a secure trie of its own. Every node goes through
// the given HashDB, which is usually a journal database or an overlay on top
// of one.
//
// StateDB 用于存储 merkle trie 中的任何内容。账户保存在 fat trie 中以便按地址遍历，
// 每个账户的存储保存在各自的安全 trie 中。
type StateDB struct {
	db   hashdb.HashDB
	trie *trie.FatDB

	// This map holds 'live' objects, which will get modified while
	// processing a state transition.
	stateObjects map[common.Address]*stateObject

	// DB error.
	// State objects are used by the consensus core and VM which are
	// unable to deal with database-level errors. Any error that occurs
	// during a database read is memoized here and will eventually be
	// returned by StateDB.Commit.
	dbErr error
}

// New creates a new state from a given trie.
func New(root common.Hash, db hashdb.HashDB) (*StateDB, error) {
	tr, err := trie.NewFatDB(root, db)
	if err != nil {
		return nil, err
	}
	return &StateDB{
		db:           db,
		trie:         tr,
		stateObjects: make(map[common.Address]*stateObject),
	}, nil
}

// setError remembers the first non-nil error it is called with.
// setError 记录第一次调用时传入的非 nil 错误。
func (s *StateDB) setError(err error) {
	if s.dbErr == nil {
		s.dbErr = err
	}
}

// Error returns the memorized database failure occurred earlier.
func (s *StateDB) Error() error {
	return s.dbErr
}

// Database returns the node database the state reads and writes.
func (s *StateDB) Database() hashdb.HashDB {
	return s.db
}

// Exist reports whether the given account address exists in the state.
// Notably this also returns true for self-destructed accounts.
func (s *StateDB) Exist(addr common.Address) bool {
	return s.getStateObject(addr) != nil
}

// Empty returns whether the state object is either non-existent
// or empty according to the EIP161 specification (balance = nonce = code = 0)
func (s *StateDB) Empty(addr common.Address) bool {
	so := s.getStateObject(addr)
	return so == nil || so.empty()
}

// GetBalance retrieves the balance from the given address or 0 if object not found
func (s *StateDB) GetBalance(addr common.Address) *uint256.Int {
	if obj := s.getStateObject(addr); obj != nil {
		return obj.Balance()
	}
	return common.U2560
}

// GetNonce retrieves the nonce from the given address or 0 if object not found
func (s *StateDB) GetNonce(addr common.Address) uint64 {
	if obj := s.getStateObject(addr); obj != nil {
		return obj.Nonce()
	}
	return 0
}

// GetStorageRoot retrieves the storage root from the given address or empty
// if object not found.
func (s *StateDB) GetStorageRoot(addr common.Address) common.Hash {
	if obj := s.getStateObject(addr); obj != nil {
		return obj.Root()
	}
	return common.Hash{}
}

func (s *StateDB) GetCode(addr common.Address) []byte {
	if obj := s.getStateObject(addr); obj != nil {
		return obj.Code()
	}
	return nil
}

func (s *StateDB) GetCodeHash(addr common.Address) common.Hash {
	if obj := s.getStateObject(addr); obj != nil {
		return common.BytesToHash(obj.CodeHash())
	}
	return common.Hash{}
}

// GetState retrieves the value associated with the specific key.
func (s *StateDB) GetState(addr common.Address, hash common.Hash) common.Hash {
	if obj := s.getStateObject(addr); obj != nil {
		return obj.GetState(hash)
	}
	return common.Hash{}
}

// GetCommittedState retrieves the value associated with the specific key
// without any mutations caused in the current execution.
func (s *StateDB) GetCommittedState(addr common.Address, hash common.Hash) common.Hash {
	if obj := s.getStateObject(addr); obj != nil {
		return obj.GetCommittedState(hash)
	}
	return common.Hash{}
}

/*
 * SETTERS
 */

// AddBalance adds amount to the account associated with addr.
func (s *StateDB) AddBalance(addr common.Address, amount *uint256.Int) {
	if obj := s.getOrNewStateObject(addr); obj != nil {
		obj.AddBalance(amount)
	}
}

// SubBalance subtracts amount from the account associated with addr.
func (s *StateDB) SubBalance(addr common.Address, amount *uint256.Int) {
	if obj := s.getOrNewStateObject(addr); obj != nil {
		obj.SubBalance(amount)
	}
}

func (s *StateDB) SetBalance(addr common.Address, amount *uint256.Int) {
	if obj := s.getOrNewStateObject(addr); obj != nil {
		obj.SetBalance(amount)
	}
}

func (s *StateDB) SetNonce(addr common.Address, nonce uint64) {
	if obj := s.getOrNewStateObject(addr); obj != nil {
		obj.SetNonce(nonce)
	}
}

func (s *StateDB) SetCode(addr common.Address, code []byte) {
	if obj := s.getOrNewStateObject(addr); obj != nil {
		obj.SetCode(crypto.Keccak256Hash(code), code)
	}
}

func (s *StateDB) SetState(addr common.Address, key, value common.Hash) {
	if obj := s.getOrNewStateObject(addr); obj != nil {
		obj.SetState(key, value)
	}
}

// SetStorage replaces the entire storage for the specified account with given
// storage. This function should only be used for debugging and the mutations
// must be discarded afterwards.
func (s *StateDB) SetStorage(addr common.Address, storage map[common.Hash]common.Hash) {
	obj := s.getOrNewStateObject(addr)
	for key := range obj.originStorage {
		if _, ok := storage[key]; !ok {
			obj.SetState(key, common.Hash{})
		}
	}
	for key, value := range storage {
		obj.SetState(key, value)
	}
}

// getStateObject retrieves a state object given by the address, returning nil if
// the object is not found or was deleted in this execution context.
func (s *StateDB) getStateObject(addr common.Address) *stateObject {
	if obj := s.stateObjects[addr]; obj != nil {
		return obj
	}
	enc, err := s.trie.Get(addr[:])
	if err != nil {
		s.setError(fmt.Errorf("getStateObject (%x) error: %w", addr[:], err))
		return nil
	}
	if len(enc) == 0 {
		return nil
	}
	data := new(types.StateAccount)
	if err := rlp.DecodeBytes(enc, data); err != nil {
		s.setError(fmt.Errorf("decode account %x: %w", addr[:], err))
		return nil
	}
	obj := newObject(s, addr, data)
	s.stateObjects[addr] = obj
	return obj
}

// getOrNewStateObject retrieves a state object or create a new state object if nil.
func (s *StateDB) getOrNewStateObject(addr common.Address) *stateObject {
	obj := s.getStateObject(addr)
	if obj == nil {
		obj = newObject(s, addr, nil)
		obj.dirty = true
		s.stateObjects[addr] = obj
	}
	return obj
}

// IntermediateRoot computes the current root hash of the state trie without
// writing it. Dirty objects are folded into the account trie first.
func (s *StateDB) IntermediateRoot(deleteEmptyObjects bool) (common.Hash, error) {
	if err := s.update(deleteEmptyObjects); err != nil {
		return common.Hash{}, err
	}
	return s.trie.Hash(), nil
}

// update writes the dirty objects into the account trie in address order.
func (s *StateDB) update(deleteEmptyObjects bool) error {
	if s.dbErr != nil {
		return fmt.Errorf("commit aborted due to earlier error: %w", s.dbErr)
	}
	addrs := make([]common.Address, 0, len(s.stateObjects))
	for addr, obj := range s.stateObjects {
		if obj.dirty || len(obj.dirtyStorage) > 0 || obj.dirtyCode {
			addrs = append(addrs, addr)
		}
	}
	slices.SortFunc(addrs, func(a, b common.Address) int { return bytes.Compare(a[:], b[:]) })

	for _, addr := range addrs {
		obj := s.stateObjects[addr]
		if deleteEmptyObjects && obj.empty() {
			if _, err := s.trie.Remove(addr[:]); err != nil {
				return fmt.Errorf("deleteStateObject (%x) error: %w", addr[:], err)
			}
			delete(s.stateObjects, addr)
			continue
		}
		if err := obj.commitStorage(); err != nil {
			return fmt.Errorf("commit storage of %x: %w", addr[:], err)
		}
		obj.commitCode()

		enc, err := rlp.EncodeToBytes(&obj.data)
		if err != nil {
			return err
		}
		if _, err := s.trie.Insert(addr[:], enc); err != nil {
			return fmt.Errorf("updateStateObject (%x) error: %w", addr[:], err)
		}
		obj.dirty = false
	}
	return nil
}

// Commit writes the state into the node database and returns the new root.
// Replaced trie nodes are removed from the database, so the reference counts
// of the node database follow the live state.
//
// Commit 将状态写入节点数据库并返回新的根。被替换的 trie 节点从数据库中移除。
func (s *StateDB) Commit(deleteEmptyObjects bool) (common.Hash, error) {
	if err := s.update(deleteEmptyObjects); err != nil {
		return common.Hash{}, err
	}
	root := s.trie.Commit()
	log.Trace("Committed state", "root", root, "objects", len(s.stateObjects))
	return root, nil
}
