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

package state

import (
	"bytes"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
	"github.com/sunyihoo/ethimport/trie"
)

// Storage is a set of storage slots of one account.
type Storage map[common.Hash]common.Hash

func (s Storage) Copy() Storage {
	cpy := make(Storage, len(s))
	for key, value := range s {
		cpy[key] = value
	}
	return cpy
}

// stateObject represents an Ethereum account which is being modified.
//
// The usage pattern is as follows:
//   - First you need to obtain a state object.
//   - Account values as well as storages can be accessed and modified through the object.
//   - Finally, call commit to write the modified storage trie into the node database.
//
// stateObject 表示正在被修改的以太坊账户。
type stateObject struct {
	db       *StateDB
	address  common.Address
	addrHash common.Hash
	data     types.StateAccount

	code      []byte // contract bytecode, loaded on first access
	dirtyCode bool

	originStorage Storage // Storage entries loaded from the trie
	dirtyStorage  Storage // Storage entries modified since the last commit

	dirty bool
}

// empty returns whether the account is considered empty (EIP-161).
func (s *stateObject) empty() bool {
	return s.data.Nonce == 0 && s.data.Balance.IsZero() && bytes.Equal(s.data.CodeHash, types.EmptyCodeHash.Bytes())
}

func newObject(db *StateDB, address common.Address, acct *types.StateAccount) *stateObject {
	if acct == nil {
		acct = types.NewEmptyStateAccount()
	}
	return &stateObject{
		db:            db,
		address:       address,
		addrHash:      crypto.Keccak256Hash(address[:]),
		data:          *acct,
		originStorage: make(Storage),
		dirtyStorage:  make(Storage),
	}
}

// GetState retrieves a value from the account storage, preferring pending
// modifications over the committed value.
func (s *stateObject) GetState(key common.Hash) common.Hash {
	if value, dirty := s.dirtyStorage[key]; dirty {
		return value
	}
	return s.GetCommittedState(key)
}

// GetCommittedState retrieves a value from the committed account storage trie.
// GetCommittedState 从已提交的账户存储 trie 中检索值。
func (s *stateObject) GetCommittedState(key common.Hash) common.Hash {
	if value, cached := s.originStorage[key]; cached {
		return value
	}
	var value common.Hash
	if s.data.Root != types.EmptyRootHash {
		tr, err := trie.NewSecure(s.data.Root, s.db.db)
		if err != nil {
			s.db.setError(fmt.Errorf("open storage trie of %x: %w", s.address, err))
			return common.Hash{}
		}
		enc, err := tr.Get(key[:])
		if err != nil {
			s.db.setError(fmt.Errorf("load storage %x of %x: %w", key, s.address, err))
			return common.Hash{}
		}
		if len(enc) > 0 {
			_, content, _, err := rlp.Split(enc)
			if err != nil {
				s.db.setError(err)
			}
			value.SetBytes(content)
		}
	}
	s.originStorage[key] = value
	return value
}

// SetState updates a value in account storage.
func (s *stateObject) SetState(key, value common.Hash) {
	s.dirtyStorage[key] = value
}

// commitStorage writes the dirty slots into the storage trie and updates the
// storage root. Zero values remove their slot.
func (s *stateObject) commitStorage() error {
	if len(s.dirtyStorage) == 0 {
		return nil
	}
	tr, err := trie.NewSecure(s.data.Root, s.db.db)
	if err != nil {
		return err
	}
	for key, value := range s.dirtyStorage {
		if value == (common.Hash{}) {
			if _, err := tr.Remove(key[:]); err != nil {
				return err
			}
		} else {
			enc, _ := rlp.EncodeToBytes(common.TrimLeftZeroes(value[:]))
			if _, err := tr.Insert(key[:], enc); err != nil {
				return err
			}
		}
		s.originStorage[key] = value
	}
	s.dirtyStorage = make(Storage)
	s.data.Root = tr.Commit()
	s.dirty = true
	return nil
}

// commitCode stores freshly set code in the node database, keyed by its hash.
func (s *stateObject) commitCode() {
	if s.dirtyCode {
		s.db.db.Emplace(common.BytesToHash(s.data.CodeHash), s.code)
		s.dirtyCode = false
	}
}

func (s *stateObject) AddBalance(amount *uint256.Int) {
	if amount.IsZero() {
		return
	}
	s.SetBalance(new(uint256.Int).Add(s.Balance(), amount))
}

func (s *stateObject) SubBalance(amount *uint256.Int) {
	if amount.IsZero() {
		return
	}
	s.SetBalance(new(uint256.Int).Sub(s.Balance(), amount))
}

func (s *stateObject) SetBalance(amount *uint256.Int) {
	s.data.Balance = amount
	s.dirty = true
}

func (s *stateObject) Address() common.Address {
	return s.address
}

// Code returns the contract code associated with this object, if any.
func (s *stateObject) Code() []byte {
	if s.code != nil {
		return s.code
	}
	if bytes.Equal(s.CodeHash(), types.EmptyCodeHash.Bytes()) {
		return nil
	}
	code, err := s.db.db.Get(common.BytesToHash(s.CodeHash()))
	if err != nil {
		s.db.setError(fmt.Errorf("can't load code hash %x: %w", s.CodeHash(), err))
		return nil
	}
	s.code = code
	return code
}

func (s *stateObject) SetCode(codeHash common.Hash, code []byte) {
	s.code = code
	s.data.CodeHash = codeHash[:]
	s.dirtyCode = true
	s.dirty = true
}

func (s *stateObject) SetNonce(nonce uint64) {
	s.data.Nonce = nonce
	s.dirty = true
}

func (s *stateObject) CodeHash() []byte {
	return s.data.CodeHash
}

func (s *stateObject) Balance() *uint256.Int {
	return s.data.Balance
}

func (s *stateObject) Nonce() uint64 {
	return s.data.Nonce
}

func (s *stateObject) Root() common.Hash {
	return s.data.Root
}
