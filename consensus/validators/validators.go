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

// Package validators implements the validator sets authority engines check
// block signers against.
package validators

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/sunyihoo/ethimport/consensus"
)

// ErrNoValidators is returned when a set resolves to an empty list.
var ErrNoValidators = errors.New("empty validator set")

// ValidatorSet resolves the validators in force for the child of a block.
// ValidatorSet 解析某个区块的子区块所适用的验证者集合。
type ValidatorSet interface {
	// Validators returns the ordered validator list for the block built on
	// top of parent.
	Validators(parent *types.Header) ([]common.Address, error)

	// RegisterClient hands the set a non-owning client handle.
	RegisterClient(handle *consensus.ClientHandle)
}

// Contains reports whether address may seal the child of parent.
func Contains(set ValidatorSet, parent *types.Header, address common.Address) (bool, error) {
	list, err := set.Validators(parent)
	if err != nil {
		return false, err
	}
	for _, v := range list {
		if v == address {
			return true, nil
		}
	}
	return false, nil
}

// Proposer returns the validator whose turn it is to seal block number.
func Proposer(set ValidatorSet, parent *types.Header, number uint64) (common.Address, error) {
	list, err := set.Validators(parent)
	if err != nil {
		return common.Address{}, err
	}
	if len(list) == 0 {
		return common.Address{}, ErrNoValidators
	}
	return list[number%uint64(len(list))], nil
}

// SimpleList is a fixed validator set.
type SimpleList struct {
	validators []common.Address
}

// NewSimpleList creates a fixed set from the given validators.
func NewSimpleList(validators []common.Address) *SimpleList {
	return &SimpleList{validators: append([]common.Address(nil), validators...)}
}

// Validators implements ValidatorSet.
func (s *SimpleList) Validators(*types.Header) ([]common.Address, error) {
	if len(s.validators) == 0 {
		return nil, ErrNoValidators
	}
	return s.validators, nil
}

// RegisterClient implements ValidatorSet.
func (s *SimpleList) RegisterClient(*consensus.ClientHandle) {}

// Multi switches between validator sets at fixed heights.
// Multi 在固定高度之间切换验证者集合。
type Multi struct {
	heights []uint64 // ascending activation heights
	sets    map[uint64]ValidatorSet
}

// NewMulti creates a set which uses sets[h] for blocks at or above height h,
// up to the next activation. A set activating at zero is required.
func NewMulti(sets map[uint64]ValidatorSet) (*Multi, error) {
	if _, ok := sets[0]; !ok {
		return nil, errors.New("multi validator set has no set activating at block 0")
	}
	m := &Multi{sets: sets}
	for h := range sets {
		m.heights = append(m.heights, h)
	}
	sort.Slice(m.heights, func(i, j int) bool { return m.heights[i] < m.heights[j] })
	return m, nil
}

// correctSet picks the set responsible for block number.
func (m *Multi) correctSet(number uint64) ValidatorSet {
	i := sort.Search(len(m.heights), func(i int) bool { return m.heights[i] > number })
	return m.sets[m.heights[i-1]]
}

// Validators implements ValidatorSet.
func (m *Multi) Validators(parent *types.Header) ([]common.Address, error) {
	return m.correctSet(parent.Number.Uint64() + 1).Validators(parent)
}

// RegisterClient implements ValidatorSet, passing the handle to every set.
func (m *Multi) RegisterClient(handle *consensus.ClientHandle) {
	for _, set := range m.sets {
		set.RegisterClient(handle)
	}
}

// Registry reads the validators from the epoch transitions the client
// recorded. Each transition proof is the RLP list of the validators taking
// over after that block.
// Registry 从客户端记录的纪元转换中读取验证者。每个转换证明是之后接管的验证者列表的 RLP 编码。
type Registry struct {
	client *consensus.ClientHandle
}

// NewRegistry creates a registry backed set. The client is registered later.
func NewRegistry() *Registry {
	return &Registry{client: new(consensus.ClientHandle)}
}

// Validators implements ValidatorSet.
func (r *Registry) Validators(parent *types.Header) ([]common.Address, error) {
	client, ok := r.client.Get()
	if !ok {
		return nil, consensus.ErrClientGone
	}
	transition, ok := client.EpochTransition(parent.Hash())
	if !ok {
		return nil, fmt.Errorf("no epoch transition at or before block %d [%x]", parent.Number, parent.Hash())
	}
	list, err := DecodeProof(transition.Proof)
	if err != nil {
		return nil, err
	}
	log.Trace("Resolved validators from epoch transition", "block", transition.BlockNumber, "validators", len(list))
	return list, nil
}

// RegisterClient implements ValidatorSet.
func (r *Registry) RegisterClient(handle *consensus.ClientHandle) { r.client = handle }

// EncodeProof encodes a validator list as an epoch transition proof.
func EncodeProof(list []common.Address) []byte {
	enc, err := rlp.EncodeToBytes(list)
	if err != nil {
		panic(err) // addresses always encode
	}
	return enc
}

// DecodeProof decodes an epoch transition proof into the validator list.
func DecodeProof(proof []byte) ([]common.Address, error) {
	var list []common.Address
	if err := rlp.DecodeBytes(proof, &list); err != nil {
		return nil, fmt.Errorf("invalid validator proof: %w", err)
	}
	if len(list) == 0 {
		return nil, ErrNoValidators
	}
	return list, nil
}
