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

package validators

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sunyihoo/ethimport/consensus"
)

var (
	addr1 = common.HexToAddress("0x01")
	addr2 = common.HexToAddress("0x02")
	addr3 = common.HexToAddress("0x03")
)

func header(number int64) *types.Header {
	return &types.Header{Number: big.NewInt(number)}
}

func TestSimpleList(t *testing.T) {
	set := NewSimpleList([]common.Address{addr1, addr2})

	ok, err := Contains(set, header(0), addr2)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = Contains(set, header(0), addr3)
	require.NoError(t, err)
	assert.False(t, ok)

	proposer, err := Proposer(set, header(4), 5)
	require.NoError(t, err)
	assert.Equal(t, addr2, proposer)

	_, err = NewSimpleList(nil).Validators(header(0))
	assert.ErrorIs(t, err, ErrNoValidators)
}

func TestMulti(t *testing.T) {
	_, err := NewMulti(map[uint64]ValidatorSet{10: NewSimpleList([]common.Address{addr1})})
	assert.Error(t, err)

	multi, err := NewMulti(map[uint64]ValidatorSet{
		0:  NewSimpleList([]common.Address{addr1}),
		10: NewSimpleList([]common.Address{addr2}),
		20: NewSimpleList([]common.Address{addr3}),
	})
	require.NoError(t, err)

	for parent, want := range map[int64]common.Address{0: addr1, 8: addr1, 9: addr2, 18: addr2, 19: addr3, 1000: addr3} {
		list, err := multi.Validators(header(parent))
		require.NoError(t, err)
		assert.Equal(t, []common.Address{want}, list, "parent %d", parent)
	}
}

type transitionClient map[common.Hash]*consensus.EpochTransition

func (c transitionClient) HeaderByHash(common.Hash) *types.Header { return nil }

func (c transitionClient) EpochTransition(hash common.Hash) (*consensus.EpochTransition, bool) {
	tr, ok := c[hash]
	return tr, ok
}

func TestRegistry(t *testing.T) {
	parent := header(7)
	client := transitionClient{
		parent.Hash(): {BlockNumber: 5, Proof: EncodeProof([]common.Address{addr3, addr1})},
	}
	registry := NewRegistry()
	_, err := registry.Validators(parent)
	assert.ErrorIs(t, err, consensus.ErrClientGone)

	handle := consensus.NewClientHandle(client)
	multi, err := NewMulti(map[uint64]ValidatorSet{0: registry})
	require.NoError(t, err)
	multi.RegisterClient(handle)

	list, err := multi.Validators(parent)
	require.NoError(t, err)
	assert.Equal(t, []common.Address{addr3, addr1}, list)

	_, err = registry.Validators(header(8))
	assert.ErrorContains(t, err, "no epoch transition")

	handle.Invalidate()
	_, err = registry.Validators(parent)
	assert.ErrorIs(t, err, consensus.ErrClientGone)
}

func TestProofEncoding(t *testing.T) {
	list := []common.Address{addr1, addr2}
	decoded, err := DecodeProof(EncodeProof(list))
	require.NoError(t, err)
	assert.Equal(t, list, decoded)

	_, err = DecodeProof(EncodeProof(nil))
	assert.ErrorIs(t, err, ErrNoValidators)
	_, err = DecodeProof([]byte{0x01, 0x02})
	assert.Error(t, err)
}
