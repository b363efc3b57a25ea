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

package instantseal

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"github.com/stretchr/testify/assert"
	"github.com/sunyihoo/ethimport/consensus"
)

func TestInstantSeal(t *testing.T) {
	var engine consensus.Engine = New(consensus.DefaultParams(params.TestChainConfig))
	parent := &types.Header{Number: big.NewInt(1), Time: 10, GasLimit: 100}
	header := &types.Header{Number: big.NewInt(2), Time: 10, GasLimit: 100}

	assert.NoError(t, engine.VerifyBlockBasic(header))
	assert.NoError(t, engine.VerifyBlockUnordered(header))
	assert.NoError(t, engine.VerifyBlockFamily(header, parent))
	assert.NoError(t, engine.VerifyBlockExternal(header))
	assert.ErrorIs(t, engine.VerifyBlockFamily(parent, header), consensus.ErrInvalidNumber)

	header.GasUsed = 101
	assert.Error(t, engine.VerifyBlockBasic(header))

	_, ok := engine.EthashExtensions()
	assert.False(t, ok)
	assert.Zero(t, engine.MaximumUncleCount(2))
	max, ok := engine.MaximumGasLimit()
	assert.True(t, ok)
	assert.Equal(t, params.MaxGasLimit, max)
}
