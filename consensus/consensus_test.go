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

package consensus

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBaseTransactionPhases(t *testing.T) {
	config := params.TestChainConfig
	base := NewBase(DefaultParams(config))
	header := &types.Header{Number: big.NewInt(1), GasLimit: 1_000_000}

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := types.LatestSigner(config)
	tx := types.MustSignNewTx(key, signer, &types.LegacyTx{Nonce: 0, To: &common.Address{}, Gas: params.TxGas, GasPrice: big.NewInt(1), Value: big.NewInt(1)})

	require.NoError(t, base.VerifyTransactionBasic(tx, header))
	sender, err := base.VerifyTransactionUnordered(tx, header)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), sender)

	heavy := types.MustSignNewTx(key, signer, &types.LegacyTx{Gas: 2_000_000, GasPrice: big.NewInt(1)})
	assert.ErrorIs(t, base.VerifyTransactionBasic(heavy, header), ErrGasLimitExceeded)

	cheap := types.MustSignNewTx(key, signer, &types.LegacyTx{Gas: 100, GasPrice: big.NewInt(1)})
	assert.ErrorIs(t, base.VerifyTransactionBasic(cheap, header), ErrIntrinsicGas)

	other := types.MustSignNewTx(key, types.LatestSignerForChainID(big.NewInt(12345)), &types.LegacyTx{Gas: params.TxGas, GasPrice: big.NewInt(1)})
	assert.ErrorIs(t, base.VerifyTransactionBasic(other, header), ErrInvalidChainID)
}

func TestClientHandle(t *testing.T) {
	var nilHandle *ClientHandle
	_, ok := nilHandle.Get()
	assert.False(t, ok)

	handle := new(ClientHandle)
	_, ok = handle.Get()
	assert.False(t, ok)
}

func TestIsEpochStart(t *testing.T) {
	assert.True(t, IsEpochStart(0, 10))
	assert.True(t, IsEpochStart(30, 10))
	assert.False(t, IsEpochStart(31, 10))
	assert.False(t, IsEpochStart(31, 0))
}
