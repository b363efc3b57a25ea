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

package core

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sunyihoo/ethimport/core/rawdb"
	"github.com/sunyihoo/ethimport/core/state"
	"github.com/sunyihoo/ethimport/triedb/journaldb"
)

func TestGenesisJSON(t *testing.T) {
	input := `{
		"config": {"chainId": 1337, "homesteadBlock": 0, "eip150Block": 0, "eip155Block": 0, "eip158Block": 0, "byzantiumBlock": 0, "ethash": {}},
		"nonce": "0x42",
		"timestamp": "0x10",
		"extraData": "0x0102",
		"gasLimit": "8000000",
		"difficulty": "0x20000",
		"alloc": {"0x0000000000000000000000000000000000000001": {"balance": "0x100"}}
	}`
	var genesis Genesis
	require.NoError(t, json.Unmarshal([]byte(input), &genesis))
	assert.Equal(t, uint64(0x42), genesis.Nonce)
	assert.Equal(t, uint64(0x10), genesis.Timestamp)
	assert.Equal(t, []byte{1, 2}, genesis.ExtraData)
	assert.Equal(t, uint64(8_000_000), genesis.GasLimit)
	assert.Equal(t, big.NewInt(0x20000), genesis.Difficulty)
	assert.Equal(t, big.NewInt(0x100), genesis.Alloc[common.Address{19: 1}].Balance)

	enc, err := json.Marshal(&genesis)
	require.NoError(t, err)
	var decoded Genesis
	require.NoError(t, json.Unmarshal(enc, &decoded))
	assert.Equal(t, genesis.ToBlock().Hash(), decoded.ToBlock().Hash(), spew.Sdump(decoded))

	require.Error(t, json.Unmarshal([]byte(`{"difficulty": "0x1", "alloc": {}}`), new(Genesis)))
}

func TestSetupGenesis(t *testing.T) {
	for _, algorithm := range []journaldb.Algorithm{journaldb.Archive, journaldb.OverlayRecent, journaldb.RefCounted} {
		t.Run(algorithm.String(), func(t *testing.T) {
			genesis := newTestGenesis()
			db := rawdb.NewMemoryDatabase()

			config, hash, err := SetupGenesisBlock(db, genesis, newTestEngine(), algorithm)
			require.NoError(t, err)
			assert.Equal(t, testChainConfig, config)
			assert.Equal(t, genesis.ToBlock().Hash(), hash)

			chaindb := ChainDatabase(db)
			assert.Equal(t, hash, rawdb.ReadCanonicalHash(chaindb, 0))
			assert.Equal(t, hash, rawdb.ReadHeadBlockHash(chaindb))
			assert.Equal(t, []common.Hash{hash}, rawdb.ReadCandidates(chaindb, 0))
			assert.Equal(t, params.MinimumDifficulty, rawdb.ReadTd(chaindb, hash, 0))

			// The allocation was injected into the state namespace
			jdb, err := journaldb.New(StateDatabase(db), algorithm, nil)
			require.NoError(t, err)
			statedb, err := state.New(genesis.ToBlock().Root(), jdb)
			require.NoError(t, err)
			assert.Equal(t, testFunds, statedb.GetBalance(testAddress).ToBig())

			// Setting up the same genesis again is a no-op
			_, again, err := SetupGenesisBlock(db, genesis, newTestEngine(), algorithm)
			require.NoError(t, err)
			assert.Equal(t, hash, again)

			// A different one is refused
			other := newTestGenesis()
			other.ExtraData = []byte("other")
			_, _, err = SetupGenesisBlock(db, other, newTestEngine(), algorithm)
			var mismatch *GenesisMismatchError
			require.ErrorAs(t, err, &mismatch)
			require.ErrorIs(t, err, ErrGenesisMismatch)
			assert.Equal(t, hash, mismatch.Stored)
		})
	}
}

func TestSetupGenesisDefault(t *testing.T) {
	db := rawdb.NewMemoryDatabase()
	config, hash, err := SetupGenesisBlock(db, nil, nil, journaldb.Archive)
	require.NoError(t, err)
	assert.Equal(t, params.AllEthashProtocolChanges.ChainID, config.ChainID)

	// Without a genesis the stored config is kept
	stored, again, err := SetupGenesisBlock(db, nil, nil, journaldb.Archive)
	require.NoError(t, err)
	assert.Equal(t, hash, again)
	assert.Equal(t, config.ChainID, stored.ChainID)
}

func TestGenesisStateRoot(t *testing.T) {
	genesis := newTestGenesis()
	genesis.Alloc[common.Address{0xcc}] = types.Account{
		Balance: big.NewInt(1),
		Code:    []byte{0x60, 0x00},
		Storage: map[common.Hash]common.Hash{{1}: {2}},
	}
	block := genesis.ToBlock()
	assert.NotEqual(t, types.EmptyRootHash, block.Root())

	// Insertion order does not matter
	again := newTestGenesis()
	again.Alloc[common.Address{0xcc}] = genesis.Alloc[common.Address{0xcc}]
	assert.Equal(t, block.Hash(), again.ToBlock().Hash())
}
