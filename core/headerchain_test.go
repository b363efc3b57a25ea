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
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/params"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sunyihoo/ethimport/consensus"
	"github.com/sunyihoo/ethimport/consensus/ethash"
	"github.com/sunyihoo/ethimport/core/rawdb"
	"github.com/sunyihoo/ethimport/triedb/journaldb"
)

var (
	testKey, _  = crypto.HexToECDSA("b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291")
	testAddress = crypto.PubkeyToAddress(testKey.PublicKey)
	testFunds   = big.NewInt(1_000_000_000_000_000_000)

	// testChainConfig is a proof-of-work chain without base fees.
	testChainConfig = &params.ChainConfig{
		ChainID:             big.NewInt(1337),
		HomesteadBlock:      big.NewInt(0),
		EIP150Block:         big.NewInt(0),
		EIP155Block:         big.NewInt(0),
		EIP158Block:         big.NewInt(0),
		ByzantiumBlock:      big.NewInt(0),
		ConstantinopleBlock: big.NewInt(0),
		PetersburgBlock:     big.NewInt(0),
		IstanbulBlock:       big.NewInt(0),
		Ethash:              new(params.EthashConfig),
	}
)

func newTestGenesis() *Genesis {
	return &Genesis{
		Config:     testChainConfig,
		GasLimit:   8_000_000,
		Difficulty: params.MinimumDifficulty,
		Alloc:      types.GenesisAlloc{testAddress: {Balance: testFunds}},
	}
}

func newTestEngine() *ethash.Ethash {
	return ethash.NewFaker(consensus.DefaultParams(testChainConfig))
}

// newTestHeaderChain writes the genesis into a fresh database and opens the
// chain on top of it.
func newTestHeaderChain(t *testing.T, genesis *Genesis) (*HeaderChain, ethdb.KeyValueStore) {
	t.Helper()

	db := rawdb.NewMemoryDatabase()
	engine := newTestEngine()
	_, _, err := SetupGenesisBlock(db, genesis, engine, journaldb.Archive)
	require.NoError(t, err)

	hc, err := NewHeaderChain(ChainDatabase(db), engine)
	require.NoError(t, err)
	return hc, db
}

// insertTestBlocks inserts the blocks one by one through the two phased write
// path and returns the changes of every insertion.
func insertTestBlocks(t *testing.T, hc *HeaderChain, blocks []*types.Block) []*PendingChanges {
	t.Helper()

	var changes []*PendingChanges
	for _, block := range blocks {
		batch := hc.db.NewBatch()
		pending, err := hc.InsertBlock(batch, block, nil)
		require.NoError(t, err, "block #%d", block.NumberU64())
		require.NoError(t, batch.Write())
		hc.ApplyPending(pending)
		changes = append(changes, pending)
	}
	return changes
}

func hashes(blocks []*types.Block) []common.Hash {
	res := make([]common.Hash, len(blocks))
	for i, block := range blocks {
		res[i] = block.Hash()
	}
	return res
}

func TestHeaderChainInsert(t *testing.T) {
	genesis := newTestGenesis()
	hc, _ := newTestHeaderChain(t, genesis)
	_, blocks := makeBlockChainWithGenesis(genesis, 5, newTestEngine(), 1)

	require.Equal(t, genesis.ToBlock().Hash(), hc.GenesisHash())
	insertTestBlocks(t, hc, blocks)

	head := hc.CurrentHeader()
	assert.Equal(t, blocks[4].Hash(), head.Hash())

	td := new(big.Int).Set(genesis.Difficulty)
	for i, block := range blocks {
		td.Add(td, block.Difficulty())

		hash, ok := hc.BlockHash(uint64(i + 1))
		require.True(t, ok)
		assert.Equal(t, block.Hash(), hash)
		assert.Equal(t, td, hc.GetTdByHash(block.Hash()))
		assert.Equal(t, []common.Hash{block.Hash()}, hc.Candidates(uint64(i+1)))
	}
	assert.Equal(t, td, hc.BestBlock().Td)

	// Reopening finds the same head
	reopened, err := NewHeaderChain(hc.db, hc.engine)
	require.NoError(t, err)
	assert.Equal(t, head.Hash(), reopened.CurrentHeader().Hash())
}

func TestHeaderChainInsertErrors(t *testing.T) {
	genesis := newTestGenesis()
	hc, _ := newTestHeaderChain(t, genesis)
	_, blocks := makeBlockChainWithGenesis(genesis, 2, newTestEngine(), 1)

	// Missing parent
	_, err := hc.InsertBlock(hc.db.NewBatch(), blocks[1], nil)
	require.ErrorIs(t, err, consensus.ErrUnknownAncestor)

	insertTestBlocks(t, hc, blocks[:1])
	_, err = hc.InsertBlock(hc.db.NewBatch(), blocks[0], nil)
	require.ErrorIs(t, err, ErrKnownBlock)
}

func TestHeaderChainPendingInvisible(t *testing.T) {
	genesis := newTestGenesis()
	hc, _ := newTestHeaderChain(t, genesis)
	_, blocks := makeBlockChainWithGenesis(genesis, 1, newTestEngine(), 1)

	batch := hc.db.NewBatch()
	pending, err := hc.InsertBlock(batch, blocks[0], nil)
	require.NoError(t, err)
	require.NotNil(t, pending.Best)

	// Staged but not written
	assert.False(t, hc.IsKnown(blocks[0].Hash()))
	assert.Equal(t, hc.GenesisHash(), hc.CurrentHeader().Hash())

	require.NoError(t, batch.Write())
	assert.Equal(t, hc.GenesisHash(), hc.CurrentHeader().Hash())

	hc.ApplyPending(pending)
	assert.True(t, hc.IsKnown(blocks[0].Hash()))
	assert.Equal(t, blocks[0].Hash(), hc.CurrentHeader().Hash())
}

// Tests that among chains of equal total difficulty the first one seen stays
// canonical.
func TestHeaderChainEqualDifficulty(t *testing.T) {
	genesis := newTestGenesis()
	hc, _ := newTestHeaderChain(t, genesis)

	db, first := makeBlockChainWithGenesis(genesis, 3, newTestEngine(), 1)
	second := makeBlockChain(testChainConfig, genesis.ToBlock(), 3, newTestEngine(), db, 2)
	require.NotEqual(t, first[2].Hash(), second[2].Hash())
	require.Equal(t, first[2].Difficulty(), second[2].Difficulty())

	insertTestBlocks(t, hc, first)
	changes := insertTestBlocks(t, hc, second)
	for _, pending := range changes {
		assert.Nil(t, pending.Best)
		assert.Empty(t, pending.Enacted)
	}
	assert.Equal(t, first[2].Hash(), hc.CurrentHeader().Hash())
	for i := range first {
		assert.Equal(t, []common.Hash{first[i].Hash(), second[i].Hash()}, hc.Candidates(uint64(i+1)))
	}
	// Side blocks stay retrievable
	assert.NotNil(t, hc.GetBlockByHash(second[1].Hash()))
}

func TestHeaderChainReorg(t *testing.T) {
	genesis := newTestGenesis()
	hc, _ := newTestHeaderChain(t, genesis)

	db, short := makeBlockChainWithGenesis(genesis, 3, newTestEngine(), 1)
	long := makeBlockChain(testChainConfig, genesis.ToBlock(), 4, newTestEngine(), db, 2)

	insertTestBlocks(t, hc, short)
	changes := insertTestBlocks(t, hc, long)

	for _, pending := range changes[:3] {
		assert.Nil(t, pending.Best)
	}
	reorg := changes[3]
	require.NotNil(t, reorg.Best)
	assert.Equal(t, hashes(long), reorg.Enacted)
	assert.ElementsMatch(t, hashes(short), reorg.Retracted)

	assert.Equal(t, long[3].Hash(), hc.CurrentHeader().Hash())
	for i, block := range long {
		hash, _ := hc.BlockHash(uint64(i + 1))
		assert.Equal(t, block.Hash(), hash)
	}
	// Going back to the shorter chain takes a heavier extension of it.
	more := makeBlockChain(testChainConfig, short[2], 2, newTestEngine(), db, 1)
	changes = insertTestBlocks(t, hc, more)
	require.NotNil(t, changes[1].Best)
	assert.Equal(t, append(hashes(short), hashes(more)...), changes[1].Enacted)
	assert.ElementsMatch(t, hashes(long), changes[1].Retracted)
}

func TestHeaderChainEpochTransitions(t *testing.T) {
	genesis := newTestGenesis()
	hc, _ := newTestHeaderChain(t, genesis)

	db, canon := makeBlockChainWithGenesis(genesis, 5, newTestEngine(), 1)
	side := makeBlockChain(testChainConfig, canon[0], 2, newTestEngine(), db, 2)
	insertTestBlocks(t, hc, canon)
	insertTestBlocks(t, hc, side)

	_, ok := hc.EpochTransition(canon[4].Hash())
	require.False(t, ok)

	write := func(block *types.Block, proof []byte) {
		pending := newPendingChanges()
		batch := hc.db.NewBatch()
		hc.WriteEpochTransition(batch, pending, block.NumberU64(), rawdb.EpochTransition{
			BlockHash:   block.Hash(),
			BlockNumber: block.NumberU64(),
			Proof:       proof,
		})
		require.NoError(t, batch.Write())
		hc.ApplyPending(pending)
	}
	write(canon[1], []byte{0x01})
	write(side[0], []byte{0x02})

	transition, ok := hc.EpochTransition(canon[4].Hash())
	require.True(t, ok)
	assert.Equal(t, canon[1].Hash(), transition.BlockHash)
	assert.Equal(t, []byte{0x01}, transition.Proof)

	// The side branch shares the height but not the transition
	transition, ok = hc.EpochTransition(side[1].Hash())
	require.True(t, ok)
	assert.Equal(t, side[0].Hash(), transition.BlockHash)
	assert.Equal(t, []byte{0x02}, transition.Proof)

	// Blocks below the transition see none
	_, ok = hc.EpochTransition(canon[0].Hash())
	assert.False(t, ok)
}

func TestHeaderChainRestoration(t *testing.T) {
	genesis := newTestGenesis()
	hc, _ := newTestHeaderChain(t, genesis)
	_, blocks := makeBlockChainWithGenesis(genesis, 5, newTestEngine(), 1)

	// The recent blocks first, their ancestry is not known yet
	parentTd := new(big.Int).Set(genesis.Difficulty)
	parentTd.Add(parentTd, blocks[0].Difficulty())
	parentTd.Add(parentTd, blocks[1].Difficulty())

	disconnected, err := hc.InsertUnorderedBlock(blocks[2], nil, parentTd, false, false)
	require.NoError(t, err)
	assert.True(t, disconnected)
	disconnected, err = hc.InsertUnorderedBlock(blocks[3], nil, nil, false, false)
	require.NoError(t, err)
	assert.False(t, disconnected)
	_, err = hc.InsertUnorderedBlock(blocks[4], nil, nil, true, false)
	require.NoError(t, err)

	// Then the ancient range from the genesis up
	_, err = hc.InsertUnorderedBlock(blocks[0], nil, nil, false, true)
	require.NoError(t, err)
	_, err = hc.InsertUnorderedBlock(blocks[1], nil, nil, false, true)
	require.NoError(t, err)

	// Nothing is visible before the commit
	assert.Equal(t, hc.GenesisHash(), hc.CurrentHeader().Hash())
	assert.False(t, hc.IsKnown(blocks[4].Hash()))
	_, ok := hc.BlockHash(3)
	assert.False(t, ok)

	require.NoError(t, hc.Commit())
	assert.Equal(t, blocks[4].Hash(), hc.CurrentHeader().Hash())
	for i, block := range blocks {
		hash, ok := hc.BlockHash(uint64(i + 1))
		require.True(t, ok)
		assert.Equal(t, block.Hash(), hash)
	}
	assert.Nil(t, hc.BestAncient())
	assert.Equal(t, hc.GetTdByHash(blocks[4].Hash()), hc.BestBlock().Td)
}

func TestHeaderChainRestorationDiscard(t *testing.T) {
	genesis := newTestGenesis()
	hc, _ := newTestHeaderChain(t, genesis)
	_, blocks := makeBlockChainWithGenesis(genesis, 2, newTestEngine(), 1)

	_, err := hc.InsertUnorderedBlock(blocks[0], nil, nil, false, true)
	require.NoError(t, err)
	hc.InsertEpochTransition(1, rawdb.EpochTransition{BlockHash: blocks[0].Hash(), BlockNumber: 1})

	_, err = hc.InsertUnorderedBlock(blocks[1], nil, nil, true, false)
	require.NoError(t, err)

	hc.Discard()
	require.NoError(t, hc.Commit())
	assert.False(t, hc.IsKnown(blocks[0].Hash()))
	assert.Equal(t, hc.GenesisHash(), hc.CurrentHeader().Hash())
	_, ok := hc.EpochTransition(blocks[0].Hash())
	assert.False(t, ok)

	// Once discarded, the parent is unknown and needs a total difficulty
	_, err = hc.InsertUnorderedBlock(blocks[1], nil, nil, true, false)
	require.ErrorIs(t, err, consensus.ErrUnknownAncestor)
	hc.Discard()
}
