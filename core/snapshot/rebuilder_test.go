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

package snapshot

import (
	"math/big"
	"slices"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/ethereum/go-ethereum/params"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sunyihoo/ethimport/consensus"
	"github.com/sunyihoo/ethimport/consensus/ethash"
	"github.com/sunyihoo/ethimport/core"
	"github.com/sunyihoo/ethimport/core/rawdb"
	"github.com/sunyihoo/ethimport/core/state"
	"github.com/sunyihoo/ethimport/triedb/hashdb"
	"github.com/sunyihoo/ethimport/triedb/journaldb"
)

var (
	testKey, _  = crypto.HexToECDSA("b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291")
	testAddress = crypto.PubkeyToAddress(testKey.PublicKey)

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

func newTestGenesis() *core.Genesis {
	return &core.Genesis{
		Config:     testChainConfig,
		GasLimit:   8_000_000,
		Difficulty: params.MinimumDifficulty,
		Alloc:      types.GenesisAlloc{testAddress: {Balance: big.NewInt(1_000_000_000_000_000_000)}},
	}
}

func newTestEngine() *ethash.Ethash {
	return ethash.NewFaker(consensus.DefaultParams(testChainConfig))
}

func testAccount(i int) common.Address {
	return common.BytesToAddress([]byte{byte(i >> 8), byte(i), 0xac})
}

// newTestState builds a state in which some accounts share code and a few
// carry storage large enough to be split across chunks.
func newTestState(t *testing.T) (*hashdb.MemoryDB, common.Hash) {
	t.Helper()

	db := hashdb.NewMemoryDB()
	statedb, err := state.New(types.EmptyRootHash, db)
	require.NoError(t, err)
	for i := 0; i < 200; i++ {
		addr := testAccount(i)
		statedb.SetBalance(addr, uint256.NewInt(uint64(i+1)*1000))
		statedb.SetNonce(addr, uint64(i))
		if i%10 == 0 {
			statedb.SetCode(addr, []byte{0x60, byte(i % 3), 0x00})
		}
		if i%25 == 0 {
			for j := int64(0); j < 100; j++ {
				statedb.SetState(addr, common.BigToHash(big.NewInt(j)), common.BigToHash(big.NewInt(j+int64(i)+1)))
			}
		}
	}
	root, err := statedb.Commit(false)
	require.NoError(t, err)
	return db, root
}

// chunkTestState cuts the state into raw chunks.
func chunkTestState(t *testing.T, db hashdb.HashDB, root common.Hash, preferred int) [][]byte {
	t.Helper()

	var chunks [][]byte
	progress := new(Progress)
	err := ChunkState(db, root, preferred, progress, func(raw []byte) error {
		chunks = append(chunks, raw)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, uint64(200), progress.Accounts())
	return chunks
}

func TestStateRebuildRoot(t *testing.T) {
	source, root := newTestState(t)
	chunks := chunkTestState(t, source, root, 2048)
	require.Greater(t, len(chunks), 4, "state should span several chunks")

	for _, algo := range []journaldb.Algorithm{journaldb.Archive, journaldb.OverlayRecent, journaldb.RefCounted} {
		t.Run(algo.String(), func(t *testing.T) {
			jdb, err := journaldb.New(memorydb.New(), algo, nil)
			require.NoError(t, err)
			rebuilder, err := NewStateRebuilder(jdb)
			require.NoError(t, err)

			// Chunks arrive in any order.
			reversed := slices.Clone(chunks)
			slices.Reverse(reversed)
			for _, chunk := range reversed {
				require.NoError(t, rebuilder.Feed(chunk, nil))
			}
			require.Equal(t, root, rebuilder.StateRoot())
			require.NoError(t, rebuilder.Finalize(1, common.Hash{1}))

			restored, err := state.New(root, jdb)
			require.NoError(t, err)
			expected, err := state.New(root, source)
			require.NoError(t, err)
			for i := 0; i < 200; i++ {
				addr := testAccount(i)
				assert.Equal(t, expected.GetBalance(addr), restored.GetBalance(addr), "balance of %d", i)
				assert.Equal(t, expected.GetNonce(addr), restored.GetNonce(addr), "nonce of %d", i)
				assert.Equal(t, expected.GetCode(addr), restored.GetCode(addr), "code of %d", i)
				assert.Equal(t, expected.GetStorageRoot(addr), restored.GetStorageRoot(addr), "storage of %d", i)
			}
			assert.Equal(t, common.BigToHash(big.NewInt(26)), restored.GetState(testAccount(25), common.BigToHash(big.NewInt(0))))
		})
	}
}

func TestStateRebuildCorruptedChunk(t *testing.T) {
	source, root := newTestState(t)
	chunks := chunkTestState(t, source, root, 2048)

	for _, pos := range []int{3, 40, 97, 211, len(chunks[0]) - 2} {
		corrupted := slices.Clone(chunks)
		corrupted[0] = slices.Clone(chunks[0])
		corrupted[0][pos] ^= 0x01

		jdb, err := journaldb.New(memorydb.New(), journaldb.Archive, nil)
		require.NoError(t, err)
		rebuilder, err := NewStateRebuilder(jdb)
		require.NoError(t, err)

		var feedErr error
		for _, chunk := range corrupted {
			if feedErr = rebuilder.Feed(chunk, nil); feedErr != nil {
				break
			}
		}
		if feedErr == nil && rebuilder.StateRoot() == root {
			assert.Error(t, rebuilder.Finalize(1, common.Hash{1}), "corruption at %d went unnoticed", pos)
		}
	}
}

func TestStateRebuildMissingCode(t *testing.T) {
	source, root := newTestState(t)
	chunks := chunkTestState(t, source, root, 2048)

	jdb, err := journaldb.New(memorydb.New(), journaldb.Archive, nil)
	require.NoError(t, err)
	rebuilder, err := NewStateRebuilder(jdb)
	require.NoError(t, err)

	// Drop a chunk carrying inline code which another chunk references.
	inline := make(map[common.Hash]int)
	refs := make(map[common.Hash][]int)
	for i, chunk := range chunks {
		var entries []accountEntry
		require.NoError(t, rlp.DecodeBytes(chunk, &entries))
		for _, entry := range entries {
			switch entry.Account.CodeState {
			case codeInline:
				inline[crypto.Keccak256Hash(entry.Account.Code)] = i
			case codeHash:
				refs[common.BytesToHash(entry.Account.Code)] = append(refs[common.BytesToHash(entry.Account.Code)], i)
			}
		}
	}
	drop := -1
	for code, i := range inline {
		if slices.ContainsFunc(refs[code], func(j int) bool { return j != i }) {
			drop = i
			break
		}
	}
	require.NotEqual(t, -1, drop, "no chunk with referenced inline code")

	for i, chunk := range chunks {
		if i != drop {
			require.NoError(t, rebuilder.Feed(chunk, nil))
		}
	}
	require.ErrorIs(t, rebuilder.Finalize(1, common.Hash{1}), ErrMissingCode)
}

func TestStateRebuildAbort(t *testing.T) {
	source, root := newTestState(t)
	chunks := chunkTestState(t, source, root, 2048)

	jdb, err := journaldb.New(memorydb.New(), journaldb.Archive, nil)
	require.NoError(t, err)
	rebuilder, err := NewStateRebuilder(jdb)
	require.NoError(t, err)

	var abort atomic.Bool
	abort.Store(true)
	require.ErrorIs(t, rebuilder.Feed(chunks[0], &abort), ErrRestorationAborted)
}

// newTestSourceChain generates n blocks with transfers and inserts them into
// a fresh header chain.
func newTestSourceChain(t *testing.T, genesis *core.Genesis, n int) (*core.HeaderChain, *hashdb.MemoryDB, []*types.Block) {
	t.Helper()

	engine := newTestEngine()
	statedb, blocks, receipts := core.GenerateChainWithGenesis(genesis, engine, n, func(i int, b *core.BlockGen) {
		b.SetCoinbase(common.Address{0: 1, 19: byte(i)})
		tx, err := types.SignTx(types.NewTransaction(b.TxNonce(testAddress), testAccount(i), big.NewInt(1000), params.TxGas, big.NewInt(1), nil), b.Signer(), testKey)
		require.NoError(t, err)
		b.AddTx(tx)
	})
	db := rawdb.NewMemoryDatabase()
	_, _, err := core.SetupGenesisBlock(db, genesis, engine, journaldb.Archive)
	require.NoError(t, err)
	chain, err := core.NewHeaderChain(core.ChainDatabase(db), engine)
	require.NoError(t, err)
	for i, block := range blocks {
		batch := core.ChainDatabase(db).NewBatch()
		pending, err := chain.InsertBlock(batch, block, receipts[i])
		require.NoError(t, err)
		require.NoError(t, batch.Write())
		chain.ApplyPending(pending)
	}
	return chain, statedb, blocks
}

// newTestTargetChain opens a header chain holding only the genesis.
func newTestTargetChain(t *testing.T, genesis *core.Genesis) *core.HeaderChain {
	t.Helper()

	db := rawdb.NewMemoryDatabase()
	_, _, err := core.SetupGenesisBlock(db, genesis, newTestEngine(), journaldb.Archive)
	require.NoError(t, err)
	chain, err := core.NewHeaderChain(core.ChainDatabase(db), newTestEngine())
	require.NoError(t, err)
	return chain
}

func TestBlockRebuild(t *testing.T) {
	genesis := newTestGenesis()
	source, _, blocks := newTestSourceChain(t, genesis, 24)
	head := blocks[len(blocks)-1]

	var chunks [][]byte
	err := ChunkBlocks(source, head.Hash(), 100, 2048, nil, func(raw []byte) error {
		chunks = append(chunks, raw)
		return nil
	})
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)

	target := newTestTargetChain(t, genesis)
	manifest := &Manifest{StateRoot: head.Root(), BlockNumber: head.NumberU64(), BlockHash: head.Hash()}
	rebuilder := NewPowRebuilder(target, newTestEngine(), manifest, 100)
	for _, chunk := range chunks {
		require.NoError(t, rebuilder.Feed(chunk, nil))
	}
	require.NoError(t, rebuilder.Finalize())

	assert.Equal(t, head.Hash(), target.CurrentHeader().Hash())
	for _, block := range blocks {
		hash, ok := target.BlockHash(block.NumberU64())
		require.True(t, ok, "block #%d", block.NumberU64())
		assert.Equal(t, block.Hash(), hash)
		assert.Len(t, target.GetReceipts(hash), len(block.Transactions()))
	}
	assert.Equal(t, source.GetTdByHash(head.Hash()), target.GetTdByHash(head.Hash()))
}

func TestBlockRebuildLimits(t *testing.T) {
	genesis := newTestGenesis()
	source, _, blocks := newTestSourceChain(t, genesis, 8)
	head := blocks[len(blocks)-1]

	var chunks [][]byte
	require.NoError(t, ChunkBlocks(source, head.Hash(), 100, 1<<20, nil, func(raw []byte) error {
		chunks = append(chunks, raw)
		return nil
	}))
	require.Len(t, chunks, 1)

	t.Run("too many blocks", func(t *testing.T) {
		manifest := &Manifest{StateRoot: head.Root(), BlockNumber: head.NumberU64(), BlockHash: head.Hash()}
		rebuilder := NewPowRebuilder(newTestTargetChain(t, genesis), newTestEngine(), manifest, 4)
		require.ErrorIs(t, rebuilder.Feed(chunks[0], nil), ErrTooManyBlocks)
	})
	t.Run("wrong state root", func(t *testing.T) {
		manifest := &Manifest{StateRoot: common.Hash{1}, BlockNumber: head.NumberU64(), BlockHash: head.Hash()}
		rebuilder := NewPowRebuilder(newTestTargetChain(t, genesis), newTestEngine(), manifest, 100)
		require.ErrorIs(t, rebuilder.Feed(chunks[0], nil), ErrWrongStateRoot)
	})
	t.Run("wrong block hash", func(t *testing.T) {
		manifest := &Manifest{StateRoot: head.Root(), BlockNumber: head.NumberU64(), BlockHash: common.Hash{1}}
		rebuilder := NewPowRebuilder(newTestTargetChain(t, genesis), newTestEngine(), manifest, 100)
		require.ErrorIs(t, rebuilder.Feed(chunks[0], nil), ErrWrongBlockHash)
	})
}
