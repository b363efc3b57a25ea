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
	"bytes"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

// Tests block header storage and retrieval operations.
func TestHeaderStorage(t *testing.T) {
	db := NewTable(NewMemoryDatabase(), ChainNamespace)

	header := &types.Header{Number: big.NewInt(42), Extra: []byte("test header")}
	require.Nil(t, ReadHeader(db, header.Hash(), header.Number.Uint64()))

	WriteHeader(db, header)
	entry := ReadHeader(db, header.Hash(), header.Number.Uint64())
	require.NotNil(t, entry)
	require.Equal(t, header.Hash(), entry.Hash())
	require.True(t, HasHeader(db, header.Hash(), 42))
	require.Equal(t, uint64(42), *ReadHeaderNumber(db, header.Hash()))

	DeleteHeader(db, header.Hash(), header.Number.Uint64())
	require.Nil(t, ReadHeader(db, header.Hash(), header.Number.Uint64()))
	require.Nil(t, ReadHeaderNumber(db, header.Hash()))
}

func TestBlockStorage(t *testing.T) {
	db := NewTable(NewMemoryDatabase(), ChainNamespace)

	uncle := &types.Header{Number: big.NewInt(1), Extra: []byte("uncle")}
	block := types.NewBlockWithHeader(&types.Header{
		Number:      big.NewInt(2),
		Extra:       []byte("test block"),
		UncleHash:   types.CalcUncleHash([]*types.Header{uncle}),
		TxHash:      types.EmptyTxsHash,
		ReceiptHash: types.EmptyReceiptsHash,
	}).WithBody(types.Body{Uncles: []*types.Header{uncle}})

	require.Nil(t, ReadBlock(db, block.Hash(), block.NumberU64()))
	WriteBlock(db, block)

	entry := ReadBlock(db, block.Hash(), block.NumberU64())
	require.NotNil(t, entry)
	require.Equal(t, block.Hash(), entry.Hash())
	require.Len(t, entry.Uncles(), 1)
	require.Equal(t, uncle.Hash(), entry.Uncles()[0].Hash())
	require.True(t, HasBody(db, block.Hash(), block.NumberU64()))

	WriteTd(db, block.Hash(), block.NumberU64(), big.NewInt(7))
	require.Equal(t, big.NewInt(7), ReadTd(db, block.Hash(), block.NumberU64()))

	DeleteBlock(db, block.Hash(), block.NumberU64())
	require.Nil(t, ReadBlock(db, block.Hash(), block.NumberU64()))
	require.Nil(t, ReadTd(db, block.Hash(), block.NumberU64()))
}

func TestCanonicalAndCandidates(t *testing.T) {
	db := NewTable(NewMemoryDatabase(), ChainNamespace)

	require.Equal(t, common.Hash{}, ReadCanonicalHash(db, 5))
	WriteCanonicalHash(db, common.Hash{0x05}, 5)
	require.Equal(t, common.Hash{0x05}, ReadCanonicalHash(db, 5))
	DeleteCanonicalHash(db, 5)
	require.Equal(t, common.Hash{}, ReadCanonicalHash(db, 5))

	hashes := []common.Hash{{0x01}, {0x02}}
	WriteCandidates(db, 9, hashes)
	require.Equal(t, hashes, ReadCandidates(db, 9))
	WriteCandidates(db, 9, nil)
	require.Nil(t, ReadCandidates(db, 9))

	require.Nil(t, ReadBestAncient(db))
	WriteBestAncient(db, &BlockRef{Number: 3, Hash: common.Hash{0x03}})
	require.Equal(t, &BlockRef{Number: 3, Hash: common.Hash{0x03}}, ReadBestAncient(db))
	WriteBestAncient(db, nil)
	require.Nil(t, ReadBestAncient(db))
}

func TestReceiptStorage(t *testing.T) {
	db := NewTable(NewMemoryDatabase(), ChainNamespace)

	receipts := types.Receipts{
		{Status: types.ReceiptStatusSuccessful, CumulativeGasUsed: 21000, Logs: []*types.Log{}},
		{Status: types.ReceiptStatusFailed, CumulativeGasUsed: 42000, Logs: []*types.Log{{Address: common.Address{0x01}, Topics: []common.Hash{{0x02}}, Data: []byte{0x03}}}},
	}
	WriteReceipts(db, common.Hash{0x01}, 1, receipts)

	stored := ReadReceipts(db, common.Hash{0x01}, 1)
	require.Len(t, stored, 2)
	require.Equal(t, uint64(42000), stored[1].CumulativeGasUsed)
	require.Equal(t, types.ReceiptStatusFailed, stored[1].Status)
	require.Len(t, stored[1].Logs, 1)
}

func TestEpochTransitions(t *testing.T) {
	db := NewMemoryDatabase()

	WriteEpochTransition(db, EpochTransition{BlockHash: common.Hash{0x01}, BlockNumber: 10, Proof: []byte{1}})
	WriteEpochTransition(db, EpochTransition{BlockHash: common.Hash{0x02}, BlockNumber: 10, Proof: []byte{2}})
	WriteEpochTransition(db, EpochTransition{BlockHash: common.Hash{0x01}, BlockNumber: 10, Proof: []byte{3}})

	transitions := ReadEpochTransitions(db, 10)
	require.Len(t, transitions, 2)
	require.Equal(t, common.Hash{0x02}, transitions[0].BlockHash)
	require.Equal(t, []byte{3}, transitions[1].Proof)
	require.Empty(t, ReadEpochTransitions(db, 11))

	WritePendingTransition(db, common.Hash{0x04}, []byte{4})
	require.Equal(t, []byte{4}, ReadPendingTransition(db, common.Hash{0x04}))
	DeletePendingTransition(db, common.Hash{0x04})
	require.Nil(t, ReadPendingTransition(db, common.Hash{0x04}))
}

func TestTableIsolation(t *testing.T) {
	db := NewMemoryDatabase()
	chain, state := NewTable(db, ChainNamespace), NewTable(db, StateNamespace)

	require.NoError(t, chain.Put([]byte("key"), []byte("chain")))
	require.NoError(t, state.Put([]byte("key"), []byte("state")))

	value, err := chain.Get([]byte("key"))
	require.NoError(t, err)
	require.Equal(t, []byte("chain"), value)

	batch := state.NewBatch()
	require.NoError(t, batch.Put([]byte("other"), []byte{1}))
	require.NoError(t, batch.Delete([]byte("key")))
	require.NoError(t, batch.Write())

	ok, _ := state.Has([]byte("key"))
	require.False(t, ok)
	ok, _ = chain.Has([]byte("key"))
	require.True(t, ok)

	it := state.NewIterator(nil, nil)
	defer it.Release()
	var keys [][]byte
	for it.Next() {
		keys = append(keys, common.CopyBytes(it.Key()))
	}
	require.Equal(t, [][]byte{[]byte("other")}, keys)

	require.NoError(t, chain.(*table).DeleteRange(nil, nil))
	ok, _ = chain.Has([]byte("key"))
	require.False(t, ok)

	var out bytes.Buffer
	require.NoError(t, InspectDatabase(db, &out))
	require.Contains(t, out.String(), "Trie nodes")
}
