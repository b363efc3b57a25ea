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

package verification

import (
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"
	"github.com/ethereum/go-ethereum/rlp"
	gethtrie "github.com/ethereum/go-ethereum/trie"
	"github.com/stretchr/testify/require"
	"github.com/sunyihoo/ethimport/consensus"
	"github.com/sunyihoo/ethimport/consensus/instantseal"
)

var errTestSeal = errors.New("test seal failure")

// testEngine is a deterministic engine counting its invocations. Seals fail
// for the configured block numbers and verification of the configured numbers
// is slowed down.
type testEngine struct {
	*instantseal.InstantSeal

	basic     atomic.Int32
	unordered atomic.Int32

	badSeals map[uint64]bool
	delays   map[uint64]time.Duration
}

func newTestEngine() *testEngine {
	return &testEngine{
		InstantSeal: instantseal.New(consensus.DefaultParams(params.AllEthashProtocolChanges)),
		badSeals:    make(map[uint64]bool),
		delays:      make(map[uint64]time.Duration),
	}
}

func (e *testEngine) VerifyBlockBasic(header *types.Header) error {
	e.basic.Add(1)
	return e.InstantSeal.VerifyBlockBasic(header)
}

func (e *testEngine) VerifyBlockUnordered(header *types.Header) error {
	e.unordered.Add(1)
	if d := e.delays[header.Number.Uint64()]; d > 0 {
		time.Sleep(d)
	}
	if e.badSeals[header.Number.Uint64()] {
		return errTestSeal
	}
	return nil
}

func (e *testEngine) MaximumUncleCount(uint64) int { return 2 }
func (e *testEngine) MaximumUncleAge() int         { return 6 }

var (
	testKey, _  = crypto.HexToECDSA("b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291")
	testAddress = crypto.PubkeyToAddress(testKey.PublicKey)
)

func signedTx(t testing.TB, key *ecdsa.PrivateKey, nonce uint64) *types.Transaction {
	signer := types.LatestSigner(params.AllEthashProtocolChanges)
	tx, err := types.SignTx(types.NewTransaction(nonce, common.Address{0x01}, big.NewInt(1), params.TxGas, big.NewInt(1), nil), signer, key)
	require.NoError(t, err)
	return tx
}

func makeHeader(parent *types.Header) *types.Header {
	header := &types.Header{
		Number:     big.NewInt(0),
		GasLimit:   8_000_000,
		Difficulty: big.NewInt(1),
		Time:       1000,
		Extra:      []byte("test"),
	}
	if parent != nil {
		header.ParentHash = parent.Hash()
		header.Number = new(big.Int).Add(parent.Number, common.Big1)
		header.Time = parent.Time + 10
		header.GasLimit = parent.GasLimit
	}
	return header
}

func makeBlock(header *types.Header, txs types.Transactions, uncles []*types.Header) *types.Block {
	return types.NewBlock(header, &types.Body{Transactions: txs, Uncles: uncles}, nil, gethtrie.NewStackTrie(nil))
}

func encodeBlock(t testing.TB, block *types.Block) []byte {
	enc, err := rlp.EncodeToBytes(block)
	require.NoError(t, err)
	return enc
}

func inputBlock(t testing.TB, block *types.Block) *Block {
	input, err := NewBlock(encodeBlock(t, block))
	require.NoError(t, err)
	return input
}

// testChain is a BlockProvider over a fixed set of blocks.
type testChain map[common.Hash]*types.Block

func (c testChain) add(blocks ...*types.Block) {
	for _, b := range blocks {
		c[b.Hash()] = b
	}
}

func (c testChain) BlockHeader(hash common.Hash) *types.Header {
	if b, ok := c[hash]; ok {
		return b.Header()
	}
	return nil
}

func (c testChain) BlockUncles(hash common.Hash) []*types.Header {
	if b, ok := c[hash]; ok {
		return b.Uncles()
	}
	return nil
}

func TestNewBlockMalformed(t *testing.T) {
	_, err := NewBlock([]byte{0xc0, 0x01})
	require.ErrorIs(t, err, ErrMalformedBlock)
}

func TestVerifyBlockBasic(t *testing.T) {
	engine := newTestEngine()
	genesis := makeHeader(nil)
	txs := types.Transactions{signedTx(t, testKey, 0), signedTx(t, testKey, 1)}

	block := makeBlock(makeHeader(genesis), txs, nil)
	unverified, err := VerifyBlockBasic(inputBlock(t, block), engine, true)
	require.NoError(t, err)
	require.Equal(t, block.Hash(), unverified.Header.Hash())
	require.Len(t, unverified.Transactions, 2)
	require.EqualValues(t, 1, engine.basic.Load())

	// Seal checks are skipped on request
	_, err = VerifyBlockBasic(inputBlock(t, block), engine, false)
	require.NoError(t, err)
	require.EqualValues(t, 1, engine.basic.Load())

	tests := []struct {
		name   string
		mutate func(h *types.Header)
		err    error
	}{
		{"tx root", func(h *types.Header) { h.TxHash = common.Hash{0x01} }, ErrTxRootMismatch},
		{"uncle root", func(h *types.Header) { h.UncleHash = common.Hash{0x01} }, ErrUncleRootMismatch},
		{"gas limit", func(h *types.Header) { h.GasLimit = params.MinGasLimit - 1 }, ErrInvalidGasLimit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := block.Header()
			tt.mutate(header)
			bad := types.NewBlockWithHeader(header).WithBody(*block.Body())
			_, err := VerifyBlockBasic(inputBlock(t, bad), engine, true)
			require.ErrorIs(t, err, tt.err)
		})
	}
}

func TestVerifyBlockBasicHeaderParams(t *testing.T) {
	engine := newTestEngine()
	genesis := makeHeader(nil)

	header := makeHeader(genesis)
	header.GasUsed = header.GasLimit + 1
	_, err := VerifyBlockBasic(inputBlock(t, makeBlock(header, nil, nil)), engine, true)
	require.Error(t, err)

	header = makeHeader(genesis)
	header.Extra = make([]byte, params.MaximumExtraDataSize+1)
	_, err = VerifyBlockBasic(inputBlock(t, makeBlock(header, nil, nil)), engine, true)
	require.ErrorContains(t, err, "extra-data too long")

	// The genesis block may carry any extra-data
	genesis.Extra = make([]byte, params.MaximumExtraDataSize+1)
	_, err = VerifyBlockBasic(inputBlock(t, makeBlock(genesis, nil, nil)), engine, true)
	require.NoError(t, err)
}

func TestVerifyBlockBasicTransactions(t *testing.T) {
	engine := newTestEngine()
	header := makeHeader(makeHeader(nil))

	tx := types.MustSignNewTx(testKey, types.LatestSigner(params.AllEthashProtocolChanges), &types.LegacyTx{
		Nonce: 0, To: &common.Address{}, Value: common.Big1, Gas: params.TxGas - 1, GasPrice: common.Big1,
	})
	_, err := VerifyBlockBasic(inputBlock(t, makeBlock(header, types.Transactions{tx}, nil)), engine, true)
	require.ErrorIs(t, err, consensus.ErrIntrinsicGas)
}

func TestVerifyBlockUnordered(t *testing.T) {
	engine := newTestEngine()
	header := makeHeader(makeHeader(nil))

	other, _ := crypto.GenerateKey()
	txs := types.Transactions{signedTx(t, testKey, 0), signedTx(t, other, 0), signedTx(t, testKey, 1)}
	unverified, err := VerifyBlockBasic(inputBlock(t, makeBlock(header, txs, nil)), engine, true)
	require.NoError(t, err)

	verified, err := VerifyBlockUnordered(unverified, engine, true)
	require.NoError(t, err)
	require.Equal(t, []common.Address{testAddress, crypto.PubkeyToAddress(other.PublicKey), testAddress}, verified.Senders)
	require.Equal(t, header.Hash(), verified.Block().Hash())
	require.Equal(t, unverified.Bytes, verified.Bytes)

	engine.badSeals[header.Number.Uint64()] = true
	_, err = VerifyBlockUnordered(unverified, engine, true)
	require.ErrorIs(t, err, errTestSeal)

	// Seal checks can be skipped but senders are always recovered
	verified, err = VerifyBlockUnordered(unverified, engine, false)
	require.NoError(t, err)
	require.Len(t, verified.Senders, 3)
}

func TestVerifyBlockFamily(t *testing.T) {
	engine := newTestEngine()
	chain := make(testChain)

	genesis := makeBlock(makeHeader(nil), nil, nil)
	block1 := makeBlock(makeHeader(genesis.Header()), nil, nil)
	block2 := makeBlock(makeHeader(block1.Header()), nil, nil)
	chain.add(genesis, block1, block2)

	// A sibling of block 2 is a valid uncle for block 3
	sibling := makeHeader(block1.Header())
	sibling.Extra = []byte("sibling")

	header := makeHeader(block2.Header())
	require.NoError(t, VerifyBlockFamily(header, block2.Header(), []*types.Header{sibling}, chain, engine))
	require.NoError(t, VerifyBlockFamily(header, block2.Header(), nil, chain, engine))

	// Linkage
	require.ErrorIs(t, VerifyBlockFamily(header, block1.Header(), nil, chain, engine), ErrParentMismatch)

	early := makeHeader(block2.Header())
	early.Time = block2.Time() - 1
	require.ErrorIs(t, VerifyBlockFamily(early, block2.Header(), nil, chain, engine), ErrInvalidTimestamp)

	jump := makeHeader(block2.Header())
	jump.GasLimit = block2.GasLimit() * 2
	require.ErrorIs(t, VerifyBlockFamily(jump, block2.Header(), nil, chain, engine), ErrInvalidGasLimit)

	// Uncle rules
	require.ErrorIs(t, VerifyBlockFamily(header, block2.Header(), []*types.Header{sibling, sibling}, chain, engine), ErrDuplicateUncle)
	require.ErrorIs(t, VerifyBlockFamily(header, block2.Header(), []*types.Header{block1.Header()}, chain, engine), ErrUncleIsAncestor)

	stranger := makeHeader(makeHeader(nil))
	stranger.ParentHash = common.Hash{0xde, 0xad}
	require.ErrorIs(t, VerifyBlockFamily(header, block2.Header(), []*types.Header{stranger}, chain, engine), ErrDanglingUncle)

	// A sibling of the block itself is not an uncle
	own := makeHeader(block2.Header())
	own.Extra = []byte("own")
	require.ErrorIs(t, VerifyBlockFamily(header, block2.Header(), []*types.Header{own}, chain, engine), ErrUncleTooOld)

	three := []*types.Header{sibling, makeHeader(block1.Header()), makeHeader(genesis.Header())}
	require.ErrorIs(t, VerifyBlockFamily(header, block2.Header(), three, chain, engine), ErrTooManyUncles)
}

func TestVerifyBlockFamilyIncludedUncle(t *testing.T) {
	engine := newTestEngine()
	chain := make(testChain)

	genesis := makeBlock(makeHeader(nil), nil, nil)
	block1 := makeBlock(makeHeader(genesis.Header()), nil, nil)
	sibling := makeHeader(block1.Header())
	sibling.Extra = []byte("sibling")
	block2 := makeBlock(makeHeader(block1.Header()), nil, nil)
	block3 := makeBlock(makeHeader(block2.Header()), nil, []*types.Header{sibling})
	chain.add(genesis, block1, block2, block3)

	header := makeHeader(block3.Header())
	err := VerifyBlockFamily(header, block3.Header(), []*types.Header{sibling}, chain, engine)
	require.ErrorIs(t, err, ErrDuplicateUncle)
}

func TestVerifyBlockFinal(t *testing.T) {
	expected := &types.Header{GasUsed: 21000, Root: common.Hash{1}, ReceiptHash: common.Hash{2}}

	got := types.CopyHeader(expected)
	require.NoError(t, VerifyBlockFinal(expected, got))

	got.GasUsed++
	require.ErrorContains(t, VerifyBlockFinal(expected, got), "invalid gas used")

	got = types.CopyHeader(expected)
	got.Bloom[0] = 1
	require.ErrorContains(t, VerifyBlockFinal(expected, got), "invalid bloom")

	got = types.CopyHeader(expected)
	got.Root = common.Hash{3}
	require.ErrorContains(t, VerifyBlockFinal(expected, got), "invalid merkle root")

	got = types.CopyHeader(expected)
	got.ReceiptHash = common.Hash{3}
	require.ErrorContains(t, VerifyBlockFinal(expected, got), "invalid receipt root hash")
}
