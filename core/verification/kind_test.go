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
	"errors"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

// Items failing creation must never be handed to the verification phase.
func TestKindCreateFailureStops(t *testing.T) {
	engine := newTestEngine()
	header := makeHeader(makeHeader(nil))
	header.TxHash = common.Hash{0x01}
	input := inputBlock(t, types.NewBlockWithHeader(header))

	queue := NewBlockQueue(DefaultConfig, engine, true)
	defer queue.Close()

	_, err := queue.Import(input)
	var verr *Error
	require.True(t, errors.As(err, &verr))
	require.Equal(t, PhaseBasic, verr.Phase)
	require.Equal(t, header.Hash(), verr.Hash)

	queue.Flush()
	require.Zero(t, engine.unordered.Load())
	require.Equal(t, StatusBad, queue.Status(header.Hash()))
	require.Empty(t, queue.Drain(10))
}

// Items failing verification must never be reported as verified.
func TestKindVerifyFailureDropped(t *testing.T) {
	engine := newTestEngine()
	engine.badSeals[2] = true

	queue := NewBlockQueue(DefaultConfig, engine, true)
	defer queue.Close()

	blocks := makeChain(t, 4)
	for _, b := range blocks {
		// Children may arrive after their parent already failed
		if _, err := queue.Import(inputBlock(t, b)); err != nil {
			require.ErrorIs(t, err, ErrKnownBad)
		}
	}
	queue.Flush()

	verified := queue.Drain(10)
	require.Len(t, verified, 1)
	require.Equal(t, blocks[0].Hash(), verified[0].Header.Hash())

	// The descendants of the failing block are bad as well
	for _, b := range blocks[1:] {
		require.Equal(t, StatusBad, queue.Status(b.Hash()), "block %d", b.NumberU64())
	}
}

// The same input always ends the same way.
func TestKindDeterministic(t *testing.T) {
	engine := newTestEngine()
	parent := makeHeader(nil)
	good := makeBlock(makeHeader(parent), types.Transactions{signedTx(t, testKey, 0), signedTx(t, testKey, 1)}, nil)
	enc := encodeBlock(t, good)

	var kind Blocks
	run := func(raw []byte) (*PreverifiedBlock, error) {
		input, err := NewBlock(raw)
		if err != nil {
			return nil, err
		}
		unverified, err := kind.Create(input, engine, true)
		if err != nil {
			return nil, err
		}
		return kind.Verify(unverified, engine, true)
	}
	first, err := run(enc)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := run(enc)
		require.NoError(t, err)
		require.Equal(t, first.Header.Hash(), again.Header.Hash())
		require.Equal(t, first.Senders, again.Senders, "run %d differs: %s", i, spew.Sdump(again.Senders))
		require.Equal(t, first.Bytes, again.Bytes)
		require.Equal(t, first.Block().Hash(), again.Block().Hash())
	}

	engine.badSeals[1] = true
	_, want := run(enc)
	require.ErrorIs(t, want, errTestSeal)
	for i := 0; i < 5; i++ {
		_, err := run(enc)
		require.Equal(t, want.Error(), err.Error())

		var verr *Error
		require.True(t, errors.As(err, &verr))
		require.Equal(t, PhaseUnordered, verr.Phase)
	}
}

func TestHeadersKind(t *testing.T) {
	engine := newTestEngine()
	var kind Headers

	header := Header{makeHeader(makeHeader(nil))}
	created, err := kind.Create(header, engine, true)
	require.NoError(t, err)
	verified, err := kind.Verify(created, engine, true)
	require.NoError(t, err)
	require.Equal(t, header.Hash(), verified.Hash())
	require.Equal(t, header.Info(), verified.Info())

	engine.badSeals[header.Number.Uint64()] = true
	_, err = kind.Verify(created, engine, true)
	require.ErrorIs(t, err, errTestSeal)

	bad := Header{makeHeader(makeHeader(nil))}
	bad.GasLimit = 0
	_, err = kind.Create(bad, engine, true)
	require.ErrorIs(t, err, ErrInvalidGasLimit)
}
