// Copyright 2015 The go-ethereum Authors
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

// Package verification implements the staged block verification pipeline:
// the phase checks, the Kind state machines moving items from raw input to
// verified output, and the queue running them on a pool of workers.
//
// 分阶段的区块验证流水线：各阶段检查、将条目从原始输入推进到已验证输出的 Kind 状态机，
// 以及在工作协程池上运行它们的队列。
package verification

import (
	"fmt"
	"math"
	"runtime"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	gethtrie "github.com/ethereum/go-ethereum/trie"
	"github.com/sunyihoo/ethimport/consensus"
	"golang.org/x/sync/errgroup"
)

// BlockProvider gives the family phase access to the local chain.
type BlockProvider interface {
	// BlockHeader retrieves a known header by hash.
	BlockHeader(hash common.Hash) *types.Header

	// BlockUncles retrieves the uncles included by a known block.
	BlockUncles(hash common.Hash) []*types.Header
}

// verifyHeaderParams checks the header fields against the engine bounds.
// Uncles are not subject to the extra-data check of the engine.
func verifyHeaderParams(header *types.Header, engine consensus.Engine, full bool) error {
	if header.Number == nil || !header.Number.IsUint64() || header.Number.Uint64() >= math.MaxInt64 {
		return ErrInvalidNumber
	}
	if header.GasUsed > header.GasLimit {
		return fmt.Errorf("invalid gas used: have %d, gas limit %d", header.GasUsed, header.GasLimit)
	}
	p := engine.Params()
	if header.GasLimit < p.MinGasLimit {
		return fmt.Errorf("%w: have %d, min %d", ErrInvalidGasLimit, header.GasLimit, p.MinGasLimit)
	}
	if limit, ok := engine.MaximumGasLimit(); ok && header.GasLimit > limit {
		return fmt.Errorf("%w: have %d, max %d", ErrInvalidGasLimit, header.GasLimit, limit)
	}
	if full && header.Number.Sign() > 0 {
		if limit := engine.MaximumExtraDataSize(); uint64(len(header.Extra)) > limit {
			return fmt.Errorf("extra-data too long: %d > %d", len(header.Extra), limit)
		}
	}
	return nil
}

// verifyBlockIntegrity checks that the body hashes to the roots of the header.
func verifyBlockIntegrity(header *types.Header, txs types.Transactions, uncles []*types.Header) error {
	if hash := types.DeriveSha(txs, gethtrie.NewStackTrie(nil)); hash != header.TxHash {
		return fmt.Errorf("%w (header value %x, calculated %x)", ErrTxRootMismatch, header.TxHash, hash)
	}
	if hash := types.CalcUncleHash(uncles); hash != header.UncleHash {
		return fmt.Errorf("%w (header value %x, calculated %x)", ErrUncleRootMismatch, header.UncleHash, hash)
	}
	return nil
}

// VerifyBlockBasic runs the phase one checks of a block: header parameters,
// body integrity, the engine's basic rules for the header and the uncles, and
// the basic transaction checks. Nothing here recovers signatures or touches
// state.
// VerifyBlockBasic 执行区块的第一阶段检查，不做签名恢复也不访问状态。
func VerifyBlockBasic(block *Block, engine consensus.Engine, checkSeal bool) (*Unverified, error) {
	header, body := block.Header, block.body
	if err := verifyHeaderParams(header, engine, true); err != nil {
		return nil, err
	}
	if body.Withdrawals() != nil {
		return nil, ErrUnexpectedWithdrawals
	}
	if err := verifyBlockIntegrity(header, body.Transactions(), body.Uncles()); err != nil {
		return nil, err
	}
	if checkSeal {
		if err := engine.VerifyBlockBasic(header); err != nil {
			return nil, err
		}
	}
	for _, uncle := range body.Uncles() {
		if err := verifyHeaderParams(uncle, engine, false); err != nil {
			return nil, err
		}
		if checkSeal {
			if err := engine.VerifyBlockBasic(uncle); err != nil {
				return nil, err
			}
		}
	}
	for i, tx := range body.Transactions() {
		if err := engine.VerifyTransactionBasic(tx, header); err != nil {
			return nil, fmt.Errorf("transaction %d [%x]: %w", i, tx.Hash(), err)
		}
	}
	return &Unverified{
		Header:       header,
		Transactions: body.Transactions(),
		Uncles:       body.Uncles(),
		Bytes:        block.Bytes,
	}, nil
}

// senderWorkers bounds the goroutines recovering the senders of one block.
var senderWorkers = runtime.NumCPU()

// VerifyBlockUnordered runs the phase two checks of a block: the engine's seal
// checks and the recovery of every transaction sender, done in parallel.
// VerifyBlockUnordered 执行区块的第二阶段检查：引擎的封装检查以及并行恢复所有交易发送者。
func VerifyBlockUnordered(block *Unverified, engine consensus.Engine, checkSeal bool) (*PreverifiedBlock, error) {
	if checkSeal {
		if err := engine.VerifyBlockUnordered(block.Header); err != nil {
			return nil, err
		}
		for _, uncle := range block.Uncles {
			if err := engine.VerifyBlockUnordered(uncle); err != nil {
				return nil, err
			}
		}
	}
	senders := make([]common.Address, len(block.Transactions))

	var g errgroup.Group
	g.SetLimit(senderWorkers)
	for i, tx := range block.Transactions {
		g.Go(func() error {
			sender, err := engine.VerifyTransactionUnordered(tx, block.Header)
			if err != nil {
				return fmt.Errorf("transaction %d [%x]: %w", i, tx.Hash(), err)
			}
			senders[i] = sender
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &PreverifiedBlock{
		Header:       block.Header,
		Transactions: block.Transactions,
		Senders:      senders,
		Uncles:       block.Uncles,
		Bytes:        block.Bytes,
	}, nil
}

// VerifyBlockFamily checks a header against its parent and the uncles against
// the ancestry of the block.
// VerifyBlockFamily 将区块头与父区块比对，并将叔块与该区块的祖先比对。
func VerifyBlockFamily(header, parent *types.Header, uncles []*types.Header, provider BlockProvider, engine consensus.Engine) error {
	if err := verifyParent(header, parent, engine); err != nil {
		return err
	}
	if err := engine.VerifyBlockFamily(header, parent); err != nil {
		return err
	}
	return verifyUncles(header, uncles, provider, engine)
}

func verifyParent(header, parent *types.Header, engine consensus.Engine) error {
	if header.ParentHash != parent.Hash() {
		return fmt.Errorf("%w: have %x, parent %x", ErrParentMismatch, header.ParentHash, parent.Hash())
	}
	if !consensus.IsChild(header, parent) {
		return consensus.ErrInvalidNumber
	}
	if header.Time < parent.Time {
		return ErrInvalidTimestamp
	}
	// The base fee rules replace the gas limit bound with an elastic target.
	if header.BaseFee == nil {
		divisor := engine.Params().GasLimitBoundDivisor
		if divisor == 0 {
			return nil
		}
		bound := parent.GasLimit / divisor
		if header.GasLimit <= parent.GasLimit-bound || header.GasLimit >= parent.GasLimit+bound {
			return fmt.Errorf("%w: have %d, parent %d, bound %d", ErrInvalidGasLimit, header.GasLimit, parent.GasLimit, bound)
		}
	}
	return nil
}

// verifyUncles checks the uncles of a block: within the engine limits, not
// included before, not ancestors, recent and branching off the ancestry.
func verifyUncles(header *types.Header, uncles []*types.Header, provider BlockProvider, engine consensus.Engine) error {
	if len(uncles) == 0 {
		return nil
	}
	number := header.Number.Uint64()
	if len(uncles) > engine.MaximumUncleCount(number) {
		return fmt.Errorf("%w: have %d, max %d", ErrTooManyUncles, len(uncles), engine.MaximumUncleCount(number))
	}
	// Gather the set of past uncles and ancestors
	maxAge := engine.MaximumUncleAge()
	excluded, ancestors := mapset.NewThreadUnsafeSet[common.Hash](), make(map[common.Hash]*types.Header)

	parent := header.ParentHash
	for i := 0; i <= maxAge; i++ {
		ancestor := provider.BlockHeader(parent)
		if ancestor == nil {
			break
		}
		ancestors[parent] = ancestor
		// Uncles of ancestors are banned too
		if ancestor.UncleHash != types.EmptyUncleHash {
			for _, uncle := range provider.BlockUncles(parent) {
				excluded.Add(uncle.Hash())
			}
		}
		if ancestor.Number.Sign() == 0 {
			break
		}
		parent = ancestor.ParentHash
	}
	ancestors[header.Hash()] = header
	excluded.Add(header.Hash())

	for _, uncle := range uncles {
		// Make sure every uncle is rewarded only once
		hash := uncle.Hash()
		if excluded.Contains(hash) {
			return fmt.Errorf("%w: %x", ErrDuplicateUncle, hash)
		}
		excluded.Add(hash)

		// Make sure the uncle has a valid ancestry
		if ancestors[hash] != nil {
			return fmt.Errorf("%w: %x", ErrUncleIsAncestor, hash)
		}
		if depth := number - min(number, uncle.Number.Uint64()); uncle.Number.Uint64() >= number || depth > uint64(maxAge) {
			return fmt.Errorf("%w: uncle %d, block %d", ErrUncleTooOld, uncle.Number, number)
		}
		uncleParent := ancestors[uncle.ParentHash]
		if uncleParent == nil || uncle.ParentHash == header.ParentHash {
			return fmt.Errorf("%w: %x", ErrDanglingUncle, hash)
		}
		if err := verifyParent(uncle, uncleParent, engine); err != nil {
			return err
		}
		if err := engine.VerifyBlockFamily(uncle, uncleParent); err != nil {
			return err
		}
	}
	return nil
}

// VerifyBlockExternal runs the engine checks needing registered chain state.
func VerifyBlockExternal(header *types.Header, engine consensus.Engine) error {
	return engine.VerifyBlockExternal(header)
}

// VerifyBlockFinal checks the header of an imported block against the header
// its execution produced: gas used, log bloom, state root and receipts root.
// VerifyBlockFinal 将导入区块的区块头与执行产生的区块头进行比对。
func VerifyBlockFinal(expected, got *types.Header) error {
	if expected.GasUsed != got.GasUsed {
		return fmt.Errorf("invalid gas used (remote: %d local: %d)", expected.GasUsed, got.GasUsed)
	}
	if expected.Bloom != got.Bloom {
		return fmt.Errorf("invalid bloom (remote: %x  local: %x)", expected.Bloom, got.Bloom)
	}
	if expected.Root != got.Root {
		return fmt.Errorf("invalid merkle root (remote: %x local: %x)", expected.Root, got.Root)
	}
	if expected.ReceiptHash != got.ReceiptHash {
		return fmt.Errorf("invalid receipt root hash (remote: %x local: %x)", expected.ReceiptHash, got.ReceiptHash)
	}
	return nil
}
