// Copyright 2014 The go-ethereum Authors
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
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"
	"github.com/sunyihoo/ethimport/consensus"
	"github.com/sunyihoo/ethimport/core/state"
	"github.com/sunyihoo/ethimport/core/verification"
	"github.com/sunyihoo/ethimport/triedb/hashdb"
)

// IntrinsicGas computes the 'intrinsic gas' for a message with the given data.
// IntrinsicGas 计算给定数据的消息的“内在 gas”。
func IntrinsicGas(data []byte, accessList types.AccessList, isContractCreation, isHomestead, isEIP2028, isEIP3860 bool) (uint64, error) {
	// Set the starting gas for the raw transaction
	var gas uint64
	if isContractCreation && isHomestead {
		gas = params.TxGasContractCreation
	} else {
		gas = params.TxGas
	}
	dataLen := uint64(len(data))
	// Bump the required gas by the amount of transactional data
	if dataLen > 0 {
		// Zero and non-zero bytes are priced differently
		var nz uint64
		for _, byt := range data {
			if byt != 0 {
				nz++
			}
		}
		// Make sure we don't exceed uint64 for all data combinations
		nonZeroGas := params.TxDataNonZeroGasFrontier
		if isEIP2028 {
			nonZeroGas = params.TxDataNonZeroGasEIP2028
		}
		if (math.MaxUint64-gas)/nonZeroGas < nz {
			return 0, ErrGasUintOverflow
		}
		gas += nz * nonZeroGas

		z := dataLen - nz
		if (math.MaxUint64-gas)/params.TxDataZeroGas < z {
			return 0, ErrGasUintOverflow
		}
		gas += z * params.TxDataZeroGas

		if isContractCreation && isEIP3860 {
			lenWords := toWordSize(dataLen)
			if (math.MaxUint64-gas)/params.InitCodeWordGas < lenWords {
				return 0, ErrGasUintOverflow
			}
			gas += lenWords * params.InitCodeWordGas
		}
	}
	if accessList != nil {
		gas += uint64(len(accessList)) * params.TxAccessListAddressGas
		gas += uint64(accessList.StorageKeys()) * params.TxAccessListStorageKeyGas
	}
	return gas, nil
}

// toWordSize returns the ceiled word size required for init code payment calculation.
func toWordSize(size uint64) uint64 {
	if size > math.MaxUint64-31 {
		return math.MaxUint64/32 + 1
	}
	return (size + 31) / 32
}

// GasPool tracks the amount of gas available during execution of the
// transactions in a block.
type GasPool uint64

// SubGas deducts the given amount from the pool if enough gas is
// available and returns an error otherwise.
func (gp *GasPool) SubGas(amount uint64) error {
	if uint64(*gp) < amount {
		return ErrGasLimitReached
	}
	*(*uint64)(gp) -= amount
	return nil
}

// Gas returns the amount of gas remaining in the pool.
func (gp *GasPool) Gas() uint64 {
	return uint64(*gp)
}

// TransferExecutor executes blocks made of plain value transfers: it charges
// the intrinsic gas of every transaction, moves the value, pays the fees to
// the block author and credits an optional block reward. Contract code is
// never run, so transactions creating or calling contracts are rejected.
//
// TransferExecutor 执行仅由转账组成的区块：收取每笔交易的内在 gas，转移金额，
// 将手续费支付给区块作者，并发放可选的区块奖励。
type TransferExecutor struct {
	engine consensus.Engine
	reward *uint256.Int // Block reward of the author, nil for none
}

// NewTransferExecutor creates an executor following the fork rules of the
// engine's chain config.
func NewTransferExecutor(engine consensus.Engine, reward *uint256.Int) *TransferExecutor {
	return &TransferExecutor{engine: engine, reward: reward}
}

// Execute implements Executor.
func (e *TransferExecutor) Execute(block *verification.PreverifiedBlock, parent *types.Header, db hashdb.HashDB) (*ExecutionResult, error) {
	header := block.Header
	if len(block.Senders) != len(block.Transactions) {
		return nil, fmt.Errorf("%w: %d senders for %d transactions", ErrSenderMismatch, len(block.Senders), len(block.Transactions))
	}
	statedb, err := state.New(parent.Root, db)
	if err != nil {
		return nil, err
	}
	author, err := e.engine.Author(header)
	if err != nil {
		return nil, err
	}
	var (
		config   = e.engine.Params().ChainConfig
		gp       = GasPool(header.GasLimit)
		receipts = make(types.Receipts, 0, len(block.Transactions))
		usedGas  uint64
	)
	for i, tx := range block.Transactions {
		gas, err := e.applyTransaction(config, statedb, header, author, block.Senders[i], tx, &gp)
		if err != nil {
			return nil, fmt.Errorf("could not apply tx %d [%v]: %w", i, tx.Hash().Hex(), err)
		}
		usedGas += gas

		receipt := &types.Receipt{Type: tx.Type(), CumulativeGasUsed: usedGas}
		if config.IsByzantium(header.Number) {
			receipt.Status = types.ReceiptStatusSuccessful
		} else {
			root, err := statedb.IntermediateRoot(config.IsEIP158(header.Number))
			if err != nil {
				return nil, err
			}
			receipt.PostState = root.Bytes()
		}
		receipt.TxHash = tx.Hash()
		receipt.GasUsed = gas
		receipt.Logs = []*types.Log{}
		receipt.Bloom = types.CreateBloom(types.Receipts{receipt})
		receipt.BlockHash = header.Hash()
		receipt.BlockNumber = new(big.Int).Set(header.Number)
		receipt.TransactionIndex = uint(i)
		receipts = append(receipts, receipt)
	}
	if e.reward != nil {
		statedb.AddBalance(author, e.reward)
	}
	root, err := statedb.Commit(config.IsEIP158(header.Number))
	if err != nil {
		return nil, err
	}
	log.Trace("Executed block", "number", header.Number, "hash", header.Hash(), "txs", len(receipts), "gas", usedGas, "root", root)
	return &ExecutionResult{Root: root, Receipts: receipts, GasUsed: usedGas}, nil
}

// applyTransaction runs the pre-checks of a transaction and applies the
// transfer, returning the gas it used.
func (e *TransferExecutor) applyTransaction(config *params.ChainConfig, statedb *state.StateDB, header *types.Header, author, from common.Address, tx *types.Transaction, gp *GasPool) (uint64, error) {
	if tx.To() == nil {
		return 0, ErrContractCreation
	}
	// Make sure this transaction's nonce is correct.
	stNonce := statedb.GetNonce(from)
	if msgNonce := tx.Nonce(); stNonce < msgNonce {
		return 0, fmt.Errorf("%w: address %v, tx: %d state: %d", ErrNonceTooHigh, from.Hex(), msgNonce, stNonce)
	} else if stNonce > msgNonce {
		return 0, fmt.Errorf("%w: address %v, tx: %d state: %d", ErrNonceTooLow, from.Hex(), msgNonce, stNonce)
	} else if stNonce+1 < stNonce {
		return 0, fmt.Errorf("%w: address %v, nonce: %d", ErrNonceMax, from.Hex(), stNonce)
	}
	// Make sure the sender is an EOA and the recipient runs no code.
	if codeHash := statedb.GetCodeHash(from); codeHash != types.EmptyCodeHash && codeHash != (common.Hash{}) {
		return 0, fmt.Errorf("%w: address %v, codehash: %s", ErrSenderNoEOA, from.Hex(), codeHash)
	}
	if len(statedb.GetCode(*tx.To())) > 0 {
		return 0, fmt.Errorf("%w: call into %v", ErrContractCreation, tx.To().Hex())
	}
	// Resolve the price paid per gas and the share going to the author.
	price, tip := tx.GasPrice(), tx.GasPrice()
	if header.BaseFee != nil {
		if tx.GasFeeCap().Cmp(header.BaseFee) < 0 {
			return 0, fmt.Errorf("%w: address %v, maxFeePerGas: %s, baseFee: %s", ErrFeeCapTooLow, from.Hex(), tx.GasFeeCap(), header.BaseFee)
		}
		tip = tx.EffectiveGasTipValue(header.BaseFee)
		price = new(big.Int).Add(tip, header.BaseFee)
	}
	gas, err := IntrinsicGas(tx.Data(), tx.AccessList(), false, config.IsHomestead(header.Number), config.IsIstanbul(header.Number), config.IsShanghai(header.Number, header.Time))
	if err != nil {
		return 0, err
	}
	if tx.Gas() < gas {
		return 0, fmt.Errorf("%w: have %d, want %d", ErrIntrinsicGas, tx.Gas(), gas)
	}
	if err := gp.SubGas(gas); err != nil {
		return 0, err
	}
	// Charge the used gas and move the value.
	fee, overflow := uint256.FromBig(new(big.Int).Mul(new(big.Int).SetUint64(gas), price))
	if overflow {
		return 0, fmt.Errorf("%w: address %v required balance exceeds 256 bits", ErrInsufficientFunds, from.Hex())
	}
	value, overflow := uint256.FromBig(tx.Value())
	if overflow {
		return 0, fmt.Errorf("%w: address %v required balance exceeds 256 bits", ErrInsufficientFunds, from.Hex())
	}
	cost, overflow := new(uint256.Int).AddOverflow(fee, value)
	if overflow {
		return 0, fmt.Errorf("%w: address %v required balance exceeds 256 bits", ErrInsufficientFunds, from.Hex())
	}
	if have := statedb.GetBalance(from); have.Cmp(cost) < 0 {
		return 0, fmt.Errorf("%w: address %v have %v want %v", ErrInsufficientFunds, from.Hex(), have, cost)
	}
	statedb.SetNonce(from, stNonce+1)
	statedb.SubBalance(from, cost)
	statedb.AddBalance(*tx.To(), value)

	reward, _ := uint256.FromBig(new(big.Int).Mul(new(big.Int).SetUint64(gas), tip))
	statedb.AddBalance(author, reward)
	return gas, nil
}
