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
	"errors"
)

// StorageError reports a failure of the backing store while committing an
// import. The block itself may be valid; it stays queued and is retried.
// StorageError 表示提交导入时底层存储失败。区块本身可能有效，会保留在队列中重试。
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *StorageError) Unwrap() error { return e.Err }

var (
	// ErrKnownBlock is returned when a block to import is already known locally.
	ErrKnownBlock = errors.New("block already known")

	// ErrNoGenesis is returned when there is no Genesis Block.
	ErrNoGenesis = errors.New("genesis not found in chain")

	// ErrAncientBlock is returned when a block is older than the pruning
	// history, so the state of its parent may be gone.
	// ErrAncientBlock 在区块早于裁剪历史窗口、其父状态可能已被删除时返回。
	ErrAncientBlock = errors.New("block is beyond the pruning history")

	// ErrBadParent is returned for blocks descending from a block that failed
	// to import.
	ErrBadParent = errors.New("parent block failed to import")

	// ErrClientClosed is returned when importing into a closed client.
	ErrClientClosed = errors.New("client closed")

	// ErrGenesisMismatch is returned when the stored genesis differs from the
	// configured one.
	ErrGenesisMismatch = errors.New("genesis block mismatch")
)

// List of transaction pre-checking errors of the transfer executor. If any
// invalidation is detected while executing a block, the block is rejected.
var (
	// ErrNonceTooLow is returned if the nonce of a transaction is lower than the
	// one present in the local chain.
	// ErrNonceTooLow 在交易的 nonce 低于本地链中已存在的 nonce 时返回。
	ErrNonceTooLow = errors.New("nonce too low")

	// ErrNonceTooHigh is returned if the nonce of a transaction is higher than the
	// next one expected based on the local chain.
	// ErrNonceTooHigh 在交易的 nonce 高于本地链中预期的下一个 nonce 时返回。
	ErrNonceTooHigh = errors.New("nonce too high")

	// ErrNonceMax is returned if the nonce of a transaction sender account has
	// maximum allowed value and would become invalid if incremented.
	ErrNonceMax = errors.New("nonce has max value")

	// ErrGasLimitReached is returned by the gas pool if the amount of gas required
	// by a transaction is higher than what's left in the block.
	// ErrGasLimitReached 在交易所需的 gas 量高于区块中剩余的 gas 量时，由 gas 池返回。
	ErrGasLimitReached = errors.New("gas limit reached")

	// ErrInsufficientFunds is returned if the total cost of executing a transaction
	// is higher than the balance of the user's account.
	// ErrInsufficientFunds 在执行交易的总成本高于用户账户余额时返回。
	ErrInsufficientFunds = errors.New("insufficient funds for gas * price + value")

	// ErrGasUintOverflow is returned when calculating gas usage.
	ErrGasUintOverflow = errors.New("gas uint64 overflow")

	// ErrIntrinsicGas is returned if the transaction is specified to use less gas
	// than required to start the invocation.
	// ErrIntrinsicGas 在交易指定的 gas 量低于启动执行所需的最低 gas 量时返回。
	ErrIntrinsicGas = errors.New("intrinsic gas too low")

	// ErrFeeCapTooLow is returned if the transaction fee cap is less than the
	// base fee of the block.
	ErrFeeCapTooLow = errors.New("max fee per gas less than block base fee")

	// ErrSenderNoEOA is returned if the sender of a transaction is a contract.
	ErrSenderNoEOA = errors.New("sender not an eoa")

	// ErrContractCreation is returned for transactions that deploy code, which
	// the transfer executor cannot run.
	ErrContractCreation = errors.New("contract creation not supported")

	// ErrSenderMismatch is returned if the recovered senders do not line up
	// with the transactions of a block.
	ErrSenderMismatch = errors.New("sender count mismatch")
)
