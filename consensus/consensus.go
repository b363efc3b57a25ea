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

// Package consensus defines the capability interface the block import pipeline
// verifies blocks with, independent of the concrete consensus algorithm.
//
// Verification happens in escalating phases: basic and unordered checks look
// at a block in isolation and may run concurrently, family checks need the
// parent header and external checks need registered chain state. Engines rely
// on being called in exactly that order.
//
// 验证分为逐级升高的阶段：basic 与 unordered 只检查区块本身，可以并发执行；
// family 需要父区块头，external 需要已注册的链状态。引擎依赖于严格按此顺序被调用。
package consensus

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
)

// Params are the chain wide parameters every engine exposes to the pipeline.
// Params 是每个引擎向导入流水线暴露的链级参数。
type Params struct {
	ChainConfig *params.ChainConfig // Fork schedule and chain id 分叉计划与链 ID

	MaximumExtraDataSize uint64 // Upper bound of the header extra-data 区块头 extra-data 的上限
	MinGasLimit          uint64 // Lower bound of the block gas limit 区块 gas limit 的下限
	MaxGasLimit          uint64 // Upper bound of the block gas limit, zero for none 区块 gas limit 的上限，0 表示不限制
	GasLimitBoundDivisor uint64 // Bound of the gas limit change between blocks
	AccountStartNonce    uint64 // Nonce of freshly created accounts
}

// DefaultParams returns the mainnet parameters for the given fork schedule.
func DefaultParams(config *params.ChainConfig) *Params {
	return &Params{
		ChainConfig:          config,
		MaximumExtraDataSize: params.MaximumExtraDataSize,
		MinGasLimit:          params.MinGasLimit,
		MaxGasLimit:          params.MaxGasLimit,
		GasLimitBoundDivisor: params.GasLimitBoundDivisor,
	}
}

// EthashExtensions are the proof-of-work specific transitions a few generic
// checks depend on.
type EthashExtensions struct {
	HomesteadTransition   uint64
	DAOHardforkTransition uint64
	DAOHardforkSupport    bool
}

// EpochTransition records the proof of a validator set change at a block.
// EpochTransition 记录某个区块处验证者集合变更的证明。
type EpochTransition struct {
	BlockHash   common.Hash
	BlockNumber uint64
	Proof       []byte
}

// Engine is an algorithm agnostic consensus engine. Implementations must be
// safe for concurrent use, the basic and unordered phases are called from
// many verifier goroutines at once.
// Engine 是一个与算法无关的共识引擎。实现必须是并发安全的，basic 与 unordered 阶段会被多个验证协程同时调用。
type Engine interface {
	// Name returns the name of the consensus algorithm.
	Name() string

	// Params returns the chain parameters of the engine.
	Params() *Params

	// MaximumExtraDataSize returns the largest allowed header extra-data.
	MaximumExtraDataSize() uint64

	// MaximumGasLimit returns the upper bound of the block gas limit, if any.
	MaximumGasLimit() (uint64, bool)

	// MaximumUncleCount returns the number of uncles a block at the given
	// height may include.
	MaximumUncleCount(number uint64) int

	// MaximumUncleAge returns how many generations back an uncle may branch off.
	MaximumUncleAge() int

	// EthashExtensions returns the proof-of-work transitions, if the engine
	// is proof-of-work based.
	EthashExtensions() (*EthashExtensions, bool)

	// Author retrieves the address of the account that sealed the block.
	// Author 检索封装该区块的账户地址。
	Author(header *types.Header) (common.Address, error)

	// VerifyBlockBasic runs the cheap checks on a header that need nothing but
	// the header itself. No signature recovery and no state access.
	// VerifyBlockBasic 执行只依赖区块头本身的廉价检查，不做签名恢复也不访问状态。
	VerifyBlockBasic(header *types.Header) error

	// VerifyBlockUnordered runs the expensive checks on a header that still
	// need nothing but the header, e.g. seal verification.
	// VerifyBlockUnordered 执行仍只依赖区块头的昂贵检查，例如封装验证。
	VerifyBlockUnordered(header *types.Header) error

	// VerifyBlockFamily checks a header against its parent.
	// VerifyBlockFamily 将区块头与其父区块头进行比对检查。
	VerifyBlockFamily(header, parent *types.Header) error

	// VerifyBlockExternal runs the checks that need registered chain state.
	VerifyBlockExternal(header *types.Header) error

	// VerifyTransactionBasic checks a transaction in the context of the block
	// header that includes it, without recovering the sender.
	VerifyTransactionBasic(tx *types.Transaction, header *types.Header) error

	// VerifyTransactionUnordered recovers the sender of a transaction.
	VerifyTransactionUnordered(tx *types.Transaction, header *types.Header) (common.Address, error)

	// GenesisEpochData returns the epoch transition proof of the genesis block.
	GenesisEpochData(header *types.Header) ([]byte, error)

	// SignalsEpochEnd returns the transition proof if the header ends an epoch.
	SignalsEpochEnd(header *types.Header) ([]byte, bool)

	// RegisterClient hands the engine a non-owning handle to the client.
	RegisterClient(handle *ClientHandle)
}

// Base implements the parameter accessors and the transaction phases which
// are shared by every engine. Engines embed it.
// Base 实现了所有引擎共享的参数访问方法与交易验证阶段，引擎通过嵌入使用它。
type Base struct {
	params *Params
	client *ClientHandle
}

// NewBase creates the shared engine part from the chain parameters.
func NewBase(p *Params) Base {
	return Base{params: p, client: new(ClientHandle)}
}

// Params implements Engine.
func (b *Base) Params() *Params { return b.params }

// MaximumExtraDataSize implements Engine.
func (b *Base) MaximumExtraDataSize() uint64 { return b.params.MaximumExtraDataSize }

// MaximumGasLimit implements Engine.
func (b *Base) MaximumGasLimit() (uint64, bool) {
	return b.params.MaxGasLimit, b.params.MaxGasLimit != 0
}

// MaximumUncleCount implements Engine. Uncles are a proof-of-work concept.
func (b *Base) MaximumUncleCount(uint64) int { return 0 }

// MaximumUncleAge implements Engine.
func (b *Base) MaximumUncleAge() int { return 0 }

// EthashExtensions implements Engine.
func (b *Base) EthashExtensions() (*EthashExtensions, bool) { return nil, false }

// VerifyBlockExternal implements Engine, nothing external by default.
func (b *Base) VerifyBlockExternal(*types.Header) error { return nil }

// GenesisEpochData implements Engine.
func (b *Base) GenesisEpochData(*types.Header) ([]byte, error) { return nil, nil }

// SignalsEpochEnd implements Engine.
func (b *Base) SignalsEpochEnd(*types.Header) ([]byte, bool) { return nil, false }

// RegisterClient implements Engine.
func (b *Base) RegisterClient(handle *ClientHandle) { b.client = handle }

// Client returns the handle registered with the engine.
func (b *Base) Client() *ClientHandle { return b.client }

// VerifyTransactionBasic implements Engine.
func (b *Base) VerifyTransactionBasic(tx *types.Transaction, header *types.Header) error {
	config := b.params.ChainConfig
	if tx.Protected() && config.ChainID != nil && tx.ChainId().Cmp(config.ChainID) != 0 {
		return ErrInvalidChainID
	}
	if tx.Gas() > header.GasLimit {
		return ErrGasLimitExceeded
	}
	if tx.Gas() < params.TxGas {
		return ErrIntrinsicGas
	}
	if tx.Value().Sign() < 0 {
		return ErrNegativeValue
	}
	// Typed transactions are only valid once their fork is live.
	if tx.Type() != types.LegacyTxType && !b.supportsType(tx.Type(), header) {
		return types.ErrTxTypeNotSupported
	}
	return nil
}

// VerifyTransactionUnordered implements Engine.
func (b *Base) VerifyTransactionUnordered(tx *types.Transaction, header *types.Header) (common.Address, error) {
	return types.Sender(b.signer(header), tx)
}

func (b *Base) signer(header *types.Header) types.Signer {
	return types.MakeSigner(b.params.ChainConfig, header.Number, header.Time)
}

func (b *Base) supportsType(typ uint8, header *types.Header) bool {
	config := b.params.ChainConfig
	switch typ {
	case types.AccessListTxType:
		return config.IsBerlin(header.Number)
	case types.DynamicFeeTxType:
		return config.IsLondon(header.Number)
	case types.BlobTxType:
		return config.IsCancun(header.Number, header.Time)
	}
	return false
}

// IsEpochStart reports whether the block number opens a new epoch of the
// given length.
func IsEpochStart(number, epoch uint64) bool {
	return epoch != 0 && number%epoch == 0
}

var big1 = big.NewInt(1)

// IsChild reports whether header is numbered right after parent.
func IsChild(header, parent *types.Header) bool {
	return new(big.Int).Sub(header.Number, parent.Number).Cmp(big1) == 0
}
