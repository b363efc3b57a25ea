// Copyright 2017 The go-ethereum Authors
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

// Package ethash implements the ethash proof-of-work consensus engine.
// Package ethash implements the ethash proof-of-work rules. Seals are faked,
// the engine checks every other consensus rule of the chain.
package ethash

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sunyihoo/ethimport/consensus"
)

// Ethash is a consensus engine based on proof-of-work implementing the ethash
// rules.
// Ethash 是一种基于工作量证明（Proof-of-Work, PoW）的共识引擎，实现了 ethash 规则。
type Ethash struct {
	consensus.Base

	fakeFail  *uint64        // Block number which fails PoW check even in fake mode 即使在伪造模式下也会导致 PoW 检查失败的区块号
	fakeDelay *time.Duration // Time delay to sleep for before returning from verify 在验证前延迟的时间
	fakeFull  bool           // Accepts everything as valid 接受所有内容为有效
}

// NewFaker creates an ethash consensus engine with a fake PoW scheme that accepts
// all blocks' seal as valid, though they still have to conform to the Ethereum
// consensus rules.
// NewFaker 创建一个带有伪造 PoW 方案的 ethash 共识引擎，该方案接受所有区块的封印为有效，
// 但它们仍然必须符合以太坊的共识规则。
func NewFaker(params *consensus.Params) *Ethash {
	return &Ethash{Base: consensus.NewBase(params)}
}

// NewFakeFailer creates a ethash consensus engine with a fake PoW scheme that
// accepts all blocks as valid apart from the single one specified, though they
// still have to conform to the Ethereum consensus rules.
func NewFakeFailer(params *consensus.Params, fail uint64) *Ethash {
	return &Ethash{Base: consensus.NewBase(params), fakeFail: &fail}
}

// NewFakeDelayer creates a ethash consensus engine with a fake PoW scheme that
// accepts all blocks as valid, but delays verifications by some time, though
// they still have to conform to the Ethereum consensus rules.
func NewFakeDelayer(params *consensus.Params, delay time.Duration) *Ethash {
	return &Ethash{Base: consensus.NewBase(params), fakeDelay: &delay}
}

// NewFullFaker creates an ethash consensus engine with a full fake scheme that
// accepts all blocks as valid, without checking any consensus rules whatsoever.
// NewFullFaker 创建一个完全伪造的 ethash 共识引擎，不检查任何共识规则。
func NewFullFaker(params *consensus.Params) *Ethash {
	return &Ethash{Base: consensus.NewBase(params), fakeFull: true}
}

// Name implements consensus.Engine.
func (ethash *Ethash) Name() string { return "Ethash" }

// Author implements consensus.Engine, returning the header's coinbase as the
// proof-of-work verified author of the block.
// Author 实现了 consensus.Engine 接口，返回区块头的 coinbase 作为经过工作量证明验证的区块作者。
func (ethash *Ethash) Author(header *types.Header) (common.Address, error) {
	return header.Coinbase, nil
}

// EthashExtensions implements consensus.Engine.
func (ethash *Ethash) EthashExtensions() (*consensus.EthashExtensions, bool) {
	config := ethash.Params().ChainConfig
	ext := new(consensus.EthashExtensions)
	if config.HomesteadBlock != nil {
		ext.HomesteadTransition = config.HomesteadBlock.Uint64()
	}
	if config.DAOForkBlock != nil {
		ext.DAOHardforkTransition = config.DAOForkBlock.Uint64()
		ext.DAOHardforkSupport = config.DAOForkSupport
	}
	return ext, true
}

// MaximumUncleCount implements consensus.Engine.
func (ethash *Ethash) MaximumUncleCount(uint64) int { return maxUncles }

// MaximumUncleAge implements consensus.Engine.
func (ethash *Ethash) MaximumUncleAge() int { return maxUncleAge }
