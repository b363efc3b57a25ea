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

package ethash

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/consensus/misc"
	"github.com/ethereum/go-ethereum/consensus/misc/eip1559"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"github.com/sunyihoo/ethimport/consensus"
)

// Ethash proof-of-work protocol constants.
// Ethash 工作量证明协议的常量。
var (
	maxUncles   = 2 // Maximum number of uncles allowed in a single block 单个区块中允许包含的最大叔块数量
	maxUncleAge = 6 // Maximum generations an uncle may branch off from the chain

	allowedFutureBlockTimeSeconds = int64(15) // Max seconds from current time allowed for blocks, before they're considered future blocks

	calcDifficultyEip5133        = makeDifficultyCalculator(11_400_000)
	calcDifficultyEip4345        = makeDifficultyCalculator(10_700_000)
	calcDifficultyEip3554        = makeDifficultyCalculator(9_700_000)
	calcDifficultyEip2384        = makeDifficultyCalculator(9_000_000)
	calcDifficultyConstantinople = makeDifficultyCalculator(5_000_000)
	calcDifficultyByzantium      = makeDifficultyCalculator(3_000_000)
)

// Various error messages to mark blocks invalid. These should be private to
// prevent engine specific errors from being referenced in the remainder of the
// codebase, inherently breaking if the engine is swapped out. Please put common
// error types into the consensus package.
var (
	errOlderBlockTime = errors.New("timestamp older than parent")
	errInvalidPoW     = errors.New("invalid proof-of-work")
	errTooDifficult   = errors.New("difficulty below minimum")
)

// VerifyBlockBasic implements consensus.Engine, checking the fields of the
// header which need no other block.
// VerifyBlockBasic 实现了 consensus.Engine 接口，检查不依赖其他区块的区块头字段。
func (ethash *Ethash) VerifyBlockBasic(header *types.Header) error {
	// If we're running a full engine faking, accept any input as valid
	if ethash.fakeFull {
		return nil
	}
	p := ethash.Params()
	// Ensure that the header's extra-data section is of a reasonable size
	if uint64(len(header.Extra)) > p.MaximumExtraDataSize {
		return fmt.Errorf("extra-data too long: %d > %d", len(header.Extra), p.MaximumExtraDataSize)
	}
	if header.Time > uint64(time.Now().Unix()+allowedFutureBlockTimeSeconds) {
		return consensus.ErrFutureBlock
	}
	if header.Difficulty == nil || header.Difficulty.Cmp(params.MinimumDifficulty) < 0 {
		return errTooDifficult
	}
	if header.GasLimit < p.MinGasLimit {
		return fmt.Errorf("invalid gasLimit: have %v, min %v", header.GasLimit, p.MinGasLimit)
	}
	if max, ok := ethash.MaximumGasLimit(); ok && header.GasLimit > max {
		return fmt.Errorf("invalid gasLimit: have %v, max %v", header.GasLimit, max)
	}
	if header.GasUsed > header.GasLimit {
		return fmt.Errorf("invalid gasUsed: have %d, gasLimit %d", header.GasUsed, header.GasLimit)
	}
	// Verify the non-existence of post-merge header fields
	switch {
	case header.WithdrawalsHash != nil:
		return fmt.Errorf("invalid withdrawalsHash: have %x, expected nil", header.WithdrawalsHash)
	case header.ExcessBlobGas != nil:
		return fmt.Errorf("invalid excessBlobGas: have %d, expected nil", header.ExcessBlobGas)
	case header.BlobGasUsed != nil:
		return fmt.Errorf("invalid blobGasUsed: have %d, expected nil", header.BlobGasUsed)
	case header.ParentBeaconRoot != nil:
		return fmt.Errorf("invalid parentBeaconRoot, have %#x, expected nil", header.ParentBeaconRoot)
	}
	return nil
}

// VerifyBlockUnordered implements consensus.Engine, checking the seal. Seals
// are faked: only the configured failure block is rejected.
// VerifyBlockUnordered 实现了 consensus.Engine 接口，检查封装。封装是伪造的，只拒绝配置的失败区块。
func (ethash *Ethash) VerifyBlockUnordered(header *types.Header) error {
	if ethash.fakeFull {
		return nil
	}
	// Add some fake checks for tests
	if ethash.fakeDelay != nil {
		time.Sleep(*ethash.fakeDelay)
	}
	if ethash.fakeFail != nil && *ethash.fakeFail == header.Number.Uint64() {
		return errInvalidPoW
	}
	return nil
}

// VerifyBlockFamily implements consensus.Engine, checking a header against
// its parent. See YP section 4.3.4. "Block Header Validity".
// VerifyBlockFamily 实现了 consensus.Engine 接口，将区块头与父区块头比对。参见黄皮书第 4.3.4 节。
func (ethash *Ethash) VerifyBlockFamily(header, parent *types.Header) error {
	if ethash.fakeFull {
		return nil
	}
	config := ethash.Params().ChainConfig
	if !consensus.IsChild(header, parent) {
		return consensus.ErrInvalidNumber
	}
	if header.Time <= parent.Time {
		return errOlderBlockTime
	}
	// Verify the block's difficulty based on its timestamp and parent's difficulty
	expected := CalcDifficulty(config, header.Time, parent)
	if expected.Cmp(header.Difficulty) != 0 {
		return fmt.Errorf("invalid difficulty: have %v, want %v", header.Difficulty, expected)
	}
	// Verify the block's gas usage and (if applicable) verify the base fee.
	if !config.IsLondon(header.Number) {
		if header.BaseFee != nil {
			return fmt.Errorf("invalid baseFee before fork: have %d, expected 'nil'", header.BaseFee)
		}
		if err := misc.VerifyGaslimit(parent.GasLimit, header.GasLimit); err != nil {
			return err
		}
	} else if err := eip1559.VerifyEIP1559Header(config, parent, header); err != nil {
		return err
	}
	// If all checks passed, validate any special fields for hard forks
	return misc.VerifyDAOHeaderExtraData(config, header)
}

// CalcDifficulty is the difficulty adjustment algorithm. It returns
// the difficulty that a new block should have when created at time
// given the parent block's time and difficulty.
// CalcDifficulty 是难度调整算法。它根据父区块的时间和难度计算新区块应该具有的难度。
func CalcDifficulty(config *params.ChainConfig, time uint64, parent *types.Header) *big.Int {
	next := new(big.Int).Add(parent.Number, big1)
	switch {
	case config.IsGrayGlacier(next):
		return calcDifficultyEip5133(time, parent)
	case config.IsArrowGlacier(next):
		return calcDifficultyEip4345(time, parent)
	case config.IsLondon(next):
		return calcDifficultyEip3554(time, parent)
	case config.IsMuirGlacier(next):
		return calcDifficultyEip2384(time, parent)
	case config.IsConstantinople(next):
		return calcDifficultyConstantinople(time, parent)
	case config.IsByzantium(next):
		return calcDifficultyByzantium(time, parent)
	case config.IsHomestead(next):
		return calcDifficultyHomestead(time, parent)
	default:
		return calcDifficultyFrontier(time, parent)
	}
}

var big1 = big.NewInt(1)
