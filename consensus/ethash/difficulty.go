// Copyright 2020 The go-ethereum Authors
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
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
)

const (
	// frontierDurationLimit is the block time below which Frontier raises the
	// difficulty.
	// frontierDurationLimit 是 Frontier 规则下难度上升的区块时间阈值。
	frontierDurationLimit = 13

	// minimumDifficulty is the minimum that the difficulty may ever be.
	minimumDifficulty = 131072

	// expDiffPeriod is the number of blocks per doubling of the ice age.
	expDiffPeriod = 100000

	// difficultyBoundDivisor is the right shift dividing the difficulty by 2048.
	difficultyBoundDivisor = 11

	// maxDifficultyDrop caps the number of downward steps per block.
	maxDifficultyDrop = 99
)

// iceAge adds the exponential factor 2^(periods-2) to diff.
func iceAge(diff *uint256.Int, fakeNumber uint64) {
	if periods := fakeNumber / expDiffPeriod; periods > 1 {
		diff.Add(diff, new(uint256.Int).Lsh(uint256.NewInt(1), uint(periods-2)))
	}
}

// adjust moves pdiff up by steps when up is set, or down by at most
// maxDifficultyDrop steps otherwise, one step being pdiff/2048.
func adjust(pdiff *uint256.Int, up bool, steps uint64) *uint256.Int {
	step := new(uint256.Int).Rsh(pdiff, difficultyBoundDivisor)
	diff := pdiff.Clone()
	if up {
		return diff.Add(diff, step.Mul(step, uint256.NewInt(steps)))
	}
	steps = min(steps, maxDifficultyDrop)
	return diff.Sub(diff, step.Mul(step, uint256.NewInt(steps)))
}

func clampMinimum(diff *uint256.Int) {
	if diff.LtUint64(minimumDifficulty) {
		diff.SetUint64(minimumDifficulty)
	}
}

// calcDifficultyFrontier uses the Frontier rules:
// pdiff + pdiff/2048 * (1 if time-ptime < 13 else -1) + 2^(num/100000 - 2)
func calcDifficultyFrontier(time uint64, parent *types.Header) *big.Int {
	pdiff, _ := uint256.FromBig(parent.Difficulty)
	diff := adjust(pdiff, time-parent.Time < frontierDurationLimit, 1)
	clampMinimum(diff)
	iceAge(diff, parent.Number.Uint64()+1)
	return diff.ToBig()
}

// calcDifficultyHomestead uses the Homestead rules of EIP-2:
// pdiff + pdiff/2048 * max(1 - (time-ptime)/10, -99) + 2^(num/100000 - 2)
func calcDifficultyHomestead(time uint64, parent *types.Header) *big.Int {
	pdiff, _ := uint256.FromBig(parent.Difficulty)
	var diff *uint256.Int
	if x := (time - parent.Time) / 10; x == 0 {
		diff = adjust(pdiff, true, 1)
	} else {
		diff = adjust(pdiff, false, x-1)
	}
	clampMinimum(diff)
	iceAge(diff, parent.Number.Uint64()+1)
	return diff.ToBig()
}

// makeDifficultyCalculator creates a calculator with the Byzantium rules of
// EIP-100, where uncles in the parent raise the target, and the ice age
// delayed by bombDelay blocks.
// makeDifficultyCalculator 使用给定的难度炸弹延迟创建一个拜占庭规则的难度计算器。
func makeDifficultyCalculator(bombDelay uint64) func(time uint64, parent *types.Header) *big.Int {
	// The calculation looks at the parent number, one below the block number.
	bombDelayFromParent := bombDelay - 1
	return func(time uint64, parent *types.Header) *big.Int {
		pdiff, _ := uint256.FromBig(parent.Difficulty)

		target := uint64(1)
		if parent.UncleHash != types.EmptyUncleHash {
			target = 2
		}
		var diff *uint256.Int
		if x := (time - parent.Time) / 9; x < target {
			diff = adjust(pdiff, true, target-x)
		} else {
			diff = adjust(pdiff, false, x-target)
		}
		clampMinimum(diff)

		var fakeNumber uint64
		if number := parent.Number.Uint64(); number >= bombDelayFromParent {
			fakeNumber = number - bombDelayFromParent
		}
		iceAge(diff, fakeNumber)
		return diff.ToBig()
	}
}
