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

// Package blooms implements a multi level index over block log blooms.
//
// Every level groups indexSize consecutive positions of the level below into a
// single bloom which is the bitwise OR of its children. A search starts at the
// top level and only descends into groups whose aggregate bloom may contain
// the queried bits, which skips large empty stretches of the chain.
//
// 多级布隆索引：每一级将下一级 indexSize 个连续位置合并为一个布隆（按位或）。
// 查询从最高级开始，只有在聚合布隆可能包含查询位时才向下展开，从而跳过大段无关区块。
package blooms

import (
	"errors"
	"fmt"
)

var (
	// ErrNoLevels is returned when a manager is configured without levels.
	// 当索引管理器配置的层数为 0 时返回。
	ErrNoLevels = errors.New("bloom index needs at least one level")

	// ErrZeroIndexSize is returned when a manager is configured with a zero
	// group size.
	ErrZeroIndexSize = errors.New("bloom index size must be positive")
)

// Position addresses one bloom of the index: the level it lives on and its
// index within that level.
// Position 表示索引中的一个布隆：所在层级及其在该层中的下标。
type Position struct {
	Level uint8
	Index uint64
}

func (p Position) String() string {
	return fmt.Sprintf("%d/%d", p.Level, p.Index)
}

// Manager is the pure arithmetic of the bloom index. It maps block numbers to
// positions on every level and expands a position into its children.
// Manager 负责布隆索引的纯算术部分：区块号到各层位置的映射以及位置的子节点展开。
type Manager struct {
	indexSize uint64
	levels    uint8
	sizes     []uint64 // sizes[n] = indexSize^n
}

// NewManager creates an index manager grouping indexSize positions per level.
func NewManager(indexSize uint64, levels uint8) (*Manager, error) {
	if levels == 0 {
		return nil, ErrNoLevels
	}
	if indexSize == 0 {
		return nil, ErrZeroIndexSize
	}
	sizes := make([]uint64, levels)
	sizes[0] = 1
	for i := 1; i < int(levels); i++ {
		sizes[i] = sizes[i-1] * indexSize
	}
	return &Manager{indexSize: indexSize, levels: levels, sizes: sizes}, nil
}

// IndexSize returns the number of lower level positions grouped by one upper
// level position.
func (m *Manager) IndexSize() uint64 { return m.indexSize }

// Levels returns the number of configured levels.
func (m *Manager) Levels() uint8 { return m.levels }

// MaxLevel returns the topmost level.
func (m *Manager) MaxLevel() uint8 { return m.levels - 1 }

// LevelSize returns the number of blocks covered by a single bloom on the
// given level, indexSize^level.
// LevelSize 返回给定层级中单个布隆覆盖的区块数，即 indexSize^level。
func (m *Manager) LevelSize(level uint8) uint64 {
	if int(level) < len(m.sizes) {
		return m.sizes[level]
	}
	size := m.sizes[len(m.sizes)-1]
	for i := len(m.sizes) - 1; i < int(level); i++ {
		size *= m.indexSize
	}
	return size
}

// Position returns the position on the given level covering the block.
func (m *Manager) Position(number uint64, level uint8) Position {
	return Position{Level: level, Index: number / m.LevelSize(level)}
}

// LowerLevelPositions returns the indexSize contiguous children of a position.
// A position on the lowest level has no children.
// LowerLevelPositions 返回某位置在下一层的 indexSize 个连续子位置，最底层位置没有子节点。
func (m *Manager) LowerLevelPositions(pos Position) []Position {
	if pos.Level == 0 {
		return nil
	}
	var (
		start = pos.Index * m.indexSize
		res   = make([]Position, m.indexSize)
	)
	for i := range res {
		res[i] = Position{Level: pos.Level - 1, Index: start + uint64(i)}
	}
	return res
}

// blockRange returns the inclusive block range covered by a position.
func (m *Manager) blockRange(pos Position) (uint64, uint64) {
	size := m.LevelSize(pos.Level)
	first := pos.Index * size
	return first, first + size - 1
}
