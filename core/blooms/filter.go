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

package blooms

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/bitutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// Source provides read access to the blooms of an index.
type Source interface {
	// BloomAt returns the bloom stored at pos and whether one exists.
	BloomAt(pos Position) (types.Bloom, bool)
}

// Filter searches and maintains a bloom index of arbitrary depth on top of a
// Source. Updates are returned as a set of modified positions which the caller
// writes back in one go.
// Filter 在 Source 之上检索并维护任意层数的布隆索引。更新以“被修改位置”集合返回，由调用方统一写回。
type Filter struct {
	mgr *Manager
	src Source
}

// NewFilter creates a filter over src using the given index arithmetic.
func NewFilter(mgr *Manager, src Source) *Filter {
	return &Filter{mgr: mgr, src: src}
}

// BlocksWithBloom returns all block numbers in the inclusive range [from, to]
// whose bloom contains the given bloom, in ascending order.
func (f *Filter) BlocksWithBloom(bloom types.Bloom, from, to uint64) []uint64 {
	if from > to {
		return nil
	}
	var (
		level  = f.mgr.MaxLevel()
		first  = f.mgr.Position(from, level).Index
		last   = f.mgr.Position(to, level).Index
		result []uint64
	)
	for index := first; index <= last; index++ {
		result = f.search(bloom, from, to, Position{Level: level, Index: index}, result)
	}
	return result
}

// BlocksWithAddress returns the blocks in range that may contain logs from
// the given address.
func (f *Filter) BlocksWithAddress(address common.Address, from, to uint64) []uint64 {
	var bloom types.Bloom
	bloom.Add(address.Bytes())
	return f.BlocksWithBloom(bloom, from, to)
}

// BlocksWithTopic returns the blocks in range that may contain logs with the
// given topic.
func (f *Filter) BlocksWithTopic(topic common.Hash, from, to uint64) []uint64 {
	var bloom types.Bloom
	bloom.Add(topic.Bytes())
	return f.BlocksWithBloom(bloom, from, to)
}

func (f *Filter) search(bloom types.Bloom, from, to uint64, pos Position, result []uint64) []uint64 {
	stored, ok := f.src.BloomAt(pos)
	if !ok || !bloomContains(stored, bloom) {
		return result
	}
	if pos.Level == 0 {
		if pos.Index >= from && pos.Index <= to {
			result = append(result, pos.Index)
		}
		return result
	}
	for _, lower := range f.mgr.LowerLevelPositions(pos) {
		first, last := f.mgr.blockRange(lower)
		if last < from || first > to {
			continue
		}
		result = f.search(bloom, from, to, lower, result)
	}
	return result
}

// AddBloom merges the bloom of one block into every level and returns the
// positions whose bloom changed.
// AddBloom 将一个区块的布隆合并到每一层，并返回被修改的位置。
func (f *Filter) AddBloom(bloom types.Bloom, number uint64) map[Position]types.Bloom {
	return f.addBloom(bloom, number, make(map[Position]types.Bloom))
}

// AddBlooms merges the blooms of consecutive blocks starting at from.
func (f *Filter) AddBlooms(blooms []types.Bloom, from uint64) map[Position]types.Bloom {
	modified := make(map[Position]types.Bloom)
	for i, bloom := range blooms {
		modified = f.addBloom(bloom, from+uint64(i), modified)
	}
	return modified
}

func (f *Filter) addBloom(bloom types.Bloom, number uint64, modified map[Position]types.Bloom) map[Position]types.Bloom {
	for level := uint8(0); level < f.mgr.Levels(); level++ {
		pos := f.mgr.Position(number, level)
		current, ok := modified[pos]
		if !ok {
			current, _ = f.src.BloomAt(pos)
		}
		var merged types.Bloom
		bitutil.ORBytes(merged[:], current[:], bloom[:])
		modified[pos] = merged
	}
	return modified
}

// ResetBloom replaces the bloom of one block and recomputes the levels above
// it from their children. It returns every position touched.
// ResetBloom 替换单个区块的布隆，并由子节点重新计算其上各层，返回所有受影响的位置。
func (f *Filter) ResetBloom(bloom types.Bloom, number uint64) map[Position]types.Bloom {
	modified := map[Position]types.Bloom{f.mgr.Position(number, 0): bloom}
	for level := uint8(1); level < f.mgr.Levels(); level++ {
		var (
			pos = f.mgr.Position(number, level)
			acc types.Bloom
		)
		for _, lower := range f.mgr.LowerLevelPositions(pos) {
			child, ok := modified[lower]
			if !ok {
				child, _ = f.src.BloomAt(lower)
			}
			bitutil.ORBytes(acc[:], acc[:], child[:])
		}
		modified[pos] = acc
	}
	return modified
}

// ClearBloom resets the bloom of one block to empty.
func (f *Filter) ClearBloom(number uint64) map[Position]types.Bloom {
	return f.ResetBloom(types.Bloom{}, number)
}

// MemoryCache is an in-memory Source that accepts the modification sets
// returned by a Filter.
type MemoryCache struct {
	mu     sync.RWMutex
	blooms map[Position]types.Bloom
}

// NewMemoryCache creates an empty in-memory bloom index.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{blooms: make(map[Position]types.Bloom)}
}

// BloomAt implements Source.
func (c *MemoryCache) BloomAt(pos Position) (types.Bloom, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	bloom, ok := c.blooms[pos]
	return bloom, ok
}

// Insert stores a set of modified positions.
func (c *MemoryCache) Insert(modified map[Position]types.Bloom) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for pos, bloom := range modified {
		c.blooms[pos] = bloom
	}
}

// Len returns the number of stored positions.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.blooms)
}
