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

package hashdb

import "github.com/ethereum/go-ethereum/common"

// Overlay collects writes in memory on top of a read-only base. The collected
// changes can be handed to a journal with Consolidate once they are accepted,
// or dropped with the overlay.
// Overlay 在只读基础之上于内存中收集写入。变更被接受后可通过 Consolidate 交给日志数据库，否则随覆盖层丢弃。
type Overlay struct {
	*MemoryDB
	base Reader
}

// NewOverlay creates an empty overlay on base.
func NewOverlay(base Reader) *Overlay {
	return &Overlay{MemoryDB: NewMemoryDB(), base: base}
}

// Get implements Reader. Values inserted into the overlay shadow the base.
func (o *Overlay) Get(key common.Hash) ([]byte, error) {
	if value, refs, ok := o.MemoryDB.Raw(key); ok && refs > 0 {
		return common.CopyBytes(value), nil
	}
	return o.base.Get(key)
}

// Contains implements Reader.
func (o *Overlay) Contains(key common.Hash) bool {
	if _, refs, ok := o.MemoryDB.Raw(key); ok && refs > 0 {
		return true
	}
	return o.base.Contains(key)
}
