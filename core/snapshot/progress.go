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

package snapshot

import (
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
)

// Progress tracks a snapshot being taken.
type Progress struct {
	accounts atomic.Uint64
	blocks   atomic.Uint64
	size     atomic.Uint64
	done     atomic.Bool
}

// Accounts returns the number of accounts chunked so far.
func (p *Progress) Accounts() uint64 { return p.accounts.Load() }

// Blocks returns the number of blocks chunked so far.
func (p *Progress) Blocks() uint64 { return p.blocks.Load() }

// Size returns the compressed size of the chunks written so far.
func (p *Progress) Size() common.StorageSize { return common.StorageSize(p.size.Load()) }

// Done reports whether the snapshot is complete.
func (p *Progress) Done() bool { return p.done.Load() }
