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
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// NewBlocks is posted after a round of verified blocks was imported.
// NewBlocks 在一轮已验证区块导入完成后发布。
type NewBlocks struct {
	Imported  []common.Hash // Blocks written to the chain, canonical or not
	Invalid   []common.Hash // Blocks rejected by the family, external or final checks
	Enacted   []common.Hash // Blocks which became canonical, oldest first
	Retracted []common.Hash // Blocks which left the canonical chain

	HasMoreToImport bool          // Whether verified blocks are still waiting
	Duration        time.Duration // Time spent importing the round
}
