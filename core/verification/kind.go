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

package verification

import (
	"github.com/sunyihoo/ethimport/consensus"
)

// Kind moves items of one type through the verification stages. Create runs
// the cheap checks that gate admission to a queue, Verify the expensive ones
// done by the workers. Both must be safe for concurrent use.
//
// Kind 将一种类型的条目推进通过各验证阶段：Create 执行决定能否入队的廉价检查，Verify 执行由工作协程完成的昂贵检查。
type Kind[I, U, V Item] interface {
	// Create turns the raw input into an unverified item.
	Create(input I, engine consensus.Engine, checkSeal bool) (U, error)

	// Verify turns an unverified item into a verified one.
	Verify(unverified U, engine consensus.Engine, checkSeal bool) (V, error)
}

// Blocks verifies full blocks.
type Blocks struct{}

// Create implements Kind, running the basic phase.
func (Blocks) Create(input *Block, engine consensus.Engine, checkSeal bool) (*Unverified, error) {
	unverified, err := VerifyBlockBasic(input, engine, checkSeal)
	if err != nil {
		return nil, phaseError(PhaseBasic, input.Header.Hash(), err)
	}
	return unverified, nil
}

// Verify implements Kind, running the unordered phase.
func (Blocks) Verify(unverified *Unverified, engine consensus.Engine, checkSeal bool) (*PreverifiedBlock, error) {
	block, err := VerifyBlockUnordered(unverified, engine, checkSeal)
	if err != nil {
		return nil, phaseError(PhaseUnordered, unverified.Header.Hash(), err)
	}
	return block, nil
}

// Headers verifies headers on their own.
type Headers struct{}

// Create implements Kind, running the basic phase on the header.
func (Headers) Create(input Header, engine consensus.Engine, checkSeal bool) (Header, error) {
	if err := verifyHeaderParams(input.Header, engine, true); err != nil {
		return Header{}, phaseError(PhaseBasic, input.Hash(), err)
	}
	if checkSeal {
		if err := engine.VerifyBlockBasic(input.Header); err != nil {
			return Header{}, phaseError(PhaseBasic, input.Hash(), err)
		}
	}
	return input, nil
}

// Verify implements Kind, running the unordered phase on the header.
func (Headers) Verify(unverified Header, engine consensus.Engine, checkSeal bool) (Header, error) {
	if checkSeal {
		if err := engine.VerifyBlockUnordered(unverified.Header); err != nil {
			return Header{}, phaseError(PhaseUnordered, unverified.Hash(), err)
		}
	}
	return unverified, nil
}

var (
	_ Kind[*Block, *Unverified, *PreverifiedBlock] = Blocks{}
	_ Kind[Header, Header, Header]                 = Headers{}
)
