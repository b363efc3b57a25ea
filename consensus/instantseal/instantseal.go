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

// Package instantseal implements an engine which seals every block instantly
// and accepts any seal. It is meant for development chains and tests.
package instantseal

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sunyihoo/ethimport/consensus"
)

// InstantSeal is the null consensus engine.
// InstantSeal 是空共识引擎。
type InstantSeal struct {
	consensus.Base
}

// New creates an instant seal engine.
func New(params *consensus.Params) *InstantSeal {
	return &InstantSeal{Base: consensus.NewBase(params)}
}

// Name implements consensus.Engine.
func (e *InstantSeal) Name() string { return "InstantSeal" }

// Author implements consensus.Engine.
func (e *InstantSeal) Author(header *types.Header) (common.Address, error) {
	return header.Coinbase, nil
}

// VerifyBlockBasic implements consensus.Engine.
func (e *InstantSeal) VerifyBlockBasic(header *types.Header) error {
	if header.GasUsed > header.GasLimit {
		return fmt.Errorf("invalid gasUsed: have %d, gasLimit %d", header.GasUsed, header.GasLimit)
	}
	return nil
}

// VerifyBlockUnordered implements consensus.Engine.
func (e *InstantSeal) VerifyBlockUnordered(*types.Header) error { return nil }

// VerifyBlockFamily implements consensus.Engine.
func (e *InstantSeal) VerifyBlockFamily(header, parent *types.Header) error {
	if !consensus.IsChild(header, parent) {
		return consensus.ErrInvalidNumber
	}
	if header.Time < parent.Time {
		return consensus.ErrInvalidTimestamp
	}
	return nil
}
