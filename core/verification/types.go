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
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"
)

// ItemInfo is the bookkeeping view of a queued item.
type ItemInfo struct {
	Hash       common.Hash
	ParentHash common.Hash
	Number     uint64
	Difficulty *big.Int
	Size       int // Approximate memory held by the item
}

// Item is anything which moves through a verification queue.
type Item interface {
	Info() ItemInfo
}

func headerInfo(header *types.Header, size int) ItemInfo {
	return ItemInfo{
		Hash:       header.Hash(),
		ParentHash: header.ParentHash,
		Number:     header.Number.Uint64(),
		Difficulty: header.Difficulty,
		Size:       size,
	}
}

// Block is a raw block as received from the network with its header decoded.
// The bytes are attacker controlled.
// Block 是从网络接收的原始区块及其已解码的区块头，字节内容不可信。
type Block struct {
	Header *types.Header
	Bytes  []byte

	body *types.Block
}

// NewBlock decodes raw into a block. Decoding failures are structural errors.
func NewBlock(raw []byte) (*Block, error) {
	block := new(types.Block)
	if err := rlp.DecodeBytes(raw, block); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBlock, err)
	}
	return &Block{Header: block.Header(), Bytes: raw, body: block}, nil
}

// FromBlock wraps an assembled block.
func FromBlock(block *types.Block) (*Block, error) {
	raw, err := rlp.EncodeToBytes(block)
	if err != nil {
		return nil, err
	}
	return &Block{Header: block.Header(), Bytes: raw, body: block}, nil
}

// Info implements Item.
func (b *Block) Info() ItemInfo { return headerInfo(b.Header, len(b.Bytes)) }

// Unverified is a block which passed the basic checks.
// Unverified 是通过了基本检查的区块。
type Unverified struct {
	Header       *types.Header
	Transactions types.Transactions
	Uncles       []*types.Header
	Bytes        []byte
}

// Info implements Item.
func (u *Unverified) Info() ItemInfo { return headerInfo(u.Header, len(u.Bytes)) }

// PreverifiedBlock is a block whose structure and signatures are verified, but
// not its position in the chain.
// PreverifiedBlock 是结构与签名已验证、但尚未验证其在链中位置的区块。
type PreverifiedBlock struct {
	Header       *types.Header
	Transactions types.Transactions
	Senders      []common.Address
	Uncles       []*types.Header
	Bytes        []byte
}

// Info implements Item.
func (p *PreverifiedBlock) Info() ItemInfo { return headerInfo(p.Header, len(p.Bytes)) }

// Block assembles the full block.
func (p *PreverifiedBlock) Block() *types.Block {
	return types.NewBlockWithHeader(p.Header).WithBody(types.Body{Transactions: p.Transactions, Uncles: p.Uncles})
}

// Header is a header travelling through the header-only pipeline.
type Header struct {
	*types.Header
}

// Info implements Item.
func (h Header) Info() ItemInfo { return headerInfo(h.Header, int(h.Header.Size())) }
