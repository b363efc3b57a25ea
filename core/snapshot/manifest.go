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
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
)

// Manifest describes a snapshot: the chunks it consists of and the block it
// was taken at.
// Manifest 描述一个快照：组成它的数据块以及快照所在的区块。
type Manifest struct {
	Version     uint64
	StateHashes []common.Hash
	BlockHashes []common.Hash
	StateRoot   common.Hash
	BlockNumber uint64
	BlockHash   common.Hash
}

// EncodeManifest returns the RLP encoding of m.
func EncodeManifest(m *Manifest) ([]byte, error) {
	return rlp.EncodeToBytes(m)
}

// DecodeManifest parses an encoded manifest.
func DecodeManifest(enc []byte) (*Manifest, error) {
	m := new(Manifest)
	if err := rlp.DecodeBytes(enc, m); err != nil {
		return nil, fmt.Errorf("invalid snapshot manifest: %w", err)
	}
	if m.Version > ManifestVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, m.Version)
	}
	return m, nil
}

// Chunks returns the number of chunks of the snapshot.
func (m *Manifest) Chunks() int {
	return len(m.StateHashes) + len(m.BlockHashes)
}
