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

// Package snapshot takes and restores chain snapshots.
//
// A snapshot is a manifest plus two sets of chunks. State chunks carry the
// accounts of the state trie at the snapshot block, each with its code and
// storage. Block chunks carry the most recent blocks with their receipts.
// Every chunk is RLP encoded, snappy compressed and addressed by the
// Keccak-256 hash of the compressed bytes.
//
// 快照由清单和两组数据块组成。状态块携带快照区块状态树中的账户及其代码和存储；区块块携带最近的区块及其收据。
// 每个数据块经 RLP 编码、snappy 压缩，并以压缩后字节的 Keccak-256 哈希寻址。
package snapshot

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/golang/snappy"
)

const (
	// ManifestVersion is the version of the chunk formats written.
	ManifestVersion = 2

	// PreferredChunkSize is the uncompressed size chunks are cut at.
	PreferredChunkSize = 4 * 1024 * 1024

	// MaxChunkSize bounds the decompressed size of a chunk accepted during a
	// restoration.
	MaxChunkSize = PreferredChunkSize / 4 * 5

	// DefaultSnapshotBlocks is the number of blocks included in a snapshot.
	DefaultSnapshotBlocks = 30000

	// DefaultSnapshotPeriod is the number of blocks between snapshots.
	DefaultSnapshotPeriod = 5000

	// DefaultSnapshotHistory is how far behind the head snapshots are taken.
	DefaultSnapshotHistory = 100
)

var (
	// ErrWrongStateRoot is returned when the rebuilt state does not match
	// the manifest.
	ErrWrongStateRoot = errors.New("wrong state root")

	// ErrWrongBlockHash is returned when the best restored block does not
	// match the manifest.
	ErrWrongBlockHash = errors.New("wrong block hash")

	// ErrChunkHashMismatch is returned when a chunk does not hash to the
	// value it was requested by.
	ErrChunkHashMismatch = errors.New("chunk hash mismatch")

	// ErrChunkTooLarge is returned for chunks decompressing beyond
	// MaxChunkSize.
	ErrChunkTooLarge = errors.New("chunk too large")

	// ErrUnknownChunk is returned for chunks the manifest does not list or
	// which were already fed.
	ErrUnknownChunk = errors.New("unknown chunk")

	// ErrTooManyBlocks is returned when block chunks carry more blocks than
	// a snapshot holds.
	ErrTooManyBlocks = errors.New("too many blocks in snapshot")

	// ErrMissingCode is returned when an account references code that no
	// chunk provided.
	ErrMissingCode = errors.New("missing account code")

	// ErrInvalidCodeState is returned for accounts with an unknown code
	// encoding.
	ErrInvalidCodeState = errors.New("invalid code state")

	// ErrReceiptsRootMismatch is returned when restored receipts do not hash
	// to the receipt root of their block.
	ErrReceiptsRootMismatch = errors.New("receipts root mismatch")

	// ErrChainMismatch is returned when two restored ranges do not connect.
	ErrChainMismatch = errors.New("restored chain ranges do not connect")

	// ErrRestorationAborted is returned by rebuilders of an aborted
	// restoration.
	ErrRestorationAborted = errors.New("restoration aborted")

	// ErrNoRestoration is returned when feeding chunks while no restoration
	// is ongoing.
	ErrNoRestoration = errors.New("no restoration in progress")

	// ErrSnapshotInProgress is returned when a snapshot is requested while
	// another is being taken.
	ErrSnapshotInProgress = errors.New("snapshot already in progress")

	// ErrUnsupportedVersion is returned for manifests of unknown versions.
	ErrUnsupportedVersion = errors.New("unsupported snapshot version")
)

// compressChunk compresses a raw chunk and returns its hash.
func compressChunk(raw []byte) (common.Hash, []byte) {
	compressed := snappy.Encode(nil, raw)
	return crypto.Keccak256Hash(compressed), compressed
}

// decompressChunk checks the size bound of a compressed chunk and
// decompresses it.
func decompressChunk(compressed []byte) ([]byte, error) {
	size, err := snappy.DecodedLen(compressed)
	if err != nil {
		return nil, err
	}
	if size > MaxChunkSize {
		return nil, ErrChunkTooLarge
	}
	return snappy.Decode(nil, compressed)
}
