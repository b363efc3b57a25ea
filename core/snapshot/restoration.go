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
	"os"
	"sync/atomic"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/sunyihoo/ethimport/consensus"
	"github.com/sunyihoo/ethimport/core"
	"github.com/sunyihoo/ethimport/kvdb"
	"github.com/sunyihoo/ethimport/triedb/journaldb"
)

// Guard removes a directory on Release unless it was disarmed.
type Guard struct {
	path  string
	armed bool
}

// NewGuard arms a guard on path.
func NewGuard(path string) *Guard { return &Guard{path: path, armed: true} }

// Disarm keeps the directory.
func (g *Guard) Disarm() { g.armed = false }

// Release removes the directory if the guard is still armed.
func (g *Guard) Release() error {
	if !g.armed {
		return nil
	}
	g.armed = false
	log.Debug("Removing restoration directory", "path", g.path)
	return os.RemoveAll(g.path)
}

// RestorationParams contains everything a restoration writes into.
type RestorationParams struct {
	Manifest       *Manifest
	DB             *kvdb.Database // fresh database holding only the genesis
	Pruning        journaldb.Algorithm
	Chain          core.RestorationTargetChain
	Engine         consensus.Engine
	SnapshotBlocks uint64
	Guard          *Guard
}

// Restoration is an ongoing restoration of one snapshot. It is not safe for
// concurrent use, except for Abort.
// Restoration 表示正在进行的一次快照恢复。
type Restoration struct {
	manifest        *Manifest
	stateChunksLeft mapset.Set[common.Hash]
	blockChunksLeft mapset.Set[common.Hash]

	state  *StateRebuilder
	blocks *PowRebuilder
	db     *kvdb.Database
	guard  *Guard
	abort  atomic.Bool
}

// NewRestoration prepares the restoration of params.Manifest.
func NewRestoration(params *RestorationParams) (*Restoration, error) {
	jdb, err := journaldb.New(core.StateDatabase(params.DB), params.Pruning, nil)
	if err != nil {
		return nil, err
	}
	state, err := NewStateRebuilder(jdb)
	if err != nil {
		return nil, err
	}
	return &Restoration{
		manifest:        params.Manifest,
		stateChunksLeft: mapset.NewThreadUnsafeSet(params.Manifest.StateHashes...),
		blockChunksLeft: mapset.NewThreadUnsafeSet(params.Manifest.BlockHashes...),
		state:           state,
		blocks:          NewPowRebuilder(params.Chain, params.Engine, params.Manifest, params.SnapshotBlocks),
		db:              params.DB,
		guard:           params.Guard,
	}, nil
}

// checkChunk verifies that a compressed chunk is an expected one and returns
// it decompressed.
func checkChunk(left mapset.Set[common.Hash], hash common.Hash, compressed []byte) ([]byte, error) {
	if !left.Contains(hash) {
		return nil, fmt.Errorf("%w: %x", ErrUnknownChunk, hash)
	}
	if have := crypto.Keccak256Hash(compressed); have != hash {
		return nil, fmt.Errorf("%w: have %x want %x", ErrChunkHashMismatch, have, hash)
	}
	return decompressChunk(compressed)
}

// FeedState rebuilds a compressed state chunk.
func (r *Restoration) FeedState(hash common.Hash, compressed []byte) error {
	chunk, err := checkChunk(r.stateChunksLeft, hash, compressed)
	if err != nil {
		return err
	}
	if err := r.state.Feed(chunk, &r.abort); err != nil {
		return err
	}
	r.stateChunksLeft.Remove(hash)
	return nil
}

// FeedBlocks restores a compressed block chunk.
func (r *Restoration) FeedBlocks(hash common.Hash, compressed []byte) error {
	chunk, err := checkChunk(r.blockChunksLeft, hash, compressed)
	if err != nil {
		return err
	}
	if err := r.blocks.Feed(chunk, &r.abort); err != nil {
		return err
	}
	r.blockChunksLeft.Remove(hash)
	return nil
}

// StateChunksLeft returns the number of state chunks still missing.
func (r *Restoration) StateChunksLeft() int { return r.stateChunksLeft.Cardinality() }

// BlockChunksLeft returns the number of block chunks still missing.
func (r *Restoration) BlockChunksLeft() int { return r.blockChunksLeft.Cardinality() }

// IsDone reports whether every chunk was fed.
func (r *Restoration) IsDone() bool {
	return r.stateChunksLeft.IsEmpty() && r.blockChunksLeft.IsEmpty()
}

// Finalize checks the rebuilt state against the manifest, finishes both
// rebuilders and flushes the database. The restoration directory is kept
// from then on.
func (r *Restoration) Finalize() error {
	if root := r.state.StateRoot(); root != r.manifest.StateRoot {
		return fmt.Errorf("%w: have %x want %x", ErrWrongStateRoot, root, r.manifest.StateRoot)
	}
	if err := r.state.Finalize(r.manifest.BlockNumber, r.manifest.BlockHash); err != nil {
		return err
	}
	if err := r.blocks.Finalize(); err != nil {
		return err
	}
	if err := r.db.Flush(); err != nil {
		return err
	}
	r.guard.Disarm()
	return nil
}

// Abort makes the rebuilders stop at the next account or block.
func (r *Restoration) Abort() { r.abort.Store(true) }

// Close closes the database and removes the restoration directory unless
// the restoration was finalized.
func (r *Restoration) Close() error {
	err := r.db.Close()
	if gerr := r.guard.Release(); gerr != nil && err == nil {
		err = gerr
	}
	return err
}
