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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"github.com/sunyihoo/ethimport/consensus"
	"github.com/sunyihoo/ethimport/core"
	"github.com/sunyihoo/ethimport/kvdb"
	"github.com/sunyihoo/ethimport/triedb/hashdb"
	"github.com/sunyihoo/ethimport/triedb/journaldb"
	"golang.org/x/sync/errgroup"
)

// currentDir is the directory of the last completed snapshot.
const currentDir = "current"

// RestorationState is the state of the restoration of a service.
type RestorationState int

const (
	RestorationInactive RestorationState = iota
	RestorationOngoing
	RestorationCompleted
	RestorationFailed
)

func (s RestorationState) String() string {
	switch s {
	case RestorationInactive:
		return "inactive"
	case RestorationOngoing:
		return "ongoing"
	case RestorationCompleted:
		return "completed"
	case RestorationFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Status reports the progress of a restoration.
type Status struct {
	State           RestorationState
	StateChunks     int
	BlockChunks     int
	StateChunksDone int
	BlockChunksDone int
}

// ServiceConfig contains the settings of the snapshot service.
type ServiceConfig struct {
	Dir                string              // Directory of snapshots and restorations
	Genesis            *core.Genesis       // Genesis of restored chains
	Pruning            journaldb.Algorithm // Journal algorithm of restored state
	DB                 kvdb.Config         // Backend of restored databases
	SnapshotBlocks     uint64              // Number of blocks in a snapshot
	PreferredChunkSize int                 // Uncompressed chunk size
}

// DefaultServiceConfig contains the default settings.
var DefaultServiceConfig = ServiceConfig{
	Pruning:            journaldb.OverlayRecent,
	DB:                 kvdb.DefaultConfig,
	SnapshotBlocks:     DefaultSnapshotBlocks,
	PreferredChunkSize: PreferredChunkSize,
}

// SnapshotChain is the chain snapshots are taken from.
type SnapshotChain interface {
	BlockSource
	BlockHash(number uint64) (common.Hash, bool)
	BlockHeader(hash common.Hash) *types.Header
}

// Service takes snapshots of a chain and restores chains from snapshots.
// Service 对链生成快照，并从快照恢复链。
type Service struct {
	config ServiceConfig
	engine consensus.Engine

	lock        sync.Mutex
	restoration *Restoration
	active      atomic.Pointer[Restoration] // restoration to abort without the lock
	status      Status
	restored    string // database directory of the last completed restoration

	taking   atomic.Bool
	progress atomic.Pointer[Progress]
}

// NewService creates a snapshot service.
func NewService(config ServiceConfig, engine consensus.Engine) (*Service, error) {
	if config.SnapshotBlocks == 0 {
		config.SnapshotBlocks = DefaultSnapshotBlocks
	}
	if config.PreferredChunkSize <= 0 {
		config.PreferredChunkSize = PreferredChunkSize
	}
	if err := os.MkdirAll(config.Dir, 0o755); err != nil {
		return nil, err
	}
	return &Service{config: config, engine: engine}, nil
}

// SnapshotDir returns the directory of the last completed snapshot.
func (s *Service) SnapshotDir() string { return filepath.Join(s.config.Dir, currentDir) }

// Progress returns the progress of the last snapshot taken, or nil.
func (s *Service) Progress() *Progress { return s.progress.Load() }

// BeginRestore starts restoring manifest into a fresh database, aborting the
// ongoing restoration if any.
func (s *Service) BeginRestore(manifest *Manifest) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.abortLocked()

	dir := filepath.Join(s.config.Dir, "restoration-"+uuid.NewString())
	guard := NewGuard(dir)
	db, err := kvdb.Open(filepath.Join(dir, "db"), s.config.DB)
	if err != nil {
		guard.Release()
		return err
	}
	fail := func(err error) error {
		db.Close()
		guard.Release()
		return err
	}
	if _, _, err := core.SetupGenesisBlock(db, s.config.Genesis, s.engine, s.config.Pruning); err != nil {
		return fail(err)
	}
	chain, err := core.NewHeaderChain(core.ChainDatabase(db), s.engine)
	if err != nil {
		return fail(err)
	}
	restoration, err := NewRestoration(&RestorationParams{
		Manifest:       manifest,
		DB:             db,
		Pruning:        s.config.Pruning,
		Chain:          chain,
		Engine:         s.engine,
		SnapshotBlocks: s.config.SnapshotBlocks,
		Guard:          guard,
	})
	if err != nil {
		return fail(err)
	}
	s.restoration = restoration
	s.active.Store(restoration)
	s.status = Status{
		State:       RestorationOngoing,
		StateChunks: len(manifest.StateHashes),
		BlockChunks: len(manifest.BlockHashes),
	}
	log.Info("Started snapshot restoration", "number", manifest.BlockNumber, "hash", manifest.BlockHash, "dir", dir)
	return nil
}

// FeedStateChunk feeds a compressed state chunk into the restoration.
func (s *Service) FeedStateChunk(hash common.Hash, chunk []byte) error {
	return s.feed(hash, chunk, true)
}

// FeedBlockChunk feeds a compressed block chunk into the restoration.
func (s *Service) FeedBlockChunk(hash common.Hash, chunk []byte) error {
	return s.feed(hash, chunk, false)
}

func (s *Service) feed(hash common.Hash, chunk []byte, state bool) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	r := s.restoration
	if r == nil {
		return ErrNoRestoration
	}
	var err error
	if state {
		err = r.FeedState(hash, chunk)
	} else {
		err = r.FeedBlocks(hash, chunk)
	}
	switch {
	case errors.Is(err, ErrUnknownChunk):
		// Duplicates and strays do not fail the restoration.
		return err
	case err != nil:
		log.Warn("Snapshot restoration failed", "chunk", hash, "err", err)
		s.failLocked()
		return err
	}
	s.status.StateChunksDone = s.status.StateChunks - r.StateChunksLeft()
	s.status.BlockChunksDone = s.status.BlockChunks - r.BlockChunksLeft()

	if !r.IsDone() {
		return nil
	}
	if err := r.Finalize(); err != nil {
		log.Warn("Snapshot restoration failed to finalize", "err", err)
		s.failLocked()
		return err
	}
	s.restoration = nil
	s.active.Store(nil)
	s.status.State = RestorationCompleted
	s.restored = filepath.Join(r.guard.path, "db")
	if err := r.Close(); err != nil {
		return err
	}
	log.Info("Completed snapshot restoration", "number", r.manifest.BlockNumber, "db", s.restored)
	return nil
}

// failLocked drops the ongoing restoration and its directory.
func (s *Service) failLocked() {
	if s.restoration == nil {
		return
	}
	if err := s.restoration.Close(); err != nil {
		log.Warn("Failed to clean up restoration", "err", err)
	}
	s.restoration = nil
	s.active.Store(nil)
	s.status.State = RestorationFailed
}

func (s *Service) abortLocked() {
	if s.restoration == nil {
		return
	}
	s.restoration.Abort()
	if err := s.restoration.Close(); err != nil {
		log.Warn("Failed to clean up restoration", "err", err)
	}
	s.restoration = nil
	s.active.Store(nil)
	s.status = Status{State: RestorationInactive}
}

// AbortRestore aborts the ongoing restoration and removes its directory.
func (s *Service) AbortRestore() {
	if r := s.active.Load(); r != nil {
		r.Abort() // a concurrent feed bails out at the next account or block
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	s.abortLocked()
}

// Status returns the progress of the restoration.
func (s *Service) Status() Status {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.status
}

// RestoredDB returns the database directory of the last completed
// restoration.
func (s *Service) RestoredDB() (string, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.restored, s.restored != ""
}

// Restore restores the snapshot of reader, state chunks first.
func (s *Service) Restore(reader Reader) error {
	manifest := reader.Manifest()
	if err := s.BeginRestore(manifest); err != nil {
		return err
	}
	for _, hash := range manifest.StateHashes {
		chunk, err := reader.Chunk(hash)
		if err != nil {
			s.AbortRestore()
			return err
		}
		if err := s.FeedStateChunk(hash, chunk); err != nil {
			return err
		}
	}
	for _, hash := range manifest.BlockHashes {
		chunk, err := reader.Chunk(hash)
		if err != nil {
			s.AbortRestore()
			return err
		}
		if err := s.FeedBlockChunk(hash, chunk); err != nil {
			return err
		}
	}
	return nil
}

// TakeSnapshot writes a snapshot of the chain at number into the snapshot
// directory. Requests arriving while a snapshot is being taken are skipped.
// TakeSnapshot 将链在 number 处的快照写入快照目录；正在生成快照时到达的请求被跳过。
func (s *Service) TakeSnapshot(chain SnapshotChain, state hashdb.HashDB, number uint64) error {
	if !s.taking.CompareAndSwap(false, true) {
		log.Info("Skipping snapshot, one is already in progress", "number", number)
		return ErrSnapshotInProgress
	}
	defer s.taking.Store(false)

	hash, ok := chain.BlockHash(number)
	if !ok {
		return fmt.Errorf("%w: #%d", errMissingBlock, number)
	}
	header := chain.BlockHeader(hash)
	if header == nil {
		return fmt.Errorf("%w: %x", errMissingBlock, hash)
	}
	tmp := filepath.Join(s.config.Dir, "snapshot-"+uuid.NewString()+".tmp")
	guard := NewGuard(tmp)
	defer guard.Release()

	writer, err := NewLooseWriter(tmp)
	if err != nil {
		return err
	}
	var (
		start    = time.Now()
		progress = new(Progress)
		lock     sync.Mutex
		manifest = &Manifest{
			Version:     ManifestVersion,
			StateRoot:   header.Root,
			BlockNumber: number,
			BlockHash:   hash,
		}
	)
	s.progress.Store(progress)

	sink := func(hashes *[]common.Hash, write func(common.Hash, []byte) error) func([]byte) error {
		return func(raw []byte) error {
			hash, compressed := compressChunk(raw)
			lock.Lock()
			defer lock.Unlock()
			if err := write(hash, compressed); err != nil {
				return err
			}
			*hashes = append(*hashes, hash)
			progress.size.Add(uint64(len(compressed)))
			return nil
		}
	}
	log.Info("Taking snapshot", "number", number, "hash", hash, "root", header.Root)

	var g errgroup.Group
	g.Go(func() error {
		return ChunkState(state, header.Root, s.config.PreferredChunkSize, progress, sink(&manifest.StateHashes, writer.WriteStateChunk))
	})
	g.Go(func() error {
		return ChunkBlocks(chain, hash, s.config.SnapshotBlocks, s.config.PreferredChunkSize, progress, sink(&manifest.BlockHashes, writer.WriteBlockChunk))
	})
	if err := g.Wait(); err != nil {
		return err
	}
	if err := writer.Finish(manifest); err != nil {
		return err
	}
	current := s.SnapshotDir()
	if err := os.RemoveAll(current); err != nil {
		return err
	}
	if err := os.Rename(tmp, current); err != nil {
		return err
	}
	guard.Disarm()
	progress.done.Store(true)

	log.Info("Finished taking snapshot", "number", number, "accounts", progress.Accounts(), "blocks", progress.Blocks(),
		"chunks", manifest.Chunks(), "size", progress.Size(), "elapsed", common.PrettyDuration(time.Since(start)))
	return nil
}
