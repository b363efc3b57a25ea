// Copyright 2024 The go-ethereum Authors
// This file is part of go-ethereum.
//
// go-ethereum is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// go-ethereum is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with go-ethereum. If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/gofrs/flock"
	"github.com/sunyihoo/ethimport/cmd/utils"
	"github.com/sunyihoo/ethimport/consensus"
	"github.com/sunyihoo/ethimport/core"
	"github.com/sunyihoo/ethimport/core/blooms"
	"github.com/sunyihoo/ethimport/core/rawdb"
	"github.com/sunyihoo/ethimport/core/snapshot"
	"github.com/sunyihoo/ethimport/internal/shutdowncheck"
	"github.com/sunyihoo/ethimport/kvdb"
	"github.com/urfave/cli/v2"
)

const (
	chainDataDir = "chaindata"
	bloomsDir    = "blooms"
	snapshotsDir = "snapshots"
	lockFile     = "LOCK"
)

// errDatadirUsed is returned if the data directory is held by another
// process.
var errDatadirUsed = errors.New("datadir already used by another process")

// importNode bundles the databases and services of one data directory.
// importNode 组合了一个数据目录下的数据库与服务。
type importNode struct {
	config  ethimportConfig
	genesis *core.Genesis // Genesis given on the command line, nil to use the stored one

	dirLock *flock.Flock
	dbs     *kvdb.Manager
	db      *kvdb.Database
	tracker *shutdowncheck.Tracker
	blooms  *blooms.Database
	engine  consensus.Engine
	client  *core.Client

	snapshots *snapshot.Service
	watcher   *snapshot.Watcher
}

// makeNode loads the configuration, locks the data directory and opens the
// chain database.
func makeNode(ctx *cli.Context) *importNode {
	cfg := loadBaseConfig(ctx)
	n, err := openDataDir(cfg, utils.MakeGenesis(ctx, cfg.Chain.Genesis))
	if err != nil {
		utils.Fatalf("Failed to open data directory: %v", err)
	}
	return n
}

func openDataDir(cfg ethimportConfig, genesis *core.Genesis) (*importNode, error) {
	if err := os.MkdirAll(cfg.Chain.DataDir, 0o755); err != nil {
		return nil, err
	}
	n := &importNode{
		config:  cfg,
		genesis: genesis,
		dirLock: flock.New(cfg.Chain.resolve(lockFile)),
	}
	if locked, err := n.dirLock.TryLock(); err != nil {
		return nil, err
	} else if !locked {
		return nil, errDatadirUsed
	}
	n.dbs = kvdb.NewManager(cfg.Flush)
	db, err := n.dbs.Open(chainDataDir, cfg.Chain.resolve(chainDataDir), cfg.DB)
	if err != nil {
		n.Close()
		return nil, err
	}
	n.db = db
	if err := n.setupChain(); err != nil {
		n.Close()
		return nil, err
	}
	tracker := shutdowncheck.New(db, shutdowncheck.DefaultRefresh)
	if _, err := tracker.MarkStartup(); err != nil {
		n.Close()
		return nil, err
	}
	tracker.Start()
	n.tracker = tracker
	return n, nil
}

// setupChain writes or checks the genesis and creates the consensus engine
// of the chain.
func (n *importNode) setupChain() error {
	var (
		chaindb = core.ChainDatabase(n.db)
		header  *types.Header
	)
	if n.genesis != nil {
		header = n.genesis.ToBlock().Header()
	} else if hash := rawdb.ReadCanonicalHash(chaindb, 0); hash != (common.Hash{}) {
		header = rawdb.ReadHeader(chaindb, hash, 0)
	}
	if header == nil {
		return fmt.Errorf("no chain in %s, use --%s or --%s", n.config.Chain.DataDir, utils.GenesisFlag.Name, utils.DeveloperFlag.Name)
	}
	chainConfig := rawdb.ReadChainConfig(chaindb, header.Hash())
	if n.genesis != nil {
		chainConfig = n.genesis.Config
	}
	if chainConfig == nil {
		return errors.New("missing chain configuration")
	}
	engine, err := utils.CreateConsensusEngine(chainConfig, header)
	if err != nil {
		return err
	}
	_, hash, err := core.SetupGenesisBlock(n.db, n.genesis, engine, n.config.Import.Pruning)
	if err != nil {
		return err
	}
	log.Info("Initialised chain configuration", "genesis", hash, "engine", engine.Name(), "config", chainConfig)
	n.engine = engine
	return nil
}

// startClient opens the bloom index if enabled and starts importing.
func (n *importNode) startClient() error {
	if n.config.Chain.Blooms {
		db, err := blooms.Open(n.config.Chain.resolve(bloomsDir))
		if err != nil {
			return err
		}
		n.blooms = db
	}
	client, err := core.NewClient(&n.config.Import, n.db, n.blooms, n.engine, nil)
	if err != nil {
		return err
	}
	n.client = client
	return nil
}

// snapshotService opens the snapshot service of the data directory.
func (n *importNode) snapshotService() (*snapshot.Service, error) {
	if n.snapshots != nil {
		return n.snapshots, nil
	}
	config := snapshot.DefaultServiceConfig
	config.Dir = n.config.Chain.resolve(snapshotsDir)
	config.Genesis = n.genesis
	config.Pruning = n.config.Import.Pruning
	config.DB = n.config.DB
	config.SnapshotBlocks = n.config.Snapshot.Blocks
	config.PreferredChunkSize = n.config.Snapshot.ChunkSize

	service, err := snapshot.NewService(config, n.engine)
	if err != nil {
		return nil, err
	}
	n.snapshots = service
	return service, nil
}

// startWatcher takes periodic snapshots of the imported chain. Snapshots are
// taken on their own goroutine, requests arriving meanwhile are skipped.
func (n *importNode) startWatcher() error {
	cfg := n.config.Snapshot
	if cfg.Period == 0 {
		return nil
	}
	if n.config.Import.Pruning.IsPruned() && n.config.Import.History < cfg.History {
		return fmt.Errorf("snapshot history %d exceeds the pruning history %d", cfg.History, n.config.Import.History)
	}
	service, err := n.snapshotService()
	if err != nil {
		return err
	}
	take := func(number uint64) {
		go func() {
			err := service.TakeSnapshot(n.client.Chain(), n.client.StateDB(), number)
			switch {
			case errors.Is(err, snapshot.ErrSnapshotInProgress):
				log.Debug("Skipping snapshot, another one is in progress", "number", number)
			case err != nil:
				log.Error("Failed to take snapshot", "number", number, "err", err)
			}
		}()
	}
	n.watcher = snapshot.NewWatcher(n.client, snapshot.BroadcasterFunc(take), cfg.Period, cfg.History)
	n.watcher.Start()
	log.Info("Started periodic snapshots", "period", cfg.Period, "history", cfg.History, "dir", service.SnapshotDir())
	return nil
}

// Close stops the services and releases the databases and the directory
// lock.
func (n *importNode) Close() {
	if n.watcher != nil {
		n.watcher.Stop()
	}
	if n.client != nil {
		n.client.Close()
	}
	if n.blooms != nil {
		if err := n.blooms.Close(); err != nil {
			log.Error("Failed to close bloom index", "err", err)
		}
	}
	if n.tracker != nil {
		n.tracker.Stop()
	}
	if n.dbs != nil {
		if err := n.dbs.Close(); err != nil {
			log.Error("Failed to close databases", "err", err)
		}
	}
	if n.dirLock != nil && n.dirLock.Locked() {
		if err := n.dirLock.Unlock(); err != nil {
			log.Error("Failed to release datadir lock", "err", err)
		}
	}
}
