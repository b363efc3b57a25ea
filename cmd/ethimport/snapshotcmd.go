// Copyright 2020 The go-ethereum Authors
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
	"path/filepath"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/gofrs/flock"
	"github.com/sunyihoo/ethimport/cmd/utils"
	"github.com/sunyihoo/ethimport/core/snapshot"
	"github.com/sunyihoo/ethimport/internal/flags"
	"github.com/urfave/cli/v2"
)

var (
	snapshotCommand = &cli.Command{
		Action:    takeSnapshot,
		Name:      "snapshot",
		Usage:     "Take a snapshot of the chain state and recent blocks",
		ArgsUsage: "[<blockNum>]",
		Flags: flags.Merge(configFlags, utils.ChainFlags, utils.DatabaseFlags, []cli.Flag{
			utils.PruningFlag,
			utils.SnapshotBlocksFlag,
		}),
		Description: `
Writes the state at the given block (the head block by default) and the blocks
leading to it as compressed chunks plus a manifest into <datadir>/snapshots/current.
The state of the block must still be available under the pruning settings.`,
	}
	restoreCommand = &cli.Command{
		Action:    restoreSnapshot,
		Name:      "restore",
		Usage:     "Restore a chain from a snapshot directory",
		ArgsUsage: "<snapshotDir>",
		Flags: flags.Merge(configFlags, utils.ChainFlags, utils.DatabaseFlags, []cli.Flag{
			utils.PruningFlag,
			utils.SnapshotBlocksFlag,
		}),
		Description: `
Restores the snapshot written by the snapshot command into a fresh database
and installs it as the chain database of the data directory. The data
directory must not contain a chain yet, and the genesis of the snapshotted
chain must be given with --genesis or --dev.`,
	}
)

func takeSnapshot(ctx *cli.Context) error {
	node := makeNode(ctx)
	defer node.Close()

	if err := node.startClient(); err != nil {
		utils.Fatalf("Failed to start importer: %v", err)
	}
	number := node.client.Chain().CurrentHeader().Number.Uint64()
	if ctx.Args().Len() > 0 {
		var err error
		if number, err = strconv.ParseUint(ctx.Args().First(), 10, 64); err != nil {
			return fmt.Errorf("invalid block number: %v", err)
		}
	}
	service, err := node.snapshotService()
	if err != nil {
		return err
	}
	done := make(chan struct{})
	go reportSnapshotProgress(service, done)
	err = service.TakeSnapshot(node.client.Chain(), node.client.StateDB(), number)
	close(done)
	if err != nil {
		return err
	}
	fmt.Printf("Snapshot of block #%d written to %s\n", number, service.SnapshotDir())
	return nil
}

// reportSnapshotProgress logs the progress of the running snapshot until
// done is closed.
func reportSnapshotProgress(service *snapshot.Service, done chan struct{}) {
	ticker := time.NewTicker(8 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if p := service.Progress(); p != nil && !p.Done() {
				log.Info("Taking snapshot", "accounts", p.Accounts(), "blocks", p.Blocks(), "size", p.Size())
			}
		case <-done:
			return
		}
	}
}

func restoreSnapshot(ctx *cli.Context) error {
	if ctx.Args().Len() != 1 {
		utils.Fatalf("This command requires an argument.")
	}
	cfg := loadBaseConfig(ctx)
	genesis := utils.MakeGenesis(ctx, cfg.Chain.Genesis)
	if genesis == nil {
		utils.Fatalf("Restoring requires the genesis of the chain, use --%s or --%s", utils.GenesisFlag.Name, utils.DeveloperFlag.Name)
	}
	if err := os.MkdirAll(cfg.Chain.DataDir, 0o755); err != nil {
		return err
	}
	lock := flock.New(cfg.Chain.resolve(lockFile))
	if locked, err := lock.TryLock(); err != nil {
		return err
	} else if !locked {
		return errDatadirUsed
	}
	defer lock.Unlock()

	target := cfg.Chain.resolve(chainDataDir)
	if _, err := os.Stat(target); err == nil {
		return fmt.Errorf("chain database %s already exists", target)
	}
	reader, err := snapshot.NewLooseReader(ctx.Args().First())
	if err != nil {
		return err
	}
	engine, err := utils.CreateConsensusEngine(genesis.Config, genesis.ToBlock().Header())
	if err != nil {
		return err
	}
	node := &importNode{config: cfg, genesis: genesis, engine: engine}
	service, err := node.snapshotService()
	if err != nil {
		return err
	}
	manifest := reader.Manifest()
	log.Info("Restoring snapshot", "number", manifest.BlockNumber, "hash", manifest.BlockHash,
		"state", len(manifest.StateHashes), "blocks", len(manifest.BlockHashes))

	start := time.Now()
	if err := service.Restore(reader); err != nil {
		return err
	}
	status := service.Status()
	if status.State != snapshot.RestorationCompleted {
		return fmt.Errorf("restoration %v after %d/%d state and %d/%d block chunks", status.State,
			status.StateChunksDone, status.StateChunks, status.BlockChunksDone, status.BlockChunks)
	}
	restored, ok := service.RestoredDB()
	if !ok {
		return errors.New("restored database missing")
	}
	if err := os.Rename(restored, target); err != nil {
		return err
	}
	os.Remove(filepath.Dir(restored))

	log.Info("Restored snapshot", "number", manifest.BlockNumber, "hash", manifest.BlockHash,
		"db", target, "elapsed", common.PrettyDuration(time.Since(start)))
	return nil
}
