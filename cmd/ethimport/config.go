// Copyright 2017 The go-ethereum Authors
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
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"unicode"

	"github.com/ethereum/go-ethereum/metrics"
	"github.com/naoina/toml"
	"github.com/sunyihoo/ethimport/cmd/utils"
	"github.com/sunyihoo/ethimport/core"
	"github.com/sunyihoo/ethimport/core/snapshot"
	"github.com/sunyihoo/ethimport/internal/flags"
	"github.com/sunyihoo/ethimport/kvdb"
	"github.com/urfave/cli/v2"
)

var (
	dumpConfigCommand = &cli.Command{
		Action:      dumpConfig,
		Name:        "dumpconfig",
		Usage:       "Export configuration values in a TOML format",
		ArgsUsage:   "<dumpfile (optional)>",
		Flags:       flags.Merge(configFlags, utils.ChainFlags, utils.DatabaseFlags, utils.ImportFlags, utils.MetricsFlags),
		Description: `Export configuration values in TOML format (to stdout by default).`,
	}

	configFileFlag = &cli.StringFlag{
		Name:     "config",
		Usage:    "TOML configuration file",
		Category: flags.ChainCategory,
	}
	configFlags = []cli.Flag{configFileFlag}
)

// These settings ensure that TOML keys use the same names as Go struct fields.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
	MissingField: func(rt reflect.Type, field string) error {
		var link string
		if unicode.IsUpper(rune(rt.Name()[0])) && rt.PkgPath() != "main" {
			link = fmt.Sprintf(", see https://godoc.org/%s#%s for available fields", rt.PkgPath(), rt.Name())
		}
		return fmt.Errorf("field '%s' is not defined in %s%s", field, rt.String(), link)
	},
}

// chainConfig selects the chain and the data directory.
type chainConfig struct {
	DataDir string
	Genesis string `toml:",omitempty"` // Path of the genesis JSON file
	Blooms  bool   // Maintain the bloom index
}

// snapshotConfig contains the periodic snapshot settings.
type snapshotConfig struct {
	Period    uint64 // Blocks between two snapshots, 0 disables them
	History   uint64 // Blocks a snapshot lags behind the head
	Blocks    uint64 // Blocks included in a snapshot
	ChunkSize int    // Uncompressed chunk size
}

type ethimportConfig struct {
	Chain    chainConfig
	Import   core.Config
	DB       kvdb.Config
	Flush    kvdb.ManagerConfig
	Snapshot snapshotConfig
	Metrics  metrics.Config
}

func loadConfig(file string, cfg *ethimportConfig) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	err = tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(cfg)
	// Add file name to errors that have a line number.
	if _, ok := err.(*toml.LineError); ok {
		err = errors.New(file + ", " + err.Error())
	}
	return err
}

func defaultConfig() ethimportConfig {
	return ethimportConfig{
		Chain:  chainConfig{DataDir: utils.DefaultDataDir()},
		Import: *core.DefaultConfig,
		DB:     kvdb.DefaultConfig,
		Flush:  kvdb.DefaultManagerConfig,
		Snapshot: snapshotConfig{
			History:   snapshot.DefaultSnapshotHistory,
			Blocks:    snapshot.DefaultSnapshotBlocks,
			ChunkSize: snapshot.PreferredChunkSize,
		},
		Metrics: metrics.DefaultConfig,
	}
}

// loadBaseConfig loads the configuration based on the given command line
// parameters and config file.
// loadBaseConfig 根据命令行参数和配置文件加载配置。
func loadBaseConfig(ctx *cli.Context) ethimportConfig {
	// Load defaults.
	cfg := defaultConfig()

	// Load config file.
	if file := ctx.String(configFileFlag.Name); file != "" {
		if err := loadConfig(file, &cfg); err != nil {
			utils.Fatalf("%v", err)
		}
	}

	// Apply flags.
	if ctx.IsSet(utils.DataDirFlag.Name) {
		cfg.Chain.DataDir = ctx.String(utils.DataDirFlag.Name)
	}
	if ctx.IsSet(utils.GenesisFlag.Name) {
		cfg.Chain.Genesis = ctx.String(utils.GenesisFlag.Name)
	}
	if ctx.IsSet(utils.BloomsFlag.Name) {
		cfg.Chain.Blooms = ctx.Bool(utils.BloomsFlag.Name)
	}
	if ctx.IsSet(utils.SnapshotPeriodFlag.Name) {
		cfg.Snapshot.Period = ctx.Uint64(utils.SnapshotPeriodFlag.Name)
	}
	if ctx.IsSet(utils.SnapshotHistoryFlag.Name) {
		cfg.Snapshot.History = ctx.Uint64(utils.SnapshotHistoryFlag.Name)
	}
	if ctx.IsSet(utils.SnapshotBlocksFlag.Name) {
		cfg.Snapshot.Blocks = ctx.Uint64(utils.SnapshotBlocksFlag.Name)
	}
	utils.SetDatabaseConfig(ctx, &cfg.DB, &cfg.Flush)
	utils.SetImportConfig(ctx, &cfg.Import)
	utils.SetMetricsConfig(ctx, &cfg.Metrics)
	return cfg
}

// resolve returns the path of name inside the data directory.
func (c *chainConfig) resolve(name string) string {
	return filepath.Join(c.DataDir, name)
}

// dumpConfig is the dumpconfig command.
func dumpConfig(ctx *cli.Context) error {
	cfg := loadBaseConfig(ctx)
	out, err := tomlSettings.Marshal(&cfg)
	if err != nil {
		return err
	}

	dump := os.Stdout
	if ctx.NArg() > 0 {
		dump, err = os.OpenFile(ctx.Args().Get(0), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
		if err != nil {
			return err
		}
		defer dump.Close()
	}
	dump.WriteString(comment)
	dump.Write(out)

	return nil
}

const comment = "# Note: this config doesn't contain the genesis block.\n\n"
