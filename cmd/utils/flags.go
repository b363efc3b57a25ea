// Copyright 2015 The go-ethereum Authors
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

// Package utils contains internal helper functions for the ethimport commands.
package utils

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/ethereum/go-ethereum/metrics/exp"
	"github.com/ethereum/go-ethereum/params"
	gopsutil "github.com/shirou/gopsutil/mem"
	"github.com/sunyihoo/ethimport/consensus"
	"github.com/sunyihoo/ethimport/consensus/authority"
	"github.com/sunyihoo/ethimport/consensus/ethash"
	"github.com/sunyihoo/ethimport/consensus/instantseal"
	"github.com/sunyihoo/ethimport/consensus/validators"
	"github.com/sunyihoo/ethimport/core"
	"github.com/sunyihoo/ethimport/core/snapshot"
	"github.com/sunyihoo/ethimport/internal/flags"
	"github.com/sunyihoo/ethimport/kvdb"
	"github.com/sunyihoo/ethimport/triedb/journaldb"
	"github.com/urfave/cli/v2"
)

// These are all the command line flags we support.
// If you add to this list, please remember to include the
// flag in the appropriate command definition.
//
// The flags are defined here so their names and help texts
// are the same for all commands.

var (
	// General settings
	DataDirFlag = &flags.DirectoryFlag{
		Name:     "datadir",
		Usage:    "Data directory for the databases, bloom index and snapshots",
		Value:    flags.DirectoryString(DefaultDataDir()),
		Category: flags.ChainCategory,
	}
	GenesisFlag = &cli.StringFlag{
		Name:     "genesis",
		Usage:    "Genesis JSON file of the chain",
		Category: flags.ChainCategory,
	}
	DeveloperFlag = &cli.BoolFlag{
		Name:     "dev",
		Usage:    "Use the ephemeral developer chain genesis (ethash rules, fake seals)",
		Category: flags.ChainCategory,
	}
	NoSealCheckFlag = &cli.BoolFlag{
		Name:     "noseal",
		Usage:    "Skip the seal verification of imported blocks",
		Category: flags.ChainCategory,
	}

	// Database settings
	DBEngineFlag = &cli.StringFlag{
		Name:     "db.engine",
		Usage:    "Backing database implementation to use ('pebble', 'leveldb' or 'memory')",
		Category: flags.DatabaseCategory,
	}
	DBHandlesFlag = &cli.IntFlag{
		Name:     "db.handles",
		Usage:    "Number of file handles the database may keep open",
		Value:    kvdb.DefaultConfig.Handles,
		Category: flags.DatabaseCategory,
	}
	DBFlushIntervalFlag = &cli.DurationFlag{
		Name:     "db.flush",
		Usage:    "Interval between two flushes of the database write buffers",
		Value:    kvdb.DefaultManagerConfig.FlushInterval,
		Category: flags.DatabaseCategory,
	}
	DBFlushWorkersFlag = &cli.IntFlag{
		Name:     "db.flush.workers",
		Usage:    "Maximum number of databases flushed at once",
		Value:    kvdb.DefaultManagerConfig.Workers,
		Category: flags.DatabaseCategory,
	}

	// State pruning settings
	PruningFlag = &cli.StringFlag{
		Name:     "pruning",
		Usage:    `State pruning algorithm ("archive", "fast" or "basic")`,
		Value:    core.DefaultConfig.Pruning.String(),
		Category: flags.StateCategory,
	}
	PruningHistoryFlag = &cli.Uint64Flag{
		Name:     "pruning.history",
		Usage:    "Number of recent blocks whose state is kept unpruned",
		Value:    core.DefaultConfig.History,
		Category: flags.StateCategory,
	}

	// Verification queue settings
	QueueSizeFlag = &cli.IntFlag{
		Name:     "queue.size",
		Usage:    "Number of queued blocks after which the verification queue reports full",
		Value:    core.DefaultConfig.Queue.MaxQueueSize,
		Category: flags.QueueCategory,
	}
	QueueVerifiersFlag = &cli.IntFlag{
		Name:     "queue.verifiers",
		Usage:    "Number of verifier goroutines (0 = pick from the CPU count)",
		Category: flags.QueueCategory,
	}
	ImportOrphansFlag = &cli.IntFlag{
		Name:     "import.orphans",
		Usage:    "Maximum number of blocks held waiting for their parent",
		Value:    core.DefaultConfig.MaxOrphans,
		Category: flags.QueueCategory,
	}

	// Bloom index settings
	BloomsFlag = &cli.BoolFlag{
		Name:     "blooms",
		Usage:    "Maintain the log bloom index of the canonical chain",
		Category: flags.BloomCategory,
	}

	// Snapshot settings
	SnapshotPeriodFlag = &cli.Uint64Flag{
		Name:     "snapshot.period",
		Usage:    "Take a snapshot every this many blocks while importing (0 = disabled)",
		Category: flags.SnapshotCategory,
	}
	SnapshotHistoryFlag = &cli.Uint64Flag{
		Name:     "snapshot.history",
		Usage:    "Number of blocks a periodic snapshot lags behind the imported head",
		Value:    snapshot.DefaultSnapshotHistory,
		Category: flags.SnapshotCategory,
	}
	SnapshotBlocksFlag = &cli.Uint64Flag{
		Name:     "snapshot.blocks",
		Usage:    "Number of blocks included in a snapshot",
		Value:    snapshot.DefaultSnapshotBlocks,
		Category: flags.SnapshotCategory,
	}

	// Performance tuning settings
	CacheFlag = &cli.IntFlag{
		Name:     "cache",
		Usage:    "Megabytes of memory allocated to internal caching",
		Value:    1024,
		Category: flags.PerfCategory,
	}
	CacheDatabaseFlag = &cli.IntFlag{
		Name:     "cache.database",
		Usage:    "Percentage of cache memory allowance to use for database io",
		Value:    75,
		Category: flags.PerfCategory,
	}
	CacheJournalFlag = &cli.IntFlag{
		Name:     "cache.journal",
		Usage:    "Percentage of cache memory allowance to use for clean state journal reads",
		Value:    25,
		Category: flags.PerfCategory,
	}

	// Metrics flags
	MetricsEnabledFlag = &cli.BoolFlag{
		Name:     "metrics",
		Usage:    "Enable metrics collection and reporting",
		Category: flags.MetricsCategory,
	}
	MetricsHTTPFlag = &cli.StringFlag{
		Name:     "metrics.addr",
		Usage:    `Enable stand-alone metrics HTTP server listening interface.`,
		Category: flags.MetricsCategory,
	}
	MetricsPortFlag = &cli.IntFlag{
		Name:     "metrics.port",
		Usage:    `Metrics HTTP server listening port.`,
		Value:    metrics.DefaultConfig.Port,
		Category: flags.MetricsCategory,
	}
)

var (
	// ChainFlags select the chain and its rules.
	ChainFlags = []cli.Flag{
		DataDirFlag,
		GenesisFlag,
		DeveloperFlag,
	}
	// DatabaseFlags tune the databases.
	DatabaseFlags = []cli.Flag{
		DBEngineFlag,
		DBHandlesFlag,
		DBFlushIntervalFlag,
		DBFlushWorkersFlag,
		CacheFlag,
		CacheDatabaseFlag,
		CacheJournalFlag,
	}
	// ImportFlags tune the import pipeline.
	ImportFlags = []cli.Flag{
		NoSealCheckFlag,
		PruningFlag,
		PruningHistoryFlag,
		QueueSizeFlag,
		QueueVerifiersFlag,
		ImportOrphansFlag,
		BloomsFlag,
		SnapshotPeriodFlag,
		SnapshotHistoryFlag,
	}
	// MetricsFlags enable metrics reporting.
	MetricsFlags = []cli.Flag{
		MetricsEnabledFlag,
		MetricsHTTPFlag,
		MetricsPortFlag,
	}
)

// DefaultDataDir is the default data directory to use for the databases and
// other persistence requirements.
func DefaultDataDir() string {
	home := flags.HomeDir()
	if home == "" {
		return ""
	}
	return filepath.Join(home, ".ethimport")
}

// Fatalf formats a message to standard error and exits the program.
// The message is also printed to standard output if standard error
// is redirected to a different file.
func Fatalf(format string, args ...interface{}) {
	w := os.Stderr
	outf, _ := os.Stdout.Stat()
	errf, _ := os.Stderr.Stat()
	if outf != nil && errf != nil && os.SameFile(outf, errf) {
		w = os.Stdout
	}
	fmt.Fprintf(w, "Fatal: "+format+"\n", args...)
	os.Exit(1)
}

// CacheCap limits the cache allowance to a third of the system memory. A
// misconfigured cache would otherwise get the process killed.
// CacheCap 将缓存配额限制为系统内存的三分之一。
func CacheCap(ctx *cli.Context) int {
	cache := ctx.Int(CacheFlag.Name)
	mem, err := gopsutil.VirtualMemory()
	if err != nil {
		log.Warn("Failed to read system memory", "err", err)
		return cache
	}
	allowance := int(mem.Total / 1024 / 1024 / 3)
	if cache > allowance {
		log.Warn("Sanitizing cache to Go's GC limits", "provided", cache, "updated", allowance)
		return allowance
	}
	return cache
}

// SetDatabaseConfig applies the database related flags to cfg and mcfg.
func SetDatabaseConfig(ctx *cli.Context, cfg *kvdb.Config, mcfg *kvdb.ManagerConfig) {
	if ctx.IsSet(DBEngineFlag.Name) {
		engine := ctx.String(DBEngineFlag.Name)
		switch engine {
		case kvdb.BackendLevelDB, kvdb.BackendPebble, kvdb.BackendMemory:
			cfg.Backend = engine
		default:
			Fatalf("Invalid choice for db.engine '%s', allowed 'leveldb', 'pebble' or 'memory'", engine)
		}
	}
	if ctx.IsSet(DBHandlesFlag.Name) {
		cfg.Handles = ctx.Int(DBHandlesFlag.Name)
	}
	if ctx.IsSet(CacheFlag.Name) || ctx.IsSet(CacheDatabaseFlag.Name) {
		cfg.Cache = CacheCap(ctx) * ctx.Int(CacheDatabaseFlag.Name) / 100
	}
	if ctx.IsSet(DBFlushIntervalFlag.Name) {
		mcfg.FlushInterval = ctx.Duration(DBFlushIntervalFlag.Name)
	}
	if ctx.IsSet(DBFlushWorkersFlag.Name) {
		mcfg.Workers = ctx.Int(DBFlushWorkersFlag.Name)
	}
}

// SetImportConfig applies the import pipeline flags to cfg.
func SetImportConfig(ctx *cli.Context, cfg *core.Config) {
	if ctx.IsSet(PruningFlag.Name) {
		algo, err := journaldb.ParseAlgorithm(ctx.String(PruningFlag.Name))
		if err != nil {
			Fatalf("%v", err)
		}
		cfg.Pruning = algo
	}
	if !cfg.Pruning.IsStable() {
		log.Warn("Using an experimental pruning algorithm", "algorithm", cfg.Pruning)
	}
	if ctx.IsSet(PruningHistoryFlag.Name) {
		cfg.History = ctx.Uint64(PruningHistoryFlag.Name)
	}
	if ctx.IsSet(CacheFlag.Name) || ctx.IsSet(CacheJournalFlag.Name) {
		cfg.JournalCache = CacheCap(ctx) * ctx.Int(CacheJournalFlag.Name) / 100 * 1024 * 1024
	}
	if ctx.IsSet(NoSealCheckFlag.Name) {
		cfg.CheckSeal = !ctx.Bool(NoSealCheckFlag.Name)
	}
	if ctx.IsSet(QueueSizeFlag.Name) {
		cfg.Queue.MaxQueueSize = ctx.Int(QueueSizeFlag.Name)
	}
	if ctx.IsSet(QueueVerifiersFlag.Name) {
		cfg.Queue.Verifiers = ctx.Int(QueueVerifiersFlag.Name)
	}
	if ctx.IsSet(ImportOrphansFlag.Name) {
		cfg.MaxOrphans = ctx.Int(ImportOrphansFlag.Name)
	}
}

// SetMetricsConfig applies the metrics flags to cfg.
func SetMetricsConfig(ctx *cli.Context, cfg *metrics.Config) {
	if ctx.IsSet(MetricsEnabledFlag.Name) {
		cfg.Enabled = ctx.Bool(MetricsEnabledFlag.Name)
	}
	if ctx.IsSet(MetricsHTTPFlag.Name) {
		cfg.HTTP = ctx.String(MetricsHTTPFlag.Name)
	}
	if ctx.IsSet(MetricsPortFlag.Name) {
		cfg.Port = ctx.Int(MetricsPortFlag.Name)
	}
}

// SetupMetrics starts the process metrics collection and the stand-alone
// metrics HTTP server if requested.
func SetupMetrics(cfg *metrics.Config) {
	if !cfg.Enabled {
		return
	}
	log.Info("Enabling metrics collection")
	go metrics.CollectProcessMetrics(3 * time.Second)

	if cfg.HTTP != "" {
		address := net.JoinHostPort(cfg.HTTP, fmt.Sprintf("%d", cfg.Port))
		log.Info("Enabling stand-alone metrics HTTP endpoint", "address", address)
		exp.Setup(address)
	}
}

// MakeGenesis loads the genesis of the chain selected on the command line.
// It returns nil if none is selected, the stored genesis is used then.
func MakeGenesis(ctx *cli.Context, file string) *core.Genesis {
	if ctx.IsSet(GenesisFlag.Name) {
		file = ctx.String(GenesisFlag.Name)
	}
	switch {
	case ctx.Bool(DeveloperFlag.Name):
		if file != "" {
			Fatalf("Flags --%s and --%s are mutually exclusive", DeveloperFlag.Name, GenesisFlag.Name)
		}
		return core.DeveloperGenesisBlock(params.GenesisGasLimit, nil)
	case file == "":
		return nil
	}
	genesis, err := ReadGenesis(file)
	if err != nil {
		Fatalf("%v", err)
	}
	return genesis
}

// ReadGenesis decodes a genesis JSON file.
func ReadGenesis(file string) (*core.Genesis, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read genesis file: %w", err)
	}
	defer f.Close()

	genesis := new(core.Genesis)
	if err := json.NewDecoder(f).Decode(genesis); err != nil {
		return nil, fmt.Errorf("invalid genesis file %s: %w", file, err)
	}
	return genesis, nil
}

var errNoSigners = errors.New("authority genesis lists no signers")

// CreateConsensusEngine picks the engine from the fork configuration: clique
// chains run the authority engine over the signers of the genesis header,
// ethash chains the proof-of-work rules and everything else instant seal.
// CreateConsensusEngine 根据分叉配置选择共识引擎。
func CreateConsensusEngine(config *params.ChainConfig, genesis *types.Header) (consensus.Engine, error) {
	p := consensus.DefaultParams(config)
	switch {
	case config.Clique != nil:
		signers := authority.CheckpointSigners(genesis)
		if len(signers) == 0 {
			return nil, errNoSigners
		}
		return authority.New(p, authority.Config{
			Period: config.Clique.Period,
			Epoch:  config.Clique.Epoch,
		}, validators.NewSimpleList(signers)), nil
	case config.Ethash != nil:
		return ethash.NewFaker(p), nil
	default:
		return instantseal.New(p), nil
	}
}

// SplitAndTrim splits input separated by a comma and trims excessive white
// space from the substrings.
func SplitAndTrim(input string) (ret []string) {
	l := strings.Split(input, ",")
	for _, r := range l {
		if r = strings.TrimSpace(r); r != "" {
			ret = append(ret, r)
		}
	}
	return ret
}

// ParseAddresses parses a comma separated list of hex addresses.
func ParseAddresses(input string) ([]common.Address, error) {
	var addrs []common.Address
	for _, s := range SplitAndTrim(input) {
		if !common.IsHexAddress(s) {
			return nil, fmt.Errorf("invalid address %q", s)
		}
		addrs = append(addrs, common.HexToAddress(s))
	}
	return addrs, nil
}
