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

// Package kvdb opens the key-value stores of the import pipeline, adds a
// write buffer on top of them and flushes the buffers in the background.
//
// kvdb 打开导入流水线使用的键值存储，在其上增加写缓冲，并在后台定期刷新缓冲。
package kvdb

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/ethereum/go-ethereum/log"
)

const (
	// minCache is the minimum amount of memory in megabytes to allocate to
	// the backend read and write caches.
	minCache = 16

	// minHandles is the minimum number of file handles of a backend.
	minHandles = 16

	// metricsGatheringInterval is the interval between two backend stats
	// collections.
	metricsGatheringInterval = 3 * time.Second

	// degradationWarnInterval limits how often a stalled write is reported.
	degradationWarnInterval = time.Minute
)

// Supported backends.
const (
	BackendMemory  = "memory"
	BackendLevelDB = "leveldb"
	BackendPebble  = "pebble"
)

// Config contains the options of a single database.
// Config 包含单个数据库的选项。
type Config struct {
	Backend   string // "memory", "leveldb" or "pebble"; empty picks the on-disk type or pebble
	Cache     int    // Cache capacity in megabytes
	Handles   int    // Number of files to be open simultaneously
	ReadOnly  bool
	Namespace string // Metrics prefix, defaults to "ethimport/db/<key>/"
}

// DefaultConfig is the default database setting.
var DefaultConfig = Config{
	Cache:   512,
	Handles: 512,
}

// openBackend opens the store described by config at path.
//
//	                     backend == ""        backend != ""
//	                  +----------------------------------------
//	db is non-existent |  pebble default  |  specified backend
//	db is existent     |  from db         |  specified backend (if compatible)
func openBackend(path string, config Config) (ethdb.KeyValueStore, error) {
	switch config.Backend {
	case "", BackendLevelDB, BackendPebble:
	case BackendMemory:
		return memorydb.New(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, config.Backend)
	}
	existing := preexistingBackend(path)
	if existing != "" && config.Backend != "" && existing != config.Backend {
		return nil, fmt.Errorf("backend choice was %v but found pre-existing %v database in %s", config.Backend, existing, path)
	}
	backend := config.Backend
	if backend == "" {
		backend = existing
	}
	if backend == BackendLevelDB {
		log.Info("Using leveldb as the backing database", "path", path)
		return newLevelDB(path, config.Cache, config.Handles, config.Namespace, config.ReadOnly)
	}
	log.Info("Using pebble as the backing database", "path", path)
	return newPebbleDB(path, config.Cache, config.Handles, config.Namespace, config.ReadOnly)
}

// preexistingBackend reports the backend of the store at path, or "" if
// there is none. Both engines keep a CURRENT file, only pebble writes
// OPTIONS files.
func preexistingBackend(path string) string {
	if _, err := os.Stat(filepath.Join(path, "CURRENT")); err != nil {
		return ""
	}
	if matches, _ := filepath.Glob(filepath.Join(path, "OPTIONS*")); len(matches) > 0 {
		return BackendPebble
	}
	return BackendLevelDB
}

// Open opens a single buffered database outside of any manager. The caller
// owns it and must close it.
func Open(path string, config Config) (*Database, error) {
	store, err := openBackend(path, config)
	if err != nil {
		return nil, err
	}
	return NewDatabase(store), nil
}

// BufferedWriter is implemented by stores that can take a batch into a write
// buffer instead of writing it.
type BufferedWriter interface {
	WriteBuffered(batch ethdb.Batch) error
}

// WriteBuffered hands batch to the write buffer of db if it has one and
// writes it directly otherwise.
func WriteBuffered(db ethdb.KeyValueStore, batch ethdb.Batch) error {
	if bw, ok := db.(BufferedWriter); ok {
		return bw.WriteBuffered(batch)
	}
	return batch.Write()
}
