// Copyright 2018 The go-ethereum Authors
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

package rawdb

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/ethereum/go-ethereum/log"
	"github.com/olekukonko/tablewriter"
)

// NewMemoryDatabase creates an ephemeral in-memory key-value store.
func NewMemoryDatabase() ethdb.KeyValueStore {
	return memorydb.New()
}

type counter uint64

func (c counter) String() string {
	return fmt.Sprintf("%d", c)
}

// stat stores sizes and count for a parameter
type stat struct {
	size  common.StorageSize
	count counter
}

// Add size to the stat and increase the counter by 1
func (s *stat) Add(size common.StorageSize) {
	s.size += size
	s.count++
}

func (s *stat) Size() string {
	return s.size.String()
}

func (s *stat) Count() string {
	return s.count.String()
}

// InspectDatabase traverses the entire database and checks the size
// of all different categories of data, rendering a table into w.
// InspectDatabase 遍历整个数据库并检查所有不同类别数据的大小。
func InspectDatabase(db ethdb.KeyValueStore, w io.Writer) error {
	it := db.NewIterator(nil, nil)
	defer it.Release()

	var (
		count  int64
		start  = time.Now()
		logged = time.Now()

		// Chain namespace statistics 链命名空间统计
		headers         stat
		bodies          stat
		receipts        stat
		tds             stat
		numHashPairings stat
		hashNumPairings stat
		candidates      stat
		transitions     stat
		pendingEpochs   stat

		// State namespace statistics
		trieNodes      stat
		journalRecords stat

		// Meta- and unaccounted data
		metadata    stat
		unaccounted stat

		// Totals
		total common.StorageSize
	)
	for it.Next() {
		var (
			full = it.Key()
			size = common.StorageSize(len(full) + len(it.Value()))
		)
		total += size
		count++

		switch {
		case bytes.HasPrefix(full, []byte(StateNamespace)):
			if len(full) == len(StateNamespace)+common.HashLength {
				trieNodes.Add(size)
			} else {
				journalRecords.Add(size)
			}
			continue
		case !bytes.HasPrefix(full, []byte(ChainNamespace)):
			unaccounted.Add(size)
			continue
		}
		key := full[len(ChainNamespace):]
		switch {
		case bytes.HasPrefix(key, headerPrefix) && len(key) == (len(headerPrefix)+8+common.HashLength):
			headers.Add(size)
		case bytes.HasPrefix(key, blockBodyPrefix) && len(key) == (len(blockBodyPrefix)+8+common.HashLength):
			bodies.Add(size)
		case bytes.HasPrefix(key, blockReceiptsPrefix) && len(key) == (len(blockReceiptsPrefix)+8+common.HashLength):
			receipts.Add(size)
		case bytes.HasPrefix(key, headerPrefix) && bytes.HasSuffix(key, headerTDSuffix):
			tds.Add(size)
		case bytes.HasPrefix(key, headerPrefix) && bytes.HasSuffix(key, headerHashSuffix):
			numHashPairings.Add(size)
		case bytes.HasPrefix(key, headerNumberPrefix) && len(key) == (len(headerNumberPrefix)+common.HashLength):
			hashNumPairings.Add(size)
		case bytes.HasPrefix(key, candidatesPrefix) && len(key) == len(candidatesPrefix)+8:
			candidates.Add(size)
		case bytes.HasPrefix(key, epochTransitionPrefix) && len(key) == len(epochTransitionPrefix)+8:
			transitions.Add(size)
		case bytes.HasPrefix(key, pendingEpochPrefix) && len(key) == len(pendingEpochPrefix)+common.HashLength:
			pendingEpochs.Add(size)
		case bytes.HasPrefix(key, configPrefix) && len(key) == (len(configPrefix)+common.HashLength):
			metadata.Add(size)
		default:
			var accounted bool
			for _, meta := range [][]byte{databaseVersionKey, headBlockKey, bestAncientKey, lowestAncientKey} {
				if bytes.Equal(key, meta) {
					metadata.Add(size)
					accounted = true
					break
				}
			}
			if !accounted {
				unaccounted.Add(size)
			}
		}
		if count%1000 == 0 && time.Since(logged) > 8*time.Second {
			log.Info("Inspecting database", "count", count, "elapsed", common.PrettyDuration(time.Since(start)))
			logged = time.Now()
		}
	}
	if err := it.Error(); err != nil {
		return err
	}
	stats := [][]string{
		{"Chain", "Headers", headers.Size(), headers.Count()},
		{"Chain", "Bodies", bodies.Size(), bodies.Count()},
		{"Chain", "Receipt lists", receipts.Size(), receipts.Count()},
		{"Chain", "Difficulties", tds.Size(), tds.Count()},
		{"Chain", "Block number->hash", numHashPairings.Size(), numHashPairings.Count()},
		{"Chain", "Block hash->number", hashNumPairings.Size(), hashNumPairings.Count()},
		{"Chain", "Era candidates", candidates.Size(), candidates.Count()},
		{"Chain", "Epoch transitions", transitions.Size(), transitions.Count()},
		{"Chain", "Pending transitions", pendingEpochs.Size(), pendingEpochs.Count()},
		{"Chain", "Singleton metadata", metadata.Size(), metadata.Count()},
		{"State", "Trie nodes", trieNodes.Size(), trieNodes.Count()},
		{"State", "Journal records", journalRecords.Size(), journalRecords.Count()},
	}
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Namespace", "Category", "Size", "Items"})
	table.SetFooter([]string{"", "Total", total.String(), " "})
	table.AppendBulk(stats)
	table.Render()

	if unaccounted.size > 0 {
		log.Error("Database contains unaccounted data", "size", unaccounted.size, "count", unaccounted.count)
	}
	return nil
}

// ReadChainMetadata returns a set of key/value pairs that contains information
// about the database chain status. This can be used for diagnostic purposes
// when investigating the state of the node.
func ReadChainMetadata(db ethdb.KeyValueStore) [][]string {
	pp := func(val *uint64) string {
		if val == nil {
			return "<nil>"
		}
		return fmt.Sprintf("%d (%#x)", *val, *val)
	}
	ref := func(r *BlockRef) string {
		if r == nil {
			return "<nil>"
		}
		return fmt.Sprintf("#%d [%x]", r.Number, r.Hash)
	}
	return [][]string{
		{"databaseVersion", pp(ReadDatabaseVersion(db))},
		{"headBlockHash", fmt.Sprintf("%v", ReadHeadBlockHash(db))},
		{"bestAncient", ref(ReadBestAncient(db))},
		{"lowestAncient", ref(ReadLowestAncient(db))},
	}
}
