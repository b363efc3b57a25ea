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
	"encoding/binary"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sunyihoo/ethimport/core"
)

// testWatcherChain maps hashes onto the block number held in their first
// bytes.
type testWatcherChain struct {
	feed    event.Feed
	syncing bool
}

func (c *testWatcherChain) SubscribeNewBlocks(ch chan<- core.NewBlocks) event.Subscription {
	return c.feed.Subscribe(ch)
}

func (c *testWatcherChain) IsMajorSyncing() bool { return c.syncing }

func (c *testWatcherChain) BlockNumber(hash common.Hash) (uint64, bool) {
	return new(big.Int).SetBytes(hash[:8]).Uint64(), true
}

func numberHash(n uint64) common.Hash {
	var hash common.Hash
	binary.BigEndian.PutUint64(hash[:8], n)
	hash[31] = 0xff
	return hash
}

func importedEvent(numbers ...uint64) core.NewBlocks {
	ev := core.NewBlocks{}
	for _, n := range numbers {
		ev.Imported = append(ev.Imported, numberHash(n))
	}
	return ev
}

// recordingBroadcaster collects the requested snapshot numbers.
type recordingBroadcaster struct {
	requests []uint64
}

func (b *recordingBroadcaster) TakeSnapshotAt(number uint64) {
	b.requests = append(b.requests, number)
}

func TestWatcherRequests(t *testing.T) {
	tests := []struct {
		name     string
		numbers  []uint64
		syncing  bool
		expected []uint64
	}{
		{"period boundary", []uint64{5099, 5100, 5101}, false, []uint64{5000}},
		{"no boundary", []uint64{5098, 5099, 5101}, false, nil},
		{"highest boundary", []uint64{5100, 10100}, false, []uint64{10000}},
		{"within history", []uint64{50, 100}, false, nil},
		{"major syncing", []uint64{5100}, true, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var (
				chain       = &testWatcherChain{syncing: tt.syncing}
				broadcaster = new(recordingBroadcaster)
				watcher     = NewWatcher(chain, broadcaster, 5000, 100)
			)
			watcher.NewBlocks(importedEvent(tt.numbers...))
			assert.Equal(t, tt.expected, broadcaster.requests)
		})
	}
}

func TestWatcherLoop(t *testing.T) {
	var (
		chain    = new(testWatcherChain)
		requests = make(chan uint64, 1)
		watcher  = NewWatcher(chain, BroadcasterFunc(func(n uint64) { requests <- n }), 10, 2)
	)
	watcher.Start()
	defer watcher.Stop()

	// The subscription is registered synchronously by Start.
	chain.feed.Send(importedEvent(11, 12, 13))
	select {
	case n := <-requests:
		require.Equal(t, uint64(10), n)
	case <-time.After(time.Second):
		t.Fatal("no snapshot requested")
	}
}

func TestWatcherStopTwice(t *testing.T) {
	watcher := NewWatcher(new(testWatcherChain), new(recordingBroadcaster), 10, 2)
	watcher.Start()

	watcher.Stop()
	require.NotPanics(t, watcher.Stop)

	// A watcher that never started stops too.
	require.NotPanics(t, NewWatcher(new(testWatcherChain), new(recordingBroadcaster), 10, 2).Stop)
}
