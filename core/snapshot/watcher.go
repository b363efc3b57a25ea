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
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/sunyihoo/ethimport/core"
)

// Broadcaster receives snapshot requests. Requests are fire and forget.
type Broadcaster interface {
	TakeSnapshotAt(number uint64)
}

// BroadcasterFunc adapts a function to a Broadcaster.
type BroadcasterFunc func(number uint64)

// TakeSnapshotAt implements Broadcaster.
func (f BroadcasterFunc) TakeSnapshotAt(number uint64) { f(number) }

// WatcherChain is the chain a watcher follows.
type WatcherChain interface {
	SubscribeNewBlocks(ch chan<- core.NewBlocks) event.Subscription
	IsMajorSyncing() bool
	BlockNumber(hash common.Hash) (uint64, bool)
}

// Watcher requests a snapshot every period blocks, history blocks behind the
// imported head.
// Watcher 每隔 period 个区块请求一次快照，快照点落后于导入头 history 个区块。
type Watcher struct {
	chain       WatcherChain
	broadcaster Broadcaster
	period      uint64
	history     uint64

	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWatcher creates a watcher. It only reacts to notifications once
// started.
func NewWatcher(chain WatcherChain, broadcaster Broadcaster, period, history uint64) *Watcher {
	return &Watcher{
		chain:       chain,
		broadcaster: broadcaster,
		period:      period,
		history:     history,
		quit:        make(chan struct{}),
	}
}

// NewBlocks handles one import notification.
func (w *Watcher) NewBlocks(ev core.NewBlocks) {
	if w.chain.IsMajorSyncing() {
		return
	}
	var (
		highest uint64
		found   bool
	)
	for _, hash := range ev.Imported {
		number, ok := w.chain.BlockNumber(hash)
		if !ok || number <= w.history {
			continue
		}
		target := number - w.history
		if w.period == 0 || target%w.period != 0 {
			continue
		}
		if !found || target > highest {
			highest, found = target, true
		}
	}
	if found {
		log.Debug("Requesting snapshot", "number", highest)
		w.broadcaster.TakeSnapshotAt(highest)
	}
}

// Start subscribes to the chain and handles its notifications until Stop.
func (w *Watcher) Start() {
	ch := make(chan core.NewBlocks, 16)
	sub := w.chain.SubscribeNewBlocks(ch)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer sub.Unsubscribe()
		for {
			select {
			case ev := <-ch:
				w.NewBlocks(ev)
			case err := <-sub.Err():
				if err != nil {
					log.Warn("Snapshot watcher subscription failed", "err", err)
				}
				return
			case <-w.quit:
				return
			}
		}
	}()
}

// Stop terminates the watcher loop. It may be called more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.quit) })
	w.wg.Wait()
}
