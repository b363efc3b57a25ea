// Copyright 2021 The go-ethereum Authors
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

// Package shutdowncheck records import sessions in the chain database so that
// a session which ended without releasing its datadir is reported on the next
// start.
package shutdowncheck

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/log"
)

// DefaultRefresh is how often a running session bumps its marker.
const DefaultRefresh = 5 * time.Minute

// Tracker keeps a session marker alive while the data directory is open. It
// has to be marked after the databases opened and stopped right before they
// are closed.
// Tracker 在数据目录打开期间维持会话标记。需在数据库打开后标记，并在关闭前停止。
type Tracker struct {
	db      ethdb.KeyValueStore
	refresh time.Duration

	startOnce sync.Once
	stopOnce  sync.Once
	quit      chan struct{}
	done      chan struct{}
}

// New creates a tracker on db. A zero refresh uses DefaultRefresh.
func New(db ethdb.KeyValueStore, refresh time.Duration) *Tracker {
	if refresh <= 0 {
		refresh = DefaultRefresh
	}
	return &Tracker{
		db:      db,
		refresh: refresh,
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// MarkStartup pushes the marker of this session and returns the start times
// of earlier sessions that never stopped.
func (t *Tracker) MarkStartup() ([]time.Time, error) {
	unclean, discarded, err := rawdb.PushUncleanShutdownMarker(t.db)
	if err != nil {
		log.Error("Could not update unclean-shutdown-marker list", "error", err)
		return nil, err
	}
	if discarded > 0 {
		log.Warn("Old unclean shutdowns found", "count", discarded)
	}
	booted := make([]time.Time, 0, len(unclean))
	for _, stamp := range unclean {
		at := time.Unix(int64(stamp), 0)
		log.Warn("Import session ended uncleanly, last blocks may be re-queued", "booted", at, "age", common.PrettyAge(at))
		booted = append(booted, at)
	}
	return booted, nil
}

// Start refreshes the session marker until Stop is called.
func (t *Tracker) Start() {
	t.startOnce.Do(func() {
		go t.loop()
	})
}

func (t *Tracker) loop() {
	defer close(t.done)

	ticker := time.NewTicker(t.refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rawdb.UpdateUncleanShutdownMarker(t.db)
		case <-t.quit:
			return
		}
	}
}

// Stop ends the refresh loop and clears the marker of this session. Calling
// it more than once is a no-op.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() {
		close(t.quit)
		started := true
		t.startOnce.Do(func() { started = false })
		if started {
			<-t.done
		}
		rawdb.PopUncleanShutdownMarker(t.db)
	})
}
