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

package kvdb

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var flushTimer = metrics.NewRegisteredTimer("kvdb/flush", nil)

// ManagerConfig contains the settings of the background flusher.
type ManagerConfig struct {
	FlushInterval time.Duration // Period between two background flushes
	Workers       int           // Maximum number of databases flushed at once
	DispatchRate  rate.Limit    // Flush tasks dispatched per second, 0 for unlimited
}

// DefaultManagerConfig is the default flusher setting.
var DefaultManagerConfig = ManagerConfig{
	FlushInterval: 5 * time.Second,
	Workers:       4,
	DispatchRate:  20,
}

// Manager owns a set of named databases and flushes their write buffers
// periodically. All flushes run on one goroutine so they never overlap.
//
// Manager 持有一组命名的数据库并定期刷新它们的写缓冲。所有刷新都在同一个 goroutine 上运行，因此不会重叠。
type Manager struct {
	config  ManagerConfig
	limiter *rate.Limiter

	lock   sync.Mutex
	dbs    map[string]*Database
	closed bool

	flushCh chan chan error
	quit    chan chan error
	term    chan struct{} // closed when the flush loop exits
}

// NewManager creates a manager and starts its flush loop.
func NewManager(config ManagerConfig) *Manager {
	if config.FlushInterval <= 0 {
		config.FlushInterval = DefaultManagerConfig.FlushInterval
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}
	limit, burst := config.DispatchRate, 1
	if limit <= 0 {
		limit = rate.Inf
	}
	m := &Manager{
		config:  config,
		limiter: rate.NewLimiter(limit, burst),
		dbs:     make(map[string]*Database),
		flushCh: make(chan chan error),
		quit:    make(chan chan error),
		term:    make(chan struct{}),
	}
	go m.loop()
	return m
}

// Open opens the database at path and registers it under key. If key is
// already registered, the registered database is returned.
func (m *Manager) Open(key, path string, config Config) (*Database, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}
	if db, ok := m.dbs[key]; ok {
		return db, nil
	}
	if config.Namespace == "" {
		config.Namespace = fmt.Sprintf("ethimport/db/%s/", key)
	}
	store, err := openBackend(path, config)
	if err != nil {
		return nil, err
	}
	db := NewDatabase(store)
	m.dbs[key] = db
	log.Debug("Registered database", "key", key, "path", path, "backend", config.Backend)
	return db, nil
}

// Get returns the database registered under key.
func (m *Manager) Get(key string) (*Database, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()

	db, ok := m.dbs[key]
	return db, ok
}

// Flush asks the flush loop for an immediate flush and waits for it.
func (m *Manager) Flush() error {
	errc := make(chan error, 1)
	select {
	case m.flushCh <- errc:
		return <-errc
	case <-m.term:
		return ErrManagerClosed
	}
}

// Close stops the flush loop after one last flush, then closes every
// database. Closing twice returns ErrManagerClosed.
func (m *Manager) Close() error {
	m.lock.Lock()
	if m.closed {
		m.lock.Unlock()
		return ErrManagerClosed
	}
	m.closed = true
	m.lock.Unlock()

	errc := make(chan error)
	m.quit <- errc
	errs := []error{<-errc}

	m.lock.Lock()
	defer m.lock.Unlock()
	for key, db := range m.dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", key, err))
		}
	}
	m.dbs = nil
	return errors.Join(errs...)
}

// loop is the single owner of the flush pool.
func (m *Manager) loop() {
	ticker := time.NewTicker(m.config.FlushInterval)
	defer ticker.Stop()
	defer close(m.term)

	for {
		select {
		case <-ticker.C:
			if err := m.flush(); err != nil {
				log.Warn("Periodic database flush failed", "err", err)
			}
		case errc := <-m.flushCh:
			errc <- m.flush()
		case errc := <-m.quit:
			errc <- m.flush()
			return
		}
	}
}

// flush snapshots the registered set and flushes each database on a bounded
// pool, pacing the dispatch through the limiter.
func (m *Manager) flush() error {
	m.lock.Lock()
	keys := make([]string, 0, len(m.dbs))
	for key := range m.dbs {
		keys = append(keys, key)
	}
	dbs := make([]*Database, len(keys))
	sort.Strings(keys)
	for i, key := range keys {
		dbs[i] = m.dbs[key]
	}
	m.lock.Unlock()

	start := time.Now()
	var g errgroup.Group
	g.SetLimit(m.config.Workers)
	for i, db := range dbs {
		if err := m.limiter.Wait(context.Background()); err != nil {
			return err
		}
		key, db := keys[i], db
		g.Go(func() error {
			if err := db.Flush(); err != nil {
				return fmt.Errorf("flushing %s: %w", key, err)
			}
			return nil
		})
	}
	err := g.Wait()
	flushTimer.UpdateSince(start)
	return err
}
