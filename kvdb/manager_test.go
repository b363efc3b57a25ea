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
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerOpen(t *testing.T) {
	m := NewManager(DefaultManagerConfig)
	defer m.Close()

	db, err := m.Open("chain", "", Config{Backend: BackendMemory})
	require.NoError(t, err)
	again, err := m.Open("chain", "", Config{Backend: BackendMemory})
	require.NoError(t, err)
	assert.Same(t, db, again, "duplicate key returns the registered database")

	got, ok := m.Get("chain")
	assert.True(t, ok)
	assert.Same(t, db, got)

	_, err = m.Open("bad", "", Config{Backend: "rocksdb"})
	assert.ErrorIs(t, err, ErrUnknownBackend)
}

func TestManagerFlush(t *testing.T) {
	m := NewManager(ManagerConfig{FlushInterval: time.Hour, Workers: 2})
	defer m.Close()

	var dbs []*Database
	for _, key := range []string{"a", "b", "c"} {
		db, err := m.Open(key, "", Config{Backend: BackendMemory})
		require.NoError(t, err)
		bufferedBatch(t, db, func(b ethdb.Batch) { b.Put([]byte(key), []byte(key)) })
		dbs = append(dbs, db)
	}
	require.NoError(t, m.Flush())
	for _, db := range dbs {
		entries, _ := db.Buffered()
		assert.Zero(t, entries)
	}
}

func TestManagerPeriodicFlush(t *testing.T) {
	m := NewManager(ManagerConfig{FlushInterval: 10 * time.Millisecond, Workers: 1})
	defer m.Close()

	db, err := m.Open("chain", "", Config{Backend: BackendMemory})
	require.NoError(t, err)
	bufferedBatch(t, db, func(b ethdb.Batch) { b.Put([]byte("k"), []byte("v")) })

	require.Eventually(t, func() bool {
		ok, _ := db.KeyValueStore.Has([]byte("k"))
		return ok
	}, 5*time.Second, 5*time.Millisecond)
}

func TestManagerClose(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(ManagerConfig{FlushInterval: time.Hour, Workers: 1})

	for _, backend := range []string{BackendLevelDB, BackendPebble} {
		db, err := m.Open(backend, filepath.Join(dir, backend), Config{Backend: backend})
		require.NoError(t, err)
		bufferedBatch(t, db, func(b ethdb.Batch) { b.Put([]byte("k"), []byte(backend)) })
	}
	require.NoError(t, m.Close(), "close flushes and closes")
	assert.ErrorIs(t, m.Close(), ErrManagerClosed)
	assert.ErrorIs(t, m.Flush(), ErrManagerClosed)

	// The final flush reached disk, and the stored type is detected on reopen.
	m = NewManager(DefaultManagerConfig)
	defer m.Close()
	for _, backend := range []string{BackendLevelDB, BackendPebble} {
		path := filepath.Join(dir, backend)
		assert.Equal(t, backend, preexistingBackend(path))

		db, err := m.Open(backend, path, Config{})
		require.NoError(t, err)
		value, err := db.Get([]byte("k"))
		require.NoError(t, err)
		assert.Equal(t, []byte(backend), value)
	}
	_, err := m.Open("mismatch", filepath.Join(dir, BackendPebble), Config{Backend: BackendLevelDB})
	assert.Error(t, err)
}

func TestOpenBackends(t *testing.T) {
	for _, backend := range []string{BackendLevelDB, BackendPebble} {
		t.Run(backend, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "db")

			db, err := Open(path, Config{Backend: backend})
			require.NoError(t, err)
			require.NoError(t, db.Put([]byte("a"), []byte("1")))
			batch := db.NewBatch()
			require.NoError(t, batch.Put([]byte("b"), []byte("2")))
			require.NoError(t, batch.Delete([]byte("a")))
			require.NoError(t, db.WriteBuffered(batch))
			require.NoError(t, db.Close())

			// The backend is detected from disk when none is configured.
			require.Equal(t, backend, preexistingBackend(path))
			db, err = Open(path, Config{})
			require.NoError(t, err)
			defer db.Close()

			has, err := db.Has([]byte("a"))
			require.NoError(t, err)
			assert.False(t, has, "buffered delete reached disk")

			it := db.NewIterator(nil, nil)
			defer it.Release()
			var keys []string
			for it.Next() {
				keys = append(keys, string(it.Key()))
				assert.Equal(t, []byte("2"), it.Value())
			}
			require.NoError(t, it.Error())
			assert.Equal(t, []string{"b"}, keys)
		})
	}
}

func TestOpenDefaultsToPebble(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	db, err := Open(path, Config{})
	require.NoError(t, err)
	require.NoError(t, db.Put([]byte("k"), []byte("v")))
	require.NoError(t, db.Close())

	assert.Equal(t, BackendPebble, preexistingBackend(path))

	_, err = Open(path, Config{Backend: BackendLevelDB})
	assert.Error(t, err, "leveldb over a pebble store")
}
