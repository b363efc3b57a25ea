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

package consensus

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// EngineClient is the view of the client engines and validator sets may
// consult on demand.
type EngineClient interface {
	// HeaderByHash retrieves a known header.
	HeaderByHash(hash common.Hash) *types.Header

	// EpochTransition returns the most recent epoch transition recorded at or
	// before the given block on its own branch.
	EpochTransition(hash common.Hash) (*EpochTransition, bool)
}

// ClientHandle is a non-owning reference to the client. The client may be
// torn down at any time, so every user has to check Get.
// ClientHandle 是对客户端的非拥有引用。客户端随时可能被关闭，因此每个使用方都必须检查 Get 的结果。
type ClientHandle struct {
	lock   sync.RWMutex
	client EngineClient
}

// NewClientHandle creates a handle pointing at client.
func NewClientHandle(client EngineClient) *ClientHandle {
	return &ClientHandle{client: client}
}

// Get returns the client if it is still alive.
func (h *ClientHandle) Get() (EngineClient, bool) {
	if h == nil {
		return nil, false
	}
	h.lock.RLock()
	defer h.lock.RUnlock()
	return h.client, h.client != nil
}

// Set points the handle at client.
func (h *ClientHandle) Set(client EngineClient) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.client = client
}

// Invalidate detaches the handle. Called by the client on shutdown.
func (h *ClientHandle) Invalidate() { h.Set(nil) }
