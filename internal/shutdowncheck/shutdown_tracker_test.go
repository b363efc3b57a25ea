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

package shutdowncheck

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/stretchr/testify/require"
)

func TestUncleanSessionReported(t *testing.T) {
	db := memorydb.New()

	first := New(db, time.Hour)
	booted, err := first.MarkStartup()
	require.NoError(t, err)
	require.Empty(t, booted)
	first.Start()
	// The first session is abandoned without Stop.

	second := New(db, time.Hour)
	booted, err = second.MarkStartup()
	require.NoError(t, err)
	require.Len(t, booted, 1)
	second.Start()
	second.Stop()
	second.Stop()

	third := New(db, time.Hour)
	booted, err = third.MarkStartup()
	require.NoError(t, err)
	require.Len(t, booted, 1, "cleanly stopped session must not be reported")
	third.Stop()
}
