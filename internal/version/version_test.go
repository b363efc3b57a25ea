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

package version

import (
	"runtime/debug"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithCommit(t *testing.T) {
	assert.Equal(t, WithMeta, WithCommit("", ""))
	assert.Equal(t, WithMeta+"-0123abcd-20240101", WithCommit("0123abcdef", "20240101"))
	assert.Equal(t, WithMeta+"-0123abcd", WithCommit("0123abcdef", ""))
}

func TestBuildInfoVCS(t *testing.T) {
	info := &debug.BuildInfo{Settings: []debug.BuildSetting{
		{Key: "vcs.revision", Value: "9b68875d68b409eb2efdb68a4b623aaacc10a5b6"},
		{Key: "vcs.time", Value: "2024-03-05T10:20:30Z"},
		{Key: "vcs.modified", Value: "true"},
	}}
	vcs, ok := buildInfoVCS(info)
	require.True(t, ok)
	assert.Equal(t, "20240305", vcs.Date)
	assert.True(t, vcs.Dirty)

	_, ok = buildInfoVCS(&debug.BuildInfo{})
	assert.False(t, ok)
}

func TestInfo(t *testing.T) {
	out := String()
	assert.True(t, strings.HasPrefix(out, "Version: "+WithMeta))
	assert.Contains(t, out, "Go Version: ")
}
