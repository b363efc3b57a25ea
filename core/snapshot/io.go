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
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/common"
)

// manifestFile is the name of the manifest within a loose snapshot.
const manifestFile = "MANIFEST"

// Writer receives the chunks of a snapshot being taken.
type Writer interface {
	WriteStateChunk(hash common.Hash, chunk []byte) error
	WriteBlockChunk(hash common.Hash, chunk []byte) error
	Finish(manifest *Manifest) error
}

// Reader gives access to the chunks of a stored snapshot.
type Reader interface {
	Manifest() *Manifest
	Chunk(hash common.Hash) ([]byte, error)
}

// LooseWriter writes every chunk into its own file named by the chunk hash.
type LooseWriter struct {
	dir string
}

// NewLooseWriter creates dir and a writer into it.
func NewLooseWriter(dir string) (*LooseWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &LooseWriter{dir: dir}, nil
}

func (w *LooseWriter) write(hash common.Hash, chunk []byte) error {
	return os.WriteFile(filepath.Join(w.dir, fmt.Sprintf("%x", hash)), chunk, 0o644)
}

// WriteStateChunk implements Writer.
func (w *LooseWriter) WriteStateChunk(hash common.Hash, chunk []byte) error {
	return w.write(hash, chunk)
}

// WriteBlockChunk implements Writer.
func (w *LooseWriter) WriteBlockChunk(hash common.Hash, chunk []byte) error {
	return w.write(hash, chunk)
}

// Finish implements Writer.
func (w *LooseWriter) Finish(manifest *Manifest) error {
	enc, err := EncodeManifest(manifest)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(w.dir, manifestFile), enc, 0o644)
}

// LooseReader reads a snapshot written by a LooseWriter.
type LooseReader struct {
	dir      string
	manifest *Manifest
}

// NewLooseReader opens the snapshot in dir.
func NewLooseReader(dir string) (*LooseReader, error) {
	enc, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return nil, err
	}
	manifest, err := DecodeManifest(enc)
	if err != nil {
		return nil, err
	}
	return &LooseReader{dir: dir, manifest: manifest}, nil
}

// Manifest implements Reader.
func (r *LooseReader) Manifest() *Manifest { return r.manifest }

// Chunk implements Reader.
func (r *LooseReader) Chunk(hash common.Hash) ([]byte, error) {
	return os.ReadFile(filepath.Join(r.dir, fmt.Sprintf("%x", hash)))
}
