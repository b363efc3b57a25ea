// Copyright 2014 The go-ethereum Authors
// This file is part of go-ethereum.
//
// go-ethereum is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// go-ethereum is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with go-ethereum. If not, see <http://www.gnu.org/licenses/>.

package utils

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/sunyihoo/ethimport/core"
	"github.com/sunyihoo/ethimport/core/verification"
)

const (
	importBatchSize = 2500
)

// ImportChain feeds the RLP encoded blocks of fn into the import client,
// waiting for the verification queue whenever it is full. Files ending in
// .gz are decompressed on the fly. An interrupt stops the import after the
// current batch.
// ImportChain 将 fn 中 RLP 编码的区块送入导入客户端，验证队列满时等待。
func ImportChain(client *core.Client, fn string) error {
	// Watch for Ctrl-C while the import is running.
	// If a signal is received, the import will stop at the next batch.
	interrupt := make(chan os.Signal, 1)
	stop := make(chan struct{})
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(interrupt)
	defer close(interrupt)
	go func() {
		if _, ok := <-interrupt; ok {
			log.Info("Interrupted during import, stopping at next batch")
		}
		close(stop)
	}()
	checkInterrupt := func() bool {
		select {
		case <-stop:
			return true
		default:
			return false
		}
	}

	log.Info("Importing blockchain", "file", fn)

	fh, err := os.Open(fn)
	if err != nil {
		return err
	}
	defer fh.Close()

	var reader io.Reader = fh
	if strings.HasSuffix(fn, ".gz") {
		if reader, err = gzip.NewReader(reader); err != nil {
			return err
		}
	}
	stream := rlp.NewStream(reader, 0)

	var (
		queued, known int
		start         = time.Now()
		logged        = time.Now()
	)
	for batch := 0; ; batch++ {
		if checkInterrupt() {
			return errors.New("interrupted")
		}
		i := 0
		for ; i < importBatchSize; i++ {
			var b types.Block
			if err := stream.Decode(&b); err == io.EOF {
				break
			} else if err != nil {
				return fmt.Errorf("at block %d: %v", queued+known, err)
			}
			// Don't import the genesis block.
			if b.NumberU64() == 0 {
				continue
			}
			for client.Queue().QueueInfo().IsFull() {
				if err := client.Flush(); err != nil {
					return fmt.Errorf("at block %d: %w", b.NumberU64(), err)
				}
			}
			switch _, err := client.InsertBlock(&b); {
			case errors.Is(err, core.ErrKnownBlock), errors.Is(err, verification.ErrAlreadyQueued):
				known++
			case err != nil:
				return fmt.Errorf("invalid block %d: %v", b.NumberU64(), err)
			default:
				queued++
			}
			if time.Since(logged) > 8*time.Second {
				info := client.Queue().QueueInfo()
				log.Info("Importing blocks", "queued", queued, "known", known, "verifying", info.Unverified+info.Verifying,
					"verified", info.Verified, "elapsed", common.PrettyDuration(time.Since(start)))
				logged = time.Now()
			}
		}
		if i == 0 {
			break
		}
	}
	if err := client.Flush(); err != nil {
		return err
	}
	head := client.Chain().CurrentHeader()
	log.Info("Import done", "queued", queued, "known", known, "head", head.Number, "hash", head.Hash(),
		"elapsed", common.PrettyDuration(time.Since(start)))
	return nil
}

// ExportChain writes the canonical blocks [first, last] of the client into
// fn as an RLP stream, gzip compressed if fn ends in .gz.
func ExportChain(client *core.Client, fn string, first, last uint64) error {
	log.Info("Exporting blockchain", "file", fn, "first", first, "last", last)

	fh, err := os.OpenFile(fn, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.ModePerm)
	if err != nil {
		return err
	}
	defer fh.Close()

	var writer io.Writer = fh
	if strings.HasSuffix(fn, ".gz") {
		gz := gzip.NewWriter(writer)
		defer gz.Close()
		writer = gz
	}
	chain := client.Chain()
	for nr := first; nr <= last; nr++ {
		hash, ok := chain.BlockHash(nr)
		if !ok {
			return fmt.Errorf("export failed on #%d: not found", nr)
		}
		block := chain.GetBlock(hash, nr)
		if block == nil {
			return fmt.Errorf("export failed on #%d: body missing", nr)
		}
		if err := block.EncodeRLP(writer); err != nil {
			return err
		}
	}
	log.Info("Exported blockchain", "file", fn)
	return nil
}
