// Copyright 2015 The go-ethereum Authors
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

package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/sunyihoo/ethimport/cmd/utils"
	"github.com/sunyihoo/ethimport/internal/flags"
	"github.com/urfave/cli/v2"
)

var (
	importCommand = &cli.Command{
		Action:    importChain,
		Name:      "import",
		Usage:     "Import blocks from RLP encoded files",
		ArgsUsage: "<filename> (<filename 2> ... <filename N>) ",
		Flags:     flags.Merge(configFlags, utils.ChainFlags, utils.DatabaseFlags, utils.ImportFlags),
		Description: `
The import command queues the blocks of the given files for verification and
imports them into the chain. Files ending in .gz are decompressed. A failing
block stops the import of its file, the remaining files are still processed.`,
	}
	exportCommand = &cli.Command{
		Action:    exportChain,
		Name:      "export",
		Usage:     "Export canonical blocks into an RLP encoded file",
		ArgsUsage: "<filename> [<blockNumFirst> <blockNumLast>]",
		Flags:     flags.Merge(configFlags, utils.ChainFlags, utils.DatabaseFlags),
		Description: `
Requires a first argument of the file to write to. Optional second and third
arguments control the first and last block to write, the whole canonical
chain is written otherwise.`,
	}
	dumpCommand = &cli.Command{
		Action:    dump,
		Name:      "dump",
		Usage:     "Dump a block and the given accounts of its state",
		ArgsUsage: "[<blockHash> | <blockNum>]",
		Flags: flags.Merge(configFlags, utils.ChainFlags, utils.DatabaseFlags, []cli.Flag{
			accountsFlag,
		}),
		Description: `
Prints the header of the given block (the head block by default) and the
balance, nonce and code hash of every account listed with --accounts.`,
	}
	bloomsCommand = &cli.Command{
		Action:    searchBlooms,
		Name:      "blooms",
		Usage:     "Search the bloom index for blocks mentioning an address or topic",
		ArgsUsage: "<blockNumFirst> <blockNumLast>",
		Flags: flags.Merge(configFlags, utils.ChainFlags, utils.DatabaseFlags, []cli.Flag{
			bloomAddressFlag,
			bloomTopicFlag,
		}),
		Description: `
Lists the canonical blocks within the range whose log bloom may contain the
given addresses or topics. Requires a data directory imported with --blooms.`,
	}

	accountsFlag = &cli.StringFlag{
		Name:  "accounts",
		Usage: "Comma separated list of accounts to dump",
	}
	bloomAddressFlag = &cli.StringFlag{
		Name:  "address",
		Usage: "Comma separated list of log addresses",
	}
	bloomTopicFlag = &cli.StringFlag{
		Name:  "topic",
		Usage: "Comma separated list of log topics",
	}
)

func importChain(ctx *cli.Context) error {
	if ctx.Args().Len() < 1 {
		utils.Fatalf("This command requires an argument.")
	}
	node := makeNode(ctx)
	defer node.Close()

	if err := node.startClient(); err != nil {
		utils.Fatalf("Failed to start importer: %v", err)
	}
	if err := node.startWatcher(); err != nil {
		utils.Fatalf("Failed to start snapshot watcher: %v", err)
	}
	var (
		start     = time.Now()
		importErr error
	)
	for _, arg := range ctx.Args().Slice() {
		if err := utils.ImportChain(node.client, arg); err != nil {
			importErr = err
			log.Error("Import error", "file", arg, "err", err)
		}
	}
	fmt.Printf("Import done in %v.\n\n", time.Since(start))

	if info := node.client.Queue().QueueInfo(); !info.IsEmpty() {
		fmt.Printf("Queue: %d unverified, %d verifying, %d verified\n", info.Unverified, info.Verifying, info.Verified)
	}
	return importErr
}

func exportChain(ctx *cli.Context) error {
	if ctx.Args().Len() < 1 {
		utils.Fatalf("This command requires an argument.")
	}
	node := makeNode(ctx)
	defer node.Close()

	if err := node.startClient(); err != nil {
		utils.Fatalf("Failed to start importer: %v", err)
	}
	var (
		start = time.Now()
		first = uint64(0)
		last  = node.client.Chain().CurrentHeader().Number.Uint64()
	)
	if ctx.Args().Len() >= 3 {
		var err error
		if first, err = strconv.ParseUint(ctx.Args().Get(1), 10, 64); err != nil {
			return fmt.Errorf("invalid first block: %v", err)
		}
		if last, err = strconv.ParseUint(ctx.Args().Get(2), 10, 64); err != nil {
			return fmt.Errorf("invalid last block: %v", err)
		}
	}
	if first > last {
		return fmt.Errorf("export error: block number %d larger than %d", first, last)
	}
	if err := utils.ExportChain(node.client, ctx.Args().First(), first, last); err != nil {
		utils.Fatalf("Export error: %v\n", err)
	}
	fmt.Printf("Export done in %v\n", time.Since(start))
	return nil
}

func dump(ctx *cli.Context) error {
	node := makeNode(ctx)
	defer node.Close()

	if err := node.startClient(); err != nil {
		utils.Fatalf("Failed to start importer: %v", err)
	}
	chain := node.client.Chain()
	header := chain.CurrentHeader()
	if arg := ctx.Args().First(); arg != "" {
		if strings.HasPrefix(arg, "0x") {
			header = chain.GetHeaderByHash(common.HexToHash(arg))
		} else {
			number, err := strconv.ParseUint(arg, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid block %q: %v", arg, err)
			}
			header = chain.GetHeaderByNumber(number)
		}
	}
	if header == nil {
		return errors.New("block not found")
	}
	fmt.Printf("Block #%d [%x]\n", header.Number, header.Hash())
	fmt.Printf("  parent:     %x\n", header.ParentHash)
	fmt.Printf("  state root: %x\n", header.Root)
	fmt.Printf("  difficulty: %v (td %v)\n", header.Difficulty, chain.GetTd(header.Hash(), header.Number.Uint64()))
	fmt.Printf("  gas:        %d / %d\n", header.GasUsed, header.GasLimit)
	fmt.Printf("  time:       %v\n", time.Unix(int64(header.Time), 0).UTC())

	addrs, err := utils.ParseAddresses(ctx.String(accountsFlag.Name))
	if err != nil {
		return err
	}
	if len(addrs) == 0 {
		return nil
	}
	statedb, err := node.client.StateAt(header.Root)
	if err != nil {
		return fmt.Errorf("state of block #%d unavailable: %v", header.Number, err)
	}
	for _, addr := range addrs {
		fmt.Printf("%v: balance %v nonce %d code %x\n", addr, statedb.GetBalance(addr), statedb.GetNonce(addr), statedb.GetCodeHash(addr))
	}
	return nil
}

func searchBlooms(ctx *cli.Context) error {
	if ctx.Args().Len() != 2 {
		utils.Fatalf("This command requires two arguments.")
	}
	from, err := strconv.ParseUint(ctx.Args().Get(0), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid first block: %v", err)
	}
	to, err := strconv.ParseUint(ctx.Args().Get(1), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid last block: %v", err)
	}
	var bloom types.Bloom
	addrs, err := utils.ParseAddresses(ctx.String(bloomAddressFlag.Name))
	if err != nil {
		return err
	}
	for _, addr := range addrs {
		bloom.Add(addr.Bytes())
	}
	for _, topic := range utils.SplitAndTrim(ctx.String(bloomTopicFlag.Name)) {
		bloom.Add(common.HexToHash(topic).Bytes())
	}
	if bloom == (types.Bloom{}) {
		utils.Fatalf("Use --%s or --%s to select logs.", bloomAddressFlag.Name, bloomTopicFlag.Name)
	}
	node := makeNode(ctx)
	defer node.Close()

	node.config.Chain.Blooms = true
	if err := node.startClient(); err != nil {
		utils.Fatalf("Failed to start importer: %v", err)
	}
	numbers, err := node.client.BlocksWithBloom(bloom, from, to)
	if err != nil {
		return err
	}
	for _, number := range numbers {
		fmt.Println(number)
	}
	log.Info("Searched bloom index", "from", from, "to", to, "matches", len(numbers))
	return nil
}
