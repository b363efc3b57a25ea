// Copyright 2021 The go-ethereum Authors
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
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/log"
	"github.com/olekukonko/tablewriter"
	"github.com/sunyihoo/ethimport/cmd/utils"
	"github.com/sunyihoo/ethimport/core"
	"github.com/sunyihoo/ethimport/core/rawdb"
	"github.com/sunyihoo/ethimport/internal/flags"
	"github.com/urfave/cli/v2"
)

var inspectCommand = &cli.Command{
	Action:    inspect,
	Name:      "inspect",
	Usage:     "Inspect the storage size for each type of data in the database",
	ArgsUsage: " ",
	Flags: flags.Merge(configFlags, utils.ChainFlags, utils.DatabaseFlags, []cli.Flag{
		statsFlag,
	}),
	Description: `This commands iterates the entire database and prints the chain
metadata followed by the size and item count of every category of data.`,
}

var statsFlag = &cli.BoolFlag{
	Name:  "stats",
	Usage: "Also print the internal statistics of the backing database",
}

func inspect(ctx *cli.Context) error {
	node := makeNode(ctx)
	defer node.Close()

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Field", "Value"})
	table.AppendBulk(rawdb.ReadChainMetadata(core.ChainDatabase(node.db)))
	table.Render()

	if err := rawdb.InspectDatabase(node.db, os.Stdout); err != nil {
		return err
	}
	if ctx.Bool(statsFlag.Name) {
		showDBStats(node.db)
	}
	return nil
}

func showDBStats(db ethdb.KeyValueStater) {
	stats, err := db.Stat()
	if err != nil {
		log.Warn("Failed to read database stats", "error", err)
		return
	}
	fmt.Println(stats)
}
