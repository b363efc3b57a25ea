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

// ethimport imports, indexes and snapshots Ethereum chains.
package main

import (
	"fmt"
	"os"

	"github.com/sunyihoo/ethimport/cmd/utils"
	"github.com/sunyihoo/ethimport/internal/debug"
	"github.com/sunyihoo/ethimport/internal/flags"
	"github.com/urfave/cli/v2"
)

const (
	clientIdentifier = "ethimport" // Client identifier used in logs and directory names
)

var app = flags.NewApp("the staged block import pipeline")

func init() {
	app.Name = clientIdentifier
	app.Action = cli.ShowAppHelp
	app.HideVersion = true // we have a command to print the version
	app.Commands = []*cli.Command{
		// See chaincmd.go:
		importCommand,
		exportCommand,
		dumpCommand,
		bloomsCommand,
		// See snapshotcmd.go:
		snapshotCommand,
		restoreCommand,
		// See dbcmd.go:
		inspectCommand,
		// See config.go:
		dumpConfigCommand,
		// See misccmd.go:
		versionCommand,
	}
	app.Flags = flags.Merge(
		configFlags,
		utils.ChainFlags,
		utils.DatabaseFlags,
		utils.ImportFlags,
		utils.MetricsFlags,
		debug.Flags,
	)

	app.Before = func(ctx *cli.Context) error {
		flags.CheckEnvVars(ctx, app.Flags, "ETHIMPORT")
		if err := debug.Setup(ctx); err != nil {
			return err
		}
		cfg := loadBaseConfig(ctx)
		utils.SetupMetrics(&cfg.Metrics)
		return nil
	}
	app.After = func(ctx *cli.Context) error {
		debug.Exit()
		return nil
	}
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
