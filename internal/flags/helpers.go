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

package flags

import (
	"fmt"
	"os"
	"strings"

	"github.com/sunyihoo/ethimport/internal/version"
	"github.com/urfave/cli/v2"
)

// NewApp creates an app with sane defaults.
// NewApp 创建一个带有默认设置的应用。
func NewApp(usage string) *cli.App {
	git, _ := version.VCS()
	app := cli.NewApp()
	app.EnableBashCompletion = true
	app.Version = version.WithCommit(git.Commit, git.Date)
	app.Usage = usage
	app.Copyright = "Copyright 2024 The go-ethereum Authors"
	app.Before = func(ctx *cli.Context) error {
		CheckEnvVars(ctx, app.Flags, "ETHIMPORT")
		return nil
	}
	return app
}

// Merge merges the given flag slices.
func Merge(groups ...[]cli.Flag) []cli.Flag {
	var ret []cli.Flag
	for _, group := range groups {
		ret = append(ret, group...)
	}
	return ret
}

// CheckEnvVars iterates over all the environment variables and checks for
// any that match the prefix but are not bound to a flag. Those are reported
// on stderr, since they most likely hold a typo.
func CheckEnvVars(ctx *cli.Context, flags []cli.Flag, prefix string) {
	if !strings.HasSuffix(prefix, "_") {
		prefix += "_"
	}
	known := make(map[string]string)
	for _, f := range flags {
		name := f.Names()[0]
		known[prefix+strings.ToUpper(strings.ReplaceAll(name, ".", "_"))] = name
	}
	for _, env := range os.Environ() {
		key, _, ok := strings.Cut(env, "=")
		if !ok || !strings.HasPrefix(key, prefix) {
			continue
		}
		name, ok := known[key]
		if !ok {
			fmt.Fprintf(os.Stderr, "Unknown environment variable %s\n", key)
			continue
		}
		if !ctx.IsSet(name) {
			if err := ctx.Set(name, os.Getenv(key)); err != nil {
				fmt.Fprintf(os.Stderr, "Invalid value of %s: %v\n", key, err)
			}
		}
	}
}
