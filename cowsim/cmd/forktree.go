// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/cowfork/cowsim/cmd/util"
	"gvisor.dev/cowfork/cowsim/config"
)

// ForkTreeCmd implements subcommands.Command for the "forktree" command.
type ForkTreeCmd struct {
	depth int
}

// Name implements subcommands.Command.Name.
func (*ForkTreeCmd) Name() string {
	return "forktree"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*ForkTreeCmd) Synopsis() string {
	return "fork a binary tree of processes"
}

// Usage implements subcommands.Command.Usage.
func (*ForkTreeCmd) Usage() string {
	return "forktree [-depth N]\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *ForkTreeCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.depth, "depth", 3, "depth of the tree; the tree has 2^(depth+1)-1 processes.")
}

// Execute implements subcommands.Command.Execute.
func (c *ForkTreeCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	ran, err := ForkTree(ctx, conf, c.depth, os.Stdout)
	if err != nil {
		return util.Errorf("forktree: %v", err)
	}
	util.Infof("%d environments ran", ran)
	return subcommands.ExitSuccess
}
