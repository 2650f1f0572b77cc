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

	"github.com/google/subcommands"
	"gvisor.dev/cowfork/cowsim/cmd/util"
	"gvisor.dev/cowfork/cowsim/config"
)

// StressCmd implements subcommands.Command for the "stress" command.
type StressCmd struct {
	machines int
	depth    int
}

// Name implements subcommands.Command.Name.
func (*StressCmd) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*StressCmd) Synopsis() string {
	return "run fork trees on many machines in parallel"
}

// Usage implements subcommands.Command.Usage.
func (*StressCmd) Usage() string {
	return "stress [-machines N] [-depth D]\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *StressCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.machines, "machines", 8, "number of machines.")
	f.IntVar(&c.depth, "depth", 4, "depth of each machine's fork tree.")
}

// Execute implements subcommands.Command.Execute.
func (c *StressCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || c.machines < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	ran, err := Stress(ctx, conf, c.machines, c.depth)
	if err != nil {
		return util.Errorf("stress: %v", err)
	}
	util.Infof("%d environments ran on %d machines", ran, c.machines)
	return subcommands.ExitSuccess
}
