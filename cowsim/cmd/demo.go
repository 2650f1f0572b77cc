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

// DemoCmd implements subcommands.Command for the "demo" command.
type DemoCmd struct{}

// Name implements subcommands.Command.Name.
func (*DemoCmd) Name() string {
	return "demo"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*DemoCmd) Synopsis() string {
	return "fork a process and show copy-on-write isolation of one page"
}

// Usage implements subcommands.Command.Usage.
func (*DemoCmd) Usage() string {
	return "demo\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (*DemoCmd) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*DemoCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	r, err := Demo(ctx, conf, os.Stdout)
	if err != nil {
		return util.Errorf("demo: %v", err)
	}
	if err := r.Check(); err != nil {
		return util.Errorf("demo: %v", err)
	}
	util.Infof("parent %v and child %v are isolated: %d fault on the child's write", r.Parent, r.Child, r.ChildWriteFaults)
	return subcommands.ExitSuccess
}
