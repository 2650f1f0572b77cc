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
	"bytes"
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/cowfork/cowsim/cmd/util"
	"gvisor.dev/cowfork/cowsim/config"
)

// NetOutCmd implements subcommands.Command for the "netout" command.
type NetOutCmd struct {
	packets int
	size    int
}

// Name implements subcommands.Command.Name.
func (*NetOutCmd) Name() string {
	return "netout"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*NetOutCmd) Synopsis() string {
	return "send packets through the network output environment"
}

// Usage implements subcommands.Command.Usage.
func (*NetOutCmd) Usage() string {
	return "netout [-packets N] [-size S]\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *NetOutCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.packets, "packets", 16, "number of packets.")
	f.IntVar(&c.size, "size", 64, "bytes per packet.")
}

// Execute implements subcommands.Command.Execute.
func (c *NetOutCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || c.packets < 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	sent, wire, err := NetOutput(ctx, conf, c.packets, c.size, os.Stdout)
	if err != nil {
		return util.Errorf("netout: %v", err)
	}
	if len(wire) != len(sent) {
		return util.Errorf("netout: %d of %d packets reached the wire", len(wire), len(sent))
	}
	for i := range sent {
		if !bytes.Equal(sent[i], wire[i]) {
			return util.Errorf("netout: packet %d corrupted on the wire", i)
		}
	}
	util.Infof("%d packets of %d bytes reached the wire", len(wire), c.size)
	return subcommands.ExitSuccess
}
