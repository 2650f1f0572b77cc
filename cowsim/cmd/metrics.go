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
	"io"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/cowfork/cowsim/cmd/util"
	"gvisor.dev/cowfork/cowsim/config"
	"gvisor.dev/cowfork/pkg/metric"
)

// MetricsCmd implements subcommands.Command for the "metrics" command.
type MetricsCmd struct {
	packets int
}

// Name implements subcommands.Command.Name.
func (*MetricsCmd) Name() string {
	return "metrics"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*MetricsCmd) Synopsis() string {
	return "run the demo and print all metrics in Prometheus text format"
}

// Usage implements subcommands.Command.Usage.
func (*MetricsCmd) Usage() string {
	return "metrics [-packets N]\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *MetricsCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.packets, "packets", 0, "also send this many packets through the output environment.")
}

// Execute implements subcommands.Command.Execute.
func (c *MetricsCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if _, err := Demo(ctx, conf, io.Discard); err != nil {
		return util.Errorf("metrics: demo: %v", err)
	}
	if c.packets > 0 {
		if _, _, err := NetOutput(ctx, conf, c.packets, 64, io.Discard); err != nil {
			return util.Errorf("metrics: netout: %v", err)
		}
	}
	if err := metric.WriteText(os.Stdout); err != nil {
		return util.Errorf("metrics: %v", err)
	}
	return subcommands.ExitSuccess
}
