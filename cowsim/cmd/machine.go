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

// Package cmd holds implementations of the cowsim commands.
package cmd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"gvisor.dev/cowfork/cowsim/config"
	"gvisor.dev/cowfork/pkg/e1000"
	"gvisor.dev/cowfork/pkg/exo"
	"gvisor.dev/cowfork/pkg/kernel"
	"gvisor.dev/cowfork/pkg/log"
)

// Machine is one simulated computer: a kernel with a network card whose
// wire is recorded.
type Machine struct {
	conf   *config.Config
	kernel *kernel.Kernel
	nic    *e1000.Device
	wire   [][]byte
}

// NewMachine boots a machine configured by a private copy of conf. Cputs
// output goes to console.
func NewMachine(conf *config.Config, console io.Writer) (*Machine, error) {
	m := &Machine{conf: conf.Copy()}
	m.nic = e1000.New(m.conf.NICRing, func(pkt []byte) {
		m.wire = append(m.wire, bytes.Clone(pkt))
	})
	m.nic.Init()
	k, err := kernel.New(kernel.Config{
		PhysPages: m.conf.PhysPages,
		MaxEnvs:   m.conf.MaxEnvs,
		Console:   console,
		NIC:       m.nic,
		NICBurst:  m.conf.NICBurst,
	})
	if err != nil {
		return nil, fmt.Errorf("booting machine: %w", err)
	}
	m.kernel = k
	return m, nil
}

// Run spawns entry as the root environment with the minimal program image
// and runs the machine until it is idle. Abnormal environment exits are
// reported as an error.
func (m *Machine) Run(ctx context.Context, entry exo.Entry) (exo.EnvID, error) {
	root, err := m.kernel.Spawn(kernel.MinimalImage(), entry)
	if err != nil {
		return 0, fmt.Errorf("spawning root environment: %w", err)
	}
	if m.conf.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.conf.Timeout)
		defer cancel()
	}
	if err := m.kernel.Run(ctx); err != nil {
		return root, fmt.Errorf("running machine: %w", err)
	}
	log.Debugf("machine idle, %d environments left, %d free pages", m.kernel.NumEnvs(), m.kernel.FreePages())
	return root, exitErrors(m.kernel.ExitErrors())
}

// Kernel returns the machine's kernel.
func (m *Machine) Kernel() *kernel.Kernel {
	return m.kernel
}

// NIC returns the machine's network card.
func (m *Machine) NIC() *e1000.Device {
	return m.nic
}

// Wire returns the packets the card has sent.
func (m *Machine) Wire() [][]byte {
	return m.wire
}

// Close shuts the machine down.
func (m *Machine) Close() error {
	return m.kernel.Shutdown()
}

// exitErrors folds abnormal exits into one error, or nil.
func exitErrors(errs []*kernel.ExitError) error {
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(errs))
	for _, err := range errs {
		msgs = append(msgs, err.Error())
	}
	sort.Strings(msgs)
	return fmt.Errorf("%d environments died: %s", len(errs), strings.Join(msgs, "; "))
}
