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
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"
	"gvisor.dev/cowfork/cowsim/config"
	"gvisor.dev/cowfork/pkg/exo"
	"gvisor.dev/cowfork/pkg/hostarch"
	"gvisor.dev/cowfork/pkg/metric"
	"gvisor.dev/cowfork/pkg/netout"
	"gvisor.dev/cowfork/pkg/ufork"
)

// DemoVA is the extra page the demo parent writes before forking.
const DemoVA hostarch.Addr = 0x10000000

var (
	patternA = []byte("AAAAAAAA")
	patternB = []byte("BBBBBBBB")
)

// DemoResult is what each side of the demo observed.
type DemoResult struct {
	Parent exo.EnvID
	Child  exo.EnvID

	// ChildBefore is what the child read before writing.
	ChildBefore []byte

	// ChildAfter is what the child read after writing.
	ChildAfter []byte

	// ParentAfter is what the parent read after the child wrote.
	ParentAfter []byte

	// ChildReadFaults and ChildWriteFaults count the copy-on-write faults
	// taken by the child's read and write.
	ChildReadFaults  uint64
	ChildWriteFaults uint64
}

// Check reports the first observation that breaks copy-on-write
// semantics.
func (r *DemoResult) Check() error {
	switch {
	case !bytes.Equal(r.ChildBefore, patternA):
		return fmt.Errorf("child read %q before writing, want %q", r.ChildBefore, patternA)
	case r.ChildReadFaults != 0:
		return fmt.Errorf("child read took %d copy-on-write faults, want 0", r.ChildReadFaults)
	case r.ChildWriteFaults != 1:
		return fmt.Errorf("child write took %d copy-on-write faults, want 1", r.ChildWriteFaults)
	case !bytes.Equal(r.ChildAfter, patternB):
		return fmt.Errorf("child read %q after writing, want %q", r.ChildAfter, patternB)
	case !bytes.Equal(r.ParentAfter, patternA):
		return fmt.Errorf("parent read %q after the child wrote, want %q", r.ParentAfter, patternA)
	}
	return nil
}

// cowFaults reads the copy-on-write fault counter.
func cowFaults() uint64 {
	return metric.Snapshot()["ufork_cow_faults_total"]
}

// Demo runs the copy-on-write scenario on a fresh machine: the parent
// writes pattern A to a private page and forks, the child reads the page,
// overwrites it with pattern B and reads it again, and the parent reads it
// last.
func Demo(ctx context.Context, conf *config.Config, console io.Writer) (*DemoResult, error) {
	m, err := NewMachine(conf, console)
	if err != nil {
		return nil, err
	}
	defer m.Close()

	r := &DemoResult{}
	var failure error
	root, err := m.Run(ctx, func(sys exo.Syscalls) {
		p := ufork.NewProc(sys)
		if failure = sys.PageAlloc(0, DemoVA, exo.PTE_P|exo.PTE_U|exo.PTE_W); failure != nil {
			return
		}
		if _, failure = sys.CopyOut(DemoVA, patternA); failure != nil {
			return
		}
		sys.Cputs(fmt.Sprintf("%v: wrote %q at %v\n", sys.GetEnvID(), patternA, DemoVA))
		o, err := ufork.Fork(p, func(c *ufork.Proc, _ ufork.Outcome) {
			sys := c.Sys()
			buf := make([]byte, len(patternA))
			before := cowFaults()
			sys.CopyIn(DemoVA, buf)
			r.ChildBefore = append([]byte(nil), buf...)
			r.ChildReadFaults = cowFaults() - before
			sys.Cputs(fmt.Sprintf("%v: child read %q\n", sys.GetEnvID(), buf))

			before = cowFaults()
			sys.CopyOut(DemoVA, patternB)
			r.ChildWriteFaults = cowFaults() - before
			sys.CopyIn(DemoVA, buf)
			r.ChildAfter = append([]byte(nil), buf...)
			sys.Cputs(fmt.Sprintf("%v: child wrote and read %q\n", sys.GetEnvID(), buf))
		})
		if err != nil {
			failure = err
			return
		}
		r.Child = o.EnvID()
		// Let the child run to completion.
		for {
			if _, ok := envLive(sys, r.Child); !ok {
				break
			}
			sys.Yield()
		}
		buf := make([]byte, len(patternA))
		sys.CopyIn(DemoVA, buf)
		r.ParentAfter = buf
		sys.Cputs(fmt.Sprintf("%v: parent read %q\n", sys.GetEnvID(), buf))
	})
	r.Parent = root
	if err != nil {
		return r, err
	}
	if failure != nil {
		return r, fmt.Errorf("demo parent: %w", failure)
	}
	return r, nil
}

// envLive returns the arena entry of id if it is still alive.
func envLive(sys exo.Syscalls, id exo.EnvID) (exo.EnvInfo, bool) {
	info := sys.EnvInfo(exo.ENVX(id))
	return info, info.ID == id && info.Status != exo.EnvFree
}

// ForkTree runs the binary fork tree of the given depth on a fresh machine.
// Every environment prints its id and branch name. It returns the number
// of environments that ran.
func ForkTree(ctx context.Context, conf *config.Config, depth int, console io.Writer) (int, error) {
	if depth < 0 {
		return 0, fmt.Errorf("negative depth %d", depth)
	}
	m, err := NewMachine(conf, console)
	if err != nil {
		return 0, err
	}
	defer m.Close()

	ran := 0
	var failure error
	var forktree func(p *ufork.Proc, cur string)
	forktree = func(p *ufork.Proc, cur string) {
		ran++
		p.Sys().Cputs(fmt.Sprintf("%04x: I am '%s'\n", int32(p.ID()), cur))
		if len(cur) >= depth {
			return
		}
		for _, branch := range "01" {
			next := cur + string(branch)
			if _, err := ufork.Fork(p, func(c *ufork.Proc, _ ufork.Outcome) {
				forktree(c, next)
			}); err != nil && failure == nil {
				failure = fmt.Errorf("forking %q: %w", next, err)
			}
		}
	}
	if _, err := m.Run(ctx, func(sys exo.Syscalls) {
		forktree(ufork.NewProc(sys), "")
	}); err != nil {
		return ran, err
	}
	return ran, failure
}

// Stress runs a fork tree on each of n independent machines in parallel
// and returns the total number of environments that ran.
func Stress(ctx context.Context, conf *config.Config, n, depth int) (int, error) {
	g, ctx := errgroup.WithContext(ctx)
	counts := make([]int, n)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			ran, err := ForkTree(ctx, conf, depth, io.Discard)
			counts[i] = ran
			if err != nil {
				return fmt.Errorf("machine %d: %w", i, err)
			}
			return nil
		})
	}
	err := g.Wait()
	total := 0
	for _, c := range counts {
		total += c
	}
	return total, err
}

// NetOutput starts the output environment on a fresh machine and sends n
// packets of size bytes through it. It returns what reached the wire.
func NetOutput(ctx context.Context, conf *config.Config, n, size int, console io.Writer) (sent, wire [][]byte, err error) {
	if size < 0 || size > netout.MaxPayload {
		return nil, nil, fmt.Errorf("packet size %d out of range [0, %d]", size, netout.MaxPayload)
	}
	m, err := NewMachine(conf, console)
	if err != nil {
		return nil, nil, err
	}
	defer m.Close()

	for i := 0; i < n; i++ {
		pkt := make([]byte, size)
		for j := range pkt {
			pkt[j] = byte(i + j)
		}
		sent = append(sent, pkt)
	}
	var failure error
	if _, err := m.Run(ctx, func(sys exo.Syscalls) {
		out, err := netout.Start(ufork.NewProc(sys))
		if err != nil {
			failure = fmt.Errorf("starting output environment: %w", err)
			return
		}
		for i, pkt := range sent {
			if err := netout.Send(sys, out, pkt); err != nil {
				failure = fmt.Errorf("sending packet %d: %w", i, err)
				return
			}
		}
	}); err != nil {
		return sent, m.Wire(), err
	}
	return sent, m.Wire(), failure
}
