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

// Package kernel simulates a single-processor exokernel.
//
// The kernel owns physical memory, the environment arena and the run queue.
// Every environment executes on its own goroutine, but exactly one of them
// holds the processor at a time: the scheduler loop in Run hands a baton to
// the chosen environment and waits for it to come back when the environment
// yields, blocks, exits or dies. Page faults raised by an environment's
// memory accesses are delivered synchronously to its registered upcall on
// the same goroutine.
//
// Lock ordering: there are no locks. All kernel state is only touched by
// the goroutine currently holding the baton, or by Run's caller while Run
// is not executing.
package kernel

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/btree"
	"gvisor.dev/cowfork/pkg/e1000"
	"gvisor.dev/cowfork/pkg/exo"
	"gvisor.dev/cowfork/pkg/hostarch"
	"gvisor.dev/cowfork/pkg/log"
	"gvisor.dev/cowfork/pkg/physmem"
)

const (
	// DefaultPhysPages is the number of physical frames of a kernel
	// created with a zero Config.PhysPages.
	DefaultPhysPages = 4096

	// DefaultNICBurst is the number of descriptors the NIC drains per
	// scheduling quantum.
	DefaultNICBurst = 4

	// btreeDegree is the degree of the run queue btree.
	btreeDegree = 8
)

// Config configures a Kernel. Zero values take defaults.
type Config struct {
	// PhysPages is the number of physical frames, including the reserved
	// frame 0.
	PhysPages int

	// MaxEnvs limits the number of arena slots in use. It defaults to, and
	// may not exceed, exo.NEnv.
	MaxEnvs int

	// Console receives Cputs output. It defaults to os.Stdout.
	Console io.Writer

	// NIC is the network card behind NetTrySend. It may be nil.
	NIC *e1000.Device

	// NICBurst is the number of descriptors NIC drains per quantum.
	NICBurst int
}

// ExitError describes an environment that was destroyed because it
// panicked or took a fault it could not handle.
type ExitError struct {
	// Env is the destroyed environment.
	Env exo.EnvID

	// Reason is the diagnostic.
	Reason string
}

// Error implements error.Error.
func (e *ExitError) Error() string {
	return fmt.Sprintf("env %v: %s", e.Env, e.Reason)
}

// Kernel is a simulated machine.
type Kernel struct {
	mem *physmem.Arena

	// envs is the environment arena, indexed by exo.ENVX.
	envs []Env

	// freeEnvs is a LIFO list of free slot indexes.
	freeEnvs []int

	// runq holds the slot indexes of runnable environments.
	runq *btree.BTreeG[int]

	// last is the slot index most recently scheduled, or -1.
	last int

	// curenv is the environment holding the processor, if any.
	curenv *Env

	// baton is sent on by an environment giving the processor back to the
	// scheduler loop.
	baton chan struct{}

	console  io.Writer
	nic      *e1000.Device
	nicBurst int

	// exits records environments that died abnormally.
	exits map[exo.EnvID]*ExitError

	// faultLog rate limits unhandled fault diagnostics.
	faultLog log.Logger
}

// New creates a kernel.
func New(conf Config) (*Kernel, error) {
	if conf.PhysPages == 0 {
		conf.PhysPages = DefaultPhysPages
	}
	if conf.MaxEnvs == 0 {
		conf.MaxEnvs = exo.NEnv
	}
	if conf.MaxEnvs < 0 || conf.MaxEnvs > exo.NEnv {
		return nil, fmt.Errorf("MaxEnvs %d out of range [1, %d]", conf.MaxEnvs, exo.NEnv)
	}
	if conf.Console == nil {
		conf.Console = os.Stdout
	}
	if conf.NICBurst == 0 {
		conf.NICBurst = DefaultNICBurst
	}
	mem, err := physmem.New(conf.PhysPages)
	if err != nil {
		return nil, err
	}
	k := &Kernel{
		mem:      mem,
		envs:     make([]Env, exo.NEnv),
		freeEnvs: make([]int, 0, conf.MaxEnvs),
		runq:     btree.NewOrderedG[int](btreeDegree),
		last:     -1,
		baton:    make(chan struct{}),
		console:  conf.Console,
		nic:      conf.NIC,
		nicBurst: conf.NICBurst,
		exits:    make(map[exo.EnvID]*ExitError),
		faultLog: log.BasicRateLimitedLogger(100 * time.Millisecond),
	}
	// Slot 0 is handed out first.
	for i := conf.MaxEnvs - 1; i >= 0; i-- {
		k.freeEnvs = append(k.freeEnvs, i)
	}
	return k, nil
}

// Run schedules environments round-robin until none is runnable or ctx is
// done. It returns ctx.Err() in the latter case. Run must not be called
// concurrently with itself or with any other Kernel method.
func (k *Kernel) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		e := k.pick()
		if e == nil {
			if k.nic != nil {
				k.nic.Process(-1)
			}
			return nil
		}
		k.dispatch(e)
		if k.nic != nil {
			k.nic.Process(k.nicBurst)
		}
	}
}

// Shutdown destroys every environment and releases physical memory. The
// kernel must not be used afterwards.
func (k *Kernel) Shutdown() error {
	for i := range k.envs {
		if e := &k.envs[i]; e.status != exo.EnvFree {
			k.envDestroy(e)
		}
	}
	return k.mem.Release()
}

// ExitError returns the diagnostic of an environment destroyed abnormally,
// or nil.
func (k *Kernel) ExitError(id exo.EnvID) *ExitError {
	return k.exits[id]
}

// ExitErrors returns every recorded abnormal exit.
func (k *Kernel) ExitErrors() []*ExitError {
	errs := make([]*ExitError, 0, len(k.exits))
	for _, e := range k.exits {
		errs = append(errs, e)
	}
	return errs
}

// EnvInfo returns a snapshot of environment id. ok is false if id does not
// name a live environment.
func (k *Kernel) EnvInfo(id exo.EnvID) (info exo.EnvInfo, ok bool) {
	e := &k.envs[exo.ENVX(id)]
	if e.status == exo.EnvFree || e.id != id {
		return exo.EnvInfo{}, false
	}
	return e.info(), true
}

// NumEnvs returns the number of live environments.
func (k *Kernel) NumEnvs() int {
	n := 0
	for i := range k.envs {
		if k.envs[i].status != exo.EnvFree {
			n++
		}
	}
	return n
}

// FreePages returns the number of free physical frames.
func (k *Kernel) FreePages() int {
	return k.mem.NumFree()
}

// Lookup returns the page table entry mapping va in environment id.
func (k *Kernel) Lookup(id exo.EnvID, va hostarch.Addr) (exo.PTE, error) {
	e, err := k.envid2env(nil, id, false)
	if err != nil {
		return 0, err
	}
	return k.vpt(e, va), nil
}

// Peek reads n bytes at va in environment id through its page tables
// without raising faults.
func (k *Kernel) Peek(id exo.EnvID, va hostarch.Addr, n int) ([]byte, error) {
	e, err := k.envid2env(nil, id, false)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	for done := 0; done < n; {
		cur := va + hostarch.Addr(done)
		f, _, ok := k.pageLookup(e, cur.RoundDown())
		if !ok {
			return buf[:done], fmt.Errorf("%v not mapped in env %v", cur, id)
		}
		done += copy(buf[done:], k.mem.Bytes(f)[cur.PageOffset():])
	}
	return buf, nil
}

// Refs returns the number of mappings of the frame backing va in
// environment id, or 0 if va is not mapped.
func (k *Kernel) Refs(id exo.EnvID, va hostarch.Addr) int {
	e, err := k.envid2env(nil, id, false)
	if err != nil {
		return 0
	}
	f, _, ok := k.pageLookup(e, va.RoundDown())
	if !ok {
		return 0
	}
	return k.mem.Refs(f)
}
