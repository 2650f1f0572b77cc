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

package kernel

import (
	"fmt"
	"runtime"

	"gvisor.dev/cowfork/pkg/errors/kernerr"
	"gvisor.dev/cowfork/pkg/exo"
	"gvisor.dev/cowfork/pkg/hostarch"
	"gvisor.dev/cowfork/pkg/log"
	"gvisor.dev/cowfork/pkg/metric"
	"gvisor.dev/cowfork/pkg/physmem"
)

var (
	envsCreated   = metric.MustCreateNewUint64Metric("kernel_envs_created_total", "Environments allocated.")
	envsDestroyed = metric.MustCreateNewUint64Metric("kernel_envs_destroyed_total", "Environments destroyed, by cause.",
		metric.NewField("cause", "exit", "killed", "fatal"))
)

// Env is one slot of the environment arena.
type Env struct {
	k *Kernel

	id     exo.EnvID
	parent exo.EnvID
	status exo.Status
	runs   uint64

	// pgdir is the frame holding the page directory.
	pgdir physmem.Frame

	// entry is where the environment starts executing.
	entry exo.Entry

	// upcall is the page fault upcall; inUpcall is set while it runs.
	upcall   exo.Upcall
	inUpcall bool

	ipc ipcState

	// th is the goroutine executing this incarnation, or nil if it has
	// never been scheduled.
	th *thread

	task Task
	log  log.Logger
}

// thread is the goroutine backing one environment incarnation.
type thread struct {
	// resume is sent on by the scheduler to hand the processor to a
	// parked goroutine.
	resume chan struct{}

	// killed is closed when the environment is destroyed while parked.
	killed chan struct{}

	// dead is set when the environment destroyed itself while running.
	dead bool

	// reaped is set, before killed is closed, when the environment was
	// destroyed while parked. A reaped goroutine must not touch the
	// kernel again.
	reaped bool
}

// fatal is the panic value raised by the kernel to kill the running
// environment.
type fatal struct {
	reason string
}

// killf kills the running environment with a diagnostic.
func killf(format string, v ...any) {
	panic(&fatal{reason: fmt.Sprintf(format, v...)})
}

func (e *Env) info() exo.EnvInfo {
	return exo.EnvInfo{
		ID:       e.id,
		ParentID: e.parent,
		Status:   e.status,
		Runs:     e.runs,
	}
}

// envAlloc allocates and initializes a new environment with an empty user
// address space. The environment is left EnvNotRunnable.
func (k *Kernel) envAlloc(parent exo.EnvID, entry exo.Entry) (*Env, error) {
	if len(k.freeEnvs) == 0 {
		return nil, kernerr.ENoFreeEnv
	}
	idx := k.freeEnvs[len(k.freeEnvs)-1]
	e := &k.envs[idx]

	pgdir, ok := k.mem.Alloc()
	if !ok {
		return nil, kernerr.ENoMem
	}
	k.mem.IncRef(pgdir)
	k.freeEnvs = k.freeEnvs[:len(k.freeEnvs)-1]

	// Generate an environment ID that has not been used by this slot
	// recently.
	generation := (e.id + (1 << exo.EnvGenShift)) &^ (exo.NEnv - 1)
	if generation <= 0 {
		generation = 1 << exo.EnvGenShift
	}
	*e = Env{
		k:      k,
		id:     generation | exo.EnvID(idx),
		parent: parent,
		status: exo.EnvNotRunnable,
		pgdir:  pgdir,
		entry:  entry,
	}
	e.task = Task{k: k, env: e}
	e.log = log.Prefixed(fmt.Sprintf("[%v] ", e.id))
	e.log.Debugf("new env %v", e.id)
	envsCreated.Increment()
	return e, nil
}

// envFree releases everything e holds and returns its slot to the free
// list. The id is kept so that the next generation differs.
func (k *Kernel) envFree(e *Env) {
	e.log.Debugf("free env %v", e.id)
	k.setStatus(e, exo.EnvFree)
	k.freeAddressSpace(e)
	e.upcall = nil
	e.entry = nil
	e.ipc = ipcState{}
	k.freeEnvs = append(k.freeEnvs, exo.ENVX(e.id))
}

// envDestroy destroys e. If e is the running environment the caller must
// stop executing on its behalf; see exitSelf.
func (k *Kernel) envDestroy(e *Env) {
	th := e.th
	e.th = nil
	k.envFree(e)
	if e == k.curenv {
		th.dead = true
		return
	}
	envsDestroyed.Increment("killed")
	if th != nil {
		th.reaped = true
		close(th.killed)
	}
}

// exitSelf destroys the running environment e and never returns.
func (k *Kernel) exitSelf(e *Env) {
	k.envDestroy(e)
	runtime.Goexit()
}

// envid2env converts id to an environment. An id of 0 names cur. If
// checkperm is set, the environment must be cur or a direct child of cur.
func (k *Kernel) envid2env(cur *Env, id exo.EnvID, checkperm bool) (*Env, error) {
	if id == 0 {
		if cur == nil {
			return nil, kernerr.EBadEnv
		}
		return cur, nil
	}
	e := &k.envs[exo.ENVX(id)]
	if e.status == exo.EnvFree || e.id != id {
		return nil, kernerr.EBadEnv
	}
	if checkperm && e != cur && e.parent != cur.id {
		return nil, kernerr.EBadEnv
	}
	return e, nil
}

// start launches the goroutine of a never-scheduled environment. The
// goroutine runs immediately; the caller must wait for the baton.
func (k *Kernel) start(e *Env) {
	th := &thread{
		resume: make(chan struct{}),
		killed: make(chan struct{}),
	}
	e.th = th
	go k.runEnv(e, th)
}

func (k *Kernel) runEnv(e *Env, th *thread) {
	id := e.id
	defer func() {
		r := recover()
		if th.reaped {
			// Destroyed while parked; the processor belongs to someone
			// else.
			return
		}
		switch {
		case r != nil:
			k.recordExit(id, r)
			if !th.dead {
				k.envDestroy(e)
			}
			envsDestroyed.Increment("fatal")
		case !th.dead:
			// Returning from the entry point is a graceful exit.
			e.log.Debugf("exiting gracefully")
			k.envDestroy(e)
			envsDestroyed.Increment("exit")
		default:
			envsDestroyed.Increment("exit")
		}
		k.baton <- struct{}{}
	}()
	e.entry(&e.task)
}

func (k *Kernel) recordExit(id exo.EnvID, r any) {
	var reason string
	switch v := r.(type) {
	case *fatal:
		reason = v.reason
	case error:
		reason = v.Error()
	default:
		reason = fmt.Sprint(v)
	}
	k.exits[id] = &ExitError{Env: id, Reason: reason}
	k.faultLog.Warningf("[%v] destroyed: %s", id, reason)
	if log.IsLogging(log.Debug) {
		log.Debugf("[%v] stack at destruction:\n%s", id, log.Stacks(false))
	}
}

// vpd returns the page directory entry covering va in e.
func (k *Kernel) vpd(e *Env, va hostarch.Addr) exo.PTE {
	if va >= exo.UTOP {
		return 0
	}
	return exo.PTE(k.mem.Words(e.pgdir)[exo.PDX(va)])
}

// vpt returns the page table entry of va in e.
func (k *Kernel) vpt(e *Env, va hostarch.Addr) exo.PTE {
	pde := k.vpd(e, va)
	if !pde.Present() {
		return 0
	}
	return exo.PTE(k.mem.Words(physmem.Frame(pde.Frame()))[exo.PTX(va)])
}
