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
	"runtime"

	"gvisor.dev/cowfork/pkg/exo"
)

// setStatus changes e's status, keeping the run queue in sync. The run
// queue holds exactly the environments whose status is EnvRunnable.
func (k *Kernel) setStatus(e *Env, status exo.Status) {
	idx := exo.ENVX(e.id)
	if status == exo.EnvRunnable {
		k.runq.ReplaceOrInsert(idx)
	} else {
		k.runq.Delete(idx)
	}
	e.status = status
}

// pick returns the next runnable environment after the one scheduled last,
// wrapping around the arena, or nil if none is runnable.
func (k *Kernel) pick() *Env {
	next := -1
	k.runq.AscendGreaterOrEqual(k.last+1, func(idx int) bool {
		next = idx
		return false
	})
	if next < 0 {
		min, ok := k.runq.Min()
		if !ok {
			return nil
		}
		next = min
	}
	return &k.envs[next]
}

// dispatch runs e for one quantum and returns once e gives the processor
// back.
func (k *Kernel) dispatch(e *Env) {
	k.setStatus(e, exo.EnvRunning)
	e.runs++
	k.curenv = e
	k.last = exo.ENVX(e.id)
	if e.th == nil {
		k.start(e)
	} else {
		e.th.resume <- struct{}{}
	}
	<-k.baton
	k.curenv = nil
}

// park gives the processor back to the scheduler on behalf of the running
// environment e and waits until it is scheduled again. A running
// environment becomes runnable; one that set itself to another status
// keeps it. If e is destroyed while parked, park never returns.
func (k *Kernel) park(e *Env) {
	th := e.th
	if e.status == exo.EnvRunning {
		k.setStatus(e, exo.EnvRunnable)
	}
	k.baton <- struct{}{}
	select {
	case <-th.resume:
	case <-th.killed:
		runtime.Goexit()
	}
}
