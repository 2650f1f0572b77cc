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
	"io"

	"gvisor.dev/cowfork/pkg/errors/kernerr"
	"gvisor.dev/cowfork/pkg/exo"
	"gvisor.dev/cowfork/pkg/hostarch"
	"gvisor.dev/cowfork/pkg/metric"
)

var syscalls = metric.MustCreateNewUint64Metric("kernel_syscalls_total", "System calls made by environments.",
	metric.NewField("call",
		"exofork", "env_destroy", "env_set_status", "env_set_pgfault_upcall",
		"page_alloc", "page_map", "page_unmap",
		"ipc_try_send", "ipc_recv", "net_try_send", "yield"))

// Task is the system call surface of one environment. It is passed to the
// environment's entry point and to its page fault upcall, and must only be
// used by the environment it belongs to while it holds the processor.
type Task struct {
	k   *Kernel
	env *Env
}

var _ exo.Syscalls = (*Task)(nil)

// enter checks that t belongs to the running environment and returns it.
func (t *Task) enter(call string) *Env {
	if t.env != t.k.curenv || t.env.status == exo.EnvFree {
		panic(fmt.Sprintf("%s: system call on behalf of %v, which does not hold the processor", call, t.env.id))
	}
	if call != "" {
		syscalls.Increment(call)
	}
	return t.env
}

// GetEnvID implements exo.Syscalls.GetEnvID.
func (t *Task) GetEnvID() exo.EnvID {
	return t.enter("").id
}

// Cputs implements exo.Syscalls.Cputs.
func (t *Task) Cputs(s string) {
	t.enter("")
	io.WriteString(t.k.console, s)
}

// Yield implements exo.Syscalls.Yield.
func (t *Task) Yield() {
	e := t.enter("yield")
	t.k.park(e)
}

// VPD implements exo.PageView.VPD.
func (t *Task) VPD(va hostarch.Addr) exo.PTE {
	return t.k.vpd(t.enter(""), va)
}

// VPT implements exo.PageView.VPT.
func (t *Task) VPT(va hostarch.Addr) exo.PTE {
	return t.k.vpt(t.enter(""), va)
}

// EnvInfo implements exo.PageView.EnvInfo.
func (t *Task) EnvInfo(idx int) exo.EnvInfo {
	t.enter("")
	if idx < 0 || idx >= len(t.k.envs) {
		return exo.EnvInfo{}
	}
	return t.k.envs[idx].info()
}

// Exofork implements exo.Syscalls.Exofork.
func (t *Task) Exofork(entry exo.Entry) (exo.EnvID, error) {
	e := t.enter("exofork")
	if entry == nil {
		return 0, kernerr.EInval
	}
	child, err := t.k.envAlloc(e.id, entry)
	if err != nil {
		return 0, err
	}
	return child.id, nil
}

// EnvDestroy implements exo.Syscalls.EnvDestroy. Destroying the caller does
// not return.
func (t *Task) EnvDestroy(envid exo.EnvID) error {
	cur := t.enter("env_destroy")
	e, err := t.k.envid2env(cur, envid, true)
	if err != nil {
		return err
	}
	if e == cur {
		cur.log.Debugf("exiting gracefully")
		t.k.exitSelf(e)
	}
	cur.log.Debugf("destroying %v", e.id)
	t.k.envDestroy(e)
	return nil
}

// EnvSetStatus implements exo.Syscalls.EnvSetStatus.
func (t *Task) EnvSetStatus(envid exo.EnvID, status exo.Status) error {
	cur := t.enter("env_set_status")
	if status != exo.EnvRunnable && status != exo.EnvNotRunnable {
		return kernerr.EInval
	}
	e, err := t.k.envid2env(cur, envid, true)
	if err != nil {
		return err
	}
	t.k.setStatus(e, status)
	return nil
}

// EnvSetPgfaultUpcall implements exo.Syscalls.EnvSetPgfaultUpcall.
func (t *Task) EnvSetPgfaultUpcall(envid exo.EnvID, upcall exo.Upcall) error {
	cur := t.enter("env_set_pgfault_upcall")
	e, err := t.k.envid2env(cur, envid, true)
	if err != nil {
		return err
	}
	e.upcall = upcall
	return nil
}

// PageAlloc implements exo.Syscalls.PageAlloc.
func (t *Task) PageAlloc(envid exo.EnvID, va hostarch.Addr, perm exo.PTE) error {
	cur := t.enter("page_alloc")
	if err := checkVA(va); err != nil {
		return err
	}
	if err := checkPerm(perm); err != nil {
		return err
	}
	e, err := t.k.envid2env(cur, envid, true)
	if err != nil {
		return err
	}
	return t.k.mapFresh(e, va, perm)
}

// PageMap implements exo.Syscalls.PageMap.
func (t *Task) PageMap(srcenv exo.EnvID, srcva hostarch.Addr, dstenv exo.EnvID, dstva hostarch.Addr, perm exo.PTE) error {
	cur := t.enter("page_map")
	src, err := t.k.envid2env(cur, srcenv, true)
	if err != nil {
		return err
	}
	dst, err := t.k.envid2env(cur, dstenv, true)
	if err != nil {
		return err
	}
	if err := checkVA(srcva); err != nil {
		return err
	}
	if err := checkVA(dstva); err != nil {
		return err
	}
	f, pte, ok := t.k.pageLookup(src, srcva)
	if !ok {
		return kernerr.EInval
	}
	if err := checkPerm(perm); err != nil {
		return err
	}
	if perm&exo.PTE_W != 0 && !pte.Writable() {
		return kernerr.EInval
	}
	return t.k.pageInsert(dst, f, dstva, perm)
}

// PageUnmap implements exo.Syscalls.PageUnmap.
func (t *Task) PageUnmap(envid exo.EnvID, va hostarch.Addr) error {
	cur := t.enter("page_unmap")
	e, err := t.k.envid2env(cur, envid, true)
	if err != nil {
		return err
	}
	if err := checkVA(va); err != nil {
		return err
	}
	t.k.pageRemove(e, va)
	return nil
}

// NetTrySend implements exo.Syscalls.NetTrySend.
func (t *Task) NetTrySend(pkt []byte) error {
	t.enter("net_try_send")
	if t.k.nic == nil {
		return kernerr.EInval
	}
	return t.k.nic.Transmit(pkt)
}
