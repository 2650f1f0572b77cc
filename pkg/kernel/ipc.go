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
	"gvisor.dev/cowfork/pkg/errors/kernerr"
	"gvisor.dev/cowfork/pkg/exo"
	"gvisor.dev/cowfork/pkg/hostarch"
)

// ipcState is the receive side of an environment's IPC mailbox.
type ipcState struct {
	// recving is set while the environment is blocked in IPCRecv.
	recving bool

	// dstva is where a transferred page is mapped, if below UTOP.
	dstva hostarch.Addr

	// The last message received.
	from  exo.EnvID
	value uint32
	perm  exo.PTE
}

// IPCTrySend implements exo.Syscalls.IPCTrySend.
//
// Any environment may send to any other. The receiver becomes runnable and
// its IPCRecv returns the message.
func (t *Task) IPCTrySend(to exo.EnvID, value uint32, srcva hostarch.Addr, perm exo.PTE) error {
	cur := t.enter("ipc_try_send")
	e, err := t.k.envid2env(cur, to, false)
	if err != nil {
		return err
	}
	if !e.ipc.recving {
		return kernerr.EIPCNotRecv
	}

	var granted exo.PTE
	if srcva < exo.UTOP {
		if !srcva.IsPageAligned() {
			return kernerr.EInval
		}
		if err := checkPerm(perm); err != nil {
			return err
		}
		f, pte, ok := t.k.pageLookup(cur, srcva)
		if !ok {
			return kernerr.EInval
		}
		if perm&exo.PTE_W != 0 && !pte.Writable() {
			return kernerr.EInval
		}
		if e.ipc.dstva < exo.UTOP {
			if err := t.k.pageInsert(e, f, e.ipc.dstva, perm); err != nil {
				return err
			}
			granted = perm
		}
	}

	e.ipc.recving = false
	e.ipc.from = cur.id
	e.ipc.value = value
	e.ipc.perm = granted
	t.k.setStatus(e, exo.EnvRunnable)
	return nil
}

// IPCRecv implements exo.Syscalls.IPCRecv.
func (t *Task) IPCRecv(dstva hostarch.Addr) (exo.IPCMessage, error) {
	e := t.enter("ipc_recv")
	if dstva < exo.UTOP && !dstva.IsPageAligned() {
		return exo.IPCMessage{}, kernerr.EInval
	}
	e.ipc = ipcState{
		recving: true,
		dstva:   dstva,
	}
	t.k.setStatus(e, exo.EnvNotRunnable)
	t.k.park(e)
	return exo.IPCMessage{
		From:  e.ipc.from,
		Value: e.ipc.value,
		Perm:  e.ipc.perm,
	}, nil
}
