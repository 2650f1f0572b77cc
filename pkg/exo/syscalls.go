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

// Package exo defines the ABI of the simulated exokernel: environment
// identifiers, page table entries, the user memory layout, fault records
// and the system call surface available to user environments.
package exo

import "gvisor.dev/cowfork/pkg/hostarch"

// PageView is the read-only view an environment has of its own paging
// structures and of the environment arena.
type PageView interface {
	// VPD returns the page directory entry covering va.
	VPD(va hostarch.Addr) PTE

	// VPT returns the page table entry for va. It returns 0 if the
	// covering page directory entry is not present.
	VPT(va hostarch.Addr) PTE

	// EnvInfo returns a snapshot of arena slot idx.
	EnvInfo(idx int) EnvInfo
}

// Memory is user-mode access to the calling environment's own address
// space. Accesses go through the environment's page tables and may raise
// page faults, which are delivered to the registered upcall before the
// access is retried.
type Memory interface {
	// CopyIn copies len(dst) bytes from va into dst.
	CopyIn(va hostarch.Addr, dst []byte) (int, error)

	// CopyOut copies src into memory starting at va.
	CopyOut(va hostarch.Addr, src []byte) (int, error)
}

// IPCMessage is a message received by IPCRecv.
type IPCMessage struct {
	// From is the sender.
	From EnvID

	// Value is the 32-bit value sent.
	Value uint32

	// Perm is the permission of the transferred page, or 0 if no page was
	// transferred.
	Perm PTE
}

// Syscalls is the complete system call surface of one environment. Every
// method acts on behalf of the calling environment; an EnvID argument of 0
// names the caller.
type Syscalls interface {
	PageView
	Memory

	// GetEnvID returns the caller's environment id.
	GetEnvID() EnvID

	// Cputs writes s to the system console.
	Cputs(s string)

	// Yield gives up the processor.
	Yield()

	// Exofork allocates a new environment with an empty user address space
	// and status EnvNotRunnable. Once made runnable, the child starts at
	// entry.
	Exofork(entry Entry) (EnvID, error)

	// EnvDestroy destroys envid, which must be the caller or its child.
	EnvDestroy(envid EnvID) error

	// EnvSetStatus sets the status of envid to EnvRunnable or
	// EnvNotRunnable.
	EnvSetStatus(envid EnvID, status Status) error

	// EnvSetPgfaultUpcall registers the page fault upcall of envid.
	EnvSetPgfaultUpcall(envid EnvID, upcall Upcall) error

	// PageAlloc maps a fresh zeroed page at va in envid with perm,
	// replacing any existing mapping.
	PageAlloc(envid EnvID, va hostarch.Addr, perm PTE) error

	// PageMap maps the page at srcva in srcenv at dstva in dstenv with
	// perm, replacing any existing mapping at dstva.
	PageMap(srcenv EnvID, srcva hostarch.Addr, dstenv EnvID, dstva hostarch.Addr, perm PTE) error

	// PageUnmap removes the mapping at va in envid, if any.
	PageUnmap(envid EnvID, va hostarch.Addr) error

	// IPCTrySend delivers value, and the page at srcva if srcva < UTOP, to
	// the environment blocked in IPCRecv.
	IPCTrySend(to EnvID, value uint32, srcva hostarch.Addr, perm PTE) error

	// IPCRecv blocks until a message arrives. A page is accepted at dstva
	// if dstva < UTOP.
	IPCRecv(dstva hostarch.Addr) (IPCMessage, error)

	// NetTrySend queues pkt on the network card's transmit ring.
	NetTrySend(pkt []byte) error
}
