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

package ufork

import (
	"fmt"

	"gvisor.dev/cowfork/pkg/errors/kernerr"
	"gvisor.dev/cowfork/pkg/exo"
	"gvisor.dev/cowfork/pkg/hostarch"
	"gvisor.dev/cowfork/pkg/log"
	"gvisor.dev/cowfork/pkg/metric"
)

var (
	forks           = metric.MustCreateNewUint64Metric("ufork_forks_total", "Successful forks.")
	pagesDuplicated = metric.MustCreateNewUint64Metric("ufork_pages_duplicated_total", "Pages shared copy-on-write by fork.")
	pagesShared     = metric.MustCreateNewUint64Metric("ufork_pages_shared_total", "Read-only pages shared directly by fork.")
)

// duppage shares page pn of the caller copy-on-write with envid: the page
// is mapped read-only and COW-marked in envid, then remapped the same way
// in the caller. The page must be writable or already copy-on-write.
func duppage(sys exo.Syscalls, envid exo.EnvID, pn uint) error {
	if info := sys.EnvInfo(exo.ENVX(envid)); info.ID != envid || info.Status == exo.EnvFree {
		return kernerr.EBadEnv
	}
	va := hostarch.Addr(pn) << exo.PGSHIFT
	perm := (sys.VPT(va).Perm()&exo.PTE_SYSCALL)&^exo.PTE_W | exo.PTE_COW

	// The target is not runnable yet, so mapping it first cannot race.
	if err := sys.PageMap(0, va, envid, va, perm); err != nil {
		return err
	}
	if err := sys.PageMap(0, va, 0, va, perm); err != nil {
		return err
	}
	pagesDuplicated.Increment()
	return nil
}

// Fork creates a child environment that shares the caller's address space
// copy-on-write.
//
// Fork returns Parent(child) in the caller. The child does not return from
// Fork: once scheduled, it starts in resume with its own Proc and Child().
// If no child can be created, Fork returns the kernel error and nothing
// else happens. Failures once the child exists are fatal to the caller.
func Fork(p *Proc, resume Continuation) (Outcome, error) {
	if resume == nil {
		panic("fork: nil continuation")
	}
	if err := SetPgfaultHandler(p, pgfault); err != nil {
		return Outcome{}, err
	}

	sys := p.sys
	handler := p.handler
	child, err := sys.Exofork(func(sys exo.Syscalls) {
		c := &Proc{sys: sys, handler: handler}
		c.refresh()
		resume(c, Child())
	})
	if err != nil {
		return Outcome{}, err
	}

	duplicated, shared := copyAddressSpace(sys, child)
	if err := sys.PageAlloc(child, exo.UXSTACKBOTTOM, exceptionStackPerm); err != nil {
		panic(fmt.Sprintf("fork: allocating exception stack of %v: %v", child, err))
	}
	if err := sys.EnvSetPgfaultUpcall(child, handler); err != nil {
		panic(fmt.Sprintf("fork: setting upcall of %v: %v", child, err))
	}
	if err := sys.EnvSetStatus(child, exo.EnvRunnable); err != nil {
		panic(fmt.Sprintf("fork: starting %v: %v", child, err))
	}

	forks.Increment()
	if log.IsLogging(log.Debug) {
		log.Debugf("[%v] fork: child %v, %d pages copy-on-write, %d shared", p.thisenv.ID, child, duplicated, shared)
	}
	return Parent(child), nil
}

// copyAddressSpace maps every user page below UTOP, except the exception
// stack, into child. Permissions come from the page table entry alone.
func copyAddressSpace(sys exo.Syscalls, child exo.EnvID) (duplicated, shared int) {
	for va := hostarch.Addr(0); va < exo.UTOP; {
		if !sys.VPD(va).Present() {
			va = exo.PGADDR(exo.PDX(va)+1, 0, 0)
			continue
		}
		if va != exo.UXSTACKBOTTOM {
			pte := sys.VPT(va)
			if pte.Present() && pte.User() {
				switch pte.Class() {
				case exo.PrivateWritable, exo.COWShared:
					if err := duppage(sys, child, exo.PGNUM(va)); err != nil {
						panic(fmt.Sprintf("fork: duppage %v into %v: %v", va, child, err))
					}
					duplicated++
				case exo.SharedImmutable:
					if err := sys.PageMap(0, va, child, va, pte.Perm()&exo.PTE_SYSCALL); err != nil {
						panic(fmt.Sprintf("fork: sharing %v with %v: %v", va, child, err))
					}
					pagesShared.Increment()
					shared++
				default:
					panic(fmt.Sprintf("fork: page %v has invalid entry %v", va, pte))
				}
			}
		}
		va += hostarch.PageSize
	}
	return duplicated, shared
}

// Sfork would share the whole address space, except the stack, with the
// child. It is not implemented.
func Sfork(p *Proc, resume Continuation) (Outcome, error) {
	panic("sfork not implemented")
}
