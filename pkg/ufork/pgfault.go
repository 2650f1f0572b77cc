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

	"gvisor.dev/cowfork/pkg/exo"
	"gvisor.dev/cowfork/pkg/hostarch"
	"gvisor.dev/cowfork/pkg/metric"
)

var cowFaults = metric.MustCreateNewUint64Metric("ufork_cow_faults_total", "Copy-on-write faults resolved by copying the page.")

// exceptionStackPerm is the permission of every exception stack page.
const exceptionStackPerm = exo.PTE_P | exo.PTE_U | exo.PTE_W

// SetPgfaultHandler makes h the page fault handler of p. The first call
// allocates the exception stack. Calling it again only replaces the
// handler.
func SetPgfaultHandler(p *Proc, h exo.Upcall) error {
	if p.handler == nil {
		if err := p.sys.PageAlloc(0, exo.UXSTACKBOTTOM, exceptionStackPerm); err != nil {
			return err
		}
	}
	if err := p.sys.EnvSetPgfaultUpcall(0, h); err != nil {
		return err
	}
	p.handler = h
	return nil
}

// pgfault is the copy-on-write fault handler. It maps a private writable
// copy of the faulting page in place of the shared one. Any fault that is
// not a write to a copy-on-write page is fatal.
func pgfault(sys exo.Syscalls, utf *exo.UTrapframe) {
	addr := utf.FaultVA
	if !sys.VPD(addr).Present() {
		panic(fmt.Sprintf("pgfault: va %v err %#x: page directory entry not present", addr, utf.Err))
	}
	pte := sys.VPT(addr)
	if !pte.Present() {
		panic(fmt.Sprintf("pgfault: va %v err %#x: page table entry not present", addr, utf.Err))
	}
	if !utf.IsWrite() || pte&exo.PTE_AVAIL != exo.PTE_COW {
		panic(fmt.Sprintf("pgfault: va %v err %#x: not a write to a copy-on-write page (pte %v)", addr, utf.Err, pte))
	}

	perm := (pte.Perm()&exo.PTE_SYSCALL)&^exo.PTE_COW | exo.PTE_W
	page := addr.RoundDown()
	if err := sys.PageAlloc(0, exo.PFTEMP, perm); err != nil {
		panic(fmt.Sprintf("pgfault: allocating %v: %v", exo.PFTEMP, err))
	}
	var buf [hostarch.PageSize]byte
	if _, err := sys.CopyIn(page, buf[:]); err != nil {
		panic(fmt.Sprintf("pgfault: reading %v: %v", page, err))
	}
	if _, err := sys.CopyOut(exo.PFTEMP, buf[:]); err != nil {
		panic(fmt.Sprintf("pgfault: writing %v: %v", exo.PFTEMP, err))
	}
	if err := sys.PageMap(0, exo.PFTEMP, 0, page, perm); err != nil {
		panic(fmt.Sprintf("pgfault: mapping %v: %v", page, err))
	}
	if err := sys.PageUnmap(0, exo.PFTEMP); err != nil {
		panic(fmt.Sprintf("pgfault: unmapping %v: %v", exo.PFTEMP, err))
	}
	cowFaults.Increment()
}
