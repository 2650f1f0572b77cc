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
	"gvisor.dev/cowfork/pkg/physmem"
)

// pdePerm is the permission of directory entries pointing at user page
// tables. Access is narrowed by the table entries.
const pdePerm = exo.PTE_P | exo.PTE_W | exo.PTE_U

// pgdirWalk returns a pointer to the page table entry for va in pgdir. If
// the covering page table does not exist and create is set, a zeroed table
// is allocated; otherwise nil is returned.
func (k *Kernel) pgdirWalk(pgdir physmem.Frame, va hostarch.Addr, create bool) (*uint32, error) {
	pd := k.mem.Words(pgdir)
	pde := exo.PTE(pd[exo.PDX(va)])
	if !pde.Present() {
		if !create {
			return nil, nil
		}
		pt, ok := k.mem.Alloc()
		if !ok {
			return nil, kernerr.ENoMem
		}
		k.mem.IncRef(pt)
		pde = exo.MakePTE(uint32(pt), pdePerm)
		pd[exo.PDX(va)] = uint32(pde)
	}
	return &k.mem.Words(physmem.Frame(pde.Frame()))[exo.PTX(va)], nil
}

// pageLookup returns the frame mapped at page-aligned va in e.
func (k *Kernel) pageLookup(e *Env, va hostarch.Addr) (physmem.Frame, exo.PTE, bool) {
	pte := k.vpt(e, va)
	if !pte.Present() {
		return 0, pte, false
	}
	return physmem.Frame(pte.Frame()), pte, true
}

// pageInsert maps f at page-aligned va in e with perm|PTE_P, replacing any
// existing mapping. The reference on f is taken before the old mapping is
// dropped so that remapping a frame over itself is safe.
func (k *Kernel) pageInsert(e *Env, f physmem.Frame, va hostarch.Addr, perm exo.PTE) error {
	pte, err := k.pgdirWalk(e.pgdir, va, true)
	if err != nil {
		return err
	}
	k.mem.IncRef(f)
	if exo.PTE(*pte).Present() {
		k.pageRemove(e, va)
	}
	*pte = uint32(exo.MakePTE(uint32(f), perm|exo.PTE_P))
	return nil
}

// pageRemove unmaps page-aligned va in e, if mapped.
func (k *Kernel) pageRemove(e *Env, va hostarch.Addr) {
	pte, _ := k.pgdirWalk(e.pgdir, va, false)
	if pte == nil || !exo.PTE(*pte).Present() {
		return
	}
	k.mem.DecRef(physmem.Frame(exo.PTE(*pte).Frame()))
	*pte = 0
}

// freeAddressSpace drops every user mapping of e, its page tables and its
// page directory.
func (k *Kernel) freeAddressSpace(e *Env) {
	if e.pgdir == 0 {
		return
	}
	pd := k.mem.Words(e.pgdir)
	for pdx := uint(0); pdx < exo.PDX(exo.UTOP); pdx++ {
		pde := exo.PTE(pd[pdx])
		if !pde.Present() {
			continue
		}
		pt := physmem.Frame(pde.Frame())
		for ptx, raw := range k.mem.Words(pt) {
			if pte := exo.PTE(raw); pte.Present() {
				k.mem.DecRef(physmem.Frame(pte.Frame()))
				k.mem.Words(pt)[ptx] = 0
			}
		}
		pd[pdx] = 0
		k.mem.DecRef(pt)
	}
	k.mem.DecRef(e.pgdir)
	e.pgdir = 0
}

// checkVA validates a user page address.
func checkVA(va hostarch.Addr) error {
	if va >= exo.UTOP || !va.IsPageAligned() {
		return kernerr.EInval
	}
	return nil
}

// checkPerm validates a permission passed by user code: PTE_P and PTE_U
// must be set and nothing outside PTE_SYSCALL may be.
func checkPerm(perm exo.PTE) error {
	if perm&(exo.PTE_P|exo.PTE_U) != exo.PTE_P|exo.PTE_U || perm&^exo.PTE_SYSCALL != 0 {
		return kernerr.EInval
	}
	return nil
}
