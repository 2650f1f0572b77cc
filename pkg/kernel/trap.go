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
	"encoding/binary"

	"gvisor.dev/cowfork/pkg/errors/kernerr"
	"gvisor.dev/cowfork/pkg/exo"
	"gvisor.dev/cowfork/pkg/hostarch"
	"gvisor.dev/cowfork/pkg/metric"
	"gvisor.dev/cowfork/pkg/physmem"
)

var pageFaults = metric.MustCreateNewUint64Metric("kernel_page_faults_total", "User page faults, by outcome.",
	metric.NewField("outcome", "upcall", "fatal"))

// translate resolves a user access to va in e. It returns the frame
// backing va, or the fault error code the MMU would push.
func (k *Kernel) translate(e *Env, va hostarch.Addr, at hostarch.AccessType) (physmem.Frame, uint32, bool) {
	errc := exo.FEC_U
	if at.Write {
		errc |= exo.FEC_WR
	}
	pte := k.vpt(e, va)
	if !pte.Present() {
		return 0, errc, false
	}
	if !pte.User() || (at.Write && !pte.Writable()) {
		return 0, errc | exo.FEC_PR, false
	}
	return physmem.Frame(pte.Frame()), 0, true
}

// access copies between buf and e's memory at va, delivering page faults
// as they occur.
func (k *Kernel) access(e *Env, va hostarch.Addr, buf []byte, at hostarch.AccessType) (int, error) {
	if end, ok := va.AddLength(uint64(len(buf))); !ok || end > exo.UTOP {
		return 0, kernerr.EFault
	}
	n := 0
	for n < len(buf) {
		cur := va + hostarch.Addr(n)
		f, errc, ok := k.translate(e, cur, at)
		if !ok {
			k.pageFault(e, cur, errc)
			if f, errc, ok = k.translate(e, cur, at); !ok {
				pageFaults.Increment("fatal")
				killf("user fault va %v err %#x not resolved by upcall", cur, errc)
			}
		}
		page := k.mem.Bytes(f)[cur.PageOffset():]
		if at.Write {
			n += copy(page, buf[n:])
		} else {
			n += copy(buf[n:], page)
		}
	}
	return n, nil
}

// pageFault delivers a fault at va to e's upcall, returning once the
// upcall does. Faults that cannot be delivered kill e.
func (k *Kernel) pageFault(e *Env, va hostarch.Addr, errc uint32) {
	if e.upcall == nil {
		pageFaults.Increment("fatal")
		killf("user fault va %v err %#x: no page fault upcall", va, errc)
	}
	if e.inUpcall {
		pageFaults.Increment("fatal")
		killf("user fault va %v err %#x: fault inside page fault upcall", va, errc)
	}
	f, pte, ok := k.pageLookup(e, exo.UXSTACKBOTTOM)
	if !ok || !pte.User() || !pte.Writable() {
		pageFaults.Increment("fatal")
		killf("user fault va %v err %#x: exception stack not mapped writable", va, errc)
	}

	// Push the fault record on the top of the exception stack and hand the
	// upcall the copy it will find there.
	frame := k.mem.Bytes(f)[hostarch.PageSize-exo.SizeofUTrapframe:]
	binary.LittleEndian.PutUint32(frame[0:], uint32(va))
	binary.LittleEndian.PutUint32(frame[4:], errc)
	utf := exo.UTrapframe{
		FaultVA: hostarch.Addr(binary.LittleEndian.Uint32(frame[0:])),
		Err:     binary.LittleEndian.Uint32(frame[4:]),
	}

	pageFaults.Increment("upcall")
	e.inUpcall = true
	e.upcall(&e.task, &utf)
	e.inUpcall = false
}

// CopyIn implements exo.Memory.CopyIn.
func (t *Task) CopyIn(va hostarch.Addr, dst []byte) (int, error) {
	return t.k.access(t.enter(""), va, dst, hostarch.Read)
}

// CopyOut implements exo.Memory.CopyOut.
func (t *Task) CopyOut(va hostarch.Addr, src []byte) (int, error) {
	return t.k.access(t.enter(""), va, src, hostarch.Write)
}
