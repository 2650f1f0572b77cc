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

// Package physmem simulates the machine's physical page frames.
//
// An Arena is one anonymous host mapping carved into PageSize frames. Each
// frame carries a reference count; a frame returns to the free list when
// its count drops to zero. Frame 0 is never handed out so that a zero frame
// number can never name a live page.
//
// Arenas are not safe for concurrent use. The kernel serializes access.
package physmem

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
	"gvisor.dev/cowfork/pkg/hostarch"
)

// Frame is a physical frame number.
type Frame uint32

// Addr returns the physical address of the start of f.
func (f Frame) Addr() uint64 {
	return uint64(f) << hostarch.PageShift
}

// String implements fmt.Stringer.String.
func (f Frame) String() string {
	return fmt.Sprintf("frame %#x", uint32(f))
}

// Arena is a fixed pool of physical frames.
type Arena struct {
	mem  []byte
	refs []uint32

	// free is a LIFO list of unreferenced frames.
	free []Frame
}

// New maps an arena of npages frames. npages includes the reserved frame 0.
func New(npages int) (*Arena, error) {
	if npages < 2 {
		return nil, fmt.Errorf("arena needs at least 2 pages, got %d", npages)
	}
	mem, err := unix.Mmap(-1, 0, npages*hostarch.PageSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap %d pages: %w", npages, err)
	}
	a := &Arena{
		mem:  mem,
		refs: make([]uint32, npages),
		free: make([]Frame, 0, npages-1),
	}
	// Push in reverse so that low frames are handed out first.
	for f := npages - 1; f >= 1; f-- {
		a.free = append(a.free, Frame(f))
	}
	a.refs[0] = 1
	return a, nil
}

// Release unmaps the arena. The arena must not be used afterwards.
func (a *Arena) Release() error {
	if a.mem == nil {
		return nil
	}
	err := unix.Munmap(a.mem)
	a.mem = nil
	a.refs = nil
	a.free = nil
	return err
}

// NumPages returns the number of frames in the arena, including frame 0.
func (a *Arena) NumPages() int {
	return len(a.refs)
}

// NumFree returns the number of unreferenced frames.
func (a *Arena) NumFree() int {
	return len(a.free)
}

// Alloc returns a zeroed frame with a reference count of zero. The caller
// takes a reference by mapping it. ok is false when the arena is exhausted.
func (a *Arena) Alloc() (f Frame, ok bool) {
	if len(a.free) == 0 {
		return 0, false
	}
	f = a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	clear(a.Bytes(f))
	return f, true
}

// Free returns an unreferenced frame obtained from Alloc to the free list.
func (a *Arena) Free(f Frame) {
	a.check(f)
	if a.refs[f] != 0 {
		panic(fmt.Sprintf("freeing %v with %d references", f, a.refs[f]))
	}
	a.free = append(a.free, f)
}

// IncRef takes a reference on f.
func (a *Arena) IncRef(f Frame) {
	a.check(f)
	a.refs[f]++
}

// DecRef drops a reference on f, freeing it when none remain. It reports
// whether f was freed.
func (a *Arena) DecRef(f Frame) bool {
	a.check(f)
	if a.refs[f] == 0 {
		panic(fmt.Sprintf("DecRef of unreferenced %v", f))
	}
	a.refs[f]--
	if a.refs[f] == 0 {
		a.free = append(a.free, f)
		return true
	}
	return false
}

// Refs returns the reference count of f.
func (a *Arena) Refs(f Frame) int {
	a.check(f)
	return int(a.refs[f])
}

// Bytes returns the contents of f.
func (a *Arena) Bytes(f Frame) []byte {
	a.check(f)
	off := int(f) << hostarch.PageShift
	return a.mem[off : off+hostarch.PageSize : off+hostarch.PageSize]
}

// Words returns the contents of f as 32-bit words. Page tables live in
// frames and are accessed this way.
func (a *Arena) Words(f Frame) []uint32 {
	b := a.Bytes(f)
	return unsafe.Slice((*uint32)(unsafe.Pointer(&b[0])), hostarch.PageSize/4)
}

func (a *Arena) check(f Frame) {
	if f == 0 || int(f) >= len(a.refs) {
		panic(fmt.Sprintf("%v out of range (1, %d)", f, len(a.refs)))
	}
}
