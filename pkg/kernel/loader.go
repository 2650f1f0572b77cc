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

	"gvisor.dev/cowfork/pkg/errors/kernerr"
	"gvisor.dev/cowfork/pkg/exo"
	"gvisor.dev/cowfork/pkg/hostarch"
)

// Segment is a contiguous range of a program image.
type Segment struct {
	// VA is the page-aligned load address.
	VA hostarch.Addr

	// Data is copied to VA. The segment spans at least one page.
	Data []byte

	// Writable segments are mapped with PTE_W.
	Writable bool
}

// Image is a loadable program.
type Image struct {
	Segments []Segment
}

// minimalText stands in for the code of a program that only forks.
var minimalText = []byte("\x55\x89\xe5\xe8fork\xc9\xc3")

// MinimalImage returns the smallest useful program: one read-only text
// page at UTEXT followed by one writable data page.
func MinimalImage() Image {
	return Image{Segments: []Segment{
		{VA: exo.UTEXT, Data: append([]byte(nil), minimalText...)},
		{VA: exo.UTEXT + hostarch.PageSize, Data: []byte("data"), Writable: true},
	}}
}

// Spawn creates a runnable top-level environment running entry with img
// loaded and one zeroed stack page below USTACKTOP.
func (k *Kernel) Spawn(img Image, entry exo.Entry) (exo.EnvID, error) {
	if entry == nil {
		return 0, fmt.Errorf("nil entry point")
	}
	e, err := k.envAlloc(0, entry)
	if err != nil {
		return 0, err
	}
	if err := k.load(e, img); err != nil {
		k.envDestroy(e)
		return 0, err
	}
	k.setStatus(e, exo.EnvRunnable)
	return e.id, nil
}

func (k *Kernel) load(e *Env, img Image) error {
	for _, seg := range img.Segments {
		if err := checkVA(seg.VA); err != nil {
			return fmt.Errorf("segment at %v: %w", seg.VA, err)
		}
		perm := exo.PTE_P | exo.PTE_U
		if seg.Writable {
			perm |= exo.PTE_W
		}
		size, ok := hostarch.PageRoundUp(uint64(len(seg.Data)))
		if !ok {
			return fmt.Errorf("segment at %v: size overflow", seg.VA)
		}
		if size == 0 {
			size = hostarch.PageSize
		}
		if end, ok := seg.VA.AddLength(size); !ok || end > exo.UTOP {
			return fmt.Errorf("segment at %v: extends past UTOP", seg.VA)
		}
		for off := uint64(0); off < size; off += hostarch.PageSize {
			va := seg.VA + hostarch.Addr(off)
			if err := k.mapFresh(e, va, perm); err != nil {
				return fmt.Errorf("segment at %v: %w", seg.VA, err)
			}
			f, _, _ := k.pageLookup(e, va)
			if off < uint64(len(seg.Data)) {
				copy(k.mem.Bytes(f), seg.Data[off:])
			}
		}
	}
	return k.mapFresh(e, exo.USTACKTOP-hostarch.PageSize, exo.PTE_P|exo.PTE_U|exo.PTE_W)
}

// mapFresh maps a zeroed frame at va in e.
func (k *Kernel) mapFresh(e *Env, va hostarch.Addr, perm exo.PTE) error {
	f, ok := k.mem.Alloc()
	if !ok {
		return kernerr.ENoMem
	}
	if err := k.pageInsert(e, f, va, perm); err != nil {
		k.mem.Free(f)
		return err
	}
	return nil
}
