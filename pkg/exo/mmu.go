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

package exo

import (
	"fmt"
	"strings"

	"gvisor.dev/cowfork/pkg/hostarch"
)

// A linear address 'la' has a three-part structure as follows:
//
//	+--------10------+-------10-------+---------12----------+
//	| Page Directory |   Page Table   | Offset within Page  |
//	|      Index     |      Index     |                     |
//	+----------------+----------------+---------------------+
//	 \--- PDX(la) --/ \--- PTX(la) --/ \---- PGOFF(la) ----/
//	 \---------- PGNUM(la) ----------/
const (
	// NPDEntries is the number of entries in a page directory.
	NPDEntries = 1024

	// NPTEntries is the number of entries in a page table.
	NPTEntries = 1024

	// PGSIZE is the number of bytes mapped by a page.
	PGSIZE = hostarch.PageSize

	// PGSHIFT is log2(PGSIZE).
	PGSHIFT = hostarch.PageShift

	// PTSIZE is the number of bytes mapped by one page directory entry.
	PTSIZE = PGSIZE * NPTEntries

	// PTXSHIFT is the offset of PTX in a linear address.
	PTXSHIFT = 12

	// PDXSHIFT is the offset of PDX in a linear address.
	PDXSHIFT = 22
)

// PGNUM returns the page number field of va.
func PGNUM(va hostarch.Addr) uint {
	return uint(va >> PTXSHIFT)
}

// PDX returns the page directory index of va.
func PDX(va hostarch.Addr) uint {
	return uint(va>>PDXSHIFT) & 0x3FF
}

// PTX returns the page table index of va.
func PTX(va hostarch.Addr) uint {
	return uint(va>>PTXSHIFT) & 0x3FF
}

// PGADDR builds a linear address from a page directory index, a page table
// index and an offset.
func PGADDR(pdx, ptx uint, off uint64) hostarch.Addr {
	return hostarch.Addr(pdx<<PDXSHIFT | ptx<<PTXSHIFT | uint(off))
}

// PTE is a page directory or page table entry: a physical frame number in
// bits 31..12 and flags in bits 11..0.
type PTE uint32

// Page table/directory entry flags.
const (
	PTE_P   PTE = 0x001 // Present
	PTE_W   PTE = 0x002 // Writeable
	PTE_U   PTE = 0x004 // User
	PTE_PWT PTE = 0x008 // Write-Through
	PTE_PCD PTE = 0x010 // Cache-Disable
	PTE_A   PTE = 0x020 // Accessed
	PTE_D   PTE = 0x040 // Dirty
	PTE_PS  PTE = 0x080 // Page Size
	PTE_G   PTE = 0x100 // Global

	// PTE_AVAIL bits are not used by the hardware and may be set freely by
	// user processes.
	PTE_AVAIL PTE = 0xE00

	// PTE_COW marks copy-on-write page table entries. It is one of the
	// PTE_AVAIL bits and is mutually exclusive with PTE_W.
	PTE_COW PTE = 0x800

	// PTE_SYSCALL holds the only flags that may be used in system calls.
	PTE_SYSCALL = PTE_AVAIL | PTE_P | PTE_W | PTE_U

	// pteFlagMask covers the flag half of an entry.
	pteFlagMask PTE = 0xFFF
)

// MakePTE returns an entry mapping frame with the given flags.
func MakePTE(frame uint32, flags PTE) PTE {
	return PTE(frame<<PGSHIFT) | flags&pteFlagMask
}

// Frame returns the physical frame number of the entry.
func (p PTE) Frame() uint32 {
	return uint32(p >> PGSHIFT)
}

// Perm returns the flag bits of the entry (PGOFF of the entry).
func (p PTE) Perm() PTE {
	return p & pteFlagMask
}

// Present returns true if PTE_P is set.
func (p PTE) Present() bool {
	return p&PTE_P != 0
}

// Writable returns true if PTE_W is set.
func (p PTE) Writable() bool {
	return p&PTE_W != 0
}

// User returns true if PTE_U is set.
func (p PTE) User() bool {
	return p&PTE_U != 0
}

// COW returns true if the available bits of the entry equal PTE_COW.
func (p PTE) COW() bool {
	return p&PTE_AVAIL == PTE_COW
}

// PageClass is the sharing state of a virtual page.
type PageClass int

// Page classes. Every mapped user page is exactly one of SharedImmutable,
// PrivateWritable or COWShared.
const (
	Unmapped PageClass = iota
	SharedImmutable
	PrivateWritable
	COWShared

	// Invalid is an entry that is both writable and COW-marked.
	Invalid
)

// String implements fmt.Stringer.String.
func (c PageClass) String() string {
	switch c {
	case Unmapped:
		return "unmapped"
	case SharedImmutable:
		return "shared-immutable"
	case PrivateWritable:
		return "private-writable"
	case COWShared:
		return "cow-shared"
	case Invalid:
		return "invalid"
	default:
		return fmt.Sprintf("PageClass(%d)", int(c))
	}
}

// Class classifies the entry.
func (p PTE) Class() PageClass {
	switch {
	case !p.Present():
		return Unmapped
	case p.Writable() && p.COW():
		return Invalid
	case p.Writable():
		return PrivateWritable
	case p.COW():
		return COWShared
	default:
		return SharedImmutable
	}
}

// String implements fmt.Stringer.String.
func (p PTE) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%05x:", p.Frame())
	for _, f := range []struct {
		bit  PTE
		name string
	}{
		{PTE_COW, "C"},
		{PTE_D, "D"},
		{PTE_A, "A"},
		{PTE_U, "U"},
		{PTE_W, "W"},
		{PTE_P, "P"},
	} {
		if p&f.bit != 0 {
			b.WriteString(f.name)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}
