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

import "gvisor.dev/cowfork/pkg/hostarch"

// User-visible virtual memory layout. Addresses at and above UTOP belong to
// the kernel and cannot be mapped through the system call surface.
//
//	UTOP,UXSTACKTOP -> +------------------------------+ 0xeec00000
//	                   |     User Exception Stack     | RW/RW  PGSIZE
//	                   +------------------------------+ 0xeebff000
//	                   |       Empty Memory (*)       | --/--  PGSIZE
//	    USTACKTOP  --> +------------------------------+ 0xeebfe000
//	                   |      Normal User Stack       | RW/RW  PGSIZE
//	                   +------------------------------+ 0xeebfd000
//	                   :              .               :
//	                   |  Program Data & Heap         |
//	    UTEXT -------> +------------------------------+ 0x00800000
//	    PFTEMP ------> |       Empty Memory (*)       |        PTSIZE
//	                   |                              |
//	    UTEMP -------> +------------------------------+ 0x00400000
//	                   |       Empty Memory (*)       |
//	    0 ------------ +------------------------------+
const (
	// UTOP is the top of user-mappable memory.
	UTOP hostarch.Addr = 0xEEC00000

	// UXSTACKTOP is the top of the one-page user exception stack.
	UXSTACKTOP = UTOP

	// UXSTACKBOTTOM is the address of the exception stack page.
	UXSTACKBOTTOM = UXSTACKTOP - PGSIZE

	// USTACKTOP is the top of the normal user stack. The page between it
	// and the exception stack is an unmapped guard.
	USTACKTOP = UTOP - 2*PGSIZE

	// UTEXT is where user programs generally begin.
	UTEXT hostarch.Addr = 2 * PTSIZE

	// UTEMP is the base of the region used for temporary page mappings.
	UTEMP hostarch.Addr = PTSIZE

	// PFTEMP is the scratch slot the user page fault handler stages a
	// freshly allocated page at. It must not conflict with other temporary
	// page mappings.
	PFTEMP = UTEMP + PTSIZE - PGSIZE
)
