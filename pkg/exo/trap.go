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

// Page fault error code bits, as pushed by the MMU.
const (
	// FEC_PR is set for a protection violation, clear for a fault on a
	// non-present page.
	FEC_PR uint32 = 0x1

	// FEC_WR is set when the fault was caused by a write.
	FEC_WR uint32 = 0x2

	// FEC_U is set when the fault occurred in user mode.
	FEC_U uint32 = 0x4
)

// UTrapframe is the fault record the kernel pushes onto the user exception
// stack before invoking the page fault upcall.
type UTrapframe struct {
	// FaultVA is the faulting virtual address.
	FaultVA hostarch.Addr

	// Err is the FEC_* cause bits.
	Err uint32
}

// SizeofUTrapframe is the number of bytes a UTrapframe occupies on the
// exception stack.
const SizeofUTrapframe = 8

// IsWrite returns true if the fault was caused by a write access.
func (utf *UTrapframe) IsWrite() bool {
	return utf.Err&FEC_WR != 0
}

// IsProtection returns true if the fault hit a present page.
func (utf *UTrapframe) IsProtection() bool {
	return utf.Err&FEC_PR != 0
}

// Upcall is a page fault handler entry point. The kernel invokes it
// synchronously on the faulting environment, passing that environment's own
// system call surface.
type Upcall func(sys Syscalls, utf *UTrapframe)

// Entry is the point at which a newly scheduled environment starts
// executing.
type Entry func(sys Syscalls)
