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

// Package ufork implements process duplication with lazy copy-on-write page
// sharing entirely in user space, on top of the address-space primitives of
// the exokernel.
//
// Fork walks the caller's page tables through the read-only PageView,
// shares every writable page copy-on-write with a new child, shares
// read-only pages directly, gives the child a fresh exception stack and
// registers the copy-on-write fault handler before letting the child run.
// Writes to copy-on-write pages later fault into pgfault, which replaces
// the shared page with a private copy.
package ufork

import (
	"fmt"

	"gvisor.dev/cowfork/pkg/exo"
)

// Proc is the user-side state of one environment: its system call surface
// and what it knows about itself.
type Proc struct {
	sys exo.Syscalls

	// thisenv is this environment's slot in the environment arena, as of
	// the last refresh.
	thisenv exo.EnvInfo

	// handler is the page fault handler, or nil if none has been set.
	handler exo.Upcall
}

// NewProc returns the Proc of the environment sys belongs to.
func NewProc(sys exo.Syscalls) *Proc {
	p := &Proc{sys: sys}
	p.refresh()
	return p
}

// refresh rereads thisenv.
func (p *Proc) refresh() {
	p.thisenv = p.sys.EnvInfo(exo.ENVX(p.sys.GetEnvID()))
}

// Sys returns the system call surface.
func (p *Proc) Sys() exo.Syscalls {
	return p.sys
}

// Env returns the environment's arena entry as of the last refresh.
func (p *Proc) Env() exo.EnvInfo {
	return p.thisenv
}

// ID returns the environment id.
func (p *Proc) ID() exo.EnvID {
	return p.thisenv.ID
}

// Outcome says on which side of a Fork execution continues.
type Outcome struct {
	child   exo.EnvID
	isChild bool
}

// Parent returns the outcome seen by the parent of child.
func Parent(child exo.EnvID) Outcome {
	return Outcome{child: child}
}

// Child returns the outcome seen by a new child.
func Child() Outcome {
	return Outcome{isChild: true}
}

// IsChild returns true in the child.
func (o Outcome) IsChild() bool {
	return o.isChild
}

// EnvID returns the child's id in the parent and 0 in the child.
func (o Outcome) EnvID() exo.EnvID {
	if o.isChild {
		return 0
	}
	return o.child
}

// String implements fmt.Stringer.String.
func (o Outcome) String() string {
	if o.isChild {
		return "child"
	}
	return fmt.Sprintf("parent of %v", o.child)
}

// Continuation is the code a new child runs. It receives the child's own
// Proc and Child().
type Continuation func(p *Proc, o Outcome)
