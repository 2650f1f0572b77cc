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
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"gvisor.dev/cowfork/pkg/errors/kernerr"
	"gvisor.dev/cowfork/pkg/exo"
	"gvisor.dev/cowfork/pkg/hostarch"
	"gvisor.dev/cowfork/pkg/kernel"
)

const (
	rwPerm  = exo.PTE_P | exo.PTE_U | exo.PTE_W
	roPerm  = exo.PTE_P | exo.PTE_U
	cowPerm = exo.PTE_P | exo.PTE_U | exo.PTE_COW

	// dataVA is an extra writable page allocated by tests.
	dataVA hostarch.Addr = 0x10000000
)

// machine is a kernel running one root environment.
type machine struct {
	t    *testing.T
	k    *kernel.Kernel
	root exo.EnvID
}

func newMachine(t *testing.T, conf kernel.Config) *machine {
	t.Helper()
	conf.Console = &bytes.Buffer{}
	k, err := kernel.New(conf)
	if err != nil {
		t.Fatalf("kernel.New got err %v want nil", err)
	}
	t.Cleanup(func() { k.Shutdown() })
	return &machine{t: t, k: k}
}

// run spawns entry as the root environment and runs the machine until it
// is idle.
func (m *machine) run(entry exo.Entry) {
	m.t.Helper()
	root, err := m.k.Spawn(kernel.MinimalImage(), entry)
	if err != nil {
		m.t.Fatalf("Spawn got err %v want nil", err)
	}
	m.root = root
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.k.Run(ctx); err != nil {
		m.t.Fatalf("Run got err %v want nil", err)
	}
}

func boot(t *testing.T, conf kernel.Config, entry exo.Entry) *machine {
	t.Helper()
	m := newMachine(t, conf)
	m.run(entry)
	return m
}

func (m *machine) lookup(id exo.EnvID, va hostarch.Addr) exo.PTE {
	m.t.Helper()
	pte, err := m.k.Lookup(id, va)
	if err != nil {
		m.t.Fatalf("Lookup(%v, %v) got err %v", id, va, err)
	}
	return pte
}

func write(t *testing.T, sys exo.Syscalls, va hostarch.Addr, s string) {
	t.Helper()
	if _, err := sys.CopyOut(va, []byte(s)); err != nil {
		t.Errorf("CopyOut(%v) got err %v", va, err)
	}
}

func read(t *testing.T, sys exo.Syscalls, va hostarch.Addr, n int) string {
	t.Helper()
	buf := make([]byte, n)
	if _, err := sys.CopyIn(va, buf); err != nil {
		t.Errorf("CopyIn(%v) got err %v", va, err)
	}
	return string(buf)
}

// mustFork forks p and reports an error on failure. It runs inside an
// environment, so it cannot stop the test.
func mustFork(t *testing.T, p *Proc, resume Continuation) exo.EnvID {
	t.Helper()
	o, err := Fork(p, resume)
	if err != nil {
		t.Errorf("Fork got err %v want nil", err)
	}
	if o.IsChild() {
		t.Errorf("Fork returned %v in the parent", o)
	}
	return o.EnvID()
}

func TestScenario(t *testing.T) {
	var (
		childBefore, childAfter, parentAfter string
		childFaults, childReadFaults         uint64
		child                                exo.EnvID
		parentFrameAfterChildWrite           uint32
		parentFrameBefore                    uint32
	)
	m := boot(t, kernel.Config{}, func(sys exo.Syscalls) {
		p := NewProc(sys)
		if err := sys.PageAlloc(0, dataVA, rwPerm); err != nil {
			t.Errorf("PageAlloc got err %v", err)
			return
		}
		write(t, sys, dataVA, "AAAA")
		child = mustFork(t, p, func(c *Proc, o Outcome) {
			sys := c.Sys()
			before := cowFaults.Value()
			childBefore = read(t, sys, dataVA, 4)
			childReadFaults = cowFaults.Value() - before
			write(t, sys, dataVA, "BBBB")
			childAfter = read(t, sys, dataVA, 4)
			childFaults = cowFaults.Value() - before
		})
		parentFrameBefore = sys.VPT(dataVA).Frame()
		sys.Yield()
		parentFrameAfterChildWrite = sys.VPT(dataVA).Frame()
		parentAfter = read(t, sys, dataVA, 4)
	})

	if childBefore != "AAAA" || childReadFaults != 0 {
		t.Errorf("child read got %q with %d faults want AAAA with 0", childBefore, childReadFaults)
	}
	if childAfter != "BBBB" || childFaults != 1 {
		t.Errorf("child after write got %q with %d faults want BBBB with 1", childAfter, childFaults)
	}
	if parentAfter != "AAAA" {
		t.Errorf("parent read after child write got %q want AAAA", parentAfter)
	}
	if parentFrameAfterChildWrite != parentFrameBefore {
		t.Errorf("parent frame changed by child write: got %#x want %#x", parentFrameAfterChildWrite, parentFrameBefore)
	}
	if child <= 0 {
		t.Errorf("child id got %v want positive", child)
	}
	if err := m.k.ExitError(child); err != nil {
		t.Errorf("child died: %v", err)
	}
}

func TestParentWriteIsolated(t *testing.T) {
	var childSaw, parentSaw string
	var parentFaults uint64
	boot(t, kernel.Config{}, func(sys exo.Syscalls) {
		p := NewProc(sys)
		sys.PageAlloc(0, dataVA, rwPerm)
		write(t, sys, dataVA, "AAAA")
		mustFork(t, p, func(c *Proc, o Outcome) {
			childSaw = read(t, c.Sys(), dataVA, 4)
		})
		before := cowFaults.Value()
		write(t, sys, dataVA, "PPPP")
		parentFaults = cowFaults.Value() - before
		sys.Yield()
		parentSaw = read(t, sys, dataVA, 4)
	})
	if childSaw != "AAAA" {
		t.Errorf("child read got %q want AAAA", childSaw)
	}
	if parentSaw != "PPPP" || parentFaults != 1 {
		t.Errorf("parent got %q with %d faults want PPPP with 1", parentSaw, parentFaults)
	}
}

func TestSymmetricCOW(t *testing.T) {
	type mapping struct {
		parent, child exo.PTE
	}
	got := map[hostarch.Addr]mapping{}
	pages := []hostarch.Addr{
		exo.UTEXT + hostarch.PageSize,
		exo.USTACKTOP - hostarch.PageSize,
		dataVA,
	}
	m := newMachine(t, kernel.Config{})
	m.run(func(sys exo.Syscalls) {
		p := NewProc(sys)
		sys.PageAlloc(0, dataVA, rwPerm)
		child := mustFork(t, p, func(*Proc, Outcome) {})
		for _, va := range pages {
			got[va] = mapping{parent: sys.VPT(va), child: m.lookup(child, va)}
		}
	})
	for _, va := range pages {
		g := got[va]
		if g.parent.Perm() != cowPerm || g.child.Perm() != cowPerm {
			t.Errorf("%v perms got parent %v child %v want both %v", va, g.parent.Perm(), g.child.Perm(), cowPerm)
		}
		if g.parent.Frame() != g.child.Frame() {
			t.Errorf("%v frames got parent %#x child %#x want equal", va, g.parent.Frame(), g.child.Frame())
		}
	}
}

func TestCOWPageStaysCOWAcrossSecondFork(t *testing.T) {
	var first, second exo.PTE
	m := newMachine(t, kernel.Config{})
	m.run(func(sys exo.Syscalls) {
		p := NewProc(sys)
		sys.PageAlloc(0, dataVA, rwPerm)
		a := mustFork(t, p, func(*Proc, Outcome) {})
		b := mustFork(t, p, func(*Proc, Outcome) {})
		first = m.lookup(a, dataVA)
		second = m.lookup(b, dataVA)
		if got := sys.VPT(dataVA).Perm(); got != cowPerm {
			t.Errorf("parent perm got %v want %v", got, cowPerm)
		}
	})
	if first.Perm() != cowPerm || second.Perm() != cowPerm || first.Frame() != second.Frame() {
		t.Errorf("children got %v and %v, want the same frame COW in both", first, second)
	}
}

func TestSharedImmutable(t *testing.T) {
	var parent, child exo.PTE
	var faults uint64
	var refs int
	m := newMachine(t, kernel.Config{})
	m.run(func(sys exo.Syscalls) {
		p := NewProc(sys)
		before := cowFaults.Value()
		id := mustFork(t, p, func(*Proc, Outcome) {})
		parent = sys.VPT(exo.UTEXT)
		child = m.lookup(id, exo.UTEXT)
		refs = m.k.Refs(id, exo.UTEXT)
		faults = cowFaults.Value() - before
	})
	if parent != child || parent.Perm() != roPerm {
		t.Errorf("text got parent %v child %v want identical %v mappings", parent, child, roPerm)
	}
	if refs != 2 {
		t.Errorf("text refs got %d want 2", refs)
	}
	if faults != 0 {
		t.Errorf("fork took %d faults want 0", faults)
	}
}

func TestExceptionStackFresh(t *testing.T) {
	var parentStack, childStack exo.PTE
	var childContent, parentContent []byte
	m := newMachine(t, kernel.Config{})
	m.run(func(sys exo.Syscalls) {
		p := NewProc(sys)
		if err := SetPgfaultHandler(p, pgfault); err != nil {
			t.Errorf("SetPgfaultHandler got err %v", err)
			return
		}
		write(t, sys, exo.UXSTACKBOTTOM, "parent")
		id := mustFork(t, p, func(c *Proc, o Outcome) {
			// Take one fault so the kernel pushes a record on the
			// child's own exception stack.
			write(t, c.Sys(), exo.UTEXT+hostarch.PageSize, "x")
		})
		parentStack = sys.VPT(exo.UXSTACKBOTTOM)
		childStack = m.lookup(id, exo.UXSTACKBOTTOM)
		var err error
		if childContent, err = m.k.Peek(id, exo.UXSTACKBOTTOM, hostarch.PageSize); err != nil {
			t.Errorf("Peek got err %v", err)
		}
		sys.Yield()
		parentContent = []byte(read(t, sys, exo.UXSTACKBOTTOM, hostarch.PageSize))
	})
	if parentStack.Perm() != rwPerm || childStack.Perm() != rwPerm {
		t.Errorf("exception stack perms got parent %v child %v want %v", parentStack.Perm(), childStack.Perm(), rwPerm)
	}
	if parentStack.Frame() == childStack.Frame() {
		t.Errorf("exception stack frame %#x shared", parentStack.Frame())
	}
	if !bytes.Equal(childContent, make([]byte, hostarch.PageSize)) {
		t.Errorf("child exception stack not blank after fork")
	}
	if !bytes.HasPrefix(parentContent, []byte("parent")) {
		t.Errorf("parent exception stack got prefix %q want parent", parentContent[:6])
	}
	// The child's fault record must not have landed on the parent's stack.
	if !bytes.Equal(parentContent[hostarch.PageSize-exo.SizeofUTrapframe:], make([]byte, exo.SizeofUTrapframe)) {
		t.Errorf("parent exception stack holds a fault record: %v", parentContent[hostarch.PageSize-exo.SizeofUTrapframe:])
	}
}

func TestForkAllocatesOnlyExceptionStack(t *testing.T) {
	var used, pdes int
	m := newMachine(t, kernel.Config{})
	m.run(func(sys exo.Syscalls) {
		p := NewProc(sys)
		sys.PageAlloc(0, dataVA, rwPerm)
		if err := SetPgfaultHandler(p, pgfault); err != nil {
			t.Errorf("SetPgfaultHandler got err %v", err)
			return
		}
		for va := hostarch.Addr(0); va < exo.UTOP; va += exo.PTSIZE {
			if sys.VPD(va).Present() {
				pdes++
			}
		}
		before := m.k.FreePages()
		mustFork(t, p, func(*Proc, Outcome) {})
		used = before - m.k.FreePages()
	})
	// Page directory, one page table per directory entry, exception stack.
	if want := 1 + pdes + 1; used != want {
		t.Errorf("fork used %d frames want %d", used, want)
	}
}

func TestMinimalProgram(t *testing.T) {
	var parentOutcome, childOutcome Outcome
	var childSelf exo.EnvID
	var childInfo exo.EnvInfo
	var parentID exo.EnvID
	boot(t, kernel.Config{}, func(sys exo.Syscalls) {
		p := NewProc(sys)
		parentID = p.ID()
		var err error
		parentOutcome, err = Fork(p, func(c *Proc, o Outcome) {
			childOutcome = o
			childSelf = c.Sys().GetEnvID()
			childInfo = c.Env()
		})
		if err != nil {
			t.Errorf("Fork got err %v", err)
		}
	})
	if parentOutcome.IsChild() || parentOutcome.EnvID() <= 0 {
		t.Errorf("parent outcome got %v want a positive child id", parentOutcome)
	}
	if !childOutcome.IsChild() || childOutcome.EnvID() != 0 {
		t.Errorf("child outcome got %v want child with id 0", childOutcome)
	}
	if childSelf != parentOutcome.EnvID() {
		t.Errorf("child id got %v want %v", childSelf, parentOutcome.EnvID())
	}
	if childInfo.ID != childSelf || childInfo.ParentID != parentID || childInfo.Status != exo.EnvRunning {
		t.Errorf("child thisenv got %+v want id %v parent %v running", childInfo, childSelf, parentID)
	}
}

func TestFatalFaults(t *testing.T) {
	for _, tc := range []struct {
		name string
		do   func(t *testing.T, p *Proc)
		want string
	}{
		{
			name: "read of unmapped page",
			do: func(t *testing.T, p *Proc) {
				read(t, p.Sys(), dataVA, 1)
			},
			want: "page directory entry not present",
		},
		{
			name: "write to unmapped page in mapped table",
			do: func(t *testing.T, p *Proc) {
				write(t, p.Sys(), exo.UTEXT+16*hostarch.PageSize, "x")
			},
			want: "page table entry not present",
		},
		{
			name: "write to read-only page",
			do: func(t *testing.T, p *Proc) {
				write(t, p.Sys(), exo.UTEXT, "x")
			},
			want: "not a write to a copy-on-write page",
		},
		{
			name: "read fault on COW page",
			do: func(t *testing.T, p *Proc) {
				sys := p.Sys()
				sys.PageAlloc(0, dataVA, cowPerm)
				pgfault(sys, &exo.UTrapframe{FaultVA: dataVA, Err: exo.FEC_U | exo.FEC_PR})
			},
			want: "not a write to a copy-on-write page",
		},
		{
			name: "COW bit with another AVAIL bit",
			do: func(t *testing.T, p *Proc) {
				sys := p.Sys()
				sys.PageAlloc(0, dataVA, cowPerm|0x400)
				write(t, sys, dataVA, "x")
			},
			want: "not a write to a copy-on-write page",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			reached := false
			m := boot(t, kernel.Config{}, func(sys exo.Syscalls) {
				p := NewProc(sys)
				if err := SetPgfaultHandler(p, pgfault); err != nil {
					t.Errorf("SetPgfaultHandler got err %v", err)
					return
				}
				tc.do(t, p)
				reached = true
			})
			if reached {
				t.Errorf("environment survived the fault")
			}
			err := m.k.ExitError(m.root)
			if err == nil || !strings.Contains(err.Reason, tc.want) {
				t.Errorf("ExitError got %v want reason containing %q", err, tc.want)
			}
		})
	}
}

func TestSpawnFailure(t *testing.T) {
	var err error
	var o Outcome
	var perm exo.PTE
	boot(t, kernel.Config{MaxEnvs: 1}, func(sys exo.Syscalls) {
		p := NewProc(sys)
		o, err = Fork(p, func(*Proc, Outcome) {
			t.Errorf("child ran")
		})
		perm = sys.VPT(exo.UTEXT + hostarch.PageSize).Perm()
	})
	if err != kernerr.ENoFreeEnv || kernerr.Code(err) >= 0 {
		t.Errorf("Fork got err %v (code %d) want %v", err, kernerr.Code(err), kernerr.ENoFreeEnv)
	}
	if o != (Outcome{}) {
		t.Errorf("Fork outcome got %v want zero", o)
	}
	if perm != rwPerm {
		t.Errorf("data page perm after failed fork got %v want %v", perm, rwPerm)
	}
}

func TestDuppageTargetValidation(t *testing.T) {
	var errs []error
	boot(t, kernel.Config{}, func(sys exo.Syscalls) {
		pn := exo.PGNUM(exo.UTEXT + hostarch.PageSize)
		child, err := sys.Exofork(func(exo.Syscalls) {})
		if err != nil {
			t.Errorf("Exofork got err %v", err)
			return
		}
		// Wrong generation for a live slot.
		errs = append(errs, duppage(sys, child+(1<<exo.EnvGenShift), pn))
		// A free slot.
		errs = append(errs, duppage(sys, child+1, pn))
		errs = append(errs, duppage(sys, child, pn))
	})
	if len(errs) != 3 || errs[0] != kernerr.EBadEnv || errs[1] != kernerr.EBadEnv || errs[2] != nil {
		t.Errorf("duppage got errs %v want [%v %v <nil>]", errs, kernerr.EBadEnv, kernerr.EBadEnv)
	}
}

// failingSys fails PageMap after a number of successful calls.
type failingSys struct {
	exo.Syscalls
	okMaps int
}

func (f *failingSys) PageMap(srcenv exo.EnvID, srcva hostarch.Addr, dstenv exo.EnvID, dstva hostarch.Addr, perm exo.PTE) error {
	if f.okMaps == 0 {
		return kernerr.ENoMem
	}
	f.okMaps--
	return f.Syscalls.PageMap(srcenv, srcva, dstenv, dstva, perm)
}

func TestMappingFailureFatal(t *testing.T) {
	for _, okMaps := range []int{0, 1, 2} {
		reached := false
		m := boot(t, kernel.Config{}, func(sys exo.Syscalls) {
			p := NewProc(&failingSys{Syscalls: sys, okMaps: okMaps})
			Fork(p, func(*Proc, Outcome) {
				t.Errorf("child of failed fork ran")
			})
			reached = true
		})
		if reached {
			t.Errorf("okMaps %d: parent survived a failed mapping", okMaps)
		}
		err := m.k.ExitError(m.root)
		if err == nil || !strings.Contains(err.Reason, "fork:") {
			t.Errorf("okMaps %d: ExitError got %v want a fork diagnostic", okMaps, err)
		}
	}
}

func TestSetPgfaultHandlerIdempotent(t *testing.T) {
	var first, second exo.PTE
	var used int
	m := newMachine(t, kernel.Config{})
	m.run(func(sys exo.Syscalls) {
		p := NewProc(sys)
		SetPgfaultHandler(p, pgfault)
		first = sys.VPT(exo.UXSTACKBOTTOM)
		before := m.k.FreePages()
		SetPgfaultHandler(p, pgfault)
		second = sys.VPT(exo.UXSTACKBOTTOM)
		used = before - m.k.FreePages()
	})
	if first != second || first.Perm() != rwPerm {
		t.Errorf("exception stack got %v then %v want one %v mapping", first, second, rwPerm)
	}
	if used != 0 {
		t.Errorf("second SetPgfaultHandler used %d frames want 0", used)
	}
}

func TestForkTree(t *testing.T) {
	const depth = 3
	var names []string
	var fork func(p *Proc, cur string)
	fork = func(p *Proc, cur string) {
		names = append(names, cur)
		if len(cur) >= depth {
			return
		}
		for _, branch := range []string{"0", "1"} {
			next := cur + branch
			if _, err := Fork(p, func(c *Proc, o Outcome) { fork(c, next) }); err != nil {
				t.Errorf("Fork(%q) got err %v", next, err)
			}
		}
	}
	m := boot(t, kernel.Config{}, func(sys exo.Syscalls) {
		fork(NewProc(sys), "")
	})
	if want := 1<<(depth+1) - 1; len(names) != want {
		t.Errorf("forktree ran %d environments want %d: %v", len(names), want, names)
	}
	if errs := m.k.ExitErrors(); len(errs) != 0 {
		t.Errorf("forktree environments died: %v", errs)
	}
}

func TestSforkPanics(t *testing.T) {
	defer func() {
		if r := recover(); r != "sfork not implemented" {
			t.Errorf("Sfork panicked with %v want sfork not implemented", r)
		}
	}()
	Sfork(nil, nil)
}

func TestOutcome(t *testing.T) {
	if o := Parent(0x1001); o.IsChild() || o.EnvID() != 0x1001 || o.String() != "parent of 00001001" {
		t.Errorf("Parent(0x1001) got %v, child %v, id %v", o, o.IsChild(), o.EnvID())
	}
	if o := Child(); !o.IsChild() || o.EnvID() != 0 || o.String() != "child" {
		t.Errorf("Child() got %v, child %v, id %v", o, o.IsChild(), o.EnvID())
	}
}
