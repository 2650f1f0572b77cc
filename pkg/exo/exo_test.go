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
	"testing"

	"gvisor.dev/cowfork/pkg/hostarch"
)

func TestClass(t *testing.T) {
	for _, tc := range []struct {
		pte  PTE
		want PageClass
	}{
		{0, Unmapped},
		{PTE_W | PTE_U, Unmapped},
		{PTE_P | PTE_U, SharedImmutable},
		{PTE_P | PTE_U | PTE_W, PrivateWritable},
		{PTE_P | PTE_U | PTE_COW, COWShared},
		{PTE_P | PTE_U | PTE_W | PTE_COW, Invalid},
		// Other AVAIL bits do not make a page copy-on-write.
		{PTE_P | PTE_U | 0x400, SharedImmutable},
		{PTE_P | PTE_U | PTE_COW | 0x200, SharedImmutable},
	} {
		if got := tc.pte.Class(); got != tc.want {
			t.Errorf("PTE(%#x).Class() got %v want %v", uint32(tc.pte), got, tc.want)
		}
	}
}

func TestMakePTE(t *testing.T) {
	pte := MakePTE(0x12345, PTE_P|PTE_U|PTE_COW)
	if got := pte.Frame(); got != 0x12345 {
		t.Errorf("Frame got %#x want 0x12345", got)
	}
	if got := pte.Perm(); got != PTE_P|PTE_U|PTE_COW {
		t.Errorf("Perm got %#x want %#x", uint32(got), uint32(PTE_P|PTE_U|PTE_COW))
	}
	// Flags never leak into the frame number.
	if got := MakePTE(1, 0xFFFFF000).Frame(); got != 1 {
		t.Errorf("Frame with stray flag bits got %#x want 1", got)
	}
	if got, want := pte.String(), "12345:C--U-P"; got != want {
		t.Errorf("String got %q want %q", got, want)
	}
}

func TestAddressHelpers(t *testing.T) {
	va := hostarch.Addr(0xEEBFF123)
	if got := PDX(va); got != 0x3BA {
		t.Errorf("PDX got %#x want 0x3ba", got)
	}
	if got := PTX(va); got != 0x3FF {
		t.Errorf("PTX got %#x want 0x3ff", got)
	}
	if got := PGNUM(va); got != 0xEEBFF {
		t.Errorf("PGNUM got %#x want 0xeebff", got)
	}
	if got := PGADDR(PDX(va), PTX(va), va.PageOffset()); got != va {
		t.Errorf("PGADDR got %v want %v", got, va)
	}
	if got := PGADDR(PDX(UTOP), 0, 0); got != UTOP {
		t.Errorf("UTOP is not page table aligned: PGADDR got %v", got)
	}
}

func TestLayout(t *testing.T) {
	for _, tc := range []struct {
		name string
		va   hostarch.Addr
		want hostarch.Addr
	}{
		{"UXSTACKBOTTOM", UXSTACKBOTTOM, 0xEEBFF000},
		{"USTACKTOP", USTACKTOP, 0xEEBFE000},
		{"UTEXT", UTEXT, 0x00800000},
		{"PFTEMP", PFTEMP, 0x007FF000},
	} {
		if tc.va != tc.want {
			t.Errorf("%s got %v want %v", tc.name, tc.va, tc.want)
		}
	}
}

func TestEnvID(t *testing.T) {
	id := EnvID(0x3007)
	if got := ENVX(id); got != 7 {
		t.Errorf("ENVX(%v) got %d want 7", id, got)
	}
	if got := id.String(); got != "00003007" {
		t.Errorf("String got %q want 00003007", got)
	}
	if NEnv > 1<<EnvGenShift {
		t.Errorf("NEnv %d overlaps the generation at bit %d", NEnv, EnvGenShift)
	}
}

func TestUTrapframe(t *testing.T) {
	utf := UTrapframe{FaultVA: 0x1000, Err: FEC_U | FEC_WR | FEC_PR}
	if !utf.IsWrite() || !utf.IsProtection() {
		t.Errorf("%+v: IsWrite %v IsProtection %v want both true", utf, utf.IsWrite(), utf.IsProtection())
	}
	utf.Err = FEC_U
	if utf.IsWrite() || utf.IsProtection() {
		t.Errorf("%+v: IsWrite %v IsProtection %v want both false", utf, utf.IsWrite(), utf.IsProtection())
	}
}
