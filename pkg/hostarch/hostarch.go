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

// Package hostarch contains address and access-type definitions for the
// simulated 32-bit paging machine.
package hostarch

const (
	// PageShift is the binary log of the machine page size.
	PageShift = 12

	// PageSize is the machine page size.
	PageSize = 1 << PageShift
)

// AccessType specifies memory access types. This is used for permissions
// checks and for describing the access that caused a fault.
type AccessType struct {
	// Read is read access.
	Read bool

	// Write is write access.
	Write bool
}

var (
	// Read represents read access only.
	Read = AccessType{Read: true}

	// Write represents write access only.
	Write = AccessType{Write: true}
)

// String returns a pretty representation of access. This looks like the
// output of /proc/[pid]/maps, minus the execute bit.
func (a AccessType) String() string {
	bits := [2]byte{'-', '-'}
	if a.Read {
		bits[0] = 'r'
	}
	if a.Write {
		bits[1] = 'w'
	}
	return string(bits[:])
}
