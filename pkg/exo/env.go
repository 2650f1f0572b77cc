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

import "fmt"

// EnvID uniquely identifies an environment. It has three parts:
//
//	+1+---------------21-----------------+--------10--------+
//	|0|          Uniqueifier             |   Environment    |
//	| |                                  |      Index       |
//	+------------------------------------+------------------+
//	                                      \--- ENVX(eid) --/
//
// The environment index ENVX(eid) equals the environment's slot in the
// environment arena. The uniqueifier distinguishes environments that were
// created at different times but share the same slot.
type EnvID int32

const (
	// LogNEnv is log2(NEnv).
	LogNEnv = 10

	// NEnv is the capacity of the environment arena.
	NEnv = 1 << LogNEnv

	// EnvGenShift is the shift of the generation counter inside an EnvID.
	// It must be >= LogNEnv.
	EnvGenShift = 12
)

// ENVX returns the arena slot index of id.
func ENVX(id EnvID) int {
	return int(id) & (NEnv - 1)
}

// String implements fmt.Stringer.String.
func (id EnvID) String() string {
	return fmt.Sprintf("%08x", int32(id))
}

// Status is the run status of an environment.
type Status uint32

// Environment states.
const (
	EnvFree Status = iota
	EnvDying
	EnvRunnable
	EnvRunning
	EnvNotRunnable
)

// String implements fmt.Stringer.String.
func (s Status) String() string {
	switch s {
	case EnvFree:
		return "free"
	case EnvDying:
		return "dying"
	case EnvRunnable:
		return "runnable"
	case EnvRunning:
		return "running"
	case EnvNotRunnable:
		return "not-runnable"
	default:
		return fmt.Sprintf("Status(%d)", uint32(s))
	}
}

// EnvInfo is a read-only snapshot of one slot of the environment arena.
type EnvInfo struct {
	ID       EnvID
	ParentID EnvID
	Status   Status

	// Runs counts how many times the environment has been scheduled.
	Runs uint64
}
