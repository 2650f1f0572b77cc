// Copyright 2021 The gVisor Authors.
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

// Package kernerr contains the kernel's system call error codes exported as
// error interface pointers. This allows for fast comparison and return
// operations comparable to unix.Errno constants.
package kernerr

import (
	"fmt"

	"gvisor.dev/cowfork/pkg/errors"
	"gvisor.dev/cowfork/pkg/exo"
)

// The following errors are singletons: callers compare against them with
// ==. The Code method of each returns the negative number seen by user
// code.
var (
	noError      *errors.Error = nil
	EUnspecified               = errors.New(exo.EUNSPECIFIED, "unspecified or unknown problem")
	EBadEnv                    = errors.New(exo.EBADENV, "bad environment")
	EInval                     = errors.New(exo.EINVAL, "invalid parameter")
	ENoMem                     = errors.New(exo.ENOMEM, "out of memory")
	ENoFreeEnv                 = errors.New(exo.ENOFREEENV, "out of environments")
	EFault                     = errors.New(exo.EFAULT, "segmentation fault")
	EIPCNotRecv                = errors.New(exo.EIPCNOTRECV, "env is not recving")
	EEOF                       = errors.New(exo.EEOF, "unexpected end of file")
	ETxRetry                   = errors.New(exo.ETXRETRY, "transmit ring full, retry")
	EPktTooLarge               = errors.New(exo.EPKTTOOLARGE, "packet too large")
)

// A nil *errors.Error denotes no error and is placed at the 0 index of
// errorSlice.
var errorSlice = []*errors.Error{
	exo.NOERRNO:      noError,
	exo.EUNSPECIFIED: EUnspecified,
	exo.EBADENV:      EBadEnv,
	exo.EINVAL:       EInval,
	exo.ENOMEM:       ENoMem,
	exo.ENOFREEENV:   ENoFreeEnv,
	exo.EFAULT:       EFault,
	exo.EIPCNOTRECV:  EIPCNotRecv,
	exo.EEOF:         EEOF,
	exo.ETXRETRY:     ETxRetry,
	exo.EPKTTOOLARGE: EPktTooLarge,
}

// FromCode returns the error for a system call return value. Non-negative
// values denote success and yield nil.
func FromCode(code int) error {
	if code >= 0 {
		return nil
	}
	n := -code
	if n >= len(errorSlice) {
		panic(fmt.Sprintf("invalid error requested with code: %d", code))
	}
	return errorSlice[n]
}

// Code returns the system call return value for err: 0 for nil, the negated
// error number for kernel errors and -EUNSPECIFIED for anything else.
func Code(err error) int {
	if err == nil {
		return 0
	}
	if e, ok := err.(*errors.Error); ok {
		if e == noError {
			return 0
		}
		return e.Code()
	}
	return EUnspecified.Code()
}

// Equals compares a kernel error to a given error.
func Equals(e *errors.Error, err error) bool {
	if err == nil {
		return e == noError
	}
	return e == err
}
