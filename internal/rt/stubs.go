/*
 * Copyright 2024 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package rt

import (
	"fmt"
)

// StubKind names a runtime stub that trapping code is redirected to.
type StubKind int

const (
	StubNullCheck StubKind = iota
	StubRangeCheck
	StubSafepointPoll
	StubPollReturn
	StubWrongMethod
	StubICMiss
	StubDivideByZero
	StubStackOverflow
	StubUnsafeAccess
	NbStubs
)

var stubNames = [NbStubs]string{
	StubNullCheck:     "null_check",
	StubRangeCheck:    "range_check",
	StubSafepointPoll: "safepoint_poll",
	StubPollReturn:    "poll_return",
	StubWrongMethod:   "wrong_method",
	StubICMiss:        "ic_miss",
	StubDivideByZero:  "divide_by_zero",
	StubStackOverflow: "stack_overflow",
	StubUnsafeAccess:  "unsafe_access",
}

func (self StubKind) String() string {
	if self >= 0 && self < NbStubs {
		return stubNames[self]
	} else {
		return fmt.Sprintf("StubKind(%d)", int(self))
	}
}

// Stubs is the table of runtime stub entry points. The addresses are
// opaque, control is transferred there and never comes back to the
// faulting instruction.
type Stubs [NbStubs]uint64

// Get returns the entry of stub k, it panics if the stub was never set.
func (self *Stubs) Get(k StubKind) uint64 {
	if p := self[k]; p == 0 {
		panic("rt: stub " + k.String() + " is not available")
	} else {
		return p
	}
}

// Lookup returns the stub an address is the entry of.
func (self *Stubs) Lookup(pc uint64) (StubKind, bool) {
	for k, p := range self {
		if p != 0 && p == pc {
			return StubKind(k), true
		}
	}
	return 0, false
}

// Validate checks every stub has an entry point.
func (self *Stubs) Validate() error {
	for k, p := range self {
		if p == 0 {
			return fmt.Errorf("rt: stub %s has no entry point", StubKind(k))
		}
	}
	return nil
}
