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

package opts

import (
	"fmt"
	"time"

	"github.com/cloudwego/trapasm/internal/rt"
)

// LockingMode selects the inline locking protocol.
type LockingMode int

const (
	LockingMonitor LockingMode = iota
	LockingStack
	LockingLightweight
)

func (self LockingMode) String() string {
	switch self {
	case LockingMonitor:
		return "monitor"
	case LockingStack:
		return "stack"
	case LockingLightweight:
		return "lightweight"
	default:
		return fmt.Sprintf("LockingMode(%d)", int(self))
	}
}

type Options struct {
	CodeCacheSize      int
	SRSignal           int
	SRTimeout          time.Duration
	LockingMode        LockingMode
	ObjectMonitorCache bool
	TrapBasedChecks    bool
	ShortBranchReach   int
	CheckedPatching    bool
	SignalChaining     bool
	Stubs              rt.Stubs
	Exit               func(code int)
}

func (self *Options) HasStubs() bool {
	return self.Stubs.Validate() == nil
}

func GetDefaultOptions() Options {
	return Options{
		CodeCacheSize:    CodeCacheSize,
		SRSignal:         SRSignal,
		SRTimeout:        time.Duration(SRTimeoutMs) * time.Millisecond,
		LockingMode:      DefaultLocking,
		TrapBasedChecks:  TrapBasedChecks,
		ShortBranchReach: ShortBranchReach,
		SignalChaining:   true,
	}
}
