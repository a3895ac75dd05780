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
	"sync/atomic"
)

// SRState is the state of the suspend/resume protocol of a thread.
type SRState int32

const (
	SRRunning SRState = iota
	SRSuspendRequest
	SRSuspended
	SRWakeupRequest
)

func (self SRState) String() string {
	switch self {
	case SRRunning:
		return "RUNNING"
	case SRSuspendRequest:
		return "SUSPEND_REQUEST"
	case SRSuspended:
		return "SUSPENDED"
	case SRWakeupRequest:
		return "WAKEUP_REQUEST"
	default:
		return fmt.Sprintf("SRState(%d)", int32(self))
	}
}

// SuspendResume is the suspend/resume state word. Every transition is a
// single compare-and-swap, and each one returns the state the word holds
// afterwards: the target state on success, the observed state otherwise.
type SuspendResume struct {
	state atomic.Int32
}

func (self *SuspendResume) State() SRState {
	return SRState(self.state.Load())
}

func (self *SuspendResume) IsRunning() bool { return self.State() == SRRunning }
func (self *SuspendResume) IsSuspended() bool { return self.State() == SRSuspended }
func (self *SuspendResume) IsSuspendRequest() bool { return self.State() == SRSuspendRequest }
func (self *SuspendResume) IsWakeupRequest() bool { return self.State() == SRWakeupRequest }

func (self *SuspendResume) switchState(from SRState, to SRState) SRState {
	if self.state.CompareAndSwap(int32(from), int32(to)) {
		return to
	} else {
		return self.State()
	}
}

// RequestSuspend moves RUNNING to SUSPEND_REQUEST.
func (self *SuspendResume) RequestSuspend() SRState {
	return self.switchState(SRRunning, SRSuspendRequest)
}

// CancelSuspend moves SUSPEND_REQUEST back to RUNNING.
func (self *SuspendResume) CancelSuspend() SRState {
	return self.switchState(SRSuspendRequest, SRRunning)
}

// Suspended moves SUSPEND_REQUEST to SUSPENDED, it is called by the target.
func (self *SuspendResume) Suspended() SRState {
	return self.switchState(SRSuspendRequest, SRSuspended)
}

// RequestWakeup moves SUSPENDED to WAKEUP_REQUEST.
func (self *SuspendResume) RequestWakeup() SRState {
	return self.switchState(SRSuspended, SRWakeupRequest)
}

// Running moves WAKEUP_REQUEST to RUNNING, it is called by the target.
func (self *SuspendResume) Running() SRState {
	return self.switchState(SRWakeupRequest, SRRunning)
}
