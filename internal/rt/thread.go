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
	"syscall"

	"github.com/cloudwego/trapasm/internal/mem"
)

// ThreadState is what a thread is executing at the moment.
type ThreadState int32

const (
	ThreadNew ThreadState = iota
	ThreadInJava
	ThreadInVM
	ThreadInNative
	ThreadBlocked
)

func (self ThreadState) String() string {
	switch self {
	case ThreadNew:
		return "new"
	case ThreadInJava:
		return "in_java"
	case ThreadInVM:
		return "in_vm"
	case ThreadInNative:
		return "in_native"
	case ThreadBlocked:
		return "blocked"
	default:
		return fmt.Sprintf("ThreadState(%d)", int32(self))
	}
}

// Context is the register snapshot of a thread interrupted by a signal.
// Rewriting the PC is the only way the trap dispatcher redirects a thread.
type Context interface {
	PC() uint64
	SetPC(pc uint64)
	SP() uint64
	FaultAddress() uint64
	Code() int
}

// SignalSink receives the asynchronous signals queued on a thread.
type SignalSink interface {
	DeliverAsync(t *Thread, sig syscall.Signal, ctx Context)
}

const _SignalQueueSize = 16

// Thread is a runtime thread: its execution state, its stack guard zones,
// its target thread block and its signal inbox.
type Thread struct {
	ID    int64
	Name  string
	Block ThreadBlock
	Stack *StackGuard
	SR    SuspendResume

	state       atomic.Int32
	doingUnsafe atomic.Bool
	exceptionPC atomic.Uint64
	unsafeNext  atomic.Uint64
	trapKind    atomic.Int32
	suspended   atomic.Pointer[Context]

	sigq    chan syscall.Signal
	pending []syscall.Signal
}

func NewThread(id int64, name string, block ThreadBlock, stack *StackGuard) *Thread {
	ret := &Thread{
		ID:    id,
		Name:  name,
		Block: block,
		Stack: stack,
		sigq:  make(chan syscall.Signal, _SignalQueueSize),
	}
	ret.state.Store(int32(ThreadNew))
	return ret
}

func (self *Thread) String() string {
	return fmt.Sprintf("Thread(%d, %q)", self.ID, self.Name)
}

func (self *Thread) State() ThreadState { return ThreadState(self.state.Load()) }
func (self *Thread) SetState(s ThreadState) { self.state.Store(int32(s)) }
func (self *Thread) DoingUnsafeAccess() bool { return self.doingUnsafe.Load() }
func (self *Thread) SetDoingUnsafeAccess(v bool) { self.doingUnsafe.Store(v) }

// SavedExceptionPC is the faulting PC recorded for the stub the thread was
// redirected to.
func (self *Thread) SavedExceptionPC() uint64 { return self.exceptionPC.Load() }

// SavedTrapKind is the classification recorded with the exception PC.
func (self *Thread) SavedTrapKind() int32 { return self.trapKind.Load() }

// SaveException records the faulting PC and its classification.
func (self *Thread) SaveException(pc uint64, kind int32) {
	self.exceptionPC.Store(pc)
	self.trapKind.Store(kind)
}

// UnsafeAccessResumePC is where execution continues once the unsafe access
// error has been posted.
func (self *Thread) UnsafeAccessResumePC() uint64 { return self.unsafeNext.Load() }
func (self *Thread) SetUnsafeAccessResumePC(pc uint64) { self.unsafeNext.Store(pc) }

// SuspendedContext returns the context saved by the suspend handler.
func (self *Thread) SuspendedContext() Context {
	if p := self.suspended.Load(); p != nil {
		return *p
	} else {
		return nil
	}
}

func (self *Thread) SetSuspendedContext(ctx Context) {
	if ctx == nil {
		self.suspended.Store(nil)
	} else {
		self.suspended.Store(&ctx)
	}
}

// Kill queues sig for the thread. It fails with EAGAIN when the inbox is full.
func (self *Thread) Kill(sig syscall.Signal) error {
	select {
	case self.sigq <- sig:
		return nil
	default:
		return syscall.EAGAIN
	}
}

// CheckSignals delivers every queued signal to sink on the calling
// goroutine, which must be the one running the thread.
func (self *Thread) CheckSignals(ctx Context, sink SignalSink) {
	for len(self.pending) != 0 {
		sig := self.pending[0]
		self.pending = self.pending[1:]
		sink.DeliverAsync(self, sig, ctx)
	}
	for {
		select {
		case sig := <-self.sigq:
			sink.DeliverAsync(self, sig, ctx)
		default:
			return
		}
	}
}

// Sigsuspend blocks until allow is delivered. Every other signal received
// meanwhile stays pending for the next CheckSignals.
func (self *Thread) Sigsuspend(allow syscall.Signal) {
	for sig := range self.sigq {
		if sig == allow {
			return
		}
		self.pending = append(self.pending, sig)
	}
}

// Zone is a stack guard zone.
type Zone int

const (
	ZoneNone Zone = iota
	ZoneReserved
	ZoneYellow
	ZoneRed
)

func (self Zone) String() string {
	switch self {
	case ZoneReserved:
		return "reserved"
	case ZoneYellow:
		return "yellow"
	case ZoneRed:
		return "red"
	default:
		return "none"
	}
}

// StackGuard describes the stack of a thread, [Low, High), growing down,
// with the red, yellow and reserved zones stacked from the low end.
type StackGuard struct {
	Low      uint64
	High     uint64
	Red      *mem.Region
	Yellow   *mem.Region
	Reserved *mem.Region
}

// ZoneOf returns the guard zone containing addr.
func (self *StackGuard) ZoneOf(addr uint64) Zone {
	switch {
	case self == nil:
		return ZoneNone
	case self.Red != nil && self.Red.Contains(addr):
		return ZoneRed
	case self.Yellow != nil && self.Yellow.Contains(addr):
		return ZoneYellow
	case self.Reserved != nil && self.Reserved.Contains(addr):
		return ZoneReserved
	default:
		return ZoneNone
	}
}

// Contains reports whether addr is within the stack, guard zones included.
func (self *StackGuard) Contains(addr uint64) bool {
	return self != nil && addr >= self.Low && addr < self.High
}

func zoneEnabled(r *mem.Region) bool {
	return r != nil && r.Prot() == mem.ProtNone
}

func (self *StackGuard) YellowReservedEnabled() bool {
	return zoneEnabled(self.Yellow) || zoneEnabled(self.Reserved)
}

func (self *StackGuard) RedEnabled() bool {
	return zoneEnabled(self.Red)
}

// DisableYellowReserved makes the yellow and reserved zones accessible so
// the overflow handler has stack to run on.
func (self *StackGuard) DisableYellowReserved() {
	for _, r := range []*mem.Region{self.Reserved, self.Yellow} {
		if r != nil {
			r.Protect(mem.ProtRW)
		}
	}
}

// EnableYellowReserved re-arms the yellow and reserved zones.
func (self *StackGuard) EnableYellowReserved() {
	for _, r := range []*mem.Region{self.Reserved, self.Yellow} {
		if r != nil {
			r.Protect(mem.ProtNone)
		}
	}
}

// DisableRed gives the last page of stack to the fatal error reporter.
func (self *StackGuard) DisableRed() {
	if self.Red != nil {
		self.Red.Protect(mem.ProtRW)
	}
}
