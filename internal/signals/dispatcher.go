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

package signals

import (
	"fmt"
	"sync/atomic"
	"syscall"

	"github.com/cloudwego/trapasm/internal/codecache"
	"github.com/cloudwego/trapasm/internal/mem"
	"github.com/cloudwego/trapasm/internal/native"
	"github.com/cloudwego/trapasm/internal/ppc"
	"github.com/cloudwego/trapasm/internal/rt"
)

// Kind is what a fault was recognized as.
type Kind int32

const (
	KindUnhandled Kind = iota
	KindSafepointPoll
	KindPollReturn
	KindNotEntrant
	KindICMiss
	KindNullCheck
	KindImplicitNull
	KindRangeCheck
	KindStop
	KindDivideByZero
	KindStackOverflow
	KindStackOverflowVM
	KindRedZone
	KindGuardDisabled
	KindUnsafeAccess
	NbKinds
)

var kindNames = [NbKinds]string{
	KindUnhandled:       "unhandled",
	KindSafepointPoll:   "safepoint_poll",
	KindPollReturn:      "poll_return",
	KindNotEntrant:      "not_entrant",
	KindICMiss:          "ic_miss",
	KindNullCheck:       "null_check",
	KindImplicitNull:    "implicit_null",
	KindRangeCheck:      "range_check",
	KindStop:            "stop",
	KindDivideByZero:    "divide_by_zero",
	KindStackOverflow:   "stack_overflow",
	KindStackOverflowVM: "stack_overflow_vm",
	KindRedZone:         "red_zone",
	KindGuardDisabled:   "guard_disabled",
	KindUnsafeAccess:    "unsafe_access",
}

func (self Kind) String() string {
	if self >= 0 && self < NbKinds {
		return kindNames[self]
	} else {
		return fmt.Sprintf("Kind(%d)", int(self))
	}
}

// Action is what the dispatcher does about a fault.
type Action int

const (
	// ActionChain passes the signal to the chained handler, then reports a
	// fatal error if nobody takes it.
	ActionChain Action = iota

	// ActionRedirect resumes the thread at Decision.Target.
	ActionRedirect

	// ActionRetry resumes the thread at the faulting PC, once the guard
	// zone it hit has been lifted.
	ActionRetry

	// ActionFatal reports a fatal error without chaining.
	ActionFatal
)

func (self Action) String() string {
	switch self {
	case ActionChain:
		return "chain"
	case ActionRedirect:
		return "redirect"
	case ActionRetry:
		return "retry"
	case ActionFatal:
		return "fatal"
	default:
		return fmt.Sprintf("Action(%d)", int(self))
	}
}

// Decision is the outcome of classifying one fault.
type Decision struct {
	Kind   Kind
	Action Action
	Target uint64
	Reason string
}

func (self Decision) String() string {
	if self.Action == ActionRedirect {
		return fmt.Sprintf("%s: %s to %#x", self.Kind, self.Action, self.Target)
	} else if self.Reason != "" {
		return fmt.Sprintf("%s: %s (%s)", self.Kind, self.Action, self.Reason)
	} else {
		return fmt.Sprintf("%s: %s", self.Kind, self.Action)
	}
}

// Stats are the dispatcher counters.
type Stats struct {
	Faults  uint64
	Chained uint64
	Fatal   uint64
	ByKind  map[string]uint64
}

// Dispatcher classifies synchronous faults and redirects the faulting
// thread to the runtime stub that deals with them. Classification only
// reads the signal, the code at the PC, the thread state and address
// ranges, so it may run on any number of threads at once.
type Dispatcher struct {
	cache    *codecache.CodeCache
	stubs    rt.Stubs
	chaining bool
	reporter *Reporter
	registry *Registry

	faults  atomic.Uint64
	chained atomic.Uint64
	fatal   atomic.Uint64
	kinds   [NbKinds]atomic.Uint64
}

// NewDispatcher creates a dispatcher for the code in cache. Every stub must
// be set.
func NewDispatcher(cache *codecache.CodeCache, stubs rt.Stubs, chaining bool, reporter *Reporter) (*Dispatcher, error) {
	if err := stubs.Validate(); err != nil {
		return nil, err
	}
	if reporter == nil {
		reporter = NewReporter(cache, nil)
	}
	return &Dispatcher{
		cache:    cache,
		stubs:    stubs,
		chaining: chaining,
		reporter: reporter,
	}, nil
}

func (self *Dispatcher) Stubs() *rt.Stubs { return &self.stubs }
func (self *Dispatcher) Reporter() *Reporter { return self.reporter }

func redirect(kind Kind, target uint64) Decision {
	return Decision{Kind: kind, Action: ActionRedirect, Target: target}
}

func unhandled(reason string) Decision {
	return Decision{Kind: KindUnhandled, Action: ActionChain, Reason: reason}
}

func fatal(kind Kind, reason string) Decision {
	return Decision{Kind: kind, Action: ActionFatal, Reason: reason}
}

func isMemoryFault(sig syscall.Signal) bool {
	return sig == syscall.SIGSEGV || sig == syscall.SIGBUS
}

func isMemoryAccess(w uint32) bool {
	return ppc.IsLd(w) || ppc.IsLwz(w) || ppc.IsLbz(w) || ppc.IsLdx(w) ||
		ppc.IsStd(w) || ppc.IsStw(w) || ppc.IsStb(w) || ppc.IsStdx(w)
}

// Classify decides what to do about sig raised at the PC of ctx on thread
// t. It has no side effects: the same fault on the same code and thread
// state is always classified the same way.
func (self *Dispatcher) Classify(sig syscall.Signal, ctx Context, t *rt.Thread) Decision {
	pc := ctx.PC()
	addr := ctx.FaultAddress()

	/* guard zones below the stack come first, on any thread */
	if t != nil && isMemoryFault(sig) && t.Stack != nil {
		if d, ok := self.classifyStack(pc, addr, t); ok {
			return d
		}
	}

	/* code from the code cache, run by a thread in compiled code */
	blob := self.cache.FindBlob(pc)
	inCode := blob != nil && blob.IsCode(pc) && t != nil && t.State() == rt.ThreadInJava
	if inCode {
		if d, ok := self.classifyCode(sig, pc, addr, blob, ctx.Code()); ok {
			return d
		}
	}

	/* a marked memory access that hit a truncated mapping */
	if sig == syscall.SIGBUS && ((inCode && blob.HasUnsafeAccess) || (t != nil && t.DoingUnsafeAccess())) {
		return redirect(KindUnsafeAccess, pc+ppc.InstrSize)
	}
	return unhandled(fmt.Sprintf("%s at %#x is not a recognized trap", sig, pc))
}

func (self *Dispatcher) classifyStack(pc uint64, addr uint64, t *rt.Thread) (Decision, bool) {
	switch t.Stack.ZoneOf(addr) {
	case rt.ZoneReserved, rt.ZoneYellow:
		if !t.Stack.YellowReservedEnabled() {
			return fatal(KindGuardDisabled, "fault in a disabled stack guard zone"), true
		} else if t.State() == rt.ThreadInJava && self.cache.Contains(pc) {
			return redirect(KindStackOverflow, self.stubs.Get(rt.StubStackOverflow)), true
		} else {
			return Decision{Kind: KindStackOverflowVM, Action: ActionRetry}, true
		}
	case rt.ZoneRed:
		return fatal(KindRedZone, "stack overflow in the red zone"), true
	default:
		return Decision{}, false
	}
}

func (self *Dispatcher) classifyCode(sig syscall.Signal, pc uint64, addr uint64, blob *codecache.Blob, code int) (Decision, bool) {
	m := self.cache.Arena()
	w := m.Load32(pc)

	switch {
	/* safepoint polls, trap form or a load from the protected polling page */
	case sig == syscall.SIGTRAP && ppc.IsTrapSafepointPoll(w):
		return self.poll(blob, pc), true
	case sig == syscall.SIGSEGV && ppc.IsMemorySafepointPoll(w) && isPoll(blob, pc):
		return self.poll(blob, pc), true

	/* not-entrant sentinel over the verified entry */
	case sig == syscall.SIGTRAP && ppc.IsTrapNotEntrant(w):
		return redirect(KindNotEntrant, self.stubs.Get(rt.StubWrongMethod)), true
	case sig == syscall.SIGILL && pc == blob.VerifiedEntry && native.IsNotEntrantAt(m, pc):
		return redirect(KindNotEntrant, self.stubs.Get(rt.StubWrongMethod)), true

	/* inline cache miss */
	case sig == syscall.SIGTRAP && ppc.IsTrapICMissCheck(w):
		return redirect(KindICMiss, self.stubs.Get(rt.StubICMiss)), true

	/* null checks, trap based or a load from the null page */
	case sig == syscall.SIGTRAP && ppc.IsTrapNullCheck(w):
		return self.nullCheck(KindNullCheck, blob, pc), true
	case sig == syscall.SIGSEGV && addr < mem.PageSize && isMemoryAccess(w):
		return self.nullCheck(KindImplicitNull, blob, pc), true

	/* range checks */
	case sig == syscall.SIGTRAP && ppc.IsTrapRangeCheck(w):
		return redirect(KindRangeCheck, self.stubs.Get(rt.StubRangeCheck)), true

	/* stops carry the id of their message in the next word */
	case sig == syscall.SIGTRAP && ppc.IsStop(w):
		msg, ok := "", false
		if blob.IsCode(pc + ppc.InstrSize) {
			msg, ok = blob.Message(m.Load32(pc + ppc.InstrSize))
		}
		if !ok {
			msg = "<unknown>"
		}
		return fatal(KindStop, fmt.Sprintf("stop type %d: %s", ppc.StopType(w), msg)), true

	/* integer division by zero */
	case sig == syscall.SIGFPE && code == rt.FPE_INTDIV:
		return redirect(KindDivideByZero, self.stubs.Get(rt.StubDivideByZero)), true
	}
	return Decision{}, false
}

func isPoll(blob *codecache.Blob, pc uint64) bool {
	ok, _ := blob.PollAt(pc)
	return ok
}

func (self *Dispatcher) poll(blob *codecache.Blob, pc uint64) Decision {
	if _, ret := blob.PollAt(pc); ret {
		return redirect(KindPollReturn, self.stubs.Get(rt.StubPollReturn))
	} else {
		return redirect(KindSafepointPoll, self.stubs.Get(rt.StubSafepointPoll))
	}
}

// nullCheck prefers the continuation recorded for pc by the compiler over
// the generic null check stub.
func (self *Dispatcher) nullCheck(kind Kind, blob *codecache.Blob, pc uint64) Decision {
	if cont, ok := blob.ContinuationFor(pc); ok {
		return redirect(kind, cont)
	} else {
		return redirect(kind, self.stubs.Get(rt.StubNullCheck))
	}
}

// Handle classifies the fault and acts on it. It reports whether the thread
// may resume, at the PC of ctx.
func (self *Dispatcher) Handle(sig syscall.Signal, ctx Context, t *rt.Thread) bool {
	d := self.Classify(sig, ctx, t)
	self.faults.Add(1)
	self.kinds[d.Kind].Add(1)

	switch d.Action {
	case ActionRedirect:
		self.prepare(d, ctx, t)
		ctx.SetPC(d.Target)
		return true
	case ActionRetry:
		t.Stack.DisableYellowReserved()
		return true
	case ActionChain:
		if self.chain(sig, ctx, t) {
			return true
		}
	case ActionFatal:
		if d.Kind == KindRedZone {
			t.Stack.DisableRed()
		}
	}

	/* nothing else to try */
	self.fatal.Add(1)
	if self.registry != nil {
		self.registry.release(sig)
	}
	self.reporter.Report(sig, ctx, t, d)
	return false
}

// prepare is the thread side bookkeeping the target stub relies on.
func (self *Dispatcher) prepare(d Decision, ctx Context, t *rt.Thread) {
	if t == nil {
		return
	}
	switch d.Kind {
	case KindStackOverflow:
		t.Stack.DisableYellowReserved()
	case KindUnsafeAccess:
		t.SetUnsafeAccessResumePC(d.Target)
	}
	t.SaveException(ctx.PC(), int32(d.Kind))
}

func (self *Dispatcher) chain(sig syscall.Signal, ctx Context, t *rt.Thread) bool {
	if !self.chaining || self.registry == nil {
		return false
	}
	if h := self.registry.Chained(sig); h != nil && h.Handle(sig, ctx, t) {
		self.chained.Add(1)
		return true
	}
	return false
}

// HandleTrap lets the dispatcher serve as the trap handler of emulated
// threads directly, without a registry.
func (self *Dispatcher) HandleTrap(sig syscall.Signal, ctx rt.Context, t *rt.Thread) bool {
	return self.Handle(sig, ctx, t)
}

// Stats returns a snapshot of the counters.
func (self *Dispatcher) Stats() Stats {
	ret := Stats{
		Faults:  self.faults.Load(),
		Chained: self.chained.Load(),
		Fatal:   self.fatal.Load(),
		ByKind:  make(map[string]uint64, NbKinds),
	}
	for k := Kind(0); k < NbKinds; k++ {
		if n := self.kinds[k].Load(); n != 0 {
			ret.ByKind[k.String()] = n
		}
	}
	return ret
}
