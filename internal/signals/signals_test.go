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
	"encoding/binary"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudwego/trapasm/internal/asm"
	"github.com/cloudwego/trapasm/internal/codecache"
	"github.com/cloudwego/trapasm/internal/emu"
	"github.com/cloudwego/trapasm/internal/mem"
	"github.com/cloudwego/trapasm/internal/native"
	"github.com/cloudwego/trapasm/internal/opts"
	"github.com/cloudwego/trapasm/internal/ppc"
	"github.com/cloudwego/trapasm/internal/rt"
)

const (
	cacheBase = uint64(0x10000000)
	stackBase = uint64(0x20000000)
	stubBase  = uint64(0x30000000)
)

type fakeContext struct {
	pc   uint64
	sp   uint64
	addr uint64
	code int
}

func (self *fakeContext) PC() uint64           { return self.pc }
func (self *fakeContext) SetPC(pc uint64)      { self.pc = pc }
func (self *fakeContext) SP() uint64           { return self.sp }
func (self *fakeContext) FaultAddress() uint64 { return self.addr }
func (self *fakeContext) Code() int            { return self.code }

func (self *fakeContext) Registers() map[string]uint64 {
	return map[string]uint64{"pc": self.pc, "sp": self.sp}
}

type testEnv struct {
	cache   *codecache.CodeCache
	patcher *native.Patcher
	disp    *Dispatcher
	exits   []int
	stubs   rt.Stubs
	thread  *rt.Thread
}

func testStubs() (ret rt.Stubs) {
	for k := range ret {
		ret[k] = stubBase + uint64(k)*16
	}
	return
}

func newTestEnv(t *testing.T, chaining bool) *testEnv {
	arena, err := mem.NewArena(cacheBase, 1<<20)
	require.NoError(t, err)
	t.Cleanup(func() { _ = arena.Close() })
	p := native.NewPatcher(arena, 0, false)
	cc, err := codecache.New(arena, p)
	require.NoError(t, err)

	/* the exit hook only records */
	env := &testEnv{cache: cc, patcher: p, stubs: testStubs()}
	rep := NewReporter(cc, func(code int) { env.exits = append(env.exits, code) })
	env.disp, err = NewDispatcher(cc, env.stubs, chaining, rep)
	require.NoError(t, err)
	env.thread = rt.NewThread(1, "main", rt.ThreadBlock{}, nil)
	env.thread.SetState(rt.ThreadInJava)
	return env
}

// install assembles a method into the cache.
func (self *testEnv) install(t *testing.T, o opts.Options, fn func(p *asm.MacroAssembler)) *codecache.Blob {
	buf, err := self.cache.Reserve("method", 1024, 128, 128)
	require.NoError(t, err)
	p := asm.New(buf, o)
	fn(p)
	p.Finalize()
	blob, err := self.cache.Install(buf, codecache.KindMethod)
	require.NoError(t, err)
	return blob
}

func TestDispatcher_NullCheckFault(t *testing.T) {
	env := newTestEnv(t, false)
	blob := env.install(t, opts.Options{}, func(p *asm.MacroAssembler) {
		p.Ld(ppc.R4, 8, ppc.R3)
		p.Blr()
	})

	/* a load through null lands in the null check stub */
	ctx := &fakeContext{pc: blob.Start(), addr: 8, code: mem.SEGV_MAPERR}
	require.True(t, env.disp.Handle(syscall.SIGSEGV, ctx, env.thread))
	assert.Equal(t, env.stubs[rt.StubNullCheck], ctx.pc)
	assert.Equal(t, blob.Start(), env.thread.SavedExceptionPC())
	assert.Equal(t, int32(KindImplicitNull), env.thread.SavedTrapKind())
	assert.Empty(t, env.exits)

	/* a wild address is not a null check */
	ctx = &fakeContext{pc: blob.Start(), addr: 0x7fff0000, code: mem.SEGV_MAPERR}
	assert.False(t, env.disp.Handle(syscall.SIGSEGV, ctx, env.thread))
	assert.Equal(t, blob.Start(), ctx.pc)
	assert.Equal(t, []int{128 + int(syscall.SIGSEGV)}, env.exits)
	assert.Contains(t, env.disp.Reporter().Last(), "signal 11 (segmentation fault)")
}

func TestDispatcher_ImplicitNullContinuation(t *testing.T) {
	env := newTestEnv(t, false)
	var cont uint64
	blob := env.install(t, opts.Options{}, func(p *asm.MacroAssembler) {
		l := p.NewLabel("npe")
		p.ImplicitNullCheckLoad(ppc.R4, 8, ppc.R3, l)
		p.Blr()
		p.Bind(l)
		cont = p.PC()
		p.Blr()
	})
	ctx := &fakeContext{pc: blob.Start(), addr: 8}
	require.True(t, env.disp.Handle(syscall.SIGSEGV, ctx, env.thread))
	assert.Equal(t, cont, ctx.pc)
}

func TestDispatcher_NotEntrant(t *testing.T) {
	for _, trapBased := range []bool{true, false} {
		env := newTestEnv(t, false)
		blob := env.install(t, opts.Options{}, func(p *asm.MacroAssembler) {
			p.MarkEntry()
			p.MarkVerifiedEntry()
			p.Blr()
		})
		require.True(t, env.cache.MakeNotEntrant(blob, env.patcher, trapBased))

		/* the fault address plays no part */
		sig := syscall.SIGILL
		if trapBased {
			sig = syscall.SIGTRAP
		}
		for _, addr := range []uint64{0, 0xdeadbeef, blob.VerifiedEntry} {
			ctx := &fakeContext{pc: blob.VerifiedEntry, addr: addr}
			require.True(t, env.disp.Handle(sig, ctx, env.thread))
			assert.Equal(t, env.stubs[rt.StubWrongMethod], ctx.pc)
		}
	}
}

func TestDispatcher_TrapRows(t *testing.T) {
	env := newTestEnv(t, false)
	var poll, pollRet, icMiss, nullTrap, rangeReg, rangeImm, div uint64
	env.install(t, opts.Options{TrapBasedChecks: true}, func(p *asm.MacroAssembler) {
		poll = p.PC() + ppc.InstrSize
		p.SafepointPoll(ppc.R12)
		icMiss = p.PC() + ppc.InstrSize
		p.ICCheck(ppc.R3, ppc.R11)
		nullTrap = p.PC()
		p.NullCheckTrap(ppc.R3)
		rangeReg = p.PC()
		p.RangeCheckTrap(ppc.R4, ppc.R5)
		rangeImm = p.PC()
		p.RangeCheckTrapImm(ppc.R4, 10)
		div = p.PC()
		p.Divd(ppc.R3, ppc.R4, ppc.R5)
		pollRet = p.PC() + ppc.InstrSize
		p.SafepointPollReturn(ppc.R12)
		p.Blr()
	})

	rows := []struct {
		name string
		sig  syscall.Signal
		pc   uint64
		code int
		kind Kind
		stub rt.StubKind
	}{
		{"poll", syscall.SIGTRAP, poll, rt.TRAP_BRKPT, KindSafepointPoll, rt.StubSafepointPoll},
		{"poll_return", syscall.SIGTRAP, pollRet, rt.TRAP_BRKPT, KindPollReturn, rt.StubPollReturn},
		{"ic_miss", syscall.SIGTRAP, icMiss, rt.TRAP_BRKPT, KindICMiss, rt.StubICMiss},
		{"null_check", syscall.SIGTRAP, nullTrap, rt.TRAP_BRKPT, KindNullCheck, rt.StubNullCheck},
		{"range_check", syscall.SIGTRAP, rangeReg, rt.TRAP_BRKPT, KindRangeCheck, rt.StubRangeCheck},
		{"range_check_imm", syscall.SIGTRAP, rangeImm, rt.TRAP_BRKPT, KindRangeCheck, rt.StubRangeCheck},
		{"divide_by_zero", syscall.SIGFPE, div, rt.FPE_INTDIV, KindDivideByZero, rt.StubDivideByZero},
	}
	for _, row := range rows {
		t.Run(row.name, func(t *testing.T) {
			ctx := &fakeContext{pc: row.pc, code: row.code}
			d := env.disp.Classify(row.sig, ctx, env.thread)
			assert.Equal(t, Decision{Kind: row.kind, Action: ActionRedirect, Target: env.stubs[row.stub]}, d)
			require.True(t, env.disp.Handle(row.sig, ctx, env.thread))
			assert.Equal(t, env.stubs[row.stub], ctx.pc)
		})
	}
	assert.Equal(t, uint64(len(rows)), env.disp.Stats().Faults)
	assert.Equal(t, uint64(2), env.disp.Stats().ByKind["range_check"])
}

func TestDispatcher_MemoryPoll(t *testing.T) {
	env := newTestEnv(t, false)
	var poll uint64
	blob := env.install(t, opts.Options{}, func(p *asm.MacroAssembler) {
		poll = p.PC() + ppc.InstrSize
		p.SafepointPoll(ppc.R12)
		p.Ld(ppc.R0, 0, ppc.R5)
		p.Blr()
	})
	ctx := &fakeContext{pc: poll, addr: 0x7fff0000, code: mem.SEGV_ACCERR}
	assert.Equal(t, redirect(KindSafepointPoll, env.stubs[rt.StubSafepointPoll]), env.disp.Classify(syscall.SIGSEGV, ctx, env.thread))

	/* the same load elsewhere is not a poll */
	ctx = &fakeContext{pc: blob.Start() + 8, addr: 0x7fff0000}
	assert.Equal(t, ActionChain, env.disp.Classify(syscall.SIGSEGV, ctx, env.thread).Action)
}

func TestDispatcher_Stop(t *testing.T) {
	env := newTestEnv(t, true)
	blob := env.install(t, opts.Options{}, func(p *asm.MacroAssembler) {
		p.Stop(ppc.StopShouldNotReachHere, "unexpected state")
	})
	reg := NewRegistry()
	require.NoError(t, reg.Install(env.disp))
	defer reg.Uninstall()

	/* stops are never chained */
	called := false
	require.NoError(t, reg.SetChained(syscall.SIGTRAP, HandlerFunc(func(syscall.Signal, Context, *rt.Thread) bool {
		called = true
		return true
	})))
	ctx := &fakeContext{pc: blob.Start()}
	assert.False(t, reg.Deliver(syscall.SIGTRAP, ctx, env.thread))
	assert.False(t, called)
	assert.Equal(t, []int{128 + int(syscall.SIGTRAP)}, env.exits)
	assert.Contains(t, env.disp.Reporter().Last(), "unexpected state")
	assert.Contains(t, env.disp.Reporter().Last(), "=> ")

	/* the signal was given up before reporting */
	assert.False(t, reg.IsHandledByUs(syscall.SIGTRAP))
}

func TestDispatcher_StopWithoutMessage(t *testing.T) {
	env := newTestEnv(t, false)
	var last uint64
	env.install(t, opts.Options{}, func(p *asm.MacroAssembler) {
		p.Stop(ppc.StopShouldNotReachHere, "first")
		last = p.PC()
		p.Twi(ppc.TO_ALWAYS, ppc.R0, int64(ppc.StopShouldNotReachHere))
	})

	/* the word after the last instruction is not a message id */
	ctx := &fakeContext{pc: last}
	d := env.disp.Classify(syscall.SIGTRAP, ctx, env.thread)
	assert.Equal(t, KindStop, d.Kind)
	assert.Contains(t, d.Reason, "<unknown>")
	assert.NotContains(t, d.Reason, "first")
}

func TestDispatcher_Determinism(t *testing.T) {
	env := newTestEnv(t, false)
	blob := env.install(t, opts.Options{TrapBasedChecks: true}, func(p *asm.MacroAssembler) {
		p.NullCheckTrap(ppc.R3)
		p.Blr()
	})
	ctx := &fakeContext{pc: blob.Start()}
	first := env.disp.Classify(syscall.SIGTRAP, ctx, env.thread)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, env.disp.Classify(syscall.SIGTRAP, ctx, env.thread))
	}

	/* classification alone changes nothing */
	assert.Equal(t, blob.Start(), ctx.pc)
	assert.Equal(t, uint64(0), env.thread.SavedExceptionPC())
	assert.Equal(t, uint64(0), env.disp.Stats().Faults)
}

func TestDispatcher_ThreadState(t *testing.T) {
	env := newTestEnv(t, false)
	blob := env.install(t, opts.Options{TrapBasedChecks: true}, func(p *asm.MacroAssembler) {
		p.NullCheckTrap(ppc.R3)
	})
	ctx := &fakeContext{pc: blob.Start()}
	env.thread.SetState(rt.ThreadInVM)
	assert.Equal(t, KindUnhandled, env.disp.Classify(syscall.SIGTRAP, ctx, env.thread).Kind)
	assert.Equal(t, KindUnhandled, env.disp.Classify(syscall.SIGTRAP, ctx, nil).Kind)
}

func TestDispatcher_Chaining(t *testing.T) {
	env := newTestEnv(t, true)
	reg := NewRegistry()
	require.NoError(t, reg.Install(env.disp))
	defer reg.Uninstall()

	/* a fault outside the code cache goes to the previous handler */
	var seen []syscall.Signal
	require.NoError(t, reg.SetChained(syscall.SIGSEGV, HandlerFunc(func(sig syscall.Signal, _ Context, _ *rt.Thread) bool {
		seen = append(seen, sig)
		return true
	})))
	ctx := &fakeContext{pc: 0x400000, addr: 0x10}
	assert.True(t, reg.Deliver(syscall.SIGSEGV, ctx, env.thread))
	assert.Equal(t, []syscall.Signal{syscall.SIGSEGV}, seen)
	assert.Equal(t, uint64(1), env.disp.Stats().Chained)
	assert.Empty(t, env.exits)

	/* nothing chained for SIGBUS */
	assert.False(t, reg.Deliver(syscall.SIGBUS, ctx, env.thread))
	assert.Equal(t, []int{128 + int(syscall.SIGBUS)}, env.exits)
}

func TestDispatcher_ChainingDisabled(t *testing.T) {
	env := newTestEnv(t, false)
	reg := NewRegistry()
	require.NoError(t, reg.Install(env.disp))
	defer reg.Uninstall()
	require.NoError(t, reg.SetChained(syscall.SIGSEGV, HandlerFunc(func(syscall.Signal, Context, *rt.Thread) bool {
		return true
	})))
	assert.False(t, reg.Deliver(syscall.SIGSEGV, &fakeContext{pc: 0x400000}, env.thread))
	assert.Len(t, env.exits, 1)
}

func newGuardedStack(t *testing.T) *rt.StackGuard {
	arena, err := mem.NewArena(stackBase, 16*mem.PageSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = arena.Close() })
	space := mem.NewAddressSpace()
	zone := func(name string, i uint64) *mem.Region {
		r, err := space.Map(name, arena, stackBase+i*mem.PageSize, mem.PageSize, mem.ProtNone)
		require.NoError(t, err)
		return r
	}
	return &rt.StackGuard{
		Low:      stackBase,
		High:     stackBase + 16*mem.PageSize,
		Red:      zone("red", 0),
		Yellow:   zone("yellow", 1),
		Reserved: zone("reserved", 2),
	}
}

func TestDispatcher_StackOverflowInCode(t *testing.T) {
	env := newTestEnv(t, false)
	blob := env.install(t, opts.Options{}, func(p *asm.MacroAssembler) {
		p.BangStack(0x2000)
		p.Blr()
	})
	env.thread.Stack = newGuardedStack(t)
	ctx := &fakeContext{pc: blob.Start(), addr: stackBase + mem.PageSize + 8}
	require.True(t, env.disp.Handle(syscall.SIGSEGV, ctx, env.thread))
	assert.Equal(t, env.stubs[rt.StubStackOverflow], ctx.pc)
	assert.False(t, env.thread.Stack.YellowReservedEnabled())
	assert.Equal(t, int32(KindStackOverflow), env.thread.SavedTrapKind())

	/* a second hit once the zone is lifted is fatal */
	assert.Equal(t, KindGuardDisabled, env.disp.Classify(syscall.SIGSEGV, ctx, env.thread).Kind)
}

func TestDispatcher_StackOverflowInVM(t *testing.T) {
	env := newTestEnv(t, false)
	env.thread.Stack = newGuardedStack(t)
	env.thread.SetState(rt.ThreadInVM)
	ctx := &fakeContext{pc: 0x400000, addr: stackBase + 2*mem.PageSize}
	require.True(t, env.disp.Handle(syscall.SIGSEGV, ctx, env.thread))
	assert.Equal(t, uint64(0x400000), ctx.pc)
	assert.False(t, env.thread.Stack.YellowReservedEnabled())
}

func TestDispatcher_RedZone(t *testing.T) {
	env := newTestEnv(t, true)
	env.thread.Stack = newGuardedStack(t)
	ctx := &fakeContext{pc: 0x400000, addr: stackBase + 16}
	assert.False(t, env.disp.Handle(syscall.SIGSEGV, ctx, env.thread))
	assert.False(t, env.thread.Stack.RedEnabled())
	assert.Len(t, env.exits, 1)
	assert.Contains(t, env.disp.Reporter().Last(), "red zone")
}

func TestDispatcher_UnsafeAccess(t *testing.T) {
	env := newTestEnv(t, false)

	/* a thread flagged by the runtime */
	ctx := &fakeContext{pc: 0x400000, addr: 0x50000000, code: mem.BUS_ADRERR}
	env.thread.SetDoingUnsafeAccess(true)
	require.True(t, env.disp.Handle(syscall.SIGBUS, ctx, env.thread))
	assert.Equal(t, uint64(0x400004), ctx.pc)
	assert.Equal(t, uint64(0x400004), env.thread.UnsafeAccessResumePC())
	env.thread.SetDoingUnsafeAccess(false)

	/* compiled code marked as doing such accesses */
	buf, err := env.cache.Reserve("unsafe", 64, 16, 16)
	require.NoError(t, err)
	p := asm.New(buf, opts.Options{})
	p.Ld(ppc.R3, 0, ppc.R4)
	p.Blr()
	p.Finalize()
	buf.HasUnsafeAccess = true
	blob, err := env.cache.Install(buf, codecache.KindMethod)
	require.NoError(t, err)
	ctx = &fakeContext{pc: blob.Start(), addr: 0x50000000, code: mem.BUS_ADRERR}
	require.True(t, env.disp.Handle(syscall.SIGBUS, ctx, env.thread))
	assert.Equal(t, blob.Start()+4, ctx.pc)

	/* SIGSEGV is not an unsafe access */
	ctx = &fakeContext{pc: blob.Start(), addr: 0x50000000}
	assert.Equal(t, KindUnhandled, env.disp.Classify(syscall.SIGSEGV, ctx, env.thread).Kind)
}

func TestRegistry_Lifecycle(t *testing.T) {
	env := newTestEnv(t, true)
	reg := NewRegistry()
	assert.False(t, reg.IsHandledByUs(syscall.SIGSEGV))
	require.NoError(t, reg.Install(env.disp))
	assert.Error(t, reg.Install(env.disp))
	assert.Same(t, env.disp, reg.Dispatcher())
	for _, sig := range HandledSignals {
		assert.True(t, reg.IsHandledByUs(sig))
	}
	assert.False(t, reg.IsHandledByUs(syscall.SIGUSR2))
	assert.False(t, reg.IsHandledByUs(0))
	assert.False(t, reg.IsHandledByUs(NSIG))

	/* chained handlers */
	assert.Error(t, reg.SetChained(NSIG, nil))
	h := HandlerFunc(func(syscall.Signal, Context, *rt.Thread) bool { return true })
	require.NoError(t, reg.SetChained(syscall.SIGUSR1, h))
	assert.NotNil(t, reg.Chained(syscall.SIGUSR1))
	assert.True(t, reg.Deliver(syscall.SIGUSR1, &fakeContext{}, nil))
	require.NoError(t, reg.SetChained(syscall.SIGUSR1, nil))
	assert.Nil(t, reg.Chained(syscall.SIGUSR1))
	assert.False(t, reg.Deliver(syscall.SIGUSR1, &fakeContext{}, nil))

	/* after uninstalling, nothing reaches the dispatcher */
	reg.Uninstall()
	assert.False(t, reg.IsHandledByUs(syscall.SIGSEGV))
	assert.Nil(t, reg.Dispatcher())
	assert.False(t, reg.Deliver(syscall.SIGSEGV, &fakeContext{pc: 0x400000}, env.thread))
	assert.Empty(t, env.exits)
}

func TestUContext_AMD64(t *testing.T) {
	info := make([]byte, _SI_SIZE)
	uc := make([]byte, 1024)
	binary.LittleEndian.PutUint32(info[8:], mem.SEGV_MAPERR)
	binary.LittleEndian.PutUint64(info[16:], 0x18)
	binary.LittleEndian.PutUint64(uc[168:], 0x401000)
	binary.LittleEndian.PutUint64(uc[160:], 0x7ffc0000)

	ctx, err := NewUContextAMD64(info, uc)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x401000), ctx.PC())
	assert.Equal(t, uint64(0x7ffc0000), ctx.SP())
	assert.Equal(t, uint64(0x18), ctx.FaultAddress())
	assert.Equal(t, mem.SEGV_MAPERR, ctx.Code())
	ctx.SetPC(0x402000)
	assert.Equal(t, uint64(0x402000), binary.LittleEndian.Uint64(uc[168:]))
	assert.Equal(t, uint64(0x402000), ctx.Registers()["rip"])

	_, err = NewUContextAMD64(info, uc[:100])
	assert.Error(t, err)
}

func TestUContext_PPC64LE(t *testing.T) {
	info := make([]byte, _SI_SIZE)
	uc := make([]byte, 1024)
	binary.LittleEndian.PutUint32(info[8:], rt.TRAP_BRKPT)
	binary.LittleEndian.PutUint64(uc[488:], cacheBase+4)
	binary.LittleEndian.PutUint64(uc[240:], 0x7fff0000)

	ctx, err := NewUContextPPC64LE(info, uc)
	require.NoError(t, err)
	assert.Equal(t, cacheBase+4, ctx.PC())
	assert.Equal(t, uint64(0x7fff0000), ctx.SP())
	assert.Equal(t, rt.TRAP_BRKPT, ctx.Code())
	ctx.SetPC(stubBase)
	assert.Equal(t, stubBase, binary.LittleEndian.Uint64(uc[488:]))
	assert.Equal(t, uint64(0x7fff0000), ctx.Registers()["r1"])

	_, err = NewUContextPPC64LE(info[:16], uc)
	assert.Error(t, err)
}

func TestDispatcher_EmulatedNullCheck(t *testing.T) {
	env := newTestEnv(t, false)
	blob := env.install(t, opts.Options{TrapBasedChecks: true}, func(p *asm.MacroAssembler) {
		p.Li(ppc.R3, 0)
		p.NullCheckTrap(ppc.R3)
		p.Li(ppc.R3, 1)
		p.Blr()
	})
	reg := NewRegistry()
	require.NoError(t, reg.Install(env.disp))
	defer reg.Uninstall()

	/* run the method, the null check stub is a native */
	space := mem.NewAddressSpace()
	_, err := space.MapArena("code", env.cache.Arena(), mem.ProtRX)
	require.NoError(t, err)
	e := emu.New(space, env.thread, reg, nil)
	defer e.Free()
	var faultPC uint64
	e.Bind(env.stubs[rt.StubNullCheck], func(e *emu.Emulator) {
		faultPC = e.Thread.SavedExceptionPC()
		e.SetRet(0xdead)
	})
	require.NoError(t, e.Call(blob.Start()))
	assert.Equal(t, blob.Start()+4, faultPC)
	assert.Equal(t, uint64(0xdead), e.Gr[3])
}
