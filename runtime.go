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

package trapasm

import (
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/cloudwego/trapasm/internal/asm"
	"github.com/cloudwego/trapasm/internal/codecache"
	"github.com/cloudwego/trapasm/internal/emu"
	"github.com/cloudwego/trapasm/internal/mem"
	"github.com/cloudwego/trapasm/internal/native"
	"github.com/cloudwego/trapasm/internal/opts"
	"github.com/cloudwego/trapasm/internal/ppc"
	"github.com/cloudwego/trapasm/internal/rt"
	"github.com/cloudwego/trapasm/internal/signals"
	"github.com/cloudwego/trapasm/internal/suspend"
)

// Target address layout.
const (
	CodeBase = uint64(0x10000000)
	DataBase = uint64(0x40000000)
	StubBase = uint64(0x7f000000)

	// StubStride is the distance between two default stub entries.
	StubStride = 16

	_FrameSize = 112
	_HeapSize  = 8 << 20
	_StackSize = 256 << 10
	_MaxStacks = 32
	_DataSize  = _HeapSize + _MaxStacks*_StackSize
)

// DefaultStubs returns the stub table used when none is configured: one
// entry every StubStride bytes from StubBase. Nothing is mapped there, the
// entries are meant to be bound to native handlers.
func DefaultStubs() rt.Stubs {
	var ret rt.Stubs
	for k := range ret {
		ret[k] = StubBase + uint64(k)*StubStride
	}
	return ret
}

// Runtime ties the code cache, the target memory and the signal machinery
// together. Every method is safe for concurrent use.
type Runtime struct {
	opts     opts.Options
	code     *mem.Arena
	data     *mem.Arena
	space    *mem.AddressSpace
	poll     *mem.Region
	heap     *rt.Heap
	cache    *codecache.CodeCache
	patcher  *native.Patcher
	registry *signals.Registry
	disp     *signals.Dispatcher
	sr       *suspend.Protocol
	threads  *rt.Threads

	mu     sync.Mutex
	stacks int
	closed bool
}

// New creates a runtime and installs its signal dispatcher.
func New(options ...Option) (_ *Runtime, err error) {
	o := opts.GetDefaultOptions()
	for _, fn := range options {
		fn(&o)
	}
	if !o.HasStubs() {
		o.Stubs = DefaultStubs()
	}

	/* release whatever was built if anything fails */
	ret := &Runtime{opts: o, threads: rt.NewThreads()}
	defer func() {
		if err != nil {
			ret.release()
		}
	}()

	/* target memory: the code cache, one poll page, then heap and stacks */
	size := mem.AlignUp(uint64(o.CodeCacheSize), mem.PageSize)
	if ret.code, err = mem.NewArena(CodeBase, size); err != nil {
		return nil, CodeCacheError{Name: "arena", Err: err}
	}
	if ret.data, err = mem.NewArena(DataBase, mem.PageSize+_DataSize); err != nil {
		return nil, err
	}
	if err = ret.mapMemory(); err != nil {
		return nil, err
	}

	/* code cache and its patcher */
	ret.patcher = native.NewPatcher(ret.code, asm.Reach(o.ShortBranchReach), o.CheckedPatching)
	if ret.cache, err = codecache.New(ret.code, ret.patcher); err != nil {
		return nil, CodeCacheError{Name: "arena", Err: err}
	}

	/* trap dispatcher */
	rep := signals.NewReporter(ret.cache, o.Exit)
	if ret.disp, err = signals.NewDispatcher(ret.cache, o.Stubs, o.SignalChaining, rep); err != nil {
		return nil, SignalError{Reason: err.Error()}
	}
	ret.registry = signals.NewRegistry()
	if err = ret.registry.Install(ret.disp); err != nil {
		return nil, SignalError{Reason: err.Error()}
	}

	/* suspend protocol */
	sig := suspend.SignalOrDefault(o.SRSignal)
	if ret.sr, err = suspend.New(sig, o.SRTimeout); err != nil {
		return nil, SignalError{Signal: sig, Reason: err.Error()}
	}

	log.Debugf("trapasm: runtime up, code cache %#x+%#x, suspend signal %d, locking %s",
		CodeBase, size, int(sig), o.LockingMode)
	return ret, nil
}

func (self *Runtime) mapMemory() (err error) {
	self.space = mem.NewAddressSpace()
	if _, err = self.space.MapArena("code", self.code, mem.ProtRX); err != nil {
		return err
	}
	if self.poll, err = self.space.Map("poll", self.data, DataBase, mem.PageSize, mem.ProtRW); err != nil {
		return err
	}
	heap := DataBase + mem.PageSize
	if _, err = self.space.Map("heap", self.data, heap, _HeapSize, mem.ProtRW); err != nil {
		return err
	}
	self.heap = rt.NewHeap(self.data, heap, _HeapSize)
	return nil
}

func (self *Runtime) release() {
	if self.registry != nil {
		self.registry.Uninstall()
	}
	if self.code != nil {
		_ = self.code.Close()
	}
	if self.data != nil {
		_ = self.data.Close()
	}
}

func (self *Runtime) Options() opts.Options { return self.opts }
func (self *Runtime) Stubs() rt.Stubs { return self.opts.Stubs }
func (self *Runtime) CodeCache() *codecache.CodeCache { return self.cache }
func (self *Runtime) AddressSpace() *mem.AddressSpace { return self.space }
func (self *Runtime) Heap() *rt.Heap { return self.heap }
func (self *Runtime) Patcher() *native.Patcher { return self.patcher }
func (self *Runtime) Dispatcher() *signals.Dispatcher { return self.disp }
func (self *Runtime) Registry() *signals.Registry { return self.registry }
func (self *Runtime) Suspender() *suspend.Protocol { return self.sr }
func (self *Runtime) Threads() *rt.Threads { return self.threads }

// Assembler returns a macro assembler over a buffer reserved in the code
// cache with room for the given number of instructions, stub words and
// constant words.
func (self *Runtime) Assembler(name string, insts int, stubs int, consts int) (*asm.MacroAssembler, error) {
	buf, err := self.cache.Reserve(name, insts, stubs, consts)
	if err != nil {
		return nil, CodeCacheError{Name: name, Err: err}
	}
	return asm.New(buf, self.opts), nil
}

// Install finalizes the code of p and publishes it in the code cache.
func (self *Runtime) Install(p *asm.MacroAssembler, kind codecache.Kind) (*codecache.Blob, error) {
	buf := p.Finalize()
	blob, err := self.cache.Install(buf, kind)
	if err != nil {
		return nil, CodeCacheError{Name: buf.Name, Err: err}
	}
	return blob, nil
}

// MakeNotEntrant stops new calls from entering blob, it returns false if
// blob was already not entrant.
func (self *Runtime) MakeNotEntrant(blob *codecache.Blob) bool {
	return self.cache.MakeNotEntrant(blob, self.patcher, self.opts.TrapBasedChecks)
}

// NewThread creates a thread with its block on the target heap and its own
// guarded stack.
func (self *Runtime) NewThread(name string) (*rt.Thread, error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.closed {
		return nil, errors.New("trapasm: runtime is closed")
	}
	if self.stacks == _MaxStacks {
		return nil, fmt.Errorf("trapasm: too many threads, at most %d", _MaxStacks)
	}

	/* thread block */
	tb := rt.ThreadBlock{Mem: self.data, Addr: self.heap.Alloc(rt.ThreadSize)}
	if tb.Addr == 0 {
		return nil, errors.New("trapasm: target heap is exhausted")
	}
	tb.Init(self.poll.Base)

	/* stack with its guard zones */
	id := self.threads.NextID()
	stack, err := self.mapStack(id)
	if err != nil {
		return nil, err
	}
	self.stacks++

	/* publish */
	t := rt.NewThread(id, name, tb, stack)
	self.threads.Add(t)
	log.Debugf("trapasm: new %s, stack [%#x, %#x)", t, stack.Low, stack.High)
	return t, nil
}

func (self *Runtime) mapStack(id int64) (*rt.StackGuard, error) {
	low := DataBase + mem.PageSize + _HeapSize + uint64(self.stacks)*_StackSize
	guard := &rt.StackGuard{Low: low, High: low + _StackSize}
	zones := []**mem.Region{&guard.Red, &guard.Yellow, &guard.Reserved}
	names := []string{"red", "yellow", "reserved"}

	/* one page per zone from the low end, the rest is usable */
	for i, z := range zones {
		r, err := self.space.Map(fmt.Sprintf("stack-%d-%s", id, names[i]), self.data, low+uint64(i)*mem.PageSize, mem.PageSize, mem.ProtNone)
		if err != nil {
			return nil, err
		}
		*z = r
	}
	base := low + uint64(len(zones))*mem.PageSize
	if _, err := self.space.Map(fmt.Sprintf("stack-%d", id), self.data, base, guard.High-base, mem.ProtRW); err != nil {
		return nil, err
	}
	return guard, nil
}

// Emulator returns an emulator running t on this runtime: its traps go to
// the installed dispatcher and its asynchronous signals to the suspend
// protocol. The stack pointer and the thread register are set up.
func (self *Runtime) Emulator(t *rt.Thread) *emu.Emulator {
	e := emu.New(self.space, t, self.registry, self.sr)
	e.Gr[ppc.SP] = t.Stack.High - _FrameSize
	e.Gr[ppc.Thread] = t.Block.Addr
	e.Gr[ppc.TOC] = self.cache.TOC()
	return e
}

// ArmPolls arms or disarms the safepoint polls of every thread: the polling
// word for trap based polls, the polling page for memory polls.
func (self *Runtime) ArmPolls(armed bool) {
	self.threads.Range(func(t *rt.Thread) bool {
		t.Block.ArmPoll(armed)
		return true
	})
	if armed {
		self.poll.Protect(mem.ProtNone)
	} else {
		self.poll.Protect(mem.ProtRW)
	}
}

// Suspend stops t, see suspend.Protocol.Suspend.
func (self *Runtime) Suspend(t *rt.Thread) (bool, error) {
	return self.sr.Suspend(t)
}

// Resume restarts a thread stopped by Suspend.
func (self *Runtime) Resume(t *rt.Thread) error {
	return self.sr.Resume(t)
}

// SuspendedThreadTask runs fn against the context t is suspended at.
func (self *Runtime) SuspendedThreadTask(t *rt.Thread, fn func(ctx rt.Context)) (bool, error) {
	return self.sr.SuspendedThreadTask(t, fn)
}

// Close uninstalls the dispatcher and releases the target memory. Code and
// threads of this runtime must not be used afterwards.
func (self *Runtime) Close() error {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.closed {
		return nil
	}
	self.closed = true
	self.release()
	return nil
}
