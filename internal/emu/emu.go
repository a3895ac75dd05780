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

package emu

import (
    `errors`
    `fmt`
    `syscall`

    `github.com/oleiade/lane`

    `github.com/cloudwego/trapasm/internal/mem`
    `github.com/cloudwego/trapasm/internal/ppc`
    `github.com/cloudwego/trapasm/internal/rt`
)

// HaltAddress is the return address of the outermost frame, returning
// there stops the emulator.
const HaltAddress = uint64(0xfffffffffffffffc)

// ErrStepLimit is returned by Run when MaxSteps instructions were executed
// without reaching the halt address.
var ErrStepLimit = errors.New("emu: step limit exceeded")

// TrapHandler receives the synchronous signals raised by emulated code. It
// reports whether the signal was handled, in which case execution resumes
// at the PC of the context, possibly rewritten.
type TrapHandler interface {
    HandleTrap(sig syscall.Signal, ctx rt.Context, t *rt.Thread) bool
}

// TrapError is returned by Run when a synchronous signal was not handled.
type TrapError struct {
    Signal syscall.Signal
    Code   int
    PC     uint64
    Addr   uint64
}

func (self *TrapError) Error() string {
    return fmt.Sprintf("emu: unhandled %s (code %d) at pc %#x, address %#x", self.Signal, self.Code, self.PC, self.Addr)
}

type _Reservation struct {
    ok   bool
    addr uint64
    val  uint64
}

// Emulator executes ppc64le code over an address space on behalf of one
// runtime thread. It is not safe for concurrent use, emulators sharing an
// address space run concurrently on their own goroutines.
type Emulator struct {
    PC  uint64
    LR  uint64
    CTR uint64
    CR  uint32
    Gr  [32]uint64
    Ln  bool

    Mem      *mem.AddressSpace
    Thread   *rt.Thread
    Traps    TrapHandler
    Signals  rt.SignalSink
    MaxSteps uint64

    steps   uint64
    halted  bool
    resv    _Reservation
    trap    *mem.Fault
    calls   *lane.Stack
    natives map[uint64]Native
}

// New creates an emulator for t over space. Traps and Signals may be nil,
// every trap is then unhandled and queued signals are left alone.
func New(space *mem.AddressSpace, t *rt.Thread, traps TrapHandler, sink rt.SignalSink) *Emulator {
    e := newEmulator()
    e.Mem     = space
    e.Thread  = t
    e.Traps   = traps
    e.Signals = sink
    return e
}

func (self *Emulator) Steps() uint64 { return self.steps }
func (self *Emulator) Halted() bool  { return self.halted }

// Halt stops the emulator once the current instruction completes.
func (self *Emulator) Halt() {
    self.halted = true
    self.Ln = false
}

// Call runs the code at entry as a function returning to HaltAddress.
func (self *Emulator) Call(entry uint64) error {
    self.PC = entry
    self.LR = HaltAddress
    return self.Run()
}

// Run executes from the current PC until the code returns to HaltAddress,
// a native halts the emulator, or a trap is left unhandled.
func (self *Emulator) Run() error {
    var w uint32
    var f *mem.Fault

    /* run until halted */
    for self.halted = false; !self.halted; self.steps++ {
        if self.MaxSteps != 0 && self.steps >= self.MaxSteps {
            return ErrStepLimit
        }

        /* asynchronous signals are taken between instructions */
        if self.Thread != nil && self.Signals != nil {
            self.Thread.CheckSignals(&Context { e: self }, self.Signals)
        }

        /* returned to the outermost frame */
        if self.PC == HaltAddress {
            break
        }

        /* native bindings behave like leaf functions */
        if fn := self.natives[self.PC]; fn != nil {
            self.popCall(self.LR)
            self.PC = self.LR
            fn(self)
            continue
        }

        /* fetch and execute */
        if w, f = self.Mem.Fetch(self.PC); f != nil {
            self.raise(f.Signal, f.Code, self.PC)
        } else {
            self.Ln = true
            dispatchTab[ppc.InvOpp(w)](self, w)
        }

        /* deliver the trap raised by the instruction, if any */
        if self.trap != nil {
            if err := self.deliver(); err != nil {
                return err
            }
        } else if self.Ln {
            self.PC += ppc.InstrSize
        }
    }
    return nil
}

func (self *Emulator) raise(sig syscall.Signal, code int, addr uint64) {
    self.trap = &mem.Fault { Signal: sig, Code: code, Addr: addr }
    self.Ln = false
}

func (self *Emulator) fault(f *mem.Fault) {
    self.raise(f.Signal, f.Code, f.Addr)
}

func (self *Emulator) deliver() error {
    tr := self.trap
    self.trap = nil
    self.resv.ok = false

    /* nobody to hand it to */
    if self.Traps == nil {
        return &TrapError { Signal: tr.Signal, Code: tr.Code, PC: self.PC, Addr: tr.Addr }
    }

    /* the handler resumes at the PC of the context */
    ctx := &Context { e: self, addr: tr.Addr, code: tr.Code }
    if !self.Traps.HandleTrap(tr.Signal, ctx, self.Thread) {
        return &TrapError { Signal: tr.Signal, Code: tr.Code, PC: self.PC, Addr: tr.Addr }
    }
    return nil
}

/** Registers **/

func (self *Emulator) reg(r ppc.Register) uint64 {
    return self.Gr[r]
}

// base is the RA operand of address computations, where r0 reads as zero.
func (self *Emulator) base(r ppc.Register) uint64 {
    if r == ppc.R0 {
        return 0
    } else {
        return self.Gr[r]
    }
}

func (self *Emulator) crBit(bit int) bool {
    return self.CR >> (31 - bit) & 1 != 0
}

func (self *Emulator) setCRBit(bit int, v bool) {
    if m := uint32(1) << (31 - bit); v {
        self.CR |= m
    } else {
        self.CR &^= m
    }
}

func (self *Emulator) crField(cr ppc.CR) uint32 {
    return self.CR >> (28 - 4 * uint32(cr)) & 0xf
}

func (self *Emulator) setCRField(cr ppc.CR, v uint32) {
    sh := 28 - 4 * uint32(cr)
    self.CR = self.CR &^ (0xf << sh) | (v & 0xf) << sh
}

// compare sets cr to LT, GT or EQ.
func (self *Emulator) compare(cr ppc.CR, lt bool, gt bool) {
    switch {
        case lt  : self.setCRField(cr, 0x8)
        case gt  : self.setCRField(cr, 0x4)
        default  : self.setCRField(cr, 0x2)
    }
}

// record is the CR0 update of the "." forms.
func (self *Emulator) record(v uint64) {
    self.compare(ppc.CR0, int64(v) < 0, int64(v) > 0)
}

// CRField returns the LT, GT, EQ, SO bits of one field, LT first.
func (self *Emulator) CRField(cr ppc.CR) uint32 {
    return self.crField(cr)
}

// Flag reports the EQ bit of cr.
func (self *Emulator) Flag(cr ppc.CR) bool {
    return self.crBit(cr.Bit(ppc.CondEQ))
}

/** Shadow call stack **/

func (self *Emulator) pushCall(ret uint64) {
    self.calls.Push(ret)
}

func (self *Emulator) popCall(target uint64) {
    if !self.calls.Empty() && self.calls.Head().(uint64) == target {
        self.calls.Pop()
    }
}

// Backtrace returns the return addresses of the active calls, innermost
// first.
func (self *Emulator) Backtrace() []uint64 {
    var ret []uint64
    for !self.calls.Empty() {
        ret = append(ret, self.calls.Pop().(uint64))
    }
    for i := len(ret) - 1; i >= 0; i-- {
        self.calls.Push(ret[i])
    }
    return ret
}

// Free returns the emulator to the pool, it must not be used afterwards.
func (self *Emulator) Free() {
    freeEmulator(self)
}

/** Trap context **/

// Context is the signal context of an emulated thread. The PC written by
// the trap handler is where the emulator resumes.
type Context struct {
    e    *Emulator
    addr uint64
    code int
}

func (self *Context) PC() uint64           { return self.e.PC }
func (self *Context) SetPC(pc uint64)      { self.e.PC = pc }
func (self *Context) SP() uint64           { return self.e.Gr[ppc.SP] }
func (self *Context) FaultAddress() uint64 { return self.addr }
func (self *Context) Code() int            { return self.code }

// Reg reads a general purpose register of the interrupted thread.
func (self *Context) Reg(r ppc.Register) uint64 {
    return self.e.Gr[r]
}

// SetReg writes a general purpose register of the interrupted thread.
func (self *Context) SetReg(r ppc.Register, v uint64) {
    self.e.Gr[r] = v
}

// Registers dumps the register file.
func (self *Context) Registers() map[string]uint64 {
    ret := make(map[string]uint64, len(self.e.Gr) + 4)
    for i, v := range self.e.Gr {
        ret[ppc.Register(i).String()] = v
    }
    ret["pc"]  = self.e.PC
    ret["lr"]  = self.e.LR
    ret["ctr"] = self.e.CTR
    ret["cr"]  = uint64(self.e.CR)
    return ret
}

// Backtrace is the shadow call stack of the interrupted thread.
func (self *Context) Backtrace() []uint64 {
    return self.e.Backtrace()
}
