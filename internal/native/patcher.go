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

package native

import (
    `fmt`
    `sync/atomic`

    `github.com/klauspost/cpuid/v2`
    log `github.com/sirupsen/logrus`

    `github.com/cloudwego/trapasm/internal/asm`
    `github.com/cloudwego/trapasm/internal/ppc`
)

// DefaultCacheLine is used when the host does not report its cache line.
const DefaultCacheLine = 128

// PatchViolation is the panic value raised when a patch is attempted on an
// address that does not hold the expected sequence, or when the patched
// sequence does not decode to the requested target.
type PatchViolation struct {
    Kind string
    Addr uint64
    Word uint32
}

func violation(kind string, addr uint64, w uint32) *PatchViolation {
    return &PatchViolation { Kind: kind, Addr: addr, Word: w }
}

func (self *PatchViolation) Error() string {
    return fmt.Sprintf("native: patch violation: %s at %#x (%s)", self.Kind, self.Addr, ppc.Disassemble(self.Word, self.Addr))
}

// Stats are the patcher counters.
type Stats struct {
    Patches    uint64
    Stores     uint64
    Flushes    uint64
    CacheLines uint64
}

// Patcher rewrites published code while other threads may execute it.
//
// Only immediate and displacement fields ever change. A patch is a single
// aligned 32-bit store, or a single aligned 64-bit store for hi/lo pairs and
// constant slots, so a concurrent reader sees either the old or the new
// target and never a mix of both. Every patch is followed by an instruction
// cache flush and re-decoded to check it reaches the requested target.
//
// In checked mode every store is a compare-and-swap against the value read
// when decoding the site, a lost race is reported as a violation.
type Patcher struct {
    mem     Memory
    reach   asm.Reach
    line    uint64
    checked bool
    patches atomic.Uint64
    stores  atomic.Uint64
    flushes atomic.Uint64
    lines   atomic.Uint64
}

// NewPatcher creates a patcher over mem. reach must match the one the
// code was emitted with.
func NewPatcher(mem Memory, reach asm.Reach, checked bool) *Patcher {
    line := uint64(cpuid.CPU.CacheLine)
    if line == 0 || line & (line - 1) != 0 {
        line = DefaultCacheLine
    }
    return &Patcher {
        mem     : mem,
        reach   : reach,
        line    : line,
        checked : checked,
    }
}

func (self *Patcher) Memory() Memory      { return self.mem }
func (self *Patcher) CacheLine() uint64   { return self.line }
func (self *Patcher) Checked() bool       { return self.checked }

// Stats returns a snapshot of the counters.
func (self *Patcher) Stats() Stats {
    return Stats {
        Patches    : self.patches.Load(),
        Stores     : self.stores.Load(),
        Flushes    : self.flushes.Load(),
        CacheLines : self.lines.Load(),
    }
}

func (self *Patcher) store32(addr uint64, old uint32, v uint32) {
    if addr % 4 != 0 {
        panic(violation("misaligned word store", addr, old))
    }
    if !self.checked {
        self.mem.Store32(addr, v)
    } else if !self.mem.CAS32(addr, old, v) {
        panic(violation("concurrent patch", addr, self.mem.Load32(addr)))
    }
    self.stores.Add(1)
}

func (self *Patcher) store64(addr uint64, old uint64, v uint64) {
    if addr % 8 != 0 {
        panic(violation("misaligned doubleword store", addr, uint32(old)))
    }
    if !self.checked {
        self.mem.Store64(addr, v)
    } else if !self.mem.CAS64(addr, old, v) {
        panic(violation("concurrent patch", addr, self.mem.Load32(addr)))
    }
    self.stores.Add(1)
}

// FlushICache makes [addr, addr+n) visible to instruction fetch. Target
// memory stores are sequentially consistent atomics, what remains is the
// per line invalidation, which is accounted for.
func (self *Patcher) FlushICache(addr uint64, n uint64) {
    lo := addr &^ (self.line - 1)
    hi := (addr + n + self.line - 1) &^ (self.line - 1)
    self.flushes.Add(1)
    self.lines.Add((hi - lo) / self.line)
}

func (self *Patcher) done(kind string, addr uint64, want uint64, got uint64) {
    if got != want {
        panic(violation(fmt.Sprintf("%s decodes to %#x instead of %#x", kind, got, want), addr, self.mem.Load32(addr)))
    }
    self.patches.Add(1)
    log.Debugf("native: patched %s at %#x -> %#x", kind, addr, want)
}

// splitOffset returns the hi/lo halves of off, which must round-trip.
func splitOffset(kind string, addr uint64, off int64) (int64, int64) {
    hi, lo := ppc.Hi16(off), ppc.Lo16(off)
    if hi << 16 + lo != off {
        panic(violation(fmt.Sprintf("%s offset %#x out of reach", kind, off), addr, 0))
    }
    return hi, lo
}

// SetFarCallDestination retargets the far jump or call at addr. The short
// form is retargeted within the short reach only, the long form anywhere
// within ±2 GiB. asm.UnknownAddress restores the unresolved sentinel.
func (self *Patcher) SetFarCallDestination(addr uint64, dst uint64) {
    switch {
        case addr % 8 != 0: {
            panic(violation("misaligned far branch", addr, self.mem.Load32(addr)))
        }
        case IsFarCallShortAt(self.mem, addr): {
            tail := addr + asm.FarBranchTailOffset
            disp := int64(dst - tail)
            if dst == asm.UnknownAddress || !self.reach.B(disp) {
                panic(violation("far branch target out of short reach", addr, self.mem.Load32(tail)))
            }
            w := self.mem.Load32(tail)
            self.store32(tail, w, ppc.SetLI(w, disp))
            self.FlushICache(tail, 4)
        }
        case IsFarCallLongAt(self.mem, addr): {
            off := int64(-1)
            if dst != asm.UnknownAddress {
                off = int64(dst - addr - asm.FarBranchBase)
            }

            /* both halves in one doubleword store */
            hi, lo := splitOffset("far branch", addr, off)
            p := addr + asm.FarBranchPairOffset
            v := self.mem.Load64(p)
            nv := uint64(ppc.SetD1(uint32(v), hi)) | uint64(ppc.SetD1(uint32(v >> 32), lo)) << 32
            self.store64(p, v, nv)
            self.FlushICache(p, 8)
        }
        default: {
            panic(violation("far branch", addr, self.mem.Load32(addr)))
        }
    }
    self.done("far branch", addr, dst, DestinationOfFarCall(self.mem, addr))
}

// SetBcFarDestination retargets the conditional far branch at addr within
// the form it is currently in.
func (self *Patcher) SetBcFarDestination(addr uint64, dst uint64) {
    if !IsBcFarAt(self.mem, addr) {
        panic(violation("conditional far branch", addr, self.mem.Load32(addr)))
    }

    /* short: the bc itself, long: the b behind it */
    if IsBcFarShortAt(self.mem, addr) {
        w := self.mem.Load32(addr)
        if disp := int64(dst - addr); !self.reach.BC(disp) {
            panic(violation("conditional branch target out of reach", addr, w))
        } else {
            self.store32(addr, w, ppc.SetBD(w, disp))
        }
    } else {
        w := self.mem.Load32(addr + 4)
        if disp := int64(dst - addr - 4); !ppc.IsWithinRangeB(disp) || disp == 0 {
            panic(violation("branch target out of reach", addr + 4, w))
        } else {
            self.store32(addr + 4, w, ppc.SetLI(w, disp))
        }
    }
    self.FlushICache(addr, asm.BcFarSize)
    self.done("conditional far branch", addr, dst, DestinationOfBcFar(self.mem, addr))
}

// SetCallDestination retargets the call at addr. A target out of reach goes
// through the trampoline stub owned by the site: the slot is updated first,
// then the call is pointed at the stub, so the call never reaches a stub
// holding a stale target.
func (self *Patcher) SetCallDestination(addr uint64, dst uint64, toc uint64, tramps Trampolines) {
    w := self.mem.Load32(addr)
    if !ppc.IsBl(w) {
        panic(violation("call", addr, w))
    }

    /* direct */
    if disp := int64(dst - addr); self.reach.B(disp) {
        self.store32(addr, w, ppc.SetLI(w, disp))
        self.FlushICache(addr, 4)
        self.done("call", addr, dst, DestinationOfCall(self.mem, addr, toc, tramps))
        return
    }

    /* through the trampoline */
    var ok bool
    var stub uint64
    if tramps != nil {
        stub, ok = tramps.TrampolineFor(addr)
    }
    if !ok || !IsTrampolineStubAt(self.mem, stub) {
        panic(violation("call target out of reach without a trampoline", addr, w))
    }

    /* slot first, then the call */
    slot := TrampolineSlot(self.mem, stub, toc)
    self.store64(slot, self.mem.Load64(slot), dst)
    if ppc.BranchDest(w, addr) != stub {
        self.store32(addr, w, ppc.SetLI(w, int64(stub - addr)))
        self.FlushICache(addr, 4)
    }
    self.done("call", addr, dst, DestinationOfCall(self.mem, addr, toc, tramps))
}

// SetTOCAddress changes the address computed by the TOC relative pair whose
// low half is at addr. Adjacent aligned pairs are replaced with a single
// store, others half by half, which is only safe while the code cannot run.
func (self *Patcher) SetTOCAddress(addr uint64, target uint64, toc uint64) {
    off := int64(-1)
    hi := TOCAddressHigh(self.mem, addr)

    /* the sentinel stays -1 */
    if target != asm.UnknownAddress {
        off = int64(target - toc)
    }

    /* the ld form needs a word aligned low half */
    h, l := splitOffset("TOC relative address", addr, off)
    if lw := self.mem.Load32(addr); ppc.IsLd(lw) && l & 3 != 0 {
        panic(violation("misaligned TOC slot", addr, lw))
    }

    /* one doubleword if possible */
    if hi + 4 == addr && hi % 8 == 0 {
        v := self.mem.Load64(hi)
        self.store64(hi, v, uint64(ppc.SetD1(uint32(v), h)) | uint64(setLow(uint32(v >> 32), l)) << 32)
    } else {
        hw, lw := self.mem.Load32(hi), self.mem.Load32(addr)
        self.store32(hi, hw, ppc.SetD1(hw, h))
        self.store32(addr, lw, setLow(lw, l))
    }

    /* flush and check */
    self.FlushICache(hi, addr + 4 - hi)
    self.done("TOC relative address", addr, target, DestinationOfTOCAddress(self.mem, addr, toc))
}

func setLow(w uint32, lo int64) uint32 {
    if ppc.IsLd(w) {
        return ppc.SetDS(w, lo)
    } else {
        return ppc.SetD1(w, lo)
    }
}

// SetMovConst changes the value loaded by the 5-word constant load at addr.
// The four immediates are not replaced atomically, the caller guarantees
// no thread executes the sequence meanwhile.
func (self *Patcher) SetMovConst(addr uint64, v uint64) {
    if !IsMovConstAt(self.mem, addr) {
        panic(violation("constant load", addr, self.mem.Load32(addr)))
    }

    /* lis, ori, (sldi), oris, ori */
    for i, imm := range [...]struct { idx int; v uint64 } {
        { 0, v >> 48 },
        { 1, v >> 32 & 0xffff },
        { 3, v >> 16 & 0xffff },
        { 4, v & 0xffff },
    } {
        p := addr + uint64(imm.idx) * 4
        w := self.mem.Load32(p)
        if i == 0 {
            self.store32(p, w, ppc.SetD1(w, int64(int16(imm.v))))
        } else {
            self.store32(p, w, w &^ 0xffff | uint32(imm.v))
        }
    }

    /* flush and check */
    self.FlushICache(addr, asm.LoadConstSize)
    self.done("constant load", addr, v, MovConstValue(self.mem, addr))
}

// SetConstant replaces the value of a constant slot.
func (self *Patcher) SetConstant(slot uint64, v uint64) {
    self.store64(slot, self.mem.Load64(slot), v)
    self.done("constant", slot, v, self.mem.Load64(slot))
}

// MakeNotEntrant overwrites the verified entry at addr with the not-entrant
// sentinel, a trap when trapBased is set and an illegal instruction
// otherwise. Threads entering afterwards fault into the wrong-method stub.
func (self *Patcher) MakeNotEntrant(addr uint64, trapBased bool) {
    w := self.mem.Load32(addr)
    self.store32(addr, w, asm.NotEntrantSentinel(trapBased))
    self.FlushICache(addr, 4)
    if !IsNotEntrantAt(self.mem, addr) {
        panic(violation("not-entrant sentinel", addr, self.mem.Load32(addr)))
    }
    self.patches.Add(1)
    log.Debugf("native: made %#x not entrant", addr)
}
