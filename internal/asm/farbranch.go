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

package asm

import (
    `errors`
    `fmt`

    `github.com/cloudwego/trapasm/internal/ppc`
)

const (
    BcFarSize          = 8
    FarBranchSize      = 32
    FarBranchWordCount = FarBranchSize / 4
    TrampolineStubSize = 16
    LoadConstSize      = 20
)

// Offsets within a far branch site. The pc-relative offset of the long
// form is taken from FarBranchBase, and the addis/addi pair that holds it
// starts at FarBranchPairOffset, 8-byte aligned.
const (
    FarBranchBase       = 8
    FarBranchPairOffset = 16
    FarBranchTailOffset = 28
)

// ErrTrampolineAllocation means no trampoline stub could be allocated for
// an out of reach call, the compilation has to be retried or abandoned.
var ErrTrampolineAllocation = errors.New("asm: trampoline stub allocation failed")

// Reach is the largest displacement the short forms are allowed to use, in
// bytes. Zero or negative means the architectural limits.
type Reach int64

func (self Reach) limit(disp int64) bool {
    return self <= 0 || (disp <= int64(self) && disp >= -int64(self))
}

// B reports whether disp can be reached by a short "b".
func (self Reach) B(disp int64) bool {
    return ppc.IsWithinRangeB(disp) && self.limit(disp)
}

// BC reports whether disp can be reached by a short "bc".
func (self Reach) BC(disp int64) bool {
    return ppc.IsWithinRangeBC(disp) && self.limit(disp)
}

/** Conditional far branches **
 *
 *  short:  bc   cond, L        long:  bc   !cond, +8
 *          nop                        b    L
 */

// BcFarWords encodes a conditional far branch at site.
func BcFarWords(site uint64, bo int, bi int, to uint64, reach Reach) [2]uint32 {
    if disp := int64(to - site); reach.BC(disp) {
        return [2]uint32 { ppc.Bc(bo, bi, disp, false), ppc.Nop() }
    } else {
        return [2]uint32 { ppc.Bc(ppc.InverseBO(bo), bi, BcFarSize, false), ppc.B(int64(to - site - 4), false) }
    }
}

// BcFarUnresolvedWords is the long form branching to itself.
func BcFarUnresolvedWords(bo int, bi int) [2]uint32 {
    return [2]uint32 { ppc.Bc(ppc.InverseBO(bo), bi, BcFarSize, false), ppc.B(0, false) }
}

// BcFarCondition recovers the condition a far branch site was emitted with.
func BcFarCondition(w0 uint32, w1 uint32) (bo int, bi int) {
    if ppc.IsNop(w1) {
        return ppc.InvBO(w0), ppc.InvBI(w0)
    } else {
        return ppc.InverseBO(ppc.InvBO(w0)), ppc.InvBI(w0)
    }
}

/** Patchable far jumps and calls **
 *
 *  short:  nop * 7             long:  mflr   r0
 *          b[l] L                     bcl    20, 31, +4
 *                                     mflr   r12          <- FarBranchBase
 *                                     mtlr   r0
 *                                     addis  r12, r12, hi <- FarBranchPairOffset
 *                                     addi   r12, r12, lo
 *                                     mtctr  r12
 *                                     bctr[l]
 */

// FarBranchWords encodes a far branch at site, the short form whenever the
// target is within reach.
func FarBranchWords(site uint64, to uint64, link bool, reach Reach) [FarBranchWordCount]uint32 {
    if disp := int64(to - site - FarBranchTailOffset); reach.B(disp) {
        return FarBranchShortWords(disp, link)
    }
    off := int64(to - site - FarBranchBase)
    if off != int64(int32(off)) {
        panic(fmt.Sprintf("asm: far branch target %#x is out of reach from %#x", to, site))
    }
    return FarBranchLongWords(off, link)
}

func FarBranchShortWords(disp int64, link bool) (ret [FarBranchWordCount]uint32) {
    for i := 0; i < FarBranchWordCount - 1; i++ {
        ret[i] = ppc.Nop()
    }
    ret[FarBranchWordCount - 1] = ppc.B(disp, link)
    return
}

// FarBranchLongWords encodes the long form with the given offset, -1 being
// the unresolved sentinel.
func FarBranchLongWords(off int64, link bool) [FarBranchWordCount]uint32 {
    tail := ppc.Bctr()
    if link {
        tail = ppc.Bctrl()
    }
    return [FarBranchWordCount]uint32 {
        ppc.Mflr(ppc.R0),
        ppc.Bcl20(),
        ppc.Mflr(ppc.R12),
        ppc.Mtlr(ppc.R0),
        ppc.Addis(ppc.R12, ppc.R12, ppc.Hi16(off)),
        ppc.Addi(ppc.R12, ppc.R12, ppc.Lo16(off)),
        ppc.Mtctr(ppc.R12),
        tail,
    }
}

// TrampolineWords encodes a trampoline stub jumping through slot.
func TrampolineWords(toc uint64, slot uint64) [4]uint32 {
    off := int64(slot - toc)
    return [4]uint32 {
        ppc.Addis(ppc.R12, ppc.TOC, ppc.Hi16(off)),
        ppc.Ld(ppc.R12, ppc.Lo16(off), ppc.R12),
        ppc.Mtctr(ppc.R12),
        ppc.Bctr(),
    }
}

// BcFar emits a conditional branch that reaches any label in the buffer.
// The site is always BcFarSize bytes whichever form it ends up in.
func (self *MacroAssembler) BcFar(bo int, bi int, l *Label) {
    var ws [2]uint32
    site := self.PC()

    /* pick the form now if the label is known */
    if l.IsBound() {
        ws = BcFarWords(site, bo, bi, l.Address(), self.reach)
    } else {
        ws = BcFarUnresolvedWords(bo, bi)
        l.link(_S_bc_far, site)
    }

    /* emit the site */
    self.Emit(ws[0])
    self.Emit(ws[1])
}

func (self *MacroAssembler) farBranch(l *Label, link bool) {
    var ws [FarBranchWordCount]uint32
    self.Align(8)
    site := self.PC()

    /* unbound labels start in the long form with the -1 sentinel */
    if l.IsBound() {
        ws = FarBranchWords(site, l.Address(), link, self.reach)
    } else if link {
        ws = FarBranchLongWords(-1, true)
        l.link(_S_far_call, site)
    } else {
        ws = FarBranchLongWords(-1, false)
        l.link(_S_far_jump, site)
    }

    /* emit the site */
    for _, w := range ws {
        self.Emit(w)
    }
}

func (self *MacroAssembler) farBranchTo(addr uint64, link bool) uint64 {
    self.Align(8)
    site := self.PC()
    ws := FarBranchLongWords(-1, link)

    /* UnknownAddress is patched later on */
    if addr != UnknownAddress {
        ws = FarBranchWords(site, addr, link, self.reach)
    }

    /* emit the site */
    for _, w := range ws {
        self.Emit(w)
    }
    if addr != UnknownAddress {
        self.buf.Relocate(RelocRuntimeCall, site, addr)
    }
    return site
}

// FarJump emits a patchable jump to a label.
func (self *MacroAssembler) FarJump(l *Label) { self.farBranch(l, false) }

// FarCall emits a patchable call to a label.
func (self *MacroAssembler) FarCall(l *Label) { self.farBranch(l, true) }

// FarJumpTo emits a patchable jump to an address and returns the site.
func (self *MacroAssembler) FarJumpTo(addr uint64) uint64 { return self.farBranchTo(addr, false) }

// FarCallTo emits a patchable call to an address and returns the site.
func (self *MacroAssembler) FarCallTo(addr uint64) uint64 { return self.farBranchTo(addr, true) }

// TrampolineCall calls target with a single "bl". When the target is out
// of reach the call goes through a trampoline stub owned by this call site,
// which loads the target from a constant slot. Nothing is emitted when the
// slot or the stub cannot be allocated.
func (self *MacroAssembler) TrampolineCall(target uint64) (uint64, error) {
    pc := self.PC()
    if self.reach.B(int64(target - pc)) {
        self.CallTo(target)
        return pc, nil
    }

    /* check for space before touching anything */
    stubs := self.buf.Stubs()
    if self.buf.Consts().Remaining() < 8 || stubs.Remaining() < TrampolineStubSize {
        return 0, ErrTrampolineAllocation
    }

    /* a private constant slot and the stub */
    slot := self.buf.AllocateConstant(target)
    stub := stubs.End()
    for _, w := range TrampolineWords(self.buf.TOC, slot) {
        stubs.Emit(w)
    }

    /* the call site owns the stub */
    self.Emit(ppc.B(int64(stub - pc), true))
    self.buf.tramps[pc] = stub
    self.buf.Relocate(RelocTrampolineStub, pc, stub)
    self.buf.Relocate(RelocRuntimeCall, pc, target)
    return pc, nil
}
