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
    `fmt`

    `github.com/cloudwego/trapasm/internal/opts`
    `github.com/cloudwego/trapasm/internal/ppc`
)

// UnknownAddress is the placeholder for a target that is not known at
// emission time. Sequences emitted against it carry the -1 offset sentinel.
const UnknownAddress = ^uint64(0)

type _PendingException struct {
    pc   uint32
    cont *Label
}

// MacroAssembler emits ppc64le code into a CodeBuffer, one method per
// instruction plus the compound sequences the compiler needs.
type MacroAssembler struct {
    buf    *CodeBuffer
    sect   *CodeSection
    opts   opts.Options
    reach  Reach
    labels []*Label
    excs   []_PendingException
}

func New(buf *CodeBuffer, o opts.Options) *MacroAssembler {
    return &MacroAssembler {
        buf   : buf,
        sect  : buf.Insts(),
        opts  : o,
        reach : Reach(o.ShortBranchReach),
    }
}

func (self *MacroAssembler) Buffer() *CodeBuffer        { return self.buf }
func (self *MacroAssembler) Options() *opts.Options     { return &self.opts }
func (self *MacroAssembler) Reach() Reach               { return self.reach }
func (self *MacroAssembler) CurrentSection() SectionKind { return self.sect.kind }

// PC is the target address of the next emitted word.
func (self *MacroAssembler) PC() uint64 {
    return self.sect.End()
}

// Offset is the offset of the next word in the current section.
func (self *MacroAssembler) Offset() int {
    return self.sect.Size()
}

// SetSection switches the section subsequent code goes to.
func (self *MacroAssembler) SetSection(k SectionKind) {
    if k == SectConsts {
        panic("asm: cannot emit code into the constant section")
    }
    self.sect = self.buf.Section(k)
}

// InSection emits fn into section k and switches back.
func (self *MacroAssembler) InSection(k SectionKind, fn func()) {
    old := self.sect.kind
    self.SetSection(k)
    defer self.SetSection(old)
    fn()
}

func (self *MacroAssembler) Emit(w uint32) {
    self.sect.Emit(w)
}

func (self *MacroAssembler) Align(n int) {
    self.sect.Align(n)
}

// NewLabel creates an unbound label owned by this assembler.
func (self *MacroAssembler) NewLabel(name string) *Label {
    l := newLabel(name)
    self.labels = append(self.labels, l)
    return l
}

// Bind fixes l at the current position and resolves every branch that was
// waiting for it. Sites are rewritten in place, never moved or resized.
func (self *MacroAssembler) Bind(l *Label) {
    if l.IsBound() {
        panic("asm: label " + l.Name + " is already bound")
    }

    /* resolve the pending sites */
    l.addr = int64(self.PC())
    for !l.sites.Empty() {
        self.fixup(l.sites.Dequeue().(*_Site), uint64(l.addr))
    }
}

func (self *MacroAssembler) fixup(s *_Site, to uint64) {
    switch s.kind {
        case _S_b, _S_bc : self.buf.SetWordAt(s.addr, ppc.RetargetBranch(self.buf.WordAt(s.addr), s.addr, to))
        case _S_bc_far   : self.writeBcFar(s.addr, to)
        case _S_far_jump : self.writeFar(s.addr, FarBranchWords(s.addr, to, false, self.reach))
        case _S_far_call : self.writeFar(s.addr, FarBranchWords(s.addr, to, true, self.reach))
        default          : panic(fmt.Sprintf("asm: invalid site kind: %d", s.kind))
    }
}

func (self *MacroAssembler) writeBcFar(addr uint64, to uint64) {
    bo, bi := BcFarCondition(self.buf.WordAt(addr), self.buf.WordAt(addr + 4))
    ws := BcFarWords(addr, bo, bi, to, self.reach)
    self.buf.SetWordAt(addr, ws[0])
    self.buf.SetWordAt(addr + 4, ws[1])
}

func (self *MacroAssembler) writeFar(addr uint64, ws [FarBranchWordCount]uint32) {
    for i, w := range ws {
        self.buf.SetWordAt(addr + uint64(i) * 4, w)
    }
}

// Finalize checks every label got bound and resolves the implicit
// exception table. The assembler must not be used afterwards.
func (self *MacroAssembler) Finalize() *CodeBuffer {
    for _, l := range self.labels {
        if !l.IsBound() && l.Pending() {
            panic("asm: label " + l.Name + " is never bound")
        }
    }

    /* implicit exceptions continue at labels */
    base := self.buf.Base()
    for _, e := range self.excs {
        self.buf.AddImplicitException(e.pc, uint32(e.cont.Address() - base))
    }

    /* labels go back to the pool */
    for _, l := range self.labels {
        freeLabel(l)
    }
    self.labels = nil
    self.excs = nil
    return self.buf
}

/** Instructions **/

func (self *MacroAssembler) Addi(rt ppc.Register, ra ppc.Register, si int64)   { self.Emit(ppc.Addi(rt, ra, si)) }
func (self *MacroAssembler) Addis(rt ppc.Register, ra ppc.Register, si int64)  { self.Emit(ppc.Addis(rt, ra, si)) }
func (self *MacroAssembler) Subi(rt ppc.Register, ra ppc.Register, si int64)   { self.Emit(ppc.Addi(rt, ra, -si)) }
func (self *MacroAssembler) Li(rt ppc.Register, si int64)                      { self.Emit(ppc.Li(rt, si)) }
func (self *MacroAssembler) Lis(rt ppc.Register, si int64)                     { self.Emit(ppc.Lis(rt, si)) }
func (self *MacroAssembler) Ori(ra ppc.Register, rs ppc.Register, ui uint64)   { self.Emit(ppc.Ori(ra, rs, ui)) }
func (self *MacroAssembler) Oris(ra ppc.Register, rs ppc.Register, ui uint64)  { self.Emit(ppc.Oris(ra, rs, ui)) }
func (self *MacroAssembler) Xori(ra ppc.Register, rs ppc.Register, ui uint64)  { self.Emit(ppc.Xori(ra, rs, ui)) }
func (self *MacroAssembler) AndiR(ra ppc.Register, rs ppc.Register, ui uint64) { self.Emit(ppc.AndiR(ra, rs, ui)) }

func (self *MacroAssembler) Add(rt ppc.Register, ra ppc.Register, rb ppc.Register)   { self.Emit(ppc.Add(rt, ra, rb)) }
func (self *MacroAssembler) Sub(rt ppc.Register, ra ppc.Register, rb ppc.Register)   { self.Emit(ppc.Sub(rt, ra, rb)) }
func (self *MacroAssembler) Mulld(rt ppc.Register, ra ppc.Register, rb ppc.Register) { self.Emit(ppc.Mulld(rt, ra, rb)) }
func (self *MacroAssembler) Divd(rt ppc.Register, ra ppc.Register, rb ppc.Register)  { self.Emit(ppc.Divd(rt, ra, rb)) }
func (self *MacroAssembler) Neg(rt ppc.Register, ra ppc.Register)                    { self.Emit(ppc.Neg(rt, ra)) }
func (self *MacroAssembler) And(ra ppc.Register, rs ppc.Register, rb ppc.Register)   { self.Emit(ppc.And(ra, rs, rb)) }
func (self *MacroAssembler) AndR(ra ppc.Register, rs ppc.Register, rb ppc.Register)  { self.Emit(ppc.AndR(ra, rs, rb)) }
func (self *MacroAssembler) Or(ra ppc.Register, rs ppc.Register, rb ppc.Register)    { self.Emit(ppc.Or(ra, rs, rb)) }
func (self *MacroAssembler) Xor(ra ppc.Register, rs ppc.Register, rb ppc.Register)   { self.Emit(ppc.Xor(ra, rs, rb)) }
func (self *MacroAssembler) Mr(ra ppc.Register, rs ppc.Register)                     { self.Emit(ppc.Mr(ra, rs)) }

func (self *MacroAssembler) Sldi(ra ppc.Register, rs ppc.Register, n int)            { self.Emit(ppc.Sldi(ra, rs, n)) }
func (self *MacroAssembler) Srdi(ra ppc.Register, rs ppc.Register, n int)            { self.Emit(ppc.Srdi(ra, rs, n)) }
func (self *MacroAssembler) Clrrdi(ra ppc.Register, rs ppc.Register, n int)          { self.Emit(ppc.Clrrdi(ra, rs, n)) }
func (self *MacroAssembler) Rldicl(ra ppc.Register, rs ppc.Register, sh int, mb int) { self.Emit(ppc.Rldicl(ra, rs, sh, mb)) }

func (self *MacroAssembler) Ld(rt ppc.Register, ds int64, ra ppc.Register)      { self.Emit(ppc.Ld(rt, ds, ra)) }
func (self *MacroAssembler) Std(rs ppc.Register, ds int64, ra ppc.Register)     { self.Emit(ppc.Std(rs, ds, ra)) }
func (self *MacroAssembler) Lwz(rt ppc.Register, d int64, ra ppc.Register)      { self.Emit(ppc.Lwz(rt, d, ra)) }
func (self *MacroAssembler) Stw(rs ppc.Register, d int64, ra ppc.Register)      { self.Emit(ppc.Stw(rs, d, ra)) }
func (self *MacroAssembler) Ldx(rt ppc.Register, ra ppc.Register, rb ppc.Register)   { self.Emit(ppc.Ldx(rt, ra, rb)) }
func (self *MacroAssembler) Stdx(rs ppc.Register, ra ppc.Register, rb ppc.Register)  { self.Emit(ppc.Stdx(rs, ra, rb)) }
func (self *MacroAssembler) Ldarx(rt ppc.Register, ra ppc.Register, rb ppc.Register) { self.Emit(ppc.Ldarx(rt, ra, rb)) }
func (self *MacroAssembler) StdcxR(rs ppc.Register, ra ppc.Register, rb ppc.Register) { self.Emit(ppc.StdcxR(rs, ra, rb)) }

func (self *MacroAssembler) Cmpd(cr ppc.CR, ra ppc.Register, rb ppc.Register)  { self.Emit(ppc.Cmpd(cr, ra, rb)) }
func (self *MacroAssembler) Cmpld(cr ppc.CR, ra ppc.Register, rb ppc.Register) { self.Emit(ppc.Cmpld(cr, ra, rb)) }
func (self *MacroAssembler) Cmpdi(cr ppc.CR, ra ppc.Register, si int64)        { self.Emit(ppc.Cmpdi(cr, ra, si)) }
func (self *MacroAssembler) Cmpldi(cr ppc.CR, ra ppc.Register, ui uint64)      { self.Emit(ppc.Cmpldi(cr, ra, ui)) }
func (self *MacroAssembler) Cmplwi(cr ppc.CR, ra ppc.Register, ui uint64)      { self.Emit(ppc.Cmplwi(cr, ra, ui)) }

func (self *MacroAssembler) Mflr(rt ppc.Register)  { self.Emit(ppc.Mflr(rt)) }
func (self *MacroAssembler) Mtlr(rs ppc.Register)  { self.Emit(ppc.Mtlr(rs)) }
func (self *MacroAssembler) Mfctr(rt ppc.Register) { self.Emit(ppc.Mfctr(rt)) }
func (self *MacroAssembler) Mtctr(rs ppc.Register) { self.Emit(ppc.Mtctr(rs)) }
func (self *MacroAssembler) Blr()                  { self.Emit(ppc.Blr()) }
func (self *MacroAssembler) Bctr()                 { self.Emit(ppc.Bctr()) }
func (self *MacroAssembler) Bctrl()                { self.Emit(ppc.Bctrl()) }

func (self *MacroAssembler) Mcrf(dst ppc.CR, src ppc.CR) { self.Emit(ppc.Mcrf(dst, src)) }

// CrSetEQ forces the EQ bit of cr, CrClearEQ clears it.
func (self *MacroAssembler) CrSetEQ(cr ppc.CR)   { eq := cr.Bit(ppc.CondEQ); self.Emit(ppc.Crorc(eq, eq, eq)) }
func (self *MacroAssembler) CrClearEQ(cr ppc.CR) { eq := cr.Bit(ppc.CondEQ); self.Emit(ppc.Crxor(eq, eq, eq)) }

func (self *MacroAssembler) Sync()    { self.Emit(ppc.Sync()) }
func (self *MacroAssembler) Lwsync()  { self.Emit(ppc.Lwsync()) }
func (self *MacroAssembler) Isync()   { self.Emit(ppc.Isync()) }
func (self *MacroAssembler) Nop()     { self.Emit(ppc.Nop()) }
func (self *MacroAssembler) Illtrap() { self.Emit(ppc.Illtrap()) }

// Release orders prior loads and stores before later stores, Fence orders
// everything.
func (self *MacroAssembler) Release() { self.Lwsync() }
func (self *MacroAssembler) Fence()   { self.Sync() }

func (self *MacroAssembler) Td(to int, ra ppc.Register, rb ppc.Register) { self.Emit(ppc.Td(to, ra, rb)) }
func (self *MacroAssembler) Tw(to int, ra ppc.Register, rb ppc.Register) { self.Emit(ppc.Tw(to, ra, rb)) }
func (self *MacroAssembler) Tdi(to int, ra ppc.Register, si int64)       { self.Emit(ppc.Tdi(to, ra, si)) }
func (self *MacroAssembler) Twi(to int, ra ppc.Register, si int64)       { self.Emit(ppc.Twi(to, ra, si)) }

/** Branches **/

func (self *MacroAssembler) branch(kind _SiteKind, l *Label, enc func(disp int64) uint32) {
    pc := self.PC()
    if l.IsBound() {
        self.Emit(enc(int64(l.Address() - pc)))
    } else {
        self.Emit(enc(0))
        l.link(kind, pc)
    }
}

// B is a plain branch, the label must end up within the reach of "b".
func (self *MacroAssembler) B(l *Label) {
    self.branch(_S_b, l, func(disp int64) uint32 { return ppc.B(disp, false) })
}

// Bl is a plain call to a label.
func (self *MacroAssembler) Bl(l *Label) {
    self.branch(_S_b, l, func(disp int64) uint32 { return ppc.B(disp, true) })
}

// Bc is a plain conditional branch, the label must end up within the reach
// of "bc", BcFar covers the other cases.
func (self *MacroAssembler) Bc(bo int, bi int, l *Label) {
    self.branch(_S_bc, l, func(disp int64) uint32 { return ppc.Bc(bo, bi, disp, false) })
}

func (self *MacroAssembler) Beq(cr ppc.CR, l *Label) { self.Bc(ppc.BO_TRUE, cr.Bit(ppc.CondEQ), l) }
func (self *MacroAssembler) Bne(cr ppc.CR, l *Label) { self.Bc(ppc.BO_FALSE, cr.Bit(ppc.CondEQ), l) }
func (self *MacroAssembler) Blt(cr ppc.CR, l *Label) { self.Bc(ppc.BO_TRUE, cr.Bit(ppc.CondLT), l) }
func (self *MacroAssembler) Bge(cr ppc.CR, l *Label) { self.Bc(ppc.BO_FALSE, cr.Bit(ppc.CondLT), l) }
func (self *MacroAssembler) Bgt(cr ppc.CR, l *Label) { self.Bc(ppc.BO_TRUE, cr.Bit(ppc.CondGT), l) }
func (self *MacroAssembler) Ble(cr ppc.CR, l *Label) { self.Bc(ppc.BO_FALSE, cr.Bit(ppc.CondGT), l) }

// BTo branches to an absolute address within reach.
func (self *MacroAssembler) BTo(addr uint64) {
    self.Emit(ppc.B(int64(addr - self.PC()), false))
}

// CallTo emits "bl addr" to a runtime routine within reach.
func (self *MacroAssembler) CallTo(addr uint64) {
    pc := self.PC()
    self.Emit(ppc.B(int64(addr - pc), true))
    self.buf.Relocate(RelocRuntimeCall, pc, addr)
}

/** Constants **/

// LoadConst materializes a 64-bit value in five words: lis, ori, sldi,
// oris, ori. The shape does not depend on the value so it can be patched.
func (self *MacroAssembler) LoadConst(dst ppc.Register, v uint64) {
    self.Lis(dst, int64(int16(v >> 48)))
    self.Ori(dst, dst, v >> 32 & 0xffff)
    self.Sldi(dst, dst, 32)
    self.Oris(dst, dst, v >> 16 & 0xffff)
    self.Ori(dst, dst, v & 0xffff)
}

// LoadConstOptimized materializes v in as few words as it takes.
func (self *MacroAssembler) LoadConstOptimized(dst ppc.Register, v int64) {
    switch {
        case ppc.IsSimm(v, 16): {
            self.Li(dst, v)
        }
        case v == int64(int32(v)): {
            self.Lis(dst, int64(int16(v >> 16)))
            if v & 0xffff != 0 {
                self.Ori(dst, dst, uint64(v) & 0xffff)
            }
        }
        default: {
            self.LoadConst(dst, uint64(v))
        }
    }
}

func (self *MacroAssembler) tocOffset(addr uint64) int64 {
    if addr == UnknownAddress {
        return -1
    }
    off := int64(addr - self.buf.TOC)
    if off != int64(int32(off)) {
        panic(fmt.Sprintf("asm: %#x is out of reach of the global TOC", addr))
    }
    return off
}

// CalculateAddressFromGlobalTOC computes addr relative to the TOC register
// with an addis/addi pair. The pair is 8-byte aligned so the patcher can
// replace both halves at once. UnknownAddress emits the -1 sentinel.
func (self *MacroAssembler) CalculateAddressFromGlobalTOC(dst ppc.Register, addr uint64) {
    off := self.tocOffset(addr)
    self.Align(8)
    self.Addis(dst, ppc.TOC, ppc.Hi16(off))
    self.Addi(dst, dst, ppc.Lo16(off))
}

// LoadFromGlobalTOC loads the doubleword at slot with an addis/ld pair.
func (self *MacroAssembler) LoadFromGlobalTOC(dst ppc.Register, slot uint64) {
    off := self.tocOffset(slot)
    if off & 3 != 0 {
        panic("asm: misaligned TOC slot")
    }
    pc := self.PC()
    self.Addis(dst, ppc.TOC, ppc.Hi16(off))
    self.Ld(dst, ppc.Lo16(off), dst)
    self.buf.Relocate(RelocSectionWord, pc, slot)
}

// LoadConstFromPool puts v in the constant section and loads it. It reports
// false when the constant section is full.
func (self *MacroAssembler) LoadConstFromPool(dst ppc.Register, v uint64) bool {
    return self.loadConstant(RelocNone, dst, v)
}

// LoadOop loads an object reference through the constant section.
func (self *MacroAssembler) LoadOop(dst ppc.Register, oop uint64) bool {
    return self.loadConstant(RelocOopConstant, dst, oop)
}

// LoadMetadata loads a metadata pointer through the constant section.
func (self *MacroAssembler) LoadMetadata(dst ppc.Register, md uint64) bool {
    return self.loadConstant(RelocMetadataConstant, dst, md)
}

func (self *MacroAssembler) loadConstant(kind RelocKind, dst ppc.Register, v uint64) bool {
    slot := self.buf.AddressConstant(v)
    if slot == 0 {
        return false
    }
    if kind != RelocNone {
        self.buf.Relocate(kind, slot, v)
    }
    self.LoadFromGlobalTOC(dst, slot)
    return true
}
