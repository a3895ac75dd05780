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
    `math`
    `math/bits`

    `golang.org/x/sys/unix`

    `github.com/cloudwego/trapasm/internal/mem`
    `github.com/cloudwego/trapasm/internal/ppc`
    `github.com/cloudwego/trapasm/internal/rt`
)

type _OpFunc = func(e *Emulator, w uint32)

var (
    dispatchTab [64]_OpFunc
    xformTab    = map[uint32]_OpFunc{}
    xoformTab   = map[uint32]_OpFunc{}
    xlformTab   = map[uint32]_OpFunc{}
)

func init() {
    for i := range dispatchTab {
        dispatchTab[i] = (*Emulator).emu_illegal
    }

    /* primary opcodes */
    dispatchTab[ppc.OP_TDI]    = (*Emulator).emu_OP_tdi
    dispatchTab[ppc.OP_TWI]    = (*Emulator).emu_OP_twi
    dispatchTab[ppc.OP_MULLI]  = (*Emulator).emu_OP_mulli
    dispatchTab[ppc.OP_CMPLI]  = (*Emulator).emu_OP_cmpli
    dispatchTab[ppc.OP_CMPI]   = (*Emulator).emu_OP_cmpi
    dispatchTab[ppc.OP_ADDI]   = (*Emulator).emu_OP_addi
    dispatchTab[ppc.OP_ADDIS]  = (*Emulator).emu_OP_addis
    dispatchTab[ppc.OP_BC]     = (*Emulator).emu_OP_bc
    dispatchTab[ppc.OP_B]      = (*Emulator).emu_OP_b
    dispatchTab[ppc.OP_XL]     = (*Emulator).emu_OP_xl
    dispatchTab[ppc.OP_ORI]    = (*Emulator).emu_OP_ori
    dispatchTab[ppc.OP_ORIS]   = (*Emulator).emu_OP_oris
    dispatchTab[ppc.OP_XORI]   = (*Emulator).emu_OP_xori
    dispatchTab[ppc.OP_ANDI_]  = (*Emulator).emu_OP_andi_
    dispatchTab[ppc.OP_MD]     = (*Emulator).emu_OP_md
    dispatchTab[ppc.OP_X]      = (*Emulator).emu_OP_x
    dispatchTab[ppc.OP_LWZ]    = (*Emulator).emu_OP_lwz
    dispatchTab[ppc.OP_LBZ]    = (*Emulator).emu_OP_lbz
    dispatchTab[ppc.OP_STW]    = (*Emulator).emu_OP_stw
    dispatchTab[ppc.OP_STB]    = (*Emulator).emu_OP_stb
    dispatchTab[ppc.OP_DSLOAD] = (*Emulator).emu_OP_ld
    dispatchTab[ppc.OP_DSSTOR] = (*Emulator).emu_OP_std

    /* X form, 10-bit extended opcodes */
    xformTab[ppc.XO_CMP]   = (*Emulator).emu_XO_cmp
    xformTab[ppc.XO_CMPL]  = (*Emulator).emu_XO_cmpl
    xformTab[ppc.XO_TW]    = (*Emulator).emu_XO_tw
    xformTab[ppc.XO_TD]    = (*Emulator).emu_XO_td
    xformTab[ppc.XO_LDX]   = (*Emulator).emu_XO_ldx
    xformTab[ppc.XO_STDX]  = (*Emulator).emu_XO_stdx
    xformTab[ppc.XO_LDARX] = (*Emulator).emu_XO_ldarx
    xformTab[ppc.XO_STDCX] = (*Emulator).emu_XO_stdcx
    xformTab[ppc.XO_AND]   = (*Emulator).emu_XO_and
    xformTab[ppc.XO_ANDC]  = (*Emulator).emu_XO_andc
    xformTab[ppc.XO_OR]    = (*Emulator).emu_XO_or
    xformTab[ppc.XO_XOR]   = (*Emulator).emu_XO_xor
    xformTab[ppc.XO_MFSPR] = (*Emulator).emu_XO_mfspr
    xformTab[ppc.XO_MTSPR] = (*Emulator).emu_XO_mtspr
    xformTab[ppc.XO_SYNC]  = (*Emulator).emu_nop

    /* XO form, 9-bit extended opcodes */
    xoformTab[ppc.XO_ADD]   = (*Emulator).emu_XO_add
    xoformTab[ppc.XO_SUBF]  = (*Emulator).emu_XO_subf
    xoformTab[ppc.XO_NEG]   = (*Emulator).emu_XO_neg
    xoformTab[ppc.XO_MULLD] = (*Emulator).emu_XO_mulld
    xoformTab[ppc.XO_DIVD]  = (*Emulator).emu_XO_divd
    xoformTab[ppc.XO_DIVDU] = (*Emulator).emu_XO_divdu

    /* XL form */
    xlformTab[ppc.XL_MCRF]  = (*Emulator).emu_XL_mcrf
    xlformTab[ppc.XL_BCLR]  = (*Emulator).emu_XL_bclr
    xlformTab[ppc.XL_BCCTR] = (*Emulator).emu_XL_bcctr
    xlformTab[ppc.XL_ISYNC] = (*Emulator).emu_nop
    xlformTab[ppc.XL_CRXOR] = (*Emulator).emu_XL_crxor
    xlformTab[ppc.XL_CREQV] = (*Emulator).emu_XL_creqv
    xlformTab[ppc.XL_CROR]  = (*Emulator).emu_XL_cror
    xlformTab[ppc.XL_CRORC] = (*Emulator).emu_XL_crorc
}

func (self *Emulator) emu_nop(_ uint32) {
    /* no operation */
}

func (self *Emulator) emu_illegal(_ uint32) {
    self.raise(unix.SIGILL, rt.ILL_ILLOPC, self.PC)
}

/** Traps **/

func trapCond(to int, a uint64, b uint64) bool {
    return (to & ppc.TO_LT  != 0 && int64(a) < int64(b)) ||
           (to & ppc.TO_GT  != 0 && int64(a) > int64(b)) ||
           (to & ppc.TO_EQ  != 0 && a == b) ||
           (to & ppc.TO_LTU != 0 && a < b) ||
           (to & ppc.TO_GTU != 0 && a > b)
}

func ext32(v uint64) uint64 {
    return uint64(int64(int32(v)))
}

func (self *Emulator) trapIf(cond bool) {
    if cond {
        self.raise(unix.SIGTRAP, rt.TRAP_BRKPT, self.PC)
    }
}

func (self *Emulator) emu_OP_tdi(w uint32) {
    self.trapIf(trapCond(ppc.InvTO(w), self.reg(ppc.InvRA(w)), uint64(ppc.InvD1(w))))
}

func (self *Emulator) emu_OP_twi(w uint32) {
    self.trapIf(trapCond(ppc.InvTO(w), ext32(self.reg(ppc.InvRA(w))), uint64(ppc.InvD1(w))))
}

func (self *Emulator) emu_XO_td(w uint32) {
    self.trapIf(trapCond(ppc.InvTO(w), self.reg(ppc.InvRA(w)), self.reg(ppc.InvRB(w))))
}

func (self *Emulator) emu_XO_tw(w uint32) {
    self.trapIf(trapCond(ppc.InvTO(w), ext32(self.reg(ppc.InvRA(w))), ext32(self.reg(ppc.InvRB(w)))))
}

/** Integer arithmetic **/

func (self *Emulator) emu_OP_addi(w uint32) {
    self.Gr[ppc.InvRT(w)] = self.base(ppc.InvRA(w)) + uint64(ppc.InvD1(w))
}

func (self *Emulator) emu_OP_addis(w uint32) {
    self.Gr[ppc.InvRT(w)] = self.base(ppc.InvRA(w)) + uint64(ppc.InvD1(w) << 16)
}

func (self *Emulator) emu_OP_mulli(w uint32) {
    self.Gr[ppc.InvRT(w)] = self.reg(ppc.InvRA(w)) * uint64(ppc.InvD1(w))
}

func (self *Emulator) emu_OP_ori(w uint32) {
    self.Gr[ppc.InvRA(w)] = self.reg(ppc.InvRT(w)) | ppc.InvUI(w)
}

func (self *Emulator) emu_OP_oris(w uint32) {
    self.Gr[ppc.InvRA(w)] = self.reg(ppc.InvRT(w)) | ppc.InvUI(w) << 16
}

func (self *Emulator) emu_OP_xori(w uint32) {
    self.Gr[ppc.InvRA(w)] = self.reg(ppc.InvRT(w)) ^ ppc.InvUI(w)
}

func (self *Emulator) emu_OP_andi_(w uint32) {
    v := self.reg(ppc.InvRT(w)) & ppc.InvUI(w)
    self.Gr[ppc.InvRA(w)] = v
    self.record(v)
}

// setRT writes an XO form result and updates CR0 for the "." forms.
func (self *Emulator) setRT(w uint32, v uint64) {
    if self.Gr[ppc.InvRT(w)] = v; ppc.InvRc(w) {
        self.record(v)
    }
}

// setRA is the same for the X form logicals, whose target is RA.
func (self *Emulator) setRA(w uint32, v uint64) {
    if self.Gr[ppc.InvRA(w)] = v; ppc.InvRc(w) {
        self.record(v)
    }
}

func (self *Emulator) emu_XO_add(w uint32) {
    self.setRT(w, self.reg(ppc.InvRA(w)) + self.reg(ppc.InvRB(w)))
}

func (self *Emulator) emu_XO_subf(w uint32) {
    self.setRT(w, self.reg(ppc.InvRB(w)) - self.reg(ppc.InvRA(w)))
}

func (self *Emulator) emu_XO_neg(w uint32) {
    self.setRT(w, -self.reg(ppc.InvRA(w)))
}

func (self *Emulator) emu_XO_mulld(w uint32) {
    self.setRT(w, self.reg(ppc.InvRA(w)) * self.reg(ppc.InvRB(w)))
}

// emu_XO_divd raises SIGFPE on a zero divisor, where the hardware would
// leave the result undefined. Compiled code relies on it for the implicit
// divide by zero check.
func (self *Emulator) emu_XO_divd(w uint32) {
    a, b := int64(self.reg(ppc.InvRA(w))), int64(self.reg(ppc.InvRB(w)))
    switch {
        case b == 0                        : self.raise(unix.SIGFPE, rt.FPE_INTDIV, self.PC)
        case b == -1 && a == math.MinInt64 : self.setRT(w, 0)
        default                            : self.setRT(w, uint64(a / b))
    }
}

func (self *Emulator) emu_XO_divdu(w uint32) {
    a, b := self.reg(ppc.InvRA(w)), self.reg(ppc.InvRB(w))
    if b == 0 {
        self.raise(unix.SIGFPE, rt.FPE_INTDIV, self.PC)
    } else {
        self.setRT(w, a / b)
    }
}

func (self *Emulator) emu_XO_and(w uint32) {
    self.setRA(w, self.reg(ppc.InvRT(w)) & self.reg(ppc.InvRB(w)))
}

func (self *Emulator) emu_XO_andc(w uint32) {
    self.setRA(w, self.reg(ppc.InvRT(w)) &^ self.reg(ppc.InvRB(w)))
}

func (self *Emulator) emu_XO_or(w uint32) {
    self.setRA(w, self.reg(ppc.InvRT(w)) | self.reg(ppc.InvRB(w)))
}

func (self *Emulator) emu_XO_xor(w uint32) {
    self.setRA(w, self.reg(ppc.InvRT(w)) ^ self.reg(ppc.InvRB(w)))
}

/** Rotates **/

// mask returns the MASK(mb, me) of the ISA, bit 0 being the MSB.
func mask(mb int, me int) uint64 {
    if mb <= me {
        return ^uint64(0) >> mb & (^uint64(0) << (63 - me))
    } else {
        return ^uint64(0) >> mb | (^uint64(0) << (63 - me))
    }
}

func (self *Emulator) emu_OP_md(w uint32) {
    rs := self.reg(ppc.InvRT(w))
    rot := bits.RotateLeft64(rs, ppc.InvSH(w))

    /* only the immediate forms are implemented */
    switch ppc.InvMDXO(w) {
        case ppc.MD_RLDICL : self.setRA(w, rot & mask(ppc.InvMBE(w), 63))
        case ppc.MD_RLDICR : self.setRA(w, rot & mask(0, ppc.InvMBE(w)))
        default            : self.emu_illegal(w)
    }
}

/** Compares **/

func (self *Emulator) emu_OP_cmpi(w uint32) {
    a, b := int64(self.reg(ppc.InvRA(w))), ppc.InvD1(w)
    if !ppc.InvL(w) {
        a = int64(int32(a))
    }
    self.compare(ppc.InvBF(w), a < b, a > b)
}

func (self *Emulator) emu_OP_cmpli(w uint32) {
    a, b := self.reg(ppc.InvRA(w)), ppc.InvUI(w)
    if !ppc.InvL(w) {
        a = uint64(uint32(a))
    }
    self.compare(ppc.InvBF(w), a < b, a > b)
}

func (self *Emulator) emu_XO_cmp(w uint32) {
    a, b := int64(self.reg(ppc.InvRA(w))), int64(self.reg(ppc.InvRB(w)))
    if !ppc.InvL(w) {
        a, b = int64(int32(a)), int64(int32(b))
    }
    self.compare(ppc.InvBF(w), a < b, a > b)
}

func (self *Emulator) emu_XO_cmpl(w uint32) {
    a, b := self.reg(ppc.InvRA(w)), self.reg(ppc.InvRB(w))
    if !ppc.InvL(w) {
        a, b = uint64(uint32(a)), uint64(uint32(b))
    }
    self.compare(ppc.InvBF(w), a < b, a > b)
}

/** Loads and stores **/

func (self *Emulator) emu_OP_lwz(w uint32) {
    if v, f := self.Mem.Load32(self.base(ppc.InvRA(w)) + uint64(ppc.InvD1(w))); f != nil {
        self.fault(f)
    } else {
        self.Gr[ppc.InvRT(w)] = uint64(v)
    }
}

func (self *Emulator) emu_OP_lbz(w uint32) {
    if v, f := self.Mem.Load8(self.base(ppc.InvRA(w)) + uint64(ppc.InvD1(w))); f != nil {
        self.fault(f)
    } else {
        self.Gr[ppc.InvRT(w)] = uint64(v)
    }
}

func (self *Emulator) emu_OP_stw(w uint32) {
    if f := self.Mem.Store32(self.base(ppc.InvRA(w)) + uint64(ppc.InvD1(w)), uint32(self.reg(ppc.InvRT(w)))); f != nil {
        self.fault(f)
    }
}

func (self *Emulator) emu_OP_stb(w uint32) {
    if f := self.Mem.Store8(self.base(ppc.InvRA(w)) + uint64(ppc.InvD1(w)), uint8(self.reg(ppc.InvRT(w)))); f != nil {
        self.fault(f)
    }
}

func (self *Emulator) load64(dst ppc.Register, ea uint64) {
    if v, f := self.Mem.Load64(ea); f != nil {
        self.fault(f)
    } else {
        self.Gr[dst] = v
    }
}

func (self *Emulator) store64(rs ppc.Register, ea uint64) {
    if f := self.Mem.Store64(ea, self.reg(rs)); f != nil {
        self.fault(f)
    }
}

func (self *Emulator) emu_OP_ld(w uint32) {
    if w & 3 != 0 {
        self.emu_illegal(w)
    } else {
        self.load64(ppc.InvRT(w), self.base(ppc.InvRA(w)) + uint64(ppc.InvDS(w)))
    }
}

func (self *Emulator) emu_OP_std(w uint32) {
    if w & 3 != 0 {
        self.emu_illegal(w)
    } else {
        self.store64(ppc.InvRT(w), self.base(ppc.InvRA(w)) + uint64(ppc.InvDS(w)))
    }
}

func (self *Emulator) emu_XO_ldx(w uint32) {
    self.load64(ppc.InvRT(w), self.base(ppc.InvRA(w)) + self.reg(ppc.InvRB(w)))
}

func (self *Emulator) emu_XO_stdx(w uint32) {
    self.store64(ppc.InvRT(w), self.base(ppc.InvRA(w)) + self.reg(ppc.InvRB(w)))
}

// emu_XO_ldarx takes a reservation on the doubleword, remembering the value
// it loaded. The matching stdcx. succeeds only if the doubleword still holds
// that value, which is what the lock sequences depend on.
func (self *Emulator) emu_XO_ldarx(w uint32) {
    ea := self.base(ppc.InvRA(w)) + self.reg(ppc.InvRB(w))
    if v, f := self.Mem.Load64(ea); f != nil {
        self.fault(f)
    } else {
        self.Gr[ppc.InvRT(w)] = v
        self.resv = _Reservation { ok: true, addr: ea, val: v }
    }
}

func (self *Emulator) emu_XO_stdcx(w uint32) {
    ok := false
    ea := self.base(ppc.InvRA(w)) + self.reg(ppc.InvRB(w))
    resv := self.resv
    self.resv.ok = false

    /* the store only happens with a live reservation on the same address */
    if resv.ok && resv.addr == ea {
        var f *mem.Fault
        if ok, f = self.Mem.CAS64(ea, resv.val, self.reg(ppc.InvRT(w))); f != nil {
            self.fault(f)
            return
        }
    }

    /* CR0 EQ tells whether it did */
    if ok {
        self.setCRField(ppc.CR0, 0x2)
    } else {
        self.setCRField(ppc.CR0, 0x0)
    }
}

/** Special purpose registers **/

func (self *Emulator) emu_XO_mfspr(w uint32) {
    switch ppc.InvSPR(w) {
        case ppc.SPR_LR  : self.Gr[ppc.InvRT(w)] = self.LR
        case ppc.SPR_CTR : self.Gr[ppc.InvRT(w)] = self.CTR
        default          : self.emu_illegal(w)
    }
}

func (self *Emulator) emu_XO_mtspr(w uint32) {
    switch ppc.InvSPR(w) {
        case ppc.SPR_LR  : self.LR = self.reg(ppc.InvRT(w))
        case ppc.SPR_CTR : self.CTR = self.reg(ppc.InvRT(w))
        default          : self.emu_illegal(w)
    }
}

func (self *Emulator) emu_OP_x(w uint32) {
    if fn := xformTab[ppc.InvXO(w)]; fn != nil {
        fn(self, w)
    } else if fn = xoformTab[ppc.InvXO9(w)]; fn != nil && w & (1 << 10) == 0 {
        fn(self, w)
    } else {
        self.emu_illegal(w)
    }
}

/** Branches **/

// branchTaken evaluates BO and BI, decrementing CTR when BO asks for it.
func (self *Emulator) branchTaken(bo int, bi int) bool {
    if bo & 4 == 0 {
        self.CTR--
    }
    ctrOk := bo & 4 != 0 || (self.CTR != 0) != (bo & 2 != 0)
    condOk := bo & 16 != 0 || self.crBit(bi) == (bo & 8 != 0)
    return ctrOk && condOk
}

// jump transfers control, maintaining LR and the shadow call stack.
func (self *Emulator) jump(dest uint64, link bool) {
    next := self.PC + ppc.InstrSize
    if link {
        self.LR = next
        if dest != next {
            self.pushCall(next)
        }
    }
    self.PC = dest
    self.Ln = false
}

func (self *Emulator) emu_OP_b(w uint32) {
    if ppc.InvAA(w) {
        self.emu_illegal(w)
    } else {
        self.jump(self.PC + uint64(ppc.InvLIField(w)), ppc.InvLK(w))
    }
}

func (self *Emulator) emu_OP_bc(w uint32) {
    if ppc.InvAA(w) {
        self.emu_illegal(w)
    } else if self.branchTaken(ppc.InvBO(w), ppc.InvBI(w)) {
        self.jump(self.PC + uint64(ppc.InvBDField(w)), ppc.InvLK(w))
    } else if ppc.InvLK(w) {
        self.LR = self.PC + ppc.InstrSize
    }
}

func (self *Emulator) emu_XL_bclr(w uint32) {
    dest := self.LR &^ 3
    if self.branchTaken(ppc.InvBO(w), ppc.InvBI(w)) {
        self.popCall(dest)
        self.jump(dest, ppc.InvLK(w))
    }
}

func (self *Emulator) emu_XL_bcctr(w uint32) {
    if ppc.InvBO(w) & 4 == 0 {
        self.emu_illegal(w)
    } else if self.branchTaken(ppc.InvBO(w), ppc.InvBI(w)) {
        self.jump(self.CTR &^ 3, ppc.InvLK(w))
    }
}

/** Condition register logicals **/

func (self *Emulator) emu_XL_mcrf(w uint32) {
    self.setCRField(ppc.InvBF(w), self.crField(ppc.CR(w >> 18 & 7)))
}

func (self *Emulator) crop(w uint32, fn func(a bool, b bool) bool) {
    bt, ba, bb := int(w >> 21 & 0x1f), int(w >> 16 & 0x1f), int(w >> 11 & 0x1f)
    self.setCRBit(bt, fn(self.crBit(ba), self.crBit(bb)))
}

func (self *Emulator) emu_XL_crxor(w uint32) { self.crop(w, func(a bool, b bool) bool { return a != b }) }
func (self *Emulator) emu_XL_creqv(w uint32) { self.crop(w, func(a bool, b bool) bool { return a == b }) }
func (self *Emulator) emu_XL_cror(w uint32)  { self.crop(w, func(a bool, b bool) bool { return a || b }) }
func (self *Emulator) emu_XL_crorc(w uint32) { self.crop(w, func(a bool, b bool) bool { return a || !b }) }

func (self *Emulator) emu_OP_xl(w uint32) {
    if fn := xlformTab[ppc.InvXO(w)]; fn != nil {
        fn(self, w)
    } else {
        self.emu_illegal(w)
    }
}
