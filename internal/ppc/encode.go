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

package ppc

// InstrSize is the size in bytes of every instruction word.
const InstrSize = 4

// Displacement limits of the relative branch forms.
const (
	MinBDisp  = -1 << 25
	MaxBDisp  = 1<<25 - 4
	MinBCDisp = -1 << 15
	MaxBCDisp = 1<<15 - 4
)

const (
	WordNop     = 0x60000000
	WordIlltrap = 0x00000000
)

// IsWithinRangeB reports whether disp is encodable by an I-form branch.
func IsWithinRangeB(disp int64) bool {
	return disp&3 == 0 && disp >= MinBDisp && disp <= MaxBDisp
}

// IsWithinRangeBC reports whether disp is encodable by a B-form branch.
func IsWithinRangeBC(disp int64) bool {
	return disp&3 == 0 && disp >= MinBCDisp && disp <= MaxBCDisp
}

func dform(op uint32, rt Register, ra Register, si int64) uint32 {
	if !IsSimm(si, 16) {
		panic("ppc: signed immediate out of range")
	}
	return opp(op) | frt(rt) | fra(ra) | fd1(si)
}

func uform(op uint32, rs Register, ra Register, ui uint64) uint32 {
	if ui > 0xffff {
		panic("ppc: unsigned immediate out of range")
	}
	return opp(op) | frt(rs) | fra(ra) | fui(ui)
}

func dsform(op uint32, rt Register, ra Register, ds int64, xo uint32) uint32 {
	if !IsSimm(ds, 16) {
		panic("ppc: DS displacement out of range")
	}
	return opp(op) | frt(rt) | fra(ra) | fds(ds) | xo
}

func xform(rt Register, ra Register, rb Register, xo uint32, rc bool) uint32 {
	return opp(OP_X) | frt(rt) | fra(ra) | frb(rb) | fxo(xo) | frc(rc)
}

func xoform(rt Register, ra Register, rb Register, xo uint32) uint32 {
	return opp(OP_X) | frt(rt) | fra(ra) | frb(rb) | fxo9(xo)
}

func xlform(bt int, ba int, bb int, xo uint32, lk bool) uint32 {
	return opp(OP_XL) | uint32(bt&0x1f)<<21 | fbi(ba) | fbb(bb) | fxo(xo) | frc(lk)
}

/** Arithmetic and logical **/

func Addi(rt Register, ra Register, si int64) uint32  { return dform(OP_ADDI, rt, ra, si) }
func Addis(rt Register, ra Register, si int64) uint32 { return dform(OP_ADDIS, rt, ra, si) }
func Li(rt Register, si int64) uint32                 { return Addi(rt, R0, si) }
func Lis(rt Register, si int64) uint32                { return Addis(rt, R0, si) }
func Mulli(rt Register, ra Register, si int64) uint32 { return dform(OP_MULLI, rt, ra, si) }

func Ori(ra Register, rs Register, ui uint64) uint32   { return uform(OP_ORI, rs, ra, ui) }
func Oris(ra Register, rs Register, ui uint64) uint32  { return uform(OP_ORIS, rs, ra, ui) }
func Xori(ra Register, rs Register, ui uint64) uint32  { return uform(OP_XORI, rs, ra, ui) }
func AndiR(ra Register, rs Register, ui uint64) uint32 { return uform(OP_ANDI_, rs, ra, ui) }

func Add(rt Register, ra Register, rb Register) uint32   { return xoform(rt, ra, rb, XO_ADD) }
func Subf(rt Register, ra Register, rb Register) uint32  { return xoform(rt, ra, rb, XO_SUBF) }
func Mulld(rt Register, ra Register, rb Register) uint32 { return xoform(rt, ra, rb, XO_MULLD) }
func Divd(rt Register, ra Register, rb Register) uint32  { return xoform(rt, ra, rb, XO_DIVD) }
func Divdu(rt Register, ra Register, rb Register) uint32 { return xoform(rt, ra, rb, XO_DIVDU) }
func Neg(rt Register, ra Register) uint32                { return xoform(rt, ra, R0, XO_NEG) }

// Sub computes rt = ra - rb.
func Sub(rt Register, ra Register, rb Register) uint32 { return Subf(rt, rb, ra) }

func And(ra Register, rs Register, rb Register) uint32  { return xform(rs, ra, rb, XO_AND, false) }
func AndR(ra Register, rs Register, rb Register) uint32 { return xform(rs, ra, rb, XO_AND, true) }
func Andc(ra Register, rs Register, rb Register) uint32 { return xform(rs, ra, rb, XO_ANDC, false) }
func Or(ra Register, rs Register, rb Register) uint32   { return xform(rs, ra, rb, XO_OR, false) }
func Xor(ra Register, rs Register, rb Register) uint32  { return xform(rs, ra, rb, XO_XOR, false) }
func Mr(ra Register, rs Register) uint32                { return Or(ra, rs, rs) }

/** Rotates and shifts **/

func mdform(ra Register, rs Register, sh int, mbe int, xo uint32) uint32 {
	if sh < 0 || sh > 63 || mbe < 0 || mbe > 63 {
		panic("ppc: rotate operand out of range")
	}
	return opp(OP_MD) | frt(rs) | fra(ra) |
		uint32(sh&0x1f)<<11 |
		uint32(mbe&0x1f)<<6 | uint32(mbe>>5)<<5 |
		xo<<2 |
		uint32(sh>>5)<<1
}

func Rldicr(ra Register, rs Register, sh int, me int) uint32 { return mdform(ra, rs, sh, me, MD_RLDICR) }
func Rldicl(ra Register, rs Register, sh int, mb int) uint32 { return mdform(ra, rs, sh, mb, MD_RLDICL) }

func Sldi(ra Register, rs Register, n int) uint32 { return Rldicr(ra, rs, n, 63-n) }
func Srdi(ra Register, rs Register, n int) uint32 { return Rldicl(ra, rs, (64-n)&63, n) }

// Clrrdi clears the low n bits.
func Clrrdi(ra Register, rs Register, n int) uint32 { return Rldicr(ra, rs, 0, 63-n) }

/** Loads and stores **/

func Ld(rt Register, ds int64, ra Register) uint32  { return dsform(OP_DSLOAD, rt, ra, ds, 0) }
func Std(rs Register, ds int64, ra Register) uint32 { return dsform(OP_DSSTOR, rs, ra, ds, 0) }
func Lwz(rt Register, d int64, ra Register) uint32  { return dform(OP_LWZ, rt, ra, d) }
func Stw(rs Register, d int64, ra Register) uint32  { return dform(OP_STW, rs, ra, d) }
func Lbz(rt Register, d int64, ra Register) uint32  { return dform(OP_LBZ, rt, ra, d) }
func Stb(rs Register, d int64, ra Register) uint32  { return dform(OP_STB, rs, ra, d) }

func Ldx(rt Register, ra Register, rb Register) uint32   { return xform(rt, ra, rb, XO_LDX, false) }
func Stdx(rs Register, ra Register, rb Register) uint32  { return xform(rs, ra, rb, XO_STDX, false) }
func Ldarx(rt Register, ra Register, rb Register) uint32 { return xform(rt, ra, rb, XO_LDARX, false) }
func StdcxR(rs Register, ra Register, rb Register) uint32 {
	return xform(rs, ra, rb, XO_STDCX, true)
}

/** Compares **/

func Cmpi(cr CR, l bool, ra Register, si int64) uint32 {
	if !IsSimm(si, 16) {
		panic("ppc: compare immediate out of range")
	}
	return opp(OP_CMPI) | fbf(cr) | fl(l) | fra(ra) | fd1(si)
}

func Cmpli(cr CR, l bool, ra Register, ui uint64) uint32 {
	if ui > 0xffff {
		panic("ppc: compare immediate out of range")
	}
	return opp(OP_CMPLI) | fbf(cr) | fl(l) | fra(ra) | fui(ui)
}

func Cmp(cr CR, l bool, ra Register, rb Register) uint32 {
	return opp(OP_X) | fbf(cr) | fl(l) | fra(ra) | frb(rb) | fxo(XO_CMP)
}

func Cmpl(cr CR, l bool, ra Register, rb Register) uint32 {
	return opp(OP_X) | fbf(cr) | fl(l) | fra(ra) | frb(rb) | fxo(XO_CMPL)
}

func Cmpdi(cr CR, ra Register, si int64) uint32     { return Cmpi(cr, true, ra, si) }
func Cmpwi(cr CR, ra Register, si int64) uint32     { return Cmpi(cr, false, ra, si) }
func Cmpldi(cr CR, ra Register, ui uint64) uint32   { return Cmpli(cr, true, ra, ui) }
func Cmplwi(cr CR, ra Register, ui uint64) uint32   { return Cmpli(cr, false, ra, ui) }
func Cmpd(cr CR, ra Register, rb Register) uint32   { return Cmp(cr, true, ra, rb) }
func Cmpld(cr CR, ra Register, rb Register) uint32  { return Cmpl(cr, true, ra, rb) }
func Cmpw(cr CR, ra Register, rb Register) uint32   { return Cmp(cr, false, ra, rb) }

/** Branches **/

// B encodes an unconditional relative branch, disp is relative to the
// address of the branch itself.
func B(disp int64, link bool) uint32 {
	if !IsWithinRangeB(disp) {
		panic("ppc: branch displacement out of range")
	}
	return opp(OP_B) | fli(disp) | frc(link)
}

// Bc encodes a conditional relative branch.
func Bc(bo int, bi int, disp int64, link bool) uint32 {
	if !IsWithinRangeBC(disp) {
		panic("ppc: conditional branch displacement out of range")
	}
	return opp(OP_BC) | fbo(bo) | fbi(bi) | fbd(disp) | frc(link)
}

func Bclr(bo int, bi int, link bool) uint32  { return xlform(bo, bi, 0, XL_BCLR, link) }
func Bcctr(bo int, bi int, link bool) uint32 { return xlform(bo, bi, 0, XL_BCCTR, link) }
func Blr() uint32                            { return Bclr(BO_ALWAYS, 0, false) }
func Bctr() uint32                           { return Bcctr(BO_ALWAYS, 0, false) }
func Bctrl() uint32                          { return Bcctr(BO_ALWAYS, 0, true) }

// Bcl20 is "bcl 20,31,+4", the idiom used to read the current PC.
func Bcl20() uint32 { return Bc(BO_ALWAYS, 31, 4, true) }

// InverseBO returns the branch option testing the opposite condition.
func InverseBO(bo int) int {
	switch bo &^ 3 {
	case BO_TRUE:
		return BO_FALSE | bo&3
	case BO_FALSE:
		return BO_TRUE | bo&3
	default:
		panic("ppc: branch option has no inverse")
	}
}

/** Special purpose and condition registers **/

func Mfspr(rt Register, spr int) uint32 { return opp(OP_X) | frt(rt) | fspr(spr) | fxo(XO_MFSPR) }
func Mtspr(spr int, rs Register) uint32 { return opp(OP_X) | frt(rs) | fspr(spr) | fxo(XO_MTSPR) }
func Mflr(rt Register) uint32           { return Mfspr(rt, SPR_LR) }
func Mtlr(rs Register) uint32           { return Mtspr(SPR_LR, rs) }
func Mfctr(rt Register) uint32          { return Mfspr(rt, SPR_CTR) }
func Mtctr(rs Register) uint32          { return Mtspr(SPR_CTR, rs) }

func Mcrf(dst CR, src CR) uint32       { return opp(OP_XL) | fbf(dst) | fbfa(src) | fxo(XL_MCRF) }
func Crxor(bt int, ba int, bb int) uint32  { return xlform(bt, ba, bb, XL_CRXOR, false) }
func Creqv(bt int, ba int, bb int) uint32  { return xlform(bt, ba, bb, XL_CREQV, false) }
func Cror(bt int, ba int, bb int) uint32   { return xlform(bt, ba, bb, XL_CROR, false) }
func Crorc(bt int, ba int, bb int) uint32  { return xlform(bt, ba, bb, XL_CRORC, false) }

/** Barriers **/

func Sync() uint32   { return opp(OP_X) | fxo(XO_SYNC) }
func Lwsync() uint32 { return opp(OP_X) | 1<<21 | fxo(XO_SYNC) }
func Isync() uint32  { return opp(OP_XL) | fxo(XL_ISYNC) }

/** Traps **/

func Td(to int, ra Register, rb Register) uint32  { return opp(OP_X) | fto(to) | fra(ra) | frb(rb) | fxo(XO_TD) }
func Tw(to int, ra Register, rb Register) uint32  { return opp(OP_X) | fto(to) | fra(ra) | frb(rb) | fxo(XO_TW) }
func Tdi(to int, ra Register, si int64) uint32    { return opp(OP_TDI) | fto(to) | fra(ra) | fd1(si) }
func Twi(to int, ra Register, si int64) uint32    { return opp(OP_TWI) | fto(to) | fra(ra) | fd1(si) }
func Illtrap() uint32                             { return WordIlltrap }
func Nop() uint32                                 { return WordNop }
