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

// Primary opcodes.
const (
	OP_TDI    = 2
	OP_TWI    = 3
	OP_MULLI  = 7
	OP_CMPLI  = 10
	OP_CMPI   = 11
	OP_ADDI   = 14
	OP_ADDIS  = 15
	OP_BC     = 16
	OP_B      = 18
	OP_XL     = 19
	OP_ORI    = 24
	OP_ORIS   = 25
	OP_XORI   = 26
	OP_ANDI_  = 28
	OP_MD     = 30
	OP_X      = 31
	OP_LWZ    = 32
	OP_LBZ    = 34
	OP_STW    = 36
	OP_STB    = 38
	OP_DSLOAD = 58
	OP_DSSTOR = 62
)

// Extended opcodes of the X/XO forms (primary 31).
const (
	XO_CMP    = 0
	XO_TW     = 4
	XO_SUBF   = 40
	XO_LDX    = 21
	XO_AND    = 28
	XO_CMPL   = 32
	XO_ANDC   = 60
	XO_TD     = 68
	XO_LDARX  = 84
	XO_NEG    = 104
	XO_STDX   = 149
	XO_STDCX  = 214
	XO_MULLD  = 233
	XO_ADD    = 266
	XO_XOR    = 316
	XO_MFSPR  = 339
	XO_OR     = 444
	XO_DIVDU  = 457
	XO_MTSPR  = 467
	XO_DIVD   = 489
	XO_SYNC   = 598
)

// Extended opcodes of the XL form (primary 19).
const (
	XL_MCRF  = 0
	XL_BCLR  = 16
	XL_ISYNC = 150
	XL_CRXOR = 193
	XL_CREQV = 289
	XL_CRORC = 417
	XL_CROR  = 449
	XL_BCCTR = 528
)

// Extended opcodes of the MD form (primary 30).
const (
	MD_RLDICL = 0
	MD_RLDICR = 1
)

// Branch option encodings, without prediction hints.
const (
	BO_FALSE  = 4
	BO_TRUE   = 12
	BO_DNZ    = 16
	BO_ALWAYS = 20
)

// Trap option bits.
const (
	TO_LT  = 16
	TO_GT  = 8
	TO_EQ  = 4
	TO_LTU = 2
	TO_GTU = 1

	TO_NE              = TO_LT | TO_GT
	TO_LEU             = TO_LTU | TO_EQ
	TO_ALWAYS          = 31
	TO_ICMISS          = TO_LTU | TO_GTU
	TO_NULL            = TO_EQ
	TO_POLL            = TO_GTU
	TO_RANGE_CHECK     = TO_LEU
	TO_RANGE_CHECK_IMM = TO_GTU | TO_EQ
)

// Field builders.

func opp(op uint32) uint32 { return op << 26 }
func frt(r Register) uint32 { return r.enc() << 21 }
func fra(r Register) uint32 { return r.enc() << 16 }
func frb(r Register) uint32 { return r.enc() << 11 }
func fbf(cr CR) uint32    { return uint32(cr&7) << 23 }
func fbfa(cr CR) uint32   { return uint32(cr&7) << 18 }
func fl(l bool) uint32 {
	if l {
		return 1 << 21
	} else {
		return 0
	}
}
func fxo(xo uint32) uint32  { return (xo & 0x3ff) << 1 }
func fxo9(xo uint32) uint32 { return (xo & 0x1ff) << 1 }
func fbo(bo int) uint32     { return uint32(bo&0x1f) << 21 }
func fbi(bi int) uint32     { return uint32(bi&0x1f) << 16 }
func fbb(bb int) uint32     { return uint32(bb&0x1f) << 11 }
func fto(to int) uint32     { return uint32(to&0x1f) << 21 }
func fd1(v int64) uint32    { return uint32(v) & 0xffff }
func fui(v uint64) uint32   { return uint32(v) & 0xffff }
func fspr(n int) uint32     { return uint32(n&0x1f)<<16 | uint32(n>>5&0x1f)<<11 }
func fli(disp int64) uint32 { return uint32(disp) & 0x03fffffc }
func fbd(disp int64) uint32 { return uint32(disp) & 0xfffc }

func fds(v int64) uint32 {
	if v&3 != 0 {
		panic("ppc: DS displacement must be 4-byte aligned")
	}
	return uint32(v) & 0xfffc
}

func frc(rc bool) uint32 {
	if rc {
		return 1
	} else {
		return 0
	}
}

// Field accessors, the inverse of the builders above.

func InvOpp(w uint32) uint32      { return w >> 26 }
func InvRT(w uint32) Register     { return Register(w >> 21 & 0x1f) }
func InvRA(w uint32) Register     { return Register(w >> 16 & 0x1f) }
func InvRB(w uint32) Register     { return Register(w >> 11 & 0x1f) }
func InvTO(w uint32) int          { return int(w >> 21 & 0x1f) }
func InvBO(w uint32) int          { return int(w >> 21 & 0x1f) }
func InvBI(w uint32) int          { return int(w >> 16 & 0x1f) }
func InvBF(w uint32) CR           { return CR(w >> 23 & 7) }
func InvXO(w uint32) uint32       { return w >> 1 & 0x3ff }
func InvXO9(w uint32) uint32      { return w >> 1 & 0x1ff }
func InvMDXO(w uint32) uint32     { return w >> 2 & 7 }
func InvRc(w uint32) bool         { return w&1 != 0 }
func InvLK(w uint32) bool         { return w&1 != 0 }
func InvAA(w uint32) bool         { return w&2 != 0 }
func InvL(w uint32) bool          { return w&(1<<21) != 0 }
func InvUI(w uint32) uint64       { return uint64(w & 0xffff) }
func InvD1(w uint32) int64        { return int64(int16(w)) }
func InvDS(w uint32) int64        { return int64(int16(w & 0xfffc)) }
func InvSPR(w uint32) int         { return int(w>>16&0x1f) | int(w>>11&0x1f)<<5 }
func InvLIField(w uint32) int64   { return int64(int32(w<<6) >> 6) &^ 3 }
func InvBDField(w uint32) int64   { return int64(int16(w & 0xfffc)) }
func InvSH(w uint32) int          { return int(w>>11&0x1f) | int(w>>1&1)<<5 }
func InvMBE(w uint32) int         { return int(w>>6&0x1f) | int(w>>5&1)<<5 }

// Immediate field surgery. Only the displacement or immediate bits change,
// opcode and register fields are preserved.

// SetLI replaces the 24-bit branch displacement of an I-form branch.
func SetLI(w uint32, disp int64) uint32 {
	return w&^0x03fffffc | fli(disp)
}

// SetBD replaces the 14-bit branch displacement of a B-form branch.
func SetBD(w uint32, disp int64) uint32 {
	return w&^0xfffc | fbd(disp)
}

// SetD1 replaces the 16-bit signed immediate of a D-form instruction.
func SetD1(w uint32, v int64) uint32 {
	return w&^0xffff | fd1(v)
}

// SetDS replaces the 14-bit displacement of a DS-form instruction.
func SetDS(w uint32, v int64) uint32 {
	return w&^0xfffc | fds(v)
}

// IsSimm reports whether v fits in a signed field of nbits bits.
func IsSimm(v int64, nbits uint) bool {
	lim := int64(1) << (nbits - 1)
	return v >= -lim && v < lim
}

// IsUimm reports whether v fits in an unsigned field of nbits bits.
func IsUimm(v int64, nbits uint) bool {
	return v >= 0 && v < int64(1)<<nbits
}

// Hi16 returns the high half of v, adjusted for the sign of the low half
// so that (Hi16(v) << 16) + int16(v) == v.
func Hi16(v int64) int64 {
	return int64(int16((v + 0x8000) >> 16))
}

// Lo16 returns the sign-extended low half of v.
func Lo16(v int64) int64 {
	return int64(int16(v))
}
