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

func isX(w uint32, xo uint32) bool   { return InvOpp(w) == OP_X && InvXO(w) == xo }
func isXO(w uint32, xo uint32) bool  { return InvOpp(w) == OP_X && InvXO9(w) == xo }
func isXL(w uint32, xo uint32) bool  { return InvOpp(w) == OP_XL && InvXO(w) == xo }
func isMD(w uint32, xo uint32) bool  { return InvOpp(w) == OP_MD && InvMDXO(w) == xo }
func isSPR(w uint32, xo uint32, spr int) bool {
	return isX(w, xo) && InvSPR(w) == spr
}

func IsAddi(w uint32) bool  { return InvOpp(w) == OP_ADDI }
func IsAddis(w uint32) bool { return InvOpp(w) == OP_ADDIS }
func IsLi(w uint32) bool    { return IsAddi(w) && InvRA(w) == R0 }
func IsLis(w uint32) bool   { return IsAddis(w) && InvRA(w) == R0 }
func IsOri(w uint32) bool   { return InvOpp(w) == OP_ORI }
func IsOris(w uint32) bool  { return InvOpp(w) == OP_ORIS }
func IsXori(w uint32) bool  { return InvOpp(w) == OP_XORI }
func IsAndiR(w uint32) bool { return InvOpp(w) == OP_ANDI_ }
func IsMulli(w uint32) bool { return InvOpp(w) == OP_MULLI }

func IsAdd(w uint32) bool   { return isXO(w, XO_ADD) }
func IsSubf(w uint32) bool  { return isXO(w, XO_SUBF) }
func IsNeg(w uint32) bool   { return isXO(w, XO_NEG) }
func IsMulld(w uint32) bool { return isXO(w, XO_MULLD) }
func IsDivd(w uint32) bool  { return isXO(w, XO_DIVD) }
func IsDivdu(w uint32) bool { return isXO(w, XO_DIVDU) }
func IsAnd(w uint32) bool   { return isX(w, XO_AND) }
func IsAndc(w uint32) bool  { return isX(w, XO_ANDC) }
func IsOr(w uint32) bool    { return isX(w, XO_OR) }
func IsXor(w uint32) bool   { return isX(w, XO_XOR) }

func IsRldicr(w uint32) bool { return isMD(w, MD_RLDICR) }
func IsRldicl(w uint32) bool { return isMD(w, MD_RLDICL) }

// IsSldi reports whether w is "sldi ra,rs,n" for the given n.
func IsSldi(w uint32, n int) bool {
	return IsRldicr(w) && InvSH(w) == n && InvMBE(w) == 63-n
}

func IsLd(w uint32) bool    { return InvOpp(w) == OP_DSLOAD && w&3 == 0 }
func IsStd(w uint32) bool   { return InvOpp(w) == OP_DSSTOR && w&3 == 0 }
func IsLwz(w uint32) bool   { return InvOpp(w) == OP_LWZ }
func IsStw(w uint32) bool   { return InvOpp(w) == OP_STW }
func IsLbz(w uint32) bool   { return InvOpp(w) == OP_LBZ }
func IsStb(w uint32) bool   { return InvOpp(w) == OP_STB }
func IsLdx(w uint32) bool   { return isX(w, XO_LDX) }
func IsStdx(w uint32) bool  { return isX(w, XO_STDX) }
func IsLdarx(w uint32) bool { return isX(w, XO_LDARX) }
func IsStdcx(w uint32) bool { return isX(w, XO_STDCX) && InvRc(w) }

func IsCmpi(w uint32) bool  { return InvOpp(w) == OP_CMPI }
func IsCmpli(w uint32) bool { return InvOpp(w) == OP_CMPLI }
func IsCmp(w uint32) bool   { return isX(w, XO_CMP) }
func IsCmpl(w uint32) bool  { return isX(w, XO_CMPL) }

func IsB(w uint32) bool     { return InvOpp(w) == OP_B && w&3 == 0 }
func IsBl(w uint32) bool    { return InvOpp(w) == OP_B && w&3 == 1 }
func IsBxx(w uint32) bool   { return InvOpp(w) == OP_B && !InvAA(w) }
func IsBc(w uint32) bool    { return InvOpp(w) == OP_BC && w&3 == 0 }
func IsBcxx(w uint32) bool  { return InvOpp(w) == OP_BC && !InvAA(w) }
func IsBclr(w uint32) bool  { return isXL(w, XL_BCLR) }
func IsBcctr(w uint32) bool { return isXL(w, XL_BCCTR) }
func IsBlr(w uint32) bool   { return w == Blr() }
func IsBctr(w uint32) bool  { return w == Bctr() }
func IsBctrl(w uint32) bool { return w == Bctrl() }
func IsBcl20(w uint32) bool { return w == Bcl20() }

func IsMfspr(w uint32) bool { return isX(w, XO_MFSPR) }
func IsMtspr(w uint32) bool { return isX(w, XO_MTSPR) }
func IsMflr(w uint32) bool  { return isSPR(w, XO_MFSPR, SPR_LR) }
func IsMtlr(w uint32) bool  { return isSPR(w, XO_MTSPR, SPR_LR) }
func IsMfctr(w uint32) bool { return isSPR(w, XO_MFSPR, SPR_CTR) }
func IsMtctr(w uint32) bool { return isSPR(w, XO_MTSPR, SPR_CTR) }

func IsMcrf(w uint32) bool  { return isXL(w, XL_MCRF) }
func IsCrxor(w uint32) bool { return isXL(w, XL_CRXOR) }
func IsCreqv(w uint32) bool { return isXL(w, XL_CREQV) }
func IsCror(w uint32) bool  { return isXL(w, XL_CROR) }
func IsCrorc(w uint32) bool { return isXL(w, XL_CRORC) }

func IsSync(w uint32) bool   { return isX(w, XO_SYNC) }
func IsLwsync(w uint32) bool { return w == Lwsync() }
func IsIsync(w uint32) bool  { return isXL(w, XL_ISYNC) }

func IsNop(w uint32) bool     { return w == WordNop }
func IsIlltrap(w uint32) bool { return w == WordIlltrap }

// BranchDest returns the target of an I-form or B-form relative branch
// located at pc. It panics on any other instruction.
func BranchDest(w uint32, pc uint64) uint64 {
	switch {
	case IsBxx(w):
		return pc + uint64(InvLIField(w))
	case IsBcxx(w):
		return pc + uint64(InvBDField(w))
	default:
		panic("ppc: not a relative branch")
	}
}

// RetargetBranch rewrites the displacement of a relative branch located at
// pc so that it reaches dest. It panics if dest is out of reach.
func RetargetBranch(w uint32, pc uint64, dest uint64) uint32 {
	disp := int64(dest - pc)
	switch {
	case IsBxx(w):
		if !IsWithinRangeB(disp) {
			panic("ppc: branch target out of reach")
		}
		return SetLI(w, disp)
	case IsBcxx(w):
		if !IsWithinRangeBC(disp) {
			panic("ppc: conditional branch target out of reach")
		}
		return SetBD(w, disp)
	default:
		panic("ppc: not a relative branch")
	}
}
