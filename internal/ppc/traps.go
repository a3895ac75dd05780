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

// AnyImm is the immediate wildcard accepted by the trap predicates.
const AnyImm = int64(-1 << 62)

// Stop types carried by the "twi 31, r0, type" stop trap.
const (
	StopStop               = 0
	StopUntested           = 1
	StopUnimplemented      = 2
	StopShouldNotReachHere = 3
)

// NotEntrantImm is the immediate of the trap-based not-entrant sentinel.
const NotEntrantImm = 1

func matchReg(w Register, want Register) bool {
	return want == AnyReg || w == want
}

func matchImm(w int64, want int64) bool {
	return want == AnyImm || w == want
}

func matchTO(w int, want int) bool {
	return want < 0 || w == want
}

// IsTd reports whether w is "td to, ra, rb", negative to or AnyReg match anything.
func IsTd(w uint32, to int, ra Register, rb Register) bool {
	return isX(w, XO_TD) && matchTO(InvTO(w), to) && matchReg(InvRA(w), ra) && matchReg(InvRB(w), rb)
}

// IsTw is the 32-bit counterpart of IsTd.
func IsTw(w uint32, to int, ra Register, rb Register) bool {
	return isX(w, XO_TW) && matchTO(InvTO(w), to) && matchReg(InvRA(w), ra) && matchReg(InvRB(w), rb)
}

// IsTdi reports whether w is "tdi to, ra, si".
func IsTdi(w uint32, to int, ra Register, si int64) bool {
	return InvOpp(w) == OP_TDI && matchTO(InvTO(w), to) && matchReg(InvRA(w), ra) && matchImm(InvD1(w), si)
}

// IsTwi reports whether w is "twi to, ra, si".
func IsTwi(w uint32, to int, ra Register, si int64) bool {
	return InvOpp(w) == OP_TWI && matchTO(InvTO(w), to) && matchReg(InvRA(w), ra) && matchImm(InvD1(w), si)
}

// IsTrap reports whether w belongs to the trap family at all.
func IsTrap(w uint32) bool {
	return IsTd(w, -1, AnyReg, AnyReg) ||
		IsTw(w, -1, AnyReg, AnyReg) ||
		IsTdi(w, -1, AnyReg, AnyImm) ||
		IsTwi(w, -1, AnyReg, AnyImm)
}

// IsTrapNullCheck matches "tdi eq, rX, 0".
func IsTrapNullCheck(w uint32) bool {
	return IsTdi(w, TO_NULL, AnyReg, 0)
}

// IsTrapRangeCheck matches "tw leu, rLen, rIdx" and "twi geu, rIdx, len"
// (the immediate form traps when the index is not below the constant length).
func IsTrapRangeCheck(w uint32) bool {
	return IsTw(w, TO_RANGE_CHECK, AnyReg, AnyReg) || IsTwi(w, TO_RANGE_CHECK_IMM, AnyReg, AnyImm)
}

// IsTrapICMissCheck matches "td ltu|gtu, rA, rB".
func IsTrapICMissCheck(w uint32) bool {
	return IsTd(w, TO_ICMISS, AnyReg, AnyReg)
}

// IsTrapNotEntrant matches the "tdi 31, r0, 1" sentinel.
func IsTrapNotEntrant(w uint32) bool {
	return IsTdi(w, TO_ALWAYS, R0, NotEntrantImm)
}

// IsTrapSafepointPoll matches "td gtu, r1, rX": the stack pointer compared
// against the armed thread polling word.
func IsTrapSafepointPoll(w uint32) bool {
	return IsTd(w, TO_POLL, SP, AnyReg)
}

// IsMemorySafepointPoll matches "ld r0, 0(rX)", the load from the polling page.
func IsMemorySafepointPoll(w uint32) bool {
	return IsLd(w) && InvRT(w) == R0 && InvDS(w) == 0 && InvRA(w) != R0
}

// IsStop matches "twi 31, r0, type".
func IsStop(w uint32) bool {
	return IsTwi(w, TO_ALWAYS, R0, AnyImm)
}

// StopType returns the type carried by a stop trap.
func StopType(w uint32) int {
	if !IsStop(w) {
		panic("ppc: not a stop trap")
	}
	return int(InvD1(w))
}
