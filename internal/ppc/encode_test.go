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

import (
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode_KnownWords(t *testing.T) {
	tab := []struct {
		name string
		word uint32
		want uint32
	}{
		{"blr", Blr(), 0x4e800020},
		{"bctr", Bctr(), 0x4e800420},
		{"bctrl", Bctrl(), 0x4e800421},
		{"mflr r0", Mflr(R0), 0x7c0802a6},
		{"mtlr r0", Mtlr(R0), 0x7c0803a6},
		{"mtctr r12", Mtctr(R12), 0x7d8903a6},
		{"bcl 20,31,+4", Bcl20(), 0x429f0005},
		{"sldi r3,r3,32", Sldi(R3, R3, 32), 0x786307c6},
		{"nop", Nop(), 0x60000000},
		{"sync", Sync(), 0x7c0004ac},
		{"lwsync", Lwsync(), 0x7c2004ac},
		{"isync", Isync(), 0x4c00012c},
		{"ld r12,8(r12)", Ld(R12, 8, R12), 0xe98c0008},
		{"std r0,16(r1)", Std(R0, 16, SP), 0xf8010010},
		{"addis r12,r29,1", Addis(R12, TOC, 1), 0x3d9d0001},
		{"ldarx r4,0,r3", Ldarx(R4, R0, R3), 0x7c8018a8},
		{"stdcx. r5,0,r3", StdcxR(R5, R0, R3), 0x7ca019ad},
		{"tdeqi r3,0", Tdi(TO_EQ, R3, 0), 0x08830000},
		{"twi 31,r0,0", Twi(TO_ALWAYS, R0, 0), 0x0fe00000},
		{"td 1,r1,r12", Td(TO_GTU, SP, R12), 0x7c216088},
		{"cmpd r3,r4", Cmpd(CR0, R3, R4), 0x7c232000},
		{"b +8", B(8, false), 0x48000008},
		{"bl -4", B(-4, true), 0x4bfffffd},
		{"bne +8", Bc(BO_FALSE, CR0.Bit(CondEQ), 8, false), 0x40820008},
	}
	for _, tc := range tab {
		assert.Equalf(t, tc.want, tc.word, "%s: got %#08x", tc.name, tc.word)
	}
}

func TestEncode_ReferenceDecoder(t *testing.T) {
	tab := map[string]uint32{
		"addi":   Addi(R3, R4, -5),
		"addis":  Addis(R12, TOC, 0x1234),
		"ori":    Ori(R3, R3, 0xbeef),
		"oris":   Oris(R3, R3, 0xdead),
		"ld":     Ld(R5, -8, R6),
		"std":    Std(R5, 32, SP),
		"b":      B(0x100, false),
		"bl":     B(-0x100, true),
		"bc":     Bc(BO_TRUE, CR1.Bit(CondGT), 0x40, false),
		"td":     Td(TO_ICMISS, R11, R12),
		"tdi":    Tdi(TO_NULL, R3, 0),
		"tw":     Tw(TO_RANGE_CHECK, R4, R5),
		"twi":    Twi(TO_ALWAYS, R0, StopShouldNotReachHere),
		"rldicr": Sldi(R3, R4, 16),
		"rldicl": Srdi(R3, R4, 16),
		"ldarx":  Ldarx(R6, R0, R7),
		"stdcx.": StdcxR(R6, R0, R7),
		"cmpd":   Cmpd(CR0, R3, R4),
		"cmpld":  Cmpld(CR6, R3, R4),
		"cmpdi":  Cmpdi(CR0, R3, -1),
		"cmplw":  Cmpl(CR1, false, R3, R4),
		"crxor":  Crxor(2, 2, 2),
		"mcrf":   Mcrf(CR1, CR0),
		"or":     Mr(R3, R4),
	}
	for name, w := range tab {
		assert.Equalf(t, name, Mnemonic(w), "%#08x: %s", w, Disassemble(w, 0x1000))
	}
}

func TestEncode_BranchDisplacementRoundTrip(t *testing.T) {
	gofakeit.Seed(42)
	pc := uint64(0x10000000)
	disps := []int64{0, 4, -4, MinBDisp, MaxBDisp}
	for i := 0; i < 256; i++ {
		disps = append(disps, int64(gofakeit.Number(MinBDisp/4, MaxBDisp/4))*4)
	}
	for _, d := range disps {
		w := B(d, false)
		require.True(t, IsB(w))
		require.Equal(t, d, InvLIField(w))
		require.Equal(t, pc+uint64(d), BranchDest(w, pc))
	}
	cdisps := []int64{0, 4, -4, MinBCDisp, MaxBCDisp}
	for i := 0; i < 256; i++ {
		cdisps = append(cdisps, int64(gofakeit.Number(MinBCDisp/4, MaxBCDisp/4))*4)
	}
	for _, d := range cdisps {
		w := Bc(BO_TRUE, CR0.Bit(CondEQ), d, false)
		require.True(t, IsBc(w))
		require.Equal(t, d, InvBDField(w))
		require.Equal(t, pc+uint64(d), BranchDest(w, pc))
	}
}

func TestEncode_BranchRanges(t *testing.T) {
	assert.True(t, IsWithinRangeB(MaxBDisp))
	assert.True(t, IsWithinRangeB(MinBDisp))
	assert.False(t, IsWithinRangeB(MaxBDisp+4))
	assert.False(t, IsWithinRangeB(MinBDisp-4))
	assert.False(t, IsWithinRangeB(2))
	assert.True(t, IsWithinRangeBC(MaxBCDisp))
	assert.False(t, IsWithinRangeBC(MaxBCDisp+4))
	assert.Panics(t, func() { B(MaxBDisp+4, false) })
	assert.Panics(t, func() { Bc(BO_TRUE, 0, MinBCDisp-4, false) })
}

func TestEncode_RetargetKeepsOpcodeAndRegisters(t *testing.T) {
	pc := uint64(0x20000)
	w := Bc(BO_FALSE, CR7.Bit(CondLT), 0x20, true)
	n := RetargetBranch(w, pc, pc-0x100)
	assert.Equal(t, pc-0x100, BranchDest(n, pc))
	assert.Equal(t, InvBO(w), InvBO(n))
	assert.Equal(t, InvBI(w), InvBI(n))
	assert.True(t, InvLK(n))
	assert.Equal(t, w, RetargetBranch(n, pc, pc+0x20))
	assert.Panics(t, func() { RetargetBranch(w, pc, pc+1<<20) })
	assert.Panics(t, func() { RetargetBranch(Nop(), pc, pc) })
}

func TestEncode_HiLoSplit(t *testing.T) {
	gofakeit.Seed(7)
	vals := []int64{0, -1, 0x7fff, 0x8000, -0x8000, -0x8001, 0x7fff7fff, -0x80000000}
	for i := 0; i < 256; i++ {
		vals = append(vals, int64(gofakeit.Int32()))
	}
	for _, v := range vals {
		if v >= 0x7fff8000 {
			continue
		}
		assert.Equalf(t, v, Hi16(v)<<16+Lo16(v), "%#x", v)
	}
}

func TestEncode_InverseBO(t *testing.T) {
	assert.Equal(t, BO_FALSE, InverseBO(BO_TRUE))
	assert.Equal(t, BO_TRUE, InverseBO(BO_FALSE))
	assert.Panics(t, func() { InverseBO(BO_ALWAYS) })
}
