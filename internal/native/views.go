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
    `github.com/cloudwego/trapasm/internal/asm`
    `github.com/cloudwego/trapasm/internal/ppc`
)

// Memory is the target memory code is read and patched in. Aligned 4 and 8
// byte accesses must be single-copy atomic.
type Memory interface {
    Load32(addr uint64) uint32
    Store32(addr uint64, v uint32)
    CAS32(addr uint64, old uint32, new uint32) bool
    Load64(addr uint64) uint64
    Store64(addr uint64, v uint64)
    CAS64(addr uint64, old uint64, new uint64) bool
}

// Trampolines maps call sites to the trampoline stub they own.
type Trampolines interface {
    TrampolineFor(site uint64) (uint64, bool)
}

// TOCScanLimit bounds the backward search for the high half of a TOC
// relative pair, in instructions.
const TOCScanLimit = 16

func wordAt(m Memory, addr uint64, i int) uint32 {
    return m.Load32(addr + uint64(i) * ppc.InstrSize)
}

// pair reassembles a hi/lo split offset.
func pair(hi uint32, lo uint32) int64 {
    return ppc.InvD1(hi) << 16 + ppc.InvD1(lo)
}

func isReg(w uint32, rt ppc.Register, ra ppc.Register) bool {
    return ppc.InvRT(w) == rt && ppc.InvRA(w) == ra
}

/** Far jumps and calls **/

// IsFarCallShortAt reports whether addr holds a far branch in the short form.
func IsFarCallShortAt(m Memory, addr uint64) bool {
    for i := 0; i < asm.FarBranchWordCount - 1; i++ {
        if !ppc.IsNop(wordAt(m, addr, i)) {
            return false
        }
    }
    w := wordAt(m, addr, asm.FarBranchWordCount - 1)
    return ppc.IsB(w) || ppc.IsBl(w)
}

// IsFarCallLongAt reports whether addr holds a far branch in the long form.
func IsFarCallLongAt(m Memory, addr uint64) bool {
    var ws [asm.FarBranchWordCount]uint32
    for i := range ws {
        ws[i] = wordAt(m, addr, i)
    }
    return ppc.IsMflr(ws[0]) && ppc.InvRT(ws[0]) == ppc.R0 &&
        ppc.IsBcl20(ws[1]) &&
        ppc.IsMflr(ws[2]) && ppc.InvRT(ws[2]) == ppc.R12 &&
        ppc.IsMtlr(ws[3]) && ppc.InvRT(ws[3]) == ppc.R0 &&
        ppc.IsAddis(ws[4]) && isReg(ws[4], ppc.R12, ppc.R12) &&
        ppc.IsAddi(ws[5]) && isReg(ws[5], ppc.R12, ppc.R12) &&
        ppc.IsMtctr(ws[6]) && ppc.InvRT(ws[6]) == ppc.R12 &&
        (ppc.IsBctr(ws[7]) || ppc.IsBctrl(ws[7]))
}

// IsFarCallAt reports whether addr holds a far jump or call in either form.
func IsFarCallAt(m Memory, addr uint64) bool {
    return addr % 8 == 0 && (IsFarCallShortAt(m, addr) || IsFarCallLongAt(m, addr))
}

// IsFarCallLinkAt reports whether the far branch at addr is a call.
func IsFarCallLinkAt(m Memory, addr uint64) bool {
    w := wordAt(m, addr, asm.FarBranchWordCount - 1)
    return ppc.IsBl(w) || ppc.IsBctrl(w)
}

// DestinationOfFarCall decodes the target of the far branch at addr, or
// asm.UnknownAddress for an unresolved site. The long form offset is read
// with a single 64-bit load, the same width it is patched with.
func DestinationOfFarCall(m Memory, addr uint64) uint64 {
    switch {
        case IsFarCallShortAt(m, addr): {
            tail := addr + asm.FarBranchTailOffset
            return ppc.BranchDest(m.Load32(tail), tail)
        }
        case IsFarCallLongAt(m, addr): {
            v := m.Load64(addr + asm.FarBranchPairOffset)
            if off := pair(uint32(v), uint32(v >> 32)); off == -1 {
                return asm.UnknownAddress
            } else {
                return addr + asm.FarBranchBase + uint64(off)
            }
        }
        default: {
            panic(violation("far branch", addr, m.Load32(addr)))
        }
    }
}

/** Conditional far branches **/

// IsBcFarAt reports whether addr holds a conditional far branch.
func IsBcFarAt(m Memory, addr uint64) bool {
    w0, w1 := wordAt(m, addr, 0), wordAt(m, addr, 1)
    if !ppc.IsBc(w0) {
        return false
    } else {
        return ppc.IsNop(w1) || (ppc.IsB(w1) && ppc.InvBDField(w0) == asm.BcFarSize)
    }
}

// IsBcFarShortAt reports whether the conditional far branch at addr is a
// single "bc".
func IsBcFarShortAt(m Memory, addr uint64) bool {
    return ppc.IsNop(wordAt(m, addr, 1))
}

// DestinationOfBcFar decodes the target of the conditional far branch at
// addr, or asm.UnknownAddress while unresolved.
func DestinationOfBcFar(m Memory, addr uint64) uint64 {
    if !IsBcFarAt(m, addr) {
        panic(violation("conditional far branch", addr, m.Load32(addr)))
    }
    if IsBcFarShortAt(m, addr) {
        return ppc.BranchDest(m.Load32(addr), addr)
    }
    if w := m.Load32(addr + 4); ppc.InvLIField(w) == 0 {
        return asm.UnknownAddress
    } else {
        return ppc.BranchDest(w, addr + 4)
    }
}

/** Trampoline stubs **/

// IsTrampolineStubAt reports whether addr holds a trampoline stub.
func IsTrampolineStubAt(m Memory, addr uint64) bool {
    w0, w1 := wordAt(m, addr, 0), wordAt(m, addr, 1)
    return ppc.IsAddis(w0) && isReg(w0, ppc.R12, ppc.TOC) &&
        ppc.IsLd(w1) && isReg(w1, ppc.R12, ppc.R12) &&
        ppc.IsMtctr(wordAt(m, addr, 2)) &&
        ppc.IsBctr(wordAt(m, addr, 3))
}

// TrampolineSlot returns the constant slot the stub at addr jumps through.
func TrampolineSlot(m Memory, addr uint64, toc uint64) uint64 {
    if !IsTrampolineStubAt(m, addr) {
        panic(violation("trampoline stub", addr, m.Load32(addr)))
    }
    hi, lo := wordAt(m, addr, 0), wordAt(m, addr, 1)
    return toc + uint64(ppc.InvD1(hi) << 16 + ppc.InvDS(lo))
}

// DestinationOfTrampolineStub returns the address the stub at addr jumps to.
func DestinationOfTrampolineStub(m Memory, addr uint64, toc uint64) uint64 {
    return m.Load64(TrampolineSlot(m, addr, toc))
}

/** Calls **/

// IsCallAt reports whether addr holds a relative call.
func IsCallAt(m Memory, addr uint64) bool {
    return ppc.IsBl(m.Load32(addr))
}

// DestinationOfCall decodes the target of the call at addr, looking through
// the trampoline stub the site owns, if any.
func DestinationOfCall(m Memory, addr uint64, toc uint64, tramps Trampolines) uint64 {
    w := m.Load32(addr)
    if !ppc.IsBl(w) {
        panic(violation("call", addr, w))
    }

    /* direct call */
    dest := ppc.BranchDest(w, addr)
    if tramps == nil {
        return dest
    }

    /* through the stub owned by this site */
    if stub, ok := tramps.TrampolineFor(addr); ok && stub == dest {
        return DestinationOfTrampolineStub(m, stub, toc)
    } else {
        return dest
    }
}

/** 64-bit constants **/

// IsMovConstAt reports whether addr holds the 5-word constant load.
func IsMovConstAt(m Memory, addr uint64) bool {
    var ws [asm.LoadConstSize / 4]uint32
    for i := range ws {
        ws[i] = wordAt(m, addr, i)
    }
    r := ppc.InvRT(ws[0])
    return ppc.IsLis(ws[0]) &&
        ppc.IsOri(ws[1]) && isReg(ws[1], r, r) &&
        ppc.IsSldi(ws[2], 32) && isReg(ws[2], r, r) &&
        ppc.IsOris(ws[3]) && isReg(ws[3], r, r) &&
        ppc.IsOri(ws[4]) && isReg(ws[4], r, r)
}

// MovConstValue decodes the value loaded by the constant load at addr.
func MovConstValue(m Memory, addr uint64) uint64 {
    if !IsMovConstAt(m, addr) {
        panic(violation("constant load", addr, m.Load32(addr)))
    }
    v := uint64(ppc.InvD1(wordAt(m, addr, 0)) << 16) | ppc.InvUI(wordAt(m, addr, 1))
    return v << 32 | ppc.InvUI(wordAt(m, addr, 3)) << 16 | ppc.InvUI(wordAt(m, addr, 4))
}

/** TOC relative addresses **/

// IsTOCAddressLowAt reports whether addr holds the low half of a TOC
// relative pair, an "addi rX, rX, lo" or an "ld rX, lo(rX)".
func IsTOCAddressLowAt(m Memory, addr uint64) bool {
    w := m.Load32(addr)
    return (ppc.IsAddi(w) || ppc.IsLd(w)) && ppc.InvRT(w) == ppc.InvRA(w) && ppc.InvRA(w) != ppc.R0
}

// TOCAddressHigh finds the "addis rX, r29, hi" that goes with the low half
// at addr, scanning back at most TOCScanLimit instructions. A missing
// partner is a broken invariant and panics.
func TOCAddressHigh(m Memory, addr uint64) uint64 {
    lo := m.Load32(addr)
    if !IsTOCAddressLowAt(m, addr) {
        panic(violation("TOC relative address", addr, lo))
    }

    /* look for the partner */
    for i := uint64(1); i <= TOCScanLimit && i * 4 <= addr; i++ {
        p := addr - i * 4
        if w := m.Load32(p); ppc.IsAddis(w) && isReg(w, ppc.InvRT(lo), ppc.TOC) {
            return p
        }
    }
    panic(violation("TOC relative address without addis", addr, lo))
}

func tocOffset(hi uint32, lo uint32) int64 {
    if ppc.IsLd(lo) {
        return ppc.InvD1(hi) << 16 + ppc.InvDS(lo)
    } else {
        return pair(hi, lo)
    }
}

// DestinationOfTOCAddress decodes the address computed by the pair ending
// at addr, or asm.UnknownAddress for the -1 sentinel. Adjacent pairs are
// read with a single 64-bit load.
func DestinationOfTOCAddress(m Memory, addr uint64, toc uint64) uint64 {
    var off int64
    hi := TOCAddressHigh(m, addr)

    /* adjacent, aligned pairs are patched as one doubleword */
    if hi + 4 == addr && hi % 8 == 0 {
        v := m.Load64(hi)
        off = tocOffset(uint32(v), uint32(v >> 32))
    } else {
        off = tocOffset(m.Load32(hi), m.Load32(addr))
    }

    /* -1 is the unknown address */
    if off == -1 {
        return asm.UnknownAddress
    } else {
        return toc + uint64(off)
    }
}

/** Not-entrant entries **/

// IsNotEntrantAt reports whether the verified entry at addr was made not
// entrant, in either of the two forms.
func IsNotEntrantAt(m Memory, addr uint64) bool {
    w := m.Load32(addr)
    return ppc.IsTrapNotEntrant(w) || ppc.IsIlltrap(w)
}
