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
    `sync`
    `sync/atomic`
    `testing`

    `github.com/brianvoe/gofakeit/v6`
    `github.com/stretchr/testify/assert`
    `github.com/stretchr/testify/require`

    `github.com/cloudwego/trapasm/internal/asm`
    `github.com/cloudwego/trapasm/internal/mem`
    `github.com/cloudwego/trapasm/internal/opts`
    `github.com/cloudwego/trapasm/internal/ppc`
)

const (
    testBase = uint64(0x10000000)
    testSize = uint64(1 << 20)
)

func newTestArena(t *testing.T) *mem.Arena {
    a, err := mem.NewArena(testBase, testSize)
    require.NoError(t, err)
    t.Cleanup(func() { _ = a.Close() })
    return a
}

func writeWords(a *mem.Arena, addr uint64, ws ...uint32) {
    for i, w := range ws {
        a.Store32(addr + uint64(i) * 4, w)
    }
}

// assemble emits code at the arena base and copies every section in.
func assemble(t *testing.T, a *mem.Arena, o opts.Options, fn func(p *asm.MacroAssembler)) *asm.CodeBuffer {
    buf := asm.NewCodeBuffer("test", testBase, testBase, 4096, 256, 256)
    p := asm.New(buf, o)
    fn(p)
    p.Finalize()
    for k := asm.SectInsts; k < asm.NbSections; k++ {
        s := buf.Section(k)
        a.WriteBytes(s.Start(), s.Bytes())
    }
    return buf
}

func expectViolation(t *testing.T, fn func()) {
    defer func() {
        v := recover()
        require.NotNil(t, v, "expected a patch violation")
        _, ok := v.(*PatchViolation)
        assert.Truef(t, ok, "unexpected panic value: %v", v)
    }()
    fn()
}

func TestViews_FarCallRoundTrip(t *testing.T) {
    a := newTestArena(t)
    site := testBase + 0x1000
    tail := site + asm.FarBranchTailOffset

    /* short form, both ends of the b displacement */
    for _, to := range []uint64 { tail + ppc.MaxBDisp, tail - 1 << 25, tail } {
        ws := asm.FarBranchWords(site, to, true, 0)
        writeWords(a, site, ws[:]...)
        require.True(t, IsFarCallAt(a, site))
        assert.True(t, IsFarCallShortAt(a, site))
        assert.True(t, IsFarCallLinkAt(a, site))
        assert.Equal(t, to, DestinationOfFarCall(a, site))
    }

    /* long form, past the b displacement and with the sentinel */
    for _, to := range []uint64 { tail + ppc.MaxBDisp + 4, site + asm.FarBranchBase + 0x7fff7ffc, site - 0x7fff0000 } {
        ws := asm.FarBranchWords(site, to, false, 0)
        writeWords(a, site, ws[:]...)
        require.True(t, IsFarCallLongAt(a, site))
        assert.False(t, IsFarCallLinkAt(a, site))
        assert.Equal(t, to, DestinationOfFarCall(a, site))
    }
    ws := asm.FarBranchLongWords(-1, true)
    writeWords(a, site, ws[:]...)
    assert.Equal(t, asm.UnknownAddress, DestinationOfFarCall(a, site))

    /* anything else */
    writeWords(a, site, ppc.Nop())
    writeWords(a, site + 4, ppc.Blr())
    assert.False(t, IsFarCallAt(a, site))
    expectViolation(t, func() { DestinationOfFarCall(a, site) })
}

func TestViews_BcFarRoundTrip(t *testing.T) {
    a := newTestArena(t)
    site := testBase + 0x8000
    bi := ppc.CR1.Bit(ppc.CondGT)
    for _, to := range []uint64 { site + ppc.MaxBCDisp, site - 0x8000, site + 0x10000, site - 0x100000 } {
        ws := asm.BcFarWords(site, ppc.BO_TRUE, bi, to, 0)
        writeWords(a, site, ws[:]...)
        require.True(t, IsBcFarAt(a, site))
        assert.Equal(t, to, DestinationOfBcFar(a, site))
    }
    ws := asm.BcFarUnresolvedWords(ppc.BO_FALSE, bi)
    writeWords(a, site, ws[:]...)
    assert.Equal(t, asm.UnknownAddress, DestinationOfBcFar(a, site))
}

func TestPatcher_FarCallIdempotence(t *testing.T) {
    gofakeit.Seed(0)
    a := newTestArena(t)
    p := NewPatcher(a, 0, false)
    site := testBase + 0x2000

    for i := 0; i < 20; i++ {
        x := site + asm.FarBranchBase + uint64(gofakeit.Int32() >> 2 &^ 3)
        y := site + asm.FarBranchBase + uint64(gofakeit.Int32() >> 2 &^ 3)

        /* A, then B, then A again is byte-identical to A */
        ws := asm.FarBranchWords(site, x, true, 1)
        writeWords(a, site, ws[:]...)
        want := a.ReadBytes(site, asm.FarBranchSize)
        p.SetFarCallDestination(site, y)
        assert.Equal(t, y, DestinationOfFarCall(a, site))
        p.SetFarCallDestination(site, x)
        assert.Equal(t, want, a.ReadBytes(site, asm.FarBranchSize))
    }

    /* the sentinel round trips too */
    p.SetFarCallDestination(site, asm.UnknownAddress)
    assert.Equal(t, asm.UnknownAddress, DestinationOfFarCall(a, site))
    ws := asm.FarBranchLongWords(-1, true)
    assert.Equal(t, ws[:], a.ReadWords(site, asm.FarBranchWordCount))
}

func TestPatcher_FarCallShortFormStaysShort(t *testing.T) {
    a := newTestArena(t)
    p := NewPatcher(a, 0, false)
    site := testBase + 0x2000
    ws := asm.FarBranchWords(site, site + 0x100, false, 0)
    writeWords(a, site, ws[:]...)
    p.SetFarCallDestination(site, site + 0x2000)
    assert.True(t, IsFarCallShortAt(a, site))
    assert.Equal(t, site + 0x2000, DestinationOfFarCall(a, site))

    /* switching forms would change opcodes */
    expectViolation(t, func() { p.SetFarCallDestination(site, site + 1 << 30) })
    assert.Equal(t, site + 0x2000, DestinationOfFarCall(a, site))
}

func TestPatcher_ConcurrentVisibility(t *testing.T) {
    a := newTestArena(t)
    p := NewPatcher(a, 0, false)
    site := testBase + 0x4000

    /* targets whose hi and lo halves both differ */
    x := site + asm.FarBranchBase + 0x12345678
    y := site + asm.FarBranchBase - 0x07654320
    ws := asm.FarBranchWords(site, x, true, 0)
    writeWords(a, site, ws[:]...)

    /* the reader decodes as fast as it can */
    var stop atomic.Bool
    var wg sync.WaitGroup
    var seen, bad atomic.Int64
    started := make(chan struct{})
    wg.Add(1)
    go func() {
        defer wg.Done()
        for !stop.Load() {
            if d := DestinationOfFarCall(a, site); d != x && d != y {
                bad.Add(1)
            }
            if seen.Add(1) == 1 {
                close(started)
            }
        }
    }()

    /* the writer flips between the two targets until enough reads overlap */
    <-started
    base := seen.Load()
    n := 0
    for n < 20000 || seen.Load() - base < 20000 {
        if n % 2 == 0 {
            p.SetFarCallDestination(site, y)
        } else {
            p.SetFarCallDestination(site, x)
        }
        n++
    }
    stop.Store(true)
    wg.Wait()
    assert.Zero(t, bad.Load())
    assert.GreaterOrEqual(t, seen.Load() - base, int64(20000))
    assert.Equal(t, uint64(n), p.Stats().Patches)
}

func TestPatcher_BcFar(t *testing.T) {
    a := newTestArena(t)
    p := NewPatcher(a, 0, false)
    site := testBase + 0x8000
    bi := ppc.CR0.Bit(ppc.CondEQ)

    /* short */
    ws := asm.BcFarWords(site, ppc.BO_TRUE, bi, site + 0x40, 0)
    writeWords(a, site, ws[:]...)
    p.SetBcFarDestination(site, site - 0x40)
    assert.Equal(t, site - 0x40, DestinationOfBcFar(a, site))
    expectViolation(t, func() { p.SetBcFarDestination(site, site + 0x10000) })

    /* long */
    ws = asm.BcFarWords(site, ppc.BO_TRUE, bi, site + 0x10000, 0)
    writeWords(a, site, ws[:]...)
    p.SetBcFarDestination(site, site + 0x20000)
    assert.Equal(t, site + 0x20000, DestinationOfBcFar(a, site))
    bo, cond := asm.BcFarCondition(a.Load32(site), a.Load32(site + 4))
    assert.Equal(t, ppc.BO_TRUE, bo)
    assert.Equal(t, bi, cond)
}

func TestPatcher_CallThroughTrampoline(t *testing.T) {
    var site uint64
    a := newTestArena(t)
    far := testBase + 1 << 30
    buf := assemble(t, a, opts.Options{}, func(p *asm.MacroAssembler) {
        var err error
        site, err = p.TrampolineCall(far)
        require.NoError(t, err)
        p.Blr()
    })
    stub, ok := buf.TrampolineFor(site)
    require.True(t, ok)
    require.True(t, IsTrampolineStubAt(a, stub))
    assert.Equal(t, far, DestinationOfCall(a, site, buf.TOC, buf))

    /* out of reach again, only the slot changes */
    p := NewPatcher(a, 0, true)
    p.SetCallDestination(site, far + 0x1000, buf.TOC, buf)
    assert.Equal(t, far + 0x1000, DestinationOfCall(a, site, buf.TOC, buf))
    assert.Equal(t, stub, ppc.BranchDest(a.Load32(site), site))

    /* in reach, direct */
    p.SetCallDestination(site, testBase + 0x8000, buf.TOC, buf)
    assert.Equal(t, testBase + 0x8000, ppc.BranchDest(a.Load32(site), site))
    assert.Equal(t, testBase + 0x8000, DestinationOfCall(a, site, buf.TOC, buf))

    /* and back through the stub */
    p.SetCallDestination(site, far, buf.TOC, buf)
    assert.Equal(t, stub, ppc.BranchDest(a.Load32(site), site))
    assert.Equal(t, far, DestinationOfCall(a, site, buf.TOC, buf))

    /* a site without a trampoline cannot go far */
    expectViolation(t, func() { p.SetCallDestination(site, far, buf.TOC, nil) })
}

func TestPatcher_TrampolineSitesPatchAlone(t *testing.T) {
    var s1, s2 uint64
    a := newTestArena(t)
    far := testBase + 1 << 30
    buf := assemble(t, a, opts.Options{}, func(p *asm.MacroAssembler) {
        var err error
        s1, err = p.TrampolineCall(far)
        require.NoError(t, err)
        s2, err = p.TrampolineCall(far)
        require.NoError(t, err)
        p.Blr()
    })

    /* retargeting one site leaves the other alone */
    p := NewPatcher(a, 0, false)
    p.SetCallDestination(s1, far + 0x1000, buf.TOC, buf)
    assert.Equal(t, far + 0x1000, DestinationOfCall(a, s1, buf.TOC, buf))
    assert.Equal(t, far, DestinationOfCall(a, s2, buf.TOC, buf))

    p.SetCallDestination(s2, far + 0x2000, buf.TOC, buf)
    assert.Equal(t, far + 0x1000, DestinationOfCall(a, s1, buf.TOC, buf))
    assert.Equal(t, far + 0x2000, DestinationOfCall(a, s2, buf.TOC, buf))
}

func TestPatcher_TOCAddress(t *testing.T) {
    a := newTestArena(t)
    var lo uint64
    assemble(t, a, opts.Options{}, func(p *asm.MacroAssembler) {
        p.Nop()
        p.CalculateAddressFromGlobalTOC(ppc.R3, asm.UnknownAddress)
        lo = p.PC() - 4
        p.Blr()
    })
    assert.Equal(t, asm.UnknownAddress, DestinationOfTOCAddress(a, lo, testBase))

    /* patch, then back to the sentinel */
    p := NewPatcher(a, 0, false)
    for _, target := range []uint64 { testBase + 0x18000, testBase + 0x7fff7000, testBase - 0x12344 } {
        p.SetTOCAddress(lo, target, testBase)
        assert.Equal(t, target, DestinationOfTOCAddress(a, lo, testBase))
    }
    p.SetTOCAddress(lo, asm.UnknownAddress, testBase)
    assert.Equal(t, asm.UnknownAddress, DestinationOfTOCAddress(a, lo, testBase))
    assert.Equal(t, ppc.Addi(ppc.R3, ppc.R3, -1), a.Load32(lo))
}

func TestPatcher_TOCLoadPair(t *testing.T) {
    a := newTestArena(t)
    var lo uint64
    var slot uint64
    assemble(t, a, opts.Options{}, func(p *asm.MacroAssembler) {
        require.True(t, p.LoadConstFromPool(ppc.R5, 0xfeed))
        lo = p.PC() - 4
        slot = p.Buffer().Consts().Start()
    })
    assert.Equal(t, slot, DestinationOfTOCAddress(a, lo, testBase))
    assert.Equal(t, uint64(0xfeed), a.Load64(slot))

    /* the ld form only takes word aligned slots */
    p := NewPatcher(a, 0, false)
    p.SetTOCAddress(lo, slot + 8, testBase)
    assert.Equal(t, slot + 8, DestinationOfTOCAddress(a, lo, testBase))
    expectViolation(t, func() { p.SetTOCAddress(lo, slot + 2, testBase) })
}

func TestPatcher_TOCAddressWithoutPartner(t *testing.T) {
    a := newTestArena(t)
    site := testBase + 0x100
    writeWords(a, site, ppc.Addi(ppc.R3, ppc.R3, 16))
    expectViolation(t, func() { TOCAddressHigh(a, site) })
}

func TestPatcher_MovConst(t *testing.T) {
    gofakeit.Seed(0)
    a := newTestArena(t)
    assemble(t, a, opts.Options{}, func(p *asm.MacroAssembler) {
        p.LoadConst(ppc.R7, 0)
    })
    p := NewPatcher(a, 0, false)
    for _, v := range []uint64 { ^uint64(0), 0x8000000000000000, gofakeit.Uint64(), gofakeit.Uint64() } {
        p.SetMovConst(testBase, v)
        assert.Equal(t, v, MovConstValue(a, testBase))
    }
    assert.Equal(t, ppc.R7, ppc.InvRT(a.Load32(testBase)))
}

func TestPatcher_NotEntrant(t *testing.T) {
    a := newTestArena(t)
    writeWords(a, testBase, ppc.Nop(), ppc.Nop())
    p := NewPatcher(a, 0, false)
    p.MakeNotEntrant(testBase, true)
    p.MakeNotEntrant(testBase + 4, false)
    assert.True(t, ppc.IsTrapNotEntrant(a.Load32(testBase)))
    assert.True(t, ppc.IsIlltrap(a.Load32(testBase + 4)))
    assert.True(t, IsNotEntrantAt(a, testBase))
    assert.True(t, IsNotEntrantAt(a, testBase + 4))
}

func TestPatcher_Violations(t *testing.T) {
    a := newTestArena(t)
    writeWords(a, testBase, ppc.Nop(), ppc.Blr(), ppc.Nop())
    p := NewPatcher(a, 0, false)
    expectViolation(t, func() { p.SetFarCallDestination(testBase, testBase + 0x100) })
    expectViolation(t, func() { p.SetBcFarDestination(testBase, testBase + 0x100) })
    expectViolation(t, func() { p.SetCallDestination(testBase, testBase + 0x100, testBase, nil) })
    expectViolation(t, func() { p.SetMovConst(testBase, 1) })
    expectViolation(t, func() { p.SetTOCAddress(testBase, testBase, testBase) })
    assert.Zero(t, p.Stats().Patches)
    assert.Equal(t, []uint32 { ppc.Nop(), ppc.Blr(), ppc.Nop() }, a.ReadWords(testBase, 3))
}

func TestPatcher_FlushAccounting(t *testing.T) {
    a := newTestArena(t)
    p := NewPatcher(a, 0, false)
    line := p.CacheLine()
    p.FlushICache(testBase + line - 4, 8)
    st := p.Stats()
    assert.Equal(t, uint64(1), st.Flushes)
    assert.Equal(t, uint64(2), st.CacheLines)
}
