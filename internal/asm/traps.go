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
    `github.com/cloudwego/trapasm/internal/ppc`
    `github.com/cloudwego/trapasm/internal/rt`
)

/** Code that is meant to fault **
 *
 *  Every sequence here leaves an instruction the trap dispatcher knows how
 *  to recognize at the faulting pc, see the predicates in package ppc.
 */

// NullCheckTrap traps when r is null.
func (self *MacroAssembler) NullCheckTrap(r ppc.Register) {
    self.Tdi(ppc.TO_NULL, r, 0)
}

// NullCheck traps on null r when trap based checks are enabled, otherwise
// it branches to slow.
func (self *MacroAssembler) NullCheck(r ppc.Register, slow *Label) {
    if self.opts.TrapBasedChecks {
        self.NullCheckTrap(r)
    } else {
        self.Cmpdi(ppc.CR0, r, 0)
        self.BcFar(ppc.BO_TRUE, ppc.CR0.Bit(ppc.CondEQ), slow)
    }
}

// ImplicitNullCheckLoad loads dst from off(base) and records cont as the
// place execution resumes at when base is null and the load faults.
func (self *MacroAssembler) ImplicitNullCheckLoad(dst ppc.Register, off int64, base ppc.Register, cont *Label) {
    if self.sect.kind != SectInsts {
        panic("asm: implicit null checks must be in the instruction section")
    }
    self.excs = append(self.excs, _PendingException {
        pc   : uint32(self.PC() - self.buf.Base()),
        cont : cont,
    })
    self.Ld(dst, off, base)
}

// RangeCheckTrap traps unless idx < length, both unsigned.
func (self *MacroAssembler) RangeCheckTrap(idx ppc.Register, length ppc.Register) {
    self.Tw(ppc.TO_RANGE_CHECK, length, idx)
}

// RangeCheckTrapImm traps unless idx < n.
func (self *MacroAssembler) RangeCheckTrapImm(idx ppc.Register, n int64) {
    self.Twi(ppc.TO_RANGE_CHECK_IMM, idx, n)
}

// ICCheckTrap traps when the receiver klass differs from the cached one.
func (self *MacroAssembler) ICCheckTrap(klass ppc.Register, cached ppc.Register) {
    self.Td(ppc.TO_ICMISS, klass, cached)
}

// ICCheck loads the klass of recv and traps on a mismatch with cached.
func (self *MacroAssembler) ICCheck(recv ppc.Register, cached ppc.Register) {
    self.Ld(ppc.R12, rt.KlassOffset, recv)
    self.ICCheckTrap(ppc.R12, cached)
}

func (self *MacroAssembler) safepointPoll(tmp ppc.Register, kind RelocKind) {
    if self.opts.TrapBasedChecks {
        self.Ld(tmp, rt.ThreadPollingWordOffset, ppc.Thread)
        self.buf.Relocate(kind, self.PC(), 0)
        self.Td(ppc.TO_POLL, ppc.SP, tmp)
    } else {
        self.Ld(tmp, rt.ThreadPollingPageOffset, ppc.Thread)
        self.buf.Relocate(kind, self.PC(), 0)
        self.Ld(ppc.R0, 0, tmp)
    }
}

// SafepointPoll emits a poll, either a trap against the thread polling
// word or a load from the thread polling page.
func (self *MacroAssembler) SafepointPoll(tmp ppc.Register) {
    self.safepointPoll(tmp, RelocPoll)
}

// SafepointPollReturn is the poll at method return.
func (self *MacroAssembler) SafepointPollReturn(tmp ppc.Register) {
    self.safepointPoll(tmp, RelocPollReturn)
}

// MarkEntry records the current position as the entry point.
func (self *MacroAssembler) MarkEntry() {
    self.buf.EntryOffset = self.Offset()
}

// MarkVerifiedEntry records the verified entry and emits the word that
// gets overwritten when the code is made not entrant.
func (self *MacroAssembler) MarkVerifiedEntry() {
    self.buf.VerifiedEntryOffset = self.Offset()
    self.Nop()
}

// NotEntrantSentinel returns the word written over the verified entry.
func NotEntrantSentinel(trapBased bool) uint32 {
    if trapBased {
        return ppc.Tdi(ppc.TO_ALWAYS, ppc.R0, ppc.NotEntrantImm)
    } else {
        return ppc.Illtrap()
    }
}

// Stop emits an unconditional stop trap followed by the message id.
func (self *MacroAssembler) Stop(typ int, msg string) {
    self.Twi(ppc.TO_ALWAYS, ppc.R0, int64(typ))
    self.Emit(self.buf.addMessage(msg))
}

// BangStack touches the stack offset bytes below SP, so that a frame which
// is too large faults in the guard zone right here.
func (self *MacroAssembler) BangStack(offset int64) {
    if ppc.IsSimm(-offset, 16) {
        self.Std(ppc.R0, -offset, ppc.SP)
    } else {
        self.LoadConstOptimized(ppc.R12, -offset)
        self.Stdx(ppc.R0, ppc.SP, ppc.R12)
    }
}
