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
    `encoding/binary`
    `fmt`

    `github.com/cloudwego/trapasm/internal/ppc`
)

type SectionKind int

const (
    SectInsts SectionKind = iota
    SectStubs
    SectConsts
    NbSections
)

func (self SectionKind) String() string {
    switch self {
        case SectInsts  : return "insts"
        case SectStubs  : return "stubs"
        case SectConsts : return "consts"
        default         : return fmt.Sprintf("SectionKind(%d)", int(self))
    }
}

type RelocKind int

const (
    RelocNone RelocKind = iota
    RelocInternalWord
    RelocRuntimeCall
    RelocTrampolineStub
    RelocSectionWord
    RelocOopConstant
    RelocMetadataConstant
    RelocPoll
    RelocPollReturn
)

var relocNames = [...]string {
    RelocNone             : "none",
    RelocInternalWord     : "internal_word",
    RelocRuntimeCall      : "runtime_call",
    RelocTrampolineStub   : "trampoline_stub",
    RelocSectionWord      : "section_word",
    RelocOopConstant      : "oop",
    RelocMetadataConstant : "metadata",
    RelocPoll             : "poll",
    RelocPollReturn       : "poll_return",
}

func (self RelocKind) String() string {
    if self >= 0 && int(self) < len(relocNames) {
        return relocNames[self]
    } else {
        return fmt.Sprintf("RelocKind(%d)", int(self))
    }
}

// Relocation describes an instruction or a data word that refers to an
// address. For trampoline stubs, Offset is the owning call site and Target
// is the stub.
type Relocation struct {
    Kind    RelocKind
    Section SectionKind
    Offset  int
    Target  uint64
}

// ImplicitException maps a faulting instruction to where execution resumes,
// both as offsets into the instruction section.
type ImplicitException struct {
    PC   uint32
    Cont uint32
}

// CodeSection is a fixed capacity, append-only stream of little-endian
// words placed at a known target address.
type CodeSection struct {
    kind  SectionKind
    start uint64
    limit int
    buf   []byte
}

func (self *CodeSection) Kind() SectionKind  { return self.kind }
func (self *CodeSection) Start() uint64      { return self.start }
func (self *CodeSection) End() uint64        { return self.start + uint64(len(self.buf)) }
func (self *CodeSection) Limit() uint64      { return self.start + uint64(self.limit) }
func (self *CodeSection) Size() int          { return len(self.buf) }
func (self *CodeSection) Capacity() int      { return self.limit }
func (self *CodeSection) Remaining() int     { return self.limit - len(self.buf) }
func (self *CodeSection) Bytes() []byte      { return self.buf }

// Contains reports whether addr is within the allocated part of the section.
func (self *CodeSection) Contains(addr uint64) bool {
    return addr >= self.start && addr < self.Limit()
}

func (self *CodeSection) grow(n int) int {
    p := len(self.buf)
    if p + n > self.limit {
        panic(fmt.Sprintf("asm: %s section overflow (%d + %d > %d)", self.kind, p, n, self.limit))
    }
    self.buf = self.buf[:p + n]
    return p
}

// Emit appends one instruction word.
func (self *CodeSection) Emit(w uint32) {
    binary.LittleEndian.PutUint32(self.buf[self.grow(4):], w)
}

// EmitLong appends one doubleword.
func (self *CodeSection) EmitLong(v uint64) {
    binary.LittleEndian.PutUint64(self.buf[self.grow(8):], v)
}

func (self *CodeSection) WordAt(off int) uint32 {
    return binary.LittleEndian.Uint32(self.buf[off:])
}

func (self *CodeSection) SetWordAt(off int, w uint32) {
    binary.LittleEndian.PutUint32(self.buf[off:], w)
}

func (self *CodeSection) LongAt(off int) uint64 {
    return binary.LittleEndian.Uint64(self.buf[off:])
}

// Align pads the section to a multiple of n bytes, with nops in code
// sections and zeros in the constant section.
func (self *CodeSection) Align(n int) {
    for len(self.buf) % n != 0 {
        if self.kind == SectConsts {
            self.Emit(0)
        } else {
            self.Emit(ppc.WordNop)
        }
    }
}

// Words returns a copy of the section as instruction words.
func (self *CodeSection) Words() []uint32 {
    ret := make([]uint32, len(self.buf) / 4)
    for i := range ret {
        ret[i] = self.WordAt(i * 4)
    }
    return ret
}

// CodeBuffer is the output of one compilation: the instruction, stub and
// constant sections laid out back to back from a base address, plus the
// relocations and the implicit exception table. Since the final placement
// is known up front, every pc-relative encoding is final when emitted.
type CodeBuffer struct {
    Name   string
    TOC    uint64

    // EntryOffset and VerifiedEntryOffset are offsets into the instruction
    // section, -1 when never marked.
    EntryOffset         int
    VerifiedEntryOffset int

    // HasUnsafeAccess marks code that performs unsafe memory accesses, a
    // bus error in it resumes at the next instruction.
    HasUnsafeAccess bool

    sects  [NbSections]CodeSection
    msgs   []string
    relocs []Relocation
    excs   []ImplicitException
    consts map[uint64]uint64
    tramps map[uint64]uint64
}

// NewCodeBuffer creates a buffer placed at base. Sizes are rounded up to 8
// bytes, toc is the base of the global constant table.
func NewCodeBuffer(name string, toc uint64, base uint64, insts int, stubs int, consts int) *CodeBuffer {
    if base % 8 != 0 {
        panic("asm: code buffer base must be 8-byte aligned")
    }
    ret := &CodeBuffer {
        Name                : name,
        TOC                 : toc,
        EntryOffset         : -1,
        VerifiedEntryOffset : -1,
        consts              : make(map[uint64]uint64),
        tramps              : make(map[uint64]uint64),
    }
    pos := base
    for i, n := range [NbSections]int { insts, stubs, consts } {
        n = alignSize(n, 8)
        ret.sects[i] = CodeSection { kind: SectionKind(i), start: pos, limit: n, buf: newBytes(n) }
        pos += uint64(n)
    }
    return ret
}

// BufferSize is the total span a buffer with those section sizes occupies.
func BufferSize(insts int, stubs int, consts int) int {
    return alignSize(insts, 8) + alignSize(stubs, 8) + alignSize(consts, 8)
}

func alignSize(n int, a int) int {
    return (n + a - 1) &^ (a - 1)
}

func (self *CodeBuffer) Section(k SectionKind) *CodeSection { return &self.sects[k] }
func (self *CodeBuffer) Insts() *CodeSection                { return &self.sects[SectInsts] }
func (self *CodeBuffer) Stubs() *CodeSection                { return &self.sects[SectStubs] }
func (self *CodeBuffer) Consts() *CodeSection               { return &self.sects[SectConsts] }
func (self *CodeBuffer) Base() uint64                       { return self.sects[SectInsts].start }
func (self *CodeBuffer) Limit() uint64                      { return self.sects[NbSections - 1].Limit() }
func (self *CodeBuffer) Relocations() []Relocation          { return self.relocs }
func (self *CodeBuffer) ImplicitExceptions() []ImplicitException { return self.excs }

// SectionOf returns the section addr falls in.
func (self *CodeBuffer) SectionOf(addr uint64) *CodeSection {
    for i := range self.sects {
        if self.sects[i].Contains(addr) {
            return &self.sects[i]
        }
    }
    panic(fmt.Sprintf("asm: address %#x is outside of code buffer %s", addr, self.Name))
}

// WordAt reads the emitted word at a target address.
func (self *CodeBuffer) WordAt(addr uint64) uint32 {
    s := self.SectionOf(addr)
    return s.WordAt(int(addr - s.start))
}

// SetWordAt rewrites an emitted word at a target address.
func (self *CodeBuffer) SetWordAt(addr uint64, w uint32) {
    s := self.SectionOf(addr)
    s.SetWordAt(int(addr - s.start), w)
}

// Relocate records a relocation at a target address.
func (self *CodeBuffer) Relocate(kind RelocKind, addr uint64, target uint64) {
    s := self.SectionOf(addr)
    self.relocs = append(self.relocs, Relocation {
        Kind    : kind,
        Section : s.kind,
        Offset  : int(addr - s.start),
        Target  : target,
    })
}

// AddImplicitException records that a fault at pc continues at cont.
func (self *CodeBuffer) AddImplicitException(pc uint32, cont uint32) {
    self.excs = append(self.excs, ImplicitException { PC: pc, Cont: cont })
}

// CanAddConstant reports whether AddressConstant(v) would succeed.
func (self *CodeBuffer) CanAddConstant(v uint64) bool {
    _, ok := self.consts[v]
    return ok || self.Consts().Remaining() >= 8
}

// AddressConstant returns the address of an 8-byte constant slot holding
// v, sharing slots between equal values. It returns 0 when the constant
// section is full.
func (self *CodeBuffer) AddressConstant(v uint64) uint64 {
    if p, ok := self.consts[v]; ok {
        return p
    }
    if !self.CanAddConstant(v) {
        return 0
    }
    cs := self.Consts()
    p := cs.End()
    cs.EmitLong(v)
    self.consts[v] = p
    return p
}

// AllocateConstant returns the address of a fresh 8-byte constant slot
// holding v. The slot is never shared, so it may be patched on its own. It
// returns 0 when the constant section is full.
func (self *CodeBuffer) AllocateConstant(v uint64) uint64 {
    cs := self.Consts()
    if cs.Remaining() < 8 {
        return 0
    }
    p := cs.End()
    cs.EmitLong(v)
    return p
}

// TrampolineFor returns the trampoline stub owned by a call site.
func (self *CodeBuffer) TrampolineFor(site uint64) (uint64, bool) {
    p, ok := self.tramps[site]
    return p, ok
}

// Trampolines returns the number of trampoline stubs in the buffer.
func (self *CodeBuffer) Trampolines() int {
    return len(self.tramps)
}

// Messages returns the stop messages, indexed by the id that follows each
// stop trap.
func (self *CodeBuffer) Messages() []string {
    return self.msgs
}

func (self *CodeBuffer) addMessage(msg string) uint32 {
    self.msgs = append(self.msgs, msg)
    return uint32(len(self.msgs) - 1)
}

// Free releases the section storage, the buffer must not be used afterwards.
func (self *CodeBuffer) Free() {
    for i := range self.sects {
        freeBytes(self.sects[i].buf)
        self.sects[i].buf = nil
    }
}
