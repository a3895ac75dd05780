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

package codecache

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/cloudwego/trapasm/internal/asm"
)

// Kind is what a blob holds.
type Kind int

const (
	KindMethod Kind = iota
	KindRuntimeStub
	KindAdapter
	KindBuffer
)

func (self Kind) String() string {
	switch self {
	case KindMethod:
		return "method"
	case KindRuntimeStub:
		return "runtime_stub"
	case KindAdapter:
		return "adapter"
	case KindBuffer:
		return "buffer"
	default:
		return fmt.Sprintf("Kind(%d)", int(self))
	}
}

// Range is a half-open address range.
type Range struct {
	Start uint64
	End   uint64
}

func (self Range) Size() uint64 { return self.End - self.Start }
func (self Range) Contains(addr uint64) bool { return addr >= self.Start && addr < self.End }

// Blob is a piece of installed code. Everything but the not-entrant flag is
// immutable once the blob is published.
type Blob struct {
	Name   string
	Kind   Kind
	TOC    uint64
	Insts  Range
	Stubs  Range
	Consts Range

	// Entry and VerifiedEntry are absolute addresses, 0 when absent.
	Entry         uint64
	VerifiedEntry uint64

	HasUnsafeAccess bool

	msgs   []string
	excs   []asm.ImplicitException
	relocs []asm.Relocation
	tramps map[uint64]uint64
	polls  map[uint64]bool

	notEntrant atomic.Bool
}

func newBlob(buf *asm.CodeBuffer, kind Kind) *Blob {
	ret := &Blob{
		Name:            buf.Name,
		Kind:            kind,
		TOC:             buf.TOC,
		Insts:           sectionRange(buf.Insts()),
		Stubs:           sectionRange(buf.Stubs()),
		Consts:          sectionRange(buf.Consts()),
		HasUnsafeAccess: buf.HasUnsafeAccess,
		msgs:            append([]string(nil), buf.Messages()...),
		excs:            append([]asm.ImplicitException(nil), buf.ImplicitExceptions()...),
		relocs:          append([]asm.Relocation(nil), buf.Relocations()...),
		tramps:          make(map[uint64]uint64),
		polls:           make(map[uint64]bool),
	}

	/* entry points */
	if buf.EntryOffset >= 0 {
		ret.Entry = ret.Insts.Start + uint64(buf.EntryOffset)
	}
	if buf.VerifiedEntryOffset >= 0 {
		ret.VerifiedEntry = ret.Insts.Start + uint64(buf.VerifiedEntryOffset)
	}

	/* the exception table is searched by pc */
	sort.Slice(ret.excs, func(i int, j int) bool {
		return ret.excs[i].PC < ret.excs[j].PC
	})

	/* index the relocations the trap dispatcher looks at */
	for _, r := range ret.relocs {
		pc := buf.Section(r.Section).Start() + uint64(r.Offset)
		switch r.Kind {
		case asm.RelocTrampolineStub:
			ret.tramps[pc] = r.Target
		case asm.RelocPoll:
			ret.polls[pc] = false
		case asm.RelocPollReturn:
			ret.polls[pc] = true
		}
	}
	return ret
}

func sectionRange(s *asm.CodeSection) Range {
	return Range{Start: s.Start(), End: s.End()}
}

func (self *Blob) String() string {
	return fmt.Sprintf("%s %q [%#x, %#x)", self.Kind, self.Name, self.Start(), self.End())
}

// Start and End bound every section of the blob.
func (self *Blob) Start() uint64 { return self.Insts.Start }
func (self *Blob) End() uint64 { return self.Consts.End }

// Contains reports whether pc is anywhere in the blob.
func (self *Blob) Contains(pc uint64) bool {
	return pc >= self.Start() && pc < self.End()
}

// IsCode reports whether pc is an instruction of the blob, stubs included.
func (self *Blob) IsCode(pc uint64) bool {
	return self.Insts.Contains(pc) || self.Stubs.Contains(pc)
}

// ContinuationFor returns where a fault at pc resumes, when pc is an
// implicit exception point.
func (self *Blob) ContinuationFor(pc uint64) (uint64, bool) {
	if !self.Insts.Contains(pc) {
		return 0, false
	}
	off := uint32(pc - self.Insts.Start)
	i := sort.Search(len(self.excs), func(i int) bool { return self.excs[i].PC >= off })
	if i == len(self.excs) || self.excs[i].PC != off {
		return 0, false
	}
	return self.Insts.Start + uint64(self.excs[i].Cont), true
}

// PollAt reports whether pc is a safepoint poll, and whether it is the one
// on the return path.
func (self *Blob) PollAt(pc uint64) (ok bool, ret bool) {
	ret, ok = self.polls[pc]
	return
}

// TrampolineFor returns the trampoline stub owned by a call site.
func (self *Blob) TrampolineFor(site uint64) (uint64, bool) {
	p, ok := self.tramps[site]
	return p, ok
}

// Trampolines is the number of trampoline stubs in the blob.
func (self *Blob) Trampolines() int {
	return len(self.tramps)
}

func (self *Blob) Relocations() []asm.Relocation {
	return self.relocs
}

func (self *Blob) ImplicitExceptions() []asm.ImplicitException {
	return self.excs
}

// Message returns the text of a stop, by the id following the trap.
func (self *Blob) Message(id uint32) (string, bool) {
	if int(id) < len(self.msgs) {
		return self.msgs[id], true
	} else {
		return "", false
	}
}

// IsNotEntrant reports whether the verified entry has been overwritten.
func (self *Blob) IsNotEntrant() bool {
	return self.notEntrant.Load()
}

// markNotEntrant flips the flag once, reporting whether this call did.
func (self *Blob) markNotEntrant() bool {
	return self.notEntrant.CompareAndSwap(false, true)
}
