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

package mem

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"
)

// Prot is the access protection of a region.
type Prot uint32

const (
	ProtNone  Prot = 0
	ProtRead  Prot = 1
	ProtWrite Prot = 2
	ProtExec  Prot = 4

	ProtRW  = ProtRead | ProtWrite
	ProtRX  = ProtRead | ProtExec
	ProtRWX = ProtRead | ProtWrite | ProtExec
)

// Fault codes, the si_code values the kernel reports for memory faults.
const (
	SEGV_MAPERR = 1
	SEGV_ACCERR = 2
	BUS_ADRALN  = 1
	BUS_ADRERR  = 2
)

// Fault describes a memory access that the hardware would refuse.
type Fault struct {
	Signal syscall.Signal
	Code   int
	Addr   uint64
}

func (self *Fault) Error() string {
	return fmt.Sprintf("%s (code %d) at %#x", self.Signal, self.Code, self.Addr)
}

// Region is a named, page granular window of an arena with its own
// protection. Several regions may share one arena.
type Region struct {
	Name  string
	Base  uint64
	Size  uint64
	Arena *Arena
	prot  atomic.Uint32
	trunc atomic.Bool
}

func (self *Region) End() uint64 { return self.Base + self.Size }
func (self *Region) Contains(addr uint64) bool { return addr >= self.Base && addr-self.Base < self.Size }
func (self *Region) Prot() Prot { return Prot(self.prot.Load()) }
func (self *Region) Protect(p Prot) { self.prot.Store(uint32(p)) }
func (self *Region) Truncated() bool { return self.trunc.Load() }

// Truncate marks the region as backed by a file that has shrunk, every
// access raises SIGBUS afterwards, until the mark is cleared.
func (self *Region) Truncate(v bool) { self.trunc.Store(v) }

// AddressSpace is the set of target regions. Lookups are lock-free against
// an immutable snapshot, mapping replaces the snapshot under a lock.
type AddressSpace struct {
	mu   sync.Mutex
	regs atomic.Pointer[[]*Region]
}

func NewAddressSpace() *AddressSpace {
	ret := new(AddressSpace)
	ret.regs.Store(new([]*Region))
	return ret
}

// Map exposes [base, base+size) of arena as a new region. The range must be
// page aligned, inside the arena and must not overlap an existing region.
func (self *AddressSpace) Map(name string, arena *Arena, base uint64, size uint64, prot Prot) (*Region, error) {
	if base%PageSize != 0 || size%PageSize != 0 || size == 0 {
		return nil, fmt.Errorf("mem: region %s [%#x, +%#x) is not page aligned", name, base, size)
	}
	if !arena.Contains(base, size) {
		return nil, fmt.Errorf("mem: region %s [%#x, +%#x) is outside of its arena", name, base, size)
	}

	/* copy-on-write the region list */
	self.mu.Lock()
	defer self.mu.Unlock()
	old := *self.regs.Load()
	for _, r := range old {
		if base < r.End() && r.Base < base+size {
			return nil, fmt.Errorf("mem: region %s overlaps %s", name, r.Name)
		}
	}

	/* insert in address order */
	reg := &Region{Name: name, Base: base, Size: size, Arena: arena}
	reg.Protect(prot)
	regs := append(append(make([]*Region, 0, len(old)+1), old...), reg)
	sort.Slice(regs, func(i, j int) bool { return regs[i].Base < regs[j].Base })
	self.regs.Store(&regs)
	return reg, nil
}

// MapArena exposes a whole arena as one region.
func (self *AddressSpace) MapArena(name string, arena *Arena, prot Prot) (*Region, error) {
	return self.Map(name, arena, arena.Base(), arena.Size(), prot)
}

// Unmap removes a region, the arena is not released.
func (self *AddressSpace) Unmap(reg *Region) {
	self.mu.Lock()
	defer self.mu.Unlock()
	old := *self.regs.Load()
	regs := make([]*Region, 0, len(old))
	for _, r := range old {
		if r != reg {
			regs = append(regs, r)
		}
	}
	self.regs.Store(&regs)
}

// Find returns the region containing addr, or nil.
func (self *AddressSpace) Find(addr uint64) *Region {
	regs := *self.regs.Load()
	i := sort.Search(len(regs), func(i int) bool { return regs[i].End() > addr })
	if i < len(regs) && regs[i].Contains(addr) {
		return regs[i]
	} else {
		return nil
	}
}

// Regions returns the current snapshot of the region list.
func (self *AddressSpace) Regions() []*Region {
	return *self.regs.Load()
}

func (self *AddressSpace) check(addr uint64, n uint64, want Prot) (*Region, *Fault) {
	if addr&(n-1) != 0 {
		return nil, &Fault{Signal: unix.SIGBUS, Code: BUS_ADRALN, Addr: addr}
	}
	reg := self.Find(addr)
	if reg == nil {
		return nil, &Fault{Signal: unix.SIGSEGV, Code: SEGV_MAPERR, Addr: addr}
	}
	if reg.Prot()&want != want {
		return nil, &Fault{Signal: unix.SIGSEGV, Code: SEGV_ACCERR, Addr: addr}
	}
	if reg.Truncated() {
		return nil, &Fault{Signal: unix.SIGBUS, Code: BUS_ADRERR, Addr: addr}
	}
	return reg, nil
}

// Fetch reads the instruction word at addr, which must be executable.
func (self *AddressSpace) Fetch(addr uint64) (uint32, *Fault) {
	if reg, f := self.check(addr, 4, ProtExec); f != nil {
		return 0, f
	} else {
		return reg.Arena.Load32(addr), nil
	}
}

func (self *AddressSpace) Load8(addr uint64) (uint8, *Fault) {
	if reg, f := self.check(addr, 1, ProtRead); f != nil {
		return 0, f
	} else {
		return reg.Arena.Load8(addr), nil
	}
}

func (self *AddressSpace) Load32(addr uint64) (uint32, *Fault) {
	if reg, f := self.check(addr, 4, ProtRead); f != nil {
		return 0, f
	} else {
		return reg.Arena.Load32(addr), nil
	}
}

func (self *AddressSpace) Load64(addr uint64) (uint64, *Fault) {
	if reg, f := self.check(addr, 8, ProtRead); f != nil {
		return 0, f
	} else {
		return reg.Arena.Load64(addr), nil
	}
}

func (self *AddressSpace) Store8(addr uint64, v uint8) *Fault {
	reg, f := self.check(addr, 1, ProtWrite)
	if f == nil {
		reg.Arena.Store8(addr, v)
	}
	return f
}

func (self *AddressSpace) Store32(addr uint64, v uint32) *Fault {
	reg, f := self.check(addr, 4, ProtWrite)
	if f == nil {
		reg.Arena.Store32(addr, v)
	}
	return f
}

func (self *AddressSpace) Store64(addr uint64, v uint64) *Fault {
	reg, f := self.check(addr, 8, ProtWrite)
	if f == nil {
		reg.Arena.Store64(addr, v)
	}
	return f
}

// CAS64 is the store-conditional primitive, it requires write access.
func (self *AddressSpace) CAS64(addr uint64, old uint64, new uint64) (bool, *Fault) {
	if reg, f := self.check(addr, 8, ProtWrite); f != nil {
		return false, f
	} else {
		return reg.Arena.CAS64(addr, old, new), nil
	}
}
