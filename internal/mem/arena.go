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
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	_AP = unix.MAP_ANON | unix.MAP_PRIVATE
	_RW = unix.PROT_READ | unix.PROT_WRITE
)

// PageSize is the host page size, used as the granularity of every region.
var PageSize = uint64(unix.Getpagesize())

// Arena is a contiguous block of target memory starting at a fixed target
// address. The backing store is an anonymous host mapping accessed only
// through aligned doubleword atomics, and the target view is little-endian
// independently of the host byte order.
type Arena struct {
	base uint64
	size uint64
	raw  []byte
	dw   []uint64
}

// NewArena maps size bytes (rounded up to pages) that will be addressed as
// [base, base+size) by target code. base must be page aligned.
func NewArena(base uint64, size uint64) (*Arena, error) {
	if base%PageSize != 0 {
		return nil, fmt.Errorf("mem: arena base %#x is not page aligned", base)
	}

	/* align the size to pages */
	nb := AlignUp(size, PageSize)
	if nb == 0 {
		return nil, fmt.Errorf("mem: empty arena at %#x", base)
	}

	/* allocate a block of memory */
	mm, err := unix.Mmap(-1, 0, int(nb), _RW, _AP)
	if err != nil {
		return nil, fmt.Errorf("mem: cannot map %d bytes: %w", nb, err)
	}

	/* doubleword view of the mapping, mappings are always page aligned */
	return &Arena{
		base: base,
		size: nb,
		raw:  mm,
		dw:   unsafe.Slice((*uint64)(unsafe.Pointer(&mm[0])), nb/8),
	}, nil
}

// Close releases the host mapping. The arena must not be used afterwards.
func (self *Arena) Close() error {
	if self.raw == nil {
		return nil
	}
	raw := self.raw
	self.raw, self.dw = nil, nil
	return unix.Munmap(raw)
}

func (self *Arena) Base() uint64 { return self.base }
func (self *Arena) Size() uint64 { return self.size }
func (self *Arena) End() uint64  { return self.base + self.size }

// Contains reports whether [addr, addr+n) lies within the arena.
func (self *Arena) Contains(addr uint64, n uint64) bool {
	return addr >= self.base && addr-self.base <= self.size && n <= self.size-(addr-self.base)
}

func (self *Arena) slot(addr uint64, align uint64) *uint64 {
	if addr&(align-1) != 0 {
		panic(fmt.Sprintf("mem: misaligned access of %d bytes at %#x", align, addr))
	}
	if !self.Contains(addr, align) {
		panic(fmt.Sprintf("mem: access at %#x outside of arena [%#x, %#x)", addr, self.base, self.End()))
	}
	return &self.dw[(addr-self.base)>>3]
}

func lane32(addr uint64) uint64 { return (addr & 4) * 8 }
func lane8(addr uint64) uint64  { return (addr & 7) * 8 }

// Load64 atomically reads the doubleword at addr (8-byte aligned).
func (self *Arena) Load64(addr uint64) uint64 {
	return atomic.LoadUint64(self.slot(addr, 8))
}

// Store64 atomically writes the doubleword at addr (8-byte aligned).
func (self *Arena) Store64(addr uint64, v uint64) {
	atomic.StoreUint64(self.slot(addr, 8), v)
}

// CAS64 atomically replaces the doubleword at addr if it still holds old.
func (self *Arena) CAS64(addr uint64, old uint64, new uint64) bool {
	return atomic.CompareAndSwapUint64(self.slot(addr, 8), old, new)
}

// Load32 atomically reads the word at addr (4-byte aligned).
func (self *Arena) Load32(addr uint64) uint32 {
	return uint32(atomic.LoadUint64(self.slot(addr&^7, 8)) >> lane32(addr))
}

// Store32 atomically writes the word at addr, leaving the other half of the
// containing doubleword untouched.
func (self *Arena) Store32(addr uint64, v uint32) {
	if addr&3 != 0 {
		panic(fmt.Sprintf("mem: misaligned access of 4 bytes at %#x", addr))
	}
	p := self.slot(addr&^7, 8)
	sh := lane32(addr)
	for {
		old := atomic.LoadUint64(p)
		if atomic.CompareAndSwapUint64(p, old, old&^(0xffffffff<<sh)|uint64(v)<<sh) {
			return
		}
	}
}

// CAS32 atomically replaces the word at addr if it still holds old.
func (self *Arena) CAS32(addr uint64, old uint32, new uint32) bool {
	if addr&3 != 0 {
		panic(fmt.Sprintf("mem: misaligned access of 4 bytes at %#x", addr))
	}
	p := self.slot(addr&^7, 8)
	sh := lane32(addr)
	for {
		cur := atomic.LoadUint64(p)
		if uint32(cur>>sh) != old {
			return false
		}
		if atomic.CompareAndSwapUint64(p, cur, cur&^(0xffffffff<<sh)|uint64(new)<<sh) {
			return true
		}
	}
}

// Load8 reads one byte.
func (self *Arena) Load8(addr uint64) uint8 {
	return uint8(atomic.LoadUint64(self.slot(addr&^7, 8)) >> lane8(addr))
}

// Store8 writes one byte.
func (self *Arena) Store8(addr uint64, v uint8) {
	p := self.slot(addr&^7, 8)
	sh := lane8(addr)
	for {
		old := atomic.LoadUint64(p)
		if atomic.CompareAndSwapUint64(p, old, old&^(0xff<<sh)|uint64(v)<<sh) {
			return
		}
	}
}

// ReadBytes returns a little-endian copy of n bytes starting at addr.
func (self *Arena) ReadBytes(addr uint64, n int) []byte {
	buf := make([]byte, n)
	for i := 0; i < n; {
		if a := addr + uint64(i); a&7 == 0 && n-i >= 8 {
			binary.LittleEndian.PutUint64(buf[i:], self.Load64(a))
			i += 8
		} else {
			buf[i] = self.Load8(a)
			i++
		}
	}
	return buf
}

// WriteBytes stores little-endian bytes starting at addr.
func (self *Arena) WriteBytes(addr uint64, buf []byte) {
	for i := 0; i < len(buf); {
		if a := addr + uint64(i); a&7 == 0 && len(buf)-i >= 8 {
			self.Store64(a, binary.LittleEndian.Uint64(buf[i:]))
			i += 8
		} else {
			self.Store8(a, buf[i])
			i++
		}
	}
}

// ReadWords returns n instruction words starting at addr.
func (self *Arena) ReadWords(addr uint64, n int) []uint32 {
	ret := make([]uint32, n)
	for i := range ret {
		ret[i] = self.Load32(addr + uint64(i)*4)
	}
	return ret
}

// AlignUp rounds n up to a multiple of a, which must be a power of two.
func AlignUp(n uint64, a uint64) uint64 {
	return (n + a - 1) &^ (a - 1)
}
