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

package rt

import (
	"sync"
)

// Memory is the word level view of target memory used by the runtime model.
type Memory interface {
	Load32(addr uint64) uint32
	Store32(addr uint64, v uint32)
	Load64(addr uint64) uint64
	Store64(addr uint64, v uint64)
}

// Heap is a bump allocator over a window of target memory. It hands out
// thread blocks, objects and monitors, nothing is ever freed.
type Heap struct {
	mu   sync.Mutex
	mem  Memory
	next uint64
	end  uint64
}

func NewHeap(mem Memory, base uint64, size uint64) *Heap {
	return &Heap{mem: mem, next: base, end: base + size}
}

func (self *Heap) Memory() Memory {
	return self.mem
}

// Alloc returns size zeroed bytes aligned to 16 bytes, or 0 if the heap
// is exhausted.
func (self *Heap) Alloc(size uint64) uint64 {
	self.mu.Lock()
	defer self.mu.Unlock()
	p := (self.next + 15) &^ 15
	if p+size > self.end || p+size < p {
		return 0
	}
	for a := p; a < p+size; a += WordSize {
		self.mem.Store64(a, 0)
	}
	self.next = p + size
	return p
}

func (self *Heap) mustAlloc(size uint64) uint64 {
	if p := self.Alloc(size); p == 0 {
		panic("rt: target heap exhausted")
	} else {
		return p
	}
}

// NewObject allocates an unlocked object of the given klass.
func (self *Heap) NewObject(klass uint64) uint64 {
	p := self.mustAlloc(ObjectHeaderSize)
	self.mem.Store64(p+MarkOffset, UnlockedValue)
	self.mem.Store64(p+KlassOffset, klass)
	return p
}

// NewMonitor allocates an unowned monitor.
func (self *Heap) NewMonitor() uint64 {
	return self.mustAlloc(ObjectMonitorSize)
}

// NewBasicLock allocates a lock record.
func (self *Heap) NewBasicLock() uint64 {
	return self.mustAlloc(BasicLockSize)
}

// Mark returns the mark word of obj.
func Mark(mem Memory, obj uint64) uint64 {
	return mem.Load64(obj + MarkOffset)
}

// IsInflated reports whether the mark word of obj points to a monitor.
func IsInflated(mem Memory, obj uint64) bool {
	return Mark(mem, obj)&LockMaskInPlace == MonitorValue
}

// Inflate installs monitor as the lock of obj, owned by owner (0 if none)
// with the given recursion count.
func Inflate(mem Memory, obj uint64, monitor uint64, owner uint64, recursions uint64) {
	mem.Store64(monitor+MonitorHeaderOffset, Mark(mem, obj))
	mem.Store64(monitor+MonitorOwnerOffset, owner)
	mem.Store64(monitor+MonitorRecursionsOffset, recursions)
	mem.Store64(obj+MarkOffset, monitor|MonitorValue)
}

// MonitorOf returns the monitor of an inflated object.
func MonitorOf(mem Memory, obj uint64) uint64 {
	if m := Mark(mem, obj); m&LockMaskInPlace != MonitorValue {
		panic("rt: object is not inflated")
	} else {
		return m &^ LockMaskInPlace
	}
}

// ThreadBlock is the target side of a thread.
type ThreadBlock struct {
	Mem  Memory
	Addr uint64
}

// Init resets the block: empty lock stack, empty monitor cache, disarmed poll.
func (self ThreadBlock) Init(pollPage uint64) {
	for off := uint64(0); off < ThreadSize; off += WordSize {
		self.Mem.Store64(self.Addr+off, 0)
	}
	self.Mem.Store64(self.Addr+ThreadPollingWordOffset, PollWordDisarmed)
	self.Mem.Store64(self.Addr+ThreadPollingPageOffset, pollPage)
	self.Mem.Store64(self.Addr+ThreadLockStackSentinel, BadOopSentinel)
	self.Mem.Store32(self.Addr+ThreadLockStackTopOffset, ThreadLockStackBase)
}

// ArmPoll sets or clears the thread-local polling word.
func (self ThreadBlock) ArmPoll(armed bool) {
	if armed {
		self.Mem.Store64(self.Addr+ThreadPollingWordOffset, PollWordArmed)
	} else {
		self.Mem.Store64(self.Addr+ThreadPollingWordOffset, PollWordDisarmed)
	}
}

// LockStackTop returns the byte offset of the first free lock stack entry.
func (self ThreadBlock) LockStackTop() uint32 {
	return self.Mem.Load32(self.Addr + ThreadLockStackTopOffset)
}

// LockStack returns the objects currently on the lock stack, bottom first.
func (self ThreadBlock) LockStack() []uint64 {
	var ret []uint64
	for off := uint64(ThreadLockStackBase); off < uint64(self.LockStackTop()); off += WordSize {
		ret = append(ret, self.Mem.Load64(self.Addr+off))
	}
	return ret
}

// Push adds obj to the lock stack, reporting false when it is full.
func (self ThreadBlock) Push(obj uint64) bool {
	top := self.LockStackTop()
	if top >= ThreadLockStackEnd {
		return false
	}
	self.Mem.Store64(self.Addr+uint64(top), obj)
	self.Mem.Store32(self.Addr+ThreadLockStackTopOffset, top+WordSize)
	return true
}

// OMCacheSlot returns the direct-mapped monitor cache slot of obj.
func OMCacheSlot(obj uint64) uint64 {
	return (obj >> 3) & (OMCacheEntries - 1)
}

// CacheMonitor records monitor for obj in the monitor cache, preferring the
// direct-mapped slot and falling back to the first empty entry. It reports
// false when the cache is full.
func (self ThreadBlock) CacheMonitor(obj uint64, monitor uint64) bool {
	slot := func(i uint64) uint64 { return self.Addr + ThreadOMCacheOffset + i*OMCacheEntrySize }

	/* direct hit, or reuse of the entry for the same object */
	if p := slot(OMCacheSlot(obj)); self.Mem.Load64(p) == 0 || self.Mem.Load64(p) == obj {
		self.Mem.Store64(p+OMCacheOopToMonitor, monitor)
		self.Mem.Store64(p, obj)
		return true
	}

	/* linear probe for the first empty entry */
	for i := uint64(0); i < OMCacheEntries; i++ {
		if p := slot(i); self.Mem.Load64(p) == 0 {
			self.Mem.Store64(p+OMCacheOopToMonitor, monitor)
			self.Mem.Store64(p, obj)
			return true
		}
	}
	return false
}

// ClearMonitorCache drops every cached monitor.
func (self ThreadBlock) ClearMonitorCache() {
	for off := uint64(ThreadOMCacheOffset); off < ThreadOMCacheEnd; off += WordSize {
		self.Mem.Store64(self.Addr+off, 0)
	}
}

// UnlockedInflatedMonitor returns the monitor left behind by a fast unlock
// that needs the slow path to wake a successor.
func (self ThreadBlock) UnlockedInflatedMonitor() uint64 {
	return self.Mem.Load64(self.Addr + ThreadUnlockedInflated)
}
