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

// WordSize is the size of a target pointer.
const WordSize = 8

// Object header.
const (
	MarkOffset       = 0
	KlassOffset      = 8
	ObjectHeaderSize = 16
)

// Lock bits of the mark word.
const (
	LockMaskInPlace = 0x3
	LockedValue     = 0x0
	UnlockedValue   = 0x1
	MonitorValue    = 0x2
)

// BasicLock is the on-stack lock record. Stack-locking keeps the displaced
// mark word in it, lightweight locking uses the same slot as a monitor cache.
const (
	DisplacedHeaderOffset    = 0
	ObjectMonitorCacheOffset = 0
	BasicLockSize            = 8
)

// ObjectMonitor is the inflated, out-of-line lock.
const (
	MonitorHeaderOffset     = 0
	MonitorOwnerOffset      = 8
	MonitorRecursionsOffset = 16
	MonitorCxqOffset        = 24
	MonitorEntryListOffset  = 32
	MonitorSuccOffset       = 40
	ObjectMonitorSize       = 48
)

// Thread block, the per-thread data addressed by the thread register.
const (
	ThreadPollingWordOffset  = 0
	ThreadPollingPageOffset  = 8
	ThreadLockStackTopOffset = 16
	ThreadLockStackSentinel  = 24
	ThreadLockStackBase      = 32
	LockStackCapacity        = 8
	ThreadLockStackEnd       = ThreadLockStackBase + LockStackCapacity*WordSize

	ThreadOMCacheOffset    = ThreadLockStackEnd
	OMCacheEntries         = 8
	OMCacheEntrySize       = 16
	OMCacheOopToMonitor    = 8
	ThreadOMCacheEnd       = ThreadOMCacheOffset + (OMCacheEntries+1)*OMCacheEntrySize
	ThreadUnlockedInflated = ThreadOMCacheEnd

	ThreadSize = 256
)

// Polling word values, the return poll traps when SP > polling word.
const (
	PollWordArmed    = uint64(1)
	PollWordDisarmed = ^uint64(1)
)

// BadOopSentinel sits right below the lock stack so the recursion check on
// an empty lock stack never matches a real object.
const BadOopSentinel = uint64(1)
