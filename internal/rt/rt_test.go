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
	"syscall"
	"testing"

	"github.com/cloudwego/trapasm/internal/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBase = 0x200000000

func newTestHeap(t *testing.T) *Heap {
	a, err := mem.NewArena(testBase, 4*mem.PageSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return NewHeap(a, testBase, 4*mem.PageSize)
}

func TestHeap_Objects(t *testing.T) {
	h := newTestHeap(t)
	obj := h.NewObject(0xcafe)
	assert.Zero(t, obj&15)
	assert.Equal(t, uint64(UnlockedValue), Mark(h.Memory(), obj))
	assert.Equal(t, uint64(0xcafe), h.Memory().Load64(obj+KlassOffset))
	assert.False(t, IsInflated(h.Memory(), obj))

	mon := h.NewMonitor()
	Inflate(h.Memory(), obj, mon, 0x1234, 2)
	assert.True(t, IsInflated(h.Memory(), obj))
	assert.Equal(t, mon, MonitorOf(h.Memory(), obj))
	assert.Equal(t, uint64(UnlockedValue), h.Memory().Load64(mon+MonitorHeaderOffset))
	assert.Equal(t, uint64(0x1234), h.Memory().Load64(mon+MonitorOwnerOffset))
	assert.Equal(t, uint64(2), h.Memory().Load64(mon+MonitorRecursionsOffset))
	assert.Panics(t, func() { MonitorOf(h.Memory(), h.NewObject(0)) })
}

func TestHeap_Exhaustion(t *testing.T) {
	h := newTestHeap(t)
	assert.NotZero(t, h.Alloc(3*mem.PageSize))
	assert.Zero(t, h.Alloc(2*mem.PageSize))
	assert.Panics(t, func() { h.NewMonitor(); h.mustAlloc(2 * mem.PageSize) })
}

func TestThreadBlock_LockStack(t *testing.T) {
	h := newTestHeap(t)
	tb := ThreadBlock{Mem: h.Memory(), Addr: h.Alloc(ThreadSize)}
	tb.Init(0x5000)
	assert.Equal(t, uint32(ThreadLockStackBase), tb.LockStackTop())
	assert.Empty(t, tb.LockStack())
	assert.Equal(t, BadOopSentinel, h.Memory().Load64(tb.Addr+ThreadLockStackSentinel))
	assert.Equal(t, PollWordDisarmed, h.Memory().Load64(tb.Addr+ThreadPollingWordOffset))

	for i := uint64(1); i <= LockStackCapacity; i++ {
		require.True(t, tb.Push(i*16))
	}
	assert.False(t, tb.Push(0x1000))
	assert.Len(t, tb.LockStack(), LockStackCapacity)
	assert.Equal(t, uint64(16), tb.LockStack()[0])

	tb.ArmPoll(true)
	assert.Equal(t, PollWordArmed, h.Memory().Load64(tb.Addr+ThreadPollingWordOffset))
}

func TestThreadBlock_MonitorCache(t *testing.T) {
	h := newTestHeap(t)
	tb := ThreadBlock{Mem: h.Memory(), Addr: h.Alloc(ThreadSize)}
	tb.Init(0)
	entry := func(i uint64) (uint64, uint64) {
		p := tb.Addr + ThreadOMCacheOffset + i*OMCacheEntrySize
		return h.Memory().Load64(p), h.Memory().Load64(p + OMCacheOopToMonitor)
	}

	/* direct slot */
	obj := uint64(0x1000 + 5*8)
	require.True(t, tb.CacheMonitor(obj, 0xaaa0))
	o, m := entry(OMCacheSlot(obj))
	assert.Equal(t, obj, o)
	assert.Equal(t, uint64(0xaaa0), m)

	/* collision falls back to the first empty entry */
	other := obj + OMCacheEntries*8
	assert.Equal(t, OMCacheSlot(obj), OMCacheSlot(other))
	require.True(t, tb.CacheMonitor(other, 0xbbb0))
	o, m = entry(0)
	assert.Equal(t, other, o)
	assert.Equal(t, uint64(0xbbb0), m)

	/* fill it up, the sentinel entry stays null */
	for i := uint64(1); i < OMCacheEntries*4; i++ {
		tb.CacheMonitor(obj+i*OMCacheEntries*8, i)
	}
	o, _ = entry(OMCacheEntries)
	assert.Zero(t, o)
	assert.False(t, tb.CacheMonitor(0x9990, 1))

	tb.ClearMonitorCache()
	o, _ = entry(0)
	assert.Zero(t, o)
}

func TestSuspendResume_Transitions(t *testing.T) {
	var sr SuspendResume
	assert.True(t, sr.IsRunning())
	assert.Equal(t, SRRunning, sr.Suspended())
	assert.Equal(t, SRSuspendRequest, sr.RequestSuspend())
	assert.Equal(t, SRSuspendRequest, sr.RequestSuspend())
	assert.Equal(t, SRSuspended, sr.Suspended())
	assert.Equal(t, SRSuspended, sr.CancelSuspend())
	assert.Equal(t, SRWakeupRequest, sr.RequestWakeup())
	assert.Equal(t, SRRunning, sr.Running())
	assert.Equal(t, SRSuspendRequest, sr.RequestSuspend())
	assert.Equal(t, SRRunning, sr.CancelSuspend())
	assert.Equal(t, "SUSPEND_REQUEST", SRSuspendRequest.String())
}

func TestSuspendResume_SingleWinner(t *testing.T) {
	var sr SuspendResume
	wins := make(chan SRState, 64)
	wg := sync.WaitGroup{}
	for i := 0; i < 32; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); sr.RequestSuspend() }()
		go func() {
			defer wg.Done()
			if sr.State() == SRSuspendRequest {
				if s := sr.Suspended(); s == SRSuspended {
					wins <- s
				}
			}
		}()
	}
	wg.Wait()
	close(wins)
	assert.LessOrEqual(t, len(wins), 1)
}

type recordSink struct {
	sigs []syscall.Signal
}

func (self *recordSink) DeliverAsync(_ *Thread, sig syscall.Signal, _ Context) {
	self.sigs = append(self.sigs, sig)
}

func TestThread_SignalInbox(t *testing.T) {
	th := NewThread(1, "main", ThreadBlock{}, nil)
	require.NoError(t, th.Kill(syscall.SIGUSR1))
	require.NoError(t, th.Kill(syscall.SIGUSR2))
	require.NoError(t, th.Kill(syscall.SIGPROF))

	/* only SIGUSR2 wakes the suspended thread, the rest stays pending */
	th.Sigsuspend(syscall.SIGUSR2)
	sink := new(recordSink)
	th.CheckSignals(nil, sink)
	assert.Equal(t, []syscall.Signal{syscall.SIGUSR1, syscall.SIGPROF}, sink.sigs)

	for i := 0; i < _SignalQueueSize; i++ {
		require.NoError(t, th.Kill(syscall.SIGUSR1))
	}
	assert.Equal(t, syscall.EAGAIN, th.Kill(syscall.SIGUSR1))
}

func TestThread_StackGuard(t *testing.T) {
	a, err := mem.NewArena(testBase, 8*mem.PageSize)
	require.NoError(t, err)
	defer a.Close()
	as := mem.NewAddressSpace()
	red, _ := as.Map("red", a, testBase, mem.PageSize, mem.ProtNone)
	yellow, _ := as.Map("yellow", a, testBase+mem.PageSize, mem.PageSize, mem.ProtNone)
	reserved, _ := as.Map("reserved", a, testBase+2*mem.PageSize, mem.PageSize, mem.ProtNone)
	sg := &StackGuard{Low: testBase, High: testBase + 8*mem.PageSize, Red: red, Yellow: yellow, Reserved: reserved}

	assert.Equal(t, ZoneRed, sg.ZoneOf(testBase+8))
	assert.Equal(t, ZoneYellow, sg.ZoneOf(testBase+mem.PageSize))
	assert.Equal(t, ZoneReserved, sg.ZoneOf(testBase+3*mem.PageSize-8))
	assert.Equal(t, ZoneNone, sg.ZoneOf(testBase+3*mem.PageSize))
	assert.True(t, sg.Contains(testBase+3*mem.PageSize))
	assert.Equal(t, ZoneNone, (*StackGuard)(nil).ZoneOf(testBase))

	assert.True(t, sg.YellowReservedEnabled())
	sg.DisableYellowReserved()
	assert.False(t, sg.YellowReservedEnabled())
	assert.True(t, sg.RedEnabled())
	sg.EnableYellowReserved()
	assert.True(t, sg.YellowReservedEnabled())
	sg.DisableRed()
	assert.False(t, sg.RedEnabled())
}

func TestThreads_Registry(t *testing.T) {
	reg := NewThreads()
	for i := 0; i < 4; i++ {
		reg.Add(NewThread(reg.NextID(), "worker", ThreadBlock{}, nil))
	}
	assert.Equal(t, 4, reg.Len())
	th := reg.Find(3)
	require.NotNil(t, th)
	reg.Remove(th)
	assert.Nil(t, reg.Find(3))

	var ids []int64
	reg.Range(func(t *Thread) bool { ids = append(ids, t.ID); return true })
	assert.Equal(t, []int64{1, 2, 4}, ids)
}

func TestStubs_Table(t *testing.T) {
	var st Stubs
	assert.Error(t, st.Validate())
	assert.Panics(t, func() { st.Get(StubICMiss) })
	for k := range st {
		st[k] = 0x10000 + uint64(k)*0x100
	}
	require.NoError(t, st.Validate())
	assert.Equal(t, uint64(0x10500), st.Get(StubICMiss))
	k, ok := st.Lookup(0x10300)
	assert.True(t, ok)
	assert.Equal(t, StubPollReturn, k)
	assert.Equal(t, "wrong_method", StubWrongMethod.String())
}
