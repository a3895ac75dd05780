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

package suspend

import (
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudwego/trapasm/internal/rt"
)

type fakeContext struct {
	pc uint64
	sp uint64
}

func (self *fakeContext) PC() uint64           { return self.pc }
func (self *fakeContext) SetPC(pc uint64)      { self.pc = pc }
func (self *fakeContext) SP() uint64           { return self.sp }
func (self *fakeContext) FaultAddress() uint64 { return 0 }
func (self *fakeContext) Code() int            { return 0 }

// spinner is a thread that takes its signals between steps of a busy loop,
// its PC counts the steps done.
type spinner struct {
	t    *rt.Thread
	ctx  *fakeContext
	stop chan struct{}
	done chan struct{}
	mu   sync.Mutex
	pc   uint64
}

func startSpinner(t *testing.T, p *Protocol) *spinner {
	s := &spinner{
		t:    rt.NewThread(1, "spinner", rt.ThreadBlock{}, nil),
		ctx:  &fakeContext{pc: 0x1000, sp: 0x2000},
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	s.t.SetState(rt.ThreadInJava)
	go func() {
		defer close(s.done)
		for {
			select {
			case <-s.stop:
				return
			default:
			}
			s.t.CheckSignals(s.ctx, p)
			s.mu.Lock()
			s.ctx.pc += 4
			s.pc = s.ctx.pc
			s.mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		close(s.stop)
		<-s.done
	})
	return s
}

func (self *spinner) progress() uint64 {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.pc
}

func TestSemaphore(t *testing.T) {
	s := NewSemaphore()
	assert.False(t, s.TryWait())
	assert.False(t, s.TimedWait(10*time.Millisecond))
	s.Signal()
	s.Signal()
	assert.True(t, s.TimedWait(time.Second))
	assert.True(t, s.TryWait())
	assert.False(t, s.TryWait())

	go func() {
		time.Sleep(10 * time.Millisecond)
		s.Signal()
	}()
	s.Wait()
}

func TestCheckSignal(t *testing.T) {
	assert.NoError(t, CheckSignal(int(syscall.SIGUSR2)))
	assert.NoError(t, CheckSignal(40))
	assert.Error(t, CheckSignal(int(syscall.SIGUSR1)))
	assert.NoError(t, CheckSignal(64))
	assert.Error(t, CheckSignal(int(syscall.SIGSEGV)))
	assert.Error(t, CheckSignal(int(syscall.SIGBUS)))
	assert.Error(t, CheckSignal(int(syscall.SIGTRAP)))
	assert.Error(t, CheckSignal(65))
	assert.Error(t, CheckSignal(-1))

	assert.Equal(t, syscall.Signal(40), SignalOrDefault(40))
	assert.Equal(t, DefaultSignal, SignalOrDefault(int(syscall.SIGUSR1)))
	assert.Equal(t, DefaultSignal, SignalOrDefault(int(syscall.SIGSEGV)))
	assert.Equal(t, DefaultSignal, SignalOrDefault(100))

	_, err := New(syscall.SIGSEGV, time.Second)
	assert.Error(t, err)
	p, err := New(syscall.SIGUSR2, 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultTimeout, p.Timeout())
	assert.Equal(t, syscall.SIGUSR2, p.Signal())
}

func TestSuspendResume(t *testing.T) {
	p, err := New(syscall.SIGUSR2, 5*time.Second)
	require.NoError(t, err)
	s := startSpinner(t, p)

	/* suspended with its context published, and stays put */
	ok, err := p.Suspend(s.t)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, s.t.SR.IsSuspended())
	ctx := s.t.SuspendedContext()
	require.NotNil(t, ctx)
	assert.Equal(t, uint64(0x2000), ctx.SP())
	at := s.progress()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, at, s.progress())

	/* resumed, the context is gone and the thread moves again */
	require.NoError(t, p.Resume(s.t))
	assert.True(t, s.t.SR.IsRunning())
	assert.Eventually(t, func() bool { return s.progress() > at }, 5*time.Second, time.Millisecond)
	assert.Eventually(t, func() bool { return s.t.SuspendedContext() == nil }, 5*time.Second, time.Millisecond)

	/* resuming a running thread is refused */
	assert.ErrorIs(t, p.Resume(s.t), ErrInvalidState)

	/* and it can be suspended again */
	ok, err = p.Suspend(s.t)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, p.Resume(s.t))

	st := p.Stats()
	assert.Equal(t, uint64(2), st.Suspends)
	assert.Equal(t, uint64(2), st.Resumes)
	assert.Zero(t, st.Cancelled)
}

func TestSuspendedThreadTask(t *testing.T) {
	p, err := New(syscall.SIGUSR2, 5*time.Second)
	require.NoError(t, err)
	s := startSpinner(t, p)

	var seen uint64
	ok, err := p.SuspendedThreadTask(s.t, func(ctx rt.Context) {
		assert.True(t, s.t.SR.IsSuspended())
		seen = ctx.PC()
	})
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotZero(t, seen)
	assert.True(t, s.t.SR.IsRunning())
}

func TestSuspendCancelled(t *testing.T) {
	p, err := New(syscall.SIGUSR2, 20*time.Millisecond)
	require.NoError(t, err)

	/* nobody takes the signal, so the request times out and is taken back */
	th := rt.NewThread(2, "idle", rt.ThreadBlock{}, nil)
	ok, err := p.Suspend(th)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, rt.SRRunning, th.SR.State())
	assert.Equal(t, uint64(1), p.Stats().Cancelled)

	/* the stale signal is ignored once the thread gets to it */
	th.CheckSignals(&fakeContext{}, p)
	assert.Equal(t, rt.SRRunning, th.SR.State())
	assert.Nil(t, th.SuspendedContext())
	assert.Equal(t, uint64(1), p.Stats().Ignored)

	ran := false
	ok, err = p.SuspendedThreadTask(th, func(rt.Context) { ran = true })
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, ran)
}

func TestSuspendInboxFull(t *testing.T) {
	p, err := New(syscall.SIGUSR2, time.Second)
	require.NoError(t, err)
	th := rt.NewThread(3, "full", rt.ThreadBlock{}, nil)
	for th.Kill(syscall.SIGUSR1) == nil {
	}
	ok, err := p.Suspend(th)
	assert.ErrorIs(t, err, syscall.EAGAIN)
	assert.False(t, ok)
	assert.Equal(t, rt.SRRunning, th.SR.State())
}

func TestHandlerKeepsOtherSignalsPending(t *testing.T) {
	p, err := New(syscall.SIGUSR2, 5*time.Second)
	require.NoError(t, err)
	s := startSpinner(t, p)

	ok, err := p.Suspend(s.t)
	require.NoError(t, err)
	require.True(t, ok)

	/* a foreign signal does not wake the thread up */
	require.NoError(t, s.t.Kill(syscall.SIGUSR1))
	time.Sleep(10 * time.Millisecond)
	assert.True(t, s.t.SR.IsSuspended())
	require.NoError(t, p.Resume(s.t))
}
