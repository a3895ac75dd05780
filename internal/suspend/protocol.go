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
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/cloudwego/trapasm/internal/rt"
	"github.com/cloudwego/trapasm/internal/signals"
)

// DefaultSignal is used when the configured signal is unusable.
const DefaultSignal = syscall.SIGUSR2

// DefaultTimeout bounds the wait for a thread to acknowledge a request.
const DefaultTimeout = 2 * time.Second

// ErrInvalidState is returned when a thread is not in the state a request
// starts from, which means someone else is suspending or resuming it.
var ErrInvalidState = errors.New("suspend: thread is in the wrong suspend state")

// CheckSignal validates a suspend signal number. It must sort after every
// fault signal and be a real signal.
func CheckSignal(n int) error {
	if n <= int(syscall.SIGSEGV) || n <= int(syscall.SIGBUS) || n >= signals.NSIG {
		return fmt.Errorf("suspend: signal %d must be greater than %d and %d, and less than %d",
			n, int(syscall.SIGSEGV), int(syscall.SIGBUS), signals.NSIG)
	}
	return nil
}

// SignalOrDefault returns n as a signal, or DefaultSignal with a warning if
// it is unusable.
func SignalOrDefault(n int) syscall.Signal {
	if err := CheckSignal(n); err != nil {
		log.Warnf("%v, using %d (%s) instead", err, int(DefaultSignal), DefaultSignal)
		return DefaultSignal
	}
	return syscall.Signal(n)
}

// Stats are the protocol counters.
type Stats struct {
	Suspends  uint64
	Resumes   uint64
	Cancelled uint64
	Ignored   uint64
}

// Protocol suspends and resumes threads with a dedicated signal. The thread
// acknowledges both steps on a semaphore shared by every request, so only
// one request is in flight at any time.
type Protocol struct {
	mu      sync.Mutex
	sig     syscall.Signal
	timeout time.Duration
	sem     *Semaphore

	suspends  atomic.Uint64
	resumes   atomic.Uint64
	cancelled atomic.Uint64
	ignored   atomic.Uint64
}

// New creates a protocol on sig, which must pass CheckSignal.
func New(sig syscall.Signal, timeout time.Duration) (*Protocol, error) {
	if err := CheckSignal(int(sig)); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Protocol{
		sig:     sig,
		timeout: timeout,
		sem:     NewSemaphore(),
	}, nil
}

func (self *Protocol) Signal() syscall.Signal { return self.sig }
func (self *Protocol) Timeout() time.Duration { return self.timeout }

func (self *Protocol) Stats() Stats {
	return Stats{
		Suspends:  self.suspends.Load(),
		Resumes:   self.resumes.Load(),
		Cancelled: self.cancelled.Load(),
		Ignored:   self.ignored.Load(),
	}
}

// DeliverAsync runs the handler of the suspend signal on the target
// thread, every other signal is left alone.
func (self *Protocol) DeliverAsync(t *rt.Thread, sig syscall.Signal, ctx rt.Context) {
	if sig == self.sig {
		self.Handler(t, ctx)
	}
}

// Handler is what the target thread runs when the suspend signal arrives.
// It parks the thread until the resume signal when a suspend was requested,
// and returns immediately when the request was cancelled meanwhile.
func (self *Protocol) Handler(t *rt.Thread, ctx rt.Context) {
	if t.SR.State() != rt.SRSuspendRequest {
		self.ignored.Add(1)
		return
	}

	/* publish the context, then acknowledge */
	t.SetSuspendedContext(ctx)
	defer t.SetSuspendedContext(nil)
	if t.SR.Suspended() != rt.SRSuspended {
		self.ignored.Add(1)
		return
	}
	self.sem.Signal()

	/* wait for the wakeup request, a spurious resume signal leaves us suspended */
	for {
		t.Sigsuspend(self.sig)
		switch st := t.SR.Running(); st {
		case rt.SRRunning:
			self.sem.Signal()
			return
		case rt.SRSuspended:
			continue
		default:
			panic(fmt.Sprintf("suspend: %s woke up in state %s", t, st))
		}
	}
}

// Suspend stops t and returns once it is parked with its context saved. It
// returns false when t did not acknowledge in time and the request could
// be cancelled.
func (self *Protocol) Suspend(t *rt.Thread) (bool, error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.suspend(t)
}

func (self *Protocol) suspend(t *rt.Thread) (bool, error) {
	if t.SR.RequestSuspend() != rt.SRSuspendRequest {
		return false, ErrInvalidState
	}

	/* the request is out, undo it if the signal cannot be queued */
	if err := t.Kill(self.sig); err != nil {
		t.SR.CancelSuspend()
		return false, fmt.Errorf("suspend: cannot signal %s: %w", t, err)
	}

	/* wait for the acknowledgement, then try to take the request back */
	if !self.sem.TimedWait(self.timeout) {
		switch st := t.SR.CancelSuspend(); st {
		case rt.SRRunning:
			self.cancelled.Add(1)
			return false, nil
		case rt.SRSuspended:
			self.sem.Wait()
		default:
			return false, fmt.Errorf("suspend: %s is in state %s after a timeout", t, st)
		}
	}

	/* acknowledged */
	if !t.SR.IsSuspended() {
		return false, fmt.Errorf("suspend: %s acknowledged in state %s", t, t.SR.State())
	}
	self.suspends.Add(1)
	return true, nil
}

// Resume restarts a thread parked by Suspend and returns once it runs.
func (self *Protocol) Resume(t *rt.Thread) error {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.resume(t)
}

func (self *Protocol) resume(t *rt.Thread) error {
	if t.SR.RequestWakeup() != rt.SRWakeupRequest {
		return ErrInvalidState
	}

	/* the signal may be lost to a full inbox, keep sending it until the thread runs */
	for {
		if err := t.Kill(self.sig); err != nil && !errors.Is(err, syscall.EAGAIN) {
			return fmt.Errorf("suspend: cannot signal %s: %w", t, err)
		}
		if self.sem.TimedWait(self.timeout) && t.SR.IsRunning() {
			self.resumes.Add(1)
			return nil
		}
	}
}

// SuspendedThreadTask suspends t, runs fn with the context it was stopped
// at, and resumes it. fn is not called when t could not be suspended.
func (self *Protocol) SuspendedThreadTask(t *rt.Thread, fn func(ctx rt.Context)) (bool, error) {
	self.mu.Lock()
	defer self.mu.Unlock()

	/* stop the thread */
	ok, err := self.suspend(t)
	if !ok || err != nil {
		return false, err
	}

	/* always resume, even if the task panics */
	defer func() {
		if err := self.resume(t); err != nil {
			log.Errorf("suspend: cannot resume %s: %v", t, err)
		}
	}()
	fn(t.SuspendedContext())
	return true, nil
}
