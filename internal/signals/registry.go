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

package signals

import (
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/dc0d/onexit"
	log "github.com/sirupsen/logrus"

	"github.com/cloudwego/trapasm/internal/rt"
)

// NSIG is one past the largest signal number on linux.
const NSIG = 65

// HandledSignals are the synchronous signals the dispatcher is installed for.
var HandledSignals = []syscall.Signal{
	syscall.SIGSEGV,
	syscall.SIGBUS,
	syscall.SIGILL,
	syscall.SIGTRAP,
	syscall.SIGFPE,
}

// Handler is a signal handler installed by someone else before us. It
// reports whether it took care of the signal.
type Handler interface {
	Handle(sig syscall.Signal, ctx Context, t *rt.Thread) bool
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(sig syscall.Signal, ctx Context, t *rt.Thread) bool

func (self HandlerFunc) Handle(sig syscall.Signal, ctx Context, t *rt.Thread) bool {
	return self(sig, ctx, t)
}

type _Chained struct {
	h Handler
}

// Registry is the per process signal table: which signals we handle and the
// handlers they displaced. Lookups are lock free so they can happen from
// inside a handler.
type Registry struct {
	mu        sync.Mutex
	disp      atomic.Pointer[Dispatcher]
	installed [NSIG]atomic.Bool
	chained   [NSIG]atomic.Pointer[_Chained]
	teardown  sync.Once
}

func NewRegistry() *Registry {
	return new(Registry)
}

func checkSignal(sig syscall.Signal) error {
	if sig <= 0 || sig >= NSIG {
		return fmt.Errorf("signals: invalid signal number %d", int(sig))
	} else {
		return nil
	}
}

// Install routes every handled signal to d. The registry is torn down when
// the process exits.
func (self *Registry) Install(d *Dispatcher) error {
	self.mu.Lock()
	defer self.mu.Unlock()

	/* only one dispatcher per registry */
	if !self.disp.CompareAndSwap(nil, d) {
		return fmt.Errorf("signals: a dispatcher is already installed")
	}

	/* take over the trap signals */
	d.registry = self
	for _, sig := range HandledSignals {
		self.installed[sig].Store(true)
	}

	/* give the signals back on exit */
	self.teardown.Do(func() { onexit.Register(self.Uninstall) })
	log.Debugf("signals: dispatcher installed for %v", HandledSignals)
	return nil
}

// Uninstall gives every signal back to its chained handler, or to the
// default disposition.
func (self *Registry) Uninstall() {
	self.mu.Lock()
	defer self.mu.Unlock()
	for i := range self.installed {
		self.installed[i].Store(false)
	}
	self.disp.Store(nil)
}

// release stops handling sig, so that a fault while reporting a fatal
// error takes the default path.
func (self *Registry) release(sig syscall.Signal) {
	if checkSignal(sig) == nil {
		self.installed[sig].Store(false)
	}
}

// SetChained records h as the handler that was installed for sig before us.
// A nil h clears it.
func (self *Registry) SetChained(sig syscall.Signal, h Handler) error {
	if err := checkSignal(sig); err != nil {
		return err
	}
	if h == nil {
		self.chained[sig].Store(nil)
	} else {
		self.chained[sig].Store(&_Chained{h})
	}
	return nil
}

// Chained returns the handler displaced for sig, if any.
func (self *Registry) Chained(sig syscall.Signal) Handler {
	if checkSignal(sig) != nil {
		return nil
	} else if p := self.chained[sig].Load(); p == nil {
		return nil
	} else {
		return p.h
	}
}

// IsHandledByUs reports whether sig is currently routed to the dispatcher.
func (self *Registry) IsHandledByUs(sig syscall.Signal) bool {
	return checkSignal(sig) == nil && self.installed[sig].Load()
}

// Dispatcher returns the installed dispatcher, nil if none.
func (self *Registry) Dispatcher() *Dispatcher {
	return self.disp.Load()
}

// Deliver is the signal entry point. Signals we do not handle go straight
// to the chained handler.
func (self *Registry) Deliver(sig syscall.Signal, ctx Context, t *rt.Thread) bool {
	if d := self.disp.Load(); d != nil && self.IsHandledByUs(sig) {
		return d.Handle(sig, ctx, t)
	} else if h := self.Chained(sig); h != nil {
		return h.Handle(sig, ctx, t)
	} else {
		return false
	}
}

// HandleTrap makes the registry the trap handler of emulated threads.
func (self *Registry) HandleTrap(sig syscall.Signal, ctx rt.Context, t *rt.Thread) bool {
	return self.Deliver(sig, ctx, t)
}
