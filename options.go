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

package trapasm

import (
	"fmt"
	"syscall"
	"time"

	"github.com/cloudwego/trapasm/internal/opts"
	"github.com/cloudwego/trapasm/internal/rt"
)

// Option is the property setter function for opts.Options.
type Option func(*opts.Options)

const (
	_MinCodeCacheSize = 64 << 10
	_MaxCodeCacheSize = 1 << 31
)

// LockingMode selects the protocol of the inline lock fast paths.
type LockingMode = opts.LockingMode

const (
	LockingMonitor     = opts.LockingMonitor
	LockingStack       = opts.LockingStack
	LockingLightweight = opts.LockingLightweight
)

// WithCodeCacheSize sets the size of the code cache in bytes.
//
// The code cache is addressed relative to its base with a 32-bit offset, so
// it cannot be larger than 2 GiB.
//
// This value can also be configured with the `TRAPASM_CODE_CACHE_SIZE`
// environment variable. The default value of this option is "4 MiB".
func WithCodeCacheSize(size int) Option {
	if size < _MinCodeCacheSize || size > _MaxCodeCacheSize {
		panic(fmt.Sprintf("trapasm: invalid code cache size: %d", size))
	} else {
		return func(o *opts.Options) { o.CodeCacheSize = size }
	}
}

// WithSuspendSignal sets the signal used to suspend and resume threads.
//
// The signal must be greater than both SIGSEGV and SIGBUS and must be a
// valid signal number, otherwise SIGUSR2 is used and a warning is logged.
//
// This value can also be configured with the `TRAPASM_SR_SIGNUM`
// environment variable.
func WithSuspendSignal(sig syscall.Signal) Option {
	return func(o *opts.Options) { o.SRSignal = int(sig) }
}

// WithSuspendTimeout sets how long a suspend request waits for the target
// thread to acknowledge it before the request is cancelled.
//
// This value can also be configured with the `TRAPASM_SR_TIMEOUT_MS`
// environment variable. The default value of this option is "2s".
func WithSuspendTimeout(d time.Duration) Option {
	if d <= 0 {
		panic(fmt.Sprintf("trapasm: invalid suspend timeout: %s", d))
	} else {
		return func(o *opts.Options) { o.SRTimeout = d }
	}
}

// WithLockingMode selects the inline locking protocol.
func WithLockingMode(mode LockingMode) Option {
	switch mode {
	case LockingMonitor, LockingStack, LockingLightweight:
		return func(o *opts.Options) { o.LockingMode = mode }
	default:
		panic(fmt.Sprintf("trapasm: invalid locking mode: %s", mode))
	}
}

// WithObjectMonitorCache makes the lightweight fast paths find inflated
// monitors through the per-thread monitor cache instead of the mark word.
func WithObjectMonitorCache(v bool) Option {
	return func(o *opts.Options) { o.ObjectMonitorCache = v }
}

// WithTrapBasedChecks selects trap instructions for null checks, range
// checks, inline cache checks and safepoint polls. When disabled, polls
// read the protected polling page and not-entrant methods start with an
// illegal instruction.
func WithTrapBasedChecks(v bool) Option {
	return func(o *opts.Options) { o.TrapBasedChecks = v }
}

// WithShortBranchReach lowers the reach of the short branch forms, in bytes,
// so that the long forms are used more often. Zero means the hardware reach.
func WithShortBranchReach(n int) Option {
	if n < 0 {
		panic(fmt.Sprintf("trapasm: invalid short branch reach: %d", n))
	} else {
		return func(o *opts.Options) { o.ShortBranchReach = n }
	}
}

// WithCheckedPatching makes the code patcher use compare-and-swap instead of
// plain stores, a patch that loses a race with another writer panics.
func WithCheckedPatching(v bool) Option {
	return func(o *opts.Options) { o.CheckedPatching = v }
}

// WithSignalChaining controls whether signals that are not ours are passed
// to the handlers installed before us.
func WithSignalChaining(v bool) Option {
	return func(o *opts.Options) { o.SignalChaining = v }
}

// WithStubs sets the entry points of the runtime stubs that trapping code is
// redirected to. Every stub must be set.
func WithStubs(stubs rt.Stubs) Option {
	if err := stubs.Validate(); err != nil {
		panic("trapasm: " + err.Error())
	} else {
		return func(o *opts.Options) { o.Stubs = stubs }
	}
}

// WithExitHook replaces os.Exit as the way a fatal signal ends the process.
func WithExitHook(fn func(code int)) Option {
	return func(o *opts.Options) { o.Exit = fn }
}

// SetDefaultLockingMode sets the locking mode of every runtime created from
// now on, and returns the previous one.
//
// This value can also be configured with the `TRAPASM_LOCKING_MODE`
// environment variable.
func SetDefaultLockingMode(mode LockingMode) LockingMode {
	mode, opts.DefaultLocking = opts.DefaultLocking, mode
	return mode
}
