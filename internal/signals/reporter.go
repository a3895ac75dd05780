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
	"os"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/davecgh/go-spew/spew"
	"github.com/klauspost/cpuid/v2"
	log "github.com/sirupsen/logrus"

	"github.com/cloudwego/trapasm/internal/codecache"
	"github.com/cloudwego/trapasm/internal/ppc"
	"github.com/cloudwego/trapasm/internal/rt"
)

// Number of instructions listed on each side of the faulting PC.
const _DisasmWindow = 8

var dumper = spew.ConfigState{
	Indent:                  "  ",
	DisablePointerAddresses: true,
	DisableCapacities:       true,
	SortKeys:                true,
}

// Reporter writes the fatal error report and terminates the process. The
// exit hook is replaceable so that tests survive it.
type Reporter struct {
	cache     *codecache.CodeCache
	exit      func(code int)
	reporting atomic.Bool
	last      atomic.Pointer[string]
}

// NewReporter creates a reporter, exit defaults to os.Exit.
func NewReporter(cache *codecache.CodeCache, exit func(code int)) *Reporter {
	if exit == nil {
		exit = os.Exit
	}
	return &Reporter{cache: cache, exit: exit}
}

// Last returns the last report written, empty if none.
func (self *Reporter) Last() string {
	if p := self.last.Load(); p == nil {
		return ""
	} else {
		return *p
	}
}

// Report logs everything known about the fault and exits. A second fatal
// error while a report is being written exits right away.
func (self *Reporter) Report(sig syscall.Signal, ctx Context, t *rt.Thread, d Decision) {
	if !self.reporting.CompareAndSwap(false, true) {
		self.exit(128 + int(sig))
		return
	}

	/* write the report, then give up */
	defer self.reporting.Store(false)
	msg := self.Format(sig, ctx, t, d)
	self.last.Store(&msg)
	log.Errorf("%s", msg)
	self.exit(128 + int(sig))
}

// Format builds the report text.
func (self *Reporter) Format(sig syscall.Signal, ctx Context, t *rt.Thread, d Decision) string {
	var sb strings.Builder
	pc := ctx.PC()

	/* what happened */
	fmt.Fprintf(&sb, "fatal error: signal %d (%s), code %d at pc=%#x, address=%#x\n", int(sig), sig, ctx.Code(), pc, ctx.FaultAddress())
	fmt.Fprintf(&sb, "decision: %s\n", d)
	if t != nil {
		fmt.Fprintf(&sb, "thread: %s, state %s\n", t, t.State())
	} else {
		sb.WriteString("thread: <unknown>\n")
	}

	/* where it happened */
	if self.cache != nil {
		if blob := self.cache.FindBlob(pc); blob != nil {
			fmt.Fprintf(&sb, "code: %s\n", blob)
			sb.WriteString(self.disassemble(blob, pc))
		} else {
			sb.WriteString("code: pc is not in the code cache\n")
		}
	}

	/* registers and frames, when the context has them */
	if dm, ok := ctx.(Dumper); ok {
		sb.WriteString("registers:\n")
		sb.WriteString(formatRegisters(dm.Registers()))
	}
	if tr, ok := ctx.(Tracer); ok {
		sb.WriteString("backtrace:\n")
		for i, ret := range tr.Backtrace() {
			fmt.Fprintf(&sb, "  #%d %#x\n", i, ret)
		}
	}

	/* host */
	fmt.Fprintf(&sb, "host: %s, %d logical cores, cache line %d bytes\n",
		cpuid.CPU.BrandName, cpuid.CPU.LogicalCores, cpuid.CPU.CacheLine)
	return sb.String()
}

func (self *Reporter) disassemble(blob *codecache.Blob, pc uint64) string {
	lo := pc - _DisasmWindow*ppc.InstrSize
	hi := pc + _DisasmWindow*ppc.InstrSize
	if lo < blob.Start() || lo > pc {
		lo = blob.Start()
	}
	if hi > blob.End() {
		hi = blob.End()
	}
	n := int((hi - lo) / ppc.InstrSize)
	return ppc.DisassembleRange(self.cache.Arena().ReadWords(lo, n), lo, pc)
}

func formatRegisters(regs map[string]uint64) string {
	vals := make(map[string]string, len(regs))
	for k, v := range regs {
		vals[k] = fmt.Sprintf("%#016x", v)
	}
	return dumper.Sdump(vals)
}
