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
	"encoding/binary"
	"fmt"

	"github.com/cloudwego/trapasm/internal/rt"
)

// Context is the interrupted thread as seen by the dispatcher. The PC is
// the only field the dispatcher ever writes.
type Context = rt.Context

// Dumper is implemented by contexts that can list their register file for
// the fatal error report.
type Dumper interface {
	Registers() map[string]uint64
}

// Tracer is implemented by contexts that know the return addresses of the
// active frames.
type Tracer interface {
	Backtrace() []uint64
}

// Offsets into the linux siginfo_t, common to both architectures.
const (
	_SI_CODE = 8
	_SI_ADDR = 16
	_SI_SIZE = 128
)

// Offsets into the linux ucontext_t of x86-64, gregs of uc_mcontext.
const (
	_AMD64_GREGS = 40
	_AMD64_RSP   = _AMD64_GREGS + 15*8
	_AMD64_RIP   = _AMD64_GREGS + 16*8
	_AMD64_NREGS = 23
	_AMD64_SIZE  = _AMD64_GREGS + _AMD64_NREGS*8
)

// Offsets into the linux ucontext_t of ppc64le, gp_regs of uc_mcontext.
const (
	_PPC64_GPREGS = 232
	_PPC64_R1     = _PPC64_GPREGS + 1*8
	_PPC64_NIP    = _PPC64_GPREGS + 32*8
	_PPC64_LINK   = _PPC64_GPREGS + 36*8
	_PPC64_SIZE   = _PPC64_GPREGS + 48*8
)

var amd64RegNames = [_AMD64_NREGS]string{
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
	"rdi", "rsi", "rbp", "rbx", "rdx", "rax", "rcx", "rsp",
	"rip", "eflags", "csgsfs", "err", "trapno", "oldmask", "cr2",
}

type rawContext struct {
	info []byte
	uc   []byte
}

func newRawContext(info []byte, uc []byte, ucSize int) (rawContext, error) {
	if len(info) < _SI_SIZE {
		return rawContext{}, fmt.Errorf("signals: siginfo too short: %d bytes", len(info))
	}
	if len(uc) < ucSize {
		return rawContext{}, fmt.Errorf("signals: ucontext too short: %d bytes", len(uc))
	}
	return rawContext{info: info, uc: uc}, nil
}

func (self rawContext) word(off int) uint64 {
	return binary.LittleEndian.Uint64(self.uc[off:])
}

func (self rawContext) setWord(off int, v uint64) {
	binary.LittleEndian.PutUint64(self.uc[off:], v)
}

func (self rawContext) FaultAddress() uint64 {
	return binary.LittleEndian.Uint64(self.info[_SI_ADDR:])
}

func (self rawContext) Code() int {
	return int(int32(binary.LittleEndian.Uint32(self.info[_SI_CODE:])))
}

// UContextAMD64 is a view over the raw siginfo_t and ucontext_t of a
// linux x86-64 signal frame.
type UContextAMD64 struct {
	rawContext
}

func NewUContextAMD64(info []byte, uc []byte) (*UContextAMD64, error) {
	if raw, err := newRawContext(info, uc, _AMD64_SIZE); err != nil {
		return nil, err
	} else {
		return &UContextAMD64{raw}, nil
	}
}

func (self *UContextAMD64) PC() uint64      { return self.word(_AMD64_RIP) }
func (self *UContextAMD64) SetPC(pc uint64) { self.setWord(_AMD64_RIP, pc) }
func (self *UContextAMD64) SP() uint64      { return self.word(_AMD64_RSP) }

func (self *UContextAMD64) Registers() map[string]uint64 {
	ret := make(map[string]uint64, _AMD64_NREGS)
	for i, name := range amd64RegNames {
		ret[name] = self.word(_AMD64_GREGS + i*8)
	}
	return ret
}

// UContextPPC64LE is a view over the raw siginfo_t and ucontext_t of a
// linux ppc64le signal frame.
type UContextPPC64LE struct {
	rawContext
}

func NewUContextPPC64LE(info []byte, uc []byte) (*UContextPPC64LE, error) {
	if raw, err := newRawContext(info, uc, _PPC64_SIZE); err != nil {
		return nil, err
	} else {
		return &UContextPPC64LE{raw}, nil
	}
}

func (self *UContextPPC64LE) PC() uint64      { return self.word(_PPC64_NIP) }
func (self *UContextPPC64LE) SetPC(pc uint64) { self.setWord(_PPC64_NIP, pc) }
func (self *UContextPPC64LE) SP() uint64      { return self.word(_PPC64_R1) }

func (self *UContextPPC64LE) Registers() map[string]uint64 {
	ret := make(map[string]uint64, 34)
	for i := 0; i < 32; i++ {
		ret[fmt.Sprintf("r%d", i)] = self.word(_PPC64_GPREGS + i*8)
	}
	ret["nip"] = self.word(_PPC64_NIP)
	ret["link"] = self.word(_PPC64_LINK)
	return ret
}
