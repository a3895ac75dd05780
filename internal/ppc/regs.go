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

package ppc

import (
	"fmt"
)

// Register is a general purpose register number.
type Register int8

const (
	R0 Register = iota
	R1
	R2
	R3
	R4
	R5
	R6
	R7
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
	R16
	R17
	R18
	R19
	R20
	R21
	R22
	R23
	R24
	R25
	R26
	R27
	R28
	R29
	R30
	R31
)

// Registers with fixed roles in emitted code.
const (
	SP     = R1
	Thread = R16
	TOC    = R29
)

// AnyReg is the wildcard accepted by the trap predicates.
const AnyReg Register = -1

func (self Register) String() string {
	if self == AnyReg {
		return "r?"
	} else {
		return fmt.Sprintf("r%d", int(self))
	}
}

func (self Register) enc() uint32 {
	if self < 0 || self > 31 {
		panic(fmt.Sprintf("ppc: invalid register %d", int(self)))
	}
	return uint32(self)
}

// CR is a condition register field.
type CR uint8

const (
	CR0 CR = iota
	CR1
	CR2
	CR3
	CR4
	CR5
	CR6
	CR7
)

// Condition bits within a CR field.
const (
	CondLT = 0
	CondGT = 1
	CondEQ = 2
	CondSO = 3
)

// Bit returns the absolute CR bit number for one condition of this field.
func (self CR) Bit(cond int) int {
	return int(self)*4 + cond
}

func (self CR) String() string {
	return fmt.Sprintf("cr%d", int(self))
}

// Special purpose register numbers.
const (
	SPR_LR  = 8
	SPR_CTR = 9
)
