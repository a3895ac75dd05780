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

package emu

import (
    `fmt`
)

// Native is a host function bound to a target address. It runs when
// control reaches the address and returns to LR, unless it moves the PC or
// halts the emulator.
type Native func(e *Emulator)

// Bind binds fn to addr. Code never executes at addr afterwards.
func (self *Emulator) Bind(addr uint64, fn Native) {
    if addr & 3 != 0 {
        panic(fmt.Sprintf("emu: native bound at misaligned address %#x", addr))
    }
    self.natives[addr] = fn
}

// Unbind removes the native at addr.
func (self *Emulator) Unbind(addr uint64) {
    delete(self.natives, addr)
}

// Arg and SetRet follow the ELFv2 integer argument registers, r3 to r10.
func (self *Emulator) Arg(i int) uint64 {
    if i < 0 || i > 7 {
        panic("emu: argument index out of range")
    }
    return self.Gr[3 + i]
}

func (self *Emulator) SetRet(v uint64) {
    self.Gr[3] = v
}
