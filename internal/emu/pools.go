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
    `sync`

    `github.com/oleiade/lane`
)

var (
    emulatorPool sync.Pool
)

func newEmulator() *Emulator {
    if v := emulatorPool.Get(); v == nil {
        return allocEmulator()
    } else {
        return resetEmulator(v.(*Emulator))
    }
}

func freeEmulator(p *Emulator) {
    emulatorPool.Put(p)
}

func allocEmulator() (p *Emulator) {
    p = new(Emulator)
    p.calls = lane.NewStack()
    p.natives = make(map[uint64]Native)
    return
}

func resetEmulator(p *Emulator) *Emulator {
    for !p.calls.Empty() {
        p.calls.Pop()
    }
    for k := range p.natives {
        delete(p.natives, k)
    }
    *p = Emulator { calls: p.calls, natives: p.natives }
    return p
}
