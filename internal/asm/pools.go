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

package asm

import (
    `sync`

    `github.com/oleiade/lane`
)

var (
    bytesPool sync.Pool
    labelPool sync.Pool
)

func newBytes(n int) []byte {
    if v := bytesPool.Get(); v == nil {
        return allocBytes(n)
    } else if p := v.([]byte); cap(p) < n {
        return allocBytes(n)
    } else {
        return resetBytes(p, n)
    }
}

func freeBytes(p []byte) {
    if p != nil {
        bytesPool.Put(p[:0])
    }
}

func allocBytes(n int) []byte {
    return make([]byte, 0, n)
}

func resetBytes(p []byte, n int) []byte {
    p = p[:n]
    for i := range p {
        p[i] = 0
    }
    return p[:0]
}

func newLabel(name string) *Label {
    if v := labelPool.Get(); v == nil {
        return allocLabel(name)
    } else {
        return resetLabel(name, v.(*Label))
    }
}

func freeLabel(p *Label) {
    labelPool.Put(p)
}

func allocLabel(name string) (p *Label) {
    p = new(Label)
    p.Name = name
    p.addr = -1
    p.sites = lane.NewQueue()
    return
}

func resetLabel(name string, p *Label) *Label {
    p.Name = name
    p.addr = -1
    for !p.sites.Empty() {
        p.sites.Dequeue()
    }
    return p
}
