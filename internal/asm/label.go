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
    `fmt`

    `github.com/oleiade/lane`
)

type _SiteKind int

const (
    _S_b _SiteKind = iota
    _S_bc
    _S_bc_far
    _S_far_jump
    _S_far_call
)

type _Site struct {
    kind _SiteKind
    addr uint64
}

// Label is a code position that may not be known yet. It is bound exactly
// once, every branch emitted against it before that is queued and fixed up
// in place when it gets bound.
type Label struct {
    Name  string
    addr  int64
    sites *lane.Queue
}

// IsBound reports whether the label has a position.
func (self *Label) IsBound() bool {
    return self.addr != -1
}

// Address returns the bound position, it panics on unbound labels.
func (self *Label) Address() uint64 {
    if self.addr == -1 {
        panic("asm: label " + self.Name + " is not bound")
    } else {
        return uint64(self.addr)
    }
}

// Pending reports whether branches are still waiting for this label.
func (self *Label) Pending() bool {
    return !self.sites.Empty()
}

func (self *Label) String() string {
    if self.addr == -1 {
        return fmt.Sprintf("%s(unbound)", self.Name)
    } else {
        return fmt.Sprintf("%s(%#x)", self.Name, self.addr)
    }
}

func (self *Label) link(kind _SiteKind, addr uint64) {
    self.sites.Enqueue(&_Site { kind: kind, addr: addr })
}
