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

package rt

import (
	"sync/atomic"

	"github.com/bytedance/gopkg/collection/skipmap"
)

// Threads is the registry of live threads, readable from signal handlers
// without taking any lock.
type Threads struct {
	ids  atomic.Int64
	tabs *skipmap.Int64Map
}

func NewThreads() *Threads {
	return &Threads{tabs: skipmap.NewInt64()}
}

// NextID returns a fresh thread id.
func (self *Threads) NextID() int64 {
	return self.ids.Add(1)
}

func (self *Threads) Add(t *Thread) {
	self.tabs.Store(t.ID, t)
}

func (self *Threads) Remove(t *Thread) {
	self.tabs.Delete(t.ID)
}

func (self *Threads) Find(id int64) *Thread {
	if v, ok := self.tabs.Load(id); ok {
		return v.(*Thread)
	} else {
		return nil
	}
}

func (self *Threads) Len() int {
	return self.tabs.Len()
}

// Range calls fn for every thread in id order until fn returns false.
func (self *Threads) Range(fn func(t *Thread) bool) {
	self.tabs.Range(func(_ int64, v interface{}) bool {
		return fn(v.(*Thread))
	})
}
