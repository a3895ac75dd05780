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

package suspend

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
)

const _MaxPermits = 1 << 20

// Semaphore is a counting semaphore that starts at zero.
type Semaphore struct {
	w *semaphore.Weighted
}

func NewSemaphore() *Semaphore {
	w := semaphore.NewWeighted(_MaxPermits)
	if !w.TryAcquire(_MaxPermits) {
		panic("suspend: cannot drain a fresh semaphore")
	}
	return &Semaphore{w}
}

// Signal adds one permit.
func (self *Semaphore) Signal() {
	self.w.Release(1)
}

// Wait takes one permit, blocking until there is one.
func (self *Semaphore) Wait() {
	if err := self.w.Acquire(context.Background(), 1); err != nil {
		panic("suspend: semaphore wait failed: " + err.Error())
	}
}

// TimedWait takes one permit, giving up after d.
func (self *Semaphore) TimedWait(d time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return self.w.Acquire(ctx, 1) == nil
}

// TryWait takes one permit if there is one.
func (self *Semaphore) TryWait() bool {
	return self.w.TryAcquire(1)
}
