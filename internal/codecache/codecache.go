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

package codecache

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	log "github.com/sirupsen/logrus"

	"github.com/cloudwego/trapasm/internal/asm"
	"github.com/cloudwego/trapasm/internal/mem"
	"github.com/cloudwego/trapasm/internal/native"
)

// ErrCodeCacheFull is returned by Reserve when the arena has no room left
// for the requested buffer.
var ErrCodeCacheFull = errors.New("codecache: code cache is full")

const _BlobAlign = 64

// Flusher makes freshly written code visible to instruction fetch.
type Flusher interface {
	FlushICache(addr uint64, n uint64)
}

// Stats are the code cache counters.
type Stats struct {
	Capacity    uint64
	Reserved    uint64
	LoadSize    uint64
	BlobCount   int
	Trampolines int
}

// CodeCache hands out code buffers placed in its arena and publishes the
// installed blobs in an index that can be searched without locks, from a
// trap handler for instance.
//
// The base of the arena is the global TOC, every buffer reserved here is
// addressed relative to it.
type CodeCache struct {
	mu    sync.Mutex
	arena *mem.Arena
	flush Flusher
	next  uint64
	index atomic.Pointer[btree.BTreeG[*Blob]]

	blobs  atomic.Int64
	load   atomic.Uint64
	tramps atomic.Int64
}

func blobLess(a *Blob, b *Blob) bool {
	return a.Start() < b.Start()
}

// New creates a code cache over arena. The arena must not be larger than
// the reach of a TOC relative pair.
func New(arena *mem.Arena, flush Flusher) (*CodeCache, error) {
	if arena.Size() > 1<<31 {
		return nil, fmt.Errorf("codecache: arena of %d bytes is out of reach of the TOC", arena.Size())
	}
	ret := &CodeCache{
		arena: arena,
		flush: flush,
		next:  arena.Base(),
	}
	ret.index.Store(btree.NewG[*Blob](8, blobLess))
	return ret, nil
}

func (self *CodeCache) Arena() *mem.Arena { return self.arena }
func (self *CodeCache) TOC() uint64 { return self.arena.Base() }

// Reserve returns a code buffer bound to the next free range of the cache.
// The range is gone even when the buffer never gets installed.
func (self *CodeCache) Reserve(name string, insts int, stubs int, consts int) (*asm.CodeBuffer, error) {
	nb := uint64(asm.BufferSize(insts, stubs, consts))
	self.mu.Lock()
	defer self.mu.Unlock()

	/* bump allocation */
	fp := self.next
	if nb > self.arena.End()-fp {
		return nil, fmt.Errorf("%w: %d bytes requested for %s, %d left", ErrCodeCacheFull, nb, name, self.arena.End()-fp)
	}
	self.next = mem.AlignUp(fp+nb, _BlobAlign)
	if self.next > self.arena.End() {
		self.next = self.arena.End()
	}
	return asm.NewCodeBuffer(name, self.TOC(), fp, insts, stubs, consts), nil
}

// Install copies buf into the cache and publishes it. buf must come from
// Reserve on this cache, its storage is released on success.
func (self *CodeCache) Install(buf *asm.CodeBuffer, kind Kind) (*Blob, error) {
	if buf.TOC != self.TOC() || !self.arena.Contains(buf.Base(), buf.Limit()-buf.Base()) {
		return nil, fmt.Errorf("codecache: buffer %s at %#x was not reserved here", buf.Name, buf.Base())
	}

	/* copy every section word by word, then flush */
	for k := asm.SectInsts; k < asm.NbSections; k++ {
		s := buf.Section(k)
		for i, w := range s.Words() {
			self.arena.Store32(s.Start()+uint64(i)*4, w)
		}
	}
	if self.flush != nil {
		self.flush.FlushICache(buf.Base(), buf.Limit()-buf.Base())
	}

	/* publish a new snapshot of the index */
	blob := newBlob(buf, kind)
	self.mu.Lock()
	idx := self.index.Load().Clone()
	if old, dup := idx.ReplaceOrInsert(blob); dup {
		self.mu.Unlock()
		return nil, fmt.Errorf("codecache: %s overlaps %s", blob, old)
	}
	self.index.Store(idx)
	self.mu.Unlock()

	/* record statistics */
	self.blobs.Add(1)
	self.load.Add(blob.End() - blob.Start())
	self.tramps.Add(int64(blob.Trampolines()))
	log.Debugf("codecache: installed %s", blob)
	buf.Free()
	return blob, nil
}

// FindBlob returns the blob pc belongs to, or nil.
func (self *CodeCache) FindBlob(pc uint64) (ret *Blob) {
	self.index.Load().DescendLessOrEqual(&Blob{Insts: Range{Start: pc}}, func(b *Blob) bool {
		if b.Contains(pc) {
			ret = b
		}
		return false
	})
	return
}

// Contains reports whether pc lies in an installed blob.
func (self *CodeCache) Contains(pc uint64) bool {
	return self.FindBlob(pc) != nil
}

// Blobs lists the installed blobs by address.
func (self *CodeCache) Blobs() []*Blob {
	idx := self.index.Load()
	ret := make([]*Blob, 0, idx.Len())
	idx.Ascend(func(b *Blob) bool {
		ret = append(ret, b)
		return true
	})
	return ret
}

// MakeNotEntrant overwrites the verified entry of blob with the not-entrant
// sentinel. It reports false when the blob has no verified entry or was
// already made not entrant.
func (self *CodeCache) MakeNotEntrant(blob *Blob, p *native.Patcher, trapBased bool) bool {
	if blob.VerifiedEntry == 0 || !blob.markNotEntrant() {
		return false
	}
	p.MakeNotEntrant(blob.VerifiedEntry, trapBased)
	log.Debugf("codecache: %s is not entrant", blob)
	return true
}

// Stats returns a snapshot of the counters.
func (self *CodeCache) Stats() Stats {
	self.mu.Lock()
	reserved := self.next - self.arena.Base()
	self.mu.Unlock()
	return Stats{
		Capacity:    self.arena.Size(),
		Reserved:    reserved,
		LoadSize:    self.load.Load(),
		BlobCount:   int(self.blobs.Load()),
		Trampolines: int(self.tramps.Load()),
	}
}
