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

package debug

import (
	"github.com/cloudwego/trapasm"
)

// A Stats records statistics about a runtime.
type Stats struct {
	CodeCache CodeCacheStats
	Patcher   PatcherStats
	Traps     TrapStats
	Suspend   SuspendStats
	Threads   int
}

// A CodeCacheStats records statistics about the code cache.
type CodeCacheStats struct {
	Capacity    int
	Reserved    int
	LoadSize    int
	BlobCount   int
	Trampolines int
}

// A PatcherStats records statistics about code patching.
type PatcherStats struct {
	Patches    int
	Stores     int
	Flushes    int
	CacheLines int
}

// A TrapStats records statistics about the trap dispatcher.
type TrapStats struct {
	Faults  int
	Chained int
	Fatal   int
	ByKind  map[string]int
}

// A SuspendStats records statistics about the suspend protocol.
type SuspendStats struct {
	Suspends  int
	Resumes   int
	Cancelled int
}

// GetStats returns statistics of r.
func GetStats(r *trapasm.Runtime) Stats {
	cs := r.CodeCache().Stats()
	ps := r.Patcher().Stats()
	ds := r.Dispatcher().Stats()
	ss := r.Suspender().Stats()

	/* per kind counters */
	kinds := make(map[string]int, len(ds.ByKind))
	for k, v := range ds.ByKind {
		kinds[k] = int(v)
	}

	return Stats{
		CodeCache: CodeCacheStats{
			Capacity:    int(cs.Capacity),
			Reserved:    int(cs.Reserved),
			LoadSize:    int(cs.LoadSize),
			BlobCount:   cs.BlobCount,
			Trampolines: cs.Trampolines,
		},
		Patcher: PatcherStats{
			Patches:    int(ps.Patches),
			Stores:     int(ps.Stores),
			Flushes:    int(ps.Flushes),
			CacheLines: int(ps.CacheLines),
		},
		Traps: TrapStats{
			Faults:  int(ds.Faults),
			Chained: int(ds.Chained),
			Fatal:   int(ds.Fatal),
			ByKind:  kinds,
		},
		Suspend: SuspendStats{
			Suspends:  int(ss.Suspends),
			Resumes:   int(ss.Resumes),
			Cancelled: int(ss.Cancelled),
		},
		Threads: r.Threads().Len(),
	}
}
