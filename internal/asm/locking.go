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

    `github.com/cloudwego/trapasm/internal/mem`
    `github.com/cloudwego/trapasm/internal/opts`
    `github.com/cloudwego/trapasm/internal/ppc`
    `github.com/cloudwego/trapasm/internal/rt`
)

// Memory ordering around an atomic update.
const (
    MemBarNone       = 0
    MemBarRel        = 1 << 0
    MemBarAcq        = 1 << 1
    MemBarFenceAfter = 1 << 2
)

/** Compare and exchange **
 *
 *  The result is left in flag: EQ when the exchange happened, NE otherwise.
 *  When fail is nil a failed comparison falls through.
 */

func (self *MacroAssembler) cmpxchgd(flag ppc.CR, cur ppc.Register, compare func(), exch ppc.Register, addr ppc.Register, fail *Label, sem int) {
    var done *Label
    retry := self.NewLabel("cas_retry")

    /* fall through on mismatch if the caller has no label for it */
    if fail == nil {
        done = self.NewLabel("cas_done")
        fail = done
    }

    /* load-reserve, compare, store-conditional */
    if sem & MemBarRel != 0 {
        self.Release()
    }
    self.Bind(retry)
    self.Ldarx(cur, ppc.R0, addr)
    compare()
    self.Bne(flag, fail)
    self.StdcxR(exch, ppc.R0, addr)
    self.Bne(ppc.CR0, retry)

    /* barriers after a successful exchange */
    if sem & MemBarAcq != 0 {
        self.Isync()
    }
    if sem & MemBarFenceAfter != 0 {
        self.Fence()
    }
    if done != nil {
        self.Bind(done)
    }
}

// Cmpxchgd atomically replaces the doubleword at addr with exch if it equals
// cmp. The old value is left in cur.
func (self *MacroAssembler) Cmpxchgd(flag ppc.CR, cur ppc.Register, cmp ppc.Register, exch ppc.Register, addr ppc.Register, fail *Label, sem int) {
    self.cmpxchgd(flag, cur, func() { self.Cmpd(flag, cur, cmp) }, exch, addr, fail, sem)
}

// CmpxchgdNull is Cmpxchgd against zero.
func (self *MacroAssembler) CmpxchgdNull(flag ppc.CR, cur ppc.Register, exch ppc.Register, addr ppc.Register, fail *Label, sem int) {
    self.cmpxchgd(flag, cur, func() { self.Cmpdi(flag, cur, 0) }, exch, addr, fail, sem)
}

// flipLocked toggles the lock bits of the mark word between unlocked and
// fast-locked, branching to failed if they are not in the expected state.
func (self *MacroAssembler) flipLocked(unlock bool, obj ppc.Register, tmp ppc.Register, failed *Label, sem int) {
    retry := self.NewLabel("flip_retry")
    if sem & MemBarRel != 0 {
        self.Release()
    }

    /* 0b01 -> 0b00 on lock, 0b00 -> 0b01 on unlock */
    self.Bind(retry)
    self.Ldarx(tmp, ppc.R0, obj)
    if unlock {
        self.AndiR(ppc.R0, tmp, rt.LockMaskInPlace)
        self.Bne(ppc.CR0, failed)
        self.Ori(tmp, tmp, rt.UnlockedValue)
    } else {
        self.Xori(tmp, tmp, rt.UnlockedValue)
        self.AndiR(ppc.R0, tmp, rt.LockMaskInPlace)
        self.Bne(ppc.CR0, failed)
    }

    /* publish */
    self.StdcxR(tmp, ppc.R0, obj)
    self.Bne(ppc.CR0, retry)
    if sem & MemBarAcq != 0 {
        self.Isync()
    }
}

/** Lock fast paths **
 *
 *  On exit, flag is EQ when the lock was taken (or released) and NE when
 *  the caller has to call into the runtime.
 */

// FastLock emits the inline lock of obj with the lock record box, using
// the configured locking mode.
func (self *MacroAssembler) FastLock(flag ppc.CR, obj ppc.Register, box ppc.Register, tmp1 ppc.Register, tmp2 ppc.Register, tmp3 ppc.Register) {
    switch self.opts.LockingMode {
        case opts.LockingMonitor     : self.fastLockStack(flag, obj, box, tmp1, tmp2, tmp3, true)
        case opts.LockingStack       : self.fastLockStack(flag, obj, box, tmp1, tmp2, tmp3, false)
        case opts.LockingLightweight : self.fastLockLightweight(flag, obj, box, tmp1, tmp2, tmp3)
        default                      : panic(fmt.Sprintf("asm: invalid locking mode: %d", self.opts.LockingMode))
    }
}

// FastUnlock is the counterpart of FastLock.
func (self *MacroAssembler) FastUnlock(flag ppc.CR, obj ppc.Register, box ppc.Register, tmp1 ppc.Register, tmp2 ppc.Register, tmp3 ppc.Register) {
    switch self.opts.LockingMode {
        case opts.LockingMonitor     : self.fastUnlockStack(flag, obj, box, tmp1, tmp2, tmp3, true)
        case opts.LockingStack       : self.fastUnlockStack(flag, obj, box, tmp1, tmp2, tmp3, false)
        case opts.LockingLightweight : self.fastUnlockLightweight(flag, obj, box, tmp1, tmp2, tmp3)
        default                      : panic(fmt.Sprintf("asm: invalid locking mode: %d", self.opts.LockingMode))
    }
}

func (self *MacroAssembler) fastLockStack(flag ppc.CR, obj ppc.Register, box ppc.Register, temp ppc.Register, dhdr ppc.Register, chdr ppc.Register, monitorOnly bool) {
    done := self.NewLabel("lock_done")
    hasMonitor := self.NewLabel("lock_has_monitor")

    /* inflated objects go to the monitor path */
    self.Ld(dhdr, rt.MarkOffset, obj)
    self.AndiR(temp, dhdr, rt.MonitorValue)
    self.Bne(ppc.CR0, hasMonitor)

    /* monitor-only mode never stack-locks */
    if monitorOnly {
        self.CrClearEQ(flag)
        self.B(done)
    } else {
        casFailed := self.NewLabel("lock_cas_failed")

        /* displace the unlocked mark into the box and install the box */
        self.Ori(dhdr, dhdr, rt.UnlockedValue)
        self.Std(dhdr, rt.DisplacedHeaderOffset, box)
        self.Cmpxchgd(flag, chdr, dhdr, box, obj, casFailed, MemBarRel | MemBarAcq)
        self.B(done)

        /* a mark pointing into our own stack page is a recursive lock, which
         * is recorded as a zero displaced header */
        self.Bind(casFailed)
        self.Sub(chdr, chdr, ppc.SP)
        self.LoadConstOptimized(temp, int64(^(mem.PageSize - 1) | rt.LockMaskInPlace))
        self.AndR(ppc.R0, chdr, temp)
        self.Std(ppc.R0, rt.DisplacedHeaderOffset, box)
        if flag != ppc.CR0 {
            self.Mcrf(flag, ppc.CR0)
        }
        self.B(done)
    }

    /* try to own the monitor */
    self.Bind(hasMonitor)
    self.Addi(temp, dhdr, rt.MonitorOwnerOffset - rt.MonitorValue)
    self.CmpxchgdNull(flag, chdr, ppc.Thread, temp, nil, MemBarRel | MemBarAcq)

    /* any non-zero value in the box, so it does not look like a recursive stack lock */
    self.Std(box, rt.DisplacedHeaderOffset, box)
    self.Beq(flag, done)

    /* already ours, count the recursion */
    self.Cmpd(flag, chdr, ppc.Thread)
    self.Bne(flag, done)
    self.Ld(dhdr, rt.MonitorRecursionsOffset - rt.MonitorOwnerOffset, temp)
    self.Addi(dhdr, dhdr, 1)
    self.Std(dhdr, rt.MonitorRecursionsOffset - rt.MonitorOwnerOffset, temp)
    self.Bind(done)
}

func (self *MacroAssembler) fastUnlockStack(flag ppc.CR, obj ppc.Register, box ppc.Register, temp ppc.Register, dhdr ppc.Register, chdr ppc.Register, monitorOnly bool) {
    done := self.NewLabel("unlock_done")
    setEQ := self.NewLabel("unlock_set_eq")
    notRecursive := self.NewLabel("unlock_not_recursive")
    hasMonitor := self.NewLabel("unlock_has_monitor")

    /* a zero displaced header is a recursive stack lock, nothing to do */
    if !monitorOnly {
        self.Ld(dhdr, rt.DisplacedHeaderOffset, box)
        self.Cmpdi(flag, dhdr, 0)
        self.Beq(flag, done)
    }

    /* inflated objects go to the monitor path */
    self.Ld(chdr, rt.MarkOffset, obj)
    self.AndiR(ppc.R0, chdr, rt.MonitorValue)
    self.Bne(ppc.CR0, hasMonitor)

    /* put the displaced mark back if the box is still installed */
    if monitorOnly {
        self.CrClearEQ(flag)
    } else {
        self.Cmpxchgd(flag, chdr, box, dhdr, obj, done, MemBarRel)
    }
    self.B(done)

    /* the monitor must be ours */
    self.Bind(hasMonitor)
    self.Addi(chdr, chdr, -rt.MonitorValue)
    self.Ld(temp, rt.MonitorOwnerOffset, chdr)
    self.Cmpd(flag, temp, ppc.Thread)
    self.Bne(flag, done)

    /* recursive exit */
    self.Ld(dhdr, rt.MonitorRecursionsOffset, chdr)
    self.Addi(dhdr, dhdr, -1)
    self.Cmpdi(ppc.CR0, dhdr, 0)
    self.Blt(ppc.CR0, notRecursive)
    self.Std(dhdr, rt.MonitorRecursionsOffset, chdr)
    if flag == ppc.CR0 {
        self.CrSetEQ(flag)
    }
    self.B(done)

    /* release the monitor, then see whether someone has to be woken up */
    self.Bind(notRecursive)
    self.exitMonitor(flag, chdr, temp, dhdr, done, setEQ)
    self.Bind(setEQ)
    self.CrSetEQ(flag)
    self.Bind(done)
}

// exitMonitor clears the owner of monitor. Without waiters it branches to
// unlocked with flag EQ, with a successor in place it branches to setEQ.
// Otherwise it hands the monitor to the slow path and branches to unlocked
// with flag NE.
func (self *MacroAssembler) exitMonitor(flag ppc.CR, monitor ppc.Register, t1 ppc.Register, t2 ppc.Register, unlocked *Label, setEQ *Label) {
    self.Release()
    self.Li(t1, 0)
    self.Std(t1, rt.MonitorOwnerOffset, monitor)
    self.Fence()

    /* nobody is waiting */
    self.Ld(t1, rt.MonitorEntryListOffset, monitor)
    self.Ld(t2, rt.MonitorCxqOffset, monitor)
    self.Or(t1, t1, t2)
    self.Cmpdi(flag, t1, 0)
    self.Beq(flag, unlocked)

    /* a successor is already on its way */
    self.Ld(t1, rt.MonitorSuccOffset, monitor)
    self.Cmpdi(flag, t1, 0)
    self.Bne(flag, setEQ)

    /* the runtime has to pick a successor */
    self.Std(monitor, rt.ThreadUnlockedInflated, ppc.Thread)
    self.CrClearEQ(flag)
    self.B(unlocked)
}

func (self *MacroAssembler) fastLockLightweight(flag ppc.CR, obj ppc.Register, box ppc.Register, mark ppc.Register, top ppc.Register, t ppc.Register) {
    if flag != ppc.CR0 {
        panic("asm: lightweight locking reports through CR0")
    }

    /* labels */
    push := self.NewLabel("lw_push")
    slow := self.NewLabel("lw_slow")
    locked := self.NewLabel("lw_locked")
    inflated := self.NewLabel("lw_inflated")
    monitorLocked := self.NewLabel("lw_monitor_locked")

    /* the box doubles as the monitor cache of this lock */
    if self.opts.ObjectMonitorCache {
        self.Li(mark, 0)
        self.Std(mark, rt.ObjectMonitorCacheOffset, box)
    }

    /* a full lock stack goes slow */
    self.Lwz(top, rt.ThreadLockStackTopOffset, ppc.Thread)
    self.Cmplwi(flag, top, rt.ThreadLockStackEnd - 1)
    self.Bgt(flag, slow)

    /* recursive when obj is already on top */
    self.Addi(t, top, -rt.WordSize)
    self.Ldx(t, ppc.Thread, t)
    self.Cmpd(flag, obj, t)
    self.Beq(flag, push)

    /* 0b01 unlocked, 0b00 fast-locked elsewhere, 0b10 inflated */
    self.Ld(mark, rt.MarkOffset, obj)
    self.AndiR(t, mark, rt.LockMaskInPlace)
    self.Cmpldi(flag, t, rt.UnlockedValue)
    self.Bgt(flag, inflated)
    self.Bne(flag, slow)
    self.flipLocked(false, obj, mark, slow, MemBarAcq)

    /* record on the lock stack */
    self.Bind(push)
    self.Stdx(obj, ppc.Thread, top)
    self.Addi(top, top, rt.WordSize)
    self.Stw(top, rt.ThreadLockStackTopOffset, ppc.Thread)
    self.B(locked)

    /* find the monitor, mark ends up holding the owner address */
    self.Bind(inflated)
    if !self.opts.ObjectMonitorCache {
        self.Addi(mark, mark, rt.MonitorOwnerOffset - rt.MonitorValue)
    } else {
        self.lookupMonitorCache(obj, mark, top, t, slow)
        self.Addi(mark, top, rt.MonitorOwnerOffset)
    }

    /* take ownership, or count the recursion if it is already ours */
    self.CmpxchgdNull(flag, t, ppc.Thread, mark, nil, MemBarAcq)
    self.Beq(flag, monitorLocked)
    self.Cmpd(flag, t, ppc.Thread)
    self.Bne(flag, slow)
    self.Ld(t, rt.MonitorRecursionsOffset - rt.MonitorOwnerOffset, mark)
    self.Addi(t, t, 1)
    self.Std(t, rt.MonitorRecursionsOffset - rt.MonitorOwnerOffset, mark)

    /* remember the monitor for the unlock */
    self.Bind(monitorLocked)
    if self.opts.ObjectMonitorCache {
        self.Std(top, rt.ObjectMonitorCacheOffset, box)
    }
    self.Bind(locked)
    self.Bind(slow)
}

// lookupMonitorCache loads the cached monitor of obj into monitor, trying the
// direct-mapped entry first and then every entry up to the zero sentinel.
// A miss branches to slow with CR0 NE.
func (self *MacroAssembler) lookupMonitorCache(obj ppc.Register, cache ppc.Register, monitor ppc.Register, t ppc.Register, slow *Label) {
    loop := self.NewLabel("om_cache_loop")
    found := self.NewLabel("om_cache_found")

    /* direct-mapped entry */
    self.Rldicl(t, obj, 64 - 3, 64 - 3)
    self.Sldi(t, t, 4)
    self.Add(cache, ppc.Thread, t)
    self.Addi(cache, cache, rt.ThreadOMCacheOffset)
    self.Ld(t, 0, cache)
    self.Cmpd(ppc.CR0, t, obj)
    self.Beq(ppc.CR0, found)

    /* linear scan */
    self.Addi(cache, ppc.Thread, rt.ThreadOMCacheOffset)
    self.Bind(loop)
    self.Ld(t, 0, cache)
    self.Cmpd(ppc.CR0, t, obj)
    self.Beq(ppc.CR0, found)
    self.Addi(cache, cache, rt.OMCacheEntrySize)
    self.Cmpdi(ppc.CR1, t, 0)
    self.Bne(ppc.CR1, loop)
    self.B(slow)

    /* hit */
    self.Bind(found)
    self.Ld(monitor, rt.OMCacheOopToMonitor, cache)
}

func (self *MacroAssembler) fastUnlockLightweight(flag ppc.CR, obj ppc.Register, box ppc.Register, mark ppc.Register, top ppc.Register, t ppc.Register) {
    if flag != ppc.CR0 {
        panic("asm: lightweight locking reports through CR0")
    }

    /* labels */
    slow := self.NewLabel("lwu_slow")
    setEQ := self.NewLabel("lwu_set_eq")
    unlocked := self.NewLabel("lwu_unlocked")
    inflated := self.NewLabel("lwu_inflated")
    pushAndSlow := self.NewLabel("lwu_push_and_slow")
    notRecursive := self.NewLabel("lwu_not_recursive")
    loadMonitor := self.NewLabel("lwu_load_monitor")

    /* not on top of the lock stack means inflated */
    self.Lwz(top, rt.ThreadLockStackTopOffset, ppc.Thread)
    self.Addi(top, top, -rt.WordSize)
    self.Ldx(t, ppc.Thread, top)
    self.Cmpd(flag, obj, t)
    self.Bne(flag, loadMonitor)

    /* pop, done if the entry below is the same object */
    self.Stw(top, rt.ThreadLockStackTopOffset, ppc.Thread)
    self.Addi(t, top, -rt.WordSize)
    self.Ldx(t, ppc.Thread, t)
    self.Cmpd(flag, obj, t)
    self.Beq(flag, unlocked)

    /* inflated while we held it, the runtime sorts that out */
    self.Ld(mark, rt.MarkOffset, obj)
    self.AndiR(t, mark, rt.MonitorValue)
    self.Bne(ppc.CR0, pushAndSlow)
    self.flipLocked(true, obj, mark, pushAndSlow, MemBarRel)
    self.B(unlocked)

    /* undo the pop */
    self.Bind(pushAndSlow)
    self.Addi(top, top, rt.WordSize)
    self.Stw(top, rt.ThreadLockStackTopOffset, ppc.Thread)
    self.B(slow)

    /* mark ends up holding the monitor */
    self.Bind(loadMonitor)
    if self.opts.ObjectMonitorCache {
        self.Ld(mark, rt.ObjectMonitorCacheOffset, box)
        self.Cmpldi(flag, mark, rt.WordSize)
        self.Blt(flag, slow)
    } else {
        self.Ld(mark, rt.MarkOffset, obj)
        self.AndiR(t, mark, rt.MonitorValue)
        self.Bne(flag, inflated)
        self.CrClearEQ(flag)
        self.B(slow)
        self.Bind(inflated)
        self.Addi(mark, mark, -rt.MonitorValue)
    }

    /* the monitor must be ours */
    self.Ld(t, rt.MonitorOwnerOffset, mark)
    self.Cmpd(flag, t, ppc.Thread)
    self.Bne(flag, slow)

    /* recursive exit */
    self.Ld(t, rt.MonitorRecursionsOffset, mark)
    self.Addi(t, t, -1)
    self.Cmpdi(flag, t, 0)
    self.Blt(flag, notRecursive)
    self.Std(t, rt.MonitorRecursionsOffset, mark)
    self.CrSetEQ(flag)
    self.B(unlocked)

    /* release the monitor */
    self.Bind(notRecursive)
    self.exitMonitor(flag, mark, t, top, unlocked, setEQ)
    self.Bind(setEQ)
    self.CrSetEQ(flag)
    self.Bind(unlocked)
    self.Bind(slow)
}
