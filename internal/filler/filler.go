// Package filler implements the co-runner saturation thread: a
// long-lived, core-pinned loop that keeps every cache way visible to
// the co-runner class-of-service busy, so the target thread's way
// allocation is the effective capacity it experiences.
//
// A goroutine locked to its OS thread and pinned via sched_setaffinity,
// with signals blocked so it never reacts to the overflow signal,
// loops over a ~32MiB array and divides every element while a shared
// enabled flag is set.
package filler

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// BufferBytes is the size of the int32 scan array the filler loop
// divides over.
const BufferBytes = 32000 * 1024

// elemSize is sizeof(int32).
const elemSize = 4

// Thread is one filler loop, pinned to a dedicated core with its own
// RMID so BandwidthMonitor can account for it separately from any
// profiled target.
type Thread struct {
	core       int
	rmid       int
	bufferElem int // element count, overridable for tests

	enabled atomic.Bool
	stop    chan struct{}
	done    chan struct{}
}

// New creates a filler thread pinned to core with resource-monitoring
// id rmid. The thread is not started until Start is called.
func New(core, rmid int) *Thread {
	return &Thread{
		core:       core,
		rmid:       rmid,
		bufferElem: BufferBytes / elemSize,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Enable raises filler_enabled: the loop starts dividing every buffer
// element on its next pass.
func (t *Thread) Enable() { t.enabled.Store(true) }

// Disable lowers filler_enabled: the loop idles without touching the
// buffer until re-enabled.
func (t *Thread) Disable() { t.enabled.Store(false) }

// Enabled reports the current filler_enabled state.
func (t *Thread) Enabled() bool { return t.enabled.Load() }

// Start pins the calling goroutine's OS thread to t.core, blocks all
// signals on it, and runs the fill loop until Stop is called. Start
// must be called from a fresh goroutine (it calls runtime.LockOSThread
// and never unlocks, so the OS thread lives as long as the goroutine
// does); it returns once the loop has exited.
func (t *Thread) Start() error {
	runtime.LockOSThread()

	var cpuSet unix.CPUSet
	cpuSet.Zero()
	cpuSet.Set(t.core)
	if err := unix.SchedSetaffinity(0, &cpuSet); err != nil {
		return fmt.Errorf("filler: pin to core %d: %w", t.core, err)
	}

	var full unix.Sigset_t
	for i := range full.Val {
		full.Val[i] = ^uint64(0)
	}
	if err := unix.PthreadSigmask(unix.SIG_BLOCK, &full, nil); err != nil {
		return fmt.Errorf("filler: block signals: %w", err)
	}

	buf := make([]int32, t.bufferElem)
	defer close(t.done)

	for {
		select {
		case <-t.stop:
			return nil
		default:
		}
		if t.Enabled() {
			divideBuffer(buf, 5)
		}
	}
}

// Stop signals the loop to exit and waits for it to do so.
func (t *Thread) Stop() {
	close(t.stop)
	<-t.done
}

// divideBuffer divides every element of buf by d in place, matching
// scan_array's `array[i].val /= 5` pass. Division by zero never
// happens in practice (d is the constant divisor 5); a zero divisor
// only clears the buffer rather than panicking, so a misconfigured
// caller cannot crash the filler loop.
func divideBuffer(buf []int32, d int32) {
	if d == 0 {
		for i := range buf {
			buf[i] = 0
		}
		return
	}
	for i := range buf {
		buf[i] /= d
	}
}
