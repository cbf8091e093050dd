// Package coordinator drives the profiling run's state machine: which
// thread is the current sampling target, which plan slice is applied,
// when a target's curve is complete, and when the whole run is done.
//
// Every overflow bumps the firing thread's phase counter. Whenever the
// leading thread's (tidx 0) phase count reaches a multiple of the
// current warmup/profile interval, a new round starts (applies the
// first plan slice, enables the filler); otherwise, once SAMPLING has
// started, every monitor-length run of the current target's own phases
// records a sample point for the round in progress and either
// advances to the next plan slice or closes out the current target's
// curve and moves to the next target. One mutex serializes all of this
// the way a single SA_SIGINFO handler would,
// following internal/orchestrator/orchestrator.go's mutex-guarded
// shared-state shape; see DESIGN.md for the signal-dispatch adaptation
// this requires (no goroutine has Go access to which fd overflowed, so
// every live thread's counter group is polled on each wakeup instead of
// dispatching on signal payload identity).
package coordinator

import (
	"fmt"
	"sync"

	"github.com/corewaylab/cacheprof/internal/curve"
	"github.com/corewaylab/cacheprof/internal/model"
	"github.com/corewaylab/cacheprof/internal/planner"
)

// monitorLen is the phase stride between recorded samples once a round
// is in progress. DESIGN.md Open Question (b): held constant at 1
// rather than exposed as configurable.
const monitorLen = 1

// State is one of the run's four phases.
type State int

const (
	StateWarmupLong State = iota
	StateSampling
	StateWarmupProfile
	StateDone
)

func (s State) String() string {
	switch s {
	case StateWarmupLong:
		return "warmup_long"
	case StateSampling:
		return "sampling"
	case StateWarmupProfile:
		return "warmup_profile"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// CacheWriter is the subset of cachectl.CacheController the Coordinator
// drives: applying one plan slice, and releasing every core back to a
// shared allocation once the run is over.
type CacheWriter interface {
	ApplySlice(targetCore int, targetWays, corunnerWays uint32, otherCores []int) error
	ShareAll() error
}

// FillerControl is the subset of filler.Thread the Coordinator drives.
type FillerControl interface {
	Enable()
	Disable()
}

// BandwidthSource is the subset of bandwidth.Monitor the Coordinator
// reads from when closing out a sample.
type BandwidthSource interface {
	ReadLocalTraffic(rmid int) (delta, total uint64, err error)
}

// counterSnapshot is the last cumulative (instructions, cycles) pair
// seen for a thread, the baseline the next sample's delta is taken
// against.
type counterSnapshot struct {
	instr, cycles uint64
}

// Coordinator owns the per-run state machine described above. All
// mutating methods take the same mutex, preserving single-handler
// exclusivity over the run's mutable state.
type Coordinator struct {
	mu sync.Mutex

	threads   []*model.ThreadRecord
	fillerCore int
	plan      []planner.Slice

	cache    CacheWriter
	filler   FillerControl
	bandwidth BandwidthSource

	builders  []*curve.Builder
	snapshots []counterSnapshot
	results   []model.CurveColumn

	sliceIdx      int
	currentTarget int
	monitoring    bool
	firstInvocation bool
	done          bool
	firstFinishedTidx int

	warmupInterval      uint64
	profileInterval     uint64
	mrcInvokeMonitorLen uint64
	numPhases           uint64
}

// New creates a Coordinator over the given threads (tidx 0 is the
// leading thread, the only one whose phase count drives round starts
// and termination), with fillerCore the dedicated core the
// filler thread is pinned to.
func New(
	threads []*model.ThreadRecord,
	fillerCore int,
	plan []planner.Slice,
	cache CacheWriter,
	filler FillerControl,
	bandwidth BandwidthSource,
	warmupInterval, profileInterval, numPhases uint64,
) (*Coordinator, error) {
	if len(threads) == 0 {
		return nil, fmt.Errorf("coordinator: no threads")
	}
	if len(plan) == 0 {
		return nil, fmt.Errorf("coordinator: empty plan")
	}

	builders := make([]*curve.Builder, len(threads))
	w := 0
	for _, s := range plan {
		if n := s.NumWays(); n > w {
			w = n
		}
	}
	for i := range builders {
		builders[i] = curve.NewBuilder(w, len(plan))
	}

	return &Coordinator{
		threads:             threads,
		fillerCore:          fillerCore,
		plan:                plan,
		cache:               cache,
		filler:              filler,
		bandwidth:           bandwidth,
		builders:            builders,
		snapshots:           make([]counterSnapshot, len(threads)),
		results:             make([]model.CurveColumn, len(threads)),
		firstInvocation:     true,
		firstFinishedTidx:   -1,
		warmupInterval:      warmupInterval,
		profileInterval:     profileInterval,
		mrcInvokeMonitorLen: warmupInterval,
		numPhases:           numPhases,
	}, nil
}

// State reports the run's current phase.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state()
}

func (c *Coordinator) state() State {
	switch {
	case c.done:
		return StateDone
	case c.monitoring:
		return StateSampling
	case c.firstInvocation:
		return StateWarmupLong
	default:
		return StateWarmupProfile
	}
}

// Result returns the last curve emitted for tidx, if any.
func (c *Coordinator) Result(tidx int) model.CurveColumn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.results[tidx]
}

// FirstFinishedTidx returns the tidx that first reached its phase
// budget, or -1 if none has yet.
func (c *Coordinator) FirstFinishedTidx() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.firstFinishedTidx
}

// Done reports whether the run has reached StateDone.
func (c *Coordinator) Done() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// OnOverflow processes one overflow event for thread tidx, with
// instrCum/cyclesCum the thread's cumulative INST_RETIRED/
// CPU_CLK_UNHALTED counter values at this event. It returns true once
// the run has reached StateDone (the caller should then stop the
// attached threads and tear down).
func (c *Coordinator) OnOverflow(tidx int, instrCum, cyclesCum uint64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.done {
		return true, nil
	}
	if tidx < 0 || tidx >= len(c.threads) {
		return false, fmt.Errorf("coordinator: tidx %d out of range", tidx)
	}

	t := c.threads[tidx]
	t.Phase++

	switch {
	case t.Phase%c.mrcInvokeMonitorLen == 0:
		c.snapshot(tidx, instrCum, cyclesCum)
		if tidx == 0 && t.Phase < c.numPhases {
			if c.firstInvocation {
				c.mrcInvokeMonitorLen = c.profileInterval
				c.firstInvocation = false
			}
			c.filler.Enable()
			if err := c.applySlice(0); err != nil {
				return false, err
			}
			c.sliceIdx = 1
			c.monitoring = true
		}

	case c.monitoring && t.Phase%monitorLen == 0:
		if err := c.recordAndAdvance(tidx, instrCum, cyclesCum); err != nil {
			return false, err
		}
	}

	if tidx == 0 && t.Phase >= c.numPhases {
		c.done = true
		if c.firstFinishedTidx == -1 {
			c.firstFinishedTidx = tidx
		}
		return true, nil
	}
	return false, nil
}

// recordAndAdvance records the sampling-target's counter delta as one
// point of its curve in progress, then either applies the next plan
// slice or, once the plan is exhausted, closes out the target's curve
// and hands profiling to the next target.
func (c *Coordinator) recordAndAdvance(tidx int, instrCum, cyclesCum uint64) error {
	snap := c.snapshots[tidx]
	deltaInstr := instrCum - snap.instr
	deltaCycles := cyclesCum - snap.cycles
	c.snapshot(tidx, instrCum, cyclesCum)

	if tidx != c.currentTarget {
		return nil
	}

	target := c.threads[c.currentTarget]
	deltaMem, _, err := c.bandwidth.ReadLocalTraffic(target.RMID)
	if err != nil {
		return fmt.Errorf("coordinator: read bandwidth for tidx %d: %w", tidx, err)
	}

	builder := c.builders[c.currentTarget]
	step := c.sliceIdx - 1
	recErr := builder.RecordSample(step, target.WaysHeld, deltaInstr, deltaCycles, deltaMem)

	if recErr == curve.ErrZeroInstructions {
		target.LastStatus = model.StatusError
		builder.Discard()
		c.sliceIdx = 0
		return c.advanceTarget()
	}
	if recErr != nil {
		return recErr
	}
	target.LastStatus = model.StatusCollected

	if c.sliceIdx >= len(c.plan) {
		mrc, ipc, err := builder.Emit()
		if err != nil {
			return fmt.Errorf("coordinator: emit curve for tidx %d: %w", c.currentTarget, err)
		}
		c.results[c.currentTarget] = model.CurveColumn{MRC: mrc, IPC: ipc}
		c.sliceIdx = 0
		return c.advanceTarget()
	}

	if err := c.applySlice(c.sliceIdx); err != nil {
		return err
	}
	c.sliceIdx++
	return nil
}

// advanceTarget moves profiling to the next thread, applying the plan's
// first slice to it immediately — a lazy apply-on-next-event path would
// index the new target's sample arrays at sliceIdx-1 == -1 before any
// slice has been applied; applying slice 0 synchronously here gives the
// same one-slice-per-event cadence without that out-of-bounds step.
// Once every thread has been profiled, it ends the
// SAMPLING phase: the filler stops and every core returns to a shared
// cache allocation.
func (c *Coordinator) advanceTarget() error {
	c.currentTarget++
	if c.currentTarget < len(c.threads) {
		if err := c.applySlice(0); err != nil {
			return err
		}
		c.sliceIdx = 1
		return nil
	}
	c.currentTarget = 0
	c.monitoring = false
	c.filler.Disable()
	return c.cache.ShareAll()
}

// applySlice applies plan[idx] to the current target's core, with
// every other core (including the filler's) bound to the co-runner
// class, and records the ways each thread now holds.
func (c *Coordinator) applySlice(idx int) error {
	slice := c.plan[idx]
	target := c.threads[c.currentTarget]
	others := c.otherCores(target.Core)

	if err := c.cache.ApplySlice(target.Core, slice.TargetWays, slice.CorunnerWays, others); err != nil {
		return fmt.Errorf("coordinator: apply slice %d: %w", idx, err)
	}

	target.WaysHeld = slice.NumWays()
	corunnerWays := planner.Slice{TargetWays: slice.CorunnerWays}.NumWays()
	for i, th := range c.threads {
		if i != c.currentTarget {
			th.WaysHeld = corunnerWays
		}
	}
	return nil
}

// otherCores lists every core in the run other than exclude: the rest
// of the profiled threads' cores plus the filler's.
func (c *Coordinator) otherCores(exclude int) []int {
	cores := make([]int, 0, len(c.threads))
	for _, th := range c.threads {
		if th.Core != exclude {
			cores = append(cores, th.Core)
		}
	}
	if c.fillerCore != exclude {
		cores = append(cores, c.fillerCore)
	}
	return cores
}

func (c *Coordinator) snapshot(tidx int, instr, cycles uint64) {
	c.snapshots[tidx] = counterSnapshot{instr: instr, cycles: cycles}
}

// Abort handles SIGINT: release every core to a shared allocation,
// stop the filler, and mark the run done without waiting for the
// phase budget.
func (c *Coordinator) Abort() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return nil
	}
	c.filler.Disable()
	c.done = true
	return c.cache.ShareAll()
}
