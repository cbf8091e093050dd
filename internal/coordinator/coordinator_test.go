package coordinator

import (
	"testing"

	"github.com/corewaylab/cacheprof/internal/model"
	"github.com/corewaylab/cacheprof/internal/planner"
)

type fakeCache struct {
	calls         int
	lastTarget    int
	lastOthers    []int
	shareAllCalls int
}

func (f *fakeCache) ApplySlice(targetCore int, targetWays, corunnerWays uint32, otherCores []int) error {
	f.calls++
	f.lastTarget = targetCore
	f.lastOthers = otherCores
	return nil
}

func (f *fakeCache) ShareAll() error {
	f.shareAllCalls++
	return nil
}

type fakeFiller struct {
	enableCalls, disableCalls int
}

func (f *fakeFiller) Enable()  { f.enableCalls++ }
func (f *fakeFiller) Disable() { f.disableCalls++ }

type fakeBandwidth struct {
	delta uint64
}

func (f *fakeBandwidth) ReadLocalTraffic(rmid int) (uint64, uint64, error) {
	return f.delta, f.delta, nil
}

func newTestCoordinator(t *testing.T, numPhases uint64) (*Coordinator, *fakeCache, *fakeFiller) {
	t.Helper()
	threads := []*model.ThreadRecord{
		{Tidx: 0, Tid: 100, Core: 0, RMID: 10},
		{Tidx: 1, Tid: 101, Core: 1, RMID: 11},
	}
	plan := []planner.Slice{
		{TargetWays: 0b011, CorunnerWays: 0b100},
		{TargetWays: 0b001, CorunnerWays: 0b110},
	}
	cache := &fakeCache{}
	filler := &fakeFiller{}
	bw := &fakeBandwidth{delta: 6400}

	c, err := New(threads, 2, plan, cache, filler, bw, 1, 1000, numPhases)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, cache, filler
}

// TestRoundSequenceProfilesEachTargetInTurn drives both threads'
// overflow events through a full two-slice plan each, and checks the
// coordinator profiles tidx 0 then tidx 1 before releasing the shared
// allocation, ending with termination once the leading thread reaches
// its phase budget.
func TestRoundSequenceProfilesEachTargetInTurn(t *testing.T) {
	c, cache, filler := newTestCoordinator(t, 5)

	// tidx1 establishes its own counter baseline before the round
	// starts, as it would from its own early overflow events.
	if _, err := c.OnOverflow(1, 0, 0); err != nil {
		t.Fatalf("tidx1 baseline: %v", err)
	}

	// tidx0 phase 1: round start. Applies slice 0 to tidx0's core.
	if done, err := c.OnOverflow(0, 1000, 500); err != nil || done {
		t.Fatalf("round start: done=%v err=%v", done, err)
	}
	if filler.enableCalls != 1 {
		t.Fatalf("filler.enableCalls = %d, want 1", filler.enableCalls)
	}
	if c.State() != StateSampling {
		t.Fatalf("state = %v, want StateSampling", c.State())
	}
	if cache.lastTarget != 0 {
		t.Fatalf("round start applied to core %d, want 0", cache.lastTarget)
	}

	// tidx0 phase 2: records the round's first sample, applies slice 1.
	if done, _ := c.OnOverflow(0, 3000, 1500); done {
		t.Fatal("unexpected termination")
	}
	if cache.lastTarget != 0 || cache.calls != 2 {
		t.Fatalf("expected slice 1 applied to core 0, calls=%d target=%d", cache.calls, cache.lastTarget)
	}

	// tidx0 phase 3: plan exhausted, curve emitted, advances to tidx1
	// (slice 0 applied to its core immediately).
	if done, _ := c.OnOverflow(0, 4000, 2000); done {
		t.Fatal("unexpected termination")
	}
	res0 := c.Result(0)
	if len(res0.IPC) != 2 || len(res0.MRC) != 2 {
		t.Fatalf("Result(0) = %+v, want 2-element curves", res0)
	}
	if cache.lastTarget != 1 {
		t.Fatalf("expected target switched to core 1, got %d", cache.lastTarget)
	}

	// tidx1 phase 2 and 3: records its own round, completing the last
	// target and releasing the shared allocation.
	if done, err := c.OnOverflow(1, 2000, 1000); err != nil || done {
		t.Fatalf("tidx1 sample 1: done=%v err=%v", done, err)
	}
	if done, err := c.OnOverflow(1, 3000, 1500); err != nil || done {
		t.Fatalf("tidx1 sample 2: done=%v err=%v", done, err)
	}
	res1 := c.Result(1)
	if len(res1.IPC) != 2 || len(res1.MRC) != 2 {
		t.Fatalf("Result(1) = %+v, want 2-element curves", res1)
	}
	if cache.shareAllCalls != 1 {
		t.Fatalf("shareAllCalls = %d, want 1 after both targets profiled", cache.shareAllCalls)
	}
	if filler.disableCalls != 1 {
		t.Fatalf("filler.disableCalls = %d, want 1", filler.disableCalls)
	}
	if c.State() != StateWarmupProfile {
		t.Fatalf("state = %v, want StateWarmupProfile after round completes", c.State())
	}

	// tidx0 phases 4 and 5: no further rounds requested, terminates once
	// the phase budget is reached.
	if done, _ := c.OnOverflow(0, 4500, 2200); done {
		t.Fatal("unexpected early termination at phase 4")
	}
	done, err := c.OnOverflow(0, 5000, 2400)
	if err != nil {
		t.Fatalf("final overflow: %v", err)
	}
	if !done {
		t.Fatal("expected termination at phase 5")
	}
	if !c.Done() {
		t.Fatal("Done() = false, want true")
	}
	if c.FirstFinishedTidx() != 0 {
		t.Fatalf("FirstFinishedTidx() = %d, want 0", c.FirstFinishedTidx())
	}
}

// TestOnOverflowZeroInstructionGlitchSkipsTarget verifies a
// zero-instruction-delta sample discards the target's curve in
// progress and advances to the next target rather than retrying
// indefinitely on a mid-round glitch (see DESIGN.md).
func TestOnOverflowZeroInstructionGlitchSkipsTarget(t *testing.T) {
	c, cache, _ := newTestCoordinator(t, 100)

	if _, err := c.OnOverflow(0, 1000, 500); err != nil {
		t.Fatalf("round start: %v", err)
	}

	// Same instruction count as the baseline: zero delta.
	if _, err := c.OnOverflow(0, 1000, 1500); err != nil {
		t.Fatalf("glitched sample: %v", err)
	}

	if c.threads[0].LastStatus != model.StatusError {
		t.Fatalf("LastStatus = %v, want StatusError", c.threads[0].LastStatus)
	}
	if c.sliceIdx != 1 {
		t.Fatalf("sliceIdx = %d, want 1 (advanced to tidx1, slice 0 applied)", c.sliceIdx)
	}
	if c.currentTarget != 1 {
		t.Fatalf("currentTarget = %d, want 1", c.currentTarget)
	}
	if cache.lastTarget != 1 {
		t.Fatalf("expected slice applied to new target's core 1, got %d", cache.lastTarget)
	}
	if got := c.Result(0); got.IPC != nil {
		t.Fatalf("Result(0) = %+v, want no curve emitted for the glitched target", got)
	}
}

// TestAbortReleasesCacheAndStopsFiller exercises the SIGINT path.
func TestAbortReleasesCacheAndStopsFiller(t *testing.T) {
	c, cache, filler := newTestCoordinator(t, 100)

	if _, err := c.OnOverflow(0, 1000, 500); err != nil {
		t.Fatalf("round start: %v", err)
	}
	if err := c.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if !c.Done() {
		t.Fatal("Done() = false after Abort")
	}
	if cache.shareAllCalls != 1 {
		t.Fatalf("shareAllCalls = %d, want 1", cache.shareAllCalls)
	}
	if filler.disableCalls != 1 {
		t.Fatalf("filler.disableCalls = %d, want 1", filler.disableCalls)
	}

	// Idempotent: a second Abort is a no-op.
	if err := c.Abort(); err != nil {
		t.Fatalf("second Abort: %v", err)
	}
	if cache.shareAllCalls != 1 {
		t.Fatalf("shareAllCalls = %d after second Abort, want still 1", cache.shareAllCalls)
	}
}
