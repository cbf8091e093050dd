package model

import "testing"

func TestValidateRejectsZeroFields(t *testing.T) {
	base := func() RunConfig {
		return RunConfig{
			PhaseLen: 1000, NumPhases: 1, MRCWarmupMCyc: 1, MRCProfileMCyc: 1,
			OutPrefix: "run", TargetTids: []int{1},
		}
	}

	cases := []func(*RunConfig){
		func(c *RunConfig) { c.PhaseLen = 0 },
		func(c *RunConfig) { c.NumPhases = 0 },
		func(c *RunConfig) { c.MRCWarmupMCyc = 0 },
		func(c *RunConfig) { c.MRCProfileMCyc = 0 },
		func(c *RunConfig) { c.OutPrefix = "" },
		func(c *RunConfig) { c.TargetTids = nil },
	}
	for i, mutate := range cases {
		c := base()
		mutate(&c)
		if err := c.Validate(); err == nil {
			t.Errorf("case %d: expected error, got nil", i)
		}
	}
}

func TestValidateDerivesIntervalsFloorAtOne(t *testing.T) {
	c := RunConfig{
		// 1M cycles / 2M-cycle phases = 0 by integer division, floored to 1.
		PhaseLen: 2_000_000, NumPhases: 1, MRCWarmupMCyc: 1, MRCProfileMCyc: 1,
		OutPrefix: "run", TargetTids: []int{1},
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if c.MRCWarmupInterval != 1 || c.MRCProfileInterval != 1 {
		t.Fatalf("got warmup=%d profile=%d, want 1/1", c.MRCWarmupInterval, c.MRCProfileInterval)
	}
}

func TestValidateTopologyEnforcesWayRangeAndCoreCount(t *testing.T) {
	ok := HardwareTopology{CacheNumWays: 6, AssignableCores: []int{0, 1, 2, 3}}
	if err := ok.ValidateTopology(2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tooFewWays := HardwareTopology{CacheNumWays: 2, AssignableCores: []int{0, 1, 2, 3}}
	if err := tooFewWays.ValidateTopology(1); err == nil {
		t.Fatal("expected error for CacheNumWays=2")
	}

	tooManyWays := HardwareTopology{CacheNumWays: 17, AssignableCores: []int{0, 1, 2, 3}}
	if err := tooManyWays.ValidateTopology(1); err == nil {
		t.Fatal("expected error for CacheNumWays=17")
	}

	tooFewCores := HardwareTopology{CacheNumWays: 6, AssignableCores: []int{0, 1}}
	if err := tooFewCores.ValidateTopology(1); err == nil {
		t.Fatal("expected error when no core remains for filler+main")
	}
}

func TestWallClockEstimate(t *testing.T) {
	if got := WallClockEstimate(1000, 0); got != 0 {
		t.Fatalf("zero rate: got %v, want 0", got)
	}
	got := WallClockEstimate(2_000_000_000, 2_000_000_000)
	if got.Seconds() != 1 {
		t.Fatalf("got %v, want 1s", got)
	}
}
