package model

import "time"

// RunConfig is the validated product of the CLI flags in the external
// interfaces section: phase_len, num_phases, warmup/profile periods,
// the rotating-event list, MRC mode, output paths, thread-group id,
// target tids, results directory and debug toggle.
type RunConfig struct {
	RotatingEvents []string // -e
	PhaseLen       uint64   // -l, reference cycles
	NumPhases      uint64   // -n
	MRCWarmupMCyc  uint64   // -w, million cycles
	MRCProfileMCyc uint64   // -p, million cycles
	OutPrefix      string   // -f
	ThreadGroupID  int      // -g
	TargetTids     []int    // -t
	ResultsDir     string   // -r
	MRCMode        bool     // -m
	Debug          bool     // -d

	// Derived at validation time.
	MRCWarmupInterval  uint64
	MRCProfileInterval uint64
}

// HardwareTopology describes the machine cacheprof attached to. It is
// populated at startup from /sys and procfs rather than hardcoded.
type HardwareTopology struct {
	CacheLineSize    int
	CacheNumWays     int
	NumLogicalCores  int
	AssignableCores  []int // NUMA node 0 cores available to bind threads to
}

// Validate checks the static invariants that don't depend on hardware
// topology: W range and target/core count are checked once topology is
// known, by the caller.
func (c *RunConfig) Validate() error {
	if c.PhaseLen == 0 {
		return errConfig("phase_len must be > 0")
	}
	if c.NumPhases == 0 {
		return errConfig("num_phases must be > 0")
	}
	if c.MRCWarmupMCyc == 0 || c.MRCProfileMCyc == 0 {
		return errConfig("mrc warmup/profile periods must be > 0")
	}
	if c.OutPrefix == "" {
		return errConfig("output file prefix is required")
	}
	if len(c.TargetTids) == 0 {
		return errConfig("at least one target tid is required")
	}
	// Convert million-cycle periods into phase-count intervals.
	c.MRCWarmupInterval = (c.MRCWarmupMCyc * 1_000_000) / max1(c.PhaseLen)
	c.MRCProfileInterval = (c.MRCProfileMCyc * 1_000_000) / max1(c.PhaseLen)
	if c.MRCWarmupInterval == 0 {
		c.MRCWarmupInterval = 1
	}
	if c.MRCProfileInterval == 0 {
		c.MRCProfileInterval = 1
	}
	return nil
}

func max1(v uint64) uint64 {
	if v == 0 {
		return 1
	}
	return v
}

type configError string

func (e configError) Error() string { return string(e) }

func errConfig(msg string) error { return configError(msg) }

// ValidateTopology checks requirements that depend on the discovered
// hardware: W in [3,16] and enough assignable cores for targets + filler + main.
func (t *HardwareTopology) ValidateTopology(numTargets int) error {
	if t.CacheNumWays < 3 || t.CacheNumWays > 16 {
		return errConfig("cache way count outside supported range [3,16]")
	}
	if numTargets > len(t.AssignableCores)-2 {
		return errConfig("not enough assignable cores for targets + filler + main")
	}
	return nil
}

// WallClockEstimate converts a phase length in reference cycles into an
// approximate wall-clock duration, using a measured cycles-per-second
// rate. Informational only — never feeds the control loop.
func WallClockEstimate(phaseLen uint64, refCyclesPerSecond float64) time.Duration {
	if refCyclesPerSecond <= 0 {
		return 0
	}
	seconds := float64(phaseLen) / refCyclesPerSecond
	return time.Duration(seconds * float64(time.Second))
}
