// Package model defines the shared data types passed between cachectl,
// bandwidth, counters, attacher, planner, curve, filler and coordinator.
// It carries no behavior beyond small accessors.
package model

// SampleStatus records the outcome of a single phase's counter read.
type SampleStatus int

const (
	// StatusCollected means the phase produced a usable sample.
	StatusCollected SampleStatus = 0
	// StatusPending means the phase has not yet been sampled.
	StatusPending SampleStatus = 1
	// StatusError means the sample was discarded (e.g. zero-instruction glitch).
	StatusError SampleStatus = 5
)

// ThreadRecord is the per-profiled-thread bookkeeping the Coordinator and
// Attacher share. tidx is the thread's stable index into every
// per-thread slice owned by the Coordinator.
type ThreadRecord struct {
	Tidx    int
	Tid     int // OS thread id
	Tgid    int // thread-group id
	Core    int // logical core this thread is pinned to
	RMID    int // resource-monitoring id, unique and non-zero
	Phase   uint64
	PhasesOnGroup uint64

	// WaysHeld is the ways this core currently holds; LastStatus is the
	// SampleStatus of the last applied slice.
	WaysHeld     int
	LastStatus   SampleStatus

	RawLog  string // path to <prefix>_counters_<tid>
	MRCLog  string // path to <prefix>_mrc_<tid>
	IPCLog  string // path to <prefix>_ipc_<tid>
}

// PlanSlice is one step of a SamplingPlanner plan: disjoint way bitmasks
// for the target thread's class-of-service and the co-runner class.
type PlanSlice struct {
	TargetWays   uint32 // bitmask over W ways
	CorunnerWays uint32
}

// NumWays reports how many bits are set in the target allocation —
// the "ways" x-coordinate used by CurveBuilder.
func (s PlanSlice) NumWays() int {
	return popcount(s.TargetWays)
}

func popcount(x uint32) int {
	n := 0
	for x != 0 {
		x &= x - 1
		n++
	}
	return n
}

// CounterSample is one leader-overflow reading: the grouped counter
// values read from the ring buffer, in group order
// [reference cycles (leader), INST_RETIRED, CPU_CLK_UNHALTED, rotating...].
type CounterSample struct {
	Timestamp   uint64
	CPU         uint32
	GroupFD     int
	TimeEnabled uint64
	TimeRunning uint64
	MemTraffic  uint64 // bytes, from BandwidthMonitor
	LLCOccupancy uint64 // bytes, from BandwidthMonitor
	Values      []uint64
}

// CurveColumn is one completed (ways -> value) estimate, indexed 0..W-1
// by way count minus one.
type CurveColumn struct {
	MRC []float64
	IPC []float64
}
