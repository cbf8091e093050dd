// Package bandwidth reads per-resource-ID local memory-traffic and
// LLC-occupancy counters (CMT/MBM) and handles counter wrap.
package bandwidth

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Reader exposes the two raw counters for an rmid. The production
// implementation reads resctrl's mon_data files; tests supply a fake.
type Reader interface {
	ReadLocalBytes(rmid int) (uint64, error)
	ReadOccupancyBytes(rmid int) (uint64, error)
}

// DefaultWrapMax is the production counter modulus. CMT/MBM counters on
// current Intel parts are 62-bit monotonic byte counters fed by a scaled
// hardware register; the MSR itself wraps at 2^24 scaled units, but by
// the time values reach here they have already been descaled to a
// 62-bit space. Callers reading a different counter width (or a test
// fake) pass their own max into New instead of relying on this default.
const DefaultWrapMax = uint64(1) << 62

// perThreadState tracks last/total for one rmid's counter.
type perThreadState struct {
	last  uint64
	total uint64
	init  bool
}

// Monitor maintains last/total bandwidth and occupancy state per rmid.
type Monitor struct {
	reader  Reader
	wrapMax uint64
	local   map[int]*perThreadState
	occ     map[int]*perThreadState
}

// New creates a Monitor reading through the given Reader. wrapMax must
// be the real modulus of the counters reader exposes — DefaultWrapMax
// for ResctrlReader, or a smaller value for a fake that wraps sooner.
func New(reader Reader, wrapMax uint64) *Monitor {
	return &Monitor{
		reader:  reader,
		wrapMax: wrapMax,
		local:   make(map[int]*perThreadState),
		occ:     make(map[int]*perThreadState),
	}
}

// delta implements: delta = current >= last ? current-last : (max-last)+current.
func delta(st *perThreadState, current, wrapMax uint64) uint64 {
	if !st.init {
		st.init = true
		st.last = current
		return 0
	}
	var d uint64
	if current >= st.last {
		d = current - st.last
	} else {
		d = (wrapMax - st.last) + current
	}
	st.total += d
	st.last = current
	return d
}

// ReadLocalTraffic reads the current local-memory-traffic counter for
// rmid, folds it into the running total via the wrap-safe delta
// policy, and returns (delta, total) for this read.
func (m *Monitor) ReadLocalTraffic(rmid int) (uint64, uint64, error) {
	current, err := m.reader.ReadLocalBytes(rmid)
	if err != nil {
		return 0, 0, fmt.Errorf("read local traffic rmid=%d: %w", rmid, err)
	}
	st, ok := m.local[rmid]
	if !ok {
		st = &perThreadState{}
		m.local[rmid] = st
	}
	before := st.total
	delta(st, current, m.wrapMax)
	return st.total - before, st.total, nil
}

// ReadOccupancy reads the current LLC-occupancy counter for rmid. This
// counter is a point-in-time gauge, not folded through the wrap/total
// accumulator — it is reported as-is.
func (m *Monitor) ReadOccupancy(rmid int) (uint64, error) {
	current, err := m.reader.ReadOccupancyBytes(rmid)
	if err != nil {
		return 0, fmt.Errorf("read occupancy rmid=%d: %w", rmid, err)
	}
	return current, nil
}

// Delta exposes the wrap-safe delta computation directly, for callers
// (such as tests) that already have a raw sequence of reads and know
// the counter's modulus.
func Delta(readings []uint64, wrapMax uint64) uint64 {
	st := &perThreadState{}
	for _, r := range readings {
		delta(st, r, wrapMax)
	}
	return st.total
}

// ResctrlReader reads CMT/MBM counters from resctrl's per-rmid mon_data
// directories (mon_data/mon_L3_00/mbm_local_bytes, llc_occupancy).
type ResctrlReader struct {
	root string // e.g. /sys/fs/resctrl
}

// NewResctrlReader creates a reader rooted at the given resctrl mount.
func NewResctrlReader(root string) *ResctrlReader {
	if root == "" {
		root = "/sys/fs/resctrl"
	}
	return &ResctrlReader{root: root}
}

func (r *ResctrlReader) monFile(rmid int, name string) string {
	return filepath.Join(r.root, "mon_data", fmt.Sprintf("mon_rmid_%d", rmid), name)
}

func (r *ResctrlReader) readUint(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return v, nil
}

func (r *ResctrlReader) ReadLocalBytes(rmid int) (uint64, error) {
	return r.readUint(r.monFile(rmid, "mbm_local_bytes"))
}

func (r *ResctrlReader) ReadOccupancyBytes(rmid int) (uint64, error) {
	return r.readUint(r.monFile(rmid, "llc_occupancy"))
}
