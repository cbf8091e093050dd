// Package curve reduces sparse, noisy (ways -> IPC, ways -> MPKI) samples
// collected across one sampling-plan round into interpolated,
// monotonicity-corrected curves over the full 1..W way domain, with a
// sliding-window average across a thread's completed rounds.
//
// Three steps: interpolate a round's raw samples into a column,
// monotonicity-clamp the accumulated matrix, average a trailing window
// of columns.
package curve

import (
	"errors"
	"fmt"
	"sort"
)

// HistWindowLength bounds how many of a thread's prior completed rounds
// feed the sliding-window average at emission.
const HistWindowLength = 3

// ErrZeroInstructions is returned by RecordSample when a phase's
// instruction delta is zero — an observed hardware-counter glitch.
// The caller must discard the round.
var ErrZeroInstructions = errors.New("curve: zero instruction delta, sample discarded")

// CacheLineBytes is the LLC line size used to convert memory-traffic
// bytes into a miss count for MPKI.
const CacheLineBytes = 64

// Builder accumulates one profiled thread's curve state: the raw
// samples of the round in progress, and the history of completed,
// emitted columns used for the sliding-window average.
type Builder struct {
	ways int // W, the machine's LLC way count

	// Raw per-round arrays, length planLen, indexed by plan step.
	xPoints     []float64
	yPointsIPC  []float64
	yPointsMPKI []float64
	collected   int

	// History of completed rounds, one column per round, row i holding
	// the estimate at way (i+1).
	mrcEstimates [][]float64 // index [round][way-1], MPKI curve
	ipcEstimates [][]float64 // index [round][way-1], IPC curve
}

// NewBuilder creates a Builder for a machine with w LLC ways and a
// plan of planLen steps.
func NewBuilder(w, planLen int) *Builder {
	return &Builder{
		ways:        w,
		xPoints:     make([]float64, planLen),
		yPointsIPC:  make([]float64, planLen),
		yPointsMPKI: make([]float64, planLen),
	}
}

// RecordSample writes the step-th point of the round in progress.
// deltaInstr/deltaCycles/deltaMemBytes are the counter deltas since the
// last sample on this thread. Returns ErrZeroInstructions without
// recording if deltaInstr is zero.
func (b *Builder) RecordSample(step, ways int, deltaInstr, deltaCycles, deltaMemBytes uint64) error {
	if step < 0 || step >= len(b.xPoints) {
		return fmt.Errorf("curve: step %d out of range [0,%d)", step, len(b.xPoints))
	}
	if deltaInstr == 0 {
		return ErrZeroInstructions
	}
	ipc := float64(deltaInstr) / float64(deltaCycles)
	misses := float64(deltaMemBytes) / float64(CacheLineBytes)
	mpki := 1000 * misses / float64(deltaInstr)

	b.xPoints[step] = float64(ways)
	b.yPointsIPC[step] = ipc
	b.yPointsMPKI[step] = mpki
	b.collected++
	return nil
}

// Discard abandons the round in progress (e.g. after ErrZeroInstructions)
// without appending a column, so the next round starts clean.
func (b *Builder) Discard() {
	b.collected = 0
	for i := range b.xPoints {
		b.xPoints[i] = 0
		b.yPointsIPC[i] = 0
		b.yPointsMPKI[i] = 0
	}
}

// Rounds reports how many columns this thread has emitted so far.
func (b *Builder) Rounds() int {
	return len(b.mrcEstimates)
}

// Emit closes out a cleanly-collected round: discards the warmup
// sample, interpolates over 1..W, tail-replicates the last way,
// appends the column to history, monotonicity-clamps the full history
// matrix, and returns the window-averaged (mrc, ipc) columns for this
// round.
func (b *Builder) Emit() (mpki []float64, ipc []float64, err error) {
	if b.collected < 2 {
		return nil, nil, fmt.Errorf("curve: round has %d samples, need at least 2", b.collected)
	}

	// Step 1: discard warmup, replacing index 0 with index 1's values.
	b.xPoints[0] = b.xPoints[1]
	b.yPointsIPC[0] = b.yPointsIPC[1]
	b.yPointsMPKI[0] = b.yPointsMPKI[1]

	// Step 2: linearly interpolate onto the integer grid 1..W.
	mrcCol := interpolate(b.xPoints, b.yPointsMPKI, b.ways)
	ipcCol := interpolate(b.xPoints, b.yPointsIPC, b.ways)

	// Step 3: tail-replicate the last way from the second-to-last.
	if b.ways >= 2 {
		mrcCol[b.ways-1] = mrcCol[b.ways-2]
		ipcCol[b.ways-1] = ipcCol[b.ways-2]
	}

	b.mrcEstimates = append(b.mrcEstimates, mrcCol)
	b.ipcEstimates = append(b.ipcEstimates, ipcCol)
	k := len(b.mrcEstimates) - 1

	// Step 5 (performed over the whole history matrix, as the source
	// does in dump_mrc_estimates/dump_ipc_estimates, before averaging):
	// MPKI is non-increasing in ways, IPC is non-decreasing.
	clampMonotonic(b.mrcEstimates, minClamp)
	clampMonotonic(b.ipcEstimates, maxClamp)

	// Step 4: sliding window average over this thread's last
	// HistWindowLength+1 completed rounds, per way.
	startCol := k - HistWindowLength
	if startCol < 0 {
		startCol = 0
	}
	mpkiAvg := windowAverage(b.mrcEstimates, startCol, k)
	ipcAvg := windowAverage(b.ipcEstimates, startCol, k)

	b.collected = 0
	return mpkiAvg, ipcAvg, nil
}

// interpolate builds a value for every integer way in 1..w from the
// sparse (x,y) samples, sorting and de-duplicating x first, holding
// the nearest known value flat beyond the sampled range.
func interpolate(x, y []float64, w int) []float64 {
	type point struct{ x, y float64 }
	pts := make([]point, len(x))
	for i := range x {
		pts[i] = point{x[i], y[i]}
	}
	sort.Slice(pts, func(i, j int) bool { return pts[i].x < pts[j].x })

	dedup := pts[:0:0]
	for i := 0; i < len(pts); {
		j := i + 1
		sum, n := pts[i].y, 1.0
		for j < len(pts) && pts[j].x == pts[i].x {
			sum += pts[j].y
			n++
			j++
		}
		dedup = append(dedup, point{pts[i].x, sum / n})
		i = j
	}

	out := make([]float64, w)
	for way := 1; way <= w; way++ {
		fx := float64(way)
		switch {
		case fx <= dedup[0].x:
			out[way-1] = dedup[0].y
		case fx >= dedup[len(dedup)-1].x:
			out[way-1] = dedup[len(dedup)-1].y
		default:
			for i := 1; i < len(dedup); i++ {
				if fx > dedup[i].x {
					continue
				}
				lo, hi := dedup[i-1], dedup[i]
				t := (fx - lo.x) / (hi.x - lo.x)
				out[way-1] = lo.y + t*(hi.y-lo.y)
				break
			}
		}
	}
	return out
}

func minClamp(prev, cur float64) float64 {
	if prev < cur {
		return prev
	}
	return cur
}

func maxClamp(prev, cur float64) float64 {
	if prev > cur {
		return prev
	}
	return cur
}

// clampMonotonic enforces row-wise monotonicity down every column of
// history, matching dump_mrc_estimates/dump_ipc_estimates's in-place
// pass over the whole matrix.
func clampMonotonic(history [][]float64, clamp func(prev, cur float64) float64) {
	for _, col := range history {
		for i := 1; i < len(col); i++ {
			col[i] = clamp(col[i-1], col[i])
		}
	}
}

// windowAverage averages history[startCol..endCol] per way, matching
// the startCol/endCol loop in the source's dump routines.
func windowAverage(history [][]float64, startCol, endCol int) []float64 {
	w := len(history[endCol])
	avg := make([]float64, w)
	n := float64(endCol - startCol + 1)
	for way := 0; way < w; way++ {
		sum := 0.0
		for j := startCol; j <= endCol; j++ {
			sum += history[j][way]
		}
		avg[way] = sum / n
	}
	return avg
}
