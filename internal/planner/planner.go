// Package planner builds the ordered sampling plan of (target, co-runner)
// way bitmasks for a given LLC way count, and applies the Broadwell
// 10/11-way class-of-service workaround at emission (captured once here
// per DESIGN.md's Open Question (c), not duplicated in internal/cachectl).
//
// Table shape follows internal/orchestrator/profiles.go's
// named-table-with-fallback style; the literal W=6 and W=12 sequences
// are the worked examples, the rest of the W∈[3,16] range is a
// decreasing progression with the same first-entry-repeated shape.
package planner

import "fmt"

// Slice is one step of the plan: disjoint bitmasks over W ways whose
// union covers every way.
type Slice struct {
	TargetWays   uint32
	CorunnerWays uint32
}

// MinWays and MaxWays bound the supported LLC way counts.
const (
	MinWays = 3
	MaxWays = 16

	// broadwellWays is the specific part's way count where classes 10
	// and 11 must share a partition.
	broadwellWays = 12
)

// wayCountTables holds the two literal worked examples; every other
// supported W is generated by wayCountSequence.
var wayCountTables = map[int][]int{
	6:             {5, 5, 4, 3, 2, 1},
	broadwellWays: {11, 11, 8, 6, 4, 2, 1},
}

// wayCountSequence returns the target-ways value at each plan step,
// highest first, with the first entry repeated as a warmup slice.
// W must already be validated to [MinWays,MaxWays].
func wayCountSequence(w int) []int {
	if seq, ok := wayCountTables[w]; ok {
		return seq
	}
	v := w - 1
	seq := []int{v, v}
	for v > 1 {
		var step int
		if v > 4 {
			step = v / 3
		} else {
			step = v / 2
		}
		if step < 1 {
			step = 1
		}
		v -= step
		seq = append(seq, v)
	}
	return seq
}

func fullMask(w int) uint32 {
	if w >= 32 {
		return ^uint32(0)
	}
	return (uint32(1) << uint(w)) - 1
}

// Build constructs the full plan for a machine with w LLC ways. The
// target always receives the low-order n bits; the co-runner receives
// the remaining high-order bits, so the two masks are always disjoint
// and their union is always the full mask.
func Build(w int) ([]Slice, error) {
	if w < MinWays || w > MaxWays {
		return nil, fmt.Errorf("planner: way count %d outside supported range [%d,%d]", w, MinWays, MaxWays)
	}
	full := fullMask(w)
	wayCounts := wayCountSequence(w)

	slices := make([]Slice, len(wayCounts))
	for i, n := range wayCounts {
		target := fullMask(n)
		corunner := full &^ target
		slices[i] = Slice{TargetWays: target, CorunnerWays: corunner}
		if w == broadwellWays {
			slices[i] = applyBroadwellWorkaround(slices[i])
		}
	}
	return slices, nil
}

// NumWays reports how many ways a slice's target side holds.
func (s Slice) NumWays() int {
	return popcount(s.TargetWays)
}

func popcount(x uint32) int {
	n := 0
	for x != 0 {
		n += int(x & 1)
		x >>= 1
	}
	return n
}

// applyBroadwellWorkaround rewrites a two-partition slice so that ways
// 10 and 11 land in the same partition:
//  1. if one victim partition has size >1, swap its non-{10,11} way
//     with the other victim's single {10,11} way.
//  2. otherwise (both victim partitions are singleton) there is no
//     third partition in a two-way split to donate from, so this case
//     cannot arise for W=12's target/co-runner plan; ApplyWorkaroundN
//     below implements it for the general N-partition case this
//     algorithm was grounded on (cache_utils.cpp's verify_intel_cos_issue).
func applyBroadwellWorkaround(s Slice) Slice {
	const way10, way11 = uint32(1) << 10, uint32(1) << 11

	targetHas10 := s.TargetWays&way10 != 0
	targetHas11 := s.TargetWays&way11 != 0
	if targetHas10 == targetHas11 {
		return s // both already in the same partition
	}

	// Identify which mask owns 10 and which owns 11.
	var owner10, owner11 *uint32
	if targetHas10 {
		owner10 = &s.TargetWays
		owner11 = &s.CorunnerWays
	} else {
		owner10 = &s.CorunnerWays
		owner11 = &s.TargetWays
	}

	size10 := popcount(*owner10)
	size11 := popcount(*owner11)

	switch {
	case size10 > 1:
		swapWay := lowestOtherWay(*owner10, way10, way11)
		*owner10 = (*owner10 &^ (uint32(1) << swapWay)) | way11
		*owner11 = (*owner11 &^ way11) | (uint32(1) << swapWay)
	case size11 > 1:
		swapWay := lowestOtherWay(*owner11, way10, way11)
		*owner11 = (*owner11 &^ (uint32(1) << swapWay)) | way10
		*owner10 = (*owner10 &^ way10) | (uint32(1) << swapWay)
	default:
		// Both victim partitions are singletons; with only two
		// partitions in this plan's slice there is no third partition
		// to donate from, so the split is left as-is. This branch is
		// unreachable for a full W=12 two-way partition (one side
		// always holds the other 10 ways); kept defensively.
	}

	return s
}

// lowestOtherWay returns the lowest-numbered way bit set in mask other
// than way10 or way11.
func lowestOtherWay(mask, way10, way11 uint32) uint {
	for way := uint(0); way < 32; way++ {
		bit := uint32(1) << way
		if mask&bit == 0 {
			continue
		}
		if bit == way10 || bit == way11 {
			continue
		}
		return way
	}
	return 0
}

// ApplyWorkaroundN is the general N-partition form of the same
// algorithm (cache_utils.cpp's verify_intel_cos_issue): when 10 and 11
// land in different partitions and both are singletons, a third
// partition of size >= 2 donates two ways to become the new {10,11}
// owner. Exposed for completeness and for any future sampling plan
// shape that splits ways across more than two partitions.
func ApplyWorkaroundN(masks []uint32) {
	const way10, way11 = uint32(1) << 10, uint32(1) << 11

	owner10, owner11 := -1, -1
	for i, m := range masks {
		if m&way10 != 0 {
			owner10 = i
		}
		if m&way11 != 0 {
			owner11 = i
		}
	}
	if owner10 == owner11 || owner10 == -1 || owner11 == -1 {
		return
	}

	if popcount(masks[owner10]) > 1 {
		swapWay := lowestOtherWay(masks[owner10], way10, way11)
		masks[owner10] = (masks[owner10] &^ (uint32(1) << swapWay)) | way11
		masks[owner11] = (masks[owner11] &^ way11) | (uint32(1) << swapWay)
		return
	}
	if popcount(masks[owner11]) > 1 {
		swapWay := lowestOtherWay(masks[owner11], way10, way11)
		masks[owner11] = (masks[owner11] &^ (uint32(1) << swapWay)) | way10
		masks[owner10] = (masks[owner10] &^ way10) | (uint32(1) << swapWay)
		return
	}

	for i, m := range masks {
		if i == owner10 || i == owner11 {
			continue
		}
		if popcount(m) < 2 {
			continue
		}
		swap1 := lowestOtherWay(m, way10, way11)
		m &^= uint32(1) << swap1
		swap2 := lowestOtherWay(m, way10, way11)
		masks[i] = (m &^ (uint32(1) << swap2)) | way10 | way11
		masks[owner10] = (masks[owner10] &^ way10) | (uint32(1) << swap1)
		masks[owner11] = (masks[owner11] &^ way11) | (uint32(1) << swap2)
		return
	}
}
