package planner

import "testing"

func TestBuildRejectsOutOfRangeW(t *testing.T) {
	if _, err := Build(2); err == nil {
		t.Fatal("expected error for W=2")
	}
	if _, err := Build(17); err == nil {
		t.Fatal("expected error for W=17")
	}
}

func TestBuildW6MatchesWorkedExample(t *testing.T) {
	slices, err := Build(6)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	wantWays := []int{5, 5, 4, 3, 2, 1}
	if len(slices) != len(wantWays) {
		t.Fatalf("got %d slices, want %d", len(slices), len(wantWays))
	}
	for i, want := range wantWays {
		if slices[i].NumWays() != want {
			t.Errorf("slice %d: NumWays() = %d, want %d", i, slices[i].NumWays(), want)
		}
	}
}

func TestBuildSlicesAreDisjointAndCoverFullMask(t *testing.T) {
	for _, w := range []int{3, 6, 12, 16} {
		slices, err := Build(w)
		if err != nil {
			t.Fatalf("W=%d: unexpected error: %v", w, err)
		}
		full := fullMask(w)
		for i, s := range slices {
			if s.TargetWays&s.CorunnerWays != 0 {
				t.Errorf("W=%d slice %d: target/corunner overlap", w, i)
			}
			if s.TargetWays|s.CorunnerWays != full {
				t.Errorf("W=%d slice %d: union %#x != full mask %#x", w, i, s.TargetWays|s.CorunnerWays, full)
			}
		}
	}
}

func TestBuildW12AppliesBroadwellWorkaround(t *testing.T) {
	slices, err := Build(12)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	const way10, way11 = uint32(1) << 10, uint32(1) << 11
	for i, s := range slices {
		targetHas10 := s.TargetWays&way10 != 0
		targetHas11 := s.TargetWays&way11 != 0
		if targetHas10 != targetHas11 {
			t.Errorf("slice %d: ways 10 and 11 split across partitions (target=%#x corunner=%#x)", i, s.TargetWays, s.CorunnerWays)
		}
	}
}

func TestApplyBroadwellWorkaroundRewritesSplitAllocation(t *testing.T) {
	// target={0..10}, co={11}: the split-ownership case the workaround fixes.
	var target uint32
	for i := 0; i <= 10; i++ {
		target |= 1 << uint(i)
	}
	s := Slice{TargetWays: target, CorunnerWays: 1 << 11}

	fixed := applyBroadwellWorkaround(s)

	const way10, way11 = uint32(1) << 10, uint32(1) << 11
	targetHas10 := fixed.TargetWays&way10 != 0
	targetHas11 := fixed.TargetWays&way11 != 0
	if targetHas10 != targetHas11 {
		t.Fatalf("ways 10 and 11 still split: target=%#x corunner=%#x", fixed.TargetWays, fixed.CorunnerWays)
	}
	if fixed.TargetWays&fixed.CorunnerWays != 0 {
		t.Fatalf("workaround produced overlapping masks")
	}
	if fixed.TargetWays|fixed.CorunnerWays != target|s.CorunnerWays {
		t.Fatalf("workaround changed the total way coverage")
	}
}

func TestApplyWorkaroundNDonatesFromThirdPartition(t *testing.T) {
	// Both 10 and 11 start as singleton owners; a third partition of
	// size >= 2 should donate two ways and take {10,11}.
	const way10, way11 = uint32(1) << 10, uint32(1) << 11
	masks := []uint32{way10, way11, 0x0f} // partition 2 has ways 0-3

	ApplyWorkaroundN(masks)

	if masks[2]&way10 == 0 || masks[2]&way11 == 0 {
		t.Fatalf("expected partition 2 to own both 10 and 11, got %#x", masks[2])
	}
	if masks[0]&way10 != 0 || masks[1]&way11 != 0 {
		t.Fatalf("expected original owners to have given up 10/11, got %#x %#x", masks[0], masks[1])
	}
	total := masks[0] | masks[1] | masks[2]
	want := way10 | way11 | 0x0f
	if total != want {
		t.Fatalf("total way coverage changed: got %#x want %#x", total, want)
	}
}
