package model

import "testing"

func TestPlanSliceNumWays(t *testing.T) {
	cases := []struct {
		mask uint32
		want int
	}{
		{0, 0},
		{1, 1},
		{0x0f, 4},
		{0xffff, 16},
	}
	for _, c := range cases {
		s := PlanSlice{TargetWays: c.mask}
		if got := s.NumWays(); got != c.want {
			t.Errorf("NumWays(%#x) = %d, want %d", c.mask, got, c.want)
		}
	}
}
