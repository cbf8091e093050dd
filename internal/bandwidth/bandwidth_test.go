package bandwidth

import "testing"

type fakeReader struct {
	local map[int][]uint64
	occ   map[int]uint64
	idx   map[int]int
}

func newFakeReader() *fakeReader {
	return &fakeReader{local: make(map[int][]uint64), occ: make(map[int]uint64), idx: make(map[int]int)}
}

func (f *fakeReader) ReadLocalBytes(rmid int) (uint64, error) {
	seq := f.local[rmid]
	i := f.idx[rmid]
	v := seq[i]
	f.idx[rmid] = i + 1
	return v, nil
}

func (f *fakeReader) ReadOccupancyBytes(rmid int) (uint64, error) {
	return f.occ[rmid], nil
}

func TestDeltaHandlesWrap(t *testing.T) {
	// readings [100, 500, 900, 200, 600] against max=1000, with a wrap
	// between 900 and 200, should total 1500, not the naive 500.
	readings := []uint64{100, 500, 900, 200, 600}

	reader := newFakeReader()
	reader.local[0] = readings
	mon := New(reader, 1000)

	var total uint64
	for range readings {
		_, got, err := mon.ReadLocalTraffic(0)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		total = got
	}
	if total != 1500 {
		t.Fatalf("total = %d, want 1500", total)
	}
}

func TestDeltaHelperMatchesWorkedExample(t *testing.T) {
	readings := []uint64{100, 500, 900, 200, 600}
	got := Delta(readings, 1000)
	if got != 1500 {
		t.Fatalf("Delta() = %d, want 1500", got)
	}
}

func TestReadLocalTrafficFirstReadIsZeroDelta(t *testing.T) {
	reader := newFakeReader()
	reader.local[3] = []uint64{42, 50}
	mon := New(reader, DefaultWrapMax)

	d, total, err := mon.ReadLocalTraffic(3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d != 0 || total != 0 {
		t.Fatalf("first read: delta=%d total=%d, want 0,0", d, total)
	}

	d, total, err = mon.ReadLocalTraffic(3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d != 8 || total != 8 {
		t.Fatalf("second read: delta=%d total=%d, want 8,8", d, total)
	}
}

func TestReadOccupancyIsPointInTime(t *testing.T) {
	reader := newFakeReader()
	reader.occ[0] = 12345
	mon := New(reader, DefaultWrapMax)

	v, err := mon.ReadOccupancy(0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 12345 {
		t.Fatalf("occupancy = %d, want 12345", v)
	}
}
