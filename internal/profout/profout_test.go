package profout

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/corewaylab/cacheprof/internal/model"
)

func newTestWriter(t *testing.T) (*Writer, string) {
	t.Helper()
	dir := t.TempDir()
	w, err := NewWriter(
		filepath.Join(dir, "run_counters_42"),
		filepath.Join(dir, "run_mrc_42"),
		filepath.Join(dir, "run_ipc_42"),
	)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	return w, dir
}

func TestWriteSampleEmitsHeaderOnceUntilRotation(t *testing.T) {
	w, dir := newTestWriter(t)

	sample := model.CounterSample{GroupFD: 3, CPU: 1, TimeEnabled: 100, TimeRunning: 100, MemTraffic: 64, LLCOccupancy: 128, Values: []uint64{10, 20}}
	names := []string{"INST_RETIRED", "CPU_CLK_UNHALTED"}

	if err := w.WriteSample(sample, 42, 55555, names); err != nil {
		t.Fatalf("WriteSample 1: %v", err)
	}
	if err := w.WriteSample(sample, 42, 55556, names); err != nil {
		t.Fatalf("WriteSample 2: %v", err)
	}

	rotated := []string{"LLC_MISSES"}
	rotSample := model.CounterSample{GroupFD: 3, CPU: 1, Values: []uint64{5}}
	if err := w.WriteSample(rotSample, 42, 55557, rotated); err != nil {
		t.Fatalf("WriteSample 3: %v", err)
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "run_counters_42"))
	if err != nil {
		t.Fatalf("read counters file: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	// header, row, row, header (rotation), row == 5 lines
	if len(lines) != 5 {
		t.Fatalf("got %d lines, want 5:\n%s", len(lines), data)
	}
	if lines[0] != "INST_RETIRED CPU_CLK_UNHALTED" {
		t.Fatalf("lines[0] = %q", lines[0])
	}
	if lines[3] != "LLC_MISSES" {
		t.Fatalf("lines[3] = %q, want rotation header", lines[3])
	}
	if !strings.HasPrefix(lines[1], "3 1 42 0 55555 100 100 64 128 10 20") {
		t.Fatalf("lines[1] = %q", lines[1])
	}
}

func TestAppendCurveAndCloseWritesMatrices(t *testing.T) {
	w, dir := newTestWriter(t)

	w.AppendCurve([]float64{10, 5, 2}, []float64{0.2, 0.5, 1.0})
	w.AppendCurve([]float64{9, 4, 2}, []float64{0.25, 0.6, 1.0})

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	mrc, err := os.ReadFile(filepath.Join(dir, "run_mrc_42"))
	if err != nil {
		t.Fatalf("read mrc file: %v", err)
	}
	mrcLines := strings.Split(strings.TrimRight(string(mrc), "\n"), "\n")
	if len(mrcLines) != 3 {
		t.Fatalf("mrc rows = %d, want 3 (W=3)", len(mrcLines))
	}
	if mrcLines[0] != "10 9" {
		t.Fatalf("mrcLines[0] = %q, want %q", mrcLines[0], "10 9")
	}
	if mrcLines[2] != "2 2" {
		t.Fatalf("mrcLines[2] = %q, want %q", mrcLines[2], "2 2")
	}

	ipc, err := os.ReadFile(filepath.Join(dir, "run_ipc_42"))
	if err != nil {
		t.Fatalf("read ipc file: %v", err)
	}
	ipcLines := strings.Split(strings.TrimRight(string(ipc), "\n"), "\n")
	if ipcLines[0] != "0.2 0.25" {
		t.Fatalf("ipcLines[0] = %q, want %q", ipcLines[0], "0.2 0.25")
	}
}

func TestCloseWithNoCurvesLeavesEmptyFiles(t *testing.T) {
	w, dir := newTestWriter(t)
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "run_mrc_42"))
	if err != nil {
		t.Fatalf("read mrc file: %v", err)
	}
	if len(data) != 0 {
		t.Fatalf("expected empty mrc file, got %q", data)
	}
}
