// Package profout writes the three per-target output files: the
// raw/grouped counter log, and the MRC and IPC curve matrices. The
// format is a fixed-column space-separated text layout, not JSON —
// grounded on internal/output/json.go's writer-selection style
// (io.Writer chosen by path, os.Create, error-wrapped) for how a
// writer is opened, with a hand-written text encoder in place of
// encoding/json since the target format isn't JSON.
package profout

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/corewaylab/cacheprof/internal/model"
)

// Writer accumulates one profiled thread's raw counter rows and
// completed curve columns, and emits the three output files on Close.
type Writer struct {
	raw            *os.File
	mrcPath        string
	ipcPath        string
	lastEventNames []string
	mrcHistory     [][]float64
	ipcHistory     [][]float64
}

// NewWriter opens rawPath for the counters/grouped_counters file;
// mrcPath and ipcPath are written only on Close, once every round's
// curve has been appended.
func NewWriter(rawPath, mrcPath, ipcPath string) (*Writer, error) {
	f, err := os.Create(rawPath)
	if err != nil {
		return nil, fmt.Errorf("profout: create %s: %w", rawPath, err)
	}
	return &Writer{raw: f, mrcPath: mrcPath, ipcPath: ipcPath}, nil
}

// WriteSample appends one counter-sample row: group_fd cpu tid nsec tsc
// time_enabled time_running mem_traffic_total llc_occupancy <values...>.
// eventNames names the sample's Values in order; a
// header line of event names is written whenever the rotating batch
// changes (including the first row), since each rotation samples a
// different set of events.
func (w *Writer) WriteSample(s model.CounterSample, tid int, tscCycles uint64, eventNames []string) error {
	if !sameNames(w.lastEventNames, eventNames) {
		if _, err := fmt.Fprintln(w.raw, strings.Join(eventNames, " ")); err != nil {
			return fmt.Errorf("profout: write header: %w", err)
		}
		w.lastEventNames = append([]string(nil), eventNames...)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d %d %d %d %d %d %d %d %d",
		s.GroupFD, s.CPU, tid, s.Timestamp, tscCycles,
		s.TimeEnabled, s.TimeRunning, s.MemTraffic, s.LLCOccupancy)
	for _, v := range s.Values {
		fmt.Fprintf(&b, " %d", v)
	}
	if _, err := fmt.Fprintln(w.raw, b.String()); err != nil {
		return fmt.Errorf("profout: write sample row: %w", err)
	}
	return nil
}

// WriteRunHeader writes a leading comment line tagging this file with
// the run id, so files from concurrent or successive runs sharing the
// same -f prefix can be told apart. Must be called before the first
// WriteSample, if at all.
func (w *Writer) WriteRunHeader(runID string) error {
	if _, err := fmt.Fprintf(w.raw, "# run %s\n", runID); err != nil {
		return fmt.Errorf("profout: write run header: %w", err)
	}
	return nil
}

// AppendCurve records one completed round's (mrc, ipc) estimate as the
// next column of the curve matrices.
func (w *Writer) AppendCurve(mrc, ipc []float64) {
	w.mrcHistory = append(w.mrcHistory, mrc)
	w.ipcHistory = append(w.ipcHistory, ipc)
}

// Close writes the accumulated MRC/IPC matrices and closes every open
// file.
func (w *Writer) Close() error {
	if err := w.raw.Close(); err != nil {
		return fmt.Errorf("profout: close counters file: %w", err)
	}
	if err := writeMatrix(w.mrcPath, w.mrcHistory); err != nil {
		return err
	}
	if err := writeMatrix(w.ipcPath, w.ipcHistory); err != nil {
		return err
	}
	return nil
}

// writeMatrix writes history (one column per completed estimate) as W
// rows of space-separated values, row i holding way i+1's estimate
// across every round.
func writeMatrix(path string, history [][]float64) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("profout: create %s: %w", path, err)
	}
	defer f.Close()

	if len(history) == 0 {
		return nil
	}
	w := len(history[0])
	for row := 0; row < w; row++ {
		parts := make([]string, len(history))
		for col, curve := range history {
			parts[col] = strconv.FormatFloat(curve[row], 'g', -1, 64)
		}
		if _, err := fmt.Fprintln(f, strings.Join(parts, " ")); err != nil {
			return fmt.Errorf("profout: write %s row %d: %w", path, row, err)
		}
	}
	return nil
}

func sameNames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
