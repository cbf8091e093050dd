package counters

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// RefCyclesPerSecond measures the reference-cycle frequency by opening
// a short-lived REF_CPU_CYCLES counter on the calling thread and timing
// it against the wall clock. Informational only, used to log an
// estimated wall-clock duration for a given phase_len; never feeds the
// control loop.
func RefCyclesPerSecond() (float64, error) {
	spec := leaderEvent
	fd, err := openOne(spec, 0, -1, 0, false)
	if err != nil {
		return 0, fmt.Errorf("measure ref-cycles frequency: %w", err)
	}
	defer unix.Close(fd)

	if err := unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_RESET, 0); err != nil {
		return 0, fmt.Errorf("ioctl reset: %w", err)
	}
	if err := unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_ENABLE, 0); err != nil {
		return 0, fmt.Errorf("ioctl enable: %w", err)
	}

	const measureWindow = 50 * time.Millisecond
	start := time.Now()
	busyLoopUntil(start.Add(measureWindow))
	elapsed := time.Since(start)

	if err := unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_DISABLE, 0); err != nil {
		return 0, fmt.Errorf("ioctl disable: %w", err)
	}

	buf := make([]byte, 8)
	if _, err := unix.Read(fd, buf); err != nil {
		return 0, fmt.Errorf("read ref-cycles count: %w", err)
	}
	count := leU64(buf)
	if elapsed <= 0 {
		return 0, fmt.Errorf("measure ref-cycles frequency: non-positive elapsed time")
	}
	return float64(count) / elapsed.Seconds(), nil
}

func busyLoopUntil(deadline time.Time) {
	for time.Now().Before(deadline) {
	}
}

func leU64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
