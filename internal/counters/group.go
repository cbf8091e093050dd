// Package counters owns the PMU counter groups attached to a profiled
// thread: a leader event that fires an overflow signal every phase_len
// reference cycles, its grouped followers, and the per-thread rotation
// among batches of rotating events.
package counters

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// PageSize and BufferPages size the mmap'd ring buffer: one metadata
// page plus BufferPages data pages.
const (
	PageSize    = 4096
	BufferPages = 1

	// PhasesBetweenSwitches is how long a rotating-event group stays
	// active before the next batch takes over.
	PhasesBetweenSwitches = 10
)

// Group is one perf_event_open leader plus its grouped followers for a
// single thread, with its mmap'd overflow ring buffer.
type Group struct {
	Tid  int
	Cpu  int
	Fds  []int // Fds[0] is the leader
	Names []string

	ringBuf []byte
	ringFd  int
}

// openOne opens one grouped perf event. groupFd is -1 for the leader.
func openOne(spec EventSpec, tid int, groupFd int, samplePeriod uint64, isLeader bool) (int, error) {
	attr := &unix.PerfEventAttr{
		Type: spec.Type,
		Config: spec.Config,
		Size: uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
	}
	if isLeader {
		attr.Sample = samplePeriod
		attr.Sample_type = unix.PERF_SAMPLE_TIME | unix.PERF_SAMPLE_ID | unix.PERF_SAMPLE_CPU | unix.PERF_SAMPLE_READ
		attr.Read_format = unix.PERF_FORMAT_GROUP | unix.PERF_FORMAT_TOTAL_TIME_ENABLED | unix.PERF_FORMAT_TOTAL_TIME_RUNNING
		attr.Bits = unix.PerfBitDisabled
		attr.Wakeup = 1
	}
	fd, err := unix.PerfEventOpen(attr, tid, -1, groupFd, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		return -1, fmt.Errorf("perf_event_open %s: %w", spec.Name, err)
	}
	return fd, nil
}

// NewGroup opens a leader plus the permanent followers and the given
// batch of rotating events (up to MaxGroupEvents-1-len(permanentFollowers)
// of them), for one thread.
//
// Unknown/unopenable follower events are dropped with a warning logged
// by the caller; a leader failure is fatal and returned.
func NewGroup(tid int, phaseLen uint64, rotating []EventSpec, onFollowerDropped func(name string, err error)) (*Group, error) {
	leaderFd, err := openOne(leaderEvent, tid, -1, phaseLen, true)
	if err != nil {
		return nil, err
	}

	g := &Group{Tid: tid, Fds: []int{leaderFd}, Names: []string{leaderEvent.Name}}

	followers := append(append([]EventSpec{}, permanentFollowers...), rotating...)
	room := MaxGroupEvents - 1
	for i, f := range followers {
		if i >= room {
			break
		}
		fd, err := openOne(f, tid, leaderFd, 0, false)
		if err != nil {
			if onFollowerDropped != nil {
				onFollowerDropped(f.Name, err)
			}
			continue
		}
		g.Fds = append(g.Fds, fd)
		g.Names = append(g.Names, f.Name)
	}

	if err := g.mmapRing(leaderFd); err != nil {
		g.Close()
		return nil, err
	}

	return g, nil
}

// mmapRing maps the leader's ring buffer: one metadata page plus
// BufferPages data pages.
func (g *Group) mmapRing(leaderFd int) error {
	size := (1 + BufferPages) * PageSize
	buf, err := unix.Mmap(leaderFd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap perf ring buffer: %w", err)
	}
	g.ringBuf = buf
	g.ringFd = leaderFd
	return nil
}

// ArmSignalDelivery requests that overflow on the leader deliver sig to
// this process via F_SETOWN/F_SETSIG/O_ASYNC.
func (g *Group) ArmSignalDelivery(sig int) error {
	leaderFd := g.Fds[0]
	if _, err := unix.FcntlInt(uintptr(leaderFd), unix.F_SETOWN, unix.Getpid()); err != nil {
		return fmt.Errorf("fcntl F_SETOWN: %w", err)
	}
	flags, err := unix.FcntlInt(uintptr(leaderFd), unix.F_GETFL, 0)
	if err != nil {
		return fmt.Errorf("fcntl F_GETFL: %w", err)
	}
	if _, err := unix.FcntlInt(uintptr(leaderFd), unix.F_SETFL, flags|unix.O_ASYNC); err != nil {
		return fmt.Errorf("fcntl F_SETFL O_ASYNC: %w", err)
	}
	if _, err := unix.FcntlInt(uintptr(leaderFd), unix.F_SETSIG, sig); err != nil {
		return fmt.Errorf("fcntl F_SETSIG: %w", err)
	}
	return nil
}

// Enable arms the whole group (leader + followers) to start counting.
func (g *Group) Enable() error {
	if err := unix.IoctlSetInt(g.Fds[0], unix.PERF_EVENT_IOC_ENABLE, unix.PERF_IOC_FLAG_GROUP); err != nil {
		return fmt.Errorf("ioctl enable group: %w", err)
	}
	return nil
}

// Disable stops the whole group from counting, used when rotating to a
// fresh batch of followers.
func (g *Group) Disable() error {
	if err := unix.IoctlSetInt(g.Fds[0], unix.PERF_EVENT_IOC_DISABLE, unix.PERF_IOC_FLAG_GROUP); err != nil {
		return fmt.Errorf("ioctl disable group: %w", err)
	}
	return nil
}

// Refresh re-arms the leader for n more overflows
// (PERF_EVENT_IOC_REFRESH).
func (g *Group) Refresh(n int) error {
	if err := unix.IoctlSetInt(g.Fds[0], unix.PERF_EVENT_IOC_REFRESH, n); err != nil {
		return fmt.Errorf("ioctl refresh: %w", err)
	}
	return nil
}

// Close disables and releases every fd and the ring buffer mapping.
func (g *Group) Close() error {
	var first error
	if g.ringBuf != nil {
		if err := unix.Munmap(g.ringBuf); err != nil && first == nil {
			first = fmt.Errorf("munmap ring buffer: %w", err)
		}
		g.ringBuf = nil
	}
	for _, fd := range g.Fds {
		if err := unix.Close(fd); err != nil && first == nil {
			first = fmt.Errorf("close perf fd %d: %w", fd, err)
		}
	}
	return first
}

// Rotator tracks how long a group has been active and decides when to
// swap in the next batch of rotating events.
type Rotator struct {
	mrcMode        bool
	phasesOnGroup  uint64
	batches        [][]EventSpec
	activeBatch    int
}

// NewRotator splits rotating events greedily into batches of up to
// MaxGroupEvents-1-len(permanentFollowers) events each.
func NewRotator(mrcMode bool, rotating []EventSpec) *Rotator {
	room := MaxGroupEvents - 1 - len(permanentFollowers)
	if room < 1 {
		room = 1
	}
	var batches [][]EventSpec
	for len(rotating) > 0 {
		n := room
		if n > len(rotating) {
			n = len(rotating)
		}
		batches = append(batches, rotating[:n])
		rotating = rotating[n:]
	}
	if len(batches) == 0 {
		batches = [][]EventSpec{nil}
	}
	return &Rotator{mrcMode: mrcMode, batches: batches}
}

// Tick advances the phases-on-group counter and reports whether the
// coordinator should rotate to the next batch now. In MRC mode rotation
// never occurs: the leader is armed for effectively infinite overflows.
func (r *Rotator) Tick() (shouldRotate bool) {
	if r.mrcMode {
		return false
	}
	r.phasesOnGroup++
	if r.phasesOnGroup >= PhasesBetweenSwitches {
		r.phasesOnGroup = 0
		return true
	}
	return false
}

// NextBatch advances to (and returns) the next rotating-event batch,
// wrapping around to the first.
func (r *Rotator) NextBatch() []EventSpec {
	r.activeBatch = (r.activeBatch + 1) % len(r.batches)
	return r.batches[r.activeBatch]
}

// CurrentBatch returns the batch currently active without advancing.
func (r *Rotator) CurrentBatch() []EventSpec {
	return r.batches[r.activeBatch]
}
