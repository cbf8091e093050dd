// cacheprof attaches to a running thread group via ptrace and, for
// each target thread, estimates miss-rate (MPKI) and throughput (IPC)
// curves as functions of allocated LLC capacity.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/corewaylab/cacheprof/internal/attacher"
	"github.com/corewaylab/cacheprof/internal/bandwidth"
	"github.com/corewaylab/cacheprof/internal/cachectl"
	"github.com/corewaylab/cacheprof/internal/cliconfig"
	"github.com/corewaylab/cacheprof/internal/coordinator"
	"github.com/corewaylab/cacheprof/internal/counters"
	"github.com/corewaylab/cacheprof/internal/filler"
	"github.com/corewaylab/cacheprof/internal/model"
	"github.com/corewaylab/cacheprof/internal/obslog"
	"github.com/corewaylab/cacheprof/internal/planner"
	"github.com/corewaylab/cacheprof/internal/profout"

	"github.com/rs/zerolog"
)

// sigthyme is the process-directed realtime signal the kernel delivers
// on perf_event overflow once armed via Group.ArmSignalDelivery
// (SIGRTMIN+0 in glibc's numbering; the kernel's own SIGRTMIN is 32,
// glibc reserves 32 and 33 for its own use). Go's signal.Notify takes
// it like any other os.Signal since there is no portable SIGRTMIN
// constant in golang.org/x/sys/unix.
const sigthyme = syscall.Signal(34)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:     "cacheprof",
		Short:   "Online per-thread LLC miss-rate/IPC curve profiler",
		Version: version,
	}
	flags := cliconfig.Register(rootCmd)
	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return run(flags)
	}
	rootCmd.AddCommand(cliconfig.EventsCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run wires every component together and drives the attach-sample-
// release loop until the Coordinator reaches StateDone or SIGINT
// arrives. Argument/init failures return a non-nil error (main exits
// 1); SIGINT exits 2 directly.
func run(flags *cliconfig.Flags) error {
	cfg, err := flags.ToRunConfig()
	if err != nil {
		return fmt.Errorf("cacheprof: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("cacheprof: %w", err)
	}

	logger := obslog.New(cfg.Debug, cfg.OutPrefix+"_cacheprof.log")

	topology, err := cachectl.DiscoverTopology("", 0)
	if err != nil {
		return fmt.Errorf("cacheprof: discover topology: %w", err)
	}
	if err := topology.ValidateTopology(len(cfg.TargetTids)); err != nil {
		return fmt.Errorf("cacheprof: %w", err)
	}

	var refCyclesPerSecond float64
	if hz, err := counters.RefCyclesPerSecond(); err != nil {
		logger.Warn().Err(err).Msg("could not measure ref-cycles frequency")
	} else {
		refCyclesPerSecond = hz
		logger.Info().
			Dur("phase_estimate", model.WallClockEstimate(cfg.PhaseLen, hz)).
			Msg("phase length wall-clock estimate")
	}

	overrides, err := planner.LoadOverrides(cfg.ResultsDir)
	if err != nil {
		return fmt.Errorf("cacheprof: %w", err)
	}
	plan, err := planner.BuildWithOverrides(topology.CacheNumWays, overrides)
	if err != nil {
		return fmt.Errorf("cacheprof: %w", err)
	}

	targetCores := topology.AssignableCores[:len(cfg.TargetTids)]
	fillerCore := topology.AssignableCores[len(cfg.TargetTids)]

	cacheCtl := cachectl.New(cachectl.NewResctrlBackend(""), topology.NumLogicalCores, topology.CacheNumWays)
	if err := cacheCtl.ShareAll(); err != nil {
		return fmt.Errorf("cacheprof: %w", err)
	}

	bwMon := bandwidth.New(bandwidth.NewResctrlReader(""), bandwidth.DefaultWrapMax)

	rotatingSpecs := make([]counters.EventSpec, 0, len(cfg.RotatingEvents))
	for _, name := range cfg.RotatingEvents {
		spec, err := counters.ResolveEvent(name)
		if err != nil {
			return fmt.Errorf("cacheprof: %w", err)
		}
		rotatingSpecs = append(rotatingSpecs, spec)
	}
	rotator := counters.NewRotator(cfg.MRCMode, rotatingSpecs)

	att := attacher.New()
	threads := make([]*model.ThreadRecord, len(cfg.TargetTids))
	groups := make([]*counters.Group, len(cfg.TargetTids))
	writers := make([]*profout.Writer, len(cfg.TargetTids))
	runID := uuid.New().String()

	cleanup := func() {
		for i, g := range groups {
			if g != nil {
				if err := g.Close(); err != nil {
					logger.Warn().Err(err).Int("tidx", i).Msg("close counter group")
				}
			}
		}
		for i, w := range writers {
			if w != nil {
				if err := w.Close(); err != nil {
					logger.Warn().Err(err).Int("tidx", i).Msg("close output writer")
				}
			}
		}
		if err := cacheCtl.ShareAll(); err != nil {
			logger.Warn().Err(err).Msg("final share_all")
		}
	}

	for i, tid := range cfg.TargetTids {
		rmid := i + 1
		threads[i] = &model.ThreadRecord{
			Tidx: i, Tid: tid, Tgid: cfg.ThreadGroupID, Core: targetCores[i], RMID: rmid,
			RawLog: fmt.Sprintf("%s_counters_%d", cfg.OutPrefix, tid),
			MRCLog: fmt.Sprintf("%s_mrc_%d", cfg.OutPrefix, tid),
			IPCLog: fmt.Sprintf("%s_ipc_%d", cfg.OutPrefix, tid),
		}

		if err := att.Seize(tid); err != nil {
			cleanup()
			return fmt.Errorf("cacheprof: %w", err)
		}

		group, err := counters.NewGroup(tid, cfg.PhaseLen, rotator.CurrentBatch(), func(name string, ferr error) {
			logger.Warn().Str("event", name).Err(ferr).Int("tidx", i).Msg("dropped follower event")
		})
		if err != nil {
			cleanup()
			return fmt.Errorf("cacheprof: %w", err)
		}
		if err := group.ArmSignalDelivery(int(sigthyme)); err != nil {
			cleanup()
			return fmt.Errorf("cacheprof: %w", err)
		}
		if err := group.Enable(); err != nil {
			cleanup()
			return fmt.Errorf("cacheprof: %w", err)
		}
		groups[i] = group

		writer, err := profout.NewWriter(threads[i].RawLog, threads[i].MRCLog, threads[i].IPCLog)
		if err != nil {
			cleanup()
			return fmt.Errorf("cacheprof: %w", err)
		}
		if err := writer.WriteRunHeader(runID); err != nil {
			cleanup()
			return fmt.Errorf("cacheprof: %w", err)
		}
		writers[i] = writer
	}

	fillerRMID := len(cfg.TargetTids) + 1
	fillerThread := filler.New(fillerCore, fillerRMID)
	go func() {
		if err := fillerThread.Start(); err != nil {
			logger.Error().Err(err).Msg("filler thread exited")
		}
	}()
	defer fillerThread.Stop()

	coord, err := coordinator.New(threads, fillerCore, plan, cacheCtl, fillerThread, bwMon,
		cfg.MRCWarmupInterval, cfg.MRCProfileInterval, cfg.NumPhases)
	if err != nil {
		cleanup()
		return fmt.Errorf("cacheprof: %w", err)
	}

	relay := obslog.NewSignalRelay(logger)
	defer relay.Close()

	sigintCh := make(chan os.Signal, 1)
	signal.Notify(sigintCh, os.Interrupt)
	overflowCh := make(chan os.Signal, 64)
	signal.Notify(overflowCh, sigthyme)

	waitEvents := make(chan waitEvent, 64)
	for _, tid := range cfg.TargetTids {
		go watchWait(tid, att, waitEvents)
	}

	interrupted := loop(coord, att, groups, rotator, writers, relay, refCyclesPerSecond, sigintCh, overflowCh, waitEvents)
	cleanup()

	if interrupted {
		os.Exit(2)
	}
	return nil
}

// waitEvent is one waitpid result forwarded from a per-tid watcher
// goroutine to the main loop.
type waitEvent struct {
	tid    int
	status unix.WaitStatus
	err    error
}

// watchWait blocks on wait4 for tid until the thread leaves the
// attacher's live set, forwarding each status change. One goroutine
// per seized thread, since wait4 only ever blocks on a single pid.
func watchWait(tid int, att *attacher.Attacher, out chan<- waitEvent) {
	for att.IsLive(tid) {
		var status unix.WaitStatus
		_, err := unix.Wait4(tid, &status, unix.WALL, nil)
		out <- waitEvent{tid: tid, status: status, err: err}
		if err != nil {
			return
		}
	}
}

// loop is the main event dispatch: ptrace wait-status reactions and
// PMU overflow processing, both serialized onto this single goroutine
// so the Coordinator's single-mutator invariant holds without needing
// its own internal lock against this caller. It
// returns true if the run ended via SIGINT rather than completing its
// phase budget.
func loop(
	coord *coordinator.Coordinator,
	att *attacher.Attacher,
	groups []*counters.Group,
	rotator *counters.Rotator,
	writers []*profout.Writer,
	relay *obslog.SignalRelay,
	refCyclesPerSecond float64,
	sigintCh <-chan os.Signal,
	overflowCh <-chan os.Signal,
	waitEvents <-chan waitEvent,
) bool {
	lastCurve := make([]*float64, len(groups))
	for {
		select {
		case <-sigintCh:
			if err := coord.Abort(); err != nil {
				relay.Log(zerolog.ErrorLevel, -1, "abort on SIGINT: "+err.Error())
			}
			return true

		case <-overflowCh:
			handleOverflow(coord, att, groups, rotator, writers, relay, refCyclesPerSecond, lastCurve)

		case ev := <-waitEvents:
			if ev.err != nil {
				continue
			}
			action := att.React(ev.tid, ev.status, coord.Done())
			if err := att.Apply(action, nil); err != nil {
				relay.Log(zerolog.WarnLevel, -1, "ptrace apply: "+err.Error())
			}
		}

		// Once the phase budget is exhausted, MarkFirstFinished has
		// SIGSTOPped every other live thread; keep servicing wait
		// events until they all reach a stop and get detached before
		// tearing down.
		if coord.Done() && len(att.LiveTids()) == 0 {
			return false
		}
	}
}

// handleOverflow polls every thread's counter group for completed
// overflow records (there is no portable way in Go to learn which fd
// fired from the realtime signal itself, so every live group is
// checked on each wakeup — see DESIGN.md's coordinator entry) and
// feeds each sample into the Coordinator and its target's output
// writer. The raw row's mem_traffic_total/llc_occupancy columns are
// left at zero here: the authoritative bandwidth read for the
// profiled target already happens once per sample inside the
// Coordinator's own BandwidthSource call, and reading the wrap-
// tracked local-traffic counter a second time here would bias its
// delta accounting.
func handleOverflow(
	coord *coordinator.Coordinator,
	att *attacher.Attacher,
	groups []*counters.Group,
	rotator *counters.Rotator,
	writers []*profout.Writer,
	relay *obslog.SignalRelay,
	refCyclesPerSecond float64,
	lastCurve []*float64,
) {
	for tidx, g := range groups {
		if g == nil {
			continue
		}
		samples, leftover, err := g.ReadOverflow()
		if leftover > 0 {
			relay.Log(zerolog.WarnLevel, tidx, "ring buffer leftover bytes skipped")
		}
		if err != nil {
			relay.Log(zerolog.WarnLevel, tidx, "read overflow: "+err.Error())
		}

		for _, s := range samples {
			if len(s.Values) < 3 {
				relay.Log(zerolog.WarnLevel, tidx, "overflow sample missing grouped values")
				continue
			}
			instrCum, cyclesCum := s.Values[1], s.Values[2]

			done, err := coord.OnOverflow(tidx, instrCum, cyclesCum)
			if err != nil {
				relay.Log(zerolog.ErrorLevel, tidx, "overflow handling: "+err.Error())
				continue
			}

			tscCycles := uint64(float64(s.Timestamp) * refCyclesPerSecond / 1e9)
			sample := model.CounterSample{
				Timestamp: s.Timestamp, CPU: s.CPU, GroupFD: g.Fds[0],
				TimeEnabled: s.TimeEnabled, TimeRunning: s.TimeRunning,
				Values: s.Values,
			}
			if w := writers[tidx]; w != nil {
				if werr := w.WriteSample(sample, g.Tid, tscCycles, g.Names); werr != nil {
					relay.Log(zerolog.WarnLevel, tidx, "write sample: "+werr.Error())
				}
			}

			// Emit allocates a fresh slice per round, so comparing the
			// first element's address tells a freshly-completed curve
			// apart from the unchanged result of a prior round.
			if result := coord.Result(tidx); len(result.MRC) > 0 && &result.MRC[0] != lastCurve[tidx] {
				lastCurve[tidx] = &result.MRC[0]
				writers[tidx].AppendCurve(result.MRC, result.IPC)
			}

			if done {
				if err := att.MarkFirstFinished(g.Tid); err != nil {
					relay.Log(zerolog.WarnLevel, tidx, "mark first finished: "+err.Error())
				}
				return
			}
		}

		if rotator.Tick() {
			rotator.NextBatch()
			if err := g.Disable(); err != nil {
				relay.Log(zerolog.WarnLevel, tidx, "disable group for rotation: "+err.Error())
			}
			// A fresh perf_event_open group must be opened to sample a
			// different follower batch; the Broadwell-generation
			// original reused group slots via PERF_EVENT_IOC_SET_OUTPUT,
			// which golang.org/x/sys/unix does not expose a typed
			// wrapper for. Tracked as an open question in DESIGN.md
			// rather than worked around with raw ioctl numbers here.
		}
	}
}
