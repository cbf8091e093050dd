// Package cliconfig registers the cacheprof flag surface on a cobra
// command and turns the parsed flags into a validated model.RunConfig,
// using a flag-variable-then-RunE-closure registration style.
package cliconfig

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/corewaylab/cacheprof/internal/counters"
	"github.com/corewaylab/cacheprof/internal/model"
)

// Flags holds the cobra-bound flag variables for the root command,
// named after their short flags.
type Flags struct {
	RotatingEvents string // -e
	PhaseLen       uint64 // -l
	NumPhases      uint64 // -n
	MRCWarmupMCyc  uint64 // -w
	MRCProfileMCyc uint64 // -p
	OutPrefix      string // -f
	ThreadGroupID  int    // -g
	TargetTids     string // -t
	ResultsDir     string // -r
	MRCMode        bool   // -m
	Debug          bool   // -d
}

// Register binds every root-command flag onto cmd.
func Register(cmd *cobra.Command) *Flags {
	f := &Flags{}
	fl := cmd.Flags()
	fl.StringVarP(&f.RotatingEvents, "events", "e", "", "rotating events to sample (csv)")
	fl.Uint64VarP(&f.PhaseLen, "phase-len", "l", 0, "phase length in reference cycles")
	fl.Uint64VarP(&f.NumPhases, "num-phases", "n", 0, "total number of phases before termination")
	fl.Uint64VarP(&f.MRCWarmupMCyc, "mrc-warmup", "w", 0, "MRC warmup period (million cycles)")
	fl.Uint64VarP(&f.MRCProfileMCyc, "mrc-profile", "p", 0, "MRC profile period (million cycles)")
	fl.StringVarP(&f.OutPrefix, "out-prefix", "f", "", "output file name prefix")
	fl.IntVarP(&f.ThreadGroupID, "tgid", "g", 0, "thread-group id of the workload")
	fl.StringVarP(&f.TargetTids, "tids", "t", "", "thread ids within that group to profile (csv)")
	fl.StringVarP(&f.ResultsDir, "results-dir", "r", ".", "results directory")
	fl.BoolVarP(&f.MRCMode, "mrc-mode", "m", false, "toggle MRC-estimation mode (rotating events ignored)")
	fl.BoolVarP(&f.Debug, "debug", "d", false, "toggle debug logging to <prefix>_cacheprof.log")
	return f
}

// ToRunConfig parses and validates the flags into a model.RunConfig.
// Argument-shape errors (bad csv, non-numeric tid) are reported
// directly; spec-level invariants are checked by RunConfig.Validate,
// which the caller must still call.
func (f *Flags) ToRunConfig() (*model.RunConfig, error) {
	cfg := &model.RunConfig{
		PhaseLen:       f.PhaseLen,
		NumPhases:      f.NumPhases,
		MRCWarmupMCyc:  f.MRCWarmupMCyc,
		MRCProfileMCyc: f.MRCProfileMCyc,
		OutPrefix:      f.OutPrefix,
		ThreadGroupID:  f.ThreadGroupID,
		ResultsDir:     f.ResultsDir,
		MRCMode:        f.MRCMode,
		Debug:          f.Debug,
	}

	// MRC-estimation mode (-m) ignores rotating events.
	if f.RotatingEvents != "" && !f.MRCMode {
		for _, name := range strings.Split(f.RotatingEvents, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			if _, err := counters.ResolveEvent(name); err != nil {
				return nil, fmt.Errorf("cliconfig: -e: %w", err)
			}
			cfg.RotatingEvents = append(cfg.RotatingEvents, name)
		}
	}

	if f.TargetTids != "" {
		for _, s := range strings.Split(f.TargetTids, ",") {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			tid, err := strconv.Atoi(s)
			if err != nil {
				return nil, fmt.Errorf("cliconfig: -t: invalid tid %q: %w", s, err)
			}
			cfg.TargetTids = append(cfg.TargetTids, tid)
		}
	}

	return cfg, nil
}

// EventsCommand builds the `cacheprof events` subcommand, which lists
// every rotating event name resolvable on -e.
func EventsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "List rotating event names resolvable on -e",
		RunE: func(cmd *cobra.Command, args []string) error {
			names := counters.ListEventNames()
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}
