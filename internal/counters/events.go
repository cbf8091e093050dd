package counters

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// EventSpec names a resolved perf_event_open attribute pair.
type EventSpec struct {
	Name   string
	Type   uint32
	Config uint64
}

// MaxGroupEvents bounds leader + followers per group.
const MaxGroupEvents = 6

// leaderEvent is always the reference-cycles counter.
var leaderEvent = EventSpec{Name: "ref-cycles", Type: unix.PERF_TYPE_HARDWARE, Config: unix.PERF_COUNT_HW_REF_CPU_CYCLES}

// permanentFollowers are always present in every group.
var permanentFollowers = []EventSpec{
	{Name: "instructions", Type: unix.PERF_TYPE_HARDWARE, Config: unix.PERF_COUNT_HW_INSTRUCTIONS},
	{Name: "cycles", Type: unix.PERF_TYPE_HARDWARE, Config: unix.PERF_COUNT_HW_CPU_CYCLES},
}

// namedEvents resolves the rotating-event names accepted on -e to a
// perf_event_open type/config pair. Raw events ("r1a3" style perf
// syntax: r<hex config>) bypass the table.
var namedEvents = map[string]EventSpec{
	"cache-misses":        {Type: unix.PERF_TYPE_HARDWARE, Config: unix.PERF_COUNT_HW_CACHE_MISSES},
	"cache-references":    {Type: unix.PERF_TYPE_HARDWARE, Config: unix.PERF_COUNT_HW_CACHE_REFERENCES},
	"branch-misses":       {Type: unix.PERF_TYPE_HARDWARE, Config: unix.PERF_COUNT_HW_BRANCH_MISSES},
	"branch-instructions": {Type: unix.PERF_TYPE_HARDWARE, Config: unix.PERF_COUNT_HW_BRANCH_INSTRUCTIONS},
	"bus-cycles":          {Type: unix.PERF_TYPE_HARDWARE, Config: unix.PERF_COUNT_HW_BUS_CYCLES},
	"stalled-cycles-frontend": {Type: unix.PERF_TYPE_HARDWARE, Config: unix.PERF_COUNT_HW_STALLED_CYCLES_FRONTEND},
	"stalled-cycles-backend":  {Type: unix.PERF_TYPE_HARDWARE, Config: unix.PERF_COUNT_HW_STALLED_CYCLES_BACKEND},
	"page-faults":          {Type: unix.PERF_TYPE_SOFTWARE, Config: unix.PERF_COUNT_SW_PAGE_FAULTS},
	"context-switches":     {Type: unix.PERF_TYPE_SOFTWARE, Config: unix.PERF_COUNT_SW_CONTEXT_SWITCHES},
	"LLC-loads":            {Type: unix.PERF_TYPE_HW_CACHE, Config: cacheConfig(unix.PERF_COUNT_HW_CACHE_LL, unix.PERF_COUNT_HW_CACHE_OP_READ, unix.PERF_COUNT_HW_CACHE_RESULT_ACCESS)},
	"LLC-load-misses":      {Type: unix.PERF_TYPE_HW_CACHE, Config: cacheConfig(unix.PERF_COUNT_HW_CACHE_LL, unix.PERF_COUNT_HW_CACHE_OP_READ, unix.PERF_COUNT_HW_CACHE_RESULT_MISS)},
}

func cacheConfig(cache, op, result uint64) uint64 {
	return cache | (op << 8) | (result << 16)
}

// ResolveEvent resolves a rotating event name from -e into a perf
// attribute. Unknown names return an error; the CLI rejects such a -e
// name at flag-parse time and does not start the run, rather than
// dropping the event and continuing.
func ResolveEvent(name string) (EventSpec, error) {
	name = strings.TrimSpace(name)
	if spec, ok := namedEvents[name]; ok {
		spec.Name = name
		return spec, nil
	}
	if strings.HasPrefix(name, "r") {
		config, err := strconv.ParseUint(name[1:], 16, 64)
		if err == nil {
			return EventSpec{Name: name, Type: unix.PERF_TYPE_RAW, Config: config}, nil
		}
	}
	return EventSpec{}, fmt.Errorf("unknown event %q", name)
}

// ListEventNames returns the resolvable named rotating events, for the
// `cacheprof events` subcommand.
func ListEventNames() []string {
	names := make([]string, 0, len(namedEvents))
	for name := range namedEvents {
		names = append(names, name)
	}
	return names
}
