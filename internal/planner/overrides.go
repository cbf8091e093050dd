package planner

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// overrideFile is the schema of an optional <results-dir>/plans.yaml
// override, letting a new hardware generation's plan table be supplied
// without recompiling.
type overrideFile struct {
	Plans map[int][]int `yaml:"plans"`
}

// LoadOverrides reads plans.yaml from dir, if present, and returns a
// table of W -> target-ways sequence to merge over the built-in
// wayCountTables. A missing file is not an error.
func LoadOverrides(dir string) (map[int][]int, error) {
	path := dir + "/plans.yaml"
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var f overrideFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for w, seq := range f.Plans {
		if w < MinWays || w > MaxWays {
			return nil, fmt.Errorf("%s: plan for W=%d outside supported range [%d,%d]", path, w, MinWays, MaxWays)
		}
		if len(seq) < 2 {
			return nil, fmt.Errorf("%s: plan for W=%d must have at least 2 slices (warmup repeat)", path, w)
		}
	}
	return f.Plans, nil
}

// BuildWithOverrides is Build, but consults overrides for w before
// falling back to the built-in table.
func BuildWithOverrides(w int, overrides map[int][]int) ([]Slice, error) {
	if w < MinWays || w > MaxWays {
		return nil, fmt.Errorf("planner: way count %d outside supported range [%d,%d]", w, MinWays, MaxWays)
	}
	if seq, ok := overrides[w]; ok {
		return buildFromSequence(w, seq), nil
	}
	return Build(w)
}

func buildFromSequence(w int, wayCounts []int) []Slice {
	full := fullMask(w)
	slices := make([]Slice, len(wayCounts))
	for i, n := range wayCounts {
		target := fullMask(n)
		corunner := full &^ target
		slices[i] = Slice{TargetWays: target, CorunnerWays: corunner}
		if w == broadwellWays {
			slices[i] = applyBroadwellWorkaround(slices[i])
		}
	}
	return slices
}
