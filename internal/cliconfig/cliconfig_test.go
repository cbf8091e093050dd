package cliconfig

import (
	"bytes"
	"testing"

	"github.com/spf13/cobra"
)

func TestToRunConfigParsesCSVFields(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	f := Register(cmd)
	f.RotatingEvents = "cache-misses, branch-misses"
	f.TargetTids = "100, 101,102"
	f.PhaseLen = 1000
	f.NumPhases = 10
	f.MRCWarmupMCyc = 1
	f.MRCProfileMCyc = 1
	f.OutPrefix = "run"

	cfg, err := f.ToRunConfig()
	if err != nil {
		t.Fatalf("ToRunConfig: %v", err)
	}
	if len(cfg.RotatingEvents) != 2 || cfg.RotatingEvents[0] != "cache-misses" || cfg.RotatingEvents[1] != "branch-misses" {
		t.Fatalf("RotatingEvents = %v", cfg.RotatingEvents)
	}
	if len(cfg.TargetTids) != 3 || cfg.TargetTids[0] != 100 || cfg.TargetTids[2] != 102 {
		t.Fatalf("TargetTids = %v", cfg.TargetTids)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestToRunConfigRejectsUnknownEvent(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	f := Register(cmd)
	f.RotatingEvents = "not-a-real-event"

	if _, err := f.ToRunConfig(); err == nil {
		t.Fatal("expected error for unknown event name")
	}
}

func TestToRunConfigRejectsNonNumericTid(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	f := Register(cmd)
	f.TargetTids = "abc"

	if _, err := f.ToRunConfig(); err == nil {
		t.Fatal("expected error for non-numeric tid")
	}
}

func TestEventsCommandListsKnownEvents(t *testing.T) {
	cmd := EventsCommand()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	if err := cmd.RunE(cmd, nil); err != nil {
		t.Fatalf("RunE: %v", err)
	}
	if !bytes.Contains(buf.Bytes(), []byte("cache-misses")) {
		t.Fatalf("expected cache-misses in output, got:\n%s", buf.String())
	}
}
