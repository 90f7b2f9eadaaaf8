package stats

import (
	"os"
	"path/filepath"
	"testing"

	"malinject/internal/model"
)

func sampleEpisodes() []model.EpisodeRecord {
	return []model.EpisodeRecord{
		{
			ID:           "e0",
			Index:        0,
			Sample:       "a",
			TotalReward:  0.5,
			BytesWritten: 16,
			Steps: []model.StepRecord{
				{Step: 0, Section: 0, SectionName: ".text", Value: 0x90, RangesApplied: 2, Reward: 0.5, BytesWritten: 16},
				{Step: 1, Section: 3, Value: 0x90, Penalized: true, Reward: -10, BytesWritten: 16},
			},
		},
		{
			ID:           "e1",
			Index:        1,
			Sample:       "b",
			TotalReward:  1.5,
			BytesWritten: 8,
			Evaded:       true,
			Steps: []model.StepRecord{
				{Step: 0, Section: 0, SectionName: ".data", Value: 0xCC, RangesApplied: 1, Reward: 1.5, Evaded: true, BytesWritten: 8},
			},
		},
	}
}

func TestSummarize(t *testing.T) {
	summary := Summarize(sampleEpisodes())
	if summary.Episodes != 2 || summary.Steps != 3 || summary.PenalizedSteps != 1 {
		t.Fatalf("unexpected counts: %+v", summary)
	}
	if summary.Evasions != 1 || summary.EvasionRate != 0.5 {
		t.Fatalf("unexpected evasions: %+v", summary)
	}
	if summary.TotalReward != 2 || summary.MeanReward != 1 || summary.BestReward != 1.5 {
		t.Fatalf("unexpected rewards: %+v", summary)
	}
	if summary.TotalBytesWritten != 24 {
		t.Fatalf("unexpected bytes written: %+v", summary)
	}

	empty := Summarize(nil)
	if empty.Episodes != 0 || empty.MeanReward != 0 {
		t.Fatalf("unexpected empty summary: %+v", empty)
	}
}

func TestWriteAndExportRunArtifacts(t *testing.T) {
	baseDir := t.TempDir()
	outDir := filepath.Join(t.TempDir(), "exports")

	runID := "run-123"
	episodes := sampleEpisodes()
	artifacts := RunArtifacts{
		Config: RunConfig{
			RunID:         runID,
			Policy:        "sweep",
			ValuePolicy:   "any",
			Samples:       2,
			Episodes:      2,
			Seed:          1,
			MaxInjections: 2,
			MaxSections:   2000,
		},
		Episodes: episodes,
		Summary:  Summarize(episodes),
	}

	runDir, err := WriteRunArtifacts(baseDir, artifacts)
	if err != nil {
		t.Fatalf("write artifacts: %v", err)
	}
	for _, file := range []string{"config.json", "episodes.json", "summary.json", "steps.csv"} {
		if _, err := os.Stat(filepath.Join(runDir, file)); err != nil {
			t.Fatalf("expected file %s: %v", file, err)
		}
	}

	cfg, ok, err := ReadRunConfig(baseDir, runID)
	if err != nil || !ok {
		t.Fatalf("read config ok=%t err=%v", ok, err)
	}
	if cfg.Policy != "sweep" || cfg.MaxSections != 2000 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	loaded, ok, err := ReadEpisodes(baseDir, runID)
	if err != nil || !ok || len(loaded) != 2 || loaded[1].Steps[0].Value != 0xCC {
		t.Fatalf("unexpected episodes ok=%t err=%v: %+v", ok, err, loaded)
	}
	rewards, ok, err := ReadStepRewards(baseDir, runID)
	if err != nil || !ok {
		t.Fatalf("read step rewards ok=%t err=%v", ok, err)
	}
	if len(rewards) != 3 || rewards[1] != -10 || rewards[2] != 1.5 {
		t.Fatalf("unexpected rewards: %v", rewards)
	}

	if err := os.MkdirAll(filepath.Join(runDir, MutatedDir), 0o755); err != nil {
		t.Fatalf("mkdir mutated: %v", err)
	}
	if err := os.WriteFile(filepath.Join(runDir, MutatedDir, "a.bytes"), []byte("00000000 90\n"), 0o644); err != nil {
		t.Fatalf("write mutated: %v", err)
	}

	exportedDir, err := ExportRunArtifacts(baseDir, runID, outDir)
	if err != nil {
		t.Fatalf("export artifacts: %v", err)
	}
	for _, file := range []string{"config.json", "episodes.json", "summary.json", "steps.csv", filepath.Join(MutatedDir, "a.bytes")} {
		if _, err := os.Stat(filepath.Join(exportedDir, file)); err != nil {
			t.Fatalf("expected exported file %s: %v", file, err)
		}
	}

	if _, err := ExportRunArtifacts(baseDir, "missing", outDir); err == nil {
		t.Fatal("expected error for unknown run")
	}
}

func TestWriteRunArtifactsRequiresRunID(t *testing.T) {
	if _, err := WriteRunArtifacts(t.TempDir(), RunArtifacts{}); err == nil {
		t.Fatal("expected run id error")
	}
}

func TestReadMissingArtifacts(t *testing.T) {
	baseDir := t.TempDir()
	if _, ok, err := ReadRunSummary(baseDir, "run-x"); err != nil || ok {
		t.Fatalf("expected missing summary; ok=%t err=%v", ok, err)
	}
	if _, ok, err := ReadStepRewards(baseDir, "run-x"); err != nil || ok {
		t.Fatalf("expected missing steps; ok=%t err=%v", ok, err)
	}
}

func TestRunIndexAppendListAndUpsert(t *testing.T) {
	baseDir := t.TempDir()

	err := AppendRunIndex(baseDir, RunIndexEntry{
		RunID:        "run-1",
		Policy:       "random",
		Samples:      4,
		Episodes:     3,
		Seed:         1,
		TotalReward:  0.80,
		CreatedAtUTC: "2026-02-10T10:00:00Z",
	})
	if err != nil {
		t.Fatalf("append run-1: %v", err)
	}

	err = AppendRunIndex(baseDir, RunIndexEntry{
		RunID:        "run-2",
		Policy:       "random",
		Samples:      4,
		Episodes:     3,
		Seed:         2,
		TotalReward:  0.82,
		CreatedAtUTC: "2026-02-10T11:00:00Z",
	})
	if err != nil {
		t.Fatalf("append run-2: %v", err)
	}

	entries, err := ListRunIndex(baseDir)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].RunID != "run-2" || entries[1].RunID != "run-1" {
		t.Fatalf("unexpected order: %+v", entries)
	}

	err = AppendRunIndex(baseDir, RunIndexEntry{
		RunID:        "run-1",
		Policy:       "random",
		Seed:         1,
		TotalReward:  0.90,
		CreatedAtUTC: "2026-02-10T12:00:00Z",
	})
	if err != nil {
		t.Fatalf("upsert run-1: %v", err)
	}

	entries, err = ListRunIndex(baseDir)
	if err != nil {
		t.Fatalf("list after upsert: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries after upsert, got %d", len(entries))
	}
	if entries[0].RunID != "run-1" || entries[0].TotalReward != 0.90 {
		t.Fatalf("unexpected upsert result: %+v", entries[0])
	}
}

func TestRunIndexEqualTimestampPrefersLaterAppend(t *testing.T) {
	baseDir := t.TempDir()
	ts := "2026-02-10T12:00:00Z"

	if err := AppendRunIndex(baseDir, RunIndexEntry{RunID: "run-a", CreatedAtUTC: ts}); err != nil {
		t.Fatalf("append run-a: %v", err)
	}
	if err := AppendRunIndex(baseDir, RunIndexEntry{RunID: "run-b", CreatedAtUTC: ts}); err != nil {
		t.Fatalf("append run-b: %v", err)
	}

	entries, err := ListRunIndex(baseDir)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 || entries[0].RunID != "run-b" {
		t.Fatalf("expected latest appended run-b first, got %+v", entries)
	}
}
