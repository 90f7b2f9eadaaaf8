package storage

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"malinject/internal/model"
)

func TestDecodeRunFixture(t *testing.T) {
	data, err := os.ReadFile(fixturePath("run_v1.json"))
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	run, err := DecodeRun(data)
	if err != nil {
		t.Fatalf("decode fixture: %v", err)
	}
	if run.ID != "run-fixture-1" || run.Policy != "longest-range" {
		t.Fatalf("unexpected run: %+v", run)
	}
	if len(run.EpisodeIDs) != 1 || run.EpisodeIDs[0] != "episode-fixture-1" {
		t.Fatalf("unexpected episode ids: %+v", run.EpisodeIDs)
	}
	if !run.CreatedAt.Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected created_at: %s", run.CreatedAt)
	}
}

func TestDecodeEpisodeFixture(t *testing.T) {
	data, err := os.ReadFile(fixturePath("episode_v1.json"))
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	episode, err := DecodeEpisode(data)
	if err != nil {
		t.Fatalf("decode fixture: %v", err)
	}
	if episode.RunID != "run-fixture-1" || len(episode.Steps) != 2 {
		t.Fatalf("unexpected episode: %+v", episode)
	}
	if episode.Steps[0].Value != 0x90 || episode.Steps[0].SectionName != ".text" {
		t.Fatalf("unexpected first step: %+v", episode.Steps[0])
	}
	if !episode.Steps[1].Penalized || episode.Steps[1].Reward != -10 {
		t.Fatalf("unexpected penalized step: %+v", episode.Steps[1])
	}
}

func TestEpisodeRoundTrip(t *testing.T) {
	input := model.EpisodeRecord{
		VersionedRecord: CurrentVersion(),
		ID:              "e1",
		RunID:           "r1",
		Sample:          "sample",
		NSections:       2,
		Steps: []model.StepRecord{
			{Step: 0, Section: 1, SectionName: ".data", Value: 0xCC, RangesApplied: 1, Reward: 0.1, InjectionsLeft: 4},
		},
	}
	data, err := EncodeEpisode(input)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	output, err := DecodeEpisode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(input, output) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", output, input)
	}
}

func TestDecodeRejectsVersionMismatch(t *testing.T) {
	data, err := EncodeRun(model.RunRecord{
		VersionedRecord: model.VersionedRecord{SchemaVersion: CurrentSchemaVersion + 1, CodecVersion: CurrentCodecVersion},
		ID:              "future",
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodeRun(data); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected version mismatch, got %v", err)
	}

	data, err = EncodeEpisode(model.EpisodeRecord{ID: "unversioned"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodeEpisode(data); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected version mismatch, got %v", err)
	}
}

func TestDecodeRejectsMalformedPayload(t *testing.T) {
	if _, err := DecodeRun([]byte("{not json")); err == nil {
		t.Fatal("expected decode error")
	}
}

func fixturePath(name string) string {
	return filepath.Join("..", "..", "testdata", "fixtures", name)
}
