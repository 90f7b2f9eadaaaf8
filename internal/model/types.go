package model

import "time"

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// RunRecord describes one batch of episodes driven by a single policy.
type RunRecord struct {
	VersionedRecord
	ID                    string    `json:"id"`
	CreatedAt             time.Time `json:"created_at"`
	Policy                string    `json:"policy"`
	ValuePolicy           string    `json:"value_policy"`
	Reward                string    `json:"reward"`
	Classifier            string    `json:"classifier,omitempty"`
	Seed                  uint64    `json:"seed"`
	Samples               int       `json:"samples"`
	MaxInjections         int       `json:"max_injections"`
	MaxSections           int       `json:"max_sections"`
	InvalidSectionPenalty float64   `json:"invalid_section_penalty"`
	EpisodeIDs            []string  `json:"episode_ids"`
	TotalReward           float64   `json:"total_reward"`
	Evasions              int       `json:"evasions"`
}

// EpisodeRecord is the outcome of one reset followed by steps until the
// injection budget ran out.
type EpisodeRecord struct {
	VersionedRecord
	ID            string       `json:"id"`
	RunID         string       `json:"run_id"`
	Index         int          `json:"index"`
	Sample        string       `json:"sample"`
	NSections     int          `json:"n_sections"`
	SampleBytes   int          `json:"sample_bytes"`
	BaselineClass int          `json:"baseline_class"`
	FinalClass    int          `json:"final_class"`
	Evaded        bool         `json:"evaded"`
	TotalReward   float64      `json:"total_reward"`
	BytesWritten  uint64       `json:"bytes_written"`
	Steps         []StepRecord `json:"steps"`
}

type StepRecord struct {
	Step           int     `json:"step"`
	Section        int     `json:"section"`
	SectionName    string  `json:"section_name,omitempty"`
	Value          uint8   `json:"value"`
	RangesApplied  int     `json:"ranges_applied"`
	Penalized      bool    `json:"penalized"`
	Reward         float64 `json:"reward"`
	Predicted      int     `json:"predicted"`
	Evaded         bool    `json:"evaded"`
	InjectionsLeft int     `json:"injections_left"`
	BytesWritten   uint64  `json:"bytes_written"`
}
