package stats

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"malinject/internal/model"
)

const (
	runIndexFile = "run_index.json"
	configFile   = "config.json"
	episodesFile = "episodes.json"
	summaryFile  = "summary.json"
	stepsFile    = "steps.csv"

	// MutatedDir holds the byte listings of samples as they were at the end
	// of each episode.
	MutatedDir = "mutated"
)

type RunConfig struct {
	RunID                 string   `json:"run_id"`
	DatasetRoot           string   `json:"dataset_root,omitempty"`
	DatasetPart           string   `json:"dataset_part,omitempty"`
	Categories            []string `json:"categories,omitempty"`
	ELFPaths              []string `json:"elf_paths,omitempty"`
	Samples               int      `json:"samples"`
	Episodes              int      `json:"episodes"`
	Policy                string   `json:"policy"`
	ValuePolicy           string   `json:"value_policy"`
	Reward                string   `json:"reward"`
	Classifier            string   `json:"classifier,omitempty"`
	Seed                  uint64   `json:"seed"`
	MaxInjections         int      `json:"max_injections"`
	MaxSections           int      `json:"max_sections"`
	InvalidSectionPenalty float64  `json:"invalid_section_penalty"`
	WriteMutated          bool     `json:"write_mutated"`
}

type RunSummary struct {
	Episodes          int     `json:"episodes"`
	Steps             int     `json:"steps"`
	PenalizedSteps    int     `json:"penalized_steps"`
	Evasions          int     `json:"evasions"`
	EvasionRate       float64 `json:"evasion_rate"`
	TotalReward       float64 `json:"total_reward"`
	MeanReward        float64 `json:"mean_episode_reward"`
	BestReward        float64 `json:"best_episode_reward"`
	TotalBytesWritten uint64  `json:"total_bytes_written"`
}

type RunArtifacts struct {
	Config   RunConfig             `json:"config"`
	Episodes []model.EpisodeRecord `json:"episodes"`
	Summary  RunSummary            `json:"summary"`
}

type RunIndexEntry struct {
	RunID        string  `json:"run_id"`
	Policy       string  `json:"policy"`
	Samples      int     `json:"samples"`
	Episodes     int     `json:"episodes"`
	Seed         uint64  `json:"seed"`
	TotalReward  float64 `json:"total_reward"`
	EvasionRate  float64 `json:"evasion_rate"`
	CreatedAtUTC string  `json:"created_at_utc"`
}

// Summarize aggregates episode outcomes.
func Summarize(episodes []model.EpisodeRecord) RunSummary {
	summary := RunSummary{Episodes: len(episodes)}
	for i, ep := range episodes {
		summary.Steps += len(ep.Steps)
		for _, step := range ep.Steps {
			if step.Penalized {
				summary.PenalizedSteps++
			}
		}
		if ep.Evaded {
			summary.Evasions++
		}
		summary.TotalReward += ep.TotalReward
		summary.TotalBytesWritten += ep.BytesWritten
		if i == 0 || ep.TotalReward > summary.BestReward {
			summary.BestReward = ep.TotalReward
		}
	}
	if len(episodes) > 0 {
		summary.MeanReward = summary.TotalReward / float64(len(episodes))
		summary.EvasionRate = float64(summary.Evasions) / float64(len(episodes))
	}
	return summary
}

func WriteRunArtifacts(baseDir string, artifacts RunArtifacts) (string, error) {
	if artifacts.Config.RunID == "" {
		return "", fmt.Errorf("run id is required")
	}

	runDir := filepath.Join(baseDir, artifacts.Config.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}

	if err := writeJSON(filepath.Join(runDir, configFile), artifacts.Config); err != nil {
		return "", err
	}
	episodes := artifacts.Episodes
	if episodes == nil {
		episodes = []model.EpisodeRecord{}
	}
	if err := writeJSON(filepath.Join(runDir, episodesFile), episodes); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, summaryFile), artifacts.Summary); err != nil {
		return "", err
	}
	if err := WriteStepSeries(runDir, artifacts.Episodes); err != nil {
		return "", err
	}
	return runDir, nil
}

func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		return err
	}

	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}

	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

// ListRunIndex returns index entries newest first.
func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	path := filepath.Join(baseDir, runIndexFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}

	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}

	type indexedEntry struct {
		entry RunIndexEntry
		idx   int
	}
	indexed := make([]indexedEntry, len(entries))
	for i := range entries {
		indexed[i] = indexedEntry{entry: entries[i], idx: i}
	}
	sort.Slice(indexed, func(i, j int) bool {
		if indexed[i].entry.CreatedAtUTC == indexed[j].entry.CreatedAtUTC {
			// Later appends win ties.
			return indexed[i].idx > indexed[j].idx
		}
		return indexed[i].entry.CreatedAtUTC > indexed[j].entry.CreatedAtUTC
	})

	sorted := make([]RunIndexEntry, 0, len(indexed))
	for _, item := range indexed {
		sorted = append(sorted, item.entry)
	}
	return sorted, nil
}

// ExportRunArtifacts copies a run directory, mutated listings included, to
// outDir/<runID>.
func ExportRunArtifacts(baseDir, runID, outDir string) (string, error) {
	if runID == "" {
		return "", fmt.Errorf("run id is required")
	}

	src := filepath.Join(baseDir, runID)
	if _, err := os.Stat(src); err != nil {
		return "", err
	}

	dst := filepath.Join(outDir, runID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}

	for _, file := range []string{configFile, episodesFile, summaryFile, stepsFile} {
		if err := copyFile(filepath.Join(src, file), filepath.Join(dst, file)); err != nil {
			return "", err
		}
	}

	mutatedSrc := filepath.Join(src, MutatedDir)
	entries, err := os.ReadDir(mutatedSrc)
	if err != nil {
		if os.IsNotExist(err) {
			return dst, nil
		}
		return "", err
	}
	if err := os.MkdirAll(filepath.Join(dst, MutatedDir), 0o755); err != nil {
		return "", err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := copyFile(filepath.Join(mutatedSrc, entry.Name()), filepath.Join(dst, MutatedDir, entry.Name())); err != nil {
			return "", err
		}
	}
	return dst, nil
}

func ReadRunConfig(baseDir, runID string) (RunConfig, bool, error) {
	var cfg RunConfig
	ok, err := readJSON(filepath.Join(baseDir, runID, configFile), &cfg)
	return cfg, ok, err
}

func ReadRunSummary(baseDir, runID string) (RunSummary, bool, error) {
	var summary RunSummary
	ok, err := readJSON(filepath.Join(baseDir, runID, summaryFile), &summary)
	return summary, ok, err
}

func ReadEpisodes(baseDir, runID string) ([]model.EpisodeRecord, bool, error) {
	var episodes []model.EpisodeRecord
	ok, err := readJSON(filepath.Join(baseDir, runID, episodesFile), &episodes)
	return episodes, ok, err
}

var stepSeriesHeader = []string{"episode", "sample", "step", "section", "section_name", "value", "ranges_applied", "penalized", "reward", "predicted", "evaded", "injections_left", "bytes_written"}

// WriteStepSeries writes one CSV row per step of every episode.
func WriteStepSeries(runDir string, episodes []model.EpisodeRecord) error {
	file, err := os.Create(filepath.Join(runDir, stepsFile))
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(stepSeriesHeader); err != nil {
		return err
	}
	for _, ep := range episodes {
		for _, step := range ep.Steps {
			if err := writer.Write([]string{
				strconv.Itoa(ep.Index),
				ep.Sample,
				strconv.Itoa(step.Step),
				strconv.Itoa(step.Section),
				step.SectionName,
				fmt.Sprintf("0x%02X", step.Value),
				strconv.Itoa(step.RangesApplied),
				strconv.FormatBool(step.Penalized),
				strconv.FormatFloat(step.Reward, 'f', -1, 64),
				strconv.Itoa(step.Predicted),
				strconv.FormatBool(step.Evaded),
				strconv.Itoa(step.InjectionsLeft),
				strconv.FormatUint(step.BytesWritten, 10),
			}); err != nil {
				return err
			}
		}
	}
	writer.Flush()
	return writer.Error()
}

// ReadStepRewards returns the reward column of steps.csv in file order.
func ReadStepRewards(baseDir, runID string) ([]float64, bool, error) {
	file, err := os.Open(filepath.Join(baseDir, runID, stepsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return []float64{}, true, nil
		}
		return nil, false, err
	}
	rewardCol := -1
	for i, name := range header {
		if name == "reward" {
			rewardCol = i
		}
	}
	if rewardCol < 0 {
		return nil, false, fmt.Errorf("step series header has no reward column")
	}

	rewards := make([]float64, 0, 128)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, err
		}
		value, err := strconv.ParseFloat(record[rewardCol], 64)
		if err != nil {
			return nil, false, err
		}
		rewards = append(rewards, value)
	}
	return rewards, true, nil
}

func readJSON(path string, value any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, value); err != nil {
		return false, err
	}
	return true, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
