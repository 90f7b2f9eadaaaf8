package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Moonlight-Companies/gologger/coloransi"
	"github.com/Moonlight-Companies/gologger/logger"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"malinject/internal/classify"
	"malinject/internal/episode"
	"malinject/internal/listing"
	"malinject/internal/model"
	"malinject/internal/policy"
	"malinject/internal/sample"
	"malinject/internal/stats"
	"malinject/internal/storage"
)

type Config struct {
	RunID      string
	Sources    []sample.Source
	Episodes   int
	Episode    episode.Config
	Policy     policy.Policy
	Classifier classify.Classifier
	Seed       uint64

	// ArtifactsDir receives <run id>/ artifacts and the run index. Empty
	// skips artifact output.
	ArtifactsDir string
	WriteMutated bool

	// Describe carries the dataset fields recorded in config.json.
	Describe stats.RunConfig
}

type Result struct {
	Run      model.RunRecord
	Episodes []model.EpisodeRecord
	Summary  stats.RunSummary
	RunDir   string
}

// Runner drives episodes with a policy and persists what happened.
type Runner struct {
	store storage.Store
	log   *logger.Logger
	now   func() time.Time
}

func New(store storage.Store) *Runner {
	return &Runner{
		store: store,
		log:   logger.NewLogger(coloransi.Color(coloransi.ColorPurple, coloransi.ColorOrange, "runner")),
		now:   time.Now,
	}
}

func (r *Runner) Run(ctx context.Context, cfg Config) (Result, error) {
	if r.store == nil {
		return Result{}, fmt.Errorf("store is required")
	}
	if cfg.Policy == nil {
		return Result{}, fmt.Errorf("policy is required")
	}
	if len(cfg.Sources) == 0 {
		return Result{}, episode.ErrNoSamples
	}
	if cfg.Episodes <= 0 {
		cfg.Episodes = len(cfg.Sources)
	}
	runID := cfg.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	env, err := episode.New(cfg.Episode, cfg.Sources, cfg.Classifier)
	if err != nil {
		return Result{}, err
	}
	effective := env.Config()
	createdAt := r.now().UTC()

	runDir := ""
	if cfg.ArtifactsDir != "" {
		runDir = filepath.Join(cfg.ArtifactsDir, runID)
		if cfg.WriteMutated {
			if err := os.MkdirAll(filepath.Join(runDir, stats.MutatedDir), 0o755); err != nil {
				return Result{}, err
			}
		}
	}

	r.log.Infoln("Starting run", runID, "policy:", cfg.Policy.Name(), "episodes:", cfg.Episodes, "samples:", len(cfg.Sources))
	episodes := make([]model.EpisodeRecord, 0, cfg.Episodes)
	for i := 0; i < cfg.Episodes; i++ {
		record, err := r.runEpisode(ctx, env, cfg.Policy, runID, i)
		if err != nil {
			return Result{}, fmt.Errorf("episode %d: %w", i, err)
		}
		if err := r.store.SaveEpisode(ctx, record); err != nil {
			return Result{}, err
		}
		if runDir != "" && cfg.WriteMutated {
			current := env.Sample()
			path := filepath.Join(runDir, stats.MutatedDir, fmt.Sprintf("%03d-%s%s", i, current.Name(), ".bytes"))
			if err := listing.WriteFile(path, current.BaseAddress(), current.Bytes(), listing.DefaultBytesPerLine); err != nil {
				return Result{}, err
			}
		}
		r.log.Infoln("Episode", i, "sample:", record.Sample, "steps:", len(record.Steps),
			"reward:", fmt.Sprintf("%.4f", record.TotalReward), "evaded:", record.Evaded,
			"written:", humanize.Bytes(record.BytesWritten))
		episodes = append(episodes, record)
	}

	summary := stats.Summarize(episodes)
	run := model.RunRecord{
		VersionedRecord:       storage.CurrentVersion(),
		ID:                    runID,
		CreatedAt:             createdAt,
		Policy:                cfg.Policy.Name(),
		ValuePolicy:           effective.ValuePolicy.Name(),
		Reward:                effective.Rewarder.Name(),
		Seed:                  cfg.Seed,
		Samples:               len(cfg.Sources),
		MaxInjections:         effective.MaxInjections,
		MaxSections:           effective.MaxSections,
		InvalidSectionPenalty: effective.InvalidSectionPenalty,
		TotalReward:           summary.TotalReward,
		Evasions:              summary.Evasions,
	}
	if cfg.Classifier != nil {
		run.Classifier = cfg.Classifier.Name()
	}
	for _, ep := range episodes {
		run.EpisodeIDs = append(run.EpisodeIDs, ep.ID)
	}
	if err := r.store.SaveRun(ctx, run); err != nil {
		return Result{}, err
	}

	if runDir != "" {
		described := cfg.Describe
		described.RunID = runID
		described.Samples = run.Samples
		described.Episodes = cfg.Episodes
		described.Policy = run.Policy
		described.ValuePolicy = run.ValuePolicy
		described.Reward = run.Reward
		described.Classifier = run.Classifier
		described.Seed = run.Seed
		described.MaxInjections = run.MaxInjections
		described.MaxSections = run.MaxSections
		described.InvalidSectionPenalty = run.InvalidSectionPenalty
		described.WriteMutated = cfg.WriteMutated
		if _, err := stats.WriteRunArtifacts(cfg.ArtifactsDir, stats.RunArtifacts{
			Config:   described,
			Episodes: episodes,
			Summary:  summary,
		}); err != nil {
			return Result{}, err
		}
		if err := stats.AppendRunIndex(cfg.ArtifactsDir, stats.RunIndexEntry{
			RunID:        runID,
			Policy:       run.Policy,
			Samples:      run.Samples,
			Episodes:     cfg.Episodes,
			Seed:         run.Seed,
			TotalReward:  summary.TotalReward,
			EvasionRate:  summary.EvasionRate,
			CreatedAtUTC: createdAt.Format(time.RFC3339),
		}); err != nil {
			return Result{}, err
		}
	}

	r.log.Infoln("Run", runID, "complete:", summary.Evasions, "of", summary.Episodes, "episodes evaded,",
		humanize.Bytes(summary.TotalBytesWritten), "injected")
	return Result{Run: run, Episodes: episodes, Summary: summary, RunDir: runDir}, nil
}

func (r *Runner) runEpisode(ctx context.Context, env *episode.Episode, p policy.Policy, runID string, index int) (model.EpisodeRecord, error) {
	obs, err := env.Reset(ctx)
	if err != nil {
		return model.EpisodeRecord{}, err
	}
	current := env.Sample()
	record := model.EpisodeRecord{
		VersionedRecord: storage.CurrentVersion(),
		ID:              uuid.NewString(),
		RunID:           runID,
		Index:           index,
		Sample:          current.Name(),
		NSections:       obs.NSections,
		SampleBytes:     current.Size(),
		BaselineClass:   env.Baseline().Argmax(),
	}
	record.FinalClass = record.BaselineClass

	for step := 0; ; step++ {
		if err := ctx.Err(); err != nil {
			return model.EpisodeRecord{}, err
		}
		action := p.Next(obs)
		res, err := env.Step(ctx, action)
		if err != nil {
			if errors.Is(err, episode.ErrInvalidAction) {
				return model.EpisodeRecord{}, fmt.Errorf("policy %s: %w", p.Name(), err)
			}
			return model.EpisodeRecord{}, err
		}
		record.Steps = append(record.Steps, model.StepRecord{
			Step:           step,
			Section:        action.Section,
			SectionName:    res.Info.SectionName,
			Value:          action.Value,
			RangesApplied:  res.Info.RangesApplied,
			Penalized:      res.Info.Penalized,
			Reward:         res.Reward,
			Predicted:      res.Info.Predicted,
			Evaded:         res.Info.Evaded,
			InjectionsLeft: res.Info.InjectionsLeft,
			BytesWritten:   res.Info.BytesWritten,
		})
		record.TotalReward += res.Reward
		record.BytesWritten = res.Info.BytesWritten
		if !res.Info.Penalized {
			record.FinalClass = res.Info.Predicted
			record.Evaded = res.Info.Evaded
		}
		obs = res.Observation
		if res.Done {
			return record, nil
		}
	}
}
