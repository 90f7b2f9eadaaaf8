package malinject

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/xyproto/env/v2"

	"malinject/internal/classify"
	"malinject/internal/dataset"
	"malinject/internal/disasm"
	"malinject/internal/episode"
	"malinject/internal/matrix"
	"malinject/internal/opcode"
	"malinject/internal/policy"
	"malinject/internal/runner"
	"malinject/internal/sample"
	"malinject/internal/stats"
	"malinject/internal/storage"
)

const (
	ArtifactsDirEnv = "MALINJECT_ARTIFACTS_DIR"

	defaultArtifactsDir = "runs"
	defaultExportsDir   = "exports"
)

type Options struct {
	StoreKind    string
	DBPath       string
	ArtifactsDir string
	ExportsDir   string
}

type Client struct {
	store       storage.Store
	initialized bool

	artifactsDir string
	exportsDir   string
}

type RunRequest struct {
	RunID                 string
	DatasetRoot           string
	DatasetPart           string
	Categories            []string
	Split                 dataset.SplitRatios
	ELFPaths              []string
	Episodes              int
	Policy                string
	ValuePolicy           string
	Reward                string
	Classifier            string
	Seed                  uint64
	MaxInjections         int
	MaxSections           int
	InvalidSectionPenalty float64
	WriteMutated          bool
}

type RunSummary struct {
	RunID        string
	ArtifactsDir string
	Samples      int
	Episodes     int
	Evasions     int
	TotalReward  float64
	MeanReward   float64
	BytesWritten uint64
}

type RunsRequest struct {
	Limit int
}

type RunItem struct {
	RunID        string
	CreatedAtUTC string
	Policy       string
	Samples      int
	Episodes     int
	Seed         uint64
	TotalReward  float64
	EvasionRate  float64
}

type EpisodesRequest struct {
	RunID  string
	Latest bool
	Limit  int
}

type EpisodeItem struct {
	ID            string
	Index         int
	Sample        string
	NSections     int
	Steps         int
	TotalReward   float64
	BytesWritten  uint64
	BaselineClass int
	FinalClass    int
	Evaded        bool
}

type ExportRequest struct {
	RunID  string
	Latest bool
	OutDir string
}

type ExportSummary struct {
	RunID     string
	Directory string
}

type ReportRequest struct {
	RunID  string
	Latest bool
}

// RunReport is the stored summary of a run together with its per-step
// reward series.
type RunReport struct {
	RunID             string
	Policy            string
	ValuePolicy       string
	Reward            string
	Seed              uint64
	Episodes          int
	Steps             int
	PenalizedSteps    int
	Evasions          int
	EvasionRate       float64
	TotalReward       float64
	MeanReward        float64
	BestReward        float64
	TotalBytesWritten uint64
	StepRewards       []float64
}

// InspectRequest names one sample: a byte listing with its disassembly, or a
// raw ELF file.
type InspectRequest struct {
	BytesPath   string
	AsmPath     string
	ELFPath     string
	PreviewRows int
}

type SectionItem struct {
	Index  int
	Name   string
	Ranges []disasm.Range
	Bytes  uint64
}

type InspectSummary struct {
	Name        string
	BaseAddress uint64
	Size        int
	Rows        int
	Cols        int
	Dropped     int
	Sections    []SectionItem
	Preview     [][]byte
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind()
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = storage.DefaultDBPath()
	}
	artifactsDir := opts.ArtifactsDir
	if artifactsDir == "" {
		env.Load()
		artifactsDir = env.Str(ArtifactsDirEnv, defaultArtifactsDir)
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = defaultExportsDir
	}

	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}

	return &Client{
		store:        store,
		artifactsDir: artifactsDir,
		exportsDir:   exportsDir,
	}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Init(ctx context.Context) error {
	return c.ensureStore(ctx)
}

func (c *Client) Run(ctx context.Context, req RunRequest) (RunSummary, error) {
	if req.MaxInjections < 0 || req.MaxSections < 0 || req.Episodes < 0 {
		return RunSummary{}, errors.New("episodes, max injections and max sections must be >= 0")
	}
	sources, err := collectSources(req)
	if err != nil {
		return RunSummary{}, err
	}
	values, err := opcode.Lookup(req.ValuePolicy)
	if err != nil {
		return RunSummary{}, err
	}
	rewarder, err := episode.LookupRewarder(req.Reward)
	if err != nil {
		return RunSummary{}, err
	}
	actionPolicy, err := policy.New(req.Policy, req.Seed, values, req.MaxSections)
	if err != nil {
		return RunSummary{}, err
	}
	classifier, err := classifierFromName(req.Classifier)
	if err != nil {
		return RunSummary{}, err
	}
	if err := c.ensureStore(ctx); err != nil {
		return RunSummary{}, err
	}

	result, err := runner.New(c.store).Run(ctx, runner.Config{
		RunID:    req.RunID,
		Sources:  sources,
		Episodes: req.Episodes,
		Episode: episode.Config{
			MaxInjections:         req.MaxInjections,
			MaxSections:           req.MaxSections,
			InvalidSectionPenalty: req.InvalidSectionPenalty,
			ValuePolicy:           values,
			Rewarder:              rewarder,
		},
		Policy:       actionPolicy,
		Classifier:   classifier,
		Seed:         req.Seed,
		ArtifactsDir: c.artifactsDir,
		WriteMutated: req.WriteMutated,
		Describe: stats.RunConfig{
			DatasetRoot: req.DatasetRoot,
			DatasetPart: req.DatasetPart,
			Categories:  req.Categories,
			ELFPaths:    req.ELFPaths,
		},
	})
	if err != nil {
		return RunSummary{}, err
	}
	return RunSummary{
		RunID:        result.Run.ID,
		ArtifactsDir: result.RunDir,
		Samples:      len(sources),
		Episodes:     result.Summary.Episodes,
		Evasions:     result.Summary.Evasions,
		TotalReward:  result.Summary.TotalReward,
		MeanReward:   result.Summary.MeanReward,
		BytesWritten: result.Summary.TotalBytesWritten,
	}, nil
}

func (c *Client) Runs(_ context.Context, req RunsRequest) ([]RunItem, error) {
	if req.Limit <= 0 {
		req.Limit = 20
	}

	entries, err := stats.ListRunIndex(c.artifactsDir)
	if err != nil {
		return nil, err
	}
	if len(entries) > req.Limit {
		entries = entries[:req.Limit]
	}

	out := make([]RunItem, 0, len(entries))
	for _, e := range entries {
		out = append(out, RunItem{
			RunID:        e.RunID,
			CreatedAtUTC: e.CreatedAtUTC,
			Policy:       e.Policy,
			Samples:      e.Samples,
			Episodes:     e.Episodes,
			Seed:         e.Seed,
			TotalReward:  e.TotalReward,
			EvasionRate:  e.EvasionRate,
		})
	}
	return out, nil
}

// Episodes lists the episodes of a run from the store, falling back to the
// run's artifacts when the store does not hold it.
func (c *Client) Episodes(ctx context.Context, req EpisodesRequest) ([]EpisodeItem, error) {
	if req.Limit < 0 {
		return nil, errors.New("limit must be >= 0")
	}
	runID, err := c.resolveRunID(req.RunID, req.Latest)
	if err != nil {
		return nil, err
	}
	if err := c.ensureStore(ctx); err != nil {
		return nil, err
	}

	records, err := c.store.ListEpisodes(ctx, runID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		stored, ok, err := stats.ReadEpisodes(c.artifactsDir, runID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("episodes not found for run id: %s", runID)
		}
		records = stored
	}
	if req.Limit > 0 && len(records) > req.Limit {
		records = records[:req.Limit]
	}

	out := make([]EpisodeItem, 0, len(records))
	for _, rec := range records {
		out = append(out, EpisodeItem{
			ID:            rec.ID,
			Index:         rec.Index,
			Sample:        rec.Sample,
			NSections:     rec.NSections,
			Steps:         len(rec.Steps),
			TotalReward:   rec.TotalReward,
			BytesWritten:  rec.BytesWritten,
			BaselineClass: rec.BaselineClass,
			FinalClass:    rec.FinalClass,
			Evaded:        rec.Evaded,
		})
	}
	return out, nil
}

func (c *Client) Export(_ context.Context, req ExportRequest) (ExportSummary, error) {
	if req.OutDir == "" {
		req.OutDir = c.exportsDir
	}
	runID, err := c.resolveRunID(req.RunID, req.Latest)
	if err != nil {
		return ExportSummary{}, err
	}

	exportedDir, err := stats.ExportRunArtifacts(c.artifactsDir, runID, req.OutDir)
	if err != nil {
		return ExportSummary{}, err
	}
	return ExportSummary{RunID: runID, Directory: filepath.Clean(exportedDir)}, nil
}

// Report reads a run's config.json, summary.json and steps.csv.
func (c *Client) Report(_ context.Context, req ReportRequest) (RunReport, error) {
	runID, err := c.resolveRunID(req.RunID, req.Latest)
	if err != nil {
		return RunReport{}, err
	}
	summary, ok, err := stats.ReadRunSummary(c.artifactsDir, runID)
	if err != nil {
		return RunReport{}, err
	}
	if !ok {
		return RunReport{}, fmt.Errorf("run summary not found for run id: %s", runID)
	}
	cfg, _, err := stats.ReadRunConfig(c.artifactsDir, runID)
	if err != nil {
		return RunReport{}, err
	}
	rewards, _, err := stats.ReadStepRewards(c.artifactsDir, runID)
	if err != nil {
		return RunReport{}, err
	}
	return RunReport{
		RunID:             runID,
		Policy:            cfg.Policy,
		ValuePolicy:       cfg.ValuePolicy,
		Reward:            cfg.Reward,
		Seed:              cfg.Seed,
		Episodes:          summary.Episodes,
		Steps:             summary.Steps,
		PenalizedSteps:    summary.PenalizedSteps,
		Evasions:          summary.Evasions,
		EvasionRate:       summary.EvasionRate,
		TotalReward:       summary.TotalReward,
		MeanReward:        summary.MeanReward,
		BestReward:        summary.BestReward,
		TotalBytesWritten: summary.TotalBytesWritten,
		StepRewards:       rewards,
	}, nil
}

// Scan lists the injectable sections of a disassembly listing in action
// order.
func (c *Client) Scan(_ context.Context, asmPath string) ([]SectionItem, error) {
	ranges, err := disasm.ScanFile(asmPath)
	if err != nil {
		return nil, err
	}
	return sectionItems(disasm.Group(ranges)), nil
}

// Inspect loads a sample and reports its matrix geometry and sections.
func (c *Client) Inspect(_ context.Context, req InspectRequest) (InspectSummary, error) {
	var (
		s   *sample.BinarySample
		err error
	)
	switch {
	case req.ELFPath != "" && (req.BytesPath != "" || req.AsmPath != ""):
		return InspectSummary{}, errors.New("use either an ELF file or a listing pair")
	case req.ELFPath != "":
		s, err = sample.LoadELF(req.ELFPath)
	case req.BytesPath != "" && req.AsmPath != "":
		s, err = sample.Load(req.BytesPath, req.AsmPath)
	default:
		return InspectSummary{}, errors.New("inspect requires a bytes and asm listing or an ELF file")
	}
	if err != nil {
		return InspectSummary{}, err
	}

	rows, cols, dropped, err := matrix.Dimensions(s.Size())
	if err != nil {
		return InspectSummary{}, err
	}
	summary := InspectSummary{
		Name:        s.Name(),
		BaseAddress: s.BaseAddress(),
		Size:        s.Size(),
		Rows:        rows,
		Cols:        cols,
		Dropped:     dropped,
		Sections:    sectionItems(s.Sections()),
	}
	if req.PreviewRows > 0 {
		image, err := s.Render()
		if err != nil {
			return InspectSummary{}, err
		}
		for r := 0; r < req.PreviewRows && r < image.Rows; r++ {
			summary.Preview = append(summary.Preview, image.Row(r))
		}
	}
	return summary, nil
}

func (c *Client) ensureStore(ctx context.Context) error {
	if c.initialized {
		return nil
	}
	if err := c.store.Init(ctx); err != nil {
		return err
	}
	c.initialized = true
	return nil
}

func (c *Client) resolveRunID(runID string, latest bool) (string, error) {
	if runID != "" && latest {
		return "", errors.New("use either run id or latest")
	}
	if runID != "" {
		return runID, nil
	}
	if !latest {
		return "", errors.New("run id or latest is required")
	}
	entries, err := stats.ListRunIndex(c.artifactsDir)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", errors.New("no runs available")
	}
	return entries[0].RunID, nil
}

func collectSources(req RunRequest) ([]sample.Source, error) {
	var sources []sample.Source
	if req.DatasetRoot != "" {
		discovered, err := dataset.Discover(req.DatasetRoot, req.Categories)
		if err != nil {
			return nil, err
		}
		split := req.Split
		if split == (dataset.SplitRatios{}) {
			split = dataset.DefaultConfig().Split
		}
		pairs, err := dataset.Select(discovered, split, req.DatasetPart)
		if err != nil {
			return nil, err
		}
		sources = append(sources, dataset.Sources(pairs)...)
	}
	for _, path := range req.ELFPaths {
		sources = append(sources, sample.ELFSource{Path: path})
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("%w: set a dataset root with listings or ELF paths", episode.ErrNoSamples)
	}
	return sources, nil
}

func classifierFromName(name string) (classify.Classifier, error) {
	switch strings.ReplaceAll(strings.TrimSpace(strings.ToLower(name)), "_", "-") {
	case "", "histogram", "histogram-surrogate":
		return classify.HistogramSurrogate{}, nil
	case "none", "off":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported classifier: %s", name)
	}
}

func sectionItems(sections disasm.SectionMap) []SectionItem {
	items := make([]SectionItem, 0, sections.Len())
	for i, name := range sections.Names() {
		ranges, _ := sections.Ranges(name)
		items = append(items, SectionItem{
			Index:  i,
			Name:   name,
			Ranges: ranges,
			Bytes:  sections.Bytes(name),
		})
	}
	return items
}
