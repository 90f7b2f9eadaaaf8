package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/xyproto/env/v2"

	"malinject/internal/episode"
	"malinject/internal/storage"
	api "malinject/pkg/malinject"
)

const exportsDir = "exports"

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "scan":
		return runScan(ctx, args[1:])
	case "render":
		return runRender(ctx, args[1:])
	case "run":
		return runRun(ctx, args[1:])
	case "runs":
		return runRuns(ctx, args[1:])
	case "episodes":
		return runEpisodes(ctx, args[1:])
	case "export":
		return runExport(ctx, args[1:])
	case "report":
		return runReport(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

type clientFlags struct {
	storeKind    *string
	dbPath       *string
	artifactsDir *string
}

func addClientFlags(fs *flag.FlagSet) clientFlags {
	return clientFlags{
		storeKind:    fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite"),
		dbPath:       fs.String("db-path", storage.DefaultDBPath(), "sqlite database path"),
		artifactsDir: fs.String("artifacts-dir", env.Str(api.ArtifactsDirEnv, "runs"), "run artifacts directory"),
	}
}

func (f clientFlags) open() (*api.Client, error) {
	return api.New(api.Options{
		StoreKind:    *f.storeKind,
		DBPath:       *f.dbPath,
		ArtifactsDir: *f.artifactsDir,
		ExportsDir:   exportsDir,
	})
}

func runScan(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("scan", flag.ContinueOnError)
	asmPath := fs.String("asm", "", "disassembly listing path")
	showRanges := fs.Bool("ranges", false, "list every range of each section")
	jsonOut := fs.Bool("json", false, "emit sections as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *asmPath == "" {
		return errors.New("scan requires --asm")
	}

	client, err := api.New(api.Options{StoreKind: "memory"})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()
	sections, err := client.Scan(ctx, *asmPath)
	if err != nil {
		return err
	}
	if *jsonOut {
		return printJSON(sectionsJSON(sections))
	}
	if len(sections) == 0 {
		fmt.Println("no injectable ranges found")
		return nil
	}
	printSections(sections, *showRanges)
	return nil
}

func runRender(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("render", flag.ContinueOnError)
	bytesPath := fs.String("bytes", "", "byte listing path")
	asmPath := fs.String("asm", "", "disassembly listing path")
	elfPath := fs.String("elf", "", "raw ELF binary path (instead of a listing pair)")
	rows := fs.Int("rows", 0, "matrix rows to preview")
	jsonOut := fs.Bool("json", false, "emit geometry as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *rows < 0 {
		return errors.New("rows must be >= 0")
	}

	client, err := api.New(api.Options{StoreKind: "memory"})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()
	summary, err := client.Inspect(ctx, api.InspectRequest{
		BytesPath:   *bytesPath,
		AsmPath:     *asmPath,
		ELFPath:     *elfPath,
		PreviewRows: *rows,
	})
	if err != nil {
		return err
	}
	if *jsonOut {
		preview := make([]string, 0, len(summary.Preview))
		for _, row := range summary.Preview {
			preview = append(preview, fmt.Sprintf("% X", row))
		}
		return printJSON(map[string]any{
			"name":         summary.Name,
			"base_address": fmt.Sprintf("%#x", summary.BaseAddress),
			"size":         summary.Size,
			"rows":         summary.Rows,
			"cols":         summary.Cols,
			"dropped":      summary.Dropped,
			"sections":     sectionsJSON(summary.Sections),
			"preview":      preview,
		})
	}

	fmt.Printf("sample=%s base=%#x size=%s (%d bytes)\n", summary.Name, summary.BaseAddress, humanize.Bytes(uint64(summary.Size)), summary.Size)
	fmt.Printf("matrix=%dx%d dropped=%d\n", summary.Rows, summary.Cols, summary.Dropped)
	printSections(summary.Sections, false)
	for i, row := range summary.Preview {
		fmt.Printf("row=%d % X\n", i, row)
	}
	return nil
}

func runRun(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "optional run config JSON path")
	runID := fs.String("run-id", "", "explicit run id (optional)")
	datasetRoot := fs.String("dataset", "", "directory of <category>/<id>.bytes and <id>.asm listings")
	datasetPart := fs.String("part", "all", "dataset part: train|valid|test|all")
	categories := fs.String("categories", "", "comma separated categories to keep (empty keeps all)")
	train := fs.Float64("train", 80, "train split percentage")
	valid := fs.Float64("valid", 20, "valid split percentage")
	test := fs.Float64("test", 0, "test split percentage")
	elfPaths := fs.String("elf", "", "comma separated raw ELF binaries")
	episodes := fs.Int("episodes", 0, "episode count (0 runs one per sample)")
	policyName := fs.String("policy", "longest-range", "action policy: longest-range|random|sweep")
	valuePolicy := fs.String("values", "any", "injected value policy: any|nop|x86|x86-64")
	reward := fs.String("reward", "confidence-drop", "reward: confidence-drop|evasion-bonus")
	classifier := fs.String("classifier", "histogram", "classifier: histogram|none")
	seed := fs.Uint64("seed", 1, "rng seed")
	maxInjections := fs.Int("max-injections", episode.DefaultMaxInjections, "injections per episode")
	maxSections := fs.Int("max-sections", episode.DefaultMaxSections, "action space size; samples with more sections are skipped")
	penalty := fs.Float64("penalty", episode.DefaultInvalidSectionPenalty, "reward for a section index past the sample's sections (0 selects the default)")
	writeMutated := fs.Bool("write-mutated", false, "write the mutated byte listing of every episode")
	cf := addClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	setFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	req, err := loadOrDefaultRunRequest(*configPath)
	if err != nil {
		return err
	}
	flagValues := map[string]any{
		"run-id":         *runID,
		"dataset":        *datasetRoot,
		"part":           *datasetPart,
		"categories":     splitList(*categories),
		"train":          *train,
		"valid":          *valid,
		"test":           *test,
		"elf":            splitList(*elfPaths),
		"episodes":       *episodes,
		"policy":         *policyName,
		"values":         *valuePolicy,
		"reward":         *reward,
		"classifier":     *classifier,
		"seed":           *seed,
		"max-injections": *maxInjections,
		"max-sections":   *maxSections,
		"penalty":        *penalty,
		"write-mutated":  *writeMutated,
	}
	if *configPath == "" {
		for name := range flagValues {
			setFlags[name] = true
		}
	}
	if err := overrideFromFlags(&req, setFlags, flagValues); err != nil {
		return err
	}

	client, err := cf.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	summary, err := client.Run(ctx, req)
	if err != nil {
		return err
	}
	fmt.Printf("run completed run_id=%s samples=%d episodes=%d policy=%s seed=%d\n", summary.RunID, summary.Samples, summary.Episodes, req.Policy, req.Seed)
	fmt.Printf("evasions=%d total_reward=%.6f mean_reward=%.6f injected=%s\n", summary.Evasions, summary.TotalReward, summary.MeanReward, humanize.Bytes(summary.BytesWritten))
	fmt.Printf("artifacts_dir=%s\n", filepath.Clean(summary.ArtifactsDir))
	return nil
}

func runRuns(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "max runs to list")
	jsonOut := fs.Bool("json", false, "emit runs list as JSON")
	cf := addClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit <= 0 {
		return errors.New("limit must be > 0")
	}

	client, err := cf.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()
	items, err := client.Runs(ctx, api.RunsRequest{Limit: *limit})
	if err != nil {
		return err
	}
	if *jsonOut {
		type runsItem struct {
			RunID        string  `json:"run_id"`
			CreatedAtUTC string  `json:"created_at_utc"`
			Policy       string  `json:"policy"`
			Samples      int     `json:"samples"`
			Episodes     int     `json:"episodes"`
			Seed         uint64  `json:"seed"`
			TotalReward  float64 `json:"total_reward"`
			EvasionRate  float64 `json:"evasion_rate"`
		}
		out := make([]runsItem, 0, len(items))
		for _, item := range items {
			out = append(out, runsItem(item))
		}
		return printJSON(out)
	}
	if len(items) == 0 {
		fmt.Println("no runs found")
		return nil
	}
	for _, item := range items {
		fmt.Printf("run_id=%s created_at=%s policy=%s samples=%d episodes=%s seed=%d total_reward=%.6f evasion_rate=%.3f\n",
			item.RunID, item.CreatedAtUTC, item.Policy, item.Samples, humanize.Comma(int64(item.Episodes)), item.Seed, item.TotalReward, item.EvasionRate)
	}
	return nil
}

func runEpisodes(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("episodes", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "use the most recent run")
	limit := fs.Int("limit", 0, "max episodes to list (0 lists all)")
	jsonOut := fs.Bool("json", false, "emit episodes as JSON")
	cf := addClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := cf.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()
	items, err := client.Episodes(ctx, api.EpisodesRequest{RunID: *runID, Latest: *latest, Limit: *limit})
	if err != nil {
		return err
	}
	if *jsonOut {
		return printJSON(items)
	}
	for _, item := range items {
		fmt.Printf("episode=%d sample=%s sections=%d steps=%d reward=%.6f written=%s class=%d->%d evaded=%t\n",
			item.Index, item.Sample, item.NSections, item.Steps, item.TotalReward, humanize.Bytes(item.BytesWritten), item.BaselineClass, item.FinalClass, item.Evaded)
	}
	return nil
}

func runExport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id to export")
	latest := fs.Bool("latest", false, "export the most recent run")
	outDir := fs.String("out", exportsDir, "export output directory")
	cf := addClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID != "" && *latest {
		return errors.New("use either --run-id or --latest")
	}
	if *runID == "" && !*latest {
		return errors.New("export requires --run-id or --latest")
	}

	client, err := cf.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()
	exported, err := client.Export(ctx, api.ExportRequest{RunID: *runID, Latest: *latest, OutDir: *outDir})
	if err != nil {
		return err
	}
	fmt.Printf("exported run_id=%s to=%s\n", exported.RunID, exported.Directory)
	return nil
}

func runReport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "report the most recent run")
	jsonOut := fs.Bool("json", false, "emit the report as JSON")
	cf := addClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := cf.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()
	report, err := client.Report(ctx, api.ReportRequest{RunID: *runID, Latest: *latest})
	if err != nil {
		return err
	}
	if *jsonOut {
		return printJSON(report)
	}
	fmt.Printf("run_id=%s policy=%s values=%s reward=%s seed=%d\n", report.RunID, report.Policy, report.ValuePolicy, report.Reward, report.Seed)
	fmt.Printf("episodes=%d steps=%s penalized=%d evasions=%d evasion_rate=%.3f\n",
		report.Episodes, humanize.Comma(int64(report.Steps)), report.PenalizedSteps, report.Evasions, report.EvasionRate)
	fmt.Printf("total_reward=%.6f mean_reward=%.6f best_reward=%.6f injected=%s\n",
		report.TotalReward, report.MeanReward, report.BestReward, humanize.Bytes(report.TotalBytesWritten))
	return nil
}

func printSections(sections []api.SectionItem, showRanges bool) {
	for _, section := range sections {
		fmt.Printf("section=%d name=%s ranges=%d bytes=%s\n", section.Index, section.Name, len(section.Ranges), humanize.Bytes(section.Bytes))
		if !showRanges {
			continue
		}
		for _, r := range section.Ranges {
			fmt.Printf("  address=%#08x length=%d\n", r.Address, r.Length)
		}
	}
}

func sectionsJSON(sections []api.SectionItem) []map[string]any {
	out := make([]map[string]any, 0, len(sections))
	for _, section := range sections {
		ranges := make([]map[string]any, 0, len(section.Ranges))
		for _, r := range section.Ranges {
			ranges = append(ranges, map[string]any{"address": fmt.Sprintf("%#x", r.Address), "length": r.Length})
		}
		out = append(out, map[string]any{
			"index":  section.Index,
			"name":   section.Name,
			"bytes":  section.Bytes,
			"ranges": ranges,
		})
	}
	return out
}

func printJSON(value any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: malinjectctl <scan|render|run|runs|episodes|report|export> [flags]", msg)
}
