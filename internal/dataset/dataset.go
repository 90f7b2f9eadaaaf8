package dataset

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/Moonlight-Companies/gologger/coloransi"
	"github.com/Moonlight-Companies/gologger/logger"
	"golang.org/x/exp/slices"

	"malinject/internal/sample"
)

const (
	BytesExt = ".bytes"
	AsmExt   = ".asm"

	PartTrain = "train"
	PartValid = "valid"
	PartTest  = "test"
	PartAll   = "all"
)

var log = logger.NewLogger(coloransi.Color(coloransi.ColorPurple, coloransi.ColorOrange, "dataset"))

// SplitRatios are percentages of each category assigned to the train, valid
// and test parts.
type SplitRatios struct {
	Train float64 `json:"train"`
	Valid float64 `json:"valid"`
	Test  float64 `json:"test"`
}

func (s SplitRatios) Verify() error {
	if s.Train < 0 || s.Valid < 0 || s.Test < 0 {
		return fmt.Errorf("split percentages must not be negative: %+v", s)
	}
	total := s.Train + s.Valid + s.Test
	if total > 100 {
		return fmt.Errorf("split percentages sum to %.2f, more than 100", total)
	}
	if total <= 0 {
		return errors.New("split percentages must sum to more than zero")
	}
	return nil
}

// Config selects the categories (malware families) to use and how each
// category is divided. An empty category list keeps every category.
type Config struct {
	Categories []string    `json:"categories"`
	Split      SplitRatios `json:"split"`
}

func DefaultConfig() Config {
	return Config{Split: SplitRatios{Train: 80, Valid: 20}}
}

// Discover walks root and pairs every <id>.bytes with the <id>.asm in the same
// directory. The category of a pair is the name of its directory. Files
// without a partner are skipped.
func Discover(root string, categories []string) ([]sample.PairSource, error) {
	type pairKey struct {
		dir string
		id  string
	}
	bytesFiles := map[pairKey]string{}
	asmFiles := map[pairKey]string{}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		key := pairKey{dir: filepath.Dir(path), id: strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))}
		switch ext {
		case BytesExt:
			bytesFiles[key] = path
		case AsmExt:
			asmFiles[key] = path
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", root, err)
	}

	pairs := make([]sample.PairSource, 0, len(bytesFiles))
	paired := 0
	for key, bytesPath := range bytesFiles {
		asmPath, ok := asmFiles[key]
		if !ok {
			continue
		}
		paired++
		category := ""
		if filepath.Clean(key.dir) != filepath.Clean(root) {
			category = filepath.Base(key.dir)
		}
		if len(categories) > 0 && !slices.Contains(categories, category) {
			continue
		}
		pairs = append(pairs, sample.PairSource{
			ID:        key.id,
			Category:  category,
			BytesPath: bytesPath,
			AsmPath:   asmPath,
		})
	}
	if unpaired := len(bytesFiles) + len(asmFiles) - 2*paired; unpaired > 0 {
		log.Warn(fmt.Sprintf("%s: skipped %d listings without a partner", root, unpaired))
	}

	slices.SortFunc(pairs, func(a, b sample.PairSource) int {
		if c := strings.Compare(a.Category, b.Category); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return pairs, nil
}

// Select returns the share of pairs belonging to part. Each category is cut in
// order: the first Train percent go to train, the next Valid percent to valid
// and the next Test percent to test. pairs must be ordered as Discover
// returns them.
func Select(pairs []sample.PairSource, split SplitRatios, part string) ([]sample.PairSource, error) {
	part = strings.ToLower(strings.TrimSpace(part))
	if part == "" || part == PartAll {
		return slices.Clone(pairs), nil
	}
	switch part {
	case PartTrain, PartValid, PartTest:
	default:
		return nil, fmt.Errorf("unsupported dataset part: %s", part)
	}
	if err := split.Verify(); err != nil {
		return nil, err
	}

	var selected []sample.PairSource
	for start := 0; start < len(pairs); {
		end := start
		for end < len(pairs) && pairs[end].Category == pairs[start].Category {
			end++
		}
		group := pairs[start:end]
		n := float64(len(group))
		trainN := int(n * split.Train / 100)
		validN := int(n * split.Valid / 100)
		testN := int(n * split.Test / 100)

		switch part {
		case PartTrain:
			selected = append(selected, group[:trainN]...)
		case PartValid:
			selected = append(selected, group[trainN:trainN+validN]...)
		case PartTest:
			selected = append(selected, group[trainN+validN:trainN+validN+testN]...)
		}
		start = end
	}
	return selected, nil
}

// Sources adapts pairs to the episode's sample sources.
func Sources(pairs []sample.PairSource) []sample.Source {
	out := make([]sample.Source, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, p)
	}
	return out
}
