package episode

import (
	"context"
	"errors"
	"fmt"

	"github.com/Moonlight-Companies/gologger/coloransi"
	"github.com/Moonlight-Companies/gologger/logger"

	"malinject/internal/classify"
	"malinject/internal/matrix"
	"malinject/internal/opcode"
	"malinject/internal/sample"
)

const (
	DefaultMaxInjections         = 50
	DefaultMaxSections           = 2000
	DefaultInvalidSectionPenalty = -10.0
)

var (
	ErrNoSamples        = errors.New("episode has no samples")
	ErrNoEligibleSample = errors.New("no sample within the section limit")
	ErrNotReset         = errors.New("episode must be reset before stepping")
	ErrEpisodeDone      = errors.New("injection budget exhausted; reset required")
	ErrInvalidAction    = errors.New("action outside the action space")
)

// TooManySectionsError reports a sample skipped by Reset.
type TooManySectionsError struct {
	Sample    string
	NSections int
	Limit     int
}

func (e *TooManySectionsError) Error() string {
	return fmt.Sprintf("sample %s has %d sections, limit is %d", e.Sample, e.NSections, e.Limit)
}

type State int

const (
	StateIdle State = iota
	StateReady
	StateActive
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReady:
		return "ready"
	case StateActive:
		return "active"
	case StateExhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config holds the episode knobs. Zero values select the defaults above.
type Config struct {
	MaxInjections int
	MaxSections   int
	// InvalidSectionPenalty is the reward of a step whose section index is
	// past the sample's sections. Zero means DefaultInvalidSectionPenalty, so
	// a penalty-free setup must use a small negative value instead.
	InvalidSectionPenalty float64
	ValuePolicy           opcode.Policy
	Rewarder              Rewarder
}

func (c Config) withDefaults() Config {
	if c.MaxInjections <= 0 {
		c.MaxInjections = DefaultMaxInjections
	}
	if c.MaxSections <= 0 {
		c.MaxSections = DefaultMaxSections
	}
	if c.InvalidSectionPenalty == 0 {
		c.InvalidSectionPenalty = DefaultInvalidSectionPenalty
	}
	if c.ValuePolicy == nil {
		c.ValuePolicy = opcode.Any{}
	}
	if c.Rewarder == nil {
		c.Rewarder = ConfidenceDrop{}
	}
	return c
}

// Action selects a section by index and the byte to write into its ranges.
type Action struct {
	Section int
	Value   byte
}

type Observation struct {
	Matrix    matrix.Matrix
	NSections int
}

type Info struct {
	Sample         string
	SectionName    string
	RangesApplied  int
	Penalized      bool
	InjectionsLeft int
	BytesWritten   uint64
	Scores         classify.Scores
	Predicted      int
	Evaded         bool
}

type StepResult struct {
	Observation Observation
	Reward      float64
	Done        bool
	Info        Info
}

// Episode drives bounded injection over a cycle of samples. An Episode is
// owned by one goroutine; callers sharing one must serialise access.
type Episode struct {
	cfg        Config
	sources    []sample.Source
	classifier classify.Classifier
	log        *logger.Logger

	next           int
	current        *sample.BinarySample
	injectionsLeft int
	state          State
	baseline       classify.Scores
	baseClass      int
}

// New creates an episode over sources. classifier may be nil, in which case
// every valid step rewards zero.
func New(cfg Config, sources []sample.Source, classifier classify.Classifier) (*Episode, error) {
	if len(sources) == 0 {
		return nil, ErrNoSamples
	}
	return &Episode{
		cfg:        cfg.withDefaults(),
		sources:    sources,
		classifier: classifier,
		log:        logger.NewLogger(coloransi.Color(coloransi.ColorPurple, coloransi.ColorOrange, "episode")),
		baseClass:  -1,
	}, nil
}

func (e *Episode) Config() Config {
	return e.cfg
}

func (e *Episode) State() State {
	return e.state
}

func (e *Episode) InjectionsLeft() int {
	return e.injectionsLeft
}

// Sample returns the sample being mutated, nil before the first Reset.
func (e *Episode) Sample() *sample.BinarySample {
	return e.current
}

// Baseline returns the classifier scores taken at Reset.
func (e *Episode) Baseline() classify.Scores {
	return e.baseline.Clone()
}

// Reset loads the next sample whose section count fits the action space.
// Over-limit samples are skipped; after one full cycle without a fit it
// returns ErrNoEligibleSample.
func (e *Episode) Reset(ctx context.Context) (Observation, error) {
	var lastSkip error
	for attempt := 0; attempt < len(e.sources); attempt++ {
		if err := ctx.Err(); err != nil {
			return Observation{}, err
		}
		src := e.sources[e.next]
		e.next = (e.next + 1) % len(e.sources)

		s, err := src.Load()
		if err != nil {
			return Observation{}, fmt.Errorf("reset %s: %w", src.Name(), err)
		}
		if s.NSections() > e.cfg.MaxSections {
			lastSkip = &TooManySectionsError{Sample: src.Name(), NSections: s.NSections(), Limit: e.cfg.MaxSections}
			e.log.Debugln("skipping sample:", lastSkip)
			continue
		}

		image, err := s.Render()
		if err != nil {
			return Observation{}, fmt.Errorf("reset %s: %w", src.Name(), err)
		}
		baseline, err := e.score(ctx, image)
		if err != nil {
			return Observation{}, fmt.Errorf("reset %s: %w", src.Name(), err)
		}

		e.current = s
		e.injectionsLeft = e.cfg.MaxInjections
		e.state = StateReady
		e.baseline = baseline
		e.baseClass = baseline.Argmax()
		return Observation{Matrix: image, NSections: s.NSections()}, nil
	}
	return Observation{}, fmt.Errorf("%w: %w", ErrNoEligibleSample, lastSkip)
}

// Step spends one injection. An in-range section index fills that section's
// ranges with the value; an index past the sample's sections costs the budget
// and returns the fixed penalty without mutating anything. Any error, a
// classifier failure included, leaves the sample and the budget untouched.
func (e *Episode) Step(ctx context.Context, action Action) (StepResult, error) {
	switch e.state {
	case StateIdle:
		return StepResult{}, ErrNotReset
	case StateExhausted:
		return StepResult{}, ErrEpisodeDone
	}
	if action.Section < 0 || action.Section >= e.cfg.MaxSections {
		return StepResult{}, fmt.Errorf("%w: section %d not in [0, %d)", ErrInvalidAction, action.Section, e.cfg.MaxSections)
	}
	if !e.cfg.ValuePolicy.Allows(action.Value) {
		return StepResult{}, fmt.Errorf("%w: value %#02x rejected by %s policy", ErrInvalidAction, action.Value, e.cfg.ValuePolicy.Name())
	}

	info := Info{Sample: e.current.Name(), Predicted: e.baseClass}
	name, inRange := e.current.SectionAt(action.Section)

	// Nothing is committed until the mutated image has been scored.
	var (
		image  matrix.Matrix
		scores classify.Scores
		err    error
	)
	if inRange {
		image, err = e.current.PreviewSection(name, action.Value)
		if err != nil {
			return StepResult{}, err
		}
		if scores, err = e.score(ctx, image); err != nil {
			return StepResult{}, err
		}
		applied, err := e.current.InjectSection(name, action.Value)
		if err != nil {
			return StepResult{}, err
		}
		info.SectionName = name
		info.RangesApplied = applied
	} else if image, err = e.current.Render(); err != nil {
		return StepResult{}, err
	}

	e.injectionsLeft--
	e.state = StateActive
	if e.injectionsLeft <= 0 {
		e.injectionsLeft = 0
		e.state = StateExhausted
	}

	var reward float64
	switch {
	case !inRange:
		reward = e.cfg.InvalidSectionPenalty
		info.Penalized = true
	case scores != nil:
		reward = e.cfg.Rewarder.Reward(e.baseline, scores)
		info.Scores = scores
		info.Predicted = scores.Argmax()
		info.Evaded = info.Predicted != e.baseClass
	}

	info.InjectionsLeft = e.injectionsLeft
	info.BytesWritten = e.current.BytesWritten()
	done := e.state == StateExhausted
	if done {
		e.log.Infoln("episode exhausted for sample", e.current.Name(), "bytes written:", info.BytesWritten)
	}
	return StepResult{
		Observation: Observation{Matrix: image, NSections: e.current.NSections()},
		Reward:      reward,
		Done:        done,
		Info:        info,
	}, nil
}

func (e *Episode) score(ctx context.Context, image matrix.Matrix) (classify.Scores, error) {
	if e.classifier == nil {
		return nil, nil
	}
	scores, err := e.classifier.Classify(ctx, image)
	if err != nil {
		return nil, fmt.Errorf("classify with %s: %w", e.classifier.Name(), err)
	}
	if err := scores.Validate(); err != nil {
		return nil, err
	}
	return scores, nil
}
