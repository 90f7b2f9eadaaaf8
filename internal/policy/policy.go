package policy

import (
	"fmt"

	"pgregory.net/rand"

	"malinject/internal/episode"
	"malinject/internal/opcode"
)

const (
	NameRandom       = "random"
	NameLongestRange = "longest-range"
	NameSweep        = "sweep"
)

// Policy picks the next action from the current observation. Policies may
// keep state between calls and are not safe for concurrent use.
type Policy interface {
	Name() string
	Next(obs episode.Observation) episode.Action
}

// Random draws a section uniformly from [0, nsections], one past the last
// section included so the penalty path is exercised, and a value uniformly
// from the bytes the value policy allows. Draws never reach maxSections, the
// size of the episode's action space.
type Random struct {
	rng         *rand.Rand
	values      []byte
	maxSections int
}

// NewRandom returns a seeded Random. maxSections <= 0 means
// episode.DefaultMaxSections.
func NewRandom(seed uint64, values opcode.Policy, maxSections int) *Random {
	if maxSections <= 0 {
		maxSections = episode.DefaultMaxSections
	}
	if values == nil {
		values = opcode.Any{}
	}
	allowed := opcode.Allowed(values)
	if len(allowed) == 0 {
		allowed = []byte{opcode.NOP}
	}
	return &Random{rng: rand.New(seed), values: allowed, maxSections: maxSections}
}

func (*Random) Name() string { return NameRandom }

func (r *Random) Next(obs episode.Observation) episode.Action {
	n := min(obs.NSections+1, r.maxSections)
	if n <= 0 {
		n = 1
	}
	return episode.Action{
		Section: r.rng.Intn(n),
		Value:   r.values[r.rng.Intn(len(r.values))],
	}
}

// LongestRange always fills the section holding the longest range with NOP.
type LongestRange struct{}

func (LongestRange) Name() string { return NameLongestRange }

func (LongestRange) Next(episode.Observation) episode.Action {
	return episode.Action{Section: 0, Value: opcode.NOP}
}

// Sweep visits sections in order and wraps around.
type Sweep struct {
	Value byte
	next  int
}

func (*Sweep) Name() string { return NameSweep }

func (s *Sweep) Next(obs episode.Observation) episode.Action {
	if obs.NSections <= 0 {
		return episode.Action{Section: 0, Value: s.Value}
	}
	section := s.next % obs.NSections
	s.next = section + 1
	return episode.Action{Section: section, Value: s.Value}
}

// New builds a policy by name. values constrains the bytes Random may draw
// and picks the fill byte for Sweep; maxSections bounds Random's section draws.
func New(name string, seed uint64, values opcode.Policy, maxSections int) (Policy, error) {
	if values == nil {
		values = opcode.Any{}
	}
	switch Normalize(name) {
	case "", NameLongestRange:
		if !values.Allows(opcode.NOP) {
			return nil, fmt.Errorf("policy %s writes %#02x which the %s value policy rejects", NameLongestRange, opcode.NOP, values.Name())
		}
		return LongestRange{}, nil
	case NameRandom:
		return NewRandom(seed, values, maxSections), nil
	case NameSweep:
		value := byte(opcode.NOP)
		if !values.Allows(value) {
			allowed := opcode.Allowed(values)
			if len(allowed) == 0 {
				return nil, fmt.Errorf("value policy %s allows no bytes", values.Name())
			}
			value = allowed[0]
		}
		return &Sweep{Value: value}, nil
	default:
		return nil, fmt.Errorf("unsupported policy: %s", name)
	}
}
