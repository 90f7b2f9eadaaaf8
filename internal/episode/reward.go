package episode

import (
	"fmt"
	"strings"

	"malinject/internal/classify"
)

// Rewarder turns the scores taken at reset and after a step into a reward.
type Rewarder interface {
	Name() string
	Reward(baseline, current classify.Scores) float64
}

// ConfidenceDrop rewards the fall in confidence for the class predicted at
// reset. Positive values mean the classifier trusts its original verdict less.
type ConfidenceDrop struct{}

func (ConfidenceDrop) Name() string { return "confidence-drop" }

func (ConfidenceDrop) Reward(baseline, current classify.Scores) float64 {
	class := baseline.Argmax()
	if class < 0 {
		return 0
	}
	return baseline.At(class) - current.At(class)
}

// EvasionBonus rewards only a change of predicted class.
type EvasionBonus struct {
	Bonus float64
}

func (EvasionBonus) Name() string { return "evasion-bonus" }

func (r EvasionBonus) Reward(baseline, current classify.Scores) float64 {
	if len(baseline) == 0 || len(current) == 0 || baseline.Argmax() == current.Argmax() {
		return 0
	}
	if r.Bonus == 0 {
		return 1
	}
	return r.Bonus
}

func LookupRewarder(name string) (Rewarder, error) {
	switch strings.ReplaceAll(strings.TrimSpace(strings.ToLower(name)), "_", "-") {
	case "", "confidence-drop":
		return ConfidenceDrop{}, nil
	case "evasion-bonus", "evasion":
		return EvasionBonus{}, nil
	default:
		return nil, fmt.Errorf("unsupported reward: %s", name)
	}
}
