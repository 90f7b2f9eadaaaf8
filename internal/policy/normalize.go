package policy

import "strings"

// Normalize canonicalizes policy names and their aliases.
func Normalize(name string) string {
	normalized := strings.TrimSpace(strings.ToLower(name))
	normalized = strings.ReplaceAll(normalized, "_", "-")
	normalized = strings.ReplaceAll(normalized, " ", "-")
	normalized = strings.Trim(normalized, "-")
	if normalized == "" {
		return ""
	}
	for _, candidate := range aliasCandidates(normalized) {
		if canonical, ok := canonicalPolicyName(candidate); ok {
			return canonical
		}
	}
	return normalized
}

func aliasCandidates(normalized string) []string {
	candidates := []string{normalized}
	trimmed := strings.Trim(strings.TrimPrefix(normalized, "policy-"), "-")
	if trimmed != "" && trimmed != normalized {
		candidates = append(candidates, trimmed)
	}
	return candidates
}

func canonicalPolicyName(alias string) (string, bool) {
	switch strings.ReplaceAll(alias, "-", "") {
	case "random", "uniform":
		return NameRandom, true
	case "longestrange", "longest", "nop", "nopfill":
		return NameLongestRange, true
	case "sweep", "roundrobin", "cycle":
		return NameSweep, true
	default:
		return "", false
	}
}
