package disasm

import (
	"cmp"

	"golang.org/x/exp/slices"
)

// Range is an (address, length) pair inside a known section.
type Range struct {
	Address uint64 `json:"address"`
	Length  uint64 `json:"length"`
}

// SectionMap partitions inject ranges by section. Section order is the order
// in which sections first appear in the length-sorted range list, so index 0
// is the section owning the longest range.
type SectionMap struct {
	names  []string
	ranges map[string][]Range
}

// Group stable-sorts ranges by descending length and then partitions them by
// section, keeping the global order inside every section.
func Group(in []InjectRange) SectionMap {
	sorted := slices.Clone(in)
	slices.SortStableFunc(sorted, func(a, b InjectRange) int {
		return cmp.Compare(b.Length, a.Length)
	})

	out := SectionMap{ranges: make(map[string][]Range)}
	for _, r := range sorted {
		if _, ok := out.ranges[r.Section]; !ok {
			out.names = append(out.names, r.Section)
		}
		out.ranges[r.Section] = append(out.ranges[r.Section], Range{Address: r.Address, Length: r.Length})
	}
	return out
}

// Len is the number of distinct sections.
func (m SectionMap) Len() int {
	return len(m.names)
}

func (m SectionMap) Names() []string {
	return slices.Clone(m.names)
}

// NameAt resolves a section by its position in key order.
func (m SectionMap) NameAt(idx int) (string, bool) {
	if idx < 0 || idx >= len(m.names) {
		return "", false
	}
	return m.names[idx], true
}

// Ranges returns the stored ranges of a section, longest first.
func (m SectionMap) Ranges(section string) ([]Range, bool) {
	ranges, ok := m.ranges[section]
	if !ok {
		return nil, false
	}
	return slices.Clone(ranges), true
}

// Total counts ranges across all sections.
func (m SectionMap) Total() int {
	total := 0
	for _, ranges := range m.ranges {
		total += len(ranges)
	}
	return total
}

// Bytes sums the lengths of a section's ranges.
func (m SectionMap) Bytes(section string) uint64 {
	var total uint64
	for _, r := range m.ranges[section] {
		total += r.Length
	}
	return total
}
