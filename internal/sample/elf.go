package sample

import (
	"cmp"
	"fmt"
	"os"

	"github.com/yalue/elf_reader"
	"golang.org/x/exp/slices"

	"malinject/internal/disasm"
)

// sectionTypeNoBits marks sections that occupy no file space (.bss).
const sectionTypeNoBits = 8

type elfSection struct {
	name   string
	offset uint64
	size   uint64
}

// LoadELF builds a sample from a raw ELF file. The file bytes are the flat
// buffer with base address zero, and every gap between consecutive section
// file extents becomes a range of the preceding section.
func LoadELF(path string) (*BinarySample, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	ranges, err := elfPaddingRanges(raw)
	if err != nil {
		return nil, fmt.Errorf("load elf sample %s: %w", path, err)
	}
	return New(sampleName(path), 0, raw, ranges)
}

func elfPaddingRanges(raw []byte) ([]disasm.InjectRange, error) {
	file, err := elf_reader.ParseELFFile(raw)
	if err != nil {
		return nil, fmt.Errorf("parse elf: %w", err)
	}

	count := file.GetSectionCount()
	sections := make([]elfSection, 0, count)
	for i := uint16(0); i < count; i++ {
		header, err := file.GetSectionHeader(i)
		if err != nil {
			continue
		}
		if uint32(header.GetType()) == sectionTypeNoBits || header.GetSize() == 0 || header.GetFileOffset() == 0 {
			continue
		}
		name, err := file.GetSectionName(i)
		if err != nil || name == "" {
			name = fmt.Sprintf("section%d", i)
		}
		sections = append(sections, elfSection{name: name, offset: header.GetFileOffset(), size: header.GetSize()})
	}
	return paddingBetween(sections, uint64(len(raw))), nil
}

// paddingBetween returns the gaps that follow each section up to the next
// section's start, clipped to the file size.
func paddingBetween(sections []elfSection, fileSize uint64) []disasm.InjectRange {
	slices.SortStableFunc(sections, func(a, b elfSection) int {
		return cmp.Compare(a.offset, b.offset)
	})

	var ranges []disasm.InjectRange
	for i := 0; i+1 < len(sections); i++ {
		end := sections[i].offset + sections[i].size
		next := sections[i+1].offset
		if next > fileSize {
			next = fileSize
		}
		if end >= next {
			continue
		}
		ranges = append(ranges, disasm.InjectRange{
			Section: sections[i].name,
			Address: end,
			Length:  next - end,
		})
	}
	return ranges
}
