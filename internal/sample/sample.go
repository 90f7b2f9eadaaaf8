package sample

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/Moonlight-Companies/gologger/coloransi"
	"github.com/Moonlight-Companies/gologger/logger"

	"malinject/internal/disasm"
	"malinject/internal/listing"
	"malinject/internal/matrix"
)

var log = logger.NewLogger(coloransi.Color(coloransi.ColorPurple, coloransi.ColorOrange, "sample"))

// OutOfBoundsError reports an injection range outside the flat buffer.
type OutOfBoundsError struct {
	Address uint64
	Length  uint64
	Base    uint64
	Size    int
}

func (e *OutOfBoundsError) Error() string {
	return fmt.Sprintf("inject range %#x+%d outside buffer [%#x, %#x)", e.Address, e.Length, e.Base, e.Base+uint64(e.Size))
}

// UnknownSectionError reports a section name absent from the sample's section map.
type UnknownSectionError struct {
	Section string
}

func (e *UnknownSectionError) Error() string {
	return fmt.Sprintf("unknown section %q", e.Section)
}

// BinarySample owns the flat bytes of one sample and the padding ranges that
// may be overwritten. It is not safe for concurrent use.
type BinarySample struct {
	name     string
	base     uint64
	data     []byte
	sections disasm.SectionMap
	written  uint64
}

// New builds a sample over a copy of data.
func New(name string, base uint64, data []byte, ranges []disasm.InjectRange) (*BinarySample, error) {
	if len(data) == 0 {
		return nil, matrix.ErrEmptyInput
	}
	owned := make([]byte, len(data))
	copy(owned, data)
	return &BinarySample{
		name:     name,
		base:     base,
		data:     owned,
		sections: disasm.Group(ranges),
	}, nil
}

// Load parses a byte listing and its disassembly listing into a sample.
func Load(bytesPath, asmPath string) (*BinarySample, error) {
	parsed, err := listing.ParseFile(bytesPath)
	if err != nil {
		return nil, fmt.Errorf("load sample bytes: %w", err)
	}
	if parsed.Wildcards > 0 {
		log.Warn(fmt.Sprintf("%s: resolved %d wildcard bytes to zero", filepath.Base(bytesPath), parsed.Wildcards))
	}
	ranges, err := disasm.ScanFile(asmPath)
	if err != nil {
		return nil, fmt.Errorf("load sample disassembly: %w", err)
	}
	return New(sampleName(bytesPath), parsed.BaseAddress, parsed.Data, ranges)
}

func (s *BinarySample) Name() string {
	return s.name
}

func (s *BinarySample) BaseAddress() uint64 {
	return s.base
}

func (s *BinarySample) Size() int {
	return len(s.data)
}

// Bytes returns a copy of the current flat buffer.
func (s *BinarySample) Bytes() []byte {
	out := make([]byte, len(s.data))
	copy(out, s.data)
	return out
}

func (s *BinarySample) Sections() disasm.SectionMap {
	return s.sections
}

func (s *BinarySample) NSections() int {
	return s.sections.Len()
}

// SectionAt resolves a section name by its index in the section map.
func (s *BinarySample) SectionAt(idx int) (string, bool) {
	return s.sections.NameAt(idx)
}

// BytesWritten counts bytes overwritten since the sample was built.
func (s *BinarySample) BytesWritten() uint64 {
	return s.written
}

// Inject overwrites [address, address+length) with value.
func (s *BinarySample) Inject(r disasm.Range, value byte) error {
	offset, err := s.offset(r)
	if err != nil {
		return err
	}
	fill(s.data[offset:offset+r.Length], value)
	s.written += r.Length
	return nil
}

// InjectSection fills every range of section with value. All ranges are
// checked before any byte is written, so a failing call leaves the buffer as it was.
func (s *BinarySample) InjectSection(section string, value byte) (int, error) {
	ranges, ok := s.sections.Ranges(section)
	if !ok {
		return 0, &UnknownSectionError{Section: section}
	}
	for _, r := range ranges {
		if _, err := s.offset(r); err != nil {
			return 0, fmt.Errorf("section %s: %w", section, err)
		}
	}
	for _, r := range ranges {
		if err := s.Inject(r, value); err != nil {
			return 0, fmt.Errorf("section %s: %w", section, err)
		}
	}
	return len(ranges), nil
}

// PreviewSection renders the matrix the sample would have after
// InjectSection(section, value) without changing the sample.
func (s *BinarySample) PreviewSection(section string, value byte) (matrix.Matrix, error) {
	ranges, ok := s.sections.Ranges(section)
	if !ok {
		return matrix.Matrix{}, &UnknownSectionError{Section: section}
	}
	buf := make([]byte, len(s.data))
	copy(buf, s.data)
	for _, r := range ranges {
		offset, err := s.offset(r)
		if err != nil {
			return matrix.Matrix{}, fmt.Errorf("section %s: %w", section, err)
		}
		fill(buf[offset:offset+r.Length], value)
	}
	return matrix.Pack(buf)
}

// Render packs the current bytes into a matrix.
func (s *BinarySample) Render() (matrix.Matrix, error) {
	return matrix.Pack(s.data)
}

func (s *BinarySample) offset(r disasm.Range) (uint64, error) {
	size := uint64(len(s.data))
	if r.Address < s.base {
		return 0, &OutOfBoundsError{Address: r.Address, Length: r.Length, Base: s.base, Size: len(s.data)}
	}
	offset := r.Address - s.base
	if offset > size || r.Length > size-offset {
		return 0, &OutOfBoundsError{Address: r.Address, Length: r.Length, Base: s.base, Size: len(s.data)}
	}
	return offset, nil
}

func fill(buf []byte, value byte) {
	for i := range buf {
		buf[i] = value
	}
}

func sampleName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
