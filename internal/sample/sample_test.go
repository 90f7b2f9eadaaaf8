package sample

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"malinject/internal/disasm"
	"malinject/internal/matrix"
)

func writeFixture(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write fixture %s: %v", name, err)
	}
	return path
}

// fixturePair is 32 bytes at 0x1000 with text padding at 0x1004 (4 bytes) and
// 0x1010 (8 bytes) and data padding at 0x101C (2 bytes).
func fixturePair(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	bytesPath := writeFixture(t, dir, "abc.bytes", strings.Join([]string{
		"00001000 01 02 03 04 05 06 07 08 09 0A 0B 0C 0D 0E 0F 10",
		"00001010 11 12 13 14 15 16 17 18 19 1A 1B 1C 1D 1E ?? ??",
	}, "\n"))
	asmPath := writeFixture(t, dir, "abc.asm", strings.Join([]string{
		"text:00001000 push ebp",
		"text:00001004 align 8",
		"text:00001008 retn",
		"text:00001010 align 10h",
		"text:00001018 nop",
		"data:0000101C align 4",
		"data:0000101E db 0",
	}, "\n"))
	return bytesPath, asmPath
}

func TestLoadBuildsSample(t *testing.T) {
	bytesPath, asmPath := fixturePair(t)
	s, err := Load(bytesPath, asmPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.Name() != "abc" || s.BaseAddress() != 0x1000 || s.Size() != 32 {
		t.Fatalf("unexpected sample: name=%s base=%#x size=%d", s.Name(), s.BaseAddress(), s.Size())
	}
	if got := s.Sections().Names(); !reflect.DeepEqual(got, []string{"text", "data"}) {
		t.Fatalf("unexpected sections: %v", got)
	}
	if s.NSections() != 2 {
		t.Fatalf("expected two sections, got %d", s.NSections())
	}
	if name, ok := s.SectionAt(1); !ok || name != "data" {
		t.Fatalf("unexpected section at 1: %q", name)
	}
	raw := s.Bytes()
	if raw[30] != 0 || raw[31] != 0 {
		t.Fatalf("expected wildcards resolved to zero: % x", raw[28:])
	}
}

func TestLoadPropagatesParseErrors(t *testing.T) {
	dir := t.TempDir()
	bytesPath := writeFixture(t, dir, "bad.bytes", "1000 AA\n\n")
	asmPath := writeFixture(t, dir, "bad.asm", "text:1000 nop\n")
	if _, err := Load(bytesPath, asmPath); err == nil {
		t.Fatal("expected parse error")
	}

	bytesPath = writeFixture(t, dir, "ok.bytes", "1000 AA BB\n")
	asmPath = writeFixture(t, dir, "broken.asm", "text:1000 align 4\ngarbage\n")
	_, err := Load(bytesPath, asmPath)
	var formatErr *disasm.FormatError
	if !errors.As(err, &formatErr) {
		t.Fatalf("expected disassembly FormatError, got %v", err)
	}
}

func TestInjectChangesOnlyTargetCells(t *testing.T) {
	bytesPath, asmPath := fixturePair(t)
	s, err := Load(bytesPath, asmPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	before, err := s.Render()
	if err != nil {
		t.Fatalf("render: %v", err)
	}

	r := disasm.Range{Address: 0x1010, Length: 8}
	if err := s.Inject(r, 0x90); err != nil {
		t.Fatalf("inject: %v", err)
	}
	after, err := s.Render()
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if after.Rows != before.Rows || after.Cols != before.Cols {
		t.Fatalf("geometry changed: %s -> %s", before, after)
	}
	for offset := 0; offset < after.Len(); offset++ {
		row, col, _ := after.Index(offset)
		inRange := offset >= 0x10 && offset < 0x18
		changed := after.At(row, col) != before.At(row, col)
		if inRange && after.At(row, col) != 0x90 {
			t.Fatalf("offset %d not injected", offset)
		}
		if !inRange && changed {
			t.Fatalf("offset %d changed outside the range", offset)
		}
	}
	if s.BytesWritten() != 8 {
		t.Fatalf("expected 8 bytes written, got %d", s.BytesWritten())
	}
}

func TestInjectBounds(t *testing.T) {
	s, err := New("s", 0x1000, make([]byte, 16), nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	cases := []disasm.Range{
		{Address: 0x0FFF, Length: 1},
		{Address: 0x1008, Length: 9},
		{Address: 0x1011, Length: 0},
		{Address: 0x1000, Length: ^uint64(0)},
	}
	for _, r := range cases {
		var boundsErr *OutOfBoundsError
		if err := s.Inject(r, 1); !errors.As(err, &boundsErr) {
			t.Fatalf("range %+v: expected OutOfBoundsError, got %v", r, err)
		}
	}
	if err := s.Inject(disasm.Range{Address: 0x1010, Length: 0}, 1); err != nil {
		t.Fatalf("zero-length range at end: %v", err)
	}
	if err := s.Inject(disasm.Range{Address: 0x1008, Length: 8}, 1); err != nil {
		t.Fatalf("range ending at buffer end: %v", err)
	}
	if !bytes.Equal(s.Bytes()[8:], bytes.Repeat([]byte{1}, 8)) {
		t.Fatalf("unexpected buffer: % x", s.Bytes())
	}
}

func TestInjectSection(t *testing.T) {
	bytesPath, asmPath := fixturePair(t)
	s, err := Load(bytesPath, asmPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	applied, err := s.InjectSection("text", 0xCC)
	if err != nil {
		t.Fatalf("inject section: %v", err)
	}
	if applied != 2 {
		t.Fatalf("expected two ranges applied, got %d", applied)
	}
	raw := s.Bytes()
	for offset, b := range raw {
		inText := (offset >= 0x4 && offset < 0x8) || (offset >= 0x10 && offset < 0x18)
		if inText != (b == 0xCC) {
			t.Fatalf("offset %d has %#x", offset, b)
		}
	}

	var unknown *UnknownSectionError
	if _, err := s.InjectSection("rsrc", 0xCC); !errors.As(err, &unknown) || unknown.Section != "rsrc" {
		t.Fatalf("expected UnknownSectionError, got %v", err)
	}
}

func TestInjectSectionIsAtomic(t *testing.T) {
	ranges := []disasm.InjectRange{
		{Section: "text", Address: 0x1000, Length: 4},
		{Section: "text", Address: 0x100E, Length: 2},
		{Section: "text", Address: 0x1020, Length: 1},
	}
	s, err := New("s", 0x1000, make([]byte, 16), ranges)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	var boundsErr *OutOfBoundsError
	if _, err := s.InjectSection("text", 0xFF); !errors.As(err, &boundsErr) {
		t.Fatalf("expected OutOfBoundsError, got %v", err)
	}
	if !bytes.Equal(s.Bytes(), make([]byte, 16)) || s.BytesWritten() != 0 {
		t.Fatalf("failed section injection modified the buffer: % x", s.Bytes())
	}
}

func TestPreviewSectionLeavesSampleUnchanged(t *testing.T) {
	s, err := New("s", 0x1000, make([]byte, 16), []disasm.InjectRange{
		{Section: "text", Address: 0x1004, Length: 4},
		{Section: "data", Address: 0x100C, Length: 2},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	preview, err := s.PreviewSection("text", 0x90)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if !bytes.Equal(s.Bytes(), make([]byte, 16)) || s.BytesWritten() != 0 {
		t.Fatal("preview mutated the sample")
	}
	if _, err := s.InjectSection("text", 0x90); err != nil {
		t.Fatalf("inject: %v", err)
	}
	image, err := s.Render()
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !bytes.Equal(preview.Data, image.Data) {
		t.Fatalf("preview % x differs from injected image % x", preview.Data, image.Data)
	}

	var unknown *UnknownSectionError
	if _, err := s.PreviewSection("rsrc", 0x90); !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownSectionError, got %v", err)
	}
}

func TestNewRejectsEmptyBuffer(t *testing.T) {
	if _, err := New("s", 0, nil, nil); !errors.Is(err, matrix.ErrEmptyInput) {
		t.Fatalf("expected ErrEmptyInput, got %v", err)
	}
}

func TestNewCopiesBuffer(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	s, err := New("s", 0, data, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	data[0] = 0xFF
	if s.Bytes()[0] != 1 {
		t.Fatal("sample aliases caller buffer")
	}
}

func TestPaddingBetween(t *testing.T) {
	sections := []elfSection{
		{name: ".data", offset: 0x2000, size: 0x10},
		{name: ".text", offset: 0x1000, size: 0xF00},
		{name: ".rodata", offset: 0x1F00, size: 0x100},
		{name: ".comment", offset: 0x2020, size: 0x40},
	}
	got := paddingBetween(sections, 0x2040)
	want := []disasm.InjectRange{
		{Section: ".data", Address: 0x2010, Length: 0x10},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected padding: %+v", got)
	}

	clipped := paddingBetween([]elfSection{
		{name: ".a", offset: 0x10, size: 0x10},
		{name: ".b", offset: 0x80, size: 0x10},
	}, 0x40)
	if len(clipped) != 1 || clipped[0].Length != 0x20 {
		t.Fatalf("expected gap clipped to file size, got %+v", clipped)
	}
}

func TestLoadELFRejectsNonELF(t *testing.T) {
	path := writeFixture(t, t.TempDir(), "plain.bin", "not an elf file at all")
	if _, err := LoadELF(path); err == nil {
		t.Fatal("expected elf parse error")
	}
}

func TestSources(t *testing.T) {
	bytesPath, asmPath := fixturePair(t)
	var src Source = PairSource{BytesPath: bytesPath, AsmPath: asmPath}
	if src.Name() != "abc" {
		t.Fatalf("unexpected source name %s", src.Name())
	}
	first, err := src.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := first.InjectSection("data", 0xAA); err != nil {
		t.Fatalf("inject: %v", err)
	}
	second, err := src.Load()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if bytes.Equal(first.Bytes(), second.Bytes()) {
		t.Fatal("expected reload to return pristine bytes")
	}
	if (ELFSource{Path: "/tmp/x/busybox.elf"}).Name() != "busybox" {
		t.Fatal("unexpected elf source name")
	}
}
