package disasm

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// AlignMarker is the substring that opens a padding region in a listing.
const AlignMarker = "align "

const maxLineBytes = 16 * 1024 * 1024

// InjectRange is a contiguous run of padding bytes inside a section.
type InjectRange struct {
	Section string `json:"section"`
	Address uint64 `json:"address"`
	Length  uint64 `json:"length"`
}

func (r InjectRange) End() uint64 {
	return r.Address + r.Length
}

// FormatError reports a disassembly line without a SECTION:ADDRESS prefix.
type FormatError struct {
	Line   int
	Text   string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("disassembly line %d: %s: %q", e.Line, e.Reason, e.Text)
}

func ScanFile(path string) ([]InjectRange, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()

	ranges, err := Scan(f)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", path, err)
	}
	return ranges, nil
}

// Scan emits one range per align marker, in file order. A region starts at the
// marker's address and ends at the first later line whose address differs; that
// line is consumed. A region still open at end of input is dropped.
func Scan(r io.Reader) ([]InjectRange, error) {
	lines, err := readLines(r)
	if err != nil {
		return nil, err
	}

	ranges := []InjectRange{}
	for idx := 0; idx < len(lines); idx++ {
		if !strings.Contains(lines[idx], AlignMarker) {
			continue
		}
		section, address, err := splitPrefix(idx, lines[idx])
		if err != nil {
			return nil, err
		}

		for idx+1 < len(lines) {
			idx++
			_, next, err := splitPrefix(idx, lines[idx])
			if err != nil {
				return nil, err
			}
			if next == address {
				continue
			}
			if next < address {
				return nil, &FormatError{Line: idx + 1, Text: lines[idx], Reason: "address precedes open align region"}
			}
			ranges = append(ranges, InjectRange{Section: section, Address: address, Length: next - address})
			break
		}
	}
	return ranges, nil
}

func readLines(r io.Reader) ([]string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

// splitPrefix extracts SECTION and the hexadecimal ADDRESS from the first
// whitespace-separated token of a line.
func splitPrefix(idx int, line string) (string, uint64, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", 0, &FormatError{Line: idx + 1, Text: line, Reason: "missing SECTION:ADDRESS prefix"}
	}
	section, rawAddress, ok := strings.Cut(fields[0], ":")
	if !ok || section == "" || rawAddress == "" {
		return "", 0, &FormatError{Line: idx + 1, Text: line, Reason: "missing SECTION:ADDRESS prefix"}
	}
	address, err := strconv.ParseUint(rawAddress, 16, 64)
	if err != nil {
		return "", 0, &FormatError{Line: idx + 1, Text: line, Reason: "address is not hexadecimal"}
	}
	return section, address, nil
}
