package listing

import (
	"bufio"
	"fmt"
	"io"
	"os"
)

// DefaultBytesPerLine matches the row width of the dumps this format comes from.
const DefaultBytesPerLine = 16

// Write serialises data as a byte listing starting at base. Each line carries
// the address of its first byte.
func Write(w io.Writer, base uint64, data []byte, bytesPerLine int) error {
	if bytesPerLine <= 0 {
		bytesPerLine = DefaultBytesPerLine
	}
	if len(data) == 0 {
		return fmt.Errorf("write byte listing: no data")
	}

	bw := bufio.NewWriter(w)
	for offset := 0; offset < len(data); offset += bytesPerLine {
		end := min(offset+bytesPerLine, len(data))
		if _, err := fmt.Fprintf(bw, "%08X", base+uint64(offset)); err != nil {
			return err
		}
		for _, b := range data[offset:end] {
			if _, err := fmt.Fprintf(bw, " %02X", b); err != nil {
				return err
			}
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func WriteFile(path string, base uint64, data []byte, bytesPerLine int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Write(f, base, data, bytesPerLine); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
