package listing

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// WildcardToken is the marker for a byte whose value was not captured by the
// dump. A bare "?" token is read the same way, as are half-known bytes such
// as "?A" whose unknown digit becomes zero.
const WildcardToken = "??"

const maxLineBytes = 16 * 1024 * 1024

// Listing is a decoded byte listing.
type Listing struct {
	BaseAddress uint64
	Data        []byte
	// Lines is the number of listing lines consumed.
	Lines int
	// Wildcards counts tokens that carried the wildcard marker and were resolved to zero.
	Wildcards int
}

// FormatError reports a malformed byte-listing line.
type FormatError struct {
	Path   string
	Line   int
	Token  string
	Reason string
}

func (e *FormatError) Error() string {
	where := fmt.Sprintf("line %d", e.Line)
	if e.Path != "" {
		where = e.Path + ":" + strconv.Itoa(e.Line)
	}
	if e.Token != "" {
		return fmt.Sprintf("byte listing %s: %s (token %q)", where, e.Reason, e.Token)
	}
	return fmt.Sprintf("byte listing %s: %s", where, e.Reason)
}

func ParseFile(path string) (Listing, error) {
	f, err := os.Open(path)
	if err != nil {
		return Listing{}, err
	}
	defer func() {
		_ = f.Close()
	}()

	out, err := Parse(f)
	if err != nil {
		if formatErr, ok := err.(*FormatError); ok {
			formatErr.Path = path
		}
		return Listing{}, err
	}
	return out, nil
}

// Parse reads a byte listing. Every line is an address followed by one-byte hex
// tokens; tokens of all lines are concatenated in file order with no padding
// between lines. The first line's address is the base address.
func Parse(r io.Reader) (Listing, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var (
		out    Listing
		hexBuf strings.Builder
	)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			return Listing{}, &FormatError{Line: lineNo, Reason: "empty line"}
		}

		address, err := strconv.ParseUint(fields[0], 16, 64)
		if err != nil {
			return Listing{}, &FormatError{Line: lineNo, Token: fields[0], Reason: "address is not hexadecimal"}
		}
		if lineNo == 1 {
			out.BaseAddress = address
		}

		for _, token := range fields[1:] {
			resolved, wildcard, ok := resolveToken(token)
			if !ok {
				return Listing{}, &FormatError{Line: lineNo, Token: token, Reason: "expected two hex digits or wildcard"}
			}
			if wildcard {
				out.Wildcards++
			}
			hexBuf.WriteString(resolved)
		}
	}
	if err := scanner.Err(); err != nil {
		return Listing{}, err
	}
	if lineNo == 0 {
		return Listing{}, &FormatError{Reason: "listing has no lines"}
	}

	data, err := hex.DecodeString(hexBuf.String())
	if err != nil {
		// resolveToken only admits hex pairs, so this is a logic error.
		return Listing{}, fmt.Errorf("decode byte listing: %w", err)
	}
	out.Data = data
	out.Lines = lineNo
	return out, nil
}

// resolveToken substitutes '0' for every wildcard character of a two-character
// token and reports whether any substitution happened.
func resolveToken(token string) (string, bool, bool) {
	if token == "?" {
		return "00", true, true
	}
	if len(token) != 2 {
		return "", false, false
	}
	wildcard := false
	buf := []byte(token)
	for i, c := range buf {
		switch {
		case c == '?':
			buf[i] = '0'
			wildcard = true
		case isHexDigit(c):
		default:
			return "", false, false
		}
	}
	return string(buf), wildcard, true
}

func isHexDigit(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}
