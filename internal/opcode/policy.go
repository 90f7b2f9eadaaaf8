package opcode

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// NOP is the one-byte x86 no-operation opcode.
const NOP byte = 0x90

// Policy decides which byte values may be written into padding regions.
type Policy interface {
	Name() string
	Allows(value byte) bool
}

// Any admits every byte value.
type Any struct{}

func (Any) Name() string { return "any" }

func (Any) Allows(byte) bool { return true }

// NOPOnly admits only 0x90.
type NOPOnly struct{}

func (NOPOnly) Name() string { return "nop" }

func (NOPOnly) Allows(value byte) bool { return value == NOP }

// X86SingleByte admits bytes that decode on their own as a complete x86
// instruction, so a filled region never leaves a truncated instruction behind.
type X86SingleByte struct {
	// Mode is the decoder mode in bits: 16, 32 or 64. Zero means 32.
	Mode int
}

func (X86SingleByte) Name() string { return "x86-single-byte" }

func (p X86SingleByte) Allows(value byte) bool {
	mode := p.Mode
	if mode == 0 {
		mode = 32
	}
	inst, err := x86asm.Decode([]byte{value}, mode)
	if err != nil || inst.Len != 1 {
		return false
	}
	// A truncated decode comes back as a bare prefix with no opcode.
	if inst.Op == 0 {
		return false
	}
	for _, prefix := range inst.Prefix {
		if prefix != 0 {
			return false
		}
	}
	return true
}

// Allowed lists the admitted values in ascending order.
func Allowed(p Policy) []byte {
	out := make([]byte, 0, 256)
	for v := 0; v < 256; v++ {
		if p.Allows(byte(v)) {
			out = append(out, byte(v))
		}
	}
	return out
}

func Lookup(name string) (Policy, error) {
	normalized := strings.TrimSpace(strings.ToLower(name))
	normalized = strings.ReplaceAll(normalized, "_", "-")
	switch normalized {
	case "", "any":
		return Any{}, nil
	case "nop", "nop-only":
		return NOPOnly{}, nil
	case "x86-single-byte", "x86", "x86-32":
		return X86SingleByte{Mode: 32}, nil
	case "x86-64", "x64":
		return X86SingleByte{Mode: 64}, nil
	default:
		return nil, fmt.Errorf("unsupported value policy: %s", name)
	}
}
