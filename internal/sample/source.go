package sample

// Source produces a fresh sample on every Load, so a mutated sample can be
// discarded and rebuilt from disk.
type Source interface {
	Name() string
	Load() (*BinarySample, error)
}

// PairSource is a byte listing with its disassembly listing.
type PairSource struct {
	ID        string
	Category  string
	BytesPath string
	AsmPath   string
}

func (s PairSource) Name() string {
	if s.ID != "" {
		return s.ID
	}
	return sampleName(s.BytesPath)
}

func (s PairSource) Load() (*BinarySample, error) {
	return Load(s.BytesPath, s.AsmPath)
}

// ELFSource is a raw ELF binary.
type ELFSource struct {
	Path string
}

func (s ELFSource) Name() string {
	return sampleName(s.Path)
}

func (s ELFSource) Load() (*BinarySample, error) {
	return LoadELF(s.Path)
}
