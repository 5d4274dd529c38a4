package pmpool

import (
	"os"

	"github.com/c2h5oh/datasize"
	"github.com/pbnjay/memory"
	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
)

// Config is the pool's TOML-loadable configuration. ArenaSize is the
// total size of the memory-mapped byte arena backing the pool.
// MaxAllocSize is the implementation-defined maximum single
// allocation (spec §3.5's PMEMOBJ_MAX_ALLOC_SIZE analogue). It is
// loaded and carried in Config only: neither the allocator nor the
// segment table reads it, and each segment is always one contiguous
// block.
type Config struct {
	ArenaSize      datasize.ByteSize `toml:"arena_size"`
	MaxAllocSize   datasize.ByteSize `toml:"max_alloc_size"`
	ConsistentSize bool              `toml:"consistent_size"`
}

// DefaultConfig sizes the arena as a conservative fraction of total
// system memory when the caller hasn't specified one, the way a long
// running embedded store would.
func DefaultConfig() Config {
	total := memory.TotalMemory()
	arena := datasize.ByteSize(total / 64)
	if arena < 64*datasize.MB {
		arena = 64 * datasize.MB
	}
	return Config{
		ArenaSize:      arena,
		MaxAllocSize:   2 * datasize.GB,
		ConsistentSize: true,
	}
}

// LoadConfig reads a TOML config file, falling back to DefaultConfig
// values for any field left unset (zero) in the file.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "read pool config")
	}
	var fromFile struct {
		ArenaSize      datasize.ByteSize `toml:"arena_size"`
		MaxAllocSize   datasize.ByteSize `toml:"max_alloc_size"`
		ConsistentSize *bool             `toml:"consistent_size"`
	}
	if err := toml.Unmarshal(b, &fromFile); err != nil {
		return Config{}, errors.Wrap(err, "parse pool config")
	}
	if fromFile.ArenaSize > 0 {
		cfg.ArenaSize = fromFile.ArenaSize
	}
	if fromFile.MaxAllocSize > 0 {
		cfg.MaxAllocSize = fromFile.MaxAllocSize
	}
	if fromFile.ConsistentSize != nil {
		cfg.ConsistentSize = *fromFile.ConsistentSize
	}
	return cfg, nil
}
