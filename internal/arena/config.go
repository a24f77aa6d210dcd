// Package arena implements the managed-heap arena and its pool classes:
// the segments of memory a collector actually owns, carved into
// same-kind-of-object pools (AMC, weak-AMC, SNC, debug), per spec.md
// §4.A.
//
// The config and lifecycle shape is lifted directly from the teacher's
// NewValuesStoreOpts/NewValuesStore pair in valuesstore.go: an Opts struct
// populated from env vars with a prefix, defaulted and clamped, then
// handed to a constructor that pre-allocates free-block channels and
// starts background goroutines.
package arena

import (
	"os"
	"runtime"
	"strconv"

	"github.com/gholt/brimutil"
)

// Config holds the resolved, defaulted settings for an Arena. Build one
// with NewConfig and zero or more Opt funcs, following the teacher's
// Opt<Name> closure-over-config idiom rather than a builder type.
type Config struct {
	Cores            int
	SegmentSize      int
	MaxBlockSize     int
	FreeSegmentCache int
	EnvPrefix        string
}

// Opt mutates a Config; NewConfig runs them in order after env defaulting,
// so options always win over the environment, matching the teacher's
// ordering (env fills Opts first, explicit fields in NewValuesStoreOpts
// override nothing further — PSVM makes this explicit as a second pass).
type Opt func(*Config)

// OptCores pins the worker/collector core count.
func OptCores(n int) Opt { return func(c *Config) { c.Cores = n } }

// OptSegmentSize pins the size of a freshly committed pool segment.
func OptSegmentSize(n int) Opt { return func(c *Config) { c.SegmentSize = n } }

// OptMaxBlockSize sets MaxBlockSize. NewConfig derives the default
// SegmentSize from MaxBlockSize before options run, so this option does
// not change SegmentSize; pools give any block larger than SegmentSize a
// dedicated segment, whatever MaxBlockSize says.
func OptMaxBlockSize(n int) Opt { return func(c *Config) { c.MaxBlockSize = n } }

// OptFreeSegmentCache pins how many spare segments the arena keeps ready
// to commit without going back to the OS/allocator.
func OptFreeSegmentCache(n int) Opt { return func(c *Config) { c.FreeSegmentCache = n } }

// NewConfig resolves a Config from envPrefix (defaulting to "PSVM_ARENA_"
// the way the teacher defaults to "BRIMSTORE_VALUESSTORE_"), then applies
// opts on top.
func NewConfig(envPrefix string, opts ...Opt) *Config {
	if envPrefix == "" {
		envPrefix = "PSVM_ARENA_"
	}
	cfg := &Config{EnvPrefix: envPrefix}
	if v := os.Getenv(envPrefix + "CORES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cores = n
		}
	}
	if cfg.Cores <= 0 {
		cfg.Cores = runtime.GOMAXPROCS(0)
	}
	if v := os.Getenv(envPrefix + "MAX_BLOCK_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxBlockSize = n
		}
	}
	if cfg.MaxBlockSize <= 0 {
		cfg.MaxBlockSize = 4 * 1024 * 1024
	}
	if v := os.Getenv(envPrefix + "SEGMENT_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SegmentSize = n
		}
	}
	if cfg.SegmentSize <= 0 {
		cfg.SegmentSize = 1 << brimutil.PowerOfTwoNeeded(uint64(cfg.MaxBlockSize))
		if cfg.SegmentSize < 1024*1024 {
			cfg.SegmentSize = 1024 * 1024
		}
	}
	if v := os.Getenv(envPrefix + "FREE_SEGMENT_CACHE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.FreeSegmentCache = n
		}
	}
	if cfg.FreeSegmentCache <= 0 {
		cfg.FreeSegmentCache = cfg.Cores * 2
	}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.Cores < 1 {
		cfg.Cores = 1
	}
	if cfg.SegmentSize < 4096 {
		cfg.SegmentSize = 4096
	}
	return cfg
}
