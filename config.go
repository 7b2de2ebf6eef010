package fragbench

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Engine selects the store implementation.
type Engine string

const (
	EngineBolt   Engine = "bolt"
	EngineSQLite Engine = "sqlite"
	EngineMem    Engine = "mem"
)

// Config is the file-level configuration of a benchmark run.
type Config struct {
	// Engine is the store to benchmark: bolt, sqlite or mem.
	Engine Engine `json:"engine" yaml:"engine"`

	// DataDir is the storage location measured by the probe.
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// WALDir is the write-ahead log directory (bolt only).
	WALDir string `json:"wal_dir" yaml:"wal_dir"`

	// Name is the database name; it is also the base file name.
	Name string `json:"name" yaml:"name"`

	// Node is the local node name used for lifecycle notifications.
	Node string `json:"node" yaml:"node"`

	// OnlineTimeout bounds the wait for the database to come online.
	OnlineTimeout time.Duration `json:"online_timeout" yaml:"online_timeout"`

	// Clean removes DataDir and WALDir before the run.
	Clean bool `json:"clean" yaml:"clean"`

	Store    StoreConfig    `json:"store" yaml:"store"`
	Workload WorkloadConfig `json:"workload" yaml:"workload"`
}

// StoreConfig holds store tuning knobs.
type StoreConfig struct {
	Compression        Compression `json:"compression" yaml:"compression"`
	NoSync             bool        `json:"no_sync" yaml:"no_sync"`
	MmapSize           int         `json:"mmap_size" yaml:"mmap_size"`
	JournalSegmentSize int64       `json:"journal_segment_size" yaml:"journal_segment_size"`

	// TombstoneSize is the per-delete residue the mem store accounts for.
	TombstoneSize int `json:"tombstone_size" yaml:"tombstone_size"`
}

// WorkloadConfig mirrors Options.
type WorkloadConfig struct {
	Strategy               Strategy      `json:"strategy" yaml:"strategy"`
	Reduction              Reduction     `json:"reduction" yaml:"reduction"`
	VertexCount            int           `json:"vertex_count" yaml:"vertex_count"`
	InitialSize            int           `json:"initial_size" yaml:"initial_size"`
	Cycles                 int64         `json:"cycles" yaml:"cycles"`
	MinSize                int           `json:"min_size" yaml:"min_size"`
	TypeTag                string        `json:"type_tag" yaml:"type_tag"`
	TombstoneBytes         int64         `json:"tombstone_bytes" yaml:"tombstone_bytes"`
	PickAttempts           int           `json:"pick_attempts" yaml:"pick_attempts"`
	MaxConsecutiveFailures int           `json:"max_consecutive_failures" yaml:"max_consecutive_failures"`
	ProgressEvery          int64         `json:"progress_every" yaml:"progress_every"`
	SeedProgressEvery      int           `json:"seed_progress_every" yaml:"seed_progress_every"`
	MaxCyclesPerSecond     float64       `json:"max_cycles_per_second" yaml:"max_cycles_per_second"`
	Workers                int           `json:"workers" yaml:"workers"`
	RandSeed               uint64        `json:"rand_seed" yaml:"rand_seed"`
	ShutdownBeforeMeasure  bool          `json:"shutdown_before_measure" yaml:"shutdown_before_measure"`
	SettleDelay            time.Duration `json:"settle_delay" yaml:"settle_delay"`
}

// DefaultConfig returns the configuration of the classic fragmentation run:
// 5000 records of 0.4 MiB, 50000 replace cycles halving the payload.
func DefaultConfig() *Config {
	return &Config{
		Engine:        EngineBolt,
		DataDir:       filepath.Join("target", "StorageFragmentationTest"),
		WALDir:        filepath.Join("target", "wal"),
		Name:          "StorageFragmentationTest",
		Node:          "local",
		OnlineTimeout: 20 * time.Second,
		Clean:         true,
		Store: StoreConfig{
			Compression:        CompressionNone,
			JournalSegmentSize: 64 * 1024 * 1024,
			TombstoneSize:      DefaultTombstoneBytes,
		},
		Workload: WorkloadConfig{
			Strategy:               StrategyReplace,
			Reduction:              Multiplicative(DefaultReductionFactor),
			VertexCount:            DefaultVertexCount,
			InitialSize:            DefaultInitialSize,
			Cycles:                 DefaultCycles,
			MinSize:                DefaultMinSize,
			TypeTag:                DefaultTypeTag,
			TombstoneBytes:         DefaultTombstoneBytes,
			PickAttempts:           DefaultPickAttempts,
			MaxConsecutiveFailures: DefaultMaxConsecutiveFailures,
			ProgressEvery:          DefaultProgressEvery,
			SeedProgressEvery:      DefaultSeedProgressEvery,
			Workers:                1,
			ShutdownBeforeMeasure:  true,
			SettleDelay:            5 * time.Second,
		},
	}
}

// LoadConfig loads a YAML or JSON file over DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}
	return cfg, nil
}

// ApplyEnv overrides cfg from FRAGBENCH_* environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("FRAGBENCH_ENGINE"); v != "" {
		c.Engine = Engine(v)
	}
	if v := os.Getenv("FRAGBENCH_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("FRAGBENCH_WAL_DIR"); v != "" {
		c.WALDir = v
	}
	if v := os.Getenv("FRAGBENCH_COMPRESSION"); v != "" {
		c.Store.Compression = Compression(v)
	}
	if v := os.Getenv("FRAGBENCH_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Workload.Workers = n
		}
	}
}

func (c *Config) Validate() error {
	switch c.Engine {
	case EngineBolt, EngineSQLite, EngineMem:
	default:
		return fmt.Errorf("invalid engine: %s (must be bolt, sqlite or mem)", c.Engine)
	}
	if c.Engine != EngineMem && c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if err := c.Store.Compression.Validate(); err != nil {
		return err
	}
	if err := c.Workload.Strategy.Validate(); err != nil {
		return err
	}
	if err := c.Workload.Reduction.Validate(); err != nil {
		return err
	}
	if c.Workload.VertexCount < 1 {
		return fmt.Errorf("workload.vertex_count must be positive, got %d", c.Workload.VertexCount)
	}
	if c.Workload.InitialSize < 1 {
		return fmt.Errorf("workload.initial_size must be positive, got %d", c.Workload.InitialSize)
	}
	if c.Workload.Cycles < 0 {
		return fmt.Errorf("workload.cycles must not be negative, got %d", c.Workload.Cycles)
	}
	if c.Workload.MinSize < 1 {
		return fmt.Errorf("workload.min_size must be positive, got %d", c.Workload.MinSize)
	}
	if c.Workload.Workers < 1 {
		return fmt.Errorf("workload.workers must be positive, got %d", c.Workload.Workers)
	}
	return nil
}

// Prepare removes old data when Clean is set and creates the directories.
func (c *Config) Prepare() error {
	if c.Engine == EngineMem {
		return nil
	}
	if c.Clean {
		for _, dir := range []string{c.DataDir, c.WALDir} {
			if dir == "" {
				continue
			}
			if err := os.RemoveAll(dir); err != nil {
				return fmt.Errorf("failed to remove %s: %w", dir, err)
			}
		}
	}
	for _, dir := range []string{c.DataDir, c.WALDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// OpenStore opens the configured store, reporting status changes to l.
func (c *Config) OpenStore(l LifecycleListener, logger *slog.Logger, verbose bool) (Store, error) {
	switch c.Engine {
	case EngineBolt:
		return OpenBolt(c.DataDir, BoltOptions{
			Name:               c.Name,
			WALDir:             c.WALDir,
			Compression:        c.Store.Compression,
			NoSync:             c.Store.NoSync,
			MmapSize:           c.Store.MmapSize,
			JournalSegmentSize: c.Store.JournalSegmentSize,
			NodeName:           c.Node,
			Listener:           l,
			Logger:             logger,
			Verbose:            verbose,
		})
	case EngineSQLite:
		return OpenSQLite(c.DataDir, SQLiteOptions{
			Name:        c.Name,
			Compression: c.Store.Compression,
			NoSync:      c.Store.NoSync,
			NodeName:    c.Node,
			Listener:    l,
			Logger:      logger,
			Verbose:     verbose,
		})
	case EngineMem:
		return NewMemStore(MemOptions{
			Name:          c.Name,
			TombstoneSize: c.Store.TombstoneSize,
			NodeName:      c.Node,
			Listener:      l,
		}), nil
	default:
		return nil, fmt.Errorf("invalid engine: %s", c.Engine)
	}
}

// Prober returns the size probe for the configured storage location. The
// mem store measures itself.
func (c *Config) Prober(store Store) Prober {
	if p, ok := store.(Prober); ok && c.Engine == EngineMem {
		return p
	}
	p := &Probe{Location: c.DataDir}
	if c.Engine == EngineBolt {
		p.LogDir = c.WALDir
	}
	return p
}

// Options converts the workload section into benchmark options.
func (c *Config) Options(logger *slog.Logger, verbose bool) Options {
	w := c.Workload
	return Options{
		Strategy:               w.Strategy,
		Reduction:              w.Reduction,
		VertexCount:            w.VertexCount,
		InitialSize:            w.InitialSize,
		Cycles:                 w.Cycles,
		MinSize:                w.MinSize,
		TypeTag:                w.TypeTag,
		TombstoneBytes:         w.TombstoneBytes,
		PickAttempts:           w.PickAttempts,
		MaxConsecutiveFailures: w.MaxConsecutiveFailures,
		ProgressEvery:          w.ProgressEvery,
		SeedProgressEvery:      w.SeedProgressEvery,
		MaxCyclesPerSecond:     w.MaxCyclesPerSecond,
		Workers:                w.Workers,
		RandSeed:               w.RandSeed,
		ShutdownBeforeMeasure:  w.ShutdownBeforeMeasure,
		SettleDelay:            w.SettleDelay,
		Logger:                 logger,
		Verbose:                verbose,
	}
}
