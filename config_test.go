package fragbench

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, EngineBolt, cfg.Engine)
	assert.Equal(t, "StorageFragmentationTest", cfg.Name)
	assert.Equal(t, StrategyReplace, cfg.Workload.Strategy)
	assert.Equal(t, Multiplicative(0.5), cfg.Workload.Reduction)
	assert.Equal(t, 5000, cfg.Workload.VertexCount)
	assert.Equal(t, 419431, cfg.Workload.InitialSize)
	assert.Equal(t, int64(50000), cfg.Workload.Cycles)
	assert.Equal(t, int64(11), cfg.Workload.TombstoneBytes)
	assert.Equal(t, 5*time.Second, cfg.Workload.SettleDelay)
	assert.True(t, cfg.Workload.ShutdownBeforeMeasure)
}

func TestLoadConfig_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bench.yaml")
	content := `
engine: sqlite
data_dir: /tmp/frag
online_timeout: 3s
store:
  compression: zstd
workload:
  strategy: reuse
  reduction:
    kind: subtractive
    step: 1000
  vertex_count: 100
  settle_delay: 250ms
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, EngineSQLite, cfg.Engine)
	assert.Equal(t, "/tmp/frag", cfg.DataDir)
	assert.Equal(t, 3*time.Second, cfg.OnlineTimeout)
	assert.Equal(t, CompressionZstd, cfg.Store.Compression)
	assert.Equal(t, StrategyReuse, cfg.Workload.Strategy)
	assert.Equal(t, ReduceSubtractive, cfg.Workload.Reduction.Kind)
	assert.Equal(t, 1000, cfg.Workload.Reduction.Step)
	assert.Equal(t, 100, cfg.Workload.VertexCount)
	assert.Equal(t, 250*time.Millisecond, cfg.Workload.SettleDelay)

	// untouched fields keep their defaults
	assert.Equal(t, DefaultInitialSize, cfg.Workload.InitialSize)
	assert.Equal(t, "StorageFragmentationTest", cfg.Name)
}

func TestLoadConfig_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bench.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"engine": "mem", "workload": {"cycles": 7}}`), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, EngineMem, cfg.Engine)
	assert.Equal(t, int64(7), cfg.Workload.Cycles)
}

func TestLoadConfig_Errors(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadConfig(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	toml := filepath.Join(dir, "bench.toml")
	require.NoError(t, os.WriteFile(toml, []byte("engine = 'mem'"), 0644))
	_, err = LoadConfig(toml)
	assert.ErrorContains(t, err, "unsupported config file format")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("engine: [1, 2"), 0644))
	_, err = LoadConfig(bad)
	assert.ErrorContains(t, err, "failed to parse YAML config")
}

func TestConfig_ApplyEnv(t *testing.T) {
	t.Setenv("FRAGBENCH_ENGINE", "mem")
	t.Setenv("FRAGBENCH_COMPRESSION", "lz4")
	t.Setenv("FRAGBENCH_WORKERS", "3")
	t.Setenv("FRAGBENCH_WAL_DIR", "/tmp/wal")

	cfg := DefaultConfig()
	cfg.ApplyEnv()
	assert.Equal(t, EngineMem, cfg.Engine)
	assert.Equal(t, CompressionLZ4, cfg.Store.Compression)
	assert.Equal(t, 3, cfg.Workload.Workers)
	assert.Equal(t, "/tmp/wal", cfg.WALDir)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		errMsg string
	}{
		{"engine", func(c *Config) { c.Engine = "rocks" }, "invalid engine"},
		{"data dir", func(c *Config) { c.DataDir = "" }, "data_dir is required"},
		{"name", func(c *Config) { c.Name = "" }, "name is required"},
		{"strategy", func(c *Config) { c.Workload.Strategy = "swap" }, "strategy"},
		{"factor", func(c *Config) { c.Workload.Reduction = Multiplicative(1.5) }, "factor"},
		{"vertices", func(c *Config) { c.Workload.VertexCount = 0 }, "vertex_count"},
		{"initial size", func(c *Config) { c.Workload.InitialSize = -1 }, "initial_size"},
		{"cycles", func(c *Config) { c.Workload.Cycles = -1 }, "cycles"},
		{"min size zero", func(c *Config) { c.Workload.MinSize = 0 }, "workload.min_size must be positive"},
		{"min size negative", func(c *Config) { c.Workload.MinSize = -1 }, "workload.min_size must be positive"},
		{"workers", func(c *Config) { c.Workload.Workers = 0 }, "workers"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.errMsg)
		})
	}

	cfg := DefaultConfig()
	cfg.Engine = EngineMem
	cfg.DataDir = ""
	assert.NoError(t, cfg.Validate())
}

func TestConfig_Prepare(t *testing.T) {
	root := t.TempDir()
	cfg := DefaultConfig()
	cfg.DataDir = filepath.Join(root, "data")
	cfg.WALDir = filepath.Join(root, "wal")

	require.NoError(t, os.MkdirAll(cfg.DataDir, 0755))
	stale := filepath.Join(cfg.DataDir, "old.pcl")
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0644))

	require.NoError(t, cfg.Prepare())
	assert.NoFileExists(t, stale)
	assert.DirExists(t, cfg.DataDir)
	assert.DirExists(t, cfg.WALDir)

	cfg.Clean = false
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0644))
	require.NoError(t, cfg.Prepare())
	assert.FileExists(t, stale)
}

func TestConfig_OpenStoreAndProber(t *testing.T) {
	root := t.TempDir()
	for _, engine := range []Engine{EngineMem, EngineBolt, EngineSQLite} {
		t.Run(string(engine), func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Engine = engine
			cfg.DataDir = filepath.Join(root, string(engine), "data")
			cfg.WALDir = filepath.Join(root, string(engine), "wal")
			cfg.Store.NoSync = true
			require.NoError(t, cfg.Prepare())

			store, err := cfg.OpenStore(nil, testLogger(t), false)
			require.NoError(t, err)
			defer store.Close()

			switch p := cfg.Prober(store).(type) {
			case *MemStore:
				assert.Equal(t, EngineMem, engine)
			case *Probe:
				assert.Equal(t, cfg.DataDir, p.Location)
				if engine == EngineBolt {
					assert.Equal(t, cfg.WALDir, p.LogDir)
				} else {
					assert.Empty(t, p.LogDir)
				}
			default:
				t.Fatalf("unexpected prober %T", p)
			}
		})
	}
}

func TestConfig_Options(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workload.Strategy = StrategyReuse
	cfg.Workload.Workers = 2
	cfg.Workload.RandSeed = 9

	opt := cfg.Options(nil, true)
	assert.Equal(t, StrategyReuse, opt.Strategy)
	assert.Equal(t, 2, opt.Workers)
	assert.Equal(t, uint64(9), opt.RandSeed)
	assert.Equal(t, cfg.Workload.Cycles, opt.Cycles)
	assert.Equal(t, cfg.Workload.SettleDelay, opt.SettleDelay)
	assert.True(t, opt.Verbose)
}
