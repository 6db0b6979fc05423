package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Accelerator selects the execution path of the workload.
type Accelerator string

const (
	AcceleratorAuto Accelerator = "auto"
	AcceleratorCUDA Accelerator = "cuda"
	AcceleratorCPU  Accelerator = "cpu"
)

// Config represents runtime configuration sourced from environment variables.
type Config struct {
	LogLevel       slog.Level
	OutputDir      string
	RunTag         string
	Epochs         int
	SampleInterval time.Duration
	TerminateGrace time.Duration
	Summary        bool
	Loop           LoopConfig
	Telemetry      TelemetryConfig
	Cache          CacheConfig
	Workload       WorkloadConfig
}

// LoopConfig tunes the early-stop policy of the execution loop.
type LoopConfig struct {
	Stabilization time.Duration
	MinBatches    int
}

// TelemetryConfig locates the kernel interfaces and shell tools the collector reads.
type TelemetryConfig struct {
	SysfsRoot   string
	ProcRoot    string
	DebugfsRoot string
	IostatBin   string
	FreeBin     string
}

// CacheConfig configures the page-cache probe and the cache drop.
type CacheConfig struct {
	ProbeDir      string
	VmtouchBin    string
	DropCachesCmd string
}

// WorkloadConfig locates the model artifacts. Empty paths resolve under the
// dataset root.
type WorkloadConfig struct {
	ModelPath   string
	VocabPath   string
	DatasetFile string
	OrtLibPath  string
	Accelerator Accelerator
}

// Load parses configuration from environment variables, applying defaults.
func Load() (Config, error) {
	cfg := Config{
		LogLevel:       slog.LevelInfo,
		OutputDir:      ".",
		RunTag:         "mn",
		Epochs:         1,
		SampleInterval: time.Second,
		TerminateGrace: 3 * time.Second,
		Summary:        true,
		Loop: LoopConfig{
			Stabilization: 5 * time.Second,
			MinBatches:    50,
		},
		Telemetry: TelemetryConfig{
			SysfsRoot:   "/sys",
			ProcRoot:    "/proc",
			DebugfsRoot: "/sys/kernel/debug",
			IostatBin:   "iostat",
			FreeBin:     "free",
		},
		Cache: CacheConfig{
			VmtouchBin:    "vmtouch",
			DropCachesCmd: `sudo sh -c "sync; echo 3 > /proc/sys/vm/drop_caches"`,
		},
		Workload: WorkloadConfig{
			Accelerator: AcceleratorAuto,
		},
	}

	if value := strings.TrimSpace(os.Getenv("BENCH_LOG_LEVEL")); value != "" {
		level, err := parseLogLevel(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse BENCH_LOG_LEVEL: %w", err)
		}
		cfg.LogLevel = level
	}

	if value := strings.TrimSpace(os.Getenv("BENCH_OUTPUT_DIR")); value != "" {
		cfg.OutputDir = value
	}

	if value := strings.TrimSpace(os.Getenv("BENCH_RUN_TAG")); value != "" {
		if strings.ContainsAny(value, `/\ `) {
			return Config{}, fmt.Errorf("BENCH_RUN_TAG must not contain path separators or spaces")
		}
		cfg.RunTag = value
	}

	if value := strings.TrimSpace(os.Getenv("BENCH_EPOCHS")); value != "" {
		epochs, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse BENCH_EPOCHS: %w", err)
		}
		if epochs <= 0 {
			return Config{}, fmt.Errorf("BENCH_EPOCHS must be > 0")
		}
		cfg.Epochs = epochs
	}

	if value := strings.TrimSpace(os.Getenv("BENCH_SAMPLE_INTERVAL")); value != "" {
		duration, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse BENCH_SAMPLE_INTERVAL: %w", err)
		}
		if duration <= 0 {
			return Config{}, fmt.Errorf("BENCH_SAMPLE_INTERVAL must be > 0")
		}
		cfg.SampleInterval = duration
	}

	if value := strings.TrimSpace(os.Getenv("BENCH_TERMINATE_GRACE")); value != "" {
		duration, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse BENCH_TERMINATE_GRACE: %w", err)
		}
		if duration < 0 {
			return Config{}, fmt.Errorf("BENCH_TERMINATE_GRACE must be >= 0")
		}
		cfg.TerminateGrace = duration
	}

	if value := strings.TrimSpace(os.Getenv("BENCH_SUMMARY")); value != "" {
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse BENCH_SUMMARY: %w", err)
		}
		cfg.Summary = enabled
	}

	if value := strings.TrimSpace(os.Getenv("BENCH_STABILIZATION")); value != "" {
		duration, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse BENCH_STABILIZATION: %w", err)
		}
		if duration <= 0 {
			return Config{}, fmt.Errorf("BENCH_STABILIZATION must be > 0")
		}
		cfg.Loop.Stabilization = duration
	}

	if value := strings.TrimSpace(os.Getenv("BENCH_MIN_BATCHES")); value != "" {
		minBatches, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse BENCH_MIN_BATCHES: %w", err)
		}
		if minBatches < 1 {
			return Config{}, fmt.Errorf("BENCH_MIN_BATCHES must be >= 1")
		}
		cfg.Loop.MinBatches = minBatches
	}

	if value := strings.TrimSpace(os.Getenv("BENCH_SYSFS_ROOT")); value != "" {
		cfg.Telemetry.SysfsRoot = value
	}

	if value := strings.TrimSpace(os.Getenv("BENCH_PROC_ROOT")); value != "" {
		cfg.Telemetry.ProcRoot = value
	}

	if value := strings.TrimSpace(os.Getenv("BENCH_DEBUGFS_ROOT")); value != "" {
		cfg.Telemetry.DebugfsRoot = value
	}

	if value := strings.TrimSpace(os.Getenv("BENCH_IOSTAT_BIN")); value != "" {
		cfg.Telemetry.IostatBin = value
	}

	if value := strings.TrimSpace(os.Getenv("BENCH_FREE_BIN")); value != "" {
		cfg.Telemetry.FreeBin = value
	}

	if value := strings.TrimSpace(os.Getenv("BENCH_PROBE_DIR")); value != "" {
		cfg.Cache.ProbeDir = value
	}

	if value, ok := os.LookupEnv("BENCH_VMTOUCH_BIN"); ok {
		// Empty selects the built-in mincore probe.
		cfg.Cache.VmtouchBin = strings.TrimSpace(value)
	}

	if value, ok := os.LookupEnv("BENCH_DROP_CACHES_CMD"); ok {
		// Empty disables the cache drop.
		cfg.Cache.DropCachesCmd = strings.TrimSpace(value)
	}

	if value := strings.TrimSpace(os.Getenv("BENCH_MODEL_PATH")); value != "" {
		cfg.Workload.ModelPath = value
	}

	if value := strings.TrimSpace(os.Getenv("BENCH_VOCAB_PATH")); value != "" {
		cfg.Workload.VocabPath = value
	}

	if value := strings.TrimSpace(os.Getenv("BENCH_DATASET_FILE")); value != "" {
		cfg.Workload.DatasetFile = value
	}

	if value := strings.TrimSpace(os.Getenv("BENCH_ORT_LIB")); value != "" {
		cfg.Workload.OrtLibPath = value
	}

	if value := strings.TrimSpace(os.Getenv("BENCH_ACCELERATOR")); value != "" {
		accel, err := parseAccelerator(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse BENCH_ACCELERATOR: %w", err)
		}
		cfg.Workload.Accelerator = accel
	}

	return cfg, nil
}

// Resolve fills dataset-relative defaults once the dataset root is known.
func (c Config) Resolve(datasetRoot string) Config {
	if c.Cache.ProbeDir == "" {
		c.Cache.ProbeDir = filepath.Join(datasetRoot, "vmtouch_output")
	}
	if c.Workload.ModelPath == "" {
		c.Workload.ModelPath = filepath.Join(datasetRoot, "model.onnx")
	}
	if c.Workload.VocabPath == "" {
		c.Workload.VocabPath = filepath.Join(datasetRoot, "vocab.txt")
	}
	if c.Workload.DatasetFile == "" {
		c.Workload.DatasetFile = filepath.Join(datasetRoot, "tokenized_infer.json")
	}
	return c
}

func parseAccelerator(input string) (Accelerator, error) {
	switch Accelerator(strings.ToLower(strings.TrimSpace(input))) {
	case AcceleratorAuto:
		return AcceleratorAuto, nil
	case AcceleratorCUDA:
		return AcceleratorCUDA, nil
	case AcceleratorCPU:
		return AcceleratorCPU, nil
	default:
		return AcceleratorAuto, fmt.Errorf("unsupported accelerator %q", input)
	}
}

func parseLogLevel(input string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(input)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported log level %q", input)
	}
}
