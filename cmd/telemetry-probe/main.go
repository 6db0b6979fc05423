package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/skobkin/pipebench/internal/config"
	"github.com/skobkin/pipebench/internal/gpu"
	"github.com/skobkin/pipebench/internal/telemetry"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type options struct {
	sysfsRoot   string
	procRoot    string
	debugfsRoot string
	device      string
	iostatBin   string
	freeBin     string
	sample      bool
	jsonOutput  bool
}

func parseFlags() options {
	var opts options
	flag.StringVar(&opts.sysfsRoot, "sysfs", envOrDefault("BENCH_SYSFS_ROOT", "/sys"), "Path to sysfs root")
	flag.StringVar(&opts.procRoot, "proc", envOrDefault("BENCH_PROC_ROOT", "/proc"), "Path to procfs root")
	flag.StringVar(&opts.debugfsRoot, "debugfs", envOrDefault("BENCH_DEBUGFS_ROOT", "/sys/kernel/debug"), "Path to debugfs root")
	flag.StringVar(&opts.device, "device", "mmcblk0", "Block device sampled by iostat")
	flag.StringVar(&opts.iostatBin, "iostat", envOrDefault("BENCH_IOSTAT_BIN", "iostat"), "iostat binary")
	flag.StringVar(&opts.freeBin, "free", envOrDefault("BENCH_FREE_BIN", "free"), "free binary")
	flag.BoolVar(&opts.sample, "sample", true, "Collect one sample per telemetry subsystem")
	flag.BoolVar(&opts.jsonOutput, "json", false, "Emit discovery result as JSON")
	flag.Parse()
	return opts
}

type sampleOutput struct {
	Tag     telemetry.Tag     `json:"tag"`
	Columns []string          `json:"columns"`
	Fields  map[string]string `json:"fields"`
	Error   string            `json:"error,omitempty"`
}

func main() {
	opts := parseFlags()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	infos, err := gpu.Discover(opts.sysfsRoot, logger.With("component", "gpu_discovery"))
	if err != nil {
		logger.Error("gpu discovery failed", "err", err)
		os.Exit(1)
	}

	if opts.jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(infos); err != nil {
			logger.Error("encode discovery output", "err", err)
			os.Exit(1)
		}
	} else {
		if len(infos) == 0 {
			fmt.Println("No GPUs detected")
		} else {
			fmt.Println("Discovered GPUs:")
		}
		for _, info := range infos {
			fmt.Printf("- %s (%s, PCI: %s, PCIID: %s, Name: %s, CUDA: %t)\n", info.ID, info.Kind, info.PCI, info.PCIID, info.Name, info.CUDACapable())
		}
	}

	if !opts.sample {
		return
	}

	board, hardware, shell, err := telemetry.OpenSubsystems(telemetry.ChildOptions{
		Device:   opts.device,
		Interval: time.Second,
		Telemetry: config.TelemetryConfig{
			SysfsRoot:   opts.sysfsRoot,
			ProcRoot:    opts.procRoot,
			DebugfsRoot: opts.debugfsRoot,
			IostatBin:   opts.iostatBin,
			FreeBin:     opts.freeBin,
		},
	}, logger)
	if err != nil {
		logger.Error("open telemetry", "err", err)
		os.Exit(1)
	}
	defer board.Close()

	fmt.Println()
	fmt.Printf("Collecting samples at %s\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Println(strings.Repeat("-", 60))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, sub := range append(hardware, shell...) {
		out := sampleOutput{Tag: sub.Tag(), Columns: telemetry.Header(sub)}
		out.Fields, err = sub.Sample(ctx)
		if err != nil {
			out.Error = err.Error()
		}
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			logger.Error("encode sample", "tag", sub.Tag(), "err", err)
			continue
		}
		fmt.Printf("%s sample:\n%s\n\n", sub.Tag(), string(data))
	}
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
