package config

import (
	"fmt"
	"strconv"
	"strings"
)

// RunConfig is the immutable description of one experiment run, built from the
// positional command-line arguments. It is passed by value.
type RunConfig struct {
	DatasetRoot    string
	Workers        int
	Prefetch       int
	ExternalDevice string
	BatchSize      int
	Epochs         int
}

// Usage describes the positional arguments accepted by ParseArgs.
const Usage = "<dataset-root> <workers> <prefetch-factor> <external-device> <batch-size>"

// ParseArgs builds a RunConfig from positional arguments.
func ParseArgs(args []string, epochs int) (RunConfig, error) {
	if len(args) != 5 {
		return RunConfig{}, fmt.Errorf("expected 5 arguments (%s), got %d", Usage, len(args))
	}

	run := RunConfig{
		DatasetRoot:    strings.TrimSpace(args[0]),
		ExternalDevice: strings.TrimSpace(args[3]),
		Epochs:         epochs,
	}
	if run.DatasetRoot == "" {
		return RunConfig{}, fmt.Errorf("dataset root must not be empty")
	}
	if run.ExternalDevice == "" {
		return RunConfig{}, fmt.Errorf("external device must not be empty")
	}

	var err error
	if run.Workers, err = parseCount("workers", args[1], 0); err != nil {
		return RunConfig{}, err
	}
	if run.Prefetch, err = parseCount("prefetch factor", args[2], 1); err != nil {
		return RunConfig{}, err
	}
	if run.BatchSize, err = parseCount("batch size", args[4], 1); err != nil {
		return RunConfig{}, err
	}
	if run.Epochs <= 0 {
		run.Epochs = 1
	}
	return run, nil
}

func parseCount(name, value string, minimum int) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	if n < minimum {
		return 0, fmt.Errorf("%s must be >= %d", name, minimum)
	}
	return n, nil
}
