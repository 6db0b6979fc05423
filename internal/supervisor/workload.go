package supervisor

import (
	"context"
	"fmt"

	"github.com/skobkin/pipebench/internal/bench"
	"github.com/skobkin/pipebench/internal/dataset"
	"github.com/skobkin/pipebench/internal/gpu"
	"github.com/skobkin/pipebench/internal/ort"
)

// OpenWorkload loads the tokenized corpus, the vocabulary and the ONNX model
// named by the configuration.
func OpenWorkload(_ context.Context, env Env) (*Workload, error) {
	w := env.Config.Workload
	logger := env.Logger.With("component", "workload")

	corpus, err := dataset.LoadCorpus(w.DatasetFile)
	if err != nil {
		return nil, fmt.Errorf("load dataset: %w", err)
	}
	vocab, err := dataset.LoadVocab(w.VocabPath)
	if err != nil {
		return nil, fmt.Errorf("load vocabulary: %w", err)
	}
	loader, err := dataset.NewLoader(corpus, dataset.LoaderOptions{
		BatchSize: env.Run.BatchSize,
		Workers:   env.Run.Workers,
		Prefetch:  env.Run.Prefetch,
	})
	if err != nil {
		return nil, fmt.Errorf("init loader: %w", err)
	}
	logger.Info("dataset loaded", "examples", corpus.Len(), "seq_len", corpus.SeqLen(), "batches", loader.Batches())

	gpus, err := gpu.Discover(env.Config.Telemetry.SysfsRoot, env.Logger.With("component", "gpu_discovery"))
	if err != nil {
		logger.Warn("gpu discovery failed", "err", err)
	}
	for _, info := range gpus {
		logger.Info("discovered accelerator", "id", info.ID, "name", info.Name, "cuda", info.CUDACapable())
	}

	session, err := ort.Open(ort.Options{
		LibraryPath: w.OrtLibPath,
		ModelPath:   w.ModelPath,
		Accelerator: w.Accelerator,
		CUDACapable: gpu.AnyCUDACapable(gpus),
		Logger:      env.Logger.With("component", "ort"),
	})
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}

	return &Workload{
		Model:   session,
		Device:  session,
		Source:  bench.FromLoader(loader),
		Decoder: vocab,
		Close:   session.Close,
	}, nil
}
