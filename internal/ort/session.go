// Package ort runs the BERT question-answering export through ONNX Runtime.
package ort

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/skobkin/pipebench/internal/bench"
	"github.com/skobkin/pipebench/internal/config"
	"github.com/skobkin/pipebench/internal/dataset"
)

var (
	inputNames  = []string{"input_ids", "attention_mask", "token_type_ids"}
	outputNames = []string{"start_logits", "end_logits"}
)

// Options configures a Session.
type Options struct {
	LibraryPath string
	ModelPath   string
	Accelerator config.Accelerator
	// CUDACapable reports whether discovery found an NVIDIA device. It only
	// matters for AcceleratorAuto.
	CUDACapable bool
	DeviceID    int
	Logger      *slog.Logger
}

// Session is a loaded model bound to one execution provider.
type Session struct {
	session     *ort.DynamicAdvancedSession
	provider    Provider
	logger      *slog.Logger
	releaseOnce sync.Once
}

var envMu sync.Mutex

// Open initialises the runtime environment and loads the model. With
// AcceleratorAuto a CUDA failure falls back to the CPU provider; with
// AcceleratorCUDA it is fatal.
func Open(opts Options) (*Session, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := os.Stat(opts.ModelPath); err != nil {
		return nil, errors.Wrap(err, "model not found")
	}
	if err := initEnvironment(opts.LibraryPath); err != nil {
		return nil, err
	}

	var lastErr error
	for _, provider := range Plan(opts.Accelerator, opts.CUDACapable) {
		session, err := newSession(opts.ModelPath, provider, opts.DeviceID)
		if err == nil {
			logger.Info("model loaded", "model", opts.ModelPath, "provider", provider)
			return &Session{session: session, provider: provider, logger: logger}, nil
		}
		lastErr = err
		logger.Warn("execution provider unavailable", "provider", provider, "err", err)
	}
	destroyEnvironment()
	return nil, errors.Wrap(lastErr, "create session")
}

func initEnvironment(libPath string) error {
	envMu.Lock()
	defer envMu.Unlock()

	if ort.IsInitialized() {
		return nil
	}
	if libPath != "" {
		if _, err := os.Stat(libPath); err != nil {
			return errors.Wrap(err, "onnxruntime library not found")
		}
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return errors.Wrap(err, "initialize onnxruntime environment")
	}
	return nil
}

func destroyEnvironment() {
	envMu.Lock()
	defer envMu.Unlock()
	if ort.IsInitialized() {
		_ = ort.DestroyEnvironment()
	}
}

func newSession(modelPath string, provider Provider, deviceID int) (*ort.DynamicAdvancedSession, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "create session options")
	}
	defer options.Destroy()

	// Zero selects the runtime's default thread count.
	if err := options.SetIntraOpNumThreads(0); err != nil {
		return nil, errors.Wrap(err, "set intra-op threads")
	}
	if err := options.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableExtended); err != nil {
		return nil, errors.Wrap(err, "set optimization level")
	}

	if provider == ProviderCUDA {
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return nil, errors.Wrap(err, "create CUDA provider options")
		}
		defer cuda.Destroy()
		if err := cuda.Update(map[string]string{"device_id": strconv.Itoa(deviceID)}); err != nil {
			return nil, errors.Wrap(err, "configure CUDA provider")
		}
		if err := options.AppendExecutionProviderCUDA(cuda); err != nil {
			return nil, errors.Wrap(err, "enable CUDA provider")
		}
	}

	return ort.NewDynamicAdvancedSession(modelPath, inputNames, outputNames, options)
}

// Provider reports the execution provider in use.
func (s *Session) Provider() Provider {
	return s.provider
}

// Accelerated reports whether inference runs on the GPU.
func (s *Session) Accelerated() bool {
	return s.provider == ProviderCUDA
}

// Synchronize is a no-op: Run returns only after the provider has copied
// outputs back to host memory.
func (s *Session) Synchronize() error {
	return nil
}

// Load wraps the batch in runtime tensors. The tensors alias the batch
// slices, so the batch must not be modified until Release.
func (s *Session) Load(batch dataset.Batch) (bench.Staged, error) {
	if batch.Size <= 0 || batch.SeqLen <= 0 {
		return nil, errors.Errorf("empty batch %dx%d", batch.Size, batch.SeqLen)
	}
	shape := ort.NewShape(int64(batch.Size), int64(batch.SeqLen))

	staged := &staged{batch: batch}
	for _, data := range [][]int64{batch.InputIDs, batch.AttentionMask, batch.TokenTypeIDs} {
		tensor, err := ort.NewTensor(shape, data)
		if err != nil {
			staged.Release()
			return nil, errors.Wrap(err, "create input tensor")
		}
		staged.inputs = append(staged.inputs, tensor)
	}
	return staged, nil
}

// Forward runs the model on a staged batch and copies the logits out.
func (s *Session) Forward(ctx context.Context, in bench.Staged) (bench.Logits, error) {
	st, ok := in.(*staged)
	if !ok {
		return bench.Logits{}, errors.Errorf("staged batch of type %T not produced by this session", in)
	}
	if err := ctx.Err(); err != nil {
		return bench.Logits{}, err
	}

	outputs := make([]ort.Value, len(outputNames))
	if err := s.session.Run(st.inputs, outputs); err != nil {
		return bench.Logits{}, errors.Wrap(err, "run session")
	}
	defer func() {
		for _, out := range outputs {
			if out != nil {
				_ = out.Destroy()
			}
		}
	}()

	start, err := copyLogits(outputs[0])
	if err != nil {
		return bench.Logits{}, errors.Wrap(err, outputNames[0])
	}
	end, err := copyLogits(outputs[1])
	if err != nil {
		return bench.Logits{}, errors.Wrap(err, outputNames[1])
	}
	return bench.Logits{
		Batch:  st.batch.Size,
		SeqLen: st.batch.SeqLen,
		Start:  start,
		End:    end,
	}, nil
}

func copyLogits(value ort.Value) ([]float32, error) {
	tensor, ok := value.(*ort.Tensor[float32])
	if !ok {
		return nil, errors.Errorf("unexpected output type %T", value)
	}
	data := tensor.GetData()
	out := make([]float32, len(data))
	copy(out, data)
	return out, nil
}

// Close releases the session and the runtime environment.
func (s *Session) Close() error {
	var err error
	s.releaseOnce.Do(func() {
		if s.session != nil {
			err = s.session.Destroy()
		}
		destroyEnvironment()
	})
	return err
}

type staged struct {
	batch  dataset.Batch
	inputs []ort.Value
}

func (s *staged) Batch() dataset.Batch {
	return s.batch
}

func (s *staged) Release() {
	for _, in := range s.inputs {
		_ = in.Destroy()
	}
	s.inputs = nil
}
