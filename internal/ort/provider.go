package ort

import "github.com/skobkin/pipebench/internal/config"

// Provider names an ONNX Runtime execution provider.
type Provider string

const (
	ProviderCUDA Provider = "cuda"
	ProviderCPU  Provider = "cpu"
)

// Plan returns the providers to try, in order.
func Plan(accel config.Accelerator, cudaCapable bool) []Provider {
	switch accel {
	case config.AcceleratorCUDA:
		return []Provider{ProviderCUDA}
	case config.AcceleratorCPU:
		return []Provider{ProviderCPU}
	default:
		if cudaCapable {
			return []Provider{ProviderCUDA, ProviderCPU}
		}
		return []Provider{ProviderCPU}
	}
}
