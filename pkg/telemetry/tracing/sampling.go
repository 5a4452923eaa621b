package tracing

import (
	"fmt"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// newSampler returns a parent-based sampler so that a trace is either
// sampled as a whole or not at all. Root spans are sampled by trace id at
// ratio.
func newSampler(ratio float64) (sdktrace.Sampler, error) {
	var root sdktrace.Sampler
	switch {
	case ratio < 0 || ratio > 1:
		return nil, fmt.Errorf("sample ratio must be between 0.0 and 1.0, got %f", ratio)
	case ratio == 0:
		root = sdktrace.NeverSample()
	case ratio == 1:
		root = sdktrace.AlwaysSample()
	default:
		root = sdktrace.TraceIDRatioBased(ratio)
	}
	return sdktrace.ParentBased(root), nil
}
