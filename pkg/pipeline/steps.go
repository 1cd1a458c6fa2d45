package pipeline

import (
	"context"
	"math"
	"net/http"

	"github.com/caseward/ecl/pkg/canonicalize"
)

// DefaultRegistry returns a registry preloaded with the built-in triage
// pipeline.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	// Built-ins are total functions of the artifact bytes; registration
	// cannot fail.
	_ = r.Register(Pipeline{
		Name:    "triage",
		Version: "1.0.0",
		Steps: []Step{
			{Name: "identify", Run: IdentifyStep},
			{Name: "entropy", Run: EntropyStep},
		},
	})
	return r
}

// IdentifyStep sniffs the content type and records basic shape facts.
func IdentifyStep(ctx context.Context, in StepInput) (StepResult, error) {
	sniff := in.Bytes
	if len(sniff) > 512 {
		sniff = sniff[:512]
	}
	report := map[string]any{
		"artifact_id": in.ArtifactID,
		"step":        "identify",
		"mime":        http.DetectContentType(sniff),
		"byte_length": len(in.Bytes),
	}
	derivative, err := canonicalize.JCS(report)
	if err != nil {
		return StepResult{}, err
	}
	return StepResult{
		Payload: map[string]any{
			"mime":        report["mime"],
			"byte_length": len(in.Bytes),
		},
		Derivative: derivative,
	}, nil
}

// EntropyStep computes the Shannon entropy of the artifact bytes in bits
// per byte, a cheap signal for compressed or encrypted content.
func EntropyStep(ctx context.Context, in StepInput) (StepResult, error) {
	entropy := shannonEntropy(in.Bytes)
	classification := "low"
	switch {
	case entropy >= 7.2:
		classification = "high"
	case entropy >= 5.0:
		classification = "medium"
	}
	report := map[string]any{
		"artifact_id":    in.ArtifactID,
		"step":           "entropy",
		"entropy":        entropy,
		"classification": classification,
	}
	derivative, err := canonicalize.JCS(report)
	if err != nil {
		return StepResult{}, err
	}
	return StepResult{
		Payload: map[string]any{
			"entropy":        entropy,
			"classification": classification,
		},
		Derivative: derivative,
	}, nil
}

func shannonEntropy(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	var counts [256]int
	for _, b := range data {
		counts[b]++
	}
	total := float64(len(data))
	entropy := 0.0
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / total
		entropy -= p * math.Log2(p)
	}
	// Round to a stable precision so retried steps produce identical payloads.
	return math.Round(entropy*1e6) / 1e6
}
