// Package pipeline executes registered analysis pipelines against leased
// jobs, recording each step as exactly one ANALYZED custody event.
package pipeline

import (
	"context"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/caseward/ecl/pkg/errs"
)

// StepInput carries everything a step may depend on. Steps must be
// deterministic functions of these fields.
type StepInput struct {
	ArtifactID string
	Bytes      []byte
	Params     map[string]any
	// Upstream maps completed step names to their result_ref.
	Upstream map[string]string
}

// StepResult is the step outcome. A non-nil Derivative is written to the
// content store and addressed by the step's result_ref.
type StepResult struct {
	Payload    map[string]any
	Derivative []byte
}

// StepFunc runs one pipeline step.
type StepFunc func(ctx context.Context, in StepInput) (StepResult, error)

// Step is a named unit of pipeline work.
type Step struct {
	Name string
	Run  StepFunc
}

// Pipeline is an ordered list of steps under a semver-versioned name.
type Pipeline struct {
	Name    string
	Version string
	Steps   []Step
}

// Registry holds the pipelines the executor may run.
type Registry struct {
	mu        sync.RWMutex
	pipelines map[string]Pipeline
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{pipelines: make(map[string]Pipeline)}
}

// Register validates and stores a pipeline. Re-registering a name replaces
// the previous definition.
func (r *Registry) Register(p Pipeline) error {
	if p.Name == "" {
		return errs.New(errs.KindInvalidArgument, errs.CodeInvalidArgument, "pipeline name is required")
	}
	if _, err := semver.NewVersion(p.Version); err != nil {
		return errs.Wrap(err, errs.KindInvalidArgument, errs.CodeInvalidArgument,
			"pipeline %s version %q is not valid semver", p.Name, p.Version)
	}
	if len(p.Steps) == 0 {
		return errs.New(errs.KindInvalidArgument, errs.CodeInvalidArgument, "pipeline %s has no steps", p.Name)
	}
	seen := make(map[string]bool, len(p.Steps))
	for _, step := range p.Steps {
		if step.Name == "" || step.Run == nil {
			return errs.New(errs.KindInvalidArgument, errs.CodeInvalidArgument,
				"pipeline %s has an unnamed or nil step", p.Name)
		}
		if seen[step.Name] {
			return errs.New(errs.KindInvalidArgument, errs.CodeInvalidArgument,
				"pipeline %s repeats step %q", p.Name, step.Name)
		}
		seen[step.Name] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.pipelines[p.Name] = p
	return nil
}

// Get returns the pipeline registered under name.
func (r *Registry) Get(name string) (Pipeline, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pipelines[name]
	return p, ok
}

// Names lists registered pipeline names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.pipelines))
	for name := range r.pipelines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
