package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/cruciblehq/kiln/internal/build"
	"github.com/cruciblehq/kiln/internal/cache"
	"github.com/cruciblehq/kiln/internal/image"
	"github.com/cruciblehq/kiln/internal/matrix"
	"github.com/cruciblehq/kiln/internal/recipe"
	"github.com/cruciblehq/kiln/internal/resolve"
)

// Outcome of a layer.
type Status string

const (
	StatusHit     Status = "hit"     // Served from the cache.
	StatusBuilt   Status = "built"   // Built and stored.
	StatusRebuilt Status = "rebuilt" // Cached entry was corrupt and the layer was built again.
	StatusFailed  Status = "failed"  // Build failed.
	StatusSkipped Status = "skipped" // Not attempted because a parent failed.
)

// Outcome of one layer of a target.
type LayerReport struct {
	ID          string            `json:"id"`
	Fingerprint cache.Fingerprint `json:"fingerprint,omitempty"`
	Status      Status            `json:"status"`
	Duration    time.Duration     `json:"duration"`
	Kind        string            `json:"kind,omitempty"`   // Error kind, see [Kind].
	Error       string            `json:"error,omitempty"`  // Error message.
	Output      string            `json:"output,omitempty"` // Captured output of a failed step.
}

// Outcome of one build target.
type TargetReport struct {
	Target   string        `json:"target"`
	Layers   []LayerReport `json:"layers"`
	Image    *image.Image  `json:"image,omitempty"`
	Duration time.Duration `json:"duration"`
	Kind     string        `json:"kind,omitempty"`  // Error kind of the first failure.
	Error    string        `json:"error,omitempty"` // First failure of the target.
}

// Reports whether the target failed.
func (t *TargetReport) Failed() bool {
	return t.Error != ""
}

// Counts layers by status.
func (t *TargetReport) Count(s Status) int {
	n := 0
	for _, l := range t.Layers {
		if l.Status == s {
			n++
		}
	}
	return n
}

// Outcome of a pipeline run, one entry per requested target in request order.
type Report struct {
	Targets  []TargetReport `json:"targets"`
	Duration time.Duration  `json:"duration"`
}

// Reports whether any target failed.
func (r *Report) Failed() bool {
	for i := range r.Targets {
		if r.Targets[i].Failed() {
			return true
		}
	}
	return false
}

// Returns the report of a target by name.
func (r *Report) Target(name string) (*TargetReport, bool) {
	for i := range r.Targets {
		if r.Targets[i].Target == name {
			return &r.Targets[i], true
		}
	}
	return nil, false
}

// Error kinds by sentinel. More specific sentinels come first.
var kinds = []struct {
	err  error
	kind string
}{
	{build.ErrStepFailed, "step_failed"},
	{build.ErrTimedOut, "timed_out"},
	{build.ErrCanceled, "canceled"},
	{build.ErrInputMissing, "input_missing"},
	{build.ErrOutputMissing, "output_missing"},
	{image.ErrInsufficientSpace, "insufficient_space"},
	{image.ErrLayoutConflict, "layout_conflict"},
	{image.ErrInvalidLayout, "invalid_layout"},
	{image.ErrAssemble, "assemble_error"},
	{cache.ErrCacheCorruption, "cache_corruption"},
	{cache.ErrCache, "cache_error"},
	{resolve.ErrCyclicDependency, "cyclic_dependency"},
	{resolve.ErrMissingParent, "missing_parent"},
	{resolve.ErrResolve, "resolve_error"},
	{recipe.ErrRecipe, "recipe_error"},
	{matrix.ErrUnknownTarget, "unknown_target"},
	{matrix.ErrEmptyVariantSet, "invalid_matrix"},
	{matrix.ErrInvalidMatrix, "invalid_matrix"},
	{ErrDependencyFailed, "dependency_failed"},
	{build.ErrBuild, "build_error"},
	{context.Canceled, "canceled"},
	{context.DeadlineExceeded, "timed_out"},
}

// Classifies an error into a stable kind for reports.
//
// Returns an empty string for nil and "internal" for errors that wrap no
// known sentinel.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "internal"
}
