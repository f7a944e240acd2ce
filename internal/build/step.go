package build

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cruciblehq/kiln/internal/recipe"
)

// Executes a list of steps in order against the build context.
func (e *execution) executeSteps(ctx context.Context, steps []recipe.Step, state *stepState) error {
	for i, step := range steps {
		if err := e.executeStep(ctx, i+1, step, state); err != nil {
			return err
		}
	}
	return nil
}

// Executes a single step, dispatching to operation execution or state
// mutation depending on the step's fields.
func (e *execution) executeStep(ctx context.Context, index int, step recipe.Step, state *stepState) error {

	// Standalone modifier(s): persist in state.
	if !step.IsOperation() {
		state.apply(step)
		return nil
	}

	// Operation with optional scoped modifiers.
	if err := e.executeOperation(ctx, index, step, state); err != nil {
		if _, ok := err.(*StepError); ok {
			return err
		}
		return fmt.Errorf("step %d: %w", index, err)
	}
	return nil
}

// Executes a run or copy operation with scoped modifier overrides.
//
// Step-level modifiers override the persistent state for this operation only.
// The persistent state is not modified.
func (e *execution) executeOperation(ctx context.Context, index int, step recipe.Step, state *stepState) error {
	resolved := state.resolve(step)

	if resolved.workdir != "" {
		if err := e.context.MkdirAll(ctx, resolved.workdir); err != nil {
			return err
		}
	}

	switch {
	case step.Run != "":
		slog.Debug("run", "layer", e.layer.ID(), "step", index, "command", step.Run, "shell", resolved.shell)

		result, err := e.context.Run(ctx, Command{
			Shell:   resolved.shell,
			Script:  step.Run,
			Env:     resolved.environ(e.baseEnv()),
			Workdir: resolved.workdir,
		})
		if err != nil {
			return err
		}
		if result.ExitCode != 0 {
			return &StepError{
				Step:     index,
				Command:  step.Run,
				ExitCode: result.ExitCode,
				Stdout:   tail(result.Stdout),
				Stderr:   tail(result.Stderr),
			}
		}

	case step.Copy != "":
		if err := e.executeCopy(ctx, step.Copy, resolved.workdir); err != nil {
			return err
		}
	}

	return nil
}

// Returns the variables every run step sees before recipe modifiers apply.
// Only fingerprinted inputs are exposed; the variant key is not.
func (e *execution) baseEnv() map[string]string {
	env := paramEnv(e.layer.Params)
	env["KILN_LAYER"] = e.layer.ID()
	env["KILN_PARAMS"] = metaDir + "/" + paramsFile
	return env
}
