package build

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrBuild          = errors.New("build failed")
	ErrStepFailed     = errors.New("step failed")
	ErrTimedOut       = errors.New("timed out")
	ErrCanceled       = errors.New("canceled")
	ErrInputMissing   = errors.New("input missing")
	ErrOutputMissing  = errors.New("output missing")
	ErrCopy           = errors.New("copy failed")
	ErrInvalidRequest = errors.New("invalid build request")
)

// Maximum number of trailing output bytes kept on a [StepError].
const maxCapturedOutput = 8 << 10

// Reports a run step that exited with a non-zero code.
type StepError struct {
	Step     int    // 1-based index of the step in the recipe.
	Command  string // Command text.
	ExitCode int    // Process exit code.
	Stdout   string // Tail of the captured standard output.
	Stderr   string // Tail of the captured standard error.
}

func (e *StepError) Error() string {
	msg := fmt.Sprintf("%s: step %d exited with code %d", ErrStepFailed, e.Step, e.ExitCode)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + lastLine(s)
	}
	return msg
}

func (e *StepError) Unwrap() []error {
	return []error{ErrBuild, ErrStepFailed}
}

// Returns the captured output, standard error last.
func (e *StepError) Output() string {
	switch {
	case e.Stdout == "":
		return e.Stderr
	case e.Stderr == "":
		return e.Stdout
	default:
		return e.Stdout + "\n" + e.Stderr
	}
}

// Returns at most the last maxCapturedOutput bytes of s.
func tail(s string) string {
	if len(s) <= maxCapturedOutput {
		return s
	}
	return s[len(s)-maxCapturedOutput:]
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
