package pipeline

import "errors"

var (
	ErrPipeline         = errors.New("pipeline error")
	ErrDependencyFailed = errors.New("dependency failed")
)
