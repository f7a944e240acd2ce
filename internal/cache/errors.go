package cache

import "errors"

var (
	ErrCache           = errors.New("cache error")
	ErrNotFound        = errors.New("artifact not found")
	ErrCacheCorruption = errors.New("cache corruption")
)
