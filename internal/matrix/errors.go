package matrix

import "errors"

var (
	ErrEmptyVariantSet = errors.New("exclusions eliminate every variant")
	ErrInvalidMatrix   = errors.New("invalid variant matrix")
	ErrUnknownTarget   = errors.New("unknown build target")
)
