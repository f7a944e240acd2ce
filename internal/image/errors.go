package image

import "errors"

var (
	ErrAssemble          = errors.New("image assembly failed")
	ErrInvalidLayout     = errors.New("invalid layout")
	ErrInsufficientSpace = errors.New("insufficient space")
	ErrLayoutConflict    = errors.New("layout conflict")
	ErrNoRootFS          = errors.New("root filesystem not found")
	ErrFormat            = errors.New("filesystem creation failed")
	ErrBootFlow          = errors.New("boot flow failed")
	ErrBundle            = errors.New("bundle creation failed")
)
