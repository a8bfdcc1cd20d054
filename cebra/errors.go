package cebra

import (
	"errors"
	"fmt"
)

// Error taxonomy of the block engine.  All of them are unrecoverable for the block task:
// they are wrapped with context on the way up and matched with errors.Is.  Reads outside a
// dataset's stored extent are never errors; they are filled with background.
var (
	ErrInvalidResolution            = errors.New("invalid resolution")
	ErrDatasetUnavailable           = errors.New("dataset unavailable")
	ErrUnsupportedType              = errors.New("unsupported data type")
	ErrTypeMismatch                 = errors.New("data type mismatch")
	ErrUniqueIDPolicyWithoutCounter = errors.New("unique labels requested but store has no max id counter")
	ErrMaskPolicyConflict           = errors.New("mask supplied without active label ids")
	ErrShapeMismatch                = errors.New("volume shape mismatch")
	ErrOverlap                      = errors.New("block region overlaps a region claimed by another block")
	ErrLockUnsupported              = errors.New("store does not support exclusive locks")
)

// BlockError attaches the location of a failing block so an operator can find it without
// digging through the logs of unrelated tasks.
type BlockError struct {
	Dataset  string
	Index    int
	Position Point3d
	Err      error
}

func (e *BlockError) Error() string {
	return fmt.Sprintf("dataset %q block %d @ %s: %v", e.Dataset, e.Index, e.Position, e.Err)
}

func (e *BlockError) Unwrap() error {
	return e.Err
}

// NewBlockError wraps err with block context.  A nil err returns nil.
func NewBlockError(dataset string, index int, pos Point3d, err error) error {
	if err == nil {
		return nil
	}
	var be *BlockError
	if errors.As(err, &be) {
		return err
	}
	return &BlockError{Dataset: dataset, Index: index, Position: pos, Err: err}
}
