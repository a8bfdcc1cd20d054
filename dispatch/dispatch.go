/*
	Package dispatch runs a compute function over a halo-padded block, restricted to the
	bounding box of a mask's active labels when a mask is given, and returns the result on
	the halo-free block grid.
*/
package dispatch

import (
	"context"
	"fmt"

	"github.com/dokempf/CebraEM/cebra"
	"github.com/dokempf/CebraEM/volume"
)

// ComputeFunc maps an input volume to a result of the same spatial shape.
type ComputeFunc func(ctx context.Context, in *volume.Volume) (*volume.Volume, error)

// Fill says what voxels outside the computed region hold.
type Fill uint8

const (
	// FillZero sets them to the background value of the output type.
	FillZero Fill = iota
	// FillInput propagates the input value.
	FillInput
)

func (f Fill) String() string {
	if f == FillInput {
		return "input"
	}
	return "zero"
}

// Options configures a masked run.  Halo is the padding on each side of the input.
type Options struct {
	Halo       cebra.Point3d
	MaskIDs    volume.LabelSet
	Fill       Fill
	OutputType cebra.DataType
	Background float64
}

// call runs f and returns its single-channel result in the output type.
func call(ctx context.Context, f ComputeFunc, in *volume.Volume, t cebra.DataType) (*volume.Volume, error) {
	out, err := f(ctx, in)
	if err != nil {
		return nil, err
	}
	if out.Size != in.Size {
		return nil, fmt.Errorf("%w: compute returned %s for input %s", cebra.ErrShapeMismatch, out.Size, in.Size)
	}
	if out, err = out.Squeeze(); err != nil {
		return nil, err
	}
	if out.Type != t {
		return out.Cast(t)
	}
	return out, nil
}

type canvas struct {
	*volume.Volume
	input *volume.Volume
	opts  Options
}

func newCanvas(input *volume.Volume, opts Options) *canvas {
	c := &canvas{Volume: volume.NewFilled(opts.OutputType, input.Size, opts.Background), input: input, opts: opts}
	if opts.Fill == FillInput {
		n := int(input.NumVoxels())
		for i := 0; i < n; i++ {
			c.SetValue(i, input.Value(i))
		}
	}
	return c
}

func (c *canvas) reset(i int) {
	if c.opts.Fill == FillInput {
		c.SetValue(i, c.input.Value(i))
	} else {
		c.SetValue(i, c.opts.Background)
	}
}

// RunWithMask applies f to input.  Without a mask the whole padded input is computed.
// With a mask, which must share the input's spatial shape, f sees only the active bounding
// box inside the inner block grown by the halo; voxels with inactive mask labels are reset
// to the fill convention.  If the inner block has no active voxel, f is never called.  The
// returned volume always has the block shape, i.e., the input shape minus twice the halo.
func RunWithMask(ctx context.Context, f ComputeFunc, input, mask *volume.Volume, opts Options) (*volume.Volume, error) {
	if mask == nil {
		out, err := call(ctx, f, input, opts.OutputType)
		if err != nil {
			return nil, err
		}
		return out.TrimHalo(opts.Halo)
	}
	if len(opts.MaskIDs) == 0 {
		return nil, cebra.ErrMaskPolicyConflict
	}
	if err := volume.SameShape(input, mask); err != nil {
		return nil, err
	}
	halo := opts.Halo
	blockShape := input.Size.Sub(halo.MulScalar(2))
	if !blockShape.Positive() {
		return nil, fmt.Errorf("%w: halo %s too large for %s", cebra.ErrShapeMismatch, halo, input.Size)
	}

	out := newCanvas(input, opts)
	active, found := mask.ActiveExtents(opts.MaskIDs, cebra.NewExtents(halo, blockShape))
	if !found {
		cebra.Debugf("No active mask voxels within block, skipping compute\n")
		return out.TrimHalo(halo)
	}
	box := cebra.Extents3d{
		MinPoint: active.MinPoint.Sub(halo),
		MaxPoint: active.MaxPoint.Add(halo),
	}.Intersect(cebra.NewExtents(cebra.Point3d{}, input.Size))

	result, err := call(ctx, f, input.Crop(box.MinPoint, box.Size(), 0), out.Type)
	if err != nil {
		return nil, err
	}
	if err := out.Paste(result, box.MinPoint, nil); err != nil {
		return nil, err
	}
	for z := box.MinPoint[2]; z < box.MaxPoint[2]; z++ {
		for y := box.MinPoint[1]; y < box.MaxPoint[1]; y++ {
			for x := box.MinPoint[0]; x < box.MaxPoint[0]; x++ {
				i := mask.Index(x, y, z)
				if !opts.MaskIDs.Contains(mask.Label(i)) {
					out.reset(i)
				}
			}
		}
	}
	return out.TrimHalo(halo)
}
