/*
	Package reader loads the inputs of a block from their pyramids and resamples every one
	of them onto the same target-resolution grid.
*/
package reader

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/dokempf/CebraEM/cebra"
	"github.com/dokempf/CebraEM/pyramid"
	"github.com/dokempf/CebraEM/volume"
)

// DefaultMaxShift is the default search radius, in native voxels, of the in-plane drift
// estimate.
const DefaultMaxShift = 8

// Descriptor names an input dataset and how it is interpreted.
type Descriptor struct {
	Name       string
	Path       string
	Resolution cebra.Resolution // zero uses the pyramid's level 0 resolution
	Order      volume.Order
	Raw        bool // raw intensities, eligible for drift correction
}

// Source is a descriptor with its opened pyramid.
type Source struct {
	Descriptor
	Pyramid *pyramid.Pyramid
}

// Options control a load.
type Options struct {
	CrossCorrectRaw bool
	MaxShift        int
}

// OpenSources opens the pyramid of every descriptor.  If cacheBytes is positive, chunk
// reads of each source go through a cache of that size.
func OpenSources(ctx context.Context, descs []Descriptor, cacheBytes int) ([]Source, error) {
	sources := make([]Source, 0, len(descs))
	for _, desc := range descs {
		p, err := pyramid.OpenRef(ctx, desc.Path)
		if err != nil {
			for _, src := range sources {
				src.Pyramid.Close()
			}
			return nil, fmt.Errorf("dataset %q: %w", desc.Name, err)
		}
		if cacheBytes > 0 {
			p = p.WithCache(cacheBytes)
		}
		sources = append(sources, Source{Descriptor: desc, Pyramid: p})
	}
	return sources, nil
}

// Load reads the region (posHalo, shapeHalo), given in voxels at the target resolution,
// from every source.  All returned volumes have shape shapeHalo.  Parts of the region
// outside a dataset's extent are filled with that dataset's background.
func Load(ctx context.Context, sources []Source, posHalo, shapeHalo cebra.Point3d, target cebra.Resolution, opts Options) (map[string]*volume.Volume, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	results := make([]*volume.Volume, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	for i, src := range sources {
		i, src := i, src
		g.Go(func() error {
			vol, err := loadOne(gctx, src, posHalo, shapeHalo, target, opts)
			if err != nil {
				return fmt.Errorf("dataset %q: %w", src.Name, err)
			}
			results[i] = vol
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make(map[string]*volume.Volume, len(sources))
	for i, src := range sources {
		out[src.Name] = results[i]
	}
	return out, nil
}

func loadOne(ctx context.Context, src Source, posHalo, shapeHalo cebra.Point3d, target cebra.Resolution, opts Options) (*volume.Volume, error) {
	if src.Pyramid == nil {
		return nil, fmt.Errorf("%w: not opened", cebra.ErrDatasetUnavailable)
	}
	base, err := src.Pyramid.Level(0)
	if err != nil {
		return nil, err
	}
	native := src.Resolution
	if native == (cebra.Resolution{}) {
		native = base.Resolution
	}
	ratio, err := target.Ratio(native)
	if err != nil {
		return nil, err
	}
	npos, nshape, err := cebra.ScaleRegion(posHalo, shapeHalo, target, native)
	if err != nil {
		return nil, err
	}
	npos, nshape = cebra.ExpandByHalo(npos, nshape, cebra.Point3d{1, 1, 1})

	timedLog := cebra.NewTimeLog()
	vol, err := src.Pyramid.ReadRegion(ctx, 0, npos, nshape)
	if err != nil {
		return nil, err
	}
	if src.Raw && opts.CrossCorrectRaw {
		if vol, err = correctDrift(ctx, src.Pyramid, vol, npos[2], opts.MaxShift); err != nil {
			return nil, err
		}
	}
	var origin cebra.Vector3d
	for i := 0; i < 3; i++ {
		origin[i] = (float64(posHalo[i])+0.5)*ratio[i] - 0.5 - float64(npos[i])
	}
	out := vol.Resample(shapeHalo, origin, ratio, src.Order, src.Pyramid.Info().Background)
	timedLog.Debugf("Loaded %q native %s @ %s -> %s", src.Name, nshape, npos, out.Describe())
	return out, nil
}

// correctDrift shifts each slice of a raw volume to undo in-plane drift.  A drift table
// recorded with the dataset takes precedence over an estimate from the volume itself.
func correctDrift(ctx context.Context, p *pyramid.Pyramid, vol *volume.Volume, z0 int32, maxShift int) (*volume.Volume, error) {
	table, err := p.Drift(ctx)
	if err != nil {
		return nil, err
	}
	var shifts [][2]float64
	if table != nil {
		shifts = table.Shifts(z0, vol.Size[2])
		for i := range shifts {
			shifts[i] = [2]float64{-shifts[i][0], -shifts[i][1]}
		}
	} else {
		if maxShift <= 0 {
			maxShift = DefaultMaxShift
		}
		shifts = EstimateDrift(vol, maxShift)
	}
	return vol.ShiftSlices(shifts), nil
}
