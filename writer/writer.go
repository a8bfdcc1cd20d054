/*
	Package writer commits a computed block into a pyramid: it trims the halo, casts to the
	store type, optionally remaps labels to globally unique IDs, stages the base write with
	every coarser level re-derived from it, and commits with the base level last.
*/
package writer

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/dokempf/CebraEM/cebra"
	"github.com/dokempf/CebraEM/pyramid"
	"github.com/dokempf/CebraEM/volume"
)

// Block locates a block on the base level of the output.
type Block struct {
	Index    int
	Position cebra.Point3d
	Shape    cebra.Point3d
}

// Policy controls how a block is written.
type Policy struct {
	// Downscale, if set, must match the store's downscale mode.
	Downscale pyramid.DownscaleMode

	// Background voxels are never remapped.  When HasBackground is set they are also not
	// written, so existing store content shows through.
	Background    float64
	HasBackground bool

	// UniqueLabels reserves a range from the store counter for the block's labels and
	// always persists the raised counter.  UpdateMaxID alone raises the counter to the
	// largest label written.
	UniqueLabels bool
	UpdateMaxID  bool

	// CastType, if set, is the type values are checked against before conversion into
	// the store type.  It must equal the store type or convert losslessly into it.
	CastType *cebra.DataType

	// CheckOverlap records a claim on the block region and fails if another block
	// claimed an overlapping region.
	CheckOverlap bool

	// Task identifies the run in the ID ledger and claims.
	Task string
}

// Result summarizes a committed write.
type Result struct {
	FirstID       uint64
	NumIDs        uint64
	MaxLabel      uint64
	ChunksWritten int
	Bytes         int
}

// trim returns the block-shaped volume, removing halo if the volume is padded.
func trim(vol *volume.Volume, shape, halo cebra.Point3d) (*volume.Volume, error) {
	v, err := vol.Squeeze()
	if err != nil {
		return nil, err
	}
	switch {
	case v.Size == shape:
		return v, nil
	case v.Size == shape.Add(halo.MulScalar(2)):
		return v.TrimHalo(halo)
	}
	return nil, fmt.Errorf("%w: volume %s is neither block shape %s nor padded by halo %s", cebra.ErrShapeMismatch, v.Size, shape, halo)
}

func cast(v *volume.Volume, store cebra.DataType, castType *cebra.DataType) (*volume.Volume, error) {
	if castType != nil {
		ct := *castType
		if ct != store && !ct.LosslessTo(store) {
			return nil, fmt.Errorf("%w: cast type %s has no lossless conversion into store type %s", cebra.ErrTypeMismatch, ct, store)
		}
		var err error
		if v, err = v.Cast(ct); err != nil {
			return nil, err
		}
	}
	return v.Cast(store)
}

// remap replaces labels in ascending order with first, first+1, ...  Background is kept.
func remap(v *volume.Volume, labels []uint64, first uint64, background uint64) {
	mapping := make(map[uint64]uint64, len(labels))
	for i, lbl := range labels {
		mapping[lbl] = first + uint64(i)
	}
	n := v.NumValues()
	for i := 0; i < n; i++ {
		lbl := v.Label(i)
		if lbl == background {
			continue
		}
		v.SetLabel(i, mapping[lbl])
	}
}

// Write commits vol as block.  vol may have the block shape or be padded by halo on every
// side.  The caller's volume is not modified.
func Write(ctx context.Context, p *pyramid.Pyramid, block Block, vol *volume.Volume, halo cebra.Point3d, policy Policy) (Result, error) {
	var result Result
	timedLog := cebra.NewTimeLog()
	info := p.Info()
	if policy.Downscale != "" && policy.Downscale != info.Downscale {
		return result, fmt.Errorf("write policy downscale mode %q conflicts with store mode %q", policy.Downscale, info.Downscale)
	}

	v, err := trim(vol, block.Shape, halo)
	if err != nil {
		return result, err
	}
	if v, err = cast(v, info.DataType, policy.CastType); err != nil {
		return result, err
	}

	if policy.UniqueLabels {
		bg := uint64(policy.Background)
		labels := v.Labels(bg, true)
		result.NumIDs = uint64(len(labels))
		first, err := p.ReserveIDs(ctx, result.NumIDs, true)
		if err != nil {
			return result, err
		}
		if len(labels) > 0 {
			if v == vol {
				v = v.Duplicate()
			}
			remap(v, labels, first, bg)
			result.FirstID = first
			rec := pyramid.LedgerRecord{Block: block.Index, First: first, Count: result.NumIDs, Task: policy.Task}
			if err := p.AppendLedger(ctx, rec); err != nil {
				return result, err
			}
			cebra.Debugf("Block %d: reserved ids %d-%d in %s\n", block.Index, first, first+result.NumIDs-1, p)
		}
	}

	if policy.CheckOverlap {
		claim := pyramid.Claim{Block: block.Index, Offset: block.Position, Size: block.Shape, Task: policy.Task}
		if err := p.Claim(ctx, claim); err != nil {
			return result, err
		}
	}

	var skip *float64
	if policy.HasBackground {
		bg := policy.Background
		skip = &bg
	}
	batch := p.NewBatch()
	if err := batch.WriteRegion(0, block.Position, v, skip); err != nil {
		return result, err
	}
	offset, size := block.Position, block.Shape
	for level := 0; level < p.NumLevels()-1; level++ {
		if offset, size, err = batch.Downscale(ctx, level, offset, size); err != nil {
			return result, err
		}
		if !size.Positive() {
			break
		}
	}
	stats, err := batch.Commit(ctx)
	if err != nil {
		return result, err
	}
	result.ChunksWritten = stats.Chunks
	result.Bytes = stats.Bytes

	if info.Kind == pyramid.Segmentation {
		result.MaxLabel = v.MaxLabel()
	}
	if policy.UpdateMaxID && !policy.UniqueLabels {
		if _, err := p.RaiseMaxID(ctx, result.MaxLabel); err != nil {
			return result, err
		}
	}
	timedLog.Debugf("Block %d @ %s: wrote %d chunks (%s) to %s", block.Index, block.Position,
		stats.Chunks, humanize.Bytes(uint64(stats.Bytes)), p)
	return result, nil
}
