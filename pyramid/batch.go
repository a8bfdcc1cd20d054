package pyramid

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/dokempf/CebraEM/cebra"
	"github.com/dokempf/CebraEM/storage"
	"github.com/dokempf/CebraEM/volume"
)

type stagedChunk struct {
	vol     *volume.Volume
	written []bool
	count   int
}

func (sc *stagedChunk) full() bool {
	return sc.count == len(sc.written)
}

// Batch stages writes to several levels so they can be committed together.  Nothing is
// visible in the store until Commit.  A Batch is not safe for concurrent use.
type Batch struct {
	p      *Pyramid
	levels []map[cebra.Point3d]*stagedChunk
}

// CommitStats summarizes a committed batch.
type CommitStats struct {
	Chunks int
	Bytes  int
}

// NewBatch returns an empty batch.
func (p *Pyramid) NewBatch() *Batch {
	levels := make([]map[cebra.Point3d]*stagedChunk, len(p.info.Levels))
	for i := range levels {
		levels[i] = make(map[cebra.Point3d]*stagedChunk)
	}
	return &Batch{p: p, levels: levels}
}

func (b *Batch) chunk(level int, idx cebra.Point3d) *stagedChunk {
	sc, found := b.levels[level][idx]
	if !found {
		vol := b.p.newChunk(level)
		sc = &stagedChunk{vol: vol, written: make([]bool, vol.NumVoxels())}
		b.levels[level][idx] = sc
	}
	return sc
}

// WriteRegion stages vol at offset on a level.  Parts outside the level extent are
// dropped.  If skip is non-nil, voxels equal to *skip are not written and keep whatever
// the store holds.
func (b *Batch) WriteRegion(level int, offset cebra.Point3d, vol *volume.Volume, skip *float64) error {
	l, err := b.p.Level(level)
	if err != nil {
		return err
	}
	if vol.Type != b.p.info.DataType {
		return fmt.Errorf("%w: writing %s into %s store", cebra.ErrTypeMismatch, vol.Type, b.p.info.DataType)
	}
	if vol.Channels != 1 {
		return fmt.Errorf("%w: cannot store %d channels", cebra.ErrShapeMismatch, vol.Channels)
	}
	region := cebra.NewExtents(offset, vol.Size).Intersect(cebra.NewExtents(cebra.Point3d{}, l.Size))
	nb := vol.Type.Bytes()
	lo, hi := chunkRange(l, region)
	return forEachChunk(lo, hi, func(idx cebra.Point3d) error {
		sc := b.chunk(level, idx)
		origin := idx.Mult(l.ChunkSize)
		part := region.Intersect(cebra.NewExtents(origin, l.ChunkSize))
		for z := part.MinPoint[2]; z < part.MaxPoint[2]; z++ {
			for y := part.MinPoint[1]; y < part.MaxPoint[1]; y++ {
				for x := part.MinPoint[0]; x < part.MaxPoint[0]; x++ {
					si := vol.Index(x-offset[0], y-offset[1], z-offset[2])
					if skip != nil && vol.Value(si) == *skip {
						continue
					}
					di := sc.vol.Index(x-origin[0], y-origin[1], z-origin[2])
					copy(sc.vol.Data[di*nb:(di+1)*nb], vol.Data[si*nb:(si+1)*nb])
					if !sc.written[di] {
						sc.written[di] = true
						sc.count++
					}
				}
			}
		}
		return nil
	})
}

// ReadRegion returns a region of a level as it will look after Commit: staged voxels over
// the current store content.
func (b *Batch) ReadRegion(ctx context.Context, level int, offset, size cebra.Point3d) (*volume.Volume, error) {
	out, err := b.p.readRegion(ctx, b.p.direct, level, offset, size)
	if err != nil {
		return nil, err
	}
	l := b.p.info.Levels[level]
	nb := out.Type.Bytes()
	want := cebra.NewExtents(offset, size)
	for idx, sc := range b.levels[level] {
		origin := idx.Mult(l.ChunkSize)
		part := want.Intersect(cebra.NewExtents(origin, l.ChunkSize))
		if part.Empty() {
			continue
		}
		for z := part.MinPoint[2]; z < part.MaxPoint[2]; z++ {
			for y := part.MinPoint[1]; y < part.MaxPoint[1]; y++ {
				for x := part.MinPoint[0]; x < part.MaxPoint[0]; x++ {
					si := sc.vol.Index(x-origin[0], y-origin[1], z-origin[2])
					if !sc.written[si] {
						continue
					}
					di := out.Index(x-offset[0], y-offset[1], z-offset[2])
					copy(out.Data[di*nb:(di+1)*nb], sc.vol.Data[si*nb:(si+1)*nb])
				}
			}
		}
	}
	return out, nil
}

// Downscale re-derives the footprint of a finer-level region on the next coarser level
// from the staged view of the finer level.  It returns the affected coarse region so the
// caller can cascade to further levels.
func (b *Batch) Downscale(ctx context.Context, level int, offset, size cebra.Point3d) (cebra.Point3d, cebra.Point3d, error) {
	if level+1 >= len(b.p.info.Levels) {
		return cebra.Point3d{}, cebra.Point3d{}, fmt.Errorf("no level below %d in %s", level, b.p)
	}
	fineLevel := b.p.info.Levels[level]
	coarse := b.p.info.Levels[level+1]
	f := coarse.Factor
	cmin := offset.Div(f).Max(cebra.Point3d{})
	cmax := offset.Add(size).CeilDiv(f).Min(coarse.Size)
	csize := cmax.Sub(cmin)
	if !csize.Positive() {
		return cmin, cebra.Point3d{}, nil
	}
	fineOff := cmin.Mult(f)
	fine, err := b.ReadRegion(ctx, level, fineOff, csize.Mult(f))
	if err != nil {
		return cebra.Point3d{}, cebra.Point3d{}, err
	}
	valid := fineLevel.Size.Sub(fineOff)
	down := Downsample(fine, f, valid, b.p.info.Downscale, b.p.info.Background)
	if err := b.WriteRegion(level+1, cmin, down, nil); err != nil {
		return cebra.Point3d{}, cebra.Point3d{}, err
	}
	return cmin, csize, nil
}

func sortedIndices(chunks map[cebra.Point3d]*stagedChunk) []cebra.Point3d {
	indices := make([]cebra.Point3d, 0, len(chunks))
	for idx := range chunks {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool {
		a, b := indices[i], indices[j]
		if a[2] != b[2] {
			return a[2] < b[2]
		}
		if a[1] != b[1] {
			return a[1] < b[1]
		}
		return a[0] < b[0]
	})
	return indices
}

// Commit writes all staged chunks, coarsest level first and level 0 last, so a failure part
// way leaves the base level untouched.  Chunks fully covered by staged voxels are written
// without reading; partially covered chunks are read, merged and written back while holding
// that chunk's lock.  Only one chunk lock is held at a time.
func (b *Batch) Commit(ctx context.Context) (CommitStats, error) {
	var stats CommitStats
	for level := len(b.levels) - 1; level >= 0; level-- {
		for _, idx := range sortedIndices(b.levels[level]) {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			sc := b.levels[level][idx]
			var n int
			var err error
			if sc.full() {
				n, err = b.p.writeChunk(ctx, level, idx, sc.vol)
			} else {
				n, err = b.mergeChunk(ctx, level, idx, sc)
			}
			if err != nil {
				return stats, fmt.Errorf("commit of chunk %s in %s: %w", ChunkKey(level, idx), b.p.direct, err)
			}
			stats.Chunks++
			stats.Bytes += n
		}
	}
	return stats, nil
}

func (b *Batch) mergeChunk(ctx context.Context, level int, idx cebra.Point3d, sc *stagedChunk) (int, error) {
	var n int
	merge := func() error {
		chunk, err := b.p.readChunk(ctx, b.p.direct, level, idx)
		if err != nil {
			return err
		}
		if chunk == nil {
			chunk = b.p.newChunk(level)
		}
		nb := chunk.Type.Bytes()
		for i, written := range sc.written {
			if written {
				copy(chunk.Data[i*nb:(i+1)*nb], sc.vol.Data[i*nb:(i+1)*nb])
			}
		}
		n, err = b.p.writeChunk(ctx, level, idx, chunk)
		return err
	}
	err := storage.WithLock(ctx, b.p.direct, "chunk/"+ChunkKey(level, idx), merge)
	if errors.Is(err, cebra.ErrLockUnsupported) {
		cebra.Debugf("No chunk locks in %s, merging %s unlocked\n", b.p.direct, ChunkKey(level, idx))
		err = merge()
	}
	return n, err
}

// NumStaged returns the number of staged chunks on a level.
func (b *Batch) NumStaged(level int) int {
	return len(b.levels[level])
}
