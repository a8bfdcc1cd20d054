package pyramid

import (
	"bytes"
	"context"
	"fmt"

	"github.com/dokempf/CebraEM/cebra"
	"github.com/dokempf/CebraEM/storage"
	"github.com/dokempf/CebraEM/volume"
)

// Pyramid is an open multi-resolution store.  It is safe for concurrent use.
type Pyramid struct {
	store  storage.Store // chunk reads, possibly cached
	direct storage.Store // writes, counters and locks
	info   Info
}

// Create writes the info of a new pyramid and, for segmentation stores, a zero max-ID
// counter.  Creating over an existing pyramid with identical info opens it; a different
// info is an error.
func Create(ctx context.Context, s storage.Store, info Info) (*Pyramid, error) {
	if err := info.validate(); err != nil {
		return nil, err
	}
	data, err := info.marshal()
	if err != nil {
		return nil, err
	}
	existing, err := s.Get(ctx, InfoKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		prev, err := unmarshalInfo(existing)
		if err != nil {
			return nil, fmt.Errorf("existing pyramid in %s has bad info: %v", s, err)
		}
		prevData, _ := prev.marshal()
		if !bytes.Equal(prevData, data) {
			return nil, fmt.Errorf("pyramid with different layout already exists in %s", s)
		}
		cebra.Infof("Pyramid already exists in %s, reusing it\n", s)
	} else if err := s.Put(ctx, InfoKey, data); err != nil {
		return nil, err
	}
	p := &Pyramid{store: s, direct: s, info: info}
	if info.Kind == Segmentation {
		if _, found, err := p.MaxID(ctx); err != nil {
			return nil, err
		} else if !found {
			if err := p.putMaxID(ctx, 0); err != nil {
				return nil, err
			}
		}
	}
	return p, nil
}

// Open returns the pyramid in the store.  ErrDatasetUnavailable is returned if the store
// holds no readable pyramid.
func Open(ctx context.Context, s storage.Store) (*Pyramid, error) {
	data, err := s.Get(ctx, InfoKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", cebra.ErrDatasetUnavailable, s, err)
	}
	if data == nil {
		return nil, fmt.Errorf("%w: no pyramid info in %s", cebra.ErrDatasetUnavailable, s)
	}
	info, err := unmarshalInfo(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", cebra.ErrDatasetUnavailable, s, err)
	}
	return &Pyramid{store: s, direct: s, info: info}, nil
}

// OpenRef opens the store at ref without creating it and returns its pyramid.
func OpenRef(ctx context.Context, ref string) (*Pyramid, error) {
	s, err := storage.Open(ctx, ref, false)
	if err != nil {
		return nil, err
	}
	p, err := Open(ctx, s)
	if err != nil {
		s.Close()
		return nil, err
	}
	return p, nil
}

// WithCache returns a view of the pyramid whose chunk reads go through a cache of about
// sizeBytes.  The view must only be used for data not modified while it is in use.
func (p *Pyramid) WithCache(sizeBytes int) *Pyramid {
	return &Pyramid{
		store:  storage.NewCachedStore(p.direct, sizeBytes, "s"),
		direct: p.direct,
		info:   p.info,
	}
}

func (p *Pyramid) String() string {
	return fmt.Sprintf("%s pyramid (%s, %d levels) in %s", p.info.Kind, p.info.DataType, len(p.info.Levels), p.direct)
}

// Info returns the pyramid metadata.
func (p *Pyramid) Info() Info {
	return p.info
}

// Store returns the underlying store.
func (p *Pyramid) Store() storage.Store {
	return p.direct
}

// Close closes the underlying store.
func (p *Pyramid) Close() error {
	return p.direct.Close()
}

// NumLevels returns the number of resolution levels.
func (p *Pyramid) NumLevels() int {
	return len(p.info.Levels)
}

// Level returns the description of a level.
func (p *Pyramid) Level(level int) (Level, error) {
	if level < 0 || level >= len(p.info.Levels) {
		return Level{}, fmt.Errorf("%w: level %d of %d", cebra.ErrDatasetUnavailable, level, len(p.info.Levels))
	}
	return p.info.Levels[level], nil
}

// ChunkKey returns the store key of a chunk.
func ChunkKey(level int, idx cebra.Point3d) string {
	return fmt.Sprintf("s%d/%d_%d_%d", level, idx[0], idx[1], idx[2])
}

func (p *Pyramid) newChunk(level int) *volume.Volume {
	return volume.NewFilled(p.info.DataType, p.info.Levels[level].ChunkSize, p.info.Background)
}

// readChunk returns a stored chunk or nil if it was never written.
func (p *Pyramid) readChunk(ctx context.Context, s storage.Store, level int, idx cebra.Point3d) (*volume.Volume, error) {
	key := ChunkKey(level, idx)
	data, err := s.Get(ctx, key)
	if err != nil || data == nil {
		return nil, err
	}
	raw, _, err := cebra.DeserializeData(data)
	if err != nil {
		return nil, fmt.Errorf("chunk %s in %s: %v", key, s, err)
	}
	size := p.info.Levels[level].ChunkSize
	if want := int(size.Prod()) * p.info.DataType.Bytes(); len(raw) != want {
		return nil, fmt.Errorf("chunk %s in %s has %d bytes, expected %d", key, s, len(raw), want)
	}
	return &volume.Volume{Type: p.info.DataType, Size: size, Channels: 1, Data: raw}, nil
}

func (p *Pyramid) writeChunk(ctx context.Context, level int, idx cebra.Point3d, chunk *volume.Volume) (int, error) {
	data, err := cebra.SerializeData(chunk.Data, p.info.Compression, cebra.CRC32)
	if err != nil {
		return 0, err
	}
	return len(data), p.direct.Put(ctx, ChunkKey(level, idx), data)
}

// chunkRange returns the inclusive-exclusive range of chunk indices touching a region,
// restricted to the level extent.
func chunkRange(l Level, e cebra.Extents3d) (cebra.Point3d, cebra.Point3d) {
	e = e.Intersect(cebra.NewExtents(cebra.Point3d{}, l.Size))
	if e.Empty() {
		return cebra.Point3d{}, cebra.Point3d{}
	}
	return e.MinPoint.Div(l.ChunkSize), e.MaxPoint.CeilDiv(l.ChunkSize)
}

func forEachChunk(lo, hi cebra.Point3d, fn func(idx cebra.Point3d) error) error {
	for z := lo[2]; z < hi[2]; z++ {
		for y := lo[1]; y < hi[1]; y++ {
			for x := lo[0]; x < hi[0]; x++ {
				if err := fn(cebra.Point3d{x, y, z}); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// ReadRegion returns the region of a level as a volume.  Voxels outside the level extent
// or in chunks never written hold the background value.
func (p *Pyramid) ReadRegion(ctx context.Context, level int, offset, size cebra.Point3d) (*volume.Volume, error) {
	return p.readRegion(ctx, p.store, level, offset, size)
}

func (p *Pyramid) readRegion(ctx context.Context, s storage.Store, level int, offset, size cebra.Point3d) (*volume.Volume, error) {
	l, err := p.Level(level)
	if err != nil {
		return nil, err
	}
	out := volume.NewFilled(p.info.DataType, size, p.info.Background)
	lo, hi := chunkRange(l, cebra.NewExtents(offset, size))
	err = forEachChunk(lo, hi, func(idx cebra.Point3d) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk, err := p.readChunk(ctx, s, level, idx)
		if err != nil || chunk == nil {
			return err
		}
		return out.Paste(chunk, idx.Mult(l.ChunkSize).Sub(offset), nil)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
