package volume

import (
	"fmt"
	"math"
	"sort"

	"github.com/dokempf/CebraEM/cebra"
)

// LabelSet is a set of label values.
type LabelSet map[uint64]struct{}

// NewLabelSet returns a set holding the given labels.
func NewLabelSet(labels ...uint64) LabelSet {
	s := make(LabelSet, len(labels))
	for _, lbl := range labels {
		s[lbl] = struct{}{}
	}
	return s
}

// Contains returns true if lbl is in the set.
func (s LabelSet) Contains(lbl uint64) bool {
	_, found := s[lbl]
	return found
}

// Sorted returns the labels in ascending order.
func (s LabelSet) Sorted() []uint64 {
	out := make([]uint64, 0, len(s))
	for lbl := range s {
		out = append(out, lbl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// copyRows copies the box of the given size at srcOff in src to dstOff in dst.  Both boxes
// must lie within their volumes and the volumes must share type and channel count.
func copyRows(dst *Volume, dstOff cebra.Point3d, src *Volume, srcOff cebra.Point3d, size cebra.Point3d) {
	nb := src.Type.Bytes()
	rowBytes := int(size[0]) * nb
	for c := int32(0); c < src.Channels; c++ {
		for z := int32(0); z < size[2]; z++ {
			for y := int32(0); y < size[1]; y++ {
				si := src.IndexC(c, srcOff[0], srcOff[1]+y, srcOff[2]+z) * nb
				di := dst.IndexC(c, dstOff[0], dstOff[1]+y, dstOff[2]+z) * nb
				copy(dst.Data[di:di+rowBytes], src.Data[si:si+rowBytes])
			}
		}
	}
}

// Crop returns the sub-volume with the given offset and size.  Voxels outside the source
// volume are set to fill.
func (v *Volume) Crop(offset, size cebra.Point3d, fill float64) *Volume {
	out := NewChannels(v.Type, size, v.Channels)
	if fill != 0 {
		out.Fill(fill)
	}
	want := cebra.NewExtents(offset, size)
	have := want.Intersect(cebra.NewExtents(cebra.Point3d{}, v.Size))
	if have.Empty() {
		return out
	}
	copyRows(out, have.MinPoint.Sub(offset), v, have.MinPoint, have.Size())
	return out
}

// Paste writes src into v at the given offset, modifying v in place.  Parts of src that
// fall outside v are dropped.  If skip is non-nil, source voxels equal to *skip leave the
// destination unchanged.
func (v *Volume) Paste(src *Volume, offset cebra.Point3d, skip *float64) error {
	if src.Type != v.Type {
		return fmt.Errorf("%w: cannot paste %s into %s", cebra.ErrTypeMismatch, src.Type, v.Type)
	}
	if src.Channels != v.Channels {
		return fmt.Errorf("%w: %d channels pasted into %d", cebra.ErrShapeMismatch, src.Channels, v.Channels)
	}
	region := cebra.NewExtents(offset, src.Size).Intersect(cebra.NewExtents(cebra.Point3d{}, v.Size))
	if region.Empty() {
		return nil
	}
	if skip == nil {
		copyRows(v, region.MinPoint, src, region.MinPoint.Sub(offset), region.Size())
		return nil
	}
	size := region.Size()
	srcOff := region.MinPoint.Sub(offset)
	for c := int32(0); c < src.Channels; c++ {
		for z := int32(0); z < size[2]; z++ {
			for y := int32(0); y < size[1]; y++ {
				for x := int32(0); x < size[0]; x++ {
					si := src.IndexC(c, srcOff[0]+x, srcOff[1]+y, srcOff[2]+z)
					val := src.Value(si)
					if val == *skip {
						continue
					}
					di := v.IndexC(c, region.MinPoint[0]+x, region.MinPoint[1]+y, region.MinPoint[2]+z)
					if v.Type.IsFloat() {
						v.SetValue(di, val)
					} else {
						v.SetLabel(di, src.Label(si))
					}
				}
			}
		}
	}
	return nil
}

// TrimHalo removes halo voxels from every side.
func (v *Volume) TrimHalo(halo cebra.Point3d) (*Volume, error) {
	if halo.IsZero() {
		return v, nil
	}
	size := v.Size.Sub(halo.MulScalar(2))
	if !size.Positive() {
		return nil, fmt.Errorf("%w: halo %s too large for %s", cebra.ErrShapeMismatch, halo, v.Size)
	}
	return v.Crop(halo, size, 0), nil
}

// Squeeze drops a singleton channel axis.  Volumes with more than one channel cannot be
// squeezed.
func (v *Volume) Squeeze() (*Volume, error) {
	if v.Channels <= 1 {
		return v, nil
	}
	return nil, fmt.Errorf("%w: cannot squeeze %d channels", cebra.ErrShapeMismatch, v.Channels)
}

// Channel returns a single channel as its own volume sharing no memory with v.
func (v *Volume) Channel(c int32) (*Volume, error) {
	if c < 0 || c >= v.Channels {
		return nil, fmt.Errorf("%w: channel %d of %d", cebra.ErrShapeMismatch, c, v.Channels)
	}
	n := int(v.NumVoxels()) * v.Type.Bytes()
	out := New(v.Type, v.Size)
	copy(out.Data, v.Data[int(c)*n:int(c+1)*n])
	return out, nil
}

func signedBounds(t cebra.DataType) (int64, int64) {
	switch t {
	case cebra.T_int8:
		return math.MinInt8, math.MaxInt8
	case cebra.T_int16:
		return math.MinInt16, math.MaxInt16
	case cebra.T_int32:
		return math.MinInt32, math.MaxInt32
	}
	return math.MinInt64, math.MaxInt64
}

// Cast converts the volume to type t.  Every value must be representable in t, otherwise
// ErrTypeMismatch is returned.  Float values cast to integers must be integral.
func (v *Volume) Cast(t cebra.DataType) (*Volume, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %s", cebra.ErrUnsupportedType, t)
	}
	if t == v.Type {
		return v, nil
	}
	out := NewChannels(t, v.Size, v.Channels)
	checked := !v.Type.LosslessTo(t)
	lo, hi := t.Range()
	mismatch := func(i int) error {
		return fmt.Errorf("%w: value %g of %s not representable as %s", cebra.ErrTypeMismatch, v.Value(i), v.Type, t)
	}
	n := v.NumValues()
	for i := 0; i < n; i++ {
		switch {
		case v.Type.IsFloat() || t.IsFloat():
			f := v.Value(i)
			if checked {
				if math.IsNaN(f) || math.IsInf(f, 0) {
					return nil, mismatch(i)
				}
				if !t.IsFloat() && (f != math.Trunc(f) || f < lo || f > hi) {
					return nil, mismatch(i)
				}
				if t == cebra.T_float32 && math.Abs(f) > math.MaxFloat32 {
					return nil, mismatch(i)
				}
			}
			out.SetValue(i, f)
		case !v.Type.IsSigned() && !t.IsSigned():
			u := v.Label(i)
			if u > t.MaxLabel() {
				return nil, mismatch(i)
			}
			out.SetLabel(i, u)
		case !v.Type.IsSigned():
			u := v.Label(i)
			_, maxS := signedBounds(t)
			if u > uint64(maxS) {
				return nil, mismatch(i)
			}
			out.SetLabel(i, u)
		default:
			s := v.int64Value(i)
			if !t.IsSigned() {
				if s < 0 || uint64(s) > t.MaxLabel() {
					return nil, mismatch(i)
				}
				out.SetLabel(i, uint64(s))
				continue
			}
			minS, maxS := signedBounds(t)
			if s < minS || s > maxS {
				return nil, mismatch(i)
			}
			out.SetLabel(i, uint64(s))
		}
	}
	return out, nil
}

// ActiveExtents returns the bounding box, within region, of voxels whose label is in ids.
// The boolean is false if no such voxel exists.
func (v *Volume) ActiveExtents(ids LabelSet, region cebra.Extents3d) (cebra.Extents3d, bool) {
	region = region.Intersect(cebra.NewExtents(cebra.Point3d{}, v.Size))
	if region.Empty() {
		return cebra.Extents3d{}, false
	}
	minPt := region.MaxPoint
	maxPt := region.MinPoint
	found := false
	for z := region.MinPoint[2]; z < region.MaxPoint[2]; z++ {
		for y := region.MinPoint[1]; y < region.MaxPoint[1]; y++ {
			for x := region.MinPoint[0]; x < region.MaxPoint[0]; x++ {
				if !ids.Contains(v.Label(v.Index(x, y, z))) {
					continue
				}
				found = true
				p := cebra.Point3d{x, y, z}
				minPt = minPt.Min(p)
				maxPt = maxPt.Max(p.AddScalar(1))
			}
		}
	}
	if !found {
		return cebra.Extents3d{}, false
	}
	return cebra.Extents3d{MinPoint: minPt, MaxPoint: maxPt}, true
}

// Labels returns the distinct labels in ascending order, excluding the background label if
// hasBackground is set.
func (v *Volume) Labels(background uint64, hasBackground bool) []uint64 {
	set := make(LabelSet)
	var last uint64
	n := v.NumValues()
	for i := 0; i < n; i++ {
		lbl := v.Label(i)
		if i > 0 && lbl == last {
			continue
		}
		last = lbl
		if hasBackground && lbl == background {
			continue
		}
		set[lbl] = struct{}{}
	}
	return set.Sorted()
}

// MaxLabel returns the largest label in the volume.
func (v *Volume) MaxLabel() uint64 {
	var top uint64
	n := v.NumValues()
	for i := 0; i < n; i++ {
		if lbl := v.Label(i); lbl > top {
			top = lbl
		}
	}
	return top
}

// MinMax returns the smallest and largest values.
func (v *Volume) MinMax() (float64, float64) {
	n := v.NumValues()
	if n == 0 {
		return 0, 0
	}
	lo, hi := v.Value(0), v.Value(0)
	for i := 1; i < n; i++ {
		f := v.Value(i)
		if f < lo {
			lo = f
		}
		if f > hi {
			hi = f
		}
	}
	return lo, hi
}
