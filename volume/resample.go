package volume

import (
	"math"

	"github.com/dokempf/CebraEM/cebra"
)

// Order is the interpolation order used when resampling.
type Order uint8

const (
	Nearest Order = iota
	Linear
)

type axisSample struct {
	lo, hi int32
	w      float64
	valid  bool
}

// axisTable maps each output index along one axis to its source neighbors.
func axisTable(n int32, srcSize int32, origin, step float64, order Order) []axisSample {
	table := make([]axisSample, n)
	for o := int32(0); o < n; o++ {
		c := origin + float64(o)*step
		if order == Nearest {
			idx := int32(math.Floor(c + 0.5))
			if idx >= 0 && idx < srcSize {
				table[o] = axisSample{lo: idx, hi: idx, valid: true}
			}
			continue
		}
		if c < -0.5 || c > float64(srcSize)-0.5 {
			continue
		}
		c = math.Max(0, math.Min(c, float64(srcSize-1)))
		lo := int32(math.Floor(c))
		hi := lo + 1
		if hi >= srcSize {
			hi = srcSize - 1
		}
		table[o] = axisSample{lo: lo, hi: hi, w: c - float64(lo), valid: true}
	}
	return table
}

// Resample returns a volume of the given size whose voxel o samples the source at
// origin + o*step, component-wise in voxel coordinates of v.  Samples outside the source
// are set to fill.  Integer outputs of linear interpolation are rounded.
func (v *Volume) Resample(size cebra.Point3d, origin, step cebra.Vector3d, order Order, fill float64) *Volume {
	out := NewChannels(v.Type, size, v.Channels)
	var tables [3][]axisSample
	for i := 0; i < 3; i++ {
		tables[i] = axisTable(size[i], v.Size[i], origin[i], step[i], order)
	}
	tx, ty, tz := tables[0], tables[1], tables[2]
	for c := int32(0); c < v.Channels; c++ {
		for z := int32(0); z < size[2]; z++ {
			for y := int32(0); y < size[1]; y++ {
				for x := int32(0); x < size[0]; x++ {
					di := out.IndexC(c, x, y, z)
					sx, sy, sz := tx[x], ty[y], tz[z]
					if !sx.valid || !sy.valid || !sz.valid {
						out.SetValue(di, fill)
						continue
					}
					if order == Nearest {
						si := v.IndexC(c, sx.lo, sy.lo, sz.lo)
						if v.Type.IsFloat() {
							out.SetValue(di, v.Value(si))
						} else {
							out.SetLabel(di, v.Label(si))
						}
						continue
					}
					out.SetValue(di, v.trilinear(c, sx, sy, sz))
				}
			}
		}
	}
	return out
}

func (v *Volume) trilinear(c int32, sx, sy, sz axisSample) float64 {
	at := func(x, y, z int32) float64 {
		return v.Value(v.IndexC(c, x, y, z))
	}
	lerp := func(a, b, w float64) float64 {
		if w == 0 {
			return a
		}
		return a + (b-a)*w
	}
	c00 := lerp(at(sx.lo, sy.lo, sz.lo), at(sx.hi, sy.lo, sz.lo), sx.w)
	c10 := lerp(at(sx.lo, sy.hi, sz.lo), at(sx.hi, sy.hi, sz.lo), sx.w)
	c01 := lerp(at(sx.lo, sy.lo, sz.hi), at(sx.hi, sy.lo, sz.hi), sx.w)
	c11 := lerp(at(sx.lo, sy.hi, sz.hi), at(sx.hi, sy.hi, sz.hi), sx.w)
	return lerp(lerp(c00, c10, sy.w), lerp(c01, c11, sy.w), sz.w)
}

// ShiftSlices translates each z-slice by (dx, dy) using bilinear interpolation.  Samples
// that fall outside the slice take the nearest edge value.
func (v *Volume) ShiftSlices(shifts [][2]float64) *Volume {
	out := NewChannels(v.Type, v.Size, v.Channels)
	for z := int32(0); z < v.Size[2] && int(z) < len(shifts); z++ {
		dx, dy := shifts[z][0], shifts[z][1]
		tx := axisTable(v.Size[0], v.Size[0], -dx, 1, Linear)
		ty := axisTable(v.Size[1], v.Size[1], -dy, 1, Linear)
		clampTable(tx, v.Size[0], -dx)
		clampTable(ty, v.Size[1], -dy)
		sz := axisSample{lo: z, hi: z, valid: true}
		for c := int32(0); c < v.Channels; c++ {
			for y := int32(0); y < v.Size[1]; y++ {
				for x := int32(0); x < v.Size[0]; x++ {
					out.SetValue(out.IndexC(c, x, y, z), v.trilinear(c, tx[x], ty[y], sz))
				}
			}
		}
	}
	return out
}

// clampTable replaces out-of-range samples with the nearest edge voxel.
func clampTable(table []axisSample, srcSize int32, origin float64) {
	for o := range table {
		if table[o].valid {
			continue
		}
		idx := int32(0)
		if origin+float64(o) > 0 {
			idx = srcSize - 1
		}
		table[o] = axisSample{lo: idx, hi: idx, valid: true}
	}
}
