package pyramid

import (
	"math"

	"github.com/dokempf/CebraEM/cebra"
	"github.com/dokempf/CebraEM/volume"
)

// Downsample reduces each factor-sized block of fine voxels to one coarse voxel.  Only
// fine voxels with coordinates below valid take part; a coarse voxel with no valid fine
// voxels is set to background.  Mode picks the most frequent label with ties going to the
// smallest label.  ModeForeground does the same among non-background labels and yields
// background only when every voxel is background.
func Downsample(fine *volume.Volume, factor, valid cebra.Point3d, mode DownscaleMode, background float64) *volume.Volume {
	valid = valid.Min(fine.Size)
	out := volume.New(fine.Type, fine.Size.CeilDiv(factor))
	bgLabel := uint64(background)
	var labels []uint64
	var counts []int
	for cz := int32(0); cz < out.Size[2]; cz++ {
		for cy := int32(0); cy < out.Size[1]; cy++ {
			for cx := int32(0); cx < out.Size[0]; cx++ {
				di := out.Index(cx, cy, cz)
				lo := cebra.Point3d{cx, cy, cz}.Mult(factor)
				hi := lo.Add(factor).Min(valid)
				if hi[0] <= lo[0] || hi[1] <= lo[1] || hi[2] <= lo[2] {
					out.SetValue(di, background)
					continue
				}
				if mode == Nearest {
					si := fine.Index(lo[0], lo[1], lo[2])
					if fine.Type.IsFloat() {
						out.SetValue(di, fine.Value(si))
					} else {
						out.SetLabel(di, fine.Label(si))
					}
					continue
				}
				labels, counts = labels[:0], counts[:0]
				var sum float64
				var n int
				lowest, highest := math.Inf(1), math.Inf(-1)
				for z := lo[2]; z < hi[2]; z++ {
					for y := lo[1]; y < hi[1]; y++ {
						for x := lo[0]; x < hi[0]; x++ {
							si := fine.Index(x, y, z)
							if mode.labelVote() {
								lbl := fine.Label(si)
								if mode == ModeForeground && lbl == bgLabel {
									continue
								}
								found := false
								for i := range labels {
									if labels[i] == lbl {
										counts[i]++
										found = true
										break
									}
								}
								if !found {
									labels = append(labels, lbl)
									counts = append(counts, 1)
								}
								continue
							}
							f := fine.Value(si)
							sum += f
							n++
							lowest = math.Min(lowest, f)
							highest = math.Max(highest, f)
						}
					}
				}
				switch mode {
				case Mode, ModeForeground:
					if len(labels) == 0 {
						out.SetValue(di, background)
						continue
					}
					best := 0
					for i := 1; i < len(labels); i++ {
						if counts[i] > counts[best] || (counts[i] == counts[best] && labels[i] < labels[best]) {
							best = i
						}
					}
					out.SetLabel(di, labels[best])
				case Mean:
					out.SetValue(di, sum/float64(n))
				case Max:
					out.SetValue(di, highest)
				case Min:
					out.SetValue(di, lowest)
				}
			}
		}
	}
	return out
}
