package compute

import (
	"context"

	"github.com/dokempf/CebraEM/cebra"
	"github.com/dokempf/CebraEM/volume"
)

// DefaultThreshold separates foreground from boundary in an 8-bit probability map.
const DefaultThreshold = 128

// Threshold segments a boundary probability map into the 6-connected components of voxels
// below the threshold.  Components smaller than MinSize are dropped to background 0 and the
// remaining ones are labeled 1..n in order of their first voxel.
type Threshold struct{}

func (Threshold) Segment(ctx context.Context, v *volume.Volume, p Params) (*volume.Volume, error) {
	threshold := p.Threshold
	if threshold == 0 {
		threshold = DefaultThreshold
	}
	nx, ny, nz := int(v.Size[0]), int(v.Size[1]), int(v.Size[2])
	n := nx * ny * nz
	comp := make([]int32, n)
	for i := range comp {
		comp[i] = -1
	}
	var sizes []int
	queue := make([]int, 0, 1024)
	for start := 0; start < n; start++ {
		if comp[start] >= 0 || v.Value(start) >= threshold {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id := int32(len(sizes))
		comp[start] = id
		count := 0
		queue = append(queue[:0], start)
		for len(queue) > 0 {
			i := queue[len(queue)-1]
			queue = queue[:len(queue)-1]
			count++
			x, y, z := i%nx, (i/nx)%ny, i/(nx*ny)
			for _, nb := range [6][4]int{
				{-1, 0, 0, -1}, {1, 0, 0, 1},
				{0, -1, 0, -nx}, {0, 1, 0, nx},
				{0, 0, -1, -nx * ny}, {0, 0, 1, nx * ny},
			} {
				xx, yy, zz := x+nb[0], y+nb[1], z+nb[2]
				if xx < 0 || xx >= nx || yy < 0 || yy >= ny || zz < 0 || zz >= nz {
					continue
				}
				j := i + nb[3]
				if comp[j] < 0 && v.Value(j) < threshold {
					comp[j] = id
					queue = append(queue, j)
				}
			}
		}
		sizes = append(sizes, count)
	}

	labels := make([]uint64, len(sizes))
	var next uint64
	for id, size := range sizes {
		if size >= p.MinSize {
			next++
			labels[id] = next
		}
	}
	out := volume.New(cebra.T_uint64, v.Size)
	for i, id := range comp {
		if id >= 0 {
			out.SetLabel(i, labels[id])
		}
	}
	cebra.Debugf("Threshold %g found %d components, kept %d\n", threshold, len(sizes), next)
	return out, nil
}
