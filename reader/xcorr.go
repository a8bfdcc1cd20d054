package reader

import (
	"math"

	"github.com/dokempf/CebraEM/volume"
)

// EstimateDrift estimates the in-plane displacement of every z slice relative to its
// predecessor by normalized cross-correlation over integer shifts within ±maxShift,
// refined by a parabolic fit around the peak.  The returned per-slice shifts undo the
// accumulated displacement and have zero mean, so the block as a whole does not move.
func EstimateDrift(vol *volume.Volume, maxShift int) [][2]float64 {
	nz := int(vol.Size[2])
	shifts := make([][2]float64, nz)
	if nz < 2 {
		return shifts
	}
	nx, ny := int(vol.Size[0]), int(vol.Size[1])
	m := maxShift
	for m > 0 && (nx-2*m < 4 || ny-2*m < 4) {
		m--
	}
	slice := func(z int) []float64 {
		s := make([]float64, nx*ny)
		for i := range s {
			s[i] = vol.Value(z*nx*ny + i)
		}
		return s
	}
	var cum [2]float64
	prev := slice(0)
	for z := 1; z < nz; z++ {
		cur := slice(z)
		dx, dy := slicePairShift(prev, cur, nx, ny, m)
		cum[0] += dx
		cum[1] += dy
		shifts[z] = cum
		prev = cur
	}
	var mean [2]float64
	for _, s := range shifts {
		mean[0] += s[0] / float64(nz)
		mean[1] += s[1] / float64(nz)
	}
	for z := range shifts {
		shifts[z] = [2]float64{mean[0] - shifts[z][0], mean[1] - shifts[z][1]}
	}
	return shifts
}

// ncc returns the normalized cross-correlation of a over the central crop with b displaced
// by (dx, dy).
func ncc(a, b []float64, nx, ny, m, dx, dy int) float64 {
	var sa, sb, saa, sbb, sab float64
	var n float64
	for y := m; y < ny-m; y++ {
		for x := m; x < nx-m; x++ {
			va := a[y*nx+x]
			vb := b[(y+dy)*nx+x+dx]
			sa += va
			sb += vb
			saa += va * va
			sbb += vb * vb
			sab += va * vb
			n++
		}
	}
	if n == 0 {
		return 0
	}
	cov := sab - sa*sb/n
	den := math.Sqrt((saa - sa*sa/n) * (sbb - sb*sb/n))
	if den == 0 {
		return 0
	}
	return cov / den
}

// slicePairShift returns the displacement of b relative to a.
func slicePairShift(a, b []float64, nx, ny, m int) (float64, float64) {
	if m == 0 {
		return 0, 0
	}
	size := 2*m + 1
	scores := make([]float64, size*size)
	for dy := -m; dy <= m; dy++ {
		for dx := -m; dx <= m; dx++ {
			scores[(dy+m)*size+dx+m] = ncc(a, b, nx, ny, m, dx, dy)
		}
	}
	// Ties, including featureless slices, keep the zero shift.
	best := m*size + m
	for i, score := range scores {
		if score > scores[best] {
			best = i
		}
	}
	bx, by := best%size, best/size
	fx := float64(bx - m)
	fy := float64(by - m)
	if bx > 0 && bx < size-1 {
		fx += parabolicPeak(scores[best-1], scores[best], scores[best+1])
	}
	if by > 0 && by < size-1 {
		fy += parabolicPeak(scores[best-size], scores[best], scores[best+size])
	}
	return fx, fy
}

// parabolicPeak returns the sub-sample offset of the vertex of the parabola through three
// equally spaced samples, limited to half a sample.
func parabolicPeak(l, c, r float64) float64 {
	den := l - 2*c + r
	if den >= 0 {
		return 0
	}
	off := 0.5 * (l - r) / den
	return math.Max(-0.5, math.Min(0.5, off))
}
