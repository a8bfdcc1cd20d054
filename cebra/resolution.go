package cebra

import (
	"fmt"
	"math"
)

// Resolution is the physical size of a voxel along (x, y, z), e.g., in nanometers.
type Resolution [3]float64

// Validate returns ErrInvalidResolution unless every component is positive.
func (r Resolution) Validate() error {
	for dim, v := range r {
		if !(v > 0) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: component %d of %v must be positive", ErrInvalidResolution, dim, r)
		}
	}
	return nil
}

// Ratio returns the elementwise ratio r / to, i.e., how many voxels at resolution `to`
// correspond to one voxel at resolution r.
func (r Resolution) Ratio(to Resolution) (Vector3d, error) {
	if err := r.Validate(); err != nil {
		return Vector3d{}, err
	}
	if err := to.Validate(); err != nil {
		return Vector3d{}, err
	}
	return Vector3d{r[0] / to[0], r[1] / to[1], r[2] / to[2]}, nil
}

// Equals returns true if both resolutions are identical.
func (r Resolution) Equals(r2 Resolution) bool {
	return r == r2
}

// Scale returns the resolution multiplied elementwise by an integer factor, as happens
// when descending a pyramid level.
func (r Resolution) Scale(factor Point3d) Resolution {
	return Resolution{r[0] * float64(factor[0]), r[1] * float64(factor[1]), r[2] * float64(factor[2])}
}

func (r Resolution) String() string {
	return fmt.Sprintf("(%g,%g,%g)", r[0], r[1], r[2])
}

// ToResolution converts a voxel coordinate given at resolution `from` into the equivalent
// coordinate at resolution `to`, rounding to the nearest voxel.
func ToResolution(pos Point3d, from, to Resolution) (Point3d, error) {
	ratio, err := from.Ratio(to)
	if err != nil {
		return Point3d{}, err
	}
	var v Vector3d
	for i := 0; i < 3; i++ {
		v[i] = float64(pos[i]) * ratio[i]
	}
	return v.Round(), nil
}

// ExpandByHalo grows a region by halo voxels on every side.  A zero halo is the identity.
func ExpandByHalo(pos, shape, halo Point3d) (Point3d, Point3d) {
	return pos.Sub(halo), shape.Add(halo.MulScalar(2))
}

// ScaleRegion returns the smallest region at resolution `to` that covers the region
// (pos, shape) given at resolution `from`.
func ScaleRegion(pos, shape Point3d, from, to Resolution) (Point3d, Point3d, error) {
	ratio, err := from.Ratio(to)
	if err != nil {
		return Point3d{}, Point3d{}, err
	}
	var minV, maxV Vector3d
	for i := 0; i < 3; i++ {
		minV[i] = float64(pos[i]) * ratio[i]
		maxV[i] = float64(pos[i]+shape[i]) * ratio[i]
	}
	minPt := minV.Floor()
	maxPt := maxV.Ceil()
	return minPt, maxPt.Sub(minPt), nil
}

// ClampToVolume restricts a region to the box [boundMin, boundMax).  The resulting shape has
// non-negative components.  Reads never call this implicitly; regions outside the stored
// extent are filled instead.
func ClampToVolume(pos, shape, boundMin, boundMax Point3d) (Point3d, Point3d) {
	e := NewExtents(pos, shape).Intersect(Extents3d{boundMin, boundMax})
	size := e.Size().Max(Point3d{0, 0, 0})
	return e.MinPoint, size
}
