package cebra

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Point3d is an (x, y, z) voxel coordinate or extent.
type Point3d [3]int32

// NumDims returns the dimensionality of this point.
func (p Point3d) NumDims() uint8 {
	return 3
}

// Value returns the point's value for the specified dimension without checking dim bounds.
func (p Point3d) Value(dim uint8) int32 {
	return p[dim]
}

// Add returns the addition of two points.
func (p Point3d) Add(p2 Point3d) Point3d {
	return Point3d{p[0] + p2[0], p[1] + p2[1], p[2] + p2[2]}
}

// Sub returns the subtraction of the passed point from the receiver.
func (p Point3d) Sub(p2 Point3d) Point3d {
	return Point3d{p[0] - p2[0], p[1] - p2[1], p[2] - p2[2]}
}

// Mult returns the elementwise multiplication of the receiver by the passed point.
func (p Point3d) Mult(p2 Point3d) Point3d {
	return Point3d{p[0] * p2[0], p[1] * p2[1], p[2] * p2[2]}
}

// Div returns the elementwise division of the receiver by the passed point, rounding
// toward negative infinity so negative coordinates land in the right chunk.
func (p Point3d) Div(p2 Point3d) Point3d {
	return Point3d{floorDiv(p[0], p2[0]), floorDiv(p[1], p2[1]), floorDiv(p[2], p2[2])}
}

// CeilDiv returns the elementwise division rounded toward positive infinity.
func (p Point3d) CeilDiv(p2 Point3d) Point3d {
	return Point3d{-floorDiv(-p[0], p2[0]), -floorDiv(-p[1], p2[1]), -floorDiv(-p[2], p2[2])}
}

// AddScalar adds a scalar value to each component.
func (p Point3d) AddScalar(value int32) Point3d {
	return Point3d{p[0] + value, p[1] + value, p[2] + value}
}

// MulScalar multiplies each component by a scalar value.
func (p Point3d) MulScalar(value int32) Point3d {
	return Point3d{p[0] * value, p[1] * value, p[2] * value}
}

// Max returns a point where each element is the maximum of the two points' elements.
func (p Point3d) Max(p2 Point3d) Point3d {
	result := p
	for i := 0; i < 3; i++ {
		if p2[i] > result[i] {
			result[i] = p2[i]
		}
	}
	return result
}

// Min returns a point where each element is the minimum of the two points' elements.
func (p Point3d) Min(p2 Point3d) Point3d {
	result := p
	for i := 0; i < 3; i++ {
		if p2[i] < result[i] {
			result[i] = p2[i]
		}
	}
	return result
}

// Prod returns the product of the point elements.
func (p Point3d) Prod() int64 {
	return int64(p[0]) * int64(p[1]) * int64(p[2])
}

// Equals returns true if the two points are identical.
func (p Point3d) Equals(p2 Point3d) bool {
	return p == p2
}

// IsZero returns true if all components are zero.
func (p Point3d) IsZero() bool {
	return p == Point3d{}
}

// Positive returns true if all components are greater than zero.
func (p Point3d) Positive() bool {
	return p[0] > 0 && p[1] > 0 && p[2] > 0
}

func (p Point3d) String() string {
	return fmt.Sprintf("(%d,%d,%d)", p[0], p[1], p[2])
}

// ParsePoint3d parses a string of the form "x,y,z" or "x_y_z".
func ParsePoint3d(s string, sep string) (Point3d, error) {
	var p Point3d
	parts := strings.Split(s, sep)
	if len(parts) != 3 {
		return p, fmt.Errorf("can't parse %q into 3d point with separator %q", s, sep)
	}
	for i, part := range parts {
		v, err := strconv.ParseInt(strings.TrimSpace(part), 10, 32)
		if err != nil {
			return p, fmt.Errorf("can't parse %q into 3d point: %v", s, err)
		}
		p[i] = int32(v)
	}
	return p, nil
}

func floorDiv(a, b int32) int32 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// Extents3d is an inclusive-exclusive box [MinPoint, MaxPoint) in voxel space.
type Extents3d struct {
	MinPoint Point3d
	MaxPoint Point3d
}

// NewExtents returns the box with the given offset and size.
func NewExtents(offset, size Point3d) Extents3d {
	return Extents3d{offset, offset.Add(size)}
}

// Size returns the extent of the box along each dimension.
func (e Extents3d) Size() Point3d {
	return e.MaxPoint.Sub(e.MinPoint)
}

// Empty returns true if the box contains no voxels.
func (e Extents3d) Empty() bool {
	return e.MaxPoint[0] <= e.MinPoint[0] || e.MaxPoint[1] <= e.MinPoint[1] || e.MaxPoint[2] <= e.MinPoint[2]
}

// Intersect returns the overlap of two boxes, which may be empty.
func (e Extents3d) Intersect(e2 Extents3d) Extents3d {
	return Extents3d{e.MinPoint.Max(e2.MinPoint), e.MaxPoint.Min(e2.MaxPoint)}
}

// Overlaps returns true if the two boxes share at least one voxel.
func (e Extents3d) Overlaps(e2 Extents3d) bool {
	return !e.Intersect(e2).Empty()
}

// Contains returns true if the point lies within the box.
func (e Extents3d) Contains(p Point3d) bool {
	for i := 0; i < 3; i++ {
		if p[i] < e.MinPoint[i] || p[i] >= e.MaxPoint[i] {
			return false
		}
	}
	return true
}

func (e Extents3d) String() string {
	return fmt.Sprintf("%s -> %s", e.MinPoint, e.MaxPoint)
}

// Vector3d is a floating point (x, y, z) triple.
type Vector3d [3]float64

// Floor returns the component-wise floor as an integer point.
func (v Vector3d) Floor() Point3d {
	return Point3d{int32(math.Floor(v[0])), int32(math.Floor(v[1])), int32(math.Floor(v[2]))}
}

// Ceil returns the component-wise ceiling as an integer point.
func (v Vector3d) Ceil() Point3d {
	return Point3d{int32(math.Ceil(v[0])), int32(math.Ceil(v[1])), int32(math.Ceil(v[2]))}
}

// Round returns the component-wise nearest integer point, halves away from zero.
func (v Vector3d) Round() Point3d {
	return Point3d{int32(math.Round(v[0])), int32(math.Round(v[1])), int32(math.Round(v[2]))}
}

// ToVector converts an integer point into a float vector.
func (p Point3d) ToVector() Vector3d {
	return Vector3d{float64(p[0]), float64(p[1]), float64(p[2])}
}
