package cebra

import (
	"errors"
	"math/rand"

	. "github.com/janelia-flyem/go/gocheck"
)

func (s *DataSuite) TestToResolution(c *C) {
	p, err := ToResolution(Point3d{100, 200, 300}, Resolution{5, 5, 10}, Resolution{10, 10, 10})
	c.Assert(err, IsNil)
	c.Assert(p, Equals, Point3d{50, 100, 300})

	p, err = ToResolution(Point3d{3, -3, 1}, Resolution{1, 1, 1}, Resolution{2, 2, 4})
	c.Assert(err, IsNil)
	c.Assert(p, Equals, Point3d{2, -2, 0})

	_, err = ToResolution(Point3d{1, 1, 1}, Resolution{1, 0, 1}, Resolution{1, 1, 1})
	c.Assert(errors.Is(err, ErrInvalidResolution), Equals, true)
	_, err = ToResolution(Point3d{1, 1, 1}, Resolution{1, 1, 1}, Resolution{1, 1, -2})
	c.Assert(errors.Is(err, ErrInvalidResolution), Equals, true)
}

// Going to another resolution and back loses at most one voxel of the coarser grid.
func (s *DataSuite) TestToResolutionRoundTrip(c *C) {
	rng := rand.New(rand.NewSource(17))
	for trial := 0; trial < 2000; trial++ {
		var from, to Resolution
		var pos Point3d
		for i := 0; i < 3; i++ {
			from[i] = 0.1 + rng.Float64()*50
			to[i] = 0.1 + rng.Float64()*50
			pos[i] = int32(rng.Intn(20001) - 10000)
		}
		fwd, err := ToResolution(pos, from, to)
		c.Assert(err, IsNil)
		back, err := ToResolution(fwd, to, from)
		c.Assert(err, IsNil)
		for i := 0; i < 3; i++ {
			tolerance := to[i] / from[i]
			if tolerance < 1 {
				tolerance = 1
			}
			diff := float64(back[i] - pos[i])
			if diff < 0 {
				diff = -diff
			}
			c.Assert(diff <= tolerance, Equals, true, Commentf("pos %s from %s to %s -> %s", pos, from, to, back))
		}
	}
}

func (s *DataSuite) TestExpandByHalo(c *C) {
	pos, shape := ExpandByHalo(Point3d{64, 64, 64}, Point3d{10, 10, 10}, Point3d{2, 2, 2})
	c.Assert(pos, Equals, Point3d{62, 62, 62})
	c.Assert(shape, Equals, Point3d{14, 14, 14})

	pos, shape = ExpandByHalo(Point3d{1, 2, 3}, Point3d{4, 5, 6}, Point3d{})
	c.Assert(pos, Equals, Point3d{1, 2, 3})
	c.Assert(shape, Equals, Point3d{4, 5, 6})
}

func (s *DataSuite) TestScaleRegion(c *C) {
	pos, shape, err := ScaleRegion(Point3d{3, 3, 3}, Point3d{5, 5, 5}, Resolution{1, 1, 1}, Resolution{2, 2, 2})
	c.Assert(err, IsNil)
	c.Assert(pos, Equals, Point3d{1, 1, 1})
	c.Assert(shape, Equals, Point3d{3, 3, 3})

	pos, shape, err = ScaleRegion(Point3d{1, 1, 1}, Point3d{2, 2, 2}, Resolution{4, 4, 4}, Resolution{1, 1, 1})
	c.Assert(err, IsNil)
	c.Assert(pos, Equals, Point3d{4, 4, 4})
	c.Assert(shape, Equals, Point3d{8, 8, 8})
}

func (s *DataSuite) TestClampToVolume(c *C) {
	pos, shape := ClampToVolume(Point3d{-2, 5, 8}, Point3d{10, 10, 10}, Point3d{0, 0, 0}, Point3d{6, 20, 12})
	c.Assert(pos, Equals, Point3d{0, 5, 8})
	c.Assert(shape, Equals, Point3d{6, 10, 4})

	_, shape = ClampToVolume(Point3d{30, 0, 0}, Point3d{5, 5, 5}, Point3d{0, 0, 0}, Point3d{10, 10, 10})
	c.Assert(shape, Equals, Point3d{0, 5, 5})
}
