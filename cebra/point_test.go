package cebra

import (
	. "github.com/janelia-flyem/go/gocheck"
)

func (s *DataSuite) TestPoint3d(c *C) {
	a := Point3d{10, 21, 837821}
	b := Point3d{78312, -200, 40123}
	c.Assert(a.Add(b), Equals, Point3d{78322, -179, 877944})
	c.Assert(a.Sub(b), Equals, Point3d{-78302, 221, 797698})
	c.Assert(a.Max(b), Equals, Point3d{78312, 21, 837821})
	c.Assert(a.Min(b), Equals, Point3d{10, -200, 40123})
	c.Assert(a.String(), Equals, "(10,21,837821)")
	c.Assert(a.AddScalar(10), Equals, Point3d{20, 31, 837831})

	d := Point3d{4, 5, 6}
	c.Assert(d.Prod(), Equals, int64(120))
	c.Assert(d.MulScalar(2), Equals, Point3d{8, 10, 12})
}

func (s *DataSuite) TestPointDivRoundsDown(c *C) {
	p := Point3d{-1, 63, 64}
	size := Point3d{64, 64, 64}
	c.Assert(p.Div(size), Equals, Point3d{-1, 0, 1})
	c.Assert(p.CeilDiv(size), Equals, Point3d{0, 1, 1})

	p = Point3d{-65, -64, 129}
	c.Assert(p.Div(size), Equals, Point3d{-2, -1, 2})
	c.Assert(p.CeilDiv(size), Equals, Point3d{-1, -1, 3})
}

func (s *DataSuite) TestParsePoint(c *C) {
	p, err := ParsePoint3d("3_-4_5", "_")
	c.Assert(err, IsNil)
	c.Assert(p, Equals, Point3d{3, -4, 5})

	_, err = ParsePoint3d("3,4", ",")
	c.Assert(err, NotNil)
}

func (s *DataSuite) TestExtents(c *C) {
	e := NewExtents(Point3d{0, 0, 0}, Point3d{10, 10, 10})
	e2 := NewExtents(Point3d{5, 5, 5}, Point3d{10, 10, 10})
	c.Assert(e.Overlaps(e2), Equals, true)
	c.Assert(e.Intersect(e2), Equals, Extents3d{Point3d{5, 5, 5}, Point3d{10, 10, 10}})

	e3 := NewExtents(Point3d{10, 0, 0}, Point3d{10, 10, 10})
	c.Assert(e.Overlaps(e3), Equals, false)
	c.Assert(e.Contains(Point3d{9, 9, 9}), Equals, true)
	c.Assert(e.Contains(Point3d{10, 9, 9}), Equals, false)
}
