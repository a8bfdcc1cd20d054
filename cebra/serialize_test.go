package cebra

import (
	"bytes"
	"errors"

	. "github.com/janelia-flyem/go/gocheck"
)

func (s *DataSuite) TestSerialization(c *C) {
	data := bytes.Repeat([]byte("cebra chunk payload "), 500)
	for _, compress := range []Compression{Uncompressed, Snappy, Zstd} {
		for _, checksum := range []Checksum{NoChecksum, CRC32} {
			ser, err := SerializeData(data, compress, checksum)
			c.Assert(err, IsNil)
			out, gotCompression, err := DeserializeData(ser)
			c.Assert(err, IsNil)
			c.Assert(gotCompression, Equals, compress)
			c.Assert(bytes.Equal(out, data), Equals, true)
		}
	}
}

func (s *DataSuite) TestSerializationDetectsCorruption(c *C) {
	data := bytes.Repeat([]byte{1, 2, 3, 4}, 100)
	ser, err := SerializeData(data, Snappy, CRC32)
	c.Assert(err, IsNil)
	ser[len(ser)-1] ^= 0xff
	_, _, err = DeserializeData(ser)
	c.Assert(err, ErrorMatches, "bad checksum.*")
}

func (s *DataSuite) TestBlockError(c *C) {
	err := NewBlockError("supervoxels", 12, Point3d{64, 0, 128}, ErrTypeMismatch)
	c.Assert(errors.Is(err, ErrTypeMismatch), Equals, true)
	c.Assert(err.Error(), Equals, `dataset "supervoxels" block 12 @ (64,0,128): data type mismatch`)
	c.Assert(NewBlockError("x", 1, Point3d{}, nil), IsNil)

	// already wrapped errors keep their original context
	again := NewBlockError("other", 3, Point3d{}, err)
	c.Assert(again, Equals, err)
}
