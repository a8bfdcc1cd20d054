package cebra

import (
	"encoding/json"

	. "github.com/janelia-flyem/go/gocheck"
)

func (s *DataSuite) TestDataTypeParsing(c *C) {
	t, err := ParseDataType("UInt16")
	c.Assert(err, IsNil)
	c.Assert(t, Equals, T_uint16)
	c.Assert(t.Bytes(), Equals, 2)

	_, err = ParseDataType("complex64")
	c.Assert(err, ErrorMatches, ".*unsupported data type.*")

	var holder struct {
		T DataType `json:"t"`
	}
	c.Assert(json.Unmarshal([]byte(`{"t":"float32"}`), &holder), IsNil)
	c.Assert(holder.T, Equals, T_float32)
	out, err := json.Marshal(holder)
	c.Assert(err, IsNil)
	c.Assert(string(out), Equals, `{"t":"float32"}`)
}

func (s *DataSuite) TestLosslessCasts(c *C) {
	c.Assert(T_uint8.LosslessTo(T_uint16), Equals, true)
	c.Assert(T_uint8.LosslessTo(T_int16), Equals, true)
	c.Assert(T_uint8.LosslessTo(T_int8), Equals, false)
	c.Assert(T_uint16.LosslessTo(T_float32), Equals, true)
	c.Assert(T_uint32.LosslessTo(T_float32), Equals, false)
	c.Assert(T_uint32.LosslessTo(T_float64), Equals, true)
	c.Assert(T_uint64.LosslessTo(T_uint32), Equals, false)
	c.Assert(T_int16.LosslessTo(T_uint32), Equals, false)
	c.Assert(T_float32.LosslessTo(T_float64), Equals, true)
	c.Assert(T_float32.LosslessTo(T_int64), Equals, false)
}

func (s *DataSuite) TestRange(c *C) {
	lo, hi := T_uint8.Range()
	c.Assert(lo, Equals, 0.0)
	c.Assert(hi, Equals, 255.0)
	lo, hi = T_int16.Range()
	c.Assert(lo, Equals, -32768.0)
	c.Assert(hi, Equals, 32767.0)
	c.Assert(T_uint32.MaxLabel(), Equals, uint64(4294967295))
}
